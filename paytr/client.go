// Package paytr talks to the PayTR iframe API: it signs get-token requests
// and verifies the server-to-server payment notification.
package paytr

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fanbase/config"

	"github.com/shopspring/decimal"
)

const (
	tokenPath  = "/odeme/api/get-token"
	iframePath = "/odeme/guvenli/"

	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var hundred = decimal.NewFromInt(100)

// ErrHashMismatch is returned when a callback signature does not verify.
var ErrHashMismatch = errors.New("paytr: callback hash mismatch")

// GatewayError carries the reason PayTR gave for refusing a token request.
type GatewayError struct {
	StatusCode int
	Reason     string
}

func (e *GatewayError) Error() string {
	return "paytr: " + e.Reason
}

type BasketItem struct {
	Name     string
	Price    decimal.Decimal
	Quantity int
}

type TokenRequest struct {
	MerchantOID string
	UserIP      string
	Email       string
	Amount      decimal.Decimal
	Basket      []BasketItem
	UserName    string
	UserAddress string
	UserPhone   string
}

type TokenResponse struct {
	Token         string
	PaymentAmount int64
	IframeURL     string
}

// Callback is the form PayTR posts to the notification URL.
type Callback struct {
	MerchantOID     string `form:"merchant_oid"`
	Status          string `form:"status"`
	TotalAmount     string `form:"total_amount"`
	Hash            string `form:"hash"`
	FailedReasonMsg string `form:"failed_reason_msg"`
	FailedReason    string `form:"failed_reason_code"`
	PaymentType     string `form:"payment_type"`
	Currency        string `form:"currency"`
	TestMode        string `form:"test_mode"`
}

type Client struct {
	cfg        config.PayTRConfig
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg config.PayTRConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
	}
}

// ToMinorUnits converts a TL amount to kuruş.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// NewMerchantOID returns an order id PayTR accepts: alphanumeric, prefixed.
func NewMerchantOID(now time.Time) string {
	return "IP" + strconv.FormatInt(now.UnixNano(), 10)
}

func (c *Client) IframeURL(token string) string {
	return c.baseURL + iframePath + token
}

// EncodeBasket renders the basket as base64 JSON [[name, "price", qty], ...].
func EncodeBasket(items []BasketItem) (string, error) {
	rows := make([][]interface{}, 0, len(items))
	for _, it := range items {
		rows = append(rows, []interface{}{it.Name, it.Price.StringFixed(2), it.Quantity})
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("failed to encode basket: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func sign(key, msg string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// TokenHash signs the get-token fields in PayTR's documented order.
func (c *Client) TokenHash(userIP, merchantOID, email string, paymentAmount int64, basket string) string {
	msg := c.cfg.MerchantID +
		userIP +
		merchantOID +
		email +
		strconv.FormatInt(paymentAmount, 10) +
		basket +
		strconv.Itoa(c.cfg.NoInstallment) +
		strconv.Itoa(c.cfg.MaxInstallment) +
		c.cfg.Currency +
		boolFlag(c.cfg.TestMode) +
		c.cfg.MerchantSalt
	return sign(c.cfg.MerchantKey, msg)
}

func (c *Client) CallbackHash(merchantOID, status, totalAmount string) string {
	return sign(c.cfg.MerchantKey, merchantOID+c.cfg.MerchantSalt+status+totalAmount)
}

// VerifyCallback checks the notification signature in constant time.
func (c *Client) VerifyCallback(cb Callback) error {
	expected := c.CallbackHash(cb.MerchantOID, cb.Status, cb.TotalAmount)
	if !hmac.Equal([]byte(expected), []byte(cb.Hash)) {
		return ErrHashMismatch
	}
	return nil
}

type tokenResult struct {
	Status string `json:"status"`
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

// GetToken requests an iframe token for a single checkout.
func (c *Client) GetToken(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	basket := req.Basket
	if len(basket) == 0 {
		basket = []BasketItem{{Name: "Points", Price: req.Amount, Quantity: 1}}
	}
	encodedBasket, err := EncodeBasket(basket)
	if err != nil {
		return nil, err
	}
	paymentAmount := ToMinorUnits(req.Amount)

	form := url.Values{}
	form.Set("merchant_id", c.cfg.MerchantID)
	form.Set("user_ip", req.UserIP)
	form.Set("merchant_oid", req.MerchantOID)
	form.Set("email", req.Email)
	form.Set("payment_amount", strconv.FormatInt(paymentAmount, 10))
	form.Set("paytr_token", c.TokenHash(req.UserIP, req.MerchantOID, req.Email, paymentAmount, encodedBasket))
	form.Set("user_basket", encodedBasket)
	form.Set("debug_on", boolFlag(c.cfg.Debug))
	form.Set("no_installment", strconv.Itoa(c.cfg.NoInstallment))
	form.Set("max_installment", strconv.Itoa(c.cfg.MaxInstallment))
	form.Set("user_name", req.UserName)
	form.Set("user_address", req.UserAddress)
	form.Set("user_phone", req.UserPhone)
	form.Set("merchant_ok_url", c.cfg.OKURL)
	form.Set("merchant_fail_url", c.cfg.FailURL)
	form.Set("timeout_limit", strconv.Itoa(c.cfg.TimeoutLimit))
	form.Set("currency", c.cfg.Currency)
	form.Set("test_mode", boolFlag(c.cfg.TestMode))
	if c.cfg.Lang != "" {
		form.Set("lang", c.cfg.Lang)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("paytr token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result tokenResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &GatewayError{StatusCode: resp.StatusCode, Reason: "unexpected response: " + strings.TrimSpace(string(body))}
	}
	if result.Status != StatusSuccess || result.Token == "" {
		reason := result.Reason
		if reason == "" {
			reason = "token request failed"
		}
		return nil, &GatewayError{StatusCode: resp.StatusCode, Reason: reason}
	}

	return &TokenResponse{
		Token:         result.Token,
		PaymentAmount: paymentAmount,
		IframeURL:     c.IframeURL(result.Token),
	}, nil
}
