package paytr

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"fanbase/config"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) config.PayTRConfig {
	return config.PayTRConfig{
		MerchantID:     "123456",
		MerchantKey:    "merchant-key",
		MerchantSalt:   "merchant-salt",
		BaseURL:        baseURL,
		Currency:       "TL",
		NoInstallment:  0,
		MaxInstallment: 0,
		TimeoutLimit:   30,
		OKURL:          "https://fans.example.com/store?payment=success",
		FailURL:        "https://fans.example.com/store?payment=failed",
	}
}

func hmacB64(key, msg string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestToMinorUnits(t *testing.T) {
	tests := []struct {
		amount string
		want   int64
	}{
		{"100", 10000},
		{"49.90", 4990},
		{"0.01", 1},
		{"12.345", 1235},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ToMinorUnits(decimal.RequireFromString(tt.amount)), tt.amount)
	}
}

func TestNewMerchantOID(t *testing.T) {
	oid := NewMerchantOID(time.Unix(1700000000, 123))
	assert.Regexp(t, regexp.MustCompile(`^IP\d+$`), oid)
	assert.Equal(t, "IP1700000000000000123", oid)
}

func TestEncodeBasket(t *testing.T) {
	encoded, err := EncodeBasket([]BasketItem{{Name: "1000 Points", Price: decimal.NewFromInt(100), Quantity: 1}})
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.JSONEq(t, `[["1000 Points","100.00",1]]`, string(raw))
}

func TestTokenHashFieldOrder(t *testing.T) {
	c := NewClient(testConfig("https://www.paytr.com"), nil)

	got := c.TokenHash("1.2.3.4", "IP1", "fan@example.com", 10000, "BASKET")
	want := hmacB64("merchant-key", "123456"+"1.2.3.4"+"IP1"+"fan@example.com"+"10000"+"BASKET"+"0"+"0"+"TL"+"0"+"merchant-salt")
	assert.Equal(t, want, got)
}

func TestVerifyCallback(t *testing.T) {
	c := NewClient(testConfig("https://www.paytr.com"), nil)

	cb := Callback{MerchantOID: "IP1", Status: "success", TotalAmount: "10000"}
	cb.Hash = hmacB64("merchant-key", "IP1"+"merchant-salt"+"success"+"10000")
	assert.NoError(t, c.VerifyCallback(cb))

	cb.TotalAmount = "20000"
	assert.ErrorIs(t, c.VerifyCallback(cb), ErrHashMismatch)
}

func TestGetTokenSuccess(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, tokenPath, r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "success", "token": "iframe-token"})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), srv.Client())
	resp, err := c.GetToken(context.Background(), TokenRequest{
		MerchantOID: "IP99",
		UserIP:      "10.0.0.1",
		Email:       "fan@example.com",
		Amount:      decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	assert.Equal(t, "iframe-token", resp.Token)
	assert.Equal(t, int64(10000), resp.PaymentAmount)
	assert.Equal(t, srv.URL+"/odeme/guvenli/iframe-token", resp.IframeURL)

	assert.Equal(t, "10000", form["payment_amount"])
	assert.Equal(t, "IP99", form["merchant_oid"])
	expected := c.TokenHash("10.0.0.1", "IP99", "fan@example.com", 10000, form["user_basket"])
	assert.Equal(t, expected, form["paytr_token"])
}

func TestGetTokenFailedRelaysReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"failed","reason":"paytr_token gonderilmedi veya gecersiz"}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), srv.Client())
	_, err := c.GetToken(context.Background(), TokenRequest{MerchantOID: "IP1", Amount: decimal.NewFromInt(5)})

	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, "paytr_token gonderilmedi veya gecersiz", gwErr.Reason)
}
