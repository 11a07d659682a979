package kick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fanbase/config"

	"golang.org/x/oauth2"
)

const usersPath = "/public/v1/users"

// ErrInvalidGrant means the refresh token was revoked or expired and the
// link has to be established again.
var ErrInvalidGrant = errors.New("kick: invalid_grant")

// APIError is any other non-success answer from Kick.
type APIError struct {
	StatusCode int
	Reason     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kick: status %d: %s", e.StatusCode, e.Reason)
}

type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       string
}

type User struct {
	ID             string
	Username       string
	Email          string
	ProfilePicture string
}

type Client struct {
	oauth      *oauth2.Config
	apiBaseURL string
	httpClient *http.Client
}

func NewClient(cfg config.KickConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
				// Autodetection retries a failed call with the other style,
				// which would double every refresh attempt.
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		apiBaseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// AuthCodeURL builds the authorize redirect for a PKCE S256 flow.
func (c *Client) AuthCodeURL(state, codeChallenge string) string {
	return c.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

func (c *Client) Exchange(ctx context.Context, code, codeVerifier string) (*Token, error) {
	tok, err := c.oauth.Exchange(c.withHTTPClient(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, classify(err)
	}
	return fromOAuth(tok), nil
}

// Refresh runs one refresh_token grant. When Kick omits a new refresh token
// the returned Token carries the old one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	src := c.oauth.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classify(err)
	}
	return fromOAuth(tok), nil
}

type usersResponse struct {
	Data []struct {
		UserID         json.Number `json:"user_id"`
		Name           string      `json:"name"`
		Email          string      `json:"email"`
		ProfilePicture string      `json:"profile_picture"`
	} `json:"data"`
	Message string `json:"message"`
}

// GetUser returns the identity the access token belongs to.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+usersPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Reason: strings.TrimSpace(string(body))}
	}

	var payload usersResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse user response: %w", err)
	}
	if len(payload.Data) == 0 || payload.Data[0].UserID == "" {
		return nil, &APIError{StatusCode: resp.StatusCode, Reason: "user lookup returned no data"}
	}

	u := payload.Data[0]
	return &User{
		ID:             u.UserID.String(),
		Username:       u.Name,
		Email:          u.Email,
		ProfilePicture: u.ProfilePicture,
	}, nil
}

func fromOAuth(tok *oauth2.Token) *Token {
	t := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	switch scope := tok.Extra("scope").(type) {
	case string:
		t.Scopes = scope
	}
	return t
}

func classify(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return fmt.Errorf("kick token request failed: %w", err)
	}
	if re.ErrorCode == "invalid_grant" {
		return ErrInvalidGrant
	}
	reason := re.ErrorDescription
	if reason == "" {
		reason = re.ErrorCode
	}
	if reason == "" {
		reason = strings.TrimSpace(string(re.Body))
	}
	status := http.StatusBadGateway
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	return &APIError{StatusCode: status, Reason: reason}
}

// ExternalID formats a numeric Kick user id the way linked accounts store it.
func ExternalID(id int64) string {
	return strconv.FormatInt(id, 10)
}
