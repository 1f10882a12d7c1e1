// Package oidc talks to the upstream's device-grant token service. The
// endpoint speaks camelCase JSON (grantType, clientId, deviceCode) rather
// than the RFC 6749 form encoding, so requests are built by hand.
package oidc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	registerPath   = "/client/register"
	deviceAuthPath = "/device_authorization"
	tokenPath      = "/token"

	deviceGrantType  = "urn:ietf:params:oauth:grant-type:device_code"
	refreshGrantType = "refresh_token"

	userAgent = "kiro-nexus"
)

// Polling signals from the token endpoint while the user has not finished
// the browser step yet.
var (
	ErrAuthorizationPending = errors.New("authorization pending")
	ErrSlowDown             = errors.New("polling too fast")
	ErrExpiredDeviceCode    = errors.New("device code expired")
)

// HTTPError is a non-2xx token-service response. The body is kept for
// classification (permanent refresh failures carry markers like
// invalid_grant).
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("oidc endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Client is a thin JSON client for the OIDC service of one region.
type Client struct {
	httpClient *http.Client
	baseURL    string
	startURL   string
}

// ClientRegistration is the result of dynamic client registration.
type ClientRegistration struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	ExpiresAt    int64  `json:"clientSecretExpiresAt"`
}

// DeviceAuthorization is the upstream's reply to a device-authorization
// request.
type DeviceAuthorization struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// Token is a successful token-endpoint response. RefreshToken may be empty
// on refresh-grant responses that do not rotate.
type Token struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int    `json:"expiresIn"`
}

// NewClient builds a client for baseURL (e.g.
// https://oidc.us-east-1.amazonaws.com). startURL is the portal URL sent
// with device-authorization requests.
func NewClient(baseURL, startURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		startURL:   startURL,
	}
}

// RegisterClient creates a short-lived public client for one device flow.
func (c *Client) RegisterClient(ctx context.Context, name string) (*ClientRegistration, error) {
	body := map[string]interface{}{
		"clientName": name,
		"clientType": "public",
		"scopes": []string{
			"codewhisperer:completions",
			"codewhisperer:analysis",
			"codewhisperer:conversations",
		},
	}
	var reg ClientRegistration
	if err := c.post(ctx, registerPath, body, &reg); err != nil {
		return nil, fmt.Errorf("register client: %w", err)
	}
	return &reg, nil
}

// StartDeviceAuthorization begins the device-code grant.
func (c *Client) StartDeviceAuthorization(ctx context.Context, clientID, clientSecret string) (*DeviceAuthorization, error) {
	body := map[string]interface{}{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"startUrl":     c.startURL,
	}
	var da DeviceAuthorization
	if err := c.post(ctx, deviceAuthPath, body, &da); err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}
	if da.Interval <= 0 {
		da.Interval = 5
	}
	return &da, nil
}

// PollDeviceToken exchanges a device code once. While the user has not
// approved yet it returns ErrAuthorizationPending (or ErrSlowDown).
func (c *Client) PollDeviceToken(ctx context.Context, clientID, clientSecret, deviceCode string) (*Token, error) {
	body := map[string]interface{}{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"grantType":    deviceGrantType,
		"deviceCode":   deviceCode,
	}
	var tok Token
	err := c.post(ctx, tokenPath, body, &tok)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			switch {
			case strings.Contains(httpErr.Body, "AuthorizationPendingException"),
				strings.Contains(httpErr.Body, "authorization_pending"):
				return nil, ErrAuthorizationPending
			case strings.Contains(httpErr.Body, "SlowDownException"),
				strings.Contains(httpErr.Body, "slow_down"):
				return nil, ErrSlowDown
			case strings.Contains(httpErr.Body, "ExpiredTokenException"),
				strings.Contains(httpErr.Body, "expired_token"):
				return nil, ErrExpiredDeviceCode
			}
		}
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, errors.New("token response missing accessToken")
	}
	return &tok, nil
}

// Refresh exchanges a refresh token for a fresh access token.
func (c *Client) Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*Token, error) {
	body := map[string]interface{}{
		"grantType":    refreshGrantType,
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"refreshToken": refreshToken,
	}
	var tok Token
	if err := c.post(ctx, tokenPath, body, &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, errors.New("refresh response missing accessToken")
	}
	return &tok, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
