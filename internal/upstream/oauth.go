package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/compresr/relay-gateway/internal/config"
)

const oauthTimeout = 30 * time.Second

// OAuthError is a failed refresh-token grant.
type OAuthError struct {
	Status      int
	Code        string // OAuth "error" field, e.g. invalid_grant
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token refresh failed (status %d): %s: %s", e.Status, e.Code, e.Description)
	}
	return fmt.Sprintf("token refresh failed (status %d): %s", e.Status, e.Code)
}

// Unrecoverable reports whether the grant is revoked and retrying is pointless.
func (e *OAuthError) Unrecoverable() bool {
	return e.Code == "invalid_grant" || e.Code == "unauthorized_client"
}

// OAuthClient performs refresh-token grants. It satisfies accounts.TokenRefresher.
type OAuthClient struct {
	cfg        config.OAuthConfig
	httpClient *http.Client
}

// NewOAuthClient creates an OAuth client. httpClient may be nil.
func NewOAuthClient(cfg config.OAuthConfig, httpClient *http.Client) *OAuthClient {
	if cfg.TokenURL == "" {
		cfg.TokenURL = config.DefaultTokenURL
	}
	if httpClient == nil {
		httpClient = newHTTPClient(oauthTimeout)
	}
	return &OAuthClient{cfg: cfg, httpClient: httpClient}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// RefreshAccessToken exchanges a refresh token for a new access token.
func (o *OAuthClient) RefreshAccessToken(ctx context.Context, refreshToken string) (string, time.Duration, error) {
	if refreshToken == "" {
		return "", 0, &OAuthError{Code: "invalid_grant", Description: "refresh token is empty"}
	}

	form := url.Values{}
	form.Set("client_id", o.cfg.ClientID)
	form.Set("client_secret", o.cfg.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		oe := &OAuthError{
			Status:      resp.StatusCode,
			Code:        gjson.GetBytes(body, "error").String(),
			Description: gjson.GetBytes(body, "error_description").String(),
		}
		if oe.Code == "" {
			oe.Code = http.StatusText(resp.StatusCode)
		}
		return "", 0, oe
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", 0, fmt.Errorf("parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", 0, fmt.Errorf("token response has no access_token")
	}
	return tok.AccessToken, time.Duration(tok.ExpiresIn) * time.Second, nil
}
