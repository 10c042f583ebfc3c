package smtp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
	"sync"
	"time"
)

// xoauth2Auth implements the SASL XOAUTH2 mechanism used by Gmail and
// Outlook. The initial response carries the whole exchange; a non-empty
// server challenge means the token was rejected and the payload is the
// JSON error, which we surface verbatim.
type xoauth2Auth struct {
	username string
	token    string
}

// XOAuth2Auth returns an smtp.Auth that authenticates with a bearer token.
func XOAuth2Auth(username, token string) smtp.Auth {
	return &xoauth2Auth{username: username, token: token}
}

func (a *xoauth2Auth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	resp := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.username, a.token)
	return "XOAUTH2", []byte(resp), nil
}

func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		// Server pushed an error payload; an empty client response tells it
		// to finish the exchange with the real SMTP error code.
		return []byte(""), nil
	}
	return nil, nil
}

// tokenSource exchanges a long-lived private key for short-lived access
// tokens via the token endpoint, caching until close to expiry.
type tokenSource struct {
	accessURL  string
	privateKey string
	client     *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newTokenSource(accessURL, privateKey string) *tokenSource {
	return &tokenSource{
		accessURL:  accessURL,
		privateKey: privateKey,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token returns a cached access token, refreshing when it is within a
// minute of expiring.
func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Until(t.expires) > time.Minute {
		return t.token, nil
	}

	form := url.Values{"refresh_token": {t.privateKey}, "grant_type": {"refresh_token"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.accessURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty access_token")
	}

	t.token = tr.AccessToken
	if tr.ExpiresIn > 0 {
		t.expires = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	} else {
		t.expires = time.Now().Add(30 * time.Minute)
	}
	return t.token, nil
}
