// Package forms is a read-only client for the PocketBase instance that
// holds form metadata. The worker authenticates as a superuser once at
// bootstrap and looks forms up by id while processing messages.
package forms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrFormNotFound marks a form_id with no record in the metadata store.
// For the executor this is a terminal, non-retriable failure.
var ErrFormNotFound = errors.New("form not found")

// Form is the metadata record for one form.
type Form struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	AllowDuplicates bool     `json:"allow_duplicates"`
	Handler         *Handler `json:"handler"`
}

// Handler describes how submissions to a form become mail.
type Handler struct {
	FromName  string    `json:"from_name"`
	FromEmail string    `json:"from_email"`
	To        string    `json:"to"`
	ReplyTo   string    `json:"reply_to"`
	Template  *Template `json:"template"`
	Gateway   *Gateway  `json:"gateway"`
}

// Template holds the subject and body templates for a handler. Empty
// body falls back to the renderer's default field table.
type Template struct {
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Gateway is an optional per-form SMTP gateway override.
type Gateway struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Security string `json:"security"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Client talks to the PocketBase REST API. Safe for concurrent use; the
// auth token is refreshed under a lock when a request comes back 401.
type Client struct {
	baseURL  string
	email    string
	password string
	http     *http.Client
	log      *slog.Logger

	mu    sync.Mutex
	token string
}

// NewClient builds a client for the given PocketBase endpoint. Call
// Authenticate before the first lookup; an auth failure there is
// bootstrap-fatal.
func NewClient(baseURL, email, password string, log *slog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		email:    email,
		password: password,
		http:     &http.Client{Timeout: 15 * time.Second},
		log:      log,
	}
}

// Authenticate performs the superuser password auth and caches the token.
func (c *Client) Authenticate(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"identity": c.email,
		"password": c.password,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/collections/_superusers/auth-with-password", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("auth with form store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth with form store: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	if payload.Token == "" {
		return errors.New("auth with form store: empty token")
	}

	c.mu.Lock()
	c.token = payload.Token
	c.mu.Unlock()
	return nil
}

// ClearAuth drops the cached token. Called on shutdown.
func (c *Client) ClearAuth() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// Form fetches a form record by id. A stale token is refreshed once and
// the lookup retried before giving up.
func (c *Client) Form(ctx context.Context, formID string) (*Form, error) {
	form, err := c.fetchForm(ctx, formID)
	if err == errUnauthorized {
		c.log.Debug("form store token expired, re-authenticating")
		if authErr := c.Authenticate(ctx); authErr != nil {
			return nil, authErr
		}
		form, err = c.fetchForm(ctx, formID)
	}
	if err == errUnauthorized {
		return nil, fmt.Errorf("lookup form %s: unauthorized after re-auth", formID)
	}
	return form, err
}

// Ping checks that the form store answers. Used by the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("form store health: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("form store health: status %d", resp.StatusCode)
	}
	return nil
}

var errUnauthorized = errors.New("form store token rejected")

func (c *Client) fetchForm(ctx context.Context, formID string) (*Form, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/collections/forms/records/"+formID, nil)
	if err != nil {
		return nil, fmt.Errorf("build form request: %w", err)
	}

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	req.Header.Set("Authorization", token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup form %s: %w", formID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrFormNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return nil, errUnauthorized
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("lookup form %s: unexpected status %d", formID, resp.StatusCode)
	}

	var form Form
	if err := json.NewDecoder(resp.Body).Decode(&form); err != nil {
		return nil, fmt.Errorf("decode form %s: %w", formID, err)
	}
	return &form, nil
}
