// Package smtp submits rendered mail to the configured gateway and
// classifies the outcome as delivered, transient, or permanent.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/formrelay/formrelay/internal/forms"
	"github.com/formrelay/formrelay/internal/metrics"
	"github.com/formrelay/formrelay/internal/render"
)

// Transport security modes.
const (
	SecurityNone     = "none"
	SecuritySTARTTLS = "starttls"
	SecuritySSL      = "ssl"
)

// Authentication modes. Gmail is XOAUTH2 with a bearer token fetched from
// the access URL, same as oauth2.
const (
	AuthPlain  = "plain"
	AuthGmail  = "gmail"
	AuthOAuth2 = "oauth2"
)

const dialTimeout = 30 * time.Second
const sessionTimeout = 2 * time.Minute

// Config holds the default gateway settings.
type Config struct {
	Hostname   string
	Port       int
	Security   string
	Auth       string
	Username   string
	Password   string
	PrivateKey string
	AccessURL  string

	// Pool keeps the connection to the default gateway open across sends.
	Pool bool
}

// Sender submits mail. Safe for concurrent use; the pooled client is
// guarded by a mutex so only one send at a time holds the session.
type Sender struct {
	cfg    Config
	log    *slog.Logger
	tokens *tokenSource

	mu     sync.Mutex
	pooled *smtp.Client
}

// NewSender builds a Sender for the default gateway.
func NewSender(cfg Config, log *slog.Logger) *Sender {
	s := &Sender{cfg: cfg, log: log}
	if cfg.Auth == AuthGmail || cfg.Auth == AuthOAuth2 {
		s.tokens = newTokenSource(cfg.AccessURL, cfg.PrivateKey)
	}
	return s
}

// Send submits one mail, using hex as the client message-id. The return
// contract mirrors the executor's outcome taxonomy:
//
//	true,  nil: delivered
//	false, nil: transient failure, eligible for retry
//	_,     err: permanent failure, never retried
func (s *Sender) Send(ctx context.Context, mail *render.Mail, hex string) (bool, error) {
	raw, err := buildMessage(mail, hex, s.hostname(mail))
	if err != nil {
		return false, fmt.Errorf("build message: %w", err)
	}

	start := time.Now()
	delivered, err := s.submit(ctx, mail, raw)
	metrics.SendDuration.Observe(time.Since(start).Seconds())
	return delivered, err
}

// Close quits the pooled session if one is open.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pooled == nil {
		return nil
	}
	err := s.pooled.Quit()
	s.pooled = nil
	return err
}

func (s *Sender) hostname(mail *render.Mail) string {
	if mail.Gateway != nil && mail.Gateway.Hostname != "" {
		return mail.Gateway.Hostname
	}
	return s.cfg.Hostname
}

func (s *Sender) submit(ctx context.Context, mail *render.Mail, raw []byte) (bool, error) {
	if mail.Gateway != nil {
		// Per-form gateway: one-shot session, never pooled.
		client, err := s.dialGateway(ctx, mail.Gateway)
		if err != nil {
			return classifyConnectError(err)
		}
		defer func() { _ = client.Quit() }()
		return s.transact(client, mail, raw)
	}

	if !s.cfg.Pool {
		client, err := s.dialDefault(ctx)
		if err != nil {
			return classifyConnectError(err)
		}
		defer func() { _ = client.Quit() }()
		return s.transact(client, mail, raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := s.pooledClient(ctx)
	if err != nil {
		return classifyConnectError(err)
	}
	delivered, err := s.transact(client, mail, raw)
	if err != nil || !delivered {
		// Session state after a failed transaction is suspect; rebuild on
		// the next send.
		_ = client.Close()
		s.pooled = nil
	}
	return delivered, err
}

func (s *Sender) pooledClient(ctx context.Context) (*smtp.Client, error) {
	if s.pooled != nil {
		if err := s.pooled.Noop(); err == nil {
			return s.pooled, nil
		}
		_ = s.pooled.Close()
		s.pooled = nil
	}
	client, err := s.dialDefault(ctx)
	if err != nil {
		return nil, err
	}
	s.pooled = client
	return client, nil
}

func (s *Sender) dialDefault(ctx context.Context) (*smtp.Client, error) {
	auth, err := s.defaultAuth(ctx)
	if err != nil {
		return nil, err
	}
	return dial(ctx, s.cfg.Hostname, s.cfg.Port, s.cfg.Security, auth)
}

func (s *Sender) dialGateway(ctx context.Context, gw *forms.Gateway) (*smtp.Client, error) {
	var auth smtp.Auth
	if gw.Username != "" {
		auth = smtp.PlainAuth("", gw.Username, gw.Password, gw.Hostname)
	}
	port := gw.Port
	if port == 0 {
		port = 587
	}
	security := gw.Security
	if security == "" {
		security = SecuritySTARTTLS
	}
	return dial(ctx, gw.Hostname, port, security, auth)
}

func (s *Sender) defaultAuth(ctx context.Context) (smtp.Auth, error) {
	switch s.cfg.Auth {
	case AuthGmail, AuthOAuth2:
		token, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch access token: %w", err)
		}
		return XOAuth2Auth(s.cfg.Username, token), nil
	default:
		if s.cfg.Username == "" {
			return nil, nil
		}
		return smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Hostname), nil
	}
}

func dial(ctx context.Context, hostname string, port int, security string, auth smtp.Auth) (*smtp.Client, error) {
	addr := net.JoinHostPort(hostname, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: dialTimeout}

	var conn net.Conn
	var err error
	if security == SecuritySSL {
		tlsDialer := tls.Dialer{NetDialer: &dialer, Config: &tls.Config{ServerName: hostname}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	if err := conn.SetDeadline(time.Now().Add(sessionTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, hostname)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smtp handshake with %s: %w", addr, err)
	}

	if security == SecuritySTARTTLS {
		if err := client.StartTLS(&tls.Config{ServerName: hostname}); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("starttls with %s: %w", addr, err)
		}
	}

	if auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(auth); err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("auth with %s: %w", addr, err)
			}
		}
	}

	return client, nil
}

// transact runs MAIL FROM / RCPT TO / DATA on an established session and
// classifies protocol errors by SMTP reply code.
func (s *Sender) transact(client *smtp.Client, mail *render.Mail, raw []byte) (bool, error) {
	if err := client.Mail(mail.FromEmail); err != nil {
		return classifyProtocolError(err)
	}
	if err := client.Rcpt(mail.To); err != nil {
		return classifyProtocolError(err)
	}

	wc, err := client.Data()
	if err != nil {
		return classifyProtocolError(err)
	}
	if _, err := wc.Write(raw); err != nil {
		_ = wc.Close()
		return false, nil // connection-level, retriable
	}
	if err := wc.Close(); err != nil {
		return classifyProtocolError(err)
	}
	return true, nil
}

// classifyProtocolError maps SMTP reply codes onto the outcome contract:
// 4xx is transient, 5xx permanent. Anything that is not a protocol reply
// is a dropped connection and treated as transient.
func classifyProtocolError(err error) (bool, error) {
	var proto *textproto.Error
	if errors.As(err, &proto) {
		if proto.Code >= 500 {
			return false, fmt.Errorf("gateway rejected message: %w", err)
		}
		return false, nil
	}
	return false, nil
}

// classifyConnectError treats dial, handshake, and auth failures as
// transient: the gateway being down now says nothing about the message.
func classifyConnectError(err error) (bool, error) {
	var proto *textproto.Error
	if errors.As(err, &proto) && proto.Code >= 500 && proto.Code != 530 {
		return false, fmt.Errorf("gateway refused session: %w", err)
	}
	return false, nil
}
