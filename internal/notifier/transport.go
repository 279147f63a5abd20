package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxDialAttempts  = 3
	DefaultDialBackoff      = 2 * time.Second
	defaultReadLimit        = 1 << 20
	tokenQueryParameter     = "token"
)

var (
	ErrDialFailed       = errors.New("notifier: dial failed")
	ErrDialUnauthorized = errors.New("notifier: dial rejected")
)

// Conn is the subset of *websocket.Conn the notifier drives.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(deadline time.Time) error
	SetPongHandler(handler func(appData string) error)
	Close() error
}

// Dialer opens the realtime connection for a derived URL.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WebSocketDialerConfig configures a gorilla-backed Dialer.
type WebSocketDialerConfig struct {
	HandshakeTimeout time.Duration
	MaxAttempts      int
	Backoff          time.Duration
	ReadLimit        int64
	Logger           *zap.Logger
}

// WebSocketDialer dials with bounded retries and exponential backoff. A
// handshake rejected with a 4xx status is not retried.
type WebSocketDialer struct {
	dialer      *websocket.Dialer
	maxAttempts int
	backoff     time.Duration
	readLimit   int64
	logger      *zap.Logger
}

// NewWebSocketDialer constructs a WebSocketDialer.
func NewWebSocketDialer(cfg WebSocketDialerConfig) *WebSocketDialer {
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxDialAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultDialBackoff
	}
	readLimit := cfg.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		maxAttempts: maxAttempts,
		backoff:     backoff,
		readLimit:   readLimit,
		logger:      logger,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	delay := d.backoff
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		conn, response, err := d.dialer.DialContext(ctx, rawURL, nil)
		if err == nil {
			conn.SetReadLimit(d.readLimit)
			return conn, nil
		}
		lastErr = err
		if response != nil && response.StatusCode >= http.StatusBadRequest && response.StatusCode < http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: status %d", ErrDialUnauthorized, response.StatusCode)
		}
		d.logger.Warn("realtime dial attempt failed",
			zap.String("url", redactURL(rawURL)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", d.maxAttempts),
			zap.Error(err),
		)
		if attempt == d.maxAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrDialFailed, d.maxAttempts, lastErr)
}

// DeriveURL builds the realtime URL for a credential. An empty credential
// yields an empty URL. http(s) base URLs are mapped to ws(s).
func DeriveURL(baseURL, endpoint, credential string) (string, error) {
	token := strings.TrimSpace(credential)
	if token == "" {
		return "", nil
	}
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("parsing realtime base url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/" + strings.TrimLeft(endpoint, "/")
	query := parsed.Query()
	query.Set(tokenQueryParameter, token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// redactURL hides the credential when a URL is logged.
func redactURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	query := parsed.Query()
	if query.Has(tokenQueryParameter) {
		query.Set(tokenQueryParameter, "redacted")
		parsed.RawQuery = query.Encode()
	}
	return parsed.String()
}
