// Package notifier owns the realtime WebSocket connection to the field service
// API. Accepted frames move the datasync counters and feed the notification log.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/internal/datasync"
	"github.com/MarcoPoloResearchLab/fieldops/internal/session"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the lifecycle position of the realtime connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

const (
	DefaultEndpoint         = "/ws/updates"
	DefaultPollInterval     = 60 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultMaxReconnects    = 3
	DefaultReconnectBackoff = 2 * time.Second
	writeWait               = 10 * time.Second
	closeGracePeriod        = time.Second
)

var (
	ErrMissingStore   = errors.New("notifier: session store required")
	ErrMissingHub     = errors.New("notifier: hub required")
	ErrMissingBaseURL = errors.New("notifier: base url required")
	ErrAlreadyStarted = errors.New("notifier: already started")
)

var keepaliveFrame = []byte(`{"type":"ping"}`)

var keepaliveTypes = map[datasync.Topic]struct{}{
	"ping":      {},
	"pong":      {},
	"heartbeat": {},
}

// CredentialChecker rejects credentials that must not be used to connect,
// such as expired session tokens.
type CredentialChecker interface {
	Usable(credential string) bool
}

// Stats counts connection and frame activity since the notifier was built.
type Stats struct {
	FramesReceived  uint64     `json:"frames_received"`
	FramesAccepted  uint64     `json:"frames_accepted"`
	FramesDebounced uint64     `json:"frames_debounced"`
	Connects        uint64     `json:"connects"`
	Disconnects     uint64     `json:"disconnects"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
}

// Config wires a Notifier. MaxReconnects bounds consecutive redials after an
// unexpected close; ReconnectBackoff is the first delay and doubles per attempt.
type Config struct {
	BaseURL          string
	Endpoint         string
	Store            session.Store
	Credentials      CredentialChecker
	Hub              *datasync.Hub
	Log              *Log
	Dialer           Dialer
	Debounce         time.Duration
	PollInterval     time.Duration
	PingInterval     time.Duration
	MaxReconnects    int
	ReconnectBackoff time.Duration
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Notifier keeps exactly one realtime connection open while a usable session
// credential exists. It reconnects when the derived URL changes, and after an
// unexpected close it redials the same URL a bounded number of times with
// exponential backoff. Beyond that the credential poll takes over.
type Notifier struct {
	baseURL      string
	endpoint     string
	store        session.Store
	credentials  CredentialChecker
	hub          *datasync.Hub
	log          *Log
	dialer       Dialer
	pollInterval time.Duration
	pingInterval time.Duration
	maxRedials   int
	redialDelay  time.Duration
	clock        func() time.Time
	logger       *zap.Logger

	reconcileMu sync.Mutex

	mu         sync.Mutex
	state      State
	currentURL string
	generation uint64
	conn       Conn
	cancelConn context.CancelFunc
	debouncer  *debouncer
	stats      Stats
	redials    int
	runCtx     context.Context
	cancelRun  context.CancelFunc
	started    bool
	stopped    bool
	wg         sync.WaitGroup
}

// New validates the configuration and returns an idle Notifier.
func New(cfg Config) (*Notifier, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	if cfg.Hub == nil {
		return nil, ErrMissingHub
	}
	if cfg.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if _, err := DeriveURL(cfg.BaseURL, endpoint, "check"); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	log := cfg.Log
	if log == nil {
		log = NewLog(LogConfig{Clock: clock})
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = NewWebSocketDialer(WebSocketDialerConfig{Logger: logger})
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	maxRedials := cfg.MaxReconnects
	if maxRedials <= 0 {
		maxRedials = DefaultMaxReconnects
	}
	redialDelay := cfg.ReconnectBackoff
	if redialDelay <= 0 {
		redialDelay = DefaultReconnectBackoff
	}
	return &Notifier{
		baseURL:      cfg.BaseURL,
		endpoint:     endpoint,
		store:        cfg.Store,
		credentials:  cfg.Credentials,
		hub:          cfg.Hub,
		log:          log,
		dialer:       dialer,
		pollInterval: pollInterval,
		pingInterval: pingInterval,
		maxRedials:   maxRedials,
		redialDelay:  redialDelay,
		clock:        clock,
		logger:       logger,
		state:        StateDisconnected,
		debouncer:    newDebouncer(cfg.Debounce),
	}, nil
}

// Start begins watching the session store and connects if a credential is
// present. It returns immediately; Stop releases everything Start acquired.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.started = true
	n.runCtx, n.cancelRun = context.WithCancel(ctx)
	runCtx := n.runCtx
	n.wg.Add(1)
	n.mu.Unlock()

	go n.watchCredentials(runCtx)
	if err := n.Reconcile(runCtx); err != nil {
		n.logger.Warn("initial credential reconciliation failed", zap.Error(err))
	}
	return nil
}

// Stop tears down the connection, the poll ticker and the store listener.
// Frames delivered afterwards are ignored.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.started || n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.teardownLocked()
	n.currentURL = ""
	n.setStateLocked(StateDisconnected)
	cancelRun := n.cancelRun
	n.mu.Unlock()

	cancelRun()
	n.wg.Wait()
}

// Reconcile re-reads the credential and reconnects when the derived URL
// differs from the current one.
func (n *Notifier) Reconcile(ctx context.Context) error {
	return n.reconcile(ctx, false)
}

// State reports the current connection state.
func (n *Notifier) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// IsConnected is true only while the connection is open.
func (n *Notifier) IsConnected() bool {
	return n.State() == StateConnected
}

// Stats returns a copy of the connection and frame counters.
func (n *Notifier) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	stats := n.stats
	if stats.LastConnectedAt != nil {
		lastConnected := *stats.LastConnectedAt
		stats.LastConnectedAt = &lastConnected
	}
	return stats
}

// Log exposes the notification log.
func (n *Notifier) Log() *Log {
	return n.log
}

func (n *Notifier) watchCredentials(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.store.Changes():
			if err := n.reconcile(ctx, false); err != nil {
				n.logger.Warn("credential change reconciliation failed", zap.Error(err))
			}
		case <-ticker.C:
			if err := n.reconcile(ctx, true); err != nil {
				n.logger.Warn("credential poll failed", zap.Error(err))
			}
		}
	}
}

// reconcile derives the URL from the stored credential. With redialClosed a
// connection that ended in StateClosed is dialled again even if the URL is
// unchanged.
func (n *Notifier) reconcile(ctx context.Context, redialClosed bool) error {
	n.reconcileMu.Lock()
	defer n.reconcileMu.Unlock()

	credential, err := n.store.Token(ctx)
	if err != nil {
		return err
	}
	if credential != "" && n.credentials != nil && !n.credentials.Usable(credential) {
		n.logger.Info("session credential unusable, treating as absent")
		credential = ""
	}
	target, err := DeriveURL(n.baseURL, n.endpoint, credential)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started || n.stopped {
		return nil
	}
	if target == n.currentURL {
		if !redialClosed || target == "" || n.state != StateClosed {
			return nil
		}
	}

	n.teardownLocked()
	n.currentURL = target
	n.redials = 0
	if target == "" {
		n.setStateLocked(StateDisconnected)
		return nil
	}
	n.dialLocked(target, 0)
	return nil
}

// dialLocked starts a connection attempt for the current generation after
// delay.
func (n *Notifier) dialLocked(target string, delay time.Duration) {
	if n.cancelConn != nil {
		n.cancelConn()
	}
	n.setStateLocked(StateConnecting)
	connCtx, cancel := context.WithCancel(n.runCtx)
	n.cancelConn = cancel
	generation := n.generation
	n.wg.Add(1)
	go n.run(connCtx, generation, target, delay)
}

// teardownLocked invalidates the current generation and closes its connection.
func (n *Notifier) teardownLocked() {
	n.generation++
	if n.cancelConn != nil {
		n.cancelConn()
		n.cancelConn = nil
	}
	if n.conn != nil {
		_ = n.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		_ = n.conn.Close()
		n.conn = nil
		n.stats.Disconnects++
	}
}

func (n *Notifier) setStateLocked(state State) {
	if n.state == state {
		return
	}
	n.logger.Debug("realtime state changed", zap.String("from", string(n.state)), zap.String("to", string(state)))
	n.state = state
}

func (n *Notifier) run(ctx context.Context, generation uint64, target string, delay time.Duration) {
	defer n.wg.Done()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	conn, err := n.dialer.Dial(ctx, target)

	n.mu.Lock()
	if generation != n.generation {
		n.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		if n.redials > 0 {
			if attempt, delay, ok := n.redialLocked(target); ok {
				n.mu.Unlock()
				n.logger.Warn("realtime reconnect failed, retrying",
					zap.String("url", redactURL(target)),
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay),
					zap.Error(err),
				)
				return
			}
		}
		n.setStateLocked(StateClosed)
		n.mu.Unlock()
		n.logger.Warn("realtime connection failed", zap.String("url", redactURL(target)), zap.Error(err))
		return
	}
	n.conn = conn
	n.redials = 0
	n.stats.Connects++
	connectedAt := n.clock()
	n.stats.LastConnectedAt = &connectedAt
	n.setStateLocked(StateConnected)
	n.wg.Add(1)
	n.mu.Unlock()
	n.logger.Info("realtime connection established", zap.String("url", redactURL(target)))

	pongWait := 2 * n.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go n.keepalive(ctx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			n.connectionLost(generation, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		n.handleFrame(generation, data)
	}
}

func (n *Notifier) keepalive(ctx context.Context, conn Conn) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				n.logger.Debug("realtime ping failed", zap.Error(err))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, keepaliveFrame); err != nil {
				n.logger.Debug("realtime keepalive failed", zap.Error(err))
				return
			}
		}
	}
}

func (n *Notifier) connectionLost(generation uint64, cause error) {
	n.mu.Lock()
	if generation != n.generation {
		n.mu.Unlock()
		return
	}
	if n.cancelConn != nil {
		n.cancelConn()
		n.cancelConn = nil
	}
	if n.conn != nil {
		_ = n.conn.Close()
		n.conn = nil
	}
	n.stats.Disconnects++

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		n.setStateLocked(StateClosed)
		n.mu.Unlock()
		n.logger.Info("realtime connection closed", zap.Error(cause))
		return
	}
	attempt, delay, ok := n.redialLocked(n.currentURL)
	if !ok {
		n.setStateLocked(StateClosed)
		n.mu.Unlock()
		n.logger.Warn("realtime connection lost", zap.Error(cause))
		return
	}
	n.mu.Unlock()
	n.logger.Warn("realtime connection lost, reconnecting",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", n.maxRedials),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
}

// redialLocked schedules the next reconnect to target within the current
// generation. The delay doubles per attempt; ok is false once the budget is
// spent or the notifier no longer wants a connection.
func (n *Notifier) redialLocked(target string) (int, time.Duration, bool) {
	if n.stopped || target == "" || target != n.currentURL || n.redials >= n.maxRedials {
		return n.redials, 0, false
	}
	n.redials++
	delay := n.redialDelay << (n.redials - 1)
	n.dialLocked(target, delay)
	return n.redials, delay, true
}

// handleFrame applies one inbound frame from the connection identified by
// generation. It reports whether the frame was accepted.
func (n *Notifier) handleFrame(generation uint64, data []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || generation != n.generation || n.state != StateConnected {
		return false
	}
	n.stats.FramesReceived++

	var message datasync.Message
	if err := json.Unmarshal(data, &message); err != nil {
		n.logger.Debug("dropping malformed realtime frame", zap.Error(err))
		return false
	}
	if _, ok := keepaliveTypes[message.Type]; ok {
		return false
	}
	if message.Type == "" {
		n.logger.Debug("dropping realtime frame without type")
		return false
	}
	if !n.debouncer.allow(message.Type, n.clock()) {
		n.stats.FramesDebounced++
		return false
	}
	n.stats.FramesAccepted++
	n.hub.TriggerMessage(message)

	if classification, ok := Classify(message); ok {
		if _, appended := n.log.Append(classification); !appended {
			n.logger.Debug("duplicate notification suppressed", zap.String("message", classification.Text))
		}
	}
	return true
}
