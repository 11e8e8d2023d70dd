// Package channel implements the connection manager: one logical realtime
// channel bound to a key (a conversation id or the signed-in user's code),
// backed by at most one socket at a time. It owns the channel state machine,
// routes inbound frames to listeners by action and decides when a dropped
// socket is reopened on its own.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/transport"
)

var (
	// ErrNoCredential is returned by Connect when no token is available.
	// The channel stays Closed.
	ErrNoCredential = errors.New("channel: no credential available")
	// ErrCancelled is returned by a Connect superseded by Disconnect or by a
	// Connect to another key.
	ErrCancelled = errors.New("channel: connect cancelled")
	// ErrEmptyKey is returned by Connect when called without a key.
	ErrEmptyKey = errors.New("channel: empty channel key")
)

// State is a snapshot of the channel.
type State struct {
	Status               status.State
	Key                  string
	ReconnectAttempt     int
	MaxReconnectAttempts int
}

// Handle identifies a registered listener.
type Handle uint64

// MessageListener receives inbound events on the socket's read goroutine.
type MessageListener func(evt protocol.Event)

// ConnectionListener receives connectivity changes.
type ConnectionListener func(connected bool)

type messageEntry struct {
	h  Handle
	fn MessageListener
}

type connectionEntry struct {
	h  Handle
	fn ConnectionListener
}

// Manager owns one logical channel.
type Manager struct {
	opts    Options
	log     *zap.Logger
	machine *status.Machine

	mu            sync.Mutex
	conn          transport.Conn
	key           string
	gen           uint64
	cancelConnect context.CancelFunc
	early         *transport.Closure
	serverErr     bool
	subscribed    bool
	wantSubscribe bool
	attempt       int
	timer         *time.Timer

	lmu         sync.RWMutex
	nextHandle  Handle
	messages    map[string][]messageEntry
	actions     map[Handle]string
	connections []connectionEntry
}

// New creates a Manager in the Closed state.
func New(opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		opts:     opts,
		log:      opts.Logger.With(zap.String("channel", opts.Scope)),
		machine:  status.NewMachine(opts.Scope, opts.Bus),
		messages: make(map[string][]messageEntry),
		actions:  make(map[Handle]string),
	}
}

// Scope returns the channel scope.
func (m *Manager) Scope() string {
	return m.opts.Scope
}

// State returns a snapshot of the channel state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Status:               m.machine.Current(),
		Key:                  m.key,
		ReconnectAttempt:     m.attempt,
		MaxReconnectAttempts: m.opts.MaxReconnectAttempts,
	}
}

// Connected reports whether the channel has an open socket.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedLocked()
}

func (m *Manager) connectedLocked() bool {
	return m.conn != nil && m.machine.Is(status.Open)
}

// Key returns the key the channel is bound to, or "" when unbound.
func (m *Manager) Key() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key
}

// Connect opens the channel on key. It returns immediately when the channel is
// already open on key, and closes a channel open on another key first. The
// reconnect counter is reset.
func (m *Manager) Connect(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	if m.key == key && m.connectedLocked() {
		m.mu.Unlock()
		return nil
	}
	prev := m.key
	old := m.teardownLocked()
	m.attempt = 0
	gen := m.gen
	m.mu.Unlock()

	if old != nil {
		m.log.Info("closing channel", zap.String("key", prev), zap.String("next", key))
		_ = old.Close("channel switch")
		metrics.ChannelOpen.WithLabelValues(m.opts.Scope).Set(0)
		m.notifyConnection(false)
	}
	return m.connect(ctx, key, gen)
}

// Subscribe connects to key, waiting at most SubscribeWait per attempt and
// retrying with increasing backoff. On success a conversation channel sends
// its subscribe frame. It reports whether the channel reached Open.
func (m *Manager) Subscribe(ctx context.Context, key string) bool {
	for i := 0; i <= m.opts.SubscribeRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(m.opts.SubscribeBackoff * time.Duration(i)):
			case <-ctx.Done():
				return false
			}
		}
		wctx, cancel := context.WithTimeout(ctx, m.opts.SubscribeWait)
		err := m.Connect(wctx, key)
		cancel()
		if errors.Is(err, ErrNoCredential) || errors.Is(err, ErrEmptyKey) || errors.Is(err, ErrCancelled) {
			return false
		}
		if err != nil {
			m.log.Warn("subscribe attempt failed",
				zap.String("key", key),
				zap.Int("attempt", i+1),
				zap.Error(err),
			)
			continue
		}
		if !m.opts.SubscribeFrame {
			return true
		}
		if m.confirmSubscription(key) {
			return true
		}
	}
	return false
}

func (m *Manager) confirmSubscription(key string) bool {
	m.mu.Lock()
	if m.key != key || !m.connectedLocked() {
		m.mu.Unlock()
		return false
	}
	m.wantSubscribe = true
	if m.subscribed {
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()
	return m.sendSubscribe(key)
}

func (m *Manager) sendSubscribe(key string) bool {
	if !m.Send(protocol.ActionSubscribe, protocol.SubscribeFrame{ConversationID: key}) {
		return false
	}
	m.mu.Lock()
	if m.key == key {
		m.subscribed = true
	}
	m.mu.Unlock()
	return true
}

// Send writes one frame. It returns false without queueing when the channel
// is not open or the write fails.
func (m *Manager) Send(action string, payload any) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.connectedLocked()
	m.mu.Unlock()
	if !open {
		m.log.Debug("send dropped: channel not open", zap.String("action", action))
		metrics.FramesDropped.WithLabelValues(m.opts.Scope, "not_open").Inc()
		return false
	}

	data, err := protocol.Encode(action, payload)
	if err != nil {
		m.log.Error("encode frame", zap.String("action", action), zap.Error(err))
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.WriteTimeout)
	defer cancel()
	if err := conn.Send(ctx, data); err != nil {
		m.log.Warn("send failed", zap.String("action", action), zap.Error(err))
		metrics.FramesDropped.WithLabelValues(m.opts.Scope, "write_error").Inc()
		return false
	}
	metrics.FramesSent.WithLabelValues(m.opts.Scope, action).Inc()
	return true
}

// Disconnect closes the socket, cancels any in-flight connect or pending
// reconnect, clears the key and notifies connection listeners.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	key := m.key
	old := m.teardownLocked()
	m.mu.Unlock()

	if old != nil {
		_ = old.Close("client disconnect")
	}
	metrics.ChannelOpen.WithLabelValues(m.opts.Scope).Set(0)
	m.log.Info("channel disconnected", zap.String("key", key))
	m.notifyConnection(false)
}

// teardownLocked invalidates the current generation and returns the socket
// that was open, if any. Callers close it outside the lock.
func (m *Manager) teardownLocked() transport.Conn {
	m.gen++
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	old := m.conn
	m.conn = nil
	m.key = ""
	m.early = nil
	m.serverErr = false
	m.subscribed = false
	m.wantSubscribe = false
	if !m.machine.Is(status.Closed) {
		m.transition(status.Closed)
	}
	return old
}

// connect dials key under generation gen. It fails with ErrCancelled when gen
// has been superseded by the time the socket is ready.
func (m *Manager) connect(ctx context.Context, key string, gen uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return ErrCancelled
	}
	m.cancelConnect = cancel
	m.key = key
	m.early = nil
	m.mu.Unlock()

	token, err := m.token(ctx)
	if err != nil {
		m.mu.Lock()
		if gen == m.gen {
			m.key = ""
			m.cancelConnect = nil
		}
		m.mu.Unlock()
		m.log.Warn("connect skipped: no credential", zap.String("key", key), zap.Error(err))
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return ErrCancelled
	}
	m.transition(status.Connecting)
	m.mu.Unlock()

	rawURL := m.url(key, token)
	m.log.Debug("dialing", zap.String("url", transport.Redact(rawURL)))
	conn, err := m.opts.Dialer.Dial(ctx, rawURL, transport.Handler{
		OnMessage: func(data []byte) { m.onMessage(gen, data) },
		OnClose:   func(c transport.Closure) { m.onClose(gen, c) },
	})

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close("connect cancelled")
		}
		metrics.Connects.WithLabelValues(m.opts.Scope, "cancelled").Inc()
		return ErrCancelled
	}
	if err == nil && m.early != nil {
		err = fmt.Errorf("socket closed during connect (code %d)", m.early.Code)
		_ = conn.Close("closed during connect")
	}
	if err != nil {
		m.cancelConnect = nil
		m.transition(status.Errored)
		m.transition(status.Closed)
		m.key = ""
		m.early = nil
		m.mu.Unlock()

		outcome := "error"
		if errors.Is(err, transport.ErrUnauthorized) {
			outcome = "unauthorized"
		}
		metrics.Connects.WithLabelValues(m.opts.Scope, outcome).Inc()
		m.log.Warn("connect failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("channel: connect %s: %w", key, err)
	}
	m.conn = conn
	m.serverErr = false
	m.subscribed = false
	m.transition(status.Open)
	m.mu.Unlock()

	metrics.Connects.WithLabelValues(m.opts.Scope, "open").Inc()
	metrics.ChannelOpen.WithLabelValues(m.opts.Scope).Set(1)
	m.log.Info("channel open", zap.String("key", key))

	if d := m.opts.SettleDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	}

	// Disconnect or a switch may have torn the socket down while settling.
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return ErrCancelled
	}
	m.cancelConnect = nil
	m.mu.Unlock()

	m.notifyConnection(true)
	if !m.isCurrent(gen) {
		// A teardown between the check and the notification may have reported
		// false first; repeat it so listeners end on the real state.
		m.notifyConnection(false)
	}
	return nil
}

func (m *Manager) token(ctx context.Context) (string, error) {
	if m.opts.Tokens == nil {
		return "", ErrNoCredential
	}
	token, err := m.opts.Tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoCredential, err)
	}
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

func (m *Manager) url(key, token string) string {
	scheme := "ws"
	if m.opts.Secure {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     m.opts.Host,
		Path:     m.opts.Route(key),
		RawQuery: url.Values{"token": {token}}.Encode(),
	}
	return u.String()
}

// transition must be called with mu held.
func (m *Manager) transition(to status.State) {
	if err := m.machine.Transition(to); err != nil {
		m.log.Debug("ignored state transition", zap.Error(err))
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) onMessage(gen uint64, data []byte) {
	if !m.isCurrent(gen) {
		metrics.FramesDropped.WithLabelValues(m.opts.Scope, "stale").Inc()
		return
	}
	evt, err := protocol.Parse(data)
	if err != nil {
		m.log.Warn("dropping malformed frame", zap.Int("bytes", len(data)), zap.Error(err))
		metrics.FramesDropped.WithLabelValues(m.opts.Scope, "malformed").Inc()
		return
	}
	if evt.Action == protocol.ActionError {
		var e protocol.ErrorEvent
		_ = evt.Decode(&e)
		m.mu.Lock()
		if gen == m.gen {
			m.serverErr = true
		}
		m.mu.Unlock()
		m.log.Warn("server reported error", zap.String("message", e.Message))
	}
	metrics.FramesReceived.WithLabelValues(m.opts.Scope, evt.Action).Inc()
	m.dispatch(evt)
}

func (m *Manager) onClose(gen uint64, c transport.Closure) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.conn == nil {
		// Dial has not returned yet; connect reports the failure.
		if m.machine.Is(status.Connecting) {
			m.early = &c
		}
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.subscribed = false
	serverErr := m.serverErr || c.ServerError()
	m.transition(status.Closed)
	key := m.key
	retry := c.Abnormal() && !serverErr && m.scheduleReconnectLocked(key)
	if !retry {
		m.key = ""
		m.wantSubscribe = false
	}
	attempt := m.attempt
	m.mu.Unlock()

	metrics.ChannelOpen.WithLabelValues(m.opts.Scope).Set(0)
	fields := []zap.Field{
		zap.String("key", key),
		zap.Int("code", c.Code),
		zap.String("reason", c.Reason),
		zap.Bool("abnormal", c.Abnormal()),
		zap.Bool("server_error", serverErr),
	}
	if retry {
		m.log.Warn("channel dropped, reconnect scheduled", append(fields, zap.Int("attempt", attempt))...)
	} else {
		m.log.Info("channel closed", fields...)
	}
	m.notifyConnection(false)
}

// scheduleReconnectLocked arms one reconnect attempt for key, if any remain.
func (m *Manager) scheduleReconnectLocked(key string) bool {
	if key == "" || m.attempt >= m.opts.MaxReconnectAttempts {
		return false
	}
	m.attempt++
	gen := m.gen
	m.timer = time.AfterFunc(m.opts.ReconnectDelay, func() { m.reconnect(gen, key) })
	metrics.Reconnects.WithLabelValues(m.opts.Scope).Inc()
	return true
}

func (m *Manager) reconnect(gen uint64, key string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.gen++
	next := m.gen
	resubscribe := m.wantSubscribe && m.opts.SubscribeFrame
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	defer cancel()
	if err := m.connect(ctx, key, next); err != nil {
		if !errors.Is(err, ErrCancelled) {
			m.mu.Lock()
			retry := next == m.gen && !errors.Is(err, transport.ErrUnauthorized) && !errors.Is(err, ErrNoCredential) &&
				m.scheduleReconnectLocked(key)
			if retry {
				m.key = key
			}
			m.mu.Unlock()
		}
		return
	}
	if resubscribe {
		m.sendSubscribe(key)
	}
}
