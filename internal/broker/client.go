package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"deviceagent/internal/models"

	"go.uber.org/zap"
)

// SessionState of the broker connection
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
)

// Reconnect delays: the first retry after an unexpected disconnect fires
// quickly; a retry that itself fails to bind backs off to the longer delay.
const (
	DefaultShortRetryDelay = 5 * time.Second
	DefaultLongRetryDelay  = 60 * time.Second
)

// Session is one bound connection to the broker service
type Session interface {
	Attrs() Attrs
	QueryConfig(ctx context.Context, apiKey string) (json.RawMessage, error)
	ForceConfigUpdate(ctx context.Context) error
	SetCustomField(ctx context.Context, number int, value string) error
	SendPush(ctx context.Context, msg models.PushMessage) error
	GetPreferences(ctx context.Context) (map[string]string, error)
	SetPreference(ctx context.Context, name, value string) error
	ApplyPreferences(ctx context.Context) error
	WriteLog(ctx context.Context, entry models.LogEntry) error
	Notifications() <-chan models.PushMessage
	Closed() <-chan struct{}
	Close() error
}

// Binder attaches to the broker service at a given target address
type Binder interface {
	Bind(ctx context.Context, target string) (Session, error)
}

// Listener receives connection lifecycle and notification events. Registered
// exactly once per manager regardless of how many times Connect is called.
type Listener interface {
	OnConnected(attrs Attrs)
	OnDisconnected()
	OnNotification(msg models.PushMessage)
}

// ConnectionManager maintains the client side of the broker session for a
// third-party app: it binds to the broker, pulls configuration attributes
// during the handshake, and reconnects automatically after unexpected
// disconnects until Disconnect is called.
type ConnectionManager struct {
	binder     Binder
	targets    []string // current service address first, legacy fallback after
	listener   Listener
	shortDelay time.Duration
	longDelay  time.Duration
	logger     *zap.Logger

	mu         sync.Mutex
	state      SessionState
	mustRun    bool
	session    Session
	attrs      Attrs
	retryTimer *time.Timer
	registered bool
}

// NewConnectionManager creates a manager that binds the targets in order.
// The first target is the current service address; later ones are
// compatibility fallbacks for renamed installations.
func NewConnectionManager(binder Binder, targets []string, listener Listener, logger *zap.Logger) *ConnectionManager {
	return &ConnectionManager{
		binder:     binder,
		targets:    targets,
		listener:   listener,
		shortDelay: DefaultShortRetryDelay,
		longDelay:  DefaultLongRetryDelay,
		logger:     logger,
		state:      StateDisconnected,
	}
}

// State returns the current session state
func (m *ConnectionManager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attrs returns the configuration attributes pulled during the last handshake
func (m *ConnectionManager) Attrs() Attrs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attrs
}

// Connect attaches to the broker. Idempotent: calling it while connected is a
// no-op, and the notification listener is registered only once across calls.
// On bind failure the manager keeps retrying in the background until either a
// connection succeeds or Disconnect is called.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.mustRun = true
	m.registered = true
	m.state = StateConnecting
	m.mu.Unlock()

	if err := m.bind(ctx); err != nil {
		m.scheduleRetry(m.shortDelay)
		return err
	}
	return nil
}

// bind performs one bind attempt across the configured targets
func (m *ConnectionManager) bind(ctx context.Context) error {
	var lastErr error
	for _, target := range m.targets {
		session, err := m.binder.Bind(ctx, target)
		if err != nil {
			m.logger.Debug("Broker bind attempt failed",
				zap.String("target", target),
				zap.Error(err),
			)
			lastErr = err
			continue
		}

		m.mu.Lock()
		if !m.mustRun {
			// Disconnect raced the bind; discard the stale result
			m.mu.Unlock()
			session.Close()
			return ErrNotConnected
		}
		m.session = session
		m.attrs = session.Attrs()
		m.state = StateConnected
		listener := m.listener
		attrs := m.attrs
		m.mu.Unlock()

		m.logger.Info("Broker connected",
			zap.String("target", target),
			zap.String("device_id", attrs.DeviceID),
		)

		if listener != nil {
			listener.OnConnected(attrs)
		}

		go m.watch(session)
		return nil
	}

	m.mu.Lock()
	m.state = StateConnecting
	m.mu.Unlock()
	return lastErr
}

// watch forwards notifications and detects the session dying underneath us
func (m *ConnectionManager) watch(session Session) {
	for {
		select {
		case msg, ok := <-session.Notifications():
			if !ok {
				m.onSessionLost(session)
				return
			}
			m.mu.Lock()
			listener := m.listener
			active := m.session == session && m.registered
			m.mu.Unlock()
			if active && listener != nil {
				listener.OnNotification(msg)
			}
		case <-session.Closed():
			m.onSessionLost(session)
			return
		}
	}
}

func (m *ConnectionManager) onSessionLost(session Session) {
	m.mu.Lock()
	if m.session != session {
		// A newer session already replaced this one
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.state = StateDisconnected
	mustRun := m.mustRun
	listener := m.listener
	m.mu.Unlock()

	session.Close()

	if listener != nil && m.registered {
		listener.OnDisconnected()
	}

	if !mustRun {
		return
	}

	m.logger.Warn("Broker connection lost, scheduling reconnect")
	m.scheduleRetry(m.shortDelay)
}

// scheduleRetry arms a reconnect attempt after the given delay. A retry that
// fires after Disconnect must no-op.
func (m *ConnectionManager) scheduleRetry(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mustRun {
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.state = StateConnecting
	m.retryTimer = time.AfterFunc(delay, m.retry)
}

func (m *ConnectionManager) retry() {
	m.mu.Lock()
	if !m.mustRun || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.bind(context.Background()); err != nil {
		m.logger.Debug("Broker reconnect failed, backing off", zap.Error(err))
		m.scheduleRetry(m.longDelay)
	}
}

// Disconnect tears the session down for good: clears mustRun, unregisters the
// listener and suppresses any pending reconnect attempt
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.mustRun = false
	m.registered = false
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	session := m.session
	m.session = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if session != nil {
		session.Close()
	}
	m.logger.Info("Broker disconnected")
}

// current returns the active session or a fail-fast disconnected error;
// callers treat that as "service temporarily unavailable, use cached values"
func (m *ConnectionManager) current() (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.session == nil {
		return nil, ErrNotConnected
	}
	return m.session, nil
}

// Version returns the broker's API version from the handshake
func (m *ConnectionManager) Version() (int, error) {
	if _, err := m.current(); err != nil {
		return 0, err
	}
	return m.Attrs().Version, nil
}

// QueryConfig returns the unprivileged configuration view
func (m *ConnectionManager) QueryConfig(ctx context.Context) (json.RawMessage, error) {
	session, err := m.current()
	if err != nil {
		return nil, err
	}
	return session.QueryConfig(ctx, "")
}

// QueryConfigPrivileged returns the full configuration. Fails with
// ErrKeyMismatch on a wrong key and ErrVersionTooOld against brokers that
// predate the privileged API.
func (m *ConnectionManager) QueryConfigPrivileged(ctx context.Context, apiKey string) (json.RawMessage, error) {
	session, err := m.current()
	if err != nil {
		return nil, err
	}
	if m.Attrs().Version < 2 {
		return nil, ErrVersionTooOld
	}
	return session.QueryConfig(ctx, apiKey)
}

// ForceConfigUpdate asks the agent to run a sync cycle now
func (m *ConnectionManager) ForceConfigUpdate(ctx context.Context) error {
	session, err := m.current()
	if err != nil {
		return err
	}
	return session.ForceConfigUpdate(ctx)
}

// SetCustomField stores one of the numbered custom fields
func (m *ConnectionManager) SetCustomField(ctx context.Context, number int, value string) error {
	session, err := m.current()
	if err != nil {
		return err
	}
	return session.SetCustomField(ctx, number, value)
}

// SendPush submits a push message for upstream forwarding. Fails with
// ErrVersionTooOld against brokers that predate push forwarding.
func (m *ConnectionManager) SendPush(ctx context.Context, apiKey, msgType string, payload json.RawMessage) error {
	session, err := m.current()
	if err != nil {
		return err
	}
	if m.Attrs().Version < 2 {
		return ErrVersionTooOld
	}
	return session.SendPush(ctx, models.PushMessage{Type: msgType, Payload: payload})
}

// GetPreferences returns the applied preference map
func (m *ConnectionManager) GetPreferences(ctx context.Context) (map[string]string, error) {
	session, err := m.current()
	if err != nil {
		return nil, err
	}
	return session.GetPreferences(ctx)
}

// SetPreference stages a preference value
func (m *ConnectionManager) SetPreference(ctx context.Context, name, value string) error {
	session, err := m.current()
	if err != nil {
		return err
	}
	return session.SetPreference(ctx, name, value)
}

// ApplyPreferences promotes all staged preferences
func (m *ConnectionManager) ApplyPreferences(ctx context.Context) error {
	session, err := m.current()
	if err != nil {
		return err
	}
	return session.ApplyPreferences(ctx)
}

// WriteLog appends a remote log record through the broker
func (m *ConnectionManager) WriteLog(ctx context.Context, entry models.LogEntry) error {
	session, err := m.current()
	if err != nil {
		return err
	}
	return session.WriteLog(ctx, entry)
}
