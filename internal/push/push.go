package push

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"deviceagent/internal/models"
	"deviceagent/internal/watchdog"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultPingInterval is how often a keepalive ping is written to the push
// channel
const DefaultPingInterval = 2 * time.Minute

// How long to wait before redialing a channel that failed to open, and how
// often the liveness check consults the watchdog.
const (
	dialRetryDelay   = 15 * time.Second
	livenessInterval = time.Minute
)

// Syncer runs one configuration sync cycle on demand
type Syncer interface {
	Sync(ctx context.Context) error
}

// Endpoints supplies the current push channel coordinates. They are re-read on
// every dial so a provisioning change takes effect on the next reconnect.
type Endpoints interface {
	DeviceID() (string, error)
	BaseURL() (string, error)
	ProjectPath() (string, error)
}

// Manager keeps the server push channel open: it dials the websocket, writes
// keepalive pings, feeds the watchdog from inbound activity and tears the
// connection down for a redial once the watchdog declares it dead. Inbound
// configuration-update messages trigger a sync cycle; everything else is
// handed to the forward callback for local distribution.
type Manager struct {
	endpoints    Endpoints
	watchdog     *watchdog.PushWatchdog
	syncer       Syncer
	forward      func(models.PushMessage)
	pingInterval time.Duration
	dialer       *websocket.Dialer
	logger       *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewManager creates a push channel manager. The forward callback may be nil
// when no local consumers exist.
func NewManager(
	endpoints Endpoints,
	dog *watchdog.PushWatchdog,
	syncer Syncer,
	forward func(models.PushMessage),
	pingInterval time.Duration,
	logger *zap.Logger,
) *Manager {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Manager{
		endpoints:    endpoints,
		watchdog:     dog,
		syncer:       syncer,
		forward:      forward,
		pingInterval: pingInterval,
		dialer:       websocket.DefaultDialer,
		logger:       logger,
		stopChan:     make(chan struct{}),
	}
}

// Start opens the push channel in the background and keeps it open until Stop
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
	m.logger.Info("Push channel manager started",
		zap.Duration("ping_interval", m.pingInterval),
	)
}

// Stop closes the channel and halts reconnection
func (m *Manager) Stop() {
	select {
	case <-m.stopChan:
		return
	default:
		close(m.stopChan)
	}

	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Push channel manager stopped")
}

func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopChan:
			return
		default:
		}

		conn, err := m.dial()
		if err != nil {
			m.logger.Warn("Push channel dial failed", zap.Error(err))
			select {
			case <-time.After(dialRetryDelay):
				continue
			case <-m.stopChan:
				return
			}
		}

		m.session(conn)
	}
}

// dial opens the websocket using the currently provisioned coordinates
func (m *Manager) dial() (*websocket.Conn, error) {
	deviceID, err := m.endpoints.DeviceID()
	if err != nil {
		return nil, fmt.Errorf("failed to read device identity: %w", err)
	}
	if deviceID == "" {
		return nil, fmt.Errorf("device not enrolled, no identity assigned")
	}

	base, err := m.endpoints.BaseURL()
	if err != nil {
		return nil, fmt.Errorf("failed to read server URL: %w", err)
	}
	if base == "" {
		return nil, fmt.Errorf("no server URL provisioned")
	}

	project, err := m.endpoints.ProjectPath()
	if err != nil {
		return nil, fmt.Errorf("failed to read project path: %w", err)
	}

	url := wsURL(base)
	if project != "" {
		url += "/" + strings.Trim(project, "/")
	}
	url += "/rest/push/" + deviceID

	conn, _, err := m.dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open push channel: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	m.watchdog.Touch()
	m.logger.Info("Push channel connected", zap.String("url", url))
	return conn, nil
}

// wsURL converts an http(s) base URL into its websocket scheme
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "wss://" + base
	}
}

// Send writes a message upstream over the open channel. Local apps use this
// through the broker to reach the server.
func (m *Manager) Send(msg models.PushMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("push channel not connected")
	}
	return m.conn.WriteJSON(msg)
}

// session drives one open connection until it dies, the watchdog declares it
// stale, or Stop is called
func (m *Manager) session(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
	}()

	conn.SetPongHandler(func(string) error {
		m.watchdog.Touch()
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	// Keepalive pings plus the staleness check. Closing the connection is the
	// only reliable way to interrupt the blocked read below.
	go func() {
		pingTicker := time.NewTicker(m.pingInterval)
		defer pingTicker.Stop()
		liveTicker := time.NewTicker(livenessInterval)
		defer liveTicker.Stop()

		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					m.logger.Debug("Push keepalive write failed", zap.Error(err))
					conn.Close()
					return
				}
			case <-liveTicker.C:
				if m.watchdog.IsDead() {
					m.logger.Warn("Push channel stale, forcing reconnect",
						zap.Time("last_activity", m.watchdog.LastActivity()),
					)
					conn.Close()
					return
				}
			case <-done:
				return
			case <-m.stopChan:
				conn.Close()
				return
			}
		}
	}()

	for {
		var msg models.PushMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-m.stopChan:
			default:
				m.logger.Warn("Push channel closed", zap.Error(err))
			}
			return
		}
		m.watchdog.Touch()
		m.dispatch(msg)
	}
}

func (m *Manager) dispatch(msg models.PushMessage) {
	switch msg.Type {
	case models.PushTypePing:
		// Keepalive only, the watchdog touch above is the whole effect
	case models.PushTypeConfigUpdated:
		m.logger.Info("Server pushed configuration update")
		if m.syncer != nil {
			go func() {
				if err := m.syncer.Sync(context.Background()); err != nil {
					m.logger.Warn("Push-triggered sync failed", zap.Error(err))
				}
			}()
		}
	default:
		if m.forward != nil {
			m.forward(msg)
		}
	}
}
