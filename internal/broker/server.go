package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"deviceagent/internal/models"
	"deviceagent/internal/queue"
	"deviceagent/internal/settings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HeaderAPIKey authenticates privileged broker calls
const HeaderAPIKey = "X-Api-Key"

// Syncer triggers a configuration sync cycle
type Syncer interface {
	Sync(ctx context.Context) error
}

// Server exposes the local broker API that third-party apps use to observe
// configuration and submit telemetry without direct network access. It is the
// stable local surface that survives agent restarts.
type Server struct {
	settings *settings.Store
	queues   *queue.Queues
	syncer   Syncer
	apiKey   string
	onPush   func(models.PushMessage)
	logger   *zap.Logger

	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[*websocket.Conn]struct{}
}

// NewServer creates the broker server. The onPush callback receives push
// messages submitted by privileged clients for upstream forwarding; it may be
// nil when the push channel is disabled.
func NewServer(
	store *settings.Store,
	queues *queue.Queues,
	syncer Syncer,
	apiKey string,
	onPush func(models.PushMessage),
	logger *zap.Logger,
) *Server {
	return &Server{
		settings: store,
		queues:   queues,
		syncer:   syncer,
		apiKey:   apiKey,
		onPush:   onPush,
		logger:   logger,
		upgrader: websocket.Upgrader{
			// Local loopback API; clients are other processes on this device
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subscribers: make(map[*websocket.Conn]struct{}),
	}
}

type apiResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v1/version" && r.Method == http.MethodGet:
		s.handleVersion(w, r)
	case r.URL.Path == "/api/v1/handshake" && r.Method == http.MethodGet:
		s.handleHandshake(w, r)
	case r.URL.Path == "/api/v1/configuration" && r.Method == http.MethodGet:
		s.handleQueryConfig(w, r)
	case r.URL.Path == "/api/v1/configuration/update" && r.Method == http.MethodPost:
		s.handleForceUpdate(w, r)
	case r.URL.Path == "/api/v1/custom" && r.Method == http.MethodPost:
		s.handleSetCustomField(w, r)
	case r.URL.Path == "/api/v1/push" && r.Method == http.MethodPost:
		s.handleSendPush(w, r)
	case r.URL.Path == "/api/v1/preferences" && r.Method == http.MethodGet:
		s.handleGetPreferences(w, r)
	case r.URL.Path == "/api/v1/preferences" && r.Method == http.MethodPost:
		s.handleSetPreference(w, r)
	case r.URL.Path == "/api/v1/preferences/apply" && r.Method == http.MethodPost:
		s.handleApplyPreferences(w, r)
	case r.URL.Path == "/api/v1/logs" && r.Method == http.MethodPost:
		s.handleWriteLog(w, r)
	case r.URL.Path == "/api/v1/locations" && r.Method == http.MethodPost:
		s.handleWriteLocation(w, r)
	case r.URL.Path == "/api/v1/snapshots" && r.Method == http.MethodPost:
		s.handleWriteSnapshot(w, r)
	case r.URL.Path == "/api/v1/notifications" && r.Method == http.MethodGet:
		s.handleNotifications(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeOK(w, map[string]int{"version": APIVersion})
}

func (s *Server) handleHandshake(w http.ResponseWriter, _ *http.Request) {
	attrs, err := s.attrs()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read configuration attributes")
		return
	}
	s.writeOK(w, attrs)
}

func (s *Server) attrs() (*Attrs, error) {
	host, err := s.settings.BaseURL()
	if err != nil {
		return nil, err
	}
	secondary, err := s.settings.SecondaryBaseURL()
	if err != nil {
		return nil, err
	}
	project, err := s.settings.ProjectPath()
	if err != nil {
		return nil, err
	}
	deviceID, err := s.settings.DeviceID()
	if err != nil {
		return nil, err
	}
	return &Attrs{
		ServerHost:    host,
		SecondaryHost: secondary,
		ProjectPath:   project,
		DeviceID:      deviceID,
		Version:       APIVersion,
	}, nil
}

// handleQueryConfig serves the current configuration. Without an API key the
// view is unprivileged: sensitive fields are withheld. A wrong key is a
// definitive key-mismatch rejection, not a fallback to the public view.
func (s *Server) handleQueryConfig(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(HeaderAPIKey)
	privileged := false
	if key != "" {
		if s.apiKey == "" || key != s.apiKey {
			s.writeError(w, http.StatusForbidden, "API key mismatch")
			return
		}
		privileged = true
	}

	cfg, appliedAt, err := s.settings.Config()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read configuration")
		return
	}
	if cfg == nil {
		s.writeError(w, http.StatusNotFound, "no configuration applied yet")
		return
	}

	if privileged {
		s.writeOK(w, map[string]interface{}{
			"appliedAt": appliedAt.UnixMilli(),
			"config":    json.RawMessage(cfg.Raw),
		})
		return
	}

	s.writeOK(w, map[string]interface{}{
		"appliedAt": appliedAt.UnixMilli(),
		"config": map[string]interface{}{
			"id":        cfg.ConfigID,
			"kioskMode": cfg.KioskMode,
			"mainApp":   cfg.MainApp,
		},
	})
}

func (s *Server) handleForceUpdate(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "sync engine not available")
		return
	}

	// The cycle runs on a worker, never on the caller's request path
	go func() {
		if err := s.syncer.Sync(context.Background()); err != nil {
			s.logger.Warn("Forced configuration update failed", zap.Error(err))
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(apiResponse{Status: models.StatusOK})
}

func (s *Server) handleSetCustomField(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Number int    `json:"number"`
		Value  string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.settings.SetCustomField(req.Number, req.Value); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeOK(w, nil)
}

func (s *Server) handleSendPush(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(HeaderAPIKey)
	if s.apiKey == "" || key != s.apiKey {
		s.writeError(w, http.StatusForbidden, "API key mismatch")
		return
	}

	var msg models.PushMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || msg.Type == "" {
		s.writeError(w, http.StatusBadRequest, "invalid push message")
		return
	}

	if s.onPush == nil {
		s.writeError(w, http.StatusServiceUnavailable, "push channel not available")
		return
	}
	s.onPush(msg)
	s.writeOK(w, nil)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, _ *http.Request) {
	prefs, err := s.settings.Preferences()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read preferences")
		return
	}
	if prefs == nil {
		prefs = map[string]string{}
	}
	s.writeOK(w, prefs)
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		s.writeError(w, http.StatusBadRequest, "invalid preference")
		return
	}

	if err := s.settings.SetPreference(req.Name, req.Value); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to stage preference")
		return
	}
	s.writeOK(w, nil)
}

func (s *Server) handleApplyPreferences(w http.ResponseWriter, _ *http.Request) {
	if err := s.settings.ApplyPreferences(); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to apply preferences")
		return
	}
	s.writeOK(w, nil)
}

// handleWriteLog appends a remote log record to the durable log queue on
// behalf of a client app
func (s *Server) handleWriteLog(w http.ResponseWriter, r *http.Request) {
	var entry models.LogEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil || entry.Message == "" {
		s.writeError(w, http.StatusBadRequest, "invalid log entry")
		return
	}

	if entry.DeviceID == "" {
		deviceID, err := s.settings.DeviceID()
		if err == nil {
			entry.DeviceID = deviceID
		}
	}
	ts := time.Now()
	if entry.Timestamp == 0 {
		entry.Timestamp = ts.UnixMilli()
	} else {
		ts = time.UnixMilli(entry.Timestamp)
	}

	if _, err := s.queues.Logs.Append(entry, ts); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to queue log entry")
		return
	}
	s.writeOK(w, nil)
}

func (s *Server) handleWriteLocation(w http.ResponseWriter, r *http.Request) {
	var fix models.LocationFix
	if err := json.NewDecoder(r.Body).Decode(&fix); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid location fix")
		return
	}

	if fix.DeviceID == "" {
		if deviceID, err := s.settings.DeviceID(); err == nil {
			fix.DeviceID = deviceID
		}
	}
	ts := time.Now()
	if fix.Timestamp == 0 {
		fix.Timestamp = ts.UnixMilli()
	} else {
		ts = time.UnixMilli(fix.Timestamp)
	}

	if _, err := s.queues.Locations.Append(fix, ts); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to queue location fix")
		return
	}
	s.writeOK(w, nil)
}

func (s *Server) handleWriteSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap models.DeviceSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid device snapshot")
		return
	}

	if snap.DeviceID == "" {
		if deviceID, err := s.settings.DeviceID(); err == nil {
			snap.DeviceID = deviceID
		}
	}
	ts := time.Now()
	if snap.Timestamp == 0 {
		snap.Timestamp = ts.UnixMilli()
	} else {
		ts = time.UnixMilli(snap.Timestamp)
	}

	if _, err := s.queues.Snapshots.Append(snap, ts); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to queue device snapshot")
		return
	}
	s.writeOK(w, nil)
}

// handleNotifications upgrades to a websocket that delivers configuration
// change events, one message per applied configuration
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade notification stream", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.subscribers[conn] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("Broker client subscribed to notifications",
		zap.String("remote", conn.RemoteAddr().String()),
	)

	// Reader loop only drains control frames and detects the peer going away
	go func() {
		defer s.dropSubscriber(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) dropSubscriber(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.subscribers, conn)
	s.mu.Unlock()
	conn.Close()
}

// NotifyConfigApplied broadcasts a config-change event to every subscribed
// client; wired to the sync engine's observer hook
func (s *Server) NotifyConfigApplied(cfg *models.ServerConfig) {
	payload, _ := json.Marshal(map[string]int64{"configId": cfg.ConfigID})
	msg := models.PushMessage{Type: models.PushTypeConfigUpdated, Payload: payload}

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.subscribers))
	for conn := range s.subscribers {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Warn("Dropping unresponsive notification subscriber", zap.Error(err))
			s.dropSubscriber(conn)
		}
	}
}

// Forward relays a push message received from the management server to all
// subscribed local clients
func (s *Server) Forward(msg models.PushMessage) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.subscribers))
	for conn := range s.subscribers {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			s.dropSubscriber(conn)
		}
	}
}

// Close disconnects all notification subscribers
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.subscribers))
	for conn := range s.subscribers {
		conns = append(conns, conn)
	}
	s.subscribers = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (s *Server) writeOK(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Status: models.StatusOK, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(apiResponse{Status: models.StatusError, Message: message})
}
