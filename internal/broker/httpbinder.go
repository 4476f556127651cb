package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"deviceagent/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HTTPBinder binds broker sessions over the loopback HTTP API. The target is
// a host:port address; binding performs the handshake and opens the
// notification stream.
type HTTPBinder struct {
	httpClient *http.Client
	apiKey     string
	logger     *zap.Logger
}

// NewHTTPBinder creates a binder for client apps
func NewHTTPBinder(timeout time.Duration, apiKey string, logger *zap.Logger) *HTTPBinder {
	return &HTTPBinder{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     apiKey,
		logger:     logger,
	}
}

// Bind performs the connect handshake against one target address
func (b *HTTPBinder) Bind(ctx context.Context, target string) (Session, error) {
	baseURL := "http://" + target

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/handshake", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Status string `json:"status"`
		Data   Attrs  `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("malformed handshake response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || envelope.Status != models.StatusOK {
		return nil, fmt.Errorf("handshake rejected with status %d", resp.StatusCode)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+target+"/api/v1/notifications", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open notification stream: %w", err)
	}

	session := &httpSession{
		baseURL:       baseURL,
		httpClient:    b.httpClient,
		apiKey:        b.apiKey,
		attrs:         envelope.Data,
		ws:            ws,
		notifications: make(chan models.PushMessage, 16),
		closed:        make(chan struct{}),
		logger:        b.logger,
	}
	go session.readLoop()
	return session, nil
}

type httpSession struct {
	baseURL       string
	httpClient    *http.Client
	apiKey        string
	attrs         Attrs
	ws            *websocket.Conn
	notifications chan models.PushMessage
	closed        chan struct{}
	logger        *zap.Logger
}

func (s *httpSession) Attrs() Attrs {
	return s.attrs
}

func (s *httpSession) readLoop() {
	defer close(s.closed)
	defer close(s.notifications)

	for {
		var msg models.PushMessage
		if err := s.ws.ReadJSON(&msg); err != nil {
			s.logger.Debug("Notification stream closed", zap.Error(err))
			return
		}
		select {
		case s.notifications <- msg:
		default:
			s.logger.Warn("Dropping notification, client not keeping up",
				zap.String("type", msg.Type),
			)
		}
	}
}

func (s *httpSession) Notifications() <-chan models.PushMessage {
	return s.notifications
}

func (s *httpSession) Closed() <-chan struct{} {
	return s.closed
}

func (s *httpSession) Close() error {
	return s.ws.Close()
}

// call performs one JSON request against the broker and decodes the envelope
func (s *httpSession) call(ctx context.Context, method, path string, body interface{}, apiKey string) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set(HeaderAPIKey, apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, ErrKeyMismatch
	}

	var envelope struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("malformed broker response: %w", err)
	}
	if resp.StatusCode >= 300 || envelope.Status != models.StatusOK {
		return nil, fmt.Errorf("broker rejected call: %s (status %d)", envelope.Message, resp.StatusCode)
	}
	return envelope.Data, nil
}

func (s *httpSession) QueryConfig(ctx context.Context, apiKey string) (json.RawMessage, error) {
	return s.call(ctx, http.MethodGet, "/api/v1/configuration", nil, apiKey)
}

func (s *httpSession) ForceConfigUpdate(ctx context.Context) error {
	_, err := s.call(ctx, http.MethodPost, "/api/v1/configuration/update", nil, "")
	return err
}

func (s *httpSession) SetCustomField(ctx context.Context, number int, value string) error {
	_, err := s.call(ctx, http.MethodPost, "/api/v1/custom", map[string]interface{}{
		"number": number,
		"value":  value,
	}, "")
	return err
}

func (s *httpSession) SendPush(ctx context.Context, msg models.PushMessage) error {
	_, err := s.call(ctx, http.MethodPost, "/api/v1/push", msg, s.apiKey)
	return err
}

func (s *httpSession) GetPreferences(ctx context.Context) (map[string]string, error) {
	data, err := s.call(ctx, http.MethodGet, "/api/v1/preferences", nil, "")
	if err != nil {
		return nil, err
	}
	var prefs map[string]string
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("malformed preference map: %w", err)
	}
	return prefs, nil
}

func (s *httpSession) SetPreference(ctx context.Context, name, value string) error {
	_, err := s.call(ctx, http.MethodPost, "/api/v1/preferences", map[string]string{
		"name":  name,
		"value": value,
	}, "")
	return err
}

func (s *httpSession) ApplyPreferences(ctx context.Context) error {
	_, err := s.call(ctx, http.MethodPost, "/api/v1/preferences/apply", nil, "")
	return err
}

func (s *httpSession) WriteLog(ctx context.Context, entry models.LogEntry) error {
	_, err := s.call(ctx, http.MethodPost, "/api/v1/logs", entry, "")
	return err
}
