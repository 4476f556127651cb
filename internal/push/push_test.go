package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"deviceagent/internal/models"
	"deviceagent/internal/watchdog"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEndpoints struct {
	deviceID string
	baseURL  string
	project  string
}

func (f *fakeEndpoints) DeviceID() (string, error)    { return f.deviceID, nil }
func (f *fakeEndpoints) BaseURL() (string, error)     { return f.baseURL, nil }
func (f *fakeEndpoints) ProjectPath() (string, error) { return f.project, nil }

type countingSyncer struct {
	synced chan struct{}
}

func (s *countingSyncer) Sync(ctx context.Context) error {
	select {
	case s.synced <- struct{}{}:
	default:
	}
	return nil
}

// pushServer is a websocket endpoint that records dialed paths and hands each
// accepted connection to the test
type pushServer struct {
	ts    *httptest.Server
	paths chan string
	conns chan *websocket.Conn
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()

	ps := &pushServer{
		paths: make(chan string, 8),
		conns: make(chan *websocket.Conn, 8),
	}
	upgrader := websocket.Upgrader{}
	ps.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.paths <- r.URL.Path
		ps.conns <- conn
	}))
	t.Cleanup(ps.ts.Close)
	return ps
}

func (ps *pushServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ps.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no push connection arrived")
		return nil
	}
}

func newPushManager(ps *pushServer, syncer Syncer, forward func(models.PushMessage), dog *watchdog.PushWatchdog) *Manager {
	endpoints := &fakeEndpoints{
		deviceID: "dev-42",
		baseURL:  ps.ts.URL,
		project:  "fleet",
	}
	if dog == nil {
		dog = watchdog.New()
	}
	return NewManager(endpoints, dog, syncer, forward, time.Minute, zap.NewNop())
}

func TestDialPathCarriesProjectAndDevice(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)
	m := newPushManager(ps, nil, nil, nil)
	m.Start()
	t.Cleanup(m.Stop)

	ps.accept(t)
	select {
	case path := <-ps.paths:
		assert.Equal(t, "/fleet/rest/push/dev-42", path)
	case <-time.After(2 * time.Second):
		t.Fatal("no dial recorded")
	}
}

func TestConfigUpdatePushTriggersSync(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)
	syncer := &countingSyncer{synced: make(chan struct{}, 1)}
	m := newPushManager(ps, syncer, nil, nil)
	m.Start()
	t.Cleanup(m.Stop)

	conn := ps.accept(t)
	require.NoError(t, conn.WriteJSON(models.PushMessage{Type: models.PushTypeConfigUpdated}))

	select {
	case <-syncer.synced:
	case <-time.After(2 * time.Second):
		t.Fatal("push did not trigger a sync cycle")
	}
}

func TestOtherMessagesForwarded(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)
	forwarded := make(chan models.PushMessage, 1)
	m := newPushManager(ps, nil, func(msg models.PushMessage) { forwarded <- msg }, nil)
	m.Start()
	t.Cleanup(m.Stop)

	conn := ps.accept(t)
	require.NoError(t, conn.WriteJSON(models.PushMessage{Type: "runApp"}))

	select {
	case msg := <-forwarded:
		assert.Equal(t, "runApp", msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not forwarded")
	}
}

func TestInboundActivityFeedsWatchdog(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)
	dog := watchdog.NewWithThreshold(time.Hour)
	m := newPushManager(ps, nil, nil, dog)
	m.Start()
	t.Cleanup(m.Stop)

	conn := ps.accept(t)
	before := dog.LastActivity()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(models.PushMessage{Type: models.PushTypePing}))

	require.Eventually(t, func() bool {
		return dog.LastActivity().After(before)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedialAfterConnectionLoss(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)
	m := newPushManager(ps, nil, nil, nil)
	m.Start()
	t.Cleanup(m.Stop)

	first := ps.accept(t)
	first.Close()

	// The manager notices the dead channel and dials again
	second := ps.accept(t)
	assert.NotNil(t, second)
}

func TestDialFailsWithoutEnrollment(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeEndpoints{baseURL: "http://127.0.0.1:1"}, watchdog.New(), nil, nil, time.Minute, zap.NewNop())
	_, err := m.dial()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enrolled")
}

func TestWebsocketSchemeDerivedFromBase(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "wss://mdm.example.com", wsURL("https://mdm.example.com"))
	assert.Equal(t, "ws://10.0.0.5:8080", wsURL("http://10.0.0.5:8080"))
	assert.Equal(t, "wss://bare-host.example.com", wsURL("bare-host.example.com"))
}

func TestStopClosesChannel(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)
	m := newPushManager(ps, nil, nil, nil)
	m.Start()

	conn := ps.accept(t)
	m.Stop()

	// The server side observes the close
	done := make(chan struct{})
	var once sync.Once
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				once.Do(func() { close(done) })
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the channel close")
	}

	// No redial after Stop
	select {
	case <-ps.conns:
		t.Fatal("manager redialed after Stop")
	case <-time.After(100 * time.Millisecond):
	}
}
