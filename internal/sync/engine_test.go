package sync

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deviceagent/internal/client"
	"deviceagent/internal/database"
	"deviceagent/internal/endpoint"
	"deviceagent/internal/models"
	"deviceagent/internal/queue"
	"deviceagent/internal/settings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

type testEnv struct {
	settings *settings.Store
	queues   *queue.Queues
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "agent.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	queues, err := queue.NewQueues(db.DB, zap.NewNop())
	require.NoError(t, err)

	store := settings.NewStore(db.DB, zap.NewNop())
	_, err = store.SetDeviceID("dev-001")
	require.NoError(t, err)

	return &testEnv{settings: store, queues: queues}
}

func newEngine(t *testing.T, env *testEnv, serverURL string, secure bool, platform func() PlatformState) *Engine {
	t.Helper()

	pair, err := endpoint.NewPair(serverURL, "")
	require.NoError(t, err)

	apiClient := client.NewClient(pair, testSecret, 5*time.Second, zap.NewNop())
	return NewEngine(apiClient, env.settings, env.queues, testSecret, secure, platform, zap.NewNop())
}

// signedBody builds a sync envelope around the given data payload and returns
// the body plus the signature the server would attach
func signedBody(t *testing.T, data string) (string, string) {
	t.Helper()

	body := fmt.Sprintf(`{"status":"OK","data":%s}`, data)
	slice := body[strings.Index(body, `"data":`)+len(`"data":`) : len(body)-1]
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, slice)
	sum := sha1.Sum([]byte(testSecret + cleaned))
	return body, hex.EncodeToString(sum[:])
}

func configServer(t *testing.T, data string, secure bool) *httptest.Server {
	t.Helper()

	body, sig := signedBody(t, data)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get(client.HeaderRequestSignature))
		if secure {
			w.Header().Set(client.HeaderResponseSignature, sig)
		}
		w.Header().Set(client.HeaderIPAddress, "198.51.100.7")
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSyncPlainModeAppliesConfig(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	server := configServer(t, `{"id":11,"kioskMode":false,"mainApp":"com.example.app"}`, false)
	engine := newEngine(t, env, server.URL, false, nil)

	require.NoError(t, engine.Sync(context.Background()))

	cfg, appliedAt, err := env.settings.Config()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, int64(11), cfg.ConfigID)
	assert.False(t, appliedAt.IsZero())

	ip, err := env.settings.ExternalIP()
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", ip)

	assert.Equal(t, StateIdle, engine.State())
}

func TestSyncSecureModeVerifiesSignature(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	server := configServer(t, `{"id":12,"kioskMode":false}`, true)
	engine := newEngine(t, env, server.URL, true, nil)

	require.NoError(t, engine.Sync(context.Background()))

	cfg, _, err := env.settings.Config()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, int64(12), cfg.ConfigID)
}

func TestSyncSecureModeRejectsBadSignature(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	body, _ := signedBody(t, `{"id":13}`)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(client.HeaderResponseSignature, "0000000000000000000000000000000000000000")
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	engine := newEngine(t, env, server.URL, true, nil)
	require.Error(t, engine.Sync(context.Background()))

	// Prior stored configuration (none) remains in effect
	cfg, _, err := env.settings.Config()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSyncSecondaryEndpointFallback(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	server := configServer(t, `{"id":14}`, false)

	// Primary points at a closed port; secondary is the working server
	pair, err := endpoint.NewPair("http://127.0.0.1:1", server.URL)
	require.NoError(t, err)

	apiClient := client.NewClient(pair, testSecret, 5*time.Second, zap.NewNop())
	engine := NewEngine(apiClient, env.settings, env.queues, testSecret, false, nil, zap.NewNop())

	require.NoError(t, engine.Sync(context.Background()))

	cfg, _, err := env.settings.Config()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, int64(14), cfg.ConfigID)
}

func TestSyncProtocolErrorKeepsPreviousConfig(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	good := configServer(t, `{"id":15}`, false)
	engine := newEngine(t, env, good.URL, false, nil)
	require.NoError(t, engine.Sync(context.Background()))

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ERROR","message":"device not found"}`))
	}))
	t.Cleanup(bad.Close)

	engine = newEngine(t, env, bad.URL, false, nil)
	err := engine.Sync(context.Background())
	require.Error(t, err)

	var protoErr *client.ProtocolError
	require.ErrorAs(t, err, &protoErr)

	cfg, _, err := env.settings.Config()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, int64(15), cfg.ConfigID)
}

func TestSyncKioskSafetyOverride(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	server := configServer(t, `{"id":16,"kioskMode":true,"mainApp":"com.vendor.kiosk"}`, false)

	platform := func() PlatformState {
		return PlatformState{
			CurrentPackage:        "com.example.agent",
			OverlayCheckSupported: true,
			OverlayGranted:        false,
		}
	}
	engine := newEngine(t, env, server.URL, false, platform)

	require.NoError(t, engine.Sync(context.Background()))

	cfg, _, err := env.settings.Config()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.False(t, cfg.KioskMode, "kiosk mode must be forced off without overlay permission")
}

func TestSyncKioskKeptWhenPermissionGranted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	server := configServer(t, `{"id":17,"kioskMode":true,"mainApp":"com.vendor.kiosk"}`, false)

	platform := func() PlatformState {
		return PlatformState{
			CurrentPackage:        "com.example.agent",
			OverlayCheckSupported: true,
			OverlayGranted:        true,
		}
	}
	engine := newEngine(t, env, server.URL, false, platform)

	require.NoError(t, engine.Sync(context.Background()))

	cfg, _, err := env.settings.Config()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.KioskMode)
}

func TestSyncEnqueuesConfigFiles(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	data := `{"id":18,"files":[{"path":"/sdcard/wallpaper.png","url":"https://cdn.example.com/w.png","lastUpdate":1}]}`
	server := configServer(t, data, false)
	engine := newEngine(t, env, server.URL, false, nil)

	require.NoError(t, engine.Sync(context.Background()))

	files, err := env.queues.RemoteFiles.SelectBatch(10)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "/sdcard/wallpaper.png", files[0].Record.Path)

	downloads, err := env.queues.Downloads.SelectBatch(10)
	require.NoError(t, err)
	require.Len(t, downloads, 1)
	assert.Equal(t, "https://cdn.example.com/w.png", downloads[0].Record.URL)
}

func TestSyncNotifiesObservers(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	server := configServer(t, `{"id":19}`, false)
	engine := newEngine(t, env, server.URL, false, nil)

	var got []*models.ServerConfig
	engine.OnConfigApplied(func(cfg *models.ServerConfig) {
		got = append(got, cfg)
	})

	require.NoError(t, engine.Sync(context.Background()))
	require.Len(t, got, 1)
	assert.Equal(t, int64(19), got[0].ConfigID)
}

func TestApplyBundle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	server := configServer(t, `{"id":1}`, false)
	engine := newEngine(t, env, server.URL, false, nil)

	bundle := map[string]string{
		BundleKeyBaseURL:      "https://mdm.example.com/fleet",
		BundleKeyProjectPath:  "/fleet/",
		BundleKeyCustomer:     "acme",
		BundleKeyConfigName:   "warehouse-tablets",
		BundleKeyGroups:       "east, west",
		BundleKeyCertificates: "https://mdm.example.com/cert",
	}
	require.NoError(t, engine.ApplyBundle(bundle))

	baseURL, err := env.settings.BaseURL()
	require.NoError(t, err)
	assert.Equal(t, "https://mdm.example.com/fleet", baseURL)

	// Secondary defaults to primary when unset
	secondary, err := env.settings.SecondaryBaseURL()
	require.NoError(t, err)
	assert.Equal(t, baseURL, secondary)

	project, err := env.settings.ProjectPath()
	require.NoError(t, err)
	assert.Equal(t, "fleet", project)

	opts, err := env.settings.Enrollment()
	require.NoError(t, err)
	require.NotNil(t, opts)
	assert.Equal(t, "acme", opts.Customer)
	assert.Equal(t, "warehouse-tablets", opts.ConfigName)
	assert.Equal(t, []string{"east", "west"}, opts.Groups)

	certs, err := env.settings.CertificateURLs()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://mdm.example.com/cert"}, certs)
}

func TestApplyBundleMalformedFieldIsolated(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	server := configServer(t, `{"id":1}`, false)
	engine := newEngine(t, env, server.URL, false, nil)

	bundle := map[string]string{
		BundleKeyBaseURL:  "::not a url::",
		BundleKeyCustomer: "acme",
	}
	require.NoError(t, engine.ApplyBundle(bundle))

	baseURL, err := env.settings.BaseURL()
	require.NoError(t, err)
	assert.Empty(t, baseURL, "malformed base URL must be skipped")

	opts, err := env.settings.Enrollment()
	require.NoError(t, err)
	require.NotNil(t, opts)
	assert.Equal(t, "acme", opts.Customer, "rest of the bundle still applies")
}

func TestApplyBundleLegacyDeviceIDFallback(t *testing.T) {
	t.Parallel()

	db, err := database.New(filepath.Join(t.TempDir(), "agent.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	queues, err := queue.NewQueues(db.DB, zap.NewNop())
	require.NoError(t, err)
	store := settings.NewStore(db.DB, zap.NewNop())
	env := &testEnv{settings: store, queues: queues}

	server := configServer(t, `{"id":1}`, false)
	engine := newEngine(t, env, server.URL, false, nil)

	require.NoError(t, engine.ApplyBundle(map[string]string{
		BundleKeyDeviceIDLegacy: "legacy-42",
	}))

	id, err := store.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, "legacy-42", id)
}

func TestApplyBundleDeviceIDImmutable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	server := configServer(t, `{"id":1}`, false)
	engine := newEngine(t, env, server.URL, false, nil)

	require.NoError(t, engine.ApplyBundle(map[string]string{
		BundleKeyDeviceID: "other-id",
	}))

	id, err := env.settings.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, "dev-001", id, "identity is write-once")
}
