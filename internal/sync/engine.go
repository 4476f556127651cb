package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"deviceagent/internal/client"
	"deviceagent/internal/endpoint"
	"deviceagent/internal/models"
	"deviceagent/internal/queue"
	"deviceagent/internal/settings"
	"deviceagent/internal/signature"

	"go.uber.org/zap"
)

// State of the sync engine's cycle
type State string

const (
	StateIdle      State = "idle"
	StateFetching  State = "fetching"
	StateVerifying State = "verifying"
	StateApplying  State = "applying"
)

// PlatformState is what the policy-enforcement collaborator reports about the
// device; the engine only consults it for the kiosk safety override
type PlatformState struct {
	CurrentPackage        string
	OverlayCheckSupported bool
	OverlayGranted        bool
}

// Engine fetches, verifies and applies the remote configuration
type Engine struct {
	client     *client.Client
	settings   *settings.Store
	queues     *queue.Queues
	secret     string
	secureMode bool
	platform   func() PlatformState
	logger     *zap.Logger

	mu        sync.Mutex // one sync cycle at a time
	stateMu   sync.RWMutex
	state     State
	observers []func(*models.ServerConfig)

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates a sync engine. The platform callback supplies the current
// device facts needed for the kiosk safety override.
func NewEngine(
	apiClient *client.Client,
	store *settings.Store,
	queues *queue.Queues,
	secret string,
	secureMode bool,
	platform func() PlatformState,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		client:     apiClient,
		settings:   store,
		queues:     queues,
		secret:     secret,
		secureMode: secureMode,
		platform:   platform,
		logger:     logger,
		state:      StateIdle,
		stopChan:   make(chan struct{}),
	}
}

// Start runs periodic sync cycles until Stop is called. The first cycle runs
// immediately.
func (e *Engine) Start(interval time.Duration) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		e.runCycle()
		for {
			select {
			case <-ticker.C:
				e.runCycle()
			case <-e.stopChan:
				return
			}
		}
	}()

	e.logger.Info("Sync engine started", zap.Duration("interval", interval))
}

// Stop halts the periodic cycle. An in-flight network call is not preempted;
// its result is discarded once the loop exits.
func (e *Engine) Stop() {
	select {
	case <-e.stopChan:
		return
	default:
		close(e.stopChan)
	}
	e.wg.Wait()
	e.logger.Info("Sync engine stopped")
}

func (e *Engine) runCycle() {
	if err := e.Sync(context.Background()); err != nil {
		e.logger.Warn("Sync cycle failed, keeping previous configuration", zap.Error(err))
	}
}

// State returns the engine's current cycle state
func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// OnConfigApplied registers an observer notified after each successful apply.
// Must be called before the engine starts syncing.
func (e *Engine) OnConfigApplied(fn func(*models.ServerConfig)) {
	e.observers = append(e.observers, fn)
}

// Sync runs one configuration cycle: fetch (with endpoint failover), verify
// in secure mode, apply atomically. Any failure returns the engine to idle
// with the previously stored configuration untouched.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.setState(StateIdle)

	deviceID, err := e.settings.DeviceID()
	if err != nil {
		return fmt.Errorf("failed to read device identity: %w", err)
	}
	if deviceID == "" {
		return fmt.Errorf("device not enrolled, no identity assigned")
	}

	e.setState(StateFetching)
	resp, err := e.client.FetchConfiguration(ctx, deviceID)
	if err != nil {
		e.logger.Warn("Configuration fetch failed", zap.Error(err))
		return err
	}

	// Diagnostic side effect, independent of whether the configuration is
	// eventually accepted
	if resp.ExternalIP != "" {
		if err := e.settings.SetExternalIP(resp.ExternalIP); err != nil {
			e.logger.Error("Failed to store external IP", zap.Error(err))
		}
	}

	var data json.RawMessage
	if e.secureMode {
		e.setState(StateVerifying)
		verified, err := signature.VerifyResponse(resp.Body, resp.Signature, e.secret)
		if err != nil {
			e.logger.Error("Response verification failed, discarding configuration",
				zap.Error(err),
			)
			return err
		}
		data = verified
	} else {
		data = resp.Envelope.Data
	}

	var cfg models.ServerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to decode configuration payload: %w", err)
	}
	cfg.Raw = data

	e.setState(StateApplying)
	e.applyKioskOverride(&cfg)

	if err := e.settings.ApplyConfig(&cfg, time.Now()); err != nil {
		return fmt.Errorf("failed to apply configuration: %w", err)
	}

	e.enqueueFiles(&cfg)

	for _, fn := range e.observers {
		fn(&cfg)
	}

	e.logger.Info("Sync cycle completed",
		zap.Int64("config_id", cfg.ConfigID),
		zap.String("device_id", deviceID),
	)
	return nil
}

// applyKioskOverride forces kiosk mode off when the device could not escape
// it: kiosk mandated, the main app is not this agent yet, the OS supports
// overlay-permission checks and the permission has not been granted. Without
// the override the device would lock into a kiosk it cannot draw.
func (e *Engine) applyKioskOverride(cfg *models.ServerConfig) {
	if !cfg.KioskMode || e.platform == nil {
		return
	}

	p := e.platform()
	if cfg.MainApp != p.CurrentPackage && p.OverlayCheckSupported && !p.OverlayGranted {
		e.logger.Warn("Forcing kiosk mode off, overlay permission not granted",
			zap.String("main_app", cfg.MainApp),
			zap.String("current_package", p.CurrentPackage),
		)
		cfg.KioskMode = false
		e.stripKioskFromRaw(cfg)
	}
}

// stripKioskFromRaw rewrites the retained payload so the stored configuration
// matches the override; downstream consumers read the raw payload
func (e *Engine) stripKioskFromRaw(cfg *models.ServerConfig) {
	if len(cfg.Raw) == 0 {
		return
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(cfg.Raw, &generic); err != nil {
		return
	}
	generic["kioskMode"] = false
	if data, err := json.Marshal(generic); err == nil {
		cfg.Raw = data
	}
}

// enqueueFiles records server-managed files from the configuration into the
// remote-file cache and schedules missing ones for download
func (e *Engine) enqueueFiles(cfg *models.ServerConfig) {
	if e.queues == nil {
		return
	}

	now := time.Now()
	for _, file := range cfg.Files {
		if file.Path == "" {
			continue
		}

		if _, err := e.queues.RemoteFiles.Append(file, now); err != nil {
			e.logger.Error("Failed to record remote file",
				zap.Error(err),
				zap.String("path", file.Path),
			)
			continue
		}

		if file.URL != "" && !file.RemovedFlag {
			download := models.PendingDownload{
				Path:       file.Path,
				URL:        file.URL,
				EnqueuedAt: now.UnixMilli(),
			}
			if _, err := e.queues.Downloads.Append(download, now); err != nil {
				e.logger.Error("Failed to enqueue download",
					zap.Error(err),
					zap.String("path", file.Path),
				)
			}
		}
	}
}

// Enrollment bundle keys. The legacy device-id key is honored for installers
// that predate the rename.
const (
	BundleKeyDeviceID       = "deviceId"
	BundleKeyDeviceIDLegacy = "device_id"
	BundleKeyIDStrategy     = "deviceIdUse"
	BundleKeyBaseURL        = "baseUrl"
	BundleKeySecondaryURL   = "secondaryBaseUrl"
	BundleKeyProjectPath    = "serverProject"
	BundleKeyCertificates   = "certificateUrls"
	BundleKeyCustomer       = "customer"
	BundleKeyConfigName     = "configName"
	BundleKeyGroups         = "groups"
)

// ApplyBundle processes an out-of-band provisioning bundle: a flat
// string-keyed map. Each malformed field is ignored individually; the rest of
// the bundle still applies.
func (e *Engine) ApplyBundle(bundle map[string]string) error {
	deviceID := bundle[BundleKeyDeviceID]
	if deviceID == "" {
		deviceID = bundle[BundleKeyDeviceIDLegacy]
	}
	if deviceID != "" {
		if _, err := e.settings.SetDeviceID(deviceID); err != nil {
			return fmt.Errorf("failed to persist device identity: %w", err)
		}
	}

	if strategy := bundle[BundleKeyIDStrategy]; strategy != "" {
		if err := e.settings.SetIDStrategy(strategy); err != nil {
			e.logger.Warn("Ignoring bad id strategy field", zap.Error(err))
		}
	}

	baseURL := bundle[BundleKeyBaseURL]
	if baseURL != "" {
		if _, err := endpoint.Parse(baseURL); err != nil {
			e.logger.Warn("Ignoring malformed base URL in bundle",
				zap.String("url", baseURL),
				zap.Error(err),
			)
			baseURL = ""
		} else if err := e.settings.SetBaseURL(baseURL); err != nil {
			return fmt.Errorf("failed to persist base URL: %w", err)
		}
	}

	// Secondary defaults to the primary so it never silently resolves to a
	// public default host
	secondaryURL := bundle[BundleKeySecondaryURL]
	if secondaryURL != "" {
		if _, err := endpoint.Parse(secondaryURL); err != nil {
			e.logger.Warn("Ignoring malformed secondary URL in bundle",
				zap.String("url", secondaryURL),
				zap.Error(err),
			)
			secondaryURL = ""
		}
	}
	if secondaryURL == "" {
		secondaryURL = baseURL
	}
	if secondaryURL != "" {
		if err := e.settings.SetSecondaryBaseURL(secondaryURL); err != nil {
			return fmt.Errorf("failed to persist secondary URL: %w", err)
		}
	}

	if project, ok := bundle[BundleKeyProjectPath]; ok && project != "" {
		if err := e.settings.SetProjectPath(strings.Trim(project, "/")); err != nil {
			return fmt.Errorf("failed to persist project path: %w", err)
		}
	}

	if certs := bundle[BundleKeyCertificates]; certs != "" {
		var urls []string
		for _, u := range strings.Split(certs, ",") {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			if _, err := endpoint.Parse(u); err != nil {
				e.logger.Warn("Ignoring malformed certificate URL in bundle",
					zap.String("url", u),
					zap.Error(err),
				)
				continue
			}
			urls = append(urls, u)
		}
		if len(urls) > 0 {
			if err := e.settings.SetCertificateURLs(urls); err != nil {
				e.logger.Warn("Failed to persist certificate URLs", zap.Error(err))
			}
		}
	}

	opts := &models.EnrollmentOptions{
		Customer:   bundle[BundleKeyCustomer],
		ConfigName: bundle[BundleKeyConfigName],
	}
	if groups := bundle[BundleKeyGroups]; groups != "" {
		for _, g := range strings.Split(groups, ",") {
			if g = strings.TrimSpace(g); g != "" {
				opts.Groups = append(opts.Groups, g)
			}
		}
	}
	if opts.Customer != "" || opts.ConfigName != "" || len(opts.Groups) > 0 {
		if err := e.settings.SetEnrollment(opts); err != nil {
			return fmt.Errorf("failed to persist enrollment options: %w", err)
		}
	}

	e.logger.Info("Enrollment bundle applied",
		zap.String("device_id", deviceID),
		zap.String("base_url", baseURL),
	)
	return nil
}
