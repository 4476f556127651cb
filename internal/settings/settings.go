package settings

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"deviceagent/internal/models"

	"go.uber.org/zap"
)

// Setting keys persisted in the settings table
const (
	keyDeviceID         = "device.id"
	keyIDStrategy       = "device.id_strategy"
	keyBaseURL          = "server.base_url"
	keySecondaryBaseURL = "server.secondary_base_url"
	keyProjectPath      = "server.project_path"
	keyCertificateURLs  = "server.certificate_urls"
	keyExternalIP       = "server.external_ip"
	keyEnrollment       = "enrollment.options"
	keyConfigPayload    = "config.payload"
	keyConfigAppliedAt  = "config.applied_at"
	keyCustomFieldBase  = "custom.field."
	keyPrefsStaged      = "prefs.staged"
	keyPrefsApplied     = "prefs.applied"
)

// Store persists agent state that must survive process restart: device
// identity, endpoint configuration, enrollment options and the last-applied
// server configuration.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore creates a settings store over the given database
func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// Get returns the value for a key, reporting whether it was present
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores a value for a key, replacing any previous value
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store setting %s: %w", key, err)
	}
	return nil
}

// DeviceID returns the persisted device identity, empty if not yet assigned
func (s *Store) DeviceID() (string, error) {
	id, _, err := s.Get(keyDeviceID)
	return id, err
}

// SetDeviceID persists the device identity once. The identity is immutable
// after enrollment: if one is already stored, the stored value wins and is
// returned unchanged.
func (s *Store) SetDeviceID(id string) (string, error) {
	existing, found, err := s.Get(keyDeviceID)
	if err != nil {
		return "", err
	}
	if found && existing != "" {
		if existing != id {
			s.logger.Warn("Ignoring device ID change, identity is write-once",
				zap.String("stored", existing),
				zap.String("requested", id),
			)
		}
		return existing, nil
	}
	if err := s.Set(keyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// IDStrategy returns the device-id selection strategy from the enrollment bundle
func (s *Store) IDStrategy() (string, error) {
	v, _, err := s.Get(keyIDStrategy)
	return v, err
}

func (s *Store) SetIDStrategy(strategy string) error {
	return s.Set(keyIDStrategy, strategy)
}

// BaseURL returns the persisted primary server URL
func (s *Store) BaseURL() (string, error) {
	v, _, err := s.Get(keyBaseURL)
	return v, err
}

func (s *Store) SetBaseURL(url string) error {
	return s.Set(keyBaseURL, url)
}

// SecondaryBaseURL returns the persisted secondary server URL
func (s *Store) SecondaryBaseURL() (string, error) {
	v, _, err := s.Get(keySecondaryBaseURL)
	return v, err
}

func (s *Store) SetSecondaryBaseURL(url string) error {
	return s.Set(keySecondaryBaseURL, url)
}

// ProjectPath returns the persisted server project path
func (s *Store) ProjectPath() (string, error) {
	v, _, err := s.Get(keyProjectPath)
	return v, err
}

func (s *Store) SetProjectPath(path string) error {
	return s.Set(keyProjectPath, path)
}

// CertificateURLs returns the certificate pinning URLs from enrollment
func (s *Store) CertificateURLs() ([]string, error) {
	v, found, err := s.Get(keyCertificateURLs)
	if err != nil || !found || v == "" {
		return nil, err
	}
	var urls []string
	if err := json.Unmarshal([]byte(v), &urls); err != nil {
		return nil, fmt.Errorf("failed to decode certificate URLs: %w", err)
	}
	return urls, nil
}

func (s *Store) SetCertificateURLs(urls []string) error {
	data, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("failed to encode certificate URLs: %w", err)
	}
	return s.Set(keyCertificateURLs, string(data))
}

// ExternalIP returns the last external IP address observed in a sync response
func (s *Store) ExternalIP() (string, error) {
	v, _, err := s.Get(keyExternalIP)
	return v, err
}

func (s *Store) SetExternalIP(ip string) error {
	return s.Set(keyExternalIP, ip)
}

// Enrollment returns the persisted enrollment options
func (s *Store) Enrollment() (*models.EnrollmentOptions, error) {
	v, found, err := s.Get(keyEnrollment)
	if err != nil || !found {
		return nil, err
	}
	var opts models.EnrollmentOptions
	if err := json.Unmarshal([]byte(v), &opts); err != nil {
		return nil, fmt.Errorf("failed to decode enrollment options: %w", err)
	}
	return &opts, nil
}

func (s *Store) SetEnrollment(opts *models.EnrollmentOptions) error {
	data, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("failed to encode enrollment options: %w", err)
	}
	return s.Set(keyEnrollment, string(data))
}

// Config returns the last-applied server configuration and its apply time.
// Returns nil config when no configuration has been applied yet.
func (s *Store) Config() (*models.ServerConfig, time.Time, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var payload string
	err = tx.QueryRow(`SELECT value FROM settings WHERE key = ?`, keyConfigPayload).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read configuration: %w", err)
	}

	var appliedAtMillis string
	if err := tx.QueryRow(`SELECT value FROM settings WHERE key = ?`, keyConfigAppliedAt).Scan(&appliedAtMillis); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read configuration marker: %w", err)
	}

	millis, err := strconv.ParseInt(appliedAtMillis, 10, 64)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("invalid configuration marker: %w", err)
	}

	var cfg models.ServerConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.Raw = json.RawMessage(payload)

	return &cfg, time.UnixMilli(millis), nil
}

// ApplyConfig atomically stores a new server configuration together with a
// refreshed last-applied marker. Readers observe either the previous
// configuration or the new one, never a mix.
func (s *Store) ApplyConfig(cfg *models.ServerConfig, appliedAt time.Time) error {
	payload := cfg.Raw
	if len(payload) == 0 {
		data, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
		payload = data
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	now := time.Now()
	if _, err := tx.Exec(upsert, keyConfigPayload, string(payload), now); err != nil {
		return fmt.Errorf("failed to store configuration: %w", err)
	}
	marker := strconv.FormatInt(appliedAt.UnixMilli(), 10)
	if _, err := tx.Exec(upsert, keyConfigAppliedAt, marker, now); err != nil {
		return fmt.Errorf("failed to store configuration marker: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit configuration: %w", err)
	}

	s.logger.Info("Configuration applied",
		zap.Int64("config_id", cfg.ConfigID),
		zap.Bool("kiosk_mode", cfg.KioskMode),
	)
	return nil
}

// SetCustomField stores one of the numbered custom fields exposed to the server
func (s *Store) SetCustomField(number int, value string) error {
	if number < 1 || number > 3 {
		return fmt.Errorf("custom field number out of range: %d", number)
	}
	return s.Set(keyCustomFieldBase+strconv.Itoa(number), value)
}

// CustomField returns a numbered custom field, empty if unset
func (s *Store) CustomField(number int) (string, error) {
	if number < 1 || number > 3 {
		return "", fmt.Errorf("custom field number out of range: %d", number)
	}
	v, _, err := s.Get(keyCustomFieldBase + strconv.Itoa(number))
	return v, err
}

// Preferences returns the applied preference map
func (s *Store) Preferences() (map[string]string, error) {
	return s.preferenceMap(keyPrefsApplied)
}

// StagedPreferences returns preferences written but not yet applied
func (s *Store) StagedPreferences() (map[string]string, error) {
	return s.preferenceMap(keyPrefsStaged)
}

// SetPreference stages a preference value; it becomes visible to readers only
// after ApplyPreferences
func (s *Store) SetPreference(name, value string) error {
	staged, err := s.preferenceMap(keyPrefsStaged)
	if err != nil {
		return err
	}
	if staged == nil {
		staged = make(map[string]string)
	}
	staged[name] = value

	data, err := json.Marshal(staged)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	return s.Set(keyPrefsStaged, string(data))
}

// ApplyPreferences merges all staged preferences into the applied map in one
// transaction and clears the staging area
func (s *Store) ApplyPreferences() error {
	staged, err := s.preferenceMap(keyPrefsStaged)
	if err != nil {
		return err
	}
	if len(staged) == 0 {
		return nil
	}

	applied, err := s.preferenceMap(keyPrefsApplied)
	if err != nil {
		return err
	}
	if applied == nil {
		applied = make(map[string]string)
	}
	for name, value := range staged {
		applied[name] = value
	}

	data, err := json.Marshal(applied)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	now := time.Now()
	if _, err := tx.Exec(upsert, keyPrefsApplied, string(data), now); err != nil {
		return fmt.Errorf("failed to store preferences: %w", err)
	}
	if _, err := tx.Exec(upsert, keyPrefsStaged, "{}", now); err != nil {
		return fmt.Errorf("failed to clear staged preferences: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit preferences: %w", err)
	}
	return nil
}

func (s *Store) preferenceMap(key string) (map[string]string, error) {
	v, found, err := s.Get(key)
	if err != nil || !found || v == "" {
		return nil, err
	}
	var prefs map[string]string
	if err := json.Unmarshal([]byte(v), &prefs); err != nil {
		return nil, fmt.Errorf("failed to decode preferences: %w", err)
	}
	return prefs, nil
}
