package queue

import (
	"database/sql"

	"deviceagent/internal/models"

	"go.uber.org/zap"
)

// Queue table names, one per telemetry kind
const (
	TableLogs        = "log_entries"
	TableLocations   = "location_fixes"
	TableSnapshots   = "device_snapshots"
	TableRemoteFiles = "remote_files"
	TableDownloads   = "pending_downloads"
)

// Queues bundles the per-kind durable queue stores
type Queues struct {
	Logs        *Store[models.LogEntry]
	Locations   *Store[models.LocationFix]
	Snapshots   *Store[models.DeviceSnapshot]
	RemoteFiles *Store[models.RemoteFile]
	Downloads   *Store[models.PendingDownload]
}

// NewQueues instantiates all telemetry queues. Remote files and pending
// downloads are keyed by path, so re-announcing a path replaces the record.
func NewQueues(db *sql.DB, logger *zap.Logger) (*Queues, error) {
	logs, err := New[models.LogEntry](db, TableLogs, logger)
	if err != nil {
		return nil, err
	}
	locations, err := New[models.LocationFix](db, TableLocations, logger)
	if err != nil {
		return nil, err
	}
	snapshots, err := New[models.DeviceSnapshot](db, TableSnapshots, logger)
	if err != nil {
		return nil, err
	}
	remoteFiles, err := New(db, TableRemoteFiles, logger,
		WithNaturalKey(func(f models.RemoteFile) string { return f.Path }))
	if err != nil {
		return nil, err
	}
	downloads, err := New(db, TableDownloads, logger,
		WithNaturalKey(func(d models.PendingDownload) string { return d.Path }))
	if err != nil {
		return nil, err
	}

	return &Queues{
		Logs:        logs,
		Locations:   locations,
		Snapshots:   snapshots,
		RemoteFiles: remoteFiles,
		Downloads:   downloads,
	}, nil
}
