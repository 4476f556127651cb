package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Item is a queued record together with its local id and timestamp
type Item[T any] struct {
	ID        int64
	Timestamp time.Time
	Record    T
}

// Store is a durable append-only queue for one telemetry kind, backed by its
// own SQLite table. Local ids are monotonic; records become visible to the
// uploader only once their insert transaction commits, and are removed only on
// batch acknowledgement or retention pruning.
//
// Mutating operations are mutually exclusive per store; SelectBatch may run
// concurrently with appends to other kinds.
type Store[T any] struct {
	db         *sql.DB
	table      string
	naturalKey func(T) string
	logger     *zap.Logger
	mu         sync.Mutex
}

// Option configures a Store
type Option[T any] func(*Store[T])

// WithNaturalKey makes the store replace records sharing a natural key (for
// example a file path) instead of accumulating duplicates. The replacement is
// a delete+reinsert, so the surviving record gets a fresh local id.
func WithNaturalKey[T any](fn func(T) string) Option[T] {
	return func(s *Store[T]) {
		s.naturalKey = fn
	}
}

// New creates the queue store and ensures its table exists. The table name is
// an internal constant per telemetry kind, never external input.
func New[T any](db *sql.DB, table string, logger *zap.Logger, opts ...Option[T]) (*Store[T], error) {
	s := &Store[T]{
		db:     db,
		table:  table,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			record_ts INTEGER NOT NULL,
			natural_key TEXT,
			payload TEXT NOT NULL
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s(record_ts)`, table, table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_key ON %s(natural_key) WHERE natural_key IS NOT NULL`, table, table),
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create queue table %s: %w", table, err)
		}
	}

	return s, nil
}

// Append durably persists a record before returning and assigns it a new
// monotonic local id
func (s *Store[T]) Append(record T, ts time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal record: %w", err)
	}

	var key *string
	if s.naturalKey != nil {
		if k := s.naturalKey(record); k != "" {
			key = &k
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if key != nil {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE natural_key = ?`, s.table), *key); err != nil {
			return 0, fmt.Errorf("failed to replace record: %w", err)
		}
	}

	result, err := tx.Exec(
		fmt.Sprintf(`INSERT INTO %s (record_ts, natural_key, payload) VALUES (?, ?, ?)`, s.table),
		ts.UnixMilli(), key, string(payload),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read record id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return id, nil
}

// SelectBatch returns up to limit records ordered by timestamp ascending, so
// telemetry is uploaded in temporal order even if insert order differed
func (s *Store[T]) SelectBatch(limit int) ([]Item[T], error) {
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT id, record_ts, payload FROM %s ORDER BY record_ts ASC, id ASC LIMIT ?`, s.table),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue %s: %w", s.table, err)
	}
	defer rows.Close()

	var items []Item[T]
	for rows.Next() {
		var id int64
		var millis int64
		var payload string

		if err := rows.Scan(&id, &millis, &payload); err != nil {
			s.logger.Error("Failed to scan queue row", zap.Error(err), zap.String("table", s.table))
			continue
		}

		var record T
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			s.logger.Error("Failed to unmarshal queued record, dropping it",
				zap.Error(err),
				zap.String("table", s.table),
				zap.Int64("id", id),
			)
			s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table), id)
			continue
		}

		items = append(items, Item[T]{ID: id, Timestamp: time.UnixMilli(millis), Record: record})
	}

	return items, rows.Err()
}

// DeleteBatch removes exactly the given records in one atomic operation;
// a failure leaves all of them in place
func (s *Store[T]) DeleteBatch(items []Item[T]) error {
	if len(items) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (`, s.table)
	args := make([]interface{}, len(items))
	for i, item := range items {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = item.ID
	}
	query += ")"

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deletion: %w", err)
	}

	deleted, _ := result.RowsAffected()
	s.logger.Debug("Batch removed from queue",
		zap.String("table", s.table),
		zap.Int64("count", deleted),
	)
	return nil
}

// PruneOlderThan deletes all records with a timestamp before cutoff. Pruning
// is unconditional and does not wait for a successful upload: bounded local
// storage wins over delivery guarantees during sustained offline periods.
func (s *Store[T]) PruneOlderThan(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		fmt.Sprintf(`DELETE FROM %s WHERE record_ts < ?`, s.table),
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune queue %s: %w", s.table, err)
	}

	pruned, _ := result.RowsAffected()
	if pruned > 0 {
		s.logger.Info("Pruned expired records",
			zap.String("table", s.table),
			zap.Int64("count", pruned),
		)
	}
	return pruned, nil
}

// Count returns the number of queued records
func (s *Store[T]) Count() (int, error) {
	var count int
	err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue %s: %w", s.table, err)
	}
	return count, nil
}
