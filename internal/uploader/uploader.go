package uploader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deviceagent/internal/queue"

	"go.uber.org/zap"
)

// drainer is one telemetry kind the uploader services
type drainer interface {
	Name() string
	Drain(ctx context.Context) error
	Prune() (int64, error)
}

// Kind binds a durable queue store to its upload call and retention window
type Kind[T any] struct {
	name      string
	store     *queue.Store[T]
	batchSize int
	retention time.Duration
	send      func(ctx context.Context, records []T) error
}

// NewKind creates an uploadable telemetry kind. The send callback receives
// records oldest-first and must return nil only on a positive acknowledgement.
func NewKind[T any](
	name string,
	store *queue.Store[T],
	batchSize int,
	retention time.Duration,
	send func(ctx context.Context, records []T) error,
) *Kind[T] {
	return &Kind[T]{
		name:      name,
		store:     store,
		batchSize: batchSize,
		retention: retention,
		send:      send,
	}
}

func (k *Kind[T]) Name() string {
	return k.name
}

// Drain uploads one batch and deletes it only on a positive acknowledgement.
// The batch is all-or-nothing: on any upload error every record stays queued
// for the next cycle.
func (k *Kind[T]) Drain(ctx context.Context) error {
	items, err := k.store.SelectBatch(k.batchSize)
	if err != nil {
		return fmt.Errorf("failed to select batch: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	records := make([]T, len(items))
	for i, item := range items {
		records[i] = item.Record
	}

	if err := k.send(ctx, records); err != nil {
		return fmt.Errorf("failed to upload batch of %d: %w", len(records), err)
	}

	if err := k.store.DeleteBatch(items); err != nil {
		return fmt.Errorf("failed to remove acknowledged batch: %w", err)
	}
	return nil
}

// Prune applies the kind's retention window regardless of upload success
func (k *Kind[T]) Prune() (int64, error) {
	return k.store.PruneOlderThan(time.Now().Add(-k.retention))
}

// Uploader drains every registered telemetry kind on its own schedule and
// prunes expired records independently of upload outcomes
type Uploader struct {
	interval      time.Duration
	pruneInterval time.Duration
	kinds         []drainer
	logger        *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates an uploader; kinds are registered before Start
func New(interval, pruneInterval time.Duration, logger *zap.Logger) *Uploader {
	return &Uploader{
		interval:      interval,
		pruneInterval: pruneInterval,
		logger:        logger,
		stopChan:      make(chan struct{}),
	}
}

// Register adds a telemetry kind. Not safe to call after Start.
func (u *Uploader) Register(k drainer) {
	u.kinds = append(u.kinds, k)
}

// Start launches one worker per kind plus the retention pruner
func (u *Uploader) Start() {
	for _, k := range u.kinds {
		u.wg.Add(1)
		go u.drainLoop(k)
	}

	u.wg.Add(1)
	go u.pruneLoop()

	u.logger.Info("Telemetry uploader started",
		zap.Int("kinds", len(u.kinds)),
		zap.Duration("interval", u.interval),
	)
}

// Stop halts all workers after letting each kind attempt one final drain
func (u *Uploader) Stop() {
	select {
	case <-u.stopChan:
		return
	default:
		close(u.stopChan)
	}
	u.wg.Wait()
	u.logger.Info("Telemetry uploader stopped")
}

func (u *Uploader) drainLoop(k drainer) {
	defer u.wg.Done()

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			u.drain(k)
		case <-u.stopChan:
			// One last attempt so a clean shutdown does not strand records
			// that could have been delivered
			u.drain(k)
			return
		}
	}
}

func (u *Uploader) drain(k drainer) {
	ctx, cancel := context.WithTimeout(context.Background(), u.interval)
	defer cancel()

	if err := k.Drain(ctx); err != nil {
		u.logger.Warn("Upload cycle failed, batch retained",
			zap.String("kind", k.Name()),
			zap.Error(err),
		)
	}
}

func (u *Uploader) pruneLoop() {
	defer u.wg.Done()

	ticker := time.NewTicker(u.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, k := range u.kinds {
				if _, err := k.Prune(); err != nil {
					u.logger.Error("Retention pruning failed",
						zap.String("kind", k.Name()),
						zap.Error(err),
					)
				}
			}
		case <-u.stopChan:
			return
		}
	}
}
