// Package syncer drains the durable queue to the remote store in bounded
// batches, backing off exponentially while uploads fail.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saviobatista/fleetsync/internal/clock"
	"github.com/saviobatista/fleetsync/internal/types"
)

// Store is the part of the durable queue the engine needs
type Store interface {
	PeekBatch(ctx context.Context, limit int) ([]types.QueueItem, error)
	DeleteByIDs(ctx context.Context, ids []string) error
	RecordAttempt(ctx context.Context, ids []string) error
	CountPending(ctx context.Context) (int, error)
}

// Uploader sends one batch to the remote store. The remote write must be
// idempotent on each item id: a batch may be uploaded again after a crash
// between upload and local delete.
type Uploader interface {
	Upload(ctx context.Context, items []types.QueueItem) error
}

// ConnectivityProbe reports whether the device believes it is online
type ConnectivityProbe interface {
	Online() bool
}

// Config holds the engine tunables
type Config struct {
	Interval        time.Duration
	BatchSize       int
	BackoffFloor    time.Duration
	BackoffCeiling  time.Duration
	MaxDrainBatches int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		BatchSize:       50,
		BackoffFloor:    5 * time.Second,
		BackoffCeiling:  5 * time.Minute,
		MaxDrainBatches: 100,
	}
}

// Result describes one TriggerSync call
type Result struct {
	Skipped   string        `json:"skipped,omitempty"` // "in_flight" or "offline"
	Uploaded  int           `json:"uploaded"`
	Batches   int           `json:"batches"`
	More      bool          `json:"more"` // drain cap reached with items left
	Err       error         `json:"-"`
	NextRetry time.Duration `json:"next_retry,omitempty"`
}

const (
	SkipInFlight = "in_flight"
	SkipOffline  = "offline"
)

// Status is a point-in-time view of the engine
type Status struct {
	Online              bool          `json:"online"`
	Syncing             bool          `json:"syncing"`
	Pending             int           `json:"pending"`
	Backoff             time.Duration `json:"backoff"`
	RetryScheduled      bool          `json:"retry_scheduled"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalUploaded       uint64        `json:"total_uploaded"`
	LastSuccess         time.Time     `json:"last_success"`
	LastError           string        `json:"last_error,omitempty"`
}

// Option customises an Engine
type Option func(*Engine)

// WithClock replaces the wall clock
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// OnSynced registers fn to run after every batch the remote accepted
func OnSynced(fn func(at time.Time, uploaded int)) Option {
	return func(e *Engine) { e.onSynced = fn }
}

// Engine is the sync loop. TriggerSync is safe to call from any goroutine;
// concurrent calls collapse into the one already running.
type Engine struct {
	store    Store
	uploader Uploader
	probe    ConnectivityProbe
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	onSynced func(time.Time, int)

	syncing  atomic.Bool
	uploaded atomic.Uint64
	kick     chan struct{}

	mu          sync.Mutex
	backoff     time.Duration
	retry       clock.Timer
	failures    int
	lastSuccess time.Time
	lastErr     string
	runCtx      context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates an engine. Zero values in cfg fall back to DefaultConfig.
func New(store Store, uploader Uploader, probe ConnectivityProbe, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = def.BackoffFloor
	}
	if cfg.BackoffCeiling < cfg.BackoffFloor {
		cfg.BackoffCeiling = max(def.BackoffCeiling, cfg.BackoffFloor)
	}
	if cfg.MaxDrainBatches <= 0 {
		cfg.MaxDrainBatches = def.MaxDrainBatches
	}

	e := &Engine{
		store:    store,
		uploader: uploader,
		probe:    probe,
		cfg:      cfg,
		clock:    clock.Real(),
		logger:   slog.Default(),
		kick:     make(chan struct{}, 1),
		backoff:  cfg.BackoffFloor,
		runCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "syncer")
	return e
}

// TriggerSync runs one drain attempt. It returns immediately when another
// attempt is in flight or the device is offline. Upload failures are never
// returned to the caller as fatal: they schedule a retry and are reported
// in Result.Err for observability only.
func (e *Engine) TriggerSync(ctx context.Context) Result {
	if !e.syncing.CompareAndSwap(false, true) {
		return Result{Skipped: SkipInFlight}
	}
	defer e.syncing.Store(false)

	if !e.probe.Online() {
		return Result{Skipped: SkipOffline}
	}

	var res Result
	for res.Batches < e.cfg.MaxDrainBatches {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		items, err := e.store.PeekBatch(ctx, e.cfg.BatchSize)
		if err != nil {
			res.Err = fmt.Errorf("failed to read pending batch: %w", err)
			res.NextRetry = e.fail(res.Err)
			return res
		}
		if len(items) == 0 {
			e.resetBackoff()
			return res
		}

		ids := make([]string, len(items))
		for i, item := range items {
			ids[i] = item.ID
		}

		if err := e.uploader.Upload(ctx, items); err != nil {
			if rerr := e.store.RecordAttempt(ctx, ids); rerr != nil {
				e.logger.Warn("failed to record upload attempt", "error", rerr)
			}
			res.Err = fmt.Errorf("failed to upload batch of %d: %w", len(items), err)
			res.NextRetry = e.fail(res.Err)
			return res
		}

		// The remote already has these items; a failed delete only costs a
		// re-upload, which the remote ignores.
		if err := e.store.DeleteByIDs(ctx, ids); err != nil {
			res.Err = fmt.Errorf("failed to delete uploaded batch: %w", err)
			res.NextRetry = e.fail(res.Err)
			return res
		}

		res.Batches++
		res.Uploaded += len(items)
		e.uploaded.Add(uint64(len(items)))
		e.succeed(len(items))
	}

	// Safety valve: hand the rest to the next tick
	res.More = true
	e.logger.Info("drain batch limit reached", "batches", res.Batches, "uploaded", res.Uploaded)
	return res
}

// SyncNow cancels a pending retry and syncs immediately. It is a no-op if an
// attempt is already in flight.
func (e *Engine) SyncNow(ctx context.Context) Result {
	if e.syncing.Load() {
		return Result{Skipped: SkipInFlight}
	}
	e.mu.Lock()
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	e.mu.Unlock()
	return e.TriggerSync(ctx)
}

// Kick requests an opportunistic sync from the Start loop without blocking.
// It is ignored while a backoff retry is scheduled.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Start runs the periodic sync loop until ctx is cancelled or Stop is called
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.done != nil {
		e.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx = runCtx
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	ticker := e.clock.NewTicker(e.cfg.Interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C():
			case <-e.kick:
				// A failed remote is retried on the backoff schedule, not at
				// packet rate
				if e.retryPending() {
					e.logger.Debug("kick ignored while a retry is scheduled")
					continue
				}
			}
			if res := e.TriggerSync(runCtx); res.More {
				e.Kick()
			}
		}
	}()
}

// Stop halts the loop and cancels any scheduled retry
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Status returns the engine state and the current pending count
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.Lock()
	st := Status{
		Backoff:             e.backoff,
		RetryScheduled:      e.retry != nil,
		ConsecutiveFailures: e.failures,
		LastSuccess:         e.lastSuccess,
		LastError:           e.lastErr,
	}
	e.mu.Unlock()

	st.Online = e.probe.Online()
	st.Syncing = e.syncing.Load()
	st.TotalUploaded = e.uploaded.Load()
	if n, err := e.store.CountPending(ctx); err == nil {
		st.Pending = n
	} else {
		e.logger.Warn("failed to count pending items", "error", err)
	}
	return st
}

// fail schedules a retry after the current backoff, then doubles the
// backoff up to the ceiling. It returns the scheduled delay.
func (e *Engine) fail(err error) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	delay := e.backoff
	e.failures++
	e.lastErr = err.Error()
	e.backoff = min(e.backoff*2, e.cfg.BackoffCeiling)

	if e.retry != nil {
		e.retry.Stop()
	}
	ctx := e.runCtx
	var timer clock.Timer
	timer = e.clock.AfterFunc(delay, func() {
		e.mu.Lock()
		if e.retry == timer {
			e.retry = nil
		}
		e.mu.Unlock()
		e.TriggerSync(ctx)
	})
	e.retry = timer

	e.logger.Warn("sync failed, retry scheduled", "error", err, "retry_in", delay, "failures", e.failures)
	return delay
}

func (e *Engine) succeed(n int) {
	at := e.clock.Now()

	e.mu.Lock()
	e.backoff = e.cfg.BackoffFloor
	e.failures = 0
	e.lastErr = ""
	e.lastSuccess = at
	e.mu.Unlock()

	e.logger.Debug("batch synced", "items", n)
	if e.onSynced != nil {
		e.onSynced(at, n)
	}
}

func (e *Engine) resetBackoff() {
	e.mu.Lock()
	e.backoff = e.cfg.BackoffFloor
	e.mu.Unlock()
}
