package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/BENDERFACToRY/gatekeeper/telemetry"
)

// Reaper periodically removes expired entries from a Purger.
// Expired entries are already invisible to readers; reaping only reclaims space.
type Reaper struct {
	purger      Purger
	name        string
	interval    time.Duration
	batchSize   int
	maxDuration time.Duration
	logger      *slog.Logger
	now         func() time.Time

	totalReaped int64
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperBatchSize sets the maximum entries to delete per batch.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *Reaper) {
		r.batchSize = n
	}
}

// WithReaperMaxDuration sets the maximum time per reap cycle.
// If the cycle takes longer than this, it will stop and continue next tick.
func WithReaperMaxDuration(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.maxDuration = d
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// WithReaperNow sets the time function (for testing).
func WithReaperNow(now func() time.Time) ReaperOption {
	return func(r *Reaper) {
		r.now = now
	}
}

// NewReaper creates a reaper for purger, labelled name in metrics.
// Defaults: interval=5m, batchSize=100, maxDuration=30s.
func NewReaper(purger Purger, name string, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		purger:      purger,
		name:        name,
		interval:    5 * time.Minute,
		batchSize:   100,
		maxDuration: 30 * time.Second,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("cache reaper started",
		"cache", r.name,
		"interval", r.interval,
		"batchSize", r.batchSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("cache reaper stopped", "cache", r.name, "totalReaped", r.totalReaped)
			return
		case <-ticker.C:
			r.reapCycle(ctx)
		}
	}
}

func (r *Reaper) reapCycle(ctx context.Context) {
	start := r.now()
	deadline := start.Add(r.maxDuration)
	total := 0

	for {
		if r.now().After(deadline) {
			r.logger.Debug("reap cycle hit max duration, will continue next tick",
				"cache", r.name,
				"deleted", total)
			break
		}

		count, hasMore := r.reapBatch(ctx)
		total += count
		if !hasMore || ctx.Err() != nil {
			break
		}
	}

	r.finish(ctx, start, total)
}

// reapBatch returns the count deleted and whether more expired entries may remain.
func (r *Reaper) reapBatch(ctx context.Context) (int, bool) {
	n, err := r.purger.PurgeExpired(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("failed to purge expired entries", "cache", r.name, "error", err)
		return 0, false
	}
	return n, r.batchSize > 0 && n == r.batchSize
}

// ReapNow runs batches until no expired entries remain and returns the number deleted.
func (r *Reaper) ReapNow(ctx context.Context) int {
	start := r.now()
	total := 0
	for {
		count, hasMore := r.reapBatch(ctx)
		total += count
		if !hasMore || ctx.Err() != nil {
			break
		}
	}
	r.finish(ctx, start, total)
	return total
}

func (r *Reaper) finish(ctx context.Context, start time.Time, total int) {
	if total > 0 {
		r.totalReaped += int64(total)
		r.logger.Info("cache reaper cycle complete",
			"cache", r.name,
			"deleted", total,
			"duration", r.now().Sub(start),
			"totalReaped", r.totalReaped)
	}
	telemetry.RecordReaperCycle(ctx, r.name, total, r.now().Sub(start))
}

// TotalReaped returns the number of entries removed since the reaper was created.
func (r *Reaper) TotalReaped() int64 {
	return r.totalReaped
}
