package metricsstore

import (
	"context"
	"log/slog"
	"time"
)

// Retention runs a background eviction task on an interval derived from the
// configured retention window, per spec.md §4.4: wakes every
// min(retentionMinutes*60/60, 60s), floored at 1s. Disabled entirely when
// enabled=false. Grounded on the teacher's ticker-goroutine reset pattern
// in internal/pool/model_limiter.go.
type Retention struct {
	store           *Store
	retentionWindow time.Duration
	interval        time.Duration
	logger          *slog.Logger
}

// NewRetention builds a Retention task. enabled=false callers should simply
// not call Run.
func NewRetention(store *Store, retentionMinutes int, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	window := time.Duration(retentionMinutes) * time.Minute
	interval := window / 60
	if interval > 60*time.Second {
		interval = 60 * time.Second
	}
	if interval < time.Second {
		interval = time.Second
	}
	return &Retention{store: store, retentionWindow: window, interval: interval, logger: logger}
}

// Run blocks, evicting on each tick, until ctx is cancelled. Cancellable at
// shutdown per spec.md §5.
func (r *Retention) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cutoff := cutoffFor(now, r.retentionWindow)
			r.store.EvictOlderThan(cutoff)
		}
	}
}

// cutoffFor computes now - window, treating overflow as "retain all" rather
// than erroring (spec.md §4.4).
func cutoffFor(now time.Time, window time.Duration) time.Time {
	cutoff := now.Add(-window)
	if window < 0 || cutoff.After(now) {
		return time.Time{}
	}
	return cutoff
}
