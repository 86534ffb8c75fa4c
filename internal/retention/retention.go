// Package retention prunes old lifecycle events from the journal on a fixed
// interval.
package retention

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/backendlink/internal/config"
)

// Pruner is the journal surface the worker needs.
type Pruner interface {
	PruneEvents(before time.Time) (int64, error)
}

// Worker deletes journal events older than the configured maximum age.
type Worker struct {
	cfg *config.RetentionConfig
	db  Pruner
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	pruned  int64
}

// New creates a Worker. Call Start to begin background work.
func New(cfg *config.RetentionConfig, db Pruner, log *zap.Logger) *Worker {
	return &Worker{cfg: cfg, db: db, log: log, now: time.Now}
}

// Start prunes once, then on every interval; blocks until ctx is done.
// A zero interval or max age disables the worker.
func (w *Worker) Start(ctx context.Context) error {
	if w.cfg.Interval <= 0 || w.cfg.MaxAge <= 0 {
		w.log.Info("retention: disabled")
		return nil
	}
	w.log.Info("retention worker starting",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("max_age", w.cfg.MaxAge),
	)

	w.RunOnce()
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("retention worker stopped")
			return nil
		case <-ticker.C:
			w.RunOnce()
		}
	}
}

// RunOnce deletes every event older than MaxAge and returns the count.
func (w *Worker) RunOnce() int64 {
	cutoff := w.now().Add(-w.cfg.MaxAge)
	n, err := w.db.PruneEvents(cutoff)
	if err != nil {
		w.log.Error("retention: prune events", zap.Error(err))
		return 0
	}

	w.mu.Lock()
	w.lastRun = w.now()
	w.pruned += n
	w.mu.Unlock()

	if n > 0 {
		w.log.Info("retention: pruned events",
			zap.Int64("count", n),
			zap.Time("before", cutoff),
		)
	}
	return n
}

// Stats reports the last run time and the total number of pruned events.
func (w *Worker) Stats() (lastRun time.Time, pruned int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRun, w.pruned
}
