package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/translateq/internal/metrics"
)

// Config holds sweeper configuration.
type Config struct {
	Interval time.Duration // sweep cadence (default 1m)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Interval: time.Minute}
}

// Sweeper periodically purges expired records from a Store.
type Sweeper struct {
	store  *Store
	config Config
	now    func() time.Time
	logger *slog.Logger
}

// NewSweeper creates a Sweeper. A nil now uses time.Now.
func NewSweeper(s *Store, config Config, now func() time.Time, logger *slog.Logger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: s, config: config, now: now, logger: logger}
}

// Run starts the sweep loop. It blocks until the context is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	w.logger.Debug("retention sweeper started", "interval", w.config.Interval, "window", w.store.Window())
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("retention sweeper stopped")
			return
		case <-ticker.C:
			w.RunOnce()
		}
	}
}

// RunOnce performs a single sweep and returns the number of purged records.
func (w *Sweeper) RunOnce() int {
	n := w.store.Sweep(w.now())
	if n > 0 {
		metrics.JobsPurgedTotal.Add(float64(n))
		w.logger.Info("purged expired job records", "count", n, "remaining", w.store.Len())
	}
	return n
}
