package storage

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/catalyst-gg/catalyst/pkg/log"
)

// Retention prunes aged log and metric rows. Console history and
// resource samples are append-only on the hot path; this is the only
// place they shrink.
type Retention struct {
	store    Store
	maxAge   time.Duration
	interval time.Duration
	logger   zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRetention creates a retention sweeper keeping maxAge of history.
// It prunes hourly; the window only moves a day at a time, so more
// frequent passes just keep individual deletes small.
func NewRetention(store Store, maxAge time.Duration) *Retention {
	return &Retention{
		store:    store,
		maxAge:   maxAge,
		interval: time.Hour,
		logger:   log.WithComponent("retention"),
		stopCh:   make(chan struct{}),
	}
}

// Start sweeps once immediately, then on every tick.
func (r *Retention) Start() {
	r.sweep()

	r.wg.Add(1)
	go r.run()
	r.logger.Info().Dur("max_age", r.maxAge).Msg("Retention sweeper started")
}

// Stop halts the pruning loop. Safe to call more than once.
func (r *Retention) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

func (r *Retention) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Retention) sweep() {
	cutoff := time.Now().UTC().Add(-r.maxAge)

	logs, err := r.store.PruneServerLogs(cutoff)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to prune server logs")
	}
	metrics, err := r.store.PruneMetrics(cutoff)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to prune metrics")
	}
	if logs > 0 || metrics > 0 {
		r.logger.Info().
			Int("logs", logs).
			Int("metrics", metrics).
			Time("cutoff", cutoff).
			Msg("Pruned aged history")
	}
}
