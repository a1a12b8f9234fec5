package ppr

import (
	"context"
	"sync"
	"time"

	"github.com/orneryd/mosaicdb/pkg/decay"
)

// DefaultRefreshBatch bounds the stale entries refreshed per tick.
const DefaultRefreshBatch = 256

// Scheduler runs a warmup pass followed by a refresh-stale pass on a fixed
// interval.
type Scheduler struct {
	warmer  *Warmer
	manager *decay.Manager
	batch   int

	mu   sync.Mutex
	last RunStats
	runs int
}

// NewScheduler creates a scheduler. interval <= 0 uses 15 minutes.
func NewScheduler(w *Warmer, interval time.Duration) *Scheduler {
	return &Scheduler{
		warmer:  w,
		manager: decay.New(&decay.Config{RecalculateInterval: interval, Logger: w.log}),
		batch:   DefaultRefreshBatch,
	}
}

// Tick runs one warmup pass and one refresh pass.
func (s *Scheduler) Tick(ctx context.Context) error {
	warm, err := s.warmer.RunOnce(ctx)
	if err != nil {
		return err
	}
	refresh, err := s.warmer.RefreshStale(ctx, s.batch)
	if err != nil {
		return err
	}

	warm.EntitiesWarmed += refresh.EntitiesWarmed
	warm.Updated += refresh.Updated
	warm.Skipped += refresh.Skipped
	warm.EdgesTraversed += refresh.EdgesTraversed
	warm.Errors += refresh.Errors
	warm.DurationMs += refresh.DurationMs

	s.mu.Lock()
	s.last = warm
	s.runs++
	s.mu.Unlock()
	return nil
}

// Start begins ticking in the background.
func (s *Scheduler) Start() {
	s.manager.Start(s.Tick)
}

// Stop halts ticking and waits for a running pass.
func (s *Scheduler) Stop() {
	s.manager.Stop()
}

// Last returns the stats of the most recent tick and the number of ticks.
func (s *Scheduler) Last() (RunStats, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.runs
}
