/*
scheduler.go - Automated catch-up COB scheduler

PURPOSE:
  Periodically runs catch-up close of business so loans left behind the
  COB date (missed runs, loans halted by a lock) are advanced without an
  operator.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick runs Runner.CatchUp and stores the report as a COB run
  - A tick that finds every loan current stores nothing
  - Overlapping ticks are skipped while a run is in progress

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewCOBScheduler(handler, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - cob.go: CatchUp endpoint (manual run)
  - cob/runner.go: Catch-up implementation
*/
package api

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// COBScheduler runs catch-up COB on a ticker.
type COBScheduler struct {
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool
	Logger        *zap.Logger

	running atomic.Bool
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
}

func NewCOBScheduler(handler *Handler, logger *zap.Logger) *COBScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &COBScheduler{
		Handler:       handler,
		CheckInterval: time.Hour,
		Enabled:       true,
		Logger:        logger.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (s *COBScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.Logger.Info("scheduler started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for a run in progress.
func (s *COBScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("scheduler stopped")
}

func (s *COBScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunNow runs one catch-up unless one is already in progress. It reports
// whether a run happened.
func (s *COBScheduler) RunNow(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.Logger.Debug("catch-up already running, skipping tick")
		return false
	}
	defer s.running.Store(false)

	behind, err := s.Handler.Store.LoansBehind(ctx, s.Handler.Clock.COBDate())
	if err != nil {
		s.Logger.Error("could not list loans behind COB", zap.Error(err))
		return false
	}
	if len(behind) == 0 {
		return false
	}

	if _, err := s.Handler.runCatchUp(ctx); err != nil {
		s.Logger.Error("catch-up failed", zap.Error(err))
		return false
	}
	return true
}

// NextRunTime returns when the next scheduled check will occur.
func (s *COBScheduler) NextRunTime() time.Time {
	return time.Now().Add(s.CheckInterval)
}
