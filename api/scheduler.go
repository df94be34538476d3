/*
scheduler.go - Automated end-of-day finalization

PURPOSE:
  Periodically finalizes every open day before today, so completed jobs
  roll into billing periods without anyone pressing "close day".

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Asks the engine for open days strictly before today (engine timezone)
  - Finalizes them oldest first; FinalizeDay is idempotent, so overlapping
    runs or a manual finalize in between are harmless
  - One failing day is logged and does not stop the others

CONFIGURATION:
  - CheckInterval: How often to check (default: 15 minutes)
  - Enabled: Whether scheduler is active ([scheduler] enabled)

USAGE:
  scheduler := NewDayFinalizer(engine, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: FinalizeTally endpoint (manual finalization)
  - billing/tally.go: FinalizeDay, OpenDays
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/claims-billing/billing"
)

// DayFinalizer closes past days automatically.
type DayFinalizer struct {
	Engine        *billing.Engine
	CheckInterval time.Duration
	Enabled       bool

	log    logrus.FieldLogger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewDayFinalizer creates a new scheduler.
func NewDayFinalizer(engine *billing.Engine, log logrus.FieldLogger) *DayFinalizer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DayFinalizer{
		Engine:        engine,
		CheckInterval: 15 * time.Minute,
		Enabled:       true,
		log:           log.WithField("module", "scheduler"),
	}
}

// Start begins the scheduler.
func (s *DayFinalizer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.log.WithField("interval", s.CheckInterval.String()).Info("scheduler started")
}

// Stop stops the scheduler and waits for a run in progress.
func (s *DayFinalizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("scheduler stopped")
	}
}

func (s *DayFinalizer) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunOnce(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-stop:
			return
		}
	}
}

// RunOnce finalizes every open day before today and returns how many were
// closed by this call.
func (s *DayFinalizer) RunOnce(ctx context.Context) int {
	today := s.Engine.Today()
	days := s.Engine.OpenDays(ctx, today)
	if len(days) == 0 {
		s.log.WithField("today", today.String()).Debug("no open days to finalize")
		return 0
	}

	closed := 0
	for _, d := range days {
		log := s.log.WithField("date", d.String())
		res, err := s.Engine.FinalizeDay(ctx, d)
		if err != nil {
			log.WithError(err).Error("automatic finalize failed")
			continue
		}
		if res.Finalized {
			closed++
		}
	}

	s.log.WithFields(logrus.Fields{"open": len(days), "finalized": closed}).Info("end-of-day run complete")
	return closed
}
