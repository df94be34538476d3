package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/claims-billing/generic"
)

// =============================================================================
// LEDGER STATE - The four entity maps plus derived indexes
// =============================================================================

type ledgerState struct {
	firms   map[string]FirmConfig
	jobs    map[JobID]*Job
	tallies map[string]*DailyTally    // by YYYY-MM-DD
	periods map[string]*BillingPeriod // by PeriodID

	// jobsByFirm counts jobs per firm so deletion checks don't scan.
	jobsByFirm map[string]int

	now func() time.Time
	loc *time.Location
}

func (s *ledgerState) reset() {
	s.firms = make(map[string]FirmConfig)
	s.jobs = make(map[JobID]*Job)
	s.tallies = make(map[string]*DailyTally)
	s.periods = make(map[string]*BillingPeriod)
	s.jobsByFirm = make(map[string]int)
}

func (s *ledgerState) rebuildIndex() {
	s.jobsByFirm = make(map[string]int)
	for _, j := range s.jobs {
		s.jobsByFirm[j.FirmName]++
	}
}

// dateOf returns the billing day of t in the engine's location.
func (s *ledgerState) dateOf(t time.Time) generic.Date {
	return generic.DateOf(t, s.loc)
}

func (s *ledgerState) today() generic.Date {
	return s.dateOf(s.now())
}

// =============================================================================
// ENGINE - Service object exposing every billing operation
// =============================================================================

// Engine is the billing service. All dependencies are injected; state is
// owned by the engine and guarded by one lock, matching the single-writer
// model. Mileage lookups run outside the lock.
//
// Every successful mutation is saved through the PersistenceAdapter and then
// announced on the EventBus. Save failures are logged, never rolled back.
type Engine struct {
	mu sync.RWMutex
	st *ledgerState

	firms     *firmConfigStore
	jobs      *jobLedger
	tallies   *tallyAggregator
	periods   *periodAggregator
	analytics *analyticsEngine

	store          PersistenceAdapter
	mileage        MileageProvider
	events         *EventBus
	log            logrus.FieldLogger
	mileageTimeout time.Duration
	estimatedMiles decimal.Decimal
}

// Option configures an Engine.
type Option func(*Engine)

func WithMileageProvider(p MileageProvider) Option {
	return func(e *Engine) { e.mileage = p }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock replaces time.Now; tests pin it.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.st.now = now }
}

// WithLocation sets the timezone that decides which day a completion falls on.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.st.loc = loc }
}

func WithEventBus(b *EventBus) Option {
	return func(e *Engine) { e.events = b }
}

func WithMileageTimeout(d time.Duration) Option {
	return func(e *Engine) { e.mileageTimeout = d }
}

// WithEstimatedMiles sets the roundtrip distance used when lookups fail.
func WithEstimatedMiles(miles decimal.Decimal) Option {
	return func(e *Engine) { e.estimatedMiles = generic.RoundMiles(miles) }
}

// NewEngine builds an engine and loads the last snapshot from store.
// A nil store keeps everything in memory.
func NewEngine(ctx context.Context, store PersistenceAdapter, opts ...Option) (*Engine, error) {
	st := &ledgerState{now: time.Now, loc: time.UTC}
	st.reset()

	e := &Engine{
		st:             st,
		store:          store,
		events:         NewEventBus(),
		log:            logrus.StandardLogger(),
		mileageTimeout: DefaultMileageTimeout,
		estimatedMiles: defaultEstimatedMiles,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.mileageTimeout <= 0 {
		e.mileageTimeout = DefaultMileageTimeout
	}

	e.firms = &firmConfigStore{st: st}
	e.periods = &periodAggregator{st: st, firms: e.firms}
	e.tallies = &tallyAggregator{st: st, periods: e.periods}
	e.jobs = &jobLedger{st: st, firms: e.firms, tallies: e.tallies}
	e.analytics = &analyticsEngine{st: st, tallies: e.tallies}

	if store != nil {
		snap, err := store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		st.restore(snap)
		e.log.WithFields(logrus.Fields{
			"module":  "engine",
			"firms":   len(st.firms),
			"jobs":    len(st.jobs),
			"tallies": len(st.tallies),
			"periods": len(st.periods),
		}).Info("billing state loaded")
	}

	return e, nil
}

// Events returns the bus domain events are published on.
func (e *Engine) Events() *EventBus { return e.events }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.st.now() }

// Today returns the current billing day.
func (e *Engine) Today() generic.Date { return e.st.today() }

// mutation is what a write operation reports back to write().
type mutation struct {
	changed bool
	events  []Event
}

// write runs fn under the lock, persists when fn changed state, and
// publishes fn's events after the lock is released.
func (e *Engine) write(ctx context.Context, fn func() (mutation, error)) error {
	e.mu.Lock()
	m, err := fn()
	if err == nil && m.changed {
		e.persistLocked(ctx)
	}
	e.mu.Unlock()

	if err != nil {
		return err
	}
	for _, ev := range m.events {
		e.events.Publish(ev)
	}
	return nil
}

// DefaultPersistTimeout bounds one local save.
const DefaultPersistTimeout = 30 * time.Second

// persistLocked saves the state. The save outlives the caller's context: a
// mutation that is applied in memory is always written, even when the
// request that caused it was cancelled.
func (e *Engine) persistLocked(ctx context.Context) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultPersistTimeout)
	defer cancel()

	if err := e.store.Save(ctx, e.st.snapshot(e.st.now())); err != nil {
		e.log.WithField("module", "engine").WithError(err).Error("failed to persist billing state")
	}
}

// Reset clears every entity and persists the empty state. Used by demo scenarios.
func (e *Engine) Reset(ctx context.Context) error {
	return e.write(ctx, func() (mutation, error) {
		e.st.reset()
		return mutation{changed: true}, nil
	})
}
