package billing

import (
	"context"
	"time"

	"github.com/warp/claims-billing/generic"
)

// =============================================================================
// SNAPSHOT - Persisted document of the four entity maps
// =============================================================================

// Snapshot is the whole engine state as one document. Each map is stored
// as a key-ordered association list and rehydrated into a map on load.
type Snapshot struct {
	FirmConfigs        []generic.Entry[FirmConfig]    `json:"firmConfigs"`
	Jobs               []generic.Entry[Job]           `json:"jobs"`
	DailyTallies       []generic.Entry[DailyTally]    `json:"dailyTallies"`
	FirmBillingPeriods []generic.Entry[BillingPeriod] `json:"firmBillingPeriods"`
	LastSaved          time.Time                      `json:"lastSaved"`
}

// =============================================================================
// PERSISTENCE ADAPTER - Durable storage, called on every mutation
// =============================================================================

// PersistenceAdapter stores snapshots. The engine calls Save after every
// mutation and Load once at construction; adapters never call the engine.
//
// IMPLEMENTATIONS:
//   - store/sqlite: Local SQLite document (authoritative)
//   - store/memory: In-memory, for tests
//   - store/mirror: Local adapter plus fire-and-forget remote copy
type PersistenceAdapter interface {
	// Load returns the last saved snapshot, or nil when nothing was saved yet.
	Load(ctx context.Context) (*Snapshot, error)

	// Save replaces the stored snapshot.
	Save(ctx context.Context, snap Snapshot) error
}

func (s *ledgerState) snapshot(now time.Time) Snapshot {
	jobs := make(map[JobID]Job, len(s.jobs))
	for id, j := range s.jobs {
		jobs[id] = *j.clone()
	}
	tallies := make(map[string]DailyTally, len(s.tallies))
	for date, t := range s.tallies {
		tallies[date] = *t.clone()
	}
	periods := make(map[string]BillingPeriod, len(s.periods))
	for id, p := range s.periods {
		periods[id] = *p.clone()
	}

	return Snapshot{
		FirmConfigs:        generic.ToEntries(s.firms),
		Jobs:               generic.ToEntries(jobs),
		DailyTallies:       generic.ToEntries(tallies),
		FirmBillingPeriods: generic.ToEntries(periods),
		LastSaved:          now,
	}
}

func (s *ledgerState) restore(snap *Snapshot) {
	s.reset()
	if snap == nil {
		return
	}

	s.firms = generic.FromEntries[string](snap.FirmConfigs)
	for _, e := range snap.Jobs {
		j := e.Value
		s.jobs[JobID(e.Key)] = &j
	}
	for _, e := range snap.DailyTallies {
		t := e.Value
		if t.FirmBreakdown == nil {
			t.FirmBreakdown = map[string]FirmDayTotals{}
		}
		s.tallies[e.Key] = &t
	}
	for _, e := range snap.FirmBillingPeriods {
		p := e.Value
		if p.DailyBreakdown == nil {
			p.DailyBreakdown = map[string]PeriodDay{}
		}
		s.periods[e.Key] = &p
	}
	s.rebuildIndex()
}
