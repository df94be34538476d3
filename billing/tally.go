package billing

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/warp/claims-billing/generic"
)

// =============================================================================
// DAILY TALLY AGGREGATOR - Open -> Finalized
// =============================================================================
//
// An open tally is a view over the jobs completed that day: it is rebuilt
// from a scan whenever a job touching the day changes, and the cached copy
// in ledgerState.tallies is only a convenience for persistence. Finalized
// tallies are frozen and never recomputed.

type tallyAggregator struct {
	st      *ledgerState
	periods *periodAggregator
}

func (a *tallyAggregator) isFinalized(date string) bool {
	if date == "" {
		return false
	}
	t, ok := a.st.tallies[date]
	return ok && t.IsFinalized
}

// compute scans every counted job completed on date.
func (a *tallyAggregator) compute(date generic.Date) *DailyTally {
	key := date.String()

	var jobs []*Job
	for _, j := range a.st.jobs {
		if j.counted() && a.st.dateOf(*j.CompletedDate).String() == key {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool {
		ti, tk := *jobs[i].CompletedDate, *jobs[k].CompletedDate
		if !ti.Equal(tk) {
			return ti.Before(tk)
		}
		return jobs[i].ID < jobs[k].ID
	})

	t := &DailyTally{
		Date:            date,
		FirmBreakdown:   make(map[string]FirmDayTotals),
		CompletedJobIDs: make([]JobID, 0, len(jobs)),
	}
	for _, j := range jobs {
		t.TotalJobs++
		t.TotalEarnings = t.TotalEarnings.Add(j.TotalJobValue)
		t.TotalMiles = t.TotalMiles.Add(j.RoundtripMiles)
		t.CompletedJobIDs = append(t.CompletedJobIDs, j.ID)

		fb := t.FirmBreakdown[j.FirmName]
		fb.Jobs++
		fb.Amount = fb.Amount.Add(j.TotalJobValue)
		fb.Miles = fb.Miles.Add(j.RoundtripMiles)
		fb.JobIDs = append(fb.JobIDs, j.ID)
		t.FirmBreakdown[j.FirmName] = fb
	}
	return t
}

// view returns the stored tally for a finalized day, otherwise a fresh scan.
func (a *tallyAggregator) view(date generic.Date) *DailyTally {
	if t, ok := a.st.tallies[date.String()]; ok && t.IsFinalized {
		return t.clone()
	}
	return a.compute(date)
}

// refresh rebuilds the cached open tally of each day. Days without jobs
// are dropped from the cache; finalized days are left alone.
func (a *tallyAggregator) refresh(dates ...string) {
	for _, key := range dates {
		if key == "" || a.isFinalized(key) {
			continue
		}
		date, err := generic.ParseDate(key)
		if err != nil {
			continue
		}
		t := a.compute(date)
		if t.TotalJobs == 0 {
			delete(a.st.tallies, key)
			continue
		}
		a.st.tallies[key] = t
	}
}

// recordCompletion adds a completed job to its day.
func (a *tallyAggregator) recordCompletion(j *Job) error {
	if j.CompletedDate == nil {
		return invalid("completed_date", "job %s has no completion date", j.ID)
	}
	key := a.st.dateOf(*j.CompletedDate).String()
	if a.isFinalized(key) {
		return &TallyAlreadyFinalizedError{Date: key, JobID: j.ID}
	}
	a.refresh(key)
	return nil
}

// finalize freezes date and rolls each firm's share into its billing period.
// Firms are validated before anything is written, so a failure leaves the
// day open.
func (a *tallyAggregator) finalize(date generic.Date) (FinalizeResult, error) {
	key := date.String()
	if stored, ok := a.st.tallies[key]; ok && stored.IsFinalized {
		return FinalizeResult{
			Tally:            stored.clone(),
			AlreadyFinalized: true,
			Reason:           ReasonAlreadyFinalized,
		}, nil
	}

	t := a.compute(date)
	if t.TotalJobs == 0 {
		return FinalizeResult{Tally: t, Reason: ReasonNothingToFinalize}, nil
	}

	firms := make([]string, 0, len(t.FirmBreakdown))
	for firm := range t.FirmBreakdown {
		if _, err := a.periods.locate(firm, date); err != nil {
			return FinalizeResult{}, err
		}
		firms = append(firms, firm)
	}
	sort.Strings(firms)

	now := a.st.now()
	t.IsFinalized = true
	t.FinalizedAt = &now
	a.st.tallies[key] = t

	periods := make([]BillingPeriod, 0, len(firms))
	for _, firm := range firms {
		p, err := a.periods.rollUp(firm, date, t.FirmBreakdown[firm])
		if err != nil {
			// locate() already succeeded for every firm.
			return FinalizeResult{}, err
		}
		periods = append(periods, *p.clone())
	}

	return FinalizeResult{Tally: t.clone(), Finalized: true, Periods: periods}, nil
}

// openDays lists days before the cutoff with counted jobs that are not finalized.
func (a *tallyAggregator) openDays(before generic.Date) []generic.Date {
	seen := make(map[string]generic.Date)
	for _, j := range a.st.jobs {
		if !j.counted() {
			continue
		}
		d := a.st.dateOf(*j.CompletedDate)
		if !d.Before(before) || a.isFinalized(d.String()) {
			continue
		}
		seen[d.String()] = d
	}

	out := make([]generic.Date, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Before(out[k]) })
	return out
}

// =============================================================================
// ENGINE OPERATIONS
// =============================================================================

// DailyTally returns the tally for date. A day with no jobs yields an
// empty open tally.
func (e *Engine) DailyTally(_ context.Context, date generic.Date) *DailyTally {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tallies.view(date)
}

// CurrentDailyTally returns today's tally in the engine location.
func (e *Engine) CurrentDailyTally(ctx context.Context) *DailyTally {
	return e.DailyTally(ctx, e.Today())
}

// FinalizeDay closes date and rolls it into billing periods. Repeating it
// is a no-op; a day without completed jobs is reported, not failed.
func (e *Engine) FinalizeDay(ctx context.Context, date generic.Date) (*FinalizeResult, error) {
	var res FinalizeResult
	err := e.write(ctx, func() (mutation, error) {
		r, err := e.tallies.finalize(date)
		if err != nil {
			return mutation{}, err
		}
		res = r

		log := e.log.WithFields(logrus.Fields{"module": "tally", "date": date.String()})
		if !r.Finalized {
			log.WithField("reason", r.Reason).Debug("finalize skipped")
			return mutation{}, nil
		}

		log.WithFields(logrus.Fields{
			"jobs":    r.Tally.TotalJobs,
			"total":   generic.FormatCurrency(r.Tally.TotalEarnings),
			"periods": len(r.Periods),
		}).Info("day finalized")

		ev := newEvent(EventDayFinalized, *r.Tally.FinalizedAt, "")
		ev.Tally = r.Tally.clone()
		ev.Periods = r.Periods
		return mutation{changed: true, events: []Event{ev}}, nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// OpenDays lists non-finalized days with completed jobs strictly before the cutoff.
func (e *Engine) OpenDays(_ context.Context, before generic.Date) []generic.Date {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tallies.openDays(before)
}
