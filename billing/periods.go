package billing

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/claims-billing/generic"
)

// =============================================================================
// BILLING PERIOD AGGREGATOR - Per-firm rollup of finalized days
// =============================================================================

// PeriodID is the composite key of a billing period.
func PeriodID(firm string, schedule generic.Schedule, key string) string {
	return firm + "|" + string(schedule) + "|" + key
}

type periodAggregator struct {
	st    *ledgerState
	firms *firmConfigStore
}

// periodSlot is where one firm's day lands.
type periodSlot struct {
	id       string
	key      string
	schedule generic.Schedule
	bounds   generic.Period
}

// locate resolves the period a firm's day belongs to under the firm's
// current schedule.
func (a *periodAggregator) locate(firm string, date generic.Date) (periodSlot, error) {
	cfg, ok := a.firms.get(firm)
	if !ok {
		return periodSlot{}, &UnknownFirmError{FirmName: firm}
	}
	if !cfg.PaymentSchedule.Valid() {
		return periodSlot{}, invalid("payment_schedule", "firm %q has unknown schedule %q", firm, cfg.PaymentSchedule)
	}
	key := cfg.PaymentSchedule.Key(date)
	return periodSlot{
		id:       PeriodID(firm, cfg.PaymentSchedule, key),
		key:      key,
		schedule: cfg.PaymentSchedule,
		bounds:   cfg.PaymentSchedule.PeriodFor(date),
	}, nil
}

// rollUp writes the firm's totals for date into its period. The day entry
// is overwritten, never added to, so repeating a rollup changes nothing.
func (a *periodAggregator) rollUp(firm string, date generic.Date, totals FirmDayTotals) (*BillingPeriod, error) {
	slot, err := a.locate(firm, date)
	if err != nil {
		return nil, err
	}

	now := a.st.now()
	p, ok := a.st.periods[slot.id]
	if !ok {
		p = &BillingPeriod{
			ID:               slot.id,
			FirmName:         firm,
			Schedule:         slot.schedule,
			PeriodIdentifier: slot.key,
			StartDate:        slot.bounds.Start,
			EndDate:          slot.bounds.End,
			DailyBreakdown:   make(map[string]PeriodDay),
			Status:           PeriodPending,
			CreatedAt:        now,
		}
		a.st.periods[slot.id] = p
	}

	p.DailyBreakdown[date.String()] = PeriodDay{
		Jobs:   totals.Jobs,
		Amount: totals.Amount,
		Miles:  totals.Miles,
		JobIDs: cloneIDs(totals.JobIDs),
	}
	p.recomputeTotals()
	p.UpdatedAt = now
	return p, nil
}

func (p *BillingPeriod) recomputeTotals() {
	p.TotalFiles = 0
	p.TotalAmount = decimal.Zero
	p.TotalMiles = decimal.Zero
	for _, day := range p.DailyBreakdown {
		p.TotalFiles += day.Jobs
		p.TotalAmount = p.TotalAmount.Add(day.Amount)
		p.TotalMiles = p.TotalMiles.Add(day.Miles)
	}
}

// list returns a firm's periods, newest first. limit <= 0 means all.
func (a *periodAggregator) list(firm string, limit int) []BillingPeriod {
	var out []BillingPeriod
	for _, p := range a.st.periods {
		if p.FirmName == firm {
			out = append(out, *p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.After(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// current returns, per firm, the period containing today if it exists.
func (a *periodAggregator) current(today generic.Date) []BillingPeriod {
	var out []BillingPeriod
	for _, cfg := range a.firms.list() {
		if !cfg.PaymentSchedule.Valid() {
			continue
		}
		id := PeriodID(cfg.Name, cfg.PaymentSchedule, cfg.PaymentSchedule.Key(today))
		if p, ok := a.st.periods[id]; ok {
			out = append(out, *p.clone())
		}
	}
	return out
}

func (a *periodAggregator) removeFirm(firm string) int {
	n := 0
	for id, p := range a.st.periods {
		if p.FirmName == firm {
			delete(a.st.periods, id)
			n++
		}
	}
	return n
}

// setStatus moves a period forward. It returns the ids of the jobs it
// contains so the caller can stamp them.
func (a *periodAggregator) setStatus(id string, status PeriodStatus) (*BillingPeriod, []JobID, error) {
	p, ok := a.st.periods[id]
	if !ok {
		return nil, nil, nil
	}
	if status.rank() < 0 {
		return nil, nil, invalid("status", "unknown period status %q", status)
	}
	if status.rank() < p.Status.rank() {
		return nil, nil, invalid("status", "cannot move period from %s back to %s", p.Status, status)
	}

	now := a.st.now()
	p.Status = status
	p.UpdatedAt = now
	if status.rank() >= PeriodBilled.rank() && p.BilledAt == nil {
		p.BilledAt = &now
	}
	if status == PeriodPaid && p.PaidAt == nil {
		p.PaidAt = &now
	}

	var ids []JobID
	for _, day := range p.DailyBreakdown {
		ids = append(ids, day.JobIDs...)
	}
	return p.clone(), ids, nil
}

// =============================================================================
// ENGINE OPERATIONS
// =============================================================================

// FirmBillingPeriods lists a firm's periods, start date descending.
func (e *Engine) FirmBillingPeriods(_ context.Context, firm string, limit int) []BillingPeriod {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.periods.list(firm, limit)
}

// CurrentBillingPeriods returns each firm's period for today, when one exists.
func (e *Engine) CurrentBillingPeriods(_ context.Context) []BillingPeriod {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.periods.current(e.st.today())
}

// SetPeriodStatus advances a period through pending -> billed -> paid.
// Billing a period marks its completed jobs billed. Unknown id: nil, nil.
func (e *Engine) SetPeriodStatus(ctx context.Context, id string, status PeriodStatus) (*BillingPeriod, error) {
	var out *BillingPeriod
	err := e.write(ctx, func() (mutation, error) {
		p, jobIDs, err := e.periods.setStatus(id, status)
		if err != nil || p == nil {
			return mutation{}, err
		}
		out = p

		billed := 0
		if status.rank() >= PeriodBilled.rank() {
			now := e.st.now()
			for _, jid := range jobIDs {
				j, ok := e.st.jobs[jid]
				if !ok || j.Status != StatusCompleted {
					continue
				}
				j.Status = StatusBilled
				j.BilledDate = &now
				billed++
			}
		}

		e.log.WithFields(logrus.Fields{
			"module":      "periods",
			"period":      id,
			"status":      status,
			"jobs_billed": billed,
		}).Info("period status changed")
		return mutation{changed: true}, nil
	})
	return out, err
}
