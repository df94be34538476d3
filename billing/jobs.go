package billing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/claims-billing/generic"
)

// =============================================================================
// JOB PRICING
// =============================================================================

// recompute derives every computed field from the frozen rate snapshot.
//
//	BillableMiles     = max(0, RoundtripMiles - FreeMileage)
//	MileageAmount     = BillableMiles * MileageRate
//	BaseJobValue      = FileRate
//	TimeExpenseAmount = TimeExpenseHours * TimeExpenseRate
//	TotalJobValue     = BaseJobValue + MileageAmount + TimeExpenseAmount + Adjustments
func (j *Job) recompute() {
	free := decimal.NewFromInt(int64(j.Rates.FreeMileage))
	j.BillableMiles = generic.MaxZero(j.RoundtripMiles.Sub(free))
	j.MileageAmount = j.BillableMiles.Mul(j.Rates.MileageRate)
	j.BaseJobValue = j.Rates.FileRate
	j.TimeExpenseAmount = j.TimeExpenseHours.Mul(j.Rates.TimeExpenseRate)
	j.TotalJobValue = generic.Sum(j.BaseJobValue, j.MileageAmount, j.TimeExpenseAmount, j.Adjustments)
}

// counted reports whether the job belongs to a daily tally.
func (j *Job) counted() bool {
	return j.CompletedDate != nil && (j.Status == StatusCompleted || j.Status == StatusBilled)
}

// contribution is what a job adds to its day. Two equal contributions
// leave every tally and period unchanged.
type contribution struct {
	counted bool
	date    string
	firm    string
	amount  decimal.Decimal
	miles   decimal.Decimal
}

func (c contribution) equal(o contribution) bool {
	if !c.counted && !o.counted {
		return true
	}
	return c.counted == o.counted &&
		c.date == o.date &&
		c.firm == o.firm &&
		c.amount.Equal(o.amount) &&
		c.miles.Equal(o.miles)
}

// =============================================================================
// JOB LEDGER - Create, update, complete, remove
// =============================================================================

type jobLedger struct {
	st      *ledgerState
	firms   *firmConfigStore
	tallies *tallyAggregator
}

func (l *jobLedger) contributionOf(j *Job) contribution {
	if !j.counted() {
		return contribution{}
	}
	return contribution{
		counted: true,
		date:    l.st.dateOf(*j.CompletedDate).String(),
		firm:    j.FirmName,
		amount:  j.TotalJobValue,
		miles:   j.RoundtripMiles,
	}
}

// guard rejects a change that would alter a finalized day, either the day
// the job currently counts towards or the day it would move to.
func (l *jobLedger) guard(before, after *Job) error {
	b, a := l.contributionOf(before), l.contributionOf(after)
	if b.equal(a) {
		return nil
	}
	for _, c := range []contribution{b, a} {
		if c.counted && l.tallies.isFinalized(c.date) {
			return &TallyAlreadyFinalizedError{Date: c.date, JobID: before.ID}
		}
	}
	return nil
}

func (l *jobLedger) create(in CreateJobInput, m Mileage) (*Job, error) {
	cfg, ok := l.firms.get(in.FirmName)
	if !ok {
		return nil, &UnknownFirmError{FirmName: in.FirmName}
	}

	now := l.st.now()
	job := &Job{
		ID:               l.newJobID(cfg.Name, in.ClaimNumber, now.UnixMilli()),
		FirmName:         cfg.Name,
		ClaimNumber:      strings.TrimSpace(in.ClaimNumber),
		OriginAddress:    in.OriginAddress,
		ClaimAddress:     in.ClaimAddress,
		Description:      in.Description,
		ScheduledDate:    in.ScheduledDate,
		RoundtripMiles:   m.Miles,
		MileageEstimated: m.Estimated,
		RouteDetails:     m.RouteDetails,
		Rates:            cfg.Rates(),
		Status:           StatusScheduled,
		CreatedDate:      now,
	}
	job.recompute()

	l.st.jobs[job.ID] = job
	l.st.jobsByFirm[job.FirmName]++
	return job.clone(), nil
}

// newJobID derives <PREFIX>-<claim>-<millis>, suffixed until unique.
func (l *jobLedger) newJobID(firm, claim string, millis int64) JobID {
	base := fmt.Sprintf("%s-%s-%d", firmPrefix(firm), strings.Join(strings.Fields(claim), "_"), millis)
	id := JobID(base)
	for n := 2; ; n++ {
		if _, taken := l.st.jobs[id]; !taken {
			return id
		}
		id = JobID(fmt.Sprintf("%s-%d", base, n))
	}
}

func firmPrefix(name string) string {
	var b strings.Builder
	n := 0
	for _, r := range strings.ToUpper(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			if n++; n == 3 {
				break
			}
		}
	}
	if n == 0 {
		return "JOB"
	}
	return b.String()
}

func (l *jobLedger) applyPatch(j *Job, p JobPatch) error {
	if p.TimeExpenseHours != nil && p.TimeExpenseHours.IsNegative() {
		return invalid("time_expense_hours", "must be non-negative")
	}
	if p.Status != nil && !p.Status.Valid() {
		return invalid("status", "unknown status %q", *p.Status)
	}

	if p.Adjustments != nil {
		j.Adjustments = *p.Adjustments
	}
	if p.TimeExpenseHours != nil {
		j.TimeExpenseHours = *p.TimeExpenseHours
	}
	if p.Description != nil {
		j.Description = *p.Description
	}
	if p.ScheduledDate != nil {
		d := *p.ScheduledDate
		j.ScheduledDate = &d
	}
	if p.CompletedDate != nil {
		t := *p.CompletedDate
		j.CompletedDate = &t
	}
	if p.Status != nil {
		now := l.st.now()
		j.Status = *p.Status
		switch j.Status {
		case StatusCompleted:
			if j.CompletedDate == nil {
				j.CompletedDate = &now
			}
			j.BilledDate = nil
		case StatusBilled:
			if j.CompletedDate == nil {
				j.CompletedDate = &now
			}
			if j.BilledDate == nil {
				j.BilledDate = &now
			}
		default:
			j.BilledDate = nil
		}
	}
	return nil
}

func (l *jobLedger) update(id JobID, p JobPatch) (*Job, error) {
	job, ok := l.st.jobs[id]
	if !ok {
		return nil, nil
	}

	next := job.clone()
	if err := l.applyPatch(next, p); err != nil {
		return nil, err
	}
	next.recompute()
	if err := l.guard(job, next); err != nil {
		return nil, err
	}

	before := l.contributionOf(job)
	*job = *next
	after := l.contributionOf(job)
	if !before.equal(after) {
		l.tallies.refresh(before.date, after.date)
	}
	return job.clone(), nil
}

func (l *jobLedger) complete(id JobID, in CompletionInput) (*Job, error) {
	job, ok := l.st.jobs[id]
	if !ok {
		return nil, nil
	}
	if job.Status == StatusBilled {
		return nil, invalid("status", "job %s is already billed", id)
	}
	if in.TimeExpenseHours != nil && in.TimeExpenseHours.IsNegative() {
		return nil, invalid("time_expense_hours", "must be non-negative")
	}

	at := l.st.now()
	if in.CompletedAt != nil {
		at = *in.CompletedAt
	}

	next := job.clone()
	next.Status = StatusCompleted
	next.CompletedDate = &at
	if in.Adjustments != nil {
		next.Adjustments = *in.Adjustments
	}
	if in.TimeExpenseHours != nil {
		next.TimeExpenseHours = *in.TimeExpenseHours
	}
	if in.Description != nil {
		next.Description = *in.Description
	}
	next.recompute()
	if err := l.guard(job, next); err != nil {
		return nil, err
	}

	before := l.contributionOf(job)
	*job = *next
	after := l.contributionOf(job)

	// An unchanged job on a closed day needs no recording.
	if !l.tallies.isFinalized(after.date) {
		if err := l.tallies.recordCompletion(job); err != nil {
			return nil, err
		}
	}
	if before.counted && before.date != after.date {
		l.tallies.refresh(before.date)
	}
	return job.clone(), nil
}

func (l *jobLedger) remove(id JobID) (bool, error) {
	job, ok := l.st.jobs[id]
	if !ok {
		return false, nil
	}
	c := l.contributionOf(job)
	if c.counted && l.tallies.isFinalized(c.date) {
		return false, &TallyAlreadyFinalizedError{Date: c.date, JobID: id}
	}

	delete(l.st.jobs, id)
	if l.st.jobsByFirm[job.FirmName]--; l.st.jobsByFirm[job.FirmName] <= 0 {
		delete(l.st.jobsByFirm, job.FirmName)
	}
	l.tallies.refresh(c.date)
	return true, nil
}

func (l *jobLedger) list(f JobFilter) []Job {
	var out []Job
	for _, j := range l.st.jobs {
		if f.FirmName != "" && j.FirmName != f.FirmName {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if !f.CompletedFrom.IsZero() || !f.CompletedTo.IsZero() {
			if j.CompletedDate == nil {
				continue
			}
			d := l.st.dateOf(*j.CompletedDate)
			if !f.CompletedFrom.IsZero() && d.Before(f.CompletedFrom) {
				continue
			}
			if !f.CompletedTo.IsZero() && d.After(f.CompletedTo) {
				continue
			}
		}
		out = append(out, *j.clone())
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedDate.Equal(out[b].CreatedDate) {
			return out[a].CreatedDate.Before(out[b].CreatedDate)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// =============================================================================
// ENGINE OPERATIONS
// =============================================================================

// CreateJob prices a new job for an existing firm. Mileage comes from
// in.Mileage when given, otherwise from the provider; a failed lookup
// falls back to the estimate and is only logged.
func (e *Engine) CreateJob(ctx context.Context, in CreateJobInput) (*Job, error) {
	in.FirmName = strings.TrimSpace(in.FirmName)
	if in.FirmName == "" {
		return nil, invalid("firm_name", "required")
	}
	if strings.TrimSpace(in.ClaimNumber) == "" {
		return nil, invalid("claim_number", "required")
	}
	if e.GetFirmConfig(ctx, in.FirmName) == nil {
		return nil, &UnknownFirmError{FirmName: in.FirmName}
	}

	m, err := e.resolveMileage(ctx, in)
	if err != nil {
		return nil, err
	}

	var job *Job
	err = e.write(ctx, func() (mutation, error) {
		created, err := e.jobs.create(in, m)
		if err != nil {
			return mutation{}, err
		}
		job = created

		e.log.WithFields(logrus.Fields{
			"module":    "jobs",
			"job":       job.ID,
			"firm":      job.FirmName,
			"miles":     job.RoundtripMiles.String(),
			"estimated": job.MileageEstimated,
			"total":     generic.FormatCurrency(job.TotalJobValue),
		}).Info("job created")

		ev := newEvent(EventJobCreated, job.CreatedDate, job.FirmName)
		ev.Job = job.clone()
		return mutation{changed: true, events: []Event{ev}}, nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJob applies an allow-listed patch. Unknown id: nil, nil.
func (e *Engine) UpdateJob(ctx context.Context, id JobID, p JobPatch) (*Job, error) {
	var job *Job
	err := e.write(ctx, func() (mutation, error) {
		updated, err := e.jobs.update(id, p)
		if err != nil || updated == nil {
			return mutation{}, err
		}
		job = updated
		return mutation{changed: true}, nil
	})
	return job, err
}

// CompleteJob marks a job completed and records it on its day's tally.
// Unknown id: nil, nil.
func (e *Engine) CompleteJob(ctx context.Context, id JobID, in CompletionInput) (*Job, error) {
	var job *Job
	err := e.write(ctx, func() (mutation, error) {
		completed, err := e.jobs.complete(id, in)
		if err != nil || completed == nil {
			return mutation{}, err
		}
		job = completed

		e.log.WithFields(logrus.Fields{
			"module": "jobs",
			"job":    job.ID,
			"firm":   job.FirmName,
			"date":   e.st.dateOf(*job.CompletedDate).String(),
			"total":  generic.FormatCurrency(job.TotalJobValue),
		}).Info("job completed")

		ev := newEvent(EventJobCompleted, *job.CompletedDate, job.FirmName)
		ev.Job = job.clone()
		return mutation{changed: true, events: []Event{ev}}, nil
	})
	return job, err
}

// DeleteJob removes a job that has not fed a finalized day.
func (e *Engine) DeleteJob(ctx context.Context, id JobID) (bool, error) {
	var deleted bool
	err := e.write(ctx, func() (mutation, error) {
		ok, err := e.jobs.remove(id)
		if err != nil || !ok {
			return mutation{}, err
		}
		deleted = true
		return mutation{changed: true}, nil
	})
	return deleted, err
}

func (e *Engine) GetJob(_ context.Context, id JobID) *Job {
	e.mu.RLock()
	defer e.mu.RUnlock()
	j, ok := e.st.jobs[id]
	if !ok {
		return nil
	}
	return j.clone()
}

func (e *Engine) ListJobs(_ context.Context, f JobFilter) []Job {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.jobs.list(f)
}
