/*
Package billing implements the job billing and aggregation engine.

PURPOSE:
  Tracks per-claim billing for field insurance adjusters. Firms define rate
  contracts; jobs are priced from a frozen snapshot of those rates; completed
  jobs roll into daily tallies; finalized days roll into firm-specific
  billing periods; analytics read the daily history.

KEY CONCEPTS IN THIS FILE (types.go):
  - FirmConfig:    A firm's rate contract and payment schedule
  - Job:           One claim, priced from a RateSnapshot taken at creation
  - DailyTally:    Per-day summary of completed jobs (open or finalized)
  - BillingPeriod: Per-firm, schedule-aligned rollup of finalized days

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for every amount and mileage
  2. Frozen rates: editing a firm never reprices existing jobs
  3. Derived views: open tallies are recomputed from jobs, never trusted
  4. Idempotent rollups: period totals are sums over a day-keyed map

DATA FLOW:
  MileageProvider + FirmConfigStore -> JobLedger -> DailyTallyAggregator
    -> BillingPeriodAggregator
  DailyTallyAggregator -> AnalyticsEngine

SEE ALSO:
  - engine.go:    Service object and public operations
  - jobs.go:      Job pricing and lifecycle
  - tally.go:     Daily tallies and finalization
  - periods.go:   Billing period rollups
  - analytics.go: Rolling-window earnings statistics
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/claims-billing/generic"
)

// =============================================================================
// FIRM CONFIG - Rate contract
// =============================================================================

// ContactInfo is the firm's billing contact.
type ContactInfo struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// FirmConfig is a firm's rate contract. Name is the unique key.
type FirmConfig struct {
	Name            string           `json:"name"`
	FileRate        decimal.Decimal  `json:"fileRate"`
	MileageRate     decimal.Decimal  `json:"mileageRate"`
	FreeMileage     int              `json:"freeMileage"`
	TimeExpenseRate decimal.Decimal  `json:"timeExpenseRate"`
	PaymentSchedule generic.Schedule `json:"paymentSchedule"`
	PaymentDay      string           `json:"paymentDay,omitempty"`
	Contact         ContactInfo      `json:"contact"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Rates returns the snapshot frozen onto new jobs.
func (f FirmConfig) Rates() RateSnapshot {
	return RateSnapshot{
		FileRate:        f.FileRate,
		MileageRate:     f.MileageRate,
		FreeMileage:     f.FreeMileage,
		TimeExpenseRate: f.TimeExpenseRate,
	}
}

// FirmConfigInput creates or partially updates a FirmConfig.
// Nil fields are left untouched on update.
type FirmConfigInput struct {
	Name            string
	FileRate        *decimal.Decimal
	MileageRate     *decimal.Decimal
	FreeMileage     *int
	TimeExpenseRate *decimal.Decimal
	PaymentSchedule *string
	PaymentDay      *string
	Contact         *ContactInfo
}

// =============================================================================
// JOB - One claim
// =============================================================================

type JobID string

type JobStatus string

const (
	StatusScheduled  JobStatus = "scheduled"
	StatusInProgress JobStatus = "in-progress"
	StatusCompleted  JobStatus = "completed"
	StatusBilled     JobStatus = "billed"
)

func (s JobStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusBilled:
		return true
	}
	return false
}

// RateSnapshot is a copy of the firm's rates taken when the job was created.
type RateSnapshot struct {
	FileRate        decimal.Decimal `json:"fileRate"`
	MileageRate     decimal.Decimal `json:"mileageRate"`
	FreeMileage     int             `json:"freeMileage"`
	TimeExpenseRate decimal.Decimal `json:"timeExpenseRate"`
}

// Job is a single claim inspection.
//
// INVARIANT (after every mutation):
//
//	TotalJobValue = BaseJobValue + MileageAmount + TimeExpenseAmount + Adjustments
type Job struct {
	ID            JobID         `json:"id"`
	FirmName      string        `json:"firmName"`
	ClaimNumber   string        `json:"claimNumber"`
	OriginAddress string        `json:"originAddress,omitempty"`
	ClaimAddress  string        `json:"claimAddress,omitempty"`
	Description   string        `json:"description,omitempty"`
	ScheduledDate *generic.Date `json:"scheduledDate,omitempty"`

	RoundtripMiles   decimal.Decimal `json:"roundtripMiles"`
	MileageEstimated bool            `json:"mileageEstimated"`
	RouteDetails     string          `json:"routeDetails,omitempty"`

	Rates RateSnapshot `json:"rates"`

	BillableMiles     decimal.Decimal `json:"billableMiles"`
	MileageAmount     decimal.Decimal `json:"mileageAmount"`
	BaseJobValue      decimal.Decimal `json:"baseJobValue"`
	TimeExpenseHours  decimal.Decimal `json:"timeExpenseHours"`
	TimeExpenseAmount decimal.Decimal `json:"timeExpenseAmount"`
	Adjustments       decimal.Decimal `json:"adjustments"`
	TotalJobValue     decimal.Decimal `json:"totalJobValue"`

	Status        JobStatus  `json:"status"`
	CreatedDate   time.Time  `json:"createdDate"`
	CompletedDate *time.Time `json:"completedDate,omitempty"`
	BilledDate    *time.Time `json:"billedDate,omitempty"`
}

// Mileage is a resolved (or estimated) roundtrip distance.
type Mileage struct {
	Miles        decimal.Decimal `json:"miles"`
	RouteDetails string          `json:"routeDetails,omitempty"`
	Estimated    bool            `json:"estimated,omitempty"`
}

// CreateJobInput is the input to CreateJob. A non-nil Mileage skips the provider.
type CreateJobInput struct {
	FirmName      string
	ClaimNumber   string
	OriginAddress string
	ClaimAddress  string
	Description   string
	ScheduledDate *generic.Date
	Mileage       *Mileage
}

// JobPatch is the allow-list of fields UpdateJob may change.
type JobPatch struct {
	Adjustments      *decimal.Decimal
	Status           *JobStatus
	TimeExpenseHours *decimal.Decimal
	Description      *string
	CompletedDate    *time.Time
	ScheduledDate    *generic.Date
}

// CompletionInput carries the final values applied by CompleteJob.
type CompletionInput struct {
	CompletedAt      *time.Time
	Adjustments      *decimal.Decimal
	TimeExpenseHours *decimal.Decimal
	Description      *string
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	FirmName      string
	Status        JobStatus
	CompletedFrom generic.Date
	CompletedTo   generic.Date
}

// =============================================================================
// DAILY TALLY - Per-day summary
// =============================================================================

// FirmDayTotals is one firm's share of a day.
type FirmDayTotals struct {
	Jobs   int             `json:"jobs"`
	Amount decimal.Decimal `json:"amount"`
	Miles  decimal.Decimal `json:"miles"`
	JobIDs []JobID         `json:"jobIds"`
}

// DailyTally summarizes the jobs completed on one calendar day.
// Open tallies are recomputed from jobs; finalized ones are frozen.
type DailyTally struct {
	Date            generic.Date             `json:"date"`
	TotalEarnings   decimal.Decimal          `json:"totalEarnings"`
	TotalMiles      decimal.Decimal          `json:"totalMiles"`
	TotalJobs       int                      `json:"totalJobs"`
	FirmBreakdown   map[string]FirmDayTotals `json:"firmBreakdown"`
	CompletedJobIDs []JobID                  `json:"completedJobIds"`
	IsFinalized     bool                     `json:"isFinalized"`
	FinalizedAt     *time.Time               `json:"finalizedAt,omitempty"`
}

// ReasonNothingToFinalize is reported when a day has no completed jobs.
const ReasonNothingToFinalize = "nothing to finalize"

// ReasonAlreadyFinalized is reported when FinalizeDay is repeated.
const ReasonAlreadyFinalized = "already finalized"

// FinalizeResult is the outcome of FinalizeDay.
type FinalizeResult struct {
	Tally            *DailyTally
	Finalized        bool // true only when this call closed the day
	AlreadyFinalized bool
	Reason           string
	Periods          []BillingPeriod // periods touched by this call
}

// =============================================================================
// BILLING PERIOD - Per-firm rollup of finalized days
// =============================================================================

type PeriodStatus string

const (
	PeriodPending PeriodStatus = "pending"
	PeriodBilled  PeriodStatus = "billed"
	PeriodPaid    PeriodStatus = "paid"
)

func (s PeriodStatus) rank() int {
	switch s {
	case PeriodPending:
		return 0
	case PeriodBilled:
		return 1
	case PeriodPaid:
		return 2
	}
	return -1
}

// PeriodDay is one finalized day inside a billing period.
type PeriodDay struct {
	Jobs   int             `json:"jobs"`
	Amount decimal.Decimal `json:"amount"`
	Miles  decimal.Decimal `json:"miles"`
	JobIDs []JobID         `json:"jobIds"`
}

// BillingPeriod aggregates one firm's finalized days for one schedule period.
//
// INVARIANT: TotalAmount = sum of DailyBreakdown[*].Amount (same for files, miles).
type BillingPeriod struct {
	ID               string               `json:"id"`
	FirmName         string               `json:"firmName"`
	Schedule         generic.Schedule     `json:"paymentSchedule"`
	PeriodIdentifier string               `json:"periodIdentifier"`
	StartDate        generic.Date         `json:"startDate"`
	EndDate          generic.Date         `json:"endDate"`
	TotalFiles       int                  `json:"totalFiles"`
	TotalAmount      decimal.Decimal      `json:"totalAmount"`
	TotalMiles       decimal.Decimal      `json:"totalMiles"`
	DailyBreakdown   map[string]PeriodDay `json:"dailyBreakdown"`
	Status           PeriodStatus         `json:"status"`
	CreatedAt        time.Time            `json:"createdAt"`
	UpdatedAt        time.Time            `json:"updatedAt"`
	BilledAt         *time.Time           `json:"billedAt,omitempty"`
	PaidAt           *time.Time           `json:"paidAt,omitempty"`
}

// =============================================================================
// CLONING - Callers never get pointers into engine state
// =============================================================================

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneIDs(ids []JobID) []JobID {
	if ids == nil {
		return nil
	}
	return append([]JobID(nil), ids...)
}

func (j *Job) clone() *Job {
	c := *j
	if j.ScheduledDate != nil {
		d := *j.ScheduledDate
		c.ScheduledDate = &d
	}
	c.CompletedDate = cloneTime(j.CompletedDate)
	c.BilledDate = cloneTime(j.BilledDate)
	return &c
}

func (t *DailyTally) clone() *DailyTally {
	c := *t
	c.FirmBreakdown = make(map[string]FirmDayTotals, len(t.FirmBreakdown))
	for firm, totals := range t.FirmBreakdown {
		totals.JobIDs = cloneIDs(totals.JobIDs)
		c.FirmBreakdown[firm] = totals
	}
	c.CompletedJobIDs = cloneIDs(t.CompletedJobIDs)
	c.FinalizedAt = cloneTime(t.FinalizedAt)
	return &c
}

func (p *BillingPeriod) clone() *BillingPeriod {
	c := *p
	c.DailyBreakdown = make(map[string]PeriodDay, len(p.DailyBreakdown))
	for date, day := range p.DailyBreakdown {
		day.JobIDs = cloneIDs(day.JobIDs)
		c.DailyBreakdown[date] = day
	}
	c.BilledAt = cloneTime(p.BilledAt)
	c.PaidAt = cloneTime(p.PaidAt)
	return &c
}
