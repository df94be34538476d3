package billing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/claims-billing/billing"
	"github.com/warp/claims-billing/generic"
	"github.com/warp/claims-billing/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var jan10 = time.Date(2025, time.January, 10, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	engine *billing.Engine
	store  *memory.Store
	hook   *test.Hook
	now    time.Time
}

func newTestEnv(t *testing.T, opts ...billing.Option) *testEnv {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	env := &testEnv{store: memory.New(), hook: hook, now: jan10}
	base := []billing.Option{
		billing.WithLogger(logger),
		billing.WithClock(func() time.Time { return env.now }),
	}
	e, err := billing.NewEngine(context.Background(), env.store, append(base, opts...)...)
	require.NoError(t, err)
	env.engine = e
	return env
}

func dec(s string) decimal.Decimal { return generic.MustParseDecimal(s) }

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func intp(n int) *int       { return &n }
func strp(s string) *string { return &s }

func at(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func assertJobInvariant(t *testing.T, j *billing.Job) {
	t.Helper()
	sum := j.BaseJobValue.Add(j.MileageAmount).Add(j.TimeExpenseAmount).Add(j.Adjustments)
	assert.True(t, sum.Equal(j.TotalJobValue), "total %s != parts %s", j.TotalJobValue, sum)

	billable := j.RoundtripMiles.Sub(decimal.NewFromInt(int64(j.Rates.FreeMileage)))
	if billable.IsNegative() {
		billable = decimal.Zero
	}
	assert.True(t, billable.Equal(j.BillableMiles), "billable miles")
	assert.True(t, billable.Mul(j.Rates.MileageRate).Equal(j.MileageAmount), "mileage amount")
}

func addAcme(t *testing.T, e *billing.Engine) {
	t.Helper()
	_, err := e.AddFirmConfig(context.Background(), billing.FirmConfigInput{
		Name:        "Acme",
		FileRate:    decp("150"),
		MileageRate: decp("0.67"),
		FreeMileage: intp(25),
	})
	require.NoError(t, err)
}

func addFirm(t *testing.T, e *billing.Engine, name, fileRate, schedule string) {
	t.Helper()
	_, err := e.AddFirmConfig(context.Background(), billing.FirmConfigInput{
		Name:            name,
		FileRate:        decp(fileRate),
		MileageRate:     decp("0"),
		PaymentSchedule: strp(schedule),
	})
	require.NoError(t, err)
}

func createJob(t *testing.T, e *billing.Engine, firm, claim, miles string) *billing.Job {
	t.Helper()
	job, err := e.CreateJob(context.Background(), billing.CreateJobInput{
		FirmName:      firm,
		ClaimNumber:   claim,
		OriginAddress: "1 Main St",
		ClaimAddress:  "99 Elm St",
		Mileage:       &billing.Mileage{Miles: dec(miles)},
	})
	require.NoError(t, err)
	return job
}

func completeOn(t *testing.T, e *billing.Engine, id billing.JobID, when string) *billing.Job {
	t.Helper()
	job, err := e.CompleteJob(context.Background(), id, billing.CompletionInput{CompletedAt: at(when)})
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

// =============================================================================
// FIRM CONFIG TESTS
// =============================================================================

func TestAddFirmConfig_DefaultsAndMerge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)

	cfg := env.engine.GetFirmConfig(ctx, "Acme")
	require.NotNil(t, cfg)
	assert.Equal(t, generic.ScheduleWeekly, cfg.PaymentSchedule)
	assertDecimal(t, "0", cfg.TimeExpenseRate)

	// Partial update keeps the other fields.
	_, err := env.engine.AddFirmConfig(ctx, billing.FirmConfigInput{Name: "Acme", PaymentSchedule: strp("monthly")})
	require.NoError(t, err)

	cfg = env.engine.GetFirmConfig(ctx, "Acme")
	assert.Equal(t, generic.ScheduleMonthly, cfg.PaymentSchedule)
	assertDecimal(t, "150", cfg.FileRate)
	assert.Equal(t, 25, cfg.FreeMileage)
}

func TestAddFirmConfig_RejectsNegativeRate(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.AddFirmConfig(context.Background(), billing.FirmConfigInput{
		Name:        "Acme",
		FileRate:    decp("-1"),
		MileageRate: decp("0.5"),
	})

	var vErr *billing.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "file_rate", vErr.Field)
	assert.True(t, billing.IsClientError(err))
	assert.Nil(t, env.engine.GetFirmConfig(context.Background(), "Acme"))
}

func TestAddFirmConfig_RejectsUnknownSchedule(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.AddFirmConfig(context.Background(), billing.FirmConfigInput{
		Name:            "Acme",
		FileRate:        decp("100"),
		MileageRate:     decp("0.5"),
		PaymentSchedule: strp("quarterly"),
	})
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestUpdateFirmConfig_UnknownReturnsNil(t *testing.T) {
	env := newTestEnv(t)

	cfg, err := env.engine.UpdateFirmConfig(context.Background(), "Nobody", billing.FirmConfigInput{FileRate: decp("1")})
	assert.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestDeleteFirmConfig_BlockedByJobs(t *testing.T) {
	// GIVEN: A firm with one scheduled job
	// WHEN: Deleting the firm
	// THEN: Refused with the blocking job count; allowed once the job is gone

	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)
	job := createJob(t, env.engine, "Acme", "CLM-1", "45")

	deleted, err := env.engine.DeleteFirmConfig(ctx, "Acme")
	assert.False(t, deleted)
	var refErr *billing.ReferentialIntegrityError
	require.ErrorAs(t, err, &refErr)
	assert.Equal(t, 1, refErr.JobCount)
	assert.True(t, billing.IsConflict(err))

	var warned bool
	for _, entry := range env.hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Data["blocking_jobs"] == 1 {
			warned = true
		}
	}
	assert.True(t, warned, "blocked deletion should be logged with the job count")

	ok, err := env.engine.DeleteJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	deleted, err = env.engine.DeleteFirmConfig(ctx, "Acme")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Empty(t, env.engine.ListFirmConfigs(ctx))
}

func TestDeleteFirmConfig_FinalizedJobsKeepFirmReferenced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)
	job := createJob(t, env.engine, "Acme", "CLM-1", "45")
	completeOn(t, env.engine, job.ID, "2025-01-10T14:00:00Z")
	_, err := env.engine.FinalizeDay(ctx, generic.MustParseDate("2025-01-10"))
	require.NoError(t, err)
	require.Len(t, env.engine.FirmBillingPeriods(ctx, "Acme", 0), 1)

	// A finalized job cannot be deleted, so the firm stays referenced.
	_, err = env.engine.DeleteJob(ctx, job.ID)
	assert.ErrorIs(t, err, billing.ErrTallyFinalized)

	deleted, err := env.engine.DeleteFirmConfig(ctx, "Acme")
	assert.False(t, deleted)
	assert.ErrorIs(t, err, billing.ErrReferentialIntegrity)
	assert.Len(t, env.engine.FirmBillingPeriods(ctx, "Acme", 0), 1)
}

// =============================================================================
// JOB PRICING TESTS
// =============================================================================

func TestCreateJob_PricesFromFirmRates(t *testing.T) {
	// GIVEN: Acme pays 150/file, 0.67/mile after 25 free miles
	// WHEN: A 45 mile roundtrip job is created
	// THEN: 20 billable miles, 13.40 mileage, 163.40 total

	env := newTestEnv(t)
	addAcme(t, env.engine)

	job := createJob(t, env.engine, "Acme", "CLM-1", "45")

	assertDecimal(t, "20", job.BillableMiles)
	assertDecimal(t, "13.40", job.MileageAmount)
	assertDecimal(t, "150", job.BaseJobValue)
	assertDecimal(t, "163.40", job.TotalJobValue)
	assert.Equal(t, billing.StatusScheduled, job.Status)
	assert.Equal(t, billing.JobID(fmt.Sprintf("ACM-CLM-1-%d", jan10.UnixMilli())), job.ID)
	assertJobInvariant(t, job)
}

func TestCreateJob_UniqueIDsForSameClaim(t *testing.T) {
	env := newTestEnv(t)
	addAcme(t, env.engine)

	a := createJob(t, env.engine, "Acme", "CLM-1", "45")
	b := createJob(t, env.engine, "Acme", "CLM-1", "45")

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.ID+"-2", b.ID)
}

func TestCreateJob_FreeMileageCoversTrip(t *testing.T) {
	env := newTestEnv(t)
	addAcme(t, env.engine)

	job := createJob(t, env.engine, "Acme", "CLM-1", "10")

	assertDecimal(t, "0", job.BillableMiles)
	assertDecimal(t, "0", job.MileageAmount)
	assertDecimal(t, "150", job.TotalJobValue)
}

func TestCreateJob_UnknownFirm(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.CreateJob(context.Background(), billing.CreateJobInput{FirmName: "Ghost", ClaimNumber: "C-1"})

	var ufErr *billing.UnknownFirmError
	require.ErrorAs(t, err, &ufErr)
	assert.Equal(t, "Ghost", ufErr.FirmName)
	assert.Empty(t, env.engine.ListJobs(context.Background(), billing.JobFilter{}))
}

func TestCreateJob_MissingClaimNumber(t *testing.T) {
	env := newTestEnv(t)
	addAcme(t, env.engine)

	_, err := env.engine.CreateJob(context.Background(), billing.CreateJobInput{FirmName: "Acme"})
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestCreateJob_MileageProviderFailure_FallsBackToEstimate(t *testing.T) {
	// GIVEN: A mileage provider that always fails
	// WHEN: A job is created without pre-supplied mileage
	// THEN: The job is created with the 50 mile estimate and a warning is logged

	failing := billing.MileageProviderFunc(func(context.Context, string, string) (billing.Mileage, error) {
		return billing.Mileage{}, errors.New("route service down")
	})
	env := newTestEnv(t, billing.WithMileageProvider(failing))
	addAcme(t, env.engine)

	job, err := env.engine.CreateJob(context.Background(), billing.CreateJobInput{
		FirmName:      "Acme",
		ClaimNumber:   "CLM-9",
		OriginAddress: "A",
		ClaimAddress:  "B",
	})
	require.NoError(t, err)

	assert.True(t, job.MileageEstimated)
	assertDecimal(t, "50", job.RoundtripMiles)
	assertDecimal(t, "166.75", job.TotalJobValue)

	var entry *logrus.Entry
	for _, e := range env.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["module"] == "mileage" {
			entry = e
		}
	}
	require.NotNil(t, entry, "fallback should be logged")
	err, _ = entry.Data[logrus.ErrorKey].(error)
	assert.ErrorIs(t, err, billing.ErrMileageResolution)
}

func TestCreateJob_MileageProviderTimeout_FallsBackToEstimate(t *testing.T) {
	slow := billing.MileageProviderFunc(func(ctx context.Context, _, _ string) (billing.Mileage, error) {
		<-ctx.Done()
		return billing.Mileage{}, ctx.Err()
	})
	env := newTestEnv(t,
		billing.WithMileageProvider(slow),
		billing.WithMileageTimeout(10*time.Millisecond),
		billing.WithEstimatedMiles(dec("30")),
	)
	addAcme(t, env.engine)

	job, err := env.engine.CreateJob(context.Background(), billing.CreateJobInput{FirmName: "Acme", ClaimNumber: "C-1"})
	require.NoError(t, err)
	assert.True(t, job.MileageEstimated)
	assertDecimal(t, "30", job.RoundtripMiles)
}

func TestCreateJob_ProviderMilesRoundedToCents(t *testing.T) {
	provider := billing.MileageProviderFunc(func(context.Context, string, string) (billing.Mileage, error) {
		return billing.Mileage{Miles: dec("44.999"), RouteDetails: "via I-95"}, nil
	})
	env := newTestEnv(t, billing.WithMileageProvider(provider))
	addAcme(t, env.engine)

	job, err := env.engine.CreateJob(context.Background(), billing.CreateJobInput{FirmName: "Acme", ClaimNumber: "C-1"})
	require.NoError(t, err)

	assert.False(t, job.MileageEstimated)
	assertDecimal(t, "45", job.RoundtripMiles)
	assert.Equal(t, "via I-95", job.RouteDetails)
	assertDecimal(t, "163.40", job.TotalJobValue)
}

func TestFirmRateChange_DoesNotRepriceExistingJobs(t *testing.T) {
	// GIVEN: A job priced at 150/file
	// WHEN: The firm raises its file rate to 200
	// THEN: The existing job keeps 150; a new job gets 200

	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)
	old := createJob(t, env.engine, "Acme", "CLM-1", "45")

	_, err := env.engine.UpdateFirmConfig(ctx, "Acme", billing.FirmConfigInput{FileRate: decp("200")})
	require.NoError(t, err)

	updated, err := env.engine.UpdateJob(ctx, old.ID, billing.JobPatch{Adjustments: decp("10")})
	require.NoError(t, err)
	assertDecimal(t, "150", updated.BaseJobValue)
	assertDecimal(t, "173.40", updated.TotalJobValue)

	fresh := createJob(t, env.engine, "Acme", "CLM-2", "45")
	assertDecimal(t, "200", fresh.BaseJobValue)
}

func TestUpdateJob_TimeExpenseUsesFrozenRate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.engine.AddFirmConfig(ctx, billing.FirmConfigInput{
		Name:            "Acme",
		FileRate:        decp("150"),
		MileageRate:     decp("0.67"),
		FreeMileage:     intp(25),
		TimeExpenseRate: decp("40"),
	})
	require.NoError(t, err)
	job := createJob(t, env.engine, "Acme", "CLM-1", "45")

	_, err = env.engine.UpdateFirmConfig(ctx, "Acme", billing.FirmConfigInput{TimeExpenseRate: decp("60")})
	require.NoError(t, err)

	updated, err := env.engine.UpdateJob(ctx, job.ID, billing.JobPatch{TimeExpenseHours: decp("2")})
	require.NoError(t, err)

	assertDecimal(t, "80", updated.TimeExpenseAmount)
	assertDecimal(t, "243.40", updated.TotalJobValue)
	assertJobInvariant(t, updated)
}

func TestUpdateJob_UnknownIDReturnsNil(t *testing.T) {
	env := newTestEnv(t)

	job, err := env.engine.UpdateJob(context.Background(), "nope", billing.JobPatch{Description: strp("x")})
	assert.NoError(t, err)
	assert.Nil(t, job)
}

func TestUpdateJob_RejectsNegativeHours(t *testing.T) {
	env := newTestEnv(t)
	addAcme(t, env.engine)
	job := createJob(t, env.engine, "Acme", "CLM-1", "45")

	_, err := env.engine.UpdateJob(context.Background(), job.ID, billing.JobPatch{TimeExpenseHours: decp("-1")})
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestReturnedJobsAreCopies(t *testing.T) {
	env := newTestEnv(t)
	addAcme(t, env.engine)
	job := createJob(t, env.engine, "Acme", "CLM-1", "45")

	job.TotalJobValue = dec("1")
	job.Status = billing.StatusBilled

	stored := env.engine.GetJob(context.Background(), job.ID)
	assertDecimal(t, "163.40", stored.TotalJobValue)
	assert.Equal(t, billing.StatusScheduled, stored.Status)
}

// =============================================================================
// DAILY TALLY TESTS
// =============================================================================

func TestCompleteJob_FeedsDailyTally(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)
	job := createJob(t, env.engine, "Acme", "CLM-1", "45")

	completed := completeOn(t, env.engine, job.ID, "2025-01-10T14:00:00Z")
	assert.Equal(t, billing.StatusCompleted, completed.Status)

	tally := env.engine.DailyTally(ctx, generic.MustParseDate("2025-01-10"))
	assert.Equal(t, 1, tally.TotalJobs)
	assertDecimal(t, "163.40", tally.TotalEarnings)
	assertDecimal(t, "45", tally.TotalMiles)
	assert.Equal(t, []billing.JobID{job.ID}, tally.CompletedJobIDs)
	assert.False(t, tally.IsFinalized)

	acme := tally.FirmBreakdown["Acme"]
	assert.Equal(t, 1, acme.Jobs)
	assertDecimal(t, "163.40", acme.Amount)

	current := env.engine.CurrentDailyTally(ctx)
	assert.Equal(t, 1, current.TotalJobs, "clock is pinned to 2025-01-10")
}

func TestCompleteJob_AppliesFinalAdjustments(t *testing.T) {
	env := newTestEnv(t)
	addAcme(t, env.engine)
	job := createJob(t, env.engine, "Acme", "CLM-1", "45")

	completed, err := env.engine.CompleteJob(context.Background(), job.ID, billing.CompletionInput{
		CompletedAt: at("2025-01-10T14:00:00Z"),
		Adjustments: decp("-13.40"),
	})
	require.NoError(t, err)

	assertDecimal(t, "150", completed.TotalJobValue)
	assertJobInvariant(t, completed)
}

func TestCompleteJob_TwiceDoesNotDoubleCount(t *testing.T) {
	env := newTestEnv(t)
	addAcme(t, env.engine)
	job := createJob(t, env.engine, "Acme", "CLM-1", "45")

	completeOn(t, env.engine, job.ID, "2025-01-10T14:00:00Z")
	completeOn(t, env.engine, job.ID, "2025-01-10T15:00:00Z")

	tally := env.engine.DailyTally(context.Background(), generic.MustParseDate("2025-01-10"))
	assert.Equal(t, 1, tally.TotalJobs)
	assertDecimal(t, "163.40", tally.TotalEarnings)
}

func TestCompleteJob_MovingDayUpdatesBothTallies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)
	job := createJob(t, env.engine, "Acme", "CLM-1", "45")

	completeOn(t, env.engine, job.ID, "2025-01-09T14:00:00Z")
	completeOn(t, env.engine, job.ID, "2025-01-10T14:00:00Z")

	assert.Equal(t, 0, env.engine.DailyTally(ctx, generic.MustParseDate("2025-01-09")).TotalJobs)
	assert.Equal(t, 1, env.engine.DailyTally(ctx, generic.MustParseDate("2025-01-10")).TotalJobs)
}

func TestCompleteJob_CompletionDayFollowsEngineLocation(t *testing.T) {
	est := time.FixedZone("EST", -5*60*60)
	env := newTestEnv(t, billing.WithLocation(est))
	ctx := context.Background()
	addAcme(t, env.engine)
	job := createJob(t, env.engine, "Acme", "CLM-1", "45")

	// 03:00 UTC on the 11th is still the 10th in EST.
	completeOn(t, env.engine, job.ID, "2025-01-11T03:00:00Z")

	assert.Equal(t, 1, env.engine.DailyTally(ctx, generic.MustParseDate("2025-01-10")).TotalJobs)
	assert.Equal(t, 0, env.engine.DailyTally(ctx, generic.MustParseDate("2025-01-11")).TotalJobs)
}

func TestCompleteJob_BilledJobRejected(t *testing.T) {
	env := newTestEnv(t)
	addAcme(t, env.engine)
	job := createJob(t, env.engine, "Acme", "CLM-1", "45")
	billed := billing.StatusBilled
	_, err := env.engine.UpdateJob(context.Background(), job.ID, billing.JobPatch{Status: &billed})
	require.NoError(t, err)

	_, err = env.engine.CompleteJob(context.Background(), job.ID, billing.CompletionInput{})
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestDailyTally_EmptyDay(t *testing.T) {
	env := newTestEnv(t)

	tally := env.engine.DailyTally(context.Background(), generic.MustParseDate("2024-12-25"))

	assert.Equal(t, 0, tally.TotalJobs)
	assertDecimal(t, "0", tally.TotalEarnings)
	assert.Empty(t, tally.CompletedJobIDs)
	assert.False(t, tally.IsFinalized)
}

func TestCompleteJobs_ConcurrentTotalsAreCommutative(t *testing.T) {
	// GIVEN: 20 jobs completed on the same day from concurrent goroutines
	// THEN: The day total equals the sum of the job totals

	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)

	var ids []billing.JobID
	want := decimal.Zero
	for i := 0; i < 20; i++ {
		j := createJob(t, env.engine, "Acme", fmt.Sprintf("CLM-%d", i), fmt.Sprintf("%d", 20+i))
		ids = append(ids, j.ID)
		want = want.Add(j.TotalJobValue)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id billing.JobID) {
			defer wg.Done()
			_, err := env.engine.CompleteJob(ctx, id, billing.CompletionInput{CompletedAt: at("2025-01-10T12:00:00Z")})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	tally := env.engine.DailyTally(ctx, generic.MustParseDate("2025-01-10"))
	assert.Equal(t, 20, tally.TotalJobs)
	assert.True(t, want.Equal(tally.TotalEarnings), "want %s got %s", want, tally.TotalEarnings)
}

// =============================================================================
// FINALIZATION TESTS
// =============================================================================

func TestFinalizeDay_RollsIntoWeeklyPeriod(t *testing.T) {
	// GIVEN: One Acme job completed on Friday 2025-01-10
	// WHEN: The day is finalized
	// THEN: A weekly period starting Sunday 2025-01-05 holds the day

	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)
	job := createJob(t, env.engine, "Acme", "CLM-1", "45")
	completeOn(t, env.engine, job.ID, "2025-01-10T14:00:00Z")

	res, err := env.engine.FinalizeDay(ctx, generic.MustParseDate("2025-01-10"))
	require.NoError(t, err)

	assert.True(t, res.Finalized)
	assert.True(t, res.Tally.IsFinalized)
	require.NotNil(t, res.Tally.FinalizedAt)
	require.Len(t, res.Periods, 1)

	periods := env.engine.FirmBillingPeriods(ctx, "Acme", 0)
	require.Len(t, periods, 1)
	p := periods[0]
	assert.Equal(t, "Acme|weekly|2025-01-05", p.ID)
	assert.Equal(t, "2025-01-05", p.PeriodIdentifier)
	assert.Equal(t, "2025-01-05", p.StartDate.String())
	assert.Equal(t, "2025-01-11", p.EndDate.String())
	assert.Equal(t, 1, p.TotalFiles)
	assertDecimal(t, "163.40", p.TotalAmount)
	assertDecimal(t, "45", p.TotalMiles)
	assert.Equal(t, billing.PeriodPending, p.Status)
	assert.Equal(t, []billing.JobID{job.ID}, p.DailyBreakdown["2025-01-10"].JobIDs)

	current := env.engine.CurrentBillingPeriods(ctx)
	require.Len(t, current, 1)
	assert.Equal(t, p.ID, current[0].ID)
}

func TestFinalizeDay_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)
	job := createJob(t, env.engine, "Acme", "CLM-1", "45")
	completeOn(t, env.engine, job.ID, "2025-01-10T14:00:00Z")
	day := generic.MustParseDate("2025-01-10")

	first, err := env.engine.FinalizeDay(ctx, day)
	require.NoError(t, err)
	periodsAfterFirst := env.engine.FirmBillingPeriods(ctx, "Acme", 0)

	env.now = env.now.Add(time.Hour)
	second, err := env.engine.FinalizeDay(ctx, day)
	require.NoError(t, err)

	assert.False(t, second.Finalized)
	assert.True(t, second.AlreadyFinalized)
	assert.Equal(t, billing.ReasonAlreadyFinalized, second.Reason)
	assert.Equal(t, first.Tally, second.Tally)
	assert.Equal(t, periodsAfterFirst, env.engine.FirmBillingPeriods(ctx, "Acme", 0))
}

func TestFinalizeDay_NothingToFinalize(t *testing.T) {
	env := newTestEnv(t)
	saves := env.store.Saves()

	res, err := env.engine.FinalizeDay(context.Background(), generic.MustParseDate("2025-01-10"))

	require.NoError(t, err)
	assert.False(t, res.Finalized)
	assert.Equal(t, billing.ReasonNothingToFinalize, res.Reason)
	assert.Equal(t, saves, env.store.Saves(), "nothing changed, nothing saved")
}

func TestCompleteJob_OnFinalizedDay_Rejected(t *testing.T) {
	// GIVEN: 2025-01-10 is finalized
	// WHEN: Another job is completed on that day
	// THEN: TallyAlreadyFinalizedError and the job is unchanged

	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)
	first := createJob(t, env.engine, "Acme", "CLM-1", "45")
	late := createJob(t, env.engine, "Acme", "CLM-2", "45")
	completeOn(t, env.engine, first.ID, "2025-01-10T14:00:00Z")
	_, err := env.engine.FinalizeDay(ctx, generic.MustParseDate("2025-01-10"))
	require.NoError(t, err)

	_, err = env.engine.CompleteJob(ctx, late.ID, billing.CompletionInput{CompletedAt: at("2025-01-10T16:00:00Z")})

	var finErr *billing.TallyAlreadyFinalizedError
	require.ErrorAs(t, err, &finErr)
	assert.Equal(t, "2025-01-10", finErr.Date)
	assert.Equal(t, billing.StatusScheduled, env.engine.GetJob(ctx, late.ID).Status)

	tally := env.engine.DailyTally(ctx, generic.MustParseDate("2025-01-10"))
	assert.Equal(t, 1, tally.TotalJobs)
}

func TestUpdateJob_CannotAlterFinalizedDay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)
	job := createJob(t, env.engine, "Acme", "CLM-1", "45")
	completeOn(t, env.engine, job.ID, "2025-01-10T14:00:00Z")
	_, err := env.engine.FinalizeDay(ctx, generic.MustParseDate("2025-01-10"))
	require.NoError(t, err)

	_, err = env.engine.UpdateJob(ctx, job.ID, billing.JobPatch{Adjustments: decp("5")})
	assert.ErrorIs(t, err, billing.ErrTallyFinalized)
	assertDecimal(t, "163.40", env.engine.GetJob(ctx, job.ID).TotalJobValue)

	// Fields that do not feed the tally stay editable.
	updated, err := env.engine.UpdateJob(ctx, job.ID, billing.JobPatch{Description: strp("reinspection")})
	require.NoError(t, err)
	assert.Equal(t, "reinspection", updated.Description)
}

func TestRollupConsistency_PeriodEqualsSumOfFinalizedDays(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)
	addFirm(t, env.engine, "Beacon", "100", "weekly")

	a := createJob(t, env.engine, "Acme", "A-1", "45")   // 163.40
	b := createJob(t, env.engine, "Acme", "A-2", "25")   // 150.00
	c := createJob(t, env.engine, "Beacon", "B-1", "10") // 100.00
	completeOn(t, env.engine, a.ID, "2025-01-06T10:00:00Z")
	completeOn(t, env.engine, b.ID, "2025-01-08T10:00:00Z")
	completeOn(t, env.engine, c.ID, "2025-01-08T11:00:00Z")

	for _, d := range []string{"2025-01-06", "2025-01-08"} {
		_, err := env.engine.FinalizeDay(ctx, generic.MustParseDate(d))
		require.NoError(t, err)
	}

	periods := env.engine.FirmBillingPeriods(ctx, "Acme", 0)
	require.Len(t, periods, 1)
	p := periods[0]
	assert.Equal(t, 2, p.TotalFiles)
	assertDecimal(t, "313.40", p.TotalAmount)

	sum := decimal.Zero
	for _, day := range (generic.Period{Start: p.StartDate, End: p.EndDate}).Days() {
		tally := env.engine.DailyTally(ctx, day)
		if tally.IsFinalized {
			sum = sum.Add(tally.FirmBreakdown["Acme"].Amount)
		}
	}
	assert.True(t, sum.Equal(p.TotalAmount))

	beacon := env.engine.FirmBillingPeriods(ctx, "Beacon", 0)
	require.Len(t, beacon, 1)
	assertDecimal(t, "100", beacon[0].TotalAmount)
}

func TestFinalizeDay_MonthlyAndBiWeeklyPeriods(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	addFirm(t, env.engine, "Monthly Co", "100", "monthly")
	addFirm(t, env.engine, "Biweekly Co", "100", "bi-weekly")

	m := createJob(t, env.engine, "Monthly Co", "M-1", "0")
	b := createJob(t, env.engine, "Biweekly Co", "B-1", "0")
	completeOn(t, env.engine, m.ID, "2025-01-10T10:00:00Z")
	completeOn(t, env.engine, b.ID, "2025-01-10T10:00:00Z")
	_, err := env.engine.FinalizeDay(ctx, generic.MustParseDate("2025-01-10"))
	require.NoError(t, err)

	monthly := env.engine.FirmBillingPeriods(ctx, "Monthly Co", 0)
	require.Len(t, monthly, 1)
	assert.Equal(t, "Monthly Co|monthly|2025-01", monthly[0].ID)
	assert.Equal(t, "2025-01-31", monthly[0].EndDate.String())

	biweekly := env.engine.FirmBillingPeriods(ctx, "Biweekly Co", 0)
	require.Len(t, biweekly, 1)
	// Bi-weeks count from the Sunday on or before January 1 (2024-12-29).
	assert.Equal(t, "2024-12-29", biweekly[0].StartDate.String())
	assert.Equal(t, "2025-01-11", biweekly[0].EndDate.String())
}

func TestFirmBillingPeriods_NewestFirstWithLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)

	for i, d := range []string{"2025-01-03", "2025-01-10", "2025-01-17"} {
		j := createJob(t, env.engine, "Acme", fmt.Sprintf("C-%d", i), "45")
		completeOn(t, env.engine, j.ID, d+"T10:00:00Z")
		_, err := env.engine.FinalizeDay(ctx, generic.MustParseDate(d))
		require.NoError(t, err)
	}

	all := env.engine.FirmBillingPeriods(ctx, "Acme", 0)
	require.Len(t, all, 3)
	assert.Equal(t, "2025-01-12", all[0].PeriodIdentifier)
	assert.Equal(t, "2024-12-29", all[2].PeriodIdentifier)

	limited := env.engine.FirmBillingPeriods(ctx, "Acme", 2)
	assert.Len(t, limited, 2)
}

func TestOpenDays_ListsUnfinalizedDaysBeforeCutoff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)

	for i, d := range []string{"2025-01-07", "2025-01-08", "2025-01-10"} {
		j := createJob(t, env.engine, "Acme", fmt.Sprintf("C-%d", i), "45")
		completeOn(t, env.engine, j.ID, d+"T10:00:00Z")
	}
	_, err := env.engine.FinalizeDay(ctx, generic.MustParseDate("2025-01-07"))
	require.NoError(t, err)

	open := env.engine.OpenDays(ctx, generic.MustParseDate("2025-01-10"))
	require.Len(t, open, 1)
	assert.Equal(t, "2025-01-08", open[0].String())
}

// =============================================================================
// PERIOD STATUS TESTS
// =============================================================================

func TestSetPeriodStatus_BillingMarksJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)
	job := createJob(t, env.engine, "Acme", "CLM-1", "45")
	completeOn(t, env.engine, job.ID, "2025-01-10T14:00:00Z")
	_, err := env.engine.FinalizeDay(ctx, generic.MustParseDate("2025-01-10"))
	require.NoError(t, err)

	p, err := env.engine.SetPeriodStatus(ctx, "Acme|weekly|2025-01-05", billing.PeriodBilled)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, billing.PeriodBilled, p.Status)
	assert.NotNil(t, p.BilledAt)

	stored := env.engine.GetJob(ctx, job.ID)
	assert.Equal(t, billing.StatusBilled, stored.Status)
	assert.NotNil(t, stored.BilledDate)

	// Billed jobs still count on their day.
	assert.Equal(t, 1, env.engine.DailyTally(ctx, generic.MustParseDate("2025-01-10")).TotalJobs)

	_, err = env.engine.SetPeriodStatus(ctx, p.ID, billing.PeriodPending)
	assert.ErrorIs(t, err, billing.ErrValidation)

	paid, err := env.engine.SetPeriodStatus(ctx, p.ID, billing.PeriodPaid)
	require.NoError(t, err)
	assert.NotNil(t, paid.PaidAt)
}

func TestSetPeriodStatus_UnknownPeriod(t *testing.T) {
	env := newTestEnv(t)

	p, err := env.engine.SetPeriodStatus(context.Background(), "nope", billing.PeriodBilled)
	assert.NoError(t, err)
	assert.Nil(t, p)
}

// =============================================================================
// ANALYTICS TESTS
// =============================================================================

func TestEarningsAnalytics_WindowTotalsAndShares(t *testing.T) {
	// GIVEN: 100 and 200 earned inside a 30 day window, 50 earned before it
	// THEN: Window total is 300 with shares 33.33 / 66.67

	env := newTestEnv(t)
	env.now = time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	addFirm(t, env.engine, "Alpha", "100", "weekly")
	addFirm(t, env.engine, "Bravo", "200", "weekly")
	addFirm(t, env.engine, "Old", "50", "weekly")

	a := createJob(t, env.engine, "Alpha", "A-1", "0")
	b := createJob(t, env.engine, "Bravo", "B-1", "0")
	o := createJob(t, env.engine, "Old", "O-1", "0")
	completeOn(t, env.engine, a.ID, "2025-03-10T10:00:00Z")
	completeOn(t, env.engine, b.ID, "2025-03-12T10:00:00Z")
	completeOn(t, env.engine, o.ID, "2025-02-01T10:00:00Z")
	_, err := env.engine.FinalizeDay(ctx, generic.MustParseDate("2025-03-10"))
	require.NoError(t, err)

	res, err := env.engine.EarningsAnalytics(ctx, 30)
	require.NoError(t, err)

	assertDecimal(t, "300", res.TotalEarnings)
	assert.Equal(t, 2, res.TotalJobs)
	assert.Equal(t, 2, res.ActiveDays)
	assertDecimal(t, "150", res.AveragePerJob)
	assertDecimal(t, "150", res.AveragePerDay)
	assert.Equal(t, "2025-02-13", res.From.String())
	assert.Equal(t, "2025-03-15", res.To.String())

	require.Len(t, res.Trend, 2)
	assert.Equal(t, "2025-03-10", res.Trend[0].Date.String())
	assert.Equal(t, "2025-03-12", res.Trend[1].Date.String())

	require.Len(t, res.Firms, 2)
	assert.Equal(t, "Bravo", res.Firms[0].FirmName)
	assertDecimal(t, "66.67", res.Firms[0].Share)
	assertDecimal(t, "33.33", res.Firms[1].Share)
}

func TestEarningsAnalytics_SevenDayWindowOverFinalizedDays(t *testing.T) {
	// GIVEN: Finalized days earning 100 and 200 within the last 7 days and 50 before them
	// WHEN: Analytics run over a 7 day window
	// THEN: Only the two in-window days count toward the 300 total

	env := newTestEnv(t)
	env.now = time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	addFirm(t, env.engine, "Alpha", "100", "weekly")
	addFirm(t, env.engine, "Bravo", "200", "weekly")
	addFirm(t, env.engine, "Old", "50", "weekly")

	days := []struct {
		firm, claim, completed, date string
	}{
		{"Alpha", "A-1", "2025-03-10T10:00:00Z", "2025-03-10"},
		{"Bravo", "B-1", "2025-03-12T10:00:00Z", "2025-03-12"},
		{"Old", "O-1", "2025-03-01T10:00:00Z", "2025-03-01"},
	}
	for _, d := range days {
		job := createJob(t, env.engine, d.firm, d.claim, "0")
		completeOn(t, env.engine, job.ID, d.completed)
		res, err := env.engine.FinalizeDay(ctx, generic.MustParseDate(d.date))
		require.NoError(t, err)
		require.True(t, res.Finalized, d.date)
	}

	res, err := env.engine.EarningsAnalytics(ctx, 7)
	require.NoError(t, err)

	assertDecimal(t, "300", res.TotalEarnings)
	assert.Equal(t, 2, res.TotalJobs)
	assert.Equal(t, "2025-03-08", res.From.String())
	require.Len(t, res.Trend, 2)
	require.Len(t, res.Firms, 2)
	assert.Equal(t, "Bravo", res.Firms[0].FirmName)
	assert.Equal(t, "Alpha", res.Firms[1].FirmName)
}

func TestEarningsAnalytics_NoJobs(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.engine.EarningsAnalytics(context.Background(), 7)
	require.NoError(t, err)

	assertDecimal(t, "0", res.TotalEarnings)
	assertDecimal(t, "0", res.AveragePerJob)
	assert.Empty(t, res.Trend)
	assert.Empty(t, res.Firms)
}

func TestEarningsAnalytics_NegativeWindow(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.EarningsAnalytics(context.Background(), -1)
	assert.ErrorIs(t, err, billing.ErrValidation)
}

// =============================================================================
// EVENTS AND PERSISTENCE TESTS
// =============================================================================

func TestEvents_PublishedAfterMutations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var got []billing.EventType
	unsubscribe := env.engine.Events().Subscribe(func(ev billing.Event) {
		assert.NotEmpty(t, ev.ID)
		got = append(got, ev.Type)
	})

	addAcme(t, env.engine)
	job := createJob(t, env.engine, "Acme", "CLM-1", "45")
	completeOn(t, env.engine, job.ID, "2025-01-10T14:00:00Z")
	_, err := env.engine.FinalizeDay(ctx, generic.MustParseDate("2025-01-10"))
	require.NoError(t, err)

	addFirm(t, env.engine, "Temp", "10", "weekly")
	_, err = env.engine.DeleteFirmConfig(ctx, "Temp")
	require.NoError(t, err)

	unsubscribe()
	_, err = env.engine.FinalizeDay(ctx, generic.MustParseDate("2025-01-10"))
	require.NoError(t, err)

	assert.Equal(t, []billing.EventType{
		billing.EventJobCreated,
		billing.EventJobCompleted,
		billing.EventDayFinalized,
		billing.EventFirmDeleted,
	}, got)
}

func TestEvents_HandlerMayReadEngine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)

	var seen int
	env.engine.Events().Subscribe(func(ev billing.Event) {
		if ev.Type == billing.EventJobCompleted {
			seen = env.engine.DailyTally(ctx, generic.MustParseDate("2025-01-10")).TotalJobs
		}
	})

	job := createJob(t, env.engine, "Acme", "CLM-1", "45")
	completeOn(t, env.engine, job.ID, "2025-01-10T14:00:00Z")
	assert.Equal(t, 1, seen)
}

func TestPersistence_ReloadRestoresState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)
	job := createJob(t, env.engine, "Acme", "CLM-1", "45")
	completeOn(t, env.engine, job.ID, "2025-01-10T14:00:00Z")
	_, err := env.engine.FinalizeDay(ctx, generic.MustParseDate("2025-01-10"))
	require.NoError(t, err)

	reloaded, err := billing.NewEngine(ctx, env.store,
		billing.WithLogger(logrus.New()),
		billing.WithClock(func() time.Time { return jan10 }),
	)
	require.NoError(t, err)

	require.NotNil(t, reloaded.GetFirmConfig(ctx, "Acme"))
	stored := reloaded.GetJob(ctx, job.ID)
	require.NotNil(t, stored)
	assertDecimal(t, "163.40", stored.TotalJobValue)

	tally := reloaded.DailyTally(ctx, generic.MustParseDate("2025-01-10"))
	assert.True(t, tally.IsFinalized)
	assertDecimal(t, "163.40", tally.TotalEarnings)
	require.Len(t, reloaded.FirmBillingPeriods(ctx, "Acme", 0), 1)

	// The job index is rebuilt, so deletion is still blocked.
	_, err = reloaded.DeleteFirmConfig(ctx, "Acme")
	assert.ErrorIs(t, err, billing.ErrReferentialIntegrity)
}

func TestPersistence_SaveFailureIsLoggedNotRolledBack(t *testing.T) {
	env := newTestEnv(t)
	env.store.FailSaves(errors.New("disk full"))

	addAcme(t, env.engine)

	assert.NotNil(t, env.engine.GetFirmConfig(context.Background(), "Acme"))
	last := env.hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.ErrorLevel, last.Level)
	assert.Equal(t, "failed to persist billing state", last.Message)
}

func TestReset_ClearsEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)
	createJob(t, env.engine, "Acme", "CLM-1", "45")

	require.NoError(t, env.engine.Reset(ctx))

	assert.Empty(t, env.engine.ListFirmConfigs(ctx))
	assert.Empty(t, env.engine.ListJobs(ctx, billing.JobFilter{}))
}

func TestListJobs_Filters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	addAcme(t, env.engine)
	addFirm(t, env.engine, "Beacon", "100", "weekly")

	a := createJob(t, env.engine, "Acme", "A-1", "45")
	createJob(t, env.engine, "Acme", "A-2", "45")
	b := createJob(t, env.engine, "Beacon", "B-1", "45")
	completeOn(t, env.engine, a.ID, "2025-01-08T10:00:00Z")
	completeOn(t, env.engine, b.ID, "2025-01-10T10:00:00Z")

	assert.Len(t, env.engine.ListJobs(ctx, billing.JobFilter{FirmName: "Acme"}), 2)
	assert.Len(t, env.engine.ListJobs(ctx, billing.JobFilter{Status: billing.StatusCompleted}), 2)

	ranged := env.engine.ListJobs(ctx, billing.JobFilter{
		CompletedFrom: generic.MustParseDate("2025-01-09"),
		CompletedTo:   generic.MustParseDate("2025-01-10"),
	})
	require.Len(t, ranged, 1)
	assert.Equal(t, b.ID, ranged[0].ID)
}
