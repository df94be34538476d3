/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the engine with realistic
	billing data for demos and UI work. Each scenario creates firms from
	JSON contracts, creates and completes jobs relative to the engine
	clock, and optionally finalizes days and advances periods.

AVAILABLE SCENARIOS:

	single-firm-day:  One weekly firm, three jobs completed today (open tally)
	multi-firm-week:  Three firms on different schedules, a week of finalized days
	period-lifecycle: Two weeks of finalized work; periods billed and paid

HOW SCENARIOS WORK:
 1. Reset the engine (clear all data)
 2. Create firms via the firm factory
 3. Create jobs with known mileage (no provider calls)
 4. Complete jobs on past days
 5. Optionally finalize days and change period status

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "multi-firm-week"}

NOTE:

	Scenarios reset all billing data. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: LoadScenario, ListScenarios handlers
  - factory/firm.go: Firm JSON definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/claims-billing/billing"
	"github.com/warp/claims-billing/factory"
	"github.com/warp/claims-billing/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "single-firm-day",
		Name:        "Single Firm, Open Day",
		Description: "One weekly firm with three jobs completed today; nothing finalized",
	},
	{
		ID:          "multi-firm-week",
		Name:        "Multi-Firm Week",
		Description: "Weekly, bi-weekly and monthly firms with six finalized days and an open today",
	},
	{
		ID:          "period-lifecycle",
		Name:        "Period Lifecycle",
		Description: "Two weeks of finalized work; older periods billed and paid",
	},
}

var scenarioLoaders = map[string]func(ctx context.Context, e *billing.Engine, f *factory.FirmFactory) error{
	"single-firm-day":  loadSingleFirmDay,
	"multi-firm-week":  loadMultiFirmWeek,
	"period-lifecycle": loadPeriodLifecycle,
}

// Firm contracts used by the scenarios.
const (
	acmeJSON = `{
		"name": "Acme Adjusting",
		"file_rate": "150",
		"mileage_rate": "0.67",
		"free_mileage": 25,
		"payment_schedule": "weekly",
		"contact": {"name": "Dana Ortiz", "email": "billing@acme.example"}
	}`
	crawfordJSON = `{
		"name": "Crawford Field Services",
		"file_rate": "175",
		"mileage_rate": "0.655",
		"free_mileage": 0,
		"time_expense_rate": "45",
		"payment_schedule": "bi-weekly",
		"payment_day": "friday"
	}`
	pinnacleJSON = `{
		"name": "Pinnacle Claims",
		"file_rate": "125",
		"mileage_rate": "0.60",
		"free_mileage": 50,
		"payment_schedule": "monthly"
	}`
)

// jobSeed describes one demo job. daysAgo < 0 leaves it scheduled.
type jobSeed struct {
	firm        string
	claim       string
	miles       string
	daysAgo     int
	hours       string
	adjustments string
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the engine and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := ApplyScenario(r.Context(), h.Engine, h.Firms, req.ScenarioID); err != nil {
		h.writeEngineError(w, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.Log.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]any{
		"scenario_id": req.ScenarioID,
		"firms":       len(h.Engine.ListFirmConfigs(r.Context())),
		"jobs":        len(h.Engine.ListJobs(r.Context(), billing.JobFilter{})),
	})
}

// ApplyScenario resets the engine and loads the named scenario.
func ApplyScenario(ctx context.Context, e *billing.Engine, f *factory.FirmFactory, id string) error {
	load, ok := scenarioLoaders[id]
	if !ok {
		return &billing.ValidationError{Field: "scenario_id", Message: fmt.Sprintf("unknown scenario %q", id)}
	}
	if err := e.Reset(ctx); err != nil {
		return err
	}
	return load(ctx, e, f)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadSingleFirmDay(ctx context.Context, e *billing.Engine, f *factory.FirmFactory) error {
	if err := addFirms(ctx, e, f, acmeJSON); err != nil {
		return err
	}
	_, err := seedJobs(ctx, e, []jobSeed{
		{firm: "Acme Adjusting", claim: "CLM-1001", miles: "45", daysAgo: 0},
		{firm: "Acme Adjusting", claim: "CLM-1002", miles: "18", daysAgo: 0},
		{firm: "Acme Adjusting", claim: "CLM-1003", miles: "72.5", daysAgo: 0, adjustments: "-15"},
		{firm: "Acme Adjusting", claim: "CLM-1004", miles: "30", daysAgo: -1},
	})
	return err
}

func loadMultiFirmWeek(ctx context.Context, e *billing.Engine, f *factory.FirmFactory) error {
	if err := addFirms(ctx, e, f, acmeJSON, crawfordJSON, pinnacleJSON); err != nil {
		return err
	}

	var seeds []jobSeed
	firms := []string{"Acme Adjusting", "Crawford Field Services", "Pinnacle Claims"}
	for day := 0; day <= 6; day++ {
		for i, firm := range firms {
			if (day+i)%3 == 2 {
				continue
			}
			seed := jobSeed{
				firm:    firm,
				claim:   fmt.Sprintf("WK-%d%02d", i+1, day),
				miles:   fmt.Sprintf("%d", 20+day*7+i*11),
				daysAgo: day,
			}
			if firm == "Crawford Field Services" {
				seed.hours = "1.5"
			}
			seeds = append(seeds, seed)
		}
	}
	if _, err := seedJobs(ctx, e, seeds); err != nil {
		return err
	}
	return finalizePastDays(ctx, e)
}

func loadPeriodLifecycle(ctx context.Context, e *billing.Engine, f *factory.FirmFactory) error {
	if err := addFirms(ctx, e, f, acmeJSON); err != nil {
		return err
	}

	var seeds []jobSeed
	for day := 1; day <= 14; day++ {
		seeds = append(seeds, jobSeed{
			firm:    "Acme Adjusting",
			claim:   fmt.Sprintf("LC-%02d", day),
			miles:   fmt.Sprintf("%d", 25+day*3),
			daysAgo: day,
		})
	}
	if _, err := seedJobs(ctx, e, seeds); err != nil {
		return err
	}
	if err := finalizePastDays(ctx, e); err != nil {
		return err
	}

	// Newest first: the oldest period is paid, the one after it billed.
	periods := e.FirmBillingPeriods(ctx, "Acme Adjusting", 0)
	for i, p := range periods {
		var status billing.PeriodStatus
		switch i {
		case len(periods) - 1:
			status = billing.PeriodPaid
		case len(periods) - 2:
			status = billing.PeriodBilled
		default:
			continue
		}
		if _, err := e.SetPeriodStatus(ctx, p.ID, status); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func addFirms(ctx context.Context, e *billing.Engine, f *factory.FirmFactory, contracts ...string) error {
	for _, c := range contracts {
		in, err := f.ParseFirm([]byte(c))
		if err != nil {
			return fmt.Errorf("scenario firm: %w", err)
		}
		if _, err := e.AddFirmConfig(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

func seedJobs(ctx context.Context, e *billing.Engine, seeds []jobSeed) ([]*billing.Job, error) {
	now := e.Now()
	jobs := make([]*billing.Job, 0, len(seeds))
	for _, s := range seeds {
		job, err := e.CreateJob(ctx, billing.CreateJobInput{
			FirmName:      s.firm,
			ClaimNumber:   s.claim,
			OriginAddress: "Field office",
			ClaimAddress:  "Claim " + s.claim,
			Mileage:       &billing.Mileage{Miles: generic.MustParseDecimal(s.miles), RouteDetails: "demo route"},
		})
		if err != nil {
			return nil, err
		}

		if s.daysAgo >= 0 {
			completedAt := now.Add(-time.Duration(s.daysAgo) * 24 * time.Hour)
			in := billing.CompletionInput{CompletedAt: &completedAt}
			if s.hours != "" {
				in.TimeExpenseHours = decimalPtr(s.hours)
			}
			if s.adjustments != "" {
				in.Adjustments = decimalPtr(s.adjustments)
			}
			if job, err = e.CompleteJob(ctx, job.ID, in); err != nil {
				return nil, err
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func finalizePastDays(ctx context.Context, e *billing.Engine) error {
	for _, d := range e.OpenDays(ctx, e.Today()) {
		if _, err := e.FinalizeDay(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func decimalPtr(s string) *decimal.Decimal {
	d := generic.MustParseDecimal(s)
	return &d
}
