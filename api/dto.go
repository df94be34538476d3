/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing model from the external API contract: snake_case keys,
  currency formatted to two decimals, dates as YYYY-MM-DD.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Firms:     FirmDTO (requests use factory.FirmJSON)
  Jobs:      JobDTO, CreateJobRequest, UpdateJobRequest, CompleteJobRequest
  Tallies:   TallyDTO, FinalizeResponse
  Periods:   PeriodDTO, PeriodStatusRequest
  Analytics: AnalyticsDTO
  Scenarios: ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request types carry validate tags checked by the handler before the
  engine sees them. The engine re-checks business rules.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/firm.go: FirmJSON and the shared validator
*/
package api

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/claims-billing/billing"
	"github.com/warp/claims-billing/generic"
)

// =============================================================================
// FIRMS
// =============================================================================

// FirmDTO represents a firm configuration in API responses.
type FirmDTO struct {
	Name            string     `json:"name"`
	FileRate        string     `json:"file_rate"`
	MileageRate     string     `json:"mileage_rate"`
	FreeMileage     int        `json:"free_mileage"`
	TimeExpenseRate string     `json:"time_expense_rate"`
	PaymentSchedule string     `json:"payment_schedule"`
	PaymentDay      string     `json:"payment_day,omitempty"`
	Contact         ContactDTO `json:"contact"`
	CreatedAt       string     `json:"created_at"`
	UpdatedAt       string     `json:"updated_at"`
}

type ContactDTO struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

func toFirmDTO(f billing.FirmConfig) FirmDTO {
	return FirmDTO{
		Name:            f.Name,
		FileRate:        money(f.FileRate),
		MileageRate:     f.MileageRate.String(),
		FreeMileage:     f.FreeMileage,
		TimeExpenseRate: money(f.TimeExpenseRate),
		PaymentSchedule: string(f.PaymentSchedule),
		PaymentDay:      f.PaymentDay,
		Contact: ContactDTO{
			Name:    f.Contact.Name,
			Email:   f.Contact.Email,
			Phone:   f.Contact.Phone,
			Address: f.Contact.Address,
		},
		CreatedAt: f.CreatedAt.Format(time.RFC3339),
		UpdatedAt: f.UpdatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// JOBS
// =============================================================================

// JobDTO represents a job in API responses.
type JobDTO struct {
	ID               string  `json:"id"`
	FirmName         string  `json:"firm_name"`
	ClaimNumber      string  `json:"claim_number"`
	OriginAddress    string  `json:"origin_address,omitempty"`
	ClaimAddress     string  `json:"claim_address,omitempty"`
	Description      string  `json:"description,omitempty"`
	ScheduledDate    *string `json:"scheduled_date,omitempty"`
	RoundtripMiles   string  `json:"roundtrip_miles"`
	MileageEstimated bool    `json:"mileage_estimated"`
	RouteDetails     string  `json:"route_details,omitempty"`

	FileRate        string `json:"file_rate"`
	MileageRate     string `json:"mileage_rate"`
	FreeMileage     int    `json:"free_mileage"`
	TimeExpenseRate string `json:"time_expense_rate"`

	BillableMiles     string `json:"billable_miles"`
	MileageAmount     string `json:"mileage_amount"`
	BaseJobValue      string `json:"base_job_value"`
	TimeExpenseHours  string `json:"time_expense_hours"`
	TimeExpenseAmount string `json:"time_expense_amount"`
	Adjustments       string `json:"adjustments"`
	TotalJobValue     string `json:"total_job_value"`

	Status        string  `json:"status"`
	CreatedDate   string  `json:"created_date"`
	CompletedDate *string `json:"completed_date,omitempty"`
	BilledDate    *string `json:"billed_date,omitempty"`
}

func toJobDTO(j billing.Job) JobDTO {
	dto := JobDTO{
		ID:                string(j.ID),
		FirmName:          j.FirmName,
		ClaimNumber:       j.ClaimNumber,
		OriginAddress:     j.OriginAddress,
		ClaimAddress:      j.ClaimAddress,
		Description:       j.Description,
		RoundtripMiles:    miles(j.RoundtripMiles),
		MileageEstimated:  j.MileageEstimated,
		RouteDetails:      j.RouteDetails,
		FileRate:          money(j.Rates.FileRate),
		MileageRate:       j.Rates.MileageRate.String(),
		FreeMileage:       j.Rates.FreeMileage,
		TimeExpenseRate:   money(j.Rates.TimeExpenseRate),
		BillableMiles:     miles(j.BillableMiles),
		MileageAmount:     money(j.MileageAmount),
		BaseJobValue:      money(j.BaseJobValue),
		TimeExpenseHours:  j.TimeExpenseHours.String(),
		TimeExpenseAmount: money(j.TimeExpenseAmount),
		Adjustments:       money(j.Adjustments),
		TotalJobValue:     money(j.TotalJobValue),
		Status:            string(j.Status),
		CreatedDate:       j.CreatedDate.Format(time.RFC3339),
		CompletedDate:     timeString(j.CompletedDate),
		BilledDate:        timeString(j.BilledDate),
	}
	if j.ScheduledDate != nil {
		s := j.ScheduledDate.String()
		dto.ScheduledDate = &s
	}
	return dto
}

func toJobDTOs(jobs []billing.Job) []JobDTO {
	dtos := make([]JobDTO, len(jobs))
	for i, j := range jobs {
		dtos[i] = toJobDTO(j)
	}
	return dtos
}

// CreateJobRequest is the request to create a job. RoundtripMiles skips the
// mileage provider when set.
type CreateJobRequest struct {
	FirmName       string           `json:"firm_name" validate:"required"`
	ClaimNumber    string           `json:"claim_number" validate:"required,max=64"`
	OriginAddress  string           `json:"origin_address"`
	ClaimAddress   string           `json:"claim_address"`
	Description    string           `json:"description" validate:"max=2000"`
	ScheduledDate  *string          `json:"scheduled_date" validate:"omitempty,datetime=2006-01-02"`
	RoundtripMiles *decimal.Decimal `json:"roundtrip_miles" validate:"omitempty,gte=0"`
	RouteDetails   string           `json:"route_details"`
}

// UpdateJobRequest is a partial update. Only these fields may change.
type UpdateJobRequest struct {
	Adjustments      *decimal.Decimal `json:"adjustments"`
	Status           *string          `json:"status" validate:"omitempty,oneof=scheduled in-progress completed billed"`
	TimeExpenseHours *decimal.Decimal `json:"time_expense_hours" validate:"omitempty,gte=0"`
	Description      *string          `json:"description" validate:"omitempty,max=2000"`
	CompletedDate    *time.Time       `json:"completed_date"`
	ScheduledDate    *string          `json:"scheduled_date" validate:"omitempty,datetime=2006-01-02"`
}

// CompleteJobRequest carries the final values for a job.
type CompleteJobRequest struct {
	CompletedAt      *time.Time       `json:"completed_at"`
	Adjustments      *decimal.Decimal `json:"adjustments"`
	TimeExpenseHours *decimal.Decimal `json:"time_expense_hours" validate:"omitempty,gte=0"`
	Description      *string          `json:"description" validate:"omitempty,max=2000"`
}

// =============================================================================
// DAILY TALLIES
// =============================================================================

type FirmDayDTO struct {
	Jobs   int      `json:"jobs"`
	Amount string   `json:"amount"`
	Miles  string   `json:"miles"`
	JobIDs []string `json:"job_ids"`
}

// TallyDTO represents a daily tally in API responses.
type TallyDTO struct {
	Date            string                `json:"date"`
	TotalEarnings   string                `json:"total_earnings"`
	TotalMiles      string                `json:"total_miles"`
	TotalJobs       int                   `json:"total_jobs"`
	FirmBreakdown   map[string]FirmDayDTO `json:"firm_breakdown"`
	CompletedJobIDs []string              `json:"completed_job_ids"`
	IsFinalized     bool                  `json:"is_finalized"`
	FinalizedAt     *string               `json:"finalized_at,omitempty"`
}

func toTallyDTO(t billing.DailyTally) TallyDTO {
	dto := TallyDTO{
		Date:            t.Date.String(),
		TotalEarnings:   money(t.TotalEarnings),
		TotalMiles:      miles(t.TotalMiles),
		TotalJobs:       t.TotalJobs,
		FirmBreakdown:   make(map[string]FirmDayDTO, len(t.FirmBreakdown)),
		CompletedJobIDs: idStrings(t.CompletedJobIDs),
		IsFinalized:     t.IsFinalized,
		FinalizedAt:     timeString(t.FinalizedAt),
	}
	for firm, fb := range t.FirmBreakdown {
		dto.FirmBreakdown[firm] = FirmDayDTO{
			Jobs:   fb.Jobs,
			Amount: money(fb.Amount),
			Miles:  miles(fb.Miles),
			JobIDs: idStrings(fb.JobIDs),
		}
	}
	return dto
}

// FinalizeResponse is returned by POST /api/tallies/{date}/finalize.
type FinalizeResponse struct {
	Tally            TallyDTO    `json:"tally"`
	Finalized        bool        `json:"finalized"`
	AlreadyFinalized bool        `json:"already_finalized"`
	Reason           string      `json:"reason,omitempty"`
	Periods          []PeriodDTO `json:"periods"`
}

// =============================================================================
// BILLING PERIODS
// =============================================================================

type PeriodDayDTO struct {
	Date   string   `json:"date"`
	Jobs   int      `json:"jobs"`
	Amount string   `json:"amount"`
	Miles  string   `json:"miles"`
	JobIDs []string `json:"job_ids"`
}

// PeriodDTO represents a billing period in API responses. Days are listed
// chronologically.
type PeriodDTO struct {
	ID               string         `json:"id"`
	FirmName         string         `json:"firm_name"`
	PaymentSchedule  string         `json:"payment_schedule"`
	PeriodIdentifier string         `json:"period_identifier"`
	StartDate        string         `json:"start_date"`
	EndDate          string         `json:"end_date"`
	TotalFiles       int            `json:"total_files"`
	TotalAmount      string         `json:"total_amount"`
	TotalMiles       string         `json:"total_miles"`
	Days             []PeriodDayDTO `json:"daily_breakdown"`
	Status           string         `json:"status"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
	BilledAt         *string        `json:"billed_at,omitempty"`
	PaidAt           *string        `json:"paid_at,omitempty"`
}

func toPeriodDTO(p billing.BillingPeriod) PeriodDTO {
	dto := PeriodDTO{
		ID:               p.ID,
		FirmName:         p.FirmName,
		PaymentSchedule:  string(p.Schedule),
		PeriodIdentifier: p.PeriodIdentifier,
		StartDate:        p.StartDate.String(),
		EndDate:          p.EndDate.String(),
		TotalFiles:       p.TotalFiles,
		TotalAmount:      money(p.TotalAmount),
		TotalMiles:       miles(p.TotalMiles),
		Days:             make([]PeriodDayDTO, 0, len(p.DailyBreakdown)),
		Status:           string(p.Status),
		CreatedAt:        p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        p.UpdatedAt.Format(time.RFC3339),
		BilledAt:         timeString(p.BilledAt),
		PaidAt:           timeString(p.PaidAt),
	}
	for date, day := range p.DailyBreakdown {
		dto.Days = append(dto.Days, PeriodDayDTO{
			Date:   date,
			Jobs:   day.Jobs,
			Amount: money(day.Amount),
			Miles:  miles(day.Miles),
			JobIDs: idStrings(day.JobIDs),
		})
	}
	sort.Slice(dto.Days, func(i, j int) bool { return dto.Days[i].Date < dto.Days[j].Date })
	return dto
}

func toPeriodDTOs(periods []billing.BillingPeriod) []PeriodDTO {
	dtos := make([]PeriodDTO, len(periods))
	for i, p := range periods {
		dtos[i] = toPeriodDTO(p)
	}
	return dtos
}

// PeriodStatusRequest moves a period forward in its lifecycle.
type PeriodStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending billed paid"`
}

// =============================================================================
// ANALYTICS
// =============================================================================

type FirmEarningsDTO struct {
	FirmName string `json:"firm_name"`
	Jobs     int    `json:"jobs"`
	Amount   string `json:"amount"`
	Miles    string `json:"miles"`
	Share    string `json:"share_percent"`
}

type TrendPointDTO struct {
	Date     string `json:"date"`
	Earnings string `json:"earnings"`
	Jobs     int    `json:"jobs"`
	Miles    string `json:"miles"`
}

// AnalyticsDTO is returned by GET /api/analytics/earnings.
type AnalyticsDTO struct {
	WindowDays    int               `json:"window_days"`
	From          string            `json:"from"`
	To            string            `json:"to"`
	TotalEarnings string            `json:"total_earnings"`
	TotalJobs     int               `json:"total_jobs"`
	TotalMiles    string            `json:"total_miles"`
	ActiveDays    int               `json:"active_days"`
	AveragePerJob string            `json:"average_per_job"`
	AveragePerDay string            `json:"average_per_day"`
	Firms         []FirmEarningsDTO `json:"firms"`
	Trend         []TrendPointDTO   `json:"trend"`
}

func toAnalyticsDTO(a billing.EarningsAnalytics) AnalyticsDTO {
	dto := AnalyticsDTO{
		WindowDays:    a.WindowDays,
		From:          a.From.String(),
		To:            a.To.String(),
		TotalEarnings: money(a.TotalEarnings),
		TotalJobs:     a.TotalJobs,
		TotalMiles:    miles(a.TotalMiles),
		ActiveDays:    a.ActiveDays,
		AveragePerJob: money(a.AveragePerJob),
		AveragePerDay: money(a.AveragePerDay),
		Firms:         make([]FirmEarningsDTO, len(a.Firms)),
		Trend:         make([]TrendPointDTO, len(a.Trend)),
	}
	for i, f := range a.Firms {
		dto.Firms[i] = FirmEarningsDTO{
			FirmName: f.FirmName,
			Jobs:     f.Jobs,
			Amount:   money(f.Amount),
			Miles:    miles(f.Miles),
			Share:    f.Share.StringFixed(2),
		}
	}
	for i, p := range a.Trend {
		dto.Trend[i] = TrendPointDTO{
			Date:     p.Date.String(),
			Earnings: money(p.Earnings),
			Jobs:     p.Jobs,
			Miles:    miles(p.Miles),
		}
	}
	return dto
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error        string `json:"error"`
	Details      string `json:"details,omitempty"`
	BlockingJobs *int   `json:"blocking_jobs,omitempty"`
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

func money(d decimal.Decimal) string { return generic.FormatCurrency(d) }

func miles(d decimal.Decimal) string { return d.StringFixed(generic.MilesPrecision) }

func timeString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func idStrings(ids []billing.JobID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
