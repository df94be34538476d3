/*
handlers.go - HTTP API handlers for the claims billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to billing.Engine.

ENDPOINTS:
  Firms:
    GET    /api/firms                  List firm configurations
    POST   /api/firms                  Add (or merge) a firm
    GET    /api/firms/{name}           Get one firm
    PUT    /api/firms/{name}           Update rates/schedule/contact
    DELETE /api/firms/{name}           Delete (409 while jobs reference it)
    GET    /api/firms/{name}/periods   Billing periods, newest first (?limit=)

  Jobs:
    GET    /api/jobs                   List (?firm=&status=&from=&to=)
    POST   /api/jobs                   Create and price a job
    GET    /api/jobs/{id}              Get one job
    PATCH  /api/jobs/{id}              Allow-listed partial update
    DELETE /api/jobs/{id}              Delete
    POST   /api/jobs/{id}/complete     Complete and feed the daily tally

  Tallies:
    GET    /api/tallies/current        Today's tally
    GET    /api/tallies/{date}         Tally for YYYY-MM-DD
    POST   /api/tallies/{date}/finalize Close the day, roll into periods

  Periods:
    GET    /api/periods/current        Each firm's current period
    POST   /api/periods/{id}/status    pending -> billed -> paid

  Analytics:
    GET    /api/analytics/earnings     Rolling window (?days=30)

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (validator tags, then engine rules)
  3. Call the engine
  4. Serialize response DTO
  5. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, unknown firm
  - 404: Entity not found
  - 409: Firm still referenced by jobs, day already finalized
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Deploy behind the adjuster portal's gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/claims-billing/billing"
	"github.com/warp/claims-billing/factory"
	"github.com/warp/claims-billing/generic"
)

// DefaultAnalyticsWindow is used when ?days= is omitted.
const DefaultAnalyticsWindow = 30

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *billing.Engine
	Firms  *factory.FirmFactory
	Log    logrus.FieldLogger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler around the engine.
func NewHandler(engine *billing.Engine, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Engine: engine,
		Firms:  factory.NewFirmFactory(),
		Log:    log.WithField("module", "api"),
	}
}

// =============================================================================
// FIRM HANDLERS
// =============================================================================

// ListFirms returns all firm configurations sorted by name.
func (h *Handler) ListFirms(w http.ResponseWriter, r *http.Request) {
	firms := h.Engine.ListFirmConfigs(r.Context())
	dtos := make([]FirmDTO, len(firms))
	for i, f := range firms {
		dtos[i] = toFirmDTO(f)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateFirm adds a firm. Posting an existing name merges into it.
func (h *Handler) CreateFirm(w http.ResponseWriter, r *http.Request) {
	var req factory.FirmJSON
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in, err := h.Firms.FromJSON(req)
	if err != nil {
		h.writeEngineError(w, "Invalid firm configuration", err)
		return
	}

	firm, err := h.Engine.AddFirmConfig(r.Context(), in)
	if err != nil {
		h.writeEngineError(w, "Failed to add firm", err)
		return
	}
	writeJSON(w, http.StatusCreated, toFirmDTO(*firm))
}

// GetFirm returns a single firm.
func (h *Handler) GetFirm(w http.ResponseWriter, r *http.Request) {
	firm := h.Engine.GetFirmConfig(r.Context(), pathParam(r, "name"))
	if firm == nil {
		writeError(w, http.StatusNotFound, "Firm not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toFirmDTO(*firm))
}

// UpdateFirm changes the given fields of an existing firm.
func (h *Handler) UpdateFirm(w http.ResponseWriter, r *http.Request) {
	name := pathParam(r, "name")

	var req factory.FirmJSON
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		req.Name = name
	}
	in, err := h.Firms.FromJSON(req)
	if err != nil {
		h.writeEngineError(w, "Invalid firm configuration", err)
		return
	}

	firm, err := h.Engine.UpdateFirmConfig(r.Context(), name, in)
	if err != nil {
		h.writeEngineError(w, "Failed to update firm", err)
		return
	}
	if firm == nil {
		writeError(w, http.StatusNotFound, "Firm not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toFirmDTO(*firm))
}

// DeleteFirm removes a firm that no job references.
func (h *Handler) DeleteFirm(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.Engine.DeleteFirmConfig(r.Context(), pathParam(r, "name"))
	if err != nil {
		h.writeEngineError(w, "Failed to delete firm", err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "Firm not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListFirmPeriods returns a firm's billing periods, newest first.
// GET /api/firms/{name}/periods?limit=12
func (h *Handler) ListFirmPeriods(w http.ResponseWriter, r *http.Request) {
	name := pathParam(r, "name")
	limit, err := intQuery(r, "limit", 0)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	if h.Engine.GetFirmConfig(r.Context(), name) == nil {
		writeError(w, http.StatusNotFound, "Firm not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTOs(h.Engine.FirmBillingPeriods(r.Context(), name, limit)))
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

// ListJobs returns jobs matching the optional filters.
// GET /api/jobs?firm=Acme&status=completed&from=2025-01-01&to=2025-01-31
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := billing.JobFilter{
		FirmName: q.Get("firm"),
		Status:   billing.JobStatus(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid status filter", nil)
		return
	}
	for key, dst := range map[string]*generic.Date{"from": &filter.CompletedFrom, "to": &filter.CompletedTo} {
		if v := q.Get(key); v != "" {
			d, err := generic.ParseDate(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid "+key+" date (use YYYY-MM-DD)", err)
				return
			}
			*dst = d
		}
	}

	writeJSON(w, http.StatusOK, toJobDTOs(h.Engine.ListJobs(r.Context(), filter)))
}

// CreateJob prices and stores a new job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := billing.CreateJobInput{
		FirmName:      req.FirmName,
		ClaimNumber:   req.ClaimNumber,
		OriginAddress: req.OriginAddress,
		ClaimAddress:  req.ClaimAddress,
		Description:   req.Description,
	}
	if req.ScheduledDate != nil {
		d := generic.MustParseDate(*req.ScheduledDate)
		in.ScheduledDate = &d
	}
	if req.RoundtripMiles != nil {
		in.Mileage = &billing.Mileage{Miles: *req.RoundtripMiles, RouteDetails: req.RouteDetails}
	}

	job, err := h.Engine.CreateJob(r.Context(), in)
	if err != nil {
		h.writeEngineError(w, "Failed to create job", err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobDTO(*job))
}

// GetJob returns a single job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job := h.Engine.GetJob(r.Context(), billing.JobID(pathParam(r, "id")))
	if job == nil {
		writeError(w, http.StatusNotFound, "Job not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(*job))
}

// UpdateJob applies a partial update.
func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	var req UpdateJobRequest
	if !h.decode(w, r, &req) {
		return
	}

	patch := billing.JobPatch{
		Adjustments:      req.Adjustments,
		TimeExpenseHours: req.TimeExpenseHours,
		Description:      req.Description,
		CompletedDate:    req.CompletedDate,
	}
	if req.Status != nil {
		s := billing.JobStatus(*req.Status)
		patch.Status = &s
	}
	if req.ScheduledDate != nil {
		d := generic.MustParseDate(*req.ScheduledDate)
		patch.ScheduledDate = &d
	}

	job, err := h.Engine.UpdateJob(r.Context(), billing.JobID(pathParam(r, "id")), patch)
	if err != nil {
		h.writeEngineError(w, "Failed to update job", err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "Job not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(*job))
}

// DeleteJob removes a job.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.Engine.DeleteJob(r.Context(), billing.JobID(pathParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Failed to delete job", err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "Job not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CompleteJob completes a job. An empty body completes it now.
// POST /api/jobs/{id}/complete
func (h *Handler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	var req CompleteJobRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}

	job, err := h.Engine.CompleteJob(r.Context(), billing.JobID(pathParam(r, "id")), billing.CompletionInput{
		CompletedAt:      req.CompletedAt,
		Adjustments:      req.Adjustments,
		TimeExpenseHours: req.TimeExpenseHours,
		Description:      req.Description,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to complete job", err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "Job not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(*job))
}

// =============================================================================
// TALLY HANDLERS
// =============================================================================

// CurrentTally returns today's tally.
func (h *Handler) CurrentTally(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toTallyDTO(*h.Engine.CurrentDailyTally(r.Context())))
}

// GetTally returns the tally for a date.
func (h *Handler) GetTally(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toTallyDTO(*h.Engine.DailyTally(r.Context(), date)))
}

// FinalizeTally closes a day. Repeating it or finalizing an empty day
// succeeds with a reason instead of failing.
func (h *Handler) FinalizeTally(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(w, r)
	if !ok {
		return
	}

	res, err := h.Engine.FinalizeDay(r.Context(), date)
	if err != nil {
		h.writeEngineError(w, "Failed to finalize day", err)
		return
	}

	resp := FinalizeResponse{
		Finalized:        res.Finalized,
		AlreadyFinalized: res.AlreadyFinalized,
		Reason:           res.Reason,
		Periods:          toPeriodDTOs(res.Periods),
	}
	if res.Tally != nil {
		resp.Tally = toTallyDTO(*res.Tally)
	} else {
		resp.Tally = toTallyDTO(*h.Engine.DailyTally(r.Context(), date))
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// PERIOD HANDLERS
// =============================================================================

// CurrentPeriods returns each firm's period containing today.
func (h *Handler) CurrentPeriods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toPeriodDTOs(h.Engine.CurrentBillingPeriods(r.Context())))
}

// SetPeriodStatus advances a period's status.
// POST /api/periods/{id}/status {"status": "billed"}
func (h *Handler) SetPeriodStatus(w http.ResponseWriter, r *http.Request) {
	var req PeriodStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.Engine.SetPeriodStatus(r.Context(), pathParam(r, "id"), billing.PeriodStatus(req.Status))
	if err != nil {
		h.writeEngineError(w, "Failed to change period status", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Billing period not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(*p))
}

// =============================================================================
// ANALYTICS HANDLERS
// =============================================================================

// EarningsAnalytics returns rolling-window statistics.
// GET /api/analytics/earnings?days=30
func (h *Handler) EarningsAnalytics(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", DefaultAnalyticsWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid days", err)
		return
	}
	res, err := h.Engine.EarningsAnalytics(r.Context(), days)
	if err != nil {
		h.writeEngineError(w, "Failed to compute analytics", err)
		return
	}
	writeJSON(w, http.StatusOK, toAnalyticsDTO(*res))
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeStrict decodes a JSON body, rejecting fields dst does not declare.
func decodeStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeStrict(r, dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.Firms.Validate(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// writeEngineError maps billing errors to HTTP status codes.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	var refErr *billing.ReferentialIntegrityError
	switch {
	case errors.As(err, &refErr):
		n := refErr.JobCount
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: message, Details: err.Error(), BlockingJobs: &n})
	case billing.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case billing.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.Log.WithError(err).Error(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// pathParam returns a decoded URL parameter. Firm names and period ids
// may contain spaces and '|'.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func dateParam(w http.ResponseWriter, r *http.Request) (generic.Date, bool) {
	date, err := generic.ParseDate(pathParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date (use YYYY-MM-DD)", err)
		return generic.Date{}, false
	}
	return date, true
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
