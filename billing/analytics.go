package billing

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/claims-billing/generic"
)

// =============================================================================
// ANALYTICS - Rolling-window earnings over the daily tally history
// =============================================================================

// EarningsAnalytics summarizes the days in [From, To].
type EarningsAnalytics struct {
	WindowDays    int             `json:"windowDays"`
	From          generic.Date    `json:"from"`
	To            generic.Date    `json:"to"`
	TotalEarnings decimal.Decimal `json:"totalEarnings"`
	TotalJobs     int             `json:"totalJobs"`
	TotalMiles    decimal.Decimal `json:"totalMiles"`
	ActiveDays    int             `json:"activeDays"`
	AveragePerJob decimal.Decimal `json:"averagePerJob"`
	AveragePerDay decimal.Decimal `json:"averagePerDay"`
	Firms         []FirmEarnings  `json:"firms"`
	Trend         []TrendPoint    `json:"trend"`
}

// FirmEarnings is one firm's share of the window. Share is a percentage
// of TotalEarnings.
type FirmEarnings struct {
	FirmName string          `json:"firmName"`
	Jobs     int             `json:"jobs"`
	Amount   decimal.Decimal `json:"amount"`
	Miles    decimal.Decimal `json:"miles"`
	Share    decimal.Decimal `json:"share"`
}

// TrendPoint is one active day.
type TrendPoint struct {
	Date     generic.Date    `json:"date"`
	Earnings decimal.Decimal `json:"earnings"`
	Jobs     int             `json:"jobs"`
	Miles    decimal.Decimal `json:"miles"`
}

type analyticsEngine struct {
	st      *ledgerState
	tallies *tallyAggregator
}

// days returns every date in the window that has a tally or a counted job.
func (a *analyticsEngine) days(from, to generic.Date) []generic.Date {
	seen := make(map[string]generic.Date)
	add := func(d generic.Date) {
		if d.AfterOrEqual(from) && d.BeforeOrEqual(to) {
			seen[d.String()] = d
		}
	}
	for key := range a.st.tallies {
		if d, err := generic.ParseDate(key); err == nil {
			add(d)
		}
	}
	for _, j := range a.st.jobs {
		if j.counted() {
			add(a.st.dateOf(*j.CompletedDate))
		}
	}

	out := make([]generic.Date, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (a *analyticsEngine) compute(windowDays int) EarningsAnalytics {
	to := a.st.today()
	from := to.AddDays(-windowDays)

	res := EarningsAnalytics{
		WindowDays: windowDays,
		From:       from,
		To:         to,
		Firms:      []FirmEarnings{},
		Trend:      []TrendPoint{},
	}

	byFirm := make(map[string]*FirmEarnings)
	for _, d := range a.days(from, to) {
		t := a.tallies.view(d)
		if t.TotalJobs == 0 {
			continue
		}
		res.TotalEarnings = res.TotalEarnings.Add(t.TotalEarnings)
		res.TotalMiles = res.TotalMiles.Add(t.TotalMiles)
		res.TotalJobs += t.TotalJobs
		res.Trend = append(res.Trend, TrendPoint{
			Date:     d,
			Earnings: t.TotalEarnings,
			Jobs:     t.TotalJobs,
			Miles:    t.TotalMiles,
		})

		for firm, fb := range t.FirmBreakdown {
			fe, ok := byFirm[firm]
			if !ok {
				fe = &FirmEarnings{FirmName: firm}
				byFirm[firm] = fe
			}
			fe.Jobs += fb.Jobs
			fe.Amount = fe.Amount.Add(fb.Amount)
			fe.Miles = fe.Miles.Add(fb.Miles)
		}
	}

	res.ActiveDays = len(res.Trend)
	if res.TotalJobs > 0 {
		res.AveragePerJob = res.TotalEarnings.DivRound(decimal.NewFromInt(int64(res.TotalJobs)), generic.CurrencyPrecision)
	}
	if res.ActiveDays > 0 {
		res.AveragePerDay = res.TotalEarnings.DivRound(decimal.NewFromInt(int64(res.ActiveDays)), generic.CurrencyPrecision)
	}

	for _, fe := range byFirm {
		fe.Share = generic.Percent(fe.Amount, res.TotalEarnings)
		res.Firms = append(res.Firms, *fe)
	}
	sort.Slice(res.Firms, func(i, j int) bool {
		if !res.Firms[i].Amount.Equal(res.Firms[j].Amount) {
			return res.Firms[i].Amount.GreaterThan(res.Firms[j].Amount)
		}
		return res.Firms[i].FirmName < res.Firms[j].FirmName
	})
	return res
}

// EarningsAnalytics reports totals, firm shares and the daily trend for the
// last windowDays days, today included. It never mutates state.
func (e *Engine) EarningsAnalytics(_ context.Context, windowDays int) (*EarningsAnalytics, error) {
	if windowDays < 0 {
		return nil, invalid("days", "window must be non-negative, got %d", windowDays)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	res := e.analytics.compute(windowDays)
	return &res, nil
}
