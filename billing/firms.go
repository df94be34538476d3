package billing

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/claims-billing/generic"
)

// =============================================================================
// FIRM CONFIG STORE - Rate contracts keyed by firm name
// =============================================================================

type firmConfigStore struct {
	st *ledgerState
}

func (s *firmConfigStore) get(name string) (FirmConfig, bool) {
	f, ok := s.st.firms[name]
	return f, ok
}

func (s *firmConfigStore) list() []FirmConfig {
	out := make([]FirmConfig, 0, len(s.st.firms))
	for _, f := range s.st.firms {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// upsert merges in into the existing config (or a new one). Only non-nil
// fields are applied, so partial updates work. A new firm needs both rates.
func (s *firmConfigStore) upsert(in FirmConfigInput) (FirmConfig, bool, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return FirmConfig{}, false, invalid("name", "firm name is required")
	}

	now := s.st.now()
	cfg, exists := s.st.firms[name]
	if !exists {
		if in.FileRate == nil {
			return FirmConfig{}, false, invalid("file_rate", "required for a new firm")
		}
		if in.MileageRate == nil {
			return FirmConfig{}, false, invalid("mileage_rate", "required for a new firm")
		}
		cfg = FirmConfig{
			Name:            name,
			TimeExpenseRate: decimal.Zero,
			PaymentSchedule: generic.ScheduleWeekly,
			CreatedAt:       now,
		}
	}

	if err := applyFirmInput(&cfg, in); err != nil {
		return FirmConfig{}, false, err
	}
	cfg.UpdatedAt = now

	s.st.firms[name] = cfg
	return cfg, !exists, nil
}

func applyFirmInput(cfg *FirmConfig, in FirmConfigInput) error {
	rates := []struct {
		field string
		value *decimal.Decimal
		dst   *decimal.Decimal
	}{
		{"file_rate", in.FileRate, &cfg.FileRate},
		{"mileage_rate", in.MileageRate, &cfg.MileageRate},
		{"time_expense_rate", in.TimeExpenseRate, &cfg.TimeExpenseRate},
	}
	for _, r := range rates {
		if r.value == nil {
			continue
		}
		if r.value.IsNegative() {
			return invalid(r.field, "must be non-negative, got %s", r.value)
		}
	}

	if in.FreeMileage != nil && *in.FreeMileage < 0 {
		return invalid("free_mileage", "must be non-negative, got %d", *in.FreeMileage)
	}

	var schedule generic.Schedule
	if in.PaymentSchedule != nil {
		parsed, err := generic.ParseSchedule(*in.PaymentSchedule)
		if err != nil {
			return invalid("payment_schedule", "must be one of weekly, bi-weekly, monthly (got %q)", *in.PaymentSchedule)
		}
		schedule = parsed
	}

	// Everything validated; apply.
	for _, r := range rates {
		if r.value != nil {
			*r.dst = *r.value
		}
	}
	if in.FreeMileage != nil {
		cfg.FreeMileage = *in.FreeMileage
	}
	if schedule != "" {
		cfg.PaymentSchedule = schedule
	}
	if in.PaymentDay != nil {
		cfg.PaymentDay = strings.TrimSpace(*in.PaymentDay)
	}
	if in.Contact != nil {
		cfg.Contact = *in.Contact
	}
	return nil
}

// remove deletes a firm unless jobs reference it.
func (s *firmConfigStore) remove(name string) (FirmConfig, bool, error) {
	cfg, ok := s.st.firms[name]
	if !ok {
		return FirmConfig{}, false, nil
	}
	if n := s.st.jobsByFirm[name]; n > 0 {
		return FirmConfig{}, false, &ReferentialIntegrityError{FirmName: name, JobCount: n}
	}
	delete(s.st.firms, name)
	return cfg, true, nil
}

// =============================================================================
// ENGINE OPERATIONS
// =============================================================================

// AddFirmConfig creates or merges a firm configuration. Overwriting is not an error.
func (e *Engine) AddFirmConfig(ctx context.Context, in FirmConfigInput) (*FirmConfig, error) {
	var out FirmConfig
	err := e.write(ctx, func() (mutation, error) {
		cfg, created, err := e.firms.upsert(in)
		if err != nil {
			return mutation{}, err
		}
		out = cfg
		e.log.WithFields(logrus.Fields{
			"module":   "firms",
			"firm":     cfg.Name,
			"created":  created,
			"schedule": cfg.PaymentSchedule,
		}).Info("firm configuration saved")
		return mutation{changed: true}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateFirmConfig merges in into the existing firm name. Unknown firm: nil, nil.
func (e *Engine) UpdateFirmConfig(ctx context.Context, name string, in FirmConfigInput) (*FirmConfig, error) {
	var out *FirmConfig
	err := e.write(ctx, func() (mutation, error) {
		if _, ok := e.firms.get(name); !ok {
			return mutation{}, nil
		}
		in.Name = name
		cfg, _, err := e.firms.upsert(in)
		if err != nil {
			return mutation{}, err
		}
		out = &cfg
		return mutation{changed: true}, nil
	})
	return out, err
}

func (e *Engine) GetFirmConfig(_ context.Context, name string) *FirmConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cfg, ok := e.firms.get(name)
	if !ok {
		return nil
	}
	return &cfg
}

func (e *Engine) ListFirmConfigs(_ context.Context) []FirmConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.firms.list()
}

// DeleteFirmConfig removes a firm and all of its billing periods.
// Returns a *ReferentialIntegrityError while jobs reference the firm, and
// false with no error for an unknown name.
func (e *Engine) DeleteFirmConfig(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := e.write(ctx, func() (mutation, error) {
		cfg, ok, err := e.firms.remove(name)
		if err != nil || !ok {
			return mutation{}, err
		}
		deleted = true
		removed := e.periods.removeFirm(name)

		e.log.WithFields(logrus.Fields{
			"module":          "firms",
			"firm":            name,
			"periods_removed": removed,
		}).Info("firm deleted")

		ev := newEvent(EventFirmDeleted, e.st.now(), name)
		ev.Firm = &cfg
		return mutation{changed: true, events: []Event{ev}}, nil
	})

	var refErr *ReferentialIntegrityError
	if errors.As(err, &refErr) {
		e.log.WithFields(logrus.Fields{
			"module":        "firms",
			"firm":          name,
			"blocking_jobs": refErr.JobCount,
		}).Warn("firm deletion blocked")
	}
	return deleted, err
}
