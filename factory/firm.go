/*
Package factory provides JSON to Go firm contract conversion.

PURPOSE:
  Converts JSON firm contracts into billing.FirmConfigInput values. Billing
  staff keep rate sheets as JSON files; the factory validates them and hands
  the engine typed input, so contracts change without code changes.

JSON SCHEMA:
  {
    "name": "Acme Adjusting",
    "file_rate": "150.00",
    "mileage_rate": "0.67",
    "free_mileage": 25,
    "time_expense_rate": "45",
    "payment_schedule": "bi-weekly",
    "payment_day": "friday",
    "contact": {
      "name": "Dana Ortiz",
      "email": "billing@acme.example",
      "phone": "555-0100"
    }
  }

  Rates may be JSON strings or numbers. Omitted fields are left to the
  engine defaults on create and untouched on update.

VALIDATION:
  Struct tags are checked with go-playground/validator before anything
  reaches the engine. Failures come back as *billing.ValidationError so
  callers classify them with billing.IsClientError.

USAGE:
  f := factory.NewFirmFactory()

  inputs, err := f.ParseFirms(data) // one object or an array
  for _, in := range inputs {
      engine.AddFirmConfig(ctx, in)
  }

SEE ALSO:
  - billing/firms.go:  Engine-side rate validation and merge
  - api/dto.go:        Request DTOs validated with Validate
  - cmd/server:        import-firms command
*/
package factory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/claims-billing/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// FirmJSON is the JSON representation of a firm contract.
type FirmJSON struct {
	Name            string           `json:"name" validate:"required,max=120"`
	FileRate        *decimal.Decimal `json:"file_rate,omitempty" validate:"omitempty,gte=0"`
	MileageRate     *decimal.Decimal `json:"mileage_rate,omitempty" validate:"omitempty,gte=0"`
	FreeMileage     *int             `json:"free_mileage,omitempty" validate:"omitempty,min=0"`
	TimeExpenseRate *decimal.Decimal `json:"time_expense_rate,omitempty" validate:"omitempty,gte=0"`
	PaymentSchedule *string          `json:"payment_schedule,omitempty" validate:"omitempty,oneof=weekly bi-weekly biweekly monthly"`
	PaymentDay      *string          `json:"payment_day,omitempty" validate:"omitempty,max=20"`
	Contact         *ContactJSON     `json:"contact,omitempty"`
}

// ContactJSON is the billing contact block.
type ContactJSON struct {
	Name    string `json:"name,omitempty" validate:"max=120"`
	Email   string `json:"email,omitempty" validate:"omitempty,email"`
	Phone   string `json:"phone,omitempty" validate:"max=40"`
	Address string `json:"address,omitempty"`
}

// =============================================================================
// FIRM FACTORY
// =============================================================================

// FirmFactory converts JSON firm contracts to engine input.
type FirmFactory struct {
	validate *validator.Validate
}

// NewFirmFactory creates a factory with its validator configured.
func NewFirmFactory() *FirmFactory {
	return &FirmFactory{validate: NewValidator()}
}

// NewValidator returns a validator that reports JSON field names and
// compares decimal.Decimal values numerically.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// Validate checks s against its validate tags.
func (f *FirmFactory) Validate(s any) error {
	return translate(f.validate.Struct(s))
}

// ParseFirm parses one JSON firm contract.
func (f *FirmFactory) ParseFirm(data []byte) (billing.FirmConfigInput, error) {
	var fj FirmJSON
	if err := json.Unmarshal(data, &fj); err != nil {
		return billing.FirmConfigInput{}, fmt.Errorf("failed to parse firm JSON: %w", err)
	}
	return f.FromJSON(fj)
}

// ParseFirms parses either a single contract or an array of contracts.
func (f *FirmFactory) ParseFirms(data []byte) ([]billing.FirmConfigInput, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty firm document")
	}
	if trimmed[0] != '[' {
		in, err := f.ParseFirm(trimmed)
		if err != nil {
			return nil, err
		}
		return []billing.FirmConfigInput{in}, nil
	}

	var list []FirmJSON
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, fmt.Errorf("failed to parse firm JSON: %w", err)
	}
	inputs := make([]billing.FirmConfigInput, 0, len(list))
	for i, fj := range list {
		in, err := f.FromJSON(fj)
		if err != nil {
			return nil, fmt.Errorf("firm %d: %w", i, err)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

// FromJSON validates fj and converts it to engine input.
func (f *FirmFactory) FromJSON(fj FirmJSON) (billing.FirmConfigInput, error) {
	if fj.PaymentSchedule != nil {
		s := strings.ToLower(strings.TrimSpace(*fj.PaymentSchedule))
		fj.PaymentSchedule = &s
	}
	if err := f.Validate(fj); err != nil {
		return billing.FirmConfigInput{}, err
	}

	in := billing.FirmConfigInput{
		Name:            strings.TrimSpace(fj.Name),
		FileRate:        fj.FileRate,
		MileageRate:     fj.MileageRate,
		FreeMileage:     fj.FreeMileage,
		TimeExpenseRate: fj.TimeExpenseRate,
		PaymentSchedule: fj.PaymentSchedule,
		PaymentDay:      fj.PaymentDay,
	}
	if fj.Contact != nil {
		in.Contact = &billing.ContactInfo{
			Name:    fj.Contact.Name,
			Email:   fj.Contact.Email,
			Phone:   fj.Contact.Phone,
			Address: fj.Contact.Address,
		}
	}
	return in, nil
}

// ToJSON converts a stored FirmConfig back to its contract form.
func (f *FirmFactory) ToJSON(cfg billing.FirmConfig) FirmJSON {
	fileRate, mileageRate, timeRate := cfg.FileRate, cfg.MileageRate, cfg.TimeExpenseRate
	freeMileage := cfg.FreeMileage
	schedule := string(cfg.PaymentSchedule)

	fj := FirmJSON{
		Name:            cfg.Name,
		FileRate:        &fileRate,
		MileageRate:     &mileageRate,
		FreeMileage:     &freeMileage,
		TimeExpenseRate: &timeRate,
		PaymentSchedule: &schedule,
	}
	if cfg.PaymentDay != "" {
		day := cfg.PaymentDay
		fj.PaymentDay = &day
	}
	if cfg.Contact != (billing.ContactInfo{}) {
		fj.Contact = &ContactJSON{
			Name:    cfg.Contact.Name,
			Email:   cfg.Contact.Email,
			Phone:   cfg.Contact.Phone,
			Address: cfg.Contact.Address,
		}
	}
	return fj
}

// =============================================================================
// VALIDATION ERRORS
// =============================================================================

// translate turns validator failures into billing validation errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &billing.ValidationError{Message: err.Error()}
	}

	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, &billing.ValidationError{Field: fieldPath(fe), Message: describe(fe)})
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

// fieldPath drops the top-level struct name: "FirmJSON.contact.email" -> "contact.email".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "gte", "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	}
	return fmt.Sprintf("failed %q check", fe.Tag())
}
