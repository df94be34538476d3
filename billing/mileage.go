package billing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/claims-billing/generic"
)

// =============================================================================
// MILEAGE PROVIDER - External distance lookup
// =============================================================================

// MileageProvider returns the roundtrip distance between two addresses.
// Implementations live in the mileage package.
type MileageProvider interface {
	Roundtrip(ctx context.Context, origin, destination string) (Mileage, error)
}

// MileageProviderFunc adapts a function to MileageProvider.
type MileageProviderFunc func(ctx context.Context, origin, destination string) (Mileage, error)

func (f MileageProviderFunc) Roundtrip(ctx context.Context, origin, destination string) (Mileage, error) {
	return f(ctx, origin, destination)
}

const (
	// DefaultEstimatedMiles replaces a failed lookup.
	DefaultEstimatedMiles = 50

	DefaultMileageTimeout = 10 * time.Second

	estimatedRouteDetails = "estimated: mileage lookup unavailable"
)

// resolveMileage never fails: pre-supplied mileage wins, then the provider,
// then the fixed estimate. Runs without the engine lock held.
func (e *Engine) resolveMileage(ctx context.Context, in CreateJobInput) (Mileage, error) {
	if in.Mileage != nil {
		if in.Mileage.Miles.IsNegative() {
			return Mileage{}, invalid("mileage", "miles must be non-negative")
		}
		m := *in.Mileage
		m.Miles = generic.RoundMiles(m.Miles)
		return m, nil
	}

	log := e.log.WithFields(logrus.Fields{
		"module": "mileage",
		"firm":   in.FirmName,
		"claim":  in.ClaimNumber,
	})

	if e.mileage == nil {
		log.Warn("no mileage provider configured, using estimate")
		return e.estimatedMileage(), nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, e.mileageTimeout)
	defer cancel()

	m, err := e.mileage.Roundtrip(lookupCtx, in.OriginAddress, in.ClaimAddress)
	if err == nil && m.Miles.IsNegative() {
		err = errors.New("provider returned negative distance")
	}
	if err != nil {
		resErr := &MileageResolutionError{Origin: in.OriginAddress, Destination: in.ClaimAddress, Err: err}
		log.WithError(resErr).Warn("mileage lookup failed, using estimate")
		return e.estimatedMileage(), nil
	}

	m.Miles = generic.RoundMiles(m.Miles)
	m.Estimated = false
	return m, nil
}

func (e *Engine) estimatedMileage() Mileage {
	return Mileage{
		Miles:        e.estimatedMiles,
		RouteDetails: estimatedRouteDetails,
		Estimated:    true,
	}
}

var defaultEstimatedMiles = decimal.NewFromInt(DefaultEstimatedMiles)
