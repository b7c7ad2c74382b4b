package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Rates is the sewage/treatment shape of a tariff: SeparateRates or CombinedRate.
type Rates interface {
	isRates()
}

// SeparateRates prices sewage and treatment independently.
type SeparateRates struct {
	Sewage    decimal.Decimal
	Treatment decimal.Decimal
}

// CombinedRate prices sewage and treatment as one figure.
type CombinedRate struct {
	SewageTreatment decimal.Decimal
}

func (SeparateRates) isRates() {}
func (CombinedRate) isRates()  {}

// Tariff is the rate card effective over [ValidFrom, ValidTo].
type Tariff struct {
	ID                     int64
	ValidFrom              time.Time
	ValidTo                *time.Time
	FixedCharge            decimal.Decimal
	WaterRate              decimal.Decimal
	Rates                  Rates
	VATRate                decimal.Decimal
	ReconnectionFirst      decimal.Decimal
	ReconnectionSubsequent decimal.Decimal
}

// EffectiveOn reports whether the tariff covers day t.
func (t Tariff) EffectiveOn(day time.Time) bool {
	day = dateOnly(day)
	if day.Before(dateOnly(t.ValidFrom)) {
		return false
	}
	return t.ValidTo == nil || !day.After(dateOnly(*t.ValidTo))
}

// TariffSource loads candidate tariffs for a date.
type TariffSource interface {
	TariffsEffectiveOn(ctx context.Context, day time.Time) ([]Tariff, error)
}

// ResolveTariff returns the single rate card valid on the period's first day.
func ResolveTariff(ctx context.Context, src TariffSource, p Period) (Tariff, error) {
	candidates, err := src.TariffsEffectiveOn(ctx, p.Start())
	if err != nil {
		return Tariff{}, fmt.Errorf("billing: load tariffs: %w", err)
	}
	var found []Tariff
	for _, t := range candidates {
		if t.EffectiveOn(p.Start()) {
			found = append(found, t)
		}
	}
	switch len(found) {
	case 0:
		return Tariff{}, fmt.Errorf("%w: %s", ErrNoTariff, p)
	case 1:
	default:
		return Tariff{}, fmt.Errorf("%w: %s has %d", ErrTariffOverlap, p, len(found))
	}
	t := found[0]
	if t.Rates == nil {
		return Tariff{}, fmt.Errorf("billing: tariff %d has no sewage/treatment rates", t.ID)
	}
	return t, nil
}
