package billing

import (
	"github.com/shopspring/decimal"
)

// Charges are the base monetary components of a bill at full precision.
type Charges struct {
	Fixed           decimal.Decimal
	Water           decimal.Decimal
	Sewage          decimal.Decimal
	Treatment       decimal.Decimal
	SewageTreatment decimal.Decimal
	Combined        bool
}

// CalculateCharges prices consumption against tariff. Negative consumption passes through
// the reading resolver untouched but never produces a negative volumetric charge.
func CalculateCharges(consumption decimal.Decimal, tariff Tariff) Charges {
	billable := decimal.Max(consumption, decimal.Zero)
	c := Charges{
		Fixed: tariff.FixedCharge,
		Water: billable.Mul(tariff.WaterRate),
	}
	switch r := tariff.Rates.(type) {
	case SeparateRates:
		c.Sewage = billable.Mul(r.Sewage)
		c.Treatment = billable.Mul(r.Treatment)
	case CombinedRate:
		c.SewageTreatment = billable.Mul(r.SewageTreatment)
		c.Combined = true
	}
	return c
}

// Rounded returns each component rounded half-up to whole units.
func (c Charges) Rounded() RoundedCharges {
	return RoundedCharges{
		Fixed:           roundUnits(c.Fixed),
		Water:           roundUnits(c.Water),
		Sewage:          roundUnits(c.Sewage),
		Treatment:       roundUnits(c.Treatment),
		SewageTreatment: roundUnits(c.SewageTreatment),
	}
}

// RoundedCharges are the itemized lines printed on the bill.
type RoundedCharges struct {
	Fixed           int64
	Water           int64
	Sewage          int64
	Treatment       int64
	SewageTreatment int64
}

// Subtotal sums the itemized lines.
func (r RoundedCharges) Subtotal() int64 {
	return r.Fixed + r.Water + r.Sewage + r.Treatment + r.SewageTreatment
}

// roundUnits rounds half away from zero, which is half-up for the non-negative amounts billed here.
func roundUnits(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}
