package billing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// SubsidyClass buckets a subsidy percentage.
type SubsidyClass string

const (
	SubsidyNone    SubsidyClass = "NONE"
	SubsidyPartial SubsidyClass = "PARTIAL"
	SubsidyFull    SubsidyClass = "FULL"
)

var hundred = decimal.NewFromInt(100)

// ClassifySubsidy maps a percentage to its class.
func ClassifySubsidy(pct decimal.Decimal) SubsidyClass {
	switch {
	case !pct.IsPositive():
		return SubsidyNone
	case pct.GreaterThanOrEqual(hundred):
		return SubsidyFull
	default:
		return SubsidyPartial
	}
}

// SubsidyPolicy holds the consumption caps and the date the revised formula takes effect.
type SubsidyPolicy struct {
	// Cutover is the first day the revised formula applies; zero disables the revision.
	Cutover    time.Time
	CapM3      int64
	RevisedCap int64
}

func (p SubsidyPolicy) withDefaults() SubsidyPolicy {
	if p.CapM3 <= 0 {
		p.CapM3 = 15
	}
	if p.RevisedCap <= 0 {
		p.RevisedCap = 13
	}
	return p
}

// revised reports whether the period falls under the revised formula.
func (p SubsidyPolicy) revised(period Period) bool {
	return !p.Cutover.IsZero() && !period.Start().Before(dateOnly(p.Cutover))
}

// ActiveSubsidy returns the most recent history entry at or before the period start,
// or nil when there is none or it records a removal.
func ActiveSubsidy(history []SubsidyAssignment, p Period) *SubsidyAssignment {
	entries := make([]SubsidyAssignment, 0, len(history))
	for _, h := range history {
		if !h.ChangedAt.After(p.Start()) {
			entries = append(entries, h)
		}
	}
	if len(entries) == 0 {
		return nil
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].ChangedAt.Equal(entries[j].ChangedAt) {
			return entries[i].ChangedAt.After(entries[j].ChangedAt)
		}
		return entries[i].ID > entries[j].ID
	})
	latest := entries[0]
	if latest.Change == SubsidyRemoved {
		return nil
	}
	return &latest
}

// SubsidyResult is a computed subsidy before clamping against the bill.
type SubsidyResult struct {
	Class      SubsidyClass
	Percentage decimal.Decimal
	Amount     decimal.Decimal
}

// Calculate computes the subsidy for an assignment, consumption and tariff in period.
func (p SubsidyPolicy) Calculate(assignment *SubsidyAssignment, consumption decimal.Decimal, tariff Tariff, period Period) SubsidyResult {
	if assignment == nil {
		return SubsidyResult{Class: SubsidyNone}
	}
	p = p.withDefaults()
	pct := decimal.Min(assignment.Percentage, hundred)
	class := ClassifySubsidy(pct)
	if class == SubsidyNone {
		return SubsidyResult{Class: SubsidyNone}
	}

	sewage, treatment := decimal.Zero, decimal.Zero
	switch r := tariff.Rates.(type) {
	case SeparateRates:
		sewage, treatment = r.Sewage, r.Treatment
	case CombinedRate:
		sewage = r.SewageTreatment
	}
	unit := tariff.WaterRate.Add(sewage).Add(treatment)

	limit := p.CapM3
	includeFixed := true
	if p.revised(period) {
		if class == SubsidyPartial {
			limit = p.RevisedCap
		}
		includeFixed = consumption.IsPositive()
	}

	covered := decimal.Min(decimal.Max(consumption, decimal.Zero), decimal.NewFromInt(limit))
	base := covered.Mul(unit)
	if includeFixed {
		base = base.Add(tariff.FixedCharge)
	}
	return SubsidyResult{
		Class:      class,
		Percentage: pct,
		Amount:     base.Mul(pct).Div(hundred),
	}
}
