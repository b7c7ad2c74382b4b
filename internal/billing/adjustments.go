package billing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// DiscountResult is the discount contribution and the assignments that produced it.
type DiscountResult struct {
	Amount decimal.Decimal
	IDs    []int64
}

// ApplyDiscounts sums qualifying assignments. Percent discounts apply to chargeSubtotal.
func ApplyDiscounts(assignments []DiscountAssignment, chargeSubtotal int64, p Period) DiscountResult {
	res := DiscountResult{Amount: decimal.Zero}
	base := decimal.NewFromInt(chargeSubtotal)
	for _, a := range assignments {
		if !a.Active || !a.DefinitionActive {
			continue
		}
		if !overlaps(p, dateOnly(a.ValidFrom), a.ValidTo) {
			continue
		}
		switch a.Kind {
		case DiscountPercent:
			res.Amount = res.Amount.Add(base.Mul(a.Value).Div(hundred))
		case DiscountAmount:
			res.Amount = res.Amount.Add(a.Value)
		default:
			continue
		}
		res.IDs = append(res.IDs, a.ID)
	}
	return res
}

// CreditNoteResult is the amount to be repaid and the notes consumed.
type CreditNoteResult struct {
	Amount int64
	IDs    []int64
}

// ApplyCreditNotes sums unapplied notes issued before the period start. The first billing
// period of the system never consumes notes since opening balances already include them.
func ApplyCreditNotes(notes []CreditNote, p Period, firstPeriod bool) CreditNoteResult {
	var res CreditNoteResult
	if firstPeriod {
		return res
	}
	for _, n := range notes {
		if !n.IssuedAt.Before(p.Start()) {
			continue
		}
		res.Amount += n.Amount
		res.IDs = append(res.IDs, n.ID)
	}
	return res
}

// BalanceInput feeds the prior balance calculation.
type BalanceInput struct {
	FirstPeriod      bool
	InitialBalance   int64
	PreviousTotal    int64
	PaymentsInPeriod int64
	CreditNotes      int64
}

// PriorBalance returns the amount owed from earlier periods and any credit carried forward.
// Exactly one of the two is non-zero.
func PriorBalance(in BalanceInput) (balance, carriedCredit int64) {
	base := in.PreviousTotal - in.PaymentsInPeriod
	if in.FirstPeriod {
		base = in.InitialBalance
	}
	base += in.CreditNotes
	if base < 0 {
		return 0, -base
	}
	return base, 0
}

// ExtraCharges splits fines and reconnection charges into tax buckets.
type ExtraCharges struct {
	VATAffecting    int64
	NonVAT          int64
	FineIDs         []int64
	ReconnectionIDs []int64
}

// CollectExtraCharges gathers fines issued up to the period end and restored, unbilled
// reconnections priced from the tariff tiers.
func CollectExtraCharges(fines []Fine, reconnections []Reconnection, tariff Tariff, p Period) ExtraCharges {
	var res ExtraCharges
	for _, f := range fines {
		if f.IssuedAt.After(p.End()) {
			continue
		}
		if f.AffectsVAT {
			res.VATAffecting += f.Amount
		} else {
			res.NonVAT += f.Amount
		}
		res.FineIDs = append(res.FineIDs, f.ID)
	}
	for _, r := range reconnections {
		if r.Status != ReconnectionRestored || r.RestoredAt == nil || dateOnly(*r.RestoredAt).After(p.End()) {
			continue
		}
		res.VATAffecting += ReconnectionPrice(r, tariff)
		res.ReconnectionIDs = append(res.ReconnectionIDs, r.ID)
	}
	return res
}

// ReconnectionPrice returns the custom amount when set, else the tier for the customer's restoration count.
func ReconnectionPrice(r Reconnection, tariff Tariff) int64 {
	if r.CustomAmount != nil {
		return *r.CustomAmount
	}
	if r.PriorRestorations == 0 {
		return roundUnits(tariff.ReconnectionFirst)
	}
	return roundUnits(tariff.ReconnectionSubsequent)
}

// InstallmentResult is the repactación charge for a period.
type InstallmentResult struct {
	PlanID int64
	Number int
	Amount int64
}

// ActivePlan returns the plan covering the period; the most recently started one wins.
func ActivePlan(plans []InstallmentPlan, p Period) *InstallmentPlan {
	var active []InstallmentPlan
	for _, plan := range plans {
		if overlaps(p, dateOnly(plan.StartDate), plan.RealEndDate) {
			active = append(active, plan)
		}
	}
	if len(active) == 0 {
		return nil
	}
	sort.SliceStable(active, func(i, j int) bool {
		if !active[i].StartDate.Equal(active[j].StartDate) {
			return active[i].StartDate.After(active[j].StartDate)
		}
		return active[i].ID > active[j].ID
	})
	return &active[0]
}

// Installment computes the plan's charge for p. Installments outside 1..TotalInstallments bill nothing.
func Installment(plan *InstallmentPlan, p Period) InstallmentResult {
	if plan == nil {
		return InstallmentResult{}
	}
	n := monthsSince(plan.StartDate, p) + 1
	res := InstallmentResult{PlanID: plan.ID, Number: n}
	switch {
	case n < 1 || n > plan.TotalInstallments:
		res.Amount = 0
	case n == 1:
		res.Amount = plan.FirstInstallment
	default:
		res.Amount = plan.RegularInstallment
	}
	return res
}
