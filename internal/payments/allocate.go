package payments

import (
	"sort"

	"github.com/aguarural/boletas/internal/billing"
)

// Allocate spreads paid over bills oldest period first. The result depends only on the bill
// set and the paid total, so recomputing with unchanged inputs yields the same states.
func Allocate(bills []BillState, paid int64) ([]BillState, int64, int64) {
	out := make([]BillState, 0, len(bills))
	for _, b := range bills {
		if b.Status == billing.BillVoid {
			continue
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].PeriodStart.Before(out[j].PeriodStart)
		}
		return out[i].ID < out[j].ID
	})

	remaining := max(paid, 0)
	var pending int64
	for i := range out {
		covered := min(remaining, out[i].Total)
		remaining -= covered
		out[i].AmountPaid = covered
		out[i].AmountOwed = out[i].Total - covered
		if out[i].AmountOwed == 0 {
			out[i].Status = billing.BillPaid
		} else {
			out[i].Status = billing.BillPending
		}
		pending += out[i].AmountOwed
	}
	return out, pending, remaining
}
