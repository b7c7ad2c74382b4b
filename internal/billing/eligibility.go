package billing

import (
	"sort"
)

// Skip reasons reported in a run's skip log.
const (
	SkipFormerNotActive = "former customer record not active during period"
	SkipDuplicateNumber = "duplicate customer number"
	SkipNoReadings      = "no qualifying meter reading"
	SkipAssemblyFailed  = "bill assembly failed"
)

// SkipEntry records a customer left out of a run.
type SkipEntry struct {
	CustomerID     int64  `json:"customer_id"`
	CustomerNumber string `json:"customer_number"`
	Reason         string `json:"reason"`
	Detail         string `json:"detail,omitempty"`
	// Folio is the number the customer consumed before being skipped, empty when none was drawn.
	Folio string `json:"folio,omitempty"`
}

// FilterEligible selects customers billable in p and resolves customer-number collisions.
// Customers invoiced through the external channel are excluded without a skip entry.
func FilterEligible(candidates []Customer, p Period) ([]Customer, []SkipEntry) {
	byNumber := make(map[string][]Customer)
	var numbers []string
	for _, c := range candidates {
		if c.ExternalInvoice {
			continue
		}
		if !overlaps(p, dateOnly(c.ServiceStart), c.ServiceEnd) {
			continue
		}
		if _, seen := byNumber[c.Number]; !seen {
			numbers = append(numbers, c.Number)
		}
		byNumber[c.Number] = append(byNumber[c.Number], c)
	}
	sort.Strings(numbers)

	var (
		out   []Customer
		skips []SkipEntry
	)
	for _, number := range numbers {
		group := byNumber[number]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].IsCurrent != group[j].IsCurrent {
				return group[i].IsCurrent
			}
			return group[i].ID < group[j].ID
		})
		keptCurrent := false
		for _, c := range group {
			switch {
			case c.IsCurrent && !keptCurrent:
				keptCurrent = true
				out = append(out, c)
			case c.IsCurrent:
				skips = append(skips, SkipEntry{CustomerID: c.ID, CustomerNumber: c.Number, Reason: SkipDuplicateNumber})
			case overlaps(p, dateOnly(c.OwnershipStart), c.OwnershipEnd):
				out = append(out, c)
			default:
				skips = append(skips, SkipEntry{CustomerID: c.ID, CustomerNumber: c.Number, Reason: SkipFormerNotActive})
			}
		}
	}
	return out, skips
}
