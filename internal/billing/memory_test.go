package billing

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type memPayment struct {
	customerID int64
	amount     int64
	paidAt     time.Time
}

type memoryRepo struct {
	mu sync.Mutex

	customers     []Customer
	meters        []Meter
	readings      []Reading
	corrections   []Correction
	correctionFor map[int64]int64
	tariffs       []Tariff
	subsidies     []SubsidyAssignment
	discounts     []DiscountAssignment
	discountLinks map[int64][]int64
	bills         []Bill
	payments      []memPayment
	initial       map[int64]int64
	creditNotes   []CreditNote
	noteBill      map[int64]int64
	plans         []InstallmentPlan
	fines         []Fine
	fineBill      map[int64]int64
	reconnections []Reconnection
	reconBill     map[int64]int64
	nextBillID    int64
	inserts       int

	// failInsert fails every insert, or only the failInsertAt-th one when that is set.
	failInsert   error
	failInsertAt int
	failLink     error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		correctionFor: make(map[int64]int64),
		discountLinks: make(map[int64][]int64),
		initial:       make(map[int64]int64),
		noteBill:      make(map[int64]int64),
		fineBill:      make(map[int64]int64),
		reconBill:     make(map[int64]int64),
	}
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (r *memoryRepo) TariffsEffectiveOn(_ context.Context, day time.Time) ([]Tariff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Tariff
	for _, t := range r.tariffs {
		if t.EffectiveOn(day) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListCustomersForPeriod(_ context.Context, p Period) ([]Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]Customer(nil), r.customers...)
	return out, nil
}

func (r *memoryRepo) CurrentCustomersByNumbers(_ context.Context, numbers []string) ([]Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Customer
	for _, c := range r.customers {
		if !c.IsCurrent {
			continue
		}
		for _, n := range numbers {
			if c.Number == n {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (r *memoryRepo) MetersByCustomers(_ context.Context, ids []int64) (map[int64][]Meter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64][]Meter)
	for _, c := range r.customers {
		if !contains(ids, c.ID) {
			continue
		}
		for _, m := range r.meters {
			if m.AddressID == c.AddressID {
				out[c.ID] = append(out[c.ID], m)
			}
		}
	}
	return out, nil
}

func (r *memoryRepo) ReadingsInPeriod(_ context.Context, meterIDs []int64, p Period) (map[int64][]Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64][]Reading)
	for _, rd := range r.readings {
		if contains(meterIDs, rd.MeterID) && p.Contains(rd.ReadOn) {
			out[rd.MeterID] = append(out[rd.MeterID], rd)
		}
	}
	return out, nil
}

func (r *memoryRepo) LatestReadingsBefore(_ context.Context, meterIDs []int64, before time.Time) (map[int64]Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]Reading)
	for _, rd := range r.readings {
		if !contains(meterIDs, rd.MeterID) || !rd.ReadOn.Before(before) {
			continue
		}
		cur, ok := out[rd.MeterID]
		if !ok || rd.ReadOn.After(cur.ReadOn) || (rd.ReadOn.Equal(cur.ReadOn) && rd.ID > cur.ID) {
			out[rd.MeterID] = rd
		}
	}
	return out, nil
}

func (r *memoryRepo) CorrectionsByReadings(_ context.Context, readingIDs []int64) (map[int64]Correction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]Correction)
	for _, c := range r.corrections {
		if contains(readingIDs, c.ReadingID) && !c.Applied {
			out[c.ReadingID] = c
		}
	}
	return out, nil
}

func (r *memoryRepo) SubsidyHistory(_ context.Context, ids []int64, asOf time.Time) (map[int64][]SubsidyAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64][]SubsidyAssignment)
	for _, s := range r.subsidies {
		if contains(ids, s.CustomerID) && !s.ChangedAt.After(asOf) {
			out[s.CustomerID] = append(out[s.CustomerID], s)
		}
	}
	return out, nil
}

func (r *memoryRepo) DiscountAssignments(_ context.Context, ids []int64, _ Period) (map[int64][]DiscountAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64][]DiscountAssignment)
	for _, d := range r.discounts {
		if contains(ids, d.CustomerID) {
			out[d.CustomerID] = append(out[d.CustomerID], d)
		}
	}
	return out, nil
}

func (r *memoryRepo) BillTotals(_ context.Context, ids []int64, p Period) (map[int64]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]int64)
	for _, b := range r.bills {
		if contains(ids, b.CustomerID) && b.PeriodStart.Equal(p.Start()) && b.Status != BillVoid {
			out[b.CustomerID] += b.Total
		}
	}
	return out, nil
}

func (r *memoryRepo) PaymentsWithin(_ context.Context, ids []int64, p Period) (map[int64]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]int64)
	for _, pay := range r.payments {
		if contains(ids, pay.customerID) && p.Contains(pay.paidAt) {
			out[pay.customerID] += pay.amount
		}
	}
	return out, nil
}

func (r *memoryRepo) InitialBalances(_ context.Context, ids []int64) (map[int64]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]int64)
	for _, id := range ids {
		if v, ok := r.initial[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (r *memoryRepo) UnappliedCreditNotes(_ context.Context, ids []int64, before time.Time) (map[int64][]CreditNote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64][]CreditNote)
	for _, n := range r.creditNotes {
		if _, applied := r.noteBill[n.ID]; applied {
			continue
		}
		if contains(ids, n.CustomerID) && n.IssuedAt.Before(before) {
			out[n.CustomerID] = append(out[n.CustomerID], n)
		}
	}
	return out, nil
}

func (r *memoryRepo) InstallmentPlans(_ context.Context, ids []int64, _ Period) (map[int64][]InstallmentPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64][]InstallmentPlan)
	for _, p := range r.plans {
		if contains(ids, p.CustomerID) {
			out[p.CustomerID] = append(out[p.CustomerID], p)
		}
	}
	return out, nil
}

func (r *memoryRepo) UnappliedFines(_ context.Context, ids []int64, _ Period) (map[int64][]Fine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64][]Fine)
	for _, f := range r.fines {
		if _, linked := r.fineBill[f.ID]; linked {
			continue
		}
		if contains(ids, f.CustomerID) {
			out[f.CustomerID] = append(out[f.CustomerID], f)
		}
	}
	return out, nil
}

func (r *memoryRepo) UnbilledReconnections(_ context.Context, ids []int64, _ Period) (map[int64][]Reconnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64][]Reconnection)
	for _, rc := range r.reconnections {
		if _, linked := r.reconBill[rc.ID]; linked {
			continue
		}
		if contains(ids, rc.CustomerID) {
			out[rc.CustomerID] = append(out[rc.CustomerID], rc)
		}
	}
	return out, nil
}

func (r *memoryRepo) PeriodBillCount(_ context.Context, p Period) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.bills {
		if b.PeriodStart.Equal(p.Start()) {
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) LastFolio(_ context.Context, p Period) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		last  int64
		found bool
	)
	for _, b := range r.bills {
		if !b.PeriodStart.Equal(p.Start()) {
			continue
		}
		n, err := strconv.ParseInt(b.Folio, 10, 64)
		if err != nil {
			return 0, false, err
		}
		if !found || n > last {
			last, found = n, true
		}
	}
	return last, found, nil
}

type memorySnapshot struct {
	bills         []Bill
	corrections   []Correction
	correctionFor map[int64]int64
	discountLinks map[int64][]int64
	noteBill      map[int64]int64
	fineBill      map[int64]int64
	reconBill     map[int64]int64
}

func copyLinks(m map[int64]int64) map[int64]int64 {
	out := make(map[int64]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// InTx restores every write fn made when it fails. Bill ids are not reused, as with a sequence.
func (r *memoryRepo) InTx(ctx context.Context, fn func(ctx context.Context, w BillWriter) error) error {
	r.mu.Lock()
	snap := memorySnapshot{
		bills:         append([]Bill(nil), r.bills...),
		corrections:   append([]Correction(nil), r.corrections...),
		correctionFor: copyLinks(r.correctionFor),
		discountLinks: make(map[int64][]int64, len(r.discountLinks)),
		noteBill:      copyLinks(r.noteBill),
		fineBill:      copyLinks(r.fineBill),
		reconBill:     copyLinks(r.reconBill),
	}
	for k, v := range r.discountLinks {
		snap.discountLinks[k] = append([]int64(nil), v...)
	}
	r.mu.Unlock()

	if err := fn(ctx, r); err != nil {
		r.mu.Lock()
		r.bills, r.corrections, r.correctionFor = snap.bills, snap.corrections, snap.correctionFor
		r.discountLinks, r.noteBill, r.fineBill, r.reconBill = snap.discountLinks, snap.noteBill, snap.fineBill, snap.reconBill
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memoryRepo) InsertBills(_ context.Context, bills []Bill) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	if r.failInsert != nil && (r.failInsertAt == 0 || r.inserts == r.failInsertAt) {
		return nil, r.failInsert
	}
	ids := make([]int64, len(bills))
	for i, b := range bills {
		r.nextBillID++
		b.ID = r.nextBillID
		ids[i] = b.ID
		r.bills = append(r.bills, b)
	}
	return ids, nil
}

func (r *memoryRepo) setLinks(dst map[int64]int64, links []Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range links {
		dst[l.ID] = l.BillID
	}
}

func (r *memoryRepo) MarkCreditNotesApplied(_ context.Context, links []Link) error {
	r.setLinks(r.noteBill, links)
	return nil
}

func (r *memoryRepo) LinkFines(_ context.Context, links []Link) error {
	if r.failLink != nil {
		return r.failLink
	}
	r.setLinks(r.fineBill, links)
	return nil
}

func (r *memoryRepo) LinkReconnections(_ context.Context, links []Link) error {
	r.setLinks(r.reconBill, links)
	return nil
}

func (r *memoryRepo) LinkDiscounts(_ context.Context, links []Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range links {
		r.discountLinks[l.ID] = append(r.discountLinks[l.ID], l.BillID)
	}
	return nil
}

func (r *memoryRepo) MarkCorrectionsApplied(_ context.Context, links []Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range links {
		for i := range r.corrections {
			if r.corrections[i].ID == l.ID {
				r.corrections[i].Applied = true
				r.correctionFor[l.ID] = l.BillID
			}
		}
	}
	return nil
}

func (r *memoryRepo) DeletePeriodBills(_ context.Context, p Period) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := make(map[int64]struct{})
	kept := r.bills[:0]
	for _, b := range r.bills {
		if b.PeriodStart.Equal(p.Start()) {
			removed[b.ID] = struct{}{}
			continue
		}
		kept = append(kept, b)
	}
	r.bills = kept
	release := func(m map[int64]int64) {
		for id, billID := range m {
			if _, ok := removed[billID]; ok {
				delete(m, id)
			}
		}
	}
	release(r.noteBill)
	release(r.fineBill)
	release(r.reconBill)
	for id, billID := range r.correctionFor {
		if _, ok := removed[billID]; ok {
			delete(r.correctionFor, id)
			for i := range r.corrections {
				if r.corrections[i].ID == id {
					r.corrections[i].Applied = false
				}
			}
		}
	}
	for id, billIDs := range r.discountLinks {
		var keep []int64
		for _, b := range billIDs {
			if _, ok := removed[b]; !ok {
				keep = append(keep, b)
			}
		}
		r.discountLinks[id] = keep
	}
	return int64(len(removed)), nil
}

func (r *memoryRepo) billsFor(p Period) []Bill {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Bill
	for _, b := range r.bills {
		if b.PeriodStart.Equal(p.Start()) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Folio < out[j].Folio })
	return out
}

// fixture helpers

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func (r *memoryRepo) addCustomer(id int64, number string, start time.Time) Customer {
	c := Customer{
		ID:             id,
		Number:         number,
		Name:           "Socio " + number,
		AddressID:      id,
		IsCurrent:      true,
		ServiceStart:   start,
		OwnershipStart: start,
	}
	r.customers = append(r.customers, c)
	return c
}

func (r *memoryRepo) addMeter(id, addressID int64, initial string) {
	r.meters = append(r.meters, Meter{ID: id, AddressID: addressID, Serial: "M" + strconv.FormatInt(id, 10), InitialReading: dec(initial), State: MeterActive})
}

func (r *memoryRepo) addReading(id, meterID int64, on time.Time, value string) {
	r.readings = append(r.readings, Reading{ID: id, MeterID: meterID, ReadOn: on, Value: dec(value)})
}
