package billing

import (
	"context"
	"fmt"
	"time"
)

// DataSource answers the per-customer lookups the assembler needs for one period.
// PrefetchedSource serves them from maps built by the Prefetcher; DirectSource queries the store.
type DataSource interface {
	CurrentCustomer(ctx context.Context, number string) (*Customer, error)
	Meters(ctx context.Context, customerID int64) ([]Meter, error)
	PeriodReadings(ctx context.Context, meterID int64) ([]Reading, error)
	PreviousReading(ctx context.Context, meterID int64) (*Reading, error)
	Correction(ctx context.Context, readingID int64) (*Correction, error)
	SubsidyHistory(ctx context.Context, customerID int64) ([]SubsidyAssignment, error)
	Discounts(ctx context.Context, customerID int64) ([]DiscountAssignment, error)
	PriorBillTotal(ctx context.Context, customerID int64) (int64, error)
	PaymentsInPeriod(ctx context.Context, customerID int64) (int64, error)
	InitialBalance(ctx context.Context, customerID int64) (int64, error)
	CreditNotes(ctx context.Context, customerID int64) ([]CreditNote, error)
	InstallmentPlans(ctx context.Context, customerID int64) ([]InstallmentPlan, error)
	Fines(ctx context.Context, customerID int64) ([]Fine, error)
	Reconnections(ctx context.Context, customerID int64) ([]Reconnection, error)
}

// Reader is the bulk read side of the persistence layer. Every lookup is keyed by id sets so the
// same queries serve one customer or a whole chunk.
type Reader interface {
	TariffSource
	ListCustomersForPeriod(ctx context.Context, p Period) ([]Customer, error)
	CurrentCustomersByNumbers(ctx context.Context, numbers []string) ([]Customer, error)
	MetersByCustomers(ctx context.Context, customerIDs []int64) (map[int64][]Meter, error)
	ReadingsInPeriod(ctx context.Context, meterIDs []int64, p Period) (map[int64][]Reading, error)
	LatestReadingsBefore(ctx context.Context, meterIDs []int64, before time.Time) (map[int64]Reading, error)
	CorrectionsByReadings(ctx context.Context, readingIDs []int64) (map[int64]Correction, error)
	SubsidyHistory(ctx context.Context, customerIDs []int64, asOf time.Time) (map[int64][]SubsidyAssignment, error)
	DiscountAssignments(ctx context.Context, customerIDs []int64, p Period) (map[int64][]DiscountAssignment, error)
	BillTotals(ctx context.Context, customerIDs []int64, p Period) (map[int64]int64, error)
	PaymentsWithin(ctx context.Context, customerIDs []int64, p Period) (map[int64]int64, error)
	InitialBalances(ctx context.Context, customerIDs []int64) (map[int64]int64, error)
	UnappliedCreditNotes(ctx context.Context, customerIDs []int64, before time.Time) (map[int64][]CreditNote, error)
	InstallmentPlans(ctx context.Context, customerIDs []int64, p Period) (map[int64][]InstallmentPlan, error)
	UnappliedFines(ctx context.Context, customerIDs []int64, p Period) (map[int64][]Fine, error)
	UnbilledReconnections(ctx context.Context, customerIDs []int64, p Period) (map[int64][]Reconnection, error)
}

// DirectSource queries the store one customer at a time. Used for individual-mode runs.
type DirectSource struct {
	reader Reader
	period Period
}

// NewDirectSource binds reader to period.
func NewDirectSource(reader Reader, p Period) *DirectSource {
	return &DirectSource{reader: reader, period: p}
}

func (s *DirectSource) CurrentCustomer(ctx context.Context, number string) (*Customer, error) {
	found, err := s.reader.CurrentCustomersByNumbers(ctx, []string{number})
	if err != nil {
		return nil, err
	}
	for i := range found {
		if found[i].Number == number && found[i].IsCurrent {
			return &found[i], nil
		}
	}
	return nil, nil
}

func (s *DirectSource) Meters(ctx context.Context, customerID int64) ([]Meter, error) {
	m, err := s.reader.MetersByCustomers(ctx, []int64{customerID})
	return m[customerID], err
}

func (s *DirectSource) PeriodReadings(ctx context.Context, meterID int64) ([]Reading, error) {
	m, err := s.reader.ReadingsInPeriod(ctx, []int64{meterID}, s.period)
	return m[meterID], err
}

func (s *DirectSource) PreviousReading(ctx context.Context, meterID int64) (*Reading, error) {
	m, err := s.reader.LatestReadingsBefore(ctx, []int64{meterID}, s.period.Start())
	if err != nil {
		return nil, err
	}
	if r, ok := m[meterID]; ok {
		return &r, nil
	}
	return nil, nil
}

func (s *DirectSource) Correction(ctx context.Context, readingID int64) (*Correction, error) {
	m, err := s.reader.CorrectionsByReadings(ctx, []int64{readingID})
	if err != nil {
		return nil, err
	}
	if c, ok := m[readingID]; ok {
		return &c, nil
	}
	return nil, nil
}

func (s *DirectSource) SubsidyHistory(ctx context.Context, customerID int64) ([]SubsidyAssignment, error) {
	m, err := s.reader.SubsidyHistory(ctx, []int64{customerID}, s.period.Start())
	return m[customerID], err
}

func (s *DirectSource) Discounts(ctx context.Context, customerID int64) ([]DiscountAssignment, error) {
	m, err := s.reader.DiscountAssignments(ctx, []int64{customerID}, s.period)
	return m[customerID], err
}

func (s *DirectSource) PriorBillTotal(ctx context.Context, customerID int64) (int64, error) {
	m, err := s.reader.BillTotals(ctx, []int64{customerID}, s.period.Previous())
	return m[customerID], err
}

func (s *DirectSource) PaymentsInPeriod(ctx context.Context, customerID int64) (int64, error) {
	m, err := s.reader.PaymentsWithin(ctx, []int64{customerID}, s.period)
	return m[customerID], err
}

func (s *DirectSource) InitialBalance(ctx context.Context, customerID int64) (int64, error) {
	m, err := s.reader.InitialBalances(ctx, []int64{customerID})
	return m[customerID], err
}

func (s *DirectSource) CreditNotes(ctx context.Context, customerID int64) ([]CreditNote, error) {
	m, err := s.reader.UnappliedCreditNotes(ctx, []int64{customerID}, s.period.Start())
	return m[customerID], err
}

func (s *DirectSource) InstallmentPlans(ctx context.Context, customerID int64) ([]InstallmentPlan, error) {
	m, err := s.reader.InstallmentPlans(ctx, []int64{customerID}, s.period)
	return m[customerID], err
}

func (s *DirectSource) Fines(ctx context.Context, customerID int64) ([]Fine, error) {
	m, err := s.reader.UnappliedFines(ctx, []int64{customerID}, s.period)
	return m[customerID], err
}

func (s *DirectSource) Reconnections(ctx context.Context, customerID int64) ([]Reconnection, error) {
	m, err := s.reader.UnbilledReconnections(ctx, []int64{customerID}, s.period)
	return m[customerID], err
}

// PrefetchedSource serves lookups from data loaded in bulk for one chunk of customers.
// A lookup outside the loaded chunk is a programming error and fails loudly.
type PrefetchedSource struct {
	customers     map[int64]struct{}
	current       map[string]Customer
	meters        map[int64][]Meter
	readings      map[int64][]Reading
	previous      map[int64]Reading
	corrections   map[int64]Correction
	subsidies     map[int64][]SubsidyAssignment
	discounts     map[int64][]DiscountAssignment
	priorTotals   map[int64]int64
	payments      map[int64]int64
	initial       map[int64]int64
	creditNotes   map[int64][]CreditNote
	plans         map[int64][]InstallmentPlan
	fines         map[int64][]Fine
	reconnections map[int64][]Reconnection
}

func (s *PrefetchedSource) loaded(customerID int64) error {
	if _, ok := s.customers[customerID]; !ok {
		return fmt.Errorf("billing: customer %d not in prefetched chunk", customerID)
	}
	return nil
}

func (s *PrefetchedSource) CurrentCustomer(_ context.Context, number string) (*Customer, error) {
	if c, ok := s.current[number]; ok {
		return &c, nil
	}
	return nil, nil
}

func (s *PrefetchedSource) Meters(_ context.Context, customerID int64) ([]Meter, error) {
	return s.meters[customerID], s.loaded(customerID)
}

func (s *PrefetchedSource) PeriodReadings(_ context.Context, meterID int64) ([]Reading, error) {
	return s.readings[meterID], nil
}

func (s *PrefetchedSource) PreviousReading(_ context.Context, meterID int64) (*Reading, error) {
	if r, ok := s.previous[meterID]; ok {
		return &r, nil
	}
	return nil, nil
}

func (s *PrefetchedSource) Correction(_ context.Context, readingID int64) (*Correction, error) {
	if c, ok := s.corrections[readingID]; ok {
		return &c, nil
	}
	return nil, nil
}

func (s *PrefetchedSource) SubsidyHistory(_ context.Context, customerID int64) ([]SubsidyAssignment, error) {
	return s.subsidies[customerID], s.loaded(customerID)
}

func (s *PrefetchedSource) Discounts(_ context.Context, customerID int64) ([]DiscountAssignment, error) {
	return s.discounts[customerID], s.loaded(customerID)
}

func (s *PrefetchedSource) PriorBillTotal(_ context.Context, customerID int64) (int64, error) {
	return s.priorTotals[customerID], s.loaded(customerID)
}

func (s *PrefetchedSource) PaymentsInPeriod(_ context.Context, customerID int64) (int64, error) {
	return s.payments[customerID], s.loaded(customerID)
}

func (s *PrefetchedSource) InitialBalance(_ context.Context, customerID int64) (int64, error) {
	return s.initial[customerID], s.loaded(customerID)
}

func (s *PrefetchedSource) CreditNotes(_ context.Context, customerID int64) ([]CreditNote, error) {
	return s.creditNotes[customerID], s.loaded(customerID)
}

func (s *PrefetchedSource) InstallmentPlans(_ context.Context, customerID int64) ([]InstallmentPlan, error) {
	return s.plans[customerID], s.loaded(customerID)
}

func (s *PrefetchedSource) Fines(_ context.Context, customerID int64) ([]Fine, error) {
	return s.fines[customerID], s.loaded(customerID)
}

func (s *PrefetchedSource) Reconnections(_ context.Context, customerID int64) ([]Reconnection, error) {
	return s.reconnections[customerID], s.loaded(customerID)
}
