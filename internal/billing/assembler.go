package billing

import (
	"context"
	"fmt"
	"strings"
)

// Assembler merges every contributor into one bill per customer. It draws folios from the run's
// sequence and must be driven from a single goroutine.
type Assembler struct {
	period   Period
	tariff   Tariff
	settings Settings
	first    bool
	folios   *FolioSequence
}

// NewAssembler binds the per-run inputs.
func NewAssembler(p Period, tariff Tariff, settings Settings, folios *FolioSequence) *Assembler {
	settings = settings.WithDefaults()
	return &Assembler{
		period:   p,
		tariff:   tariff,
		settings: settings,
		first:    p == settings.FirstPeriod,
		folios:   folios,
	}
}

// Assemble builds the draft for customer. The folio is drawn before anything else, so a customer
// that fails afterwards still consumes its number; the failure is an *AssemblyError carrying it.
// ErrNoReadings means the customer is skipped.
func (a *Assembler) Assemble(ctx context.Context, src DataSource, customer Customer) (Draft, error) {
	folio, err := a.folios.Next()
	if err != nil {
		return Draft{}, err
	}
	d, err := a.build(ctx, src, customer, folio)
	if err != nil {
		return Draft{}, &AssemblyError{Folio: folio, Err: err}
	}
	return d, nil
}

func (a *Assembler) build(ctx context.Context, src DataSource, customer Customer, folio string) (Draft, error) {
	readings, err := ResolveReadings(ctx, src, customer)
	if err != nil {
		return Draft{}, err
	}

	items := CalculateCharges(readings.Consumption, a.tariff).Rounded()
	subtotal := items.Subtotal()

	assignments, err := src.Discounts(ctx, customer.ID)
	if err != nil {
		return Draft{}, fmt.Errorf("billing: discounts: %w", err)
	}
	discount := ApplyDiscounts(assignments, subtotal, a.period)
	discountAmount := clamp(roundUnits(discount.Amount), 0, subtotal)

	fines, err := src.Fines(ctx, customer.ID)
	if err != nil {
		return Draft{}, fmt.Errorf("billing: fines: %w", err)
	}
	reconnections, err := src.Reconnections(ctx, customer.ID)
	if err != nil {
		return Draft{}, fmt.Errorf("billing: reconnections: %w", err)
	}
	extra := CollectExtraCharges(fines, reconnections, a.tariff, a.period)

	net, vat := SplitVAT(subtotal-discountAmount+extra.VATAffecting, a.tariff.VATRate)

	history, err := src.SubsidyHistory(ctx, customer.ID)
	if err != nil {
		return Draft{}, fmt.Errorf("billing: subsidy history: %w", err)
	}
	subsidy := a.settings.Subsidy.Calculate(ActiveSubsidy(history, a.period), readings.Consumption, a.tariff, a.period)
	subsidyAmount := clamp(roundUnits(subsidy.Amount), 0, net+vat)

	balance, err := a.priorBalance(ctx, src, customer.ID)
	if err != nil {
		return Draft{}, err
	}

	plans, err := src.InstallmentPlans(ctx, customer.ID)
	if err != nil {
		return Draft{}, fmt.Errorf("billing: installment plans: %w", err)
	}
	installment := Installment(ActivePlan(plans, a.period), a.period)
	installmentAmount := installment.Amount + extra.NonVAT

	issue := a.period.End().AddDate(0, 0, 1)
	bill := Bill{
		CustomerID:            customer.ID,
		CustomerNumber:        customer.Number,
		PeriodStart:           a.period.Start(),
		PeriodEnd:             a.period.End(),
		IssueDate:             issue,
		DueDate:               issue.AddDate(0, 0, a.settings.DueDays),
		Folio:                 folio,
		MeterID:               readings.Meter.ID,
		PreviousReading:       readings.Previous,
		CurrentReading:        readings.Current.Value,
		Consumption:           readings.Consumption,
		FixedCharge:           items.Fixed,
		WaterCharge:           items.Water,
		SewageCharge:          items.Sewage,
		TreatmentCharge:       items.Treatment,
		SewageTreatmentCharge: items.SewageTreatment,
		VATCharges:            extra.VATAffecting,
		Discount:              discountAmount,
		Subsidy:               subsidyAmount,
		PriorBalance:          balance.amount,
		CarriedCredit:         balance.credit,
		Installment:           installmentAmount,
		Net:                   net,
		VAT:                   vat,
		Status:                BillPending,
	}
	bill.Total = bill.Net + bill.VAT - bill.Subsidy + bill.PriorBalance + bill.Installment

	draft := Draft{
		Bill: bill,
		Links: Links{
			CreditNoteIDs:   balance.creditNoteIDs,
			FineIDs:         extra.FineIDs,
			ReconnectionIDs: extra.ReconnectionIDs,
			DiscountIDs:     discount.IDs,
		},
		NegativeConsumption: readings.Consumption.IsNegative(),
	}
	if readings.CorrectionID != 0 {
		draft.Links.CorrectionIDs = []int64{readings.CorrectionID}
	}
	draft.Bill.Remarks = remarks(draft, subsidy, installment)
	return draft, nil
}

type balanceParts struct {
	amount        int64
	credit        int64
	creditNoteIDs []int64
}

func (a *Assembler) priorBalance(ctx context.Context, src DataSource, customerID int64) (balanceParts, error) {
	in := BalanceInput{FirstPeriod: a.first}
	var notes CreditNoteResult
	if a.first {
		initial, err := src.InitialBalance(ctx, customerID)
		if err != nil {
			return balanceParts{}, fmt.Errorf("billing: initial balance: %w", err)
		}
		in.InitialBalance = initial
	} else {
		prev, err := src.PriorBillTotal(ctx, customerID)
		if err != nil {
			return balanceParts{}, fmt.Errorf("billing: prior bill total: %w", err)
		}
		paid, err := src.PaymentsInPeriod(ctx, customerID)
		if err != nil {
			return balanceParts{}, fmt.Errorf("billing: payments: %w", err)
		}
		list, err := src.CreditNotes(ctx, customerID)
		if err != nil {
			return balanceParts{}, fmt.Errorf("billing: credit notes: %w", err)
		}
		notes = ApplyCreditNotes(list, a.period, false)
		in.PreviousTotal, in.PaymentsInPeriod, in.CreditNotes = prev, paid, notes.Amount
	}
	amount, credit := PriorBalance(in)
	return balanceParts{amount: amount, credit: credit, creditNoteIDs: notes.IDs}, nil
}

func remarks(d Draft, subsidy SubsidyResult, installment InstallmentResult) string {
	var parts []string
	p := newPrinter()
	if d.NegativeConsumption {
		parts = append(parts, p.Sprintf("Consumo negativo (%s m³), revisar lectura", d.Bill.Consumption.String()))
	}
	if d.Bill.Subsidy > 0 {
		parts = append(parts, p.Sprintf("Subsidio %s%% (%s): %s", subsidy.Percentage.StringFixed(0), subsidy.Class, FormatAmount(d.Bill.Subsidy)))
	}
	if d.Bill.Discount > 0 {
		parts = append(parts, p.Sprintf("Descuento: %s", FormatAmount(d.Bill.Discount)))
	}
	if installment.Amount > 0 {
		parts = append(parts, p.Sprintf("Repactación cuota %d", installment.Number))
	}
	if len(d.Links.FineIDs) > 0 || len(d.Links.ReconnectionIDs) > 0 {
		parts = append(parts, p.Sprintf("Multas y reposiciones: %d", len(d.Links.FineIDs)+len(d.Links.ReconnectionIDs)))
	}
	if d.Bill.CarriedCredit > 0 {
		parts = append(parts, p.Sprintf("Saldo a favor: %s", FormatAmount(d.Bill.CarriedCredit)))
	}
	return strings.Join(parts, "; ")
}

func clamp(v, lo, hi int64) int64 {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
