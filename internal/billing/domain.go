package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Customer is a service account identified externally by Number.
type Customer struct {
	ID              int64      `json:"id"`
	Number          string     `json:"number"`
	Name            string     `json:"name"`
	AddressID       int64      `json:"address_id"`
	IsCurrent       bool       `json:"is_current"`
	ExternalInvoice bool       `json:"external_invoice"`
	ServiceStart    time.Time  `json:"service_start"`
	ServiceEnd      *time.Time `json:"service_end,omitempty"`
	OwnershipStart  time.Time  `json:"ownership_start"`
	OwnershipEnd    *time.Time `json:"ownership_end,omitempty"`
}

// MeterState is the health of a meter.
type MeterState string

const (
	MeterActive MeterState = "ACTIVE"
	MeterFaulty MeterState = "FAULTY"
)

// Meter is a physical device installed at an address.
type Meter struct {
	ID             int64
	AddressID      int64
	Serial         string
	InitialReading decimal.Decimal
	State          MeterState
}

// Reading is a meter value for a calendar date.
type Reading struct {
	ID      int64
	MeterID int64
	ReadOn  time.Time
	Value   decimal.Decimal
}

// Correction replaces a reading's value when it serves as the previous value of a later bill.
type Correction struct {
	ID        int64
	ReadingID int64
	Value     decimal.Decimal
	Reason    string
	Applied   bool
}

// SubsidyChange classifies a subsidy history entry.
type SubsidyChange string

const (
	SubsidyAssigned   SubsidyChange = "ASSIGNED"
	SubsidyReassigned SubsidyChange = "REASSIGNED"
	SubsidyRemoved    SubsidyChange = "REMOVED"
)

// SubsidyAssignment is one entry of a customer's subsidy history.
type SubsidyAssignment struct {
	ID         int64
	CustomerID int64
	SubsidyID  int64
	Percentage decimal.Decimal
	Change     SubsidyChange
	ChangedAt  time.Time
}

// DiscountKind selects how a discount definition is valued.
type DiscountKind string

const (
	DiscountPercent DiscountKind = "PERCENT"
	DiscountAmount  DiscountKind = "AMOUNT"
)

// DiscountAssignment links a customer to a discount definition.
type DiscountAssignment struct {
	ID               int64
	CustomerID       int64
	DiscountID       int64
	Kind             DiscountKind
	Value            decimal.Decimal
	DefinitionActive bool
	Active           bool
	ValidFrom        time.Time
	ValidTo          *time.Time
}

// CreditNote is money refunded to the customer that must be repaid through later bills.
type CreditNote struct {
	ID         int64
	CustomerID int64
	Amount     int64
	IssuedAt   time.Time
}

// Fine is a penalty charge.
type Fine struct {
	ID         int64
	CustomerID int64
	Amount     int64
	AffectsVAT bool
	IssuedAt   time.Time
	Reason     string
}

// ReconnectionStatus tracks a service cut.
type ReconnectionStatus string

const (
	ReconnectionCut      ReconnectionStatus = "CUT"
	ReconnectionRestored ReconnectionStatus = "RESTORED"
)

// Reconnection is a service cut record; restored and unbilled ones are charged.
type Reconnection struct {
	ID           int64
	CustomerID   int64
	Status       ReconnectionStatus
	CutAt        time.Time
	RestoredAt   *time.Time
	CustomAmount *int64
	// PriorRestorations counts this customer's restorations before this one.
	PriorRestorations int
}

// InstallmentPlan is a repayment arrangement for overdue debt.
type InstallmentPlan struct {
	ID                 int64
	CustomerID         int64
	OriginalDebt       int64
	TotalInstallments  int
	FirstInstallment   int64
	RegularInstallment int64
	StartDate          time.Time
	RealEndDate        *time.Time
}

// BillStatus enumerates bill lifecycle states.
type BillStatus string

const (
	BillPending BillStatus = "PENDING"
	BillPaid    BillStatus = "PAID"
	BillVoid    BillStatus = "VOID"
)

// Bill is the monthly document for one customer. Monetary fields are whole currency units.
type Bill struct {
	ID                    int64           `json:"id,omitempty"`
	CustomerID            int64           `json:"customer_id"`
	CustomerNumber        string          `json:"customer_number"`
	PeriodStart           time.Time       `json:"period_start"`
	PeriodEnd             time.Time       `json:"period_end"`
	IssueDate             time.Time       `json:"issue_date"`
	DueDate               time.Time       `json:"due_date"`
	Folio                 string          `json:"folio"`
	MeterID               int64           `json:"meter_id"`
	PreviousReading       decimal.Decimal `json:"previous_reading"`
	CurrentReading        decimal.Decimal `json:"current_reading"`
	Consumption           decimal.Decimal `json:"consumption"`
	FixedCharge           int64           `json:"fixed_charge"`
	WaterCharge           int64           `json:"water_charge"`
	SewageCharge          int64           `json:"sewage_charge"`
	TreatmentCharge       int64           `json:"treatment_charge"`
	SewageTreatmentCharge int64           `json:"sewage_treatment_charge"`
	VATCharges            int64           `json:"vat_charges"`
	Discount              int64           `json:"discount"`
	Subsidy               int64           `json:"subsidy"`
	PriorBalance          int64           `json:"prior_balance"`
	CarriedCredit         int64           `json:"carried_credit"`
	Installment           int64           `json:"installment"`
	Net                   int64           `json:"net"`
	VAT                   int64           `json:"vat"`
	Total                 int64           `json:"total"`
	Status                BillStatus      `json:"status"`
	Remarks               string          `json:"remarks,omitempty"`
}

// Links lists side records consumed by a bill, marked once the bill id is known.
type Links struct {
	CreditNoteIDs   []int64 `json:"credit_note_ids,omitempty"`
	FineIDs         []int64 `json:"fine_ids,omitempty"`
	ReconnectionIDs []int64 `json:"reconnection_ids,omitempty"`
	DiscountIDs     []int64 `json:"discount_ids,omitempty"`
	CorrectionIDs   []int64 `json:"correction_ids,omitempty"`
}

// Draft is an assembled bill plus its pending bookkeeping.
type Draft struct {
	Bill  Bill
	Links Links
	// NegativeConsumption flags the anomaly for downstream review; it never blocks the bill.
	NegativeConsumption bool
}

// Link pairs a side record with the bill that consumed it.
type Link struct {
	ID     int64
	BillID int64
}
