package payments

import (
	"errors"
	"time"

	"github.com/aguarural/boletas/internal/billing"
)

var (
	// ErrCustomerNotFound rejects requests for unknown customers.
	ErrCustomerNotFound = errors.New("payments: customer not found")
	// ErrInvalidPayment rejects malformed registration input.
	ErrInvalidPayment = errors.New("payments: invalid payment")
)

// Status of a payment row.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusRejected  Status = "REJECTED"
)

// Payment is money received from a customer. Completed payments are immutable.
type Payment struct {
	ID         int64     `json:"id"`
	CustomerID int64     `json:"customer_id"`
	Amount     int64     `json:"amount"`
	PaidAt     time.Time `json:"paid_at"`
	Method     string    `json:"method"`
	Reference  string    `json:"reference,omitempty"`
	Status     Status    `json:"status"`
	CreatedBy  int64     `json:"created_by,omitempty"`
}

// BillState is the allocation bookkeeping of one bill.
type BillState struct {
	ID          int64              `json:"id"`
	Folio       string             `json:"folio"`
	PeriodStart time.Time          `json:"period_start"`
	Total       int64              `json:"total"`
	AmountPaid  int64              `json:"amount_paid"`
	AmountOwed  int64              `json:"amount_owed"`
	Status      billing.BillStatus `json:"status"`
}

// Result is the outcome of reconciling one customer.
type Result struct {
	CustomerID   int64       `json:"customer_id"`
	Bills        []BillState `json:"bills"`
	TotalPaid    int64       `json:"total_paid"`
	TotalPending int64       `json:"total_pending"`
	Credit       int64       `json:"credit"`
	Changed      int         `json:"changed"`
}

// RegisterInput records a new completed payment.
type RegisterInput struct {
	CustomerID int64     `json:"customer_id" validate:"required,gt=0"`
	Amount     int64     `json:"amount" validate:"required,gt=0"`
	PaidAt     time.Time `json:"paid_at" validate:"required"`
	Method     string    `json:"method" validate:"required,oneof=CASH TRANSFER CARD CHECK"`
	Reference  string    `json:"reference" validate:"max=120"`
	ActorID    int64     `json:"-"`
}
