package payments

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/aguarural/boletas/internal/platform/db"
	"github.com/aguarural/boletas/internal/shared"
)

// Tx is the unit of work a reconciliation runs in.
type Tx interface {
	// LockCustomer serialises work on one customer and reports whether it exists.
	LockCustomer(ctx context.Context, customerID int64) (bool, error)
	ListBills(ctx context.Context, customerID int64) ([]BillState, error)
	CompletedPaymentsTotal(ctx context.Context, customerID int64) (int64, error)
	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	UpdateBills(ctx context.Context, bills []BillState) error
	Auditor() shared.Auditor
}

// Store opens serializable units of work.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Service applies payments to bills.
type Service struct {
	store      Store
	logger     *slog.Logger
	maxRetries int
	backoff    time.Duration
	validate   *validator.Validate
	now        func() time.Time
}

// NewService constructs the reconciler. maxRetries bounds retries of serialization failures.
func NewService(store Store, maxRetries int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Service{
		store:      store,
		logger:     logger,
		maxRetries: maxRetries,
		backoff:    50 * time.Millisecond,
		validate:   validator.New(),
		now:        time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Reconcile recomputes a customer's bill coverage from all completed payments.
func (s *Service) Reconcile(ctx context.Context, customerID, actorID int64) (Result, error) {
	if customerID <= 0 {
		return Result{}, ErrCustomerNotFound
	}
	var res Result
	err := s.retry(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		res, err = s.reconcile(ctx, tx, customerID, actorID)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// RegisterPayment stores a completed payment and reconciles in the same transaction.
func (s *Service) RegisterPayment(ctx context.Context, in RegisterInput) (Payment, Result, error) {
	if in.ActorID <= 0 {
		return Payment{}, Result{}, shared.ErrActorRequired
	}
	if err := s.validate.Struct(in); err != nil {
		return Payment{}, Result{}, fmt.Errorf("%w: %v", ErrInvalidPayment, err)
	}
	if in.PaidAt.After(s.now().Add(time.Minute)) {
		return Payment{}, Result{}, fmt.Errorf("%w: paid_at is in the future", ErrInvalidPayment)
	}
	var (
		payment Payment
		res     Result
	)
	err := s.retry(ctx, func(ctx context.Context, tx Tx) error {
		exists, err := tx.LockCustomer(ctx, in.CustomerID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrCustomerNotFound
		}
		payment, err = tx.InsertPayment(ctx, Payment{
			CustomerID: in.CustomerID,
			Amount:     in.Amount,
			PaidAt:     in.PaidAt.UTC(),
			Method:     in.Method,
			Reference:  in.Reference,
			Status:     StatusCompleted,
			CreatedBy:  in.ActorID,
		})
		if err != nil {
			return fmt.Errorf("payments: insert: %w", err)
		}
		if err := tx.Auditor().Record(ctx, shared.AuditLog{
			ActorID:  in.ActorID,
			Action:   shared.AuditPaymentRegistered,
			Entity:   "payment",
			EntityID: strconv.FormatInt(payment.ID, 10),
			After:    payment,
		}); err != nil {
			return err
		}
		res, err = s.reconcile(ctx, tx, in.CustomerID, in.ActorID)
		return err
	})
	if err != nil {
		return Payment{}, Result{}, err
	}
	s.logger.Info("payment registered",
		slog.Int64("customer_id", in.CustomerID),
		slog.Int64("payment_id", payment.ID),
		slog.Int64("amount", payment.Amount),
		slog.Int64("pending", res.TotalPending),
		slog.Int64("credit", res.Credit),
	)
	return payment, res, nil
}

func (s *Service) reconcile(ctx context.Context, tx Tx, customerID, actorID int64) (Result, error) {
	exists, err := tx.LockCustomer(ctx, customerID)
	if err != nil {
		return Result{}, err
	}
	if !exists {
		return Result{}, ErrCustomerNotFound
	}
	bills, err := tx.ListBills(ctx, customerID)
	if err != nil {
		return Result{}, fmt.Errorf("payments: list bills: %w", err)
	}
	paid, err := tx.CompletedPaymentsTotal(ctx, customerID)
	if err != nil {
		return Result{}, fmt.Errorf("payments: sum payments: %w", err)
	}

	allocated, pending, credit := Allocate(bills, paid)
	before := make(map[int64]BillState, len(bills))
	for _, b := range bills {
		before[b.ID] = b
	}
	var changed []BillState
	for _, b := range allocated {
		prev := before[b.ID]
		if prev.AmountPaid == b.AmountPaid && prev.AmountOwed == b.AmountOwed && prev.Status == b.Status {
			continue
		}
		changed = append(changed, b)
	}
	if len(changed) > 0 {
		if err := tx.UpdateBills(ctx, changed); err != nil {
			return Result{}, fmt.Errorf("payments: update bills: %w", err)
		}
		auditor := tx.Auditor()
		for _, b := range changed {
			prev := before[b.ID]
			if err := auditor.Record(ctx, shared.AuditLog{
				ActorID:  actorID,
				Action:   shared.AuditBillAllocationChanged,
				Entity:   "bill",
				EntityID: strconv.FormatInt(b.ID, 10),
				Before:   allocationView(prev),
				After:    allocationView(b),
			}); err != nil {
				return Result{}, err
			}
		}
		if err := auditor.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   shared.AuditCustomerCreditRecalced,
			Entity:   "customer",
			EntityID: strconv.FormatInt(customerID, 10),
			After:    map[string]int64{"pending": pending, "credit": credit, "paid": paid},
		}); err != nil {
			return Result{}, err
		}
	}
	return Result{
		CustomerID:   customerID,
		Bills:        allocated,
		TotalPaid:    paid,
		TotalPending: pending,
		Credit:       credit,
		Changed:      len(changed),
	}, nil
}

func allocationView(b BillState) map[string]any {
	return map[string]any{"status": b.Status, "amount_paid": b.AmountPaid, "amount_owed": b.AmountOwed}
}

// retry runs fn in a fresh transaction until it succeeds, fails with a non-retryable
// error, or the retry budget is spent.
func (s *Service) retry(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("payments transaction retry", slog.Int("attempt", attempt), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.backoff * time.Duration(attempt)):
			}
		}
		err = s.store.InTx(ctx, fn)
		if err == nil || !db.IsRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("payments: retries exhausted: %w", err)
}
