package payments

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aguarural/boletas/internal/billing"
	"github.com/aguarural/boletas/internal/platform/db"
	"github.com/aguarural/boletas/internal/shared"
)

// Repository implements Store on PostgreSQL with serializable transactions.
type Repository struct {
	pool        *pgxpool.Pool
	txTimeout   time.Duration
	lockTimeout time.Duration
}

// NewRepository constructs the store. Zero timeouts keep server defaults.
func NewRepository(pool *pgxpool.Pool, txTimeout, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, txTimeout: txTimeout, lockTimeout: lockTimeout}
}

// InTx runs fn inside a serializable transaction bounded by the configured timeouts.
func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return db.WithTx(ctx, r.pool, db.TxOptions{
		IsoLevel:    pgx.Serializable,
		LockTimeout: r.lockTimeout,
		Timeout:     r.txTimeout,
	}, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Auditor() shared.Auditor {
	return shared.NewTxAuditor(t.tx)
}

func (t *pgTx) LockCustomer(ctx context.Context, customerID int64) (bool, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `SELECT id FROM customers WHERE id = $1 FOR UPDATE`, customerID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *pgTx) ListBills(ctx context.Context, customerID int64) ([]BillState, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, folio, period_start, total, amount_paid, amount_owed, status
		FROM bills WHERE customer_id = $1 AND status <> 'VOID'
		ORDER BY period_start, id`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BillState
	for rows.Next() {
		var (
			b      BillState
			status string
		)
		if err := rows.Scan(&b.ID, &b.Folio, &b.PeriodStart, &b.Total, &b.AmountPaid, &b.AmountOwed, &status); err != nil {
			return nil, err
		}
		b.Status = billing.BillStatus(status)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *pgTx) CompletedPaymentsTotal(ctx context.Context, customerID int64) (int64, error) {
	var total int64
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::bigint FROM payments
		WHERE customer_id = $1 AND status = 'COMPLETED'`, customerID).Scan(&total)
	return total, err
}

func (t *pgTx) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO payments (customer_id, amount, paid_at, method, reference, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		p.CustomerID, p.Amount, p.PaidAt, p.Method, p.Reference, string(p.Status), p.CreatedBy).Scan(&p.ID)
	return p, err
}

func (t *pgTx) UpdateBills(ctx context.Context, bills []BillState) error {
	ids := make([]int64, len(bills))
	paid := make([]int64, len(bills))
	owed := make([]int64, len(bills))
	statuses := make([]string, len(bills))
	for i, b := range bills {
		ids[i], paid[i], owed[i], statuses[i] = b.ID, b.AmountPaid, b.AmountOwed, string(b.Status)
	}
	_, err := t.tx.Exec(ctx, `UPDATE bills b SET amount_paid = u.paid, amount_owed = u.owed, status = u.status
		FROM unnest($1::bigint[], $2::bigint[], $3::bigint[], $4::text[]) AS u(id, paid, owed, status)
		WHERE b.id = u.id`, ids, paid, owed, statuses)
	return err
}
