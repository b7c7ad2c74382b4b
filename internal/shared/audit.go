package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Audit actions emitted by the payment subsystem.
const (
	AuditPaymentRegistered      = "payment.registered"
	AuditBillAllocationChanged  = "bill.allocation_changed"
	AuditCustomerCreditRecalced = "customer.credit_recalculated"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Before   any
	After    any
	At       time.Time
}

// Auditor is the narrow port consumed by services that emit audit entries.
type Auditor interface {
	Record(ctx context.Context, log AuditLog) error
}

// TxAuditor writes audit rows inside an open transaction so they roll back with it.
type TxAuditor struct {
	tx pgx.Tx
}

// NewTxAuditor binds an auditor to tx.
func NewTxAuditor(tx pgx.Tx) *TxAuditor {
	return &TxAuditor{tx: tx}
}

// Record persists the log entry within the bound transaction.
func (a *TxAuditor) Record(ctx context.Context, log AuditLog) error {
	if a == nil || a.tx == nil {
		return errors.New("audit tx not initialised")
	}
	return insertAudit(ctx, a.tx, log)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertAudit(ctx context.Context, db execer, log AuditLog) error {
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	before, err := json.Marshal(log.Before)
	if err != nil {
		return err
	}
	after, err := json.Marshal(log.After)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = db.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, before_state, after_state, occurred_at) VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`,
		log.ActorID, log.Action, log.Entity, log.EntityID, before, after, at)
	return err
}
