package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aguarural/boletas/internal/platform/db"
)

// PgRepository implements Repository on PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

var _ Repository = (*PgRepository)(nil)

// dayAfter is the exclusive upper bound of the period for timestamp columns.
func dayAfter(p Period) time.Time {
	return p.End().AddDate(0, 0, 1)
}

func (r *PgRepository) TariffsEffectiveOn(ctx context.Context, day time.Time) ([]Tariff, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, valid_from, valid_to, fixed_charge, water_rate,
		sewage_rate, treatment_rate, sewage_treatment_rate, vat_rate, reconnection_first, reconnection_subsequent
		FROM tariffs
		WHERE valid_from <= $1 AND (valid_to IS NULL OR valid_to >= $1)
		ORDER BY id`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Tariff
	for rows.Next() {
		var (
			t                           Tariff
			validTo                     pgtype.Date
			sewage, treatment, combined decimal.NullDecimal
		)
		if err := rows.Scan(&t.ID, &t.ValidFrom, &validTo, &t.FixedCharge, &t.WaterRate,
			&sewage, &treatment, &combined, &t.VATRate, &t.ReconnectionFirst, &t.ReconnectionSubsequent); err != nil {
			return nil, err
		}
		t.ValidTo = datePtr(validTo)
		switch {
		case combined.Valid && !sewage.Valid && !treatment.Valid:
			t.Rates = CombinedRate{SewageTreatment: combined.Decimal}
		case !combined.Valid && sewage.Valid && treatment.Valid:
			t.Rates = SeparateRates{Sewage: sewage.Decimal, Treatment: treatment.Decimal}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const customerColumns = `id, number, name, address_id, is_current, external_invoice,
	service_start, service_end, ownership_start, ownership_end`

func scanCustomer(row pgx.Row) (Customer, error) {
	var (
		c                        Customer
		serviceEnd, ownershipEnd pgtype.Date
	)
	err := row.Scan(&c.ID, &c.Number, &c.Name, &c.AddressID, &c.IsCurrent, &c.ExternalInvoice,
		&c.ServiceStart, &serviceEnd, &c.OwnershipStart, &ownershipEnd)
	c.ServiceEnd = datePtr(serviceEnd)
	c.OwnershipEnd = datePtr(ownershipEnd)
	return c, err
}

func (r *PgRepository) collectCustomers(ctx context.Context, sql string, args ...any) ([]Customer, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PgRepository) ListCustomersForPeriod(ctx context.Context, p Period) ([]Customer, error) {
	return r.collectCustomers(ctx, `SELECT `+customerColumns+` FROM customers
		WHERE service_start <= $2 AND (service_end IS NULL OR service_end >= $1) AND NOT external_invoice
		ORDER BY number, is_current DESC, id`, p.Start(), p.End())
}

func (r *PgRepository) CurrentCustomersByNumbers(ctx context.Context, numbers []string) ([]Customer, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	return r.collectCustomers(ctx, `SELECT `+customerColumns+` FROM customers
		WHERE number = ANY($1) AND is_current ORDER BY number, id`, numbers)
}

func (r *PgRepository) MetersByCustomers(ctx context.Context, customerIDs []int64) (map[int64][]Meter, error) {
	out := make(map[int64][]Meter)
	if len(customerIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT c.id, m.id, m.address_id, m.serial, m.initial_reading, m.state
		FROM customers c JOIN meters m ON m.address_id = c.address_id
		WHERE c.id = ANY($1) ORDER BY c.id, m.id`, customerIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			customerID int64
			m          Meter
			state      string
		)
		if err := rows.Scan(&customerID, &m.ID, &m.AddressID, &m.Serial, &m.InitialReading, &state); err != nil {
			return nil, err
		}
		m.State = MeterState(state)
		out[customerID] = append(out[customerID], m)
	}
	return out, rows.Err()
}

func (r *PgRepository) ReadingsInPeriod(ctx context.Context, meterIDs []int64, p Period) (map[int64][]Reading, error) {
	out := make(map[int64][]Reading)
	if len(meterIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id, meter_id, read_on, value FROM readings
		WHERE meter_id = ANY($1) AND read_on BETWEEN $2 AND $3
		ORDER BY meter_id, read_on, id`, meterIDs, p.Start(), p.End())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var rd Reading
		if err := rows.Scan(&rd.ID, &rd.MeterID, &rd.ReadOn, &rd.Value); err != nil {
			return nil, err
		}
		out[rd.MeterID] = append(out[rd.MeterID], rd)
	}
	return out, rows.Err()
}

func (r *PgRepository) LatestReadingsBefore(ctx context.Context, meterIDs []int64, before time.Time) (map[int64]Reading, error) {
	out := make(map[int64]Reading)
	if len(meterIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT ON (meter_id) id, meter_id, read_on, value FROM readings
		WHERE meter_id = ANY($1) AND read_on < $2
		ORDER BY meter_id, read_on DESC, id DESC`, meterIDs, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var rd Reading
		if err := rows.Scan(&rd.ID, &rd.MeterID, &rd.ReadOn, &rd.Value); err != nil {
			return nil, err
		}
		out[rd.MeterID] = rd
	}
	return out, rows.Err()
}

func (r *PgRepository) CorrectionsByReadings(ctx context.Context, readingIDs []int64) (map[int64]Correction, error) {
	out := make(map[int64]Correction)
	if len(readingIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT ON (reading_id) id, reading_id, value, reason, applied
		FROM reading_corrections
		WHERE reading_id = ANY($1) AND NOT applied
		ORDER BY reading_id, id DESC`, readingIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c Correction
		if err := rows.Scan(&c.ID, &c.ReadingID, &c.Value, &c.Reason, &c.Applied); err != nil {
			return nil, err
		}
		out[c.ReadingID] = c
	}
	return out, rows.Err()
}

func (r *PgRepository) SubsidyHistory(ctx context.Context, customerIDs []int64, asOf time.Time) (map[int64][]SubsidyAssignment, error) {
	out := make(map[int64][]SubsidyAssignment)
	if len(customerIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT h.id, h.customer_id, h.subsidy_id, s.percentage, h.change_type, h.changed_at
		FROM subsidy_history h JOIN subsidies s ON s.id = h.subsidy_id
		WHERE h.customer_id = ANY($1) AND h.changed_at <= $2
		ORDER BY h.customer_id, h.changed_at, h.id`, customerIDs, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a      SubsidyAssignment
			change string
		)
		if err := rows.Scan(&a.ID, &a.CustomerID, &a.SubsidyID, &a.Percentage, &change, &a.ChangedAt); err != nil {
			return nil, err
		}
		a.Change = SubsidyChange(change)
		out[a.CustomerID] = append(out[a.CustomerID], a)
	}
	return out, rows.Err()
}

func (r *PgRepository) DiscountAssignments(ctx context.Context, customerIDs []int64, p Period) (map[int64][]DiscountAssignment, error) {
	out := make(map[int64][]DiscountAssignment)
	if len(customerIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT a.id, a.customer_id, a.discount_id, d.kind, d.value, d.active, a.active,
		a.valid_from, a.valid_to
		FROM discount_assignments a JOIN discounts d ON d.id = a.discount_id
		WHERE a.customer_id = ANY($1) AND a.active AND d.active
		  AND a.valid_from <= $3 AND (a.valid_to IS NULL OR a.valid_to >= $2)
		ORDER BY a.customer_id, a.id`, customerIDs, p.Start(), p.End())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a       DiscountAssignment
			kind    string
			validTo pgtype.Date
		)
		if err := rows.Scan(&a.ID, &a.CustomerID, &a.DiscountID, &kind, &a.Value, &a.DefinitionActive, &a.Active,
			&a.ValidFrom, &validTo); err != nil {
			return nil, err
		}
		a.Kind = DiscountKind(kind)
		a.ValidTo = datePtr(validTo)
		out[a.CustomerID] = append(out[a.CustomerID], a)
	}
	return out, rows.Err()
}

func (r *PgRepository) sumByCustomer(ctx context.Context, sql string, args ...any) (map[int64]int64, error) {
	out := make(map[int64]int64)
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, amount int64
		if err := rows.Scan(&id, &amount); err != nil {
			return nil, err
		}
		out[id] = amount
	}
	return out, rows.Err()
}

func (r *PgRepository) BillTotals(ctx context.Context, customerIDs []int64, p Period) (map[int64]int64, error) {
	if len(customerIDs) == 0 {
		return map[int64]int64{}, nil
	}
	return r.sumByCustomer(ctx, `SELECT customer_id, COALESCE(SUM(total), 0)::bigint FROM bills
		WHERE customer_id = ANY($1) AND period_start = $2 AND status <> 'VOID'
		GROUP BY customer_id`, customerIDs, p.Start())
}

func (r *PgRepository) PaymentsWithin(ctx context.Context, customerIDs []int64, p Period) (map[int64]int64, error) {
	if len(customerIDs) == 0 {
		return map[int64]int64{}, nil
	}
	return r.sumByCustomer(ctx, `SELECT customer_id, COALESCE(SUM(amount), 0)::bigint FROM payments
		WHERE customer_id = ANY($1) AND status = 'COMPLETED' AND paid_at >= $2 AND paid_at < $3
		GROUP BY customer_id`, customerIDs, p.Start(), dayAfter(p))
}

func (r *PgRepository) InitialBalances(ctx context.Context, customerIDs []int64) (map[int64]int64, error) {
	if len(customerIDs) == 0 {
		return map[int64]int64{}, nil
	}
	return r.sumByCustomer(ctx, `SELECT customer_id, amount FROM initial_balances
		WHERE customer_id = ANY($1)`, customerIDs)
}

func (r *PgRepository) UnappliedCreditNotes(ctx context.Context, customerIDs []int64, before time.Time) (map[int64][]CreditNote, error) {
	out := make(map[int64][]CreditNote)
	if len(customerIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id, customer_id, amount, issued_at FROM credit_notes
		WHERE customer_id = ANY($1) AND NOT applied AND issued_at < $2
		ORDER BY customer_id, issued_at, id`, customerIDs, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var n CreditNote
		if err := rows.Scan(&n.ID, &n.CustomerID, &n.Amount, &n.IssuedAt); err != nil {
			return nil, err
		}
		out[n.CustomerID] = append(out[n.CustomerID], n)
	}
	return out, rows.Err()
}

func (r *PgRepository) InstallmentPlans(ctx context.Context, customerIDs []int64, p Period) (map[int64][]InstallmentPlan, error) {
	out := make(map[int64][]InstallmentPlan)
	if len(customerIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id, customer_id, original_debt, total_installments, first_installment,
		regular_installment, start_date, real_end_date
		FROM installment_plans
		WHERE customer_id = ANY($1) AND start_date <= $3 AND (real_end_date IS NULL OR real_end_date >= $2)
		ORDER BY customer_id, start_date, id`, customerIDs, p.Start(), p.End())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			plan    InstallmentPlan
			realEnd pgtype.Date
		)
		if err := rows.Scan(&plan.ID, &plan.CustomerID, &plan.OriginalDebt, &plan.TotalInstallments,
			&plan.FirstInstallment, &plan.RegularInstallment, &plan.StartDate, &realEnd); err != nil {
			return nil, err
		}
		plan.RealEndDate = datePtr(realEnd)
		out[plan.CustomerID] = append(out[plan.CustomerID], plan)
	}
	return out, rows.Err()
}

func (r *PgRepository) UnappliedFines(ctx context.Context, customerIDs []int64, p Period) (map[int64][]Fine, error) {
	out := make(map[int64][]Fine)
	if len(customerIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id, customer_id, amount, affects_vat, issued_at, reason FROM fines
		WHERE customer_id = ANY($1) AND bill_id IS NULL AND issued_at < $2
		ORDER BY customer_id, issued_at, id`, customerIDs, dayAfter(p))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var f Fine
		if err := rows.Scan(&f.ID, &f.CustomerID, &f.Amount, &f.AffectsVAT, &f.IssuedAt, &f.Reason); err != nil {
			return nil, err
		}
		out[f.CustomerID] = append(out[f.CustomerID], f)
	}
	return out, rows.Err()
}

func (r *PgRepository) UnbilledReconnections(ctx context.Context, customerIDs []int64, p Period) (map[int64][]Reconnection, error) {
	out := make(map[int64][]Reconnection)
	if len(customerIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT r.id, r.customer_id, r.status, r.cut_at, r.restored_at, r.custom_amount,
		(SELECT COUNT(*) FROM reconnections p
		  WHERE p.customer_id = r.customer_id AND p.status = 'RESTORED'
		    AND (p.restored_at < r.restored_at OR (p.restored_at = r.restored_at AND p.id < r.id)))::int
		FROM reconnections r
		WHERE r.customer_id = ANY($1) AND r.status = 'RESTORED' AND r.bill_id IS NULL AND r.restored_at < $2
		ORDER BY r.customer_id, r.restored_at, r.id`, customerIDs, dayAfter(p))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rc       Reconnection
			status   string
			restored pgtype.Timestamptz
			custom   pgtype.Int8
		)
		if err := rows.Scan(&rc.ID, &rc.CustomerID, &status, &rc.CutAt, &restored, &custom, &rc.PriorRestorations); err != nil {
			return nil, err
		}
		rc.Status = ReconnectionStatus(status)
		if restored.Valid {
			t := restored.Time
			rc.RestoredAt = &t
		}
		if custom.Valid {
			v := custom.Int64
			rc.CustomAmount = &v
		}
		out[rc.CustomerID] = append(out[rc.CustomerID], rc)
	}
	return out, rows.Err()
}

func (r *PgRepository) PeriodBillCount(ctx context.Context, p Period) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM bills WHERE period_start = $1`, p.Start()).Scan(&n)
	return n, err
}

func (r *PgRepository) LastFolio(ctx context.Context, p Period) (int64, bool, error) {
	var last pgtype.Int8
	err := r.pool.QueryRow(ctx, `SELECT MAX(folio::bigint) FROM bills WHERE period_start = $1`, p.Start()).Scan(&last)
	if err != nil {
		return 0, false, err
	}
	return last.Int64, last.Valid, nil
}

const insertBillSQL = `INSERT INTO bills (customer_id, customer_number, period_start, period_end, issue_date, due_date,
	folio, meter_id, previous_reading, current_reading, consumption, fixed_charge, water_charge, sewage_charge,
	treatment_charge, sewage_treatment_charge, vat_charges, discount, subsidy, prior_balance, carried_credit,
	installment, net, vat, total, status, remarks, amount_paid, amount_owed)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,0,$25)
	RETURNING id`

// InTx runs fn with a writer bound to one transaction. Nothing fn wrote survives an error.
func (r *PgRepository) InTx(ctx context.Context, fn func(ctx context.Context, w BillWriter) error) error {
	return db.WithTx(ctx, r.pool, db.TxOptions{}, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txWriter{tx: tx})
	})
}

// txWriter implements BillWriter on an open transaction.
type txWriter struct {
	tx pgx.Tx
}

// InsertBills returns ids in input order.
func (w *txWriter) InsertBills(ctx context.Context, bills []Bill) ([]int64, error) {
	batch := &pgx.Batch{}
	for _, b := range bills {
		batch.Queue(insertBillSQL, b.CustomerID, b.CustomerNumber, b.PeriodStart, b.PeriodEnd, b.IssueDate, b.DueDate,
			b.Folio, b.MeterID, b.PreviousReading, b.CurrentReading, b.Consumption, b.FixedCharge, b.WaterCharge,
			b.SewageCharge, b.TreatmentCharge, b.SewageTreatmentCharge, b.VATCharges, b.Discount, b.Subsidy,
			b.PriorBalance, b.CarriedCredit, b.Installment, b.Net, b.VAT, b.Total, string(b.Status), b.Remarks)
	}
	results := w.tx.SendBatch(ctx, batch)
	ids := make([]int64, 0, len(bills))
	for range bills {
		var id int64
		if err := results.QueryRow().Scan(&id); err != nil {
			_ = results.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := results.Close(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (w *txWriter) updateLinks(ctx context.Context, sql string, links []Link) error {
	if len(links) == 0 {
		return nil
	}
	ids := make([]int64, len(links))
	billIDs := make([]int64, len(links))
	for i, l := range links {
		ids[i], billIDs[i] = l.ID, l.BillID
	}
	_, err := w.tx.Exec(ctx, sql, ids, billIDs)
	return err
}

func (w *txWriter) MarkCreditNotesApplied(ctx context.Context, links []Link) error {
	return w.updateLinks(ctx, `UPDATE credit_notes c SET applied = TRUE, applied_bill_id = u.bill_id
		FROM unnest($1::bigint[], $2::bigint[]) AS u(id, bill_id) WHERE c.id = u.id`, links)
}

func (w *txWriter) LinkFines(ctx context.Context, links []Link) error {
	return w.updateLinks(ctx, `UPDATE fines f SET bill_id = u.bill_id
		FROM unnest($1::bigint[], $2::bigint[]) AS u(id, bill_id) WHERE f.id = u.id`, links)
}

func (w *txWriter) LinkReconnections(ctx context.Context, links []Link) error {
	return w.updateLinks(ctx, `UPDATE reconnections r SET bill_id = u.bill_id
		FROM unnest($1::bigint[], $2::bigint[]) AS u(id, bill_id) WHERE r.id = u.id`, links)
}

func (w *txWriter) LinkDiscounts(ctx context.Context, links []Link) error {
	return w.updateLinks(ctx, `INSERT INTO discount_bill_links (discount_assignment_id, bill_id)
		SELECT id, bill_id FROM unnest($1::bigint[], $2::bigint[]) AS u(id, bill_id)
		ON CONFLICT DO NOTHING`, links)
}

func (w *txWriter) MarkCorrectionsApplied(ctx context.Context, links []Link) error {
	return w.updateLinks(ctx, `UPDATE reading_corrections c SET applied = TRUE, applied_bill_id = u.bill_id
		FROM unnest($1::bigint[], $2::bigint[]) AS u(id, bill_id) WHERE c.id = u.id`, links)
}

// DeletePeriodBills removes a period's bills and releases their side records in one transaction.
func (r *PgRepository) DeletePeriodBills(ctx context.Context, p Period) (int64, error) {
	var deleted int64
	err := db.WithTx(ctx, r.pool, db.TxOptions{}, func(ctx context.Context, tx pgx.Tx) error {
		release := []string{
			`UPDATE credit_notes SET applied = FALSE, applied_bill_id = NULL
				WHERE applied_bill_id IN (SELECT id FROM bills WHERE period_start = $1)`,
			`UPDATE fines SET bill_id = NULL WHERE bill_id IN (SELECT id FROM bills WHERE period_start = $1)`,
			`UPDATE reconnections SET bill_id = NULL WHERE bill_id IN (SELECT id FROM bills WHERE period_start = $1)`,
			`DELETE FROM discount_bill_links WHERE bill_id IN (SELECT id FROM bills WHERE period_start = $1)`,
			`UPDATE reading_corrections SET applied = FALSE, applied_bill_id = NULL
				WHERE applied_bill_id IN (SELECT id FROM bills WHERE period_start = $1)`,
		}
		for _, sql := range release {
			if _, err := tx.Exec(ctx, sql, p.Start()); err != nil {
				return fmt.Errorf("release links: %w", err)
			}
		}
		tag, err := tx.Exec(ctx, `DELETE FROM bills WHERE period_start = $1`, p.Start())
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

func datePtr(d pgtype.Date) *time.Time {
	if !d.Valid {
		return nil
	}
	t := d.Time
	return &t
}
