package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"paysync/internal/domain"
)

const paymentColumns = `ledger_id, payment_id, recipient_id, amount, scheduled_time, is_monthly, created_at`

func scanPayment(row rowScanner) (domain.Payment, error) {
	var p domain.Payment
	var paymentID, recipientID, scheduled int64
	var amount string
	var monthly int
	err := row.Scan(&p.LedgerID, &paymentID, &recipientID, &amount, &scheduled, &monthly, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return p, fmt.Errorf("payment %d amount %q: %w", paymentID, amount, err)
	}
	p.PaymentID = uint64(paymentID)
	p.RecipientID = uint64(recipientID)
	p.ScheduledTime = uint64(scheduled)
	p.IsMonthly = monthly != 0
	return p, nil
}

// InsertPaymentTx assigns the ledger's next payment ID to p, stores it and
// advances the counter by one.
func (r Repo) InsertPaymentTx(ctx context.Context, tx *sql.Tx, p domain.Payment) (domain.Payment, error) {
	var next int64
	err := tx.QueryRowContext(ctx, `SELECT next_payment_id FROM ledgers WHERE id=?`, p.LedgerID).Scan(&next)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.PaymentID = uint64(next)
	if _, err := tx.ExecContext(ctx, `INSERT INTO payments(`+paymentColumns+`) VALUES (?,?,?,?,?,?,?)`,
		p.LedgerID, next, int64(p.RecipientID), p.Amount.String(), int64(p.ScheduledTime), boolInt(p.IsMonthly), p.CreatedAt); err != nil {
		return p, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ledgers SET next_payment_id=next_payment_id+1 WHERE id=?`, p.LedgerID); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) GetPayment(ctx context.Context, ledgerID string, id uint64) (domain.Payment, error) {
	return r.GetPaymentTx(ctx, nil, ledgerID, id)
}

func (r Repo) GetPaymentTx(ctx context.Context, tx *sql.Tx, ledgerID string, id uint64) (domain.Payment, error) {
	return scanPayment(r.on(tx).QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE ledger_id=? AND payment_id=?`, ledgerID, int64(id)))
}

// UpdatePaymentScheduleTx persists a recurrence advance.
func (r Repo) UpdatePaymentScheduleTx(ctx context.Context, tx *sql.Tx, ledgerID string, id, scheduled uint64) error {
	res, err := tx.ExecContext(ctx, `UPDATE payments SET scheduled_time=? WHERE ledger_id=? AND payment_id=?`, int64(scheduled), ledgerID, int64(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePaymentTx retires a payment from the outstanding set.
func (r Repo) DeletePaymentTx(ctx context.Context, tx *sql.Tx, ledgerID string, id uint64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM payments WHERE ledger_id=? AND payment_id=?`, ledgerID, int64(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPaymentIDs returns the outstanding set in ascending order.
func (r Repo) ListPaymentIDs(ctx context.Context, ledgerID string) ([]uint64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT payment_id FROM payments WHERE ledger_id=? ORDER BY payment_id`, ledgerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []uint64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, uint64(id))
	}
	return ids, rows.Err()
}

type PaymentFilters struct {
	LedgerID    string
	RecipientID uint64
	DueBefore   uint64
	MonthlyOnly bool
	Limit       int
}

// ListPayments returns outstanding payments ordered by payment ID.
func (r Repo) ListPayments(ctx context.Context, f PaymentFilters) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE ledger_id=?`
	args := []any{f.LedgerID}
	if f.RecipientID > 0 {
		query += ` AND recipient_id=?`
		args = append(args, int64(f.RecipientID))
	}
	if f.DueBefore > 0 {
		query += ` AND scheduled_time<=?`
		args = append(args, int64(f.DueBefore))
	}
	if f.MonthlyOnly {
		query += ` AND is_monthly=1`
	}
	query += ` ORDER BY payment_id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
