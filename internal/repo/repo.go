package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"paysync/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on returns tx when set, the pool otherwise. Reads made while a transaction
// is open must go through the transaction since the pool holds one connection.
func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const ledgerColumns = `id,owner_id,accepted_unit,balance,next_payment_id,next_recipient_id,COALESCE(template,''),COALESCE(created_by,''),created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLedger(row rowScanner) (domain.Ledger, error) {
	var l domain.Ledger
	var balance string
	var nextPayment, nextRecipient int64
	err := row.Scan(&l.ID, &l.OwnerID, &l.AcceptedUnit, &balance, &nextPayment, &nextRecipient, &l.Template, &l.CreatedBy, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return l, fmt.Errorf("ledger %s balance %q: %w", l.ID, balance, err)
	}
	l.NextPaymentID = uint64(nextPayment)
	l.NextRecipientID = uint64(nextRecipient)
	return l, nil
}

// InsertLedgerTx stores a new ledger. Counters start at 1 and balance at zero.
func (r Repo) InsertLedgerTx(ctx context.Context, tx *sql.Tx, l domain.Ledger) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ledgers(id,owner_id,accepted_unit,balance,next_payment_id,next_recipient_id,template,created_by,created_at) VALUES (?,?,?,?,1,1,?,?,?)`,
		l.ID, l.OwnerID, l.AcceptedUnit, decimal.Zero.String(), nullable(l.Template), nullable(l.CreatedBy), l.CreatedAt)
	return err
}

func (r Repo) GetLedger(ctx context.Context, id string) (domain.Ledger, error) {
	return r.GetLedgerTx(ctx, nil, id)
}

func (r Repo) GetLedgerTx(ctx context.Context, tx *sql.Tx, id string) (domain.Ledger, error) {
	return scanLedger(r.on(tx).QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledgers WHERE id=?`, id))
}

// SingleLedger returns the only ledger in the database.
func (r Repo) SingleLedger(ctx context.Context) (domain.Ledger, error) {
	ledgers, err := r.ListLedgers(ctx, LedgerFilters{})
	if err != nil {
		return domain.Ledger{}, err
	}
	if len(ledgers) == 0 {
		return domain.Ledger{}, ErrNotFound
	}
	if len(ledgers) > 1 {
		return domain.Ledger{}, fmt.Errorf("multiple ledgers exist; specify --ledger")
	}
	return ledgers[0], nil
}

type LedgerFilters struct {
	CreatedBy    string
	DeployedOnly bool
}

// ListLedgers returns ledgers in creation order.
func (r Repo) ListLedgers(ctx context.Context, f LedgerFilters) ([]domain.Ledger, error) {
	return r.ListLedgersTx(ctx, nil, f)
}

func (r Repo) ListLedgersTx(ctx context.Context, tx *sql.Tx, f LedgerFilters) ([]domain.Ledger, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	if f.DeployedOnly {
		clauses = append(clauses, "created_by IS NOT NULL")
	}
	query := fmt.Sprintf(`SELECT %s FROM ledgers WHERE %s ORDER BY created_at ASC, rowid ASC`, ledgerColumns, strings.Join(clauses, " AND "))
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ledger
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// SetBalanceTx overwrites the held balance of a ledger.
func (r Repo) SetBalanceTx(ctx context.Context, tx *sql.Tx, ledgerID string, balance decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `UPDATE ledgers SET balance=? WHERE id=?`, balance.String(), ledgerID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// BalanceTx returns the held balance of a ledger.
func (r Repo) BalanceTx(ctx context.Context, tx *sql.Tx, ledgerID string) (decimal.Decimal, error) {
	var raw string
	err := r.on(tx).QueryRowContext(ctx, `SELECT balance FROM ledgers WHERE id=?`, ledgerID).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// Status returns a ledger with its outstanding and directory sizes and access sets.
func (r Repo) Status(ctx context.Context, ledgerID string) (domain.LedgerStatus, error) {
	l, err := r.GetLedger(ctx, ledgerID)
	if err != nil {
		return domain.LedgerStatus{}, err
	}
	st := domain.LedgerStatus{Ledger: l}
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments WHERE ledger_id=?`, ledgerID).Scan(&st.Outstanding); err != nil {
		return st, err
	}
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipients WHERE ledger_id=?`, ledgerID).Scan(&st.Recipients); err != nil {
		return st, err
	}
	if st.Handlers, err = r.ListMembersTx(ctx, nil, ledgerID, RoleHandler); err != nil {
		return st, err
	}
	if st.Processors, err = r.ListMembersTx(ctx, nil, ledgerID, RoleProcessor); err != nil {
		return st, err
	}
	return st, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
