package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"paysync/internal/domain"
)

func (r Repo) InsertTransferTx(ctx context.Context, tx *sql.Tx, t domain.Transfer) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO transfers(ledger_id,direction,counterparty,amount,unit,ts) VALUES (?,?,?,?,?,?)`,
		t.LedgerID, t.Direction, t.Counterparty, t.Amount.String(), t.Unit, t.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListTransfers returns the most recent transfers of a ledger, newest first.
func (r Repo) ListTransfers(ctx context.Context, ledgerID, direction string, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ledger_id,direction,counterparty,amount,unit,ts FROM transfers WHERE ledger_id=?`
	args := []any{ledgerID}
	if direction != "" {
		query += ` AND direction=?`
		args = append(args, direction)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Transfer{}
	for rows.Next() {
		var t domain.Transfer
		var amount string
		if err := rows.Scan(&t.ID, &t.LedgerID, &t.Direction, &t.Counterparty, &amount, &t.Unit, &t.TS); err != nil {
			return nil, err
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("transfer %d amount %q: %w", t.ID, amount, err)
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
