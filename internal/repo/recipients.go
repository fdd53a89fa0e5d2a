package repo

import (
	"context"
	"database/sql"
	"errors"

	"paysync/internal/domain"
)

func scanRecipient(row rowScanner) (domain.Recipient, error) {
	var rc domain.Recipient
	var id int64
	err := row.Scan(&rc.LedgerID, &id, &rc.Address, &rc.CreatedAt)
	if err == sql.ErrNoRows {
		return rc, ErrNotFound
	}
	rc.RecipientID = uint64(id)
	return rc, err
}

// GetOrCreateRecipientTx returns the ID bound to address, binding the ledger's
// next recipient ID on first sight. The counter moves only when created is true.
func (r Repo) GetOrCreateRecipientTx(ctx context.Context, tx *sql.Tx, ledgerID, address, now string) (uint64, bool, error) {
	existing, err := r.getRecipientByAddress(ctx, tx, ledgerID, address)
	if err == nil {
		return existing.RecipientID, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, false, err
	}
	var next int64
	err = tx.QueryRowContext(ctx, `SELECT next_recipient_id FROM ledgers WHERE id=?`, ledgerID).Scan(&next)
	if err == sql.ErrNoRows {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO recipients(ledger_id, recipient_id, address, created_at) VALUES (?,?,?,?)`, ledgerID, next, address, now); err != nil {
		return 0, false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ledgers SET next_recipient_id=next_recipient_id+1 WHERE id=?`, ledgerID); err != nil {
		return 0, false, err
	}
	return uint64(next), true, nil
}

func (r Repo) getRecipientByAddress(ctx context.Context, tx *sql.Tx, ledgerID, address string) (domain.Recipient, error) {
	return scanRecipient(r.on(tx).QueryRowContext(ctx, `SELECT ledger_id, recipient_id, address, created_at FROM recipients WHERE ledger_id=? AND address=?`, ledgerID, address))
}

func (r Repo) GetRecipientByAddress(ctx context.Context, ledgerID, address string) (domain.Recipient, error) {
	return r.getRecipientByAddress(ctx, nil, ledgerID, address)
}

func (r Repo) GetRecipient(ctx context.Context, ledgerID string, id uint64) (domain.Recipient, error) {
	return r.GetRecipientTx(ctx, nil, ledgerID, id)
}

func (r Repo) GetRecipientTx(ctx context.Context, tx *sql.Tx, ledgerID string, id uint64) (domain.Recipient, error) {
	return scanRecipient(r.on(tx).QueryRowContext(ctx, `SELECT ledger_id, recipient_id, address, created_at FROM recipients WHERE ledger_id=? AND recipient_id=?`, ledgerID, int64(id)))
}

// ListRecipients returns the directory ordered by recipient ID.
func (r Repo) ListRecipients(ctx context.Context, ledgerID string) ([]domain.Recipient, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT ledger_id, recipient_id, address, created_at FROM recipients WHERE ledger_id=? ORDER BY recipient_id`, ledgerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Recipient{}
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rc)
	}
	return res, rows.Err()
}
