package repo

import (
	"context"
	"database/sql"
	"fmt"
)

// Role names an access set of a ledger.
type Role string

const (
	RoleHandler   Role = "handler"
	RoleProcessor Role = "processor"
)

func (r Role) table() (string, error) {
	switch r {
	case RoleHandler:
		return "ledger_handlers", nil
	case RoleProcessor:
		return "ledger_processors", nil
	}
	return "", fmt.Errorf("unknown role %q", string(r))
}

// AddMemberTx inserts identity into the role set. It reports whether the set changed.
func (r Repo) AddMemberTx(ctx context.Context, tx *sql.Tx, ledgerID string, role Role, identity string) (bool, error) {
	table, err := role.table()
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO `+table+`(ledger_id, identity) VALUES (?,?)`, ledgerID, identity)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveMemberTx deletes identity from the role set. It reports whether the set changed.
func (r Repo) RemoveMemberTx(ctx context.Context, tx *sql.Tx, ledgerID string, role Role, identity string) (bool, error) {
	table, err := role.table()
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE ledger_id=? AND identity=?`, ledgerID, identity)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) HasMemberTx(ctx context.Context, tx *sql.Tx, ledgerID string, role Role, identity string) (bool, error) {
	table, err := role.table()
	if err != nil {
		return false, err
	}
	var n int
	err = r.on(tx).QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE ledger_id=? AND identity=? LIMIT 1`, ledgerID, identity).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListMembersTx returns the explicit members of a role set, sorted.
func (r Repo) ListMembersTx(ctx context.Context, tx *sql.Tx, ledgerID string, role Role) ([]string, error) {
	table, err := role.table()
	if err != nil {
		return nil, err
	}
	rows, err := r.on(tx).QueryContext(ctx, `SELECT identity FROM `+table+` WHERE ledger_id=? ORDER BY identity`, ledgerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	members := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}
