package repo

import (
	"context"
	"database/sql"
)

// GetSetting returns a factory setting value.
func (r Repo) GetSetting(ctx context.Context, key string) (string, error) {
	return r.GetSettingTx(ctx, nil, key)
}

func (r Repo) GetSettingTx(ctx context.Context, tx *sql.Tx, key string) (string, error) {
	var v string
	err := r.on(tx).QueryRowContext(ctx, `SELECT value FROM factory_settings WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

func (r Repo) SetSettingTx(ctx context.Context, tx *sql.Tx, key, value, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO factory_settings(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, value, now)
	return err
}
