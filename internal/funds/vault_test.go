package funds

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysync/internal/db"
	"paysync/internal/domain"
	"paysync/internal/migrate"
	"paysync/internal/repo"
)

func setupVault(t *testing.T) (context.Context, SQLVault) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.InsertLedgerTx(ctx, tx, domain.Ledger{ID: "payroll", OwnerID: "alice", AcceptedUnit: "EGLD", CreatedAt: "2024-01-01T00:00:00Z"}))
	require.NoError(t, tx.Commit())
	fixed := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	return ctx, SQLVault{Repo: r, Now: func() time.Time { return fixed }}
}

func TestDepositThenDisburse(t *testing.T) {
	ctx, v := setupVault(t)
	tx, err := v.Repo.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	bal, err := v.Deposit(ctx, tx, "payroll", "alice", domain.Deposit{Unit: "EGLD", Amount: decimal.NewFromInt(200000)})
	require.NoError(t, err)
	assert.Equal(t, "200000", bal.String())

	bal, err = v.Disburse(ctx, tx, "payroll", "erd1bob", "EGLD", decimal.NewFromInt(150000))
	require.NoError(t, err)
	assert.Equal(t, "50000", bal.String())

	_, err = v.Disburse(ctx, tx, "payroll", "erd1bob", "EGLD", decimal.NewFromInt(50001))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.NoError(t, tx.Commit())

	got, err := v.Balance(ctx, nil, "payroll")
	require.NoError(t, err)
	assert.Equal(t, "50000", got.String())

	transfers, err := v.Repo.ListTransfers(ctx, "payroll", "", 10)
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	assert.Equal(t, DirectionOut, transfers[0].Direction)
	assert.Equal(t, "erd1bob", transfers[0].Counterparty)
	assert.Equal(t, "2024-02-01T00:00:00Z", transfers[0].TS)
	assert.Equal(t, DirectionIn, transfers[1].Direction)
}

func TestDepositRejectsNegative(t *testing.T) {
	ctx, v := setupVault(t)
	tx, err := v.Repo.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = v.Deposit(ctx, tx, "payroll", "alice", domain.Deposit{Unit: "EGLD", Amount: decimal.NewFromInt(-1)})
	var ve domain.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = v.Deposit(ctx, tx, "missing", "alice", domain.Deposit{Unit: "EGLD", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
