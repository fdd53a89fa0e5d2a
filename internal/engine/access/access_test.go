package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysync/internal/db"
	"paysync/internal/domain"
	"paysync/internal/migrate"
	"paysync/internal/repo"
)

func setupRegistry(t *testing.T) (context.Context, Registry) {
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
	require.NoError(t, r.InsertLedgerTx(ctx, tx, domain.Ledger{ID: "payroll", OwnerID: "owner", AcceptedUnit: "EGLD", CreatedAt: "2024-01-01T00:00:00Z"}))
	require.NoError(t, tx.Commit())
	return ctx, Registry{Repo: r}
}

func TestOwnerHoldsBothRoles(t *testing.T) {
	ctx, reg := setupRegistry(t)
	ok, err := reg.IsHandler(ctx, nil, "payroll", "owner")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = reg.IsProcessor(ctx, nil, "payroll", "owner")
	require.NoError(t, err)
	assert.True(t, ok)

	tx, err := reg.Repo.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	changed, err := reg.Remove(ctx, tx, "payroll", repo.RoleHandler, "owner")
	require.NoError(t, err)
	assert.False(t, changed)
	require.NoError(t, tx.Commit())

	assert.NoError(t, reg.RequireHandler(ctx, nil, "payroll", "owner"))
}

func TestRequireRejectsOutsiders(t *testing.T) {
	ctx, reg := setupRegistry(t)

	err := reg.RequireProcessor(ctx, nil, "payroll", "mallory")
	var fe ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, repo.RoleProcessor, fe.Role)
	assert.Equal(t, "caller is not a money processor", err.Error())

	assert.Error(t, reg.RequireHandler(ctx, nil, "payroll", ""))
	assert.ErrorIs(t, reg.RequireHandler(ctx, nil, "missing", "owner"), repo.ErrNotFound)
}

func TestMembershipIsPerRole(t *testing.T) {
	ctx, reg := setupRegistry(t)
	tx, err := reg.Repo.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	changed, err := reg.Add(ctx, tx, "payroll", repo.RoleProcessor, "bot")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = reg.Add(ctx, tx, "payroll", repo.RoleProcessor, " bot ")
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = reg.Add(ctx, tx, "payroll", repo.RoleHandler, " ")
	assert.Error(t, err)
	require.NoError(t, tx.Commit())

	assert.NoError(t, reg.RequireProcessor(ctx, nil, "payroll", "bot"))
	assert.Error(t, reg.RequireHandler(ctx, nil, "payroll", "bot"))

	members, err := reg.Members(ctx, nil, "payroll", repo.RoleProcessor)
	require.NoError(t, err)
	assert.Equal(t, []string{"bot"}, members)
}
