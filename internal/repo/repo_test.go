package repo

import (
	"context"
	"database/sql"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysync/internal/db"
	"paysync/internal/domain"
	"paysync/internal/migrate"
)

const now = "2024-01-01T00:00:00Z"

func setupRepo(t *testing.T) (context.Context, Repo) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	return ctx, Repo{DB: conn}
}

func withTx(t *testing.T, ctx context.Context, r Repo, fn func(tx *sql.Tx)) {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func seedLedger(t *testing.T, ctx context.Context, r Repo, id, createdBy string) {
	t.Helper()
	withTx(t, ctx, r, func(tx *sql.Tx) {
		require.NoError(t, r.InsertLedgerTx(ctx, tx, domain.Ledger{ID: id, OwnerID: "owner", AcceptedUnit: "EGLD", CreatedBy: createdBy, CreatedAt: now}))
	})
}

func TestLedgerCountersStartAtOne(t *testing.T) {
	ctx, r := setupRepo(t)
	seedLedger(t, ctx, r, "payroll", "")

	l, err := r.GetLedger(ctx, "payroll")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), l.NextPaymentID)
	assert.Equal(t, uint64(1), l.NextRecipientID)
	assert.True(t, l.Balance.IsZero())

	_, err = r.GetLedger(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecipientIDStability(t *testing.T) {
	ctx, r := setupRepo(t)
	seedLedger(t, ctx, r, "payroll", "")

	withTx(t, ctx, r, func(tx *sql.Tx) {
		id, created, err := r.GetOrCreateRecipientTx(ctx, tx, "payroll", "erd1bob", now)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, uint64(1), id)

		id, created, err = r.GetOrCreateRecipientTx(ctx, tx, "payroll", "erd1bob", now)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, uint64(1), id)

		id, created, err = r.GetOrCreateRecipientTx(ctx, tx, "payroll", "erd1carol", now)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, uint64(2), id)
	})

	l, err := r.GetLedger(ctx, "payroll")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), l.NextRecipientID)

	rc, err := r.GetRecipient(ctx, "payroll", 2)
	require.NoError(t, err)
	assert.Equal(t, "erd1carol", rc.Address)
	byAddr, err := r.GetRecipientByAddress(ctx, "payroll", "erd1bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), byAddr.RecipientID)

	all, err := r.ListRecipients(ctx, "payroll")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "erd1bob", all[0].Address)
}

func TestPaymentIDsNeverReused(t *testing.T) {
	ctx, r := setupRepo(t)
	seedLedger(t, ctx, r, "payroll", "")

	var ids []uint64
	withTx(t, ctx, r, func(tx *sql.Tx) {
		rid, _, err := r.GetOrCreateRecipientTx(ctx, tx, "payroll", "erd1bob", now)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			p, err := r.InsertPaymentTx(ctx, tx, domain.Payment{LedgerID: "payroll", RecipientID: rid, Amount: decimal.NewFromInt(5), ScheduledTime: 100, CreatedAt: now})
			require.NoError(t, err)
			ids = append(ids, p.PaymentID)
		}
		require.NoError(t, r.DeletePaymentTx(ctx, tx, "payroll", 3))
	})
	assert.Equal(t, []uint64{1, 2, 3}, ids)

	withTx(t, ctx, r, func(tx *sql.Tx) {
		p, err := r.InsertPaymentTx(ctx, tx, domain.Payment{LedgerID: "payroll", RecipientID: 1, Amount: decimal.Zero, ScheduledTime: 0, IsMonthly: true, CreatedAt: now})
		require.NoError(t, err)
		assert.Equal(t, uint64(4), p.PaymentID)
		require.NoError(t, r.UpdatePaymentScheduleTx(ctx, tx, "payroll", 4, domain.RecurrencePeriod))
		assert.ErrorIs(t, r.DeletePaymentTx(ctx, tx, "payroll", 3), ErrNotFound)
	})

	outstanding, err := r.ListPaymentIDs(ctx, "payroll")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 4}, outstanding)

	p, err := r.GetPayment(ctx, "payroll", 4)
	require.NoError(t, err)
	assert.True(t, p.IsMonthly)
	assert.Equal(t, domain.RecurrencePeriod, p.ScheduledTime)

	monthly, err := r.ListPayments(ctx, PaymentFilters{LedgerID: "payroll", MonthlyOnly: true})
	require.NoError(t, err)
	require.Len(t, monthly, 1)
	assert.Equal(t, uint64(4), monthly[0].PaymentID)

	_, err = r.GetPayment(ctx, "payroll", 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPaymentRequiresKnownRecipient(t *testing.T) {
	ctx, r := setupRepo(t)
	seedLedger(t, ctx, r, "payroll", "")
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = r.InsertPaymentTx(ctx, tx, domain.Payment{LedgerID: "payroll", RecipientID: 9, Amount: decimal.NewFromInt(1), CreatedAt: now})
	assert.Error(t, err)
}

func TestMembersAreIdempotent(t *testing.T) {
	ctx, r := setupRepo(t)
	seedLedger(t, ctx, r, "payroll", "")

	withTx(t, ctx, r, func(tx *sql.Tx) {
		changed, err := r.AddMemberTx(ctx, tx, "payroll", RoleHandler, "bob")
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = r.AddMemberTx(ctx, tx, "payroll", RoleHandler, "bob")
		require.NoError(t, err)
		assert.False(t, changed)
		changed, err = r.RemoveMemberTx(ctx, tx, "payroll", RoleProcessor, "bob")
		require.NoError(t, err)
		assert.False(t, changed)
	})

	ok, err := r.HasMemberTx(ctx, nil, "payroll", RoleHandler, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.HasMemberTx(ctx, nil, "payroll", RoleProcessor, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.HasMemberTx(ctx, nil, "payroll", Role("auditor"), "bob")
	assert.Error(t, err)

	st, err := r.Status(ctx, "payroll")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, st.Handlers)
	assert.Empty(t, st.Processors)
}

func TestListLedgersByCreator(t *testing.T) {
	ctx, r := setupRepo(t)
	seedLedger(t, ctx, r, "root", "")
	seedLedger(t, ctx, r, "a", "alice")
	seedLedger(t, ctx, r, "b", "bob")
	seedLedger(t, ctx, r, "c", "alice")

	all, err := r.ListLedgers(ctx, LedgerFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	children, err := r.ListLedgers(ctx, LedgerFilters{DeployedOnly: true})
	require.NoError(t, err)
	assert.Len(t, children, 3)

	mine, err := r.ListLedgers(ctx, LedgerFilters{CreatedBy: "alice"})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "a", mine[0].ID)
	assert.Equal(t, "c", mine[1].ID)

	_, err = r.SingleLedger(ctx)
	assert.Error(t, err)
}

func TestBalanceAndTransfers(t *testing.T) {
	ctx, r := setupRepo(t)
	seedLedger(t, ctx, r, "payroll", "")
	withTx(t, ctx, r, func(tx *sql.Tx) {
		require.NoError(t, r.SetBalanceTx(ctx, tx, "payroll", decimal.RequireFromString("123456789012345678901234567890")))
		_, err := r.InsertTransferTx(ctx, tx, domain.Transfer{LedgerID: "payroll", Direction: "in", Counterparty: "alice", Amount: decimal.NewFromInt(7), Unit: "EGLD", TS: now})
		require.NoError(t, err)
		assert.ErrorIs(t, r.SetBalanceTx(ctx, tx, "missing", decimal.Zero), ErrNotFound)
	})
	bal, err := r.BalanceTx(ctx, nil, "payroll")
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678901234567890", bal.String())

	ts, err := r.ListTransfers(ctx, "payroll", "in", 0)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, "7", ts[0].Amount.String())
}

func TestEventsCursor(t *testing.T) {
	ctx, r := setupRepo(t)
	withTx(t, ctx, r, func(tx *sql.Tx) {
		for _, l := range []string{"a", "b", "a"} {
			_, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,ledger_id,entity_kind,actor_id,payload_json) VALUES (?,?,?,?,?,?)`, now, "top_up", l, "ledger", "alice", "{}")
			require.NoError(t, err)
		}
	})
	latest, err := r.LatestEventID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)

	after, err := r.EventsAfter(ctx, 10, 1, "a")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, int64(3), after[0].ID)

	recent, err := r.LatestEvents(ctx, EventFilters{Before: 3})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(2), recent[0].ID)
}

func TestSettingsAndAPIKeys(t *testing.T) {
	ctx, r := setupRepo(t)
	_, err := r.GetSetting(ctx, "template")
	assert.ErrorIs(t, err, ErrNotFound)
	withTx(t, ctx, r, func(tx *sql.Tx) {
		require.NoError(t, r.SetSettingTx(ctx, tx, "template", "v1", now))
		require.NoError(t, r.SetSettingTx(ctx, tx, "template", "v2", now))
	})
	v, err := r.GetSetting(ctx, "template")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	require.NoError(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", ActorID: "alice", KeyHash: HashAPIKey("secret ")}))
	key, err := r.GetAPIKeyByHash(ctx, HashAPIKey("secret"))
	require.NoError(t, err)
	assert.Equal(t, "alice", key.ActorID)
	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, "k1"), ErrNotFound)
}
