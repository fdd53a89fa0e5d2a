package engine_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysync/internal/config"
	"paysync/internal/db"
	"paysync/internal/domain"
	"paysync/internal/engine"
	"paysync/internal/engine/access"
	"paysync/internal/events"
	"paysync/internal/migrate"
	"paysync/internal/repo"
)

const (
	ledgerID = "payroll"
	owner    = "owner"
	unit     = "USDC-c76f1f"
)

type testEnv struct {
	Engine   engine.Engine
	Recorder *events.Recorder
	Ctx      context.Context
}

// newTestEnv returns an engine over a fresh workspace with the clock at unix
// second 11 and a ledger owned by owner.
func newTestEnv(t *testing.T, dueRule string) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	cfg := config.Default(ledgerID, owner, unit)
	cfg.Settlement.DueRule = dueRule
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Unix(11, 0) }
	rec := &events.Recorder{}
	eng.Events = rec

	_, err = eng.InitLedger(ctx, engine.InitOptions{
		LedgerID:     ledgerID,
		Owner:        owner,
		AcceptedUnit: unit,
		Handlers:     []string{owner},
		Processors:   []string{owner},
	})
	require.NoError(t, err)
	return testEnv{Engine: eng, Recorder: rec, Ctx: ctx}
}

func (env testEnv) topUp(t *testing.T, amount int64) {
	t.Helper()
	_, err := env.Engine.TopUp(env.Ctx, ledgerID, owner, domain.Deposit{Unit: unit, Amount: decimal.NewFromInt(amount)})
	require.NoError(t, err)
}

func (env testEnv) addPayment(t *testing.T, recipient string, amount int64, at uint64, monthly bool) domain.Payment {
	t.Helper()
	p, err := env.Engine.AddPayment(env.Ctx, engine.AddPaymentOptions{
		LedgerID:      ledgerID,
		Caller:        owner,
		Recipient:     recipient,
		Amount:        decimal.NewFromInt(amount),
		ScheduledTime: at,
		IsMonthly:     monthly,
	})
	require.NoError(t, err)
	return p
}

func (env testEnv) balance(t *testing.T) string {
	t.Helper()
	l, err := env.Engine.Repo.GetLedger(env.Ctx, ledgerID)
	require.NoError(t, err)
	return l.Balance.String()
}

func (env testEnv) outstanding(t *testing.T) []uint64 {
	t.Helper()
	ids, err := env.Engine.Repo.ListPaymentIDs(env.Ctx, ledgerID)
	require.NoError(t, err)
	return ids
}

func TestScenarioSingleOneOffPayment(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)
	env.topUp(t, 200000)
	assert.Equal(t, "200000", env.balance(t))

	p := env.addPayment(t, "erd1recipient", 100000, 100, false)
	assert.Equal(t, uint64(1), p.PaymentID)
	assert.Equal(t, uint64(1), p.RecipientID)

	report, err := env.Engine.ProcessPayments(env.Ctx, ledgerID, owner, []uint64{1})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, report.SettledIDs())
	assert.True(t, report.Settled[0].Retired)
	assert.Equal(t, "erd1recipient", report.Settled[0].Recipient)
	assert.Equal(t, "100000", report.EndingBalance.String())
	assert.Equal(t, "100000", env.balance(t))
	assert.Empty(t, env.outstanding(t))

	_, err = env.Engine.Repo.GetPayment(env.Ctx, ledgerID, 1)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	transfers, err := env.Engine.Repo.ListTransfers(env.Ctx, ledgerID, "out", 10)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, "erd1recipient", transfers[0].Counterparty)
	assert.Equal(t, "100000", transfers[0].Amount.String())

	processed := env.Recorder.OfType(events.TypePaymentProcessed)
	require.Len(t, processed, 1)
	assert.Equal(t, "1", processed[0].EntityID)
	assert.Equal(t, owner, processed[0].ActorID)
}

func TestScenarioSameRecipientTwice(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)
	first := env.addPayment(t, "erd1bob", 10, 100, false)
	second := env.addPayment(t, "erd1bob", 20, 200, true)

	assert.Equal(t, first.RecipientID, second.RecipientID)
	assert.Less(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, []uint64{1, 2}, env.outstanding(t))

	l, err := env.Engine.Repo.GetLedger(env.Ctx, ledgerID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), l.NextRecipientID)
	assert.Equal(t, uint64(3), l.NextPaymentID)

	added := env.Recorder.OfType(events.TypePaymentAdded)
	require.Len(t, added, 2)
	assert.Equal(t, true, added[0].Payload["recipient_created"])
	assert.Equal(t, false, added[1].Payload["recipient_created"])
}

func TestScenarioPartialBatch(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)
	env.topUp(t, 500)
	env.addPayment(t, "erd1a", 500, 100, false)
	env.addPayment(t, "erd1b", 1, 100, false)

	report, err := env.Engine.ProcessPayments(env.Ctx, ledgerID, owner, []uint64{1, 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	var stop *domain.InsufficientFundsError
	require.True(t, errors.As(err, &stop))
	assert.Equal(t, uint64(2), stop.PaymentID)
	assert.Equal(t, []uint64{1}, stop.Settled)
	assert.Equal(t, []uint64{1}, report.SettledIDs())

	assert.Equal(t, "0", env.balance(t))
	assert.Equal(t, []uint64{2}, env.outstanding(t))
	assert.Len(t, env.Recorder.OfType(events.TypePaymentProcessed), 1)
}

func TestInsufficientFirstItemRollsBack(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)
	env.topUp(t, 5)
	env.addPayment(t, "erd1a", 6, 100, false)

	_, err := env.Engine.ProcessPayments(env.Ctx, ledgerID, owner, []uint64{1})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, "5", env.balance(t))
	assert.Equal(t, []uint64{1}, env.outstanding(t))
}

func TestRecurrenceLaw(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)
	env.topUp(t, 100)
	env.addPayment(t, "erd1a", 30, 100, true)

	report, err := env.Engine.ProcessPayments(env.Ctx, ledgerID, owner, []uint64{1})
	require.NoError(t, err)
	require.Len(t, report.Settled, 1)
	s := report.Settled[0]
	assert.False(t, s.Retired)
	assert.Equal(t, uint64(100), s.PreviousScheduled)
	assert.Equal(t, uint64(100)+domain.RecurrencePeriod, s.NextScheduled)

	p, err := env.Engine.Repo.GetPayment(env.Ctx, ledgerID, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(100)+domain.RecurrencePeriod, p.ScheduledTime)
	assert.Equal(t, []uint64{1}, env.outstanding(t))
	assert.Equal(t, "70", env.balance(t))
}

func TestBatchBalanceConservation(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)
	env.topUp(t, 1000)
	env.addPayment(t, "erd1a", 100, 50, false)
	env.addPayment(t, "erd1b", 250, 60, true)
	env.addPayment(t, "erd1a", 0, 70, false)

	report, err := env.Engine.ProcessPayments(env.Ctx, ledgerID, owner, []uint64{3, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 1, 2}, report.SettledIDs())
	sum := decimal.Zero
	for _, s := range report.Settled {
		sum = sum.Add(s.Amount)
	}
	assert.True(t, report.EndingBalance.Equal(report.StartingBalance.Sub(sum)))
	assert.Equal(t, "650", env.balance(t))
	assert.Equal(t, []uint64{2}, env.outstanding(t))
}

func TestLegacyDueRuleSkipsPastPayments(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)
	env.topUp(t, 100)
	env.addPayment(t, "erd1a", 10, 5, false)
	env.addPayment(t, "erd1a", 10, 11, false)

	report, err := env.Engine.ProcessPayments(env.Ctx, ledgerID, owner, []uint64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, report.Skipped)
	assert.Equal(t, []uint64{2}, report.SettledIDs())
	assert.Equal(t, []uint64{1}, env.outstanding(t))
	assert.Len(t, env.Recorder.OfType(events.TypePaymentProcessed), 1)
}

func TestStrictDueRuleSkipsFuturePayments(t *testing.T) {
	env := newTestEnv(t, config.DueRuleStrict)
	env.topUp(t, 100)
	env.addPayment(t, "erd1a", 10, 5, false)
	env.addPayment(t, "erd1a", 10, 100, false)

	report, err := env.Engine.ProcessPayments(env.Ctx, ledgerID, owner, []uint64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, report.SettledIDs())
	assert.Equal(t, []uint64{2}, report.Skipped)
}

func TestNoFundsFailsBeforeAnyItem(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)
	env.addPayment(t, "erd1a", 0, 100, false)

	_, err := env.Engine.ProcessPayments(env.Ctx, ledgerID, owner, []uint64{1})
	assert.ErrorIs(t, err, domain.ErrNoFunds)
	assert.Equal(t, []uint64{1}, env.outstanding(t))

	_, err = env.Engine.ProcessPayments(env.Ctx, ledgerID, owner, nil)
	assert.ErrorIs(t, err, domain.ErrNoFunds)
}

func TestNoFundsIsCheckedBeforeBatchIDs(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)

	_, err := env.Engine.ProcessPayments(env.Ctx, ledgerID, owner, []uint64{9})
	assert.ErrorIs(t, err, domain.ErrNoFunds)
	assert.NotErrorIs(t, err, repo.ErrNotFound)
}

func TestAddPaymentRejectsScheduleBeyondStorableRange(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)

	_, err := env.Engine.AddPayment(env.Ctx, engine.AddPaymentOptions{
		LedgerID:      ledgerID,
		Caller:        owner,
		Recipient:     "erd1a",
		Amount:        decimal.NewFromInt(1),
		ScheduledTime: uint64(math.MaxInt64) + 1,
	})
	var ve domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "scheduled_time", ve.Field)
	assert.Empty(t, env.outstanding(t))
	assert.Empty(t, env.Recorder.OfType(events.TypePaymentAdded))

	p := env.addPayment(t, "erd1a", 1, math.MaxInt64, false)
	assert.Equal(t, uint64(math.MaxInt64), p.ScheduledTime)
}

func TestMonthlyRescheduleOverflowRollsBackBatch(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)
	env.topUp(t, 100)
	env.addPayment(t, "erd1a", 10, 100, false)
	env.addPayment(t, "erd1b", 10, math.MaxInt64-10, true)

	report, err := env.Engine.ProcessPayments(env.Ctx, ledgerID, owner, []uint64{1, 2})
	var ve domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "scheduled_time", ve.Field)
	assert.Empty(t, report.Settled)
	assert.True(t, report.EndingBalance.Equal(report.StartingBalance))

	assert.Equal(t, "100", env.balance(t))
	assert.Equal(t, []uint64{1, 2}, env.outstanding(t))
	assert.Empty(t, env.Recorder.OfType(events.TypePaymentProcessed))

	out, err := env.Engine.Repo.ListTransfers(env.Ctx, ledgerID, "out", 10)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestBatchRejectsUnknownAndDuplicateIDs(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)
	env.topUp(t, 100)
	env.addPayment(t, "erd1a", 10, 100, false)

	_, err := env.Engine.ProcessPayments(env.Ctx, ledgerID, owner, []uint64{1, 9})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Engine.ProcessPayments(env.Ctx, ledgerID, owner, []uint64{1, 1})
	var ve domain.ValidationError
	assert.ErrorAs(t, err, &ve)

	assert.Equal(t, "100", env.balance(t))
	assert.Equal(t, []uint64{1}, env.outstanding(t))
}

func TestAuthorizationGating(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)
	env.topUp(t, 100)
	env.addPayment(t, "erd1a", 10, 100, false)
	before := len(env.Recorder.Events())

	var fe access.ForbiddenError
	_, err := env.Engine.TopUp(env.Ctx, ledgerID, "mallory", domain.Deposit{Unit: unit, Amount: decimal.NewFromInt(1)})
	assert.ErrorAs(t, err, &fe)
	_, err = env.Engine.AddPayment(env.Ctx, engine.AddPaymentOptions{LedgerID: ledgerID, Caller: "mallory", Recipient: "erd1m", Amount: decimal.NewFromInt(1)})
	assert.ErrorAs(t, err, &fe)
	_, err = env.Engine.ProcessPayments(env.Ctx, ledgerID, "mallory", []uint64{1})
	assert.ErrorAs(t, err, &fe)
	assert.Equal(t, repo.RoleProcessor, fe.Role)
	_, err = env.Engine.AddMoneyHandler(env.Ctx, ledgerID, "mallory", "mallory")
	assert.ErrorAs(t, err, &fe)
	_, err = env.Engine.AddMoneyProcessor(env.Ctx, ledgerID, "mallory", "mallory")
	assert.ErrorAs(t, err, &fe)
	_, err = env.Engine.RemoveMoneyHandler(env.Ctx, ledgerID, "mallory", owner)
	assert.ErrorAs(t, err, &fe)
	_, err = env.Engine.RemoveMoneyProcessor(env.Ctx, ledgerID, "mallory", owner)
	assert.ErrorAs(t, err, &fe)

	assert.Equal(t, "100", env.balance(t))
	assert.Equal(t, []uint64{1}, env.outstanding(t))
	assert.Len(t, env.Recorder.Events(), before)
}

func TestProcessorCannotManageAccess(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)
	changed, err := env.Engine.AddMoneyProcessor(env.Ctx, ledgerID, owner, "bot")
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = env.Engine.AddMoneyProcessor(env.Ctx, ledgerID, "bot", "bot2")
	var fe access.ForbiddenError
	assert.ErrorAs(t, err, &fe)
	assert.Equal(t, repo.RoleHandler, fe.Role)

	env.topUp(t, 10)
	env.addPayment(t, "erd1a", 10, 100, false)
	_, err = env.Engine.ProcessPayments(env.Ctx, ledgerID, "bot", []uint64{1})
	require.NoError(t, err)
}

func TestAccessChangesAreIdempotent(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)
	changed, err := env.Engine.AddMoneyHandler(env.Ctx, ledgerID, owner, "bob")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = env.Engine.AddMoneyHandler(env.Ctx, ledgerID, owner, "bob")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = env.Engine.RemoveMoneyHandler(env.Ctx, ledgerID, "bob", "bob")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = env.Engine.RemoveMoneyHandler(env.Ctx, ledgerID, owner, "bob")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = env.Engine.RemoveMoneyHandler(env.Ctx, ledgerID, owner, owner)
	require.NoError(t, err)
	ok, err := env.Engine.Access.IsHandler(env.Ctx, nil, ledgerID, owner)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = env.Engine.AddMoneyHandler(env.Ctx, ledgerID, owner, " ")
	var ve domain.ValidationError
	assert.ErrorAs(t, err, &ve)

	assert.Len(t, env.Recorder.OfType(events.TypeHandlerAdded), 2)
	assert.Len(t, env.Recorder.OfType(events.TypeHandlerRemoved), 3)
}

func TestTopUpRejectsOtherUnits(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)
	_, err := env.Engine.TopUp(env.Ctx, ledgerID, owner, domain.Deposit{Unit: "EGLD", Amount: decimal.NewFromInt(5)})
	assert.ErrorIs(t, err, domain.ErrInvalidToken)
	assert.Equal(t, "0", env.balance(t))

	_, err = env.Engine.TopUp(env.Ctx, ledgerID, owner, domain.Deposit{Unit: unit, Amount: decimal.NewFromInt(-5)})
	var ve domain.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Empty(t, env.Recorder.OfType(events.TypeTopUp))
}

func TestAddPaymentValidation(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)
	var ve domain.ValidationError
	_, err := env.Engine.AddPayment(env.Ctx, engine.AddPaymentOptions{LedgerID: ledgerID, Caller: owner, Recipient: " ", Amount: decimal.NewFromInt(1)})
	assert.ErrorAs(t, err, &ve)
	_, err = env.Engine.AddPayment(env.Ctx, engine.AddPaymentOptions{LedgerID: ledgerID, Caller: owner, Recipient: "erd1a", Amount: decimal.NewFromInt(1), ScheduledTime: 1 << 63})
	assert.ErrorAs(t, err, &ve)

	l, err := env.Engine.Repo.GetLedger(env.Ctx, ledgerID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), l.NextPaymentID)
	assert.Equal(t, uint64(1), l.NextRecipientID)
}

func TestInitLedgerIsSetIfEmpty(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)
	env.addPayment(t, "erd1a", 1, 100, false)

	l, err := env.Engine.InitLedger(env.Ctx, engine.InitOptions{
		LedgerID:     ledgerID,
		Owner:        "someone-else",
		AcceptedUnit: "EGLD",
		Handlers:     []string{"carol"},
	})
	require.NoError(t, err)
	assert.Equal(t, owner, l.OwnerID)
	assert.Equal(t, unit, l.AcceptedUnit)
	assert.Equal(t, uint64(2), l.NextPaymentID)

	ok, err := env.Engine.Access.IsHandler(env.Ctx, nil, ledgerID, "carol")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = env.Engine.InitLedger(env.Ctx, engine.InitOptions{LedgerID: "x", Owner: owner})
	var ve domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestWriterPersistsEvents(t *testing.T) {
	env := newTestEnv(t, config.DueRuleLegacy)
	env.Engine.Events = events.Writer{Now: env.Engine.Now}
	env.topUp(t, 10)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{LedgerID: ledgerID, Type: events.TypeTopUp})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, owner, evts[0].ActorID)
	assert.Contains(t, evts[0].Payload, `"amount":"10"`)
}
