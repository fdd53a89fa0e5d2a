package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"paysync/internal/config"
	"paysync/internal/domain"
	"paysync/internal/events"
	"paysync/internal/metrics"
	"paysync/internal/repo"
)

// isDue applies the configured due rule to a scheduled time.
func (e Engine) isDue(scheduled, now uint64) bool {
	if e.Config.DueRule() == config.DueRuleStrict {
		return scheduled <= now
	}
	return scheduled >= now
}

// ProcessPayments settles the given outstanding payments in order against a
// running balance. Items that are not due are skipped. When an item exceeds
// the running balance the batch stops with *domain.InsufficientFundsError;
// items settled before it stay settled and the returned report lists them.
func (e Engine) ProcessPayments(ctx context.Context, ledgerID, caller string, ids []uint64) (domain.SettlementReport, error) {
	now := e.clock()
	report := domain.SettlementReport{
		LedgerID: ledgerID,
		Now:      now,
		Settled:  []domain.SettledPayment{},
		Skipped:  []uint64{},
	}
	log := e.log(ctx).With(zap.String("ledger", ledgerID), zap.String("caller", caller), zap.Uint64("now", now))

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()

	if err := e.Access.RequireProcessor(ctx, tx, ledgerID, caller); err != nil {
		metrics.SettlementFailures.WithLabelValues("forbidden").Inc()
		return report, err
	}
	l, err := e.Repo.GetLedgerTx(ctx, tx, ledgerID)
	if err != nil {
		return report, err
	}

	balance, err := e.Funds.Balance(ctx, tx, ledgerID)
	if err != nil {
		return report, err
	}
	report.StartingBalance = balance
	report.EndingBalance = balance
	if !balance.IsPositive() {
		metrics.SettlementFailures.WithLabelValues("no_funds").Inc()
		return report, domain.ErrNoFunds
	}

	batch := make([]domain.Payment, 0, len(ids))
	seen := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			metrics.SettlementFailures.WithLabelValues("invalid_batch").Inc()
			return report, domain.ValidationError{Field: "payment_ids", Reason: fmt.Sprintf("payment %d listed more than once", id)}
		}
		seen[id] = struct{}{}
		p, err := e.Repo.GetPaymentTx(ctx, tx, ledgerID, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				metrics.SettlementFailures.WithLabelValues("invalid_batch").Inc()
				return report, fmt.Errorf("payment %d: %w", id, err)
			}
			return report, err
		}
		batch = append(batch, p)
	}

	for _, p := range batch {
		if !e.isDue(p.ScheduledTime, now) {
			report.Skipped = append(report.Skipped, p.PaymentID)
			log.Debug("payment not due", zap.Uint64("payment_id", p.PaymentID), zap.Uint64("scheduled_time", p.ScheduledTime))
			continue
		}
		if balance.LessThan(p.Amount) {
			stop := &domain.InsufficientFundsError{
				PaymentID: p.PaymentID,
				Required:  p.Amount,
				Available: balance,
				Settled:   report.SettledIDs(),
			}
			report.EndingBalance = balance
			if len(report.Settled) > 0 {
				if err := events.Commit(tx, e.Events); err != nil {
					return report, err
				}
				e.recordSettled(report)
			}
			metrics.SettlementFailures.WithLabelValues("insufficient_funds").Inc()
			log.Warn("settlement stopped", zap.Error(stop), zap.Int("settled", len(report.Settled)))
			return report, stop
		}
		settled, err := e.settleTx(ctx, tx, l, caller, p)
		if err != nil {
			// The whole batch rolls back.
			report.Settled = []domain.SettledPayment{}
			report.EndingBalance = report.StartingBalance
			return report, err
		}
		balance = balance.Sub(p.Amount)
		report.Settled = append(report.Settled, settled)
	}
	report.EndingBalance = balance

	if err := events.Commit(tx, e.Events); err != nil {
		return report, err
	}
	e.recordSettled(report)
	log.Info("settlement processed",
		zap.Int("settled", len(report.Settled)),
		zap.Int("skipped", len(report.Skipped)),
		zap.String("balance", balance.String()))
	return report, nil
}

// settleTx disburses one due payment, then reschedules or retires it.
func (e Engine) settleTx(ctx context.Context, tx *sql.Tx, l domain.Ledger, caller string, p domain.Payment) (domain.SettledPayment, error) {
	rc, err := e.Repo.GetRecipientTx(ctx, tx, l.ID, p.RecipientID)
	if err != nil {
		return domain.SettledPayment{}, fmt.Errorf("recipient %d of payment %d: %w", p.RecipientID, p.PaymentID, err)
	}
	if p.IsMonthly && p.ScheduledTime > math.MaxInt64-domain.RecurrencePeriod {
		return domain.SettledPayment{}, domain.ValidationError{Field: "scheduled_time", Reason: fmt.Sprintf("payment %d cannot be rescheduled further", p.PaymentID)}
	}
	if _, err := e.Funds.Disburse(ctx, tx, l.ID, rc.Address, l.AcceptedUnit, p.Amount); err != nil {
		return domain.SettledPayment{}, fmt.Errorf("disburse payment %d: %w", p.PaymentID, err)
	}
	settled := domain.SettledPayment{
		PaymentID:         p.PaymentID,
		RecipientID:       p.RecipientID,
		Recipient:         rc.Address,
		Amount:            p.Amount,
		PreviousScheduled: p.ScheduledTime,
		IsMonthly:         p.IsMonthly,
	}
	if p.IsMonthly {
		p.AdvanceRecurrence()
		if err := e.Repo.UpdatePaymentScheduleTx(ctx, tx, l.ID, p.PaymentID, p.ScheduledTime); err != nil {
			return domain.SettledPayment{}, err
		}
		settled.NextScheduled = p.ScheduledTime
	} else {
		if err := e.Repo.DeletePaymentTx(ctx, tx, l.ID, p.PaymentID); err != nil {
			return domain.SettledPayment{}, err
		}
		settled.Retired = true
	}
	if err := e.Events.Append(ctx, tx, events.TypePaymentProcessed, l.ID, "payment", paymentEntityID(p.PaymentID), caller, events.EventPayload{
		"payment_id":              p.PaymentID,
		"recipient_id":            p.RecipientID,
		"recipient":               rc.Address,
		"amount":                  p.Amount.String(),
		"previous_scheduled_time": settled.PreviousScheduled,
		"scheduled_time":          p.ScheduledTime,
		"is_monthly":              p.IsMonthly,
		"retired":                 settled.Retired,
	}); err != nil {
		return domain.SettledPayment{}, err
	}
	return settled, nil
}

func (e Engine) recordSettled(report domain.SettlementReport) {
	for _, s := range report.Settled {
		metrics.PaymentsSettled.WithLabelValues(metrics.SettledKind(s.IsMonthly)).Inc()
	}
	metrics.PaymentsSkipped.Add(float64(len(report.Skipped)))
}
