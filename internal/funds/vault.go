package funds

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"paysync/internal/domain"
	"paysync/internal/repo"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Vault holds the accepted-unit balance of each ledger and performs value
// movements. Every call joins the caller's transaction.
type Vault interface {
	Balance(ctx context.Context, tx *sql.Tx, ledgerID string) (decimal.Decimal, error)
	Deposit(ctx context.Context, tx *sql.Tx, ledgerID, from string, d domain.Deposit) (decimal.Decimal, error)
	Disburse(ctx context.Context, tx *sql.Tx, ledgerID, to, unit string, amount decimal.Decimal) (decimal.Decimal, error)
}

// SQLVault keeps balances on the ledgers table and records every movement in transfers.
type SQLVault struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (v SQLVault) now() string {
	if v.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return v.Now().UTC().Format(time.RFC3339)
}

func (v SQLVault) Balance(ctx context.Context, tx *sql.Tx, ledgerID string) (decimal.Decimal, error) {
	return v.Repo.BalanceTx(ctx, tx, ledgerID)
}

// Deposit credits the ledger and returns the new balance.
func (v SQLVault) Deposit(ctx context.Context, tx *sql.Tx, ledgerID, from string, d domain.Deposit) (decimal.Decimal, error) {
	if err := domain.CheckAmount("amount", d.Amount); err != nil {
		return decimal.Zero, err
	}
	bal, err := v.Repo.BalanceTx(ctx, tx, ledgerID)
	if err != nil {
		return decimal.Zero, err
	}
	bal = bal.Add(d.Amount)
	if err := v.Repo.SetBalanceTx(ctx, tx, ledgerID, bal); err != nil {
		return decimal.Zero, err
	}
	if _, err := v.Repo.InsertTransferTx(ctx, tx, domain.Transfer{
		LedgerID:     ledgerID,
		Direction:    DirectionIn,
		Counterparty: from,
		Amount:       d.Amount,
		Unit:         d.Unit,
		TS:           v.now(),
	}); err != nil {
		return decimal.Zero, fmt.Errorf("record deposit: %w", err)
	}
	return bal, nil
}

// Disburse debits the ledger, records an outbound transfer to the recipient
// and returns the new balance.
func (v SQLVault) Disburse(ctx context.Context, tx *sql.Tx, ledgerID, to, unit string, amount decimal.Decimal) (decimal.Decimal, error) {
	bal, err := v.Repo.BalanceTx(ctx, tx, ledgerID)
	if err != nil {
		return decimal.Zero, err
	}
	if bal.LessThan(amount) {
		return decimal.Zero, fmt.Errorf("disburse %s to %s: %w", amount, to, domain.ErrInsufficientFunds)
	}
	bal = bal.Sub(amount)
	if err := v.Repo.SetBalanceTx(ctx, tx, ledgerID, bal); err != nil {
		return decimal.Zero, err
	}
	if _, err := v.Repo.InsertTransferTx(ctx, tx, domain.Transfer{
		LedgerID:     ledgerID,
		Direction:    DirectionOut,
		Counterparty: to,
		Amount:       amount,
		Unit:         unit,
		TS:           v.now(),
	}); err != nil {
		return decimal.Zero, fmt.Errorf("record disbursement: %w", err)
	}
	return bal, nil
}
