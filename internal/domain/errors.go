package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidToken is returned when a deposit is not in the ledger's accepted unit.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNoFunds is returned when a settlement batch starts with an empty balance.
	ErrNoFunds = errors.New("no funds allocated to ledger")

	// ErrInsufficientFunds is returned when a payment exceeds the running balance of a batch.
	ErrInsufficientFunds = errors.New("not enough funds to process payments")
)

// ValidationError reports malformed input to an operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InsufficientFundsError stops a settlement batch at PaymentID. Payments listed
// in Settled were disbursed before the stop and stay settled.
type InsufficientFundsError struct {
	PaymentID uint64
	Required  decimal.Decimal
	Available decimal.Decimal
	Settled   []uint64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%s: payment %d requires %s, %s available", ErrInsufficientFunds.Error(), e.PaymentID, e.Required.String(), e.Available.String())
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}
