package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount parses a non-negative whole amount expressed in base units.
func ParseAmount(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, ValidationError{Field: field, Reason: "required"}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, ValidationError{Field: field, Reason: "not a number"}
	}
	if err := CheckAmount(field, d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// CheckAmount rejects negative and fractional amounts.
func CheckAmount(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return ValidationError{Field: field, Reason: "must not be negative"}
	}
	if !d.Equal(d.Truncate(0)) {
		return ValidationError{Field: field, Reason: "must be a whole number of base units"}
	}
	return nil
}
