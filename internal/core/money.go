// Package core provides money parsing and handling utilities.
//
// Amounts are fixed-point with two decimal places and are carried as integer
// cents. Parsing and rate arithmetic go through shopspring/decimal so no
// float ever touches a stored value.
package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)

	// Upper bound for a single amount: keeps cents arithmetic far from int64 overflow.
	maxAmount = decimal.New(1, 13)
)

// Money is an amount in cents. It may be negative when it represents a
// derived figure such as an over-limit card balance.
type Money struct {
	Cents int64
}

// ParseMoney converts a decimal string to Money.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators. Values
// with more than two decimal places are rejected rather than rounded, as are
// zero and negative values.
//
// Examples:
//
//	ParseMoney("12.34")  -> 1234 cents
//	ParseMoney("12,3")   -> 1230 cents
//	ParseMoney("12.345") -> ValidationError
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, NewValidationError("amount", "amount is required")
	}
	s = strings.ReplaceAll(s, ",", ".")

	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, NewValidationError("amount", fmt.Sprintf("malformed amount %q", s))
	}
	m, err := MoneyFromDecimal(d)
	if err != nil {
		return Money{}, err
	}
	if err := m.Validate(); err != nil {
		return Money{}, err
	}
	return m, nil
}

// MoneyFromDecimal converts d to Money, failing when d has more than two
// significant decimal places or is out of range.
func MoneyFromDecimal(d decimal.Decimal) (Money, error) {
	if !d.Equal(d.Round(2)) {
		return Money{}, NewValidationError("amount", "amount must have at most two decimal places")
	}
	if d.Abs().GreaterThanOrEqual(maxAmount) {
		return Money{}, NewValidationError("amount", "amount out of range")
	}
	return Money{Cents: d.Shift(2).IntPart()}, nil
}

// Validate reports whether m is usable as a movement or allocation amount.
func (m Money) Validate() error {
	if m.Cents <= 0 {
		return NewValidationError("amount", "amount must be greater than zero")
	}
	return nil
}

// Decimal returns m as a decimal with exponent -2.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

func (m Money) Add(o Money) Money { return Money{Cents: m.Cents + o.Cents} }
func (m Money) Sub(o Money) Money { return Money{Cents: m.Cents - o.Cents} }

func (m Money) IsZero() bool     { return m.Cents == 0 }
func (m Money) IsPositive() bool { return m.Cents > 0 }

// FloorZero returns m, or zero when m is negative.
func (m Money) FloorZero() Money {
	if m.Cents < 0 {
		return Money{}
	}
	return m
}

// MarshalJSON encodes m as a fixed two-decimal string, e.g. "100.00".
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts either a JSON string or a JSON number. Sign and zero
// are not checked here; callers validate in context.
func (m *Money) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*m = Money{}
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return NewValidationError("amount", fmt.Sprintf("malformed amount %q", raw))
	}
	v, err := MoneyFromDecimal(d)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseRate parses a percentage such as "1.5" or "2,25". Rates must lie in
// [0, 100] with at most two decimal places.
func ParseRate(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, NewValidationError("cashback_rate", fmt.Sprintf("malformed rate %q", s))
	}
	if err := ValidateRate(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// ValidateRate checks a cashback percentage.
func ValidateRate(d decimal.Decimal) error {
	if d.IsNegative() || d.GreaterThan(hundred) {
		return NewValidationError("cashback_rate", "rate must be between 0 and 100")
	}
	if !d.Equal(d.Round(2)) {
		return NewValidationError("cashback_rate", "rate must have at most two decimal places")
	}
	return nil
}

// Cashback computes amount × rate / 100 rounded half-up to two decimals.
// decimal.Round rounds half away from zero, which is half-up for the
// non-negative values handled here.
func Cashback(amount Money, rate decimal.Decimal) Money {
	if !rate.IsPositive() || amount.Cents <= 0 {
		return Money{}
	}
	v := amount.Decimal().Mul(rate).Div(hundred).Round(2)
	return Money{Cents: v.Shift(2).IntPart()}
}
