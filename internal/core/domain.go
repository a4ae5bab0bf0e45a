package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DateLayout = "2006-01-02"

const (
	KindPurchase Kind = "PURCHASE"
	KindFee      Kind = "FEE"
	KindInterest Kind = "INTEREST"
	KindPayment  Kind = "PAYMENT"
	KindCashback Kind = "CASHBACK"
)

const (
	NetworkVisa       Network = "VISA"
	NetworkMastercard Network = "MASTERCARD"
	NetworkAmex       Network = "AMEX"
	NetworkOther      Network = "OTHER"
)

const maxMemoLength = 500

type (
	Kind    string
	Network string

	// Date is a calendar day in UTC.
	Date struct {
		time.Time
	}

	Person struct {
		ID           int64  `json:"id"`
		Name         string `json:"name"`
		Email        string `json:"email,omitempty"`
		Phone        string `json:"phone,omitempty"`
		Active       bool   `json:"active"`
		RegisteredOn Date   `json:"registered_on"`
	}

	Card struct {
		ID             int64     `json:"id"`
		Number         string    `json:"number"`
		Network        Network   `json:"network"`
		Bank           string    `json:"bank"`
		HolderID       *int64    `json:"holder_id,omitempty"`
		PaymentDueDay  int       `json:"payment_due_day"`
		ExpiresOn      Date      `json:"expires_on"`
		CreditLimit    Money     `json:"credit_limit"`
		CurrentBalance Money     `json:"current_balance"`
		Active         bool      `json:"active"`
		CreatedAt      time.Time `json:"created_at"`
	}

	Establishment struct {
		ID           int64           `json:"id"`
		Name         string          `json:"name"`
		Description  string          `json:"description,omitempty"`
		CashbackRate decimal.Decimal `json:"cashback_rate"`
		Active       bool            `json:"active"`
	}

	// Movement is a single dated monetary event on a (person, card) pair.
	Movement struct {
		ID              int64     `json:"id"`
		PersonID        int64     `json:"person_id"`
		CardID          int64     `json:"card_id"`
		EstablishmentID *int64    `json:"establishment_id,omitempty"`
		Kind            Kind      `json:"kind"`
		Amount          Money     `json:"amount"`
		Cashback        Money     `json:"cashback_amount"`
		Memo            string    `json:"memo"`
		OccurredOn      Date      `json:"occurred_on"`
		RecordedAt      time.Time `json:"recorded_at"`
	}

	// Allocation records how much of a payment was applied to a debit movement.
	Allocation struct {
		ID         int64     `json:"id"`
		PaymentID  int64     `json:"payment_id"`
		PurchaseID int64     `json:"purchase_id"`
		Amount     Money     `json:"applied_amount"`
		CreatedAt  time.Time `json:"created_at"`
	}

	// OpenDebit is a debit movement together with what has been applied to it.
	OpenDebit struct {
		Movement
		Applied Money
	}

	// Totals splits a set of movements into debit and credit sums.
	Totals struct {
		Debit  Money
		Credit Money
	}

	// MovementFilter narrows Movement listings. Zero values match everything.
	MovementFilter struct {
		PersonID int64
		CardID   int64
		Kinds    []Kind
		From     Date
		To       Date
		Text     string
		Limit    int
	}
)

func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, NewValidationError("date", fmt.Sprintf("malformed date %q, want YYYY-MM-DD", s))
	}
	return Date{Time: t}, nil
}

func (d Date) Validate() error {
	if d.IsZero() {
		return NewValidationError("date", "date is required")
	}
	return nil
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return NewValidationError("date", "date must be a string")
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	v, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseExpiry converts a card expiry in MM/YY (or MM/YYYY) to the last day of
// that month.
func ParseExpiry(s string) (Date, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	month, year, ok := strings.Cut(s, "/")
	if !ok {
		return Date{}, NewValidationError("expires_on", "expiry must be MM/YY")
	}
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return Date{}, NewValidationError("expires_on", "expiry month must be 01-12")
	}
	y, err := strconv.Atoi(year)
	if err != nil || y < 0 {
		return Date{}, NewValidationError("expires_on", "expiry year is malformed")
	}
	switch len(year) {
	case 2:
		y += 2000
	case 4:
	default:
		return Date{}, NewValidationError("expires_on", "expiry year must be YY or YYYY")
	}
	// Day 0 of the following month is the last day of this one.
	return Date{Time: time.Date(y, time.Month(m)+1, 0, 0, 0, 0, 0, time.UTC)}, nil
}

// ParseKind accepts kind names case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", NewValidationError("kind", fmt.Sprintf("unknown movement kind %q", s))
	}
	return k, nil
}

func (k Kind) Valid() bool {
	return k.IsDebit() || k.IsCredit()
}

// IsDebit reports whether k increases debt.
func (k Kind) IsDebit() bool {
	switch k {
	case KindPurchase, KindFee, KindInterest:
		return true
	}
	return false
}

// IsCredit reports whether k decreases debt.
func (k Kind) IsCredit() bool {
	return k == KindPayment || k == KindCashback
}

func ParseNetwork(s string) (Network, error) {
	n := Network(strings.ToUpper(strings.TrimSpace(s)))
	switch n {
	case "":
		return NetworkVisa, nil
	case NetworkVisa, NetworkMastercard, NetworkAmex, NetworkOther:
		return n, nil
	}
	return "", NewValidationError("network", fmt.Sprintf("unknown card network %q", s))
}

func (p Person) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return NewValidationError("name", "name is required")
	}
	if len(p.Name) > 100 {
		return NewValidationError("name", "name too long (max 100 characters)")
	}
	return nil
}

func (c Card) Validate() error {
	digits := strings.ReplaceAll(c.Number, " ", "")
	if len(digits) < 4 || len(c.Number) > 19 {
		return NewValidationError("number", "card number must have between 4 and 19 characters")
	}
	if strings.TrimSpace(c.Bank) == "" {
		return NewValidationError("bank", "bank is required")
	}
	if c.PaymentDueDay < 1 || c.PaymentDueDay > 31 {
		return NewValidationError("payment_due_day", "payment due day must be between 1 and 31")
	}
	if c.CreditLimit.Cents < 0 {
		return NewValidationError("credit_limit", "credit limit cannot be negative")
	}
	if _, err := ParseNetwork(string(c.Network)); err != nil {
		return err
	}
	return nil
}

// Label renders the card as "<bank> - ****<last4>".
func (c Card) Label() string {
	digits := strings.ReplaceAll(c.Number, " ", "")
	if len(digits) > 4 {
		digits = digits[len(digits)-4:]
	}
	return c.Bank + " - ****" + digits
}

// AvailableCredit is the credit limit minus the persisted current balance.
// It goes negative when the card is over its limit.
func (c Card) AvailableCredit() Money {
	return c.CreditLimit.Sub(c.CurrentBalance)
}

func (e Establishment) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return NewValidationError("name", "name is required")
	}
	return ValidateRate(e.CashbackRate)
}

func (m Movement) Validate() error {
	if !m.Kind.Valid() {
		return NewValidationError("kind", fmt.Sprintf("unknown movement kind %q", m.Kind))
	}
	if m.PersonID <= 0 {
		return NewValidationError("person_id", "person is required")
	}
	if m.CardID <= 0 {
		return NewValidationError("card_id", "card is required")
	}
	if err := m.Amount.Validate(); err != nil {
		return err
	}
	if err := m.OccurredOn.Validate(); err != nil {
		return err
	}
	if len(m.Memo) > maxMemoLength {
		return NewValidationError("memo", fmt.Sprintf("memo too long (max %d characters)", maxMemoLength))
	}
	if m.Cashback.Cents < 0 {
		return NewValidationError("cashback_amount", "cashback cannot be negative")
	}
	if m.Kind != KindPurchase && (m.Cashback.Cents != 0 || m.EstablishmentID != nil) {
		return NewValidationError("establishment_id", "only purchases carry an establishment and cashback")
	}
	return nil
}

// Net is debits minus credits, unfloored.
func (t Totals) Net() Money {
	return t.Debit.Sub(t.Credit)
}

// Remaining is the unpaid part of the debit, never reported below zero.
func (d OpenDebit) Remaining() Money {
	return d.Amount.Sub(d.Applied).FloorZero()
}
