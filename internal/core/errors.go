package core

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrOverAllocation      = errors.New("over allocation")
	ErrInvalidKind         = errors.New("invalid movement kind")
	ErrDuplicateAllocation = errors.New("duplicate allocation")
	ErrNotFound            = errors.New("not found")
)

// ValidationError reports malformed input rejected before any write.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// OverAllocationError is returned when applying Requested would exceed what is
// left on a movement. PurchaseID is set when the debit side overflows,
// PaymentID when the payment itself would be over-applied.
type OverAllocationError struct {
	PurchaseID int64
	PaymentID  int64
	Remaining  Money
	Requested  Money
}

func (e *OverAllocationError) Error() string {
	if e.PurchaseID != 0 {
		return fmt.Sprintf("purchase %d has %s remaining, cannot apply %s", e.PurchaseID, e.Remaining, e.Requested)
	}
	return fmt.Sprintf("payment %d has %s unapplied, cannot apply %s", e.PaymentID, e.Remaining, e.Requested)
}

func (e *OverAllocationError) Is(target error) bool { return target == ErrOverAllocation }

// InvalidKindError reports an allocation endpoint of the wrong kind.
type InvalidKindError struct {
	MovementID int64
	Kind       Kind
	Want       string
}

func (e *InvalidKindError) Error() string {
	return fmt.Sprintf("movement %d is %s, expected %s", e.MovementID, e.Kind, e.Want)
}

func (e *InvalidKindError) Is(target error) bool { return target == ErrInvalidKind }

// DuplicateAllocationError reports an existing (payment, purchase) link.
type DuplicateAllocationError struct {
	PaymentID  int64
	PurchaseID int64
}

func (e *DuplicateAllocationError) Error() string {
	return fmt.Sprintf("payment %d is already applied to purchase %d", e.PaymentID, e.PurchaseID)
}

func (e *DuplicateAllocationError) Is(target error) bool { return target == ErrDuplicateAllocation }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
