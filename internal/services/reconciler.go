package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cardledger/internal/amqp"
	"cardledger/internal/core"
	appLog "cardledger/internal/log"
	"cardledger/internal/storage"
)

// Reasons attached to unmatched payments.
const (
	ReasonNoCandidate         = "no_candidate"
	ReasonInsufficientBalance = "insufficient_balance"
)

// MatchedPayment is a payment the reconciler applied to its only candidate.
type MatchedPayment struct {
	PaymentID  int64      `json:"payment_id"`
	PurchaseID int64      `json:"purchase_id"`
	PersonID   int64      `json:"person_id"`
	CardID     int64      `json:"card_id"`
	Amount     core.Money `json:"amount"`
}

// AmbiguousPayment has several equal-amount candidates and needs a human
// decision.
type AmbiguousPayment struct {
	PaymentID    int64      `json:"payment_id"`
	PersonID     int64      `json:"person_id"`
	CardID       int64      `json:"card_id"`
	Amount       core.Money `json:"amount"`
	CandidateIDs []int64    `json:"candidate_ids"`
}

// UnmatchedPayment has no usable candidate.
type UnmatchedPayment struct {
	PaymentID int64      `json:"payment_id"`
	PersonID  int64      `json:"person_id"`
	CardID    int64      `json:"card_id"`
	Amount    core.Money `json:"amount"`
	Reason    string     `json:"reason"`
}

type ReconcileReport struct {
	Matched   []MatchedPayment   `json:"matched"`
	Ambiguous []AmbiguousPayment `json:"ambiguous"`
	Unmatched []UnmatchedPayment `json:"unmatched"`
	StartedAt time.Time          `json:"started_at"`
	Duration  time.Duration      `json:"duration_ns"`
}

// PaymentError is the failure to decide one payment.
type PaymentError struct {
	PaymentID int64
	Err       error
}

func (e *PaymentError) Error() string { return fmt.Sprintf("payment %d: %v", e.PaymentID, e.Err) }
func (e *PaymentError) Unwrap() error { return e.Err }

// IncompleteError is returned by a pass that decided only some payments.
// The report it comes with holds every decision that was committed.
type IncompleteError struct {
	Errs []error
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("reconciliation incomplete: %v", errors.Join(e.Errs...))
}

func (e *IncompleteError) Unwrap() []error { return e.Errs }

// Reconciler matches unassigned payments to the single unpaid debit of the
// same person, card and amount. It never splits a payment and never picks
// between several candidates.
type Reconciler struct {
	repo   *storage.SQLiteRepository
	locks  *cardLocks
	events events
	logger *appLog.Logger
}

func NewReconciler(repo *storage.SQLiteRepository, locks *cardLocks, ev events, logger *appLog.Logger) *Reconciler {
	return &Reconciler{
		repo:   repo,
		locks:  locks,
		events: ev,
		logger: logger.WithComponent(appLog.ComponentReconciler),
	}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeMatched
	outcomeAmbiguous
	outcomeUnmatched
)

// ReconcileUnassignedPayments runs one pass over every payment without
// allocations. Each payment is decided in its own transaction under its
// card lock. A failure on one payment does not stop the pass; the failures
// come back as an *IncompleteError next to the report.
func (r *Reconciler) ReconcileUnassignedPayments(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{
		Matched:   []MatchedPayment{},
		Ambiguous: []AmbiguousPayment{},
		Unmatched: []UnmatchedPayment{},
		StartedAt: time.Now().UTC(),
	}

	payments, err := r.repo.Queries().ListUnassignedPayments(ctx, core.MovementFilter{})
	if err != nil {
		return report, err
	}

	var errs []error
	for _, p := range payments {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.reconcileOne(ctx, p, &report); err != nil {
			r.logger.ErrorContext(ctx, "Payment reconciliation failed",
				appLog.FieldPaymentID, p.ID,
				appLog.FieldError, err)
			errs = append(errs, &PaymentError{PaymentID: p.ID, Err: err})
		}
	}

	report.Duration = time.Since(report.StartedAt)
	r.logger.InfoContext(ctx, "Reconciliation finished",
		appLog.FieldOperation, appLog.OpReconcile,
		"payments", len(payments),
		"matched", len(report.Matched),
		"ambiguous", len(report.Ambiguous),
		"unmatched", len(report.Unmatched),
		appLog.FieldDuration, report.Duration.Milliseconds())
	if len(errs) > 0 {
		return report, &IncompleteError{Errs: errs}
	}
	return report, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, listed core.Movement, report *ReconcileReport) error {
	unlock := r.locks.lock(listed.CardID)

	var (
		result     outcome
		payment    core.Movement
		candidates []core.OpenDebit
		reason     string
	)
	err := r.repo.WithTx(ctx, func(q *storage.Queries) error {
		// The payment may have been deleted or allocated since it was listed.
		var err error
		payment, err = q.GetMovement(ctx, listed.ID)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		used, err := q.AppliedFromPayment(ctx, payment.ID)
		if err != nil {
			return err
		}
		if used.IsPositive() {
			return nil
		}

		candidates, err = q.ListOpenDebits(ctx, payment.PersonID, payment.CardID, payment.Amount)
		if err != nil {
			return err
		}

		switch len(candidates) {
		case 0:
			result, reason = outcomeUnmatched, ReasonNoCandidate
			return nil
		case 1:
		default:
			result = outcomeAmbiguous
			return nil
		}

		// A partly paid candidate cannot absorb the whole payment.
		if candidates[0].Remaining().Cents < payment.Amount.Cents {
			result, reason = outcomeUnmatched, ReasonInsufficientBalance
			return nil
		}
		if _, err := q.CreateAllocation(ctx, core.Allocation{
			PaymentID:  payment.ID,
			PurchaseID: candidates[0].ID,
			Amount:     payment.Amount,
		}); err != nil {
			return err
		}
		result = outcomeMatched
		return nil
	})
	unlock()
	if err != nil {
		return err
	}

	switch result {
	case outcomeMatched:
		m := MatchedPayment{
			PaymentID:  payment.ID,
			PurchaseID: candidates[0].ID,
			PersonID:   payment.PersonID,
			CardID:     payment.CardID,
			Amount:     payment.Amount,
		}
		report.Matched = append(report.Matched, m)
		r.logger.InfoContext(ctx, "Payment matched",
			appLog.FieldPaymentID, m.PaymentID,
			appLog.FieldPurchaseID, m.PurchaseID,
			appLog.FieldAmount, m.Amount.String())

		e := amqp.NewLedgerEvent(amqp.EventPaymentReconciled)
		e.PaymentID, e.PurchaseID = m.PaymentID, m.PurchaseID
		e.PersonID, e.CardID, e.Amount = m.PersonID, m.CardID, m.Amount.String()
		r.events.publish(ctx, e)

	case outcomeAmbiguous:
		ids := make([]int64, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}
		report.Ambiguous = append(report.Ambiguous, AmbiguousPayment{
			PaymentID:    payment.ID,
			PersonID:     payment.PersonID,
			CardID:       payment.CardID,
			Amount:       payment.Amount,
			CandidateIDs: ids,
		})
		r.logger.WarnContext(ctx, "Payment has several candidates, review manually",
			appLog.FieldPaymentID, payment.ID,
			appLog.FieldAmount, payment.Amount.String(),
			"candidates", ids)

		e := amqp.NewLedgerEvent(amqp.EventPaymentAmbiguous)
		e.PaymentID, e.PersonID, e.CardID = payment.ID, payment.PersonID, payment.CardID
		e.Amount, e.CandidateIDs = payment.Amount.String(), ids
		r.events.publish(ctx, e)

	case outcomeUnmatched:
		report.Unmatched = append(report.Unmatched, UnmatchedPayment{
			PaymentID: payment.ID,
			PersonID:  payment.PersonID,
			CardID:    payment.CardID,
			Amount:    payment.Amount,
			Reason:    reason,
		})
		r.logger.InfoContext(ctx, "Payment has no candidate",
			appLog.FieldPaymentID, payment.ID,
			appLog.FieldAmount, payment.Amount.String(),
			"reason", reason)

		e := amqp.NewLedgerEvent(amqp.EventPaymentUnmatched)
		e.PaymentID, e.PersonID, e.CardID = payment.ID, payment.PersonID, payment.CardID
		e.Amount, e.Reason = payment.Amount.String(), reason
		r.events.publish(ctx, e)
	}
	return nil
}
