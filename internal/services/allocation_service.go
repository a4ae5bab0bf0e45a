package services

import (
	"context"
	"fmt"

	"cardledger/internal/amqp"
	"cardledger/internal/core"
	appLog "cardledger/internal/log"
	"cardledger/internal/storage"
)

// AllocationService applies payments to debit movements.
type AllocationService struct {
	repo   *storage.SQLiteRepository
	locks  *cardLocks
	events events
	log    *appLog.StructuredLogger
}

func NewAllocationService(repo *storage.SQLiteRepository, locks *cardLocks, ev events, logger *appLog.Logger) *AllocationService {
	return &AllocationService{
		repo:   repo,
		locks:  locks,
		events: ev,
		log:    appLog.NewStructuredLogger(logger),
	}
}

// AllocationEntry is one (purchase, amount) pair of a payment split.
type AllocationEntry struct {
	PurchaseID int64      `json:"purchase_id"`
	Amount     core.Money `json:"amount"`
}

// Allocate applies part or all of a payment to a single debit movement.
func (s *AllocationService) Allocate(ctx context.Context, paymentID, purchaseID int64, amount core.Money) (core.Allocation, error) {
	created, err := s.AllocatePayment(ctx, paymentID, []AllocationEntry{{PurchaseID: purchaseID, Amount: amount}})
	if err != nil {
		return core.Allocation{}, err
	}
	return created[0], nil
}

// AllocatePayment splits a payment across several debit movements. The whole
// batch is validated against the current state before anything is written;
// any failure leaves no allocation behind. Entries naming the same purchase
// are summed into one allocation.
func (s *AllocationService) AllocatePayment(ctx context.Context, paymentID int64, entries []AllocationEntry) ([]core.Allocation, error) {
	if len(entries) == 0 {
		return nil, core.NewValidationError("allocations", "at least one allocation is required")
	}

	payment, err := s.repo.Queries().GetMovement(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Kind != core.KindPayment {
		return nil, &core.InvalidKindError{MovementID: payment.ID, Kind: payment.Kind, Want: string(core.KindPayment)}
	}
	for i, e := range entries {
		if err := e.Amount.Validate(); err != nil {
			return nil, core.NewValidationError(fmt.Sprintf("allocations[%d].amount", i), "amount must be greater than zero")
		}
	}
	batch := mergeEntries(entries)

	// Purchases may sit on other cards; every card involved is locked.
	cardIDs := []int64{payment.CardID}
	for _, e := range batch {
		m, err := s.repo.Queries().GetMovement(ctx, e.PurchaseID)
		if err != nil {
			return nil, err
		}
		cardIDs = append(cardIDs, m.CardID)
	}

	unlock := s.locks.lock(cardIDs...)
	var created []core.Allocation
	err = s.repo.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		created, err = applyBatch(ctx, q, paymentID, batch)
		return err
	})
	unlock()
	if err != nil {
		return nil, err
	}

	for _, a := range created {
		s.log.LogAllocation(ctx, "Payment allocated", appLog.OpAllocate, a.PaymentID, a.PurchaseID, a.Amount.String())
		s.events.publish(ctx, allocationEvent(amqp.EventAllocationCreated, a, payment.PersonID, payment.CardID))
	}
	return created, nil
}

func mergeEntries(entries []AllocationEntry) []AllocationEntry {
	index := make(map[int64]int, len(entries))
	merged := make([]AllocationEntry, 0, len(entries))
	for _, e := range entries {
		if i, ok := index[e.PurchaseID]; ok {
			merged[i].Amount = merged[i].Amount.Add(e.Amount)
			continue
		}
		index[e.PurchaseID] = len(merged)
		merged = append(merged, e)
	}
	return merged
}

// applyBatch validates and writes a merged batch inside an open transaction.
func applyBatch(ctx context.Context, q *storage.Queries, paymentID int64, batch []AllocationEntry) ([]core.Allocation, error) {
	payment, err := q.GetMovement(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Kind != core.KindPayment {
		return nil, &core.InvalidKindError{MovementID: payment.ID, Kind: payment.Kind, Want: string(core.KindPayment)}
	}

	var total core.Money
	for _, e := range batch {
		purchase, err := q.GetMovement(ctx, e.PurchaseID)
		if err != nil {
			return nil, err
		}
		if !purchase.Kind.IsDebit() {
			return nil, &core.InvalidKindError{MovementID: purchase.ID, Kind: purchase.Kind, Want: "a debit movement"}
		}

		_, err = q.GetAllocation(ctx, paymentID, e.PurchaseID)
		if err == nil {
			return nil, &core.DuplicateAllocationError{PaymentID: paymentID, PurchaseID: e.PurchaseID}
		}
		if !isNotFound(err) {
			return nil, err
		}

		applied, err := q.AppliedToPurchase(ctx, e.PurchaseID)
		if err != nil {
			return nil, err
		}
		remaining := purchase.Amount.Sub(applied).FloorZero()
		if e.Amount.Cents > remaining.Cents {
			return nil, &core.OverAllocationError{PurchaseID: e.PurchaseID, Remaining: remaining, Requested: e.Amount}
		}
		total = total.Add(e.Amount)
	}

	used, err := q.AppliedFromPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	unapplied := payment.Amount.Sub(used).FloorZero()
	if total.Cents > unapplied.Cents {
		return nil, &core.OverAllocationError{PaymentID: paymentID, Remaining: unapplied, Requested: total}
	}

	created := make([]core.Allocation, 0, len(batch))
	for _, e := range batch {
		a, err := q.CreateAllocation(ctx, core.Allocation{PaymentID: paymentID, PurchaseID: e.PurchaseID, Amount: e.Amount})
		if err != nil {
			return nil, err
		}
		created = append(created, a)
	}
	return created, nil
}

// Unallocate removes the link between a payment and a purchase.
func (s *AllocationService) Unallocate(ctx context.Context, paymentID, purchaseID int64) error {
	payment, err := s.repo.Queries().GetMovement(ctx, paymentID)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(payment.CardID)
	var removed core.Allocation
	err = s.repo.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		if removed, err = q.GetAllocation(ctx, paymentID, purchaseID); err != nil {
			return err
		}
		return q.DeleteAllocation(ctx, paymentID, purchaseID)
	})
	unlock()
	if err != nil {
		return err
	}

	s.log.LogAllocation(ctx, "Allocation removed", appLog.OpDelete, paymentID, purchaseID, removed.Amount.String())
	s.events.publish(ctx, allocationEvent(amqp.EventAllocationRemoved, removed, payment.PersonID, payment.CardID))
	return nil
}

// ListForPayment returns the allocations made from a payment.
func (s *AllocationService) ListForPayment(ctx context.Context, paymentID int64) ([]core.Allocation, error) {
	q := s.repo.Queries()
	m, err := q.GetMovement(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if m.Kind != core.KindPayment {
		return nil, &core.InvalidKindError{MovementID: m.ID, Kind: m.Kind, Want: string(core.KindPayment)}
	}
	return q.ListAllocationsByPayment(ctx, paymentID)
}

// ListForPurchase returns the allocations received by a debit movement.
func (s *AllocationService) ListForPurchase(ctx context.Context, purchaseID int64) ([]core.Allocation, error) {
	q := s.repo.Queries()
	m, err := q.GetMovement(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if !m.Kind.IsDebit() {
		return nil, &core.InvalidKindError{MovementID: m.ID, Kind: m.Kind, Want: "a debit movement"}
	}
	return q.ListAllocationsByPurchase(ctx, purchaseID)
}
