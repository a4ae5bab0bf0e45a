package services

import (
	"context"
	"strings"

	"cardledger/internal/amqp"
	"cardledger/internal/core"
	appLog "cardledger/internal/log"
	"cardledger/internal/storage"
)

// MovementService records, edits and removes movements. Every write
// re-aggregates the card's current balance in the same transaction and
// invalidates the owner's cached debt once committed.
type MovementService struct {
	repo     *storage.SQLiteRepository
	locks    *cardLocks
	balances *BalanceService
	events   events
	log      *appLog.StructuredLogger
}

func NewMovementService(repo *storage.SQLiteRepository, locks *cardLocks, balances *BalanceService, ev events, logger *appLog.Logger) *MovementService {
	return &MovementService{
		repo:     repo,
		locks:    locks,
		balances: balances,
		events:   ev,
		log:      appLog.NewStructuredLogger(logger),
	}
}

// MovementUpdate lists the editable fields of a movement. Nil fields are
// left untouched. An EstablishmentID pointing at 0 clears the establishment.
type MovementUpdate struct {
	Amount          *core.Money
	OccurredOn      *core.Date
	Memo            *string
	EstablishmentID *int64
}

// Record validates and stores a new movement. Cashback is derived from the
// establishment rate and any value supplied by the caller is ignored.
func (s *MovementService) Record(ctx context.Context, m core.Movement) (core.Movement, error) {
	m.ID = 0
	m.Cashback = core.Money{}
	m.Memo = strings.TrimSpace(m.Memo)
	if err := m.Validate(); err != nil {
		return core.Movement{}, err
	}

	unlock := s.locks.lock(m.CardID)
	var created core.Movement
	err := s.repo.WithTx(ctx, func(q *storage.Queries) error {
		if _, err := q.GetPerson(ctx, m.PersonID); err != nil {
			return err
		}
		if _, err := q.GetCard(ctx, m.CardID); err != nil {
			return err
		}
		cashback, err := cashbackFor(ctx, q, m)
		if err != nil {
			return err
		}
		m.Cashback = cashback

		if created, err = q.CreateMovement(ctx, m); err != nil {
			return err
		}
		_, err = refreshCardBalance(ctx, q, m.CardID)
		return err
	})
	unlock()
	if err != nil {
		return core.Movement{}, err
	}

	s.balances.Invalidate(created.PersonID, created.CardID)
	s.log.LogMovement(ctx, "Movement recorded", appLog.OpCreate,
		created.ID, created.PersonID, created.CardID, string(created.Kind), created.Amount.String())
	s.events.publish(ctx, movementEvent(amqp.EventMovementRecorded, created))
	return created, nil
}

func cashbackFor(ctx context.Context, q *storage.Queries, m core.Movement) (core.Money, error) {
	if m.EstablishmentID == nil {
		return core.Money{}, nil
	}
	est, err := q.GetEstablishment(ctx, *m.EstablishmentID)
	if err != nil {
		return core.Money{}, err
	}
	if m.Kind != core.KindPurchase {
		return core.Money{}, nil
	}
	return core.Cashback(m.Amount, est.CashbackRate), nil
}

func (s *MovementService) Get(ctx context.Context, id int64) (core.Movement, error) {
	return s.repo.Queries().GetMovement(ctx, id)
}

func (s *MovementService) List(ctx context.Context, f core.MovementFilter) ([]core.Movement, error) {
	for _, k := range f.Kinds {
		if !k.Valid() {
			return nil, core.NewValidationError("kind", "unknown movement kind "+string(k))
		}
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From.Time) {
		return nil, core.NewValidationError("to", "end date is before start date")
	}
	if f.Limit < 0 {
		return nil, core.NewValidationError("limit", "limit cannot be negative")
	}
	return s.repo.Queries().ListMovements(ctx, f)
}

// Update applies the editable fields. Kind, person and card never change.
// An amount may not drop below what is already allocated on either side of
// the movement.
func (s *MovementService) Update(ctx context.Context, id int64, u MovementUpdate) (core.Movement, error) {
	current, err := s.repo.Queries().GetMovement(ctx, id)
	if err != nil {
		return core.Movement{}, err
	}

	unlock := s.locks.lock(current.CardID)
	var updated core.Movement
	err = s.repo.WithTx(ctx, func(q *storage.Queries) error {
		// Re-read under the lock; the pre-read only located the card.
		m, err := q.GetMovement(ctx, id)
		if err != nil {
			return err
		}

		if u.Amount != nil {
			m.Amount = *u.Amount
		}
		if u.OccurredOn != nil {
			m.OccurredOn = *u.OccurredOn
		}
		if u.Memo != nil {
			m.Memo = strings.TrimSpace(*u.Memo)
		}
		if u.EstablishmentID != nil {
			if *u.EstablishmentID == 0 {
				m.EstablishmentID = nil
			} else {
				estID := *u.EstablishmentID
				m.EstablishmentID = &estID
			}
		}

		m.Cashback = core.Money{}
		if err := m.Validate(); err != nil {
			return err
		}
		if m.Cashback, err = cashbackFor(ctx, q, m); err != nil {
			return err
		}
		if err := checkAllocatedFloor(ctx, q, m); err != nil {
			return err
		}

		if err := q.UpdateMovement(ctx, m); err != nil {
			return err
		}
		if _, err := refreshCardBalance(ctx, q, m.CardID); err != nil {
			return err
		}
		updated = m
		return nil
	})
	unlock()
	if err != nil {
		return core.Movement{}, err
	}

	s.balances.Invalidate(updated.PersonID, updated.CardID)
	s.log.LogMovement(ctx, "Movement updated", appLog.OpUpdate,
		updated.ID, updated.PersonID, updated.CardID, string(updated.Kind), updated.Amount.String())
	s.events.publish(ctx, movementEvent(amqp.EventMovementUpdated, updated))
	return updated, nil
}

func checkAllocatedFloor(ctx context.Context, q *storage.Queries, m core.Movement) error {
	switch {
	case m.Kind.IsDebit():
		applied, err := q.AppliedToPurchase(ctx, m.ID)
		if err != nil {
			return err
		}
		if m.Amount.Cents < applied.Cents {
			return &core.OverAllocationError{PurchaseID: m.ID, Remaining: m.Amount, Requested: applied}
		}
	case m.Kind == core.KindPayment:
		applied, err := q.AppliedFromPayment(ctx, m.ID)
		if err != nil {
			return err
		}
		if m.Amount.Cents < applied.Cents {
			return &core.OverAllocationError{PaymentID: m.ID, Remaining: m.Amount, Requested: applied}
		}
	}
	return nil
}

// Delete removes a movement together with every allocation that references
// it from either side.
func (s *MovementService) Delete(ctx context.Context, id int64) error {
	current, err := s.repo.Queries().GetMovement(ctx, id)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(current.CardID)
	var (
		deleted core.Movement
		links   int64
	)
	err = s.repo.WithTx(ctx, func(q *storage.Queries) error {
		m, err := q.GetMovement(ctx, id)
		if err != nil {
			return err
		}
		if links, err = q.DeleteAllocationsForMovement(ctx, id); err != nil {
			return err
		}
		if err := q.DeleteMovement(ctx, id); err != nil {
			return err
		}
		if _, err := refreshCardBalance(ctx, q, m.CardID); err != nil {
			return err
		}
		deleted = m
		return nil
	})
	unlock()
	if err != nil {
		return err
	}

	s.balances.Invalidate(deleted.PersonID, deleted.CardID)
	s.log.LogMovement(ctx, "Movement deleted", appLog.OpDelete,
		deleted.ID, deleted.PersonID, deleted.CardID, string(deleted.Kind), deleted.Amount.String())
	if links > 0 {
		appLog.FromContext(ctx).WithComponent(appLog.ComponentAllocation).InfoContext(ctx,
			"Allocations removed with movement",
			appLog.FieldMovementID, deleted.ID,
			"count", links)
	}
	s.events.publish(ctx, movementEvent(amqp.EventMovementDeleted, deleted))
	return nil
}
