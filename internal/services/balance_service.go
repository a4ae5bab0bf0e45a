package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cardledger/internal/cache"
	"cardledger/internal/core"
	appLog "cardledger/internal/log"
	"cardledger/internal/storage"

	"golang.org/x/sync/singleflight"
)

// BalanceService derives balances from stored movements and allocations.
//
// Debt figures are cached per (person, card). Every cache key carries a
// generation counter: Invalidate bumps it, and a fill that started under an
// older generation is discarded instead of stored, so a read racing with a
// write can never put a stale figure back into the cache.
type BalanceService struct {
	repo   *storage.SQLiteRepository
	locks  *cardLocks
	cache  cache.Cache[core.Money]
	group  singleflight.Group
	logger *appLog.Logger

	genMu sync.Mutex
	gens  map[string]uint64
}

func NewBalanceService(repo *storage.SQLiteRepository, locks *cardLocks, c cache.Cache[core.Money], logger *appLog.Logger) *BalanceService {
	return &BalanceService{
		repo:   repo,
		locks:  locks,
		cache:  c,
		logger: logger.WithComponent(appLog.ComponentBalance),
		gens:   make(map[string]uint64),
	}
}

// CardBalanceCheck compares a card's persisted balance with a full
// re-aggregation of its movements.
type CardBalanceCheck struct {
	CardID   int64      `json:"card_id"`
	Label    string     `json:"label"`
	Stored   core.Money `json:"stored_balance"`
	Computed core.Money `json:"computed_balance"`
	Drift    bool       `json:"drift"`
	Repaired bool       `json:"repaired"`
}

// DebitBalance is a debit movement with what was applied to it and what is
// still owed.
type DebitBalance struct {
	core.Movement
	Applied   core.Money `json:"applied_amount"`
	Remaining core.Money `json:"remaining"`
}

func debtKey(personID, cardID int64) string {
	return fmt.Sprintf("debt:%d:%d", personID, cardID)
}

// PurchaseBalance returns what is still unpaid on a debit movement.
func (s *BalanceService) PurchaseBalance(ctx context.Context, purchaseID int64) (core.Money, error) {
	var remaining core.Money
	err := s.repo.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		remaining, err = purchaseBalance(ctx, q, purchaseID)
		return err
	})
	return remaining, err
}

func purchaseBalance(ctx context.Context, q *storage.Queries, purchaseID int64) (core.Money, error) {
	m, err := q.GetMovement(ctx, purchaseID)
	if err != nil {
		return core.Money{}, err
	}
	if !m.Kind.IsDebit() {
		return core.Money{}, &core.InvalidKindError{MovementID: m.ID, Kind: m.Kind, Want: "a debit movement"}
	}
	applied, err := q.AppliedToPurchase(ctx, purchaseID)
	if err != nil {
		return core.Money{}, err
	}
	return m.Amount.Sub(applied).FloorZero(), nil
}

// OpenDebits lists the person's debits that still have something to pay,
// oldest first. A zero cardID covers every card.
func (s *BalanceService) OpenDebits(ctx context.Context, personID, cardID int64) ([]DebitBalance, error) {
	var open []core.OpenDebit
	err := s.repo.WithTx(ctx, func(q *storage.Queries) error {
		if err := ownersExist(ctx, q, personID, cardID); err != nil {
			return err
		}
		var err error
		open, err = q.ListPersonOpenDebits(ctx, personID, cardID)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]DebitBalance, len(open))
	for i, d := range open {
		out[i] = DebitBalance{Movement: d.Movement, Applied: d.Applied, Remaining: d.Remaining()}
	}
	return out, nil
}

// UnassignedPayments lists payments with no allocation yet, oldest first,
// narrowed by the person, card and date bounds of f.
func (s *BalanceService) UnassignedPayments(ctx context.Context, f core.MovementFilter) ([]core.Movement, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From.Time) {
		return nil, core.NewValidationError("to", "end date is before start date")
	}
	var payments []core.Movement
	err := s.repo.WithTx(ctx, func(q *storage.Queries) error {
		if err := ownersExist(ctx, q, f.PersonID, f.CardID); err != nil {
			return err
		}
		var err error
		payments, err = q.ListUnassignedPayments(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []core.Movement{}
	}
	return payments, nil
}

// ownersExist checks the non-zero person and card ids.
func ownersExist(ctx context.Context, q *storage.Queries, personID, cardID int64) error {
	if personID > 0 {
		if _, err := q.GetPerson(ctx, personID); err != nil {
			return err
		}
	}
	if cardID > 0 {
		if _, err := q.GetCard(ctx, cardID); err != nil {
			return err
		}
	}
	return nil
}

// Debt is the person's debit total minus credit total on the card, floored
// at zero.
func (s *BalanceService) Debt(ctx context.Context, personID, cardID int64) (core.Money, error) {
	key := debtKey(personID, cardID)
	if v, ok := s.cache.Get(key); ok {
		return v, nil
	}

	gen := s.generation(key)
	v, err, _ := s.group.Do(fmt.Sprintf("%s@%d", key, gen), func() (any, error) {
		debt, err := s.computeDebt(ctx, personID, cardID)
		if err != nil {
			return core.Money{}, err
		}

		s.genMu.Lock()
		if s.gens[key] == gen {
			s.cache.Set(key, debt)
		}
		s.genMu.Unlock()
		return debt, nil
	})
	if err != nil {
		return core.Money{}, err
	}
	return v.(core.Money), nil
}

func (s *BalanceService) computeDebt(ctx context.Context, personID, cardID int64) (core.Money, error) {
	var totals core.Totals
	err := s.repo.WithTx(ctx, func(q *storage.Queries) error {
		if _, err := q.GetPerson(ctx, personID); err != nil {
			return err
		}
		if _, err := q.GetCard(ctx, cardID); err != nil {
			return err
		}
		var err error
		totals, err = q.OwnerTotals(ctx, personID, cardID)
		return err
	})
	if err != nil {
		return core.Money{}, err
	}
	return totals.Net().FloorZero(), nil
}

func (s *BalanceService) generation(key string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	gen, ok := s.gens[key]
	if !ok {
		s.gens[key] = 0
	}
	return gen
}

// Invalidate drops the cached debt of a (person, card) pair. Call it after
// the write that changed the pair has committed.
func (s *BalanceService) Invalidate(personID, cardID int64) {
	key := debtKey(personID, cardID)
	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.gens[key]++
	s.cache.Delete(key)
}

// InvalidateCard drops every cached debt on a card.
func (s *BalanceService) InvalidateCard(cardID int64) {
	suffix := fmt.Sprintf(":%d", cardID)
	match := func(key string) bool { return strings.HasSuffix(key, suffix) }

	s.genMu.Lock()
	defer s.genMu.Unlock()
	for key := range s.gens {
		if match(key) {
			s.gens[key]++
		}
	}
	if n := s.cache.DeleteFunc(match); n > 0 {
		s.logger.Debug("Card debts invalidated", appLog.FieldCardID, cardID, "count", n)
	}
}

// PersonTotalDebt nets every movement of a person across all cards, floored
// at zero.
func (s *BalanceService) PersonTotalDebt(ctx context.Context, personID int64) (core.Money, error) {
	var totals core.Totals
	err := s.repo.WithTx(ctx, func(q *storage.Queries) error {
		if _, err := q.GetPerson(ctx, personID); err != nil {
			return err
		}
		var err error
		totals, err = q.PersonTotals(ctx, personID)
		return err
	})
	if err != nil {
		return core.Money{}, err
	}
	return totals.Net().FloorZero(), nil
}

// CardAvailableCredit is the credit limit minus the persisted current
// balance. It is negative when the card is over its limit.
func (s *BalanceService) CardAvailableCredit(ctx context.Context, cardID int64) (core.Money, error) {
	card, err := s.repo.Queries().GetCard(ctx, cardID)
	if err != nil {
		return core.Money{}, err
	}
	return card.AvailableCredit(), nil
}

// refreshCardBalance re-aggregates every movement on the card and persists
// the result. It must run inside the transaction that changed the movements.
func refreshCardBalance(ctx context.Context, q *storage.Queries, cardID int64) (core.Money, error) {
	totals, err := q.CardTotals(ctx, cardID)
	if err != nil {
		return core.Money{}, err
	}
	balance := totals.Net()
	if err := q.UpdateCardBalance(ctx, cardID, balance); err != nil {
		return core.Money{}, err
	}
	return balance, nil
}

// VerifyCardBalances recomputes every card balance from scratch and compares
// it with the stored one. With repair set, drifted cards are rewritten.
func (s *BalanceService) VerifyCardBalances(ctx context.Context, repair bool) ([]CardBalanceCheck, error) {
	cards, err := s.repo.Queries().ListCards(ctx, false)
	if err != nil {
		return nil, err
	}

	checks := make([]CardBalanceCheck, 0, len(cards))
	for _, c := range cards {
		check, err := s.verifyCard(ctx, c.ID, repair)
		if err != nil {
			return checks, err
		}
		checks = append(checks, check)
	}
	return checks, nil
}

func (s *BalanceService) verifyCard(ctx context.Context, cardID int64, repair bool) (CardBalanceCheck, error) {
	unlock := s.locks.lock(cardID)
	defer unlock()

	check := CardBalanceCheck{CardID: cardID}
	err := s.repo.WithTx(ctx, func(q *storage.Queries) error {
		card, err := q.GetCard(ctx, cardID)
		if err != nil {
			return err
		}
		totals, err := q.CardTotals(ctx, cardID)
		if err != nil {
			return err
		}
		check.Label = card.Label()
		check.Stored = card.CurrentBalance
		check.Computed = totals.Net()
		check.Drift = check.Stored != check.Computed
		if check.Drift && repair {
			if err := q.UpdateCardBalance(ctx, cardID, check.Computed); err != nil {
				return err
			}
			check.Repaired = true
		}
		return nil
	})
	if err != nil {
		return check, err
	}

	if check.Drift {
		s.logger.WarnContext(ctx, "Card balance drift detected",
			appLog.FieldCardID, cardID,
			"stored", check.Stored.String(),
			"computed", check.Computed.String(),
			"repaired", check.Repaired)
		if check.Repaired {
			s.InvalidateCard(cardID)
		}
	}
	return check, nil
}
