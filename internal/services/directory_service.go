package services

import (
	"context"
	"slices"
	"strings"

	"cardledger/internal/core"
	appLog "cardledger/internal/log"
	"cardledger/internal/storage"
)

const defaultPaymentDueDay = 15

// DirectoryService manages the persons, cards and establishments that
// movements refer to. Deletes cascade to movements, so they take the card
// locks and drop cached debts like any other ledger write.
type DirectoryService struct {
	repo     *storage.SQLiteRepository
	locks    *cardLocks
	balances *BalanceService
	logger   *appLog.Logger
}

func NewDirectoryService(repo *storage.SQLiteRepository, locks *cardLocks, balances *BalanceService, logger *appLog.Logger) *DirectoryService {
	return &DirectoryService{
		repo:     repo,
		locks:    locks,
		balances: balances,
		logger:   logger.WithComponent(appLog.ComponentApp),
	}
}

// CardDetails is a card with the persons allowed to use it.
type CardDetails struct {
	core.Card
	Label string        `json:"label"`
	Users []core.Person `json:"users"`
}

func normalizePerson(p *core.Person) {
	p.Name = strings.TrimSpace(p.Name)
	p.Email = strings.TrimSpace(p.Email)
	p.Phone = strings.TrimSpace(p.Phone)
}

func (s *DirectoryService) CreatePerson(ctx context.Context, p core.Person) (core.Person, error) {
	normalizePerson(&p)
	if err := p.Validate(); err != nil {
		return core.Person{}, err
	}
	created, err := s.repo.Queries().CreatePerson(ctx, p)
	if err != nil {
		return core.Person{}, err
	}
	s.logger.InfoContext(ctx, "Person created", appLog.FieldPersonID, created.ID)
	return created, nil
}

func (s *DirectoryService) GetPerson(ctx context.Context, id int64) (core.Person, error) {
	return s.repo.Queries().GetPerson(ctx, id)
}

func (s *DirectoryService) ListPersons(ctx context.Context, activeOnly bool) ([]core.Person, error) {
	return s.repo.Queries().ListPersons(ctx, activeOnly)
}

// UpdatePerson replaces the contact details and active flag of a person.
// The registration date never changes.
func (s *DirectoryService) UpdatePerson(ctx context.Context, id int64, p core.Person) (core.Person, error) {
	normalizePerson(&p)
	if err := p.Validate(); err != nil {
		return core.Person{}, err
	}
	var updated core.Person
	err := s.repo.WithTx(ctx, func(q *storage.Queries) error {
		current, err := q.GetPerson(ctx, id)
		if err != nil {
			return err
		}
		current.Name, current.Email, current.Phone, current.Active = p.Name, p.Email, p.Phone, p.Active
		if err := q.UpdatePerson(ctx, current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return core.Person{}, err
	}
	s.logger.InfoContext(ctx, "Person updated", appLog.FieldPersonID, id, appLog.FieldOperation, appLog.OpUpdate)
	return updated, nil
}

// DeletePerson removes a person together with their movements and the cards
// they hold. Balances of the remaining cards they used are re-aggregated.
func (s *DirectoryService) DeletePerson(ctx context.Context, id int64) error {
	cardIDs, err := s.repo.Queries().PersonCardIDs(ctx, id)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(cardIDs...)
	var touched []int64
	err = s.repo.WithTx(ctx, func(q *storage.Queries) error {
		if _, err := q.GetPerson(ctx, id); err != nil {
			return err
		}
		var err error
		if touched, err = q.PersonCardIDs(ctx, id); err != nil {
			return err
		}
		if err := q.DeletePerson(ctx, id); err != nil {
			return err
		}
		for _, cardID := range touched {
			_, err := refreshCardBalance(ctx, q, cardID)
			if isNotFound(err) {
				// Held by the person and deleted with them.
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	unlock()
	if err != nil {
		return err
	}

	for _, cardID := range touched {
		s.balances.InvalidateCard(cardID)
	}
	s.logger.InfoContext(ctx, "Person deleted",
		appLog.FieldPersonID, id,
		appLog.FieldOperation, appLog.OpDelete,
		"cards", len(touched))
	return nil
}

func normalizeCard(c *core.Card) error {
	c.Number = strings.TrimSpace(c.Number)
	c.Bank = strings.TrimSpace(c.Bank)
	if c.PaymentDueDay == 0 {
		c.PaymentDueDay = defaultPaymentDueDay
	}
	network, err := core.ParseNetwork(string(c.Network))
	if err != nil {
		return err
	}
	c.Network = network
	return c.Validate()
}

// CreateCard registers a card and its users. Without explicit users the
// holder, if any, becomes the only user.
func (s *DirectoryService) CreateCard(ctx context.Context, c core.Card, userIDs []int64) (CardDetails, error) {
	if err := normalizeCard(&c); err != nil {
		return CardDetails{}, err
	}
	if len(userIDs) == 0 && c.HolderID != nil {
		userIDs = []int64{*c.HolderID}
	}

	var details CardDetails
	err := s.repo.WithTx(ctx, func(q *storage.Queries) error {
		if c.HolderID != nil {
			if _, err := q.GetPerson(ctx, *c.HolderID); err != nil {
				return err
			}
		}
		created, err := q.CreateCard(ctx, c)
		if err != nil {
			return err
		}
		users, err := setUsers(ctx, q, created.ID, userIDs)
		if err != nil {
			return err
		}
		details = CardDetails{Card: created, Label: created.Label(), Users: users}
		return nil
	})
	if err != nil {
		return CardDetails{}, err
	}

	s.logger.InfoContext(ctx, "Card created",
		appLog.FieldCardID, details.ID,
		"label", details.Label,
		"users", len(details.Users))
	return details, nil
}

func setUsers(ctx context.Context, q *storage.Queries, cardID int64, personIDs []int64) ([]core.Person, error) {
	ids := slices.Clone(personIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	for _, id := range ids {
		if _, err := q.GetPerson(ctx, id); err != nil {
			return nil, err
		}
	}
	if err := q.SetCardUsers(ctx, cardID, ids); err != nil {
		return nil, err
	}
	users, err := q.ListCardUsers(ctx, cardID, false)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []core.Person{}
	}
	return users, nil
}

func (s *DirectoryService) GetCard(ctx context.Context, id int64) (CardDetails, error) {
	q := s.repo.Queries()
	c, err := q.GetCard(ctx, id)
	if err != nil {
		return CardDetails{}, err
	}
	users, err := q.ListCardUsers(ctx, id, false)
	if err != nil {
		return CardDetails{}, err
	}
	if users == nil {
		users = []core.Person{}
	}
	return CardDetails{Card: c, Label: c.Label(), Users: users}, nil
}

func (s *DirectoryService) ListCards(ctx context.Context, activeOnly bool) ([]core.Card, error) {
	return s.repo.Queries().ListCards(ctx, activeOnly)
}

// UpdateCard rewrites a card's descriptive fields and credit limit. The
// current balance only ever comes from its movements, so it is kept. A nil
// userIDs keeps the current users.
func (s *DirectoryService) UpdateCard(ctx context.Context, id int64, c core.Card, userIDs []int64) (CardDetails, error) {
	if err := normalizeCard(&c); err != nil {
		return CardDetails{}, err
	}

	var details CardDetails
	err := s.repo.WithTx(ctx, func(q *storage.Queries) error {
		current, err := q.GetCard(ctx, id)
		if err != nil {
			return err
		}
		if c.HolderID != nil {
			if _, err := q.GetPerson(ctx, *c.HolderID); err != nil {
				return err
			}
		}
		c.ID = id
		c.CurrentBalance = current.CurrentBalance
		c.CreatedAt = current.CreatedAt
		if err := q.UpdateCard(ctx, c); err != nil {
			return err
		}

		var users []core.Person
		if userIDs != nil {
			users, err = setUsers(ctx, q, id, userIDs)
		} else {
			users, err = q.ListCardUsers(ctx, id, false)
		}
		if err != nil {
			return err
		}
		if users == nil {
			users = []core.Person{}
		}
		details = CardDetails{Card: c, Label: c.Label(), Users: users}
		return nil
	})
	if err != nil {
		return CardDetails{}, err
	}

	s.logger.InfoContext(ctx, "Card updated",
		appLog.FieldCardID, id,
		appLog.FieldOperation, appLog.OpUpdate,
		"credit_limit", details.CreditLimit.String())
	return details, nil
}

// DeleteCard removes a card. Its movements and their allocations go with it.
func (s *DirectoryService) DeleteCard(ctx context.Context, id int64) error {
	unlock := s.locks.lock(id)
	var movements int64
	err := s.repo.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		if movements, err = q.CountMovements(ctx, id, 0); err != nil {
			return err
		}
		return q.DeleteCard(ctx, id)
	})
	unlock()
	if err != nil {
		return err
	}

	s.balances.InvalidateCard(id)
	s.logger.InfoContext(ctx, "Card deleted",
		appLog.FieldCardID, id,
		appLog.FieldOperation, appLog.OpDelete,
		"movements", movements)
	return nil
}

// SetCardUsers replaces the persons sharing a card.
func (s *DirectoryService) SetCardUsers(ctx context.Context, cardID int64, personIDs []int64) (CardDetails, error) {
	var details CardDetails
	err := s.repo.WithTx(ctx, func(q *storage.Queries) error {
		c, err := q.GetCard(ctx, cardID)
		if err != nil {
			return err
		}
		users, err := setUsers(ctx, q, cardID, personIDs)
		if err != nil {
			return err
		}
		details = CardDetails{Card: c, Label: c.Label(), Users: users}
		return nil
	})
	if err != nil {
		return CardDetails{}, err
	}
	s.logger.InfoContext(ctx, "Card users replaced", appLog.FieldCardID, cardID, "users", len(details.Users))
	return details, nil
}

func (s *DirectoryService) CreateEstablishment(ctx context.Context, e core.Establishment) (core.Establishment, error) {
	e.Name = strings.TrimSpace(e.Name)
	e.Description = strings.TrimSpace(e.Description)
	if err := e.Validate(); err != nil {
		return core.Establishment{}, err
	}
	return s.repo.Queries().CreateEstablishment(ctx, e)
}

func (s *DirectoryService) ListEstablishments(ctx context.Context, activeOnly bool) ([]core.Establishment, error) {
	return s.repo.Queries().ListEstablishments(ctx, activeOnly)
}

func (s *DirectoryService) GetEstablishment(ctx context.Context, id int64) (core.Establishment, error) {
	return s.repo.Queries().GetEstablishment(ctx, id)
}

// UpdateEstablishment changes an establishment. A new cashback rate applies
// to movements recorded or edited afterwards.
func (s *DirectoryService) UpdateEstablishment(ctx context.Context, id int64, e core.Establishment) (core.Establishment, error) {
	e.ID = id
	e.Name = strings.TrimSpace(e.Name)
	e.Description = strings.TrimSpace(e.Description)
	if err := e.Validate(); err != nil {
		return core.Establishment{}, err
	}
	if err := s.repo.Queries().UpdateEstablishment(ctx, e); err != nil {
		return core.Establishment{}, err
	}
	s.logger.InfoContext(ctx, "Establishment updated", "establishment_id", id, appLog.FieldOperation, appLog.OpUpdate)
	return e, nil
}

// DeleteEstablishment removes an establishment. Its movements stay, with
// their cashback as recorded and no establishment.
func (s *DirectoryService) DeleteEstablishment(ctx context.Context, id int64) error {
	if err := s.repo.Queries().DeleteEstablishment(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Establishment deleted", "establishment_id", id, appLog.FieldOperation, appLog.OpDelete)
	return nil
}
