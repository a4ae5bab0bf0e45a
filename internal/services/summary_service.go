package services

import (
	"context"

	"cardledger/internal/core"
	appLog "cardledger/internal/log"
	"cardledger/internal/storage"

	"golang.org/x/sync/errgroup"
)

const summaryConcurrency = 4

// PersonDebt is one user's position on a card.
type PersonDebt struct {
	PersonID  int64      `json:"person_id"`
	Name      string     `json:"name"`
	Debt      core.Money `json:"debt"`
	Movements int64      `json:"movement_count"`
}

type CardSummary struct {
	CardID           int64        `json:"card_id"`
	Label            string       `json:"label"`
	Network          core.Network `json:"network"`
	PaymentDueDay    int          `json:"payment_due_day"`
	CreditLimit      core.Money   `json:"credit_limit"`
	CurrentBalance   core.Money   `json:"current_balance"`
	AvailableCredit  core.Money   `json:"available_credit"`
	Movements        int64        `json:"movement_count"`
	CashbackEarned   core.Money   `json:"cashback_earned"`
	CashbackCredited core.Money   `json:"cashback_credited"`
	Persons          []PersonDebt `json:"persons"`
}

type Dashboard struct {
	Cards                []CardSummary `json:"cards"`
	TotalCreditLimit     core.Money    `json:"total_credit_limit"`
	TotalCurrentBalance  core.Money    `json:"total_current_balance"`
	TotalAvailableCredit core.Money    `json:"total_available_credit"`
	TotalMovements       int64         `json:"total_movements"`
}

// SummaryService assembles read-only views of card balances.
type SummaryService struct {
	repo   *storage.SQLiteRepository
	logger *appLog.Logger
}

func NewSummaryService(repo *storage.SQLiteRepository, logger *appLog.Logger) *SummaryService {
	return &SummaryService{repo: repo, logger: logger.WithComponent(appLog.ComponentBalance)}
}

// CardSummary reports a card's credit position and the debt of each of its
// active users. Every figure comes from one transaction, so the stored
// balance and the per-person debts always describe the same movements.
func (s *SummaryService) CardSummary(ctx context.Context, cardID int64) (CardSummary, error) {
	var summary CardSummary
	err := s.repo.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		summary, err = cardSummary(ctx, q, cardID)
		return err
	})
	if err != nil {
		return CardSummary{}, err
	}
	return summary, nil
}

func cardSummary(ctx context.Context, q *storage.Queries, cardID int64) (CardSummary, error) {
	card, err := q.GetCard(ctx, cardID)
	if err != nil {
		return CardSummary{}, err
	}
	users, err := q.ListCardUsers(ctx, cardID, true)
	if err != nil {
		return CardSummary{}, err
	}

	summary := CardSummary{
		CardID:          card.ID,
		Label:           card.Label(),
		Network:         card.Network,
		PaymentDueDay:   card.PaymentDueDay,
		CreditLimit:     card.CreditLimit,
		CurrentBalance:  card.CurrentBalance,
		AvailableCredit: card.AvailableCredit(),
		Persons:         make([]PersonDebt, 0, len(users)),
	}
	if summary.Movements, err = q.CountMovements(ctx, cardID, 0); err != nil {
		return CardSummary{}, err
	}
	if summary.CashbackEarned, summary.CashbackCredited, err = q.CardCashback(ctx, cardID); err != nil {
		return CardSummary{}, err
	}
	for _, p := range users {
		totals, err := q.OwnerTotals(ctx, p.ID, cardID)
		if err != nil {
			return CardSummary{}, err
		}
		count, err := q.CountMovements(ctx, cardID, p.ID)
		if err != nil {
			return CardSummary{}, err
		}
		summary.Persons = append(summary.Persons, PersonDebt{
			PersonID:  p.ID,
			Name:      p.Name,
			Debt:      totals.Net().FloorZero(),
			Movements: count,
		})
	}
	return summary, nil
}

// Dashboard summarizes every active card and totals them. Each card is its
// own snapshot; the cards are read concurrently.
func (s *SummaryService) Dashboard(ctx context.Context) (Dashboard, error) {
	cards, err := s.repo.Queries().ListCards(ctx, true)
	if err != nil {
		return Dashboard{}, err
	}

	d := Dashboard{Cards: make([]CardSummary, len(cards))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(summaryConcurrency)
	for i, c := range cards {
		g.Go(func() error {
			summary, err := s.CardSummary(gctx, c.ID)
			if err != nil {
				return err
			}
			d.Cards[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.ErrorContext(ctx, "Dashboard assembly failed", appLog.FieldError, err)
		return Dashboard{}, err
	}

	for _, c := range d.Cards {
		d.TotalCreditLimit = d.TotalCreditLimit.Add(c.CreditLimit)
		d.TotalCurrentBalance = d.TotalCurrentBalance.Add(c.CurrentBalance)
		d.TotalAvailableCredit = d.TotalAvailableCredit.Add(c.AvailableCredit)
		d.TotalMovements += c.Movements
	}
	return d, nil
}
