package services

import (
	"context"

	"cardledger/internal/amqp"
	"cardledger/internal/core"
	appLog "cardledger/internal/log"
)

// EventPublisher receives ledger events after the write that produced them
// has committed. *amqp.Client satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, event *amqp.LedgerEvent) error
}

var _ EventPublisher = (*amqp.Client)(nil)

// events wraps an optional publisher. Publishing never fails the caller:
// the ledger write is already durable, so errors are only logged.
type events struct {
	pub    EventPublisher
	logger *appLog.Logger
}

func (e events) publish(ctx context.Context, event *amqp.LedgerEvent) {
	if e.pub == nil {
		return
	}
	if err := e.pub.Publish(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "Failed to publish ledger event",
			appLog.FieldError, err,
			appLog.FieldEventType, event.Type,
			appLog.FieldEventID, event.ID)
	}
}

func movementEvent(t amqp.EventType, m core.Movement) *amqp.LedgerEvent {
	e := amqp.NewLedgerEvent(t)
	e.MovementID = m.ID
	e.PersonID = m.PersonID
	e.CardID = m.CardID
	e.Kind = string(m.Kind)
	e.Amount = m.Amount.String()
	e.Memo = m.Memo
	e.OccurredOn = m.OccurredOn.String()
	return e
}

func allocationEvent(t amqp.EventType, a core.Allocation, personID, cardID int64) *amqp.LedgerEvent {
	e := amqp.NewLedgerEvent(t)
	e.PaymentID = a.PaymentID
	e.PurchaseID = a.PurchaseID
	e.PersonID = personID
	e.CardID = cardID
	e.Amount = a.Amount.String()
	return e
}
