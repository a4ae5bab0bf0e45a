package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names what happened in the ledger. It doubles as the routing key
// suffix, so consumers can tell events apart without decoding the body.
type EventType string

const (
	EventMovementRecorded  EventType = "movement.recorded"
	EventMovementUpdated   EventType = "movement.updated"
	EventMovementDeleted   EventType = "movement.deleted"
	EventAllocationCreated EventType = "allocation.created"
	EventAllocationRemoved EventType = "allocation.removed"
	EventPaymentReconciled EventType = "payment.reconciled"
	EventPaymentAmbiguous  EventType = "payment.ambiguous"
	EventPaymentUnmatched  EventType = "payment.unmatched"
)

func (t EventType) Valid() bool {
	switch t {
	case EventMovementRecorded, EventMovementUpdated, EventMovementDeleted,
		EventAllocationCreated, EventAllocationRemoved,
		EventPaymentReconciled, EventPaymentAmbiguous, EventPaymentUnmatched:
		return true
	}
	return false
}

// LedgerEvent is the message published after every committed ledger write
// and every reconciler outcome. Amounts travel as decimal strings.
type LedgerEvent struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	MovementID   int64     `json:"movement_id,omitempty"`
	PaymentID    int64     `json:"payment_id,omitempty"`
	PurchaseID   int64     `json:"purchase_id,omitempty"`
	PersonID     int64     `json:"person_id,omitempty"`
	CardID       int64     `json:"card_id,omitempty"`
	Kind         string    `json:"kind,omitempty"`
	Amount       string    `json:"amount,omitempty"`
	Memo         string    `json:"memo,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CandidateIDs []int64   `json:"candidate_ids,omitempty"`
	OccurredOn   string    `json:"occurred_on,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewLedgerEvent stamps a fresh event with a random ID and the current time.
func NewLedgerEvent(t EventType) *LedgerEvent {
	return &LedgerEvent{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
}

func (e *LedgerEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func LedgerEventFromJSON(data []byte) (*LedgerEvent, error) {
	var e LedgerEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if !e.Type.Valid() {
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	return &e, nil
}
