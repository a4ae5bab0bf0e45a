// Package sheets defines the journal export ports. Implementations live in
// the google and memory subpackages.
package sheets

import (
	"context"
	"strconv"
	"time"
)

// JournalHeader names the journal columns in the order Values emits them.
var JournalHeader = []string{
	"Event", "Timestamp", "Type", "Movement", "Payment", "Purchase",
	"Person", "Card", "Kind", "Amount", "Date", "Memo", "Detail",
}

// JournalRow is one exported ledger event.
type JournalRow struct {
	EventID    string
	Timestamp  time.Time
	Type       string
	MovementID int64
	PaymentID  int64
	PurchaseID int64
	PersonID   int64
	CardID     int64
	Kind       string
	Amount     string
	OccurredOn string
	Memo       string
	Detail     string
}

// Values renders the row as sheet cells. Zero IDs become empty cells.
func (r JournalRow) Values() []any {
	return []any{
		r.EventID,
		r.Timestamp.UTC().Format(time.RFC3339),
		r.Type,
		idCell(r.MovementID),
		idCell(r.PaymentID),
		idCell(r.PurchaseID),
		idCell(r.PersonID),
		idCell(r.CardID),
		r.Kind,
		r.Amount,
		r.OccurredOn,
		r.Memo,
		r.Detail,
	}
}

func idCell(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// Ports for outbound adapters.
type (
	JournalWriter interface {
		// Append adds rows at the end of the journal and returns a reference
		// to the written range.
		Append(ctx context.Context, rows ...JournalRow) (rowRef string, err error)
	}

	// JournalReader lists the event IDs already exported, so redelivered
	// events are not written twice.
	JournalReader interface {
		EventIDs(ctx context.Context) ([]string, error)
	}

	Journal interface {
		JournalWriter
		JournalReader
	}
)
