package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"cardledger/internal/amqp"
	appLog "cardledger/internal/log"
	"cardledger/internal/sheets"
)

// ExportWorker appends every ledger event it receives to the journal sheet.
type ExportWorker struct {
	journal sheets.JournalWriter
	reader  sheets.JournalReader
	logger  *appLog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewExportWorker builds a worker around journal. When the journal can also
// list exported event IDs, redelivered events are skipped.
func NewExportWorker(journal sheets.JournalWriter, logger *appLog.Logger) *ExportWorker {
	if logger == nil {
		logger = appLog.Default()
	}
	w := &ExportWorker{
		journal: journal,
		logger:  logger.WithComponent(appLog.ComponentWorker),
		seen:    make(map[string]struct{}),
	}
	if r, ok := journal.(sheets.JournalReader); ok {
		w.reader = r
	}
	return w
}

// LoadExported primes the duplicate filter from the journal. It is meant to
// run once at startup, before consuming.
func (w *ExportWorker) LoadExported(ctx context.Context) error {
	if w.reader == nil {
		return nil
	}
	ids, err := w.reader.EventIDs(ctx)
	if err != nil {
		return fmt.Errorf("load exported event ids: %w", err)
	}

	w.mu.Lock()
	for _, id := range ids {
		w.seen[id] = struct{}{}
	}
	w.mu.Unlock()

	w.logger.InfoContext(ctx, "Loaded exported events", "count", len(ids))
	return nil
}

// HandleEvent exports one event. A returned error makes the consumer requeue
// the message.
func (w *ExportWorker) HandleEvent(ctx context.Context, e *amqp.LedgerEvent) error {
	if e == nil || e.ID == "" {
		return errors.New("event without id")
	}

	w.mu.Lock()
	_, dup := w.seen[e.ID]
	w.mu.Unlock()
	if dup {
		w.logger.DebugContext(ctx, "Skipping already exported event",
			appLog.FieldEventID, e.ID,
			appLog.FieldEventType, string(e.Type))
		return nil
	}

	ref, err := w.journal.Append(ctx, RowFromEvent(e))
	if err != nil {
		fields := appLog.LogFields{
			appLog.FieldEventID:   e.ID,
			appLog.FieldEventType: string(e.Type),
		}
		appLog.NewStructuredLogger(w.logger).
			LogError(ctx, "Failed to export event", err, appLog.ComponentWorker, appLog.OpExport, fields)
		return fmt.Errorf("append to journal: %w", err)
	}

	w.mu.Lock()
	w.seen[e.ID] = struct{}{}
	w.mu.Unlock()

	w.logger.InfoContext(ctx, "Exported event",
		appLog.FieldEventID, e.ID,
		appLog.FieldEventType, string(e.Type),
		"sheets_ref", ref)
	return nil
}

// Exported reports how many distinct events the worker knows to be in the
// journal.
func (w *ExportWorker) Exported() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// RowFromEvent flattens an event into a journal row. Unmatched payments carry
// their reason in Detail, ambiguous ones their candidate purchases.
func RowFromEvent(e *amqp.LedgerEvent) sheets.JournalRow {
	detail := e.Reason
	if len(e.CandidateIDs) > 0 {
		ids := make([]string, len(e.CandidateIDs))
		for i, id := range e.CandidateIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		detail = "candidates: " + strings.Join(ids, ",")
	}

	return sheets.JournalRow{
		EventID:    e.ID,
		Timestamp:  e.Timestamp,
		Type:       string(e.Type),
		MovementID: e.MovementID,
		PaymentID:  e.PaymentID,
		PurchaseID: e.PurchaseID,
		PersonID:   e.PersonID,
		CardID:     e.CardID,
		Kind:       e.Kind,
		Amount:     e.Amount,
		OccurredOn: e.OccurredOn,
		Memo:       e.Memo,
		Detail:     detail,
	}
}
