package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ports "cardledger/internal/sheets"
)

var _ ports.Journal = (*Store)(nil)

// Store is an in-process journal used by tests and by the worker when no
// spreadsheet is configured.
type Store struct {
	mu   sync.Mutex
	rows []ports.JournalRow
}

func New() *Store {
	return &Store{}
}

// Append stores the rows and returns a synthetic row reference.
func (s *Store) Append(_ context.Context, rows ...ports.JournalRow) (string, error) {
	if len(rows) == 0 {
		return "", errors.New("no rows to append")
	}
	for _, r := range rows {
		if r.EventID == "" {
			return "", errors.New("journal row without event id")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	first := len(s.rows) + 1
	s.rows = append(s.rows, rows...)
	return fmt.Sprintf("mem:%d-%d", first, len(s.rows)), nil
}

func (s *Store) EventIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rows))
	for _, r := range s.rows {
		ids = append(ids, r.EventID)
	}
	return ids, nil
}

// Rows returns a copy of everything appended so far.
func (s *Store) Rows() []ports.JournalRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.JournalRow(nil), s.rows...)
}
