// Package backend selects where the ledger worker writes its journal.
package backend

import (
	"context"

	"cardledger/internal/sheets"
)

// CleanupFunc releases whatever a backend holds open.
type CleanupFunc func() error

// Result is a ready journal plus its optional cleanup.
type Result struct {
	Journal sheets.Journal
	Cleanup CleanupFunc
}

// Factory creates journals from a backend Config.
type Factory interface {
	CreateJournal(ctx context.Context, config Config) (*Result, error)
}

// Config holds what the journal backends need.
type Config struct {
	Type BackendType

	// Google Sheets
	SpreadsheetID   string
	SheetName       string
	CredentialsJSON string
	CredentialsFile string
}

type BackendType string

const (
	SheetsBackend BackendType = "sheets"
	MemoryBackend BackendType = "memory"
)

func (bt BackendType) String() string {
	return string(bt)
}

func (bt BackendType) IsValid() bool {
	switch bt {
	case SheetsBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
