package backend

import (
	"context"
	"fmt"

	appLog "cardledger/internal/log"
	gsheet "cardledger/internal/sheets/google"
	"cardledger/internal/sheets/memory"

	goption "google.golang.org/api/option"
)

// DefaultFactory builds the Sheets and memory journals.
type DefaultFactory struct {
	logger *appLog.Logger
	// sheetsOpts are passed to the Sheets client; tests use them to point it
	// at a fake server.
	sheetsOpts []goption.ClientOption
}

func NewFactory(logger *appLog.Logger, sheetsOpts ...goption.ClientOption) Factory {
	if logger == nil {
		logger = appLog.Default()
	}
	return &DefaultFactory{
		logger:     logger.WithComponent(appLog.ComponentSheets),
		sheetsOpts: sheetsOpts,
	}
}

func (f *DefaultFactory) CreateJournal(ctx context.Context, config Config) (*Result, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case SheetsBackend:
		return f.createSheetsJournal(ctx, config)
	case MemoryBackend:
		f.logger.Info("Initialized in-memory journal")
		return &Result{Journal: memory.New()}, nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createSheetsJournal(ctx context.Context, config Config) (*Result, error) {
	client, err := gsheet.New(ctx, gsheet.Config{
		SpreadsheetID:   config.SpreadsheetID,
		SheetName:       config.SheetName,
		CredentialsJSON: config.CredentialsJSON,
		CredentialsFile: config.CredentialsFile,
	}, f.logger, f.sheetsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Google Sheets client: %w", err)
	}
	if err := client.EnsureHeader(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare journal sheet: %w", err)
	}
	return &Result{Journal: client}, nil
}
