package backend

import (
	"errors"
	"fmt"

	"cardledger/internal/config"
)

// FromAppConfig picks the Sheets journal when a spreadsheet is configured and
// the in-memory one otherwise.
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, errors.New("app config is nil")
	}
	if !appConfig.ExportEnabled() {
		return Config{Type: MemoryBackend}, nil
	}
	return Config{
		Type:            SheetsBackend,
		SpreadsheetID:   appConfig.GoogleSpreadsheetID,
		SheetName:       appConfig.GoogleSheetName,
		CredentialsJSON: appConfig.GoogleServiceAccountJSON,
		CredentialsFile: appConfig.GoogleServiceAccountFile,
	}, nil
}

func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}
	if c.Type == SheetsBackend {
		if c.SpreadsheetID == "" {
			return errors.New("spreadsheet ID is required for the sheets backend")
		}
		if c.CredentialsJSON == "" && c.CredentialsFile == "" {
			return errors.New("service account credentials (JSON or file) are required for the sheets backend")
		}
	}
	return nil
}

// BackendTypes lists every valid backend type.
func BackendTypes() []BackendType {
	return []BackendType{SheetsBackend, MemoryBackend}
}
