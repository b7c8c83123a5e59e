// Package backup exports and imports the full local dataset as a JSON
// archive file, optionally encrypted with a passphrase. An archive restores
// the transaction log and pantry exactly as exported; it is the household's
// escape hatch when no other device holds a copy.
package backup

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dukerupert/larder/internal/inventory"
	"github.com/dukerupert/larder/internal/model"
)

const archiveVersion = 1

// Archive is the on-disk export format.
type Archive struct {
	Version      int                       `json:"version"`
	ExportedAt   time.Time                 `json:"exportedAt"`
	DeviceID     string                    `json:"deviceId"`
	Transactions []model.TransactionRecord `json:"transactions"`
	Pantry       []model.PantryRecord      `json:"pantry"`
}

// Service reads and writes archives against the inventory write path.
type Service struct {
	inv      *inventory.Service
	deviceID string
	logger   *slog.Logger
}

func NewService(inv *inventory.Service, deviceID string, logger *slog.Logger) *Service {
	return &Service{
		inv:      inv,
		deviceID: deviceID,
		logger:   logger.With("component", "backup"),
	}
}

// Export writes the full local dataset to path. With a non-empty passphrase
// the archive is sealed with AES-256-GCM under an argon2id-derived key.
func (s *Service) Export(path, passphrase string) error {
	transactions, pantry, err := s.inv.LocalData()
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	archive := Archive{
		Version:      archiveVersion,
		ExportedAt:   time.Now().UTC(),
		DeviceID:     s.deviceID,
		Transactions: transactions,
		Pantry:       pantry,
	}
	data, err := json.MarshalIndent(archive, "", "  ")
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}

	if passphrase != "" {
		if data, err = Encrypt(data, passphrase); err != nil {
			return fmt.Errorf("seal archive: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	s.logger.Info("archive exported", "path", path, "transactions", len(transactions), "pantry", len(pantry), "encrypted", passphrase != "")
	return nil
}

// Import replaces the entire local dataset with the archive at path. The
// caller supplies the passphrase for sealed archives.
func (s *Service) Import(path, passphrase string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}

	if passphrase != "" {
		if data, err = Decrypt(data, passphrase); err != nil {
			return fmt.Errorf("unseal archive: %w", err)
		}
	}

	var archive Archive
	if err := json.Unmarshal(data, &archive); err != nil {
		return fmt.Errorf("decode archive: %w", err)
	}
	if archive.Version != archiveVersion {
		return fmt.Errorf("unsupported archive version %d", archive.Version)
	}

	if err := s.inv.ReplaceAll(archive.Transactions, archive.Pantry); err != nil {
		return fmt.Errorf("restore archive: %w", err)
	}
	s.logger.Info("archive imported", "path", path, "transactions", len(archive.Transactions), "pantry", len(archive.Pantry))
	return nil
}
