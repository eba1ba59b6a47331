package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

const fileLockRetryDelay = 20 * time.Millisecond

// FileStore implements a vault store on the local file system. Each vault
// is one JSON file; writers take an exclusive flock on a sibling lock file so
// several processes can share the directory.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates a file store rooted at baseDir, creating it if needed.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	vaultDir := filepath.Join(baseDir, "vaults")
	if err := os.MkdirAll(vaultDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create vaults directory: %w", err)
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

func (b *FileStore) Create(ctx context.Context, rec *interfaces.VaultRecord) error {
	if err := validateVaultID(rec.Vault.ID); err != nil {
		return err
	}
	unlock, err := b.lock(ctx, rec.Vault.ID)
	if err != nil {
		return err
	}
	defer unlock()

	filePath := b.recordPath(rec.Vault.ID)
	if _, err := os.Stat(filePath); err == nil {
		return fmt.Errorf("%w: %s", interfaces.ErrVaultExists, rec.Vault.ID)
	}

	if err := b.write(filePath, rec, 1); err != nil {
		return err
	}
	rec.Version = 1
	return nil
}

func (b *FileStore) Load(ctx context.Context, vaultID string) (*interfaces.VaultRecord, error) {
	if err := validateVaultID(vaultID); err != nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrVaultNotFound, vaultID)
	}
	return b.read(b.recordPath(vaultID), vaultID)
}

func (b *FileStore) Save(ctx context.Context, rec *interfaces.VaultRecord) error {
	if err := validateVaultID(rec.Vault.ID); err != nil {
		return err
	}
	unlock, err := b.lock(ctx, rec.Vault.ID)
	if err != nil {
		return err
	}
	defer unlock()

	filePath := b.recordPath(rec.Vault.ID)
	stored, err := b.read(filePath, rec.Vault.ID)
	if err != nil {
		return err
	}
	if stored.Version != rec.Version {
		return fmt.Errorf("%w: stored version %d, have %d", interfaces.ErrConcurrencyConflict, stored.Version, rec.Version)
	}

	if err := b.write(filePath, rec, rec.Version+1); err != nil {
		return err
	}
	rec.Version++

	b.log.Debug("Stored vault record in file",
		slog.String("path", filePath),
		slog.Int64("version", rec.Version))
	return nil
}

func (b *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.baseDir, "vaults"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Available checks if the file backend is accessible by verifying the base directory exists.
func (b *FileStore) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File store unavailable", "err", err)
		return false
	}
	return true
}

func (b *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileStore) LocationURI() string {
	return b.locationURI
}

func (b *FileStore) recordPath(vaultID string) string {
	return filepath.Join(b.baseDir, "vaults", vaultID+".json")
}

func (b *FileStore) lock(ctx context.Context, vaultID string) (func(), error) {
	fileLock := flock.New(filepath.Join(b.baseDir, "vaults", vaultID+".lock"))
	locked, err := fileLock.TryLockContext(ctx, fileLockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to lock vault %s: %v", interfaces.ErrBackendUnavailable, vaultID, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: vault %s is locked", interfaces.ErrConcurrencyConflict, vaultID)
	}
	return func() {
		if err := fileLock.Unlock(); err != nil {
			b.log.Warn("Failed to release vault lock", slog.String("vault_id", vaultID), "err", err)
		}
	}, nil
}

func (b *FileStore) read(filePath, vaultID string) (*interfaces.VaultRecord, error) {
	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrVaultNotFound, vaultID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return decodeRecord(data)
}

// write replaces the file atomically through a temporary file and rename.
func (b *FileStore) write(filePath string, rec *interfaces.VaultRecord, version int64) error {
	data, err := encodeRecord(rec, version)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}
