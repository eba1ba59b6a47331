package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// mirrorVersion marks a record served from a mirror.
const mirrorVersion int64 = -1

// MultiStore is a primary vault store with best-effort mirrors. The primary
// is authoritative for versions and conflicts; every successful write is
// copied to the mirrors, and reads fall back to the mirrors only when the
// primary is unavailable. Records served from a mirror are read-only: saving
// one fails with ErrBackendUnavailable.
type MultiStore struct {
	primary interfaces.VaultStore
	mirrors []interfaces.VaultStore
	log     *slog.Logger
}

// NewMultiStore creates a store writing through primary and mirroring to mirrors.
func NewMultiStore(primary interfaces.VaultStore, mirrors []interfaces.VaultStore, logger *slog.Logger) *MultiStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiStore{
		primary: primary,
		mirrors: mirrors,
		log:     logger,
	}
}

func (m *MultiStore) Create(ctx context.Context, rec *interfaces.VaultRecord) error {
	if err := m.primary.Create(ctx, rec); err != nil {
		return err
	}
	m.mirror(ctx, rec)
	return nil
}

func (m *MultiStore) Load(ctx context.Context, vaultID string) (*interfaces.VaultRecord, error) {
	start := time.Now()
	rec, err := m.primary.Load(ctx, vaultID)
	if err == nil || !errors.Is(err, interfaces.ErrBackendUnavailable) {
		return rec, err
	}

	errs := []error{fmt.Errorf("%s: %w", m.primary.Name(), err)}
	for _, mirror := range m.mirrors {
		if !mirror.Available(ctx) {
			m.log.Debug("Mirror unavailable", slog.String("backend_name", mirror.Name()))
			continue
		}
		mrec, merr := mirror.Load(ctx, vaultID)
		if merr == nil {
			m.log.Warn("Serving vault record from mirror",
				slog.String("backend_name", mirror.Name()),
				slog.String("vault_id", vaultID),
				slog.Duration("duration", time.Since(start)))
			mrec.Version = mirrorVersion
			return mrec, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", mirror.Name(), merr))
	}

	m.log.Error("All backends failed to load vault record",
		slog.String("vault_id", vaultID),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))
	return nil, fmt.Errorf("%w: all backends failed to load %s: %v", interfaces.ErrBackendUnavailable, vaultID, errs)
}

func (m *MultiStore) Save(ctx context.Context, rec *interfaces.VaultRecord) error {
	if rec.Version == mirrorVersion {
		return fmt.Errorf("%w: %s was served from a mirror and cannot be saved", interfaces.ErrBackendUnavailable, rec.Vault.ID)
	}
	if err := m.primary.Save(ctx, rec); err != nil {
		return err
	}
	m.mirror(ctx, rec)
	return nil
}

func (m *MultiStore) List(ctx context.Context) ([]string, error) {
	return m.primary.List(ctx)
}

// Available reports whether the primary is available.
func (m *MultiStore) Available(ctx context.Context) bool {
	return m.primary.Available(ctx)
}

func (m *MultiStore) Name() string {
	return "multi-storage"
}

func (m *MultiStore) LocationURI() string {
	locations := []string{m.primary.LocationURI()}
	for _, mirror := range m.mirrors {
		locations = append(locations, mirror.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}

// mirror copies rec to every mirror, adopting each mirror's own version.
func (m *MultiStore) mirror(ctx context.Context, rec *interfaces.VaultRecord) {
	for _, mirror := range m.mirrors {
		cp := *rec
		existing, err := mirror.Load(ctx, rec.Vault.ID)
		switch {
		case err == nil:
			cp.Version = existing.Version
			err = mirror.Save(ctx, &cp)
		case errors.Is(err, interfaces.ErrVaultNotFound):
			err = mirror.Create(ctx, &cp)
		}
		if err != nil {
			m.log.Warn("Failed to mirror vault record",
				slog.String("backend_name", mirror.Name()),
				slog.String("vault_id", rec.Vault.ID),
				"err", err)
		}
	}
}
