package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// MemoryStore keeps serialized vault records in process memory. Records are
// stored encoded so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (s *MemoryStore) Create(ctx context.Context, rec *interfaces.VaultRecord) error {
	if err := validateVaultID(rec.Vault.ID); err != nil {
		return err
	}
	data, err := encodeRecord(rec, 1)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Vault.ID]; ok {
		return fmt.Errorf("%w: %s", interfaces.ErrVaultExists, rec.Vault.ID)
	}
	s.records[rec.Vault.ID] = data
	rec.Version = 1
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, vaultID string) (*interfaces.VaultRecord, error) {
	s.mu.RLock()
	data, ok := s.records[vaultID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrVaultNotFound, vaultID)
	}
	return decodeRecord(data)
}

func (s *MemoryStore) Save(ctx context.Context, rec *interfaces.VaultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.Vault.ID]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrVaultNotFound, rec.Vault.ID)
	}
	stored, err := decodeRecord(current)
	if err != nil {
		return err
	}
	if stored.Version != rec.Version {
		return fmt.Errorf("%w: stored version %d, have %d", interfaces.ErrConcurrencyConflict, stored.Version, rec.Version)
	}

	data, err := encodeRecord(rec, rec.Version+1)
	if err != nil {
		return err
	}
	s.records[rec.Vault.ID] = data
	rec.Version++
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Available(ctx context.Context) bool { return true }

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) LocationURI() string { return "memory://" }
