package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// MockVaultStore implements interfaces.VaultStore for testing
type MockVaultStore struct {
	mock.Mock
	name string
}

func (m *MockVaultStore) Create(ctx context.Context, rec *interfaces.VaultRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockVaultStore) Load(ctx context.Context, vaultID string) (*interfaces.VaultRecord, error) {
	args := m.Called(ctx, vaultID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.VaultRecord), args.Error(1)
}

func (m *MockVaultStore) Save(ctx context.Context, rec *interfaces.VaultRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockVaultStore) List(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockVaultStore) Available(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockVaultStore) Name() string {
	return m.name
}

func (m *MockVaultStore) LocationURI() string {
	return "mock://" + m.name
}

func TestMultiStoreMirrorsWrites(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()
	mirror := NewMemoryStore()
	multi := NewMultiStore(primary, []interfaces.VaultStore{mirror}, testLogger)

	rec := testRecord("vault-a")
	require.NoError(t, multi.Create(ctx, rec))

	mirrored, err := mirror.Load(ctx, "vault-a")
	require.NoError(t, err)
	assert.Equal(t, interfaces.VaultActive, mirrored.Vault.Status)

	rec.Vault.Status = interfaces.VaultWarning
	require.NoError(t, multi.Save(ctx, rec))
	rec.Vault.Status = interfaces.VaultTriggered
	require.NoError(t, multi.Save(ctx, rec))

	mirrored, err = mirror.Load(ctx, "vault-a")
	require.NoError(t, err)
	assert.Equal(t, interfaces.VaultTriggered, mirrored.Vault.Status)
	assert.Equal(t, "multi:[memory://,memory://]", multi.LocationURI())
}

func TestMultiStoreMirrorFailureDoesNotFailWrite(t *testing.T) {
	ctx := context.Background()
	broken := &MockVaultStore{name: "broken"}
	broken.On("Load", mock.Anything, "vault-a").Return(nil, interfaces.ErrBackendUnavailable)

	multi := NewMultiStore(NewMemoryStore(), []interfaces.VaultStore{broken}, testLogger)
	require.NoError(t, multi.Create(ctx, testRecord("vault-a")))
	broken.AssertExpectations(t)
}

func TestMultiStoreReadFallback(t *testing.T) {
	ctx := context.Background()

	primary := &MockVaultStore{name: "primary"}
	primary.On("Load", mock.Anything, "vault-a").Return(nil, interfaces.ErrBackendUnavailable)
	primary.On("Load", mock.Anything, "missing").Return(nil, interfaces.ErrVaultNotFound)

	down := &MockVaultStore{name: "down"}
	down.On("Available", mock.Anything).Return(false)

	backup := NewMemoryStore()
	require.NoError(t, backup.Create(ctx, testRecord("vault-a")))

	multi := NewMultiStore(primary, []interfaces.VaultStore{down, backup}, testLogger)

	rec, err := multi.Load(ctx, "vault-a")
	require.NoError(t, err)
	assert.Equal(t, "vault-a", rec.Vault.ID)
	assert.Equal(t, int64(-1), rec.Version, "mirror copies cannot be saved back")

	_, err = multi.Load(ctx, "missing")
	require.ErrorIs(t, err, interfaces.ErrVaultNotFound)

	primary.AssertExpectations(t)
	down.AssertExpectations(t)
}

func TestMultiStoreMirrorCopyIsReadOnly(t *testing.T) {
	ctx := context.Background()

	primary := &MockVaultStore{name: "primary"}
	primary.On("Load", mock.Anything, "vault-a").Return(nil, interfaces.ErrBackendUnavailable)

	backup := NewMemoryStore()
	require.NoError(t, backup.Create(ctx, testRecord("vault-a")))

	multi := NewMultiStore(primary, []interfaces.VaultStore{backup}, testLogger)
	rec, err := multi.Load(ctx, "vault-a")
	require.NoError(t, err)

	rec.Vault.Status = interfaces.VaultWarning
	err = multi.Save(ctx, rec)
	require.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
	assert.NotErrorIs(t, err, interfaces.ErrConcurrencyConflict)
	primary.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)

	mirrored, err := backup.Load(ctx, "vault-a")
	require.NoError(t, err)
	assert.Equal(t, interfaces.VaultActive, mirrored.Vault.Status)
	assert.Equal(t, int64(1), mirrored.Version)
}

func TestMultiStoreAvailable(t *testing.T) {
	tests := []struct {
		name     string
		primary  bool
		expected bool
	}{
		{name: "primary available", primary: true, expected: true},
		{name: "primary down", primary: false, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &MockVaultStore{name: "primary"}
			primary.On("Available", mock.Anything).Return(tt.primary)
			multi := NewMultiStore(primary, nil, testLogger)
			assert.Equal(t, tt.expected, multi.Available(context.Background()))
		})
	}
}
