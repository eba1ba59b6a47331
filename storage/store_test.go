package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testRecord(id string) *interfaces.VaultRecord {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := &interfaces.VaultRecord{
		Vault: interfaces.Vault{
			ID:                  id,
			OwnerAddress:        "0x00000000000000000000000000000000000000aa",
			CheckInIntervalDays: 30,
			GracePeriodDays:     7,
			Status:              interfaces.VaultActive,
			Threshold:           2,
			TotalGuardians:      3,
			DistributionMethod:  interfaces.DistributionManual,
			CreatedAt:           now,
			UpdatedAt:           now,
		},
		Guardians: []interfaces.Guardian{
			{ID: "g1", VaultID: id, Contact: "alice", Status: interfaces.GuardianActive},
		},
	}
	rec.Vault.RecordCheckIn(now)
	return rec
}

// testStoreContract exercises the behaviour every VaultStore must share.
func testStoreContract(t *testing.T, store interfaces.VaultStore) {
	ctx := context.Background()

	rec := testRecord("vault-a")
	require.NoError(t, store.Create(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	require.ErrorIs(t, store.Create(ctx, testRecord("vault-a")), interfaces.ErrVaultExists)

	loaded, err := store.Load(ctx, "vault-a")
	require.NoError(t, err)
	assert.Equal(t, rec.Version, loaded.Version)
	assert.Equal(t, rec.Vault.Status, loaded.Vault.Status)
	assert.True(t, rec.Vault.NextCheckInDueAt.Equal(loaded.Vault.NextCheckInDueAt))
	require.Len(t, loaded.Guardians, 1)
	assert.Equal(t, interfaces.GuardianActive, loaded.Guardians[0].Status)

	// Two writers start from the same version; the second loses.
	other, err := store.Load(ctx, "vault-a")
	require.NoError(t, err)

	loaded.Vault.Status = interfaces.VaultWarning
	require.NoError(t, store.Save(ctx, loaded))
	assert.Equal(t, int64(2), loaded.Version)

	other.Vault.Status = interfaces.VaultActive
	err = store.Save(ctx, other)
	require.ErrorIs(t, err, interfaces.ErrConcurrencyConflict)
	assert.Equal(t, int64(1), other.Version)

	final, err := store.Load(ctx, "vault-a")
	require.NoError(t, err)
	assert.Equal(t, interfaces.VaultWarning, final.Vault.Status)

	_, err = store.Load(ctx, "missing")
	require.ErrorIs(t, err, interfaces.ErrVaultNotFound)

	require.NoError(t, store.Create(ctx, testRecord("vault-b")))
	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"vault-a", "vault-b"}, ids)

	assert.True(t, store.Available(ctx))
	assert.NotEmpty(t, store.Name())
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := testRecord("vault-a")
	require.NoError(t, store.Create(ctx, rec))

	rec.Guardians[0].Contact = "mutated"
	loaded, err := store.Load(ctx, "vault-a")
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Guardians[0].Contact)
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testLogger)
	require.NoError(t, err)
	testStoreContract(t, store)
}

func TestFileStoreRejectsPathTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testLogger)
	require.NoError(t, err)

	require.ErrorIs(t, store.Create(context.Background(), testRecord("../escape")), interfaces.ErrInvalidArgument)
	_, err = store.Load(context.Background(), "../escape")
	require.ErrorIs(t, err, interfaces.ErrVaultNotFound)
}

func TestFileStoreSharedAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	a, err := NewFileStore(dir, testLogger)
	require.NoError(t, err)
	b, err := NewFileStore(dir, testLogger)
	require.NoError(t, err)

	require.NoError(t, a.Create(ctx, testRecord("vault-a")))
	fromA, err := a.Load(ctx, "vault-a")
	require.NoError(t, err)
	fromB, err := b.Load(ctx, "vault-a")
	require.NoError(t, err)

	require.NoError(t, b.Save(ctx, fromB))
	require.ErrorIs(t, a.Save(ctx, fromA), interfaces.ErrConcurrencyConflict)
}

func TestFactory(t *testing.T) {
	sf := NewStoreFactory(testLogger)
	ctx := context.Background()

	store, err := sf.StoreFor(ctx, "memory://")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	dir := t.TempDir()
	store, err = sf.StoreFor(ctx, "file://"+dir)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	store, err = sf.StoreFor(ctx, "s3://AKIA:secret@bucket/prefix?region=eu-west-1")
	require.NoError(t, err)
	require.IsType(t, &S3Store{}, store)
	assert.NotContains(t, store.LocationURI(), "secret")

	store, err = sf.StoreFor(ctx, "vault://vault.local:8200/secret/guardian?tls=false&token=t")
	require.NoError(t, err)
	require.IsType(t, &VaultKVStore{}, store)
	assert.Equal(t, "vault-secret-guardian", store.Name())

	_, err = sf.StoreFor(ctx, "ipfs://localhost:5001")
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = sf.StoreFor(ctx, "vault://vault.local:8200")
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = sf.StoreFor(ctx, "s3:///nobucket")
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

func TestVaultKVPaths(t *testing.T) {
	store, err := NewVaultKVStore("http://vault.local:8200", "/secret/", "/guardian/", "", testLogger)
	require.NoError(t, err)
	assert.Equal(t, "secret/data/guardian/vaults/v1", store.secretPath("data", "v1"))
	assert.Equal(t, "secret/metadata/guardian/vaults", store.secretPath("metadata", ""))
}

func TestS3ObjectKeys(t *testing.T) {
	withPrefix := &S3Store{prefix: "tenant"}
	assert.Equal(t, "tenant/vaults/v1.json", withPrefix.objectKey("v1"))
	assert.Equal(t, "tenant/vaults/", withPrefix.objectKey(""))

	bare := &S3Store{}
	assert.Equal(t, "vaults/v1.json", bare.objectKey("v1"))
	assert.Equal(t, "vaults/", bare.objectKey(""))
}
