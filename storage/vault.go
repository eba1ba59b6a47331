package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// VaultKVStore implements a vault store on a HashiCorp Vault KV v2 mount.
// The KV secret version is the record version and every write uses the KV
// check-and-set option, so concurrent writers across processes are detected.
type VaultKVStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultKVStore creates a new Vault KV v2 store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "guardian-vaults")
//   - token: Vault token; when empty the client falls back to VAULT_TOKEN
//   - log: Structured logger
func NewVaultKVStore(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultKVStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultKVStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

func (b *VaultKVStore) Create(ctx context.Context, rec *interfaces.VaultRecord) error {
	if err := validateVaultID(rec.Vault.ID); err != nil {
		return err
	}
	// cas=0 only succeeds when the key does not exist yet.
	version, err := b.write(ctx, rec, 0)
	if errors.Is(err, interfaces.ErrConcurrencyConflict) {
		return fmt.Errorf("%w: %s", interfaces.ErrVaultExists, rec.Vault.ID)
	}
	if err != nil {
		return err
	}
	rec.Version = version
	return nil
}

func (b *VaultKVStore) Load(ctx context.Context, vaultID string) (*interfaces.VaultRecord, error) {
	path := b.secretPath("data", vaultID)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil || secret.Data["data"] == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrVaultNotFound, vaultID)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response")
	}
	content, ok := data["record"].(string)
	if !ok {
		return nil, fmt.Errorf("record key not found in Vault data")
	}
	metadata, ok := secret.Data["metadata"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("metadata not found in Vault response")
	}
	version, err := parseVersion(metadata["version"])
	if err != nil {
		return nil, err
	}

	rec, err := decodeRecord([]byte(content))
	if err != nil {
		return nil, err
	}
	rec.Version = version
	return rec, nil
}

func (b *VaultKVStore) Save(ctx context.Context, rec *interfaces.VaultRecord) error {
	version, err := b.write(ctx, rec, rec.Version)
	if err != nil {
		return err
	}
	rec.Version = version
	return nil
}

func (b *VaultKVStore) List(ctx context.Context) ([]string, error) {
	secret, err := b.client.Logical().ListWithContext(ctx, b.secretPath("metadata", ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	keys, _ := secret.Data["keys"].([]interface{})
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if s, ok := k.(string); ok && !strings.HasSuffix(s, "/") {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultKVStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

func (b *VaultKVStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

func (b *VaultKVStore) LocationURI() string {
	return b.locationURI
}

func (b *VaultKVStore) write(ctx context.Context, rec *interfaces.VaultRecord, cas int64) (int64, error) {
	content, err := encodeRecord(rec, 0)
	if err != nil {
		return 0, err
	}
	path := b.secretPath("data", rec.Vault.ID)

	resp, err := b.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"options": map[string]interface{}{"cas": cas},
		"data":    map[string]interface{}{"record": string(content)},
	})
	if err != nil {
		if isCASMismatch(err) {
			return 0, fmt.Errorf("%w: vault %s moved past version %d", interfaces.ErrConcurrencyConflict, rec.Vault.ID, cas)
		}
		b.log.Error("Failed to write to Vault", slog.String("path", path), "err", err)
		return 0, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if resp == nil || resp.Data == nil {
		return 0, fmt.Errorf("empty response from Vault write")
	}
	return parseVersion(resp.Data["version"])
}

func (b *VaultKVStore) secretPath(kind, vaultID string) string {
	p := b.mountPath + "/" + kind
	if b.dataPath != "" {
		p += "/" + b.dataPath
	}
	p += "/vaults"
	if vaultID != "" {
		p += "/" + vaultID
	}
	return p
}

func isCASMismatch(err error) bool {
	var respErr *api.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusBadRequest {
		return false
	}
	for _, e := range respErr.Errors {
		if strings.Contains(e, "check-and-set") {
			return true
		}
	}
	return false
}

func parseVersion(v interface{}) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected version %v in Vault response", v)
	}
}
