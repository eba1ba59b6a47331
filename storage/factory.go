package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// StoreFactory creates vault stores from URI strings.
type StoreFactory struct {
	log *slog.Logger
}

func NewStoreFactory(logger *slog.Logger) *StoreFactory {
	return &StoreFactory{log: logger}
}

// StoreFor creates a vault store from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - memory:// - In-process store, lost on restart
//   - file:// - Local filesystem with flock-based locking
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - HashiCorp Vault KV v2 with check-and-set
//   - postgres:// - PostgreSQL
func (sf *StoreFactory) StoreFor(ctx context.Context, locationURI string) (interfaces.VaultStore, error) {
	loc, err := interfaces.NewStoreLocation(locationURI)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(loc.Scheme) {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return sf.createFileStore(loc)
	case "s3":
		return sf.createS3Store(loc)
	case "vault":
		return sf.createVaultStore(loc)
	case "postgres", "postgresql":
		sf.log.Debug("Creating postgres store", slog.String("uri", loc.URL.Redacted()))
		return OpenPostgresStore(ctx, loc.Raw, sf.log)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiStore creates a store for primaryURI mirrored to mirrorURIs.
// Mirrors that cannot be created are skipped with a warning.
func (sf *StoreFactory) CreateMultiStore(ctx context.Context, primaryURI string, mirrorURIs []string) (interfaces.VaultStore, error) {
	primary, err := sf.StoreFor(ctx, primaryURI)
	if err != nil {
		return nil, err
	}
	if len(mirrorURIs) == 0 {
		return primary, nil
	}

	mirrors := make([]interfaces.VaultStore, 0, len(mirrorURIs))
	for _, uri := range mirrorURIs {
		mirror, err := sf.StoreFor(ctx, uri)
		if err != nil {
			sf.log.Warn("Failed to create mirror store",
				"err", err,
				slog.String("locationURI", uri))
			continue
		}
		mirrors = append(mirrors, mirror)
	}
	return NewMultiStore(primary, mirrors, sf.log), nil
}

// createFileStore creates a file system store.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *StoreFactory) createFileStore(loc interfaces.StoreLocation) (interfaces.VaultStore, error) {
	sf.log.Debug("Creating file store", slog.String("uri", loc.Raw))

	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, loc.Raw)
	}
	return NewFileStore(path, sf.log)
}

// createS3Store creates an S3 or S3-compatible store.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
func (sf *StoreFactory) createS3Store(loc interfaces.StoreLocation) (interfaces.VaultStore, error) {
	sf.log.Debug("Creating S3 store", slog.String("uri", loc.URL.Redacted()))

	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket in S3 URI", interfaces.ErrInvalidLocationURI)
	}

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if loc.URL.User != nil {
		accessKey = loc.URL.User.Username()
		secretKey, _ = loc.URL.User.Password()
	}

	return NewS3Store(loc.Host, strings.TrimPrefix(loc.Path, "/"), region, loc.GetParam("endpoint"), accessKey, secretKey, sf.log)
}

// createVaultStore creates a HashiCorp Vault KV v2 store.
// URI format: vault://vault.example.com:8200/mount/path?tls=true
// The token is read from the "token" parameter or VAULT_TOKEN.
func (sf *StoreFactory) createVaultStore(loc interfaces.StoreLocation) (interfaces.VaultStore, error) {
	sf.log.Debug("Creating Vault store", slog.String("host", loc.Host))

	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	if loc.Host == "" || parts[0] == "" {
		return nil, fmt.Errorf("%w: expected vault://host:port/mount[/path]", interfaces.ErrInvalidLocationURI)
	}
	mountPath := parts[0]
	dataPath := ""
	if len(parts) == 2 {
		dataPath = parts[1]
	}

	scheme := "https"
	if loc.GetParam("tls") == "false" {
		scheme = "http"
	}

	token := loc.GetParam("token")
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}

	return NewVaultKVStore(scheme+"://"+loc.Host, mountPath, dataPath, token, sf.log)
}
