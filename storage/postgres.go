package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the postgres driver

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

const (
	maxOpenConns    = 25
	maxIdleConns    = 25
	connMaxLifetime = 5 * time.Minute
	connMaxIdleTime = 5 * time.Minute
)

const schema = `CREATE TABLE IF NOT EXISTS vault_records (
	vault_id   TEXT PRIMARY KEY,
	version    BIGINT NOT NULL,
	status     TEXT NOT NULL,
	record     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// PostgresStore implements a vault store on PostgreSQL. Save is a
// conditional UPDATE on the version column, which gives exact optimistic
// concurrency across processes.
type PostgresStore struct {
	db          *sqlx.DB
	log         *slog.Logger
	locationURI string
}

type recordRow struct {
	Version int64  `db:"version"`
	Record  []byte `db:"record"`
}

// OpenPostgresStore connects to dsn, configures the pool and creates the
// schema if needed.
func OpenPostgresStore(ctx context.Context, dsn string, log *slog.Logger) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	store := NewPostgresStore(db, redactDSN(dsn), log)
	if err := store.EnsureSchema(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Warn("Failed to close postgres connection", "err", closeErr)
		}
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sqlx.DB, locationURI string, log *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log, locationURI: locationURI}
}

// EnsureSchema creates the vault_records table.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, rec *interfaces.VaultRecord) error {
	if err := validateVaultID(rec.Vault.ID); err != nil {
		return err
	}
	data, err := encodeRecord(rec, 1)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO vault_records (vault_id, version, status, record, updated_at) VALUES ($1, 1, $2, $3, $4) ON CONFLICT (vault_id) DO NOTHING`,
		rec.Vault.ID, rec.Vault.Status.String(), data, rec.Vault.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", interfaces.ErrVaultExists, rec.Vault.ID)
	}
	rec.Version = 1
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, vaultID string) (*interfaces.VaultRecord, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, `SELECT version, record FROM vault_records WHERE vault_id = $1`, vaultID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrVaultNotFound, vaultID)
	}
	if err != nil {
		s.log.Error("Failed to load vault record", slog.String("vault_id", vaultID), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	rec, err := decodeRecord(row.Record)
	if err != nil {
		return nil, err
	}
	rec.Version = row.Version
	return rec, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec *interfaces.VaultRecord) error {
	data, err := encodeRecord(rec, rec.Version+1)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE vault_records SET version = version + 1, status = $1, record = $2, updated_at = $3 WHERE vault_id = $4 AND version = $5`,
		rec.Vault.Status.String(), data, rec.Vault.UpdatedAt, rec.Vault.ID, rec.Version)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: vault %s is no longer at version %d", interfaces.ErrConcurrencyConflict, rec.Vault.ID, rec.Version)
	}
	rec.Version++
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT vault_id FROM vault_records ORDER BY vault_id`); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return ids, nil
}

func (s *PostgresStore) Available(ctx context.Context) bool {
	if err := s.db.PingContext(ctx); err != nil {
		s.log.Debug("Postgres store unavailable", "err", err)
		return false
	}
	return true
}

func (s *PostgresStore) Name() string {
	return "postgres"
}

func (s *PostgresStore) LocationURI() string {
	return s.locationURI
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "postgres://"
	}
	return u.Redacted()
}
