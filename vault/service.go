// Package vault is the orchestrator of the recovery vault. It owns the vault
// state machine and sequences the check-in tracker, the guardian registry,
// the recovery engine and the fragment store over a single persisted record
// per vault.
//
// Every command runs as one mutation: the record is loaded under a per-vault
// lock, changed in memory, and written back with a compare-and-set on its
// version. Notifications are emitted only after the write succeeds.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ruteri/guardian-recovery-vault/fragments"
	"github.com/ruteri/guardian-recovery-vault/guardians"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
	"github.com/ruteri/guardian-recovery-vault/metrics"
	"github.com/ruteri/guardian-recovery-vault/recovery"
)

type Config struct {
	Policy        recovery.Policy
	InvitationTTL time.Duration

	// MaxProofAge rejects liveness proofs older than this.
	MaxProofAge time.Duration
	// MaxClockSkew rejects liveness proofs dated further in the future.
	MaxClockSkew time.Duration

	// MaxRequestHistory caps the closed requests kept on a record.
	MaxRequestHistory int

	// EvaluateConcurrency bounds the vaults evaluated in parallel by EvaluateAll.
	EvaluateConcurrency int

	// MaxConflictRetries bounds internal retries on ErrConcurrencyConflict.
	MaxConflictRetries uint64
	// ConflictBackoff is the initial retry interval.
	ConflictBackoff time.Duration

	Clock   interfaces.Clock
	Metrics *metrics.Metrics
}

func DefaultConfig() Config {
	return Config{
		Policy:              recovery.DefaultPolicy(),
		InvitationTTL:       guardians.DefaultInvitationTTL,
		MaxProofAge:         10 * time.Minute,
		MaxClockSkew:        time.Minute,
		MaxRequestHistory:   20,
		EvaluateConcurrency: 8,
		MaxConflictRetries:  5,
		ConflictBackoff:     10 * time.Millisecond,
	}
}

type Service struct {
	cfg         Config
	store       interfaces.VaultStore
	notifier    interfaces.Notifier
	distributor interfaces.Distributor
	log         *slog.Logger
	metrics     *metrics.Metrics
	clock       interfaces.Clock

	engine    *recovery.Engine
	registry  *guardians.Registry
	collector *fragments.Collector
	locks     *keyedMutex
}

func NewService(store interfaces.VaultStore, notifier interfaces.Notifier, distributor interfaces.Distributor, cfg Config, log *slog.Logger) (*Service, error) {
	if store == nil || notifier == nil || distributor == nil {
		return nil, errors.New("vault service requires a store, a notifier and a distributor")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		cfg:         cfg,
		store:       store,
		notifier:    notifier,
		distributor: distributor,
		log:         log,
		metrics:     cfg.Metrics,
		clock:       clock,
		engine:      recovery.NewEngine(cfg.Policy),
		registry:    guardians.NewRegistry(cfg.InvitationTTL),
		collector:   fragments.NewCollector(),
		locks:       newKeyedMutex(),
	}, nil
}

// Policy returns the recovery policy in effect.
func (s *Service) Policy() recovery.Policy {
	return s.cfg.Policy
}

// mutation is the in-memory working copy of one command.
type mutation struct {
	rec         *interfaces.VaultRecord
	now         time.Time
	events      []interfaces.Event
	transitions [][2]string
}

func (m *mutation) emit(ev interfaces.Event) {
	ev.VaultID = m.rec.Vault.ID
	ev.OccurredAt = m.now
	m.events = append(m.events, ev)
}

func (m *mutation) setStatus(to interfaces.VaultStatus) {
	from := m.rec.Vault.Status
	if from == to {
		return
	}
	m.transitions = append(m.transitions, [2]string{from.String(), to.String()})
	m.rec.Vault.Status = to
}

// mutate runs fn against the current record of vaultID and persists the
// result. fn may run more than once when the store reports a conflict.
func (s *Service) mutate(ctx context.Context, vaultID string, fn func(m *mutation) error) (*interfaces.VaultRecord, error) {
	unlock := s.locks.Lock(vaultID)
	defer unlock()
	return s.mutateLocked(ctx, vaultID, fn)
}

func (s *Service) mutateLocked(ctx context.Context, vaultID string, fn func(m *mutation) error) (*interfaces.VaultRecord, error) {
	var committed *mutation

	operation := func() error {
		rec, err := s.store.Load(ctx, vaultID)
		if err != nil {
			return backoff.Permanent(err)
		}
		before, err := json.Marshal(rec)
		if err != nil {
			return backoff.Permanent(err)
		}

		m := &mutation{rec: rec, now: s.clock()}
		if err := fn(m); err != nil {
			return backoff.Permanent(err)
		}

		after, err := json.Marshal(rec)
		if err != nil {
			return backoff.Permanent(err)
		}
		if bytes.Equal(before, after) {
			committed = m
			return nil
		}

		rec.Vault.UpdatedAt = m.now
		if err := s.store.Save(ctx, rec); err != nil {
			if errors.Is(err, interfaces.ErrConcurrencyConflict) {
				s.metrics.ConflictRetry()
				s.log.Debug("Vault record changed concurrently, retrying", "vaultID", vaultID, "err", err)
				return err
			}
			return backoff.Permanent(err)
		}
		committed = m
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.ConflictBackoff
	policy.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, s.cfg.MaxConflictRetries), ctx)); err != nil {
		return nil, err
	}

	for _, t := range committed.transitions {
		s.metrics.Transition(t[0], t[1])
		s.log.Info("Vault status changed", "vaultID", vaultID, "from", t[0], "to", t[1])
	}
	for _, ev := range committed.events {
		s.metrics.Event(string(ev.Type))
		s.notifier.Notify(ctx, ev)
	}
	return committed.rec, nil
}

// load reads a record without locking. Used by queries only.
func (s *Service) load(ctx context.Context, vaultID string) (*interfaces.VaultRecord, error) {
	return s.store.Load(ctx, vaultID)
}

func requireNotTerminal(rec *interfaces.VaultRecord) error {
	if rec.Vault.Status.Terminal() {
		return fmt.Errorf("%w: vault %s", interfaces.ErrVaultTerminal, rec.Vault.ID)
	}
	return nil
}

func ownerRecipients(rec *interfaces.VaultRecord) []string {
	return []string{rec.Vault.OwnerAddress}
}

func guardianRecipients(rec *interfaces.VaultRecord) []string {
	res := []string{}
	for _, g := range rec.Guardians {
		if g.IsActive() {
			res = append(res, g.Contact)
		}
	}
	return res
}

func beneficiaryRecipients(rec *interfaces.VaultRecord) []string {
	res := []string{}
	for _, b := range rec.Beneficiaries {
		res = append(res, b.Contact)
	}
	return res
}

func allRecipients(rec *interfaces.VaultRecord) []string {
	return append(ownerRecipients(rec), guardianRecipients(rec)...)
}
