package vault

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/ruteri/guardian-recovery-vault/checkin"
	"github.com/ruteri/guardian-recovery-vault/cryptoutils"
	"github.com/ruteri/guardian-recovery-vault/guardians"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
	"github.com/ruteri/guardian-recovery-vault/recovery"
)

// CreateVault registers a new vault for owner. The vault starts active with
// its check-in clock at the current time.
func (s *Service) CreateVault(ctx context.Context, owner string, params interfaces.VaultParams) (*interfaces.VaultRecord, error) {
	ownerAddress, err := cryptoutils.NormalizeAddress(owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidArgument, err)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	now := s.clock()
	rec := &interfaces.VaultRecord{
		Vault: interfaces.Vault{
			ID:                  uuid.NewString(),
			OwnerAddress:        ownerAddress,
			CheckInIntervalDays: params.CheckInIntervalDays,
			GracePeriodDays:     params.GracePeriodDays,
			Status:              interfaces.VaultActive,
			Threshold:           params.Threshold,
			TotalGuardians:      params.TotalGuardians,
			DistributionMethod:  params.DistributionMethod,
			CreatedAt:           now,
			UpdatedAt:           now,
		},
		Guardians:     []interfaces.Guardian{},
		Beneficiaries: []interfaces.Beneficiary{},
	}
	rec.Vault.RecordCheckIn(now)

	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	s.log.Info("Vault created", "vaultID", rec.Vault.ID, "threshold", params.Threshold, "totalGuardians", params.TotalGuardians)
	return rec, nil
}

// Get returns the public view of a vault.
func (s *Service) Get(ctx context.Context, vaultID string) (*interfaces.VaultRecord, error) {
	rec, err := s.load(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	return Redact(rec), nil
}

// Redact strips invitation token material and encrypted fragment payloads.
// rec must be a private copy; it is modified in place.
func Redact(rec *interfaces.VaultRecord) *interfaces.VaultRecord {
	for i := range rec.Guardians {
		rec.Guardians[i].TokenHash = nil
		rec.Guardians[i].TokenSalt = nil
	}
	if rec.Fragments != nil {
		for i := range rec.Fragments.Fragments {
			rec.Fragments.Fragments[i].EncryptedPayload = nil
			rec.Fragments.Fragments[i].VerificationTag = nil
		}
	}
	return rec
}

// CheckIn records an owner liveness proof. While triggered it cancels the
// recovery request as long as the dispute window has not elapsed; after
// that the owner must use CancelVault.
func (s *Service) CheckIn(ctx context.Context, vaultID string, proof cryptoutils.LivenessProof) (*interfaces.VaultRecord, error) {
	return s.mutate(ctx, vaultID, func(m *mutation) error {
		rec, v := m.rec, &m.rec.Vault
		if err := requireNotTerminal(rec); err != nil {
			return err
		}
		if err := s.verifyProof(v, cryptoutils.ActionCheckIn, proof, m.now); err != nil {
			return err
		}

		switch v.Status {
		case interfaces.VaultActive, interfaces.VaultWarning, interfaces.VaultCancelled:
			s.closeRequest(m, recovery.ReasonCheckIn)
		case interfaces.VaultTriggered:
			if rec.Request != nil && !recovery.CheckInAllowed(rec.Request, m.now) {
				return fmt.Errorf("%w: request %s", interfaces.ErrRecoveryLocked, rec.Request.ID)
			}
			s.closeRequest(m, recovery.ReasonCheckIn)
		case interfaces.VaultDeathVerified, interfaces.VaultReadyForClaim:
			return fmt.Errorf("%w: vault is %s", interfaces.ErrRecoveryLocked, v.Status)
		case interfaces.VaultClaimed:
			return interfaces.ErrVaultTerminal
		default:
			panic(fmt.Sprintf("unhandled vault status %d", int(v.Status)))
		}

		v.LastProofAt = proof.Time()
		v.RecordCheckIn(m.now)
		m.setStatus(interfaces.VaultActive)
		m.emit(interfaces.Event{
			Type:       interfaces.EventCheckedIn,
			Recipients: ownerRecipients(rec),
			Attributes: map[string]string{"next_check_in_due_at": v.NextCheckInDueAt.Format(time.RFC3339)},
		})
		s.advance(m)
		return nil
	})
}

// CancelVault is the owner's override in any non-terminal state, including
// after a recovery has completed. The current request is closed as
// cancelled and the vault returns to active with a fresh check-in.
func (s *Service) CancelVault(ctx context.Context, vaultID string, proof cryptoutils.LivenessProof) (*interfaces.VaultRecord, error) {
	return s.mutate(ctx, vaultID, func(m *mutation) error {
		rec, v := m.rec, &m.rec.Vault
		if err := requireNotTerminal(rec); err != nil {
			return err
		}
		if err := s.verifyProof(v, cryptoutils.ActionCancel, proof, m.now); err != nil {
			return err
		}

		if req := rec.Request; req != nil && req.Status == interfaces.RequestCompleted {
			req.Status = interfaces.RequestCancelled
			req.CloseReason = recovery.ReasonCancelled
			req.ClosedAt = m.now
		}
		s.closeRequest(m, recovery.ReasonCancelled)

		// A released secret must not protect the vault any longer.
		if rec.ReconstructedAt != nil {
			rec.ReconstructedAt = nil
			if rec.Fragments != nil {
				rec.FragmentsStale = true
			}
		}
		s.collector.Reset(v.ID)

		m.setStatus(interfaces.VaultCancelled)
		m.emit(interfaces.Event{Type: interfaces.EventVaultCancelled, Recipients: allRecipients(rec)})

		v.LastProofAt = proof.Time()
		v.RecordCheckIn(m.now)
		m.setStatus(interfaces.VaultActive)
		s.advance(m)
		return nil
	})
}

// closeRequest cancels an open request and moves any closed one to history.
func (s *Service) closeRequest(m *mutation, reason string) {
	rec := m.rec
	if rec.Request == nil {
		return
	}
	if recovery.Cancel(rec.Request, reason, m.now) {
		m.emit(interfaces.Event{
			Type:       interfaces.EventRequestCancelled,
			RequestID:  rec.Request.ID,
			Recipients: allRecipients(rec),
			Attributes: map[string]string{"reason": reason},
		})
	}
	rec.ArchiveRequest(s.cfg.MaxRequestHistory)
}

func (s *Service) verifyProof(v *interfaces.Vault, action string, proof cryptoutils.LivenessProof, now time.Time) error {
	at := proof.Time()
	if now.Sub(at) > s.cfg.MaxProofAge {
		return fmt.Errorf("%w: proof is older than %s", interfaces.ErrInvalidProof, s.cfg.MaxProofAge)
	}
	if at.Sub(now) > s.cfg.MaxClockSkew {
		return fmt.Errorf("%w: proof is dated in the future", interfaces.ErrInvalidProof)
	}
	if !at.After(v.LastProofAt) {
		return fmt.Errorf("%w: proof is not newer than the last accepted proof", interfaces.ErrInvalidProof)
	}
	msg := cryptoutils.LivenessMessage(action, v.ID, proof.Timestamp)
	if err := cryptoutils.VerifyPersonalSignature(v.OwnerAddress, msg, proof.Signature); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrInvalidProof, err)
	}
	return nil
}

// Evaluate applies the passage of time to a vault. It is idempotent: a
// second call at the same instant changes nothing.
func (s *Service) Evaluate(ctx context.Context, vaultID string) (*interfaces.VaultRecord, error) {
	return s.mutate(ctx, vaultID, func(m *mutation) error {
		s.advance(m)
		return nil
	})
}

type EvaluateSummary struct {
	Evaluated int
	Failed    int
}

// EvaluateAll evaluates every stored vault, up to EvaluateConcurrency at a
// time. Failures are logged and counted without stopping the pass.
func (s *Service) EvaluateAll(ctx context.Context) (EvaluateSummary, error) {
	start := time.Now()
	defer func() { s.metrics.EvaluationPass(time.Since(start)) }()

	ids, err := s.store.List(ctx)
	if err != nil {
		return EvaluateSummary{}, err
	}

	var evaluated, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.EvaluateConcurrency, 1))
	for _, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := s.Evaluate(gctx, id); err != nil {
				failed.Inc()
				s.metrics.Evaluation("error")
				s.log.Error("Vault evaluation failed", "vaultID", id, "err", err)
				return nil
			}
			evaluated.Inc()
			s.metrics.Evaluation("ok")
			return nil
		})
	}
	err = g.Wait()

	summary := EvaluateSummary{Evaluated: int(evaluated.Load()), Failed: int(failed.Load())}
	if err != nil {
		return summary, err
	}
	return summary, ctx.Err()
}

// advance runs every time-driven transition that is due at m.now.
func (s *Service) advance(m *mutation) {
	rec, v := m.rec, &m.rec.Vault

	switch v.Status {
	case interfaces.VaultClaimed:
		return
	case interfaces.VaultCancelled:
		m.setStatus(interfaces.VaultActive)
	case interfaces.VaultActive, interfaces.VaultWarning, interfaces.VaultTriggered,
		interfaces.VaultDeathVerified, interfaces.VaultReadyForClaim:
	default:
		panic(fmt.Sprintf("unhandled vault status %d", int(v.Status)))
	}

	if req := rec.Request; req != nil {
		if s.engine.ExecutionDue(req, m.now) {
			if _, err := s.engine.Execute(req, m.now); err == nil {
				m.emit(interfaces.Event{Type: interfaces.EventCompleted, RequestID: req.ID, Recipients: allRecipients(rec)})
			}
		}
		if s.engine.Sweep(req, m.now) {
			m.emit(interfaces.Event{Type: interfaces.EventExpired, RequestID: req.ID, Recipients: allRecipients(rec)})
		}
	}

	if v.Status == interfaces.VaultActive || v.Status == interfaces.VaultWarning {
		res := checkin.ForVault(v, m.now)
		if res.State != checkin.StateOK && v.Status == interfaces.VaultActive {
			m.setStatus(interfaces.VaultWarning)
			m.emit(interfaces.Event{
				Type:       interfaces.EventWarningRaised,
				Recipients: ownerRecipients(rec),
				Attributes: map[string]string{"trigger_at": res.TriggerAt.Format(time.RFC3339)},
			})
		}
		if res.State == checkin.StateTriggered {
			m.setStatus(interfaces.VaultTriggered)
			m.emit(interfaces.Event{Type: interfaces.EventTriggered, Recipients: allRecipients(rec)})
		}
	}

	if v.Status == interfaces.VaultTriggered {
		req := rec.Request
		switch {
		case req != nil && req.Status == interfaces.RequestCompleted:
			m.setStatus(interfaces.VaultDeathVerified)
		case req == nil, req.Status == interfaces.RequestCancelled,
			req.Status == interfaces.RequestExpired && s.cfg.Policy.ReopenOnExpiry:
			if _, err := s.openRequest(m); err != nil {
				s.log.Warn("Cannot open recovery request", "vaultID", v.ID, "err", err)
			}
		}
	}

	if v.Status == interfaces.VaultDeathVerified && interfaces.DistributionReady(rec.Beneficiaries) == nil {
		m.setStatus(interfaces.VaultReadyForClaim)
		m.emit(interfaces.Event{
			Type:       interfaces.EventReadyForClaim,
			RequestID:  requestID(rec),
			Recipients: append(ownerRecipients(rec), beneficiaryRecipients(rec)...),
		})
	}

	if v.Status == interfaces.VaultReadyForClaim && interfaces.AllClaimed(rec.Beneficiaries) {
		m.setStatus(interfaces.VaultClaimed)
		m.emit(interfaces.Event{Type: interfaces.EventClaimed, RequestID: requestID(rec), Recipients: beneficiaryRecipients(rec)})
		s.collector.Reset(v.ID)
		return
	}

	if rec.FragmentsStale && !requestInFlight(rec) {
		if err := s.reconcileFragments(m); err != nil {
			s.log.Error("Deferred fragment rotation failed", "vaultID", v.ID, "err", err)
		}
	}
}

// openRequest archives the current closed request and opens a new one for
// the guardians active now.
func (s *Service) openRequest(m *mutation) (*interfaces.RecoveryRequest, error) {
	rec := m.rec
	req, err := s.engine.Open(&rec.Vault, guardians.ActiveIDs(rec), rec.Request, m.now)
	if err != nil {
		return nil, err
	}
	rec.ArchiveRequest(s.cfg.MaxRequestHistory)
	rec.Request = req
	rec.ReconstructedAt = nil
	s.collector.Reset(rec.Vault.ID)

	m.emit(interfaces.Event{
		Type:       interfaces.EventRecoveryOpened,
		RequestID:  req.ID,
		Recipients: allRecipients(rec),
		Attributes: map[string]string{
			"required_approvals": strconv.Itoa(req.RequiredApprovals),
			"expires_at":         req.ExpiresAt.Format(time.RFC3339),
		},
	})
	return req, nil
}

// UpdateQuorum changes threshold and total guardians. Requests already
// opened keep their frozen approval requirement.
func (s *Service) UpdateQuorum(ctx context.Context, vaultID, owner string, threshold, total int) (*interfaces.VaultRecord, error) {
	return s.mutate(ctx, vaultID, func(m *mutation) error {
		rec, v := m.rec, &m.rec.Vault
		if err := requireOwner(rec, owner); err != nil {
			return err
		}
		if err := requireNotTerminal(rec); err != nil {
			return err
		}
		if err := interfaces.ValidateQuorum(threshold, total); err != nil {
			return err
		}
		if active := interfaces.ActiveGuardianCount(rec.Guardians); active > total {
			return fmt.Errorf("%w: %d guardians are active, total %d", interfaces.ErrGuardianCountMismatch, active, total)
		}

		v.Threshold = threshold
		v.TotalGuardians = total
		if err := s.reconcileFragments(m); err != nil {
			return err
		}
		s.advance(m)
		return nil
	})
}

func requireOwner(rec *interfaces.VaultRecord, owner string) error {
	address, err := cryptoutils.NormalizeAddress(owner)
	if err != nil || address != rec.Vault.OwnerAddress {
		return fmt.Errorf("%w: not the owner of vault %s", interfaces.ErrUnauthorized, rec.Vault.ID)
	}
	return nil
}

// VaultOwner returns the owner address of a vault, for request authentication.
func (s *Service) VaultOwner(ctx context.Context, vaultID string) (string, error) {
	rec, err := s.load(ctx, vaultID)
	if err != nil {
		return "", err
	}
	return rec.Vault.OwnerAddress, nil
}

// GuardianPublicKey returns the key an active guardian signs requests with.
func (s *Service) GuardianPublicKey(ctx context.Context, vaultID, guardianID string) ([]byte, error) {
	rec, err := s.load(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	g, ok := rec.Guardian(guardianID)
	if !ok {
		return nil, fmt.Errorf("%w: guardian %s", interfaces.ErrNotFound, guardianID)
	}
	if !g.IsActive() || len(g.PublicKey) == 0 {
		return nil, fmt.Errorf("%w: guardian %s is %s", interfaces.ErrGuardianNotEligible, guardianID, g.Status)
	}
	return g.PublicKey, nil
}

func requestID(rec *interfaces.VaultRecord) string {
	if rec.Request == nil {
		return ""
	}
	return rec.Request.ID
}

// requestInFlight reports whether the current fragment set may still be
// needed by a recovery.
func requestInFlight(rec *interfaces.VaultRecord) bool {
	if rec.Request == nil {
		return false
	}
	switch rec.Request.Status {
	case interfaces.RequestPending, interfaces.RequestApproved:
		return true
	case interfaces.RequestCompleted:
		return !rec.Vault.Status.Terminal()
	case interfaces.RequestDisputed, interfaces.RequestExpired, interfaces.RequestCancelled:
		return false
	default:
		panic(fmt.Sprintf("unhandled request status %d", int(rec.Request.Status)))
	}
}
