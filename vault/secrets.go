package vault

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ruteri/guardian-recovery-vault/fragments"
	"github.com/ruteri/guardian-recovery-vault/guardians"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// Release reports the outcome of a successful reconstruction.
type Release struct {
	Vault                interfaces.Vault `json:"vault"`
	ClaimedBeneficiaries []string         `json:"claimed_beneficiaries"`
}

// SubmitResult reports the progress of asynchronous fragment collection.
type SubmitResult struct {
	Collected     int      `json:"collected"`
	Required      int      `json:"required"`
	Reconstructed bool     `json:"reconstructed"`
	Release       *Release `json:"release,omitempty"`
}

// CreateFragments issues the fragment set once every guardian has
// accepted. It returns the existing set when that is still current.
func (s *Service) CreateFragments(ctx context.Context, vaultID, owner string) (*interfaces.FragmentSet, error) {
	rec, err := s.mutate(ctx, vaultID, func(m *mutation) error {
		rec := m.rec
		if err := requireOwner(rec, owner); err != nil {
			return err
		}
		if err := requireNotTerminal(rec); err != nil {
			return err
		}
		active := interfaces.ActiveGuardians(rec.Guardians)
		if len(active) != rec.Vault.TotalGuardians {
			return fmt.Errorf("%w: %d active, %d expected", interfaces.ErrGuardianCountMismatch, len(active), rec.Vault.TotalGuardians)
		}
		if fragmentsCurrent(rec, active) {
			return nil
		}
		if err := requireNoRecovery(rec); err != nil {
			return err
		}
		return s.issueFragments(m, active)
	})
	if err != nil {
		return nil, err
	}
	return rec.Fragments, nil
}

// RotateSecret replaces the vault secret and every fragment with a new
// generation. Forbidden while a recovery is in flight.
func (s *Service) RotateSecret(ctx context.Context, vaultID, owner string) (*interfaces.FragmentSet, error) {
	rec, err := s.mutate(ctx, vaultID, func(m *mutation) error {
		rec := m.rec
		if err := requireOwner(rec, owner); err != nil {
			return err
		}
		if err := requireNotTerminal(rec); err != nil {
			return err
		}
		if err := requireNoRecovery(rec); err != nil {
			return err
		}
		active := interfaces.ActiveGuardians(rec.Guardians)
		if len(active) != rec.Vault.TotalGuardians {
			return fmt.Errorf("%w: %d active, %d expected", interfaces.ErrGuardianCountMismatch, len(active), rec.Vault.TotalGuardians)
		}
		return s.issueFragments(m, active)
	})
	if err != nil {
		return nil, err
	}
	return rec.Fragments, nil
}

// GetFragment returns the encrypted fragment held by an active guardian.
func (s *Service) GetFragment(ctx context.Context, vaultID, guardianID string) (*interfaces.Fragment, error) {
	rec, err := s.load(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	return guardianFragment(rec, guardianID, "")
}

// VerifyFragment checks a decrypted share against its verification tag
// without reconstructing. A match is recorded on the fragment.
func (s *Service) VerifyFragment(ctx context.Context, vaultID, guardianID, fragmentID string, candidate []byte) (bool, error) {
	var valid bool
	_, err := s.mutate(ctx, vaultID, func(m *mutation) error {
		f, err := guardianFragment(m.rec, guardianID, fragmentID)
		if err != nil {
			return err
		}
		valid = fragments.Verify(f, candidate)
		if valid && !f.Verified {
			now := m.now
			f.Verified = true
			f.VerifiedAt = &now
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return valid, nil
}

// SubmitFragment collects a guardian's decrypted share for a completed
// recovery. Shares are held in memory only; as soon as the threshold is
// reached the secret is reconstructed and released.
func (s *Service) SubmitFragment(ctx context.Context, vaultID, guardianID, fragmentID string, share []byte) (*SubmitResult, error) {
	unlock := s.locks.Lock(vaultID)
	defer unlock()

	var generation, threshold int
	_, err := s.mutateLocked(ctx, vaultID, func(m *mutation) error {
		rec := m.rec
		if err := requireNotTerminal(rec); err != nil {
			return err
		}
		s.advance(m)
		if err := requireCompleted(rec); err != nil {
			return err
		}
		f, err := guardianFragment(rec, guardianID, fragmentID)
		if err != nil {
			return err
		}
		if !fragments.Verify(f, share) {
			return fmt.Errorf("%w: share does not match fragment %s", interfaces.ErrReconstructionMismatch, f.ID)
		}
		if !f.Verified {
			now := m.now
			f.Verified = true
			f.VerifiedAt = &now
		}
		generation, threshold = rec.Fragments.Generation, rec.Fragments.Threshold
		return nil
	})
	if err != nil {
		return nil, err
	}

	collected := s.collector.Add(vaultID, generation, fragments.Share{
		FragmentID: fragmentID,
		GuardianID: guardianID,
		Data:       share,
	})
	result := &SubmitResult{Collected: collected, Required: threshold}
	if collected < threshold {
		return result, nil
	}

	shares := s.collector.Snapshot(vaultID, generation)
	defer fragments.WipeShares(shares)

	release, err := s.reconstructLocked(ctx, vaultID, shares)
	if err != nil {
		return result, err
	}
	s.collector.Reset(vaultID)
	result.Reconstructed = true
	result.Release = release
	return result, nil
}

// Reconstruct combines shares of a completed recovery and hands the secret
// to the distributor. It may be repeated while the vault is ready for
// claim; each run yields the same secret.
func (s *Service) Reconstruct(ctx context.Context, vaultID string, shares []fragments.Share) (*Release, error) {
	unlock := s.locks.Lock(vaultID)
	defer unlock()
	return s.reconstructLocked(ctx, vaultID, shares)
}

func (s *Service) reconstructLocked(ctx context.Context, vaultID string, shares []fragments.Share) (*Release, error) {
	var (
		secret        []byte
		vault         interfaces.Vault
		beneficiaries []interfaces.Beneficiary
	)
	defer func() { fragments.Wipe(secret) }()

	_, err := s.mutateLocked(ctx, vaultID, func(m *mutation) error {
		fragments.Wipe(secret)
		secret = nil

		rec := m.rec
		if err := requireNotTerminal(rec); err != nil {
			return err
		}
		s.advance(m)
		if err := requireCompleted(rec); err != nil {
			return err
		}
		if rec.Vault.Status != interfaces.VaultReadyForClaim {
			return fmt.Errorf("%w: distribution preconditions not met: %v", interfaces.ErrInvalidArgument, interfaces.DistributionReady(rec.Beneficiaries))
		}

		out, err := fragments.Reconstruct(rec.Fragments, shares)
		if err != nil {
			return err
		}
		secret = out

		now := m.now
		rec.ReconstructedAt = &now
		m.emit(interfaces.Event{
			Type:       interfaces.EventReconstructed,
			RequestID:  requestID(rec),
			Recipients: ownerRecipients(rec),
			Attributes: map[string]string{"generation": strconv.Itoa(rec.Fragments.Generation)},
		})
		vault = rec.Vault
		beneficiaries = append([]interfaces.Beneficiary(nil), rec.Beneficiaries...)
		return nil
	})
	if err != nil {
		s.metrics.Reconstruction(reconstructionResult(err))
		return nil, err
	}
	s.metrics.Reconstruction("ok")

	distributed, err := s.distributor.Distribute(ctx, vault, beneficiaries, secret)
	if err != nil {
		s.log.Error("Distribution failed", "vaultID", vaultID, "err", err)
		return nil, fmt.Errorf("distribution failed: %w", err)
	}

	release := &Release{Vault: vault, ClaimedBeneficiaries: []string{}}
	if vault.DistributionMethod != interfaces.DistributionAutomatic || len(distributed.ClaimedBeneficiaries) == 0 {
		return release, nil
	}

	rec, err := s.mutateLocked(ctx, vaultID, func(m *mutation) error {
		for _, id := range distributed.ClaimedBeneficiaries {
			if b, ok := m.rec.Beneficiary(id); ok && b.ClaimStatus != interfaces.ClaimClaimed {
				markClaimed(b, m.now)
			}
		}
		s.advance(m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	release.Vault = rec.Vault
	release.ClaimedBeneficiaries = distributed.ClaimedBeneficiaries
	return release, nil
}

func reconstructionResult(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrInsufficientFragments):
		return "insufficient"
	case errors.Is(err, interfaces.ErrReconstructionMismatch):
		return "mismatch"
	default:
		return "rejected"
	}
}

// reconcileFragments brings the fragment set in line with the active
// guardians after a membership or quorum change.
func (s *Service) reconcileFragments(m *mutation) error {
	rec := m.rec
	active := interfaces.ActiveGuardians(rec.Guardians)
	if fragmentsCurrent(rec, active) {
		return nil
	}
	if len(active) != rec.Vault.TotalGuardians || len(active) < rec.Vault.Threshold {
		if rec.Fragments != nil {
			rec.FragmentsStale = true
		}
		return nil
	}
	if requestInFlight(rec) {
		rec.FragmentsStale = true
		return nil
	}
	return s.issueFragments(m, active)
}

func (s *Service) issueFragments(m *mutation, active []interfaces.Guardian) error {
	rec := m.rec
	generation := 1
	if rec.Fragments != nil {
		generation = rec.Fragments.Generation + 1
	}

	holders := make([]fragments.Holder, 0, len(active))
	for _, g := range active {
		holders = append(holders, fragments.Holder{GuardianID: g.ID, PublicKey: g.PublicKey})
	}

	set, err := fragments.Generate(rec.Vault.ID, generation, rec.Vault.Threshold, holders, m.now)
	if err != nil {
		return err
	}
	rec.Fragments = set
	rec.FragmentsStale = false
	rec.ReconstructedAt = nil
	s.collector.Reset(rec.Vault.ID)

	m.emit(interfaces.Event{
		Type:       interfaces.EventFragmentsIssued,
		Recipients: guardianRecipients(rec),
		Attributes: map[string]string{
			"generation": strconv.Itoa(generation),
			"threshold":  strconv.Itoa(set.Threshold),
			"total":      strconv.Itoa(set.Total),
		},
	})
	return nil
}

// fragmentsCurrent reports whether the set is fresh, matches the vault
// threshold and is held by exactly the active guardians.
func fragmentsCurrent(rec *interfaces.VaultRecord, active []interfaces.Guardian) bool {
	set := rec.Fragments
	if set == nil || rec.FragmentsStale || set.Threshold != rec.Vault.Threshold || len(set.Fragments) != len(active) {
		return false
	}
	for _, g := range active {
		if _, ok := set.FragmentFor(g.ID); !ok {
			return false
		}
	}
	return true
}

func guardianFragment(rec *interfaces.VaultRecord, guardianID, fragmentID string) (*interfaces.Fragment, error) {
	if !guardians.IsActive(rec, guardianID) {
		return nil, fmt.Errorf("%w: guardian %s", interfaces.ErrGuardianNotEligible, guardianID)
	}
	f, ok := rec.Fragments.FragmentFor(guardianID)
	if !ok {
		return nil, fmt.Errorf("%w: no fragment for guardian %s", interfaces.ErrNotFound, guardianID)
	}
	if fragmentID != "" && f.ID != fragmentID {
		return nil, fmt.Errorf("%w: fragment %s is not held by guardian %s", interfaces.ErrGuardianNotEligible, fragmentID, guardianID)
	}
	return f, nil
}

func requireNoRecovery(rec *interfaces.VaultRecord) error {
	if rec.Request == nil {
		return nil
	}
	switch rec.Request.Status {
	case interfaces.RequestPending, interfaces.RequestApproved:
		return fmt.Errorf("%w: request %s is %s", interfaces.ErrRequestAlreadyOpen, rec.Request.ID, rec.Request.Status)
	case interfaces.RequestCompleted:
		return fmt.Errorf("%w: recovery %s has completed", interfaces.ErrRecoveryLocked, rec.Request.ID)
	case interfaces.RequestDisputed, interfaces.RequestExpired, interfaces.RequestCancelled:
		return nil
	default:
		panic(fmt.Sprintf("unhandled request status %d", int(rec.Request.Status)))
	}
}

func requireCompleted(rec *interfaces.VaultRecord) error {
	req := rec.Request
	if req == nil {
		return fmt.Errorf("%w: no recovery request", interfaces.ErrQuorumNotReached)
	}
	switch req.Status {
	case interfaces.RequestCompleted:
		return nil
	case interfaces.RequestPending:
		return fmt.Errorf("%w: %d of %d approvals", interfaces.ErrQuorumNotReached, req.CurrentApprovals, req.RequiredApprovals)
	case interfaces.RequestApproved:
		return fmt.Errorf("%w: request %s has not been executed", interfaces.ErrTimeLockActive, req.ID)
	case interfaces.RequestDisputed, interfaces.RequestExpired, interfaces.RequestCancelled:
		return fmt.Errorf("%w: request is %s", interfaces.ErrRequestTerminal, req.Status)
	default:
		panic(fmt.Sprintf("unhandled request status %d", int(req.Status)))
	}
}
