package vault

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/guardian-recovery-vault/guardians"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// Invite adds a pending guardian. The one-time token is handed to the
// notifier in the guardianInvited event and returned to library callers;
// it is never persisted in clear.
func (s *Service) Invite(ctx context.Context, vaultID, owner, contact string) (*interfaces.Guardian, guardians.Token, error) {
	var (
		invited interfaces.Guardian
		token   guardians.Token
	)
	_, err := s.mutate(ctx, vaultID, func(m *mutation) error {
		rec := m.rec
		if err := requireOwner(rec, owner); err != nil {
			return err
		}
		if err := requireNotTerminal(rec); err != nil {
			return err
		}

		g, t, err := s.registry.Invite(rec, contact, m.now)
		if err != nil {
			return err
		}
		invited, token = *g, t

		m.emit(interfaces.Event{
			Type:       interfaces.EventGuardianInvited,
			GuardianID: g.ID,
			Recipients: []string{g.Contact},
			Attributes: map[string]string{
				"token":      t.String(),
				"expires_at": g.TokenExpiresAt.Format(time.RFC3339),
			},
		})
		return nil
	})
	if err != nil {
		return nil, guardians.Token{}, err
	}
	return redactGuardian(invited), token, nil
}

// Accept activates the guardian named by token with its public key. When
// the active count reaches TotalGuardians the fragment set is issued, or
// rotation is deferred while a recovery is in flight.
func (s *Service) Accept(ctx context.Context, token string, publicKeyPEM []byte) (*interfaces.Guardian, error) {
	t, err := guardians.ParseToken(token)
	if err != nil {
		return nil, err
	}

	var accepted interfaces.Guardian
	_, err = s.mutate(ctx, t.VaultID, func(m *mutation) error {
		rec := m.rec
		if err := requireNotTerminal(rec); err != nil {
			return err
		}
		g, err := s.registry.Accept(rec, t, publicKeyPEM, m.now)
		if err != nil {
			return err
		}
		accepted = *g

		m.emit(interfaces.Event{Type: interfaces.EventGuardianAccepted, GuardianID: g.ID, Recipients: ownerRecipients(rec)})
		if err := s.reconcileFragments(m); err != nil {
			return err
		}
		s.advance(m)
		return nil
	})
	if err != nil {
		return nil, tokenError(err)
	}
	return redactGuardian(accepted), nil
}

// Decline closes the invitation named by token.
func (s *Service) Decline(ctx context.Context, token, reason string) (*interfaces.Guardian, error) {
	t, err := guardians.ParseToken(token)
	if err != nil {
		return nil, err
	}

	var declined interfaces.Guardian
	_, err = s.mutate(ctx, t.VaultID, func(m *mutation) error {
		g, err := s.registry.Decline(m.rec, t, reason, m.now)
		if err != nil {
			return err
		}
		declined = *g
		m.emit(interfaces.Event{
			Type:       interfaces.EventGuardianDeclined,
			GuardianID: g.ID,
			Recipients: ownerRecipients(m.rec),
			Attributes: map[string]string{"reason": reason},
		})
		return nil
	})
	if err != nil {
		return nil, tokenError(err)
	}
	return redactGuardian(declined), nil
}

// Revoke removes a guardian. Its fragment is marked stale so the next
// rotation leaves it out.
func (s *Service) Revoke(ctx context.Context, vaultID, owner, guardianID string) (*interfaces.Guardian, error) {
	var revoked interfaces.Guardian
	_, err := s.mutate(ctx, vaultID, func(m *mutation) error {
		rec := m.rec
		if err := requireOwner(rec, owner); err != nil {
			return err
		}
		if err := requireNotTerminal(rec); err != nil {
			return err
		}
		g, err := guardians.Revoke(rec, guardianID, m.now)
		if err != nil {
			return err
		}
		revoked = *g

		if _, held := rec.Fragments.FragmentFor(guardianID); held {
			rec.FragmentsStale = true
			s.collector.Reset(rec.Vault.ID)
		}
		m.emit(interfaces.Event{
			Type:       interfaces.EventGuardianRevoked,
			GuardianID: g.ID,
			Recipients: []string{rec.Vault.OwnerAddress, g.Contact},
		})
		if err := s.reconcileFragments(m); err != nil {
			return err
		}
		s.advance(m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return redactGuardian(revoked), nil
}

// tokenError hides which part of a token lookup failed.
func tokenError(err error) error {
	if interfaces.CodeOf(err) == interfaces.CodeVaultNotFound {
		return interfaces.ErrInvalidOrExpiredToken
	}
	return err
}

func redactGuardian(g interfaces.Guardian) *interfaces.Guardian {
	g.TokenHash = nil
	g.TokenSalt = nil
	return &g
}

// AddBeneficiary registers a beneficiary with an allocation in basis points.
func (s *Service) AddBeneficiary(ctx context.Context, vaultID, owner, contact string, allocationBasisPoints int) (*interfaces.Beneficiary, error) {
	var added interfaces.Beneficiary
	_, err := s.mutate(ctx, vaultID, func(m *mutation) error {
		rec := m.rec
		if err := requireOwner(rec, owner); err != nil {
			return err
		}
		if err := requireBeneficiariesEditable(rec); err != nil {
			return err
		}

		contact = strings.TrimSpace(contact)
		if contact == "" {
			return fmt.Errorf("%w: beneficiary contact is required", interfaces.ErrInvalidArgument)
		}
		if allocationBasisPoints < 1 || allocationBasisPoints > interfaces.FullAllocation {
			return fmt.Errorf("%w: allocation must be between 1 and %d basis points", interfaces.ErrInvalidArgument, interfaces.FullAllocation)
		}
		if total := interfaces.TotalAllocation(rec.Beneficiaries) + allocationBasisPoints; total > interfaces.FullAllocation {
			return fmt.Errorf("%w: total would be %s%%", interfaces.ErrAllocationExceeded, strconv.FormatFloat(float64(total)/100, 'f', 2, 64))
		}

		added = interfaces.Beneficiary{
			ID:                    uuid.NewString(),
			VaultID:               rec.Vault.ID,
			Contact:               contact,
			AllocationBasisPoints: allocationBasisPoints,
			ClaimStatus:           interfaces.ClaimUnclaimed,
		}
		rec.Beneficiaries = append(rec.Beneficiaries, added)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &added, nil
}

// VerifyBeneficiary marks a beneficiary as verified. A death_verified vault
// whose beneficiaries are now all verified becomes ready for claim.
func (s *Service) VerifyBeneficiary(ctx context.Context, vaultID, owner, beneficiaryID string) (*interfaces.Beneficiary, error) {
	var verified interfaces.Beneficiary
	_, err := s.mutate(ctx, vaultID, func(m *mutation) error {
		rec := m.rec
		if err := requireOwner(rec, owner); err != nil {
			return err
		}
		if err := requireNotTerminal(rec); err != nil {
			return err
		}
		b, ok := rec.Beneficiary(beneficiaryID)
		if !ok {
			return fmt.Errorf("%w: beneficiary %s", interfaces.ErrNotFound, beneficiaryID)
		}
		b.Verified = true
		verified = *b
		s.advance(m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &verified, nil
}

// RemoveBeneficiary deletes a beneficiary before the vault is released.
func (s *Service) RemoveBeneficiary(ctx context.Context, vaultID, owner, beneficiaryID string) error {
	_, err := s.mutate(ctx, vaultID, func(m *mutation) error {
		rec := m.rec
		if err := requireOwner(rec, owner); err != nil {
			return err
		}
		if err := requireBeneficiariesEditable(rec); err != nil {
			return err
		}
		for i := range rec.Beneficiaries {
			if rec.Beneficiaries[i].ID == beneficiaryID {
				rec.Beneficiaries = append(rec.Beneficiaries[:i], rec.Beneficiaries[i+1:]...)
				s.advance(m)
				return nil
			}
		}
		return fmt.Errorf("%w: beneficiary %s", interfaces.ErrNotFound, beneficiaryID)
	})
	return err
}

// MarkClaimed records an out-of-band payout to a beneficiary of a
// ready_for_claim vault. The vault becomes claimed once everyone has claimed.
func (s *Service) MarkClaimed(ctx context.Context, vaultID, beneficiaryID string) (*interfaces.VaultRecord, error) {
	return s.mutate(ctx, vaultID, func(m *mutation) error {
		rec := m.rec
		if err := requireNotTerminal(rec); err != nil {
			return err
		}
		if rec.Vault.Status != interfaces.VaultReadyForClaim {
			return fmt.Errorf("%w: vault is %s, not ready for claim", interfaces.ErrInvalidArgument, rec.Vault.Status)
		}
		b, ok := rec.Beneficiary(beneficiaryID)
		if !ok {
			return fmt.Errorf("%w: beneficiary %s", interfaces.ErrNotFound, beneficiaryID)
		}
		if b.ClaimStatus == interfaces.ClaimClaimed {
			return nil
		}
		markClaimed(b, m.now)
		s.advance(m)
		return nil
	})
}

func markClaimed(b *interfaces.Beneficiary, now time.Time) {
	b.ClaimStatus = interfaces.ClaimClaimed
	b.ClaimedAt = &now
}

func requireBeneficiariesEditable(rec *interfaces.VaultRecord) error {
	switch rec.Vault.Status {
	case interfaces.VaultActive, interfaces.VaultWarning, interfaces.VaultTriggered,
		interfaces.VaultDeathVerified, interfaces.VaultCancelled:
		return nil
	case interfaces.VaultReadyForClaim:
		return fmt.Errorf("%w: vault is ready for claim", interfaces.ErrRecoveryLocked)
	case interfaces.VaultClaimed:
		return interfaces.ErrVaultTerminal
	default:
		panic(fmt.Sprintf("unhandled vault status %d", int(rec.Vault.Status)))
	}
}
