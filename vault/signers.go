package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// Signer keys under which VaultRecord.SignerStamps are kept.
const OwnerSigner = "owner"

func GuardianSigner(guardianID string) string { return "guardian:" + guardianID }

func AdminSigner(adminID string) string { return "admin:" + adminID }

// CheckRequestTime rejects a signed request dated outside the accepted
// window around the service clock. The window is the one liveness proofs use.
func (s *Service) CheckRequestTime(at time.Time) error {
	return s.checkRequestTime(at, s.clock())
}

func (s *Service) checkRequestTime(at, now time.Time) error {
	if now.Sub(at) > s.cfg.MaxProofAge {
		return fmt.Errorf("%w: request is older than %s", interfaces.ErrUnauthorized, s.cfg.MaxProofAge)
	}
	if at.Sub(now) > s.cfg.MaxClockSkew {
		return fmt.Errorf("%w: request is dated in the future", interfaces.ErrUnauthorized)
	}
	return nil
}

// AcceptSignedRequest records that signer issued a request at the given
// time on vaultID. A request is accepted once: its timestamp must be fresh
// and later than any earlier request by the same signer on that vault.
// Only call this after the signature itself has been verified.
func (s *Service) AcceptSignedRequest(ctx context.Context, vaultID, signer string, at time.Time) error {
	_, err := s.mutate(ctx, vaultID, func(m *mutation) error {
		if err := s.checkRequestTime(at, m.now); err != nil {
			return err
		}
		stamp := at.UnixNano()
		if last, ok := m.rec.SignerStamps[signer]; ok && stamp <= last {
			return fmt.Errorf("%w: request by %s is not newer than the last accepted one", interfaces.ErrUnauthorized, signer)
		}
		if m.rec.SignerStamps == nil {
			m.rec.SignerStamps = make(map[string]int64)
		}
		m.rec.SignerStamps[signer] = stamp
		return nil
	})
	return err
}
