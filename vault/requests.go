package vault

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ruteri/guardian-recovery-vault/guardians"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
	"github.com/ruteri/guardian-recovery-vault/recovery"
)

// OpenRecovery opens a request for a triggered vault that has none in
// progress, e.g. after an expiry when the policy does not reopen on its own.
func (s *Service) OpenRecovery(ctx context.Context, vaultID string) (*interfaces.RecoveryRequest, error) {
	var opened interfaces.RecoveryRequest
	_, err := s.mutate(ctx, vaultID, func(m *mutation) error {
		rec := m.rec
		if err := requireNotTerminal(rec); err != nil {
			return err
		}
		previous := requestID(rec)
		s.advance(m)
		if rec.Vault.Status != interfaces.VaultTriggered {
			return fmt.Errorf("%w: vault is %s, not triggered", interfaces.ErrInvalidArgument, rec.Vault.Status)
		}
		if req, ok := rec.OpenRequest(); ok && req.ID != previous {
			// Opened by advance.
			opened = *req
			return nil
		}
		req, err := s.openRequest(m)
		if err != nil {
			return err
		}
		opened = *req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &opened, nil
}

// currentRequest resolves requestID against the record. Requests that have
// been archived are reported as terminal.
func currentRequest(rec *interfaces.VaultRecord, requestID string) (*interfaces.RecoveryRequest, error) {
	if rec.Request != nil && rec.Request.ID == requestID {
		return rec.Request, nil
	}
	for _, h := range rec.RequestHistory {
		if h.ID == requestID {
			return nil, fmt.Errorf("%w: request %s is %s", interfaces.ErrRequestTerminal, requestID, h.Status)
		}
	}
	return nil, fmt.Errorf("%w: recovery request %s", interfaces.ErrNotFound, requestID)
}

// Vote records a guardian's decision on the vault's current request.
func (s *Service) Vote(ctx context.Context, vaultID, requestID, guardianID string, decision interfaces.Decision, note string) (*interfaces.RecoveryRequest, error) {
	var result interfaces.RecoveryRequest
	_, err := s.mutate(ctx, vaultID, func(m *mutation) error {
		rec := m.rec
		if err := requireNotTerminal(rec); err != nil {
			return err
		}
		s.advance(m)
		req, err := currentRequest(rec, requestID)
		if err != nil {
			return err
		}

		reconcileTotalGuardians(rec)

		outcome, err := s.engine.Vote(req, guardianID, guardians.IsActive(rec, guardianID), decision, note, m.now)
		if err != nil {
			return err
		}

		m.emit(interfaces.Event{
			Type:       interfaces.EventVoteRecorded,
			RequestID:  req.ID,
			GuardianID: guardianID,
			Recipients: ownerRecipients(rec),
			Attributes: map[string]string{
				"decision":           string(decision),
				"current_approvals":  strconv.Itoa(req.CurrentApprovals),
				"required_approvals": strconv.Itoa(req.RequiredApprovals),
			},
		})
		if outcome.QuorumReached {
			m.emit(interfaces.Event{Type: interfaces.EventQuorumReached, RequestID: req.ID, Recipients: allRecipients(rec)})
		}
		if outcome.Vetoed {
			m.emit(interfaces.Event{Type: interfaces.EventDisputed, RequestID: req.ID, GuardianID: guardianID, Recipients: allRecipients(rec)})
		}

		s.advance(m)
		result = *req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// reconcileTotalGuardians keeps TotalGuardians equal to the active count
// whenever that still satisfies the threshold.
func reconcileTotalGuardians(rec *interfaces.VaultRecord) {
	active := interfaces.ActiveGuardianCount(rec.Guardians)
	if active >= rec.Vault.Threshold && active != rec.Vault.TotalGuardians {
		rec.Vault.TotalGuardians = active
	}
}

// Dispute stops an approved request during its cooling-off window.
func (s *Service) Dispute(ctx context.Context, vaultID, requestID, guardianID, reason string) (*interfaces.RecoveryRequest, error) {
	var result interfaces.RecoveryRequest
	_, err := s.mutate(ctx, vaultID, func(m *mutation) error {
		rec := m.rec
		if err := requireNotTerminal(rec); err != nil {
			return err
		}
		s.advance(m)
		req, err := currentRequest(rec, requestID)
		if err != nil {
			return err
		}
		if err := s.engine.Dispute(req, guardianID, guardians.IsActive(rec, guardianID), reason, m.now); err != nil {
			return err
		}
		m.emit(interfaces.Event{
			Type:       interfaces.EventDisputed,
			RequestID:  req.ID,
			GuardianID: guardianID,
			Recipients: allRecipients(rec),
			Attributes: map[string]string{"reason": reason},
		})
		result = *req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Execute completes an approved request once its dispute window has
// elapsed. guardianID is empty for administrative calls. Repeated calls
// return the completed request unchanged.
func (s *Service) Execute(ctx context.Context, vaultID, requestID, guardianID string) (*interfaces.RecoveryRequest, error) {
	var result interfaces.RecoveryRequest
	_, err := s.mutate(ctx, vaultID, func(m *mutation) error {
		rec := m.rec
		if guardianID != "" && !guardians.IsActive(rec, guardianID) {
			return fmt.Errorf("%w: guardian %s", interfaces.ErrGuardianNotEligible, guardianID)
		}
		req, err := currentRequest(rec, requestID)
		if err != nil {
			return err
		}
		changed, err := s.engine.Execute(req, m.now)
		if err != nil {
			return err
		}
		if changed {
			m.emit(interfaces.Event{Type: interfaces.EventCompleted, RequestID: req.ID, Recipients: allRecipients(rec)})
		}
		s.advance(m)
		result = *req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ResetDispute cancels the vault's disputed request so that a new one can
// be opened.
func (s *Service) ResetDispute(ctx context.Context, vaultID string) (*interfaces.VaultRecord, error) {
	return s.mutate(ctx, vaultID, func(m *mutation) error {
		rec := m.rec
		if err := requireNotTerminal(rec); err != nil {
			return err
		}
		if err := recovery.ResetDispute(rec.Request, m.now); err != nil {
			return err
		}
		m.emit(interfaces.Event{
			Type:       interfaces.EventRequestCancelled,
			RequestID:  rec.Request.ID,
			Recipients: allRecipients(rec),
			Attributes: map[string]string{"reason": recovery.ReasonDisputeReset},
		})
		s.advance(m)
		return nil
	})
}
