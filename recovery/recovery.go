// Package recovery implements the quorum-approval protocol for a single
// recovery request: open, vote, dispute, execute and expiry.
//
// The functions here mutate a RecoveryRequest in place and never touch the
// store. Callers serialize access per vault and persist the result.
package recovery

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// Policy holds the tunables of the protocol.
type Policy struct {
	// MaxRequestLifetime is the absolute ceiling on a request, quorum or not.
	MaxRequestLifetime time.Duration
	// DisputeWindow is the cooling-off period between quorum and execution.
	DisputeWindow time.Duration
	// VetoOnReject turns any reject cast before execution into a dispute.
	VetoOnReject bool
	// ReopenOnExpiry opens a fresh request when an expired one is swept
	// while the vault is still triggered.
	ReopenOnExpiry bool
	// AutoExecute completes approved requests on evaluation once the
	// dispute window has elapsed.
	AutoExecute bool
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRequestLifetime: 30 * interfaces.Day,
		DisputeWindow:      72 * time.Hour,
		VetoOnReject:       false,
		ReopenOnExpiry:     true,
		AutoExecute:        true,
	}
}

// Validate rejects policies that cannot make progress.
func (p Policy) Validate() error {
	if p.MaxRequestLifetime <= 0 {
		return fmt.Errorf("%w: request lifetime must be positive", interfaces.ErrInvalidArgument)
	}
	if p.DisputeWindow < 0 {
		return fmt.Errorf("%w: dispute window cannot be negative", interfaces.ErrInvalidArgument)
	}
	return nil
}

// Close reasons recorded on terminal requests.
const (
	ReasonCheckIn      = "owner checked in"
	ReasonCancelled    = "vault cancelled by owner"
	ReasonDisputeReset = "dispute reset"
	ReasonLifetime     = "request lifetime exceeded"
)

// VoteOutcome tells the caller which notifications the vote produced.
type VoteOutcome struct {
	QuorumReached bool
	Vetoed        bool
}

// Engine applies Policy to recovery requests.
type Engine struct {
	Policy Policy
}

func NewEngine(policy Policy) *Engine {
	return &Engine{Policy: policy}
}

// Open creates a pending request for the vault. current is the vault's
// current request, if any: an open one, or a disputed one awaiting reset,
// blocks a new request.
func (e *Engine) Open(vault *interfaces.Vault, eligible []string, current *interfaces.RecoveryRequest, now time.Time) (*interfaces.RecoveryRequest, error) {
	if current != nil {
		switch current.Status {
		case interfaces.RequestPending, interfaces.RequestApproved:
			return nil, fmt.Errorf("%w: request %s is %s", interfaces.ErrRequestAlreadyOpen, current.ID, current.Status)
		case interfaces.RequestDisputed:
			return nil, fmt.Errorf("%w: request %s is disputed and must be reset first", interfaces.ErrRequestAlreadyOpen, current.ID)
		case interfaces.RequestCompleted, interfaces.RequestExpired, interfaces.RequestCancelled:
		default:
			panic(fmt.Sprintf("unhandled request status %d", int(current.Status)))
		}
	}

	if len(eligible) < vault.Threshold {
		return nil, fmt.Errorf("%w: %d active guardians, threshold %d", interfaces.ErrThresholdViolation, len(eligible), vault.Threshold)
	}

	return &interfaces.RecoveryRequest{
		ID:                uuid.NewString(),
		VaultID:           vault.ID,
		Status:            interfaces.RequestPending,
		InitiatedAt:       now,
		RequiredApprovals: vault.Threshold,
		EligibleGuardians: append([]string(nil), eligible...),
		ExpiresAt:         now.Add(e.Policy.MaxRequestLifetime),
		Votes:             []interfaces.Vote{},
	}, nil
}

// Vote records guardianID's decision. guardianActive reports the guardian's
// current registry status; guardians must be both active now and eligible
// at open time.
func (e *Engine) Vote(req *interfaces.RecoveryRequest, guardianID string, guardianActive bool, decision interfaces.Decision, note string, now time.Time) (VoteOutcome, error) {
	if !decision.Valid() {
		return VoteOutcome{}, fmt.Errorf("%w: unknown decision %q", interfaces.ErrInvalidArgument, decision)
	}
	if !guardianActive || !req.IsEligible(guardianID) {
		return VoteOutcome{}, fmt.Errorf("%w: guardian %s cannot vote on request %s", interfaces.ErrGuardianNotEligible, guardianID, req.ID)
	}
	if err := requireOpen(req, now); err != nil {
		return VoteOutcome{}, err
	}

	if existing, ok := req.VoteOf(guardianID); ok {
		if req.Status != interfaces.RequestPending {
			return VoteOutcome{}, fmt.Errorf("%w: guardian %s already voted %s", interfaces.ErrVoteFinalized, guardianID, existing.Decision)
		}
		existing.Decision = decision
		existing.Note = note
		existing.CastAt = now
	} else {
		req.Votes = append(req.Votes, interfaces.Vote{
			GuardianID: guardianID,
			Decision:   decision,
			Note:       note,
			CastAt:     now,
		})
	}

	req.CurrentApprovals = countApprovals(req)

	var outcome VoteOutcome
	if decision == interfaces.DecisionReject && e.Policy.VetoOnReject && withinVetoWindow(req, now) {
		req.Status = interfaces.RequestDisputed
		req.Dispute = &interfaces.Dispute{GuardianID: guardianID, Reason: "veto: " + note, RaisedAt: now}
		req.ClosedAt = now
		outcome.Vetoed = true
		return outcome, nil
	}

	if req.Status == interfaces.RequestPending && req.CurrentApprovals >= req.RequiredApprovals {
		req.Status = interfaces.RequestApproved
		req.CanExecuteAt = now.Add(e.Policy.DisputeWindow)
		outcome.QuorumReached = true
	}
	return outcome, nil
}

// Dispute stops an approved request during its cooling-off window.
func (e *Engine) Dispute(req *interfaces.RecoveryRequest, guardianID string, guardianActive bool, reason string, now time.Time) error {
	if !guardianActive || !req.IsEligible(guardianID) {
		return fmt.Errorf("%w: guardian %s cannot dispute request %s", interfaces.ErrGuardianNotEligible, guardianID, req.ID)
	}
	if err := requireOpen(req, now); err != nil {
		return err
	}
	if req.Status != interfaces.RequestApproved {
		return fmt.Errorf("%w: only approved requests can be disputed", interfaces.ErrQuorumNotReached)
	}
	if !now.Before(req.CanExecuteAt) {
		return fmt.Errorf("%w: dispute window closed at %s", interfaces.ErrRequestTerminal, req.CanExecuteAt.Format(time.RFC3339))
	}

	req.Status = interfaces.RequestDisputed
	req.Dispute = &interfaces.Dispute{GuardianID: guardianID, Reason: reason, RaisedAt: now}
	req.ClosedAt = now
	return nil
}

// Execute completes an approved request whose dispute window has elapsed.
// It reports whether the request changed; repeated calls are no-ops.
func (e *Engine) Execute(req *interfaces.RecoveryRequest, now time.Time) (bool, error) {
	switch req.Status {
	case interfaces.RequestCompleted:
		return false, nil
	case interfaces.RequestPending:
		return false, fmt.Errorf("%w: %d of %d approvals", interfaces.ErrQuorumNotReached, req.CurrentApprovals, req.RequiredApprovals)
	case interfaces.RequestApproved:
		if !now.Before(req.ExpiresAt) {
			return false, fmt.Errorf("%w: request expired at %s", interfaces.ErrRequestTerminal, req.ExpiresAt.Format(time.RFC3339))
		}
		if now.Before(req.CanExecuteAt) {
			return false, fmt.Errorf("%w: executable at %s", interfaces.ErrTimeLockActive, req.CanExecuteAt.Format(time.RFC3339))
		}
		req.Status = interfaces.RequestCompleted
		req.ClosedAt = now
		return true, nil
	case interfaces.RequestDisputed, interfaces.RequestExpired, interfaces.RequestCancelled:
		return false, fmt.Errorf("%w: request is %s", interfaces.ErrRequestTerminal, req.Status)
	default:
		panic(fmt.Sprintf("unhandled request status %d", int(req.Status)))
	}
}

// Sweep expires an open request past its lifetime. It reports whether the
// request changed. Expiry never grants access.
func (e *Engine) Sweep(req *interfaces.RecoveryRequest, now time.Time) bool {
	if req == nil || !req.Status.Open() || now.Before(req.ExpiresAt) {
		return false
	}
	req.Status = interfaces.RequestExpired
	req.ClosedAt = now
	req.CloseReason = ReasonLifetime
	return true
}

// Cancel closes an open request on the owner's behalf. Completed requests
// cannot be cancelled.
func Cancel(req *interfaces.RecoveryRequest, reason string, now time.Time) bool {
	if req == nil || !req.Status.Open() {
		return false
	}
	req.Status = interfaces.RequestCancelled
	req.ClosedAt = now
	req.CloseReason = reason
	return true
}

// ResetDispute moves a disputed request to cancelled so a new one can open.
func ResetDispute(req *interfaces.RecoveryRequest, now time.Time) error {
	if req == nil || req.Status != interfaces.RequestDisputed {
		return fmt.Errorf("%w: no disputed request", interfaces.ErrNotFound)
	}
	req.Status = interfaces.RequestCancelled
	req.CloseReason = ReasonDisputeReset
	req.ClosedAt = now
	return nil
}

// CheckInAllowed reports whether an owner check-in may still cancel req:
// before quorum, or during the cooling-off window.
func CheckInAllowed(req *interfaces.RecoveryRequest, now time.Time) bool {
	switch req.Status {
	case interfaces.RequestPending:
		return true
	case interfaces.RequestApproved:
		return now.Before(req.CanExecuteAt)
	case interfaces.RequestDisputed, interfaces.RequestExpired, interfaces.RequestCancelled:
		return true
	case interfaces.RequestCompleted:
		return false
	default:
		panic(fmt.Sprintf("unhandled request status %d", int(req.Status)))
	}
}

// ExecutionDue reports whether AutoExecute should complete req now.
func (e *Engine) ExecutionDue(req *interfaces.RecoveryRequest, now time.Time) bool {
	return e.Policy.AutoExecute && req != nil &&
		req.Status == interfaces.RequestApproved &&
		!now.Before(req.CanExecuteAt) && now.Before(req.ExpiresAt)
}

func requireOpen(req *interfaces.RecoveryRequest, now time.Time) error {
	if !req.Status.Open() {
		return fmt.Errorf("%w: request is %s", interfaces.ErrRequestTerminal, req.Status)
	}
	if !now.Before(req.ExpiresAt) {
		return fmt.Errorf("%w: request expired at %s", interfaces.ErrRequestTerminal, req.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func withinVetoWindow(req *interfaces.RecoveryRequest, now time.Time) bool {
	return req.Status == interfaces.RequestPending || now.Before(req.CanExecuteAt)
}

// countApprovals recounts from the vote list so a guardian is never counted twice.
func countApprovals(req *interfaces.RecoveryRequest) int {
	seen := make(map[string]struct{}, len(req.Votes))
	for _, v := range req.Votes {
		if v.Decision == interfaces.DecisionApprove && req.IsEligible(v.GuardianID) {
			seen[v.GuardianID] = struct{}{}
		}
	}
	return len(seen)
}
