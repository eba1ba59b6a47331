package interfaces

import (
	"context"
	"time"
)

// EventType names a notification emitted by the core.
type EventType string

const (
	EventWarningRaised  EventType = "warningRaised"
	EventTriggered      EventType = "triggered"
	EventRecoveryOpened EventType = "recoveryOpened"
	EventVoteRecorded   EventType = "voteRecorded"
	EventQuorumReached  EventType = "quorumReached"
	EventDisputed       EventType = "disputed"
	EventCompleted      EventType = "completed"
	EventExpired        EventType = "expired"

	EventCheckedIn        EventType = "checkedIn"
	EventVaultCancelled   EventType = "vaultCancelled"
	EventRequestCancelled EventType = "requestCancelled"
	EventGuardianInvited  EventType = "guardianInvited"
	EventGuardianAccepted EventType = "guardianAccepted"
	EventGuardianDeclined EventType = "guardianDeclined"
	EventGuardianRevoked  EventType = "guardianRevoked"
	EventFragmentsIssued  EventType = "fragmentsIssued"
	EventReconstructed    EventType = "reconstructed"
	EventReadyForClaim    EventType = "readyForClaim"
	EventClaimed          EventType = "claimed"
)

// Event is a fire-and-forget notification about a vault.
type Event struct {
	Type       EventType         `json:"type"`
	VaultID    string            `json:"vault_id"`
	RequestID  string            `json:"request_id,omitempty"`
	GuardianID string            `json:"guardian_id,omitempty"`
	// Recipients are opaque contacts (owner, guardians) the event concerns.
	Recipients []string          `json:"recipients,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier delivers events to owners and guardians. Implementations must not
// block the caller on delivery and must not fail the originating command.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, event Event)

func (f NotifierFunc) Notify(ctx context.Context, event Event) { f(ctx, event) }

// Distributor receives the reconstructed secret for a vault and releases the
// vault's contents to its beneficiaries. The secret slice is wiped by the
// caller after Distribute returns and must not be retained.
type Distributor interface {
	Distribute(ctx context.Context, vault Vault, beneficiaries []Beneficiary, secret []byte) (DistributionResult, error)
}

// DistributionResult reports which beneficiaries were paid out.
type DistributionResult struct {
	ClaimedBeneficiaries []string `json:"claimed_beneficiaries"`
}

// Clock returns the current time. Timers are pure functions of persisted
// timestamps and the value returned here.
type Clock func() time.Time
