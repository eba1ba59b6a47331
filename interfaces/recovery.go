package interfaces

import (
	"fmt"
	"time"
)

// RequestStatus is the state of a recovery request.
type RequestStatus int

const (
	RequestPending RequestStatus = iota
	RequestApproved
	RequestDisputed
	RequestCompleted
	RequestExpired
	RequestCancelled
)

var requestStatusNames = map[RequestStatus]string{
	RequestPending:   "pending",
	RequestApproved:  "approved",
	RequestDisputed:  "disputed",
	RequestCompleted: "completed",
	RequestExpired:   "expired",
	RequestCancelled: "cancelled",
}

func (s RequestStatus) String() string {
	if name, ok := requestStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s RequestStatus) MarshalText() ([]byte, error) {
	name, ok := requestStatusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown request status %d", int(s))
	}
	return []byte(name), nil
}

func (s *RequestStatus) UnmarshalText(text []byte) error {
	for status, name := range requestStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown request status %q", text)
}

// Open reports whether the request still accepts votes (pending or approved).
func (s RequestStatus) Open() bool {
	switch s {
	case RequestPending, RequestApproved:
		return true
	case RequestDisputed, RequestCompleted, RequestExpired, RequestCancelled:
		return false
	default:
		panic(fmt.Sprintf("unhandled request status %d", int(s)))
	}
}

// Decision is a guardian's vote on a recovery request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// Vote records one guardian's decision.
type Vote struct {
	GuardianID string    `json:"guardian_id"`
	Decision   Decision  `json:"decision"`
	Note       string    `json:"note,omitempty"`
	CastAt     time.Time `json:"cast_at"`
}

// Dispute records who stopped an approved request and why.
type Dispute struct {
	GuardianID string    `json:"guardian_id"`
	Reason     string    `json:"reason"`
	RaisedAt   time.Time `json:"raised_at"`
}

// RecoveryRequest drives the quorum-approval protocol for one recovery attempt.
type RecoveryRequest struct {
	ID                string        `json:"id"`
	VaultID           string        `json:"vault_id"`
	Status            RequestStatus `json:"status"`
	InitiatedAt       time.Time     `json:"initiated_at"`
	RequiredApprovals int           `json:"required_approvals"`
	CurrentApprovals  int           `json:"current_approvals"`
	// EligibleGuardians are the guardians active when the request was opened.
	EligibleGuardians []string  `json:"eligible_guardians"`
	CanExecuteAt      time.Time `json:"can_execute_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	Votes             []Vote    `json:"votes"`
	Dispute           *Dispute  `json:"dispute,omitempty"`
	ClosedAt          time.Time `json:"closed_at"`
	CloseReason       string    `json:"close_reason,omitempty"`
}

// VoteOf returns the vote cast by guardianID, if any.
func (r *RecoveryRequest) VoteOf(guardianID string) (*Vote, bool) {
	for i := range r.Votes {
		if r.Votes[i].GuardianID == guardianID {
			return &r.Votes[i], true
		}
	}
	return nil, false
}

// IsEligible reports whether guardianID was active when the request opened.
func (r *RecoveryRequest) IsEligible(guardianID string) bool {
	for _, id := range r.EligibleGuardians {
		if id == guardianID {
			return true
		}
	}
	return false
}

// QuorumReached reports whether approvals ever crossed the threshold.
func (r *RecoveryRequest) QuorumReached() bool {
	return !r.CanExecuteAt.IsZero()
}
