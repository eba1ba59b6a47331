package interfaces

import (
	"fmt"
	"time"
)

// GuardianStatus is the invitation lifecycle state of a guardian.
// An accepted invitation is represented by GuardianActive.
type GuardianStatus int

const (
	GuardianPending GuardianStatus = iota
	GuardianActive
	GuardianDeclined
	GuardianRevoked
)

var guardianStatusNames = map[GuardianStatus]string{
	GuardianPending:  "pending",
	GuardianActive:   "active",
	GuardianDeclined: "declined",
	GuardianRevoked:  "revoked",
}

func (s GuardianStatus) String() string {
	if name, ok := guardianStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s GuardianStatus) MarshalText() ([]byte, error) {
	name, ok := guardianStatusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown guardian status %d", int(s))
	}
	return []byte(name), nil
}

func (s *GuardianStatus) UnmarshalText(text []byte) error {
	for status, name := range guardianStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown guardian status %q", text)
}

// Guardian is a trusted party holding one fragment and one vote.
type Guardian struct {
	ID      string         `json:"id"`
	VaultID string         `json:"vault_id"`
	Contact string         `json:"contact"`
	Status  GuardianStatus `json:"status"`

	// PublicKey is the guardian's P-256 public key in PEM format, supplied on
	// accept. Fragments are encrypted to it and requests are signed with it.
	PublicKey []byte `json:"public_key,omitempty"`

	// Only an argon2id hash of the invitation secret is persisted.
	TokenHash      []byte    `json:"token_hash,omitempty"`
	TokenSalt      []byte    `json:"token_salt,omitempty"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	TokenConsumed  bool      `json:"token_consumed"`

	InvitedAt     time.Time  `json:"invited_at"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	DeclineReason string     `json:"decline_reason,omitempty"`
}

// IsActive reports whether the guardian may vote and hold a fragment.
func (g *Guardian) IsActive() bool {
	return g.Status == GuardianActive
}

// ActiveGuardianCount counts guardians in the active state.
func ActiveGuardianCount(guardians []Guardian) int {
	n := 0
	for i := range guardians {
		if guardians[i].IsActive() {
			n++
		}
	}
	return n
}

// ActiveGuardians returns the active guardians in registry order.
func ActiveGuardians(guardians []Guardian) []Guardian {
	res := make([]Guardian, 0, len(guardians))
	for _, g := range guardians {
		if g.IsActive() {
			res = append(res, g)
		}
	}
	return res
}
