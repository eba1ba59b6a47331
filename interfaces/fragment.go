package interfaces

import "time"

// Fragment is one guardian's share of the vault recovery key, encrypted to
// the guardian's public key.
type Fragment struct {
	ID               string     `json:"id"`
	VaultID          string     `json:"vault_id"`
	GuardianID       string     `json:"guardian_id"`
	Generation       int        `json:"generation"`
	Index            int        `json:"index"`
	EncryptedPayload []byte     `json:"encrypted_payload"`
	VerificationTag  []byte     `json:"verification_tag"`
	Verified         bool       `json:"verified"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`
}

// FragmentSet is one secret generation split across the active guardians.
type FragmentSet struct {
	Generation int `json:"generation"`
	Threshold  int `json:"threshold"`
	Total      int `json:"total"`
	// SecretCommitment is SHA-256 of the secret; the secret itself is never stored.
	SecretCommitment []byte     `json:"secret_commitment"`
	CreatedAt        time.Time  `json:"created_at"`
	Fragments        []Fragment `json:"fragments"`
}

// FragmentFor returns the fragment held by guardianID.
func (s *FragmentSet) FragmentFor(guardianID string) (*Fragment, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Fragments {
		if s.Fragments[i].GuardianID == guardianID {
			return &s.Fragments[i], true
		}
	}
	return nil, false
}

// FragmentByID returns the fragment with the given identifier.
func (s *FragmentSet) FragmentByID(id string) (*Fragment, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Fragments {
		if s.Fragments[i].ID == id {
			return &s.Fragments[i], true
		}
	}
	return nil, false
}
