package api

import (
	"github.com/ruteri/guardian-recovery-vault/cryptoutils"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// Authentication headers.
//
// Every signed request carries RequestTimestampHeader, a unix timestamp in
// nanoseconds. The signature covers cryptoutils.RequestEnvelope: method,
// path, timestamp and body. The server accepts a timestamp only inside the
// proof age window and only if it is newer than the signer's previous
// request on the same vault, so a captured request cannot be replayed.
const (
	RequestTimestampHeader = "X-Request-Timestamp"

	// OwnerSignatureHeader carries an EIP-191 signature by the vault owner.
	OwnerSignatureHeader = "X-Owner-Signature"

	// GuardianIDHeader and GuardianSignatureHeader identify the acting
	// guardian. The signature is base64 ASN.1 ECDSA by the guardian's
	// registered P-256 key.
	GuardianIDHeader        = "X-Guardian-ID"
	GuardianSignatureHeader = "X-Guardian-Signature"

	// AdminIDHeader and AdminSignatureHeader use the same scheme with keys
	// from the admin-keys file.
	AdminIDHeader        = "X-Admin-ID"
	AdminSignatureHeader = "X-Admin-Signature"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type CreateVaultRequest struct {
	OwnerAddress string `json:"owner_address"`
	interfaces.VaultParams
}

// LivenessRequest is the body of check-in and cancel calls.
type LivenessRequest struct {
	Proof cryptoutils.LivenessProof `json:"proof"`
}

type QuorumRequest struct {
	Threshold      int `json:"threshold"`
	TotalGuardians int `json:"total_guardians"`
}

type InviteRequest struct {
	Contact string `json:"contact"`
}

// InviteResponse returns the one-time invitation token. It is shown once.
type InviteResponse struct {
	Guardian *interfaces.Guardian `json:"guardian"`
	Token    string               `json:"token"`
}

type AcceptRequest struct {
	Token string `json:"token"`
	// PublicKey is the guardian's P-256 public key in PEM form.
	PublicKey string `json:"public_key"`
}

type DeclineRequest struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

type BeneficiaryRequest struct {
	Contact               string `json:"contact"`
	AllocationBasisPoints int    `json:"allocation_basis_points"`
}

type VoteRequest struct {
	Decision interfaces.Decision `json:"decision"`
	Note     string              `json:"note,omitempty"`
}

type DisputeRequest struct {
	Reason string `json:"reason"`
}

// VerifyFragmentRequest carries a decrypted share to check against its tag.
type VerifyFragmentRequest struct {
	Share []byte `json:"share"`
}

type VerifyFragmentResponse struct {
	Valid bool `json:"valid"`
}

// SubmitFragmentRequest carries a guardian's decrypted share after a
// completed recovery.
type SubmitFragmentRequest struct {
	FragmentID string `json:"fragment_id"`
	Share      []byte `json:"share"`
}

// ShareSubmission is one decrypted share in an administrative reconstruction.
type ShareSubmission struct {
	FragmentID string `json:"fragment_id"`
	GuardianID string `json:"guardian_id,omitempty"`
	Share      []byte `json:"share"`
}

type ReconstructRequest struct {
	Shares []ShareSubmission `json:"shares"`
}

type MarkClaimedRequest struct {
	BeneficiaryID string `json:"beneficiary_id"`
}

// EvaluateResponse summarizes an administrative evaluation pass.
type EvaluateResponse struct {
	Evaluated int `json:"evaluated"`
	Failed    int `json:"failed"`
}
