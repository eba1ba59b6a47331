package interfaces

import "errors"

// ErrorCode is the stable, caller-visible identifier of a business-rule violation.
type ErrorCode string

const (
	CodeInvalidProof           ErrorCode = "InvalidProof"
	CodeVaultTerminal          ErrorCode = "VaultTerminal"
	CodeRequestAlreadyOpen     ErrorCode = "RequestAlreadyOpen"
	CodeRequestTerminal        ErrorCode = "RequestTerminal"
	CodeGuardianNotEligible    ErrorCode = "GuardianNotEligible"
	CodeInvalidOrExpiredToken  ErrorCode = "InvalidOrExpiredToken"
	CodeThresholdViolation     ErrorCode = "ThresholdViolation"
	CodeGuardianCountMismatch  ErrorCode = "GuardianCountMismatch"
	CodeInsufficientFragments  ErrorCode = "InsufficientFragments"
	CodeReconstructionMismatch ErrorCode = "ReconstructionMismatch"
	CodeConcurrencyConflict    ErrorCode = "ConcurrencyConflict"

	CodeVaultNotFound      ErrorCode = "VaultNotFound"
	CodeVaultExists        ErrorCode = "VaultExists"
	CodeNotFound           ErrorCode = "NotFound"
	CodeUnauthorized       ErrorCode = "Unauthorized"
	CodeInvalidArgument    ErrorCode = "InvalidArgument"
	CodeRecoveryLocked     ErrorCode = "RecoveryLocked"
	CodeVoteFinalized      ErrorCode = "VoteFinalized"
	CodeTimeLockActive     ErrorCode = "TimeLockActive"
	CodeQuorumNotReached   ErrorCode = "QuorumNotReached"
	CodeAllocationExceeded ErrorCode = "AllocationExceeded"
)

// Error is a typed domain error. Two errors match under errors.Is when their
// codes are equal, so callers compare against the sentinel values below and
// wrap them with fmt.Errorf("...: %w", ErrX) to add context.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the operation may succeed if repeated unchanged.
func (e *Error) Retryable() bool {
	return e.Code == CodeConcurrencyConflict
}

func newError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

var (
	ErrInvalidProof           = newError(CodeInvalidProof, "liveness proof is stale, malformed or signed by another key")
	ErrVaultTerminal          = newError(CodeVaultTerminal, "vault has been claimed")
	ErrRequestAlreadyOpen     = newError(CodeRequestAlreadyOpen, "a recovery request is already in progress for this vault")
	ErrRequestTerminal        = newError(CodeRequestTerminal, "recovery request is no longer pending or approved")
	ErrGuardianNotEligible    = newError(CodeGuardianNotEligible, "guardian is not eligible for this operation")
	ErrInvalidOrExpiredToken  = newError(CodeInvalidOrExpiredToken, "invitation token is invalid, expired or already used")
	ErrThresholdViolation     = newError(CodeThresholdViolation, "operation would leave fewer active guardians than the threshold")
	ErrGuardianCountMismatch  = newError(CodeGuardianCountMismatch, "active guardian count does not match total guardians")
	ErrInsufficientFragments  = newError(CodeInsufficientFragments, "not enough fragments to reconstruct the secret")
	ErrReconstructionMismatch = newError(CodeReconstructionMismatch, "fragments are inconsistent and cannot be combined")
	ErrConcurrencyConflict    = newError(CodeConcurrencyConflict, "vault was modified concurrently")

	ErrVaultNotFound      = newError(CodeVaultNotFound, "vault not found")
	ErrVaultExists        = newError(CodeVaultExists, "vault already exists")
	ErrNotFound           = newError(CodeNotFound, "entity not found")
	ErrUnauthorized       = newError(CodeUnauthorized, "caller is not authorized")
	ErrInvalidArgument    = newError(CodeInvalidArgument, "invalid argument")
	ErrRecoveryLocked     = newError(CodeRecoveryLocked, "recovery has passed its time-lock; cancel the vault with a liveness proof instead")
	ErrVoteFinalized      = newError(CodeVoteFinalized, "vote can no longer be changed after quorum")
	ErrTimeLockActive     = newError(CodeTimeLockActive, "recovery request is still inside its dispute window")
	ErrQuorumNotReached   = newError(CodeQuorumNotReached, "recovery request has not reached quorum")
	ErrAllocationExceeded = newError(CodeAllocationExceeded, "beneficiary allocations exceed 100%")
)

// CodeOf extracts the error code from err, or "" for untyped errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
