package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ruteri/guardian-recovery-vault/api"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

var statusByCode = map[interfaces.ErrorCode]int{
	interfaces.CodeInvalidProof:           http.StatusBadRequest,
	interfaces.CodeInvalidArgument:        http.StatusBadRequest,
	interfaces.CodeAllocationExceeded:     http.StatusBadRequest,
	interfaces.CodeUnauthorized:           http.StatusUnauthorized,
	interfaces.CodeGuardianNotEligible:    http.StatusForbidden,
	interfaces.CodeVaultNotFound:          http.StatusNotFound,
	interfaces.CodeNotFound:               http.StatusNotFound,
	interfaces.CodeVaultExists:            http.StatusConflict,
	interfaces.CodeVaultTerminal:          http.StatusConflict,
	interfaces.CodeRequestAlreadyOpen:     http.StatusConflict,
	interfaces.CodeRequestTerminal:        http.StatusConflict,
	interfaces.CodeThresholdViolation:     http.StatusConflict,
	interfaces.CodeConcurrencyConflict:    http.StatusConflict,
	interfaces.CodeRecoveryLocked:         http.StatusConflict,
	interfaces.CodeVoteFinalized:          http.StatusConflict,
	interfaces.CodeTimeLockActive:         http.StatusConflict,
	interfaces.CodeQuorumNotReached:       http.StatusConflict,
	interfaces.CodeInvalidOrExpiredToken:  http.StatusGone,
	interfaces.CodeInsufficientFragments:  http.StatusUnprocessableEntity,
	interfaces.CodeReconstructionMismatch: http.StatusUnprocessableEntity,
	interfaces.CodeGuardianCountMismatch:  http.StatusUnprocessableEntity,
}

// StatusFor maps a domain error to its HTTP status. An unreachable storage
// backend is 503; other errors without a code are internal.
func StatusFor(err error) int {
	if errors.Is(err, interfaces.ErrBackendUnavailable) {
		return http.StatusServiceUnavailable
	}
	var e *interfaces.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response", "err", err)
	}
}

// writeError renders err as an api.ErrorResponse. Internal and backend
// errors are logged and their message is not exposed.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := StatusFor(err)
	resp := api.ErrorResponse{Error: string(interfaces.CodeOf(err)), Message: err.Error()}
	switch status {
	case http.StatusInternalServerError:
		log.Error("Request failed", "err", err)
		resp = api.ErrorResponse{Error: "Internal", Message: http.StatusText(status)}
	case http.StatusServiceUnavailable:
		log.Warn("Storage backend unavailable", "err", err)
		resp = api.ErrorResponse{Error: "BackendUnavailable", Message: http.StatusText(status)}
	}
	writeJSON(w, log, status, resp)
}
