package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/guardian-recovery-vault/api"
	"github.com/ruteri/guardian-recovery-vault/cryptoutils"
	"github.com/ruteri/guardian-recovery-vault/fragments"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
	"github.com/ruteri/guardian-recovery-vault/vault"
)

// AdminHandler serves the operator API: opening recovery after an expiry,
// resetting disputes, executing and reconstructing completed recoveries,
// recording out-of-band claims and forcing an evaluation pass.
//
// Every call is signed by a whitelisted admin key: X-Admin-ID names the
// admin and X-Admin-Signature carries a base64 ASN.1 ECDSA signature over
// the request envelope. State-changing calls on a vault consume the
// X-Request-Timestamp for that admin on the vault record.
type AdminHandler struct {
	svc          *vault.Service
	log          *slog.Logger
	adminPubKeys map[string][]byte // admin ID to public key PEM
}

func NewAdminHandler(svc *vault.Service, log *slog.Logger, adminPubKeys map[string][]byte) *AdminHandler {
	return &AdminHandler{
		svc:          svc,
		log:          log,
		adminPubKeys: adminPubKeys,
	}
}

// AdminRouter returns the admin routes, to be mounted under /api/admin.
func (h *AdminHandler) AdminRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireAdmin)

	r.Post("/evaluate", h.handleEvaluateAll)
	r.Route("/vaults/{vaultID}", func(r chi.Router) {
		r.Use(h.consumeStamp)
		r.Get("/", h.handleGetVault)
		r.Post("/recovery/open", h.handleOpenRecovery)
		r.Post("/recovery/reset-dispute", h.handleResetDispute)
		r.Post("/recovery/{requestID}/execute", h.handleExecute)
		r.Post("/reconstruct", h.handleReconstruct)
		r.Post("/claims", h.handleMarkClaimed)
	})
	return r
}

type adminCtxKey struct{}

// adminCall is the authenticated caller of an admin request.
type adminCall struct {
	adminID string
	at      time.Time
}

// requireAdmin rejects requests that are not signed by a known admin or
// that are dated outside the accepted window.
func (h *AdminHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := readBody(w, r); err != nil {
			writeError(w, h.log, err)
			return
		}
		adminID, env, ok := h.verifyAdmin(r)
		if !ok {
			writeError(w, h.log, fmt.Errorf("%w: admin signature required", interfaces.ErrUnauthorized))
			return
		}
		if err := h.svc.CheckRequestTime(env.Time()); err != nil {
			h.log.Warn("Admin request rejected", "adminID", adminID, "err", err)
			writeError(w, h.log, err)
			return
		}
		h.log.Info("Admin request", "adminID", adminID, "method", r.Method, "path", r.URL.Path)
		ctx := context.WithValue(r.Context(), adminCtxKey{}, adminCall{adminID: adminID, at: env.Time()})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// consumeStamp makes a state-changing admin request on a vault usable once.
func (h *AdminHandler) consumeStamp(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call, ok := r.Context().Value(adminCtxKey{}).(adminCall)
		if !ok {
			writeError(w, h.log, fmt.Errorf("%w: admin signature required", interfaces.ErrUnauthorized))
			return
		}
		if r.Method != http.MethodGet {
			vaultID := chi.URLParam(r, "vaultID")
			if err := h.svc.AcceptSignedRequest(r.Context(), vaultID, vault.AdminSigner(call.adminID), call.at); err != nil {
				h.log.Warn("Admin request rejected", "adminID", call.adminID, "vaultID", vaultID, "err", err)
				writeError(w, h.log, err)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// verifyAdmin checks that the admin is whitelisted and that the request
// carries a valid signature by that admin's key.
func (h *AdminHandler) verifyAdmin(r *http.Request) (string, cryptoutils.RequestEnvelope, bool) {
	adminID := r.Header.Get(api.AdminIDHeader)
	signature := r.Header.Get(api.AdminSignatureHeader)
	if adminID == "" || signature == "" {
		return "", cryptoutils.RequestEnvelope{}, false
	}

	pubKeyPEM, exists := h.adminPubKeys[adminID]
	if !exists {
		h.log.Warn("Authentication failed: unknown admin ID", "adminID", adminID)
		return adminID, cryptoutils.RequestEnvelope{}, false
	}

	body, err := cryptoutils.ReadBody(r)
	if err != nil {
		h.log.Error("Failed to read request body", "err", err)
		return adminID, cryptoutils.RequestEnvelope{}, false
	}
	env, err := requestEnvelope(r, body)
	if err != nil {
		h.log.Warn("Authentication failed", "adminID", adminID, "err", err)
		return adminID, cryptoutils.RequestEnvelope{}, false
	}
	if err := cryptoutils.VerifyRequestSignature(pubKeyPEM, env, signature); err != nil {
		h.log.Warn("Authentication failed: invalid signature", "adminID", adminID, "err", err)
		return adminID, cryptoutils.RequestEnvelope{}, false
	}

	h.log.Debug("Admin authentication successful", "adminID", adminID)
	return adminID, env, true
}

// adminBody decodes the already size-limited body into v.
func adminBody(r *http.Request, v any) error {
	body, err := cryptoutils.ReadBody(r)
	if err != nil {
		return fmt.Errorf("%w: failed to read request body: %v", interfaces.ErrInvalidArgument, err)
	}
	return decodeBody(body, v)
}

func (h *AdminHandler) handleEvaluateAll(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.EvaluateAll(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, api.EvaluateResponse{Evaluated: summary.Evaluated, Failed: summary.Failed})
}

func (h *AdminHandler) handleGetVault(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), chi.URLParam(r, "vaultID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, rec)
}

func (h *AdminHandler) handleOpenRecovery(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.OpenRecovery(r.Context(), chi.URLParam(r, "vaultID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusCreated, req)
}

func (h *AdminHandler) handleResetDispute(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.ResetDispute(r.Context(), chi.URLParam(r, "vaultID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, vault.Redact(rec))
}

func (h *AdminHandler) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.Execute(r.Context(), chi.URLParam(r, "vaultID"), chi.URLParam(r, "requestID"), "")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, req)
}

// handleReconstruct combines guardian shares and hands the secret to the
// distributor. The secret never appears in the response.
func (h *AdminHandler) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	var req api.ReconstructRequest
	if err := adminBody(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	shares := make([]fragments.Share, 0, len(req.Shares))
	for _, s := range req.Shares {
		shares = append(shares, fragments.Share{FragmentID: s.FragmentID, GuardianID: s.GuardianID, Data: s.Share})
	}
	defer fragments.WipeShares(shares)

	release, err := h.svc.Reconstruct(r.Context(), chi.URLParam(r, "vaultID"), shares)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, release)
}

func (h *AdminHandler) handleMarkClaimed(w http.ResponseWriter, r *http.Request) {
	var req api.MarkClaimedRequest
	if err := adminBody(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	rec, err := h.svc.MarkClaimed(r.Context(), chi.URLParam(r, "vaultID"), req.BeneficiaryID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, vault.Redact(rec))
}

// LoadAdminKeys loads admin public keys from a JSON file of the form
// {"admins": [{"id": "...", "pubkey": "<PEM>"}]}.
func LoadAdminKeys(r io.Reader) (map[string][]byte, error) {
	var data struct {
		Admins []struct {
			ID     string `json:"id"`
			PubKey string `json:"pubkey"`
		} `json:"admins"`
	}

	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode admin keys JSON: %w", err)
	}

	result := make(map[string][]byte)
	for _, admin := range data.Admins {
		if admin.ID == "" {
			return nil, errors.New("admin entry without id")
		}
		if _, err := cryptoutils.ParsePublicKey([]byte(admin.PubKey)); err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", admin.ID, err)
		}
		result[admin.ID] = []byte(admin.PubKey)
	}

	return result, nil
}
