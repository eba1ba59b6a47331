package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/guardian-recovery-vault/api"
	"github.com/ruteri/guardian-recovery-vault/cryptoutils"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
	"github.com/ruteri/guardian-recovery-vault/vault"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler serves the owner, guardian and public vault API.
//
// Owner calls are authenticated by an EIP-191 signature in
// X-Owner-Signature over the request envelope, checked against the vault's
// owner address. Guardian calls carry X-Guardian-ID and an ECDSA P-256
// signature in X-Guardian-Signature, checked against the public key the
// guardian registered when accepting. Both are bound to X-Request-Timestamp,
// and state-changing calls consume the timestamp on the vault record.
type Handler struct {
	svc *vault.Service
	log *slog.Logger
}

func NewHandler(svc *vault.Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Router returns the routes of the vault API, to be mounted under /api/v1.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Post("/vaults", h.handleCreateVault)
	r.Route("/vaults/{vaultID}", func(r chi.Router) {
		r.Get("/", h.handleGetVault)
		r.Post("/checkin", h.handleCheckIn)
		r.Post("/cancel", h.handleCancelVault)
		r.Post("/evaluate", h.handleEvaluate)
		r.Put("/quorum", h.handleUpdateQuorum)

		r.Post("/guardians", h.handleInvite)
		r.Delete("/guardians/{guardianID}", h.handleRevoke)

		r.Post("/beneficiaries", h.handleAddBeneficiary)
		r.Post("/beneficiaries/{beneficiaryID}/verify", h.handleVerifyBeneficiary)
		r.Delete("/beneficiaries/{beneficiaryID}", h.handleRemoveBeneficiary)

		r.Post("/fragments", h.handleCreateFragments)
		r.Post("/fragments/rotate", h.handleRotateSecret)
		r.Get("/fragments/mine", h.handleGetFragment)
		r.Post("/fragments/submit", h.handleSubmitFragment)
		r.Post("/fragments/{fragmentID}/verify", h.handleVerifyFragment)

		r.Post("/recovery/{requestID}/vote", h.handleVote)
		r.Post("/recovery/{requestID}/dispute", h.handleDispute)
		r.Post("/recovery/{requestID}/execute", h.handleExecute)
	})

	r.Post("/invitations/accept", h.handleAccept)
	r.Post("/invitations/decline", h.handleDecline)

	return r
}

// readBody reads at most maxBodySize bytes and leaves the body readable.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := cryptoutils.ReadBody(r)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read request body: %v", interfaces.ErrInvalidArgument, err)
	}
	return body, nil
}

func decodeBody(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", interfaces.ErrInvalidArgument, err)
	}
	return nil
}

// requestEnvelope rebuilds what the caller signed from the request.
func requestEnvelope(r *http.Request, body []byte) (cryptoutils.RequestEnvelope, error) {
	raw := r.Header.Get(api.RequestTimestampHeader)
	if raw == "" {
		return cryptoutils.RequestEnvelope{}, fmt.Errorf("%w: missing %s", interfaces.ErrUnauthorized, api.RequestTimestampHeader)
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return cryptoutils.RequestEnvelope{}, fmt.Errorf("%w: invalid %s", interfaces.ErrUnauthorized, api.RequestTimestampHeader)
	}
	return cryptoutils.RequestEnvelope{
		Method:    r.Method,
		Path:      r.URL.Path,
		Timestamp: ts,
		Body:      body,
	}, nil
}

// acceptRequest enforces freshness of a verified request. Reads only need a
// timestamp inside the window; anything else consumes it for the signer.
func (h *Handler) acceptRequest(r *http.Request, vaultID, signer string, env cryptoutils.RequestEnvelope) error {
	if r.Method == http.MethodGet {
		return h.svc.CheckRequestTime(env.Time())
	}
	return h.svc.AcceptSignedRequest(r.Context(), vaultID, signer, env.Time())
}

// authenticateOwner verifies X-Owner-Signature against the owner of vaultID
// and returns the owner address.
func (h *Handler) authenticateOwner(r *http.Request, vaultID string, body []byte) (string, error) {
	sig := r.Header.Get(api.OwnerSignatureHeader)
	if sig == "" {
		return "", fmt.Errorf("%w: missing %s", interfaces.ErrUnauthorized, api.OwnerSignatureHeader)
	}
	env, err := requestEnvelope(r, body)
	if err != nil {
		return "", err
	}
	owner, err := h.svc.VaultOwner(r.Context(), vaultID)
	if err != nil {
		return "", err
	}
	if err := cryptoutils.VerifyOwnerRequest(owner, env, sig); err != nil {
		h.log.Warn("Owner authentication failed", "vaultID", vaultID, "err", err)
		return "", fmt.Errorf("%w: invalid owner signature", interfaces.ErrUnauthorized)
	}
	if err := h.acceptRequest(r, vaultID, vault.OwnerSigner, env); err != nil {
		h.log.Warn("Owner request rejected", "vaultID", vaultID, "err", err)
		return "", err
	}
	return owner, nil
}

// authenticateGuardian verifies the guardian signature headers and returns
// the guardian ID. Only active guardians have a usable key.
func (h *Handler) authenticateGuardian(r *http.Request, vaultID string, body []byte) (string, error) {
	guardianID := r.Header.Get(api.GuardianIDHeader)
	sig := r.Header.Get(api.GuardianSignatureHeader)
	if guardianID == "" || sig == "" {
		return "", fmt.Errorf("%w: missing guardian credentials", interfaces.ErrUnauthorized)
	}
	env, err := requestEnvelope(r, body)
	if err != nil {
		return "", err
	}
	pub, err := h.svc.GuardianPublicKey(r.Context(), vaultID, guardianID)
	switch interfaces.CodeOf(err) {
	case "":
	case interfaces.CodeNotFound:
		return "", fmt.Errorf("%w: unknown guardian %s", interfaces.ErrUnauthorized, guardianID)
	default:
		return "", err
	}
	if err := cryptoutils.VerifyRequestSignature(pub, env, sig); err != nil {
		h.log.Warn("Guardian authentication failed", "vaultID", vaultID, "guardianID", guardianID, "err", err)
		return "", fmt.Errorf("%w: invalid guardian signature", interfaces.ErrUnauthorized)
	}
	if err := h.acceptRequest(r, vaultID, vault.GuardianSigner(guardianID), env); err != nil {
		h.log.Warn("Guardian request rejected", "vaultID", vaultID, "guardianID", guardianID, "err", err)
		return "", err
	}
	return guardianID, nil
}

// handleCreateVault creates a vault for the owner named in the body, who
// must also sign the request.
//
// URL format: POST /api/v1/vaults
func (h *Handler) handleCreateVault(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var req api.CreateVaultRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	sig := r.Header.Get(api.OwnerSignatureHeader)
	if sig == "" {
		writeError(w, h.log, fmt.Errorf("%w: missing %s", interfaces.ErrUnauthorized, api.OwnerSignatureHeader))
		return
	}
	env, err := requestEnvelope(r, body)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := cryptoutils.VerifyOwnerRequest(req.OwnerAddress, env, sig); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: invalid owner signature", interfaces.ErrUnauthorized))
		return
	}
	if err := h.svc.CheckRequestTime(env.Time()); err != nil {
		writeError(w, h.log, err)
		return
	}

	rec, err := h.svc.CreateVault(r.Context(), req.OwnerAddress, req.VaultParams)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusCreated, vault.Redact(rec))
}

func (h *Handler) handleGetVault(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), chi.URLParam(r, "vaultID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, rec)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	h.handleLiveness(w, r, h.svc.CheckIn)
}

func (h *Handler) handleCancelVault(w http.ResponseWriter, r *http.Request) {
	h.handleLiveness(w, r, h.svc.CancelVault)
}

// handleLiveness serves the proof-authenticated calls. The proof itself is
// the credential, so no signature header is required.
func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, vaultID string, proof cryptoutils.LivenessProof) (*interfaces.VaultRecord, error)) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var req api.LivenessRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	rec, err := op(r.Context(), chi.URLParam(r, "vaultID"), req.Proof)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, vault.Redact(rec))
}

// handleEvaluate applies due time-based transitions. Evaluation is
// idempotent, so it needs no authentication.
func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Evaluate(r.Context(), chi.URLParam(r, "vaultID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, vault.Redact(rec))
}

func (h *Handler) handleUpdateQuorum(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	var req api.QuorumRequest
	owner, ok := h.ownerRequest(w, r, vaultID, &req)
	if !ok {
		return
	}
	rec, err := h.svc.UpdateQuorum(r.Context(), vaultID, owner, req.Threshold, req.TotalGuardians)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, vault.Redact(rec))
}

// ownerRequest reads and authenticates an owner call, decoding the body
// into v when v is not nil. It writes the error response itself.
func (h *Handler) ownerRequest(w http.ResponseWriter, r *http.Request, vaultID string, v any) (string, bool) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, h.log, err)
		return "", false
	}
	owner, err := h.authenticateOwner(r, vaultID, body)
	if err != nil {
		writeError(w, h.log, err)
		return "", false
	}
	if v != nil {
		if err := decodeBody(body, v); err != nil {
			writeError(w, h.log, err)
			return "", false
		}
	}
	return owner, true
}

// guardianRequest is ownerRequest for guardian-signed calls.
func (h *Handler) guardianRequest(w http.ResponseWriter, r *http.Request, vaultID string, v any) (string, bool) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, h.log, err)
		return "", false
	}
	guardianID, err := h.authenticateGuardian(r, vaultID, body)
	if err != nil {
		writeError(w, h.log, err)
		return "", false
	}
	if v != nil {
		if err := decodeBody(body, v); err != nil {
			writeError(w, h.log, err)
			return "", false
		}
	}
	return guardianID, true
}

func (h *Handler) handleInvite(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	var req api.InviteRequest
	owner, ok := h.ownerRequest(w, r, vaultID, &req)
	if !ok {
		return
	}
	g, token, err := h.svc.Invite(r.Context(), vaultID, owner, req.Contact)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusCreated, api.InviteResponse{Guardian: g, Token: token.String()})
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	owner, ok := h.ownerRequest(w, r, vaultID, nil)
	if !ok {
		return
	}
	g, err := h.svc.Revoke(r.Context(), vaultID, owner, chi.URLParam(r, "guardianID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, g)
}

func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var req api.AcceptRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	g, err := h.svc.Accept(r.Context(), req.Token, []byte(req.PublicKey))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, g)
}

func (h *Handler) handleDecline(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var req api.DeclineRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	g, err := h.svc.Decline(r.Context(), req.Token, req.Reason)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, g)
}

func (h *Handler) handleAddBeneficiary(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	var req api.BeneficiaryRequest
	owner, ok := h.ownerRequest(w, r, vaultID, &req)
	if !ok {
		return
	}
	b, err := h.svc.AddBeneficiary(r.Context(), vaultID, owner, req.Contact, req.AllocationBasisPoints)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusCreated, b)
}

func (h *Handler) handleVerifyBeneficiary(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	owner, ok := h.ownerRequest(w, r, vaultID, nil)
	if !ok {
		return
	}
	b, err := h.svc.VerifyBeneficiary(r.Context(), vaultID, owner, chi.URLParam(r, "beneficiaryID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, b)
}

func (h *Handler) handleRemoveBeneficiary(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	owner, ok := h.ownerRequest(w, r, vaultID, nil)
	if !ok {
		return
	}
	if err := h.svc.RemoveBeneficiary(r.Context(), vaultID, owner, chi.URLParam(r, "beneficiaryID")); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateFragments(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	owner, ok := h.ownerRequest(w, r, vaultID, nil)
	if !ok {
		return
	}
	set, err := h.svc.CreateFragments(r.Context(), vaultID, owner)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, fragmentSummary(set))
}

func (h *Handler) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	owner, ok := h.ownerRequest(w, r, vaultID, nil)
	if !ok {
		return
	}
	set, err := h.svc.RotateSecret(r.Context(), vaultID, owner)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, fragmentSummary(set))
}

// fragmentSummary strips payloads; each guardian fetches its own fragment.
func fragmentSummary(set *interfaces.FragmentSet) *interfaces.FragmentSet {
	out := *set
	out.Fragments = make([]interfaces.Fragment, len(set.Fragments))
	for i, f := range set.Fragments {
		f.EncryptedPayload = nil
		f.VerificationTag = nil
		out.Fragments[i] = f
	}
	return &out
}

// handleGetFragment returns the caller's encrypted fragment. The guardian
// signs the path with an empty body.
func (h *Handler) handleGetFragment(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	guardianID, ok := h.guardianRequest(w, r, vaultID, nil)
	if !ok {
		return
	}
	f, err := h.svc.GetFragment(r.Context(), vaultID, guardianID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, f)
}

func (h *Handler) handleVerifyFragment(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	var req api.VerifyFragmentRequest
	guardianID, ok := h.guardianRequest(w, r, vaultID, &req)
	if !ok {
		return
	}
	valid, err := h.svc.VerifyFragment(r.Context(), vaultID, guardianID, chi.URLParam(r, "fragmentID"), req.Share)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, api.VerifyFragmentResponse{Valid: valid})
}

func (h *Handler) handleSubmitFragment(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	var req api.SubmitFragmentRequest
	guardianID, ok := h.guardianRequest(w, r, vaultID, &req)
	if !ok {
		return
	}
	res, err := h.svc.SubmitFragment(r.Context(), vaultID, guardianID, req.FragmentID, req.Share)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, res)
}

func (h *Handler) handleVote(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	var req api.VoteRequest
	guardianID, ok := h.guardianRequest(w, r, vaultID, &req)
	if !ok {
		return
	}
	out, err := h.svc.Vote(r.Context(), vaultID, chi.URLParam(r, "requestID"), guardianID, req.Decision, req.Note)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, out)
}

func (h *Handler) handleDispute(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	var req api.DisputeRequest
	guardianID, ok := h.guardianRequest(w, r, vaultID, &req)
	if !ok {
		return
	}
	out, err := h.svc.Dispute(r.Context(), vaultID, chi.URLParam(r, "requestID"), guardianID, req.Reason)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, out)
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	guardianID, ok := h.guardianRequest(w, r, vaultID, nil)
	if !ok {
		return
	}
	out, err := h.svc.Execute(r.Context(), vaultID, chi.URLParam(r, "requestID"), guardianID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, out)
}
