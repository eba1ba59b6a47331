package httpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/guardian-recovery-vault/api"
	"github.com/ruteri/guardian-recovery-vault/api/clients"
	"github.com/ruteri/guardian-recovery-vault/cryptoutils"
	"github.com/ruteri/guardian-recovery-vault/distribution"
	"github.com/ruteri/guardian-recovery-vault/fragments"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
	"github.com/ruteri/guardian-recovery-vault/metrics"
	"github.com/ruteri/guardian-recovery-vault/notify"
	"github.com/ruteri/guardian-recovery-vault/storage"
	"github.com/ruteri/guardian-recovery-vault/vault"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type apiEnv struct {
	t          *testing.T
	ctx        context.Context
	clock      *testClock
	events     *notify.Recorder
	metricsSrv *metrics.MetricsServer
	srv        *Server
	ts         *httptest.Server

	owner     *clients.OwnerClient
	admin     *clients.AdminClient
	adminKey  *ecdsa.PrivateKey
	adminPubs map[string][]byte
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &apiEnv{
		t:      t,
		ctx:    context.Background(),
		clock:  &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		events: &notify.Recorder{},
	}

	var err error
	env.metricsSrv, err = metrics.New("test", "")
	require.NoError(t, err)

	cfg := vault.DefaultConfig()
	cfg.Clock = env.clock.Now
	cfg.Metrics = env.metricsSrv.Metrics
	svc, err := vault.NewService(storage.NewMemoryStore(), env.events, distribution.NewLogDistributor(logger), cfg, logger)
	require.NoError(t, err)

	adminPriv, adminPub, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	adminKey, err := cryptoutils.ParsePrivateKey(adminPriv)
	require.NoError(t, err)
	env.adminPubs = map[string][]byte{"admin1": adminPub}

	env.srv, err = New(&api.HTTPServerConfig{
		Log:                      logger,
		GracefulShutdownDuration: time.Second,
		RequestTimeout:           5 * time.Second,
	}, env.metricsSrv, NewHandler(svc, logger), NewAdminHandler(svc, logger, env.adminPubs))
	require.NoError(t, err)

	env.ts = httptest.NewServer(env.srv.Handler())
	t.Cleanup(env.ts.Close)

	ownerKey, ownerAddr, err := cryptoutils.GenerateWalletKey()
	require.NoError(t, err)
	env.owner = clients.NewOwnerClient(env.ts.URL, ownerKey, ownerAddr)
	env.owner.WithClock(env.clock.Now)
	env.admin = clients.NewAdminClient(env.ts.URL, "admin1", adminKey)
	env.admin.WithClock(env.clock.Now)
	env.adminKey = adminKey
	return env
}

func (e *apiEnv) newGuardian() *clients.GuardianClient {
	e.t.Helper()
	priv, _, err := cryptoutils.GenerateKeyPair()
	require.NoError(e.t, err)
	g, err := clients.NewGuardianClient(e.ts.URL, "", priv)
	require.NoError(e.t, err)
	g.WithClock(e.clock.Now)
	return g
}

func testParams() interfaces.VaultParams {
	return interfaces.VaultParams{
		CheckInIntervalDays: 30,
		GracePeriodDays:     7,
		Threshold:           2,
		TotalGuardians:      3,
		DistributionMethod:  interfaces.DistributionManual,
	}
}

// setupVault creates a vault over HTTP with every guardian accepted and one
// verified beneficiary.
func (e *apiEnv) setupVault() (*interfaces.VaultRecord, []*clients.GuardianClient) {
	e.t.Helper()
	rec, err := e.owner.CreateVault(e.ctx, testParams())
	require.NoError(e.t, err)
	id := rec.Vault.ID

	gs := make([]*clients.GuardianClient, 0, 3)
	for i := 0; i < 3; i++ {
		inv, err := e.owner.Invite(e.ctx, id, fmt.Sprintf("guardian-%d@example.com", i))
		require.NoError(e.t, err)
		g := e.newGuardian()
		accepted, err := g.Accept(e.ctx, inv.Token)
		require.NoError(e.t, err)
		assert.Equal(e.t, inv.Guardian.ID, accepted.ID)
		gs = append(gs, g)
	}

	b, err := e.owner.AddBeneficiary(e.ctx, id, "heir@example.com", 10000)
	require.NoError(e.t, err)
	_, err = e.owner.VerifyBeneficiary(e.ctx, id, b.ID)
	require.NoError(e.t, err)

	rec, err = e.owner.GetVault(e.ctx, id)
	require.NoError(e.t, err)
	return rec, gs
}

// trigger moves past the grace period and returns the opened request.
func (e *apiEnv) trigger(vaultID string) *interfaces.RecoveryRequest {
	e.t.Helper()
	e.clock.Advance(38 * interfaces.Day)
	rec, err := e.owner.Evaluate(e.ctx, vaultID)
	require.NoError(e.t, err)
	require.Equal(e.t, interfaces.VaultTriggered, rec.Vault.Status)
	require.NotNil(e.t, rec.Request)
	return rec.Request
}

func TestRecoveryOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	rec, gs := env.setupVault()
	id := rec.Vault.ID

	// The public view carries fragment metadata only.
	require.NotNil(t, rec.Fragments)
	require.Len(t, rec.Fragments.Fragments, 3)
	for _, f := range rec.Fragments.Fragments {
		assert.Nil(t, f.EncryptedPayload)
	}
	for _, g := range rec.Guardians {
		assert.Nil(t, g.TokenHash)
	}

	share, err := gs[0].FetchShare(env.ctx, id)
	require.NoError(t, err)
	valid, err := gs[0].VerifyFragment(env.ctx, id, share)
	require.NoError(t, err)
	assert.True(t, valid)

	req := env.trigger(id)
	for _, g := range gs[:2] {
		_, err := g.Vote(env.ctx, id, req.ID, interfaces.DecisionApprove, "")
		require.NoError(t, err)
	}

	// Execution waits for the dispute window.
	_, err = gs[0].Execute(env.ctx, id, req.ID)
	require.ErrorIs(t, err, interfaces.ErrTimeLockActive)

	env.clock.Advance(72 * time.Hour)
	out, err := env.owner.Evaluate(env.ctx, id)
	require.NoError(t, err)
	require.Equal(t, interfaces.VaultReadyForClaim, out.Vault.Status)

	res, err := gs[0].SubmitFragment(env.ctx, id, share)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Collected)
	assert.False(t, res.Reconstructed)

	s2, err := gs[2].FetchShare(env.ctx, id)
	require.NoError(t, err)
	res, err = gs[2].SubmitFragment(env.ctx, id, s2)
	require.NoError(t, err)
	assert.True(t, res.Reconstructed)

	claimed, err := env.admin.MarkClaimed(env.ctx, id, out.Beneficiaries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.VaultClaimed, claimed.Vault.Status)

	_, err = env.owner.CheckIn(env.ctx, id)
	require.ErrorIs(t, err, interfaces.ErrVaultTerminal)

	_, ok := env.events.Last(interfaces.EventClaimed)
	assert.True(t, ok)
	assert.Positive(t, testutil.CollectAndCount(env.metricsSrv.Metrics.HTTPRequests))
}

func TestCheckInCancelsTriggeredRecovery(t *testing.T) {
	env := newAPIEnv(t)
	rec, gs := env.setupVault()
	id := rec.Vault.ID

	req := env.trigger(id)
	out, err := env.owner.CheckIn(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.VaultActive, out.Vault.Status)

	_, err = gs[0].Vote(env.ctx, id, req.ID, interfaces.DecisionApprove, "")
	require.ErrorIs(t, err, interfaces.ErrRequestTerminal)
}

func TestDisputeOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	rec, gs := env.setupVault()
	id := rec.Vault.ID

	req := env.trigger(id)
	for _, g := range gs[:2] {
		_, err := g.Vote(env.ctx, id, req.ID, interfaces.DecisionApprove, "")
		require.NoError(t, err)
	}
	disputed, err := gs[2].Dispute(env.ctx, id, req.ID, "owner is travelling")
	require.NoError(t, err)
	assert.Equal(t, interfaces.RequestDisputed, disputed.Status)

	env.clock.Advance(72 * time.Hour)
	out, err := env.owner.Evaluate(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.VaultTriggered, out.Vault.Status)

	_, err = env.admin.Execute(env.ctx, id, req.ID)
	require.ErrorIs(t, err, interfaces.ErrRequestTerminal)

	reset, err := env.admin.ResetDispute(env.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, reset.Request)
	assert.NotEqual(t, req.ID, reset.Request.ID)
	assert.Equal(t, interfaces.RequestPending, reset.Request.Status)

	_, err = env.admin.ResetDispute(env.ctx, id)
	require.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestAdminReconstruct(t *testing.T) {
	env := newAPIEnv(t)
	rec, gs := env.setupVault()
	id := rec.Vault.ID

	req := env.trigger(id)
	for _, g := range gs[:2] {
		_, err := g.Vote(env.ctx, id, req.ID, interfaces.DecisionApprove, "")
		require.NoError(t, err)
	}
	env.clock.Advance(72 * time.Hour)
	_, err := env.owner.Evaluate(env.ctx, id)
	require.NoError(t, err)

	s0, err := gs[0].FetchShare(env.ctx, id)
	require.NoError(t, err)
	_, err = env.admin.Reconstruct(env.ctx, id, []fragments.Share{s0})
	require.ErrorIs(t, err, interfaces.ErrInsufficientFragments)

	s1, err := gs[1].FetchShare(env.ctx, id)
	require.NoError(t, err)
	release, err := env.admin.Reconstruct(env.ctx, id, []fragments.Share{s0, s1})
	require.NoError(t, err)
	assert.Equal(t, id, release.Vault.ID)
}

func TestAuthentication(t *testing.T) {
	env := newAPIEnv(t)
	rec, gs := env.setupVault()
	id := rec.Vault.ID

	t.Run("foreign owner key", func(t *testing.T) {
		key, addr, err := cryptoutils.GenerateWalletKey()
		require.NoError(t, err)
		intruder := clients.NewOwnerClient(env.ts.URL, key, addr)
		_, err = intruder.UpdateQuorum(env.ctx, id, 1, 3)
		require.ErrorIs(t, err, interfaces.ErrUnauthorized)
	})

	t.Run("unknown guardian", func(t *testing.T) {
		priv, _, err := cryptoutils.GenerateKeyPair()
		require.NoError(t, err)
		stranger, err := clients.NewGuardianClient(env.ts.URL, "not-a-guardian", priv)
		require.NoError(t, err)
		_, err = stranger.GetFragment(env.ctx, id)
		require.ErrorIs(t, err, interfaces.ErrUnauthorized)
	})

	t.Run("guardian key mismatch", func(t *testing.T) {
		priv, _, err := cryptoutils.GenerateKeyPair()
		require.NoError(t, err)
		impostor, err := clients.NewGuardianClient(env.ts.URL, gs[0].ID(), priv)
		require.NoError(t, err)
		_, err = impostor.GetFragment(env.ctx, id)
		require.ErrorIs(t, err, interfaces.ErrUnauthorized)
	})

	t.Run("missing owner signature", func(t *testing.T) {
		resp, err := http.Post(env.ts.URL+"/api/v1/vaults/"+id+"/fragments/rotate", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("stale liveness proof", func(t *testing.T) {
		env.owner.WithClock(func() time.Time { return env.clock.Now().Add(-time.Hour) })
		defer env.owner.WithClock(env.clock.Now)
		_, err := env.owner.CheckIn(env.ctx, id)
		require.ErrorIs(t, err, interfaces.ErrInvalidProof)
	})
}

// capturingTransport forwards requests and keeps a copy of each one so a
// test can send it again verbatim.
type capturingTransport struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
}

func (c *capturingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	c.requests = append(c.requests, req.Clone(context.Background()))
	c.bodies = append(c.bodies, body)
	c.mu.Unlock()

	fwd := req.Clone(req.Context())
	fwd.Body = io.NopCloser(bytes.NewReader(body))
	return http.DefaultTransport.RoundTrip(fwd)
}

// lastIndex returns the index of the most recently captured request.
func (c *capturingTransport) lastIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests) - 1
}

// resend sends captured request i again, letting edit change its headers.
func (c *capturingTransport) resend(t *testing.T, i int, edit func(h http.Header)) *http.Response {
	t.Helper()
	c.mu.Lock()
	orig, body := c.requests[i], c.bodies[i]
	c.mu.Unlock()

	req, err := http.NewRequest(orig.Method, orig.URL.String(), bytes.NewReader(body))
	require.NoError(t, err)
	req.Header = orig.Header.Clone()
	if edit != nil {
		edit(req.Header)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func requireErrorCode(t *testing.T, resp *http.Response, status int, code interfaces.ErrorCode) {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	var body api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(code), body.Error)
}

func TestSignedRequestsAreSingleUse(t *testing.T) {
	env := newAPIEnv(t)
	rec, gs := env.setupVault()
	id := rec.Vault.ID

	ownerWire := &capturingTransport{}
	env.owner.WithHTTPClient(&http.Client{Transport: ownerWire})

	// An old quorum change cannot restore a weaker threshold.
	_, err := env.owner.UpdateQuorum(env.ctx, id, 2, 3)
	require.NoError(t, err)
	weaker := ownerWire.lastIndex()
	_, err = env.owner.UpdateQuorum(env.ctx, id, 3, 3)
	require.NoError(t, err)

	requireErrorCode(t, ownerWire.resend(t, weaker, nil), http.StatusUnauthorized, interfaces.CodeUnauthorized)
	cur, err := env.owner.GetVault(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, cur.Vault.Threshold)

	// Without the timestamp header the signature cannot be checked.
	requireErrorCode(t, ownerWire.resend(t, weaker, func(h http.Header) {
		h.Del(api.RequestTimestampHeader)
	}), http.StatusUnauthorized, interfaces.CodeUnauthorized)

	// A replayed approval cannot overwrite the guardian's later rejection.
	guardianWire := &capturingTransport{}
	gs[0].WithHTTPClient(&http.Client{Transport: guardianWire})

	req := env.trigger(id)
	_, err = gs[0].Vote(env.ctx, id, req.ID, interfaces.DecisionApprove, "")
	require.NoError(t, err)
	approval := guardianWire.lastIndex()

	out, err := gs[0].Vote(env.ctx, id, req.ID, interfaces.DecisionReject, "changed my mind")
	require.NoError(t, err)
	assert.Zero(t, out.CurrentApprovals)

	requireErrorCode(t, guardianWire.resend(t, approval, nil), http.StatusUnauthorized, interfaces.CodeUnauthorized)

	out, err = gs[1].Vote(env.ctx, id, req.ID, interfaces.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, interfaces.RequestPending, out.Status)
	assert.Equal(t, 1, out.CurrentApprovals)
	v, ok := out.VoteOf(gs[0].ID())
	require.True(t, ok)
	assert.Equal(t, interfaces.DecisionReject, v.Decision)
}

func TestInvitationErrors(t *testing.T) {
	env := newAPIEnv(t)
	rec, err := env.owner.CreateVault(env.ctx, testParams())
	require.NoError(t, err)

	inv, err := env.owner.Invite(env.ctx, rec.Vault.ID, "guardian@example.com")
	require.NoError(t, err)

	g := env.newGuardian()
	_, err = g.Decline(env.ctx, inv.Token, "busy")
	require.NoError(t, err)

	_, err = g.Accept(env.ctx, inv.Token)
	require.ErrorIs(t, err, interfaces.ErrInvalidOrExpiredToken)

	_, err = g.Accept(env.ctx, "garbage")
	require.ErrorIs(t, err, interfaces.ErrInvalidOrExpiredToken)
}

func TestErrorResponses(t *testing.T) {
	env := newAPIEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown vault", http.MethodGet, "/api/v1/vaults/missing", "", http.StatusNotFound, "VaultNotFound"},
		{"malformed json", http.MethodPost, "/api/v1/vaults", "{", http.StatusBadRequest, "InvalidArgument"},
		{"malformed token", http.MethodPost, "/api/v1/invitations/accept", `{"token":"x"}`, http.StatusGone, "InvalidOrExpiredToken"},
		{"unsigned admin call", http.MethodPost, "/api/admin/evaluate", "", http.StatusUnauthorized, "Unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, env.ts.URL+tt.path, bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			raw, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Contains(t, string(raw), `"error":"`+tt.code+`"`)
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, StatusFor(fmt.Errorf("wrapped: %w", interfaces.ErrRequestAlreadyOpen)))
	assert.Equal(t, http.StatusForbidden, StatusFor(interfaces.ErrGuardianNotEligible))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusFor(interfaces.ErrReconstructionMismatch))
	assert.Equal(t, http.StatusGone, StatusFor(interfaces.ErrInvalidOrExpiredToken))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(io.ErrUnexpectedEOF))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(fmt.Errorf("%w: primary down", interfaces.ErrBackendUnavailable)))
}

func TestInternalErrorsAreNotExposed(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, slog.New(slog.NewTextHandler(io.Discard, nil)), fmt.Errorf("db password is hunter2"))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "hunter2")
}

func TestReadinessEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	get := func(path string) int {
		resp, err := http.Get(env.ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("/livez"))
	assert.Equal(t, http.StatusOK, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/drain"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/undrain"))
	assert.Equal(t, http.StatusOK, get("/readyz"))
}
