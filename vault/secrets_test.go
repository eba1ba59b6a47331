package vault

import (
	"bytes"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/guardian-recovery-vault/cryptoutils"
	"github.com/ruteri/guardian-recovery-vault/fragments"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
	"github.com/ruteri/guardian-recovery-vault/recovery"
)

// readyForClaim drives a vault with verified beneficiaries through a
// completed recovery.
func (e *testEnv) readyForClaim(params interfaces.VaultParams, allocations ...int) (*interfaces.VaultRecord, []testGuardian) {
	e.t.Helper()
	rec, gs := e.setupVault(params)
	id := rec.Vault.ID
	for i, bps := range allocations {
		b, err := e.svc.AddBeneficiary(e.ctx, id, e.owner, "heir-"+string(rune('a'+i))+"@example.com", bps)
		require.NoError(e.t, err)
		_, err = e.svc.VerifyBeneficiary(e.ctx, id, e.owner, b.ID)
		require.NoError(e.t, err)
	}

	req := e.trigger(e.load(id))
	for _, g := range gs[:params.Threshold] {
		_, err := e.svc.Vote(e.ctx, id, req.ID, g.ID, interfaces.DecisionApprove, "")
		require.NoError(e.t, err)
	}
	e.clock.Advance(72 * time.Hour)
	out := e.evaluate(id)
	require.Equal(e.t, interfaces.VaultReadyForClaim, out.Vault.Status)
	return out, gs
}

func TestFragmentsIssuedWhenAllGuardiansAccept(t *testing.T) {
	env := newTestEnv(t, recovery.DefaultPolicy())
	rec := env.createVault(defaultParams())
	id := rec.Vault.ID

	env.inviteAndAccept(id, 2)
	assert.Nil(t, env.load(id).Fragments)

	_, err := env.svc.CreateFragments(env.ctx, id, env.owner)
	require.ErrorIs(t, err, interfaces.ErrGuardianCountMismatch)

	gs := env.inviteAndAccept(id, 1)
	stored := env.load(id)
	require.NotNil(t, stored.Fragments)
	assert.Equal(t, 1, stored.Fragments.Generation)
	assert.Equal(t, 2, stored.Fragments.Threshold)
	assert.Len(t, stored.Fragments.Fragments, 3)

	ev, ok := env.events.Last(interfaces.EventFragmentsIssued)
	require.True(t, ok)
	assert.Equal(t, "1", ev.Attributes["generation"])

	// Idempotent while current.
	set, err := env.svc.CreateFragments(env.ctx, id, env.owner)
	require.NoError(t, err)
	assert.Equal(t, stored.Fragments.SecretCommitment, set.SecretCommitment)

	rotated, err := env.svc.RotateSecret(env.ctx, id, env.owner)
	require.NoError(t, err)
	assert.Equal(t, 2, rotated.Generation)
	assert.NotEqual(t, set.SecretCommitment, rotated.SecretCommitment)

	f, err := env.svc.GetFragment(env.ctx, id, gs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Generation)

	_, err = env.svc.RotateSecret(env.ctx, id, "0x0000000000000000000000000000000000000001")
	require.ErrorIs(t, err, interfaces.ErrUnauthorized)
}

func TestGetAndVerifyFragment(t *testing.T) {
	env := newTestEnv(t, recovery.DefaultPolicy())
	rec, gs := env.setupVault(defaultParams())
	id := rec.Vault.ID

	s := env.share(id, gs[0])
	ok, err := env.svc.VerifyFragment(env.ctx, id, gs[0].ID, s.FragmentID, s.Data)
	require.NoError(t, err)
	assert.True(t, ok)

	f, found := env.load(id).Fragments.FragmentFor(gs[0].ID)
	require.True(t, found)
	assert.True(t, f.Verified)

	other := env.share(id, gs[1])
	ok, err = env.svc.VerifyFragment(env.ctx, id, gs[0].ID, s.FragmentID, other.Data)
	require.NoError(t, err)
	assert.False(t, ok)

	// A guardian cannot read another guardian's fragment.
	_, err = env.svc.VerifyFragment(env.ctx, id, gs[0].ID, other.FragmentID, other.Data)
	require.ErrorIs(t, err, interfaces.ErrGuardianNotEligible)

	_, err = env.svc.GetFragment(env.ctx, id, "stranger")
	require.ErrorIs(t, err, interfaces.ErrGuardianNotEligible)

	// The payload only opens with the holder's key.
	_, err = fragments.DecryptShare(gs[1].PrivateKey, f)
	require.Error(t, err)
}

func TestScenarioE_ManualReconstruction(t *testing.T) {
	env := newTestEnv(t, recovery.DefaultPolicy())
	rec, gs := env.readyForClaim(defaultParams(), 10000)
	id := rec.Vault.ID

	_, err := env.svc.Reconstruct(env.ctx, id, []fragments.Share{env.share(id, gs[0])})
	require.ErrorIs(t, err, interfaces.ErrInsufficientFragments)

	first, err := env.svc.Reconstruct(env.ctx, id, []fragments.Share{env.share(id, gs[0]), env.share(id, gs[1])})
	require.NoError(t, err)
	assert.Equal(t, interfaces.VaultReadyForClaim, first.Vault.Status)
	assert.Empty(t, first.ClaimedBeneficiaries)

	second, err := env.svc.Reconstruct(env.ctx, id, []fragments.Share{env.share(id, gs[2]), env.share(id, gs[1])})
	require.NoError(t, err)
	assert.Equal(t, interfaces.VaultReadyForClaim, second.Vault.Status)

	released := env.releasedSecrets()
	require.Len(t, released, 2)
	assert.True(t, bytes.Equal(released[0], released[1]))
	assert.Len(t, released[0], 32)

	stored := env.load(id)
	assert.NotNil(t, stored.ReconstructedAt)
	assert.Equal(t, interfaces.VaultReadyForClaim, stored.Vault.Status)

	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.Reconstructions.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Reconstructions.WithLabelValues("insufficient")))

	// Beneficiary lists are frozen once ready for claim.
	_, err = env.svc.AddBeneficiary(env.ctx, id, env.owner, "late@example.com", 1)
	require.ErrorIs(t, err, interfaces.ErrRecoveryLocked)

	out, err := env.svc.MarkClaimed(env.ctx, id, stored.Beneficiaries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.VaultClaimed, out.Vault.Status)

	_, ok := env.events.Last(interfaces.EventClaimed)
	assert.True(t, ok)

	_, err = env.svc.Reconstruct(env.ctx, id, []fragments.Share{env.share(id, gs[0]), env.share(id, gs[1])})
	require.ErrorIs(t, err, interfaces.ErrVaultTerminal)
	_, err = env.svc.CheckIn(env.ctx, id, env.proof(id, cryptoutils.ActionCheckIn))
	require.ErrorIs(t, err, interfaces.ErrVaultTerminal)
}

func TestReconstructRejectsBadShares(t *testing.T) {
	env := newTestEnv(t, recovery.DefaultPolicy())
	rec, gs := env.readyForClaim(defaultParams(), 10000)
	id := rec.Vault.ID

	good := env.share(id, gs[0])
	bad := env.share(id, gs[1])
	bad.Data = append([]byte(nil), bad.Data...)
	bad.Data[len(bad.Data)-1] ^= 0xff

	_, err := env.svc.Reconstruct(env.ctx, id, []fragments.Share{good, bad})
	require.ErrorIs(t, err, interfaces.ErrReconstructionMismatch)

	_, err = env.svc.Reconstruct(env.ctx, id, []fragments.Share{good, good})
	require.ErrorIs(t, err, interfaces.ErrReconstructionMismatch)

	assert.Empty(t, env.releasedSecrets())
	assert.Nil(t, env.load(id).ReconstructedAt)
}

func TestAutomaticDistributionClaimsVault(t *testing.T) {
	env := newTestEnv(t, recovery.DefaultPolicy())
	params := defaultParams()
	params.DistributionMethod = interfaces.DistributionAutomatic
	rec, gs := env.readyForClaim(params, 6000, 4000)
	id := rec.Vault.ID

	release, err := env.svc.Reconstruct(env.ctx, id, []fragments.Share{env.share(id, gs[0]), env.share(id, gs[2])})
	require.NoError(t, err)
	assert.Equal(t, interfaces.VaultClaimed, release.Vault.Status)
	assert.Len(t, release.ClaimedBeneficiaries, 2)

	stored := env.load(id)
	assert.Equal(t, interfaces.VaultClaimed, stored.Vault.Status)
	for _, b := range stored.Beneficiaries {
		assert.Equal(t, interfaces.ClaimClaimed, b.ClaimStatus)
		assert.NotNil(t, b.ClaimedAt)
	}
}

func TestReconstructBeforeCompletion(t *testing.T) {
	env := newTestEnv(t, recovery.DefaultPolicy())
	rec, gs := env.setupVault(defaultParams())
	id := rec.Vault.ID
	shares := []fragments.Share{env.share(id, gs[0]), env.share(id, gs[1])}

	_, err := env.svc.Reconstruct(env.ctx, id, shares)
	require.ErrorIs(t, err, interfaces.ErrQuorumNotReached)

	req := env.trigger(rec)
	_, err = env.svc.Reconstruct(env.ctx, id, shares)
	require.ErrorIs(t, err, interfaces.ErrQuorumNotReached)

	for _, g := range gs[:2] {
		_, err := env.svc.Vote(env.ctx, id, req.ID, g.ID, interfaces.DecisionApprove, "")
		require.NoError(t, err)
	}
	_, err = env.svc.Reconstruct(env.ctx, id, shares)
	require.ErrorIs(t, err, interfaces.ErrTimeLockActive)

	// Completed, but no verified beneficiary to receive the secret.
	env.clock.Advance(72 * time.Hour)
	_, err = env.svc.Reconstruct(env.ctx, id, shares)
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)
	assert.Equal(t, interfaces.VaultDeathVerified, env.evaluate(id).Vault.Status)
	assert.Empty(t, env.releasedSecrets())
}

func TestSubmitFragmentReconstructsAtThreshold(t *testing.T) {
	env := newTestEnv(t, recovery.DefaultPolicy())
	rec, gs := env.readyForClaim(defaultParams(), 10000)
	id := rec.Vault.ID

	s0 := env.share(id, gs[0])
	bad := append([]byte(nil), s0.Data...)
	bad[0] ^= 0x01
	_, err := env.svc.SubmitFragment(env.ctx, id, gs[0].ID, s0.FragmentID, bad)
	require.ErrorIs(t, err, interfaces.ErrReconstructionMismatch)

	res, err := env.svc.SubmitFragment(env.ctx, id, gs[0].ID, s0.FragmentID, s0.Data)
	require.NoError(t, err)
	assert.Equal(t, SubmitResult{Collected: 1, Required: 2}, *res)

	// Resubmitting does not count twice.
	res, err = env.svc.SubmitFragment(env.ctx, id, gs[0].ID, s0.FragmentID, s0.Data)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Collected)

	s2 := env.share(id, gs[2])
	res, err = env.svc.SubmitFragment(env.ctx, id, gs[2].ID, s2.FragmentID, s2.Data)
	require.NoError(t, err)
	assert.True(t, res.Reconstructed)
	require.NotNil(t, res.Release)
	require.Len(t, env.releasedSecrets(), 1)

	_, err = env.svc.SubmitFragment(env.ctx, id, "stranger", s2.FragmentID, s2.Data)
	require.ErrorIs(t, err, interfaces.ErrGuardianNotEligible)
}

func TestSubmitFragmentRequiresCompletedRecovery(t *testing.T) {
	env := newTestEnv(t, recovery.DefaultPolicy())
	rec, gs := env.setupVault(defaultParams())
	s := env.share(rec.Vault.ID, gs[0])
	_, err := env.svc.SubmitFragment(env.ctx, rec.Vault.ID, gs[0].ID, s.FragmentID, s.Data)
	require.ErrorIs(t, err, interfaces.ErrQuorumNotReached)
}

func TestRotationDeferredDuringRecovery(t *testing.T) {
	env := newTestEnv(t, recovery.DefaultPolicy())
	rec, gs := env.setupVault(defaultParams())
	id := rec.Vault.ID
	env.trigger(rec)

	_, err := env.svc.RotateSecret(env.ctx, id, env.owner)
	require.ErrorIs(t, err, interfaces.ErrRequestAlreadyOpen)

	_, err = env.svc.Revoke(env.ctx, id, env.owner, gs[2].ID)
	require.NoError(t, err)
	stored := env.load(id)
	assert.True(t, stored.FragmentsStale)
	assert.Equal(t, 1, stored.Fragments.Generation)

	// The owner returns: the request closes and the rotation runs.
	_, err = env.svc.CheckIn(env.ctx, id, env.proof(id, cryptoutils.ActionCheckIn))
	require.NoError(t, err)
	stored = env.load(id)
	assert.True(t, stored.FragmentsStale, "total still counts the revoked guardian")

	out, err := env.svc.UpdateQuorum(env.ctx, id, env.owner, 2, 2)
	require.NoError(t, err)
	require.NotNil(t, out.Fragments)
	assert.Equal(t, 2, out.Fragments.Generation)
	assert.Len(t, out.Fragments.Fragments, 2)
	assert.False(t, out.FragmentsStale)

	_, held := out.Fragments.FragmentFor(gs[2].ID)
	assert.False(t, held)
}

func TestCancelAfterReconstructionRotates(t *testing.T) {
	env := newTestEnv(t, recovery.DefaultPolicy())
	rec, gs := env.readyForClaim(defaultParams(), 10000)
	id := rec.Vault.ID

	_, err := env.svc.Reconstruct(env.ctx, id, []fragments.Share{env.share(id, gs[0]), env.share(id, gs[1])})
	require.NoError(t, err)

	out, err := env.svc.CancelVault(env.ctx, id, env.proof(id, cryptoutils.ActionCancel))
	require.NoError(t, err)
	assert.Equal(t, interfaces.VaultActive, out.Vault.Status)
	assert.Nil(t, out.ReconstructedAt)
	require.NotNil(t, out.Fragments)
	assert.Equal(t, 2, out.Fragments.Generation)
	assert.False(t, out.FragmentsStale)
}

func TestInvitationTokens(t *testing.T) {
	env := newTestEnv(t, recovery.DefaultPolicy())
	rec := env.createVault(defaultParams())
	id := rec.Vault.ID
	_, pub, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	t.Run("single use", func(t *testing.T) {
		_, token, err := env.svc.Invite(env.ctx, id, env.owner, "once@example.com")
		require.NoError(t, err)
		_, err = env.svc.Accept(env.ctx, token.String(), pub)
		require.NoError(t, err)
		_, err = env.svc.Accept(env.ctx, token.String(), pub)
		require.ErrorIs(t, err, interfaces.ErrInvalidOrExpiredToken)
	})

	t.Run("expired", func(t *testing.T) {
		_, token, err := env.svc.Invite(env.ctx, id, env.owner, "slow@example.com")
		require.NoError(t, err)
		env.clock.Advance(8 * interfaces.Day)
		_, err = env.svc.Accept(env.ctx, token.String(), pub)
		require.ErrorIs(t, err, interfaces.ErrInvalidOrExpiredToken)
	})

	t.Run("declined", func(t *testing.T) {
		g, token, err := env.svc.Invite(env.ctx, id, env.owner, "no@example.com")
		require.NoError(t, err)
		declined, err := env.svc.Decline(env.ctx, token.String(), "busy")
		require.NoError(t, err)
		assert.Equal(t, interfaces.GuardianDeclined, declined.Status)
		assert.Equal(t, g.ID, declined.ID)
		_, err = env.svc.Accept(env.ctx, token.String(), pub)
		require.ErrorIs(t, err, interfaces.ErrInvalidOrExpiredToken)
	})

	t.Run("tampered", func(t *testing.T) {
		_, err := env.svc.Accept(env.ctx, "garbage", pub)
		require.ErrorIs(t, err, interfaces.ErrInvalidOrExpiredToken)
	})

	t.Run("event carries token", func(t *testing.T) {
		_, token, err := env.svc.Invite(env.ctx, id, env.owner, "evt@example.com")
		require.NoError(t, err)
		ev, ok := env.events.Last(interfaces.EventGuardianInvited)
		require.True(t, ok)
		assert.Equal(t, token.String(), ev.Attributes["token"])
		assert.Equal(t, []string{"evt@example.com"}, ev.Recipients)
	})

	t.Run("owner only", func(t *testing.T) {
		_, _, err := env.svc.Invite(env.ctx, id, "0x0000000000000000000000000000000000000001", "x@example.com")
		require.ErrorIs(t, err, interfaces.ErrUnauthorized)
	})
}

func TestRevokeBelowThreshold(t *testing.T) {
	env := newTestEnv(t, recovery.DefaultPolicy())
	rec, gs := env.setupVault(defaultParams())
	id := rec.Vault.ID

	_, err := env.svc.Revoke(env.ctx, id, env.owner, gs[0].ID)
	require.NoError(t, err)
	_, err = env.svc.Revoke(env.ctx, id, env.owner, gs[1].ID)
	require.ErrorIs(t, err, interfaces.ErrThresholdViolation)
	_, err = env.svc.Revoke(env.ctx, id, env.owner, gs[0].ID)
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	// A revoked guardian loses access to its fragment.
	_, err = env.svc.GetFragment(env.ctx, id, gs[0].ID)
	require.ErrorIs(t, err, interfaces.ErrGuardianNotEligible)
}

func TestBeneficiaryAllocations(t *testing.T) {
	env := newTestEnv(t, recovery.DefaultPolicy())
	rec := env.createVault(defaultParams())
	id := rec.Vault.ID

	a, err := env.svc.AddBeneficiary(env.ctx, id, env.owner, "a@example.com", 7000)
	require.NoError(t, err)
	_, err = env.svc.AddBeneficiary(env.ctx, id, env.owner, "b@example.com", 3001)
	require.ErrorIs(t, err, interfaces.ErrAllocationExceeded)
	_, err = env.svc.AddBeneficiary(env.ctx, id, env.owner, "b@example.com", 0)
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)
	_, err = env.svc.AddBeneficiary(env.ctx, id, env.owner, " ", 100)
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	_, err = env.svc.AddBeneficiary(env.ctx, id, env.owner, "b@example.com", 3000)
	require.NoError(t, err)

	require.NoError(t, env.svc.RemoveBeneficiary(env.ctx, id, env.owner, a.ID))
	require.ErrorIs(t, env.svc.RemoveBeneficiary(env.ctx, id, env.owner, a.ID), interfaces.ErrNotFound)
	assert.Len(t, env.load(id).Beneficiaries, 1)

	_, err = env.svc.VerifyBeneficiary(env.ctx, id, env.owner, "missing")
	require.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = env.svc.MarkClaimed(env.ctx, id, env.load(id).Beneficiaries[0].ID)
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}
