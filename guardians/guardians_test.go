package guardians

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/guardian-recovery-vault/cryptoutils"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newRecord(threshold, total int) *interfaces.VaultRecord {
	return &interfaces.VaultRecord{Vault: interfaces.Vault{ID: "0f9a4c1e-vault", Threshold: threshold, TotalGuardians: total}}
}

func publicKey(t *testing.T) []byte {
	t.Helper()
	_, pub, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	return pub
}

func TestInviteAccept(t *testing.T) {
	reg := NewRegistry(0)
	rec := newRecord(1, 1)

	g, token, err := reg.Invite(rec, "alice@example.com", t0)
	require.NoError(t, err)
	assert.Equal(t, interfaces.GuardianPending, g.Status)
	assert.Equal(t, t0.Add(DefaultInvitationTTL), g.TokenExpiresAt)
	assert.NotEmpty(t, g.TokenHash)

	parsed, err := ParseToken(token.String())
	require.NoError(t, err)
	require.Equal(t, token, parsed)

	pub := publicKey(t)
	accepted, err := reg.Accept(rec, parsed, pub, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, interfaces.GuardianActive, accepted.Status)
	assert.Equal(t, pub, accepted.PublicKey)
	assert.True(t, accepted.TokenConsumed)
	assert.Nil(t, accepted.TokenHash)
	assert.Equal(t, []string{accepted.ID}, ActiveIDs(rec))

	// Single use.
	_, err = reg.Accept(rec, parsed, pub, t0.Add(2*time.Hour))
	require.ErrorIs(t, err, interfaces.ErrInvalidOrExpiredToken)
	_, err = reg.Decline(rec, parsed, "", t0.Add(2*time.Hour))
	require.ErrorIs(t, err, interfaces.ErrInvalidOrExpiredToken)
}

func TestInvalidTokens(t *testing.T) {
	reg := NewRegistry(time.Hour)
	rec := newRecord(1, 1)
	_, token, err := reg.Invite(rec, "bob", t0)
	require.NoError(t, err)

	testCases := []struct {
		name  string
		token Token
		at    time.Time
	}{
		{"wrong secret", Token{VaultID: token.VaultID, GuardianID: token.GuardianID, Secret: "nope"}, t0},
		{"wrong vault", Token{VaultID: "other", GuardianID: token.GuardianID, Secret: token.Secret}, t0},
		{"unknown guardian", Token{VaultID: token.VaultID, GuardianID: "ghost", Secret: token.Secret}, t0},
		{"expired", token, t0.Add(time.Hour)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Accept(rec, tc.token, publicKey(t), tc.at)
			require.ErrorIs(t, err, interfaces.ErrInvalidOrExpiredToken)
		})
	}

	_, err = ParseToken("a.b")
	require.ErrorIs(t, err, interfaces.ErrInvalidOrExpiredToken)
	_, err = ParseToken("a..c")
	require.ErrorIs(t, err, interfaces.ErrInvalidOrExpiredToken)
}

func TestAcceptRejectsBadPublicKeyWithoutConsumingToken(t *testing.T) {
	reg := NewRegistry(0)
	rec := newRecord(1, 1)
	_, token, err := reg.Invite(rec, "carol", t0)
	require.NoError(t, err)

	_, err = reg.Accept(rec, token, []byte("garbage"), t0)
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	_, err = reg.Accept(rec, token, publicKey(t), t0)
	require.NoError(t, err)
}

func TestDecline(t *testing.T) {
	reg := NewRegistry(0)
	rec := newRecord(1, 1)
	_, token, err := reg.Invite(rec, "dave", t0)
	require.NoError(t, err)

	g, err := reg.Decline(rec, token, "not comfortable", t0)
	require.NoError(t, err)
	assert.Equal(t, interfaces.GuardianDeclined, g.Status)
	assert.Equal(t, "not comfortable", g.DeclineReason)

	// The owner may invite the same contact again after a decline.
	_, _, err = reg.Invite(rec, "dave", t0)
	require.NoError(t, err)
}

func TestInviteDuplicateContact(t *testing.T) {
	reg := NewRegistry(0)
	rec := newRecord(1, 1)
	_, _, err := reg.Invite(rec, "erin", t0)
	require.NoError(t, err)
	_, _, err = reg.Invite(rec, "erin", t0)
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)
	_, _, err = reg.Invite(rec, "  ", t0)
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

func TestRevokeThreshold(t *testing.T) {
	reg := NewRegistry(0)
	rec := newRecord(2, 3)
	var ids []string
	for _, c := range []string{"a", "b", "c"} {
		_, token, err := reg.Invite(rec, c, t0)
		require.NoError(t, err)
		g, err := reg.Accept(rec, token, publicKey(t), t0)
		require.NoError(t, err)
		ids = append(ids, g.ID)
	}

	g, err := Revoke(rec, ids[0], t0)
	require.NoError(t, err)
	assert.Equal(t, interfaces.GuardianRevoked, g.Status)
	assert.False(t, IsActive(rec, ids[0]))

	_, err = Revoke(rec, ids[1], t0)
	require.ErrorIs(t, err, interfaces.ErrThresholdViolation)
	assert.Equal(t, 2, interfaces.ActiveGuardianCount(rec.Guardians))

	_, err = Revoke(rec, ids[0], t0)
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)
	_, err = Revoke(rec, "ghost", t0)
	require.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestRevokePendingInvitation(t *testing.T) {
	reg := NewRegistry(0)
	rec := newRecord(1, 1)
	_, token, err := reg.Invite(rec, "frank", t0)
	require.NoError(t, err)

	_, err = Revoke(rec, token.GuardianID, t0)
	require.NoError(t, err)

	_, err = reg.Accept(rec, token, publicKey(t), t0)
	require.ErrorIs(t, err, interfaces.ErrInvalidOrExpiredToken)
}
