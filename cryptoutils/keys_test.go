package cryptoutils

import (
	"bytes"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestSignatureRoundTrip(t *testing.T) {
	privateKeyPEM, publicKeyPEM, err := GenerateKeyPair()
	require.NoError(t, err)
	privateKey, err := ParsePrivateKey(privateKeyPEM)
	require.NoError(t, err)

	env := RequestEnvelope{
		Method:    "POST",
		Path:      "/api/v1/vaults/v1/recovery/r1/vote",
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano(),
		Body:      []byte(`{"decision":"approve"}`),
	}

	sig, err := SignRequest(privateKey, env)
	require.NoError(t, err)
	require.NoError(t, VerifyRequestSignature(publicKeyPEM, env, sig))

	tests := []struct {
		name   string
		mutate func(e *RequestEnvelope)
	}{
		{"body", func(e *RequestEnvelope) { e.Body = []byte(`{"decision":"reject"}`) }},
		{"path", func(e *RequestEnvelope) { e.Path = "/api/v1/vaults/v2/recovery/r1/vote" }},
		{"method", func(e *RequestEnvelope) { e.Method = "PUT" }},
		{"timestamp", func(e *RequestEnvelope) { e.Timestamp++ }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := env
			tt.mutate(&changed)
			assert.Error(t, VerifyRequestSignature(publicKeyPEM, changed, sig))
		})
	}

	assert.Error(t, VerifyRequestSignature(publicKeyPEM, env, "%%%"))
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), env.Time())
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	_, err := ParsePublicKey([]byte("-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"))
	require.Error(t, err)

	_, err = ParsePublicKey(nil)
	require.Error(t, err)
}

func TestReadBodyRestoresBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/x", bytes.NewReader([]byte("payload")))
	body, err := ReadBody(req)
	require.NoError(t, err)
	require.Equal(t, "payload", string(body))

	again, err := ReadBody(req)
	require.NoError(t, err)
	require.Equal(t, "payload", string(again))
}

func TestTokenSecret(t *testing.T) {
	secret, salt, hash, err := NewTokenSecret()
	require.NoError(t, err)
	require.NotEmpty(t, secret)

	assert.True(t, VerifyTokenSecret(secret, salt, hash))
	assert.False(t, VerifyTokenSecret(secret+"x", salt, hash))
	assert.False(t, VerifyTokenSecret(secret, nil, hash))

	other, _, _, err := NewTokenSecret()
	require.NoError(t, err)
	assert.NotEqual(t, secret, other)
}
