package cryptoutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptionDecryption(t *testing.T) {
	privateKeyPEM, publicKeyPEM, err := GenerateKeyPair()
	require.NoError(t, err)

	aad := []byte("vault-1|gen-1|idx-1")

	testCases := []struct {
		name string
		data []byte
	}{
		{
			name: "Share",
			data: append([]byte{0x01}, make([]byte, 32)...),
		},
		{
			name: "Binary data",
			data: []byte{0x00, 0x01, 0x02, 0x03, 0xFF, 0xFE, 0xFD},
		},
		{
			name: "Empty data",
			data: []byte{},
		},
		{
			name: "Long data",
			data: make([]byte, 1024),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encryptedData, err := EncryptWithPublicKey(publicKeyPEM, tc.data, aad)
			require.NoError(t, err)
			require.Greater(t, len(encryptedData), len(tc.data))

			decryptedData, err := DecryptWithPrivateKey(privateKeyPEM, encryptedData, aad)
			require.NoError(t, err)
			require.Equal(t, len(tc.data), len(decryptedData))
			if len(tc.data) > 0 {
				require.Equal(t, tc.data, decryptedData)
			}
		})
	}
}

func TestDecryptionWithWrongKey(t *testing.T) {
	_, publicKeyPEM, err := GenerateKeyPair()
	require.NoError(t, err)
	otherPrivateKeyPEM, _, err := GenerateKeyPair()
	require.NoError(t, err)

	encryptedData, err := EncryptWithPublicKey(publicKeyPEM, []byte("share"), nil)
	require.NoError(t, err)

	_, err = DecryptWithPrivateKey(otherPrivateKeyPEM, encryptedData, nil)
	require.Error(t, err)
}

func TestDecryptionWithWrongAssociatedData(t *testing.T) {
	privateKeyPEM, publicKeyPEM, err := GenerateKeyPair()
	require.NoError(t, err)

	encryptedData, err := EncryptWithPublicKey(publicKeyPEM, []byte("share"), []byte("vault-1|guardian-a"))
	require.NoError(t, err)

	// A payload moved to another guardian slot must not open.
	_, err = DecryptWithPrivateKey(privateKeyPEM, encryptedData, []byte("vault-1|guardian-b"))
	require.Error(t, err)
}

func TestInvalidKeyFormats(t *testing.T) {
	_, err := EncryptWithPublicKey([]byte("not a valid PEM"), []byte("test"), nil)
	require.Error(t, err)

	_, err = DecryptWithPrivateKey([]byte("not a valid PEM"), []byte("test"), nil)
	require.Error(t, err)

	privateKeyPEM, _, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = DecryptWithPrivateKey(privateKeyPEM, []byte{0x01}, nil)
	require.Error(t, err)

	_, err = DecryptWithPrivateKey(privateKeyPEM, make([]byte, 100), nil)
	require.Error(t, err)
}
