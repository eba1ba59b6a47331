package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const gcmNonceSize = 12

// EncryptWithPublicKey encrypts data to a P-256 public key (PEM) using ECIES:
// ephemeral ECDH, SHA-256 key derivation and AES-GCM. associatedData is
// authenticated but not encrypted; the same value must be passed to decrypt.
//
// Format: [ephemeral key length (2 bytes)][ephemeral key][nonce][ciphertext]
func EncryptWithPublicKey(publicKeyPEM []byte, data []byte, associatedData []byte) ([]byte, error) {
	publicKey, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	recipient, err := publicKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert public key: %w", err)
	}

	ephemeralKey, err := recipient.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	shared, err := ephemeralKey.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	aesGCM, err := newGCM(shared)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aesGCM.Seal(nil, nonce, data, associatedData)
	ephemeralPublic := ephemeralKey.PublicKey().Bytes()

	result := make([]byte, 0, 2+len(ephemeralPublic)+len(nonce)+len(ciphertext))
	result = binary.BigEndian.AppendUint16(result, uint16(len(ephemeralPublic)))
	result = append(result, ephemeralPublic...)
	result = append(result, nonce...)
	result = append(result, ciphertext...)
	return result, nil
}

// DecryptWithPrivateKey reverses EncryptWithPublicKey.
func DecryptWithPrivateKey(privateKeyPEM []byte, encryptedData []byte, associatedData []byte) ([]byte, error) {
	privateKey, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return DecryptWithKey(privateKey, encryptedData, associatedData)
}

// DecryptWithKey is DecryptWithPrivateKey for an already parsed key.
func DecryptWithKey(privateKey *ecdsa.PrivateKey, encryptedData []byte, associatedData []byte) ([]byte, error) {
	if len(encryptedData) < 2 {
		return nil, errors.New("encrypted data too short")
	}

	ephemeralKeyLen := int(binary.BigEndian.Uint16(encryptedData[0:2]))
	if len(encryptedData) < 2+ephemeralKeyLen+gcmNonceSize {
		return nil, errors.New("encrypted data has invalid format")
	}

	own, err := privateKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert private key: %w", err)
	}

	ephemeralPublic, err := own.Curve().NewPublicKey(encryptedData[2 : 2+ephemeralKeyLen])
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ephemeral public key: %w", err)
	}

	shared, err := own.ECDH(ephemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	aesGCM, err := newGCM(shared)
	if err != nil {
		return nil, err
	}

	nonceStart := 2 + ephemeralKeyLen
	nonce := encryptedData[nonceStart : nonceStart+gcmNonceSize]
	ciphertext := encryptedData[nonceStart+gcmNonceSize:]

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(shared []byte) (cipher.AEAD, error) {
	key := sha256.Sum256(shared)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
