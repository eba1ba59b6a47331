package cryptoutils

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// GenerateKeyPair generates a P-256 key pair for a guardian or administrator.
// Returns the private key PEM and public key PEM.
func GenerateKeyPair() ([]byte, []byte, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	privateKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyBytes})

	publicKeyPEM, err := MarshalPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return privateKeyPEM, publicKeyPEM, nil
}

// MarshalPublicKey encodes an ECDSA public key as PKIX PEM.
func MarshalPublicKey(publicKey *ecdsa.PublicKey) ([]byte, error) {
	publicKeyBytes, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyBytes}), nil
}

// ParsePrivateKey parses an ECDSA private key from PEM format (SEC1 or PKCS#8).
func ParsePrivateKey(privateKeyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ECDSA private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not an ECDSA key")
	}
	return key, nil
}

// ParsePublicKey parses a P-256 public key from PKIX PEM.
func ParsePublicKey(publicKeyPEM []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	publicKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}
	if publicKey.Curve != elliptic.P256() {
		return nil, errors.New("public key is not on P-256")
	}
	return publicKey, nil
}

// Fingerprint is the hex SHA-256 of a public key PEM.
func Fingerprint(publicKeyPEM []byte) string {
	h := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(h[:])
}

// RequestEnvelope is what a signed API request commits to. Timestamp is in
// unix nanoseconds and is strictly increasing per signer, which makes every
// signature usable once.
type RequestEnvelope struct {
	Method    string
	Path      string
	Timestamp int64
	Body      []byte
}

// Time returns the envelope timestamp.
func (e RequestEnvelope) Time() time.Time {
	return time.Unix(0, e.Timestamp).UTC()
}

// Digest is SHA-256(method SP path LF timestamp LF body).
func (e RequestEnvelope) Digest() []byte {
	h := sha256.New()
	h.Write([]byte(e.Method + " " + e.Path + "\n" + strconv.FormatInt(e.Timestamp, 10) + "\n"))
	h.Write(e.Body)
	return h.Sum(nil)
}

// SignRequest produces the base64 ASN.1 ECDSA signature over the envelope digest.
func SignRequest(privateKey *ecdsa.PrivateKey, env RequestEnvelope) (string, error) {
	sig, err := ecdsa.SignASN1(rand.Reader, privateKey, env.Digest())
	if err != nil {
		return "", fmt.Errorf("failed to sign request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyRequestSignature checks a base64 ASN.1 signature produced by SignRequest.
func VerifyRequestSignature(publicKeyPEM []byte, env RequestEnvelope, signatureB64 string) error {
	publicKey, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !ecdsa.VerifyASN1(publicKey, env.Digest(), sig) {
		return errors.New("invalid signature")
	}
	return nil
}

// ReadBody reads the request body and restores it for later handlers.
func ReadBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
