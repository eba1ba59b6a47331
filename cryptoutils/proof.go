package cryptoutils

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Liveness proof actions. The action is part of the signed message so a
// check-in proof cannot be replayed as a cancellation.
const (
	ActionCheckIn = "checkin"
	ActionCancel  = "cancel"
)

var ErrInvalidSignature = errors.New("invalid signature")

// LivenessProof is an owner's signed statement of being alive at Timestamp.
type LivenessProof struct {
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// Time returns the proof timestamp.
func (p LivenessProof) Time() time.Time {
	return time.Unix(p.Timestamp, 0).UTC()
}

// LivenessMessage is the text an owner signs with personal_sign.
func LivenessMessage(action, vaultID string, timestamp int64) []byte {
	return []byte("vault-liveness:" + action + ":" + vaultID + ":" + strconv.FormatInt(timestamp, 10))
}

// SignLiveness builds a proof with a secp256k1 key, as a wallet would.
func SignLiveness(key *ecdsa.PrivateKey, action, vaultID string, at time.Time) (LivenessProof, error) {
	ts := at.Unix()
	sig, err := SignPersonal(key, LivenessMessage(action, vaultID, ts))
	if err != nil {
		return LivenessProof{}, err
	}
	return LivenessProof{Timestamp: ts, Signature: sig}, nil
}

// SignPersonal produces a hex EIP-191 personal_sign signature with V in {27, 28}.
func SignPersonal(key *ecdsa.PrivateKey, message []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RecoverPersonalSigner returns the address that produced an EIP-191 signature.
func RecoverPersonalSigner(message []byte, signatureHex string) (common.Address, error) {
	sig, err := hexutil.Decode(signatureHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}
	// Wallets emit V as 27/28; SigToPub wants the raw recovery id.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyPersonalSignature checks that signatureHex over message was made by address.
func VerifyPersonalSignature(address string, message []byte, signatureHex string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid address %q", address)
	}
	signer, err := RecoverPersonalSigner(message, signatureHex)
	if err != nil {
		return err
	}
	if signer != common.HexToAddress(address) {
		return fmt.Errorf("%w: signed by %s", ErrInvalidSignature, signer.Hex())
	}
	return nil
}

// NormalizeAddress returns the checksummed form of an Ethereum address.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("invalid address %q", address)
	}
	return common.HexToAddress(address).Hex(), nil
}

// GenerateWalletKey creates a secp256k1 key and returns it with its address.
func GenerateWalletKey() (*ecdsa.PrivateKey, string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, "", err
	}
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// SignOwnerRequest signs a request envelope for the X-Owner-Signature header.
func SignOwnerRequest(key *ecdsa.PrivateKey, env RequestEnvelope) (string, error) {
	return SignPersonal(key, env.Digest())
}

// VerifyOwnerRequest checks an X-Owner-Signature header against address.
func VerifyOwnerRequest(address string, env RequestEnvelope, signatureHex string) error {
	return VerifyPersonalSignature(address, env.Digest(), signatureHex)
}
