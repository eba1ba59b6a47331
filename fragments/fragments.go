// Package fragments splits a vault recovery key into per-guardian fragments
// and combines them back.
//
// A fresh 32-byte secret is generated for every generation, split with
// Shamir's scheme over GF(256), and each share is encrypted to the holding
// guardian's P-256 key. Only the encrypted shares, a verification tag per
// share and a SHA-256 commitment to the secret are kept; the secret and the
// plaintext shares are wiped before Generate returns.
package fragments

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/vault/shamir"

	"github.com/ruteri/guardian-recovery-vault/cryptoutils"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// SecretSize is the length of a vault recovery key.
const SecretSize = 32

// Holder is an active guardian that receives a fragment.
type Holder struct {
	GuardianID string
	PublicKey  []byte
}

// Share is a decrypted fragment presented for verification or reconstruction.
type Share struct {
	FragmentID string
	GuardianID string
	Data       []byte
}

// Generate creates the given generation of the vault's fragment set: one fragment
// per holder, any threshold of which reconstruct the same secret.
func Generate(vaultID string, generation, threshold int, holders []Holder, now time.Time) (*interfaces.FragmentSet, error) {
	if err := interfaces.ValidateQuorum(threshold, len(holders)); err != nil {
		return nil, err
	}

	secret := make([]byte, SecretSize)
	defer wipeBytes(secret)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("failed to generate vault secret: %w", err)
	}

	shares, err := split(secret, len(holders), threshold)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, s := range shares {
			wipeBytes(s)
		}
	}()

	commitment := sha256.Sum256(secret)
	set := &interfaces.FragmentSet{
		Generation:       generation,
		Threshold:        threshold,
		Total:            len(holders),
		SecretCommitment: commitment[:],
		CreatedAt:        now,
		Fragments:        make([]interfaces.Fragment, 0, len(holders)),
	}

	for i, h := range holders {
		f := interfaces.Fragment{
			ID:         uuid.NewString(),
			VaultID:    vaultID,
			GuardianID: h.GuardianID,
			Generation: generation,
			Index:      i + 1,
		}
		f.EncryptedPayload, err = cryptoutils.EncryptWithPublicKey(h.PublicKey, shares[i], AssociatedData(&f))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt fragment for guardian %s: %w", h.GuardianID, err)
		}
		f.VerificationTag = Tag(vaultID, generation, f.Index, shares[i])
		set.Fragments = append(set.Fragments, f)
	}

	return set, nil
}

// AssociatedData binds an encrypted payload to its vault, generation,
// guardian and index so it cannot be moved to another slot.
func AssociatedData(f *interfaces.Fragment) []byte {
	return []byte(f.VaultID + "|" + strconv.Itoa(f.Generation) + "|" + f.GuardianID + "|" + strconv.Itoa(f.Index))
}

// Tag is SHA-256(vaultID || generation || index || share).
func Tag(vaultID string, generation, index int, share []byte) []byte {
	h := sha256.New()
	h.Write([]byte(vaultID))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(generation))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(index))
	h.Write(buf[:])
	h.Write(share)
	return h.Sum(nil)
}

// Verify checks a candidate share against the stored tag of f without
// reconstructing anything.
func Verify(f *interfaces.Fragment, candidate []byte) bool {
	expected := Tag(f.VaultID, f.Generation, f.Index, candidate)
	return subtle.ConstantTimeCompare(expected, f.VerificationTag) == 1
}

// DecryptShare opens a guardian's fragment with its private key.
func DecryptShare(privateKeyPEM []byte, f *interfaces.Fragment) ([]byte, error) {
	return cryptoutils.DecryptWithPrivateKey(privateKeyPEM, f.EncryptedPayload, AssociatedData(f))
}

// Reconstruct combines shares of set back into the secret. The caller must
// wipe the returned slice. Fails with ErrInsufficientFragments below the
// threshold and ErrReconstructionMismatch when any share is unknown,
// duplicated, fails its tag, or the result does not match the commitment.
func Reconstruct(set *interfaces.FragmentSet, shares []Share) ([]byte, error) {
	if set == nil {
		return nil, fmt.Errorf("%w: vault has no fragments", interfaces.ErrInsufficientFragments)
	}
	if len(shares) < set.Threshold {
		return nil, fmt.Errorf("%w: have %d, need %d", interfaces.ErrInsufficientFragments, len(shares), set.Threshold)
	}

	type indexed struct {
		index int
		data  []byte
	}
	selected := make([]indexed, 0, len(shares))
	seen := make(map[int]struct{}, len(shares))
	for _, s := range shares {
		f, ok := set.FragmentByID(s.FragmentID)
		if !ok {
			return nil, fmt.Errorf("%w: fragment %s is not part of generation %d", interfaces.ErrReconstructionMismatch, s.FragmentID, set.Generation)
		}
		if s.GuardianID != "" && s.GuardianID != f.GuardianID {
			return nil, fmt.Errorf("%w: fragment %s is not held by guardian %s", interfaces.ErrReconstructionMismatch, s.FragmentID, s.GuardianID)
		}
		if _, dup := seen[f.Index]; dup {
			return nil, fmt.Errorf("%w: fragment %s submitted twice", interfaces.ErrReconstructionMismatch, s.FragmentID)
		}
		if !Verify(f, s.Data) {
			return nil, fmt.Errorf("%w: fragment %s failed verification", interfaces.ErrReconstructionMismatch, s.FragmentID)
		}
		seen[f.Index] = struct{}{}
		selected = append(selected, indexed{index: f.Index, data: s.Data})
	}

	// Any threshold-sized subset determines the polynomial; use the lowest
	// indices so the choice does not depend on submission order.
	sort.Slice(selected, func(i, j int) bool { return selected[i].index < selected[j].index })
	parts := make([][]byte, set.Threshold)
	for i := range parts {
		parts[i] = append([]byte(nil), selected[i].data...)
	}
	defer func() {
		for _, p := range parts {
			wipeBytes(p)
		}
	}()

	secret, err := combine(parts, set.Threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrReconstructionMismatch, err)
	}

	commitment := sha256.Sum256(secret)
	if subtle.ConstantTimeCompare(commitment[:], set.SecretCommitment) != 1 {
		wipeBytes(secret)
		return nil, fmt.Errorf("%w: reconstructed secret does not match generation %d", interfaces.ErrReconstructionMismatch, set.Generation)
	}
	return secret, nil
}

// split wraps shamir.Split. A threshold of one degenerates to replication,
// with the same trailing index byte the Shamir shares carry.
func split(secret []byte, parts, threshold int) ([][]byte, error) {
	if threshold == 1 {
		shares := make([][]byte, parts)
		for i := range shares {
			shares[i] = append(append(make([]byte, 0, len(secret)+1), secret...), byte(i+1))
		}
		return shares, nil
	}
	shares, err := shamir.Split(secret, parts, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split vault secret: %w", err)
	}
	return shares, nil
}

func combine(parts [][]byte, threshold int) ([]byte, error) {
	if threshold == 1 {
		if len(parts) == 0 || len(parts[0]) < 2 {
			return nil, fmt.Errorf("share too short")
		}
		return append([]byte(nil), parts[0][:len(parts[0])-1]...), nil
	}
	return shamir.Combine(parts)
}

// Securely wipe data from memory
func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// Wipe zeroes a secret returned by Reconstruct.
func Wipe(secret []byte) {
	wipeBytes(secret)
}
