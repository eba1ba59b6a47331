// Package guardians manages guardian membership of a vault: invitations,
// single-use invitation tokens, acceptance, decline and revocation.
package guardians

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/guardian-recovery-vault/cryptoutils"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// DefaultInvitationTTL bounds how long an invitation token stays valid.
const DefaultInvitationTTL = 7 * interfaces.Day

// Registry applies the invitation lifecycle to a vault record.
type Registry struct {
	InvitationTTL time.Duration
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultInvitationTTL
	}
	return &Registry{InvitationTTL: ttl}
}

// Token is the parsed form of "<vaultID>.<guardianID>.<secret>".
type Token struct {
	VaultID    string
	GuardianID string
	Secret     string
}

func (t Token) String() string {
	return t.VaultID + "." + t.GuardianID + "." + t.Secret
}

// ParseToken splits an invitation token. Vault and guardian identifiers are
// UUIDs and the secret is base64url, so none of them contain dots.
func ParseToken(token string) (Token, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Token{}, fmt.Errorf("%w: malformed token", interfaces.ErrInvalidOrExpiredToken)
	}
	return Token{VaultID: parts[0], GuardianID: parts[1], Secret: parts[2]}, nil
}

// Invite adds a pending guardian and returns it with its one-time token.
func (r *Registry) Invite(rec *interfaces.VaultRecord, contact string, now time.Time) (*interfaces.Guardian, Token, error) {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return nil, Token{}, fmt.Errorf("%w: guardian contact is required", interfaces.ErrInvalidArgument)
	}
	for _, g := range rec.Guardians {
		if g.Contact == contact && (g.Status == interfaces.GuardianPending || g.Status == interfaces.GuardianActive) {
			return nil, Token{}, fmt.Errorf("%w: %s is already a %s guardian", interfaces.ErrInvalidArgument, contact, g.Status)
		}
	}

	secret, salt, hash, err := cryptoutils.NewTokenSecret()
	if err != nil {
		return nil, Token{}, err
	}

	rec.Guardians = append(rec.Guardians, interfaces.Guardian{
		ID:             uuid.NewString(),
		VaultID:        rec.Vault.ID,
		Contact:        contact,
		Status:         interfaces.GuardianPending,
		TokenHash:      hash,
		TokenSalt:      salt,
		TokenExpiresAt: now.Add(r.InvitationTTL),
		InvitedAt:      now,
	})
	g := &rec.Guardians[len(rec.Guardians)-1]
	return g, Token{VaultID: rec.Vault.ID, GuardianID: g.ID, Secret: secret}, nil
}

// Accept activates the invited guardian and records its public key.
func (r *Registry) Accept(rec *interfaces.VaultRecord, token Token, publicKeyPEM []byte, now time.Time) (*interfaces.Guardian, error) {
	g, err := redeem(rec, token, now)
	if err != nil {
		return nil, err
	}
	if _, err := cryptoutils.ParsePublicKey(publicKeyPEM); err != nil {
		return nil, fmt.Errorf("%w: guardian public key: %v", interfaces.ErrInvalidArgument, err)
	}

	g.Status = interfaces.GuardianActive
	g.PublicKey = append([]byte(nil), publicKeyPEM...)
	g.ActivatedAt = &now
	consume(g)
	return g, nil
}

// Decline closes the invitation. Declined guardians are terminal.
func (r *Registry) Decline(rec *interfaces.VaultRecord, token Token, reason string, now time.Time) (*interfaces.Guardian, error) {
	g, err := redeem(rec, token, now)
	if err != nil {
		return nil, err
	}
	g.Status = interfaces.GuardianDeclined
	g.DeclineReason = reason
	consume(g)
	return g, nil
}

// Revoke removes a guardian. Revoking an active guardian fails with
// ErrThresholdViolation when fewer than threshold active guardians would remain.
func Revoke(rec *interfaces.VaultRecord, guardianID string, now time.Time) (*interfaces.Guardian, error) {
	g, ok := rec.Guardian(guardianID)
	if !ok {
		return nil, fmt.Errorf("%w: guardian %s", interfaces.ErrNotFound, guardianID)
	}

	switch g.Status {
	case interfaces.GuardianActive:
		remaining := interfaces.ActiveGuardianCount(rec.Guardians) - 1
		if remaining < rec.Vault.Threshold {
			return nil, fmt.Errorf("%w: %d active guardians would remain, threshold is %d", interfaces.ErrThresholdViolation, remaining, rec.Vault.Threshold)
		}
	case interfaces.GuardianPending:
		consume(g)
	case interfaces.GuardianDeclined, interfaces.GuardianRevoked:
		return nil, fmt.Errorf("%w: guardian is already %s", interfaces.ErrInvalidArgument, g.Status)
	default:
		panic(fmt.Sprintf("unhandled guardian status %d", int(g.Status)))
	}

	g.Status = interfaces.GuardianRevoked
	g.RevokedAt = &now
	return g, nil
}

// ActiveIDs returns the identifiers of the active guardians in registry order.
func ActiveIDs(rec *interfaces.VaultRecord) []string {
	ids := make([]string, 0, len(rec.Guardians))
	for _, g := range rec.Guardians {
		if g.IsActive() {
			ids = append(ids, g.ID)
		}
	}
	return ids
}

// IsActive reports whether guardianID is currently an active guardian.
func IsActive(rec *interfaces.VaultRecord, guardianID string) bool {
	g, ok := rec.Guardian(guardianID)
	return ok && g.IsActive()
}

func redeem(rec *interfaces.VaultRecord, token Token, now time.Time) (*interfaces.Guardian, error) {
	if token.VaultID != rec.Vault.ID {
		return nil, interfaces.ErrInvalidOrExpiredToken
	}
	g, ok := rec.Guardian(token.GuardianID)
	if !ok || g.Status != interfaces.GuardianPending || g.TokenConsumed {
		return nil, interfaces.ErrInvalidOrExpiredToken
	}
	if !now.Before(g.TokenExpiresAt) {
		return nil, fmt.Errorf("%w: expired at %s", interfaces.ErrInvalidOrExpiredToken, g.TokenExpiresAt.Format(time.RFC3339))
	}
	if !cryptoutils.VerifyTokenSecret(token.Secret, g.TokenSalt, g.TokenHash) {
		return nil, interfaces.ErrInvalidOrExpiredToken
	}
	return g, nil
}

func consume(g *interfaces.Guardian) {
	g.TokenConsumed = true
	g.TokenHash = nil
	g.TokenSalt = nil
}
