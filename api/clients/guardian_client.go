package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ruteri/guardian-recovery-vault/api"
	"github.com/ruteri/guardian-recovery-vault/cryptoutils"
	"github.com/ruteri/guardian-recovery-vault/fragments"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
	"github.com/ruteri/guardian-recovery-vault/vault"
)

// GuardianClient acts for one guardian. The P-256 key pair registered on
// acceptance both authenticates requests and decrypts the guardian's
// fragment, which never leaves the client in plaintext except on submit.
type GuardianClient struct {
	baseClient
	guardianID    string
	privateKeyPEM []byte
	publicKeyPEM  []byte
	key           *ecdsa.PrivateKey
}

// NewGuardianClient creates a client from a PEM private key. guardianID may
// be empty until the invitation is accepted.
func NewGuardianClient(baseURL, guardianID string, privateKeyPEM []byte, timeout ...time.Duration) (*GuardianClient, error) {
	key, err := cryptoutils.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid guardian key: %w", err)
	}
	pub, err := cryptoutils.MarshalPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &GuardianClient{
		baseClient:    newBaseClient(baseURL, timeout...),
		guardianID:    guardianID,
		privateKeyPEM: privateKeyPEM,
		publicKeyPEM:  pub,
		key:           key,
	}, nil
}

func (c *GuardianClient) ID() string {
	return c.guardianID
}

func (c *GuardianClient) PublicKey() []byte {
	return c.publicKeyPEM
}

func (c *GuardianClient) sign(req *http.Request, env cryptoutils.RequestEnvelope) error {
	if c.guardianID == "" {
		return errors.New("guardian ID is not set, accept the invitation first")
	}
	sig, err := cryptoutils.SignRequest(c.key, env)
	if err != nil {
		return err
	}
	req.Header.Set(api.GuardianIDHeader, c.guardianID)
	req.Header.Set(api.GuardianSignatureHeader, sig)
	return nil
}

// Accept redeems an invitation token, registering this client's public key.
// The client then acts as the accepted guardian.
func (c *GuardianClient) Accept(ctx context.Context, token string) (*interfaces.Guardian, error) {
	var g interfaces.Guardian
	in := api.AcceptRequest{Token: token, PublicKey: string(c.publicKeyPEM)}
	if err := c.do(ctx, http.MethodPost, "/api/v1/invitations/accept", in, &g, nil); err != nil {
		return nil, err
	}
	c.guardianID = g.ID
	return &g, nil
}

func (c *GuardianClient) Decline(ctx context.Context, token, reason string) (*interfaces.Guardian, error) {
	var g interfaces.Guardian
	if err := c.do(ctx, http.MethodPost, "/api/v1/invitations/decline", api.DeclineRequest{Token: token, Reason: reason}, &g, nil); err != nil {
		return nil, err
	}
	return &g, nil
}

// GetFragment fetches this guardian's encrypted fragment.
func (c *GuardianClient) GetFragment(ctx context.Context, vaultID string) (*interfaces.Fragment, error) {
	var f interfaces.Fragment
	if err := c.do(ctx, http.MethodGet, "/api/v1/vaults/"+vaultID+"/fragments/mine", nil, &f, c.sign); err != nil {
		return nil, err
	}
	return &f, nil
}

// FetchShare fetches and decrypts this guardian's fragment. The caller
// should wipe the share when done with it.
func (c *GuardianClient) FetchShare(ctx context.Context, vaultID string) (fragments.Share, error) {
	f, err := c.GetFragment(ctx, vaultID)
	if err != nil {
		return fragments.Share{}, err
	}
	data, err := fragments.DecryptShare(c.privateKeyPEM, f)
	if err != nil {
		return fragments.Share{}, fmt.Errorf("failed to decrypt fragment: %w", err)
	}
	return fragments.Share{FragmentID: f.ID, GuardianID: c.guardianID, Data: data}, nil
}

func (c *GuardianClient) VerifyFragment(ctx context.Context, vaultID string, share fragments.Share) (bool, error) {
	var resp api.VerifyFragmentResponse
	path := "/api/v1/vaults/" + vaultID + "/fragments/" + share.FragmentID + "/verify"
	if err := c.do(ctx, http.MethodPost, path, api.VerifyFragmentRequest{Share: share.Data}, &resp, c.sign); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

// SubmitFragment contributes this guardian's share to a completed recovery.
func (c *GuardianClient) SubmitFragment(ctx context.Context, vaultID string, share fragments.Share) (*vault.SubmitResult, error) {
	var res vault.SubmitResult
	in := api.SubmitFragmentRequest{FragmentID: share.FragmentID, Share: share.Data}
	if err := c.do(ctx, http.MethodPost, "/api/v1/vaults/"+vaultID+"/fragments/submit", in, &res, c.sign); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *GuardianClient) Vote(ctx context.Context, vaultID, requestID string, decision interfaces.Decision, note string) (*interfaces.RecoveryRequest, error) {
	var req interfaces.RecoveryRequest
	path := "/api/v1/vaults/" + vaultID + "/recovery/" + requestID + "/vote"
	if err := c.do(ctx, http.MethodPost, path, api.VoteRequest{Decision: decision, Note: note}, &req, c.sign); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *GuardianClient) Dispute(ctx context.Context, vaultID, requestID, reason string) (*interfaces.RecoveryRequest, error) {
	var req interfaces.RecoveryRequest
	path := "/api/v1/vaults/" + vaultID + "/recovery/" + requestID + "/dispute"
	if err := c.do(ctx, http.MethodPost, path, api.DisputeRequest{Reason: reason}, &req, c.sign); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *GuardianClient) Execute(ctx context.Context, vaultID, requestID string) (*interfaces.RecoveryRequest, error) {
	var req interfaces.RecoveryRequest
	path := "/api/v1/vaults/" + vaultID + "/recovery/" + requestID + "/execute"
	if err := c.do(ctx, http.MethodPost, path, nil, &req, c.sign); err != nil {
		return nil, err
	}
	return &req, nil
}
