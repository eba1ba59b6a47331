package clients

import (
	"context"
	"crypto/ecdsa"
	"net/http"
	"time"

	"github.com/ruteri/guardian-recovery-vault/api"
	"github.com/ruteri/guardian-recovery-vault/cryptoutils"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// OwnerClient signs requests with the owner's wallet key (secp256k1). The
// same key produces liveness proofs.
type OwnerClient struct {
	baseClient
	key     *ecdsa.PrivateKey
	address string
}

func NewOwnerClient(baseURL string, key *ecdsa.PrivateKey, address string, timeout ...time.Duration) *OwnerClient {
	return &OwnerClient{
		baseClient: newBaseClient(baseURL, timeout...),
		key:        key,
		address:    address,
	}
}

// Address returns the owner address the client signs as.
func (c *OwnerClient) Address() string {
	return c.address
}

func (c *OwnerClient) sign(req *http.Request, env cryptoutils.RequestEnvelope) error {
	sig, err := cryptoutils.SignOwnerRequest(c.key, env)
	if err != nil {
		return err
	}
	req.Header.Set(api.OwnerSignatureHeader, sig)
	return nil
}

func (c *OwnerClient) CreateVault(ctx context.Context, params interfaces.VaultParams) (*interfaces.VaultRecord, error) {
	var rec interfaces.VaultRecord
	in := api.CreateVaultRequest{OwnerAddress: c.address, VaultParams: params}
	if err := c.do(ctx, http.MethodPost, "/api/v1/vaults", in, &rec, c.sign); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CheckIn sends a fresh liveness proof.
func (c *OwnerClient) CheckIn(ctx context.Context, vaultID string) (*interfaces.VaultRecord, error) {
	return c.liveness(ctx, vaultID, cryptoutils.ActionCheckIn, "/checkin")
}

// CancelVault aborts a recovery with a fresh cancellation proof.
func (c *OwnerClient) CancelVault(ctx context.Context, vaultID string) (*interfaces.VaultRecord, error) {
	return c.liveness(ctx, vaultID, cryptoutils.ActionCancel, "/cancel")
}

func (c *OwnerClient) liveness(ctx context.Context, vaultID, action, suffix string) (*interfaces.VaultRecord, error) {
	proof, err := cryptoutils.SignLiveness(c.key, action, vaultID, c.clock.Now())
	if err != nil {
		return nil, err
	}
	var rec interfaces.VaultRecord
	if err := c.do(ctx, http.MethodPost, "/api/v1/vaults/"+vaultID+suffix, api.LivenessRequest{Proof: proof}, &rec, nil); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *OwnerClient) UpdateQuorum(ctx context.Context, vaultID string, threshold, total int) (*interfaces.VaultRecord, error) {
	var rec interfaces.VaultRecord
	in := api.QuorumRequest{Threshold: threshold, TotalGuardians: total}
	if err := c.do(ctx, http.MethodPut, "/api/v1/vaults/"+vaultID+"/quorum", in, &rec, c.sign); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Invite returns the pending guardian and its one-time invitation token.
func (c *OwnerClient) Invite(ctx context.Context, vaultID, contact string) (*api.InviteResponse, error) {
	var resp api.InviteResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/vaults/"+vaultID+"/guardians", api.InviteRequest{Contact: contact}, &resp, c.sign); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *OwnerClient) Revoke(ctx context.Context, vaultID, guardianID string) (*interfaces.Guardian, error) {
	var g interfaces.Guardian
	if err := c.do(ctx, http.MethodDelete, "/api/v1/vaults/"+vaultID+"/guardians/"+guardianID, nil, &g, c.sign); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *OwnerClient) AddBeneficiary(ctx context.Context, vaultID, contact string, allocationBasisPoints int) (*interfaces.Beneficiary, error) {
	var b interfaces.Beneficiary
	in := api.BeneficiaryRequest{Contact: contact, AllocationBasisPoints: allocationBasisPoints}
	if err := c.do(ctx, http.MethodPost, "/api/v1/vaults/"+vaultID+"/beneficiaries", in, &b, c.sign); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *OwnerClient) VerifyBeneficiary(ctx context.Context, vaultID, beneficiaryID string) (*interfaces.Beneficiary, error) {
	var b interfaces.Beneficiary
	if err := c.do(ctx, http.MethodPost, "/api/v1/vaults/"+vaultID+"/beneficiaries/"+beneficiaryID+"/verify", nil, &b, c.sign); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *OwnerClient) RemoveBeneficiary(ctx context.Context, vaultID, beneficiaryID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/vaults/"+vaultID+"/beneficiaries/"+beneficiaryID, nil, nil, c.sign)
}

// CreateFragments returns the fragment set without payloads.
func (c *OwnerClient) CreateFragments(ctx context.Context, vaultID string) (*interfaces.FragmentSet, error) {
	var set interfaces.FragmentSet
	if err := c.do(ctx, http.MethodPost, "/api/v1/vaults/"+vaultID+"/fragments", nil, &set, c.sign); err != nil {
		return nil, err
	}
	return &set, nil
}

func (c *OwnerClient) RotateSecret(ctx context.Context, vaultID string) (*interfaces.FragmentSet, error) {
	var set interfaces.FragmentSet
	if err := c.do(ctx, http.MethodPost, "/api/v1/vaults/"+vaultID+"/fragments/rotate", nil, &set, c.sign); err != nil {
		return nil, err
	}
	return &set, nil
}
