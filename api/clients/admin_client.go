package clients

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ruteri/guardian-recovery-vault/api"
	"github.com/ruteri/guardian-recovery-vault/cryptoutils"
	"github.com/ruteri/guardian-recovery-vault/fragments"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
	"github.com/ruteri/guardian-recovery-vault/vault"
)

// AdminClient provides methods for interacting with the admin API.
// It handles authentication, request signing, and response parsing.
type AdminClient struct {
	baseClient
	adminID    string
	privateKey *ecdsa.PrivateKey
}

// NewAdminClient creates a new admin client for interacting with the admin API.
//
// Parameters:
//   - baseURL: The base URL of the server (e.g., "http://localhost:8080")
//   - adminID: The administrator's ID
//   - privateKey: The administrator's ECDSA P-256 private key
//   - timeout: Request timeout duration (optional, default 30 seconds)
func NewAdminClient(baseURL, adminID string, privateKey *ecdsa.PrivateKey, timeout ...time.Duration) *AdminClient {
	return &AdminClient{
		baseClient: newBaseClient(baseURL, timeout...),
		adminID:    adminID,
		privateKey: privateKey,
	}
}

func (c *AdminClient) sign(req *http.Request, env cryptoutils.RequestEnvelope) error {
	sig, err := cryptoutils.SignRequest(c.privateKey, env)
	if err != nil {
		return err
	}
	req.Header.Set(api.AdminIDHeader, c.adminID)
	req.Header.Set(api.AdminSignatureHeader, sig)
	return nil
}

// EvaluateAll forces an evaluation pass over every vault.
func (c *AdminClient) EvaluateAll(ctx context.Context) (api.EvaluateResponse, error) {
	var resp api.EvaluateResponse
	err := c.do(ctx, http.MethodPost, "/api/admin/evaluate", nil, &resp, c.sign)
	return resp, err
}

// GetVault returns the vault as seen through the admin API.
func (c *AdminClient) GetVault(ctx context.Context, vaultID string) (*interfaces.VaultRecord, error) {
	var rec interfaces.VaultRecord
	if err := c.do(ctx, http.MethodGet, "/api/admin/vaults/"+vaultID, nil, &rec, c.sign); err != nil {
		return nil, err
	}
	return &rec, nil
}

// OpenRecovery opens a recovery request for a triggered vault whose previous
// request expired without being reopened.
func (c *AdminClient) OpenRecovery(ctx context.Context, vaultID string) (*interfaces.RecoveryRequest, error) {
	var req interfaces.RecoveryRequest
	if err := c.do(ctx, http.MethodPost, "/api/admin/vaults/"+vaultID+"/recovery/open", nil, &req, c.sign); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *AdminClient) ResetDispute(ctx context.Context, vaultID string) (*interfaces.VaultRecord, error) {
	var rec interfaces.VaultRecord
	if err := c.do(ctx, http.MethodPost, "/api/admin/vaults/"+vaultID+"/recovery/reset-dispute", nil, &rec, c.sign); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *AdminClient) Execute(ctx context.Context, vaultID, requestID string) (*interfaces.RecoveryRequest, error) {
	var req interfaces.RecoveryRequest
	if err := c.do(ctx, http.MethodPost, "/api/admin/vaults/"+vaultID+"/recovery/"+requestID+"/execute", nil, &req, c.sign); err != nil {
		return nil, err
	}
	return &req, nil
}

// Reconstruct combines decrypted shares collected out of band. The server
// hands the secret to its distributor and only reports the outcome.
func (c *AdminClient) Reconstruct(ctx context.Context, vaultID string, shares []fragments.Share) (*vault.Release, error) {
	in := api.ReconstructRequest{Shares: make([]api.ShareSubmission, 0, len(shares))}
	for _, s := range shares {
		in.Shares = append(in.Shares, api.ShareSubmission{FragmentID: s.FragmentID, GuardianID: s.GuardianID, Share: s.Data})
	}
	var release vault.Release
	if err := c.do(ctx, http.MethodPost, "/api/admin/vaults/"+vaultID+"/reconstruct", in, &release, c.sign); err != nil {
		return nil, err
	}
	return &release, nil
}

func (c *AdminClient) MarkClaimed(ctx context.Context, vaultID, beneficiaryID string) (*interfaces.VaultRecord, error) {
	var rec interfaces.VaultRecord
	in := api.MarkClaimedRequest{BeneficiaryID: beneficiaryID}
	if err := c.do(ctx, http.MethodPost, "/api/admin/vaults/"+vaultID+"/claims", in, &rec, c.sign); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateSignedAdminRequest creates a new HTTP request with admin
// authentication headers, signed as issued at the given time.
func CreateSignedAdminRequest(method, reqURL string, body []byte, at time.Time, adminID string, privateKey *ecdsa.PrivateKey) (*http.Request, error) {
	req, err := http.NewRequest(method, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := signAdmin(req, body, at, adminID, privateKey); err != nil {
		return nil, err
	}
	return req, nil
}

// SignAdminRequest adds authentication headers to an existing HTTP request.
// The body is read and restored.
func SignAdminRequest(req *http.Request, at time.Time, adminID string, privateKey *ecdsa.PrivateKey) error {
	if req == nil {
		return errors.New("request cannot be nil")
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	return signAdmin(req, body, at, adminID, privateKey)
}

func signAdmin(req *http.Request, body []byte, at time.Time, adminID string, privateKey *ecdsa.PrivateKey) error {
	env := cryptoutils.RequestEnvelope{
		Method:    req.Method,
		Path:      req.URL.Path,
		Timestamp: at.UnixNano(),
		Body:      body,
	}
	sig, err := cryptoutils.SignRequest(privateKey, env)
	if err != nil {
		return err
	}
	req.Header.Set(api.RequestTimestampHeader, strconv.FormatInt(env.Timestamp, 10))
	req.Header.Set(api.AdminIDHeader, adminID)
	req.Header.Set(api.AdminSignatureHeader, sig)
	return nil
}
