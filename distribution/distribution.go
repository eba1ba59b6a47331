// Package distribution releases a reconstructed vault to its beneficiaries.
package distribution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// LogDistributor records the release and reports every verified, unclaimed
// beneficiary as paid out. It never logs the secret itself, only the first
// bytes of its commitment so operators can correlate releases.
type LogDistributor struct {
	log *slog.Logger
}

func NewLogDistributor(log *slog.Logger) *LogDistributor {
	return &LogDistributor{log: log}
}

func (d *LogDistributor) Distribute(ctx context.Context, vault interfaces.Vault, beneficiaries []interfaces.Beneficiary, secret []byte) (interfaces.DistributionResult, error) {
	commitment := sha256.Sum256(secret)

	res := interfaces.DistributionResult{ClaimedBeneficiaries: []string{}}
	for _, b := range beneficiaries {
		if b.Verified && b.ClaimStatus == interfaces.ClaimUnclaimed {
			res.ClaimedBeneficiaries = append(res.ClaimedBeneficiaries, b.ID)
		}
	}

	d.log.Info("Vault released to beneficiaries",
		"vaultID", vault.ID,
		"method", vault.DistributionMethod,
		"commitment", hex.EncodeToString(commitment[:4]),
		"beneficiaries", len(res.ClaimedBeneficiaries),
	)
	return res, nil
}

// Func adapts a function to the Distributor interface.
type Func func(ctx context.Context, vault interfaces.Vault, beneficiaries []interfaces.Beneficiary, secret []byte) (interfaces.DistributionResult, error)

func (f Func) Distribute(ctx context.Context, vault interfaces.Vault, beneficiaries []interfaces.Beneficiary, secret []byte) (interfaces.DistributionResult, error) {
	return f(ctx, vault, beneficiaries, secret)
}
