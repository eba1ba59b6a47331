package interfaces

import (
	"fmt"
	"time"
)

// FullAllocation is 100% expressed in basis points.
const FullAllocation = 10000

// ClaimStatus tracks whether a beneficiary has received its allocation.
type ClaimStatus string

const (
	ClaimUnclaimed ClaimStatus = "unclaimed"
	ClaimClaimed   ClaimStatus = "claimed"
)

// Beneficiary receives a share of the vault once it is ready for claim.
type Beneficiary struct {
	ID                    string      `json:"id"`
	VaultID               string      `json:"vault_id"`
	Contact               string      `json:"contact"`
	AllocationBasisPoints int         `json:"allocation_basis_points"`
	Verified              bool        `json:"verified"`
	ClaimStatus           ClaimStatus `json:"claim_status"`
	ClaimedAt             *time.Time  `json:"claimed_at,omitempty"`
}

// TotalAllocation sums the allocation of all beneficiaries in basis points.
func TotalAllocation(beneficiaries []Beneficiary) int {
	total := 0
	for _, b := range beneficiaries {
		total += b.AllocationBasisPoints
	}
	return total
}

// DistributionReady reports whether a death_verified vault may move to ready_for_claim.
func DistributionReady(beneficiaries []Beneficiary) error {
	if len(beneficiaries) == 0 {
		return fmt.Errorf("%w: no beneficiaries registered", ErrInvalidArgument)
	}
	if TotalAllocation(beneficiaries) > FullAllocation {
		return ErrAllocationExceeded
	}
	for _, b := range beneficiaries {
		if !b.Verified {
			return fmt.Errorf("%w: beneficiary %s is not verified", ErrInvalidArgument, b.ID)
		}
	}
	return nil
}

// AllClaimed reports whether every beneficiary has claimed.
func AllClaimed(beneficiaries []Beneficiary) bool {
	for _, b := range beneficiaries {
		if b.ClaimStatus != ClaimClaimed {
			return false
		}
	}
	return len(beneficiaries) > 0
}
