package interfaces

import (
	"fmt"
	"time"
)

// Day is the unit of the check-in interval and grace period.
const Day = 24 * time.Hour

// VaultStatus is the lifecycle state of a vault.
type VaultStatus int

const (
	VaultActive VaultStatus = iota
	VaultWarning
	VaultTriggered
	VaultDeathVerified
	VaultReadyForClaim
	VaultClaimed
	// VaultCancelled is transient: an owner cancellation passes through it and
	// lands back in VaultActive within the same mutation.
	VaultCancelled
)

var vaultStatusNames = map[VaultStatus]string{
	VaultActive:        "active",
	VaultWarning:       "warning",
	VaultTriggered:     "triggered",
	VaultDeathVerified: "death_verified",
	VaultReadyForClaim: "ready_for_claim",
	VaultClaimed:       "claimed",
	VaultCancelled:     "cancelled",
}

func (s VaultStatus) String() string {
	if name, ok := vaultStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s VaultStatus) MarshalText() ([]byte, error) {
	name, ok := vaultStatusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown vault status %d", int(s))
	}
	return []byte(name), nil
}

func (s *VaultStatus) UnmarshalText(text []byte) error {
	for status, name := range vaultStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown vault status %q", text)
}

// Terminal reports whether no further transitions are possible.
func (s VaultStatus) Terminal() bool {
	switch s {
	case VaultClaimed:
		return true
	case VaultActive, VaultWarning, VaultTriggered, VaultDeathVerified, VaultReadyForClaim, VaultCancelled:
		return false
	default:
		panic(fmt.Sprintf("unhandled vault status %d", int(s)))
	}
}

// DistributionMethod selects how a ready_for_claim vault becomes claimed.
type DistributionMethod string

const (
	DistributionManual    DistributionMethod = "manual"
	DistributionAutomatic DistributionMethod = "automatic"
)

func (m DistributionMethod) Valid() bool {
	return m == DistributionManual || m == DistributionAutomatic
}

// Vault is the top-level dead-man's-switch entity.
type Vault struct {
	ID                  string             `json:"id"`
	OwnerAddress        string             `json:"owner_address"`
	CheckInIntervalDays int                `json:"check_in_interval_days"`
	GracePeriodDays     int                `json:"grace_period_days"`
	Status              VaultStatus        `json:"status"`
	LastCheckInAt       time.Time          `json:"last_check_in_at"`
	NextCheckInDueAt    time.Time          `json:"next_check_in_due_at"`
	LastProofAt         time.Time          `json:"last_proof_at"`
	Threshold           int                `json:"threshold"`
	TotalGuardians      int                `json:"total_guardians"`
	DistributionMethod  DistributionMethod `json:"distribution_method"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// CheckInInterval returns the interval as a duration.
func (v *Vault) CheckInInterval() time.Duration {
	return time.Duration(v.CheckInIntervalDays) * Day
}

// GracePeriod returns the grace period as a duration.
func (v *Vault) GracePeriod() time.Duration {
	return time.Duration(v.GracePeriodDays) * Day
}

// RecordCheckIn moves the check-in clock and keeps NextCheckInDueAt derived from it.
func (v *Vault) RecordCheckIn(at time.Time) {
	v.LastCheckInAt = at
	v.NextCheckInDueAt = at.Add(v.CheckInInterval())
}

// VaultParams are the owner-chosen settings of a new vault.
type VaultParams struct {
	CheckInIntervalDays int                `json:"check_in_interval_days"`
	GracePeriodDays     int                `json:"grace_period_days"`
	Threshold           int                `json:"threshold"`
	TotalGuardians      int                `json:"total_guardians"`
	DistributionMethod  DistributionMethod `json:"distribution_method"`
}

// Validate checks the invariants a vault must satisfy at creation.
func (p VaultParams) Validate() error {
	if p.CheckInIntervalDays < 1 {
		return fmt.Errorf("%w: check-in interval must be at least one day", ErrInvalidArgument)
	}
	if p.GracePeriodDays < 0 {
		return fmt.Errorf("%w: grace period cannot be negative", ErrInvalidArgument)
	}
	if err := ValidateQuorum(p.Threshold, p.TotalGuardians); err != nil {
		return err
	}
	if !p.DistributionMethod.Valid() {
		return fmt.Errorf("%w: unknown distribution method %q", ErrInvalidArgument, p.DistributionMethod)
	}
	return nil
}

// ValidateQuorum enforces 1 <= threshold <= total.
func ValidateQuorum(threshold, total int) error {
	if threshold < 1 {
		return fmt.Errorf("%w: threshold must be at least 1", ErrInvalidArgument)
	}
	if total < threshold {
		return fmt.Errorf("%w: threshold %d exceeds total guardians %d", ErrThresholdViolation, threshold, total)
	}
	// GF(256) Shamir supports at most 255 shares.
	if total > 255 {
		return fmt.Errorf("%w: at most 255 guardians are supported", ErrInvalidArgument)
	}
	return nil
}
