// Package checkin derives the liveness state of a vault from its last
// check-in. Evaluate is a pure function of persisted timestamps and the
// caller-supplied time, so scheduler runs and replays agree.
package checkin

import (
	"fmt"
	"time"

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// State is the tracker verdict.
type State int

const (
	StateOK State = iota
	StateWarning
	StateTriggered
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "ok"
	case StateWarning:
		return "warning"
	case StateTriggered:
		return "triggered"
	default:
		panic(fmt.Sprintf("unhandled check-in state %d", int(s)))
	}
}

// Result carries the verdict together with the deadlines it was derived from.
type Result struct {
	State State
	// WarningAt is when the vault leaves ok (the check-in due date).
	WarningAt time.Time
	// TriggerAt is when the grace period ends.
	TriggerAt time.Time
}

// Evaluate returns ok while now < last+interval, warning until
// last+interval+grace, triggered from then on.
func Evaluate(lastCheckInAt time.Time, intervalDays, graceDays int, now time.Time) Result {
	warningAt := lastCheckInAt.Add(time.Duration(intervalDays) * interfaces.Day)
	triggerAt := warningAt.Add(time.Duration(graceDays) * interfaces.Day)

	res := Result{WarningAt: warningAt, TriggerAt: triggerAt}
	switch {
	case !now.Before(triggerAt):
		res.State = StateTriggered
	case !now.Before(warningAt):
		res.State = StateWarning
	default:
		res.State = StateOK
	}
	return res
}

// ForVault evaluates the tracker with the vault's own settings.
func ForVault(v *interfaces.Vault, now time.Time) Result {
	return Evaluate(v.LastCheckInAt, v.CheckInIntervalDays, v.GracePeriodDays, now)
}
