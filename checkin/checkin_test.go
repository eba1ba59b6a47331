package checkin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

func TestEvaluate(t *testing.T) {
	last := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	day := interfaces.Day

	testCases := []struct {
		name     string
		interval int
		grace    int
		now      time.Time
		expected State
	}{
		{"just checked in", 30, 7, last, StateOK},
		{"one second before due", 30, 7, last.Add(30*day - time.Second), StateOK},
		{"exactly due", 30, 7, last.Add(30 * day), StateWarning},
		{"inside grace", 30, 7, last.Add(33 * day), StateWarning},
		{"exactly end of grace", 30, 7, last.Add(37 * day), StateTriggered},
		{"long overdue", 30, 7, last.Add(38 * day), StateTriggered},
		{"zero grace skips warning", 1, 0, last.Add(day), StateTriggered},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := Evaluate(last, tc.interval, tc.grace, tc.now)
			assert.Equal(t, tc.expected, res.State, res.State.String())
			assert.Equal(t, last.Add(time.Duration(tc.interval)*day), res.WarningAt)
			assert.Equal(t, last.Add(time.Duration(tc.interval+tc.grace)*day), res.TriggerAt)
		})
	}
}

func TestEvaluateIsPure(t *testing.T) {
	last := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := last.Add(35 * interfaces.Day)
	first := Evaluate(last, 30, 7, now)
	for i := 0; i < 3; i++ {
		require.Equal(t, first, Evaluate(last, 30, 7, now))
	}
}

func TestForVault(t *testing.T) {
	v := &interfaces.Vault{CheckInIntervalDays: 30, GracePeriodDays: 7}
	v.RecordCheckIn(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	res := ForVault(v, v.LastCheckInAt.Add(38*interfaces.Day))
	require.Equal(t, StateTriggered, res.State)
	require.Equal(t, v.NextCheckInDueAt, res.WarningAt)
}
