package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotKey(t *testing.T) {
	day := time.Date(2026, 1, 24, 23, 59, 0, 0, time.UTC)
	key := SlotKey(day, "08")
	assert.Equal(t, "2026-01-24_08", key)

	date, marker, err := ParseSlotKey(key)
	require.NoError(t, err)
	assert.Equal(t, "08", marker)
	assert.Equal(t, "2026-01-24", date.Format("2006-01-02"))
}

func TestParseSlotKeyMarkerMayContainUnderscore(t *testing.T) {
	_, marker, err := ParseSlotKey("2026-01-24_evening_late")
	require.NoError(t, err)
	assert.Equal(t, "evening_late", marker)
}

func TestParseSlotKeyRejectsMalformed(t *testing.T) {
	for _, key := range []string{"", "2026-01-24", "2026-01-24_", "_08", "24-01-2026_08", "2026-13-01_08"} {
		_, _, err := ParseSlotKey(key)
		assert.Error(t, err, key)
	}
}

func TestOutcomeHelpers(t *testing.T) {
	assert.False(t, OutcomePending.Terminal())
	assert.True(t, OutcomeCompleted.Terminal())
	assert.False(t, OutcomeCompleted.Unreachable())
	for _, o := range []Outcome{OutcomeNoAnswer, OutcomeBusy, OutcomeFailed} {
		assert.True(t, o.Unreachable(), o)
		assert.True(t, o.Terminal(), o)
	}
	assert.False(t, Outcome("voicemail").Valid())
}

func TestRiskRankAndAlertStatus(t *testing.T) {
	assert.Less(t, RiskSafe.Rank(), RiskWarning.Rank())
	assert.Less(t, RiskWarning.Rank(), RiskCritical.Rank())
	assert.True(t, AlertActive.Open())
	assert.True(t, AlertInProgress.Open())
	assert.False(t, AlertResolved.Open())
}

func TestRecipientHasSlot(t *testing.T) {
	r := Recipient{ScheduleSlots: []string{"08", "20"}}
	assert.True(t, r.HasSlot("20"))
	assert.False(t, r.HasSlot("14"))
}
