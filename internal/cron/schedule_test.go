package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"every minute", "* * * * *", false},
		{"five fields", "*/5 9-17 * * 1-5", false},
		{"daily at nine", "0 9 * * *", false},
		{"macro", "@hourly", false},
		{"empty", "", true},
		{"garbage", "not a schedule", true},
		{"out of range minute", "61 * * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchedule(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNextRunMs(t *testing.T) {
	// 2026-01-05 10:30:00 UTC
	ref := time.Date(2026, 1, 5, 10, 30, 0, 0, time.UTC).UnixMilli()

	next, err := NextRunMs("* * * * *", "UTC", ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 5, 10, 31, 0, 0, time.UTC).UnixMilli(), next)

	next, err = NextRunMs("0 9 * * *", "UTC", ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC).UnixMilli(), next)
}

func TestNextRunMsTimezone(t *testing.T) {
	// 10:30 UTC is 05:30 in New York (EST). The next 09:00 New York fire
	// is still the same calendar day there.
	ref := time.Date(2026, 1, 5, 10, 30, 0, 0, time.UTC).UnixMilli()
	next, err := NextRunMs("0 9 * * *", "America/New_York", ref)
	require.NoError(t, err)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 5, 9, 0, 0, 0, loc).UnixMilli(), next)
}

func TestNextRunMsBadInput(t *testing.T) {
	ref := time.Now().UnixMilli()
	_, err := NextRunMs("bogus", "UTC", ref)
	assert.Error(t, err)

	_, err = NextRunMs("* * * * *", "Not/AZone", ref)
	assert.Error(t, err)
}
