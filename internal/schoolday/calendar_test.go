package schoolday

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func manila(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Manila")
	require.NoError(t, err)
	return loc
}

func TestTodayUsesSchoolZoneNotUTC(t *testing.T) {
	// 2025-05-31 17:30 UTC is already 2025-06-01 01:30 in Manila.
	instant := time.Date(2025, 5, 31, 17, 30, 0, 0, time.UTC)
	cal := NewWithClock(manila(t), func() time.Time { return instant })

	assert.Equal(t, "2025-06-01", cal.Today())
	assert.Equal(t, "2025-05-31", instant.Format(DateLayout))
}

func TestAfterCutoff(t *testing.T) {
	loc := manila(t)
	cal := NewWithClock(loc, nil)

	assert.False(t, cal.After(time.Date(2025, 6, 1, 8, 29, 0, 0, loc), "08:30"))
	assert.True(t, cal.After(time.Date(2025, 6, 1, 8, 31, 0, 0, loc), "08:30"))
	assert.False(t, cal.After(time.Date(2025, 6, 1, 9, 0, 0, 0, loc), "bogus"))
}

func TestParseDate(t *testing.T) {
	cal := NewWithClock(manila(t), func() time.Time {
		return time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	})

	d, err := cal.ParseDate("")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-01", d)

	d, err = cal.ParseDate(" 2025-01-09 ")
	require.NoError(t, err)
	assert.Equal(t, "2025-01-09", d)

	_, err = cal.ParseDate("06/01/2025")
	assert.Error(t, err)
}

func TestNewRejectsUnknownZone(t *testing.T) {
	_, err := New("Mars/Olympus")
	assert.Error(t, err)
}

func TestParseCutoff(t *testing.T) {
	hm, err := ParseCutoff(" 08:30 ")
	require.NoError(t, err)
	assert.Equal(t, 8, hm.Hour())
	assert.Equal(t, 30, hm.Minute())

	for _, bad := range []string{"", "8.30", "25:00", "bogus"} {
		_, err := ParseCutoff(bad)
		assert.Error(t, err, bad)
	}
}
