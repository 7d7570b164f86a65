package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyMarshalledDocument(t *testing.T) {
	a := NewEvent("zzz-1", "", "20241218")
	a.SetRRule("FREQ=YEARLY;BYMONTH=06;BYMONTHDAY=19")
	a.SetSummary("Alice")
	b := NewEvent("zzz-2", "", "20250101T100000")

	cal, err := New(testConfig, a, b)
	require.NoError(t, err)

	rep, err := Verify(cal.Marshal(fixedNow))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Events)
	assert.Equal(t, []string{"zzz-1", "zzz-2"}, rep.UIDs)
}

func TestVerifyRejectsDuplicateUID(t *testing.T) {
	cal, err := New(testConfig,
		NewEvent("dup", "", "20241218"),
		NewEvent("dup", "", "20241219"),
	)
	require.NoError(t, err)

	_, err = Verify(cal.Marshal(fixedNow))
	assert.ErrorContains(t, err, "duplicate UID")
}

func TestVerifyEmpty(t *testing.T) {
	_, err := Verify(nil)
	assert.Error(t, err)
}

func TestYearlyRule(t *testing.T) {
	rule, err := YearlyRule(6, 19)
	require.NoError(t, err)
	assert.Equal(t, "FREQ=YEARLY;BYMONTH=06;BYMONTHDAY=19", rule)

	rule, err = YearlyRule(1, 2)
	require.NoError(t, err)
	assert.Equal(t, "FREQ=YEARLY;BYMONTH=01;BYMONTHDAY=02", rule)

	_, err = YearlyRule(13, 1)
	assert.Error(t, err)
	_, err = YearlyRule(1, 0)
	assert.Error(t, err)
}

func TestUpcoming(t *testing.T) {
	loc := shanghai(t)

	alice := NewEvent("zzz-alice", "", "20241218")
	alice.SetRRule("FREQ=YEARLY;BYMONTH=06;BYMONTHDAY=19")
	alice.SetSummary("Alice")
	bob := NewEvent("zzz-bob", "", "20240704")
	bob.SetRRule("FREQ=YEARLY;BYMONTH=03;BYMONTHDAY=01")
	bob.SetSummary("Bob")
	once := NewEvent("zzz-once", "", "20250701T093000")
	once.SetSummary("Once")
	broken := NewEvent("zzz-broken", "", "20240101")
	broken.SetRRule("FREQ=SOMETIMES")

	cal, err := New(testConfig, alice, bob, once, broken)
	require.NoError(t, err)

	from := time.Date(2025, 6, 1, 0, 0, 0, 0, loc)
	to := from.AddDate(1, 0, 0)
	occs, err := cal.Upcoming(from, to)
	require.NoError(t, err)
	require.Len(t, occs, 3)

	assert.Equal(t, "Alice", occs[0].Summary)
	assert.Equal(t, "2025-06-19T00:00:00+08:00", occs[0].Start.Format(time.RFC3339))
	assert.True(t, occs[0].AllDay)

	assert.Equal(t, "Once", occs[1].Summary)
	assert.False(t, occs[1].AllDay)
	assert.Equal(t, "2025-07-01T09:30:00+08:00", occs[1].Start.Format(time.RFC3339))

	assert.Equal(t, "Bob", occs[2].Summary)
	assert.Equal(t, "2026-03-01T00:00:00+08:00", occs[2].Start.Format(time.RFC3339))

	_, err = cal.Upcoming(to, from)
	assert.Error(t, err)
}

func TestWithinStartsAtLocalMidnight(t *testing.T) {
	alice := NewEvent("zzz-alice", "", "20241218")
	alice.SetRRule("FREQ=YEARLY;BYMONTH=06;BYMONTHDAY=19")
	bob := NewEvent("zzz-bob", "", "20241218")
	bob.SetRRule("FREQ=YEARLY;BYMONTH=07;BYMONTHDAY=20")

	cal, err := New(testConfig, alice, bob)
	require.NoError(t, err)

	// fixedNow is 09:02 in Shanghai on Alice's birthday.
	from, to, occs, err := cal.Within(fixedNow, 30)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-19T00:00:00+08:00", from.Format(time.RFC3339))
	assert.Equal(t, "2025-07-19T00:00:00+08:00", to.Format(time.RFC3339))
	require.Len(t, occs, 1)
	assert.Equal(t, "zzz-alice", occs[0].UID)

	_, _, _, err = cal.Within(fixedNow, -1)
	assert.Error(t, err)
}
