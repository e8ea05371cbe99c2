package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parentkiosk/shepherdd/internal/ids"
)

func window(days DayMask, start, end string) Window {
	s, err := parseTimeOfDay(start)
	if err != nil {
		panic(err)
	}
	e, err := parseTimeOfDay(end)
	if err != nil {
		panic(err)
	}
	return Window{Days: days, Start: s, End: e}
}

// S2/boundary: [15:00, 18:00) is available at 15:00 and unavailable at 18:00.
func TestWindowBoundaries(t *testing.T) {
	loc := time.UTC
	w := window(AllDays, "15:00", "18:00")

	at1500 := time.Date(2026, 7, 29, 15, 0, 0, 0, loc) // Wednesday
	at1800 := time.Date(2026, 7, 29, 18, 0, 0, 0, loc)
	at1459 := time.Date(2026, 7, 29, 14, 59, 0, 0, loc)

	assert.True(t, w.Contains(at1500))
	assert.False(t, w.Contains(at1800))
	assert.False(t, w.Contains(at1459))
}

func TestAvailabilityPolicyAlways(t *testing.T) {
	a := AvailabilityPolicy{Always: true}
	assert.True(t, a.IsAvailable(time.Now()))
	assert.Nil(t, a.NextWindowStart(time.Now()))
}

func TestAvailabilityNextWindowStart(t *testing.T) {
	loc := time.UTC
	// weekdays 15:00-18:00
	a := AvailabilityPolicy{Windows: []Window{window(0b0111110, "15:00", "18:00")}}

	wed1459 := time.Date(2026, 7, 29, 14, 59, 0, 0, loc) // Wednesday
	next := a.NextWindowStart(wed1459)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 7, 29, 15, 0, 0, 0, loc), *next)

	assert.True(t, a.IsAvailable(time.Date(2026, 7, 29, 15, 0, 0, 0, loc)))
	assert.False(t, a.IsAvailable(time.Date(2026, 7, 29, 18, 0, 0, 0, loc)))
}

func TestWarningScheduleSortedDescending(t *testing.T) {
	s := WarningSchedule{
		{SecondsBefore: 10},
		{SecondsBefore: 300},
		{SecondsBefore: 60},
	}
	sorted := s.Sorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, int64(300), sorted[0].SecondsBefore)
	assert.Equal(t, int64(60), sorted[1].SecondsBefore)
	assert.Equal(t, int64(10), sorted[2].SecondsBefore)
}

func TestPolicyLookup(t *testing.T) {
	maxRun := 30 * time.Minute
	p, errs := New([]Entry{
		{
			ID:           "e1",
			Availability: AvailabilityPolicy{Always: true},
			Kind:         Kind{Tag: KindProcess, Process: &ProcessKind{Argv: []string{"/bin/true"}}},
			Limits:       LimitsPolicy{MaxRun: &maxRun},
		},
	})
	require.Empty(t, errs)
	require.NotNil(t, p)
	assert.Equal(t, 1, p.Count())

	e, ok := p.Lookup(ids.EntryId("e1"))
	assert.True(t, ok)
	assert.Equal(t, ids.EntryId("e1"), e.ID)

	_, ok = p.Lookup(ids.EntryId("missing"))
	assert.False(t, ok)
}
