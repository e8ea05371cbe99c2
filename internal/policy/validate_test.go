package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEmptyAndDuplicateIDs(t *testing.T) {
	_, errs := New([]Entry{
		{ID: "", Availability: AvailabilityPolicy{Always: true}},
		{ID: "dup", Availability: AvailabilityPolicy{Always: true}},
		{ID: "dup", Availability: AvailabilityPolicy{Always: true}},
	})
	require.NotEmpty(t, errs)

	var kinds []ValidationErrorKind
	for _, e := range errs {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, KindEmptyID)
	assert.Contains(t, kinds, KindDuplicateID)
}

func TestValidateProcessRequiresArgv(t *testing.T) {
	_, errs := New([]Entry{
		{
			ID:           "e1",
			Availability: AvailabilityPolicy{Always: true},
			Kind:         Kind{Tag: KindProcess, Process: &ProcessKind{}},
		},
	})
	require.Len(t, errs, 1)
	assert.Equal(t, KindEmptyArgv, errs[0].Kind)
}

func TestValidateWindowStartMustBeBeforeEnd(t *testing.T) {
	_, errs := New([]Entry{
		{
			ID: "e1",
			Availability: AvailabilityPolicy{
				Windows: []Window{window(AllDays, "18:00", "15:00")},
			},
			Kind: Kind{Tag: KindProcess, Process: &ProcessKind{Argv: []string{"x"}}},
		},
	})
	require.Len(t, errs, 1)
	assert.Equal(t, KindBadWindow, errs[0].Kind)
}

func TestValidateWarningThresholdMustPrecedeDeadline(t *testing.T) {
	maxRun := 10 * time.Minute
	_, errs := New([]Entry{
		{
			ID:           "e1",
			Availability: AvailabilityPolicy{Always: true},
			Kind:         Kind{Tag: KindProcess, Process: &ProcessKind{Argv: []string{"x"}}},
			Limits:       LimitsPolicy{MaxRun: &maxRun},
			Warnings: WarningSchedule{
				{SecondsBefore: 700}, // 700s before deadline but max_run is only 600s
			},
		},
	})
	require.Len(t, errs, 1)
	assert.Equal(t, KindWarningAfterDeadline, errs[0].Kind)
}

func TestValidateWarningThresholdMustBePositive(t *testing.T) {
	_, errs := New([]Entry{
		{
			ID:           "e1",
			Availability: AvailabilityPolicy{Always: true},
			Kind:         Kind{Tag: KindProcess, Process: &ProcessKind{Argv: []string{"x"}}},
			Warnings:     WarningSchedule{{SecondsBefore: 0}},
		},
	})
	require.Len(t, errs, 1)
	assert.Equal(t, KindNonPositiveThreshold, errs[0].Kind)
}

func TestValidateAccumulatesAllErrors(t *testing.T) {
	_, errs := New([]Entry{
		{ID: "", Availability: AvailabilityPolicy{Always: true}},
		{
			ID:           "bad-window",
			Availability: AvailabilityPolicy{Windows: []Window{window(AllDays, "10:00", "09:00")}},
			Kind:         Kind{Tag: KindProcess, Process: &ProcessKind{}},
		},
	})
	// at least: empty id, bad window, empty argv
	assert.GreaterOrEqual(t, len(errs), 3)
}
