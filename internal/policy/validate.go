package policy

import (
	"strconv"

	"github.com/parentkiosk/shepherdd/internal/ids"
)

// ValidationErrorKind enumerates the specific ways an entry can fail
// validation, so callers (and UIs) can react to the kind rather than
// parse a message string.
type ValidationErrorKind string

const (
	KindEmptyID              ValidationErrorKind = "empty_id"
	KindDuplicateID           ValidationErrorKind = "duplicate_id"
	KindEmptyArgv             ValidationErrorKind = "empty_argv"
	KindBadWindow             ValidationErrorKind = "bad_window"
	KindWarningAfterDeadline  ValidationErrorKind = "warning_after_deadline"
	KindNonPositiveThreshold  ValidationErrorKind = "non_positive_threshold"
	KindNegativeDuration      ValidationErrorKind = "negative_duration"
)

// ValidationError names the entry, field and kind of a single validation
// failure. Policy construction collects all of these rather than
// returning on the first one, per spec.md §4.1.
type ValidationError struct {
	EntryID ids.EntryId
	Field   string
	Kind    ValidationErrorKind
}

func (e ValidationError) Error() string {
	return string(e.EntryID) + "." + e.Field + ": " + string(e.Kind)
}

// validate performs the full validation contract of spec.md §4.1 and
// returns every failure found, not just the first.
func validate(entries []Entry) []ValidationError {
	var errs []ValidationError
	seen := make(map[ids.EntryId]bool, len(entries))

	for _, e := range entries {
		if e.ID == "" {
			errs = append(errs, ValidationError{EntryID: e.ID, Field: "id", Kind: KindEmptyID})
		} else if seen[e.ID] {
			errs = append(errs, ValidationError{EntryID: e.ID, Field: "id", Kind: KindDuplicateID})
		}
		seen[e.ID] = true

		if e.Kind.Tag == KindProcess {
			if e.Kind.Process == nil || len(e.Kind.Process.Argv) == 0 {
				errs = append(errs, ValidationError{EntryID: e.ID, Field: "kind.process.argv", Kind: KindEmptyArgv})
			}
		}

		for i, w := range e.Availability.Windows {
			if w.Start.Duration() >= w.End.Duration() || w.Days == 0 {
				errs = append(errs, ValidationError{EntryID: e.ID, Field: windowField(i), Kind: KindBadWindow})
			}
		}

		errs = append(errs, validateLimits(e)...)
	}

	return errs
}

func validateLimits(e Entry) []ValidationError {
	var errs []ValidationError

	if e.Limits.MaxRun != nil && *e.Limits.MaxRun < 0 {
		errs = append(errs, ValidationError{EntryID: e.ID, Field: "limits.max_run", Kind: KindNegativeDuration})
	}
	if e.Limits.DailyQuota != nil && *e.Limits.DailyQuota < 0 {
		errs = append(errs, ValidationError{EntryID: e.ID, Field: "limits.daily_quota", Kind: KindNegativeDuration})
	}
	if e.Limits.Cooldown != nil && *e.Limits.Cooldown < 0 {
		errs = append(errs, ValidationError{EntryID: e.ID, Field: "limits.cooldown", Kind: KindNegativeDuration})
	}

	for i, w := range e.Warnings {
		if w.SecondsBefore <= 0 {
			errs = append(errs, ValidationError{EntryID: e.ID, Field: warningField(i), Kind: KindNonPositiveThreshold})
			continue
		}
		if e.Limits.MaxRun != nil && float64(w.SecondsBefore) >= e.Limits.MaxRun.Seconds() {
			errs = append(errs, ValidationError{EntryID: e.ID, Field: warningField(i), Kind: KindWarningAfterDeadline})
		}
	}

	return errs
}

func windowField(i int) string {
	return "availability.windows[" + strconv.Itoa(i) + "]"
}

func warningField(i int) string {
	return "warnings[" + strconv.Itoa(i) + "]"
}
