package policy

/**
 * CONTEXT:   Reference policy-file loader — the "opaque producer" of validated Policy values
 * INPUT:     A YAML file path
 * OUTPUT:    A validated *Policy, or the file's I/O/parse error, or New's validation errors
 * BUSINESS:  Policy file syntax is explicitly out of spec scope; this is the minimal concrete
 *            producer needed to drive cmd/shepherdd and the engine's tests end to end
 * CHANGE:    Initial implementation
 * RISK:      Low - read-only, no state mutation beyond the returned Policy
 */

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parentkiosk/shepherdd/internal/ids"
)

// fileEntry mirrors Entry but with YAML-friendly optional/primitive fields.
type fileEntry struct {
	ID       string         `yaml:"id"`
	Label    string         `yaml:"label"`
	Icon     string         `yaml:"icon"`
	Disabled bool           `yaml:"disabled"`
	Kind     fileKind       `yaml:"kind"`
	Always   bool           `yaml:"always"`
	Windows  []fileWindow   `yaml:"windows"`
	Limits   fileLimits     `yaml:"limits"`
	Warnings []fileWarning  `yaml:"warnings"`
}

type fileKind struct {
	Type    string            `yaml:"type"`
	Argv    []string          `yaml:"argv"`
	Env     map[string]string `yaml:"env"`
	Cwd     string            `yaml:"cwd"`
	Name    string            `yaml:"name"`
	Args    []string          `yaml:"args"`
	Driver  string            `yaml:"driver"`
	Library string            `yaml:"library"`
	Payload map[string]string `yaml:"payload"`
}

type fileWindow struct {
	Days  []string `yaml:"days"`
	Start string   `yaml:"start"`
	End   string   `yaml:"end"`
}

type fileLimits struct {
	MaxRunSeconds     *int64 `yaml:"max_run_seconds"`
	DailyQuotaSeconds *int64 `yaml:"daily_quota_seconds"`
	CooldownSeconds   *int64 `yaml:"cooldown_seconds"`
}

type fileWarning struct {
	SecondsBefore int64  `yaml:"seconds_before"`
	Severity      string `yaml:"severity"`
	Message       string `yaml:"message"`
}

var dayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// Load reads, parses and validates a YAML policy file at path, returning
// an immutable Policy or a wrapped I/O/parse error, or the structured
// validation errors from New.
func Load(path string) (*Policy, []ValidationError, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read policy file %s: %w", path, err)
	}

	var doc struct {
		Entries []fileEntry `yaml:"entries"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}

	entries := make([]Entry, 0, len(doc.Entries))
	for _, fe := range doc.Entries {
		e, err := fe.toEntry()
		if err != nil {
			return nil, nil, fmt.Errorf("policy entry %q: %w", fe.ID, err)
		}
		entries = append(entries, e)
	}

	p, verrs := New(entries)
	if verrs != nil {
		return nil, verrs, nil
	}
	return p, nil, nil
}

func (fe fileEntry) toEntry() (Entry, error) {
	k, err := fe.Kind.toKind()
	if err != nil {
		return Entry{}, err
	}

	windows := make([]Window, 0, len(fe.Windows))
	for _, fw := range fe.Windows {
		w, err := fw.toWindow()
		if err != nil {
			return Entry{}, err
		}
		windows = append(windows, w)
	}

	warnings := make(WarningSchedule, 0, len(fe.Warnings))
	for _, fwarn := range fe.Warnings {
		warnings = append(warnings, WarningThreshold{
			SecondsBefore:   fwarn.SecondsBefore,
			Severity:        Severity(fwarn.Severity),
			MessageTemplate: fwarn.Message,
		})
	}

	return Entry{
		ID:      ids.EntryId(fe.ID),
		Label:   fe.Label,
		IconRef: fe.Icon,
		Kind:    k,
		Availability: AvailabilityPolicy{
			Always:  fe.Always || (len(fe.Windows) == 0 && !fe.Disabled),
			Windows: windows,
		},
		Limits:   fe.Limits.toLimits(),
		Warnings: warnings,
		Disabled: fe.Disabled,
	}, nil
}

func (fk fileKind) toKind() (Kind, error) {
	switch KindTag(fk.Type) {
	case KindProcess, "":
		return Kind{Tag: KindProcess, Process: &ProcessKind{Argv: fk.Argv, Env: fk.Env, Cwd: fk.Cwd}}, nil
	case KindSnap:
		return Kind{Tag: KindSnap, Snap: &SnapKind{Name: fk.Name, Args: fk.Args, Env: fk.Env}}, nil
	case KindVm:
		return Kind{Tag: KindVm, Vm: &VmKind{Driver: fk.Driver, Args: fk.Args}}, nil
	case KindMedia:
		return Kind{Tag: KindMedia, Media: &MediaKind{Library: fk.Library, Args: fk.Args}}, nil
	case KindCustom:
		return Kind{Tag: KindCustom, Custom: &CustomKind{Type: fk.Type, Payload: fk.Payload}}, nil
	default:
		return Kind{}, fmt.Errorf("unknown kind type %q", fk.Type)
	}
}

func (fw fileWindow) toWindow() (Window, error) {
	start, err := parseTimeOfDay(fw.Start)
	if err != nil {
		return Window{}, fmt.Errorf("window start: %w", err)
	}
	end, err := parseTimeOfDay(fw.End)
	if err != nil {
		return Window{}, fmt.Errorf("window end: %w", err)
	}
	mask, err := parseDayMask(fw.Days)
	if err != nil {
		return Window{}, err
	}
	return Window{Days: mask, Start: start, End: end}, nil
}

func parseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func parseDayMask(days []string) (DayMask, error) {
	var mask DayMask
	for _, d := range days {
		switch d {
		case "weekdays":
			mask |= 0b0111110 // Mon-Fri
		case "weekends":
			mask |= 0b1000001 // Sun, Sat
		default:
			wd, ok := dayNames[d]
			if !ok {
				return 0, fmt.Errorf("unknown day %q", d)
			}
			mask |= 1 << uint(wd)
		}
	}
	return mask, nil
}

func (fl fileLimits) toLimits() LimitsPolicy {
	var l LimitsPolicy
	if fl.MaxRunSeconds != nil {
		d := time.Duration(*fl.MaxRunSeconds) * time.Second
		l.MaxRun = &d
	}
	if fl.DailyQuotaSeconds != nil {
		d := time.Duration(*fl.DailyQuotaSeconds) * time.Second
		l.DailyQuota = &d
	}
	if fl.CooldownSeconds != nil {
		d := time.Duration(*fl.CooldownSeconds) * time.Second
		l.Cooldown = &d
	}
	return l
}
