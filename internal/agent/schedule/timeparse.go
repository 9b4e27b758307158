// Package schedule manages reminders and follow-ups: natural-language
// time parsing, the tick loop that fires due items, and recurrence math.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sageloop/sage/internal/db"
)

var (
	intervalRe  = regexp.MustCompile(`(?i)^in\s+(\d+)\s*(second|minute|min|hour|hr|day|week)s?$`)
	clockRe     = regexp.MustCompile(`(?i)^(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	tomorrowRe  = regexp.MustCompile(`(?i)^tomorrow(?:\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?)?$`)
	recurringRe = regexp.MustCompile(`(?i)^every\s+(day|weekday|weekdays|weekend|weekends|monday|tuesday|wednesday|thursday|friday|saturday|sunday)(?:\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?)?$`)
)

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseTimePhrase resolves a natural-language time phrase against now in
// the user's timezone. Recurring phrases ("every day at 08:00") return
// both the first occurrence and the recurrence spec.
func ParseTimePhrase(phrase string, now time.Time, loc *time.Location) (time.Time, *db.RecurringSpec, error) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return time.Time{}, nil, fmt.Errorf("empty time phrase")
	}
	now = now.In(loc)

	if m := recurringRe.FindStringSubmatch(phrase); m != nil {
		spec := buildRecurringSpec(m)
		return NextOccurrence(spec, now, loc), spec, nil
	}

	if m := intervalRe.FindStringSubmatch(phrase); m != nil {
		n, _ := strconv.Atoi(m[1])
		var unit time.Duration
		switch strings.ToLower(m[2]) {
		case "second":
			unit = time.Second
		case "minute", "min":
			unit = time.Minute
		case "hour", "hr":
			unit = time.Hour
		case "day":
			unit = 24 * time.Hour
		case "week":
			unit = 7 * 24 * time.Hour
		}
		return now.Add(time.Duration(n) * unit), nil, nil
	}

	if m := tomorrowRe.FindStringSubmatch(phrase); m != nil {
		hour, minute := 9, 0
		if m[1] != "" {
			hour, minute = parseClock(m[1], m[2], m[3])
		}
		t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
		return t.AddDate(0, 0, 1), nil, nil
	}

	if m := clockRe.FindStringSubmatch(phrase); m != nil {
		hour, minute := parseClock(m[1], m[2], m[3])
		t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil, nil
	}

	// Absolute forms.
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, phrase, loc); err == nil {
			return t, nil, nil
		}
	}

	return time.Time{}, nil, fmt.Errorf("unrecognized time phrase %q", phrase)
}

func parseClock(hourStr, minStr, ampm string) (int, int) {
	hour, _ := strconv.Atoi(hourStr)
	minute := 0
	if minStr != "" {
		minute, _ = strconv.Atoi(minStr)
	}
	switch strings.ToLower(ampm) {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 {
		hour = 23
	}
	if minute > 59 {
		minute = 59
	}
	return hour, minute
}

func buildRecurringSpec(m []string) *db.RecurringSpec {
	hour, minute := 9, 0
	if m[2] != "" {
		hour, minute = parseClock(m[2], m[3], m[4])
	}
	unit := strings.ToLower(m[1])
	spec := &db.RecurringSpec{Hour: hour, Minute: minute}
	switch unit {
	case "day":
		spec.Type = db.RecurDaily
	case "weekday", "weekdays":
		spec.Type = db.RecurWeekdays
	case "weekend", "weekends":
		spec.Type = db.RecurWeekends
	default:
		spec.Type = db.RecurWeekly
		spec.DayOfWeek = int(weekdayNames[unit])
	}
	return spec
}

// NextOccurrence computes the first trigger time strictly after now that
// satisfies the recurrence spec, in the user's timezone.
func NextOccurrence(spec *db.RecurringSpec, now time.Time, loc *time.Location) time.Time {
	now = now.In(loc)
	t := time.Date(now.Year(), now.Month(), now.Day(), spec.Hour, spec.Minute, 0, 0, loc)
	for i := 0; i < 8; i++ {
		if t.After(now) && matchesSpec(spec, t) {
			return t
		}
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func matchesSpec(spec *db.RecurringSpec, t time.Time) bool {
	switch spec.Type {
	case db.RecurDaily:
		return true
	case db.RecurWeekdays:
		return t.Weekday() != time.Saturday && t.Weekday() != time.Sunday
	case db.RecurWeekends:
		return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
	case db.RecurWeekly:
		return int(t.Weekday()) == spec.DayOfWeek
	}
	return false
}
