package task

import (
	"fmt"
	"strings"
	"time"

	"daybook/internal/model"
)

const icsDateLayout = "20060102"

// BucketSpan returns the first day of the task's bucket and the day after
// its last one.
func BucketSpan(t model.Task) (start, end model.Day, ok bool) {
	key, ok := t.BucketKey()
	if !ok {
		return model.Day{}, model.Day{}, false
	}
	k := key.Time()
	switch t.Scope {
	case model.ScopeDaily:
		return key, key.AddDays(1), true
	case model.ScopeWeekly:
		return key, key.AddDays(7), true
	case model.ScopeMonthly:
		return key, model.DayOf(k.AddDate(0, 1, 0)), true
	case model.ScopeQuarterly:
		return key, model.DayOf(k.AddDate(0, 3, 0)), true
	case model.ScopeYearly:
		return key, model.DayOf(k.AddDate(1, 0, 0)), true
	}
	return model.Day{}, model.Day{}, false
}

// BuildTaskCalendarICS renders a task as an all-day iCalendar event covering
// its whole bucket. Random tasks have no dates and cannot be exported.
func BuildTaskCalendarICS(t model.Task, now time.Time) (string, error) {
	start, end, ok := BucketSpan(t)
	if !ok {
		return "", invalid("scope", "random tasks have no calendar dates")
	}

	title := strings.TrimSpace(t.Title)
	if title == "" {
		title = "Daybook Task"
	}
	uid := fmt.Sprintf("task-%s@daybook", t.ID)

	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Daybook//Task Export//EN",
		"CALSCALE:GREGORIAN",
		"METHOD:PUBLISH",
		"BEGIN:VEVENT",
		"UID:" + escapeICSText(uid),
		"DTSTAMP:" + now.UTC().Format("20060102T150405Z"),
		"SUMMARY:" + escapeICSText(title),
		"DTSTART;VALUE=DATE:" + start.Time().Format(icsDateLayout),
		"DTEND;VALUE=DATE:" + end.Time().Format(icsDateLayout),
		"CATEGORIES:" + escapeICSText(string(t.Section)),
		"PRIORITY:" + icsPriority(t.Priority),
	}
	if desc := strings.TrimSpace(t.Description); desc != "" {
		lines = append(lines, "DESCRIPTION:"+escapeICSText(desc))
	}
	lines = append(lines, "END:VEVENT", "END:VCALENDAR", "")

	return strings.Join(lines, "\r\n"), nil
}

// icsPriority maps onto RFC 5545 priorities, 1 highest and 9 lowest.
func icsPriority(p model.Priority) string {
	switch p {
	case model.PriorityCritical:
		return "1"
	case model.PriorityHigh:
		return "3"
	case model.PriorityLow:
		return "7"
	case model.PriorityMinimal:
		return "9"
	default:
		return "5"
	}
}

func escapeICSText(s string) string {
	repl := strings.NewReplacer(
		"\\", "\\\\",
		";", "\\;",
		",", "\\,",
		"\r\n", "\\n",
		"\n", "\\n",
		"\r", "\\n",
	)
	return repl.Replace(s)
}
