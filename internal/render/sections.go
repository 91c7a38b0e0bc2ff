package render

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"inkcal/internal/model"
)

// maxUpcoming caps the upcoming list so the section cannot outgrow its
// band on busy days.
const maxUpcoming = 6

// Sections derives the four display section texts from a state. The
// texts are deterministic for a given state, which is what lets the
// refresh engine hash them for change detection.
func Sections(st State) map[string]string {
	events := visibleEvents(st.Events, st.Now)
	return map[string]string{
		SectionHeader:   headerText(st.Now),
		SectionCurrent:  currentText(events, st.Now),
		SectionUpcoming: upcomingText(events, st.Now),
		SectionStatus:   statusText(st, len(events)),
	}
}

// visibleEvents drops occurrences that already ended and sorts the rest
// by start time, with summary and UID as tie breakers so equal-start
// events keep a stable order between cycles.
func visibleEvents(events []model.Occurrence, now time.Time) []model.Occurrence {
	out := make([]model.Occurrence, 0, len(events))
	for _, o := range events {
		// An occurrence whose End sits at or before Start (missing or
		// broken DTEND) still shows until its start passes.
		if !o.Ended(now) || o.Upcoming(now) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		if out[i].Summary != out[j].Summary {
			return out[i].Summary < out[j].Summary
		}
		return out[i].UID < out[j].UID
	})
	return out
}

func headerText(now time.Time) string {
	return now.Format("Monday") + "\n" + now.Format("January 2, 2006")
}

func currentText(events []model.Occurrence, now time.Time) string {
	var inProgress []model.Occurrence
	for _, o := range events {
		if o.InProgress(now) {
			inProgress = append(inProgress, o)
		}
	}
	if len(inProgress) == 0 {
		return "No event in progress"
	}
	if len(inProgress) == 1 {
		o := inProgress[0]
		lines := []string{"> " + o.Summary, "  " + untilText(o, now)}
		if o.Location != "" {
			lines = append(lines, "  "+o.Location)
		}
		return strings.Join(lines, "\n")
	}
	lines := make([]string, 0, len(inProgress))
	for _, o := range inProgress {
		lines = append(lines, "> "+o.Summary+"  "+untilText(o, now))
	}
	return strings.Join(lines, "\n")
}

func untilText(o model.Occurrence, now time.Time) string {
	if o.AllDay {
		return "all day"
	}
	if sameDay(o.End, now) {
		return "until " + o.End.Format("15:04")
	}
	return "until " + o.End.Format("Jan 2 15:04")
}

func upcomingText(events []model.Occurrence, now time.Time) string {
	var lines []string
	for _, o := range events {
		if !o.Upcoming(now) {
			continue
		}
		lines = append(lines, upcomingLine(o, now))
		if len(lines) == maxUpcoming {
			break
		}
	}
	if len(lines) == 0 {
		return "Nothing scheduled"
	}
	return strings.Join(lines, "\n")
}

func upcomingLine(o model.Occurrence, now time.Time) string {
	var when string
	switch {
	case o.AllDay:
		when = dayLabel(o.Start, now) + " all day"
	case sameDay(o.Start, now):
		when = o.Start.Format("15:04")
	default:
		when = dayLabel(o.Start, now) + " " + o.Start.Format("15:04")
	}
	return when + "  " + o.Summary
}

func dayLabel(t, now time.Time) string {
	if sameDay(t, now.AddDate(0, 0, 1)) {
		return "Tomorrow"
	}
	return t.Format("Mon Jan 2")
}

func statusText(st State, events int) string {
	s := fmt.Sprintf("updated %s  %d events", st.Now.Format("15:04"), events)
	if st.Battery >= 0 {
		s += fmt.Sprintf("  batt %d%%", st.Battery)
	}
	return s
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
