// Package render turns expanded calendar occurrences into the content the
// refresh engine consumes: one text block per named display section plus
// the monochrome pixel frame those blocks are drawn into.
package render

import (
	"sort"
	"strings"
	"time"

	"inkcal/internal/model"
	"inkcal/internal/refresh"
)

// Canonical section names. The default display layout maps each of these
// to a fixed band of the panel; a custom layout may omit or rearrange
// them, in which case unmapped sections fall back to full refreshes.
const (
	SectionHeader   = "header"
	SectionCurrent  = "current"
	SectionUpcoming = "upcoming"
	SectionStatus   = "status"
)

// State is everything one display frame is derived from.
type State struct {
	// Now is the wall clock in the display timezone.
	Now time.Time

	// Events are the expanded occurrences for the visible window. They
	// do not need to be sorted; ended events are ignored.
	Events []model.Occurrence

	// Battery is the charge percent, or -1 when no reader is fitted.
	Battery int
}

// Compose builds the full renderer output for one refresh cycle: the
// section texts, the flat raw document used for similarity scoring, and
// the frame image sized to the layout.
func Compose(st State, layout *refresh.Layout) refresh.Content {
	secs := Sections(st)
	return refresh.Content{
		Sections: secs,
		Raw:      rawText(secs, layout),
		Frame:    Frame(secs, layout),
	}
}

// rawText flattens the section texts into a single document, mapped
// sections first in layout order, then any unmapped leftovers in name
// order so the result is stable across runs.
func rawText(secs map[string]string, layout *refresh.Layout) string {
	var b strings.Builder
	seen := make(map[string]bool, len(secs))
	for _, s := range layout.Sections() {
		text, ok := secs[s.Name]
		if !ok {
			continue
		}
		b.WriteString(text)
		b.WriteByte('\n')
		seen[s.Name] = true
	}
	var rest []string
	for name := range secs {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		b.WriteString(secs[name])
		b.WriteByte('\n')
	}
	return b.String()
}
