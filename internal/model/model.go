// Package model holds the calendar value types shared by the ics,
// render and web layers.
package model

import "time"

// Occurrence represents a single concrete instance of an event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, typically derived from the local start time.
	InstanceKey string

	Summary     string
	Description string
	Location    string

	AllDay bool

	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time
}

// InProgress reports whether the occurrence has started and not yet
// ended at the given instant.
func (o Occurrence) InProgress(now time.Time) bool {
	return !o.Start.After(now) && o.End.After(now)
}

// Upcoming reports whether the occurrence starts after the given
// instant.
func (o Occurrence) Upcoming(now time.Time) bool {
	return o.Start.After(now)
}

// Ended reports whether the occurrence's end has passed.
func (o Occurrence) Ended(now time.Time) bool {
	return !o.End.After(now)
}
