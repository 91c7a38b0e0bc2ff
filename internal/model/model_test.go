package model

import (
	"testing"
	"time"
)

func TestOccurrencePhases(t *testing.T) {
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		start, end time.Time
		inProgress bool
		upcoming   bool
		ended      bool
	}{
		{"running", now.Add(-time.Hour), now.Add(time.Hour), true, false, false},
		{"future", now.Add(time.Hour), now.Add(2 * time.Hour), false, true, false},
		{"past", now.Add(-2 * time.Hour), now.Add(-time.Hour), false, false, true},
		{"starting this instant", now, now.Add(time.Hour), true, false, false},
		{"ending this instant", now.Add(-time.Hour), now, false, false, true},
		{"no duration in the future", now.Add(time.Hour), now.Add(time.Hour), false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Occurrence{Start: tt.start, End: tt.end}
			if got := o.InProgress(now); got != tt.inProgress {
				t.Errorf("InProgress() = %v, want %v", got, tt.inProgress)
			}
			if got := o.Upcoming(now); got != tt.upcoming {
				t.Errorf("Upcoming() = %v, want %v", got, tt.upcoming)
			}
			if got := o.Ended(now); got != tt.ended {
				t.Errorf("Ended() = %v, want %v", got, tt.ended)
			}
		})
	}
}
