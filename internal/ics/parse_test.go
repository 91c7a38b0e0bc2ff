package ics

import (
	"strings"
	"testing"
	"time"
)

var parseSrc = Source{ID: "work", URL: "https://example.com/work.ics"}

func icsBody(lines ...string) []byte {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN"}, lines...)
	all = append(all, "END:VCALENDAR")
	return []byte(strings.Join(all, "\r\n") + "\r\n")
}

func TestParseICSBasicEvent(t *testing.T) {
	body := icsBody(
		"BEGIN:VEVENT",
		"UID:ev1@test",
		"SUMMARY:Team sync",
		"DESCRIPTION:Weekly catch-up",
		"LOCATION:Room 4",
		"DTSTART:20250610T090000Z",
		"DTEND:20250610T100000Z",
		"END:VEVENT",
	)
	events, err := ParseICS(parseSrc, body)
	if err != nil {
		t.Fatalf("ParseICS: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("parsed %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.UID != "ev1@test" || ev.Summary != "Team sync" || ev.Location != "Room 4" {
		t.Errorf("event fields = %+v", ev)
	}
	if ev.Description != "Weekly catch-up" {
		t.Errorf("description = %q", ev.Description)
	}
	if ev.AllDay {
		t.Error("timed event flagged all-day")
	}
	if want := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC); !ev.Start.Equal(want) {
		t.Errorf("start = %v, want %v", ev.Start, want)
	}
	if want := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC); !ev.End.Equal(want) {
		t.Errorf("end = %v, want %v", ev.End, want)
	}
}

func TestParseICSAllDay(t *testing.T) {
	body := icsBody(
		"BEGIN:VEVENT",
		"UID:ev2@test",
		"SUMMARY:Offsite",
		"DTSTART;VALUE=DATE:20250610",
		"DTEND;VALUE=DATE:20250611",
		"END:VEVENT",
	)
	events, err := ParseICS(parseSrc, body)
	if err != nil {
		t.Fatalf("ParseICS: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("parsed %d events, want 1", len(events))
	}
	ev := events[0]
	if !ev.AllDay {
		t.Error("date-only event not flagged all-day")
	}
	y, m, d := ev.Start.Date()
	if y != 2025 || m != time.June || d != 10 {
		t.Errorf("start date = %v", ev.Start)
	}
}

func TestParseICSRecurrenceFields(t *testing.T) {
	body := icsBody(
		"BEGIN:VEVENT",
		"UID:ev3@test",
		"SUMMARY:Daily standup",
		"DTSTART:20250610T090000Z",
		"DTEND:20250610T091500Z",
		"RRULE:FREQ=DAILY;COUNT=5",
		"EXDATE:20250612T090000Z",
		"END:VEVENT",
	)
	events, err := ParseICS(parseSrc, body)
	if err != nil {
		t.Fatalf("ParseICS: %v", err)
	}
	ev := events[0]
	if ev.RawRRule != "FREQ=DAILY;COUNT=5" {
		t.Errorf("rrule = %q", ev.RawRRule)
	}
	if len(ev.ExDates) != 1 {
		t.Fatalf("exdates = %v, want 1 entry", ev.ExDates)
	}
	if want := time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC); !ev.ExDates[0].Equal(want) {
		t.Errorf("exdate = %v, want %v", ev.ExDates[0], want)
	}
}

func TestParseICSExdateTZID(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	body := icsBody(
		"BEGIN:VEVENT",
		"UID:ev4@test",
		"SUMMARY:Morning brief",
		"DTSTART;TZID=Europe/Berlin:20250610T090000",
		"DTEND;TZID=Europe/Berlin:20250610T093000",
		"RRULE:FREQ=DAILY;COUNT=5",
		"EXDATE;TZID=Europe/Berlin:20250612T090000",
		"END:VEVENT",
	)
	events, err := ParseICS(parseSrc, body)
	if err != nil {
		t.Fatalf("ParseICS: %v", err)
	}
	ev := events[0]
	if ev.StartTZ != "Europe/Berlin" {
		t.Errorf("start tz = %q", ev.StartTZ)
	}
	if len(ev.ExDates) != 1 {
		t.Fatalf("exdates = %v, want 1 entry", ev.ExDates)
	}
	if want := time.Date(2025, 6, 12, 9, 0, 0, 0, loc); !ev.ExDates[0].Equal(want) {
		t.Errorf("exdate = %v, want %v", ev.ExDates[0], want)
	}
}

func TestParseICSOverride(t *testing.T) {
	body := icsBody(
		"BEGIN:VEVENT",
		"UID:ev5@test",
		"SUMMARY:Moved standup",
		"DTSTART:20250612T140000Z",
		"DTEND:20250612T141500Z",
		"RECURRENCE-ID:20250612T090000Z",
		"END:VEVENT",
	)
	events, err := ParseICS(parseSrc, body)
	if err != nil {
		t.Fatalf("ParseICS: %v", err)
	}
	ev := events[0]
	if !ev.IsOverride || ev.Recurrence == nil {
		t.Fatalf("override not detected: %+v", ev)
	}
	if want := time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC); !ev.Recurrence.Equal(want) {
		t.Errorf("recurrence-id = %v, want %v", ev.Recurrence, want)
	}
}

func TestParseICSSkipsEventWithoutUID(t *testing.T) {
	body := icsBody(
		"BEGIN:VEVENT",
		"SUMMARY:No identity",
		"DTSTART:20250610T090000Z",
		"DTEND:20250610T100000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:ok@test",
		"SUMMARY:Fine",
		"DTSTART:20250610T110000Z",
		"DTEND:20250610T120000Z",
		"END:VEVENT",
	)
	events, err := ParseICS(parseSrc, body)
	if err != nil {
		t.Fatalf("ParseICS: %v", err)
	}
	if len(events) != 1 || events[0].UID != "ok@test" {
		t.Errorf("events = %+v, want only the event with a UID", events)
	}
}

func TestParseICSEmptyBody(t *testing.T) {
	if _, err := ParseICS(parseSrc, nil); err == nil {
		t.Fatal("expected an error for an empty body")
	}
}
