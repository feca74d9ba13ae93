package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calmirror/internal/clock"
	"calmirror/internal/model"
)

var sampleICS = strings.ReplaceAll(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//calmirror test//EN
BEGIN:VEVENT
UID:single-1
DTSTAMP:20250101T000000Z
DTSTART:20250224T090000Z
DTEND:20250224T093000Z
SUMMARY:Standup
END:VEVENT
BEGIN:VEVENT
UID:weekend-1
DTSTAMP:20250101T000000Z
DTSTART:20250222T100000Z
DTEND:20250222T110000Z
SUMMARY:Saturday thing
END:VEVENT
BEGIN:VEVENT
UID:allday-1
DTSTAMP:20250101T000000Z
DTSTART;VALUE=DATE:20250225
DTEND;VALUE=DATE:20250226
SUMMARY:Holiday
END:VEVENT
BEGIN:VEVENT
UID:daily-1
DTSTAMP:20250101T000000Z
DTSTART:20250224T120000Z
DTEND:20250224T130000Z
RRULE:FREQ=DAILY;COUNT=7
EXDATE:20250226T120000Z
SUMMARY:Lunch
END:VEVENT
BEGIN:VEVENT
UID:cancel-1
DTSTAMP:20250101T000000Z
DTSTART:20250225T150000Z
DTEND:20250225T160000Z
STATUS:CANCELLED
SUMMARY:Gone
END:VEVENT
END:VCALENDAR
`, "\n", "\r\n")

var (
	src     = model.Source{Source: "ics", Tag: "work", Title: "Office"}
	weekend = clock.SkipSet{5: true, 6: true}
	monday  = time.Date(2025, time.February, 24, 8, 0, 0, 0, time.UTC)
)

func parsed(t *testing.T) []ParsedEvent {
	t.Helper()
	events, err := ParseICS(src, []byte(sampleICS))
	require.NoError(t, err)
	return events
}

func TestParseICS(t *testing.T) {
	events := parsed(t)
	require.Len(t, events, 5)

	var allDay ParsedEvent
	for _, ev := range events {
		if ev.UID == "allday-1" {
			allDay = ev
		}
	}
	assert.True(t, allDay.AllDay)
	assert.Equal(t, "CANCELLED", events[4].Status)
	assert.Equal(t, "FREQ=DAILY;COUNT=7", events[3].RawRRule)
	require.Len(t, events[3].ExDates, 1)
}

func TestParseICSRejectsEmptyBody(t *testing.T) {
	_, err := ParseICS(src, nil)
	assert.Error(t, err)
}

func TestDesiredWindowAndRecurrence(t *testing.T) {
	r := NewReader(nil, time.UTC)
	got, err := r.Desired(parsed(t), Filter{
		Window: clock.SyncWindow(monday, time.UTC, 3),
		Skip:   weekend,
	})
	require.NoError(t, err)

	var starts []string
	for _, ev := range got {
		starts = append(starts, ev.Start.Format("01-02 15:04"))
		assert.Equal(t, time.UTC, ev.Start.Location())
	}
	assert.ElementsMatch(t, []string{
		"02-24 09:00", // standup
		"02-25 00:00", // all-day holiday
		"02-24 12:00", "02-25 12:00", "02-27 12:00", // lunch minus EXDATE
	}, starts)

	for _, ev := range got {
		if ev.Title == "Holiday" {
			assert.Equal(t, 24*time.Hour, ev.End.Sub(ev.Start))
		}
	}
}

func TestDesiredSkipDaysAndExemption(t *testing.T) {
	r := NewReader(nil, time.UTC)
	window := clock.SyncWindow(monday, time.UTC, 6)

	countLunch := func(events []model.MergeEvent) int {
		n := 0
		for _, ev := range events {
			if ev.Title == "Lunch" {
				n++
			}
		}
		return n
	}

	got, err := r.Desired(parsed(t), Filter{Window: window, Skip: weekend})
	require.NoError(t, err)
	assert.Equal(t, 4, countLunch(got), "Saturday and Sunday dropped")

	exempt := clock.Date{Year: 2025, Month: time.March, Day: 1}
	got, err = r.Desired(parsed(t), Filter{Window: window, Skip: weekend, Exempt: &exempt})
	require.NoError(t, err)
	assert.Equal(t, 5, countLunch(got), "armed Saturday kept")
}

func TestAllDayUsesConfiguredZone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)

	r := NewReader(nil, loc)
	got, err := r.Desired(parsed(t), Filter{
		Window: clock.SyncWindow(monday.In(loc), loc, 3),
		Skip:   weekend,
	})
	require.NoError(t, err)

	for _, ev := range got {
		if ev.Title == "Holiday" {
			// Local midnight in CET is 23:00 UTC the day before.
			assert.Equal(t, time.Date(2025, time.February, 24, 23, 0, 0, 0, time.UTC), ev.Start)
			return
		}
	}
	t.Fatal("holiday not found")
}

func TestExpandRejectsInvertedRange(t *testing.T) {
	_, err := ExpandOccurrences(nil, ExpandConfig{RangeStart: monday, RangeEnd: monday.Add(-time.Hour)})
	assert.Error(t, err)
}

func TestExpandAppliesOverride(t *testing.T) {
	rid := time.Date(2025, time.February, 25, 12, 0, 0, 0, time.UTC)
	events := []ParsedEvent{
		{UID: "u", Start: monday.Add(4 * time.Hour), End: monday.Add(5 * time.Hour), RawRRule: "FREQ=DAILY;COUNT=3"},
		{UID: "u", Start: rid.Add(2 * time.Hour), End: rid.Add(3 * time.Hour), Recurrence: &rid, IsOverride: true},
	}
	res, err := ExpandOccurrences(events, ExpandConfig{RangeStart: monday, RangeEnd: monday.AddDate(0, 0, 5)})
	require.NoError(t, err)
	require.Len(t, res.Occurrences, 3)
	assert.Equal(t, 14, res.Occurrences[1].Start.Hour())
}

func TestExpandAllDayAcrossDSTEndsAtMidnight(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)
	start := time.Date(2025, time.March, 29, 0, 0, 0, 0, loc)
	events := []ParsedEvent{{
		UID: "allday", AllDay: true, Start: start, End: start.AddDate(0, 0, 1), RawRRule: "FREQ=DAILY;COUNT=3",
	}}
	res, err := ExpandOccurrences(events, ExpandConfig{RangeStart: start, RangeEnd: start.AddDate(0, 0, 3)})
	require.NoError(t, err)
	require.Len(t, res.Occurrences, 3)

	dst := res.Occurrences[1]
	assert.Equal(t, time.Date(2025, time.March, 30, 0, 0, 0, 0, loc), dst.Start)
	assert.Equal(t, time.Date(2025, time.March, 31, 0, 0, 0, 0, loc), dst.End)
	assert.Equal(t, 23*time.Hour, dst.End.Sub(dst.Start))
}

func TestFetchUsesConditionalRequestsAndFallsBack(t *testing.T) {
	var calls atomic.Int32
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	s := src
	s.URL = srv.URL + "/private/token.ics"

	res, err := f.Fetch(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, res.FromCache)

	res, err = f.Fetch(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, sampleICS, string(res.Body))

	fail.Store(true)
	res, err = f.Fetch(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchFailsWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	s := src
	s.URL = srv.URL
	_, err := f.Fetch(context.Background(), s)
	assert.Error(t, err)

	s.URL = ""
	_, err = f.Fetch(context.Background(), s)
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://example.com/...(redacted)", redactURL("https://example.com/path/private.ics?token=abc"))
	assert.Equal(t, "https://example.com/...(redacted)", redactURL("https://example.com?token=abc"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}

func TestExportCalendarRoundTrip(t *testing.T) {
	start := time.Date(2025, time.February, 24, 9, 0, 0, 0, time.UTC)
	body := ExportCalendar("Mirrored", []model.MergeEvent{
		{Title: "[work] Office/ics", Start: start, End: start.Add(time.Hour), OriginRef: "abc"},
	}, start)

	cal, err := ical.ParseCalendar(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, cal.Events(), 1)
	ev := cal.Events()[0]
	assert.Equal(t, "abc@calmirror", ev.Id())
	got, err := ev.GetStartAt()
	require.NoError(t, err)
	assert.True(t, start.Equal(got))
}
