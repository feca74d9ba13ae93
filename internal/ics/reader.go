package ics

import (
	"context"
	"fmt"
	"time"

	"calmirror/internal/clock"
	appLog "calmirror/internal/log"
	"calmirror/internal/model"
)

// Filter narrows what a source contributes to one run.
type Filter struct {
	Window clock.Window
	Skip   clock.SkipSet
	// Exempt is a skip day that is mirrored anyway (an armed override).
	Exempt *clock.Date
}

// Reader turns an ICS subscription into the desired events of one run.
type Reader struct {
	fetcher *Fetcher
	loc     *time.Location
}

// NewReader builds a Reader; loc defines local days for all-day events and
// skip-day checks.
func NewReader(fetcher *Fetcher, loc *time.Location) *Reader {
	if loc == nil {
		loc = time.Local
	}
	return &Reader{fetcher: fetcher, loc: loc}
}

// FetchDesired downloads, parses and expands src and returns its events
// inside the window, minus skip days, normalized to UTC minutes.
func (r *Reader) FetchDesired(ctx context.Context, src model.Source, f Filter) ([]model.MergeEvent, error) {
	res, err := r.fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", src.Tag, err)
	}
	parsed, err := ParseICS(src, res.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", src.Tag, err)
	}
	return r.Desired(parsed, f)
}

// Desired applies normalization and filtering to already parsed events.
func (r *Reader) Desired(parsed []ParsedEvent, f Filter) ([]model.MergeEvent, error) {
	for i := range parsed {
		if parsed[i].AllDay {
			r.pinAllDay(&parsed[i])
		}
	}

	expanded, err := ExpandOccurrences(parsed, ExpandConfig{
		RangeStart: f.Window.Start,
		RangeEnd:   f.Window.End,
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.MergeEvent, 0, len(expanded.Occurrences))
	var skipped int
	for _, occ := range expanded.Occurrences {
		start := clock.NormalizeUTC(occ.Start)
		end := clock.NormalizeUTC(occ.End)
		if !f.Window.Contains(start) {
			continue
		}
		day := clock.DateOf(start.In(r.loc))
		if clock.IsSkipDay(day, f.Skip) && (f.Exempt == nil || *f.Exempt != day) {
			skipped++
			continue
		}
		out = append(out, model.MergeEvent{Title: occ.Summary, Start: start, End: end})
	}
	if skipped > 0 {
		appLog.Debug("ics reader dropped skip-day occurrences", "count", skipped)
	}
	return out, nil
}

// pinAllDay moves an all-day event to midnight of its calendar date in the
// reader's location, whatever zone the parser attached.
func (r *Reader) pinAllDay(ev *ParsedEvent) {
	days := int(ev.End.Sub(ev.Start).Round(24*time.Hour) / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	start := clock.DateOf(ev.Start).Midnight(r.loc)
	ev.Start = start
	ev.End = start.AddDate(0, 0, days)
	for i, ex := range ev.ExDates {
		ev.ExDates[i] = clock.DateOf(ex).Midnight(r.loc)
	}
	if ev.Recurrence != nil {
		rid := clock.DateOf(*ev.Recurrence).Midnight(r.loc)
		ev.Recurrence = &rid
	}
}
