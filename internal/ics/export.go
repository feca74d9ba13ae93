package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"calmirror/internal/model"
)

// ExportCalendar renders mirrored destination events as a VCALENDAR so the
// destination can be subscribed to like any other feed.
func ExportCalendar(name string, events []model.MergeEvent, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetProductId("-//calmirror//mirror//EN")
	cal.SetMethod(ical.MethodPublish)
	cal.SetName(name)
	cal.SetXWRCalName(name)

	stamp := now.UTC()
	for _, ev := range events {
		vev := cal.AddEvent(ev.OriginRef + "@calmirror")
		vev.SetDtStampTime(stamp)
		vev.SetSummary(ev.Title)
		vev.SetStartAt(ev.Start.UTC())
		vev.SetEndAt(ev.End.UTC())
	}
	return cal.Serialize()
}
