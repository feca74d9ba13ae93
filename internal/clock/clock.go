// Package clock holds the calendar arithmetic behind skip days and sync
// windows. Weekday codes follow the Monday=0 … Sunday=6 convention used in
// the configuration file.
package clock

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Date is a calendar day without a time or a location.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses an ISO calendar date (YYYY-MM-DD).
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return d.Midnight(time.UTC).Format(dateLayout)
}

// Midnight returns the start of d in loc.
func (d Date) Midnight(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// AddDays returns d shifted by n days.
func (d Date) AddDays(n int) Date {
	return DateOf(d.Midnight(time.UTC).AddDate(0, 0, n))
}

func (d Date) Weekday() time.Weekday {
	return d.Midnight(time.UTC).Weekday()
}

// Compare returns -1, 0 or +1.
func (d Date) Compare(o Date) int {
	return d.Midnight(time.UTC).Compare(o.Midnight(time.UTC))
}

func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.Compare(o) > 0 }

func (d Date) IsZero() bool { return d == Date{} }

// WeekdayCode converts a Go weekday into the Monday=0 code.
func WeekdayCode(w time.Weekday) int {
	return (int(w) + 6) % 7
}

// SkipSet is the set of weekday codes excluded from processing.
type SkipSet map[int]bool

var weekdayNames = map[string]int{
	"mon": 0, "monday": 0,
	"tue": 1, "tuesday": 1,
	"wed": 2, "wednesday": 2,
	"thu": 3, "thursday": 3,
	"fri": 4, "friday": 4,
	"sat": 5, "saturday": 5,
	"sun": 6, "sunday": 6,
}

// ParseSkipDays accepts numeric codes ("5") or English weekday names ("sat").
func ParseSkipDays(values []string) (SkipSet, error) {
	set := make(SkipSet, len(values))
	for _, raw := range values {
		v := strings.ToLower(strings.TrimSpace(raw))
		if v == "" {
			continue
		}
		if code, ok := weekdayNames[v]; ok {
			set[code] = true
			continue
		}
		code, err := strconv.Atoi(v)
		if err != nil || code < 0 || code > 6 {
			return nil, errors.New("unknown skip day " + strconv.Quote(raw))
		}
		set[code] = true
	}
	return set, nil
}

// Codes returns the configured codes in ascending order.
func (s SkipSet) Codes() []int {
	out := make([]int, 0, len(s))
	for c, on := range s {
		if on {
			out = append(out, c)
		}
	}
	sort.Ints(out)
	return out
}

// IsSkipDay reports whether d falls on an excluded weekday.
func IsSkipDay(d Date, skip SkipSet) bool {
	return skip[WeekdayCode(d.Weekday())]
}

// NextSkipDay returns the first skip day strictly after d. ok is false when
// no weekday is excluded.
func NextSkipDay(d Date, skip SkipSet) (Date, bool) {
	if len(skip.Codes()) == 0 {
		return Date{}, false
	}
	for i := 1; i <= 7; i++ {
		c := d.AddDays(i)
		if IsSkipDay(c, skip) {
			return c, true
		}
	}
	return Date{}, false
}

// PrevWorkDay returns the last non-skip day strictly before d. ok is false
// when every weekday is excluded.
func PrevWorkDay(d Date, skip SkipSet) (Date, bool) {
	for i := 1; i <= 7; i++ {
		c := d.AddDays(-i)
		if !IsSkipDay(c, skip) {
			return c, true
		}
	}
	return Date{}, false
}

// Window is the inclusive UTC range reconciled by one run.
type Window struct {
	Start time.Time
	End   time.Time
}

// SyncWindow spans local midnight of today through the last second of
// today+futureDays, expressed in UTC.
func SyncWindow(now time.Time, loc *time.Location, futureDays int) Window {
	if loc == nil {
		loc = time.Local
	}
	today := DateOf(now.In(loc))
	last := today.AddDays(futureDays)
	end := time.Date(last.Year, last.Month, last.Day, 23, 59, 59, 0, loc)
	return Window{
		Start: today.Midnight(loc).UTC(),
		End:   end.UTC(),
	}
}

// Contains reports whether t lies inside the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// NormalizeUTC converts t to UTC truncated to the minute.
func NormalizeUTC(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
