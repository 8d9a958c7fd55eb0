package quiet

import (
	"time"

	"github.com/teambition/rrule-go"

	appLog "epframe/internal/log"
)

const maxOccurrencesPerEvent = 5000

// Window is one concrete occurrence of a quiet event.
type Window struct {
	UID     string
	Summary string
	Start   time.Time
	End     time.Time
}

// Contains reports whether t lies in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Expand returns every occurrence overlapping [from, to], with RRULE,
// EXDATE and RECURRENCE-ID overrides applied.
func Expand(events []Event, from, to time.Time) []Window {
	base := make(map[string][]Event)
	overrides := make(map[string][]Event)
	for _, ev := range events {
		if ev.RecurrenceID != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
		} else {
			base[ev.UID] = append(base[ev.UID], ev)
		}
	}

	var out []Window
	for uid, evs := range base {
		for _, ev := range evs {
			out = append(out, expandEvent(ev, overrides[uid], from, to)...)
		}
	}
	return out
}

func expandEvent(ev Event, overrides []Event, from, to time.Time) []Window {
	if ev.RRule == "" {
		start, end, e := ev.Start, ev.End, ev
		if o, ok := findOverride(overrides, ev.Start); ok {
			start, end, e = o.Start, o.End, o
		}
		if !overlaps(start, end, from, to) {
			return nil
		}
		return []Window{window(e, start, end)}
	}

	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		appLog.Error("quiet: bad RRULE", err, "uid", ev.UID, "rrule", ev.RRule)
		return nil
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)
	loc := ev.Start.Location()
	starts := set.Between(from.Add(-dur).In(loc), to.In(loc), true)
	if len(starts) > maxOccurrencesPerEvent {
		appLog.Warn("quiet: occurrences truncated", "uid", ev.UID, "cap", maxOccurrencesPerEvent)
		starts = starts[:maxOccurrencesPerEvent]
	}

	out := make([]Window, 0, len(starts))
	for _, s := range starts {
		start, end, e := s, s.Add(dur), ev
		if ev.AllDay {
			// Whole days in the event's zone, whatever the DST shift.
			start = time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, loc)
			end = start.AddDate(0, 0, int(dur.Hours()+12)/24)
		}
		if o, ok := findOverride(overrides, s); ok {
			start, end, e = o.Start, o.End, o
		}
		if overlaps(start, end, from, to) {
			out = append(out, window(e, start, end))
		}
	}
	return out
}

func findOverride(overrides []Event, start time.Time) (Event, bool) {
	for _, o := range overrides {
		if o.RecurrenceID.Equal(start) {
			return o, true
		}
	}
	return Event{}, false
}

func window(ev Event, start, end time.Time) Window {
	return Window{UID: ev.UID, Summary: ev.Summary, Start: start, End: end}
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
