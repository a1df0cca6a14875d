// Package news implements the orchestrator's news scheduler (spec
// §4.7): a passive clock over a static list of known high-impact
// economic events, used to bypass the screener and trigger research
// around scheduled announcements.
package news

import (
	"sort"
	"time"
)

// EventKind is the closed set of high-impact macro events tracked.
type EventKind string

const (
	EventFOMC EventKind = "FOMC"
	EventCPI  EventKind = "CPI"
	EventNFP  EventKind = "NFP"
	EventGDP  EventKind = "GDP"
)

// Event is a scheduled high-impact economic event.
type Event struct {
	Kind EventKind
	At   time.Time
	Name string
}

// Calendar holds a static, caller-supplied list of events. Nothing in
// this package fetches events remotely; the spec treats the calendar
// as a passive, externally-maintained list.
type Calendar struct {
	events []Event
}

// NewCalendar builds a Calendar from a list of events, sorted by time.
func NewCalendar(events []Event) *Calendar {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })
	return &Calendar{events: sorted}
}

// IsNewsWindow reports whether any event falls in (now, now+minutesBefore].
func (c *Calendar) IsNewsWindow(now time.Time, minutesBefore int) bool {
	horizon := now.Add(time.Duration(minutesBefore) * time.Minute)
	for _, e := range c.events {
		if e.At.After(now) && !e.At.After(horizon) {
			return true
		}
	}
	return false
}

// GetUpcomingEvents returns events strictly after now and within the
// next hours, in ascending time order.
func (c *Calendar) GetUpcomingEvents(now time.Time, hours int) []Event {
	horizon := now.Add(time.Duration(hours) * time.Hour)
	out := make([]Event, 0)
	for _, e := range c.events {
		if e.At.After(now) && !e.At.After(horizon) {
			out = append(out, e)
		}
	}
	return out
}
