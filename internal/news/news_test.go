package news

import (
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 18, 12, 0, 0, 0, time.UTC)
}

func TestIsNewsWindow_EventWithinThreshold(t *testing.T) {
	now := fixedNow()
	cal := NewCalendar([]Event{
		{Kind: EventFOMC, At: now.Add(20 * time.Minute), Name: "FOMC statement"},
	})
	if !cal.IsNewsWindow(now, 30) {
		t.Fatal("expected news window true for event 20min out with 30min threshold")
	}
}

func TestIsNewsWindow_EventBeyondThreshold(t *testing.T) {
	now := fixedNow()
	cal := NewCalendar([]Event{
		{Kind: EventCPI, At: now.Add(45 * time.Minute), Name: "CPI release"},
	})
	if cal.IsNewsWindow(now, 30) {
		t.Fatal("expected news window false for event beyond threshold")
	}
}

func TestIsNewsWindow_PastEventIgnored(t *testing.T) {
	now := fixedNow()
	cal := NewCalendar([]Event{
		{Kind: EventNFP, At: now.Add(-5 * time.Minute), Name: "NFP release"},
	})
	if cal.IsNewsWindow(now, 30) {
		t.Fatal("expected past events to not count as a news window")
	}
}

func TestGetUpcomingEvents_SortedAndBounded(t *testing.T) {
	now := fixedNow()
	cal := NewCalendar([]Event{
		{Kind: EventGDP, At: now.Add(20 * time.Hour), Name: "GDP"},
		{Kind: EventFOMC, At: now.Add(2 * time.Hour), Name: "FOMC"},
		{Kind: EventCPI, At: now.Add(30 * time.Hour), Name: "CPI out of range"},
		{Kind: EventNFP, At: now.Add(-1 * time.Hour), Name: "NFP past"},
	})

	upcoming := cal.GetUpcomingEvents(now, 24)
	if len(upcoming) != 2 {
		t.Fatalf("expected 2 events within 24h, got %d", len(upcoming))
	}
	if upcoming[0].Kind != EventFOMC || upcoming[1].Kind != EventGDP {
		t.Errorf("expected ascending order FOMC then GDP, got %v, %v", upcoming[0].Kind, upcoming[1].Kind)
	}
}
