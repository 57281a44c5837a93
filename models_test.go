package main

import (
	"testing"
	"time"
)

func TestDeriveCategory(t *testing.T) {
	for _, tc := range []struct {
		decision EmailDecision
		want     string
	}{
		{EmailDecision{Priority: "urgent", IsToEmail: false, NeedsResponse: false}, "Urgent/Priority"},
		{EmailDecision{Priority: "high", IsToEmail: true, NeedsResponse: true}, "Urgent/Priority"},
		{EmailDecision{Priority: "medium", IsToEmail: true, NeedsResponse: true}, "To: Need Response/Action"},
		{EmailDecision{Priority: "medium", IsToEmail: true, NeedsResponse: false}, "To: FYI"},
		{EmailDecision{Priority: "medium", IsToEmail: false, NeedsResponse: true}, "CC: Need Response/Action"},
		{EmailDecision{Priority: "medium", IsToEmail: false, NeedsResponse: false}, "CC: FYI"},
		{EmailDecision{Priority: "fyi", IsToEmail: true, NeedsResponse: true}, "To: FYI"},
		{EmailDecision{Priority: "fyi", IsToEmail: false, NeedsResponse: false}, "CC: FYI"},
	} {
		if got := deriveCategory(tc.decision); got != tc.want {
			t.Fatalf("deriveCategory(%+v) = %q, want %q", tc.decision, got, tc.want)
		}
	}
}

func TestNormalizePriority(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"urgent", "urgent"},
		{"fyi", "fyi"},
		{"critical", "medium"},
		{"", "medium"},
	} {
		if got := normalizePriority(tc.in); got != tc.want {
			t.Fatalf("normalizePriority(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPriorityOrder(t *testing.T) {
	if !(priorityOrder("urgent") < priorityOrder("high") &&
		priorityOrder("high") < priorityOrder("medium") &&
		priorityOrder("medium") < priorityOrder("fyi") &&
		priorityOrder("fyi") < priorityOrder("unknown")) {
		t.Fatal("priority ranks out of order")
	}
}

func TestYesterdayMidnight(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 45, 30, 0, time.UTC)
	got := yesterdayMidnight(now)
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	// Month boundary.
	first := time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC)
	if got := yesterdayMidnight(first); got.Month() != time.February || got.Day() != 28 {
		t.Fatalf("month boundary: got %v", got)
	}
}

func TestDateString(t *testing.T) {
	if got := dateString(time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC)); got != "2026-03-02" {
		t.Fatalf("got %q", got)
	}
}
