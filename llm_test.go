package main

import (
	"strings"
	"testing"
	"time"
)

func TestBuildBriefingPrompts(t *testing.T) {
	batch := []Email{
		{ID: "msg-1", Subject: "Board deck", FromName: "Jane", FromEmail: "jane@example.com",
			Preview: "Please review", Folder: "Inbox", Received: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		{ID: "msg-2", Subject: "Lunch?", FromName: "Bob", FromEmail: "bob@example.com", Folder: "Inbox"},
	}
	system, user := buildBriefingPrompts("John Stewart", batch)

	if !strings.Contains(system, "John Stewart") {
		t.Fatal("system prompt missing principal")
	}
	if !strings.Contains(user, "msg-1") || !strings.Contains(user, "msg-2") {
		t.Fatal("user prompt missing email ids")
	}
	if !strings.Contains(user, "ALL 2 emails") {
		t.Fatal("user prompt missing batch count")
	}
}

func TestBuildBriefingPromptsSanitizesFields(t *testing.T) {
	batch := []Email{{ID: "x", Subject: "line1\nline2", FromName: "A\tB", FromEmail: "a@b.c"}}
	_, user := buildBriefingPrompts("p", batch)
	if strings.Contains(user, "line1\nline2") {
		t.Fatal("newline in subject not flattened")
	}
	if !strings.Contains(user, "line1 line2") {
		t.Fatal("flattened subject missing")
	}
}

func TestParseEmailClassifications(t *testing.T) {
	response := "```json\n" + `[
		{"id": "a", "priority": "urgent", "is_to_email": true, "needs_response": true},
		{"id": "b", "priority": "FYI", "is_to_email": false, "needs_response": false},
		{"id": "c", "priority": "bogus", "is_to_email": true, "needs_response": false},
		{"id": "", "priority": "high", "is_to_email": true, "needs_response": true}
	]` + "\n```"

	decisions, err := parseEmailClassifications(response)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(decisions) != 3 {
		t.Fatalf("got %d decisions, want 3 (empty id dropped)", len(decisions))
	}
	if decisions["a"].Priority != "urgent" || !decisions["a"].NeedsResponse {
		t.Fatalf("decision a = %+v", decisions["a"])
	}
	if decisions["b"].Priority != "fyi" {
		t.Fatalf("priority not lower-cased: %q", decisions["b"].Priority)
	}
	if decisions["c"].Priority != "medium" {
		t.Fatalf("unknown priority should normalize to medium, got %q", decisions["c"].Priority)
	}
}

func TestParseEmailClassificationsBadJSON(t *testing.T) {
	_, err := parseEmailClassifications("I could not categorize these emails.")
	if err == nil {
		t.Fatal("expected error for non-JSON response")
	}
}

func TestBuildTaskPrompts(t *testing.T) {
	batch := []Task{
		{GID: "101", Name: "Close the deal", Assignee: "Jane", DueOn: "2026-03-05",
			Section: "In Progress", Category: bucketTeamDueToday, Notes: "Waiting on legal"},
		{GID: "102", Name: "File report", Assignee: "Unassigned", Category: bucketMyWeekly},
	}
	system, user := buildTaskPrompts("John Stewart", batch)

	if !strings.Contains(system, "executive assistant for John Stewart") {
		t.Fatal("system prompt missing principal")
	}
	if !strings.Contains(user, "101") || !strings.Contains(user, "102") {
		t.Fatal("user prompt missing task gids")
	}
	if !strings.Contains(user, "No due date") {
		t.Fatal("missing due date placeholder")
	}
}

func TestParseTaskClassifications(t *testing.T) {
	response := `[
		{"id": "101", "summary": "Deal is close.", "draft_comment": "Any update from legal?",
		 "action_plan": ["Ping legal", "Schedule signing"], "priority_assessment": "High - revenue impact", "blockers": ["Legal review"]},
		{"id": "102", "summary": "Routine report.", "draft_comment": "", "action_plan": [], "priority_assessment": "Low", "blockers": []}
	]`

	analyses, err := parseTaskClassifications(response)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(analyses) != 2 {
		t.Fatalf("got %d analyses, want 2", len(analyses))
	}
	if len(analyses["101"].ActionPlan) != 2 || analyses["101"].Blockers[0] != "Legal review" {
		t.Fatalf("analysis 101 = %+v", analyses["101"])
	}
	if analyses["102"].PriorityAssessment != "Low" {
		t.Fatalf("analysis 102 = %+v", analyses["102"])
	}
}

func TestStripCodeFence(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"```json\n[1]\n```", "[1]"},
		{"```\n[1]\n```", "[1]"},
		{"[1]", "[1]"},
		{"  [1]  ", "[1]"},
	} {
		if got := stripCodeFence(tc.in); got != tc.want {
			t.Fatalf("stripCodeFence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeField(t *testing.T) {
	got := sanitizeField("a\r\nb\t\"c\"", 100)
	if got != `a  b 'c'` {
		t.Fatalf("got %q", got)
	}
	if got := sanitizeField(strings.Repeat("x", 50), 10); len(got) != 10 {
		t.Fatalf("cap not applied, len=%d", len(got))
	}
}
