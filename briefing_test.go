package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

var testClock = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testBriefingConfig() Config {
	return Config{
		Principal:        "John Stewart",
		Mailboxes:        []Mailbox{{User: "john@middleground.com", Folders: []string{"Inbox"}}},
		BatchSize:        20,
		FetchConcurrency: 4,
		BriefingTable:    "SOVEREIGN_MIND.RAW.EMAIL_BRIEFING_RESULTS",
	}
}

func testEmailPayload(ids ...string) map[string]any {
	emails := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		emails = append(emails, map[string]any{
			"id":      id,
			"subject": "Subject " + id,
			"from":    "sender@example.com",
			"date":    testClock.Add(-time.Hour).Format(time.RFC3339),
		})
	}
	return map[string]any{"emails": emails}
}

// idsFromPrompt recovers the batch's email ids from the classification user
// prompt, letting fake model calls echo a result per input.
func idsFromPrompt(userPrompt string) []string {
	var ids []string
	for _, line := range strings.Split(userPrompt, "\n") {
		if idx := strings.Index(line, "ID: "); idx >= 0 {
			ids = append(ids, strings.TrimSpace(line[idx+4:]))
		}
	}
	return ids
}

func echoClassifier(priority string) llmCaller {
	return func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		var results []map[string]any
		for _, id := range idsFromPrompt(userPrompt) {
			results = append(results, map[string]any{
				"id": id, "priority": priority, "is_to_email": true, "needs_response": false,
			})
		}
		raw, _ := json.Marshal(results)
		return string(raw), nil
	}
}

func newTestBriefer(t *testing.T, cfg Config, mail *fakeGateway, llm llmCaller) (*Briefer, *fakeGateway, *OpQueue) {
	t.Helper()
	warehouse := newFakeGateway(t, warehouseOK)
	queue := NewOpQueue(mail.client(), nil, 64)
	queue.Start()
	t.Cleanup(queue.Close)

	briefer := NewBriefer(cfg, mail.client(), NewWarehouse(warehouse.client(), "query_snowflake"),
		queue, llm, defaultFilterRules(), testDB(t))
	briefer.now = func() time.Time { return testClock }
	return briefer, warehouse, queue
}

func TestBriefingRunEndToEnd(t *testing.T) {
	mail := newFakeGateway(t, func(tool string, args map[string]any) (any, string) {
		if tool == "m365_read_emails" {
			return testEmailPayload("a", "b", "c"), ""
		}
		return map[string]any{"success": true}, ""
	})

	priorities := map[string]string{"a": "urgent", "b": "fyi", "c": "high"}
	llm := func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		var results []map[string]any
		for _, id := range idsFromPrompt(userPrompt) {
			results = append(results, map[string]any{
				"id": id, "priority": priorities[id], "is_to_email": true,
				"needs_response": id == "c",
			})
		}
		raw, _ := json.Marshal(results)
		return string(raw), nil
	}

	briefer, warehouse, queue := newTestBriefer(t, testBriefingConfig(), mail, llm)
	summary, err := briefer.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.TotalReviewed != 3 || summary.Persisted != 3 {
		t.Fatalf("reviewed=%d persisted=%d, want 3/3", summary.TotalReviewed, summary.Persisted)
	}
	if len(summary.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", summary.Errors)
	}
	if summary.Cached {
		t.Fatal("fresh run marked cached")
	}

	// Urgent sorts first, fyi last.
	if summary.Emails[0].EmailID != "a" || summary.Emails[2].EmailID != "b" {
		t.Fatalf("priority order wrong: %s, %s, %s",
			summary.Emails[0].EmailID, summary.Emails[1].EmailID, summary.Emails[2].EmailID)
	}
	if summary.Emails[0].Category != "Urgent/Priority" {
		t.Fatalf("category = %q", summary.Emails[0].Category)
	}

	// Warehouse saw the cache-read, retention cleanup, today's delete, then
	// one insert per record.
	stmts := warehouse.sqlStatements()
	var deletes, inserts int
	for _, s := range stmts {
		if strings.HasPrefix(s, "DELETE FROM") {
			deletes++
		}
		if strings.HasPrefix(s, "INSERT INTO") {
			inserts++
			if !strings.Contains(s, "'2026-03-02'") {
				t.Fatalf("insert missing briefing date: %s", s)
			}
		}
	}
	if deletes != 2 || inserts != 3 {
		t.Fatalf("deletes=%d inserts=%d, want 2/3", deletes, inserts)
	}

	// Side effects: categorize all, flag the urgent one, mark the FYI read.
	queue.Close()
	tools := map[string]int{}
	for _, call := range mail.recorded() {
		tools[call.Tool]++
	}
	if tools["m365_set_categories"] == 0 || tools["m365_flag_email"] != 1 || tools["m365_mark_read"] != 1 {
		t.Fatalf("side-effect ops = %v", tools)
	}

	// Run history recorded.
	last, err := GetLastRun(briefer.db, "briefing")
	if err != nil {
		t.Fatalf("GetLastRun: %v", err)
	}
	if last.Reviewed != 3 || last.Persisted != 3 || last.TargetDate != "2026-03-02" {
		t.Fatalf("run record = %+v", last)
	}
}

func TestBriefingFailedBatchReducesCounts(t *testing.T) {
	// 45 emails with batch size 20: batches of 20, 20, 5. The second model
	// call fails; the other two land.
	ids := make([]string, 45)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%02d", i)
	}
	mail := newFakeGateway(t, func(tool string, args map[string]any) (any, string) {
		if tool == "m365_read_emails" {
			return testEmailPayload(ids...), ""
		}
		return map[string]any{"success": true}, ""
	})

	callCount := 0
	base := echoClassifier("medium")
	llm := func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		callCount++
		if callCount == 2 {
			return "", fmt.Errorf("model overloaded")
		}
		return base(ctx, systemPrompt, userPrompt)
	}

	briefer, _, _ := newTestBriefer(t, testBriefingConfig(), mail, llm)
	summary, err := briefer.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if callCount != 3 {
		t.Fatalf("llm calls = %d, want 3", callCount)
	}
	if summary.TotalReviewed != 25 {
		t.Fatalf("reviewed = %d, want 25", summary.TotalReviewed)
	}
	if summary.Persisted != 25 {
		t.Fatalf("persisted = %d, want 25", summary.Persisted)
	}
	if len(summary.Errors) != 1 || !strings.Contains(summary.Errors[0], "batch 2") {
		t.Fatalf("errors = %v", summary.Errors)
	}
}

func TestBriefingUnknownResultIDDropped(t *testing.T) {
	mail := newFakeGateway(t, func(tool string, args map[string]any) (any, string) {
		if tool == "m365_read_emails" {
			return testEmailPayload("a", "b"), ""
		}
		return map[string]any{"success": true}, ""
	})

	llm := func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		return `[
			{"id": "a", "priority": "medium", "is_to_email": true, "needs_response": false},
			{"id": "hallucinated", "priority": "urgent", "is_to_email": true, "needs_response": true}
		]`, nil
	}

	briefer, _, _ := newTestBriefer(t, testBriefingConfig(), mail, llm)
	summary, err := briefer.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.TotalReviewed != 1 {
		t.Fatalf("reviewed = %d, want 1 (unknown id dropped, missing b accepted)", summary.TotalReviewed)
	}
	if summary.Emails[0].EmailID != "a" {
		t.Fatalf("kept %s", summary.Emails[0].EmailID)
	}
}

func TestBriefingSpamFilteredAndDeleted(t *testing.T) {
	mail := newFakeGateway(t, func(tool string, args map[string]any) (any, string) {
		if tool == "m365_read_emails" {
			payload := testEmailPayload("good")
			payload["emails"] = append(payload["emails"].([]map[string]any), map[string]any{
				"id": "junk", "subject": "You won the lottery", "from": "promo@spam.biz",
				"date": testClock.Add(-time.Hour).Format(time.RFC3339),
			})
			return payload, ""
		}
		return map[string]any{"success": true}, ""
	})

	briefer, _, queue := newTestBriefer(t, testBriefingConfig(), mail, echoClassifier("medium"))
	summary, err := briefer.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.SpamRemoved != 1 || summary.TotalReviewed != 1 {
		t.Fatalf("spam=%d reviewed=%d, want 1/1", summary.SpamRemoved, summary.TotalReviewed)
	}

	queue.Close()
	var deleted bool
	for _, call := range mail.recorded() {
		if call.Tool == "m365_delete_email" {
			deleted = true
			if ids, ok := call.Args["message_ids"].([]any); !ok || len(ids) != 1 || ids[0] != "junk" {
				t.Fatalf("delete args = %v", call.Args)
			}
			if call.Args["permanent"] != false {
				t.Fatalf("delete should be soft: %v", call.Args)
			}
		}
	}
	if !deleted {
		t.Fatal("spam deletion op never reached the gateway")
	}
}

func TestBriefingSkipsStaleAndMalformed(t *testing.T) {
	mail := newFakeGateway(t, func(tool string, args map[string]any) (any, string) {
		if tool == "m365_read_emails" {
			return map[string]any{"emails": []map[string]any{
				{"id": "fresh", "subject": "ok", "from": "a@b.c", "date": testClock.Add(-2 * time.Hour).Format(time.RFC3339)},
				{"id": "stale", "subject": "old", "from": "a@b.c", "date": testClock.AddDate(0, 0, -3).Format(time.RFC3339)},
				{"id": "", "subject": "no id", "from": "a@b.c", "date": testClock.Format(time.RFC3339)},
				{"id": "nodate", "subject": "no date", "from": "a@b.c"},
				{"id": "fresh", "subject": "duplicate", "from": "a@b.c", "date": testClock.Add(-time.Hour).Format(time.RFC3339)},
			}}, ""
		}
		return map[string]any{"success": true}, ""
	})

	briefer, _, _ := newTestBriefer(t, testBriefingConfig(), mail, echoClassifier("medium"))
	summary, err := briefer.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.TotalReviewed != 1 || summary.Emails[0].EmailID != "fresh" {
		t.Fatalf("reviewed=%d, want only the fresh email", summary.TotalReviewed)
	}
	if summary.Emails[0].Subject != "ok" {
		t.Fatalf("first occurrence should win the dedupe: %q", summary.Emails[0].Subject)
	}
}

func TestBriefingAllFetchesFailAborts(t *testing.T) {
	mail := newFakeGateway(t, func(tool string, args map[string]any) (any, string) {
		return nil, "mailbox unavailable"
	})

	llm := func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		t.Fatal("model should not be called when every fetch fails")
		return "", nil
	}

	briefer, _, _ := newTestBriefer(t, testBriefingConfig(), mail, llm)
	if _, err := briefer.Run(context.Background(), false); err == nil {
		t.Fatal("expected error when all folder fetches fail")
	}
}

func TestBriefingPartialFetchFailure(t *testing.T) {
	cfg := testBriefingConfig()
	cfg.Mailboxes = []Mailbox{{User: "john@middleground.com", Folders: []string{"Inbox", "Archive"}}}

	mail := newFakeGateway(t, func(tool string, args map[string]any) (any, string) {
		if tool == "m365_read_emails" {
			if args["folder"] == "Archive" {
				return nil, "folder locked"
			}
			return testEmailPayload("a"), ""
		}
		return map[string]any{"success": true}, ""
	})

	briefer, _, _ := newTestBriefer(t, cfg, mail, echoClassifier("medium"))
	summary, err := briefer.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("one failed folder should not abort: %v", err)
	}
	if summary.TotalReviewed != 1 {
		t.Fatalf("reviewed = %d, want 1", summary.TotalReviewed)
	}
	if len(summary.Errors) != 1 || !strings.Contains(summary.Errors[0], "Archive") {
		t.Fatalf("errors = %v", summary.Errors)
	}
}

func TestBriefingServedFromCache(t *testing.T) {
	mail := newFakeGateway(t, func(tool string, args map[string]any) (any, string) {
		t.Error("mail gateway should not be called on a cache hit")
		return nil, "unexpected"
	})
	warehouse := newFakeGateway(t, func(tool string, args map[string]any) (any, string) {
		return map[string]any{"success": true, "data": []map[string]any{{
			"EMAIL_ID": "a", "SUBJECT": "Cached subject", "FROM_NAME": "Jane",
			"FROM_EMAIL": "jane@example.com", "CATEGORY": "Urgent/Priority", "PRIORITY": "urgent",
			"IS_TO_EMAIL": true, "NEEDS_RESPONSE": true, "FOLDER": "Inbox",
			"MAILBOX":      "john@middleground.com",
			"RECEIVED_AT":  testClock.Add(-2 * time.Hour).Format("2006-01-02 15:04:05"),
			"PROCESSED_AT": testClock.Add(-30 * time.Minute).Format("2006-01-02 15:04:05"),
		}}}, ""
	})

	queue := NewOpQueue(mail.client(), nil, 8)
	queue.Start()
	t.Cleanup(queue.Close)

	briefer := NewBriefer(testBriefingConfig(), mail.client(), NewWarehouse(warehouse.client(), "query_snowflake"),
		queue, nil, defaultFilterRules(), testDB(t))
	briefer.now = func() time.Time { return testClock }

	summary, err := briefer.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Cached {
		t.Fatal("summary not marked cached")
	}
	if summary.CacheAgeMins != 30 {
		t.Fatalf("cache age = %d, want 30", summary.CacheAgeMins)
	}
	if len(summary.Emails) != 1 || summary.Emails[0].Subject != "Cached subject" {
		t.Fatalf("emails = %+v", summary.Emails)
	}
}

func TestBriefingForceBypassesCache(t *testing.T) {
	mail := newFakeGateway(t, func(tool string, args map[string]any) (any, string) {
		if tool == "m365_read_emails" {
			return testEmailPayload("a"), ""
		}
		return map[string]any{"success": true}, ""
	})

	briefer, warehouse, _ := newTestBriefer(t, testBriefingConfig(), mail, echoClassifier("medium"))
	if _, err := briefer.Run(context.Background(), true); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// force must skip the cache-read SELECT; the first statement should be
	// the retention cleanup.
	stmts := warehouse.sqlStatements()
	if len(stmts) == 0 || !strings.HasPrefix(stmts[0], "DELETE FROM") {
		t.Fatalf("first statement = %v, want retention delete", stmts)
	}
}

func TestBriefingDeadlineStopsBatches(t *testing.T) {
	ids := make([]string, 45)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%02d", i)
	}
	mail := newFakeGateway(t, func(tool string, args map[string]any) (any, string) {
		if tool == "m365_read_emails" {
			return testEmailPayload(ids...), ""
		}
		return map[string]any{"success": true}, ""
	})

	cfg := testBriefingConfig()
	cfg.PipelineDeadlineSec = 120
	cfg.DeadlineMarginSecs = 10

	// Each model call advances the fake clock past the deadline, so only the
	// first batch runs.
	clock := testClock
	base := echoClassifier("medium")
	llm := func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		clock = clock.Add(115 * time.Second)
		return base(ctx, systemPrompt, userPrompt)
	}

	briefer, _, _ := newTestBriefer(t, cfg, mail, llm)
	briefer.now = func() time.Time { return clock }

	summary, err := briefer.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.TotalReviewed != 20 {
		t.Fatalf("reviewed = %d, want 20 (one batch before the deadline)", summary.TotalReviewed)
	}
	var deadlineErr bool
	for _, e := range summary.Errors {
		if strings.Contains(e, "deadline") {
			deadlineErr = true
		}
	}
	if !deadlineErr {
		t.Fatalf("errors = %v, want a deadline entry", summary.Errors)
	}
}
