package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	briefingFetchTop    = 100
	briefingCacheMaxAge = 24 * time.Hour
	briefingRetention   = 7 // days of cache rows kept in the warehouse
)

var briefingColumns = []string{
	"EMAIL_ID", "SUBJECT", "FROM_NAME", "FROM_EMAIL", "PREVIEW",
	"CATEGORY", "PRIORITY", "IS_TO_EMAIL", "NEEDS_RESPONSE",
	"FOLDER", "MAILBOX", "RECEIVED_AT", "PROCESSED_AT", "BRIEFING_DATE",
}

// Briefer runs the daily email briefing pipeline: fetch from every
// configured folder, filter, classify in batches, queue mailbox side
// effects, and persist a same-day snapshot to the warehouse cache table.
type Briefer struct {
	cfg   Config
	mail  *MCPClient
	wh    *Warehouse
	queue *OpQueue
	llm   llmCaller
	rules *FilterRules
	db    *sql.DB
	now   func() time.Time

	// Serializes runs: the delete-then-insert persist step assumes the
	// cache table has a single writer.
	mu sync.Mutex
}

func NewBriefer(cfg Config, mail *MCPClient, wh *Warehouse, queue *OpQueue, llm llmCaller, rules *FilterRules, db *sql.DB) *Briefer {
	return &Briefer{
		cfg:   cfg,
		mail:  mail,
		wh:    wh,
		queue: queue,
		llm:   llm,
		rules: rules,
		db:    db,
		now:   time.Now,
	}
}

type BriefingSummary struct {
	Success        bool             `json:"success"`
	RunID          string           `json:"run_id"`
	BriefingDate   string           `json:"briefing_date"`
	TotalFetched   int              `json:"total_fetched"`
	TotalReviewed  int              `json:"total_emails_reviewed"`
	Attention      int              `json:"emails_requiring_attention"`
	SpamRemoved    int              `json:"spam_removed"`
	Persisted      int              `json:"persisted"`
	Emails         []BriefingRecord `json:"emails"`
	Cached         bool             `json:"cached"`
	CacheAgeMins   int              `json:"cache_age_minutes,omitempty"`
	Errors         []string         `json:"errors,omitempty"`
	Message        string           `json:"message"`
	ProcessingTime string           `json:"processing_time"`
}

// Run executes one briefing. force bypasses the same-day cache check.
// Partial failure (a bad batch, a failed folder, a failed insert) reduces
// counts and lands in Errors; only a fully failed initial fetch aborts.
func (b *Briefer) Run(ctx context.Context, force bool) (*BriefingSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := b.now()
	today := dateString(start)
	runID := uuid.New().String()
	log.Printf("briefing start run=%s date=%s force=%v", runID, today, force)

	if !force {
		cached, age, err := b.loadCached(ctx, today)
		if err != nil {
			log.Printf("briefing cache check failed (non-fatal): %v", err)
		} else if len(cached) > 0 {
			log.Printf("briefing served from cache run=%s records=%d age=%s", runID, len(cached), age.Round(time.Minute))
			return &BriefingSummary{
				Success:        true,
				RunID:          runID,
				BriefingDate:   today,
				TotalReviewed:  len(cached),
				Attention:      len(cached),
				Emails:         cached,
				Cached:         true,
				CacheAgeMins:   int(age.Minutes()),
				Message:        fmt.Sprintf("Reviewed %d emails (cached %dm ago)", len(cached), int(age.Minutes())),
				ProcessingTime: b.elapsedString(start),
			}, nil
		}
	}

	guard := newDeadlineGuard(b.cfg.PipelineDeadline(), b.cfg.DeadlineMargin(), b.now)
	summary := &BriefingSummary{Success: true, RunID: runID, BriefingDate: today}

	emails, fetchErrs, totalFolders := b.fetchAllFolders(ctx)
	summary.Errors = append(summary.Errors, fetchErrs...)
	summary.TotalFetched = len(emails)
	if len(emails) == 0 && len(fetchErrs) == totalFolders && totalFolders > 0 {
		b.recordRun(runID, today, summary, start, false)
		return nil, fmt.Errorf("all %d folder fetches failed: %s", totalFolders, strings.Join(fetchErrs, "; "))
	}
	log.Printf("briefing fetched run=%s emails=%d folders=%d fetch_errors=%d", runID, len(emails), totalFolders, len(fetchErrs))

	emails, spam := b.filterEmails(emails, start)
	summary.SpamRemoved = len(spam)
	b.queueSpamDeletion(spam)

	if len(emails) == 0 {
		summary.Message = "No emails found"
		summary.ProcessingTime = b.elapsedString(start)
		b.recordRun(runID, today, summary, start, false)
		return summary, nil
	}

	records := b.classify(ctx, guard, emails, summary)
	summary.TotalReviewed = len(records)

	b.queueSideEffects(records)

	sort.SliceStable(records, func(i, j int) bool {
		return priorityOrder(records[i].Priority) < priorityOrder(records[j].Priority)
	})
	summary.Emails = records
	summary.Attention = len(records)

	persisted, persistErrs := b.persist(ctx, today, records)
	summary.Persisted = persisted
	summary.Errors = append(summary.Errors, persistErrs...)

	summary.Message = fmt.Sprintf("Reviewed %d emails, %d require attention", summary.TotalReviewed, summary.Attention)
	summary.ProcessingTime = b.elapsedString(start)
	b.recordRun(runID, today, summary, start, false)
	log.Printf("briefing done run=%s reviewed=%d persisted=%d errors=%d elapsed=%s",
		runID, summary.TotalReviewed, persisted, len(summary.Errors), summary.ProcessingTime)
	return summary, nil
}

func (b *Briefer) elapsedString(start time.Time) string {
	return fmt.Sprintf("%.1fs", b.now().Sub(start).Seconds())
}

// --- Step 1: fetch ---

type emailDTO struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	From        string `json:"from"`
	FromName    string `json:"from_name"`
	Preview     string `json:"preview"`
	BodyPreview string `json:"bodyPreview"`
	Date        string `json:"date"`
	ReceivedAt  string `json:"receivedDateTime"`
	IsRead      bool   `json:"isRead"`
}

func (d emailDTO) received() time.Time {
	for _, raw := range []string{d.Date, d.ReceivedAt} {
		if raw == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, raw); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// fetchAllFolders reads every configured mailbox folder concurrently. A
// failed folder contributes an empty result and an error string; it never
// aborts the other fetches.
func (b *Briefer) fetchAllFolders(ctx context.Context) ([]Email, []string, int) {
	type job struct {
		mailbox string
		folder  string
	}
	var jobs []job
	for _, mb := range b.cfg.Mailboxes {
		for _, folder := range mb.Folders {
			jobs = append(jobs, job{mailbox: mb.User, folder: folder})
		}
	}

	results := make([][]Email, len(jobs))
	errs := make([]string, len(jobs))

	g := &errgroup.Group{}
	g.SetLimit(b.cfg.FetchConcurrency)
	for i, j := range jobs {
		g.Go(func() error {
			result, err := b.mail.CallTool(ctx, "m365_read_emails", map[string]any{
				"user":        j.mailbox,
				"folder":      j.folder,
				"unread_only": false,
				"top":         briefingFetchTop,
			})
			if err != nil {
				log.Printf("briefing fetch failed mailbox=%s folder=%s err=%v", j.mailbox, truncate(j.folder, 20), err)
				errs[i] = fmt.Sprintf("%s/%s: %v", j.mailbox, truncate(j.folder, 20), err)
				return nil
			}

			var payload struct {
				Emails []emailDTO `json:"emails"`
			}
			if err := result.Decode(&payload); err != nil {
				log.Printf("briefing fetch decode failed mailbox=%s folder=%s err=%v", j.mailbox, truncate(j.folder, 20), err)
				errs[i] = fmt.Sprintf("%s/%s: %v", j.mailbox, truncate(j.folder, 20), err)
				return nil
			}

			emails := make([]Email, 0, len(payload.Emails))
			for _, dto := range payload.Emails {
				fromName := dto.FromName
				if fromName == "" {
					fromName = dto.From
				}
				preview := dto.Preview
				if preview == "" {
					preview = dto.BodyPreview
				}
				emails = append(emails, Email{
					ID:        dto.ID,
					Subject:   dto.Subject,
					FromName:  fromName,
					FromEmail: dto.From,
					Preview:   preview,
					Folder:    j.folder,
					Mailbox:   j.mailbox,
					Received:  dto.received(),
					IsRead:    dto.IsRead,
				})
			}
			log.Printf("briefing fetch mailbox=%s folder=%s emails=%d", j.mailbox, truncate(j.folder, 20), len(emails))
			results[i] = emails
			return nil
		})
	}
	_ = g.Wait()

	var all []Email
	var failed []string
	for i := range jobs {
		all = append(all, results[i]...)
		if errs[i] != "" {
			failed = append(failed, errs[i])
		}
	}
	return all, failed, len(jobs)
}

// --- deterministic filters ---

// filterEmails applies the documented pre-classification filters: a
// today-plus-yesterday cutoff, records without an id or received date
// skipped, duplicates across folders dropped, and spam split off for
// deletion.
func (b *Briefer) filterEmails(emails []Email, now time.Time) (kept []Email, spam []Email) {
	cutoff := yesterdayMidnight(now)

	var fresh []Email
	for _, e := range emails {
		if e.ID == "" || e.Received.IsZero() {
			continue
		}
		if e.Received.Before(cutoff) {
			continue
		}
		fresh = append(fresh, e)
	}

	fresh = dedupeByID(fresh, func(e Email) string { return e.ID })

	for _, e := range fresh {
		if b.rules.IsSpam(e) {
			log.Printf("briefing spam subject=%q from=%s", truncate(e.Subject, 60), e.FromEmail)
			spam = append(spam, e)
			continue
		}
		kept = append(kept, e)
	}
	return kept, spam
}

func (b *Briefer) queueSpamDeletion(spam []Email) {
	byMailbox := map[string][]string{}
	for _, e := range spam {
		byMailbox[e.Mailbox] = append(byMailbox[e.Mailbox], e.ID)
	}
	for mailbox, ids := range byMailbox {
		b.queue.Enqueue(MailboxOp{
			Tool:   "m365_delete_email",
			Args:   map[string]any{"message_ids": ids, "user": mailbox, "permanent": false},
			Detail: fmt.Sprintf("delete %d spam emails", len(ids)),
		})
	}
}

// --- Steps 2-4: batch, classify, merge ---

func (b *Briefer) classify(ctx context.Context, guard *deadlineGuard, emails []Email, summary *BriefingSummary) []BriefingRecord {
	byID := make(map[string]Email, len(emails))
	for _, e := range emails {
		byID[e.ID] = e
	}

	var records []BriefingRecord
	batches := chunkItems(emails, b.cfg.BatchSize)
	for i, batch := range batches {
		if !guard.mayStart() {
			log.Printf("briefing deadline approaching elapsed=%s, stopping after batch %d/%d", guard.elapsed().Round(time.Second), i, len(batches))
			summary.Errors = append(summary.Errors, fmt.Sprintf("deadline reached, %d batches skipped", len(batches)-i))
			break
		}

		log.Printf("briefing batch %d/%d emails=%d", i+1, len(batches), len(batch))
		systemPrompt, userPrompt := buildBriefingPrompts(b.cfg.Principal, batch)
		responseText, err := b.llm(ctx, systemPrompt, userPrompt)
		if err != nil {
			log.Printf("briefing batch %d failed: %v", i+1, err)
			summary.Errors = append(summary.Errors, fmt.Sprintf("batch %d: %v", i+1, err))
			continue
		}
		decisions, err := parseEmailClassifications(responseText)
		if err != nil {
			log.Printf("briefing batch %d parse failed: %v", i+1, err)
			summary.Errors = append(summary.Errors, fmt.Sprintf("batch %d: %v", i+1, err))
			continue
		}
		if len(decisions) != len(batch) {
			log.Printf("briefing batch %d returned %d results for %d emails", i+1, len(decisions), len(batch))
		}

		batchIDs := make(map[string]bool, len(batch))
		for _, e := range batch {
			batchIDs[e.ID] = true
		}
		for id, decision := range decisions {
			if !batchIDs[id] {
				log.Printf("briefing result for unknown email id=%s dropped", id)
				continue
			}
			email := byID[id]
			records = append(records, BriefingRecord{
				EmailID:       email.ID,
				Subject:       email.Subject,
				FromName:      email.FromName,
				FromEmail:     email.FromEmail,
				Preview:       email.Preview,
				Category:      deriveCategory(decision),
				Priority:      decision.Priority,
				IsToEmail:     decision.IsToEmail,
				NeedsResponse: decision.NeedsResponse,
				Folder:        email.Folder,
				Mailbox:       email.Mailbox,
				Received:      email.Received,
				ProcessedAt:   b.now(),
				BriefingDate:  dateString(b.now()),
			})
		}
	}
	return records
}

// --- side effects ---

// queueSideEffects mirrors the classification back into the mailboxes:
// categorize everything, flag what needs the principal now, mark pure FYI
// read. All best-effort through the op queue.
func (b *Briefer) queueSideEffects(records []BriefingRecord) {
	type key struct {
		mailbox  string
		category string
	}
	categorize := map[key][]string{}
	markRead := map[string][]string{}

	for _, r := range records {
		categorize[key{r.Mailbox, r.Category}] = append(categorize[key{r.Mailbox, r.Category}], r.EmailID)

		if r.Priority == "urgent" || (r.Priority == "high" && r.NeedsResponse) {
			b.queue.Enqueue(MailboxOp{
				Tool:   "m365_flag_email",
				Args:   map[string]any{"message_id": r.EmailID, "flag_status": "flagged", "user": r.Mailbox},
				Detail: "flag " + truncate(r.Subject, 40),
			})
		}
		if r.Priority == "fyi" && !r.NeedsResponse {
			markRead[r.Mailbox] = append(markRead[r.Mailbox], r.EmailID)
		}
	}

	for k, ids := range categorize {
		b.queue.Enqueue(MailboxOp{
			Tool:   "m365_set_categories",
			Args:   map[string]any{"message_ids": ids, "categories": []string{"Processed", k.category}, "user": k.mailbox},
			Detail: fmt.Sprintf("categorize %d as %s", len(ids), k.category),
		})
	}
	for mailbox, ids := range markRead {
		b.queue.Enqueue(MailboxOp{
			Tool:   "m365_mark_read",
			Args:   map[string]any{"message_ids": ids, "is_read": true, "user": mailbox},
			Detail: fmt.Sprintf("mark %d FYI emails read", len(ids)),
		})
	}
}

// --- Step 5: persist ---

// persist replaces today's snapshot: trim rows past retention, clear today's
// records, then insert each record independently so one bad row can't block
// the rest.
func (b *Briefer) persist(ctx context.Context, today string, records []BriefingRecord) (int, []string) {
	var errs []string

	retentionCutoff := dateString(b.now().AddDate(0, 0, -briefingRetention))
	if err := b.wh.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE BRIEFING_DATE < %s", b.cfg.BriefingTable, sqlQuote(retentionCutoff))); err != nil {
		errs = append(errs, fmt.Sprintf("retention cleanup: %v", err))
	}

	if err := b.wh.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE BRIEFING_DATE = %s", b.cfg.BriefingTable, sqlQuote(today))); err != nil {
		// Without the delete the insert would duplicate today's rows.
		errs = append(errs, fmt.Sprintf("clearing today's records: %v", err))
		return 0, errs
	}

	persisted := 0
	for _, r := range records {
		stmt := insertStatement(b.cfg.BriefingTable, briefingColumns, [][]string{{
			sqlQuote(r.EmailID),
			sqlQuote(r.Subject),
			sqlQuote(r.FromName),
			sqlQuote(r.FromEmail),
			sqlQuote(r.Preview),
			sqlQuote(r.Category),
			sqlQuote(r.Priority),
			sqlBool(r.IsToEmail),
			sqlBool(r.NeedsResponse),
			sqlQuote(r.Folder),
			sqlQuote(r.Mailbox),
			sqlTimestamp(r.Received),
			sqlTimestamp(r.ProcessedAt),
			sqlQuote(r.BriefingDate),
		}})
		if err := b.wh.Exec(ctx, stmt); err != nil {
			log.Printf("briefing persist failed id=%s err=%v", r.EmailID, err)
			errs = append(errs, fmt.Sprintf("persist %s: %v", r.EmailID, err))
			continue
		}
		persisted++
	}
	return persisted, errs
}

// --- cache read ---

func (b *Briefer) loadCached(ctx context.Context, today string) ([]BriefingRecord, time.Duration, error) {
	rows, err := b.wh.Query(ctx, fmt.Sprintf(
		`SELECT EMAIL_ID, SUBJECT, FROM_NAME, FROM_EMAIL, PREVIEW, CATEGORY, PRIORITY,
		        IS_TO_EMAIL, NEEDS_RESPONSE, FOLDER, MAILBOX, RECEIVED_AT, PROCESSED_AT
		 FROM %s WHERE BRIEFING_DATE = %s ORDER BY PROCESSED_AT DESC`,
		b.cfg.BriefingTable, sqlQuote(today)))
	if err != nil {
		return nil, 0, err
	}
	if len(rows) == 0 {
		return nil, 0, nil
	}

	latest := rowTime(rows[0], "PROCESSED_AT")
	age := b.now().Sub(latest)
	if latest.IsZero() || age > briefingCacheMaxAge {
		return nil, 0, nil
	}

	records := make([]BriefingRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, BriefingRecord{
			EmailID:       rowString(row, "EMAIL_ID"),
			Subject:       rowString(row, "SUBJECT"),
			FromName:      rowString(row, "FROM_NAME"),
			FromEmail:     rowString(row, "FROM_EMAIL"),
			Preview:       rowString(row, "PREVIEW"),
			Category:      rowString(row, "CATEGORY"),
			Priority:      rowString(row, "PRIORITY"),
			IsToEmail:     rowBool(row, "IS_TO_EMAIL"),
			NeedsResponse: rowBool(row, "NEEDS_RESPONSE"),
			Folder:        rowString(row, "FOLDER"),
			Mailbox:       rowString(row, "MAILBOX"),
			Received:      rowTime(row, "RECEIVED_AT"),
			ProcessedAt:   rowTime(row, "PROCESSED_AT"),
			BriefingDate:  today,
		})
	}
	return records, age, nil
}

func (b *Briefer) recordRun(runID, today string, summary *BriefingSummary, start time.Time, cached bool) {
	if b.db == nil {
		return
	}
	err := InsertRun(b.db, RunRecord{
		ID:         runID,
		Kind:       "briefing",
		TargetDate: today,
		Fetched:    summary.TotalFetched,
		Reviewed:   summary.TotalReviewed,
		Persisted:  summary.Persisted,
		Errors:     len(summary.Errors),
		Cached:     cached,
		StartedAt:  start,
		FinishedAt: b.now(),
	})
	if err != nil {
		log.Printf("recording briefing run: %v", err)
	}
}
