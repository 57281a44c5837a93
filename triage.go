package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	bucketMyRecent      = "My Tasks - Recent Submissions"
	bucketMyWeekly      = "My Tasks - Weekly Items"
	bucketTeamCompleted = "Team Completed (24h)"
	bucketTeamDueToday  = "Team Due Today"
	bucketTeamPastDue   = "Team Past Due"

	triageRetention = 7
)

var taskColumns = []string{
	"TASK_GID", "TASK_NAME", "ASSIGNEE_NAME", "DUE_DATE", "CATEGORY", "SECTION",
	"COMPLETED", "AI_SUMMARY", "DRAFT_COMMENT", "ACTION_PLAN",
	"PRIORITY_ASSESSMENT", "BLOCKERS", "PERMALINK_URL", "PROCESSED_AT",
	"ANALYSIS_DATE",
}

// Triager runs the task triage pipeline: pull the principal's and the
// team's tasks from the task tracker, bucket them, batch-analyze them, and
// persist a same-day snapshot to the warehouse.
type Triager struct {
	cfg   Config
	asana *MCPClient
	wh    *Warehouse
	llm   llmCaller
	db    *sql.DB
	now   func() time.Time

	mu sync.Mutex
}

func NewTriager(cfg Config, asana *MCPClient, wh *Warehouse, llm llmCaller, db *sql.DB) *Triager {
	return &Triager{cfg: cfg, asana: asana, wh: wh, llm: llm, db: db, now: time.Now}
}

type TriageSummary struct {
	Success        bool           `json:"success"`
	RunID          string         `json:"run_id"`
	AnalysisDate   string         `json:"analysis_date"`
	TotalTasks     int            `json:"total_tasks"`
	Buckets        map[string]int `json:"buckets"`
	Persisted      int            `json:"persisted"`
	Errors         []string       `json:"errors,omitempty"`
	Message        string         `json:"message"`
	ProcessingTime string         `json:"processing_time"`
}

// Run executes one triage. Like the briefing, a failed batch or insert only
// reduces counts; a fully failed fetch aborts.
func (t *Triager) Run(ctx context.Context) (*TriageSummary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.now()
	today := dateString(start)
	runID := uuid.New().String()
	log.Printf("triage start run=%s date=%s", runID, today)

	guard := newDeadlineGuard(t.cfg.PipelineDeadline(), t.cfg.DeadlineMargin(), t.now)
	summary := &TriageSummary{Success: true, RunID: runID, AnalysisDate: today, Buckets: map[string]int{}}

	tasks, fetchErrs, totalFetches := t.fetchAllBuckets(ctx, start)
	summary.Errors = append(summary.Errors, fetchErrs...)
	if len(tasks) == 0 && len(fetchErrs) == totalFetches && totalFetches > 0 {
		t.recordRun(runID, today, summary, start)
		return nil, fmt.Errorf("all %d task fetches failed: %s", totalFetches, strings.Join(fetchErrs, "; "))
	}

	tasks = dedupeByID(tasks, func(task Task) string { return task.GID })
	summary.TotalTasks = len(tasks)
	for _, task := range tasks {
		summary.Buckets[task.Category]++
	}
	log.Printf("triage fetched run=%s tasks=%d fetch_errors=%d", runID, len(tasks), len(fetchErrs))

	analyses := t.analyze(ctx, guard, tasks, summary)

	records := make([]TaskRecord, 0, len(tasks))
	for _, task := range tasks {
		// Tasks the model skipped still get a row with empty analysis
		// fields so the dashboard shows the full task list.
		records = append(records, TaskRecord{
			Task:         task,
			TaskAnalysis: analyses[task.GID],
			ProcessedAt:  t.now(),
			AnalysisDate: today,
		})
	}

	persisted, persistErrs := t.persist(ctx, today, records)
	summary.Persisted = persisted
	summary.Errors = append(summary.Errors, persistErrs...)

	summary.Message = fmt.Sprintf("Task triage completed, %d tasks analyzed", summary.TotalTasks)
	summary.ProcessingTime = fmt.Sprintf("%.1fs", t.now().Sub(start).Seconds())
	t.recordRun(runID, today, summary, start)
	log.Printf("triage done run=%s tasks=%d persisted=%d errors=%d elapsed=%s",
		runID, summary.TotalTasks, persisted, len(summary.Errors), summary.ProcessingTime)
	return summary, nil
}

// --- fetch ---

type taskDTO struct {
	GID      string `json:"gid"`
	Name     string `json:"name"`
	Notes    string `json:"notes"`
	Assignee *struct {
		GID  string `json:"gid"`
		Name string `json:"name"`
	} `json:"assignee"`
	Section      string `json:"section"`
	DueOn        string `json:"due_on"`
	Completed    bool   `json:"completed"`
	PermalinkURL string `json:"permalink_url"`
}

func (d taskDTO) toTask(bucket string) Task {
	task := Task{
		GID:          d.GID,
		Name:         d.Name,
		Notes:        d.Notes,
		Assignee:     "Unassigned",
		Section:      d.Section,
		DueOn:        d.DueOn,
		Completed:    d.Completed,
		PermalinkURL: d.PermalinkURL,
		Category:     bucket,
	}
	if d.Assignee != nil {
		task.Assignee = d.Assignee.Name
		task.AssigneeGID = d.Assignee.GID
	}
	return task
}

// fetchAllBuckets issues the five task-list calls concurrently and sorts
// the results into triage buckets. The due-date buckets skip tasks without
// a due date.
func (t *Triager) fetchAllBuckets(ctx context.Context, now time.Time) ([]Task, []string, int) {
	const fetchCount = 5
	completedSince := now.Add(-24 * time.Hour).UTC().Format(time.RFC3339)

	calls := []struct {
		name string
		args map[string]any
	}{
		{"my recent submissions", map[string]any{
			"project_id": t.cfg.AsanaDashboard, "assignee": t.cfg.AsanaUserGID, "completed": false,
		}},
		{"my weekly items", map[string]any{
			"project_id": t.cfg.AsanaWeeklyItems, "assignee": t.cfg.AsanaUserGID, "completed": false,
		}},
		{"team completed", map[string]any{
			"project_id": t.cfg.AsanaWeeklyItems, "completed_since": completedSince,
		}},
		{"dashboard open tasks", map[string]any{
			"project_id": t.cfg.AsanaDashboard, "completed": false,
		}},
		{"weekly open tasks", map[string]any{
			"project_id": t.cfg.AsanaWeeklyItems, "completed": false,
		}},
	}

	results := make([][]taskDTO, fetchCount)
	errs := make([]string, fetchCount)

	g := &errgroup.Group{}
	for i, call := range calls {
		g.Go(func() error {
			result, err := t.asana.CallTool(ctx, "asana_list_tasks", call.args)
			if err != nil {
				log.Printf("triage fetch failed bucket=%q err=%v", call.name, err)
				errs[i] = fmt.Sprintf("%s: %v", call.name, err)
				return nil
			}
			var payload struct {
				Tasks []taskDTO `json:"tasks"`
			}
			if err := result.Decode(&payload); err != nil {
				log.Printf("triage fetch decode failed bucket=%q err=%v", call.name, err)
				errs[i] = fmt.Sprintf("%s: %v", call.name, err)
				return nil
			}
			results[i] = payload.Tasks
			return nil
		})
	}
	_ = g.Wait()

	today := dateString(now)
	var tasks []Task

	for _, dto := range results[0] {
		if strings.Contains(dto.Section, "Recent") || strings.Contains(dto.Section, "Submission") {
			tasks = append(tasks, dto.toTask(bucketMyRecent))
		}
	}
	for _, dto := range results[1] {
		tasks = append(tasks, dto.toTask(bucketMyWeekly))
	}
	for _, dto := range results[2] {
		if dto.Completed && (dto.Assignee == nil || dto.Assignee.GID != t.cfg.AsanaUserGID) {
			tasks = append(tasks, dto.toTask(bucketTeamCompleted))
		}
	}
	for _, dto := range append(results[3], results[4]...) {
		if dto.Completed || (dto.Assignee != nil && dto.Assignee.GID == t.cfg.AsanaUserGID) {
			continue
		}
		if dto.DueOn == "" {
			continue
		}
		due := strings.SplitN(dto.DueOn, "T", 2)[0]
		switch {
		case due < today:
			tasks = append(tasks, dto.toTask(bucketTeamPastDue))
		case due == today:
			tasks = append(tasks, dto.toTask(bucketTeamDueToday))
		}
	}

	var failed []string
	for _, e := range errs {
		if e != "" {
			failed = append(failed, e)
		}
	}
	return tasks, failed, fetchCount
}

// --- analyze ---

func (t *Triager) analyze(ctx context.Context, guard *deadlineGuard, tasks []Task, summary *TriageSummary) map[string]TaskAnalysis {
	analyses := make(map[string]TaskAnalysis, len(tasks))
	batches := chunkItems(tasks, t.cfg.BatchSize)
	for i, batch := range batches {
		if !guard.mayStart() {
			log.Printf("triage deadline approaching elapsed=%s, stopping after batch %d/%d", guard.elapsed().Round(time.Second), i, len(batches))
			summary.Errors = append(summary.Errors, fmt.Sprintf("deadline reached, %d batches skipped", len(batches)-i))
			break
		}

		log.Printf("triage batch %d/%d tasks=%d", i+1, len(batches), len(batch))
		systemPrompt, userPrompt := buildTaskPrompts(t.cfg.Principal, batch)
		responseText, err := t.llm(ctx, systemPrompt, userPrompt)
		if err != nil {
			log.Printf("triage batch %d failed: %v", i+1, err)
			summary.Errors = append(summary.Errors, fmt.Sprintf("batch %d: %v", i+1, err))
			continue
		}
		parsed, err := parseTaskClassifications(responseText)
		if err != nil {
			log.Printf("triage batch %d parse failed: %v", i+1, err)
			summary.Errors = append(summary.Errors, fmt.Sprintf("batch %d: %v", i+1, err))
			continue
		}

		batchGIDs := make(map[string]bool, len(batch))
		for _, task := range batch {
			batchGIDs[task.GID] = true
		}
		for gid, analysis := range parsed {
			if !batchGIDs[gid] {
				log.Printf("triage result for unknown task gid=%s dropped", gid)
				continue
			}
			analyses[gid] = analysis
		}
	}
	return analyses
}

// --- persist ---

func (t *Triager) persist(ctx context.Context, today string, records []TaskRecord) (int, []string) {
	var errs []string

	retentionCutoff := dateString(t.now().AddDate(0, 0, -triageRetention))
	if err := t.wh.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE ANALYSIS_DATE < %s", t.cfg.TaskTable, sqlQuote(retentionCutoff))); err != nil {
		errs = append(errs, fmt.Sprintf("retention cleanup: %v", err))
	}

	if err := t.wh.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE ANALYSIS_DATE = %s", t.cfg.TaskTable, sqlQuote(today))); err != nil {
		errs = append(errs, fmt.Sprintf("clearing today's records: %v", err))
		return 0, errs
	}

	persisted := 0
	for _, r := range records {
		stmt := insertStatement(t.cfg.TaskTable, taskColumns, [][]string{{
			sqlQuote(r.GID),
			sqlQuote(r.Name),
			sqlQuote(r.Assignee),
			sqlQuote(r.DueOn),
			sqlQuote(r.Category),
			sqlQuote(r.Section),
			sqlBool(r.Completed),
			sqlQuote(r.Summary),
			sqlQuote(r.DraftComment),
			sqlQuote(jsonArray(r.ActionPlan)),
			sqlQuote(r.PriorityAssessment),
			sqlQuote(jsonArray(r.Blockers)),
			sqlQuote(r.PermalinkURL),
			sqlTimestamp(r.ProcessedAt),
			sqlQuote(r.AnalysisDate),
		}})
		if err := t.wh.Exec(ctx, stmt); err != nil {
			log.Printf("triage persist failed gid=%s err=%v", r.GID, err)
			errs = append(errs, fmt.Sprintf("persist %s: %v", r.GID, err))
			continue
		}
		persisted++
	}
	return persisted, errs
}

func jsonArray(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func (t *Triager) recordRun(runID, today string, summary *TriageSummary, start time.Time) {
	if t.db == nil {
		return
	}
	err := InsertRun(t.db, RunRecord{
		ID:         runID,
		Kind:       "task_triage",
		TargetDate: today,
		Fetched:    summary.TotalTasks,
		Reviewed:   summary.TotalTasks,
		Persisted:  summary.Persisted,
		Errors:     len(summary.Errors),
		StartedAt:  start,
		FinishedAt: t.now(),
	})
	if err != nil {
		log.Printf("recording triage run: %v", err)
	}
}
