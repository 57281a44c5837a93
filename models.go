package main

import "time"

// Email is one message fetched from a mail-gateway folder.
type Email struct {
	ID        string
	Subject   string
	FromName  string
	FromEmail string
	Preview   string
	Folder    string
	Mailbox   string
	Received  time.Time
	IsRead    bool
}

// EmailDecision is the model's judgment about one email.
type EmailDecision struct {
	Priority      string // "urgent", "high", "medium", or "fyi"
	IsToEmail     bool
	NeedsResponse bool
}

// BriefingRecord is the denormalized row persisted to the briefing cache
// table: the email's descriptive fields plus the classification, keyed by
// email id within one briefing date.
type BriefingRecord struct {
	EmailID       string
	Subject       string
	FromName      string
	FromEmail     string
	Preview       string
	Category      string
	Priority      string
	IsToEmail     bool
	NeedsResponse bool
	Folder        string
	Mailbox       string
	Received      time.Time
	ProcessedAt   time.Time
	BriefingDate  string // YYYY-MM-DD, the idempotency scope
}

// Task is one record fetched from the task-tracker gateway.
type Task struct {
	GID          string
	Name         string
	Notes        string
	Assignee     string
	AssigneeGID  string
	Section      string
	DueOn        string // YYYY-MM-DD or empty
	Completed    bool
	PermalinkURL string
	Category     string // triage bucket, assigned during fetch
}

// TaskAnalysis is the model's structured judgment about one task.
type TaskAnalysis struct {
	Summary            string
	DraftComment       string
	ActionPlan         []string
	PriorityAssessment string
	Blockers           []string
}

// TaskRecord is the persisted row combining a Task and its TaskAnalysis.
type TaskRecord struct {
	Task
	TaskAnalysis
	ProcessedAt  time.Time
	AnalysisDate string
}

// RunRecord summarizes one pipeline invocation for the local run history.
type RunRecord struct {
	ID         string
	Kind       string // "briefing" or "task_triage"
	TargetDate string
	Fetched    int
	Reviewed   int
	Persisted  int
	Errors     int
	Cached     bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// deriveCategory maps a decision onto the briefing display category.
// Urgent and high always surface at the top; otherwise the category encodes
// whether the principal was addressed directly and whether action is needed.
func deriveCategory(d EmailDecision) string {
	switch d.Priority {
	case "urgent", "high":
		return "Urgent/Priority"
	case "fyi":
		if d.IsToEmail {
			return "To: FYI"
		}
		return "CC: FYI"
	}
	if d.IsToEmail {
		if d.NeedsResponse {
			return "To: Need Response/Action"
		}
		return "To: FYI"
	}
	if d.NeedsResponse {
		return "CC: Need Response/Action"
	}
	return "CC: FYI"
}

var priorityRank = map[string]int{
	"urgent": 0,
	"high":   1,
	"medium": 2,
	"fyi":    3,
}

func priorityOrder(p string) int {
	if rank, ok := priorityRank[p]; ok {
		return rank
	}
	return len(priorityRank)
}

// normalizePriority folds unexpected model output onto the closed priority
// set, defaulting to "medium".
func normalizePriority(p string) string {
	if _, ok := priorityRank[p]; ok {
		return p
	}
	return "medium"
}

// yesterdayMidnight is the briefing fetch cutoff: emails from today and
// yesterday are reviewed.
func yesterdayMidnight(now time.Time) time.Time {
	y := now.AddDate(0, 0, -1)
	return time.Date(y.Year(), y.Month(), y.Day(), 0, 0, 0, 0, now.Location())
}

func dateString(t time.Time) string {
	return t.Format("2006-01-02")
}
