package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/slack-go/slack"
)

// Notifier posts run summaries to Slack. A nil Notifier is valid and drops
// every message, so callers never need to check whether Slack is configured.
type Notifier struct {
	api     *slack.Client
	channel string
}

func NewNotifier(cfg Config) *Notifier {
	if cfg.SlackBotToken == "" || cfg.SlackChannelID == "" {
		log.Println("Slack notifications disabled (slack_bot_token not set)")
		return nil
	}
	return &Notifier{api: slack.New(cfg.SlackBotToken), channel: cfg.SlackChannelID}
}

func (n *Notifier) post(msg string) {
	if n == nil {
		return
	}
	_, _, err := n.api.PostMessage(n.channel, slack.MsgOptionText(msg, false))
	if err != nil {
		log.Printf("Slack post error: %v", err)
	}
}

func (n *Notifier) NotifyBriefing(summary *BriefingSummary) {
	if n == nil || summary == nil {
		return
	}
	msg := fmt.Sprintf("Email briefing done: %d reviewed, %d urgent/priority, %d spam removed (%s)",
		summary.TotalReviewed, countCategory(summary.Emails, "Urgent/Priority"), summary.SpamRemoved, summary.ProcessingTime)
	if len(summary.Errors) > 0 {
		msg += fmt.Sprintf("\n%d errors: %s", len(summary.Errors), truncate(strings.Join(summary.Errors, "; "), 300))
	}
	n.post(msg)
}

func (n *Notifier) NotifyTriage(summary *TriageSummary) {
	if n == nil || summary == nil {
		return
	}
	msg := fmt.Sprintf("Task triage done: %d tasks analyzed, %d persisted (%s)",
		summary.TotalTasks, summary.Persisted, summary.ProcessingTime)
	if len(summary.Errors) > 0 {
		msg += fmt.Sprintf("\n%d errors: %s", len(summary.Errors), truncate(strings.Join(summary.Errors, "; "), 300))
	}
	n.post(msg)
}

// NotifyFailure reports a run that aborted outright.
func (n *Notifier) NotifyFailure(kind string, err error) {
	if n == nil || err == nil {
		return
	}
	n.post(fmt.Sprintf("%s failed: %v", kind, err))
}

func countCategory(records []BriefingRecord, category string) int {
	count := 0
	for _, r := range records {
		if r.Category == category {
			count++
		}
	}
	return count
}
