package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// llmCaller issues one chat-completion request and returns the text of the
// first content block. Injected so pipelines can be tested without the API.
type llmCaller func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

func newAnthropicCaller(apiKey, model string) llmCaller {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: 4096,
			System: []anthropic.TextBlockParam{
				{Text: systemPrompt},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
			},
		})
		if err != nil {
			log.Printf("llm anthropic error: %v", err)
			return "", fmt.Errorf("Anthropic API error: %w", err)
		}
		for _, block := range message.Content {
			if block.Type == "text" {
				log.Printf("llm anthropic response size=%d tokens_in=%d tokens_out=%d",
					len(block.Text), message.Usage.InputTokens, message.Usage.OutputTokens)
				return block.Text, nil
			}
		}
		return "", fmt.Errorf("no text content in Anthropic response")
	}
}

// stripCodeFence removes Markdown code-fence markers the model sometimes
// wraps around JSON output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// sanitizeField flattens free text so it can be embedded in a prompt line.
func sanitizeField(s string, max int) string {
	s = strings.NewReplacer("\r", " ", "\n", " ", "\t", " ", `"`, "'").Replace(s)
	s = strings.TrimSpace(s)
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// --- Email briefing classification ---

type emailClassification struct {
	ID            string `json:"id"`
	Priority      string `json:"priority"`
	IsToEmail     bool   `json:"is_to_email"`
	NeedsResponse bool   `json:"needs_response"`
}

func buildBriefingPrompts(principal string, batch []Email) (string, string) {
	systemPrompt := fmt.Sprintf(`You categorize emails for %s.

For each email, determine:
1. priority: "urgent" (time-sensitive/critical), "high" (important), "medium" (normal), or "fyi" (informational only)
2. is_to_email: true if the principal is in the To: line, false if CC
3. needs_response: true if the email requires the principal's action or response, false if just FYI

You MUST return exactly one result for EACH email, tagged by its id. Do not skip any emails.

Respond with JSON only (no markdown):
[{"id": "email_id", "priority": "high", "is_to_email": true, "needs_response": true}, ...]`, principal)

	var lines strings.Builder
	for i, email := range batch {
		fmt.Fprintf(&lines, "%d. ID: %s\n   From: %s <%s>\n   Subject: %s\n   Preview: %s\n   Folder: %s\n   Received: %s\n\n",
			i+1, email.ID,
			sanitizeField(email.FromName, 100), sanitizeField(email.FromEmail, 100),
			sanitizeField(email.Subject, 200), sanitizeField(email.Preview, 200),
			sanitizeField(email.Folder, 80), email.Received.Format("2006-01-02 15:04"))
	}

	userPrompt := fmt.Sprintf("Categorize ALL %d emails below:\n\n%s", len(batch), lines.String())
	return systemPrompt, userPrompt
}

func parseEmailClassifications(responseText string) (map[string]EmailDecision, error) {
	responseText = stripCodeFence(responseText)

	var classified []emailClassification
	if err := json.Unmarshal([]byte(responseText), &classified); err != nil {
		return nil, fmt.Errorf("parsing briefing response: %w (response: %s)", err, truncate(responseText, 512))
	}

	decisions := make(map[string]EmailDecision, len(classified))
	for _, c := range classified {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			continue
		}
		decisions[id] = EmailDecision{
			Priority:      normalizePriority(strings.ToLower(strings.TrimSpace(c.Priority))),
			IsToEmail:     c.IsToEmail,
			NeedsResponse: c.NeedsResponse,
		}
	}
	return decisions, nil
}

// --- Task triage classification ---

type taskClassification struct {
	ID                 string   `json:"id"`
	Summary            string   `json:"summary"`
	DraftComment       string   `json:"draft_comment"`
	ActionPlan         []string `json:"action_plan"`
	PriorityAssessment string   `json:"priority_assessment"`
	Blockers           []string `json:"blockers"`
}

func buildTaskPrompts(principal string, batch []Task) (string, string) {
	systemPrompt := fmt.Sprintf(`You are an executive assistant for %s.

Analyze each task below. For each one, provide:
- summary: 2-3 sentence summary of what the task is about and its current status
- draft_comment: a professional comment the principal could post to move the task forward
- action_plan: list of next steps, or [] if the task is complete
- priority_assessment: "Critical", "High", "Medium", or "Low" with brief reasoning
- blockers: list of potential blockers, or [] if none identified

You MUST return exactly one result for EACH task, tagged by its id.

Respond with JSON only (no markdown):
[{"id": "task_gid", "summary": "...", "draft_comment": "...", "action_plan": ["..."], "priority_assessment": "High - ...", "blockers": []}, ...]`, principal)

	var lines strings.Builder
	for i, task := range batch {
		due := task.DueOn
		if due == "" {
			due = "No due date"
		}
		completed := "No"
		if task.Completed {
			completed = "Yes"
		}
		fmt.Fprintf(&lines, "%d. ID: %s\n   Name: %s\n   Assignee: %s\n   Due: %s\n   Section: %s\n   Bucket: %s\n   Completed: %s\n   Notes: %s\n\n",
			i+1, task.GID,
			sanitizeField(task.Name, 200), sanitizeField(task.Assignee, 100),
			due, sanitizeField(task.Section, 100), task.Category, completed,
			sanitizeField(task.Notes, 500))
	}

	userPrompt := fmt.Sprintf("Analyze ALL %d tasks below:\n\n%s", len(batch), lines.String())
	return systemPrompt, userPrompt
}

func parseTaskClassifications(responseText string) (map[string]TaskAnalysis, error) {
	responseText = stripCodeFence(responseText)

	var classified []taskClassification
	if err := json.Unmarshal([]byte(responseText), &classified); err != nil {
		return nil, fmt.Errorf("parsing task triage response: %w (response: %s)", err, truncate(responseText, 512))
	}

	analyses := make(map[string]TaskAnalysis, len(classified))
	for _, c := range classified {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			continue
		}
		analyses[id] = TaskAnalysis{
			Summary:            strings.TrimSpace(c.Summary),
			DraftComment:       strings.TrimSpace(c.DraftComment),
			ActionPlan:         c.ActionPlan,
			PriorityAssessment: strings.TrimSpace(c.PriorityAssessment),
			Blockers:           c.Blockers,
		}
	}
	return analyses, nil
}
