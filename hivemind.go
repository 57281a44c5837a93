package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

const (
	hiveMindMaxLimit = 20
	hiveMindReadTTL  = 60 * time.Second
)

var hiveMindCategories = map[string]bool{
	"CHECKPOINT": true,
	"ARTIFACT":   true,
	"ANALYSIS":   true,
	"DECISION":   true,
	"TODO":       true,
	"NOTE":       true,
	"ERROR":      true,
}

// HiveMindEntry is one row of the shared memory table.
type HiveMindEntry struct {
	ID         string    `json:"id"`
	Category   string    `json:"category"`
	Source     string    `json:"source"`
	Summary    string    `json:"summary"`
	Priority   string    `json:"priority"`
	Workstream string    `json:"workstream,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// HiveMind reads and writes the warehouse-backed memory table. Recent reads
// are memoized briefly because the voice assistant polls them on every turn.
type HiveMind struct {
	wh    *Warehouse
	table string
	memo  *memoCache
}

func NewHiveMind(wh *Warehouse, table string) *HiveMind {
	return &HiveMind{wh: wh, table: table, memo: newMemoCache(time.Now)}
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 5
	}
	if limit > hiveMindMaxLimit {
		return hiveMindMaxLimit
	}
	return limit
}

// Recent returns the newest entries, most recent first.
func (h *HiveMind) Recent(ctx context.Context, limit int) ([]HiveMindEntry, error) {
	limit = clampLimit(limit)
	cacheKey := fmt.Sprintf("recent:%d", limit)
	if cached, ok := h.memo.get(cacheKey); ok {
		return cached.([]HiveMindEntry), nil
	}

	rows, err := h.wh.Query(ctx, fmt.Sprintf(
		`SELECT ID, CATEGORY, SOURCE, SUMMARY, PRIORITY, WORKSTREAM, CREATED_AT
		 FROM %s ORDER BY CREATED_AT DESC LIMIT %d`, h.table, limit))
	if err != nil {
		return nil, fmt.Errorf("reading recent entries: %w", err)
	}

	entries := entriesFromRows(rows)
	h.memo.set(cacheKey, entries, hiveMindReadTTL)
	return entries, nil
}

// Search matches entries by keyword (against summary, workstream, and
// category) and/or an exact category. At least one of the two is required.
func (h *HiveMind) Search(ctx context.Context, query, category string, limit int) ([]HiveMindEntry, error) {
	if query == "" && category == "" {
		return nil, fmt.Errorf("either query or category is required")
	}
	limit = clampLimit(limit)

	var sb strings.Builder
	fmt.Fprintf(&sb,
		`SELECT ID, CATEGORY, SOURCE, SUMMARY, PRIORITY, WORKSTREAM, CREATED_AT
		 FROM %s WHERE 1=1`, h.table)
	if query != "" {
		pattern := sqlQuote("%" + query + "%")
		fmt.Fprintf(&sb, " AND (SUMMARY ILIKE %s OR WORKSTREAM ILIKE %s OR CATEGORY ILIKE %s)", pattern, pattern, pattern)
	}
	if category != "" {
		fmt.Fprintf(&sb, " AND CATEGORY = %s", sqlQuote(strings.ToUpper(category)))
	}
	fmt.Fprintf(&sb, " ORDER BY CREATED_AT DESC LIMIT %d", limit)

	rows, err := h.wh.Query(ctx, sb.String())
	if err != nil {
		return nil, fmt.Errorf("searching entries: %w", err)
	}
	return entriesFromRows(rows), nil
}

// Write appends one entry. Category must belong to the closed set and is
// stored upper-cased; priority defaults to NORMAL and source to ABBI_VOICE.
func (h *HiveMind) Write(ctx context.Context, entry HiveMindEntry) (HiveMindEntry, error) {
	if err := validateHiveMindEntry(entry); err != nil {
		return HiveMindEntry{}, err
	}
	category := strings.ToUpper(strings.TrimSpace(entry.Category))
	priority := strings.ToUpper(entry.Priority)
	if priority == "" {
		priority = "NORMAL"
	}
	source := entry.Source
	if source == "" {
		source = "ABBI_VOICE"
	}

	workstream := "NULL"
	if entry.Workstream != "" {
		workstream = sqlQuote(entry.Workstream)
	}
	stmt := fmt.Sprintf(
		`INSERT INTO %s (CATEGORY, SOURCE, SUMMARY, PRIORITY, WORKSTREAM, CREATED_AT)
		 VALUES (%s, %s, %s, %s, %s, CURRENT_TIMESTAMP())`,
		h.table, sqlQuote(category), sqlQuote(source), sqlQuote(entry.Summary), sqlQuote(priority), workstream)
	if err := h.wh.Exec(ctx, stmt); err != nil {
		return HiveMindEntry{}, fmt.Errorf("writing entry: %w", err)
	}

	// Recent reads must see the new entry.
	for limit := 1; limit <= hiveMindMaxLimit; limit++ {
		h.memo.invalidate(fmt.Sprintf("recent:%d", limit))
	}

	log.Printf("hive mind write category=%s priority=%s summary=%q", category, priority, truncate(entry.Summary, 60))
	return HiveMindEntry{
		Category:   category,
		Source:     source,
		Summary:    entry.Summary,
		Priority:   priority,
		Workstream: entry.Workstream,
		CreatedAt:  time.Now(),
	}, nil
}

func validateHiveMindEntry(entry HiveMindEntry) error {
	if !hiveMindCategories[strings.ToUpper(strings.TrimSpace(entry.Category))] {
		return fmt.Errorf("invalid category %q, must be one of: %s", entry.Category, strings.Join(hiveMindCategoryList(), ", "))
	}
	if strings.TrimSpace(entry.Summary) == "" {
		return fmt.Errorf("summary is required")
	}
	return nil
}

func entriesFromRows(rows []Row) []HiveMindEntry {
	entries := make([]HiveMindEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, HiveMindEntry{
			ID:         rowString(row, "ID"),
			Category:   rowString(row, "CATEGORY"),
			Source:     rowString(row, "SOURCE"),
			Summary:    rowString(row, "SUMMARY"),
			Priority:   rowString(row, "PRIORITY"),
			Workstream: rowString(row, "WORKSTREAM"),
			CreatedAt:  rowTime(row, "CREATED_AT"),
		})
	}
	return entries
}

func hiveMindCategoryList() []string {
	names := make([]string, 0, len(hiveMindCategories))
	for name := range hiveMindCategories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
