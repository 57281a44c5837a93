package main

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const maxSQLLiteralLen = 2000

// Warehouse runs SQL against the warehouse gateway's query tool and decodes
// its {success, data|error} result envelope.
type Warehouse struct {
	client *MCPClient
	tool   string
}

func NewWarehouse(client *MCPClient, tool string) *Warehouse {
	return &Warehouse{client: client, tool: tool}
}

// Row is one result row, keyed by upper-case column name.
type Row map[string]any

func (w *Warehouse) Query(ctx context.Context, sql string) ([]Row, error) {
	result, err := w.client.CallTool(ctx, w.tool, map[string]any{"sql": sql})
	if err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		// DDL and DML acks sometimes come back as plain text.
		return nil, nil
	}

	var envelope struct {
		Success bool   `json:"success"`
		Data    []Row  `json:"data"`
		Error   string `json:"error"`
	}
	if err := result.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding warehouse response: %w", err)
	}
	if !envelope.Success {
		if envelope.Error == "" {
			envelope.Error = "unknown warehouse error"
		}
		return nil, fmt.Errorf("warehouse: %s", envelope.Error)
	}
	return envelope.Data, nil
}

// Exec runs a statement whose result rows are irrelevant.
func (w *Warehouse) Exec(ctx context.Context, sql string) error {
	_, err := w.Query(ctx, sql)
	return err
}

// rowString reads a column as a string, tolerating missing or non-string
// values.
func rowString(r Row, col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func rowBool(r Row, col string) bool {
	switch v := r[col].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return strings.EqualFold(v, "true") || v == "1"
	default:
		return false
	}
}

func rowTime(r Row, col string) time.Time {
	s := rowString(r, col)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05.000", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// sqlQuote renders arbitrary free text as a single-quoted SQL literal. Every
// string literal sent to the warehouse must pass through here; nothing else
// in this codebase concatenates raw input into SQL.
func sqlQuote(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > maxSQLLiteralLen {
		out = out[:maxSQLLiteralLen]
		for !utf8.ValidString(out) {
			out = out[:len(out)-1]
		}
	}
	return "'" + strings.ReplaceAll(out, "'", "''") + "'"
}

func sqlBool(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

func sqlTimestamp(t time.Time) string {
	if t.IsZero() {
		return "NULL"
	}
	return sqlQuote(t.UTC().Format("2006-01-02 15:04:05"))
}

// insertStatement builds an INSERT with pre-rendered value expressions. Each
// value must already be a valid SQL expression (sqlQuote, sqlBool, ...).
func insertStatement(table string, columns []string, rows [][]string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES ")
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		b.WriteString(strings.Join(row, ", "))
		b.WriteString(")")
	}
	return b.String()
}
