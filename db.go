package main

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS triage_runs (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		target_date TEXT NOT NULL,
		fetched     INTEGER NOT NULL DEFAULT 0,
		reviewed    INTEGER NOT NULL DEFAULT 0,
		persisted   INTEGER NOT NULL DEFAULT 0,
		errors      INTEGER NOT NULL DEFAULT 0,
		cached      INTEGER NOT NULL DEFAULT 0,
		started_at  DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_kind_date ON triage_runs(kind, target_date);

	CREATE TABLE IF NOT EXISTS op_log (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		tool      TEXT NOT NULL,
		detail    TEXT DEFAULT '',
		error     TEXT NOT NULL,
		failed_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_op_log_failed_at ON op_log(failed_at);
	`
	_, err = db.Exec(schema)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func InsertRun(db *sql.DB, run RunRecord) error {
	cached := 0
	if run.Cached {
		cached = 1
	}
	_, err := db.Exec(
		`INSERT INTO triage_runs (id, kind, target_date, fetched, reviewed, persisted, errors, cached, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Kind, run.TargetDate, run.Fetched, run.Reviewed, run.Persisted,
		run.Errors, cached, run.StartedAt, run.FinishedAt,
	)
	return err
}

func GetRecentRuns(db *sql.DB, limit int) ([]RunRecord, error) {
	rows, err := db.Query(
		`SELECT id, kind, target_date, fetched, reviewed, persisted, errors, cached, started_at, finished_at
		 FROM triage_runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var run RunRecord
		var cached int
		err := rows.Scan(
			&run.ID, &run.Kind, &run.TargetDate, &run.Fetched, &run.Reviewed,
			&run.Persisted, &run.Errors, &cached, &run.StartedAt, &run.FinishedAt,
		)
		if err != nil {
			return nil, err
		}
		run.Cached = cached != 0
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func GetLastRun(db *sql.DB, kind string) (RunRecord, error) {
	var run RunRecord
	var cached int
	err := db.QueryRow(
		`SELECT id, kind, target_date, fetched, reviewed, persisted, errors, cached, started_at, finished_at
		 FROM triage_runs WHERE kind = ? ORDER BY started_at DESC LIMIT 1`,
		kind,
	).Scan(
		&run.ID, &run.Kind, &run.TargetDate, &run.Fetched, &run.Reviewed,
		&run.Persisted, &run.Errors, &cached, &run.StartedAt, &run.FinishedAt,
	)
	run.Cached = cached != 0
	return run, err
}

type OpFailure struct {
	ID       int64
	Tool     string
	Detail   string
	Error    string
	FailedAt time.Time
}

func InsertOpFailure(db *sql.DB, tool, detail, errMsg string) error {
	_, err := db.Exec(
		`INSERT INTO op_log (tool, detail, error) VALUES (?, ?, ?)`,
		tool, detail, strings.TrimSpace(errMsg),
	)
	return err
}

func GetRecentOpFailures(db *sql.DB, limit int) ([]OpFailure, error) {
	rows, err := db.Query(
		`SELECT id, tool, detail, error, failed_at FROM op_log ORDER BY failed_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []OpFailure
	for rows.Next() {
		var f OpFailure
		if err := rows.Scan(&f.ID, &f.Tool, &f.Detail, &f.Error, &f.FailedAt); err != nil {
			return nil, err
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}
