package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Attempt is one recorded orchestrator run. Stage is the winning stage on
// success, empty on exhaustion; Code carries the coarse failure code.
type Attempt struct {
	ID            int64  `json:"id"`
	CorrelationID string `json:"correlation_id"`
	EntityID      string `json:"entity_id"`
	JobID         string `json:"job_id"`
	Stage         string `json:"stage,omitempty"`
	OK            bool   `json:"ok"`
	Code          string `json:"code,omitempty"`
	DurationMs    int64  `json:"duration_ms"`
	CreatedAt     string `json:"created_at"`
}

var (
	historyDB   *sql.DB
	historyOnce sync.Once
	historyErr  error
)

// openHistoryDB opens (or creates) the SQLite attempt history database.
func openHistoryDB() (*sql.DB, error) {
	historyOnce.Do(func() {
		path := cfg.HistoryDBPath
		if path == "" {
			dir := filepath.Join(os.Getenv("HOME"), ".ytscribe")
			if err := os.MkdirAll(dir, 0750); err != nil {
				historyErr = fmt.Errorf("history: mkdir %s: %w", dir, err)
				return
			}
			path = filepath.Join(dir, "history.db")
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			historyErr = fmt.Errorf("history: open db: %w", err)
			return
		}
		db.SetMaxOpenConns(1) // SQLite: single writer
		if err := initHistorySchema(db); err != nil {
			historyErr = fmt.Errorf("history: init schema: %w", err)
			return
		}
		historyDB = db
	})
	return historyDB, historyErr
}

func initHistorySchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS attempts (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		correlation_id TEXT NOT NULL,
		entity_id      TEXT NOT NULL,
		job_id         TEXT,
		stage          TEXT,
		ok             INTEGER NOT NULL,
		code           TEXT,
		duration_ms    INTEGER NOT NULL,
		created_at     TEXT NOT NULL
	)`)
	return err
}

// RecordAttempt persists one run outcome. Best-effort: history is
// observability, not correctness, so failures only log.
func RecordAttempt(_ context.Context, a Attempt) error {
	db, err := openHistoryDB()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	okInt := 0
	if a.OK {
		okInt = 1
	}
	_, err = db.Exec(
		`INSERT INTO attempts (correlation_id, entity_id, job_id, stage, ok, code, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.CorrelationID, a.EntityID, a.JobID, a.Stage, okInt, a.Code, a.DurationMs, now,
	)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// ListAttempts returns recent attempts, newest first, optionally filtered by
// entity id.
func ListAttempts(_ context.Context, entityID string, limit int) ([]Attempt, error) {
	db, err := openHistoryDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var rows *sql.Rows
	if entityID != "" {
		rows, err = db.Query(
			`SELECT id, correlation_id, entity_id, job_id, stage, ok, code, duration_ms, created_at
			 FROM attempts WHERE entity_id = ? ORDER BY id DESC LIMIT ?`, entityID, limit)
	} else {
		rows, err = db.Query(
			`SELECT id, correlation_id, entity_id, job_id, stage, ok, code, duration_ms, created_at
			 FROM attempts ORDER BY id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var jobID, stage, code sql.NullString
		var okInt int
		if err := rows.Scan(&a.ID, &a.CorrelationID, &a.EntityID, &jobID, &stage,
			&okInt, &code, &a.DurationMs, &a.CreatedAt); err != nil {
			continue
		}
		a.JobID = jobID.String
		a.Stage = stage.String
		a.Code = code.String
		a.OK = okInt == 1
		out = append(out, a)
	}
	if out == nil {
		out = []Attempt{}
	}
	return out, nil
}
