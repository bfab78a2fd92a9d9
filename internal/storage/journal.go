// Package storage keeps the SQLite journal of finished voice jobs.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codebuildervaibhav/voice-bot/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL,
	source TEXT NOT NULL,
	stage TEXT NOT NULL,
	outcome TEXT NOT NULL,
	transcript_chars INTEGER NOT NULL,
	reply_chars INTEGER NOT NULL,
	stt_attempts INTEGER NOT NULL,
	tts_attempts INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	audio_seconds REAL NOT NULL DEFAULT 0,
	processed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_processed_at ON turns(processed_at);
CREATE INDEX IF NOT EXISTS idx_turns_user_id ON turns(user_id);
`

// Journal records terminal job outcomes. Transcript and reply text are not
// stored, only their lengths.
type Journal struct {
	db *sql.DB
}

// JournalEntry is one row of the journal
type JournalEntry struct {
	JobID           string      `json:"job_id"`
	UserID          string      `json:"user_id"`
	Source          string      `json:"source"`
	Stage           types.Stage `json:"stage"`
	Outcome         string      `json:"outcome"`
	TranscriptChars int         `json:"transcript_chars"`
	ReplyChars      int         `json:"reply_chars"`
	STTAttempts     int         `json:"stt_attempts"`
	TTSAttempts     int         `json:"tts_attempts"`
	DurationMS      int64       `json:"duration_ms"`
	AudioSeconds    float64     `json:"audio_seconds"`
	ProcessedAt     time.Time   `json:"processed_at"`
}

// OpenJournal opens or creates the database at path
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record inserts r. A second record for the same job id is ignored.
func (j *Journal) Record(ctx context.Context, r types.TurnResult) error {
	const query = `
	INSERT OR IGNORE INTO turns (job_id, user_id, source, stage, outcome, transcript_chars, reply_chars,
		stt_attempts, tts_attempts, duration_ms, audio_seconds, processed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	processed := r.ProcessedAt
	if processed.IsZero() {
		processed = time.Now()
	}
	_, err := j.db.ExecContext(ctx, query,
		r.JobID, r.UserID, r.Source, string(r.Stage), r.OutcomeKind,
		len([]rune(r.Transcript)), len([]rune(r.Reply)),
		r.STTAttempts, r.TTSAttempts, r.Duration.Milliseconds(), r.AudioSeconds, processed.UTC())
	if err != nil {
		return fmt.Errorf("record job %s: %w", r.JobID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first
func (j *Journal) Recent(ctx context.Context, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
	SELECT job_id, user_id, source, stage, outcome, transcript_chars, reply_chars,
		stt_attempts, tts_attempts, duration_ms, audio_seconds, processed_at
	FROM turns ORDER BY processed_at DESC, id DESC LIMIT ?
	`
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	entries := make([]JournalEntry, 0, limit)
	for rows.Next() {
		var (
			e     JournalEntry
			stage string
		)
		if err := rows.Scan(&e.JobID, &e.UserID, &e.Source, &stage, &e.Outcome,
			&e.TranscriptChars, &e.ReplyChars, &e.STTAttempts, &e.TTSAttempts,
			&e.DurationMS, &e.AudioSeconds, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		e.Stage = types.Stage(stage)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByOutcome groups all recorded jobs by outcome
func (j *Journal) CountByOutcome(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM turns GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count journal: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan journal count: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.db.Close()
}
