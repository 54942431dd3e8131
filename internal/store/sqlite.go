package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/buddyfox/buddyfox/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetryAttempts = 3
	writeRetryDelay    = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
// The special path ":memory:" keeps the log in process memory.
func NewSQLite(dbPath string) (Repository, error) {
	inMemory := dbPath == ":memory:"

	dsn := dbPath
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		// Open database with WAL mode for better concurrency.
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if inMemory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS query_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		status TEXT NOT NULL,
		runtime TEXT NOT NULL DEFAULT '',
		web_searches INTEGER NOT NULL DEFAULT 0,
		web_fetches INTEGER NOT NULL DEFAULT 0,
		response_chars INTEGER NOT NULL DEFAULT 0,
		cached INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_query_log_session ON query_log(session_id);

	CREATE TABLE IF NOT EXISTS transcription_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		status TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		capture INTEGER NOT NULL DEFAULT 0,
		chunks_transcribed INTEGER NOT NULL DEFAULT 0,
		audio_seconds REAL NOT NULL DEFAULT 0,
		error TEXT
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordQuery appends a finished query to the log.
func (s *SQLiteStore) RecordQuery(ctx context.Context, rec QueryRecord) error {
	query := `
	INSERT INTO query_log (
		session_id, started_at, duration_ms, status, runtime,
		web_searches, web_fetches, response_chars, cached, error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var errText interface{}
	if rec.Error != "" {
		errText = rec.Error
	}

	return shared.RetryOnConflict(ctx, "record query", writeRetryAttempts, writeRetryDelay, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			rec.SessionID, rec.StartedAt.UnixMilli(), rec.Duration.Milliseconds(), rec.Status, rec.Runtime,
			rec.WebSearches, rec.WebFetches, rec.ResponseChars, rec.Cached, errText,
		)
		if err != nil {
			return fmt.Errorf("insert query log: %w", err)
		}
		return nil
	})
}

// RecordTranscription appends a finished transcription to the log.
func (s *SQLiteStore) RecordTranscription(ctx context.Context, rec TranscriptionRecord) error {
	query := `
	INSERT INTO transcription_log (
		session_id, started_at, duration_ms, status, language,
		capture, chunks_transcribed, audio_seconds, error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var errText interface{}
	if rec.Error != "" {
		errText = rec.Error
	}

	return shared.RetryOnConflict(ctx, "record transcription", writeRetryAttempts, writeRetryDelay, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			rec.SessionID, rec.StartedAt.UnixMilli(), rec.Duration.Milliseconds(), rec.Status, rec.Language,
			rec.Capture, rec.ChunksTranscribed, rec.AudioSeconds, errText,
		)
		if err != nil {
			return fmt.Errorf("insert transcription log: %w", err)
		}
		return nil
	})
}

// QueryStats aggregates every recorded query.
func (s *SQLiteStore) QueryStats(ctx context.Context) (QueryStats, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'canceled' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(cached), 0),
		       COALESCE(AVG(duration_ms), 0),
		       COALESCE(MAX(duration_ms), 0),
		       COALESCE(SUM(web_searches), 0),
		       COALESCE(SUM(web_fetches), 0),
		       MAX(started_at)
		FROM query_log`

	var st QueryStats
	var lastStarted sql.NullInt64
	err := s.db.QueryRowContext(ctx, query).Scan(
		&st.Total, &st.Completed, &st.Failed, &st.Canceled, &st.Cached,
		&st.AvgDurationMS, &st.MaxDurationMS, &st.WebSearches, &st.WebFetches,
		&lastStarted,
	)
	if err != nil {
		return QueryStats{}, fmt.Errorf("scan query stats: %w", err)
	}
	if lastStarted.Valid {
		ts := time.UnixMilli(lastStarted.Int64).UTC()
		st.LastQueryAt = &ts
	}
	return st, nil
}

// TranscriptionStats aggregates every recorded transcription.
func (s *SQLiteStore) TranscriptionStats(ctx context.Context) (TranscriptionStats, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(chunks_transcribed), 0),
		       COALESCE(SUM(audio_seconds), 0)
		FROM transcription_log`

	var st TranscriptionStats
	err := s.db.QueryRowContext(ctx, query).Scan(
		&st.Total, &st.Completed, &st.Failed, &st.ChunksTranscribed, &st.AudioSeconds,
	)
	if err != nil {
		return TranscriptionStats{}, fmt.Errorf("scan transcription stats: %w", err)
	}
	return st, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
