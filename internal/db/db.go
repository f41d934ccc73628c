package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	SQLite   = "sqlite"
	Postgres = "postgres"
)

// Connect opens and pings the database. For sqlite, dsn is a file path or
// ":memory:"; the parent directory is created when missing.
func Connect(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case SQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("db: ensure dir: %w", err)
			}
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
		}
	case Postgres:
	default:
		return nil, fmt.Errorf("db: unknown driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == SQLite {
		// one writer; also keeps ":memory:" a single database
		db.SetMaxOpenConns(1)
	}

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// Rebind rewrites '?' placeholders into the driver's bind syntax.
func Rebind(driver, query string) string {
	if driver != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate creates the experiment tables when they do not exist.
func Migrate(ctx context.Context, dbx *sql.DB, driver string) error {
	stmts := sqliteSchema
	if driver == Postgres {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := dbx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("db: migrate: %w", err)
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS participants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		participant_id TEXT UNIQUE NOT NULL,
		language TEXT NOT NULL,
		experiment_group TEXT NOT NULL,
		start_time TIMESTAMP,
		end_time TIMESTAMP,
		final_decision TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		participant_id TEXT NOT NULL REFERENCES participants (participant_id) ON DELETE CASCADE,
		message_type TEXT NOT NULL,
		message_content TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_participant ON chat_messages (participant_id)`,
	`CREATE TABLE IF NOT EXISTS survey_responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		participant_id TEXT NOT NULL REFERENCES participants (participant_id) ON DELETE CASCADE,
		question_1 TEXT,
		question_2 TEXT,
		question_3 INTEGER,
		question_4 TEXT,
		timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS llm_analyses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		participant_id TEXT NOT NULL REFERENCES participants (participant_id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		method TEXT NOT NULL,
		payload TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_name TEXT NOT NULL,
		event_time TIMESTAMP NOT NULL,
		participant_id TEXT,
		source_event_key TEXT UNIQUE,
		properties TEXT NOT NULL
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS participants (
		id SERIAL PRIMARY KEY,
		participant_id TEXT UNIQUE NOT NULL,
		language TEXT NOT NULL,
		experiment_group TEXT NOT NULL,
		start_time TIMESTAMPTZ,
		end_time TIMESTAMPTZ,
		final_decision TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id SERIAL PRIMARY KEY,
		participant_id TEXT NOT NULL REFERENCES participants (participant_id) ON DELETE CASCADE,
		message_type TEXT NOT NULL,
		message_content TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_participant ON chat_messages (participant_id)`,
	`CREATE TABLE IF NOT EXISTS survey_responses (
		id SERIAL PRIMARY KEY,
		participant_id TEXT NOT NULL REFERENCES participants (participant_id) ON DELETE CASCADE,
		question_1 TEXT,
		question_2 TEXT,
		question_3 INTEGER,
		question_4 TEXT,
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS llm_analyses (
		id SERIAL PRIMARY KEY,
		participant_id TEXT NOT NULL REFERENCES participants (participant_id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		method TEXT NOT NULL,
		payload JSONB NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id SERIAL PRIMARY KEY,
		event_name TEXT NOT NULL,
		event_time TIMESTAMPTZ NOT NULL,
		participant_id TEXT,
		source_event_key TEXT UNIQUE,
		properties JSONB NOT NULL
	)`,
}
