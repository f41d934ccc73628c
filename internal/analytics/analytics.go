package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dilemma-experiment-backend/internal/db"
)

// Event names.
const (
	SessionStarted   = "session_started"
	MessageReceived  = "message_received"
	DecisionPrompted = "decision_prompted"
	DecisionMade     = "decision_made"
	SessionTimedOut  = "session_timed_out"
	SurveyCompleted  = "survey_completed"
	SurveyAbandoned  = "survey_abandoned"
	SessionReset     = "session_reset"
)

// Envelope is what we store with every event.
type Envelope struct {
	ParticipantID string
	Group         string
	Language      string
	Platform      string
	// Key is the source event key. Events sharing a key are stored once;
	// an empty key gets a random one.
	Key string
}

var keySpace = uuid.MustParse("8d5f3c1e-6a47-4b2e-9f0d-2c7a9e41b6d3")

// EventKey derives a stable source event key from the parts that identify
// one occurrence of an event.
func EventKey(parts ...string) string {
	return uuid.NewSHA1(keySpace, []byte(strings.Join(parts, "\x1f"))).String()
}

type Logger struct {
	db     *sql.DB
	driver string
	log    *zap.Logger
	now    func() time.Time
}

func New(dbx *sql.DB, driver string, log *zap.Logger) *Logger {
	return &Logger{
		db:     dbx,
		driver: driver,
		log:    log.Named("analytics"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Log inserts one analytics event.
// Never logs sensitive raw text; caller passes sanitized props.
// Failures are logged and swallowed so the experiment flow never breaks on analytics.
func (l *Logger) Log(ctx context.Context, env Envelope, eventName string, props map[string]any) {
	if l == nil || eventName == "" {
		return
	}

	payload := map[string]any{}
	for k, v := range props {
		payload[k] = v
	}
	if env.Group != "" {
		payload["group"] = env.Group
	}
	if env.Language != "" {
		payload["language"] = env.Language
	}
	if env.Platform != "" {
		payload["platform"] = env.Platform
	}

	b, err := json.Marshal(payload)
	if err != nil {
		// if props can't marshal, don't break core flow
		l.log.Warn("marshal event", zap.String("event", eventName), zap.Error(err))
		return
	}

	key := env.Key
	if key == "" {
		key = uuid.NewString()
	}
	_, err = l.db.ExecContext(ctx, db.Rebind(l.driver, `
		INSERT INTO events (event_name, event_time, participant_id, source_event_key, properties)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source_event_key) DO NOTHING
	`), eventName, l.now(), nullIfEmpty(env.ParticipantID), key, string(b))
	if err != nil {
		l.log.Warn("insert event", zap.String("event", eventName), zap.Error(err))
	}
}

// Counts returns the number of events per name.
func (l *Logger) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT event_name, COUNT(*) FROM events GROUP BY event_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
