// Package store persists participants, chat transcripts, survey answers and
// LLM analyses. Chat text and the free-text survey answer are encrypted; the
// raw chat-platform identity is never written, only the derived participant id.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dilemma-experiment-backend/internal/db"
	"dilemma-experiment-backend/internal/randomizer"
	"dilemma-experiment-backend/internal/secure"
)

var (
	ErrParticipantExists = errors.New("participant already exists")
	ErrNotFound          = errors.New("not found")
)

const (
	MessageUser = "user"
	MessageBot  = "bot"
)

type Participant struct {
	ParticipantID string           `json:"participant_id"`
	Language      string           `json:"language"`
	Group         randomizer.Group `json:"experiment_group"`
	StartTime     *time.Time       `json:"start_time,omitempty"`
	EndTime       *time.Time       `json:"end_time,omitempty"`
	FinalDecision string           `json:"final_decision,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

type Message struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SurveyResponse holds the four post-experiment answers. Q3 is 0 when unanswered.
type SurveyResponse struct {
	Q1 string `json:"question_1"`
	Q2 string `json:"question_2"`
	Q3 int    `json:"question_3"`
	Q4 string `json:"question_4"`
}

type Statistics struct {
	TotalParticipants    int            `json:"total_participants"`
	Completed            int            `json:"completed"`
	Surveys              int            `json:"surveys"`
	LLMAnalyses          int            `json:"llm_analyses"`
	GroupDistribution    map[string]int `json:"group_distribution"`
	LanguageDistribution map[string]int `json:"language_distribution"`
	DecisionDistribution map[string]int `json:"decision_distribution"`
}

type Store struct {
	db     *sql.DB
	driver string
	cipher *secure.Cipher
	now    func() time.Time
}

func New(dbx *sql.DB, driver string, cipher *secure.Cipher) *Store {
	return &Store{
		db:     dbx,
		driver: driver,
		cipher: cipher,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) q(query string) string {
	return db.Rebind(s.driver, query)
}

// CreateParticipant inserts a participant; ErrParticipantExists when the id is taken.
func (s *Store) CreateParticipant(ctx context.Context, participantID, language string, group randomizer.Group) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO participants (participant_id, language, experiment_group, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (participant_id) DO NOTHING
	`), participantID, language, string(group), s.now())
	if err != nil {
		return fmt.Errorf("create participant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create participant: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("create participant %s: %w", participantID, ErrParticipantExists)
	}
	return nil
}

func (s *Store) GetParticipant(ctx context.Context, participantID string) (Participant, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT participant_id, language, experiment_group, start_time, end_time,
		       COALESCE(final_decision, ''), created_at
		FROM participants
		WHERE participant_id = ?
	`), participantID)

	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Participant{}, fmt.Errorf("participant %s: %w", participantID, ErrNotFound)
	}
	if err != nil {
		return Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row scanner) (Participant, error) {
	var (
		p          Participant
		group      string
		start, end sql.NullTime
	)
	if err := row.Scan(&p.ParticipantID, &p.Language, &group, &start, &end, &p.FinalDecision, &p.CreatedAt); err != nil {
		return Participant{}, err
	}
	p.Group = randomizer.Group(group)
	if start.Valid {
		t := start.Time
		p.StartTime = &t
	}
	if end.Valid {
		t := end.Time
		p.EndTime = &t
	}
	return p, nil
}

func (s *Store) StartSession(ctx context.Context, participantID string, start time.Time) error {
	n, err := s.update(ctx, `
		UPDATE participants SET start_time = ? WHERE participant_id = ?
	`, start.UTC(), participantID)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("start session %s: %w", participantID, ErrNotFound)
	}
	return nil
}

func (s *Store) RecordDecision(ctx context.Context, participantID, decision string, end time.Time) error {
	n, err := s.update(ctx, `
		UPDATE participants SET end_time = ?, final_decision = ? WHERE participant_id = ?
	`, end.UTC(), decision, participantID)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("record decision %s: %w", participantID, ErrNotFound)
	}
	return nil
}

// EndSession stamps end_time when the timer runs out. A session that already
// ended keeps its end time.
func (s *Store) EndSession(ctx context.Context, participantID string, end time.Time) error {
	_, err := s.update(ctx, `
		UPDATE participants SET end_time = ? WHERE participant_id = ? AND end_time IS NULL
	`, end.UTC(), participantID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteParticipant removes a participant with all dependent rows, so the
// person can take part again.
func (s *Store) DeleteParticipant(ctx context.Context, participantID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"chat_messages", "survey_responses", "llm_analyses"} {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE participant_id = ?`), participantID); err != nil {
			return fmt.Errorf("delete participant: %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM participants WHERE participant_id = ?`), participantID)
	if err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete participant %s: %w", participantID, ErrNotFound)
	}
	return tx.Commit()
}

// DeleteAll wipes every participant. Returns the number removed.
func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delete all: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"chat_messages", "survey_responses", "llm_analyses"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return 0, fmt.Errorf("delete all: %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM participants`)
	if err != nil {
		return 0, fmt.Errorf("delete all: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("delete all: %w", err)
	}
	return int(n), nil
}

func (s *Store) SaveMessage(ctx context.Context, participantID, messageType, content string) error {
	enc, err := s.cipher.Encrypt(content)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO chat_messages (participant_id, message_type, message_content, timestamp)
		VALUES (?, ?, ?, ?)
	`), participantID, messageType, enc, s.now())
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// Transcript returns the decrypted conversation in order.
func (s *Store) Transcript(ctx context.Context, participantID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT message_type, message_content, timestamp
		FROM chat_messages
		WHERE participant_id = ?
		ORDER BY timestamp, id
	`), participantID)
	if err != nil {
		return nil, fmt.Errorf("transcript: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var enc string
		if err := rows.Scan(&m.Type, &enc, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("transcript: %w", err)
		}
		m.Content, err = s.cipher.Decrypt(enc)
		if err != nil {
			return nil, fmt.Errorf("transcript %s: %w", participantID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) SaveSurvey(ctx context.Context, participantID string, r SurveyResponse) error {
	q4, err := s.cipher.Encrypt(r.Q4)
	if err != nil {
		return fmt.Errorf("save survey: %w", err)
	}
	var q3 sql.NullInt64
	if r.Q3 > 0 {
		q3 = sql.NullInt64{Int64: int64(r.Q3), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO survey_responses (participant_id, question_1, question_2, question_3, question_4, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`), participantID, nullIfEmpty(r.Q1), nullIfEmpty(r.Q2), q3, q4, s.now())
	if err != nil {
		return fmt.Errorf("save survey: %w", err)
	}
	return nil
}

// SaveAnalysis stores an LLM analysis payload as JSON.
func (s *Store) SaveAnalysis(ctx context.Context, participantID, kind, method string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO llm_analyses (participant_id, kind, method, payload, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`), participantID, kind, method, string(b), s.now())
	if err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}
	return nil
}

func (s *Store) Statistics(ctx context.Context) (Statistics, error) {
	st := Statistics{
		GroupDistribution:    map[string]int{},
		LanguageDistribution: map[string]int{},
		DecisionDistribution: map[string]int{},
	}

	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM participants`, &st.TotalParticipants},
		{`SELECT COUNT(*) FROM participants WHERE final_decision IS NOT NULL`, &st.Completed},
		{`SELECT COUNT(*) FROM survey_responses`, &st.Surveys},
		{`SELECT COUNT(*) FROM llm_analyses`, &st.LLMAnalyses},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return Statistics{}, fmt.Errorf("statistics: %w", err)
		}
	}

	dists := []struct {
		query string
		dst   map[string]int
	}{
		{`SELECT experiment_group, COUNT(*) FROM participants GROUP BY experiment_group`, st.GroupDistribution},
		{`SELECT language, COUNT(*) FROM participants GROUP BY language`, st.LanguageDistribution},
		{`SELECT final_decision, COUNT(*) FROM participants WHERE final_decision IS NOT NULL GROUP BY final_decision`, st.DecisionDistribution},
	}
	for _, d := range dists {
		if err := s.distribution(ctx, d.query, d.dst); err != nil {
			return Statistics{}, fmt.Errorf("statistics: %w", err)
		}
	}
	return st, nil
}

func (s *Store) distribution(ctx context.Context, query string, dst map[string]int) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		dst[k] = n
	}
	return rows.Err()
}

func (s *Store) ListParticipants(ctx context.Context) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant_id, language, experiment_group, start_time, end_time,
		       COALESCE(final_decision, ''), created_at
		FROM participants
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("list participants: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ParticipantIDs lists every stored participant id in insertion order.
func (s *Store) ParticipantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT participant_id FROM participants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("participant ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("participant ids: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
