package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ExportRecord is one participant with the answers given.
type ExportRecord struct {
	Participant
	Survey     *SurveyResponse `json:"survey,omitempty"`
	Transcript []Message       `json:"transcript,omitempty"`
}

type Export struct {
	ExportID    string         `json:"export_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	Statistics  Statistics     `json:"statistics"`
	Records     []ExportRecord `json:"records"`
}

// Export collects every participant. Free text (transcripts and the open
// survey answer) is decrypted only when withText is set.
func (s *Store) Export(ctx context.Context, exportID string, withText bool) (Export, error) {
	stats, err := s.Statistics(ctx)
	if err != nil {
		return Export{}, err
	}
	participants, err := s.ListParticipants(ctx)
	if err != nil {
		return Export{}, err
	}

	out := Export{
		ExportID:    exportID,
		GeneratedAt: s.now(),
		Statistics:  stats,
		Records:     make([]ExportRecord, 0, len(participants)),
	}
	for _, p := range participants {
		rec := ExportRecord{Participant: p}

		survey, err := s.Survey(ctx, p.ParticipantID, withText)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return Export{}, err
		default:
			rec.Survey = &survey
		}

		if withText {
			rec.Transcript, err = s.Transcript(ctx, p.ParticipantID)
			if err != nil {
				return Export{}, err
			}
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

// Survey returns the latest survey of a participant.
func (s *Store) Survey(ctx context.Context, participantID string, withText bool) (SurveyResponse, error) {
	var (
		r      SurveyResponse
		q1, q2 sql.NullString
		q3     sql.NullInt64
		q4     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT question_1, question_2, question_3, question_4
		FROM survey_responses
		WHERE participant_id = ?
		ORDER BY id DESC
		LIMIT 1
	`), participantID).Scan(&q1, &q2, &q3, &q4)
	if errors.Is(err, sql.ErrNoRows) {
		return SurveyResponse{}, fmt.Errorf("survey %s: %w", participantID, ErrNotFound)
	}
	if err != nil {
		return SurveyResponse{}, fmt.Errorf("survey: %w", err)
	}

	r.Q1, r.Q2, r.Q3 = q1.String, q2.String, int(q3.Int64)
	if withText && q4.Valid {
		r.Q4, err = s.cipher.Decrypt(q4.String)
		if err != nil {
			return SurveyResponse{}, fmt.Errorf("survey %s: %w", participantID, err)
		}
	}
	return r, nil
}
