// Package survey runs the four-question questionnaire shown after the
// decision. A Survey is not safe for concurrent use; the experiment session
// that owns it serializes access.
package survey

import (
	"errors"
	"fmt"
	"strings"

	"dilemma-experiment-backend/internal/store"
	"dilemma-experiment-backend/internal/validation"
)

type Question string

const (
	Q1 Question = "q1" // felt influenced: yes/no
	Q2 Question = "q2" // helpful/manipulative/unsure
	Q3 Question = "q3" // confidence 1..5
	Q4 Question = "q4" // free text

	done Question = ""
)

var order = []Question{Q1, Q2, Q3, Q4}

// ScaleOptions are the choices offered for Q3.
var ScaleOptions = []string{"1", "2", "3", "4", "5"}

const callbackPrefix = "survey_"

var (
	ErrFinished   = errors.New("survey already finished")
	ErrOutOfOrder = errors.New("answer for a question that is not current")
)

// TextAnswer reports whether q expects a typed message instead of a button.
func (q Question) TextAnswer() bool {
	return q == Q4
}

type Survey struct {
	ParticipantID string
	Language      string

	step      int
	responses store.SurveyResponse
}

func Start(participantID, language string) *Survey {
	return &Survey{ParticipantID: participantID, Language: language}
}

// Current returns the question awaiting an answer, or "" when done.
func (s *Survey) Current() Question {
	if s.step >= len(order) {
		return done
	}
	return order[s.step]
}

func (s *Survey) Done() bool {
	return s.Current() == done
}

// Answer records value for q and advances. q must be the current question;
// a rejected answer leaves the survey where it was.
func (s *Survey) Answer(q Question, value string) error {
	cur := s.Current()
	if cur == done {
		return ErrFinished
	}
	if q != cur {
		return fmt.Errorf("%s while waiting for %s: %w", q, cur, ErrOutOfOrder)
	}

	switch q {
	case Q1, Q2:
		if err := validation.Answer(string(q), value); err != nil {
			return err
		}
		if q == Q1 {
			s.responses.Q1 = value
		} else {
			s.responses.Q2 = value
		}
	case Q3:
		n, err := validation.Confidence(value)
		if err != nil {
			return err
		}
		s.responses.Q3 = n
	case Q4:
		text, err := validation.Message(value)
		if validation.Rejected(err) {
			return err
		}
		s.responses.Q4 = text
	}
	s.step++
	return nil
}

// Responses returns what has been answered so far.
func (s *Survey) Responses() store.SurveyResponse {
	return s.responses
}

// CallbackData encodes a button answer, e.g. "survey_q2_helpful".
func CallbackData(q Question, value string) string {
	return callbackPrefix + string(q) + "_" + value
}

// ParseCallback decodes data produced by CallbackData.
func ParseCallback(data string) (Question, string, bool) {
	rest, ok := strings.CutPrefix(data, callbackPrefix)
	if !ok {
		return "", "", false
	}
	q, value, ok := strings.Cut(rest, "_")
	if !ok || value == "" {
		return "", "", false
	}
	return Question(q), value, true
}

// IsCallback reports whether data belongs to the survey.
func IsCallback(data string) bool {
	return strings.HasPrefix(data, callbackPrefix)
}
