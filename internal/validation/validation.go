// Package validation checks and sanitizes user-supplied input before it
// reaches storage or the LLM.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"dilemma-experiment-backend/internal/randomizer"
	"dilemma-experiment-backend/internal/store"
)

const MaxMessageLength = 4000

var (
	ErrEmpty      = errors.New("message is empty")
	ErrTooLong    = fmt.Errorf("message is longer than %d characters", MaxMessageLength)
	ErrDangerous  = errors.New("message contains potentially dangerous content")
	ErrBadAnswer  = errors.New("invalid survey answer")
	ErrConfidence = errors.New("confidence must be between 1 and 5")
)

var (
	participantIDPattern = regexp.MustCompile(`^P[A-F0-9]{8}$`)
	angleBrackets        = regexp.MustCompile(`[<>]`)
	unsafeFilename       = regexp.MustCompile(`[<>:"/\\|?*]`)

	dangerousPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<script.*?>.*?</script>`),
		regexp.MustCompile(`(?i)javascript:`),
		regexp.MustCompile(`(?i)data:text/html`),
		regexp.MustCompile(`(?i)vbscript:`),
	}
)

var allowedLanguages = []string{"en", "ru", "es", "fr", "de", "zh", "ja", "ar"}

var (
	q1Answers = []string{"yes", "no"}
	q2Answers = []string{"helpful", "manipulative", "unsure"}
)

// Message returns text truncated to MaxMessageLength runes with angle
// brackets removed. The sanitized text is returned even when err is non-nil;
// err joins every problem found.
func Message(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmpty
	}

	var errs []error
	sanitized := text
	if utf8.RuneCountInString(text) > MaxMessageLength {
		errs = append(errs, ErrTooLong)
		sanitized = string([]rune(text)[:MaxMessageLength])
	}
	for _, p := range dangerousPatterns {
		if p.MatchString(text) {
			errs = append(errs, ErrDangerous)
			break
		}
	}
	return angleBrackets.ReplaceAllString(sanitized, ""), errors.Join(errs...)
}

func ParticipantID(id string) bool {
	return participantIDPattern.MatchString(id)
}

func Group(g string) bool {
	return randomizer.Group(g).Valid()
}

func Language(code string) bool {
	return slices.Contains(allowedLanguages, code)
}

// UserID reports whether id looks like a chat platform user id.
func UserID(id int64) bool {
	return id > 0
}

// Answer checks a closed survey answer: q1 and q2 take fixed values, q3 a
// confidence level. The free-text q4 goes through Message instead.
func Answer(question, value string) error {
	switch question {
	case "q1":
		if !slices.Contains(q1Answers, value) {
			return fmt.Errorf("q1 %q: %w", value, ErrBadAnswer)
		}
	case "q2":
		if !slices.Contains(q2Answers, value) {
			return fmt.Errorf("q2 %q: %w", value, ErrBadAnswer)
		}
	case "q3":
		_, err := Confidence(value)
		return err
	default:
		return fmt.Errorf("question %q: %w", question, ErrBadAnswer)
	}
	return nil
}

// Confidence parses a 1..5 rating.
func Confidence(value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("confidence %q: %w", value, ErrConfidence)
	}
	if n < 1 || n > 5 {
		return 0, fmt.Errorf("confidence %d: %w", n, ErrConfidence)
	}
	return n, nil
}

// Survey validates a complete response. Empty closed answers are allowed
// (the participant skipped them); the free text is sanitized.
func Survey(r store.SurveyResponse) (store.SurveyResponse, error) {
	var errs []error
	if r.Q1 != "" {
		errs = append(errs, Answer("q1", r.Q1))
	}
	if r.Q2 != "" {
		errs = append(errs, Answer("q2", r.Q2))
	}
	if r.Q3 != 0 && (r.Q3 < 1 || r.Q3 > 5) {
		errs = append(errs, fmt.Errorf("confidence %d: %w", r.Q3, ErrConfidence))
	}
	if r.Q4 != "" {
		var err error
		r.Q4, err = Message(r.Q4)
		errs = append(errs, err)
	}
	return r, errors.Join(errs...)
}

// Filename replaces characters that are unsafe in file names and caps the
// length at 255 bytes.
func Filename(name string) string {
	s := unsafeFilename.ReplaceAllString(name, "_")
	if len(s) > 255 {
		s = s[:255]
	}
	return s
}

// Rejected reports whether err from Message means the text must not be used
// at all. A truncated message is still usable.
func Rejected(err error) bool {
	return errors.Is(err, ErrEmpty) || errors.Is(err, ErrDangerous)
}
