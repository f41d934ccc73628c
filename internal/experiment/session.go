package experiment

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"dilemma-experiment-backend/internal/analytics"
	"dilemma-experiment-backend/internal/llm"
	"dilemma-experiment-backend/internal/randomizer"
	"dilemma-experiment-backend/internal/store"
	"dilemma-experiment-backend/internal/survey"
	"dilemma-experiment-backend/internal/texts"
)

type phase int

const (
	phaseConversation phase = iota
	phaseDecision
	phaseSurvey
	phaseDone
)

func (p phase) String() string {
	switch p {
	case phaseConversation:
		return "conversation"
	case phaseDecision:
		return "decision"
	case phaseSurvey:
		return "survey"
	default:
		return "done"
	}
}

// turnWindow bounds the conversation kept in memory for flow analysis.
const turnWindow = 10

type session struct {
	mu sync.Mutex

	userID        int64
	chatID        int64
	participantID string
	language      string
	group         randomizer.Group

	phase        phase
	messageCount int
	startedAt    time.Time
	endsAt       time.Time
	rnd          *rand.Rand
	survey       *survey.Survey
	turns        []llm.Turn

	warnTimer *time.Timer
	endTimer  *time.Timer
}

// scriptRand seeds a per-participant source from the participant id so the
// scripted lines a participant sees can be reproduced.
func scriptRand(participantID string) *rand.Rand {
	sum := sha256.Sum256([]byte(participantID))
	return rand.New(rand.NewPCG(binary.BigEndian.Uint64(sum[:8]), binary.BigEndian.Uint64(sum[8:16])))
}

func (s *session) envelope() analytics.Envelope {
	return analytics.Envelope{
		ParticipantID: s.participantID,
		Group:         string(s.group),
		Language:      s.language,
		Platform:      "telegram",
	}
}

// event returns the envelope for one occurrence of name in this session.
// seq tells apart events that repeat, such as messages.
func (s *session) event(name string, seq ...int) analytics.Envelope {
	parts := []string{s.participantID, strconv.FormatInt(s.startedAt.UnixNano(), 10), name}
	for _, n := range seq {
		parts = append(parts, strconv.Itoa(n))
	}
	env := s.envelope()
	env.Key = analytics.EventKey(parts...)
	return env
}

func (s *session) active() bool {
	return s.phase == phaseConversation || s.phase == phaseDecision
}

func (s *session) addTurn(sender, text string) {
	s.turns = append(s.turns, llm.Turn{Sender: sender, Text: text})
	if len(s.turns) > turnWindow {
		s.turns = s.turns[len(s.turns)-turnWindow:]
	}
}

func (e *Experiment) session(userID int64) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[userID]
}

// register adds s unless the user already has a session or e is closed.
func (e *Experiment) register(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.sessions[s.userID] != nil {
		return false
	}
	e.sessions[s.userID] = s
	return true
}

func (e *Experiment) drop(s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[s.userID] == s {
		delete(e.sessions, s.userID)
	}
}

// schedule arms the warning and end timers. Caller holds s.mu.
func (e *Experiment) schedule(s *session) {
	if e.opts.Warning > 0 && e.opts.Warning < e.opts.Duration {
		s.warnTimer = e.afterFunc(e.opts.Duration-e.opts.Warning, func() { e.warn(s) })
	}
	s.endTimer = e.afterFunc(e.opts.Duration, func() { e.timeout(s) })
}

// awaitSurvey replaces the conversation timers with the survey deadline.
// Caller holds s.mu.
func (e *Experiment) awaitSurvey(s *session) {
	e.stopTimers(s)
	if e.opts.SurveyTimeout > 0 {
		s.endTimer = e.afterFunc(e.opts.SurveyTimeout, func() { e.abandonSurvey(s) })
	}
}

func (e *Experiment) afterFunc(d time.Duration, f func()) *time.Timer {
	e.timers.Add(1)
	return time.AfterFunc(d, func() {
		defer e.timers.Done()
		f()
	})
}

// stopTimers cancels pending timers. Caller holds s.mu.
func (e *Experiment) stopTimers(s *session) {
	for _, t := range []*time.Timer{s.warnTimer, s.endTimer} {
		if t != nil && t.Stop() {
			e.timers.Done()
		}
	}
	s.warnTimer, s.endTimer = nil, nil
}

func timerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func (e *Experiment) warn(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active() {
		return
	}
	ctx, cancel := timerContext()
	defer cancel()

	minutes := max(1, int(e.opts.Warning.Minutes()))
	e.send(ctx, s.chatID, texts.Minutes(e.texts.Common(s.language).TimeWarning, minutes), nil)
}

func (e *Experiment) timeout(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active() {
		return
	}
	s.phase = phaseDone
	ctx, cancel := timerContext()
	defer cancel()

	if err := e.store.EndSession(ctx, s.participantID, e.now()); err != nil {
		e.log.Warn("end session", zap.String("participant_id", s.participantID), zap.Error(err))
	}
	e.send(ctx, s.chatID, e.texts.Common(s.language).SessionEnded, nil)
	e.events.Log(ctx, s.event(analytics.SessionTimedOut), analytics.SessionTimedOut, map[string]any{"messages": s.messageCount})
	e.log.Info("session timed out", zap.String("participant_id", s.participantID))
	e.drop(s)
}

// abandonSurvey releases a session whose survey was never finished. The
// decision is already stored, so end_time is left alone and nothing is sent.
func (e *Experiment) abandonSurvey(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phaseSurvey {
		return
	}
	s.phase = phaseDone
	ctx, cancel := timerContext()
	defer cancel()

	e.events.Log(ctx, s.event(analytics.SurveyAbandoned), analytics.SurveyAbandoned, map[string]any{
		"question": string(s.survey.Current()),
	})
	e.log.Info("survey abandoned", zap.String("participant_id", s.participantID))
	e.drop(s)
}

// SessionInfo describes a running session without the chat identity.
type SessionInfo struct {
	ParticipantID string           `json:"participant_id"`
	Group         randomizer.Group `json:"group"`
	Language      string           `json:"language"`
	Phase         string           `json:"phase"`
	Messages      int              `json:"messages"`
	Remaining     time.Duration    `json:"remaining"`
}

// Sessions lists running sessions ordered by participant id.
func (e *Experiment) Sessions() []SessionInfo {
	e.mu.Lock()
	list := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		list = append(list, s)
	}
	e.mu.Unlock()

	now := e.now()
	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		s.mu.Lock()
		info := SessionInfo{
			ParticipantID: s.participantID,
			Group:         s.group,
			Language:      s.language,
			Phase:         s.phase.String(),
			Messages:      s.messageCount,
		}
		if s.active() {
			info.Remaining = max(0, s.endsAt.Sub(now))
		}
		s.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// ResetUser resets the participant derived from a chat user id.
func (e *Experiment) ResetUser(ctx context.Context, userID int64) (string, error) {
	pid, err := e.rnd.DeriveParticipantID(userID)
	if err != nil {
		return "", err
	}
	return pid, e.Reset(ctx, pid)
}

// Reset stops the participant's running session, if any, and deletes the
// stored participant so they can take part again. It returns
// store.ErrNotFound when there was nothing to reset.
func (e *Experiment) Reset(ctx context.Context, participantID string) error {
	var found *session
	e.mu.Lock()
	for uid, s := range e.sessions {
		if s.participantID == participantID {
			found = s
			delete(e.sessions, uid)
			break
		}
	}
	e.mu.Unlock()

	if found != nil {
		found.mu.Lock()
		e.stopTimers(found)
		found.phase = phaseDone
		env := found.envelope()
		found.mu.Unlock()
		e.events.Log(ctx, env, analytics.SessionReset, nil)
	}

	err := e.store.DeleteParticipant(ctx, participantID)
	if errors.Is(err, store.ErrNotFound) && found != nil {
		return nil
	}
	return err
}

// ResetAll stops every session and deletes every participant. It returns
// the number of participants deleted.
func (e *Experiment) ResetAll(ctx context.Context) (int, error) {
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = map[int64]*session{}
	e.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		e.stopTimers(s)
		s.phase = phaseDone
		s.mu.Unlock()
	}
	e.log.Info("all sessions reset", zap.Int("active", len(sessions)))
	return e.store.DeleteAll(ctx)
}
