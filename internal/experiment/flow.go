package experiment

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"

	"go.uber.org/zap"

	"dilemma-experiment-backend/internal/analytics"
	"dilemma-experiment-backend/internal/llm"
	"dilemma-experiment-backend/internal/logging"
	"dilemma-experiment-backend/internal/randomizer"
	"dilemma-experiment-backend/internal/store"
	"dilemma-experiment-backend/internal/survey"
	"dilemma-experiment-backend/internal/telegram"
	"dilemma-experiment-backend/internal/texts"
	"dilemma-experiment-backend/internal/validation"
)

const (
	languagePrefix = "lang_"
	decisionPrefix = "decision_"
)

// flowEvery is how often, in participant messages, the conversation flow is
// analyzed.
const flowEvery = 5

// start answers /start: either the language keyboard or the reason the user
// cannot take part.
func (e *Experiment) start(ctx context.Context, m *telegram.Message) {
	user := m.From
	c := e.commonFor(user)

	if e.session(user.ID) != nil {
		e.send(ctx, m.Chat.ID, c.SessionActive, nil)
		return
	}

	if !e.mayRejoin(user.ID) {
		pid, err := e.rnd.DeriveParticipantID(user.ID)
		if err != nil {
			e.log.Error("derive participant id", zap.Error(err))
			e.send(ctx, m.Chat.ID, c.RegistrationError, nil)
			return
		}
		_, err = e.store.GetParticipant(ctx, pid)
		switch {
		case err == nil:
			e.send(ctx, m.Chat.ID, c.AlreadyParticipating, nil)
			return
		case !errors.Is(err, store.ErrNotFound):
			e.log.Error("eligibility check", zap.String("participant_id", pid), zap.Error(err))
			e.send(ctx, m.Chat.ID, c.RegistrationError, nil)
			return
		}
	}

	langs := e.texts.Languages()
	buttons := make([]telegram.InlineKeyboardButton, 0, len(langs))
	for _, l := range langs {
		buttons = append(buttons, telegram.InlineKeyboardButton{Text: l.Name, CallbackData: languagePrefix + l.Code})
	}
	e.send(ctx, m.Chat.ID, c.LanguageSelection, telegram.Column(buttons...))
}

func callbackChat(q *telegram.CallbackQuery) int64 {
	if q.Message != nil {
		return q.Message.Chat.ID
	}
	return q.From.ID
}

// selectLanguage registers the participant and opens the conversation.
func (e *Experiment) selectLanguage(ctx context.Context, q *telegram.CallbackQuery, code string) {
	if !e.texts.Supported(code) {
		code = texts.DefaultLanguage
	}
	user := q.From
	chatID := callbackChat(q)
	c := e.texts.Common(code)

	if e.session(user.ID) != nil {
		e.send(ctx, chatID, c.SessionActive, nil)
		return
	}

	pid, err := e.rnd.DeriveParticipantID(user.ID)
	if err != nil {
		e.log.Error("derive participant id", zap.Error(err))
		e.send(ctx, chatID, c.RegistrationError, nil)
		return
	}
	group, err := e.rnd.AssignGroup(pid)
	if err != nil {
		e.log.Error("assign group", zap.String("participant_id", pid), zap.Error(err))
		e.send(ctx, chatID, c.RegistrationError, nil)
		return
	}

	if e.mayRejoin(user.ID) {
		if err := e.store.DeleteParticipant(ctx, pid); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.log.Warn("clear previous participation", zap.String("participant_id", pid), zap.Error(err))
		}
	}
	if err := e.store.CreateParticipant(ctx, pid, code, group); err != nil {
		if errors.Is(err, store.ErrParticipantExists) {
			e.send(ctx, chatID, c.AlreadyParticipating, nil)
			return
		}
		e.log.Error("create participant", zap.String("participant_id", pid), zap.Error(err))
		e.send(ctx, chatID, c.RegistrationError, nil)
		return
	}

	now := e.now()
	if err := e.store.StartSession(ctx, pid, now); err != nil {
		e.log.Warn("start session", zap.String("participant_id", pid), zap.Error(err))
	}

	s := &session{
		userID:        user.ID,
		chatID:        chatID,
		participantID: pid,
		language:      code,
		group:         group,
		startedAt:     now,
		endsAt:        now.Add(e.opts.Duration),
		rnd:           scriptRand(pid),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !e.register(s) {
		e.send(ctx, chatID, c.SessionActive, nil)
		return
	}

	gt := e.texts.Group(code, group)
	opening := texts.Pick(gt.OpeningQuestions, s.rnd)
	welcome := gt.Welcome + "\n\n" + opening
	if q.Message != nil {
		e.edit(ctx, chatID, q.Message.MessageID, welcome)
	} else {
		e.send(ctx, chatID, welcome, nil)
	}
	e.saveMessage(ctx, s, store.MessageBot, gt.Welcome)
	e.saveMessage(ctx, s, store.MessageBot, opening)
	s.addTurn(store.MessageBot, opening)

	e.schedule(s)
	e.events.Log(ctx, s.event(analytics.SessionStarted), analytics.SessionStarted, nil)
	e.log.Info("session started", append(logging.Participant(pid, string(group)), zap.String("language", code))...)
}

func (e *Experiment) saveMessage(ctx context.Context, s *session, kind, text string) {
	if err := e.store.SaveMessage(ctx, s.participantID, kind, text); err != nil {
		e.log.Warn("save message", zap.String("participant_id", s.participantID), zap.Error(err))
	}
}

// say sends a bot line and records it in the transcript. Caller holds s.mu.
func (e *Experiment) say(ctx context.Context, s *session, text string, markup *telegram.InlineKeyboardMarkup) {
	e.send(ctx, s.chatID, text, markup)
	e.saveMessage(ctx, s, store.MessageBot, text)
	s.addTurn(store.MessageBot, text)
}

// converse handles free text: the survey's open question or a conversation
// turn.
func (e *Experiment) converse(ctx context.Context, m *telegram.Message) {
	s := e.session(m.From.ID)
	if s == nil {
		e.send(ctx, m.Chat.ID, e.commonFor(m.From).NotStarted, nil)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := e.texts.Common(s.language)

	switch s.phase {
	case phaseSurvey:
		if s.survey.Current().TextAnswer() {
			e.surveyText(ctx, s, m.Text)
		} else {
			e.askSurvey(ctx, s)
		}
		return
	case phaseDecision:
		e.promptDecision(ctx, s)
		return
	case phaseDone:
		e.send(ctx, s.chatID, c.Finished, nil)
		return
	}

	text, err := validation.Message(m.Text)
	if validation.Rejected(err) {
		e.log.Info("message rejected", zap.String("participant_id", s.participantID), zap.Error(err))
		e.send(ctx, s.chatID, c.InvalidMessage, nil)
		return
	}
	e.saveMessage(ctx, s, store.MessageUser, text)
	s.addTurn(store.MessageUser, text)

	mc := llm.MessageContext{
		Group:        s.group,
		Language:     s.language,
		Elapsed:      e.now().Sub(s.startedAt),
		MessageCount: s.messageCount,
	}
	analysis := llm.BasicAnalysis()
	analyze := e.opts.AnalysisEnabled && e.llmEnabled()
	if analyze {
		analysis = e.assistant.AnalyzeMessage(ctx, text, &mc)
		if err := e.store.SaveAnalysis(ctx, s.participantID, "message", analysis.Method, analysis); err != nil {
			e.log.Warn("save analysis", zap.Error(err))
		}
	}

	var reply string
	if e.opts.LLMReplies && e.llmEnabled() {
		reply = e.assistant.GenerateReply(ctx, text, analysis, mc)
	} else {
		reply = scriptedReply(e.texts.Group(s.language, s.group), s.messageCount, analysis, s.rnd)
	}
	e.say(ctx, s, reply, nil)
	s.messageCount++

	e.events.Log(ctx, s.event(analytics.MessageReceived, s.messageCount), analytics.MessageReceived, map[string]any{
		"message_number":  s.messageCount,
		"analysis_method": analysis.Method,
	})

	if analyze && s.messageCount%flowEvery == 0 {
		flow := e.assistant.AnalyzeFlow(ctx, s.turns)
		if err := e.store.SaveAnalysis(ctx, s.participantID, "flow", flow.Method, flow); err != nil {
			e.log.Warn("save flow analysis", zap.Error(err))
		}
	}

	if s.messageCount >= e.opts.MessagesBeforeDecision {
		e.promptDecision(ctx, s)
	}
}

// scriptedReply picks the next nudge by conversation phase: opening
// questions, then positive framing, then the group's closing arguments.
// Anxious or resistant participants get reassurance or norms instead.
func scriptedReply(gt texts.GroupTexts, count int, a llm.Analysis, rnd *rand.Rand) string {
	switch {
	case (a.Emotion == "anxious" || a.Emotion == "frustrated") && len(gt.Reassurance) > 0:
		return texts.Pick(gt.Reassurance, rnd)
	case a.Intent == "disagreement" && len(gt.Norms) > 0:
		return texts.Pick(gt.Norms, rnd)
	case count < 3:
		return texts.Pick(gt.OpeningQuestions, rnd)
	case count < 6:
		return texts.Pick(gt.PositiveFraming, rnd)
	default:
		return texts.Pick(gt.Closing, rnd)
	}
}

// promptDecision shows the decision keyboard. Caller holds s.mu.
func (e *Experiment) promptDecision(ctx context.Context, s *session) {
	if !s.active() {
		return
	}
	c := e.texts.Common(s.language)
	buttons := make([]telegram.InlineKeyboardButton, 0, len(randomizer.Groups))
	for _, g := range randomizer.Groups {
		buttons = append(buttons, telegram.InlineKeyboardButton{
			Text:         c.DecisionButtons[string(g)],
			CallbackData: decisionPrefix + string(g),
		})
	}
	e.say(ctx, s, e.texts.Group(s.language, s.group).DecisionPrompt, telegram.Column(buttons...))

	if s.phase == phaseConversation {
		s.phase = phaseDecision
		e.events.Log(ctx, s.event(analytics.DecisionPrompted), analytics.DecisionPrompted, map[string]any{"messages": s.messageCount})
	}
}

// endConversation answers /end by asking for the decision right away.
func (e *Experiment) endConversation(ctx context.Context, m *telegram.Message) {
	s := e.session(m.From.ID)
	if s == nil {
		e.send(ctx, m.Chat.ID, e.commonFor(m.From).NotStarted, nil)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active() {
		e.send(ctx, s.chatID, e.texts.Common(s.language).Finished, nil)
		return
	}
	e.promptDecision(ctx, s)
}

func (e *Experiment) status(ctx context.Context, m *telegram.Message) {
	s := e.session(m.From.ID)
	if s == nil {
		e.send(ctx, m.Chat.ID, e.commonFor(m.From).NotStarted, nil)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := e.texts.Common(s.language)
	if !s.active() {
		e.send(ctx, s.chatID, c.Finished, nil)
		return
	}
	left := int(math.Ceil(max(0, s.endsAt.Sub(e.now())).Minutes()))
	e.send(ctx, s.chatID, texts.Minutes(c.Status, left), nil)
}

// decide records the participant's choice and starts the survey.
func (e *Experiment) decide(ctx context.Context, q *telegram.CallbackQuery, value string) {
	decision, err := randomizer.ParseGroup(value)
	if err != nil {
		e.log.Debug("bad decision callback", zap.String("value", value))
		return
	}
	s := e.session(q.From.ID)
	if s == nil {
		e.send(ctx, callbackChat(q), e.commonFor(&q.From).NotStarted, nil)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phaseDecision {
		return
	}
	c := e.texts.Common(s.language)

	end := e.now()
	if err := e.store.RecordDecision(ctx, s.participantID, string(decision), end); err != nil {
		e.log.Error("record decision", zap.String("participant_id", s.participantID), zap.Error(err))
		e.send(ctx, s.chatID, c.Error, nil)
		return
	}
	e.awaitSurvey(s)
	s.phase = phaseSurvey
	s.survey = survey.Start(s.participantID, s.language)

	if q.Message != nil {
		e.edit(ctx, s.chatID, q.Message.MessageID, c.DecisionRecorded)
	}
	e.events.Log(ctx, s.event(analytics.DecisionMade), analytics.DecisionMade, map[string]any{
		"decision":         string(decision),
		"messages":         s.messageCount,
		"duration_seconds": int(end.Sub(s.startedAt).Seconds()),
	})
	e.log.Info("decision recorded",
		append(logging.Participant(s.participantID, string(s.group)), zap.String("decision", string(decision)))...)

	e.askSurvey(ctx, s)
}
