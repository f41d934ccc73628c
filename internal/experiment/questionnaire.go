package experiment

import (
	"context"

	"go.uber.org/zap"

	"dilemma-experiment-backend/internal/analytics"
	"dilemma-experiment-backend/internal/survey"
	"dilemma-experiment-backend/internal/telegram"
	"dilemma-experiment-backend/internal/texts"
	"dilemma-experiment-backend/internal/validation"
)

func isSurveyCallback(data string) bool {
	return survey.IsCallback(data)
}

// askSurvey sends the current survey question. Caller holds s.mu.
func (e *Experiment) askSurvey(ctx context.Context, s *session) {
	c := e.texts.Common(s.language)
	q := s.survey.Current()
	text := c.SurveyTitle + "\n\n" + c.SurveyQuestions[string(q)]

	var markup *telegram.InlineKeyboardMarkup
	switch q {
	case survey.Q1, survey.Q2:
		opts := c.SurveyOptions[string(q)]
		buttons := make([]telegram.InlineKeyboardButton, 0, len(opts))
		for _, o := range opts {
			buttons = append(buttons, telegram.InlineKeyboardButton{Text: o.Label, CallbackData: survey.CallbackData(q, o.Value)})
		}
		markup = telegram.Column(buttons...)
	case survey.Q3:
		buttons := make([]telegram.InlineKeyboardButton, 0, len(survey.ScaleOptions))
		for _, v := range survey.ScaleOptions {
			buttons = append(buttons, telegram.InlineKeyboardButton{Text: v, CallbackData: survey.CallbackData(q, v)})
		}
		markup = telegram.Row(buttons...)
	case survey.Q4:
		text += "\n\n" + c.SurveyTextHint
	}
	e.send(ctx, s.chatID, text, markup)
}

func (e *Experiment) answerSurvey(ctx context.Context, q *telegram.CallbackQuery) {
	question, value, ok := survey.ParseCallback(q.Data)
	if !ok {
		return
	}
	s := e.session(q.From.ID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phaseSurvey {
		return
	}
	if err := s.survey.Answer(question, value); err != nil {
		// usually a second press on an already answered keyboard
		e.log.Debug("survey answer ignored", zap.String("participant_id", s.participantID), zap.Error(err))
		return
	}

	if q.Message != nil {
		c := e.texts.Common(s.language)
		e.edit(ctx, s.chatID, q.Message.MessageID, c.SurveyQuestions[string(question)]+"\n\n✓ "+optionLabel(c, question, value))
	}
	e.nextSurveyStep(ctx, s)
}

func optionLabel(c texts.CommonTexts, q survey.Question, value string) string {
	for _, o := range c.SurveyOptions[string(q)] {
		if o.Value == value {
			return o.Label
		}
	}
	return value
}

// surveyText takes the free-text answer. Caller holds s.mu.
func (e *Experiment) surveyText(ctx context.Context, s *session, text string) {
	if err := s.survey.Answer(survey.Q4, text); err != nil {
		e.send(ctx, s.chatID, e.texts.Common(s.language).InvalidMessage, nil)
		return
	}
	e.nextSurveyStep(ctx, s)
}

func (e *Experiment) nextSurveyStep(ctx context.Context, s *session) {
	if !s.survey.Done() {
		e.askSurvey(ctx, s)
		return
	}
	e.finishSurvey(ctx, s)
}

// finishSurvey stores the answers and ends the session. Caller holds s.mu.
func (e *Experiment) finishSurvey(ctx context.Context, s *session) {
	c := e.texts.Common(s.language)
	s.phase = phaseDone
	e.stopTimers(s)
	defer e.drop(s)

	r, err := validation.Survey(s.survey.Responses())
	if err != nil {
		e.log.Warn("survey validation", zap.String("participant_id", s.participantID), zap.Error(err))
	}
	if err := e.store.SaveSurvey(ctx, s.participantID, r); err != nil {
		e.log.Error("save survey", zap.String("participant_id", s.participantID), zap.Error(err))
		e.send(ctx, s.chatID, c.Error, nil)
		return
	}
	e.send(ctx, s.chatID, c.ThankYou, nil)
	e.events.Log(ctx, s.event(analytics.SurveyCompleted), analytics.SurveyCompleted, map[string]any{
		"question_1": r.Q1,
		"question_2": r.Q2,
		"question_3": r.Q3,
	})
	e.log.Info("survey completed", zap.String("participant_id", s.participantID))
}
