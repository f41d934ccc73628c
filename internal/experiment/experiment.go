// Package experiment drives one participant at a time through the dilemma
// session: language choice, group assignment, the nudging conversation, the
// decision and the closing survey.
package experiment

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dilemma-experiment-backend/internal/analytics"
	"dilemma-experiment-backend/internal/config"
	"dilemma-experiment-backend/internal/llm"
	"dilemma-experiment-backend/internal/randomizer"
	"dilemma-experiment-backend/internal/store"
	"dilemma-experiment-backend/internal/telegram"
	"dilemma-experiment-backend/internal/texts"
)

// Messenger is the part of the chat platform the experiment talks to.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) (telegram.Message, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, markup *telegram.InlineKeyboardMarkup) error
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
}

// Assistant is the optional model behind replies and analyses.
type Assistant interface {
	Enabled() bool
	AnalyzeMessage(ctx context.Context, text string, mc *llm.MessageContext) llm.Analysis
	GenerateReply(ctx context.Context, text string, a llm.Analysis, mc llm.MessageContext) string
	AnalyzeFlow(ctx context.Context, turns []llm.Turn) llm.FlowAnalysis
}

// CommandFunc handles a slash command the experiment itself does not know.
type CommandFunc func(ctx context.Context, m *telegram.Message, args []string)

type Options struct {
	Duration               time.Duration
	Warning                time.Duration
	SurveyTimeout          time.Duration // defaults to Duration
	MessagesBeforeDecision int
	LLMReplies             bool
	AnalysisEnabled        bool
	AllowMultipleSessions  bool
	TestingMode            bool
	IsAdmin                func(userID int64) bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Duration:               cfg.ExperimentDuration,
		Warning:                cfg.WarningBeforeEnd,
		MessagesBeforeDecision: cfg.MessagesBeforeDecision,
		LLMReplies:             cfg.LLMEnabled,
		AnalysisEnabled:        cfg.LLMAnalysisEnabled,
		AllowMultipleSessions:  cfg.AllowMultipleSessions,
		TestingMode:            cfg.TestingMode,
		IsAdmin:                cfg.IsAdmin,
	}
}

type Deps struct {
	Randomizer *randomizer.Randomizer
	Store      *store.Store
	Bot        Messenger
	Texts      *texts.Catalog
	Assistant  Assistant // may be nil
	Events     *analytics.Logger
	Log        *zap.Logger
}

type Experiment struct {
	rnd       *randomizer.Randomizer
	store     *store.Store
	bot       Messenger
	texts     *texts.Catalog
	assistant Assistant
	events    *analytics.Logger
	log       *zap.Logger
	opts      Options
	now       func() time.Time

	testing  atomic.Bool
	commands map[string]CommandFunc

	mu       sync.Mutex
	sessions map[int64]*session // by chat user id, never persisted
	closed   bool
	timers   sync.WaitGroup
}

func New(d Deps, opts Options) *Experiment {
	if opts.MessagesBeforeDecision <= 0 {
		opts.MessagesBeforeDecision = 8
	}
	if opts.SurveyTimeout <= 0 {
		opts.SurveyTimeout = opts.Duration
	}
	e := &Experiment{
		rnd:       d.Randomizer,
		store:     d.Store,
		bot:       d.Bot,
		texts:     d.Texts,
		assistant: d.Assistant,
		events:    d.Events,
		log:       d.Log.Named("experiment"),
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		commands:  map[string]CommandFunc{},
		sessions:  map[int64]*session{},
	}
	e.testing.Store(opts.TestingMode)
	return e
}

// Handle registers fn for "/name". Must be called before updates arrive.
func (e *Experiment) Handle(name string, fn CommandFunc) {
	e.commands[name] = fn
}

func (e *Experiment) TestingMode() bool { return e.testing.Load() }

func (e *Experiment) SetTestingMode(on bool) { e.testing.Store(on) }

// HandleUpdate implements telegram.Handler.
func (e *Experiment) HandleUpdate(ctx context.Context, u telegram.Update) {
	switch {
	case u.CallbackQuery != nil:
		e.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil && u.Message.From != nil && u.Message.Text != "":
		e.handleMessage(ctx, u.Message)
	}
}

func (e *Experiment) handleMessage(ctx context.Context, m *telegram.Message) {
	name, args, ok := parseCommand(m.Text)
	if !ok {
		e.converse(ctx, m)
		return
	}

	switch name {
	case "start":
		e.start(ctx, m)
	case "help":
		e.send(ctx, m.Chat.ID, e.commonFor(m.From).Help, nil)
	case "status":
		e.status(ctx, m)
	case "end":
		e.endConversation(ctx, m)
	default:
		if fn, ok := e.commands[name]; ok {
			fn(ctx, m, args)
			return
		}
		e.send(ctx, m.Chat.ID, e.commonFor(m.From).Help, nil)
	}
}

func (e *Experiment) handleCallback(ctx context.Context, q *telegram.CallbackQuery) {
	if err := e.bot.AnswerCallbackQuery(ctx, q.ID, ""); err != nil {
		e.log.Debug("answer callback", zap.Error(err))
	}

	switch data := q.Data; {
	case strings.HasPrefix(data, languagePrefix):
		e.selectLanguage(ctx, q, strings.TrimPrefix(data, languagePrefix))
	case strings.HasPrefix(data, decisionPrefix):
		e.decide(ctx, q, strings.TrimPrefix(data, decisionPrefix))
	case isSurveyCallback(data):
		e.answerSurvey(ctx, q)
	default:
		e.log.Debug("unknown callback", zap.String("data", data))
	}
}

// parseCommand splits "/admin@bot reset all" into "admin" and [reset all].
func parseCommand(text string) (string, []string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	name, _, _ := strings.Cut(fields[0], "@")
	return strings.ToLower(name), fields[1:], true
}

func (e *Experiment) commonFor(u *telegram.User) texts.CommonTexts {
	if u == nil {
		return e.texts.Common(texts.DefaultLanguage)
	}
	return e.texts.Common(e.texts.Match(u.LanguageCode))
}

func (e *Experiment) send(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) telegram.Message {
	msg, err := e.bot.SendMessage(ctx, chatID, text, markup)
	if err != nil {
		e.log.Warn("send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	return msg
}

func (e *Experiment) edit(ctx context.Context, chatID, messageID int64, text string) {
	if err := e.bot.EditMessageText(ctx, chatID, messageID, text, nil); err != nil {
		e.log.Debug("edit message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (e *Experiment) llmEnabled() bool {
	return e.assistant != nil && e.assistant.Enabled()
}

func (e *Experiment) mayRejoin(userID int64) bool {
	return e.testing.Load() || e.opts.AllowMultipleSessions || (e.opts.IsAdmin != nil && e.opts.IsAdmin(userID))
}

// Close stops every session timer and waits for running timer callbacks.
func (e *Experiment) Close() {
	e.mu.Lock()
	e.closed = true
	sessions := e.sessions
	e.sessions = map[int64]*session{}
	e.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		e.stopTimers(s)
		s.phase = phaseDone
		s.mu.Unlock()
	}
	e.timers.Wait()
}
