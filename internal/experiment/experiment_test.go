package experiment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"dilemma-experiment-backend/internal/analytics"
	"dilemma-experiment-backend/internal/db"
	"dilemma-experiment-backend/internal/llm"
	"dilemma-experiment-backend/internal/randomizer"
	"dilemma-experiment-backend/internal/secure"
	"dilemma-experiment-backend/internal/store"
	"dilemma-experiment-backend/internal/telegram"
	"dilemma-experiment-backend/internal/texts"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sent struct {
	chatID int64
	text   string
	markup *telegram.InlineKeyboardMarkup
}

type fakeBot struct {
	mu     sync.Mutex
	nextID int64
	sent   []sent
	edits  []string
}

func (b *fakeBot) SendMessage(_ context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) (telegram.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.sent = append(b.sent, sent{chatID: chatID, text: text, markup: markup})
	return telegram.Message{MessageID: b.nextID, Chat: telegram.Chat{ID: chatID}, Text: text}, nil
}

func (b *fakeBot) EditMessageText(_ context.Context, _, _ int64, text string, _ *telegram.InlineKeyboardMarkup) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.edits = append(b.edits, text)
	return nil
}

func (b *fakeBot) AnswerCallbackQuery(context.Context, string, string) error { return nil }

func (b *fakeBot) last() sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		return sent{}
	}
	return b.sent[len(b.sent)-1]
}

func (b *fakeBot) texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.sent))
	for _, s := range b.sent {
		out = append(out, s.text)
	}
	return out
}

func (b *fakeBot) lastEdit() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.edits) == 0 {
		return ""
	}
	return b.edits[len(b.edits)-1]
}

type fakeAssistant struct {
	mu       sync.Mutex
	analyzed []string
	flows    int
}

func (a *fakeAssistant) Enabled() bool { return true }

func (a *fakeAssistant) AnalyzeMessage(_ context.Context, text string, _ *llm.MessageContext) llm.Analysis {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.analyzed = append(a.analyzed, text)
	return llm.Analysis{Emotion: "neutral", Intent: "question", Method: llm.MethodLLM}
}

func (a *fakeAssistant) GenerateReply(_ context.Context, text string, _ llm.Analysis, mc llm.MessageContext) string {
	return fmt.Sprintf("model reply to %q for %s", text, mc.Group)
}

func (a *fakeAssistant) AnalyzeFlow(context.Context, []llm.Turn) llm.FlowAnalysis {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flows++
	return llm.FlowAnalysis{EngagementLevel: "high", Method: llm.MethodLLM}
}

type harness struct {
	exp     *Experiment
	bot     *fakeBot
	store   *store.Store
	events  *analytics.Logger
	rnd     *randomizer.Randomizer
	catalog *texts.Catalog
}

func newHarness(t *testing.T, opts Options, assistant Assistant) *harness {
	t.Helper()
	dbx, err := db.Connect(db.SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { dbx.Close() })
	require.NoError(t, db.Migrate(context.Background(), dbx, db.SQLite))

	cipher, err := secure.New("test-passphrase")
	require.NoError(t, err)
	rnd, err := randomizer.New(randomizer.DefaultSeed)
	require.NoError(t, err)
	catalog, err := texts.Load()
	require.NoError(t, err)

	if opts.Duration == 0 {
		opts.Duration = time.Hour
	}
	h := &harness{
		bot:     &fakeBot{},
		store:   store.New(dbx, db.SQLite, cipher),
		events:  analytics.New(dbx, db.SQLite, zap.NewNop()),
		rnd:     rnd,
		catalog: catalog,
	}
	h.exp = New(Deps{
		Randomizer: rnd,
		Store:      h.store,
		Bot:        h.bot,
		Texts:      catalog,
		Assistant:  assistant,
		Events:     h.events,
		Log:        zap.NewNop(),
	}, opts)
	t.Cleanup(h.exp.Close)
	return h
}

func user(id int64) *telegram.User {
	return &telegram.User{ID: id, FirstName: "p", LanguageCode: "en"}
}

func (h *harness) text(uid int64, text string) {
	h.exp.HandleUpdate(context.Background(), telegram.Update{Message: &telegram.Message{
		MessageID: 1,
		From:      user(uid),
		Chat:      telegram.Chat{ID: uid, Type: "private"},
		Text:      text,
	}})
}

func (h *harness) press(uid int64, data string) {
	h.exp.HandleUpdate(context.Background(), telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:      "cb",
		From:    *user(uid),
		Message: &telegram.Message{MessageID: 99, Chat: telegram.Chat{ID: uid}},
		Data:    data,
	}})
}

func (h *harness) participantID(t *testing.T, uid int64) string {
	t.Helper()
	pid, err := h.rnd.DeriveParticipantID(uid)
	require.NoError(t, err)
	return pid
}

func callbacks(m *telegram.InlineKeyboardMarkup) []string {
	var out []string
	if m == nil {
		return out
	}
	for _, row := range m.InlineKeyboard {
		for _, b := range row {
			out = append(out, b.CallbackData)
		}
	}
	return out
}

func TestFullSession(t *testing.T) {
	h := newHarness(t, Options{MessagesBeforeDecision: 4}, nil)
	const uid = 12345
	pid := h.participantID(t, uid)
	group, err := h.rnd.AssignGroup(pid)
	require.NoError(t, err)
	ctx := context.Background()
	en := h.catalog.Common("en")

	h.text(uid, "/start")
	assert.Equal(t, en.LanguageSelection, h.bot.last().text)
	assert.Equal(t, []string{"lang_en", "lang_ru", "lang_es"}, callbacks(h.bot.last().markup))

	h.press(uid, "lang_en")
	assert.True(t, strings.HasPrefix(h.bot.lastEdit(), h.catalog.Group("en", group).Welcome))

	p, err := h.store.GetParticipant(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, group, p.Group)
	assert.Equal(t, "en", p.Language)
	require.NotNil(t, p.StartTime)

	for i := range 4 {
		h.text(uid, fmt.Sprintf("thinking out loud %d", i))
	}
	prompt := h.bot.last()
	assert.Equal(t, h.catalog.Group("en", group).DecisionPrompt, prompt.text)
	assert.Equal(t, []string{"decision_confess", "decision_silent"}, callbacks(prompt.markup))

	// further chatter re-shows the prompt instead of counting
	h.text(uid, "hmm")
	assert.Equal(t, prompt.text, h.bot.last().text)

	h.press(uid, "decision_confess")
	assert.Equal(t, en.DecisionRecorded, h.bot.lastEdit())
	assert.Equal(t, []string{"survey_q1_yes", "survey_q1_no"}, callbacks(h.bot.last().markup))

	h.press(uid, "survey_q1_yes")
	h.press(uid, "survey_q1_no") // stale keyboard press is ignored
	assert.Equal(t, []string{"survey_q2_helpful", "survey_q2_manipulative", "survey_q2_unsure"}, callbacks(h.bot.last().markup))
	h.press(uid, "survey_q2_helpful")
	assert.Len(t, callbacks(h.bot.last().markup), 5)
	h.press(uid, "survey_q3_4")
	assert.Contains(t, h.bot.last().text, en.SurveyTextHint)
	h.text(uid, "It felt gentle")
	assert.Equal(t, en.ThankYou, h.bot.last().text)

	p, err = h.store.GetParticipant(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "confess", p.FinalDecision)
	require.NotNil(t, p.EndTime)

	r, err := h.store.Survey(ctx, pid, true)
	require.NoError(t, err)
	assert.Equal(t, store.SurveyResponse{Q1: "yes", Q2: "helpful", Q3: 4, Q4: "It felt gentle"}, r)

	transcript, err := h.store.Transcript(ctx, pid)
	require.NoError(t, err)
	// welcome + opening, 4 user/bot pairs, decision prompt shown twice
	assert.Len(t, transcript, 2+8+2)

	assert.Empty(t, h.exp.Sessions())

	counts, err := h.events.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[analytics.SessionStarted])
	assert.Equal(t, 4, counts[analytics.MessageReceived])
	assert.Equal(t, 1, counts[analytics.DecisionPrompted])
	assert.Equal(t, 1, counts[analytics.DecisionMade])
	assert.Equal(t, 1, counts[analytics.SurveyCompleted])

	h.text(uid, "/start")
	assert.Equal(t, en.AlreadyParticipating, h.bot.last().text)
}

func TestScriptedRepliesFollowPhases(t *testing.T) {
	h := newHarness(t, Options{MessagesBeforeDecision: 20}, nil)
	const uid = 777
	group, err := h.rnd.AssignGroup(h.participantID(t, uid))
	require.NoError(t, err)
	gt := h.catalog.Group("ru", group)

	h.text(uid, "/start")
	h.press(uid, "lang_ru")

	var replies []string
	for i := range 8 {
		h.text(uid, fmt.Sprintf("сообщение %d", i))
		replies = append(replies, h.bot.last().text)
	}
	for i, r := range replies {
		switch {
		case i < 3:
			assert.Contains(t, gt.OpeningQuestions, r, i)
		case i < 6:
			assert.Contains(t, gt.PositiveFraming, r, i)
		default:
			assert.Contains(t, gt.Closing, r, i)
		}
	}
}

func TestAssistantRepliesAndAnalyses(t *testing.T) {
	a := &fakeAssistant{}
	h := newHarness(t, Options{MessagesBeforeDecision: 10, LLMReplies: true, AnalysisEnabled: true}, a)
	const uid = 4242
	pid := h.participantID(t, uid)
	group, err := h.rnd.AssignGroup(pid)
	require.NoError(t, err)

	h.text(uid, "/start")
	h.press(uid, "lang_en")
	for i := range 5 {
		h.text(uid, fmt.Sprintf("m%d", i))
	}
	assert.Equal(t, fmt.Sprintf("model reply to %q for %s", "m4", group), h.bot.last().text)

	a.mu.Lock()
	assert.Len(t, a.analyzed, 5)
	assert.Equal(t, 1, a.flows)
	a.mu.Unlock()

	st, err := h.store.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, st.LLMAnalyses)
}

func TestInvalidMessageIsNotCounted(t *testing.T) {
	h := newHarness(t, Options{MessagesBeforeDecision: 1}, nil)
	const uid = 99
	h.text(uid, "/start")
	h.press(uid, "lang_en")

	h.text(uid, "<script>alert(1)</script>")
	assert.Equal(t, h.catalog.Common("en").InvalidMessage, h.bot.last().text)
	require.Len(t, h.exp.Sessions(), 1)
	assert.Equal(t, 0, h.exp.Sessions()[0].Messages)
	assert.Equal(t, "conversation", h.exp.Sessions()[0].Phase)
}

func TestEndCommandPromptsDecisionEarly(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	const uid = 5
	group, err := h.rnd.AssignGroup(h.participantID(t, uid))
	require.NoError(t, err)

	h.text(uid, "/end")
	assert.Equal(t, h.catalog.Common("en").NotStarted, h.bot.last().text)

	h.text(uid, "/start")
	h.press(uid, "lang_es")
	h.text(uid, "/end")
	assert.Equal(t, h.catalog.Group("es", group).DecisionPrompt, h.bot.last().text)
	assert.Equal(t, "decision", h.exp.Sessions()[0].Phase)
}

func TestMessagesBeforeStart(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.text(1, "hello?")
	assert.Equal(t, h.catalog.Common("en").NotStarted, h.bot.last().text)

	h.text(1, "/status")
	assert.Equal(t, h.catalog.Common("en").NotStarted, h.bot.last().text)

	h.press(1, "decision_confess")
	assert.Equal(t, h.catalog.Common("en").NotStarted, h.bot.last().text)
}

func TestStatusAndHelp(t *testing.T) {
	h := newHarness(t, Options{Duration: 10 * time.Minute}, nil)
	h.text(3, "/help")
	assert.Equal(t, h.catalog.Common("en").Help, h.bot.last().text)

	h.text(3, "/start")
	h.press(3, "lang_en")
	h.text(3, "/status")
	assert.Equal(t, texts.Minutes(h.catalog.Common("en").Status, 10), h.bot.last().text)

	h.text(3, "/start")
	assert.Equal(t, h.catalog.Common("en").SessionActive, h.bot.last().text)
}

func TestRejoinRules(t *testing.T) {
	h := newHarness(t, Options{MessagesBeforeDecision: 1, IsAdmin: func(id int64) bool { return id == 1 }}, nil)
	finish := func(uid int64) {
		h.text(uid, "/start")
		h.press(uid, "lang_en")
		h.text(uid, "ok")
		h.press(uid, "decision_silent")
		h.press(uid, "survey_q1_no")
		h.press(uid, "survey_q2_unsure")
		h.press(uid, "survey_q3_3")
		h.text(uid, "done")
	}

	finish(2)
	h.text(2, "/start")
	assert.Equal(t, h.catalog.Common("en").AlreadyParticipating, h.bot.last().text)

	// double tap on the language keyboard of a finished participant
	h.press(2, "lang_en")
	assert.Equal(t, h.catalog.Common("en").AlreadyParticipating, h.bot.last().text)

	finish(1)
	h.text(1, "/start")
	assert.Equal(t, h.catalog.Common("en").LanguageSelection, h.bot.last().text)
	h.press(1, "lang_en")
	p, err := h.store.GetParticipant(context.Background(), h.participantID(t, 1))
	require.NoError(t, err)
	assert.Empty(t, p.FinalDecision)

	h.exp.SetTestingMode(true)
	assert.True(t, h.exp.TestingMode())
	h.text(2, "/start")
	assert.Equal(t, h.catalog.Common("en").LanguageSelection, h.bot.last().text)
}

func TestSessionTimesOut(t *testing.T) {
	h := newHarness(t, Options{Duration: 150 * time.Millisecond, Warning: 100 * time.Millisecond}, nil)
	const uid = 31
	pid := h.participantID(t, uid)
	en := h.catalog.Common("en")

	h.text(uid, "/start")
	h.press(uid, "lang_en")

	assert.Eventually(t, func() bool {
		return h.bot.last().text == en.SessionEnded
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.bot.texts(), texts.Minutes(en.TimeWarning, 1))
	assert.Empty(t, h.exp.Sessions())

	p, err := h.store.GetParticipant(context.Background(), pid)
	require.NoError(t, err)
	assert.NotNil(t, p.EndTime)
	assert.Empty(t, p.FinalDecision)

	counts, err := h.events.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[analytics.SessionTimedOut])
}

func TestUnfinishedSurveyIsReleased(t *testing.T) {
	h := newHarness(t, Options{
		Duration:               300 * time.Millisecond,
		SurveyTimeout:          200 * time.Millisecond,
		MessagesBeforeDecision: 1,
	}, nil)
	const uid = 32
	pid := h.participantID(t, uid)
	en := h.catalog.Common("en")

	h.text(uid, "/start")
	h.press(uid, "lang_en")
	h.text(uid, "I decide now")
	h.press(uid, "decision_silent")

	require.Len(t, h.exp.Sessions(), 1)
	assert.Equal(t, "survey", h.exp.Sessions()[0].Phase)

	before, err := h.store.GetParticipant(context.Background(), pid)
	require.NoError(t, err)
	require.NotNil(t, before.EndTime)

	assert.Eventually(t, func() bool {
		return len(h.exp.Sessions()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.NotContains(t, h.bot.texts(), en.SessionEnded)

	p, err := h.store.GetParticipant(context.Background(), pid)
	require.NoError(t, err)
	assert.Equal(t, "silent", p.FinalDecision)
	require.NotNil(t, p.EndTime)
	assert.True(t, p.EndTime.Equal(*before.EndTime))

	counts, err := h.events.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[analytics.SurveyAbandoned])
	assert.Zero(t, counts[analytics.SessionTimedOut])

	h.text(uid, "/start")
	assert.Equal(t, en.AlreadyParticipating, h.bot.last().text)
}

func TestFinishedSurveyCancelsDeadline(t *testing.T) {
	h := newHarness(t, Options{SurveyTimeout: 150 * time.Millisecond, MessagesBeforeDecision: 1}, nil)
	const uid = 33

	h.text(uid, "/start")
	h.press(uid, "lang_en")
	h.text(uid, "ok")
	h.press(uid, "decision_confess")
	h.press(uid, "survey_q1_no")
	h.press(uid, "survey_q2_unsure")
	h.press(uid, "survey_q3_3")
	h.text(uid, "nothing to add")
	require.Equal(t, h.catalog.Common("en").ThankYou, h.bot.last().text)
	assert.Empty(t, h.exp.Sessions())

	time.Sleep(250 * time.Millisecond)
	counts, err := h.events.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[analytics.SurveyCompleted])
	assert.Zero(t, counts[analytics.SurveyAbandoned])
}

func TestReset(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()
	h.text(10, "/start")
	h.press(10, "lang_en")
	h.text(11, "/start")
	h.press(11, "lang_ru")
	require.Len(t, h.exp.Sessions(), 2)

	pid, err := h.exp.ResetUser(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, h.participantID(t, 10), pid)
	_, err = h.store.GetParticipant(ctx, pid)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.Len(t, h.exp.Sessions(), 1)

	assert.ErrorIs(t, h.exp.Reset(ctx, "P00000000"), store.ErrNotFound)

	n, err := h.exp.ResetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, h.exp.Sessions())

	h.text(10, "/start")
	assert.Equal(t, h.catalog.Common("en").LanguageSelection, h.bot.last().text)
}

func TestRegisteredCommands(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	var gotArgs []string
	h.exp.Handle("admin", func(_ context.Context, m *telegram.Message, args []string) {
		gotArgs = args
	})

	h.text(1, "/admin@dilemma_bot reset all")
	assert.Equal(t, []string{"reset", "all"}, gotArgs)

	h.text(1, "/unknown")
	assert.Equal(t, h.catalog.Common("en").Help, h.bot.last().text)
}

func TestParseCommand(t *testing.T) {
	name, args, ok := parseCommand("/Start")
	assert.True(t, ok)
	assert.Equal(t, "start", name)
	assert.Empty(t, args)

	_, _, ok = parseCommand("hello /start")
	assert.False(t, ok)
	_, _, ok = parseCommand("/")
	assert.False(t, ok)
}

func TestScriptRandIsStablePerParticipant(t *testing.T) {
	a, b := scriptRand("P15E2B0D3"), scriptRand("P15E2B0D3")
	for range 5 {
		assert.Equal(t, a.Uint64(), b.Uint64())
	}
	assert.NotEqual(t, scriptRand("P15E2B0D3").Uint64(), scriptRand("P6B86B273").Uint64())
}

func TestScriptedReplyUsesAnalysis(t *testing.T) {
	gt := texts.GroupTexts{
		OpeningQuestions: []string{"open"},
		PositiveFraming:  []string{"frame"},
		Reassurance:      []string{"calm"},
		Norms:            []string{"norm"},
		Closing:          []string{"close"},
	}
	rnd := scriptRand("x")
	assert.Equal(t, "calm", scriptedReply(gt, 0, llm.Analysis{Emotion: "anxious"}, rnd))
	assert.Equal(t, "norm", scriptedReply(gt, 7, llm.Analysis{Intent: "disagreement"}, rnd))
	assert.Equal(t, "open", scriptedReply(gt, 2, llm.BasicAnalysis(), rnd))
	assert.Equal(t, "frame", scriptedReply(gt, 5, llm.BasicAnalysis(), rnd))
	assert.Equal(t, "close", scriptedReply(gt, 6, llm.BasicAnalysis(), rnd))
}
