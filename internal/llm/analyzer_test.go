package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dilemma-experiment-backend/internal/randomizer"
)

func fixedServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completion(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnalyzeMessage(t *testing.T) {
	srv := fixedServer(t, "Sure! ```json\n{\"emotion\":\"anxious\",\"intent\":\"defect\",\"key_themes\":[\"fear\"]}\n```")
	a := NewAnalyzer(testClient(srv.URL), zap.NewNop())
	require.True(t, a.Enabled())

	got := a.AnalyzeMessage(context.Background(), "I'm scared", &MessageContext{Group: randomizer.GroupSilent})
	assert.Equal(t, "anxious", got.Emotion)
	assert.Equal(t, "defect", got.Intent)
	assert.Equal(t, []string{"fear"}, got.KeyThemes)
	assert.Equal(t, MethodLLM, got.Method)
}

func TestAnalyzeMessage_Fallbacks(t *testing.T) {
	disabled := NewAnalyzer(NewClient(DefaultConfig("", "", ""), zap.NewNop()), zap.NewNop())
	assert.False(t, disabled.Enabled())
	assert.Equal(t, BasicAnalysis(), disabled.AnalyzeMessage(context.Background(), "hi", nil))

	garbage := NewAnalyzer(testClient(fixedServer(t, "no json here").URL), zap.NewNop())
	assert.Equal(t, MethodBasic, garbage.AnalyzeMessage(context.Background(), "hi", nil).Method)

	var nilAnalyzer *Analyzer
	assert.Equal(t, BasicAnalysis(), nilAnalyzer.AnalyzeMessage(context.Background(), "hi", nil))
}

func TestAnalyzeFlow(t *testing.T) {
	srv := fixedServer(t, `{"engagement_level":"high","experiment_progress":"struggling","recommendations":["slow down"]}`)
	a := NewAnalyzer(testClient(srv.URL), zap.NewNop())

	got := a.AnalyzeFlow(context.Background(), []Turn{{Sender: "user", Text: "hm"}})
	assert.Equal(t, "high", got.EngagementLevel)
	assert.Equal(t, "struggling", got.ExperimentProgress)
	assert.Equal(t, MethodLLM, got.Method)

	empty := a.AnalyzeFlow(context.Background(), nil)
	assert.Equal(t, MethodBasic, empty.Method)
}

func TestGenerateReply(t *testing.T) {
	srv := fixedServer(t, `"Loyalty matters, and your careful thinking shows it."`)
	a := NewAnalyzer(testClient(srv.URL), zap.NewNop())

	mc := MessageContext{Group: randomizer.GroupSilent, Language: "en"}
	got := a.GenerateReply(context.Background(), "what should I do?", BasicAnalysis(), mc)
	assert.Equal(t, "Loyalty matters, and your careful thinking shows it.", got)
}

func TestGenerateReply_FallsBackToDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	a := NewAnalyzer(testClient(srv.URL), zap.NewNop())

	mc := MessageContext{Group: randomizer.GroupConfess, Language: "ru"}
	got := a.GenerateReply(context.Background(), "?", Analysis{Emotion: "frustrated"}, mc)
	assert.Equal(t, DefaultReply(Analysis{Emotion: "frustrated"}, mc), got)
	assert.Contains(t, got, "честность")
}

func TestDefaultReply(t *testing.T) {
	calm := DefaultReply(Analysis{Emotion: "neutral"}, MessageContext{Group: randomizer.GroupConfess, Language: "en"})
	anxious := DefaultReply(Analysis{Emotion: "anxious"}, MessageContext{Group: randomizer.GroupConfess, Language: "en"})
	assert.NotEqual(t, calm, anxious)

	unknownLang := DefaultReply(Analysis{}, MessageContext{Group: randomizer.GroupSilent, Language: "zz"})
	assert.Equal(t, DefaultReply(Analysis{}, MessageContext{Group: randomizer.GroupSilent, Language: "en"}), unknownLang)
}

func TestBuildPrompts(t *testing.T) {
	mc := &MessageContext{Group: randomizer.GroupConfess, Language: "es", Elapsed: 3 * time.Minute, MessageCount: 4}

	p := BuildAnalysisPrompt(`say "hi"`, mc)
	assert.Contains(t, p, "- group: confess")
	assert.Contains(t, p, "- minutes_in_experiment: 3")
	assert.Contains(t, p, `participant_message: "say \"hi\""`)

	r := BuildReplyPrompt("hola", Analysis{KeyThemes: []string{"trust", "fear"}}, *mc)
	assert.Contains(t, r, "- emotion: neutral")
	assert.Contains(t, r, "- key_themes: trust, fear")
	assert.Contains(t, r, "reply_language: es")

	var turns []Turn
	for i := range 8 {
		turns = append(turns, Turn{Sender: "user", Text: fmt.Sprintf("m%d", i)})
	}
	f := BuildFlowPrompt(turns)
	assert.NotContains(t, f, "m2")
	assert.Contains(t, f, "user: m3")
	assert.Equal(t, flowWindow, strings.Count(f, "user: "))
}
