package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"dilemma-experiment-backend/internal/randomizer"
)

const (
	MethodLLM   = "llm"
	MethodBasic = "basic"
)

type Analysis struct {
	Emotion              string   `json:"emotion"`
	Intent               string   `json:"intent"`
	Confidence           string   `json:"confidence"`
	PersuasionResistance string   `json:"persuasion_resistance"`
	KeyThemes            []string `json:"key_themes"`
	SuggestedResponse    string   `json:"suggested_response"`
	NudgingEffectiveness string   `json:"nudging_effectiveness"`
	RiskOfDropout        string   `json:"risk_of_dropout"`
	Method               string   `json:"analysis_method"`
}

type FlowAnalysis struct {
	EngagementLevel     string   `json:"engagement_level"`
	ConversationQuality string   `json:"conversation_quality"`
	UserSatisfaction    string   `json:"user_satisfaction"`
	ExperimentProgress  string   `json:"experiment_progress"`
	Recommendations     []string `json:"recommendations"`
	Method              string   `json:"analysis_method"`
}

// Analyzer never fails: when the model is unavailable or answers garbage it
// falls back to a neutral analysis or a canned reply.
type Analyzer struct {
	client *Client
	log    *zap.Logger
}

func NewAnalyzer(client *Client, log *zap.Logger) *Analyzer {
	return &Analyzer{client: client, log: log.Named("analyzer")}
}

func (a *Analyzer) Enabled() bool {
	return a != nil && a.client.Configured()
}

func BasicAnalysis() Analysis {
	return Analysis{
		Emotion:              "neutral",
		Intent:               "question",
		Confidence:           "medium",
		PersuasionResistance: "medium",
		KeyThemes:            []string{"general"},
		NudgingEffectiveness: "medium",
		RiskOfDropout:        "low",
		Method:               MethodBasic,
	}
}

func basicFlow() FlowAnalysis {
	return FlowAnalysis{
		EngagementLevel:     "medium",
		ConversationQuality: "average",
		UserSatisfaction:    "medium",
		ExperimentProgress:  "on_track",
		Recommendations:     []string{"continue the standard protocol"},
		Method:              MethodBasic,
	}
}

// AnalyzeMessage classifies one participant message.
func (a *Analyzer) AnalyzeMessage(ctx context.Context, text string, mc *MessageContext) Analysis {
	if !a.Enabled() {
		return BasicAnalysis()
	}
	out, err := a.client.Complete(ctx, analysisSystemPrompt, BuildAnalysisPrompt(text, mc), 500, 0.3)
	if err != nil {
		a.log.Warn("analyze message", zap.Error(err))
		return BasicAnalysis()
	}

	var res Analysis
	if err := decodeJSON(out, &res); err != nil {
		a.log.Warn("analyze message: bad model output", zap.Error(err))
		return BasicAnalysis()
	}
	res.Method = MethodLLM
	return res
}

// AnalyzeFlow looks at the last few turns of a conversation.
func (a *Analyzer) AnalyzeFlow(ctx context.Context, turns []Turn) FlowAnalysis {
	if len(turns) == 0 || !a.Enabled() {
		return basicFlow()
	}
	out, err := a.client.Complete(ctx, flowSystemPrompt, BuildFlowPrompt(turns), 500, 0.3)
	if err != nil {
		a.log.Warn("analyze flow", zap.Error(err))
		return basicFlow()
	}

	var res FlowAnalysis
	if err := decodeJSON(out, &res); err != nil {
		a.log.Warn("analyze flow: bad model output", zap.Error(err))
		return basicFlow()
	}
	res.Method = MethodLLM
	return res
}

// GenerateReply writes a short group-aware answer to the participant.
func (a *Analyzer) GenerateReply(ctx context.Context, text string, an Analysis, mc MessageContext) string {
	system, ok := replySystemPrompts[string(mc.Group)]
	if !ok || !a.Enabled() {
		return DefaultReply(an, mc)
	}
	out, err := a.client.Complete(ctx, system, BuildReplyPrompt(text, an, mc), 300, 0.7)
	if err != nil {
		a.log.Warn("generate reply", zap.Error(err))
		return DefaultReply(an, mc)
	}
	out = strings.Trim(strings.TrimSpace(out), `"'`)
	if out == "" {
		return DefaultReply(an, mc)
	}
	return out
}

var defaultReplies = map[string]map[randomizer.Group][2]string{
	"en": {
		randomizer.GroupConfess: {
			"Thank you for sharing. Keep reflecting on what honesty means in your decision.",
			"I understand your doubts. Remember that honesty is a quality that serves you well in the long run.",
		},
		randomizer.GroupSilent: {
			"Thank you for sharing. Keep thinking your options through.",
			"Your thoughts are understandable. Sometimes silence can be the wise choice.",
		},
	},
	"ru": {
		randomizer.GroupConfess: {
			"Спасибо за ваше сообщение. Продолжайте размышлять о важности честности в ваших решениях.",
			"Понимаю ваши сомнения. Помните, что честность - это важное качество, которое поможет вам в долгосрочной перспективе.",
		},
		randomizer.GroupSilent: {
			"Спасибо за ваше сообщение. Продолжайте обдумывать свои решения.",
			"Ваши размышления понятны. Иногда молчание может быть мудрым выбором.",
		},
	},
	"es": {
		randomizer.GroupConfess: {
			"Gracias por compartir. Sigue reflexionando sobre lo que significa la honestidad en tu decisión.",
			"Entiendo tus dudas. Recuerda que la honestidad es una cualidad que te ayudará a largo plazo.",
		},
		randomizer.GroupSilent: {
			"Gracias por compartir. Sigue pensando en tus opciones.",
			"Tus reflexiones son comprensibles. A veces el silencio puede ser la elección sabia.",
		},
	},
}

// DefaultReply is the canned answer used without a model. Anxious or
// frustrated participants get the reassuring variant.
func DefaultReply(an Analysis, mc MessageContext) string {
	byGroup, ok := defaultReplies[mc.Language]
	if !ok {
		byGroup = defaultReplies["en"]
	}
	pair, ok := byGroup[mc.Group]
	if !ok {
		pair = byGroup[randomizer.GroupSilent]
	}
	if an.Emotion == "anxious" || an.Emotion == "frustrated" {
		return pair[1]
	}
	return pair[0]
}

// decodeJSON unmarshals the outermost {...} of a model answer, which may be
// wrapped in prose or a code fence.
func decodeJSON(s string, v any) error {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return errors.New("no JSON object in output")
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}
