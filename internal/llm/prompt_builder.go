package llm

import (
	"strconv"
	"strings"
	"time"

	"dilemma-experiment-backend/internal/randomizer"
)

// MessageContext describes where in the session a message was sent.
type MessageContext struct {
	Group        randomizer.Group
	Language     string
	Elapsed      time.Duration
	MessageCount int
}

// Turn is one line of the conversation.
type Turn struct {
	Sender string
	Text   string
}

// flowWindow is how many trailing turns AnalyzeFlow looks at.
const flowWindow = 5

// BuildAnalysisPrompt formats the input for AnalyzeMessage.
func BuildAnalysisPrompt(text string, mc *MessageContext) string {
	var b strings.Builder

	b.WriteString("Analyze the following participant message from a prisoner's dilemma experiment.\n")
	if mc != nil {
		writeContext(&b, mc)
	}
	b.WriteString("participant_message: ")
	b.WriteString(strconv.Quote(text))
	b.WriteString("\n")

	return b.String()
}

// BuildReplyPrompt formats the input for GenerateReply.
func BuildReplyPrompt(text string, a Analysis, mc MessageContext) string {
	var b strings.Builder

	b.WriteString("analysis:\n")
	b.WriteString("- emotion: ")
	b.WriteString(orDefault(a.Emotion, "neutral"))
	b.WriteString("\n- intent: ")
	b.WriteString(orDefault(a.Intent, "question"))
	b.WriteString("\n- confidence: ")
	b.WriteString(orDefault(a.Confidence, "medium"))
	b.WriteString("\n- persuasion_resistance: ")
	b.WriteString(orDefault(a.PersuasionResistance, "medium"))
	b.WriteString("\n")
	if len(a.KeyThemes) > 0 {
		b.WriteString("- key_themes: ")
		b.WriteString(strings.Join(a.KeyThemes, ", "))
		b.WriteString("\n")
	}

	writeContext(&b, &mc)

	b.WriteString("reply_language: ")
	b.WriteString(orDefault(mc.Language, "en"))
	b.WriteString("\n")

	b.WriteString("participant_message: ")
	b.WriteString(strconv.Quote(text))
	b.WriteString("\n")

	return b.String()
}

// BuildFlowPrompt formats the last flowWindow turns for AnalyzeFlow.
func BuildFlowPrompt(turns []Turn) string {
	if len(turns) > flowWindow {
		turns = turns[len(turns)-flowWindow:]
	}

	var b strings.Builder
	b.WriteString("conversation:\n")
	for _, t := range turns {
		b.WriteString(orDefault(t.Sender, "unknown"))
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func writeContext(b *strings.Builder, mc *MessageContext) {
	b.WriteString("context:\n")
	b.WriteString("- group: ")
	b.WriteString(orDefault(string(mc.Group), "unknown"))
	b.WriteString("\n- minutes_in_experiment: ")
	b.WriteString(strconv.Itoa(int(mc.Elapsed.Minutes())))
	b.WriteString("\n- previous_messages: ")
	b.WriteString(strconv.Itoa(mc.MessageCount))
	b.WriteString("\n")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
