package admin

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dilemma-experiment-backend/internal/randomizer"
	"dilemma-experiment-backend/internal/store"
	"dilemma-experiment-backend/internal/telegram"
	"dilemma-experiment-backend/internal/validation"
)

// maxReply keeps replies under the Bot API message size limit.
const maxReply = 4000

const helpText = `Admin commands:
/admin stats - experiment statistics
/admin list - active sessions
/admin export - export summary
/admin balance - group balance of stored participants
/admin reset <user_id|participant_id> - reset one participant
/admin reset all - reset every participant
/admin toggle_testing - switch testing mode`

// Command handles "/admin <sub> [args]" for users listed as admins.
func (s *Service) Command(ctx context.Context, m *telegram.Message, args []string) {
	if m.From == nil || !s.isAdmin(m.From.ID) {
		s.reply(ctx, m, "⛔ Admin rights required.")
		return
	}

	sub := "help"
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
	}
	s.log.Info("admin command", zap.Int64("admin_id", m.From.ID), zap.String("command", sub))

	switch sub {
	case "help":
		s.reply(ctx, m, helpText)
	case "stats":
		s.stats(ctx, m)
	case "list":
		s.list(ctx, m)
	case "export":
		s.export(ctx, m)
	case "balance":
		s.balance(ctx, m)
	case "reset":
		s.reset(ctx, m, args[1:])
	case "toggle_testing":
		on := !s.exp.TestingMode()
		s.exp.SetTestingMode(on)
		s.log.Warn("testing mode switched", zap.Bool("on", on), zap.Int64("admin_id", m.From.ID))
		if on {
			s.reply(ctx, m, "🧪 Testing mode ON: anyone may restart the experiment.")
		} else {
			s.reply(ctx, m, "🧪 Testing mode OFF.")
		}
	default:
		s.reply(ctx, m, "Unknown command. Use /admin help")
	}
}

func (s *Service) reply(ctx context.Context, m *telegram.Message, text string) {
	for _, part := range split(text, maxReply) {
		if _, err := s.bot.SendMessage(ctx, m.Chat.ID, part, nil); err != nil {
			s.log.Warn("admin reply", zap.Error(err))
			return
		}
	}
}

func (s *Service) stats(ctx context.Context, m *telegram.Message) {
	st, err := s.store.Statistics(ctx)
	if err != nil {
		s.log.Error("statistics", zap.Error(err))
		s.reply(ctx, m, "❌ Could not load statistics.")
		return
	}
	s.reply(ctx, m, FormatStatistics(st))
}

// FormatStatistics renders statistics as plain text.
func FormatStatistics(st store.Statistics) string {
	var b strings.Builder
	b.WriteString("📊 Experiment statistics\n\n")
	fmt.Fprintf(&b, "Participants: %d\n", st.TotalParticipants)
	fmt.Fprintf(&b, "Completed: %d\n", st.Completed)
	fmt.Fprintf(&b, "Surveys: %d\n", st.Surveys)
	fmt.Fprintf(&b, "LLM analyses: %d\n", st.LLMAnalyses)

	writeDist(&b, "Groups", st.GroupDistribution)
	writeDist(&b, "Languages", st.LanguageDistribution)
	writeDist(&b, "Decisions", st.DecisionDistribution)
	return b.String()
}

func writeDist(b *strings.Builder, title string, dist map[string]int) {
	fmt.Fprintf(b, "\n%s:\n", title)
	if len(dist) == 0 {
		b.WriteString("• none\n")
		return
	}
	for _, k := range slices.Sorted(maps.Keys(dist)) {
		fmt.Fprintf(b, "• %s: %d\n", k, dist[k])
	}
}

func (s *Service) list(ctx context.Context, m *telegram.Message) {
	sessions := s.exp.Sessions()
	if len(sessions) == 0 {
		s.reply(ctx, m, "📋 No active sessions.")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 Active sessions: %d\n", len(sessions))
	for _, si := range sessions {
		fmt.Fprintf(&b, "\n%s  %s/%s  phase=%s  messages=%d  left=%.1f min",
			si.ParticipantID, si.Group, si.Language, si.Phase, si.Messages, si.Remaining.Minutes())
	}
	s.reply(ctx, m, b.String())
}

func (s *Service) export(ctx context.Context, m *telegram.Message) {
	ex, err := s.store.Export(ctx, uuid.NewString(), false)
	if err != nil {
		s.log.Error("export", zap.Error(err))
		s.reply(ctx, m, "❌ Export failed.")
		return
	}
	surveys := 0
	for _, r := range ex.Records {
		if r.Survey != nil {
			surveys++
		}
	}
	s.log.Info("export summary", zap.String("export_id", ex.ExportID), zap.Int("records", len(ex.Records)))
	s.reply(ctx, m, fmt.Sprintf(
		"📤 Export %s\n\nParticipants: %d\nCompleted: %d\nWith survey: %d\n\nFull data: GET /admin/export with an admin token, or the export CLI command.",
		ex.ExportID, len(ex.Records), ex.Statistics.Completed, surveys))
}

func (s *Service) balance(ctx context.Context, m *telegram.Message) {
	r, err := s.Balance(ctx)
	if err != nil {
		s.log.Error("balance", zap.Error(err))
		s.reply(ctx, m, "❌ Could not compute the balance.")
		return
	}
	s.reply(ctx, m, FormatBalance(r))
}

// FormatBalance renders a balance report as plain text.
func FormatBalance(r BalanceReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚖️ Group balance over %d participants\n", r.Total)
	for _, g := range randomizer.Groups {
		n := r.Counts[g]
		pct := 0.0
		if r.Total > 0 {
			pct = float64(n) * 100 / float64(r.Total)
		}
		fmt.Fprintf(&b, "• %s: %d (%.1f%%)\n", g, n, pct)
	}
	if len(r.Mismatched) > 0 {
		fmt.Fprintf(&b, "\n⚠️ %d stored assignments differ from the current seed: %s\n",
			len(r.Mismatched), strings.Join(r.Mismatched, ", "))
	}
	return b.String()
}

func (s *Service) reset(ctx context.Context, m *telegram.Message, args []string) {
	if len(args) == 0 {
		s.reply(ctx, m, "Usage: /admin reset <user_id|participant_id> or /admin reset all")
		return
	}
	target := args[0]

	if strings.EqualFold(target, "all") {
		n, err := s.exp.ResetAll(ctx)
		if err != nil {
			s.log.Error("reset all", zap.Error(err))
			s.reply(ctx, m, "❌ Reset failed.")
			return
		}
		s.log.Warn("all participants reset", zap.Int64("admin_id", m.From.ID), zap.Int("deleted", n))
		s.reply(ctx, m, fmt.Sprintf("✅ All sessions reset. %d participants deleted.", n))
		return
	}

	var (
		pid string
		err error
	)
	switch {
	case validation.ParticipantID(strings.ToUpper(target)):
		pid = strings.ToUpper(target)
		err = s.exp.Reset(ctx, pid)
	default:
		uid, perr := strconv.ParseInt(target, 10, 64)
		if perr != nil || !validation.UserID(uid) {
			s.reply(ctx, m, "❌ Invalid user id.")
			return
		}
		pid, err = s.exp.ResetUser(ctx, uid)
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		s.reply(ctx, m, fmt.Sprintf("Nothing to reset for %s.", target))
	case err != nil:
		s.log.Error("reset", zap.String("participant_id", pid), zap.Error(err))
		s.reply(ctx, m, "❌ Reset failed.")
	default:
		s.log.Warn("participant reset", zap.Int64("admin_id", m.From.ID), zap.String("participant_id", pid))
		s.reply(ctx, m, fmt.Sprintf("✅ %s reset. The user may start the experiment again.", pid))
	}
}

// split cuts text into parts of at most n runes, preferring line breaks.
func split(text string, n int) []string {
	var (
		parts []string
		cur   []rune
	)
	for _, line := range strings.SplitAfter(text, "\n") {
		r := []rune(line)
		if len(cur)+len(r) > n && len(cur) > 0 {
			parts = append(parts, string(cur))
			cur = cur[:0]
		}
		for len(r) > n {
			parts = append(parts, string(r[:n]))
			r = r[n:]
		}
		cur = append(cur, r...)
	}
	if len(cur) > 0 {
		parts = append(parts, string(cur))
	}
	return parts
}
