package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// StatsHandler serves GET /admin/stats.
func (s *Service) StatsHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Statistics(r.Context())
	if err != nil {
		s.log.Error("statistics", zap.Error(err))
		http.Error(w, "db query error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, st)
}

// SessionsHandler serves GET /admin/sessions.
func (s *Service) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"testing_mode": s.exp.TestingMode(),
		"sessions":     s.exp.Sessions(),
	})
}

// ExportHandler serves GET /admin/export. Free text is included only with
// ?text=true.
func (s *Service) ExportHandler(w http.ResponseWriter, r *http.Request) {
	withText := false
	if v := r.URL.Query().Get("text"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "text must be a boolean", http.StatusBadRequest)
			return
		}
		withText = b
	}

	ex, err := s.store.Export(r.Context(), uuid.NewString(), withText)
	if err != nil {
		s.log.Error("export", zap.Error(err))
		http.Error(w, "export error", http.StatusInternalServerError)
		return
	}
	s.log.Info("export served",
		zap.String("export_id", ex.ExportID),
		zap.Bool("with_text", withText),
		zap.Int("records", len(ex.Records)))

	w.Header().Set("Content-Disposition", `attachment; filename="export_`+ex.ExportID+`.json"`)
	writeJSON(w, ex)
}

// BalanceHandler serves GET /admin/balance.
func (s *Service) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Balance(r.Context())
	if err != nil {
		s.log.Error("balance", zap.Error(err))
		http.Error(w, "balance error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rep)
}
