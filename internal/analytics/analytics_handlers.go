package analytics

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// CountsHandler serves the number of events per name, e.g. how many sessions
// started versus how many reached a decision.
func CountsHandler(l *Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := l.Counts(r.Context())
		if err != nil {
			l.log.Error("event counts", zap.Error(err))
			http.Error(w, "db query error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"events": counts})
	}
}
