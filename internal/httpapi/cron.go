package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// handleCronSync triggers the due-tenant reconciliation pass. The
// endpoint is idempotent: overlapping calls skip tenants already locked
// by another run.
func (s *Server) handleCronSync(w http.ResponseWriter, r *http.Request) {
	if authErr := s.requireCronSecret(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	now := s.now().UTC()
	summaries, err := s.syncer.RunDueSyncs(r.Context(), now)
	if err != nil {
		s.logger.Error("cron sync", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "sync run failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"processed": len(summaries),
		"results":   summaries,
		"timestamp": now.Format(time.RFC3339),
	})
}

// handleCronNotifications triggers one deadline evaluation pass.
func (s *Server) handleCronNotifications(w http.ResponseWriter, r *http.Request) {
	if authErr := s.requireCronSecret(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	now := s.now().UTC()
	summary, err := s.notifier.EvaluateDue(r.Context(), now)
	if err != nil {
		s.logger.Error("cron notifications", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "notification evaluation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"summary":   summary,
		"timestamp": now.Format(time.RFC3339),
	})
}
