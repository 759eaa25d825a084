package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/control"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/domain"
)

// adminOnly guards an endpoint with the X-Admin-Key header. The compare
// is constant time; an unconfigured key disables the whole surface.
func (s *Server) adminOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminKey == "" {
			writeError(w, http.StatusForbidden, "admin surface disabled")
			return
		}
		given := r.Header.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(given), []byte(s.adminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
		next(w, r)
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.engine.Settings().Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handlePatchSettings applies a partial settings update. The patched
// result must validate as a whole; otherwise nothing is stored.
func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch domain.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed settings patch")
		return
	}

	current, err := s.engine.Settings().Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}

	updated := patch.Apply(current)
	if err := updated.Validate(); err != nil {
		var cfgErr *domain.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusUnprocessableEntity, cfgErr.Error())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := s.engine.Settings().Put(r.Context(), updated); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store settings")
		return
	}
	s.log.Info("Settings updated", "enabled", updated.Enabled, "killSwitch", updated.KillSwitch)
	writeJSON(w, http.StatusOK, updated)
}

// handleProcessNow forces one processing cycle. It shares the ticker's
// reentrancy guard: a cycle already in flight yields 409.
func (s *Server) handleProcessNow(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.RunCycle(r.Context())
	if err != nil {
		if errors.Is(err, control.ErrCycleInFlight) {
			writeError(w, http.StatusConflict, "cycle already in flight")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	jobs, err := s.engine.Jobs().List(r.Context(), state, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// handleListCalls lists jobs with a call currently at the provider.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	jobs, err := s.engine.Jobs().ActiveWithProviderCall(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list calls")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": jobs, "count": len(jobs)})
}

func (s *Server) handleListSuppressions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Suppressions().List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list suppressions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suppressions": entries, "count": len(entries)})
}

func (s *Server) handleAddSuppression(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	entry := &domain.SuppressionEntry{
		UserID:    userID,
		Reason:    domain.SuppressionReasonManual,
		CreatedAt: time.Now().UTC(),
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Reason != "" {
		entry.Reason = body.Reason
	}

	if err := s.engine.Suppressions().Upsert(r.Context(), entry); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store suppression")
		return
	}
	s.log.Info("User suppressed", "userID", userID, "reason", entry.Reason)
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRemoveSuppression(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if err := s.engine.Suppressions().Delete(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete suppression")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"userId": userID, "status": "removed"})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active": s.engine.Alerts().Active(),
		"events": s.engine.Alerts().Events(limit),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.engine.Jobs().CountByState(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}
	settings, err := s.engine.Settings().Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}

	backlog := counts[domain.JobStateQueued] + counts[domain.JobStateFailedRetryable]
	stats := map[string]any{
		"enabled":      settings.Enabled,
		"killSwitch":   settings.KillSwitch,
		"jobsByState":  counts,
		"backlog":      backlog,
		"activeAlerts": s.engine.Alerts().Active(),
	}
	if snap, day, err := s.engine.CountersToday(r.Context()); err == nil {
		stats["today"] = map[string]any{
			"day":      day,
			"calls":    snap.GlobalCalls,
			"spendUsd": snap.SpendUSD,
		}
	}
	writeJSON(w, http.StatusOK, stats)
}
