package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/callback"
)

// maxCallbackBody caps provider webhook payloads.
const maxCallbackBody = 1 << 20

// Signature headers, in preference order. The provider's own header
// names first, generic webhook names as fallback.
var (
	signatureHeaders = []string{"X-SuperU-Signature", "X-Webhook-Signature"}
	timestampHeaders = []string{"X-SuperU-Timestamp", "X-Webhook-Timestamp"}
)

func firstHeader(r *http.Request, names []string) string {
	for _, name := range names {
		if v := r.Header.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// handleCallback ingests a signed provider webhook. The signature is
// verified over the raw body before any parsing; an unverified payload
// never reaches the job store.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	sig := firstHeader(r, signatureHeaders)
	ts := firstHeader(r, timestampHeaders)
	if err := s.verifier.Verify(body, sig, ts, time.Now()); err != nil {
		s.log.Warn("Rejected callback", "error", err, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	var ev callback.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	if ev.ProviderCallID == "" {
		writeError(w, http.StatusBadRequest, "missing call_id")
		return
	}

	settings, err := s.engine.Settings().Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}

	result, err := s.engine.Ingestor().Ingest(r.Context(), ev, settings, time.Now())
	if err != nil {
		// The provider retries on 5xx.
		s.log.Error("Callback ingest failed", "callID", ev.ProviderCallID, "error", err)
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"result": string(result)})
}
