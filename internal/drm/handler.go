package drm

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/voyagen/iptvgate/internal/log"
	"github.com/voyagen/iptvgate/internal/metrics"
)

const maxRequestBytes = 64 << 10

// licenseRequest is the EME ClearKey request body. The kids are logged
// but do not filter the response.
type licenseRequest struct {
	Kids []string `json:"kids"`
	Type string   `json:"type"`
}

// Handler serves POST /drm/clearkey?license=<bundle>.
type Handler struct {
	logger zerolog.Logger
}

// NewHandler creates a license handler.
func NewHandler() *Handler {
	return &Handler{logger: log.WithComponent("drm")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORS(w.Header())
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost, http.MethodGet:
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"status": http.StatusMethodNotAllowed, "error": "method not allowed"})
		return
	}

	var req licenseRequest
	if r.Body != nil {
		body, _ := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if len(body) > 0 {
			// A malformed body is tolerated: the bundle alone decides.
			_ = json.Unmarshal(body, &req)
		}
	}

	lic, err := Translate(r.URL.Query().Get("license"))
	if err != nil {
		metrics.IncLicenseRequest(false)
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidBundle) {
			status = http.StatusBadRequest
		}
		h.logger.Warn().Err(err).Msg("clearkey license rejected")
		writeJSON(w, status, map[string]any{"status": status, "error": "invalid license bundle", "detail": err.Error()})
		return
	}
	metrics.IncLicenseRequest(true)
	h.logger.Debug().
		Str(log.FieldRequestID, log.RequestIDFromContext(r.Context())).
		Int("requested", len(req.Kids)).
		Int("served", len(lic.Keys)).
		Msg("clearkey license served")
	writeJSON(w, http.StatusOK, lic)
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
