package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/signoff/pkg/engine"
)

// Handler serves the engine's public endpoints.
type Handler struct {
	Engine *engine.Engine
	Logger *slog.Logger
}

// NewHandler builds the HTTP surface for an engine.
func NewHandler(e *engine.Engine) *Handler {
	return &Handler{
		Engine: e,
		Logger: slog.Default().With("component", "api"),
	}
}

// Routes registers the endpoints on a mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/capabilities", h.Capabilities)
	mux.HandleFunc("/__heartbeat__", h.Heartbeat)
}

// Capabilities returns the plugin descriptor: configured resources and the
// review options that apply to them.
func (h *Handler) Capabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Engine.Capabilities()); err != nil {
		h.Logger.Error("capabilities encoding failed", "error", err)
	}
}

// heartbeatResponse maps each source URI to its signer's availability.
type heartbeatResponse struct {
	OK      bool            `json:"ok"`
	Signers map[string]bool `json:"signers"`
}

// Heartbeat probes every configured signer. 200 when all respond, 503 as
// soon as one does not.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	resp := heartbeatResponse{OK: true, Signers: h.Engine.Heartbeats(r.Context())}
	for _, ok := range resp.Signers {
		if !ok {
			resp.OK = false
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.Logger.Error("heartbeat encoding failed", "error", err)
	}
}
