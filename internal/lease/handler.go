package lease

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/driftline/ensemble-relay/internal/httpserver"
)

// Handler is the REST surface over the lease for out-of-band tooling. The
// signaling path uses the Manager directly.
type Handler struct {
	log     *slog.Logger
	manager *Manager
}

func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	return &Handler{log: logger, manager: manager}
}

// RegisterRoutes mounts the lease endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /controller-lease", h.handleGet)
	mux.HandleFunc("POST /controller-lease", h.handleAcquire)
	mux.HandleFunc("DELETE /controller-lease", h.handleRelease)
}

type acquireRequest struct {
	Name               string `json:"name"`
	ControllerClientID string `json:"controllerClientId"`
	Force              bool   `json:"force"`
}

type releaseRequest struct {
	ControllerClientID string `json:"controllerClientId"`
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	active, holder, err := h.manager.Status()
	if err != nil {
		h.log.Error("lease status failed", "err", err)
		httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "lease store unavailable"})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"active": active, "holder": holder})
}

func (h *Handler) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := decodeBody(r, &req); err != nil {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if req.Name == "" || req.ControllerClientID == "" {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "name and controllerClientId are required"})
		return
	}

	res, err := h.manager.Acquire(req.Name, req.ControllerClientID, req.Force)
	if err != nil {
		h.log.Error("lease acquire failed", "controller", req.ControllerClientID, "err", err)
		httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "lease store unavailable"})
		return
	}
	if !res.Granted {
		httpserver.WriteJSON(w, http.StatusConflict, map[string]any{"error": "lease held", "holder": res.Holder})
		return
	}

	h.log.Info("lease acquired", "controller", req.ControllerClientID, "handoff", res.Handoff)
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"granted": true, "handoff": res.Handoff, "displaced": res.Holder})
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decodeBody(r, &req); err != nil {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if req.ControllerClientID == "" {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "controllerClientId is required"})
		return
	}

	switch err := h.manager.Release(req.ControllerClientID); {
	case errors.Is(err, ErrNotHolder):
		httpserver.WriteJSON(w, http.StatusForbidden, map[string]any{"error": "not the lease holder"})
	case err != nil:
		h.log.Error("lease release failed", "controller", req.ControllerClientID, "err", err)
		httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "lease store unavailable"})
	default:
		h.log.Info("lease released", "controller", req.ControllerClientID)
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{"released": true})
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}
