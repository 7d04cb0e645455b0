// Package handlers exposes the offline coordinator to the platform shell over
// a local HTTP API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prudhvinik1/offlinecore/internal/logging"
	"github.com/prudhvinik1/offlinecore/internal/models"
	"github.com/prudhvinik1/offlinecore/internal/services"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// Reporter accepts connectivity readings observed by the platform.
type Reporter interface {
	Report(state models.NetworkState)
}

type Handler struct {
	coordinator *services.OfflineCoordinator
	auth        *services.AuthService
	reporter    Reporter
	log         logrus.FieldLogger
}

func NewHandler(coordinator *services.OfflineCoordinator, auth *services.AuthService, reporter Reporter, log logrus.FieldLogger) *Handler {
	return &Handler{
		coordinator: coordinator,
		auth:        auth,
		reporter:    reporter,
		log:         logging.Component(log, "http"),
	}
}

// Routes mounts the API on r. Everything except /health needs a bearer token.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.health)

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(h.auth))

		r.Get("/connectivity", h.getConnectivity)
		r.Put("/connectivity", h.putConnectivity)
		r.Get("/connectivity/ws", h.stream)

		r.Get("/queue", h.listQueue)
		r.Post("/queue", h.enqueue)
		r.Post("/queue/drain", h.drain)

		r.Get("/cache/{key}", h.getCache)
		r.Put("/cache/{key}", h.putCache)

		r.Put("/session", h.startSession)
		r.Delete("/session", h.endSession)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type connectivityBody struct {
	IsConnected *bool `json:"isConnected"`
}

func (h *Handler) getConnectivity(w http.ResponseWriter, r *http.Request) {
	connected := h.coordinator.IsConnected()
	writeJSON(w, http.StatusOK, connectivityBody{IsConnected: &connected})
}

func (h *Handler) putConnectivity(w http.ResponseWriter, r *http.Request) {
	if h.reporter == nil {
		writeError(w, http.StatusNotImplemented, "connectivity is not reported manually")
		return
	}

	var body connectivityBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.reporter.Report(models.NetworkState{
		IsConnected: body.IsConnected,
		Type:        "reported",
		CheckedAt:   time.Now().UTC(),
	})

	connected := h.coordinator.IsConnected()
	writeJSON(w, http.StatusOK, connectivityBody{IsConnected: &connected})
}

func (h *Handler) listQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coordinator.PendingActions())
}

type enqueueRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var payload interface{}
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	action, err := h.coordinator.AddToQueue(r.Context(), req.Action, payload)
	switch {
	case errors.Is(err, services.ErrInvalidAction):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrQueueNotDurable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":  err.Error(),
			"action": action,
		})
	case err != nil:
		h.log.WithError(err).Error("failed to queue action")
		writeError(w, http.StatusInternalServerError, "failed to queue action")
	default:
		writeJSON(w, http.StatusAccepted, action)
	}
}

func (h *Handler) drain(w http.ResponseWriter, r *http.Request) {
	h.coordinator.Drain()
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) getCache(w http.ResponseWriter, r *http.Request) {
	data, ok := h.coordinator.GetCachedResponse(r.Context(), chi.URLParam(r, "key"))
	if !ok {
		writeError(w, http.StatusNotFound, "not cached")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) putCache(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body must be JSON")
		return
	}

	if err := h.coordinator.SaveCachedResponse(r.Context(), chi.URLParam(r, "key"), json.RawMessage(body)); err != nil {
		writeError(w, http.StatusServiceUnavailable, "failed to save cached response")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionRequest struct {
	AccountID uuid.UUID `json:"account_id"`
	DeviceID  uuid.UUID `json:"device_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	SessionID string    `json:"session_id"`
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.auth.StartSession(r.Context(), services.SessionRequest{
		AccountID: req.AccountID,
		DeviceID:  req.DeviceID,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		h.log.WithError(err).Warn("failed to start session")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     resp.Token,
		ExpiresAt: resp.ExpiresAt,
		SessionID: resp.SessionID,
	})
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.EndSession(r.Context()); err != nil {
		h.log.WithError(err).Error("failed to end session")
		writeError(w, http.StatusInternalServerError, "failed to end session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
