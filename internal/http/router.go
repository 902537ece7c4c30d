package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"ai-transcript-render-service/internal/app"
	"ai-transcript-render-service/internal/observability/logging"
	"ai-transcript-render-service/internal/observability/metrics"
	"ai-transcript-render-service/internal/service/render"
	"ai-transcript-render-service/internal/service/session"
)

// PublisherIDHeader identifies the publisher of a posted message.
const PublisherIDHeader = "X-Publisher-Id"

type presentationRequest struct {
	PresentationMs *int64 `json:"presentationMs"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type enableRequest struct {
	Enabled *bool `json:"enabled"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application) http.Handler {
	r := chi.NewRouter()
	h := &handlers{
		app:    application,
		logger: logging.WithComponent("http"),
	}

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument(application.Metrics))

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !application.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", h.postMessage)
		r.Post("/presentation", h.postPresentation)
		r.Route("/control", func(r chi.Router) {
			r.Post("/enable", h.postEnable)
			r.Post("/mode", h.postMode)
			r.Post("/reset", h.postReset)
		})
		r.Get("/transcripts", h.getTranscripts)
		r.Get("/transcripts/ws", application.Hub.ServeHTTP)
		r.Get("/state", h.getState)
	})

	return r
}

type handlers struct {
	app    *app.Application
	logger zerolog.Logger
}

func (h *handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	limit := int64(h.app.Cfg.Ingest.MaxPayloadBytes)
	var body io.Reader = r.Body
	if limit > 0 {
		// One extra byte lets the session see the payload is too large.
		body = io.LimitReader(r.Body, limit+1)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	publisherID := r.Header.Get(PublisherIDHeader)
	err = h.app.HandlePayload(r.Context(), publisherID, payload)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, session.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err)
	case errors.Is(err, session.ErrEmptyPayload), errors.Is(err, session.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, session.ErrReleased):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		h.logger.Error().Err(err).Str("publisherId", publisherID).Msg("Message rejected")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *handlers) postPresentation(w http.ResponseWriter, r *http.Request) {
	var req presentationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PresentationMs == nil {
		writeError(w, http.StatusBadRequest, errors.New("presentationMs is required"))
		return
	}
	h.app.Session.UpdatePresentation(*req.PresentationMs)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) postEnable(w http.ResponseWriter, r *http.Request) {
	var req enableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New("enabled is required"))
		return
	}
	h.app.Session.Enable(*req.Enabled)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) postMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mode, err := render.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err = h.app.Session.ForceMode(mode)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, render.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, session.ErrReleased):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *handlers) postReset(w http.ResponseWriter, _ *http.Request) {
	if err := h.app.Session.Reset(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) getTranscripts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.app.History.Snapshot())
}

func (h *handlers) getState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": h.app.Session.ID(),
		"released":  h.app.Session.Released(),
		"engine":    h.app.Session.State(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

// instrument counts requests by route pattern and status class.
func instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			code := ww.Status()
			if code == 0 {
				code = http.StatusOK
			}
			m.RecordHTTPRequest(route, code)
		})
	}
}
