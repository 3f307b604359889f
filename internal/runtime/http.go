package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/loqalabs/loqa-speak/internal/buffer"
	"github.com/loqalabs/loqa-speak/internal/protocol"
)

type textRequest struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

type routerDeps struct {
	control            *buffer.Control
	metrics            http.Handler
	corsAllowedOrigins string
	health             func() bool
	ready              func() bool
	logger             *slog.Logger
}

func newRouter(deps routerDeps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.logger))

	allowedOrigins := []string{"*"}
	if deps.corsAllowedOrigins != "" {
		var trimmed []string
		for _, o := range strings.Split(deps.corsAllowedOrigins, ",") {
			if s := strings.TrimSpace(o); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			allowedOrigins = trimmed
		}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", probe(deps.health, "ok", "unhealthy"))
	r.Get("/readyz", probe(deps.ready, "ready", "not ready"))
	if deps.metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.metrics)
	}

	if deps.control != nil {
		h := &responseHandler{control: deps.control}
		r.Route("/v1/response", func(r chi.Router) {
			r.Get("/", h.status)
			r.Post("/text", h.submitText)
			r.Post("/save", h.save)
			r.Post("/reset", h.reset)
		})
	}
	return r
}

func probe(check func() bool, okBody, failBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if check == nil || check() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(okBody))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(failBody))
	}
}

type responseHandler struct {
	control *buffer.Control
}

func (h *responseHandler) status(w http.ResponseWriter, r *http.Request) {
	status, err := h.control.Status(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (h *responseHandler) submitText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := h.control.SubmitText(r.Context(), req.ID, req.Text); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, protocol.Ack{Status: protocol.StatusAccepted})
}

func (h *responseHandler) save(w http.ResponseWriter, r *http.Request) {
	result, err := h.control.Save(r.Context())
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, result)
	case errors.Is(err, buffer.ErrNotReady):
		respondJSON(w, http.StatusConflict, result)
	case errors.Is(err, buffer.ErrNoAudio):
		respondJSON(w, http.StatusUnprocessableEntity, result)
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *responseHandler) reset(w http.ResponseWriter, r *http.Request) {
	_ = h.control.Reset(r.Context())
	respondJSON(w, http.StatusOK, protocol.Ack{Status: protocol.StatusAccepted})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, protocol.Ack{Status: protocol.StatusError, Message: message})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("latency", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
