// Package api is the HTTP surface: event ingress, subscription admin,
// parked-event resolution, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/arosenfeld2003/fanout/internal/admin"
	"github.com/arosenfeld2003/fanout/internal/delivery"
	"github.com/arosenfeld2003/fanout/internal/metrics"
	"github.com/arosenfeld2003/fanout/internal/store"
)

// MaxEventSize bounds a published payload.
const MaxEventSize = 1 << 20

// Publisher sends an event to the broker.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, contentType string) error
}

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Server wires handlers to their services.
type Server struct {
	publisher Publisher
	subs      *admin.Subscriptions
	failed    *admin.FailedEvents
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	checks    map[string]Check
	log       zerolog.Logger
}

// Options carries the Server's collaborators.
type Options struct {
	Publisher     Publisher
	Subscriptions *admin.Subscriptions
	FailedEvents  *admin.FailedEvents
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
	Checks        map[string]Check
	Logger        zerolog.Logger
}

// New returns a Server.
func New(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}
	return &Server{
		publisher: opts.Publisher,
		subs:      opts.Subscriptions,
		failed:    opts.FailedEvents,
		metrics:   opts.Metrics,
		gatherer:  opts.Gatherer,
		checks:    opts.Checks,
		log:       opts.Logger,
	}
}

// Router returns the routes with request metrics applied.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(metrics.Middleware(s.metrics, routeTemplate))

	router.HandleFunc("/api/events", s.publishEvent).Methods(http.MethodPost)
	router.HandleFunc("/api/subscriptions", s.declareSubscription).Methods(http.MethodPost)
	router.HandleFunc("/api/subscriptions", s.listSubscriptions).Methods(http.MethodGet)
	router.HandleFunc("/api/subscriptions/{name}", s.retireSubscription).Methods(http.MethodDelete)
	router.HandleFunc("/api/failed-events/{name}", s.collectFailedEvents).Methods(http.MethodGet)
	router.HandleFunc("/api/failed-events/{id}", s.resolveFailedEvent).Methods(http.MethodPost)
	router.HandleFunc("/healthcheck", s.healthcheck).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler(s.gatherer)).Methods(http.MethodGet)
	return router
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("type")
	if eventType == "" {
		writeError(w, http.StatusBadRequest, "query parameter type is required")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxEventSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if err := s.publisher.Publish(r.Context(), eventType, payload, r.Header.Get("Content-Type")); err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Msg("publish failed")
		writeError(w, http.StatusServiceUnavailable, "event not accepted")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) declareSubscription(w http.ResponseWriter, r *http.Request) {
	var req admin.DeclareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, _, err := s.subs.Declare(r.Context(), req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.subs.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) retireSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.subs.Retire(r.Context(), mux.Vars(r)["name"]); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) collectFailedEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.failed.Collect(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []store.FailedEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) resolveFailedEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	resolution := admin.Resolution(r.URL.Query().Get("resolution"))
	if err := s.failed.Resolve(r.Context(), id, resolution); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HealthStatus is the healthcheck response.
type HealthStatus struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

func (s *Server) healthcheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := HealthStatus{Status: "healthy", Timestamp: time.Now().UTC(), Dependencies: map[string]string{}}
	code := http.StatusOK
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status.Dependencies[name] = err.Error()
			status.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		status.Dependencies[name] = "healthy"
	}
	writeJSON(w, code, status)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var (
		verrs  validation.Errors
		status *delivery.StatusError
	)
	switch {
	case errors.As(err, &verrs):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "validation failed", "fields": verrs})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrAlreadyResolved), errors.Is(err, admin.ErrInactive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, admin.ErrUnknownResolution):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &status):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
