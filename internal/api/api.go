// Package api exposes the session controller over HTTP: a JSON control
// surface for starting and stopping the tutor call, a websocket that streams
// status updates, recording downloads, and the health and metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/tutorcall/internal/call"
	"github.com/MrWong99/tutorcall/internal/health"
	"github.com/MrWong99/tutorcall/internal/observe"
	"github.com/MrWong99/tutorcall/internal/tutor"
	"github.com/MrWong99/tutorcall/pkg/artifact"
)

// Controller is the subset of [call.Controller] the API drives.
type Controller interface {
	Connect(ctx context.Context, lang tutor.Language, persona tutor.Persona) error
	Disconnect() error
	Status() call.Status
	Subscribe() (<-chan call.Status, func())
}

// Defaults supplies the selection used when a request leaves a field empty.
type Defaults struct {
	Language string
	Persona  string
}

// Options configures a [Server].
type Options struct {
	Controller Controller

	// Catalog returns the current catalog. It is called per request so a
	// reloaded config takes effect immediately.
	Catalog func() tutor.Catalog

	// Defaults returns the current default selection. Nil means none.
	Defaults func() Defaults

	// Store serves recordings. Nil disables /v1/recordings.
	Store artifact.Store

	// Health provides /healthz and /readyz. Nil installs a handler with no
	// readiness checks.
	Health *health.Handler

	// Metrics records HTTP latencies. Nil selects [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// AllowedOrigins configures CORS and websocket origin checks. Empty
	// allows any origin.
	AllowedOrigins []string
}

// Server routes HTTP requests to the controller.
type Server struct {
	opts Options
}

// New returns a server for opts. Controller and Catalog are required.
func New(opts Options) (*Server, error) {
	if opts.Controller == nil {
		return nil, errors.New("api: controller is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("api: catalog is required")
	}
	if opts.Defaults == nil {
		opts.Defaults = func() Defaults { return Defaults{} }
	}
	if opts.Health == nil {
		opts.Health = health.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	return &Server{opts: opts}, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe.Middleware(s.opts.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{"X-Correlation-ID"},
		MaxAge:         300,
	}))

	s.opts.Health.Register(r)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/catalog", s.getCatalog)
		r.Get("/status", s.getStatus)
		r.Get("/status/stream", s.streamStatus)
		r.Post("/session", s.startSession)
		r.Delete("/session", s.stopSession)
		if s.opts.Store != nil {
			r.Get("/recordings/{id}", s.getRecording)
		}
	})
	return r
}

// StartRequest is the body of POST /v1/session. Empty fields fall back to the
// configured defaults; an empty persona then falls back to the language's
// default voice.
type StartRequest struct {
	Language string `json:"language"`
	Persona  string `json:"persona"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) getCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Catalog())
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Controller.Status())
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
	}
	def := s.opts.Defaults()
	if req.Language == "" {
		req.Language = def.Language
		if req.Persona == "" {
			req.Persona = def.Persona
		}
	}
	if req.Language == "" {
		writeError(w, http.StatusBadRequest, errors.New("language is required"))
		return
	}

	lang, persona, err := s.opts.Catalog().Resolve(req.Language, req.Persona)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.opts.Controller.Connect(r.Context(), lang, persona); err != nil {
		observe.Logger(r.Context()).Warn("session start failed", "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Controller.Status())
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Controller.Disconnect(); err != nil {
		// Teardown problems do not keep the session alive; report and move on.
		observe.Logger(r.Context()).Warn("session teardown reported errors", "err", err)
	}
	writeJSON(w, http.StatusOK, s.opts.Controller.Status())
}

func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.opts.AllowedOrigins) == 0 {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = s.opts.AllowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		// Accept already wrote the HTTP error.
		return
	}
	defer conn.CloseNow()

	updates, cancel := s.opts.Controller.Subscribe()
	defer cancel()

	// The stream is one-way; CloseRead handles control frames and cancels
	// ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	log := observe.Logger(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "controller closed")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, conn, st)
			wcancel()
			if err != nil {
				log.Debug("status stream closed", "err", err)
				return
			}
		}
	}
}

func (s *Server) getRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, rc, err := s.opts.Store.Get(r.Context(), id)
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", a.MIMEType)
	if a.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.wav"`, a.ID))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Debug("recording download interrupted", "id", id, "err", err)
	}
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	var perm *call.PermissionError
	var te *call.TransportError
	switch {
	case errors.Is(err, call.ErrSessionActive), errors.Is(err, call.ErrAborted):
		return http.StatusConflict
	case errors.Is(err, tutor.ErrInvalidSelection):
		return http.StatusBadRequest
	case errors.As(err, &perm):
		return http.StatusFailedDependency
	case errors.Is(err, call.ErrSetupTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &te):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
