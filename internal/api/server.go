package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fractal/internal/admission"
	"fractal/internal/history"
	"fractal/internal/lifecycle"
	"fractal/internal/logging"
	"fractal/internal/services"
)

// Controller applies user actions to the lifecycle.
type Controller interface {
	Toggle(ctx context.Context) (lifecycle.Transition, lifecycle.Snapshot, error)
	Cancel(ctx context.Context) (bool, lifecycle.Snapshot)
	Store() *lifecycle.Store
}

// ConditionsReader exposes live device conditions and the admission verdict
// for one reading, without recording the decision.
type ConditionsReader interface {
	Preview(ctx context.Context) (admission.Conditions, admission.Decision, error)
}

// HistoryReader lists recorded sessions.
type HistoryReader interface {
	List(ctx context.Context, limit int) ([]history.Session, error)
}

// Options configures the HTTP server. Conditions and History are optional;
// their routes answer 503 when unset.
type Options struct {
	Bind       string
	Token      string
	Logger     *slog.Logger
	Controller Controller
	Conditions ConditionsReader
	History    HistoryReader
	// Metrics overrides the /metrics handler.
	Metrics        http.Handler
	DisableMetrics bool
}

const defaultHistoryLimit = 20

// Server serves the lifecycle API.
type Server struct {
	bind       string
	logger     *slog.Logger
	controller Controller
	conditions ConditionsReader
	history    HistoryReader

	router   *chi.Mux
	server   *http.Server
	listener net.Listener
}

// NewServer builds the router. It does not listen until Start.
func NewServer(opts Options) (*Server, error) {
	if opts.Controller == nil {
		return nil, services.Wrap(services.ErrConfiguration, "api", "new server", "controller required", nil)
	}
	metricsHandler := opts.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	s := &Server{
		bind:       strings.TrimSpace(opts.Bind),
		logger:     logging.NewComponentLogger(opts.Logger, "api"),
		controller: opts.Controller,
		conditions: opts.Conditions,
		history:    opts.History,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	if !opts.DisableMetrics {
		r.Handle("/metrics", metricsHandler)
	}
	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware(strings.TrimSpace(opts.Token)))
		r.Use(rateLimit(600, time.Minute))
		r.Get("/state", s.handleState)
		r.Get("/state/stream", s.handleStream)
		r.Get("/conditions", s.handleConditions)
		r.Get("/history", s.handleHistory)
		r.Group(func(r chi.Router) {
			r.Use(rateLimit(60, time.Minute))
			r.Post("/toggle", s.handleToggle)
			r.Post("/cancel", s.handleCancel)
		})
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	s.router = r

	s.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the bind address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.bind == "" {
		return services.Wrap(services.ErrConfiguration, "api", "listen", "empty bind address", nil)
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "api", "listen", s.bind, err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.ErrorWithContext(s.logger, "api server error", "api_serve_failed", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening",
		logging.String(logging.FieldEventType, "api_listening"),
		logging.String("address", listener.Addr().String()),
	)
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	tr, snap, err := s.controller.Toggle(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ToggleResponse{Transition: string(tr), State: FromSnapshot(snap)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled, snap := s.controller.Cancel(r.Context())
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: cancelled, State: FromSnapshot(snap)})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, FromSnapshot(s.controller.Store().Snapshot()))
}

// handleStream emits one "state" event per snapshot version. ?since=N skips
// versions the client has already seen.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if parsed, err := strconv.ParseUint(last, 10, 64); err == nil {
			since = parsed
		}
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Debug("stream flush unsupported", logging.Error(err))
		return
	}

	store := s.controller.Store()
	for {
		snap, err := store.Watch(r.Context(), since)
		if err != nil {
			return
		}
		since = snap.Version
		payload, err := json.Marshal(FromSnapshot(snap))
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: state\ndata: %s\n\n", snap.Version, payload); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) handleConditions(w http.ResponseWriter, r *http.Request) {
	if s.conditions == nil {
		writeError(w, http.StatusServiceUnavailable, "condition monitor not configured")
		return
	}
	cond, decision, err := s.conditions.Preview(r.Context())
	writeJSON(w, http.StatusOK, FromConditions(cond, err, decision))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history not configured")
		return
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	sessions, err := s.history.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := HistoryResponse{Sessions: make([]Session, 0, len(sessions))}
	for _, session := range sessions {
		resp.Sessions = append(resp.Sessions, FromSession(session))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := services.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		if strings.HasSuffix(r.URL.Path, "/stream") {
			// Long-lived; the wrapper would hide the write deadline from ResponseController.
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		logging.WithContext(ctx, s.logger).Debug("request completed",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", ww.Status()),
			logging.Duration("duration", time.Since(start)),
		)
	})
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}),
	)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
