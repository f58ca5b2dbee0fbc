// Package api implements the ops HTTP server: health and version
// probes, the subscription hook a billing system calls, and a few
// admin endpoints for driving the agent without Telegram.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/khairulanwarjo/gestella/internal/buildinfo"
	"github.com/khairulanwarjo/gestella/internal/connwatch"
	"github.com/khairulanwarjo/gestella/internal/gatekeeper"
	"github.com/khairulanwarjo/gestella/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Subscriptions is the users-store surface the billing hook needs.
type Subscriptions interface {
	SetSubscription(ctx context.Context, userID string, status gatekeeper.Status) error
	IsActive(ctx context.Context, userID string) (bool, error)
}

// Responder runs one agent turn. *agent.Loop implements it.
type Responder interface {
	Respond(ctx context.Context, threadKey, userID, text string) string
}

// UsageReporter summarizes recorded token usage. *usage.Store
// implements it.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ServiceStatuses reports the health of watched remote dependencies.
type ServiceStatuses interface {
	Status() map[string]connwatch.ServiceStatus
}

// Config holds the dependencies for a Server. Nil optional fields
// disable the routes that need them.
type Config struct {
	Address    string
	Port       int
	AdminToken string

	Users Subscriptions
	Agent Responder
	Usage UsageReporter
	// AllowAll skips the subscription check on /v1/chat, matching
	// gatekeeper.allow_all.
	AllowAll bool
	// DB is checked by /healthz.
	DB Pinger
	// Services, if set, adds remote dependency status to /healthz.
	Services ServiceStatuses
	Location *time.Location
	Logger   *slog.Logger
}

// Server is the ops HTTP server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Server{cfg: cfg, logger: logger.With("component", "api")}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/healthz", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Put("/v1/users/{id}/subscription", s.handleSetSubscription)
		r.Post("/v1/chat", s.handleChat)
		r.Get("/v1/usage", s.handleUsage)
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      6 * time.Minute, // /v1/chat waits on the agent
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port)

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// requireAdmin checks the bearer token. With no token configured the
// admin routes are unavailable.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			s.errorResponse(w, http.StatusServiceUnavailable, "admin token not configured")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="gestella"`)
			s.errorResponse(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

type healthResponse struct {
	Status   string                             `json:"status"`
	Error    string                             `json:"error,omitempty"`
	Services map[string]connwatch.ServiceStatus `json:"services,omitempty"`
}

// handleHealth fails only when the local database is unreachable. A
// remote dependency that is down reports "degraded" with a 200, since
// the process itself can still answer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.cfg.DB.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{
				Status: "unhealthy",
				Error:  err.Error(),
			}, s.logger)
			return
		}
	}

	resp := healthResponse{Status: "healthy"}
	if s.cfg.Services != nil {
		resp.Services = s.cfg.Services.Status()
		for _, svc := range resp.Services {
			if !svc.Ready {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

type subscriptionRequest struct {
	Status string `json:"status"`
}

type subscriptionResponse struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

func (s *Server) handleSetSubscription(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Users == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "user store not configured")
		return
	}
	userID := chi.URLParam(r, "id")
	if strings.TrimSpace(userID) == "" {
		s.errorResponse(w, http.StatusBadRequest, "user id is required")
		return
	}

	var req subscriptionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status, err := gatekeeper.ParseStatus(req.Status)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.cfg.Users.SetSubscription(r.Context(), userID, status); err != nil {
		s.logger.Error("subscription update failed", "user_id", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "subscription update failed")
		return
	}

	s.logger.Info("subscription updated", "user_id", userID, "status", status)
	writeJSON(w, http.StatusOK, subscriptionResponse{UserID: userID, Status: string(status)}, s.logger)
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	UserID    string `json:"user_id"`
	ThreadKey string `json:"thread_key,omitempty"`
}

// ChatResponse is the reply of POST /v1/chat.
type ChatResponse struct {
	Response  string `json:"response"`
	ThreadKey string `json:"thread_key"`
}

// handleChat runs a turn without a Google credential; calendar tools
// report lost access.
// apiThreadPrefix keeps API conversations apart from Telegram threads,
// which are keyed by bare chat id.
const apiThreadPrefix = "api-"

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Agent == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "agent not configured")
		return
	}
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" || req.UserID == "" {
		s.errorResponse(w, http.StatusBadRequest, "message and user_id are required")
		return
	}
	if req.ThreadKey == "" {
		req.ThreadKey = apiThreadPrefix + req.UserID
	}
	if !strings.HasPrefix(req.ThreadKey, apiThreadPrefix) {
		s.errorResponse(w, http.StatusBadRequest, "thread_key must start with "+apiThreadPrefix)
		return
	}
	if !s.cfg.AllowAll {
		if s.cfg.Users == nil {
			s.errorResponse(w, http.StatusServiceUnavailable, "user store not configured")
			return
		}
		active, err := s.cfg.Users.IsActive(r.Context(), req.UserID)
		if err != nil {
			s.logger.Error("subscription lookup failed", "user_id", req.UserID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "subscription lookup failed")
			return
		}
		if !active {
			s.errorResponse(w, http.StatusForbidden, "subscription inactive")
			return
		}
	}

	reply := s.cfg.Agent.Respond(r.Context(), req.ThreadKey, req.UserID, req.Message)
	writeJSON(w, http.StatusOK, ChatResponse{Response: reply, ThreadKey: req.ThreadKey}, s.logger)
}

// UsageResponse is the reply of GET /v1/usage.
type UsageResponse struct {
	Day          string  `json:"day"`
	Records      int     `json:"records"`
	Turns        int     `json:"turns"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// handleUsage reports one day's totals. ?day=YYYY-MM-DD selects the
// day; the default is today.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage store not configured")
		return
	}
	day := time.Now().In(s.cfg.Location)
	if q := r.URL.Query().Get("day"); q != "" {
		parsed, err := time.ParseInLocation(time.DateOnly, q, s.cfg.Location)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	start, end := usage.DayBounds(day, s.cfg.Location)

	sum, err := s.cfg.Usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{
		Day:          start.Format(time.DateOnly),
		Records:      sum.TotalRecords,
		Turns:        sum.TotalTurns,
		InputTokens:  sum.TotalInputTokens,
		OutputTokens: sum.TotalOutputTokens,
		CostUSD:      sum.TotalCostUSD,
	}, s.logger)
}
