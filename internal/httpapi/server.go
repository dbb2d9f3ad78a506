package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/tracksync/internal/resilience"
	"github.com/agentworkforce/tracksync/internal/tracksync"
)

// SyncService is the orchestrator surface the API drives.
type SyncService interface {
	SyncEntity(ctx context.Context, entityID string, strategy tracksync.Strategy) (tracksync.SyncResult, error)
	CircuitStatus(key string) (resilience.CircuitBreakerState, error)
}

type CircuitLister interface {
	All() ([]resilience.CircuitBreakerState, error)
}

type StatsService interface {
	Get(key string) resilience.RetryStats
	All() []resilience.RetryStats
	Reset(key string) error
}

type Deps struct {
	Sync      SyncService
	Circuits  CircuitLister
	Stats     StatsService
	Deferrals tracksync.DeferralLog
	Events    *EventHub
	Logger    tracksync.Logger
}

type ServerConfig struct {
	JWTSecret       string
	DefaultStrategy tracksync.Strategy
	SyncTimeout     time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
}

type Server struct {
	deps        Deps
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Deps) *Server {
	return NewServerWithConfig(deps, ServerConfig{})
}

func NewServerWithConfig(deps Deps, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = tracksync.StrategyMerge
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 2 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{deps: deps, cfg: cfg, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope, route string
	switch {
	case len(parts) == 2 && parts[1] == "circuits" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "circuits"
	case len(parts) == 3 && parts[1] == "circuits" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "circuit"
	case len(parts) == 2 && parts[1] == "stats" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "stats"
	case len(parts) == 2 && parts[1] == "stats" && r.Method == http.MethodDelete:
		requiredScope, route = scopeTrigger, "stats_reset"
	case len(parts) == 4 && parts[1] == "entities" && parts[3] == "sync" && r.Method == http.MethodPost:
		requiredScope, route = scopeTrigger, "sync"
	case len(parts) == 2 && parts[1] == "conflicts" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "conflicts"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "events" {
		// Browsers cannot set headers on a websocket handshake.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" && (r.Method == http.MethodPost || r.Method == http.MethodDelete) {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "circuits":
		s.handleCircuits(w, correlationID)
	case "circuit":
		s.handleCircuit(w, parts[2], correlationID)
	case "stats":
		s.handleStats(w, r, correlationID)
	case "stats_reset":
		s.handleStatsReset(w, r, correlationID)
	case "sync":
		s.handleSync(w, r, parts[2], correlationID)
	case "conflicts":
		s.handleConflicts(w, correlationID)
	case "events":
		s.handleEvents(w, r, correlationID)
	}
}

func (s *Server) handleCircuits(w http.ResponseWriter, correlationID string) {
	if s.deps.Circuits == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "breaker store cannot list circuits", correlationID)
		return
	}
	states, err := s.deps.Circuits.All()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"circuits": states})
}

func (s *Server) handleCircuit(w http.ResponseWriter, key, correlationID string) {
	state, err := s.deps.Sync.CircuitStatus(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "retry stats are not enabled", correlationID)
		return
	}
	if key := strings.TrimSpace(r.URL.Query().Get("key")); key != "" {
		writeJSON(w, http.StatusOK, s.deps.Stats.Get(key))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": s.deps.Stats.All()})
}

func (s *Server) handleStatsReset(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "retry stats are not enabled", correlationID)
		return
	}
	if err := s.deps.Stats.Reset(strings.TrimSpace(r.URL.Query().Get("key"))); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, entityID, correlationID string) {
	strategy := s.cfg.DefaultStrategy
	if raw := strings.TrimSpace(r.URL.Query().Get("strategy")); raw != "" {
		parsed, err := tracksync.ParseStrategy(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		strategy = parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SyncTimeout)
	defer cancel()

	result, err := s.deps.Sync.SyncEntity(ctx, entityID, strategy)
	if err == nil {
		writeJSON(w, http.StatusOK, result)
		return
	}
	s.logf("sync %s failed (correlation %s): %v", entityID, correlationID, err)

	status, code := http.StatusBadGateway, "sync_failed"
	var open *resilience.CircuitOpenError
	switch {
	case errors.Is(err, tracksync.ErrConflictUnresolved):
		writeJSON(w, http.StatusAccepted, result)
		return
	case errors.Is(err, tracksync.ErrInvalidInput):
		status, code = http.StatusBadRequest, "bad_request"
	case errors.Is(err, tracksync.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.As(err, &open):
		status, code = http.StatusServiceUnavailable, "circuit_open"
		if !open.RetryAt.IsZero() {
			seconds := int(math.Ceil(time.Until(open.RetryAt).Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
	}
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       err.Error(),
		"correlationId": correlationID,
		"result":        result,
	})
}

func (s *Server) handleConflicts(w http.ResponseWriter, correlationID string) {
	if s.deps.Deferrals == nil {
		writeJSON(w, http.StatusOK, map[string]any{"conflicts": []tracksync.Deferral{}})
		return
	}
	items, err := s.deps.Deferrals.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if items == nil {
		items = []tracksync.Deferral{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": items})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Events == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "event stream is not enabled", correlationID)
		return
	}
	s.deps.Events.serve(w, r)
}

func (s *Server) logf(format string, args ...any) {
	if s.deps.Logger != nil {
		s.deps.Logger.Printf(format, args...)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
