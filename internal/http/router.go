// Package httpx exposes the release orchestrator over HTTP.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/shipyard/internal/policy"
	"github.com/splax/shipyard/internal/service/infra"
	"github.com/splax/shipyard/internal/service/logs"
	"github.com/splax/shipyard/internal/service/release"
)

// Services are the application services the router dispatches to.
type Services struct {
	Releases release.Service
	Infra    infra.Service
	Policy   policy.Gate
	Logs     logs.Service
}

// Config carries router settings.
type Config struct {
	JWTSecret string
	Limiter   RateLimiter
	// RateLimits are the per-operator budgets by request class. Zero value selects DefaultRateLimits.
	RateLimits RateLimits
	DBHealth   func(context.Context) error
	// Registry receives the HTTP collectors and backs /metrics. Nil selects the default registry.
	Registry *prometheus.Registry
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	releases  release.Service
	infra     infra.Service
	gate      policy.Gate
	logs      logs.Service
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	limits    RateLimits
	jwtSecret string
	dbHealth  func(context.Context) error
	gatherer  prometheus.Gatherer
	heartbeat time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	streamBacklog      = 1000
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, services Services, cfg Config) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		releases: services.Releases,
		infra:    services.Infra,
		gate:     services.Policy,
		logs:     services.Logs,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   cfg.Limiter,
		limits:    cfg.RateLimits,
		jwtSecret: cfg.JWTSecret,
		dbHealth:  cfg.DBHealth,
		heartbeat: sseHeartbeat,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.limits == (RateLimits{}) {
		r.limits = DefaultRateLimits()
	}
	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	r.gatherer = prometheus.DefaultGatherer
	if cfg.Registry != nil {
		reg = cfg.Registry
		r.gatherer = cfg.Registry
	}
	r.initMetrics(reg)
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.HandleFunc("/metrics", r.audit("metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}).ServeHTTP))
	r.mux.HandleFunc("/environments", r.audit("environments", r.handlerAuthRate("environments", r.handleEnvironments)))
	r.mux.HandleFunc("/projects", r.audit("projects", r.handlerAuthRate("projects", r.handleProjects)))
	r.mux.HandleFunc("/releases", r.audit("releases", r.handlerAuthRate("releases", r.handleReleases)))
	r.mux.HandleFunc("/releases/run", r.audit("releases_run", r.handlerAuthRate("releases_run", r.handleRunRelease)))
	r.mux.HandleFunc("/releases/", r.audit("release", r.handlerAuthRate("release", r.handleReleaseSubroutes)))
	r.mux.HandleFunc("/infra/", r.audit("infra", r.handlerAuthRate("infra", r.handleInfra)))
	r.mux.HandleFunc("/policy/check", r.audit("policy_check", r.handlerAuthRate("policy_check", r.handlePolicyCheck)))
	r.mux.HandleFunc("/ws/releases", r.audit("ws_releases", r.handlerAuthRate("ws_releases", r.handleReleasesWS)))
}

func (r *Router) handleEnvironments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.releases.ListEnvironments())
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.releases.ListProjects())
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// decodeBody decodes an optional JSON body into dst. An empty body leaves dst untouched.
func decodeBody(req *http.Request, dst any) error {
	if req.Body == nil {
		return nil
	}
	err := json.NewDecoder(req.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryInt(req *http.Request, key string) int {
	value, err := strconv.Atoi(req.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return value
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = info.Role
			fields = append(fields, "operator", info.Operator)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
