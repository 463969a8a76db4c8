package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	svc      Services
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	sseHeartbeat time.Duration

	metricsOnce        sync.Once
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	realtimeConns      *prometheus.GaugeVec
	metricsInitialized bool
}

const (
	healthCheckTimeout = 2 * time.Second
	sseRetryMillis     = 3000
	maxJSONBody        = 1 << 20
	maxWebhookBody     = 64 << 10
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc Services, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		svc:    svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      limiter,
		dbHealth:     dbHealth,
		sseHeartbeat: 15 * time.Second,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
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
	read := func(h http.HandlerFunc) http.HandlerFunc {
		return r.audit(r.authed(ruleRead, h))
	}
	write := func(h http.HandlerFunc) http.HandlerFunc {
		return r.audit(r.authed(ruleWrite, h))
	}

	r.mux.HandleFunc("GET /healthz", r.audit(r.handleHealthz))
	r.mux.Handle("GET /metrics", promhttp.Handler())
	r.mux.HandleFunc("GET /health/servers", r.audit(r.limitByIP(ruleHealth, r.handleServerHealth)))

	r.mux.HandleFunc("GET /me", read(r.handleMe))
	r.mux.HandleFunc("GET /usage", read(r.handleUsage))

	r.mux.HandleFunc("GET /sandboxes", read(r.handleListSandboxes))
	r.mux.HandleFunc("POST /sandboxes", write(r.handleCreateSandbox))
	r.mux.HandleFunc("GET /sandboxes/cleanup", read(r.handleListCleanup))
	r.mux.HandleFunc("POST /sandboxes/cleanup", write(r.handleCleanup))
	r.mux.HandleFunc("POST /sandboxes/delete", write(r.handleDeleteSelected))
	r.mux.HandleFunc("GET /sandboxes/{id}", read(r.handleGetSandbox))
	r.mux.HandleFunc("DELETE /sandboxes/{id}", write(r.handleDeleteSandbox))
	r.mux.HandleFunc("POST /sandboxes/{id}/start", write(r.handleStartSandbox))
	r.mux.HandleFunc("POST /sandboxes/{id}/stop", write(r.handleStopSandbox))
	r.mux.HandleFunc("POST /sandboxes/{id}/snapshot", write(r.handleSnapshot))
	r.mux.HandleFunc("POST /sandboxes/{id}/execute", write(r.handleExecute))
	r.mux.HandleFunc("GET /sandboxes/{id}/preview", read(r.handlePreview))
	r.mux.HandleFunc("GET /sandboxes/{id}/activity", read(r.handleActivity))
	r.mux.HandleFunc("GET /sandboxes/{id}/activity/stream", r.audit(r.authed(ruleRealtime, r.handleActivityStream)))

	r.mux.HandleFunc("POST /gpt/chat", r.audit(r.authed(ruleChat, r.handleChat)))
	r.mux.HandleFunc("POST /ai/assist", r.audit(r.authed(ruleChat, r.handleAssist)))
	r.mux.HandleFunc("GET /apps", read(r.handleListApps))
	r.mux.HandleFunc("POST /apps", write(r.handleDeployApp))
	r.mux.HandleFunc("DELETE /apps/{id}", write(r.handleDeleteApp))
	r.mux.HandleFunc("GET /apps/{id}/secrets", read(r.handleAppSecrets))
	r.mux.HandleFunc("GET /projects", read(r.handleListProjects))
	r.mux.HandleFunc("POST /projects", write(r.handleSaveProject))
	r.mux.HandleFunc("POST /projects/{id}/export", write(r.handleExportProject))
	r.mux.HandleFunc("POST /projects/{id}/deploy", write(r.handleDeployProject))

	r.mux.HandleFunc("GET /billing", read(r.handleBillingOverview))
	r.mux.HandleFunc("POST /billing/checkout", write(r.handleCheckout))
	r.mux.HandleFunc("POST /billing/portal", write(r.handlePortal))
	r.mux.HandleFunc("POST /billing/subscription", write(r.handleCreateSubscription))
	r.mux.HandleFunc("DELETE /billing/subscription", write(r.handleCancelSubscription))
	r.mux.HandleFunc("POST /webhooks/stripe", r.audit(r.limitByIP(ruleWebhook, r.handleStripeWebhook)))

	r.mux.HandleFunc("GET /ws/collaborate", r.audit(r.limitByIP(ruleRealtime, r.handleCollaborate)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
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

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
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
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
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
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		} else if strings.HasPrefix(req.URL.Path, "/webhooks/") {
			actor = "stripe"
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

// flushable reports whether the wrapped writer can stream.
func (sr *statusRecorder) flushable() bool {
	_, ok := sr.ResponseWriter.(http.Flusher)
	return ok
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(req.RemoteAddr)
	}
	if host == "" {
		return "unknown"
	}
	return host
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(w http.ResponseWriter, req *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxJSONBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid JSON body")
	return false
}

func queryInt(req *http.Request, name string, fallback int) int {
	value, err := strconv.Atoi(req.URL.Query().Get(name))
	if err != nil {
		return fallback
	}
	return value
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" not configured")
}
