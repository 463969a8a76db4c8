package httpx

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/plan"
)

// RateLimiter counts requests per key within a fixed window.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// rateRule is a route family's base budget; authenticated callers get it
// scaled by their plan.
type rateRule struct {
	name   string
	limit  int
	window time.Duration
}

var (
	ruleRead     = rateRule{name: "read", limit: 120, window: time.Minute}
	ruleWrite    = rateRule{name: "write", limit: 60, window: time.Minute}
	ruleChat     = rateRule{name: "chat", limit: 30, window: time.Minute}
	ruleRealtime = rateRule{name: "realtime", limit: 30, window: 30 * time.Second}
	ruleWebhook  = rateRule{name: "webhook", limit: 300, window: time.Minute}
	ruleHealth   = rateRule{name: "health", limit: 120, window: time.Minute}
)

func planRateScale(p plan.Plan) int {
	switch p {
	case plan.Enterprise:
		return 4
	case plan.Pro, plan.Team:
		return 2
	default:
		return 1
	}
}

// key scopes a caller's bucket to the rule so route families never share
// a budget.
func (rule rateRule) key(kind, id string) string {
	return rule.name + ":" + kind + ":" + id
}

// limitByIP applies rule to anonymous routes.
func (r *Router) limitByIP(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.enforce(w, req, rule.name, rule.key("ip", clientIP(req)), rule.limit, rule.window, next)
	}
}

// limitByUser applies rule after authentication, keyed by user id and
// scaled by plan. Must run inside requireAuth.
func (r *Router) limitByUser(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		info, ok := authInfoFromContext(req.Context())
		if !ok || info.UserID == "" {
			r.enforce(w, req, rule.name, rule.key("ip", clientIP(req)), rule.limit, rule.window, next)
			return
		}
		limit := rule.limit * planRateScale(info.User.Plan)
		r.enforce(w, req, rule.name, rule.key("user", info.UserID), limit, rule.window, next)
	}
}

func (r *Router) authed(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.limitByUser(rule, next))
}

func (r *Router) enforce(w http.ResponseWriter, req *http.Request, route, key string, limit int, window time.Duration, next http.HandlerFunc) {
	if limit <= 0 || r.limiter == nil {
		next(w, req)
		return
	}
	decision := r.limiter.Allow(key, limit, window)
	r.applyRateHeaders(w, limit, decision)
	if decision.allowed {
		next(w, req)
		return
	}
	if wait := time.Until(decision.windowEnd); wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}
	r.recordRateLimitHit(route, keyKind(key))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	remaining := limit - decision.count
	if remaining < 0 || !decision.allowed {
		remaining = 0
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// keyKind returns the caller kind of a "<rule>:<kind>:<id>" key, keeping
// the metric label cardinality bounded.
func keyKind(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) == 3 && parts[1] != "" {
		return parts[1]
	}
	return "unknown"
}
