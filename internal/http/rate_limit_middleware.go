package httpx

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimiter counts requests per key over fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// rateClass groups requests that draw from the same per-operator budget.
type rateClass string

const (
	// rateClassRead covers status, logs and catalog lookups.
	rateClassRead rateClass = "read"
	// rateClassWrite covers release creation, cancellation and dependency checks.
	rateClassWrite rateClass = "write"
	// rateClassExecute covers requests that start external side effects:
	// step execution and retry, release runs and infrastructure deploys.
	rateClassExecute rateClass = "execute"
	// rateClassStream covers long-lived log streams.
	rateClassStream rateClass = "stream"
)

// RateLimits is the per-operator request budget of each class. A zero limit
// disables limiting for that class.
type RateLimits struct {
	Read    int
	Write   int
	Execute int
	Stream  int
	Window  time.Duration
}

// DefaultRateLimits returns the budgets used when none are configured.
func DefaultRateLimits() RateLimits {
	return RateLimits{Read: 240, Write: 60, Execute: 20, Stream: 30, Window: time.Minute}
}

func (l RateLimits) budget(class rateClass) (int, time.Duration) {
	window := l.Window
	if window <= 0 {
		window = time.Minute
	}
	switch class {
	case rateClassExecute:
		return l.Execute, window
	case rateClassWrite:
		return l.Write, window
	case rateClassStream:
		return l.Stream, window
	default:
		return l.Read, window
	}
}

// classifyRequest maps a request onto its rate class from method and path.
func classifyRequest(req *http.Request) rateClass {
	path := strings.Trim(req.URL.Path, "/")
	parts := strings.Split(path, "/")
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		if parts[0] == "ws" || strings.HasSuffix(path, "/logs/stream") {
			return rateClassStream
		}
		return rateClassRead
	}
	switch {
	case path == "releases/run", path == "infra/deploy":
		return rateClassExecute
	case parts[0] == "releases" && len(parts) == 3 && parts[2] == "run":
		return rateClassExecute
	case parts[0] == "releases" && len(parts) >= 4 && parts[2] == "steps":
		return rateClassExecute
	default:
		return rateClassWrite
	}
}

// withRateLimit charges the request against the operator's budget for its
// class. Unauthenticated callers are keyed by client IP.
func (r *Router) withRateLimit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.limiter == nil {
			next(w, req)
			return
		}
		class := classifyRequest(req)
		limit, window := r.limits.budget(class)
		if limit <= 0 {
			next(w, req)
			return
		}
		key := rateLimitKey(req, class)
		decision := r.limiter.Allow(key, limit, window)
		applyRateHeaders(w, class, limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(route, string(class))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded for "+string(class)+" requests")
			return
		}
		next(w, req)
	}
}

func (r *Router) handlerAuthRate(route string, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withRateLimit(route, next))
}

func rateLimitKey(req *http.Request, class rateClass) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.Operator != "" {
		return "operator:" + info.Operator + ":" + string(class)
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host + ":" + string(class)
}

func applyRateHeaders(w http.ResponseWriter, class rateClass, limit int, decision rateDecision) {
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Class", string(class))
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}
