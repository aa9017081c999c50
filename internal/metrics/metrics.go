// Package metrics provides Prometheus metrics for the authorization server.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/oauth2-engine/internal/oauth"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oauth_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Authentication metrics
	authFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_authentication_failures_total",
			Help: "Total number of failed client or user authentications",
		},
		[]string{"subject", "grant_type"}, // subject: "client", "user"
	)

	// Token metrics
	tokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_tokens_issued_total",
			Help: "Total number of tokens issued",
		},
		[]string{"type", "grant_type"}, // type: "access", "refresh", "auth_code", "device_code"
	)

	tokenIntrospectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_token_introspections_total",
			Help: "Total number of token introspection requests",
		},
		[]string{"active"},
	)

	tokenRevocationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oauth_token_revocations_total",
			Help: "Total number of token revocations",
		},
	)

	refreshTokenReuseTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oauth_refresh_token_reuse_total",
			Help: "Total number of revoked refresh tokens presented again",
		},
	)

	// Rate limiting metrics
	rateLimitExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_rate_limit_exceeded_total",
			Help: "Total number of rate limit exceeded events",
		},
		[]string{"endpoint"},
	)

	// Account lockout metrics
	accountLockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oauth_account_lockouts_total",
			Help: "Total number of account lockouts",
		},
	)
)

// Listener records engine events as Prometheus metrics.
type Listener struct{}

// NewListener returns an oauth.Listener backed by the package metrics.
func NewListener() Listener {
	return Listener{}
}

// Handle implements oauth.Listener.
func (Listener) Handle(_ context.Context, e oauth.Event) {
	switch e.Type {
	case oauth.EventClientAuthenticationFailed:
		authFailuresTotal.WithLabelValues("client", e.GrantType).Inc()
	case oauth.EventUserAuthenticationFailed:
		authFailuresTotal.WithLabelValues("user", e.GrantType).Inc()
	case oauth.EventAccessTokenIssued:
		RecordTokenIssued("access", e.GrantType)
	case oauth.EventRefreshTokenIssued:
		RecordTokenIssued("refresh", e.GrantType)
	case oauth.EventAuthCodeIssued:
		RecordTokenIssued("auth_code", e.GrantType)
	case oauth.EventDeviceCodeIssued:
		RecordTokenIssued("device_code", e.GrantType)
	case oauth.EventRefreshTokenReuse:
		refreshTokenReuseTotal.Inc()
	case oauth.EventTokenRevoked:
		tokenRevocationsTotal.Inc()
	case oauth.EventTokenIntrospected:
		tokenIntrospectionsTotal.WithLabelValues(strconv.FormatBool(e.Active)).Inc()
	}
}

// RecordTokenIssued records a token being issued.
func RecordTokenIssued(tokenType, grantType string) {
	tokensIssuedTotal.WithLabelValues(tokenType, grantType).Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event.
func RecordRateLimitExceeded(endpoint string) {
	rateLimitExceededTotal.WithLabelValues(endpoint).Inc()
}

// RecordAccountLockout records an account lockout.
func RecordAccountLockout() {
	accountLockoutsTotal.Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := normalizePath(r.URL.Path)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

var knownPaths = map[string]bool{
	"/healthz":               true,
	"/readyz":                true,
	"/metrics":               true,
	"/authorize":             true,
	"/token":                 true,
	"/device_authorization":  true,
	"/device/verify":         true,
	"/introspect":            true,
	"/revoke":                true,
	"/me":                    true,
	"/jwks":                  true,
	"/.well-known/jwks.json": true,
	"/.well-known/oauth-authorization-server": true,
}

// normalizePath collapses unknown paths to keep label cardinality bounded.
func normalizePath(path string) string {
	if knownPaths[path] {
		return path
	}
	return "/other"
}
