package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Skotchmaster/deed_portal/internal/autherr"
)

// Auth holds the auth layer counters. A nil *Auth records nothing.
type Auth struct {
	TokensIssued  *prometheus.CounterVec
	Rotations     *prometheus.CounterVec
	Decisions     *prometheus.CounterVec
	OTP           *prometheus.CounterVec
	AuditDropped  prometheus.Counter
	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec
}

func NewAuth(reg prometheus.Registerer) *Auth {
	m := &Auth{
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_tokens_issued_total",
			Help: "Token pairs issued, by reason.",
		}, []string{"reason"}),
		Rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_refresh_rotations_total",
			Help: "Refresh token rotations, by outcome.",
		}, []string{"outcome"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_gate_decisions_total",
			Help: "Authorization gate decisions.",
		}, []string{"decision"}),
		OTP: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_otp_total",
			Help: "OTP requests and verifications, by purpose and outcome.",
		}, []string{"op", "purpose", "outcome"}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_audit_dropped_total",
			Help: "Audit events dropped because the buffer was full.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
	reg.MustRegister(m.TokensIssued, m.Rotations, m.Decisions, m.OTP, m.AuditDropped, m.HTTPRequests, m.HTTPDurations)
	return m
}

func (m *Auth) TokenIssued(reason string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(reason).Inc()
}

func (m *Auth) Rotation(err error) {
	if m == nil {
		return
	}
	m.Rotations.WithLabelValues(Outcome(err)).Inc()
}

func (m *Auth) Decision(decision string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(decision).Inc()
}

func (m *Auth) OTPResult(op, purpose string, err error) {
	if m == nil {
		return
	}
	m.OTP.WithLabelValues(op, purpose, Outcome(err)).Inc()
}

func (m *Auth) AuditDrop() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}

// Outcome collapses an auth error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case autherr.IsTokenInvalid(err):
		return "invalid"
	case errors.Is(err, autherr.ErrSessionRevoked):
		return "revoked"
	case errors.Is(err, autherr.ErrSessionNotFound), errors.Is(err, autherr.ErrPrincipalNotFound):
		return "not_found"
	case errors.Is(err, autherr.ErrOTPMismatch):
		return "mismatch"
	case errors.Is(err, autherr.ErrOTPExpired):
		return "expired"
	case errors.Is(err, autherr.ErrOTPNotFound):
		return "no_challenge"
	case errors.Is(err, autherr.ErrOTPConflict):
		return "conflict"
	case errors.Is(err, autherr.ErrDispatchFailed):
		return "dispatch_failed"
	default:
		return "error"
	}
}

// Instrument records request counts and latency per route.
func (m *Auth) Instrument() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if err != nil && errors.As(err, &he) {
				status = he.Code
			} else if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
			}

			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			code := strconv.Itoa(status)
			m.HTTPRequests.WithLabelValues(c.Request().Method, path, code).Inc()
			m.HTTPDurations.WithLabelValues(c.Request().Method, path, code).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
