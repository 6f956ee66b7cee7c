package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/Skotchmaster/deed_portal/internal/mykafka"
)

// Actions recorded by the auth layer.
const (
	ActionAuthorize        = "authorize"
	ActionLogin            = "login"
	ActionLoginStepUp      = "login_step_up"
	ActionRegister         = "register"
	ActionVerifySignup     = "verify_signup"
	ActionRefresh          = "refresh"
	ActionLogout           = "logout"
	ActionOTPRequest       = "otp_request"
	ActionRoleChange       = "role_change"
	ActionRoleDelete       = "role_delete"
	ActionRoleUpsert       = "role_upsert"
	ActionBlock            = "principal_block"
	ActionActivate         = "principal_activate"
	ActionOverrides        = "principal_overrides"
	ActionSessionRevoke    = "session_revoke"
	ActionCredentialsReset = "credentials_reset"
)

type Event struct {
	Timestamp   time.Time         `json:"timestamp"`
	Action      string            `json:"action"`
	PrincipalID string            `json:"principal_id,omitempty"`
	Role        string            `json:"role,omitempty"`
	Method      string            `json:"method,omitempty"`
	Path        string            `json:"path,omitempty"`
	IP          string            `json:"ip,omitempty"`
	Success     bool              `json:"success"`
	Reason      string            `json:"reason,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Sink receives recorded audit events. Implementations must not block for long.
type Sink interface {
	Record(ctx context.Context, event Event)
}

type NoOpSink struct{}

func (NoOpSink) Record(context.Context, Event) {}

// LogSink writes events through the structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(ctx context.Context, e Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{
		"action", e.Action,
		"success", e.Success,
		"principal_id", e.PrincipalID,
		"role", e.Role,
		"method", e.Method,
		"path", e.Path,
		"ip", e.IP,
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	for k, v := range e.Metadata {
		attrs = append(attrs, "meta_"+k, v)
	}
	l.InfoContext(ctx, "audit", attrs...)
}

// KafkaSink publishes events to a topic keyed by principal.
type KafkaSink struct {
	Publisher mykafka.Publisher
	Topic     string
	Logger    *slog.Logger
}

func (s KafkaSink) Record(ctx context.Context, e Event) {
	if err := s.Publisher.PublishEvent(ctx, s.Topic, e.PrincipalID, e); err != nil && s.Logger != nil {
		s.Logger.Warn("audit_publish_failed", "action", e.Action, "err", err)
	}
}

// MultiSink fans an event out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, e)
		}
	}
}
