package observability

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/harun/recall/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // tool call ID when known
	Action    string                 `json:"action"`          // e.g. "dispatch:memory_search"
	Status    string                 `json:"status"`          // outcome or approval result
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger handles recording and persisting audit events
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditOnce sync.Once
	auditInst *AuditLogger
)

// GetAuditLogger returns the global audit logger instance
func GetAuditLogger() *AuditLogger {
	auditOnce.Do(func() {
		auditInst = &AuditLogger{
			logger: zerolog.New(os.Stderr).With().Timestamp().Str("stream", "audit").Logger(),
		}
	})
	return auditInst
}

// InitAuditLogger sends audit events to path instead of stderr.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	GetAuditLogger()
	auditInst = &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}
	return nil
}

// UseAuditLogger routes audit events through logger. Passing a disabled
// logger silences auditing.
func UseAuditLogger(logger zerolog.Logger) {
	GetAuditLogger()
	auditInst = &AuditLogger{logger: logger}
}

// Record emits an audit event to the log file and optionally to OpenTelemetry
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}

	// Extract tracing info if available
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()

		// Also record as a span event for Otel
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Info so a process logger at warn or above drops audit lines.
	entry := a.logger.Info().
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status).
		Str("trace_id", event.TraceID)

	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// RecordToolAudit records a gating or execution decision for a tool call.
func RecordToolAudit(ctx context.Context, toolName, callID, outcome string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "tool",
		Actor:    callID,
		Action:   "dispatch:" + toolName,
		Status:   outcome,
		Metadata: metadata,
	})
}

// RecordApprovalAudit records the resolution of an Ask approval request.
func RecordApprovalAudit(ctx context.Context, toolName string, approved bool, reason string) {
	status := "denied"
	if approved {
		status = "approved"
	}
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "approval",
		Action:   "approve:" + toolName,
		Status:   status,
		Metadata: map[string]interface{}{"reason": reason},
	})
}

// RecordMemoryAudit records a write or retraction against the chunk store.
func RecordMemoryAudit(ctx context.Context, action, source string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:   "memory",
		Action: action,
		Status: "success",
		Metadata: map[string]interface{}{
			"source": source,
		},
	})
}
