// Package audit records the server's mutating operations (workspace
// create/rename/remove, secrets updates, token administration) as
// structured JSON lines, one per operation, with token ids masked.
package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Operation identifies one auditable operation.
type Operation string

const (
	OpProjectCreate        Operation = "project.create"
	OpProjectDelete        Operation = "project.delete"
	OpProjectSecretsUpdate Operation = "project.secrets.update"
	OpTokenCreate          Operation = "token.create"
	OpTokenRevoke          Operation = "token.revoke"
	OpWorkspaceCreate      Operation = "workspace.create"
	OpWorkspaceRename      Operation = "workspace.rename"
	OpWorkspaceRemove      Operation = "workspace.remove"
)

// Event is one audit log entry.
type Event struct {
	Timestamp   time.Time              `json:"timestamp"`
	Operation   Operation              `json:"operation"`
	TokenID     string                 `json:"token_id,omitempty"`
	TokenScope  string                 `json:"token_scope,omitempty"`
	ProjectID   string                 `json:"project_id,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	WorkspaceID string                 `json:"workspace_id,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// attrs flattens the event into slog attributes, skipping empty fields
// and masking the token id.
func (e *Event) attrs() []any {
	out := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(e.Operation)),
		slog.Bool("success", e.Success),
	}
	add := func(key, value string) {
		if value != "" {
			out = append(out, slog.String(key, value))
		}
	}
	add("token_id", maskToken(e.TokenID))
	add("token_scope", e.TokenScope)
	add("project_id", e.ProjectID)
	add("session_id", e.SessionID)
	add("workspace_id", e.WorkspaceID)
	add("request_id", e.RequestID)
	add("error", e.Error)
	if e.Details != nil {
		detailsJSON, _ := json.Marshal(e.Details)
		out = append(out, slog.String("details", string(detailsJSON)))
	}
	return out
}

// Logger writes audit events; disabled loggers drop them.
type Logger struct {
	logger  *slog.Logger
	enabled atomic.Bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the process-wide audit logger.
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(true)
	})
	return defaultLogger
}

// New creates an audit logger writing JSON lines to stdout.
func New(enabled bool) *Logger {
	l := &Logger{
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	l.enabled.Store(enabled)
	return l
}

// SetEnabled enables or disables audit logging.
func (l *Logger) SetEnabled(enabled bool) {
	l.enabled.Store(enabled)
}

// Log records an audit event.
func (l *Logger) Log(event *Event) {
	if !l.enabled.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.logger.Info("AUDIT", event.attrs()...)
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op Operation, tokenID, tokenScope, projectID string) {
	l.Log(&Event{Operation: op, TokenID: tokenID, TokenScope: tokenScope, ProjectID: projectID, Success: true})
}

// LogFailure records a failed operation.
func (l *Logger) LogFailure(op Operation, tokenID, tokenScope, projectID string, err error) {
	event := &Event{Operation: op, TokenID: tokenID, TokenScope: tokenScope, ProjectID: projectID}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// maskToken hides all but a token id's leading characters.
func maskToken(tokenID string) string {
	switch {
	case tokenID == "":
		return ""
	case len(tokenID) <= 12:
		return "***"
	default:
		return tokenID[:8] + "..."
	}
}

// Package-level helpers on the default logger.

func Log(event *Event) { Default().Log(event) }

func LogSuccess(op Operation, tokenID, tokenScope, projectID string) {
	Default().LogSuccess(op, tokenID, tokenScope, projectID)
}

func LogFailure(op Operation, tokenID, tokenScope, projectID string, err error) {
	Default().LogFailure(op, tokenID, tokenScope, projectID, err)
}
