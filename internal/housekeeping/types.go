package housekeeping

import "time"

// ScheduledPrompt fires Prompt into WorkspaceID's AgentSession whenever
// CronExpr matches. The fire path goes through the session's normal
// SendMessage, so a busy workspace rejects the prompt instead of
// stacking a second stream.
type ScheduledPrompt struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	CronExpr    string     `json:"cronExpr"`
	Prompt      string     `json:"prompt"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	LastRunAt   *time.Time `json:"lastRunAt,omitempty"`
}

// ScheduledPromptUpdate carries optional fields for Store.Update.
type ScheduledPromptUpdate struct {
	CronExpr *string `json:"cronExpr,omitempty"`
	Prompt   *string `json:"prompt,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
}
