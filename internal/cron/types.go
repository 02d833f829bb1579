// Package cron schedules reminders and recurring tasks. A job that fires
// re-enters the runtime as a synthetic inbound message routed to the chat
// that created it.
package cron

// Job is a persisted scheduled task. Exactly one of Expr (recurring cron
// expression), EveryMillis (fixed interval anchored to the last run) or
// AtMillis (one-shot unix-ms timestamp) is set.
type Job struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Expr           string `json:"expr,omitempty"`
	EveryMillis    int64  `json:"every_ms,omitempty"`
	AtMillis       int64  `json:"at_ms,omitempty"`
	Message        string `json:"message"`
	Channel        string `json:"channel"`
	ChatID         string `json:"chat_id"`
	DeleteAfterRun bool   `json:"delete_after_run"`
	Enabled        bool   `json:"enabled"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	LastRunMs      int64  `json:"last_run_ms,omitempty"`
}

// IsOneShot reports whether the job fires once and is then removed.
func (j *Job) IsOneShot() bool { return j.AtMillis > 0 }

// IsInterval reports whether the job fires on a fixed interval.
func (j *Job) IsInterval() bool { return j.EveryMillis > 0 }

// JobRequest is the input for Service.Add.
type JobRequest struct {
	Name    string
	Expr    string // cron expression, minute granularity
	EveryMS int64  // fixed interval in milliseconds
	At      string // RFC3339 timestamp for a one-shot job
	Message string
	Channel string
	ChatID  string
}
