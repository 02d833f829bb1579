package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/cron"
)

// CronScheduler is the subset of the cron service the tool needs.
type CronScheduler interface {
	Add(req cron.JobRequest) (*cron.Job, error)
	List(includeDisabled bool) []cron.Job
	SetEnabled(id string, enabled bool) error
	Remove(id string) error
}

// CronTool manages scheduled reminders and recurring tasks for the
// current chat. Fired jobs re-enter as internal system messages.
type CronTool struct {
	scheduler CronScheduler
}

func NewCronTool(scheduler CronScheduler) *CronTool {
	return &CronTool{scheduler: scheduler}
}

func (t *CronTool) Name() string { return "cron" }
func (t *CronTool) Description() string {
	return "Schedule reminders and recurring tasks. Actions: add (with a cron expression, a fixed interval, or a one-shot RFC3339 time), list, enable, disable, remove."
}
func (t *CronTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "The action to perform",
				"enum":        []string{"add", "list", "enable", "disable", "remove"},
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Short name for the job (add)",
			},
			"expr": map[string]interface{}{
				"type":        "string",
				"description": "Cron expression for a recurring job, e.g. '0 9 * * *' (add)",
			},
			"every_ms": map[string]interface{}{
				"type":        "number",
				"description": "Fixed interval in milliseconds, anchored to the previous run (add)",
			},
			"at": map[string]interface{}{
				"type":        "string",
				"description": "RFC3339 timestamp for a one-shot job (add)",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "The task message delivered when the job fires (add)",
			},
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Job id (enable, disable, remove)",
			},
			"include_disabled": map[string]interface{}{
				"type":        "boolean",
				"description": "Include paused jobs (list)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	action, _ := args["action"].(string)

	switch action {
	case "add":
		return t.add(ctx, args)
	case "list":
		includeDisabled, _ := args["include_disabled"].(bool)
		return t.list(includeDisabled)
	case "enable", "disable":
		id, _ := args["id"].(string)
		if id == "" {
			return ErrorResult("Error: id is required for " + action)
		}
		if err := t.scheduler.SetEnabled(id, action == "enable"); err != nil {
			return ErrorResult("Error: " + err.Error())
		}
		return SilentResult(fmt.Sprintf("Job %s %sd", id, action))
	case "remove":
		id, _ := args["id"].(string)
		if id == "" {
			return ErrorResult("Error: id is required for remove")
		}
		if err := t.scheduler.Remove(id); err != nil {
			return ErrorResult("Error: " + err.Error())
		}
		return SilentResult(fmt.Sprintf("Removed job %s", id))
	default:
		return ErrorResult(fmt.Sprintf("Error: unknown action: %s", action))
	}
}

func (t *CronTool) add(ctx context.Context, args map[string]interface{}) *Result {
	channel := ToolChannelFromCtx(ctx)
	chatID := ToolChatIDFromCtx(ctx)
	if channel == "" || chatID == "" {
		return ErrorResult("Error: no chat context available")
	}

	name, _ := args["name"].(string)
	expr, _ := args["expr"].(string)
	everyMS, _ := args["every_ms"].(float64)
	at, _ := args["at"].(string)
	message, _ := args["message"].(string)

	job, err := t.scheduler.Add(cron.JobRequest{
		Name:    name,
		Expr:    expr,
		EveryMS: int64(everyMS),
		At:      at,
		Message: message,
		Channel: channel,
		ChatID:  chatID,
	})
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}

	switch {
	case job.IsOneShot():
		return SilentResult(fmt.Sprintf("Scheduled one-shot job '%s' (id=%s) at %s",
			job.Name, job.ID, time.UnixMilli(job.AtMillis).Format(time.RFC3339)))
	case job.IsInterval():
		return SilentResult(fmt.Sprintf("Scheduled interval job '%s' (id=%s) every %s",
			job.Name, job.ID, time.Duration(job.EveryMillis)*time.Millisecond))
	default:
		return SilentResult(fmt.Sprintf("Scheduled recurring job '%s' (id=%s) with expression %q", job.Name, job.ID, job.Expr))
	}
}

func (t *CronTool) list(includeDisabled bool) *Result {
	jobs := t.scheduler.List(includeDisabled)
	if len(jobs) == 0 {
		return SilentResult("No scheduled jobs.")
	}

	var sb strings.Builder
	for _, j := range jobs {
		sb.WriteString(fmt.Sprintf("- %s (id=%s): ", j.Name, j.ID))
		switch {
		case j.IsOneShot():
			sb.WriteString("at " + time.UnixMilli(j.AtMillis).Format(time.RFC3339))
		case j.IsInterval():
			sb.WriteString("every " + (time.Duration(j.EveryMillis) * time.Millisecond).String())
		default:
			sb.WriteString("cron " + j.Expr)
		}
		sb.WriteString(" -> " + truncate(j.Message, 80))
		if !j.Enabled {
			sb.WriteString(" [disabled]")
		}
		if j.LastRunMs > 0 {
			sb.WriteString(" (last run " + time.UnixMilli(j.LastRunMs).Format(time.RFC3339) + ")")
		}
		sb.WriteByte('\n')
	}
	return SilentResult(sb.String())
}
