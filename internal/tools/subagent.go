// Subagents run in background goroutines with a restricted tool catalog.
// When a task finishes, its result re-enters the runtime as a synthetic
// "system" inbound message routed back to the originating chat, so the
// parent agent can reformulate it for the user.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/providers"
)

// Subagent task status constants.
const (
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// SubagentTask tracks a running or completed subagent.
type SubagentTask struct {
	ID            string `json:"id"`
	Task          string `json:"task"`
	Label         string `json:"label"`
	Status        string `json:"status"`
	Result        string `json:"result,omitempty"`
	OriginChannel string `json:"originChannel"`
	OriginChatID  string `json:"originChatId"`
	CreatedAt     int64  `json:"createdAt"`
	CompletedAt   int64  `json:"completedAt,omitempty"`

	cancelFunc context.CancelFunc
}

// SubagentConfig bounds the subagent pool.
type SubagentConfig struct {
	MaxConcurrent int // max concurrently running subagents
	MaxIterations int // LLM iteration cap per task
	Model         string
	MaxTokens     int
	Temperature   float64
}

func DefaultSubagentConfig() SubagentConfig {
	return SubagentConfig{
		MaxConcurrent: 5,
		MaxIterations: 20,
		MaxTokens:     4096,
		Temperature:   0.5,
	}
}

// SubagentManager manages the lifecycle of spawned subagents.
type SubagentManager struct {
	mu       sync.RWMutex
	tasks    map[string]*SubagentTask
	config   SubagentConfig
	provider providers.Provider
	router   bus.MessageRouter

	// createTools builds the restricted registry for subagents
	// (without spawn/cron/message, to prevent recursion and side channels).
	createTools func() *Registry
}

func NewSubagentManager(
	provider providers.Provider,
	router bus.MessageRouter,
	createTools func() *Registry,
	cfg SubagentConfig,
) *SubagentManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	return &SubagentManager{
		tasks:       make(map[string]*SubagentTask),
		config:      cfg,
		provider:    provider,
		router:      router,
		createTools: createTools,
	}
}

// CountRunning returns the number of currently running tasks.
func (sm *SubagentManager) CountRunning() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	count := 0
	for _, t := range sm.tasks {
		if t.Status == TaskStatusRunning {
			count++
		}
	}
	return count
}

// List returns a snapshot of all known tasks.
func (sm *SubagentManager) List() []SubagentTask {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]SubagentTask, 0, len(sm.tasks))
	for _, t := range sm.tasks {
		out = append(out, *t)
	}
	return out
}

// Stop cancels all running tasks.
func (sm *SubagentManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, t := range sm.tasks {
		if t.Status == TaskStatusRunning && t.cancelFunc != nil {
			t.cancelFunc()
		}
	}
}

// Spawn starts a new subagent task in the background and returns
// immediately with a status line.
func (sm *SubagentManager) Spawn(ctx context.Context, task, label, channel, chatID string) (string, error) {
	sm.mu.Lock()

	running := 0
	for _, t := range sm.tasks {
		if t.Status == TaskStatusRunning {
			running++
		}
	}
	if running >= sm.config.MaxConcurrent {
		sm.mu.Unlock()
		return "", fmt.Errorf("max concurrent subagents reached (%d/%d)", running, sm.config.MaxConcurrent)
	}

	id := uuid.NewString()
	if label == "" {
		label = truncate(task, 50)
	}

	subTask := &SubagentTask{
		ID:            id,
		Task:          task,
		Label:         label,
		Status:        TaskStatusRunning,
		OriginChannel: channel,
		OriginChatID:  chatID,
		CreatedAt:     time.Now().UnixMilli(),
	}

	// Detach from the parent turn's context so the subagent survives the
	// turn ending, but keep a cancel handle for Stop().
	taskCtx, taskCancel := context.WithCancel(context.WithoutCancel(ctx))
	subTask.cancelFunc = taskCancel

	sm.tasks[id] = subTask
	sm.mu.Unlock()

	slog.Info("subagent spawned", "id", id, "label", label, "origin", channel+":"+chatID)

	go sm.runTask(taskCtx, subTask)

	return fmt.Sprintf("Spawned subagent '%s' (id=%s) for task: %s", label, id, truncate(task, 100)), nil
}

// runTask executes the subagent and announces the result to the origin chat.
func (sm *SubagentManager) runTask(ctx context.Context, task *SubagentTask) {
	defer task.cancelFunc()

	sm.executeTask(ctx, task)

	if sm.router == nil || task.OriginChannel == "" {
		return
	}

	content := task.Result
	if task.Status != TaskStatusCompleted {
		content = fmt.Sprintf("Subagent '%s' %s: %s", task.Label, task.Status, task.Result)
	}

	sm.router.PublishInbound(bus.InboundMessage{
		Channel:  "system",
		SenderID: "subagent:" + task.ID,
		ChatID:   task.OriginChannel + ":" + task.OriginChatID,
		Content:  content,
		Metadata: map[string]string{
			bus.MetaInternal: "true",
		},
	})
}

// executeTask runs the LLM tool loop for a subagent.
func (sm *SubagentManager) executeTask(ctx context.Context, task *SubagentTask) {
	defer func() {
		sm.mu.Lock()
		task.CompletedAt = time.Now().UnixMilli()
		sm.mu.Unlock()
	}()

	if ctx.Err() != nil {
		sm.setOutcome(task, TaskStatusCancelled, "cancelled before execution")
		return
	}

	toolsReg := sm.createTools()

	messages := []providers.Message{
		{Role: "system", Content: sm.buildSystemPrompt(task)},
		{Role: "user", Content: task.Task},
	}

	var finalContent string
	iteration := 0

	for iteration < sm.config.MaxIterations {
		iteration++

		if ctx.Err() != nil {
			sm.setOutcome(task, TaskStatusCancelled, "cancelled during execution")
			return
		}

		resp, err := sm.provider.Chat(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    toolsReg.ProviderDefs(),
			Model:    sm.config.Model,
			Options: map[string]interface{}{
				providers.OptMaxTokens:   sm.config.MaxTokens,
				providers.OptTemperature: sm.config.Temperature,
			},
		})
		if err != nil {
			sm.setOutcome(task, TaskStatusFailed, fmt.Sprintf("LLM error at iteration %d: %v", iteration, err))
			slog.Warn("subagent LLM error", "id", task.ID, "iteration", iteration, "error", err)
			return
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			slog.Debug("subagent tool call", "id", task.ID, "tool", tc.Name)
			result := toolsReg.Execute(ctx, tc.Name, tc.Arguments)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: tc.ID,
			})
		}
	}

	if finalContent == "" {
		finalContent = "Task completed but no final response was generated."
	}
	sm.setOutcome(task, TaskStatusCompleted, finalContent)
	slog.Info("subagent completed", "id", task.ID, "iterations", iteration)
}

func (sm *SubagentManager) setOutcome(task *SubagentTask, status, result string) {
	sm.mu.Lock()
	task.Status = status
	task.Result = result
	sm.mu.Unlock()
}

func (sm *SubagentManager) buildSystemPrompt(task *SubagentTask) string {
	return fmt.Sprintf(`# Subagent Context

You are a subagent spawned by the main agent for a specific task.

## Your Role
- You were created to handle: %s
- Complete this task. That is your entire purpose.

## Rules
1. Stay focused: do your assigned task, nothing else.
2. Your final response IS the deliverable and will be reported back to the main agent, so make it user-ready.
3. Never ask for clarification. Work with what you have.
4. If asked to create content, output the full content directly. Do not describe what you wrote.

## Session Context
- Label: %s`, task.Task, task.Label)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
