package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/providers"
	"github.com/nextlevelbuilder/nanoclaw/internal/sessions"
	"github.com/nextlevelbuilder/nanoclaw/internal/tools"
)

const consumeTimeout = 1 * time.Second

// Loop drains inbound messages from the bus, drives the LM/tool iteration
// for each, and publishes the terminal content back out. One loop serves
// all channels; turns for distinct sessions are processed one at a time.
type Loop struct {
	provider       providers.Provider
	model          string
	maxTokens      int
	temperature    float64
	maxIterations  int
	maxToolRetries int
	historyLimit   int
	workspace      string

	router   bus.MessageRouter
	sessions *sessions.Manager
	tools    *tools.Registry

	credit   *CreditClient
	freePlan bool

	extraSystemPrompt string
	usageOut          io.Writer
	tracer            trace.Tracer

	activeRuns atomic.Int32
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	Provider       providers.Provider
	Model          string
	MaxTokens      int
	Temperature    float64
	MaxIterations  int
	MaxToolRetries int
	HistoryLimit   int
	Workspace      string

	Router   bus.MessageRouter
	Sessions *sessions.Manager
	Tools    *tools.Registry

	Credit   *CreditClient
	FreePlan bool

	ExtraSystemPrompt string
	UsageOut          io.Writer // defaults to os.Stdout
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.MaxToolRetries <= 0 {
		cfg.MaxToolRetries = 3
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.UsageOut == nil {
		cfg.UsageOut = os.Stdout
	}

	return &Loop{
		provider:          cfg.Provider,
		model:             cfg.Model,
		maxTokens:         cfg.MaxTokens,
		temperature:       cfg.Temperature,
		maxIterations:     cfg.MaxIterations,
		maxToolRetries:    cfg.MaxToolRetries,
		historyLimit:      cfg.HistoryLimit,
		workspace:         cfg.Workspace,
		router:            cfg.Router,
		sessions:          cfg.Sessions,
		tools:             cfg.Tools,
		credit:            cfg.Credit,
		freePlan:          cfg.FreePlan,
		extraSystemPrompt: cfg.ExtraSystemPrompt,
		usageOut:          cfg.UsageOut,
		tracer:            otel.Tracer("nanoclaw/agent"),
	}
}

// IsRunning reports whether a turn is currently being processed.
func (l *Loop) IsRunning() bool { return l.activeRuns.Load() > 0 }

// Run drains the inbound queue until ctx is cancelled. The short consume
// timeout interlocks with shutdown.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("agent loop started", "provider", l.provider.Name(), "model", l.model)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, ok := l.router.ConsumeInbound(ctx, consumeTimeout)
		if !ok {
			continue
		}
		l.Process(ctx, msg)
	}
}

// Process handles one inbound message end to end. A panic or error in a
// single turn produces one error reply and never kills the loop.
func (l *Loop) Process(ctx context.Context, msg bus.InboundMessage) {
	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)

	channel, chatID := msg.Channel, msg.ChatID
	if msg.Channel == "system" {
		channel, chatID = splitOrigin(msg.ChatID)
	}
	reply := threadMeta(msg.Metadata)

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("turn panicked", "channel", msg.Channel, "chat", msg.ChatID, "panic", rec)
			l.publishReply(channel, chatID, fmt.Sprintf("Sorry, I encountered an error: %v", rec), reply)
		}
	}()

	var content string
	var err error
	if msg.Channel == "system" {
		content, err = l.processSystem(ctx, msg)
	} else {
		content, err = l.processUser(ctx, msg)
	}
	if err != nil {
		slog.Error("turn failed", "channel", msg.Channel, "chat", msg.ChatID, "error", err)
		l.publishReply(channel, chatID, fmt.Sprintf("Sorry, I encountered an error: %v", err), reply)
		return
	}
	if content != "" {
		l.publishReply(channel, chatID, content, reply)
	}
}

// processUser runs plan and credit gates, then the LM/tool iteration.
func (l *Loop) processUser(ctx context.Context, msg bus.InboundMessage) (string, error) {
	if l.freePlan && !msg.IsInternal() {
		return fmt.Sprintf("Free trial is currently paused due to high demand. "+
			"Activate a plan to get $10 in free credits and unlock unlimited AI messages + 24/7 hosting. "+
			"Upgrade here: %s", l.credit.BillingURL()), nil
	}

	if l.credit.Enabled() && !msg.IsInternal() {
		ok, err := l.credit.Check(ctx)
		if err != nil {
			slog.Warn("credit check failed", "error", err)
			return "I was unable to verify your credit balance right now. Please try again in a moment.", nil
		}
		if !ok {
			return fmt.Sprintf("Your credits have been used up. Top up your balance to keep chatting. "+
				"Upgrade here: %s", l.credit.BillingURL()), nil
		}
	}

	return l.respond(ctx, turn{
		sessionKey: msg.SessionKey(),
		channel:    msg.Channel,
		chatID:     msg.ChatID,
		userEntry:  msg.Content,
		media:      msg.Media,
	})
}

// processSystem handles sub-agent announces and fired cron jobs. The
// chat_id encodes the routing target as "origin_channel:origin_chat_id".
func (l *Loop) processSystem(ctx context.Context, msg bus.InboundMessage) (string, error) {
	channel, chatID := splitOrigin(msg.ChatID)
	if channel == "" || chatID == "" {
		return "", fmt.Errorf("system message with malformed origin %q", msg.ChatID)
	}

	content, err := l.respond(ctx, turn{
		sessionKey: channel + ":" + chatID,
		channel:    channel,
		chatID:     chatID,
		userEntry:  fmt.Sprintf("[System: %s] %s", msg.SenderID, msg.Content),
	})
	if err != nil {
		return "", err
	}
	if content == "" {
		content = "Background task completed."
	}
	return content, nil
}

// RunDirect processes one message synchronously, used by the CLI
// front-end and diagnostics. No plan or credit gating.
func (l *Loop) RunDirect(ctx context.Context, content string) (string, error) {
	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)

	return l.respond(ctx, turn{
		sessionKey: "cli:direct",
		channel:    "cli",
		chatID:     "direct",
		userEntry:  content,
	})
}

// turn is the per-message state handed to respond.
type turn struct {
	sessionKey string
	channel    string
	chatID     string
	userEntry  string
	media      []string
}

// respond runs the LM/tool iteration for one turn and persists the
// session before returning the terminal content.
func (l *Loop) respond(ctx context.Context, t turn) (string, error) {
	ctx, span := l.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("session.key", t.sessionKey),
		attribute.String("channel", t.channel),
	))
	defer span.End()

	ctx = tools.WithToolChannel(ctx, t.channel)
	ctx = tools.WithToolChatID(ctx, t.chatID)
	ctx = tools.WithToolWorkspace(ctx, l.workspace)

	l.sessions.GetOrCreate(t.sessionKey)
	messages := l.buildMessages(t)

	var totalUsage providers.Usage
	var finalContent string
	iteration := 0
	sequentialFailures := 0

	for iteration < l.maxIterations {
		iteration++

		resp, err := l.chat(ctx, iteration, messages)
		if err != nil {
			return "", fmt.Errorf("LLM call failed (iteration %d): %w", iteration, err)
		}

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
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

		results := l.executeToolCalls(ctx, resp.ToolCalls)

		var lastError string
		abort := false
		for _, r := range results {
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    r.result.ForLLM,
				ToolCallID: r.tc.ID,
			})

			if isToolFailure(r.result) {
				sequentialFailures++
				lastError = r.result.ForLLM
				slog.Warn("tool error", "tool", r.tc.Name, "error", truncateStr(lastError, 200))
				if sequentialFailures >= l.maxToolRetries {
					abort = true
				}
			} else {
				sequentialFailures = 0
			}
		}

		if abort {
			finalContent = fmt.Sprintf("I've encountered repeated errors while trying to complete your request. "+
				"The last error was: %s. Please double-check the requirements or provide more details so I can assist better.", lastError)
			break
		}
	}

	if finalContent == "" && iteration >= l.maxIterations {
		finalContent = "I reached the maximum number of tool steps for this request. Please try breaking the task into smaller pieces."
	}

	finalContent = SanitizeAssistantContent(finalContent)
	if IsSilentReply(finalContent) {
		finalContent = ""
	}

	// Persist the (user, assistant) pair before publishing so a crash
	// between the two never loses the exchange.
	l.sessions.AddMessage(t.sessionKey, providers.Message{Role: "user", Content: t.userEntry})
	if finalContent != "" {
		l.sessions.AddMessage(t.sessionKey, providers.Message{Role: "assistant", Content: finalContent})
	}
	l.sessions.UpdateMetadata(t.sessionKey, l.model, l.provider.Name(), t.channel)
	l.sessions.AccumulateTokens(t.sessionKey, int64(totalUsage.PromptTokens), int64(totalUsage.CompletionTokens))
	if err := l.sessions.Save(t.sessionKey); err != nil {
		slog.Warn("session save failed", "session", t.sessionKey, "error", err)
	}

	l.emitUsage(totalUsage)

	span.SetAttributes(
		attribute.Int("llm.iterations", iteration),
		attribute.Int("usage.prompt_tokens", totalUsage.PromptTokens),
		attribute.Int("usage.completion_tokens", totalUsage.CompletionTokens),
	)

	return finalContent, nil
}

// chat performs one LM call wrapped in a span.
func (l *Loop) chat(ctx context.Context, iteration int, messages []providers.Message) (*providers.ChatResponse, error) {
	ctx, span := l.tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		attribute.String("llm.provider", l.provider.Name()),
		attribute.String("llm.model", l.model),
		attribute.Int("llm.iteration", iteration),
	))
	defer span.End()

	resp, err := l.provider.Chat(ctx, providers.ChatRequest{
		Messages: messages,
		Tools:    l.tools.ProviderDefs(),
		Model:    l.model,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   l.maxTokens,
			providers.OptTemperature: l.temperature,
		},
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("usage.prompt_tokens", resp.Usage.PromptTokens),
			attribute.Int("usage.completion_tokens", resp.Usage.CompletionTokens),
		)
	}
	return resp, nil
}

type indexedResult struct {
	idx    int
	tc     providers.ToolCall
	result *tools.Result
}

// executeToolCalls runs the requested calls, in parallel when there is
// more than one, and returns the results in the original call order so
// the context matches the assistant message.
func (l *Loop) executeToolCalls(ctx context.Context, calls []providers.ToolCall) []indexedResult {
	if len(calls) == 1 {
		tc := calls[0]
		return []indexedResult{{idx: 0, tc: tc, result: l.executeOne(ctx, tc)}}
	}

	resultCh := make(chan indexedResult, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			resultCh <- indexedResult{idx: idx, tc: tc, result: l.executeOne(ctx, tc)}
		}(i, tc)
	}
	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexedResult, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })
	return collected
}

func (l *Loop) executeOne(ctx context.Context, tc providers.ToolCall) *tools.Result {
	ctx, span := l.tracer.Start(ctx, "tool.exec", trace.WithAttributes(
		attribute.String("tool.name", tc.Name),
		attribute.String("tool.call_id", tc.ID),
	))
	defer span.End()

	slog.Info("tool call", "tool", tc.Name)
	result := l.tools.Execute(ctx, tc.Name, tc.Arguments)
	if result.IsError {
		span.SetAttributes(attribute.Bool("tool.error", true))
	}
	return result
}

// emitUsage prints the usage accounting line consumed by the hosting
// platform. Emitted only when tokens were actually spent.
func (l *Loop) emitUsage(u providers.Usage) {
	if u.PromptTokens+u.CompletionTokens == 0 {
		return
	}
	fmt.Fprintf(l.usageOut, "[USAGE] {\"prompt_tokens\":%d,\"completion_tokens\":%d,\"model\":%q}\n",
		u.PromptTokens, u.CompletionTokens, l.model)
	if f, ok := l.usageOut.(*os.File); ok {
		f.Sync()
	}
}

func (l *Loop) publishReply(channel, chatID, content string, meta map[string]string) {
	l.router.PublishOutbound(bus.OutboundMessage{
		Channel:  channel,
		ChatID:   chatID,
		Content:  content,
		Metadata: meta,
	})
}

// threadMeta extracts the platform thread identifiers from an inbound
// message so the reply lands in the same thread. Nil when the message
// was not part of one.
func threadMeta(md map[string]string) map[string]string {
	var out map[string]string
	for _, key := range []string{bus.MetaReplyTo, bus.MetaThreadTS} {
		if v := md[key]; v != "" {
			if out == nil {
				out = make(map[string]string, 2)
			}
			out[key] = v
		}
	}
	return out
}

// isToolFailure classifies a tool result the way the retry counter sees
// it: an explicit error result or content with the error prefix.
func isToolFailure(r *tools.Result) bool {
	return r.IsError || strings.HasPrefix(r.ForLLM, "Error:")
}

// splitOrigin decodes "origin_channel:origin_chat_id".
func splitOrigin(encoded string) (channel, chatID string) {
	channel, chatID, _ = strings.Cut(encoded, ":")
	return channel, chatID
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
