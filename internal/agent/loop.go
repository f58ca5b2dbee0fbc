// Package agent implements the core agent loop: a tool-augmented chat
// turn over a persisted conversation thread.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/khairulanwarjo/gestella/internal/checkpoint"
	"github.com/khairulanwarjo/gestella/internal/config"
	"github.com/khairulanwarjo/gestella/internal/llm"
	"github.com/khairulanwarjo/gestella/internal/prompts"
	"github.com/khairulanwarjo/gestella/internal/usage"
)

// Defaults applied by [NewLoop] to zero-valued [Config] fields.
const (
	DefaultMaxIterations   = 10
	DefaultVacuumThreshold = 500
)

// Replies produced at the [Loop.Respond] boundary.
const (
	AgentFailed     = "Error: Agent failed."
	agentErrorReply = "Error running agent: "
)

// Tools is the tool registry surface the loop needs.
type Tools interface {
	List() []map[string]any
	Execute(ctx context.Context, name string, args map[string]any) string
}

// UsageRecorder persists token usage for each model call.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// providerNamer is implemented by clients that route across providers.
type providerNamer interface {
	ProviderFor(model string) string
}

// Config tunes a [Loop].
type Config struct {
	Model           string
	MaxIterations   int
	VacuumThreshold int
	VacuumScope     VacuumScope
	Persona         prompts.Persona
	// Location is the zone the persona's clock is rendered in.
	Location *time.Location
	Pricing  map[string]config.PricingEntry
}

// Request is one inbound user message.
type Request struct {
	ThreadKey string
	UserID    string
	// Text is the message as the model should see it, already carrying
	// the "User ID: <id>" prefix.
	Text string
}

// Response is the outcome of one turn.
type Response struct {
	Content      string
	Model        string
	Iterations   int // model calls made this turn
	ToolCalls    int
	InputTokens  int
	OutputTokens int
	// CapReached is set when the model was still calling tools at the
	// iteration limit and Content is a best-effort answer.
	CapReached bool
	// Vacuumed is set when a longer earlier message replaced a short
	// final answer.
	Vacuumed bool
}

// Loop is the core agent execution loop.
type Loop struct {
	cfg     Config
	llm     llm.Client
	tools   Tools
	threads checkpoint.Store
	usage   UsageRecorder
	locks   *keyedMutex
	logger  *slog.Logger
	now     func() time.Time
}

// NewLoop creates a new agent loop.
func NewLoop(cfg Config, client llm.Client, tools Tools, threads checkpoint.Store, logger *slog.Logger) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.VacuumThreshold == 0 {
		cfg.VacuumThreshold = DefaultVacuumThreshold
	}
	if cfg.VacuumScope == "" {
		cfg.VacuumScope = ScopeThread
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:     cfg,
		llm:     client,
		tools:   tools,
		threads: threads,
		locks:   newKeyedMutex(),
		logger:  logger.With("component", "agent"),
		now:     time.Now,
	}
}

// SetUsageRecorder enables per-call token accounting.
func (l *Loop) SetUsageRecorder(rec UsageRecorder) {
	l.usage = rec
}

// Run executes one turn. Turns for the same thread key never
// interleave. The thread is saved even when the model call fails part
// way, so completed tool results are not lost.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.ThreadKey == "" {
		return nil, errors.New("thread key is required")
	}

	unlock := l.locks.Lock(req.ThreadKey)
	defer unlock()

	thread, err := l.threads.Load(ctx, req.ThreadKey)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}

	turnID := newTurnID()
	log := l.logger.With("thread", req.ThreadKey, "turn", turnID)

	// Index of this turn's user message, once the persona is in place.
	setPersona(thread, l.persona())
	turnStart := len(thread.Messages)
	thread.Messages = append(thread.Messages, llm.UserMessage(req.Text))

	log.Info("agent turn started",
		"history", turnStart,
		"model", l.cfg.Model,
	)

	resp := &Response{Model: l.cfg.Model}
	toolDefs := l.tools.List()

	var (
		answer      string
		done        bool
		lastContent string
		lastTool    string
	)
	for resp.Iterations < l.cfg.MaxIterations {
		setPersona(thread, l.persona())

		out, err := l.llm.Chat(ctx, l.cfg.Model, thread.Messages, toolDefs)
		if err != nil {
			l.save(ctx, log, req.ThreadKey, thread)
			return nil, fmt.Errorf("model call %d: %w", resp.Iterations+1, err)
		}
		resp.Iterations++
		resp.InputTokens += out.InputTokens
		resp.OutputTokens += out.OutputTokens
		l.recordUsage(ctx, log, req, turnID, out)

		msg := out.Message
		msg.Role = llm.RoleAssistant
		thread.Messages = append(thread.Messages, msg)
		if msg.Content != "" {
			lastContent = msg.Content
		}

		if len(msg.ToolCalls) == 0 {
			answer = msg.Content
			done = true
			break
		}

		for _, tc := range msg.ToolCalls {
			log.Debug("dispatching tool", "tool", tc.Function.Name, "call_id", tc.ID)
			result := l.tools.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
			thread.Messages = append(thread.Messages, llm.ToolResult(tc.ID, result))
			resp.ToolCalls++
			lastTool = result
		}
	}

	if !done {
		resp.CapReached = true
		switch {
		case lastContent != "":
			answer = lastContent
		case lastTool != "":
			answer = lastTool
		default:
			answer = prompts.IterationCapFallback(l.cfg.MaxIterations)
		}
		log.Warn("iteration cap reached",
			"max_iterations", l.cfg.MaxIterations,
			"tool_calls", resp.ToolCalls,
		)
	}

	from := turnStart
	if l.cfg.VacuumScope == ScopeThread {
		from = 0
	}
	if replaced, ok := vacuum(thread.Messages, answer, l.cfg.VacuumThreshold, from); ok {
		log.Debug("short answer replaced by earlier message",
			"answer_len", len([]rune(answer)),
			"replacement_len", len([]rune(replaced)),
		)
		answer = replaced
		resp.Vacuumed = true
	}

	if resp.CapReached {
		// Close the turn so the stored thread ends on an assistant reply.
		thread.Messages = append(thread.Messages, llm.AssistantMessage(answer))
	}
	resp.Content = answer
	thread.UpdatedAt = l.now()

	if err := l.threads.Save(ctx, req.ThreadKey, thread); err != nil {
		return nil, fmt.Errorf("save thread: %w", err)
	}

	log.Info("agent turn completed",
		"iterations", resp.Iterations,
		"tool_calls", resp.ToolCalls,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"answer_len", len([]rune(resp.Content)),
	)
	return resp, nil
}

// Respond runs a turn for userID and always returns text to deliver.
func (l *Loop) Respond(ctx context.Context, threadKey, userID, text string) string {
	resp, err := l.Run(ctx, &Request{
		ThreadKey: threadKey,
		UserID:    userID,
		Text:      prompts.WithUserID(userID, text),
	})
	if err != nil {
		l.logger.Error("agent turn failed", "thread", threadKey, "error", err)
		return agentErrorReply + err.Error()
	}
	if resp == nil || resp.Content == "" {
		return AgentFailed
	}
	return resp.Content
}

func (l *Loop) persona() string {
	return prompts.PersonaPrompt(l.cfg.Persona, l.now().In(l.cfg.Location))
}

// setPersona puts the system prompt at index 0, replacing a previous
// one or inserting it.
func setPersona(thread *checkpoint.Thread, persona string) {
	sys := llm.SystemMessage(persona)
	if len(thread.Messages) > 0 && thread.Messages[0].Role == llm.RoleSystem {
		thread.Messages[0] = sys
		return
	}
	thread.Messages = append([]llm.Message{sys}, thread.Messages...)
}

func (l *Loop) save(ctx context.Context, log *slog.Logger, key string, thread *checkpoint.Thread) {
	thread.UpdatedAt = l.now()
	if err := l.threads.Save(ctx, key, thread); err != nil {
		log.Warn("failed to save partial thread", "error", err)
	}
}

func (l *Loop) recordUsage(ctx context.Context, log *slog.Logger, req *Request, turnID string, out *llm.ChatResponse) {
	if l.usage == nil {
		return
	}
	provider := ""
	if pn, ok := l.llm.(providerNamer); ok {
		provider = pn.ProviderFor(l.cfg.Model)
	}
	rec := usage.Record{
		Timestamp:    l.now(),
		TurnID:       turnID,
		ThreadKey:    req.ThreadKey,
		UserID:       req.UserID,
		Model:        l.cfg.Model,
		Provider:     provider,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		CostUSD:      usage.ComputeCost(l.cfg.Model, out.InputTokens, out.OutputTokens, l.cfg.Pricing),
		Role:         usage.RoleInteractive,
	}
	if err := l.usage.Record(ctx, rec); err != nil {
		log.Warn("failed to record usage", "error", err)
	}
}

func newTurnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
