package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/khairulanwarjo/gestella/internal/checkpoint"
	"github.com/khairulanwarjo/gestella/internal/llm"
	"github.com/khairulanwarjo/gestella/internal/prompts"
	"github.com/khairulanwarjo/gestella/internal/usage"
)

// scriptedLLM returns pre-configured responses in sequence and records
// a copy of each call's messages. Once the script runs out, the last
// response repeats.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	err       error
	calls     [][]llm.Message
	tools     [][]map[string]any
}

func (m *scriptedLLM) Chat(_ context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, append([]llm.Message(nil), msgs...))
	m.tools = append(m.tools, td)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("scriptedLLM: no responses")
	}
	i := len(m.calls) - 1
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	resp := *m.responses[i]
	resp.Model = model
	return &resp, nil
}

func (m *scriptedLLM) Ping(context.Context) error { return nil }

func (m *scriptedLLM) ProviderFor(string) string { return "openai" }

// fakeTools answers every tool call from a name → result table.
type fakeTools struct {
	mu       sync.Mutex
	results  map[string]string
	executed []string
}

func (f *fakeTools) List() []map[string]any {
	return []map[string]any{{"type": "function", "function": map[string]any{"name": "calculator"}}}
}

func (f *fakeTools) Execute(_ context.Context, name string, args map[string]any) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, name)
	if r, ok := f.results[name]; ok {
		return r
	}
	return "Error: unknown tool " + name
}

type usageSink struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (u *usageSink) Record(_ context.Context, rec usage.Record) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.recs = append(u.recs, rec)
	return nil
}

func textResp(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func toolResp(content string, calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content, ToolCalls: calls},
		InputTokens:  10,
		OutputTokens: 5,
	}
}

var testNow = time.Date(2025, 3, 3, 14, 5, 0, 0, time.UTC)

func newTestLoop(t *testing.T, client llm.Client, tools Tools, cfg Config) (*Loop, *checkpoint.MemoryStore) {
	t.Helper()
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	cfg.Persona = prompts.Persona{BotName: "Gestella", Personality: "an elite executive assistant.", UserName: "Sir", Location: "Singapore (GMT+8)"}
	cfg.Location = time.FixedZone("SGT", 8*3600)
	store := checkpoint.NewMemoryStore()
	l := NewLoop(cfg, client, tools, store, nil)
	l.now = func() time.Time { return testNow }
	return l, store
}

func countRole(msgs []llm.Message, role string) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}

func TestRun_DirectAnswer(t *testing.T) {
	mock := &scriptedLLM{responses: []*llm.ChatResponse{textResp("Hello Sir!")}}
	loop, store := newTestLoop(t, mock, &fakeTools{}, Config{})

	resp, err := loop.Run(context.Background(), &Request{ThreadKey: "chat-1", UserID: "1", Text: "User ID: 1\n\nhi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Content != "Hello Sir!" || resp.Iterations != 1 || resp.ToolCalls != 0 {
		t.Errorf("resp = %+v", resp)
	}

	thread, _ := store.Load(context.Background(), "chat-1")
	if len(thread.Messages) != 3 {
		t.Fatalf("thread has %d messages, want 3", len(thread.Messages))
	}
	roles := []string{thread.Messages[0].Role, thread.Messages[1].Role, thread.Messages[2].Role}
	if roles[0] != llm.RoleSystem || roles[1] != llm.RoleUser || roles[2] != llm.RoleAssistant {
		t.Errorf("roles = %v", roles)
	}
	if !strings.Contains(thread.Messages[0].Content, "Today is: Monday, 03 March 2025, 10:05 PM") {
		t.Errorf("persona clock not rendered in configured zone:\n%s", thread.Messages[0].Content)
	}
	if len(mock.tools[0]) != 1 {
		t.Errorf("tool definitions not offered to the model")
	}
}

func TestRun_ToolDispatchOrder(t *testing.T) {
	mock := &scriptedLLM{responses: []*llm.ChatResponse{
		toolResp("",
			llm.NewToolCall("call_a", "calculator", map[string]any{"expression": "1+1"}),
			llm.NewToolCall("call_b", "search_memory", map[string]any{"query": "dog", "user_id": "1"}),
		),
		textResp("1+1 is 2 and your dog is Rex."),
	}}
	tools := &fakeTools{results: map[string]string{"calculator": "2", "search_memory": "My dog is Rex"}}
	loop, store := newTestLoop(t, mock, tools, Config{})

	resp, err := loop.Run(context.Background(), &Request{ThreadKey: "chat-1", Text: "User ID: 1\n\nquestion"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Iterations != 2 || resp.ToolCalls != 2 {
		t.Errorf("Iterations = %d, ToolCalls = %d", resp.Iterations, resp.ToolCalls)
	}
	if got := strings.Join(tools.executed, ","); got != "calculator,search_memory" {
		t.Errorf("executed = %s", got)
	}

	second := mock.calls[1]
	// system, user, assistant(tool calls), tool, tool
	if len(second) != 5 {
		t.Fatalf("second call saw %d messages, want 5", len(second))
	}
	if second[3].Role != llm.RoleTool || second[3].ToolCallID != "call_a" || second[3].Content != "2" {
		t.Errorf("first tool message = %+v", second[3])
	}
	if second[4].Role != llm.RoleTool || second[4].ToolCallID != "call_b" || second[4].Content != "My dog is Rex" {
		t.Errorf("second tool message = %+v", second[4])
	}

	thread, _ := store.Load(context.Background(), "chat-1")
	if countRole(thread.Messages, llm.RoleSystem) != 1 {
		t.Errorf("thread has %d system messages, want 1", countRole(thread.Messages, llm.RoleSystem))
	}
	if thread.Messages[0].Role != llm.RoleSystem {
		t.Errorf("persona not at index 0")
	}
}

func TestRun_PersonaReplacedAcrossTurns(t *testing.T) {
	mock := &scriptedLLM{responses: []*llm.ChatResponse{textResp("ok")}}
	loop, store := newTestLoop(t, mock, &fakeTools{}, Config{})
	ctx := context.Background()

	if err := store.Save(ctx, "chat-1", &checkpoint.Thread{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "stale persona"},
		{Role: llm.RoleUser, Content: "earlier"},
		{Role: llm.RoleAssistant, Content: "earlier reply"},
	}}); err != nil {
		t.Fatal(err)
	}

	if _, err := loop.Run(ctx, &Request{ThreadKey: "chat-1", Text: "again"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	thread, _ := store.Load(ctx, "chat-1")
	if countRole(thread.Messages, llm.RoleSystem) != 1 {
		t.Fatalf("system messages = %d, want 1", countRole(thread.Messages, llm.RoleSystem))
	}
	if thread.Messages[0].Content == "stale persona" {
		t.Error("persona was not refreshed")
	}
	if len(thread.Messages) != 5 {
		t.Errorf("thread length = %d, want 5", len(thread.Messages))
	}
}

func TestRun_IterationCap(t *testing.T) {
	loopCall := llm.NewToolCall("call_x", "calculator", map[string]any{"expression": "1"})

	tests := []struct {
		name    string
		content string
		result  string
		want    string
	}{
		{"latest assistant content", "still thinking", "1", "still thinking"},
		{"latest tool result", "", "tool says 1", "tool says 1"},
		{"fixed fallback", "", "", prompts.IterationCapFallback(3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &scriptedLLM{responses: []*llm.ChatResponse{toolResp(tt.content, loopCall)}}
			tools := &fakeTools{results: map[string]string{"calculator": tt.result}}
			loop, store := newTestLoop(t, mock, tools, Config{MaxIterations: 3})

			resp, err := loop.Run(context.Background(), &Request{ThreadKey: "k", Text: "loop forever"})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if len(mock.calls) != 3 {
				t.Errorf("model calls = %d, want 3", len(mock.calls))
			}
			if !resp.CapReached {
				t.Error("CapReached = false")
			}
			if resp.Content != tt.want {
				t.Errorf("Content = %q, want %q", resp.Content, tt.want)
			}

			thread, _ := store.Load(context.Background(), "k")
			last := thread.Messages[len(thread.Messages)-1]
			if last.Role != llm.RoleAssistant || last.Content != tt.want {
				t.Errorf("thread does not end on the delivered answer: %+v", last)
			}
		})
	}
}

func TestRun_DefaultIterationCap(t *testing.T) {
	mock := &scriptedLLM{responses: []*llm.ChatResponse{toolResp("", llm.NewToolCall("c", "calculator", nil))}}
	loop, _ := newTestLoop(t, mock, &fakeTools{results: map[string]string{"calculator": "1"}}, Config{})

	if _, err := loop.Run(context.Background(), &Request{ThreadKey: "k", Text: "x"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(mock.calls) != DefaultMaxIterations {
		t.Errorf("model calls = %d, want %d", len(mock.calls), DefaultMaxIterations)
	}
}

func TestRun_Vacuum(t *testing.T) {
	long := strings.Repeat("r", 600)

	tests := []struct {
		name      string
		final     string
		report    string
		wantLong  bool
		threshold int
	}{
		{"short answer replaced", "Here is your report.", long, true, 0},
		{"499 runes triggers lookback", strings.Repeat("é", 499), long, true, 0},
		{"500 runes stands", strings.Repeat("é", 500), long, false, 0},
		{"500 rune candidate not used", "ok", strings.Repeat("r", 500), false, 0},
		{"501 rune candidate used", "ok", strings.Repeat("r", 501), true, 0},
		{"disabled", "ok", long, false, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := tt.report
			mock := &scriptedLLM{responses: []*llm.ChatResponse{
				toolResp("", llm.NewToolCall("c1", "analyze_meeting", map[string]any{"transcript": "t"})),
				textResp(tt.final),
			}}
			tools := &fakeTools{results: map[string]string{"analyze_meeting": report}}
			loop, _ := newTestLoop(t, mock, tools, Config{VacuumThreshold: tt.threshold})

			resp, err := loop.Run(context.Background(), &Request{ThreadKey: "k", Text: "summarize"})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if tt.wantLong {
				if resp.Content != report || !resp.Vacuumed {
					t.Errorf("Content len = %d, Vacuumed = %v; want report", len(resp.Content), resp.Vacuumed)
				}
			} else if resp.Content != tt.final || resp.Vacuumed {
				t.Errorf("Content was replaced")
			}
		})
	}
}

func TestRun_VacuumScope(t *testing.T) {
	old := strings.Repeat("o", 700)

	tests := []struct {
		name  string
		scope VacuumScope
		want  string
	}{
		{"default", "", old},
		{"turn", ScopeTurn, "short"},
		{"thread", ScopeThread, old},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &scriptedLLM{responses: []*llm.ChatResponse{textResp("short")}}
			loop, store := newTestLoop(t, mock, &fakeTools{}, Config{VacuumScope: tt.scope})
			ctx := context.Background()
			store.Save(ctx, "k", &checkpoint.Thread{Messages: []llm.Message{
				{Role: llm.RoleUser, Content: strings.Repeat("u", 900)},
				{Role: llm.RoleAssistant, Content: old},
			}})

			resp, err := loop.Run(ctx, &Request{ThreadKey: "k", Text: "and now?"})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if resp.Content != tt.want {
				t.Errorf("Content = %.20q..., want %.20q...", resp.Content, tt.want)
			}
		})
	}
}

func TestRun_ModelErrorKeepsUserMessage(t *testing.T) {
	mock := &scriptedLLM{err: errors.New("rate limited")}
	loop, store := newTestLoop(t, mock, &fakeTools{}, Config{})

	_, err := loop.Run(context.Background(), &Request{ThreadKey: "k", Text: "hello"})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err = %v", err)
	}

	thread, _ := store.Load(context.Background(), "k")
	if len(thread.Messages) != 2 || thread.Messages[1].Content != "hello" {
		t.Errorf("thread = %+v", thread.Messages)
	}
}

func TestRun_RequiresThreadKey(t *testing.T) {
	loop, _ := newTestLoop(t, &scriptedLLM{}, &fakeTools{}, Config{})
	if _, err := loop.Run(context.Background(), &Request{Text: "x"}); err == nil {
		t.Error("expected error for empty thread key")
	}
}

func TestRun_RecordsUsage(t *testing.T) {
	mock := &scriptedLLM{responses: []*llm.ChatResponse{
		toolResp("", llm.NewToolCall("c1", "calculator", nil)),
		textResp("done"),
	}}
	loop, _ := newTestLoop(t, mock, &fakeTools{results: map[string]string{"calculator": "1"}}, Config{})
	sink := &usageSink{}
	loop.SetUsageRecorder(sink)

	resp, err := loop.Run(context.Background(), &Request{ThreadKey: "k", UserID: "42", Text: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.InputTokens != 20 || resp.OutputTokens != 10 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if len(sink.recs) != 2 {
		t.Fatalf("usage records = %d, want 2", len(sink.recs))
	}
	for _, r := range sink.recs {
		if r.UserID != "42" || r.ThreadKey != "k" || r.Provider != "openai" || r.Role != usage.RoleInteractive {
			t.Errorf("record = %+v", r)
		}
	}
	if sink.recs[0].TurnID == "" || sink.recs[0].TurnID != sink.recs[1].TurnID {
		t.Errorf("turn IDs = %q, %q; want equal and non-empty", sink.recs[0].TurnID, sink.recs[1].TurnID)
	}
}

func TestRespond(t *testing.T) {
	tests := []struct {
		name string
		llm  *scriptedLLM
		want string
	}{
		{"answer", &scriptedLLM{responses: []*llm.ChatResponse{textResp("Hi!")}}, "Hi!"},
		{"empty answer", &scriptedLLM{responses: []*llm.ChatResponse{textResp("")}}, AgentFailed},
		{"model error", &scriptedLLM{err: errors.New("boom")}, "Error running agent: model call 1: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop, _ := newTestLoop(t, tt.llm, &fakeTools{}, Config{})
			if got := loop.Respond(context.Background(), "chat-9", "9", "hello"); got != tt.want {
				t.Errorf("Respond = %q, want %q", got, tt.want)
			}
			if got := tt.llm.calls[0][1].Content; got != "User ID: 9\n\nhello" {
				t.Errorf("user message = %q", got)
			}
		})
	}
}

// blockingLLM tracks how many calls run at once.
type blockingLLM struct {
	mu      sync.Mutex
	active  int
	maxSeen int
}

func (b *blockingLLM) Chat(context.Context, string, []llm.Message, []map[string]any) (*llm.ChatResponse, error) {
	b.mu.Lock()
	b.active++
	if b.active > b.maxSeen {
		b.maxSeen = b.active
	}
	b.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	b.mu.Lock()
	b.active--
	b.mu.Unlock()
	return textResp("ok"), nil
}

func (b *blockingLLM) Ping(context.Context) error { return nil }

func TestRun_SameThreadSerialized(t *testing.T) {
	mock := &blockingLLM{}
	loop, store := newTestLoop(t, mock, &fakeTools{}, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := loop.Run(context.Background(), &Request{ThreadKey: "shared", Text: fmt.Sprintf("msg %d", i)}); err != nil {
				t.Errorf("Run: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if mock.maxSeen != 1 {
		t.Errorf("max concurrent calls on one thread = %d, want 1", mock.maxSeen)
	}
	thread, _ := store.Load(context.Background(), "shared")
	// persona + 5 × (user, assistant)
	if len(thread.Messages) != 11 {
		t.Errorf("thread length = %d, want 11", len(thread.Messages))
	}
	if loop.locks.len() != 0 {
		t.Errorf("keyed mutex leaked %d entries", loop.locks.len())
	}
}
