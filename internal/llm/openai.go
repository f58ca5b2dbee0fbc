package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/khairulanwarjo/gestella/internal/httpkit"
)

// DefaultOpenAIURL is the public OpenAI API root.
const DefaultOpenAIURL = "https://api.openai.com/v1"

// OpenAIClient talks to the OpenAI chat completions API, or any
// endpoint that speaks the same protocol.
type OpenAIClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a new OpenAI client. An empty baseURL selects
// [DefaultOpenAIURL].
func NewOpenAIClient(baseURL, apiKey string, logger *slog.Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = DefaultOpenAIURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Tool-heavy prompts can take a while before the first header.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "openai"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithBearerToken(apiKey),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type openaiRequest struct {
	Model       string           `json:"model"`
	Messages    []openaiMessage  `json:"messages"`
	Tools       []map[string]any `json:"tools,omitempty"`
	Temperature float64          `json:"temperature"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"` // JSON-encoded object
	} `json:"function"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat sends a non-streaming chat completion request at temperature 0.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	wireMsgs, err := convertToOpenAI(messages)
	if err != nil {
		return nil, err
	}
	req := openaiRequest{
		Model:    model,
		Messages: wireMsgs,
		Tools:    tools,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("sending request",
		"model", model,
		"messages", len(messages),
		"tools", len(tools),
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var wire openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	out, err := convertFromOpenAI(&wire)
	if err != nil {
		return nil, err
	}
	out.Duration = time.Since(start)

	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
		"elapsed", out.Duration,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", out.Message.Content)

	return out, nil
}

// Ping lists models to confirm the key and endpoint work.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai ping: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	return nil
}

func convertToOpenAI(messages []Message) ([]openaiMessage, error) {
	out := make([]openaiMessage, 0, len(messages))
	for _, m := range messages {
		content := m.Content
		wm := openaiMessage{Role: m.Role, Content: &content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args := tc.Function.Arguments
			if args == nil {
				args = map[string]any{}
			}
			raw, err := json.Marshal(args)
			if err != nil {
				return nil, fmt.Errorf("marshal arguments for %s: %w", tc.Function.Name, err)
			}
			wtc := openaiToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Function.Name
			wtc.Function.Arguments = string(raw)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		// Assistant tool-call turns carry null content on the wire.
		if m.Role == RoleAssistant && len(m.ToolCalls) > 0 && m.Content == "" {
			wm.Content = nil
		}
		out = append(out, wm)
	}
	return out, nil
}

func convertFromOpenAI(wire *openaiResponse) (*ChatResponse, error) {
	msg := wire.Choices[0].Message
	out := &ChatResponse{
		Model:        wire.Model,
		CreatedAt:    time.Unix(wire.Created, 0),
		InputTokens:  wire.Usage.PromptTokens,
		OutputTokens: wire.Usage.CompletionTokens,
		Message:      Message{Role: RoleAssistant},
	}
	if msg.Content != nil {
		out.Message.Content = *msg.Content
	}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				// Keep the raw text so the tool can report a useful error.
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		out.Message.ToolCalls = append(out.Message.ToolCalls, NewToolCall(tc.ID, tc.Function.Name, args))
	}
	return out, nil
}
