package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/khairulanwarjo/gestella/internal/httpkit"
)

// DefaultAnthropicMaxTokens caps a single Anthropic reply.
const DefaultAnthropicMaxTokens = 4096

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client    anthropic.Client
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. Extra request
// options (a base URL for tests, for instance) are appended after the
// key and HTTP client.
func NewAnthropicClient(apiKey string, logger *slog.Logger, opts ...option.RequestOption) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t))),
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(append(base, opts...)...),
		maxTokens: DefaultAnthropicMaxTokens,
		logger:    logger.With("provider", "anthropic"),
	}
}

// Chat sends a non-streaming Messages request at temperature 0.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	msgs, system := convertToAnthropic(messages)

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   c.maxTokens,
		Messages:    msgs,
		Temperature: anthropic.Float(0),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if apiTools := convertToolsToAnthropic(tools); len(apiTools) > 0 {
		params.Tools = apiTools
	}

	c.logger.Debug("sending request",
		"model", model,
		"messages", len(msgs),
		"tools", len(params.Tools),
		"system_len", len(system),
	)

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}

	out := convertFromAnthropic(resp)
	out.Duration = time.Since(start)

	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
		"stop_reason", string(resp.StopReason),
		"elapsed", out.Duration,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", out.Message.Content)

	return out, nil
}

// Ping lists one model to confirm the key works.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return fmt.Errorf("anthropic ping: %w", err)
	}
	return nil
}

// convertToAnthropic splits out the system prompt and folds consecutive
// tool results into a single user turn, which the Messages API requires.
func convertToAnthropic(messages []Message) ([]anthropic.MessageParam, string) {
	var systemParts []string
	var result []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		if msg.Role != RoleTool {
			flush()
		}
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for i, tc := range msg.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{ID: id, Name: tc.Function.Name, Input: args},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))

		case RoleTool:
			isErr := strings.HasPrefix(msg.Content, "Error")
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, isErr))

		case RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flush()

	return result, strings.Join(systemParts, "\n\n")
}

func convertToolsToAnthropic(tools []map[string]any) []anthropic.ToolUnionParam {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)

		schema := anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
		if params, ok := fn["parameters"].(map[string]any); ok {
			if props, ok := params["properties"]; ok {
				schema.Properties = props
			}
			switch req := params["required"].(type) {
			case []string:
				schema.Required = req
			case []any:
				for _, r := range req {
					if s, ok := r.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}

		result = append(result, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(desc),
			InputSchema: schema,
		}})
	}
	return result
}

func convertFromAnthropic(resp *anthropic.Message) *ChatResponse {
	var content strings.Builder
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					args = map[string]any{"_raw": string(b.Input)}
				}
			}
			toolCalls = append(toolCalls, NewToolCall(b.ID, b.Name, args))
		}
	}

	return &ChatResponse{
		Model: string(resp.Model),
		Message: Message{
			Role:      RoleAssistant,
			Content:   content.String(),
			ToolCalls: toolCalls,
		},
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
}
