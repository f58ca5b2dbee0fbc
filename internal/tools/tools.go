// Package tools defines the closed set of tools the agent may call.
//
// Each tool decodes its arguments into a typed struct. The JSON schema
// offered to the model is generated from the same struct, so the schema
// and the decoder cannot drift apart.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Tool is a named, described, schema-bearing handler.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any

	required []string
	call     func(ctx context.Context, raw []byte) (string, error)
}

// Define builds a tool whose arguments decode strictly into T. Fields of
// T without omitempty are required.
func Define[T any](name, description string, fn func(ctx context.Context, args T) (string, error)) *Tool {
	params, required := GenerateSchema[T]()
	return &Tool{
		Name:        name,
		Description: description,
		Parameters:  params,
		required:    required,
		call: func(ctx context.Context, raw []byte) (string, error) {
			var args T
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&args); err != nil {
				return "", &ErrInvalidArguments{ToolName: name, Err: err}
			}
			return fn(ctx, args)
		},
	}
}

// Registry holds available tools in registration order.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry. Most callers want [New], which
// fills it with the assistant's tool set.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool, replacing any tool with the same name in place.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// List returns the tool definitions in OpenAI function format.
func (r *Registry) List() []map[string]any {
	result := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Call runs a tool and returns its result or a typed error.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	t := r.tools[name]
	if t == nil {
		return "", &ErrUnknownTool{ToolName: name}
	}

	if raw, ok := args["_raw"].(string); ok && len(args) == 1 {
		return "", &ErrInvalidArguments{ToolName: name, Err: fmt.Errorf("arguments are not a JSON object: %q", raw)}
	}
	for _, field := range t.required {
		if v, ok := args[field]; !ok || v == nil {
			return "", &ErrInvalidArguments{ToolName: name, Err: fmt.Errorf("missing required field %q", field)}
		}
	}

	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", &ErrInvalidArguments{ToolName: name, Err: err}
	}
	return t.call(ctx, raw)
}

// Execute runs a tool and always returns text for the model. Failures,
// including panics inside a handler, come back as "Error: ..." strings.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result string) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", p)
			result = fmt.Sprintf("Error: tool %s failed unexpectedly", name)
		}
	}()

	out, err := r.Call(ctx, name, args)
	if err != nil {
		var unknown *ErrUnknownTool
		if errors.As(err, &unknown) {
			r.logger.Warn("model called unknown tool", "tool", name)
		} else {
			r.logger.Warn("tool failed", "tool", name, "error", err, "elapsed", time.Since(start))
		}
		return "Error: " + err.Error()
	}

	r.logger.Debug("tool executed", "tool", name, "result_len", len(out), "elapsed", time.Since(start))
	return out
}
