package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/redact"
	"github.com/aschepis/backscratcher/relay/rpc"
	"github.com/kaptinlin/jsonrepair"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// OperationToolCall labels errors from Handle.
const OperationToolCall = "tool_call"

// maxLoggedResult caps how much of a tool result reaches the log.
const maxLoggedResult = 500

// Handler runs a tool with raw JSON arguments and returns text for the model.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Server is the part of an MCP session the registry needs.
type Server interface {
	ListToolDefinitions(ctx context.Context) ([]rpc.ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

type entry struct {
	tool    openai.Tool
	handler Handler
}

// Registry maps chat-safe tool names to handlers and exposes them as chat
// completion tool definitions.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	names   *NameAdapter
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]entry),
		names:   NewNameAdapter(),
		logger:  logger.With().Str("component", "tool_registry").Logger(),
	}
}

// Register adds a handler under name and returns the safe name the model
// will see. schema is a JSON-schema object; nil means no parameters.
func (r *Registry) Register(name, description string, schema map[string]any, h Handler) string {
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	safe := r.names.GetSafeName(name)

	r.mu.Lock()
	r.entries[safe] = entry{
		tool: openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        safe,
				Description: description,
				Parameters:  schema,
			},
		},
		handler: h,
	}
	r.mu.Unlock()

	r.logger.Debug().Str("name", name).Str("safe_name", safe).Msg("Registering tool handler")
	return safe
}

// RegisterServer lists the tools of an initialized MCP session and registers
// each one as "<server>.<tool>". It returns the number of tools added.
func (r *Registry) RegisterServer(ctx context.Context, server string, s Server) (int, error) {
	defs, err := s.ListToolDefinitions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools of %q: %w", server, err)
	}
	for _, def := range defs {
		toolName := def.Name
		r.Register(server+"."+toolName, def.Description, def.InputSchema, func(ctx context.Context, args json.RawMessage) (string, error) {
			params, err := decodeArguments(args)
			if err != nil {
				return "", llm.NewInvalidRequestError(OperationToolCall, fmt.Errorf("arguments for %s: %w", toolName, err))
			}
			result, err := s.CallTool(ctx, toolName, params)
			if err != nil {
				return "", err
			}
			text := rpc.ToolText(result)
			if result.IsError {
				return "", fmt.Errorf("tool %s reported an error: %s", toolName, redact.String(text))
			}
			return text, nil
		})
	}
	r.logger.Info().Str("server", server).Int("tool_count", len(defs)).Msg("Registered MCP server tools")
	return len(defs), nil
}

// decodeArguments parses the model's argument object. Models sometimes emit
// almost-JSON (single quotes, trailing commas, unquoted keys), which is
// repaired before giving up.
func decodeArguments(args json.RawMessage) (map[string]any, error) {
	var params map[string]any
	if len(args) == 0 {
		return params, nil
	}
	err := json.Unmarshal(args, &params)
	if err == nil {
		return params, nil
	}
	repaired, repairErr := jsonrepair.JSONRepair(string(args))
	if repairErr != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(repaired), &params); err != nil {
		return nil, err
	}
	return params, nil
}

// Definitions returns the registered tools sorted by name.
func (r *Registry) Definitions() []openai.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]openai.Tool, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.tool)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Function.Name < defs[j].Function.Name })
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Handle dispatches a tool call from the model.
func (r *Registry) Handle(ctx context.Context, call openai.ToolCall) (string, error) {
	name := call.Function.Name
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Error().Str("tool", name).Msg("Unknown tool requested")
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	original, _ := r.names.ToOriginalName(name)
	log := r.logger.With().Str("tool", original).Str("call_id", call.ID).Logger()
	log.Info().Msg("Executing tool")
	log.Debug().Str("args", redact.JSONFields(call.Function.Arguments)).Msg("Tool called with arguments")

	result, err := e.handler(ctx, json.RawMessage(call.Function.Arguments))
	if err != nil {
		log.Warn().Str("error", redact.Error(err)).Msg("Tool returned error")
		return "", err
	}

	logged := result
	if len(logged) > maxLoggedResult {
		logged = logged[:maxLoggedResult] + "... (truncated)"
	}
	log.Info().Str("result", redact.String(logged)).Msg("Tool returned result")
	return result, nil
}
