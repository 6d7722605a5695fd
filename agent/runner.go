// Package agent runs chat completions in a loop, executing the tool calls the
// model makes until it answers in plain text.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/relay/redact"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultMaxIterations bounds the number of completions per Run.
	DefaultMaxIterations = 20
	maxRepeatedFailures  = 3
)

// Completer is the chat client used by the runner.
type Completer interface {
	Complete(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error)
	Collect(ctx context.Context, req openai.ChatCompletionRequest, onDelta func(string) error) (*openai.ChatCompletionResponse, error)
}

// ToolExecutor runs tool calls and advertises the available tools.
type ToolExecutor interface {
	Definitions() []openai.Tool
	Handle(ctx context.Context, call openai.ToolCall) (string, error)
}

// StreamCallback receives text deltas when a Run streams.
type StreamCallback func(delta string) error

// Runner drives one conversation through the tool loop.
type Runner struct {
	chat          Completer
	tools         ToolExecutor
	model         string
	maxIterations int
	logger        zerolog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxIterations overrides DefaultMaxIterations.
func WithMaxIterations(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxIterations = n
		}
	}
}

// NewRunner creates a runner. tools may be nil, in which case the model is
// offered no tools.
func NewRunner(logger zerolog.Logger, chat Completer, tools ToolExecutor, model string, opts ...Option) (*Runner, error) {
	if chat == nil {
		return nil, errors.New("chat client is required for Runner")
	}
	if model == "" {
		return nil, errors.New("model is required for Runner")
	}
	r := &Runner{
		chat:          chat,
		tools:         tools,
		model:         model,
		maxIterations: DefaultMaxIterations,
		logger:        logger.With().Str("component", "agentRunner").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type toolCallKey struct {
	name string
	args string
}

// Run sends history plus the user message and keeps answering tool calls
// until the model stops asking for them. When callback is non-nil each
// completion is streamed and its text deltas passed on. It returns the final
// text and the full conversation, including tool messages.
func (r *Runner) Run(ctx context.Context, history []openai.ChatCompletionMessage, userMsg string, callback StreamCallback) (string, []openai.ChatCompletionMessage, error) {
	conversation := append([]openai.ChatCompletionMessage(nil), history...)
	if userMsg != "" {
		conversation = append(conversation, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userMsg})
	}

	var tools []openai.Tool
	if r.tools != nil {
		tools = r.tools.Definitions()
	}
	failures := make(map[toolCallKey]int)

	for iteration := 1; iteration <= r.maxIterations; iteration++ {
		req := openai.ChatCompletionRequest{
			Model:    r.model,
			Messages: conversation,
			Tools:    tools,
		}
		r.logger.Debug().Int("iteration", iteration).Int("messages", len(conversation)).Int("tools", len(tools)).Msg("Calling LLM")

		resp, err := r.complete(ctx, req, callback)
		if err != nil {
			return "", conversation, err
		}
		if len(resp.Choices) == 0 {
			return "", conversation, errors.New("completion returned no choices")
		}
		msg := resp.Choices[0].Message
		if msg.Role == "" {
			msg.Role = openai.ChatMessageRoleAssistant
		}
		conversation = append(conversation, msg)

		if len(msg.ToolCalls) == 0 {
			return strings.TrimSpace(msg.Content), conversation, nil
		}
		if r.tools == nil {
			return "", conversation, errors.New("model requested tools but none are registered")
		}

		for _, call := range msg.ToolCalls {
			content, err := r.tools.Handle(ctx, call)
			key := toolCallKey{name: call.Function.Name, args: call.Function.Arguments}
			if err != nil {
				if ctx.Err() != nil {
					return "", conversation, ctx.Err()
				}
				failures[key]++
				if failures[key] >= maxRepeatedFailures {
					r.logger.Warn().Str("tool", call.Function.Name).Int("failures", failures[key]).
						Msg("Tool has failed too many times. Breaking loop to prevent infinite retry")
					return "", conversation, fmt.Errorf("tool %q repeatedly failed with same input after %d attempts: %w",
						call.Function.Name, maxRepeatedFailures, err)
				}
				content = "error: " + redact.Error(err)
			} else {
				delete(failures, key)
			}
			conversation = append(conversation, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				Name:       call.Function.Name,
				ToolCallID: call.ID,
			})
		}
	}

	return "", conversation, fmt.Errorf("tool loop exceeded maximum iterations (%d)", r.maxIterations)
}

func (r *Runner) complete(ctx context.Context, req openai.ChatCompletionRequest, callback StreamCallback) (*openai.ChatCompletionResponse, error) {
	if callback == nil {
		return r.chat.Complete(ctx, req)
	}
	return r.chat.Collect(ctx, req, callback)
}
