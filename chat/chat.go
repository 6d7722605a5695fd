// Package chat calls OpenAI-compatible chat completion endpoints (OpenRouter by
// default) through the resilient client. Request and response shapes are the
// go-openai types; only the HTTP path is replaced.
package chat

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aschepis/backscratcher/relay/client"
	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// DefaultBaseURL is the OpenRouter API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Client sends chat requests.
type Client struct {
	http    *client.Client
	baseURL string
	logger  zerolog.Logger
}

// New creates a chat client. An empty baseURL selects DefaultBaseURL.
func New(c *client.Client, baseURL string, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    c,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With().Str("component", "chatClient").Logger(),
	}
}

// Complete sends a buffered chat completion.
func (c *Client) Complete(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	op := llm.OperationChatCompletion
	req.Stream = false
	req.StreamOptions = nil

	factory, err := client.JSONRequest(http.MethodPost, c.baseURL+"/chat/completions", req, nil)
	if err != nil {
		return nil, llm.NewInvalidRequestError(op, err)
	}

	c.logger.Debug().Str("model", req.Model).Int("messages", len(req.Messages)).Msg("Sending chat completion")
	res, err := c.http.Do(ctx, op, factory)
	if err != nil {
		return nil, err
	}
	resp, err := client.DecodeJSON[openai.ChatCompletionResponse](res)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, llm.NewProtocolError(op, "response has no choices", nil)
	}

	c.logger.Debug().
		Str("model", resp.Model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Str("finish_reason", string(resp.Choices[0].FinishReason)).
		Msg("Chat completion received")
	return &resp, nil
}

// CompleteStream starts a streamed chat completion. The caller must drain or
// Close the returned Stream.
func (c *Client) CompleteStream(ctx context.Context, req openai.ChatCompletionRequest) (*Stream, error) {
	op := llm.OperationChatCompletion
	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	factory, err := client.JSONRequest(http.MethodPost, c.baseURL+"/chat/completions", req,
		http.Header{"Accept": {"text/event-stream"}})
	if err != nil {
		return nil, llm.NewInvalidRequestError(op, err)
	}

	c.logger.Debug().Str("model", req.Model).Int("messages", len(req.Messages)).Msg("Starting chat stream")
	gate, err := c.http.Stream(ctx, op, factory)
	if err != nil {
		return nil, err
	}
	return newStream(gate, op), nil
}

// Collect runs a streamed completion to the end and assembles the result as a
// buffered response.
func (c *Client) Collect(ctx context.Context, req openai.ChatCompletionRequest, onDelta func(string) error) (*openai.ChatCompletionResponse, error) {
	s, err := c.CompleteStream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer s.Close() //nolint:errcheck // stream is drained or abandoned

	for s.Next() {
		if onDelta == nil {
			continue
		}
		if delta := s.Delta(); delta != "" {
			if err := onDelta(delta); err != nil {
				return nil, fmt.Errorf("delta callback failed: %w", err)
			}
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}

	resp := &openai.ChatCompletionResponse{
		ID:    s.id,
		Model: s.model,
		Choices: []openai.ChatCompletionChoice{{
			Message:      s.Message(),
			FinishReason: s.FinishReason(),
		}},
	}
	if u := s.Usage(); u != nil {
		resp.Usage = *u
	}
	return resp, nil
}

// Models lists the models offered by the endpoint.
func (c *Client) Models(ctx context.Context) ([]openai.Model, error) {
	factory, err := client.JSONRequest(http.MethodGet, c.baseURL+"/models", nil, nil)
	if err != nil {
		return nil, llm.NewInvalidRequestError(llm.OperationListModels, err)
	}
	res, err := c.http.Do(ctx, llm.OperationListModels, factory)
	if err != nil {
		return nil, err
	}
	list, err := client.DecodeJSON[openai.ModelsList](res)
	if err != nil {
		return nil, err
	}
	return list.Models, nil
}

// Text returns the content of the first choice.
func Text(resp *openai.ChatCompletionResponse) string {
	if resp == nil || len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}
