package chat

import (
	"sort"
	"strings"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/redact"
	"github.com/aschepis/backscratcher/relay/stream"
	openai "github.com/sashabaranov/go-openai"
)

// Stream yields chat completion chunks and accumulates them into the final
// assistant message.
type Stream struct {
	gate      *stream.Gate
	operation string

	current openai.ChatCompletionStreamResponse
	err     error

	id           string
	model        string
	text         strings.Builder
	toolCalls    map[int]*openai.ToolCall
	finishReason openai.FinishReason
	usage        *openai.Usage
}

func newStream(gate *stream.Gate, operation string) *Stream {
	return &Stream{
		gate:      gate,
		operation: operation,
		toolCalls: make(map[int]*openai.ToolCall),
	}
}

// Next advances to the next chunk. Frames that carry no choices and no usage,
// such as keep-alives, are skipped.
func (s *Stream) Next() bool {
	if s.err != nil {
		return false
	}
	for s.gate.Next() {
		chunk := s.gate.Chunk()

		var apiErr openai.ErrorResponse
		if err := chunk.Decode(&apiErr); err == nil && apiErr.Error != nil {
			s.err = llm.NewProtocolError(s.operation, redact.SafeMessage("stream error", apiErr.Error.Message), nil)
			return false
		}

		var resp openai.ChatCompletionStreamResponse
		if err := chunk.Decode(&resp); err != nil {
			s.err = llm.NewProtocolError(s.operation, "malformed stream chunk", err)
			return false
		}
		if len(resp.Choices) == 0 && resp.Usage == nil {
			continue
		}
		s.accumulate(resp)
		s.current = resp
		return true
	}
	s.err = s.gate.Err()
	return false
}

// Response returns the chunk read by the last successful Next.
func (s *Stream) Response() openai.ChatCompletionStreamResponse {
	return s.current
}

// Delta returns the text content of the current chunk.
func (s *Stream) Delta() string {
	if len(s.current.Choices) == 0 {
		return ""
	}
	return s.current.Choices[0].Delta.Content
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// Close abandons the stream and releases the connection.
func (s *Stream) Close() error {
	return s.gate.Close()
}

// Message returns the assistant message accumulated so far.
func (s *Stream) Message() openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: s.text.String(),
	}
	if len(s.toolCalls) == 0 {
		return msg
	}
	indexes := make([]int, 0, len(s.toolCalls))
	for i := range s.toolCalls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		tc := *s.toolCalls[i]
		tc.Index = nil
		msg.ToolCalls = append(msg.ToolCalls, tc)
	}
	return msg
}

// FinishReason is the last finish reason reported by the server.
func (s *Stream) FinishReason() openai.FinishReason {
	return s.finishReason
}

// Usage is reported in the final chunk when usage was requested.
func (s *Stream) Usage() *openai.Usage {
	return s.usage
}

func (s *Stream) accumulate(resp openai.ChatCompletionStreamResponse) {
	if resp.ID != "" {
		s.id = resp.ID
	}
	if resp.Model != "" {
		s.model = resp.Model
	}
	if resp.Usage != nil {
		s.usage = resp.Usage
	}
	if len(resp.Choices) == 0 {
		return
	}

	choice := resp.Choices[0]
	s.text.WriteString(choice.Delta.Content)
	if choice.FinishReason != "" {
		s.finishReason = choice.FinishReason
	}

	// Tool call arguments arrive in fragments keyed by index; the id and name
	// come with the first fragment only.
	for pos, delta := range choice.Delta.ToolCalls {
		idx := pos
		if delta.Index != nil {
			idx = *delta.Index
		}
		tc, ok := s.toolCalls[idx]
		if !ok {
			tc = &openai.ToolCall{Type: openai.ToolTypeFunction}
			s.toolCalls[idx] = tc
		}
		if delta.ID != "" {
			tc.ID = delta.ID
		}
		if delta.Type != "" {
			tc.Type = delta.Type
		}
		if delta.Function.Name != "" {
			tc.Function.Name = delta.Function.Name
		}
		tc.Function.Arguments += delta.Function.Arguments
	}
}
