package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedChat struct {
	replies  []openai.ChatCompletionMessage
	requests []openai.ChatCompletionRequest
	streamed int
}

func (s *scriptedChat) Complete(_ context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return nil, errors.New("no scripted reply")
	}
	msg := s.replies[0]
	s.replies = s.replies[1:]
	return &openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{Message: msg}}}, nil
}

func (s *scriptedChat) Collect(ctx context.Context, req openai.ChatCompletionRequest, onDelta func(string) error) (*openai.ChatCompletionResponse, error) {
	s.streamed++
	resp, err := s.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if content := resp.Choices[0].Message.Content; content != "" {
		if err := onDelta(content); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

type fakeTools struct {
	calls []openai.ToolCall
	err   error
}

func (f *fakeTools) Definitions() []openai.Tool {
	return []openai.Tool{{Type: openai.ToolTypeFunction, Function: &openai.FunctionDefinition{Name: "lookup"}}}
}

func (f *fakeTools) Handle(_ context.Context, call openai.ToolCall) (string, error) {
	f.calls = append(f.calls, call)
	if f.err != nil {
		return "", f.err
	}
	return "42", nil
}

func toolReply(id, args string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleAssistant,
		ToolCalls: []openai.ToolCall{{
			ID:       id,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: "lookup", Arguments: args},
		}},
	}
}

func TestNewRunnerValidates(t *testing.T) {
	_, err := NewRunner(zerolog.Nop(), nil, nil, "m")
	assert.Error(t, err)
	_, err = NewRunner(zerolog.Nop(), &scriptedChat{}, nil, "")
	assert.Error(t, err)
}

func TestRunWithoutTools(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{{Content: "  hello  "}}}
	r, err := NewRunner(zerolog.Nop(), chat, nil, "openai/gpt-4o-mini")
	require.NoError(t, err)

	text, conv, err := r.Run(context.Background(), nil, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	require.Len(t, conv, 2)
	assert.Equal(t, openai.ChatMessageRoleAssistant, conv[1].Role)
	assert.Empty(t, chat.requests[0].Tools)
	assert.Equal(t, "openai/gpt-4o-mini", chat.requests[0].Model)
}

func TestRunExecutesToolCalls(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{
		toolReply("call_1", `{"q":"answer"}`),
		{Role: openai.ChatMessageRoleAssistant, Content: "The answer is 42"},
	}}
	tools := &fakeTools{}
	r, err := NewRunner(zerolog.Nop(), chat, tools, "m")
	require.NoError(t, err)

	var deltas []string
	text, conv, err := r.Run(context.Background(), nil, "what is it?", func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "The answer is 42", text)
	assert.Equal(t, []string{"The answer is 42"}, deltas)
	assert.Equal(t, 2, chat.streamed)
	require.Len(t, tools.calls, 1)

	require.Len(t, conv, 4)
	toolMsg := conv[2]
	assert.Equal(t, openai.ChatMessageRoleTool, toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.Equal(t, "42", toolMsg.Content)
	assert.Len(t, chat.requests[1].Messages, 3)
	assert.Len(t, chat.requests[1].Tools, 1)
}

func TestRunReportsToolErrorsToModel(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{
		toolReply("call_1", `{}`),
		{Content: "sorry"},
	}}
	r, err := NewRunner(zerolog.Nop(), chat, &fakeTools{err: errors.New("backend down")}, "m")
	require.NoError(t, err)

	text, conv, err := r.Run(context.Background(), nil, "go", nil)
	require.NoError(t, err)
	assert.Equal(t, "sorry", text)
	assert.Equal(t, "error: backend down", conv[2].Content)
}

func TestRunStopsOnRepeatedToolFailure(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{
		toolReply("a", `{}`), toolReply("b", `{}`), toolReply("c", `{}`), {Content: "unreached"},
	}}
	tools := &fakeTools{err: errors.New("backend down")}
	r, err := NewRunner(zerolog.Nop(), chat, tools, "m")
	require.NoError(t, err)

	_, _, err = r.Run(context.Background(), nil, "go", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repeatedly failed")
	assert.Len(t, tools.calls, maxRepeatedFailures)
}

func TestRunMaxIterations(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{
		toolReply("a", `{"n":1}`), toolReply("b", `{"n":2}`), toolReply("c", `{"n":3}`),
	}}
	r, err := NewRunner(zerolog.Nop(), chat, &fakeTools{}, "m", WithMaxIterations(2))
	require.NoError(t, err)

	_, _, err = r.Run(context.Background(), nil, "loop", nil)
	assert.ErrorContains(t, err, "maximum iterations (2)")
	assert.Len(t, chat.requests, 2)
}

func TestRunToolCallsWithoutRegistry(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{toolReply("a", `{}`)}}
	r, err := NewRunner(zerolog.Nop(), chat, nil, "m")
	require.NoError(t, err)

	_, _, err = r.Run(context.Background(), nil, "go", nil)
	assert.ErrorContains(t, err, "none are registered")
}

func TestRunPropagatesCompletionError(t *testing.T) {
	r, err := NewRunner(zerolog.Nop(), &scriptedChat{}, nil, "m")
	require.NoError(t, err)

	history := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: "be brief"}}
	_, conv, err := r.Run(context.Background(), history, "go", nil)
	assert.ErrorContains(t, err, "no scripted reply")
	assert.Len(t, conv, 2)
	assert.Len(t, history, 1, "history is not modified")
}
