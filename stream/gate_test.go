package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frameSource produces one SSE frame per Read and counts reads.
type frameSource struct {
	total  int
	delay  time.Duration
	reads  atomic.Int64
	closed atomic.Bool
}

func (s *frameSource) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, errors.New("read on closed body")
	}
	n := s.reads.Add(1)
	if int(n) > s.total {
		return 0, io.EOF
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return copy(p, fmt.Sprintf("data: {\"n\":%d}\n\n", n)), nil
}

func (s *frameSource) Close() error {
	s.closed.Store(true)
	return nil
}

// blockingBody blocks every Read until Close.
type blockingBody struct {
	once   sync.Once
	closed chan struct{}
}

func newBlockingBody() *blockingBody {
	return &blockingBody{closed: make(chan struct{})}
}

func (b *blockingBody) Read([]byte) (int, error) {
	<-b.closed
	return 0, errors.New("read on closed body")
}

func (b *blockingBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

type closeRecorder struct {
	io.Reader
	closed atomic.Bool
}

func (c *closeRecorder) Close() error {
	c.closed.Store(true)
	return nil
}

func collect(t *testing.T, g *Gate) ([]Chunk, error) {
	t.Helper()
	var chunks []Chunk
	for c, err := range g.All() {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

func TestGateDecodesFrames(t *testing.T) {
	raw := ": keep-alive\n" +
		"event: message\n" +
		"id: 7\n" +
		"data: {\"a\":1}\n\n" +
		"data: line one\n" +
		"data: line two\n\n" +
		"retry: 1000\n\n" +
		"data: [DONE]\n\n" +
		"data: after done\n\n"
	body := &closeRecorder{Reader: strings.NewReader(raw)}

	chunks, err := collect(t, NewGate(context.Background(), body))
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "message", chunks[0].Event)
	assert.Equal(t, "7", chunks[0].ID)
	assert.Equal(t, `{"a":1}`, chunks[0].Data)
	assert.Equal(t, len(": keep-alive\nevent: message\nid: 7\ndata: {\"a\":1}\n\n"), chunks[0].RawLen)

	var decoded struct{ A int }
	require.NoError(t, chunks[0].Decode(&decoded))
	assert.Equal(t, 1, decoded.A)

	assert.Equal(t, "line one\nline two", chunks[1].Data)
	assert.True(t, body.closed.Load())
}

func TestGateSkipsFramesWithoutData(t *testing.T) {
	raw := "event: ping\n\n" +
		"id: 3\nevent: heartbeat\n\n" +
		"data: {\"a\":1}\n\n" +
		"event: trailing\n"
	body := &closeRecorder{Reader: strings.NewReader(raw)}

	chunks, err := collect(t, NewGate(context.Background(), body))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, `{"a":1}`, chunks[0].Data)
	assert.Empty(t, chunks[0].Event, "fields of a dropped frame do not leak into the next one")
	assert.Empty(t, chunks[0].ID)
}

func TestGateHandlesSplitReads(t *testing.T) {
	raw := "data: hello\r\n\r\ndata: world\n\ndata: tail-without-blank"
	body := io.NopCloser(iotest.OneByteReader(strings.NewReader(raw)))

	chunks, err := collect(t, NewGate(context.Background(), body))
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "hello", chunks[0].Data)
	assert.Equal(t, "world", chunks[1].Data)
	assert.Equal(t, "tail-without-blank", chunks[2].Data)
}

func TestGateBufferNeverExceedsCapacity(t *testing.T) {
	const bufferSize = 4
	src := &frameSource{total: 60, delay: time.Millisecond}
	g := NewGate(context.Background(), src, WithBufferSize(bufferSize))
	defer g.Close()

	consumed := 0
	for g.Next() {
		consumed++
		time.Sleep(5 * time.Millisecond)
		assert.LessOrEqual(t, g.Buffered(), bufferSize)
		// frames read from the source but not yet consumed: the buffer,
		// one frame waiting to be sent, and one read in progress
		assert.LessOrEqual(t, int(src.reads.Load())-consumed, bufferSize+2)
	}
	require.NoError(t, g.Err())
	assert.Equal(t, 60, consumed)
	assert.LessOrEqual(t, g.HighWater(), bufferSize)
	assert.Positive(t, g.HighWater())
}

func TestGateAbandonClosesSource(t *testing.T) {
	const bufferSize = 8
	src := &frameSource{total: 1000}
	g := NewGate(context.Background(), src, WithBufferSize(bufferSize))

	taken := 0
	for _, err := range g.All() {
		require.NoError(t, err)
		taken++
		if taken == 10 {
			break
		}
	}

	assert.True(t, src.closed.Load())
	readsAtClose := src.reads.Load()
	assert.LessOrEqual(t, int(readsAtClose), taken+bufferSize+2)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, readsAtClose, src.reads.Load(), "producer kept reading after close")
	assert.False(t, g.Next())
	assert.NoError(t, g.Err())
}

func TestGateCloseUnblocksPendingRead(t *testing.T) {
	body := newBlockingBody()
	g := NewGate(context.Background(), body)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Close()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while a read was blocked")
	}
	assert.False(t, g.Next())
}

func TestGateContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	body := newBlockingBody()
	g := NewGate(ctx, body, WithOperation(llm.OperationChatCompletion))

	cancel()
	assert.False(t, g.Next())
	assert.ErrorIs(t, g.Err(), context.Canceled)

	select {
	case <-body.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("body not closed after cancellation")
	}
	require.NoError(t, g.Close())
}

func TestGateRejectsOversizedLine(t *testing.T) {
	raw := "data: ok\n\ndata: " + strings.Repeat("x", 512) + "\n\n"
	g := NewGate(context.Background(), io.NopCloser(strings.NewReader(raw)),
		WithMaxLineBytes(128), WithOperation(llm.OperationChatCompletion))

	chunks, err := collect(t, g)
	require.Error(t, err)
	assert.True(t, llm.IsSizeLimitExceeded(err))
	assert.Equal(t, llm.OperationChatCompletion, llm.ExtractOperation(err))
	assert.Len(t, chunks, 1)
}

func TestGateRejectsOversizedFrame(t *testing.T) {
	raw := strings.Repeat("data: 0123456789\n", 20) + "\n"
	g := NewGate(context.Background(), io.NopCloser(strings.NewReader(raw)), WithMaxFrameBytes(64))

	_, err := collect(t, g)
	assert.True(t, llm.IsSizeLimitExceeded(err))
}

func TestGateFrameCountLimit(t *testing.T) {
	src := &frameSource{total: 100}
	g := NewGate(context.Background(), src, WithMaxFrames(5))

	chunks, err := collect(t, g)
	require.Error(t, err)
	assert.True(t, llm.IsSizeLimitExceeded(err))
	assert.Len(t, chunks, 5)
}

func TestGateReadErrorIsNetworkError(t *testing.T) {
	boom := errors.New("connection reset by peer")
	body := io.NopCloser(io.MultiReader(strings.NewReader("data: one\n\n"), iotest.ErrReader(boom)))

	chunks, err := collect(t, NewGate(context.Background(), body))
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrNetwork)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, chunks, 1)
}
