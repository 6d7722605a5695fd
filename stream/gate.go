// Package stream turns a server-sent-events body into a bounded, demand-driven
// sequence of frames.
//
// A Gate decodes frames on its own goroutine into a channel of fixed capacity.
// When the consumer falls behind, the channel fills and decoding stops, which
// in turn stops reads from the network. Closing the Gate, cancelling its
// context, or breaking out of All closes the body and ends the goroutine.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/aschepis/backscratcher/relay/bounded"
	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/rs/zerolog"
)

const (
	DefaultBufferSize    = 16
	DefaultMaxLineBytes  = 64 * 1024
	DefaultMaxFrameBytes = 1 << 20
	DefaultMaxFrames     = 10_000

	// DoneSentinel is the data payload that ends an OpenAI-style stream.
	DoneSentinel = "[DONE]"
)

// Chunk is one decoded event frame.
type Chunk struct {
	Event  string
	ID     string
	Data   string
	RawLen int // wire bytes of the frame, comment lines included
}

// Decode unmarshals the frame data as JSON.
func (c Chunk) Decode(v any) error {
	return json.Unmarshal([]byte(c.Data), v)
}

// Option configures a Gate.
type Option func(*Gate)

// WithBufferSize sets how many decoded frames may wait for the consumer.
func WithBufferSize(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.bufferSize = n
		}
	}
}

// WithMaxLineBytes caps a single line, and so the partial-line buffer.
func WithMaxLineBytes(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.maxLine = n
		}
	}
}

// WithMaxFrameBytes caps the data of one frame across its data lines.
func WithMaxFrameBytes(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.maxFrameBytes = n
		}
	}
}

// WithMaxFrames caps how many frames a stream may deliver.
func WithMaxFrames(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.maxFrames = n
		}
	}
}

// WithOperation names the operation in errors and logs.
func WithOperation(op string) Option {
	return func(g *Gate) { g.operation = op }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// Gate is a single-consumer sequence of Chunks read from an SSE body.
type Gate struct {
	bufferSize    int
	maxLine       int
	maxFrameBytes int
	maxFrames     int
	operation     string
	logger        zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	body    io.ReadCloser
	frames  chan Chunk
	done    chan struct{}
	current Chunk

	bodyOnce  sync.Once
	bodyErr   error
	closeOnce sync.Once
	closed    atomic.Bool

	mu  sync.Mutex
	err error

	delivered atomic.Int64
	highWater atomic.Int64
	stop      func() bool
}

// NewGate starts decoding body. The Gate owns body from here on.
func NewGate(ctx context.Context, body io.ReadCloser, opts ...Option) *Gate {
	g := &Gate{
		bufferSize:    DefaultBufferSize,
		maxLine:       DefaultMaxLineBytes,
		maxFrameBytes: DefaultMaxFrameBytes,
		maxFrames:     DefaultMaxFrames,
		logger:        zerolog.Nop(),
		body:          body,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With().Str("component", "streamGate").Str("operation", g.operation).Logger()
	g.frames = make(chan Chunk, g.bufferSize)
	g.ctx, g.cancel = context.WithCancel(ctx)

	// a read blocked on the network only returns once the body is closed
	g.stop = context.AfterFunc(g.ctx, g.closeBody)

	go g.produce()
	return g
}

// Next waits for the next frame. It returns false at the end of the stream,
// after Close, or when the context is cancelled; Err says which.
func (g *Gate) Next() bool {
	if g.closed.Load() {
		return false
	}
	select {
	case c, ok := <-g.frames:
		if !ok {
			return false
		}
		g.current = c
		return true
	case <-g.ctx.Done():
		return false
	}
}

// Chunk returns the frame read by the last successful Next.
func (g *Gate) Chunk() Chunk {
	return g.current
}

// Err returns the error that ended the stream, if any. A stream that reached
// its end or was closed by the consumer has no error.
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	if g.closed.Load() {
		return nil
	}
	if err := g.ctx.Err(); err != nil {
		return llm.WithOperation(g.operation, err)
	}
	return nil
}

// Close stops production, closes the body and waits for the producer to exit.
// It is safe to call more than once and returns the body's close error.
func (g *Gate) Close() error {
	g.closeOnce.Do(func() {
		g.closed.Store(true)
		g.cancel()
		<-g.done
	})
	return g.bodyErr
}

// All returns the frames as a range-over-func sequence. Breaking out of the
// loop closes the Gate. A terminal error is yielded last with a zero Chunk.
func (g *Gate) All() iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		defer g.Close() //nolint:errcheck // consumer is done with the stream
		for g.Next() {
			if !yield(g.Chunk(), nil) {
				return
			}
		}
		if err := g.Err(); err != nil {
			yield(Chunk{}, err)
		}
	}
}

// Buffered is the number of decoded frames waiting for the consumer.
func (g *Gate) Buffered() int {
	return len(g.frames)
}

// HighWater is the largest Buffered value observed by the producer.
func (g *Gate) HighWater() int {
	return int(g.highWater.Load())
}

// Delivered is the number of frames handed to the buffer so far.
func (g *Gate) Delivered() int {
	return int(g.delivered.Load())
}

func (g *Gate) closeBody() {
	g.bodyOnce.Do(func() {
		if g.body != nil {
			g.bodyErr = g.body.Close()
		}
	})
}

func (g *Gate) setErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err == nil {
		g.err = err
	}
}

func (g *Gate) produce() {
	defer close(g.done)
	defer close(g.frames)
	defer g.stop()
	defer g.closeBody()

	if err := g.decode(); err != nil && g.ctx.Err() == nil {
		g.logger.Warn().Err(err).Int("frames", g.Delivered()).Msg("Stream ended with error")
		g.setErr(err)
		return
	}
	g.logger.Debug().Int("frames", g.Delivered()).Int("high_water", g.HighWater()).Msg("Stream finished")
}

// decode reads lines until the stream ends. A nil return means a clean end.
func (g *Gate) decode() error {
	lines := bounded.NewLineReader(g.body, g.maxLine)
	var f frame

	for {
		line, err := lines.ReadLine()
		switch {
		case errors.Is(err, io.EOF):
			if f.pending() {
				_, sendErr := g.emit(&f)
				return sendErr
			}
			return nil
		case llm.IsSizeLimitExceeded(err):
			return llm.WithOperation(g.operation, err)
		case err != nil:
			if g.ctx.Err() != nil {
				return nil
			}
			return llm.NewNetworkError(g.operation, err)
		}

		f.raw += len(line) + 1
		if len(line) == 0 {
			if !f.pending() {
				f.reset()
				continue
			}
			finished, err := g.emit(&f)
			if err != nil || finished {
				return err
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "data":
			if f.hasData {
				f.data.WriteByte('\n')
			}
			f.data.Write(value)
			f.hasData = true
			if f.data.Len() > g.maxFrameBytes {
				return llm.NewSizeLimitError(g.operation, "stream frame", int64(g.maxFrameBytes))
			}
		case "event":
			f.event = string(value)
		case "id":
			f.id = string(value)
		}
	}
}

// emit hands a completed frame to the consumer, blocking while the buffer is
// full. finished reports the end-of-stream sentinel.
func (g *Gate) emit(f *frame) (finished bool, err error) {
	defer f.reset()
	if f.hasData && f.data.String() == DoneSentinel {
		return true, nil
	}
	if g.Delivered() >= g.maxFrames {
		return false, llm.NewSizeLimitError(g.operation, "stream frame count", int64(g.maxFrames))
	}
	c := Chunk{Event: f.event, ID: f.id, Data: f.data.String(), RawLen: f.raw}

	select {
	case g.frames <- c:
	case <-g.ctx.Done():
		return true, nil
	}
	g.delivered.Add(1)
	if n := int64(len(g.frames)); n > g.highWater.Load() {
		g.highWater.Store(n)
	}
	return false, nil
}

type frame struct {
	event   string
	id      string
	data    bytes.Buffer
	hasData bool
	raw     int
}

// pending reports whether the frame has data to deliver; a frame with only
// event or id fields is dropped.
func (f *frame) pending() bool {
	return f.hasData
}

func (f *frame) reset() {
	f.event = ""
	f.id = ""
	f.data.Reset()
	f.hasData = false
	f.raw = 0
}
