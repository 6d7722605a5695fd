package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/aschepis/backscratcher/relay/bounded"
	"github.com/rs/zerolog"
)

// closeGrace is how long a server process may take to exit after stdin closes.
const closeGrace = 2 * time.Second

// ErrWireClosed is returned by Send after the wire was closed.
var ErrWireClosed = errors.New("rpc: wire closed")

// StreamWire exchanges newline-delimited JSON messages over a byte stream,
// such as a child process's stdio or a socket.
type StreamWire struct {
	lines  *bounded.LineReader
	w      io.Writer
	closer func() error

	// writeLock holds a token while a write is in flight. A channel rather
	// than a mutex so waiting for it stops with the caller's context.
	writeLock chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewStreamWire reads messages from r and writes them to w. Inbound messages
// longer than maxMessage are dropped. closer, if set, is called by Close and
// must unblock a pending read or write.
func NewStreamWire(r io.Reader, w io.Writer, maxMessage int64, closer func() error) *StreamWire {
	return &StreamWire{
		lines:     bounded.NewLineReader(r, int(maxMessage)),
		w:         w,
		closer:    closer,
		writeLock: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

// Send implements Wire. Replies arrive through Receive.
//
// Both waiting for a concurrent write and the write itself stop when ctx ends.
// A write abandoned half-way would leave a partial line on the stream, so in
// that case the wire is closed and every later Send fails with ErrWireClosed.
func (w *StreamWire) Send(ctx context.Context, msg []byte, _ int64) ([][]byte, error) {
	select {
	case w.writeLock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.closed:
		return nil, ErrWireClosed
	}
	if w.isClosed() {
		<-w.writeLock
		return nil, ErrWireClosed
	}

	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, '\n')

	written := make(chan error, 1)
	go func() {
		defer func() { <-w.writeLock }()
		_, err := w.w.Write(buf)
		written <- err
	}()

	select {
	case err := <-written:
		if err != nil && w.isClosed() {
			return nil, ErrWireClosed
		}
		return nil, err
	case <-ctx.Done():
		select {
		case err := <-written:
			return nil, err
		default:
		}
		// the closer may wait for a process to exit; do not hold the caller
		go w.Close() //nolint:errcheck // reported by the session's Close
		return nil, ctx.Err()
	case <-w.closed:
		return nil, ErrWireClosed
	}
}

func (w *StreamWire) isClosed() bool {
	select {
	case <-w.closed:
		return true
	default:
		return false
	}
}

// Receive implements Listener. Blank lines are skipped.
func (w *StreamWire) Receive() ([]byte, error) {
	for {
		line, err := w.lines.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
}

// Close implements Wire.
func (w *StreamWire) Close() error {
	w.closeOnce.Do(func() {
		close(w.closed)
		if w.closer != nil {
			w.closeErr = w.closer()
		}
	})
	return w.closeErr
}

// StartCommand launches command and returns a StreamWire over its stdio.
// Closing the wire closes stdin and waits for the process to exit.
func StartCommand(ctx context.Context, logger zerolog.Logger, command string, args, env []string, maxMessage int64) (*StreamWire, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("command is required")
	}
	cmdArgs := append(parts[1:len(parts):len(parts)], args...)

	//nolint:gosec // G204: command comes from trusted configuration
	cmd := exec.CommandContext(ctx, parts[0], cmdArgs...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stderr = logger.With().Str("component", "rpcCommand").Str("command", parts[0]).Logger()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", parts[0], err)
	}
	logger.Info().Str("command", parts[0]).Strs("args", cmdArgs).Int("pid", cmd.Process.Pid).Msg("Started rpc server process")

	closer := func() error {
		inErr := stdin.Close()
		exited := make(chan error, 1)
		go func() { exited <- cmd.Wait() }()
		var waitErr error
		select {
		case waitErr = <-exited:
		case <-time.After(closeGrace):
			_ = cmd.Process.Kill()
			waitErr = <-exited
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			// a server killed on close is expected
			waitErr = nil
		}
		return errors.Join(inErr, waitErr)
	}
	return NewStreamWire(stdout, stdin, maxMessage, closer), nil
}
