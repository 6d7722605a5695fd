// Package bounded reads untrusted byte sources under a hard size cap.
//
// Nothing here looks at Content-Length or any other declared size. The cap
// applies to bytes actually received, so a server that lies about its length
// or streams forever is cut off after at most the cap plus one read chunk.
package bounded

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/aschepis/backscratcher/relay/llm"
)

// ChunkSize is the largest single read issued against a source.
const ChunkSize = 32 * 1024

// ReadAll reads src until EOF. It fails with llm.ErrSizeLimitExceeded as soon
// as more than max bytes have arrived, discarding what was buffered.
func ReadAll(src io.Reader, max int64) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, ChunkSize)
	var total int64
	for {
		n, err := src.Read(chunk)
		if n > 0 {
			total += int64(n)
			if total > max {
				return nil, llm.NewSizeLimitError("", "response body", max)
			}
			buf.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// ReadAndClose is ReadAll followed by closing src on every path.
func ReadAndClose(src io.ReadCloser, max int64) ([]byte, error) {
	defer src.Close() //nolint:errcheck // body already consumed or abandoned
	return ReadAll(src, max)
}

// ReadPrefix reads at most max bytes from src. truncated reports whether the
// source had more to give. Errors after some data was read are ignored so a
// failed response can still be described by its prefix.
func ReadPrefix(src io.Reader, max int64) (prefix []byte, truncated bool, err error) {
	data, err := io.ReadAll(io.LimitReader(src, max+1))
	if err != nil && len(data) == 0 {
		return nil, false, err
	}
	if int64(len(data)) > max {
		return data[:max], true, nil
	}
	return data, false, nil
}

// LineReader splits a stream into lines no longer than a fixed cap.
type LineReader struct {
	br   *bufio.Reader
	max  int
	line []byte
}

// NewLineReader returns a LineReader over src that rejects lines longer than
// maxLine bytes, excluding the line terminator.
func NewLineReader(src io.Reader, maxLine int) *LineReader {
	size := maxLine + 2
	if size > ChunkSize {
		size = ChunkSize
	}
	return &LineReader{
		br:  bufio.NewReaderSize(src, size),
		max: maxLine,
	}
}

// ReadLine returns the next line without its "\n" or "\r\n" terminator. The
// slice is only valid until the next call. A line over the cap yields
// llm.ErrSizeLimitExceeded; the reader then skips to the next newline so the
// following call starts on a fresh line. A final unterminated line is returned
// before io.EOF.
func (l *LineReader) ReadLine() ([]byte, error) {
	l.line = l.line[:0]
	for {
		frag, err := l.br.ReadSlice('\n')
		l.line = append(l.line, frag...)
		if len(trimEOL(l.line)) > l.max {
			if errors.Is(err, bufio.ErrBufferFull) {
				l.discardLine()
			}
			l.line = l.line[:0]
			return nil, llm.NewSizeLimitError("", "stream line", int64(l.max))
		}
		switch {
		case err == nil:
			return trimEOL(l.line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(l.line) > 0 {
				return trimEOL(l.line), nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

func (l *LineReader) discardLine() {
	for {
		_, err := l.br.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}
