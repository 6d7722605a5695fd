package rpc

import (
	"context"
	"mime"
	"net/http"
	"sync"

	"github.com/aschepis/backscratcher/relay/bounded"
	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/stream"
	"github.com/aschepis/backscratcher/relay/transport"
	"github.com/rs/zerolog"
)

const sessionHeader = "Mcp-Session-Id"

// HTTPWire posts each message to a single endpoint. Replies come back in the
// response body either as one JSON document or as an event stream.
type HTTPWire struct {
	url       string
	transport transport.Transport
	logger    zerolog.Logger

	mu        sync.Mutex
	sessionID string
}

// NewHTTPWire creates a wire posting to url through t.
func NewHTTPWire(url string, t transport.Transport, logger zerolog.Logger) *HTTPWire {
	return &HTTPWire{
		url:       url,
		transport: t,
		logger:    logger.With().Str("component", "httpWire").Str("url", url).Logger(),
	}
}

// Send implements Wire. Every inbound message is capped at maxResponse bytes.
func (w *HTTPWire) Send(ctx context.Context, msg []byte, maxResponse int64) ([][]byte, error) {
	req := transport.NewJSONRequest(http.MethodPost, w.url, msg)
	req.Header.Set("Accept", "application/json, text/event-stream")
	if id := w.session(); id != "" {
		req.Header.Set(sessionHeader, id)
	}

	resp, err := w.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if id := resp.Header.Get(sessionHeader); id != "" {
		w.setSession(id)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close() //nolint:errcheck // failed exchange
		prefix, _, _ := bounded.ReadPrefix(resp.Body, 2000)
		return nil, llm.NewHTTPStatusError("", resp.StatusCode, string(prefix), false, nil)
	}
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		_ = resp.Body.Close()
		return nil, nil
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return w.readEvents(ctx, resp, maxResponse)
	}

	body, err := bounded.ReadAndClose(resp.Body, maxResponse)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	return [][]byte{body}, nil
}

func (w *HTTPWire) readEvents(ctx context.Context, resp *transport.Response, maxResponse int64) ([][]byte, error) {
	limit := int(min(maxResponse, int64(^uint(0)>>1)))
	gate := stream.NewGate(ctx, resp.Body,
		stream.WithMaxLineBytes(limit),
		stream.WithMaxFrameBytes(limit),
		stream.WithLogger(w.logger),
	)
	var msgs [][]byte
	for chunk, err := range gate.All() {
		if err != nil {
			return msgs, err
		}
		if chunk.Event != "" && chunk.Event != "message" {
			continue
		}
		msgs = append(msgs, []byte(chunk.Data))
	}
	return msgs, nil
}

// Close forgets the server session id. HTTP connections are pooled by the transport.
func (w *HTTPWire) Close() error {
	w.setSession("")
	return nil
}

func (w *HTTPWire) session() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

func (w *HTTPWire) setSession(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sessionID = id
}
