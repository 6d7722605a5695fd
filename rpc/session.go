// Package rpc is a JSON-RPC 2.0 client session with bounded concurrency,
// per-call deadlines and strict response correlation. Message shapes come
// from the MCP schema in mark3labs/mcp-go.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/redact"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Wire carries encoded messages to the peer. Wires that answer on the same
// exchange, such as HTTP, return the inbound messages it carried; others
// return nil and deliver replies through Listener.
type Wire interface {
	Send(ctx context.Context, msg []byte, maxResponse int64) ([][]byte, error)
	Close() error
}

// Listener is implemented by wires with an independent inbound channel.
// Receive blocks until a message arrives or the wire is closed.
type Listener interface {
	Receive() ([]byte, error)
}

// RequestHandler answers a request initiated by the peer.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler receives a notification from the peer.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// maxPeerHandlers bounds the peer-initiated requests handled at once. Further
// requests are refused with an error response until a handler finishes.
const maxPeerHandlers = 4

type reply struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	key      string
	method   string
	issuedAt time.Time
	deadline time.Time
	done     chan reply // capacity 1, written at most once
}

// inbound is any message read from the peer.
type inbound struct {
	JSONRPC string                   `json:"jsonrpc"`
	ID      *mcp.RequestId           `json:"id,omitempty"`
	Method  string                   `json:"method,omitempty"`
	Params  json.RawMessage          `json:"params,omitempty"`
	Result  json.RawMessage          `json:"result,omitempty"`
	Error   *mcp.JSONRPCErrorDetails `json:"error,omitempty"`
}

// Option configures a Session.
type Option func(*Session)

// WithIDGenerator replaces the request id source.
func WithIDGenerator(gen func() string) Option {
	return func(s *Session) { s.newID = gen }
}

// WithRequestHandler registers a handler for peer-initiated requests.
func WithRequestHandler(method string, h RequestHandler) Option {
	return func(s *Session) { s.requestHandlers[method] = h }
}

// WithNotificationHandler registers a handler for peer notifications.
func WithNotificationHandler(method string, h NotificationHandler) Option {
	return func(s *Session) { s.notificationHandlers[method] = h }
}

// Session correlates requests and responses over a Wire. Each Session owns
// its pending table; nothing is shared between sessions.
type Session struct {
	cfg    Config
	wire   Wire
	logger zerolog.Logger
	sem    *semaphore.Weighted
	peers  *semaphore.Weighted
	newID  func() string
	state  atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingRequest

	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler

	serverInfo atomic.Pointer[mcp.InitializeResult]

	closeOnce  sync.Once
	closeErr   error
	readerDone chan struct{}
}

// NewSession creates a Session over wire. If the wire is a Listener a reader
// goroutine is started; it stops when the Session is closed.
func NewSession(wire Wire, cfg Config, logger zerolog.Logger, opts ...Option) (*Session, error) {
	if wire == nil {
		return nil, fmt.Errorf("wire is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rpc config: %w", err)
	}
	s := &Session{
		cfg:                  cfg,
		wire:                 wire,
		logger:               logger.With().Str("component", "rpcSession").Logger(),
		sem:                  semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		peers:                semaphore.NewWeighted(maxPeerHandlers),
		newID:                uuid.NewString,
		pending:              make(map[string]*pendingRequest),
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if l, ok := wire.(Listener); ok {
		s.readerDone = make(chan struct{})
		go s.readLoop(l)
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ServerInfo returns the result of a successful Initialize, or nil.
func (s *Session) ServerInfo() *mcp.InitializeResult {
	return s.serverInfo.Load()
}

// Pending returns the number of requests awaiting a response.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Initialize performs the handshake. It may succeed only once; a failed
// attempt returns the session to StateUninitialized so it can be retried.
func (s *Session) Initialize(ctx context.Context, caps mcp.ClientCapabilities) (*mcp.InitializeResult, error) {
	op := string(mcp.MethodInitialize)
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		if s.State() == StateClosed {
			return nil, llm.NewSessionClosedError(op)
		}
		return nil, llm.NewProtocolError(op, "session is "+s.State().String(), nil)
	}

	s.logger.Debug().Str("method", "Initialize").Str("protocolVersion", mcp.LATEST_PROTOCOL_VERSION).Msg("Starting handshake")

	params := mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    caps,
		ClientInfo: mcp.Implementation{
			Name:    s.cfg.ClientName,
			Version: s.cfg.ClientVersion,
		},
	}
	raw, err := s.call(ctx, op, params)
	if err == nil {
		var result mcp.InitializeResult
		if uerr := json.Unmarshal(raw, &result); uerr != nil {
			err = llm.NewProtocolError(op, "malformed initialize result", uerr)
		} else {
			s.serverInfo.Store(&result)
		}
	}
	if err == nil {
		err = s.notify(ctx, methodInitialized, nil)
	}
	if err != nil {
		s.state.CompareAndSwap(int32(StateInitializing), int32(StateUninitialized))
		s.logger.Error().Str("method", "Initialize").Str("error", redact.Error(err)).Msg("Handshake failed")
		return nil, err
	}

	if !s.state.CompareAndSwap(int32(StateInitializing), int32(StateReady)) {
		return nil, llm.NewSessionClosedError(op)
	}
	info := s.ServerInfo()
	s.logger.Info().
		Str("method", "Initialize").
		Str("server", info.ServerInfo.Name).
		Str("server_version", info.ServerInfo.Version).
		Str("protocolVersion", info.ProtocolVersion).
		Msg("Session ready")
	return info, nil
}

// SendRequest sends method with params and waits for the matching response.
func (s *Session) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := s.requireReady(method); err != nil {
		return nil, err
	}
	return s.call(ctx, method, params)
}

// Notify sends a notification. No response is expected.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if err := s.requireReady(method); err != nil {
		return err
	}
	return s.notify(ctx, method, params)
}

// Respond answers a peer-initiated request.
func (s *Session) Respond(ctx context.Context, id mcp.RequestId, result any) error {
	if s.State() == StateClosed {
		return llm.NewSessionClosedError("respond")
	}
	return s.send(ctx, "respond", mcp.JSONRPCResponse{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Result:  result,
	})
}

// RespondError answers a peer-initiated request with an error object.
func (s *Session) RespondError(ctx context.Context, id mcp.RequestId, code int, message string) error {
	if s.State() == StateClosed {
		return llm.NewSessionClosedError("respond")
	}
	return s.send(ctx, "respond", mcp.JSONRPCError{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Error: mcp.JSONRPCErrorDetails{
			Code:    code,
			Message: message,
		},
	})
}

// Close fails every pending request, closes the wire and waits for the reader
// goroutine. It is safe to call more than once.
func (s *Session) Close() error {
	s.shutdown()
	if s.readerDone != nil {
		<-s.readerDone
	}
	return s.closeErr
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.cancel()
		s.failAll()
		s.closeErr = s.wire.Close()
		s.logger.Debug().Msg("Session closed")
	})
}

func (s *Session) requireReady(op string) error {
	switch st := s.State(); st {
	case StateReady:
		return nil
	case StateClosed:
		return llm.NewSessionClosedError(op)
	default:
		return llm.NewProtocolError(op, "session is "+st.String(), nil)
	}
}

// call runs one request. The pending entry is removed and the permit released
// exactly once on every return path.
func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	release, err := s.acquire(ctx, method)
	if err != nil {
		return nil, err
	}
	defer release()

	id := mcp.NewRequestId(s.newID())
	data, err := json.Marshal(mcp.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Params:  params,
		Request: mcp.Request{Method: method},
	})
	if err != nil {
		return nil, llm.NewInvalidRequestError(method, err)
	}
	if int64(len(data)) > s.cfg.MaxRequestSize {
		return nil, llm.NewSizeLimitError(method, "request", s.cfg.MaxRequestSize)
	}

	issued := time.Now()
	deadline := issued.Add(s.cfg.RequestTimeout)
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	pr := &pendingRequest{
		key:      id.String(),
		method:   method,
		issuedAt: issued,
		deadline: deadline,
		done:     make(chan reply, 1),
	}
	if err := s.register(pr); err != nil {
		return nil, err
	}
	defer s.remove(pr.key)

	s.logger.Debug().Str("method", method).Str("id", pr.key).Msg("Sending request")

	replies, err := s.wire.Send(callCtx, data, s.cfg.MaxResponseSize)
	for _, msg := range replies {
		s.dispatch(msg)
	}
	if err != nil {
		return nil, s.callError(ctx, callCtx, method, err)
	}

	select {
	case r := <-pr.done:
		s.logger.Debug().Str("method", method).Str("id", pr.key).Dur("elapsed", time.Since(pr.issuedAt)).Msg("Received response")
		return r.result, r.err
	case <-callCtx.Done():
		return nil, s.callError(ctx, callCtx, method, callCtx.Err())
	case <-s.ctx.Done():
		return nil, llm.NewSessionClosedError(method)
	}
}

// callError maps a failed call to the taxonomy. An expired caller or call
// deadline wins over a session that closed meanwhile, since a stalled wire is
// closed as a consequence of the timeout.
func (s *Session) callError(ctx, callCtx context.Context, method string, err error) error {
	switch {
	case ctx.Err() != nil:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return llm.NewTimeoutError(method, 0, ctx.Err())
		}
		return llm.WithOperation(method, ctx.Err())
	case callCtx.Err() != nil:
		s.logger.Warn().Str("method", method).Dur("timeout", s.cfg.RequestTimeout).Msg("Request timed out")
		return llm.NewTimeoutError(method, s.cfg.RequestTimeout, callCtx.Err())
	case s.ctx.Err() != nil:
		return llm.NewSessionClosedError(method)
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return llm.WithOperation(method, err)
	}
	return llm.NewNetworkError(method, err)
}

func (s *Session) acquire(ctx context.Context, op string) (func(), error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	if s.cfg.AcquireTimeout > 0 {
		var cancelTimeout context.CancelFunc
		actx, cancelTimeout = context.WithTimeout(actx, s.cfg.AcquireTimeout)
		defer cancelTimeout()
	}

	if err := s.sem.Acquire(actx, 1); err != nil {
		switch {
		case s.ctx.Err() != nil:
			return nil, llm.NewSessionClosedError(op)
		case ctx.Err() != nil:
			return nil, s.callError(ctx, ctx, op, ctx.Err())
		default:
			return nil, llm.NewConcurrencyAcquireTimeoutError(op, s.cfg.AcquireTimeout)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.sem.Release(1) })
	}, nil
}

func (s *Session) register(pr *pendingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return llm.NewSessionClosedError(pr.method)
	}
	if _, dup := s.pending[pr.key]; dup {
		return llm.NewProtocolError(pr.method, "duplicate request id "+pr.key, nil)
	}
	s.pending[pr.key] = pr
	return nil
}

// remove deletes the entry if it is still present and reports whether it was.
func (s *Session) remove(key string) (*pendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	return pr, ok
}

func (s *Session) failAll() {
	s.mu.Lock()
	failed := s.pending
	s.pending = make(map[string]*pendingRequest)
	s.mu.Unlock()

	for _, pr := range failed {
		pr.done <- reply{err: llm.NewSessionClosedError(pr.method)}
	}
}

func (s *Session) notify(ctx context.Context, method string, params any) error {
	msg := map[string]any{
		"jsonrpc": mcp.JSONRPC_VERSION,
		"method":  method,
	}
	if params != nil {
		msg["params"] = params
	}
	return s.send(ctx, method, msg)
}

// send transmits a message that expects no correlated reply.
func (s *Session) send(ctx context.Context, op string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return llm.NewInvalidRequestError(op, err)
	}
	if int64(len(data)) > s.cfg.MaxRequestSize {
		return llm.NewSizeLimitError(op, "request", s.cfg.MaxRequestSize)
	}
	replies, err := s.wire.Send(ctx, data, s.cfg.MaxResponseSize)
	for _, msg := range replies {
		s.dispatch(msg)
	}
	if err != nil {
		return s.callError(ctx, ctx, op, err)
	}
	return nil
}

func (s *Session) readLoop(l Listener) {
	defer close(s.readerDone)
	for {
		msg, err := l.Receive()
		if err != nil {
			if llm.IsSizeLimitExceeded(err) {
				s.logger.Warn().Int64("limit", s.cfg.MaxResponseSize).Msg("Dropped oversized inbound message")
				continue
			}
			if s.ctx.Err() == nil {
				s.logger.Warn().Str("error", redact.Error(err)).Msg("Wire closed, shutting down session")
				s.shutdown()
			}
			return
		}
		s.dispatch(msg)
	}
}

// dispatch routes one inbound message. Messages that cannot be matched to a
// pending request are logged and dropped.
func (s *Session) dispatch(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn().Str("error", redact.Error(err)).Int("bytes", len(data)).Msg("Dropped malformed inbound message")
		return
	}
	hasID := msg.ID != nil && !msg.ID.IsNil()

	switch {
	case msg.Method != "" && hasID:
		if !s.peers.TryAcquire(1) {
			s.refuseRequest(*msg.ID, msg.Method)
			return
		}
		go func() {
			defer s.peers.Release(1)
			s.handleRequest(*msg.ID, msg.Method, msg.Params)
		}()
	case msg.Method != "":
		s.handleNotification(msg.Method, msg.Params)
	case hasID:
		s.deliver(msg)
	default:
		s.logger.Warn().Msg("Dropped inbound message without id or method")
	}
}

func (s *Session) deliver(msg inbound) {
	key := msg.ID.String()
	pr, ok := s.remove(key)
	if !ok {
		s.logger.Warn().Str("id", key).Msg("Ignoring response with unknown or already completed id")
		return
	}

	var r reply
	switch {
	case msg.Error != nil:
		r.err = llm.NewRPCError(pr.method, msg.Error.Code, msg.Error.Message)
	case msg.Result == nil:
		r.err = llm.NewProtocolError(pr.method, "response has neither result nor error", nil)
	default:
		r.result = msg.Result
	}
	pr.done <- r
}

func (s *Session) handleRequest(id mcp.RequestId, method string, params json.RawMessage) {
	h, ok := s.requestHandlers[method]
	if !ok && method == string(mcp.MethodPing) {
		h = func(context.Context, json.RawMessage) (any, error) { return struct{}{}, nil }
		ok = true
	}
	if !ok {
		s.logger.Debug().Str("method", method).Msg("No handler for peer request")
		if err := s.RespondError(s.ctx, id, mcp.METHOD_NOT_FOUND, "method not found: "+method); err != nil {
			s.logger.Warn().Str("method", method).Str("error", redact.Error(err)).Msg("Failed to send error response")
		}
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	defer cancel()
	result, err := h(ctx, params)
	if err != nil {
		err = s.RespondError(ctx, id, mcp.INTERNAL_ERROR, redact.Error(err))
	} else {
		err = s.Respond(ctx, id, result)
	}
	if err != nil {
		s.logger.Warn().Str("method", method).Str("error", redact.Error(err)).Msg("Failed to answer peer request")
	}
}

// refuseRequest answers a peer request that arrived while every handler slot
// was busy. It runs on the reader, so the reply is bounded by RequestTimeout.
func (s *Session) refuseRequest(id mcp.RequestId, method string) {
	s.logger.Warn().Str("method", method).Int("limit", maxPeerHandlers).Msg("Refusing peer request, too many in flight")
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	defer cancel()
	if err := s.RespondError(ctx, id, mcp.INTERNAL_ERROR, "too many concurrent requests"); err != nil {
		s.logger.Warn().Str("method", method).Str("error", redact.Error(err)).Msg("Failed to send error response")
	}
}

func (s *Session) handleNotification(method string, params json.RawMessage) {
	h, ok := s.notificationHandlers[method]
	if !ok {
		s.logger.Debug().Str("method", method).Msg("Ignoring notification")
		return
	}
	h(s.ctx, params)
}
