package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mcpServer answers JSON-RPC posts the way a streamable HTTP server does.
type mcpServer struct {
	mu       sync.Mutex
	sessions []string
}

func (m *mcpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var msg inbound
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.sessions = append(m.sessions, r.Header.Get(sessionHeader))
	m.mu.Unlock()

	if msg.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	respond := func(result any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mcp.JSONRPCResponse{JSONRPC: mcp.JSONRPC_VERSION, ID: *msg.ID, Result: result})
	}

	switch msg.Method {
	case string(mcp.MethodInitialize):
		w.Header().Set(sessionHeader, "sess-1")
		respond(mcp.InitializeResult{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ServerInfo:      mcp.Implementation{Name: "http-test", Version: "2.0"},
		})
	case string(mcp.MethodToolsList):
		var params mcp.PaginatedParams
		_ = json.Unmarshal(msg.Params, &params)
		result := mcp.ListToolsResult{Tools: []mcp.Tool{mcp.NewTool("search", mcp.WithString("query", mcp.Required()))}}
		if params.Cursor == "" {
			result.NextCursor = "page-2"
		} else {
			result.Tools = []mcp.Tool{mcp.NewTool("fetch", mcp.WithDescription("Fetch a URL"))}
		}
		data, _ := json.Marshal(mcp.JSONRPCResponse{JSONRPC: mcp.JSONRPC_VERSION, ID: *msg.ID, Result: result})
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, ": keepalive\n\nevent: message\ndata: %s\n\n", data)
	case string(mcp.MethodToolsCall):
		var params mcp.CallToolParams
		_ = json.Unmarshal(msg.Params, &params)
		respond(mcp.NewToolResultText(fmt.Sprintf("called %s", params.Name)))
	case string(mcp.MethodPing):
		respond(struct{}{})
	case string(mcp.MethodResourcesRead):
		var params mcp.ReadResourceParams
		_ = json.Unmarshal(msg.Params, &params)
		respond(mcp.ReadResourceResult{Contents: []mcp.ResourceContents{
			mcp.TextResourceContents{URI: params.URI, MIMEType: "text/html", Text: "<h1>Title</h1><p>Hello <b>world</b></p>"},
			mcp.TextResourceContents{URI: params.URI, MIMEType: "text/plain", Text: "plain tail"},
			mcp.BlobResourceContents{URI: params.URI, MIMEType: "image/png", Blob: "aGk="},
		}})
	case string(mcp.MethodPromptsGet):
		var params mcp.GetPromptParams
		_ = json.Unmarshal(msg.Params, &params)
		respond(mcp.GetPromptResult{
			Description: "review",
			Messages: []mcp.PromptMessage{{
				Role:    mcp.RoleUser,
				Content: mcp.NewTextContent("review " + params.Arguments["file"]),
			}},
		})
	case "big":
		respond(map[string]string{"blob": strings.Repeat("x", 64*1024)})
	case "fail":
		http.Error(w, `{"error":"upstream","api_key":"abcd1234"}`, http.StatusBadGateway)
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mcp.JSONRPCError{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      *msg.ID,
			Error:   mcp.JSONRPCErrorDetails{Code: mcp.METHOD_NOT_FOUND, Message: "unknown"},
		})
	}
}

func newHTTPSession(t *testing.T, cfg Config) (*Session, *mcpServer) {
	t.Helper()
	handler := &mcpServer{}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	wire := NewHTTPWire(srv.URL, transport.NewHTTPTransport(), zerolog.Nop())
	s, err := NewSession(wire, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	info, err := s.Initialize(context.Background(), mcp.ClientCapabilities{})
	require.NoError(t, err)
	assert.Equal(t, "http-test", info.ServerInfo.Name)
	return s, handler
}

func TestHTTPWirePing(t *testing.T) {
	s, _ := newHTTPSession(t, testConfig())
	require.NoError(t, s.Ping(context.Background()))
}

func TestHTTPWireListToolsOverEventStream(t *testing.T) {
	s, srv := newHTTPSession(t, testConfig())

	defs, err := s.ListToolDefinitions(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "search", defs[0].Name)
	assert.Equal(t, []string{"query"}, defs[0].InputSchema["required"])
	assert.Equal(t, "fetch", defs[1].Name)
	assert.Equal(t, "Fetch a URL", defs[1].Description)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.NotEmpty(t, srv.sessions)
	assert.Empty(t, srv.sessions[0], "initialize is sent before a session exists")
	for _, id := range srv.sessions[1:] {
		assert.Equal(t, "sess-1", id)
	}
}

func TestHTTPWireCallTool(t *testing.T) {
	s, _ := newHTTPSession(t, testConfig())

	result, err := s.CallTool(context.Background(), "search", map[string]any{"query": "go"})
	require.NoError(t, err)
	assert.Equal(t, "called search", ToolText(result))
}

func TestHTTPWireReadResource(t *testing.T) {
	s, _ := newHTTPSession(t, testConfig())

	result, err := s.ReadResource(context.Background(), "docs://index")
	require.NoError(t, err)
	require.Len(t, result.Contents, 3)

	text := ResourceText(result)
	assert.Contains(t, text, "# Title")
	assert.Contains(t, text, "**world**")
	assert.NotContains(t, text, "<h1>")
	assert.True(t, strings.HasSuffix(text, "plain tail"))
	assert.Empty(t, ResourceText(nil))
}

func TestHTTPWireGetPrompt(t *testing.T) {
	s, _ := newHTTPSession(t, testConfig())

	result, err := s.GetPrompt(context.Background(), "review", map[string]string{"file": "main.go"})
	require.NoError(t, err)
	assert.Equal(t, "review", result.Description)
	require.Len(t, result.Messages, 1)
	tc, ok := mcp.AsTextContent(result.Messages[0].Content)
	require.True(t, ok)
	assert.Equal(t, "review main.go", tc.Text)
}

func TestHTTPWireResponseSizeLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxResponseSize = 4 * 1024
	s, _ := newHTTPSession(t, cfg)

	_, err := s.SendRequest(context.Background(), "big", nil)
	require.Error(t, err)
	assert.True(t, llm.IsSizeLimitExceeded(err))
	assert.Equal(t, "big", llm.ExtractOperation(err))
	assert.Zero(t, s.Pending())
}

func TestHTTPWireStatusError(t *testing.T) {
	s, _ := newHTTPSession(t, testConfig())

	_, err := s.SendRequest(context.Background(), "fail", nil)
	require.Error(t, err)
	code, ok := llm.ExtractStatusCode(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.NotContains(t, err.Error(), "abcd1234")
	assert.Zero(t, s.Pending())
}

func TestHTTPWireRPCError(t *testing.T) {
	s, _ := newHTTPSession(t, testConfig())

	_, err := s.SendRequest(context.Background(), "resources/templates/list", nil)
	var rpcErr *llm.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, mcp.METHOD_NOT_FOUND, rpcErr.RPCCode)
}

func TestHTTPWireCloseForgetsSession(t *testing.T) {
	wire := NewHTTPWire("http://unused.invalid", transport.NewHTTPTransport(), zerolog.Nop())
	wire.setSession("abc")
	require.NoError(t, wire.Close())
	assert.Empty(t, wire.session())
}
