package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/relay/retry"
	"github.com/aschepis/backscratcher/relay/rpc"
	"github.com/aschepis/backscratcher/relay/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("OPENROUTER_BASE_URL", "")
	t.Setenv("OPENROUTER_MODEL", "")
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, retry.DefaultPolicy(), cfg.Retry)
	assert.Equal(t, rpc.DefaultConfig(), cfg.RPC)
	assert.Equal(t, DefaultOpenRouterBaseURL, cfg.OpenRouter.BaseURL)
	assert.Equal(t, int64(10<<20), cfg.Client.MaxResponseBytes)
	assert.NotNil(t, cfg.MCPServers)
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", `
openrouter:
  api_key: file-key
  model: anthropic/claude-3.5-sonnet
retry:
  max_retries: 5
  initial_backoff: 250ms
  retry_on_status_codes: [429, 503]
  total_timeout: 1m
rpc:
  max_concurrent_requests: 4
  request_timeout: 5s
mcp_servers:
  files:
    command: mcp-files --root /tmp
  search:
    url: http://localhost:8080/mcp
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "file-key", cfg.OpenRouter.APIKey)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", cfg.OpenRouter.Model)
	assert.Equal(t, DefaultOpenRouterBaseURL, cfg.OpenRouter.BaseURL)

	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialBackoff)
	assert.Equal(t, []int{429, 503}, cfg.Retry.RetryableStatusCodes)
	assert.Equal(t, time.Minute, cfg.Retry.TotalTimeout)
	assert.Equal(t, retry.DefaultMaxBackoff, cfg.Retry.MaxBackoff, "unset fields keep defaults")
	assert.Equal(t, retry.DefaultJitterFraction, cfg.Retry.JitterFraction)

	assert.Equal(t, 4, cfg.RPC.MaxConcurrentRequests)
	assert.Equal(t, 5*time.Second, cfg.RPC.RequestTimeout)
	assert.Equal(t, int64(rpc.DefaultMaxResponseSize), cfg.RPC.MaxResponseSize)

	require.Len(t, cfg.MCPServers, 2)
	assert.Equal(t, "files", cfg.MCPServers["files"].Name)
	assert.Equal(t, "http://localhost:8080/mcp", cfg.MCPServers["search"].URL)
}

func TestLoadTOML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.toml", `
[openrouter]
model = "meta-llama/llama-3.1-70b-instruct"

[retry]
max_retries = 1
max_retry_interval = "2s"

[client]
max_response_bytes = 1024
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "meta-llama/llama-3.1-70b-instruct", cfg.OpenRouter.Model)
	assert.Equal(t, 1, cfg.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Retry.MaxRetryInterval)
	assert.Equal(t, int64(1024), cfg.Client.MaxResponseBytes)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", "openrouter:\n  api_key: file-key\n")
	t.Setenv("OPENROUTER_API_KEY", "env-key")
	t.Setenv("OPENROUTER_BASE_URL", "http://proxy.local/v1")
	t.Setenv("OPENROUTER_MODEL", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.OpenRouter.APIKey)
	assert.Equal(t, "http://proxy.local/v1", cfg.OpenRouter.BaseURL)
	assert.Equal(t, DefaultModel, cfg.OpenRouter.Model)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"jitter out of range", "retry:\n  jitter_fraction: 1.5\n", "jitter_fraction"},
		{"negative retries", "retry:\n  max_retries: -1\n", "max_retries"},
		{"bad status code", "retry:\n  retry_on_status_codes: [42]\n", "status code"},
		{"server without transport", "mcp_servers:\n  empty:\n    name: x\n", "either command or url"},
		{"server with both transports", "mcp_servers:\n  both:\n    command: a\n    url: http://b\n", "mutually exclusive"},
		{"malformed yaml", "retry: [\n", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	clearEnv(t)
	for _, name := range []string{"config.yaml", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.OpenRouter.Model = "mistralai/mistral-large"
			cfg.Retry.MaxRetries = 7
			cfg.RPC.AcquireTimeout = 3 * time.Second
			cfg.MCPServers["git"] = &MCPServerConfig{Name: "git", Command: "mcp-git", Args: []string{"--repo", "."}}

			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, Save(&cfg, path))

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "mistralai/mistral-large", loaded.OpenRouter.Model)
			assert.Equal(t, 7, loaded.Retry.MaxRetries)
			assert.Equal(t, 3*time.Second, loaded.RPC.AcquireTimeout)
			assert.Equal(t, []string{"--repo", "."}, loaded.MCPServers["git"].Args)
		})
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("RELAY_CONFIG_PATH", "/etc/relay.yaml")
	assert.Equal(t, "/etc/relay.yaml", GetConfigPath())

	t.Setenv("RELAY_CONFIG_PATH", "")
	assert.True(t, strings.HasSuffix(GetConfigPath(), filepath.Join(".relay", "config.yaml")))
}

func TestLoadEnvFiles(t *testing.T) {
	const key = "RELAY_TEST_ENV_FILE_VALUE"
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))

	path := writeFile(t, ".env", key+"=from-file\n")
	require.NoError(t, LoadEnvFiles(filepath.Join(t.TempDir(), "missing.env"), path))
	assert.Equal(t, "from-file", os.Getenv(key))
}

func TestImportMCPServers(t *testing.T) {
	path := writeFile(t, "servers.json", `{
  "mcpServers": {
    "fetch": {"command": "uvx", "args": ["mcp-server-fetch"], "env": {"B": "2", "A": "1"}}
  },
  "projects": {
    "/work/app": {"mcpServers": {"db": {"command": "mcp-db", "env": ["DSN=postgres://x"]}}},
    "/work/other": {"mcpServers": {"remote": {"url": "https://mcp.example.com"}}}
  }
}`)

	all, err := ImportMCPServers(zerolog.Nop(), path, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"A=1", "B=2"}, all["fetch"].Env)
	assert.Equal(t, []string{"DSN=postgres://x"}, all["db"].Env)
	assert.Equal(t, "https://mcp.example.com", all["remote"].URL)

	filtered, err := ImportMCPServers(zerolog.Nop(), path, []string{"/work/app"})
	require.NoError(t, err)
	assert.Len(t, filtered, 2)
	assert.Contains(t, filtered, "db")
	assert.NotContains(t, filtered, "remote")

	missing, err := ImportMCPServers(zerolog.Nop(), filepath.Join(t.TempDir(), "none.json"), nil)
	require.NoError(t, err)
	assert.Empty(t, missing)

	_, err = ImportMCPServers(zerolog.Nop(), writeFile(t, "bad.json", "{"), nil)
	assert.Error(t, err)
}

func TestLoadImportsMCPServers(t *testing.T) {
	clearEnv(t)
	servers := writeFile(t, "servers.json", `{"mcpServers": {"fetch": {"command": "uvx"}, "files": {"command": "other"}}}`)
	path := writeFile(t, "config.yaml", "import_mcp_servers: ["+servers+"]\nmcp_servers:\n  files:\n    command: mcp-files\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "uvx", cfg.MCPServers["fetch"].Command)
	assert.Equal(t, "mcp-files", cfg.MCPServers["files"].Command)
}

func TestNewTransportSetsHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
	}))
	defer srv.Close()

	cfg := Default()
	cfg.OpenRouter.APIKey = "secret"
	cfg.OpenRouter.Referer = "https://relay.example"

	resp, err := cfg.NewTransport().Send(context.Background(), transport.NewJSONRequest(http.MethodGet, srv.URL, nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	h := <-headers
	assert.Equal(t, "Bearer secret", h.Get("Authorization"))
	assert.Equal(t, "https://relay.example", h.Get("HTTP-Referer"))
	assert.Equal(t, "relay", h.Get("X-Title"))
}

func TestNewChatClient(t *testing.T) {
	cfg := Default()
	c, err := cfg.NewChatClient(zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, c)

	cfg.Client.StreamBufferSize = 0
	_, err = cfg.NewChatClient(zerolog.Nop())
	assert.Error(t, err)
}

func TestConnectHTTPServer(t *testing.T) {
	server := &MCPServerConfig{Name: "remote", URL: "http://127.0.0.1:1/mcp"}
	s, err := server.Connect(context.Background(), rpc.DefaultConfig(), transport.NewHTTPTransport(), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, rpc.StateUninitialized, s.State())

	_, err = (&MCPServerConfig{Name: "bad"}).Connect(context.Background(), rpc.DefaultConfig(), transport.NewHTTPTransport(), zerolog.Nop())
	assert.Error(t, err)
}
