package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/aschepis/backscratcher/relay/agent"
	"github.com/aschepis/backscratcher/relay/chat"
	"github.com/aschepis/backscratcher/relay/config"
	relaylogger "github.com/aschepis/backscratcher/relay/logger"
	"github.com/aschepis/backscratcher/relay/redact"
	"github.com/aschepis/backscratcher/relay/rpc"
	"github.com/aschepis/backscratcher/relay/tools"
	"github.com/aschepis/backscratcher/relay/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// maxPromptBytes caps a prompt read from stdin.
const maxPromptBytes = 1 << 20

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", redact.Error(err))
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "Path to config file (.yaml or .toml). Defaults to $RELAY_CONFIG_PATH or ~/.relay/config.yaml")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logs to stderr")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
		model      = flag.String("model", "", "Model to use. Overrides the config file")
		prompt     = flag.String("prompt", "", "Prompt to send. Read from stdin if empty")
		system     = flag.String("system", "", "Optional system message")
		streamOut  = flag.Bool("stream", false, "Stream the answer as it is generated")
		mcpURL     = flag.String("mcp-url", "", "Streamable HTTP MCP server to offer tools from, in addition to configured servers")
		noTools    = flag.Bool("no-tools", false, "Do not connect to MCP servers")
		listModels = flag.Bool("list-models", false, "List available models and exit")
		listTools  = flag.Bool("list-tools", false, "List tools of the MCP servers and exit")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	if err := config.LoadEnvFiles(".env"); err != nil {
		return err
	}

	logger, closer, err := relaylogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closer.Close() //nolint:errcheck // best effort on exit

	path := *configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if *model != "" {
		cfg.OpenRouter.Model = *model
	}
	logger.Info().
		Str("config", path).
		Str("model", cfg.OpenRouter.Model).
		Int("mcp_servers", len(cfg.MCPServers)).
		Msg("Loaded configuration")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chatClient, err := cfg.NewChatClient(logger)
	if err != nil {
		return err
	}

	if *listModels {
		return printModels(ctx, chatClient)
	}

	registry := tools.NewRegistry(logger)
	if !*noTools {
		servers := make(map[string]*config.MCPServerConfig, len(cfg.MCPServers)+1)
		for name, s := range cfg.MCPServers {
			servers[name] = s
		}
		if *mcpURL != "" {
			servers["cli"] = &config.MCPServerConfig{Name: "cli", URL: *mcpURL}
		}
		sessions, err := connectServers(ctx, cfg.RPC, servers, registry, logger)
		defer func() {
			for _, s := range sessions {
				_ = s.Close()
			}
		}()
		if err != nil {
			return err
		}
	}

	if *listTools {
		for _, t := range registry.Definitions() {
			fmt.Printf("%s\t%s\n", t.Function.Name, t.Function.Description)
		}
		return nil
	}

	text := *prompt
	if text == "" {
		data, err := io.ReadAll(io.LimitReader(os.Stdin, maxPromptBytes))
		if err != nil {
			return fmt.Errorf("failed to read prompt: %w", err)
		}
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		return errors.New("no prompt given")
	}

	var executor agent.ToolExecutor
	if registry.Len() > 0 {
		executor = registry
	}
	runner, err := agent.NewRunner(logger, chatClient, executor, cfg.OpenRouter.Model)
	if err != nil {
		return err
	}

	var history []openai.ChatCompletionMessage
	if *system != "" {
		history = append(history, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: *system})
	}

	var callback agent.StreamCallback
	if *streamOut {
		callback = func(delta string) error {
			_, err := fmt.Fprint(os.Stdout, delta)
			return err
		}
	}

	answer, _, err := runner.Run(ctx, history, text, callback)
	if err != nil {
		return err
	}
	if *streamOut {
		fmt.Println()
	} else {
		fmt.Println(answer)
	}
	return nil
}

func printModels(ctx context.Context, c *chat.Client) error {
	models, err := c.Models(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

// connectServers starts every server, performs the handshake and registers
// its tools. Sessions opened so far are returned even on error so the caller
// can close them.
func connectServers(ctx context.Context, rpcCfg rpc.Config, servers map[string]*config.MCPServerConfig, registry *tools.Registry, logger zerolog.Logger) ([]*rpc.Session, error) {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	// MCP servers get a transport without the chat API credentials.
	httpTransport := transport.NewHTTPTransport()

	var sessions []*rpc.Session
	for _, name := range names {
		server := servers[name]
		session, err := server.Connect(ctx, rpcCfg, httpTransport, logger)
		if err != nil {
			return sessions, err
		}
		sessions = append(sessions, session)

		if _, err := session.Initialize(ctx, mcp.ClientCapabilities{}); err != nil {
			return sessions, fmt.Errorf("mcp server %q: %w", name, err)
		}
		if _, err := registry.RegisterServer(ctx, name, session); err != nil {
			return sessions, err
		}
	}
	return sessions, nil
}
