package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aschepis/backscratcher/relay/rpc"
	"github.com/aschepis/backscratcher/relay/transport"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// MCPServerConfig represents configuration for an MCP server. Exactly one of
// Command and URL is set.
type MCPServerConfig struct {
	Name    string   `yaml:"name,omitempty" toml:"name,omitempty"`
	Command string   `yaml:"command,omitempty" toml:"command,omitempty"` // For STDIO transport
	URL     string   `yaml:"url,omitempty" toml:"url,omitempty"`         // For HTTP transport
	Args    []string `yaml:"args,omitempty" toml:"args,omitempty"`       // Additional args for STDIO command
	Env     []string `yaml:"env,omitempty" toml:"env,omitempty"`         // Environment variables for STDIO
}

// Validate checks that the server has exactly one transport.
func (s *MCPServerConfig) Validate() error {
	switch {
	case s.Command == "" && s.URL == "":
		return errors.New("either command or url is required")
	case s.Command != "" && s.URL != "":
		return errors.New("command and url are mutually exclusive")
	}
	return nil
}

// Connect starts or dials the server and returns an rpc session that is not
// yet initialized. A command server lives until ctx is cancelled or the
// session is closed.
func (s *MCPServerConfig) Connect(ctx context.Context, cfg rpc.Config, t transport.Transport, logger zerolog.Logger) (*rpc.Session, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("mcp server %q: %w", s.Name, err)
	}
	logger = logger.With().Str("mcp_server", s.Name).Logger()

	var wire rpc.Wire
	if s.URL != "" {
		wire = rpc.NewHTTPWire(s.URL, t, logger)
	} else {
		sw, err := rpc.StartCommand(ctx, logger, s.Command, s.Args, s.Env, cfg.MaxResponseSize)
		if err != nil {
			return nil, fmt.Errorf("mcp server %q: %w", s.Name, err)
		}
		wire = sw
	}

	session, err := rpc.NewSession(wire, cfg, logger)
	if err != nil {
		_ = wire.Close()
		return nil, err
	}
	return session, nil
}

// mcpServersFile is the JSON layout shared by several MCP clients: servers at
// the root and, optionally, per project directory.
type mcpServersFile struct {
	MCPServers map[string]jsonMCPServer `json:"mcpServers,omitempty"`
	Projects   map[string]struct {
		MCPServers map[string]jsonMCPServer `json:"mcpServers"`
	} `json:"projects,omitempty"`
}

type jsonMCPServer struct {
	Command string          `json:"command,omitempty"`
	URL     string          `json:"url,omitempty"`
	Args    []string        `json:"args,omitempty"`
	Env     json.RawMessage `json:"env,omitempty"` // Can be array of strings or object
}

// envStrings accepts either ["K=V"] or {"K": "V"}.
func (j jsonMCPServer) envStrings(logger zerolog.Logger) []string {
	if len(j.Env) == 0 {
		return nil
	}

	var envArray []string
	if err := json.Unmarshal(j.Env, &envArray); err == nil {
		return envArray
	}

	var envMap map[string]string
	if err := json.Unmarshal(j.Env, &envMap); err == nil {
		env := lo.MapToSlice(envMap, func(key, value string) string {
			return key + "=" + value
		})
		// map order is random; keep the command environment stable
		slices.Sort(env)
		return env
	}

	logger.Warn().Msg("Failed to parse env field, expected array of strings or object")
	return nil
}

// ImportMCPServers reads servers from a JSON file in the "mcpServers" layout.
// Root-level servers are always included; project servers are included for
// projects under one of projectPaths, or for every project when projectPaths
// is empty. A missing file yields no servers.
func ImportMCPServers(logger zerolog.Logger, path string, projectPaths []string) (map[string]*MCPServerConfig, error) {
	expandedPath := expandPath(path)

	data, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
	if errors.Is(err, os.ErrNotExist) {
		logger.Info().Str("path", expandedPath).Msg("MCP servers file does not exist, skipping")
		return map[string]*MCPServerConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read MCP servers file %q: %w", expandedPath, err)
	}

	var file mcpServersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse MCP servers file %q: %w", expandedPath, err)
	}

	wanted := lo.Map(projectPaths, func(p string, _ int) string {
		return filepath.Clean(expandPath(p))
	})
	includeProject := func(project string) bool {
		if len(wanted) == 0 {
			return true
		}
		normalized := filepath.Clean(expandPath(project))
		return lo.ContainsBy(wanted, func(root string) bool {
			rel, err := filepath.Rel(root, normalized)
			return err == nil && !strings.HasPrefix(rel, "..")
		})
	}

	result := make(map[string]*MCPServerConfig)
	add := func(name string, server jsonMCPServer) {
		result[name] = &MCPServerConfig{
			Name:    name,
			Command: server.Command,
			URL:     server.URL,
			Args:    server.Args,
			Env:     server.envStrings(logger),
		}
	}

	for project, p := range file.Projects {
		if !includeProject(project) {
			logger.Debug().Str("project", project).Msg("Skipping project (not in filter list)")
			continue
		}
		for name, server := range p.MCPServers {
			add(name, server)
		}
	}
	// root-level servers take precedence over project ones with the same name
	for name, server := range file.MCPServers {
		add(name, server)
	}

	logger.Info().Str("path", expandedPath).Int("server_count", len(result)).Msg("Imported MCP servers")
	return result, nil
}
