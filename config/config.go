package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"github.com/aschepis/backscratcher/relay/client"
	"github.com/aschepis/backscratcher/relay/retry"
	"github.com/aschepis/backscratcher/relay/rpc"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the relay configuration file.
type Config struct {
	OpenRouter OpenRouterConfig `yaml:"openrouter,omitempty" toml:"openrouter"`

	// Resilience settings for outbound HTTP calls
	Retry  retry.Policy  `yaml:"retry,omitempty" toml:"retry"`
	Client client.Config `yaml:"client,omitempty" toml:"client"`

	// Limits for JSON-RPC sessions with MCP servers
	RPC        rpc.Config                  `yaml:"rpc,omitempty" toml:"rpc"`
	MCPServers map[string]*MCPServerConfig `yaml:"mcp_servers,omitempty" toml:"mcp_servers"`

	// ImportMCPServers names JSON files in the common "mcpServers" layout
	// whose servers are added to MCPServers.
	ImportMCPServers []string `yaml:"import_mcp_servers,omitempty" toml:"import_mcp_servers"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		OpenRouter: OpenRouterConfig{
			BaseURL: DefaultOpenRouterBaseURL,
			Model:   DefaultModel,
			Title:   "relay",
		},
		Retry:      retry.DefaultPolicy(),
		Client:     client.DefaultConfig(),
		RPC:        rpc.DefaultConfig(),
		MCPServers: make(map[string]*MCPServerConfig),
	}
}

// GetConfigPath returns the default config file path.
// Can be overridden via RELAY_CONFIG_PATH environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.relay/config.yaml"
	}
	return filepath.Join(homeDir, ".relay", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadEnvFiles loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, path := range paths {
		err := godotenv.Load(expandPath(path))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %q: %w", path, err)
		}
	}
	return nil
}

// Load reads the config file at path, merges it over the defaults and applies
// environment overrides. A missing file yields the defaults. Files ending in
// .toml are parsed as TOML, everything else as YAML.
//
// Fields are merged with mergo, so a zero value in the file (0, "", false)
// keeps the default.
func Load(path string) (*Config, error) {
	cfg := Default()

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		data, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}

		var fileCfg Config
		if isTOML(expandedPath) {
			err = toml.Unmarshal(data, &fileCfg)
		} else {
			err = yaml.Unmarshal(data, &fileCfg)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
		}

		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	if cfg.MCPServers == nil {
		cfg.MCPServers = make(map[string]*MCPServerConfig)
	}
	for _, importPath := range cfg.ImportMCPServers {
		imported, err := ImportMCPServers(zerolog.Nop(), importPath, nil)
		if err != nil {
			return nil, err
		}
		for name, server := range imported {
			// servers defined in the config file win over imported ones
			if _, exists := cfg.MCPServers[name]; !exists {
				cfg.MCPServers[name] = server
			}
		}
	}
	for name, server := range cfg.MCPServers {
		if server != nil && server.Name == "" {
			server.Name = name
		}
	}

	cfg.OpenRouter = LoadOpenRouterConfig(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", expandedPath, err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if err := c.Client.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("client: %w", err))
	}
	if err := c.RPC.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rpc: %w", err))
	}
	for name, server := range c.MCPServers {
		if server == nil {
			errs = append(errs, fmt.Errorf("mcp_servers.%s: empty definition", name))
			continue
		}
		if err := server.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("mcp_servers.%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Save writes cfg to path, creating the directory. The format follows the
// file extension, as in Load.
func Save(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	// Ensure directory exists
	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	if isTOML(expandedPath) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		data, err = yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	}

	// Write file
	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
