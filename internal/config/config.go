// Package config loads instance configuration and defines the on-disk
// layout of a kbmcp data root.
//
// Configuration lives in <root>/config.json. An optional <root>/config.yaml
// is applied on top of it, which is convenient for hand-edited deployments.
// Missing files mean defaults; unknown fields are ignored.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio"
	"gopkg.in/yaml.v3"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
)

// Config is the instance-level configuration.
type Config struct {
	Backend  BackendConfig  `json:"backend" yaml:"backend"`
	Frontend FrontendConfig `json:"frontend" yaml:"frontend"`
	MCP      MCPConfig      `json:"mcp" yaml:"mcp"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// BackendConfig configures the HTTP API listener.
type BackendConfig struct {
	Port int    `json:"port" yaml:"port"`
	Host string `json:"host" yaml:"host"`
}

// FrontendConfig is consumed by the out-of-repo web UI; the backend only
// round-trips it.
type FrontendConfig struct {
	Port int `json:"port" yaml:"port"`
}

// MCPConfig bounds the port range the tool-server supervisor allocates from.
type MCPConfig struct {
	StartPort int `json:"start_port" yaml:"start_port"`
	MaxPort   int `json:"max_port" yaml:"max_port"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

// Default returns the configuration used when no config files exist.
func Default() Config {
	return Config{
		Backend:  BackendConfig{Port: 8000, Host: "0.0.0.0"},
		Frontend: FrontendConfig{Port: 3000},
		MCP:      MCPConfig{StartPort: 8100, MaxPort: 8200},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads configuration for the given data root. config.json is read
// first, then config.yaml overrides it field by field. Either file may be
// absent.
func Load(root string) (Config, error) {
	cfg := Default()
	paths := NewPaths(root)

	data, err := os.ReadFile(paths.ConfigFile())
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, kberr.Wrap(kberr.KindInvalidInput, "parse config.json", err)
		}
	case os.IsNotExist(err):
		// Defaults apply.
	default:
		return Config{}, kberr.Wrap(kberr.KindStorageFailed, "read config.json", err)
	}

	ydata, err := os.ReadFile(paths.ConfigOverrideFile())
	switch {
	case err == nil:
		if err := yaml.Unmarshal(ydata, &cfg); err != nil {
			return Config{}, kberr.Wrap(kberr.KindInvalidInput, "parse config.yaml", err)
		}
	case os.IsNotExist(err):
	default:
		return Config{}, kberr.Wrap(kberr.KindStorageFailed, "read config.yaml", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes config.json atomically.
func (c Config) Save(root string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return kberr.Wrap(kberr.KindInternal, "marshal config", err)
	}
	paths := NewPaths(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "create data root", err)
	}
	if err := renameio.WriteFile(paths.ConfigFile(), append(data, '\n'), 0o644); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "write config.json", err)
	}
	return nil
}

// Validate checks port sanity.
func (c Config) Validate() error {
	if c.Backend.Port < 1 || c.Backend.Port > 65535 {
		return kberr.Newf(kberr.KindInvalidInput, "backend port out of range: %d", c.Backend.Port)
	}
	if c.MCP.StartPort < 1 || c.MCP.MaxPort > 65535 {
		return kberr.Newf(kberr.KindInvalidInput, "mcp port range out of bounds: [%d,%d]", c.MCP.StartPort, c.MCP.MaxPort)
	}
	if c.MCP.StartPort > c.MCP.MaxPort {
		return kberr.Newf(kberr.KindInvalidInput, "mcp start_port %d exceeds max_port %d", c.MCP.StartPort, c.MCP.MaxPort)
	}
	return nil
}

// BackendAddr returns the listen address for the HTTP API.
func (c Config) BackendAddr() string {
	return fmt.Sprintf("%s:%d", c.Backend.Host, c.Backend.Port)
}
