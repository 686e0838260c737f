package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
)

func TestLoadDefaultsWhenNoFiles(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Backend.Port)
	assert.Equal(t, "0.0.0.0", cfg.Backend.Host)
	assert.Equal(t, 3000, cfg.Frontend.Port)
	assert.Equal(t, 8100, cfg.MCP.StartPort)
	assert.Equal(t, 8200, cfg.MCP.MaxPort)
}

func TestLoadConfigJSON(t *testing.T) {
	root := t.TempDir()
	body := `{"backend":{"port":9000,"host":"127.0.0.1"},"mcp":{"start_port":9100,"max_port":9110}}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "config.json"), []byte(body), 0o644))

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Backend.Port)
	assert.Equal(t, "127.0.0.1", cfg.Backend.Host)
	assert.Equal(t, 9100, cfg.MCP.StartPort)
	// Unset sections keep defaults.
	assert.Equal(t, 3000, cfg.Frontend.Port)
}

func TestLoadYAMLOverridesJSON(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "config.json"),
		[]byte(`{"backend":{"port":9000,"host":"0.0.0.0"}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "config.yaml"),
		[]byte("backend:\n  port: 9001\n  host: localhost\n"), 0o644))

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Backend.Port)
	assert.Equal(t, "localhost", cfg.Backend.Host)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "config.json"), []byte("{nope"), 0o644))

	_, err := Load(root)
	require.Error(t, err)
	assert.Equal(t, kberr.KindInvalidInput, kberr.KindOf(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults ok", func(c *Config) {}, false},
		{"backend port zero", func(c *Config) { c.Backend.Port = 0 }, true},
		{"inverted mcp range", func(c *Config) { c.MCP.StartPort = 8200; c.MCP.MaxPort = 8100 }, true},
		{"max port too large", func(c *Config) { c.MCP.MaxPort = 70000 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Backend.Port = 8080
	require.NoError(t, cfg.Save(root))

	loaded, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestPathsLayout(t *testing.T) {
	p := NewPaths("/data")
	assert.Equal(t, filepath.Join("/data", "config.json"), p.ConfigFile())
	assert.Equal(t, filepath.Join("/data", "knowledge-bases", "kb1"), p.KBDir("kb1"))
	assert.Equal(t, filepath.Join("/data", "knowledge-bases", "kb1", "blobs"), p.BlobsDir("kb1"))
	assert.Equal(t, filepath.Join("/data", "knowledge-bases", "kb1", "meta.db"), p.MetaDB("kb1"))
	assert.Equal(t, filepath.Join("/data", "knowledge-bases", "kb1", "vector.idx"), p.VectorIndex("kb1"))
	assert.Equal(t, filepath.Join("/data", "knowledge-bases", "kb1", "lexical.idx"), p.LexicalIndex("kb1"))
	assert.Equal(t, filepath.Join("/data", "tool-servers.json"), p.ToolServersFile())
}
