package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sheetsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func noEnv(string) string { return "" }

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", noEnv)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
  pongWait: 30s
  allowedOrigins: [https://sheets.example.com]
broker:
  outboxSize: 64
actors:
  - token: t1
    id: alice
    name: Alice
`)

	cfg, err := Load(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.PongWait)
	assert.Equal(t, []string{"https://sheets.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 64, cfg.Broker.OutboxSize)
	assert.Equal(t, "sheetsync.db", cfg.Store.Path, "unset keys keep defaults")

	actor, err := cfg.Resolver().Resolve("t1")
	require.NoError(t, err)
	assert.Equal(t, "alice", actor.ID)
	assert.Equal(t, "Alice", actor.Name)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""), noEnv)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_UnknownKey(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  adr: \":1\"\n"), noEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adr")
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9000\"\n")
	env := map[string]string{
		"SHEETSYNC_ADDR":            ":7000",
		"SHEETSYNC_OUTBOX_SIZE":     "8",
		"SHEETSYNC_PONG_WAIT":       "5s",
		"SHEETSYNC_ALLOWED_ORIGINS": "a,b",
		"SHEETSYNC_TOKEN":           "secret",
	}

	cfg, err := Load(path, func(k string) string { return env[k] })
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 8, cfg.Broker.OutboxSize)
	assert.Equal(t, 5*time.Second, cfg.Server.PongWait)
	assert.Equal(t, []string{"a", "b"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "secret", cfg.Offline.Token)
}

func TestLoad_BadEnv(t *testing.T) {
	_, err := Load("", func(k string) string {
		if k == "SHEETSYNC_OUTBOX_SIZE" {
			return "lots"
		}
		return ""
	})
	assert.ErrorContains(t, err, "SHEETSYNC_OUTBOX_SIZE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"short pong wait", func(c *Config) { c.Server.PongWait = time.Millisecond }},
		{"zero outbox", func(c *Config) { c.Broker.OutboxSize = 0 }},
		{"http server url", func(c *Config) { c.Offline.ServerURL = "http://x/ws" }},
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"actor without id", func(c *Config) {
			c.Actors = []ActorConfig{{Token: "t"}}
		}},
		{"duplicate token", func(c *Config) {
			c.Actors = []ActorConfig{{Token: "t", ID: "a"}, {Token: "t", ID: "b"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
