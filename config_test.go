// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":5900", cfg.Listen.Address)
	assert.Equal(t, MaxClients, cfg.Session.MaxClients)
	assert.True(t, cfg.Security.AllowLoopback)
	assert.Equal(t, DefaultKeepAliveInterval, cfg.Session.KeepAliveInterval.Duration)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(`
[listen]
address = "127.0.0.1:5901"
websocket = ":6080"

[security]
password = "secret"
auth_required = true
auth_hosts = "-:+192.168."
query_timeout = "3s"

[session]
max_clients = 4
idle_timeout = "15m"
encodings = ["hextile", "zlib"]

[display]
width = 800
height = 600
depth = 16
`)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5901", cfg.Listen.Address)
	assert.Equal(t, "/websockify", cfg.Listen.WebSocketPath, "defaults survive")
	assert.Equal(t, 3*time.Second, cfg.Security.QueryTimeout.Duration)
	assert.Equal(t, 15*time.Minute, cfg.Session.IdleTimeout.Duration)
	assert.Equal(t, 4, cfg.Session.MaxClients)
	assert.Equal(t, 16, cfg.Display.Depth)

	families, err := cfg.EncodingFamilies()
	require.NoError(t, err)
	assert.Equal(t, []CodecFamily{FamilyHextile, FamilyZlib}, families)

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.True(t, policy.AuthRequired)
	assert.Equal(t, "secret", policy.Credentials.Password)
	assert.Equal(t, "-:+192.168.", policy.AuthHosts)
}

func TestParseConfig_Errors(t *testing.T) {
	_, err := ParseConfig(`[listen`)
	require.Error(t, err)
	assert.True(t, IsVNCError(err, ErrConfiguration))

	_, err = ParseConfig("[session]\nidle_timeout = \"soon\"\n")
	assert.True(t, IsVNCError(err, ErrConfiguration))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"nothing to do", func(c *Config) { c.Listen.Address = "" }},
		{"bad listen address", func(c *Config) { c.Listen.Address = "5900" }},
		{"bad admin address", func(c *Config) { c.Admin.Address = "localhost" }},
		{"websocket path", func(c *Config) {
			c.Listen.WebSocket = ":6080"
			c.Listen.WebSocketPath = "websockify"
		}},
		{"auth required without password", func(c *Config) { c.Security.AuthRequired = true }},
		{"password too long", func(c *Config) { c.Security.Password = "ninechars" }},
		{"view-only password too long", func(c *Config) { c.Security.ViewOnlyPassword = "ninechars" }},
		{"bad obfuscated password", func(c *Config) { c.Security.ObfuscatedPassword = "zz" }},
		{"bad auth hosts", func(c *Config) { c.Security.AuthHosts = "192.168." }},
		{"negative threshold", func(c *Config) { c.Security.BlacklistThreshold = -1 }},
		{"too many clients", func(c *Config) { c.Session.MaxClients = MaxClients + 1 }},
		{"negative timeout", func(c *Config) { c.Session.IdleTimeout = Duration{-time.Second} }},
		{"unknown encoding", func(c *Config) { c.Session.Encodings = []string{"h264"} }},
		{"pseudo encoding", func(c *Config) { c.Session.Encodings = []string{"copyrect"} }},
		{"bad reconnect target", func(c *Config) { c.Reconnect.Address = "viewer" }},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"depth", func(c *Config) { c.Display.Depth = 12 }},
		{"width", func(c *Config) { c.Display.Width = 0 }},
		{"height", func(c *Config) { c.Display.Height = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, IsVNCError(err, ErrConfiguration), "got %v", err)
		})
	}
}

func TestConfig_ReverseOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen.Address = ""
	cfg.Reconnect.Address = "viewer.example.com:5500"
	assert.NoError(t, cfg.Validate())
}

func TestConfig_ObfuscatedPassword(t *testing.T) {
	stored, err := ObfuscatePassword("hunter2")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Security.ObfuscatedPassword = stored
	cfg.Security.AuthRequired = true
	require.NoError(t, cfg.Validate())

	creds, err := cfg.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", creds.Password)

	cfg.Security.Password = "plain"
	creds, err = cfg.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "plain", creds.Password, "a plain password wins")
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.toml")
	require.NoError(t, os.WriteFile(good, []byte("[log]\nlevel = \"debug\"\n"), 0o600))
	cfg, err := LoadConfig(good)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)

	unknown := filepath.Join(dir, "unknown.toml")
	require.NoError(t, os.WriteFile(unknown, []byte("[session]\nmax_client = 3\n"), 0o600))
	_, err = LoadConfig(unknown)
	require.Error(t, err)
	assert.True(t, IsVNCError(err, ErrConfiguration))
	assert.Contains(t, err.Error(), "session.max_client")

	_, err = LoadConfig(filepath.Join(dir, "missing.toml"))
	assert.True(t, IsVNCError(err, ErrConfiguration))
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("ninety")))
}
