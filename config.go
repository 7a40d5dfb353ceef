// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that reads and writes as a string such as
// "30s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the complete server configuration.
type Config struct {
	Listen    ListenConfig      `toml:"listen"`
	Security  SecurityConfig    `toml:"security"`
	Session   SessionConfig     `toml:"session"`
	Reconnect ReconnectSettings `toml:"reconnect"`
	Admin     AdminConfig       `toml:"admin"`
	Log       LogConfig         `toml:"log"`
	Display   DisplayConfig     `toml:"display"`
}

// ListenConfig holds the viewer listeners.
type ListenConfig struct {
	Address       string `toml:"address"`
	WebSocket     string `toml:"websocket"`
	WebSocketPath string `toml:"websocket_path"`
}

// SecurityConfig holds authentication and admission settings.
type SecurityConfig struct {
	Password         string `toml:"password"`
	ViewOnlyPassword string `toml:"view_only_password"`

	// ObfuscatedPassword is the hex form written by ObfuscatePassword. It
	// is used when Password is empty.
	ObfuscatedPassword string `toml:"obfuscated_password"`

	AuthRequired   bool     `toml:"auth_required"`
	AuthHosts      string   `toml:"auth_hosts"`
	QueryOnConnect bool     `toml:"query_on_connect"`
	QueryTimeout   Duration `toml:"query_timeout"`
	QueryAccept    bool     `toml:"query_accept"`
	AllowLoopback  bool     `toml:"allow_loopback"`
	LoopbackOnly   bool     `toml:"loopback_only"`

	BlacklistThreshold int      `toml:"blacklist_threshold"`
	BlacklistWindow    Duration `toml:"blacklist_window"`
	BlacklistCoolDown  Duration `toml:"blacklist_cool_down"`
}

// SessionConfig holds per-viewer session settings.
type SessionConfig struct {
	MaxClients          int      `toml:"max_clients"`
	HandshakeTimeout    Duration `toml:"handshake_timeout"`
	WriteTimeout        Duration `toml:"write_timeout"`
	KeepAliveInterval   Duration `toml:"keep_alive_interval"`
	FileTransferTimeout Duration `toml:"file_transfer_timeout"`
	IdleTimeout         Duration `toml:"idle_timeout"`
	EnableRemoteInputs  bool     `toml:"enable_remote_inputs"`
	DesktopName         string   `toml:"desktop_name"`
	RemoveWallpaper     bool     `toml:"remove_wallpaper"`
	RemoveEffects       bool     `toml:"remove_effects"`
	RemoveFontSmoothing bool     `toml:"remove_font_smoothing"`

	// Encodings restricts the pixel encodings offered to viewers, by name.
	// Empty means every registered encoding.
	Encodings []string `toml:"encodings"`
}

// ReconnectSettings configures the outbound connection.
type ReconnectSettings struct {
	Address         string   `toml:"address"`
	RepeaterID      string   `toml:"repeater_id"`
	DialTimeout     Duration `toml:"dial_timeout"`
	InitialInterval Duration `toml:"initial_interval"`
	MaxInterval     Duration `toml:"max_interval"`
}

// AdminConfig configures the HTTP admin API. An empty address disables it.
type AdminConfig struct {
	Address string `toml:"address"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// DisplayConfig describes the framebuffer the command-line server exports.
type DisplayConfig struct {
	Width  int    `toml:"width"`
	Height int    `toml:"height"`
	Depth  int    `toml:"depth"`
	Name   string `toml:"name"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Listen: ListenConfig{
			Address:       ":5900",
			WebSocketPath: "/websockify",
		},
		Security: SecurityConfig{
			QueryTimeout:       Duration{10 * time.Second},
			QueryAccept:        false,
			AllowLoopback:      true,
			BlacklistThreshold: DefaultBlacklistThreshold,
			BlacklistWindow:    Duration{DefaultBlacklistWindow},
			BlacklistCoolDown:  Duration{DefaultBlacklistCoolDown},
		},
		Session: SessionConfig{
			MaxClients:          MaxClients,
			HandshakeTimeout:    Duration{30 * time.Second},
			WriteTimeout:        Duration{30 * time.Second},
			KeepAliveInterval:   Duration{DefaultKeepAliveInterval},
			FileTransferTimeout: Duration{DefaultFileTransferTimeout},
			EnableRemoteInputs:  true,
		},
		Reconnect: ReconnectSettings{
			DialTimeout:     Duration{DefaultDialTimeout},
			InitialInterval: Duration{DefaultReconnectInitial},
			MaxInterval:     Duration{DefaultReconnectMax},
		},
		Log: LogConfig{
			Level: "info",
		},
		Display: DisplayConfig{
			Width:  1024,
			Height: 768,
			Depth:  32,
			Name:   "vncserver",
		},
	}
}

// LoadConfig reads a TOML file over the defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, configurationError("LoadConfig", "failed to parse "+path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, configurationError("LoadConfig",
			"unknown keys: "+strings.Join(keys, ", "), nil)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseConfig decodes TOML text over the defaults and validates the result.
func ParseConfig(data string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, configurationError("ParseConfig", "failed to parse configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Credentials returns the configured passwords, revealing the obfuscated
// one if no plain password is set.
func (c Config) Credentials() (Credentials, error) {
	creds := Credentials{
		Password:         c.Security.Password,
		ViewOnlyPassword: c.Security.ViewOnlyPassword,
	}
	if creds.Password == "" && c.Security.ObfuscatedPassword != "" {
		p, err := RevealPassword(c.Security.ObfuscatedPassword)
		if err != nil {
			return Credentials{}, err
		}
		creds.Password = p
	}
	return creds, nil
}

// Policy builds the initial runtime policy.
func (c Config) Policy() (Policy, error) {
	creds, err := c.Credentials()
	if err != nil {
		return Policy{}, err
	}
	return Policy{
		Credentials:         creds,
		AuthRequired:        c.Security.AuthRequired,
		AuthHosts:           c.Security.AuthHosts,
		QueryOnConnect:      c.Security.QueryOnConnect,
		QueryTimeout:        c.Security.QueryTimeout.Duration,
		QueryAccept:         c.Security.QueryAccept,
		AllowLoopback:       c.Security.AllowLoopback,
		LoopbackOnly:        c.Security.LoopbackOnly,
		EnableRemoteInputs:  c.Session.EnableRemoteInputs,
		DesktopName:         c.Session.DesktopName,
		RemoveWallpaper:     c.Session.RemoveWallpaper,
		RemoveEffects:       c.Session.RemoveEffects,
		RemoveFontSmoothing: c.Session.RemoveFontSmoothing,
	}, nil
}

// EncodingFamilies resolves Session.Encodings to codec families.
func (c Config) EncodingFamilies() ([]CodecFamily, error) {
	var out []CodecFamily
	for _, name := range c.Session.Encodings {
		enc, ok := ParseEncoding(name)
		if !ok {
			return nil, configurationError("Config.EncodingFamilies", fmt.Sprintf("unknown encoding %q", name), nil)
		}
		family, ok := enc.Family()
		if !ok {
			return nil, configurationError("Config.EncodingFamilies", fmt.Sprintf("%q is not a pixel encoding", name), nil)
		}
		out = append(out, family)
	}
	return out, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c Config) Validate() error {
	if c.Listen.Address == "" && c.Listen.WebSocket == "" && c.Reconnect.Address == "" {
		return configurationError("Config.Validate", "no listener and no reconnect target configured", nil)
	}
	for _, addr := range []string{c.Listen.Address, c.Listen.WebSocket, c.Admin.Address} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return configurationError("Config.Validate", fmt.Sprintf("invalid address %q", addr), err)
		}
	}
	if c.Listen.WebSocket != "" && !strings.HasPrefix(c.Listen.WebSocketPath, "/") {
		return configurationError("Config.Validate", "websocket_path must start with '/'", nil)
	}

	creds, err := c.Credentials()
	if err != nil {
		return err
	}
	if c.Security.AuthRequired && !creds.HasPassword() {
		return configurationError("Config.Validate", "auth_required is set but no password is configured", nil)
	}
	if len(creds.Password) > VNCMaxPasswordLength || len(creds.ViewOnlyPassword) > VNCMaxPasswordLength {
		return configurationError("Config.Validate",
			fmt.Sprintf("passwords are limited to %d characters", VNCMaxPasswordLength), nil)
	}
	if _, err := ParseAuthHosts(c.Security.AuthHosts); err != nil {
		return configurationError("Config.Validate", "invalid auth_hosts", err)
	}
	if c.Security.BlacklistThreshold < 0 {
		return configurationError("Config.Validate", "blacklist_threshold cannot be negative", nil)
	}

	if c.Session.MaxClients < 0 || c.Session.MaxClients > MaxClients {
		return configurationError("Config.Validate",
			fmt.Sprintf("max_clients must be between 0 and %d", MaxClients), nil)
	}
	for name, d := range map[string]Duration{
		"handshake_timeout":     c.Session.HandshakeTimeout,
		"write_timeout":         c.Session.WriteTimeout,
		"keep_alive_interval":   c.Session.KeepAliveInterval,
		"file_transfer_timeout": c.Session.FileTransferTimeout,
		"idle_timeout":          c.Session.IdleTimeout,
		"query_timeout":         c.Security.QueryTimeout,
	} {
		if d.Duration < 0 {
			return configurationError("Config.Validate", name+" cannot be negative", nil)
		}
	}
	if _, err := c.EncodingFamilies(); err != nil {
		return err
	}

	if c.Reconnect.Address != "" {
		t := ReconnectTarget{Address: c.Reconnect.Address, RepeaterID: c.Reconnect.RepeaterID}
		if err := t.Validate(); err != nil {
			return configurationError("Config.Validate", "invalid reconnect target", err)
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return configurationError("Config.Validate", fmt.Sprintf("unknown log level %q", c.Log.Level), nil)
	}

	switch c.Display.Depth {
	case 8, 16, 24, 32:
	default:
		return configurationError("Config.Validate", fmt.Sprintf("unsupported display depth %d", c.Display.Depth), nil)
	}
	if c.Display.Width <= 0 || c.Display.Height <= 0 || c.Display.Width > 0xFFFF || c.Display.Height > 0xFFFF {
		return configurationError("Config.Validate", "display dimensions out of range", nil)
	}
	return nil
}
