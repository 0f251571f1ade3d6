// Package config loads process configuration. Each loader starts from the
// package defaults, overlays the keys a TOML file actually sets, then
// applies PANESYNC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/panesync/internal/external"
	"github.com/danmuck/panesync/internal/owner"
	"github.com/danmuck/panesync/internal/protocol/session"
	"github.com/danmuck/panesync/internal/store"
	"github.com/danmuck/panesync/internal/window"
)

var ErrInvalidConfig = errors.New("config: invalid")

// OwnerConfig is everything panectl-owner runs with.
type OwnerConfig struct {
	Owner    owner.ServiceConfig
	Store    store.OwnerConfig
	External external.Config
	// InitialStatePath names an optional JSONC file seeding store modules.
	InitialStatePath string
}

func DefaultOwnerConfig() OwnerConfig {
	return OwnerConfig{
		Owner:    owner.DefaultServiceConfig(),
		Store:    store.DefaultOwnerConfig(),
		External: external.DefaultConfig(),
	}
}

// owner.toml key mapping.
type ownerFile struct {
	Owner struct {
		ID           string `toml:"id"`
		Network      string `toml:"network"`
		Listen       string `toml:"listen"`
		InitialState string `toml:"initial_state"`
	} `toml:"owner"`
	Store struct {
		LinkQueue int `toml:"link_queue"`
		LogSize   int `toml:"log_size"`
	} `toml:"store"`
	Session  session.Config  `toml:"session"`
	External external.Config `toml:"external"`
}

type ownerEnv struct {
	ID           *string  `env:"PANESYNC_OWNER_ID"`
	Network      *string  `env:"PANESYNC_OWNER_NETWORK"`
	Socket       *string  `env:"PANESYNC_OWNER_SOCKET"`
	HTTPAddr     *string  `env:"PANESYNC_HTTP_ADDR"`
	TCPAddr      *string  `env:"PANESYNC_TCP_ADDR"`
	CORSOrigins  []string `env:"PANESYNC_CORS_ORIGINS" envSeparator:","`
	InitialState *string  `env:"PANESYNC_INITIAL_STATE"`
}

// LoadOwner resolves the owner config. An empty path skips the file.
func LoadOwner(path string) (OwnerConfig, error) {
	return loadOwner(path, nil)
}

func loadOwner(path string, environ map[string]string) (OwnerConfig, error) {
	cfg := DefaultOwnerConfig()
	if path != "" {
		var raw ownerFile
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return OwnerConfig{}, fmt.Errorf("load owner config: %w", err)
		}
		overlay(meta, &cfg.Owner.OwnerID, strings.TrimSpace(raw.Owner.ID), "owner", "id")
		overlay(meta, &cfg.Owner.Network, strings.TrimSpace(raw.Owner.Network), "owner", "network")
		overlay(meta, &cfg.Owner.ListenAddr, strings.TrimSpace(raw.Owner.Listen), "owner", "listen")
		overlay(meta, &cfg.InitialStatePath, strings.TrimSpace(raw.Owner.InitialState), "owner", "initial_state")
		overlay(meta, &cfg.Store.LinkQueueSize, raw.Store.LinkQueue, "store", "link_queue")
		overlay(meta, &cfg.Store.LogSize, raw.Store.LogSize, "store", "log_size")
		overlaySession(meta, &cfg.Owner.Session, raw.Session)

		ext := raw.External
		overlay(meta, &cfg.External.HTTPAddr, strings.TrimSpace(ext.HTTPAddr), "external", "http_addr")
		overlay(meta, &cfg.External.TCPAddr, strings.TrimSpace(ext.TCPAddr), "external", "tcp_addr")
		overlay(meta, &cfg.External.CORSOrigins, ext.CORSOrigins, "external", "cors_origins")
		overlay(meta, &cfg.External.ReadLimit, ext.ReadLimit, "external", "read_limit")
		overlay(meta, &cfg.External.WriteTimeout, ext.WriteTimeout, "external", "write_timeout")
		overlay(meta, &cfg.External.PingInterval, ext.PingInterval, "external", "ping_interval")
		overlay(meta, &cfg.External.EventQueue, ext.EventQueue, "external", "event_queue")
		overlay(meta, &cfg.External.PromiseTimeout, ext.PromiseTimeout, "external", "promise_timeout")
	}

	var envRaw ownerEnv
	if err := parseEnv(&envRaw, environ); err != nil {
		return OwnerConfig{}, err
	}
	setIf(&cfg.Owner.OwnerID, envRaw.ID)
	setIf(&cfg.Owner.Network, envRaw.Network)
	setIf(&cfg.Owner.ListenAddr, envRaw.Socket)
	setIf(&cfg.External.HTTPAddr, envRaw.HTTPAddr)
	setIf(&cfg.External.TCPAddr, envRaw.TCPAddr)
	setIf(&cfg.InitialStatePath, envRaw.InitialState)
	if len(envRaw.CORSOrigins) > 0 {
		cfg.External.CORSOrigins = envRaw.CORSOrigins
	}

	cfg.Owner.Session = cfg.Owner.Session.WithDefaults()
	cfg.Store = cfg.Store.WithDefaults()
	if err := ValidateOwner(cfg); err != nil {
		return OwnerConfig{}, err
	}
	return cfg, nil
}

func ValidateOwner(cfg OwnerConfig) error {
	if err := validateEndpoint(cfg.Owner.Network, cfg.Owner.ListenAddr); err != nil {
		return fmt.Errorf("owner config: %w", err)
	}
	if cfg.External.HTTPAddr != "" && cfg.External.HTTPAddr == cfg.External.TCPAddr {
		return fmt.Errorf("%w: external http_addr and tcp_addr must differ", ErrInvalidConfig)
	}
	return nil
}

// window.toml key mapping.
type windowFile struct {
	Window struct {
		ID      string `toml:"id"`
		Role    string `toml:"role"`
		Network string `toml:"network"`
		Address string `toml:"address"`
	} `toml:"window"`
	Follower struct {
		MaxBuffered int `toml:"max_buffered"`
	} `toml:"follower"`
	Session session.Config `toml:"session"`
}

type windowEnv struct {
	ID      *string `env:"PANESYNC_WINDOW_ID"`
	Role    *string `env:"PANESYNC_WINDOW_ROLE"`
	Network *string `env:"PANESYNC_OWNER_NETWORK"`
	Socket  *string `env:"PANESYNC_OWNER_SOCKET"`
}

// LoadWindow resolves a window's connection config. An empty path skips
// the file.
func LoadWindow(path string) (window.Config, error) {
	return loadWindow(path, nil)
}

func loadWindow(path string, environ map[string]string) (window.Config, error) {
	cfg := window.DefaultConfig()
	if path != "" {
		var raw windowFile
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return window.Config{}, fmt.Errorf("load window config: %w", err)
		}
		overlay(meta, &cfg.WindowID, strings.TrimSpace(raw.Window.ID), "window", "id")
		overlay(meta, &cfg.Role, session.Role(strings.TrimSpace(raw.Window.Role)), "window", "role")
		overlay(meta, &cfg.Network, strings.TrimSpace(raw.Window.Network), "window", "network")
		overlay(meta, &cfg.Address, strings.TrimSpace(raw.Window.Address), "window", "address")
		overlay(meta, &cfg.Follower.MaxBuffered, raw.Follower.MaxBuffered, "follower", "max_buffered")
		overlaySession(meta, &cfg.Session, raw.Session)
	}

	var envRaw windowEnv
	if err := parseEnv(&envRaw, environ); err != nil {
		return window.Config{}, err
	}
	setIf(&cfg.WindowID, envRaw.ID)
	setIf(&cfg.Network, envRaw.Network)
	setIf(&cfg.Address, envRaw.Socket)
	if envRaw.Role != nil {
		cfg.Role = session.Role(strings.TrimSpace(*envRaw.Role))
	}

	cfg.Session = cfg.Session.WithDefaults()
	if err := ValidateWindow(cfg); err != nil {
		return window.Config{}, err
	}
	return cfg, nil
}

func ValidateWindow(cfg window.Config) error {
	if err := validateEndpoint(cfg.Network, cfg.Address); err != nil {
		return fmt.Errorf("window config: %w", err)
	}
	if !cfg.Role.Valid() {
		return fmt.Errorf("%w: window role %q", ErrInvalidConfig, cfg.Role)
	}
	return nil
}

func overlaySession(meta toml.MetaData, dst *session.Config, raw session.Config) {
	overlay(meta, &dst.ConnectTimeout, raw.ConnectTimeout, "session", "connect_timeout")
	overlay(meta, &dst.HandshakeTimeout, raw.HandshakeTimeout, "session", "handshake_timeout")
	overlay(meta, &dst.WriteTimeout, raw.WriteTimeout, "session", "write_timeout")
	overlay(meta, &dst.CallTimeout, raw.CallTimeout, "session", "call_timeout")
	overlay(meta, &dst.OutboxSize, raw.OutboxSize, "session", "outbox_size")
	overlay(meta, &dst.Backoff.InitialDelay, raw.Backoff.InitialDelay, "session", "backoff", "initial_delay")
	overlay(meta, &dst.Backoff.Multiplier, raw.Backoff.Multiplier, "session", "backoff", "multiplier")
	overlay(meta, &dst.Backoff.MaxDelay, raw.Backoff.MaxDelay, "session", "backoff", "max_delay")
	overlay(meta, &dst.Backoff.Jitter, raw.Backoff.Jitter, "session", "backoff", "jitter")
	overlay(meta, &dst.Backoff.MaxAttempts, raw.Backoff.MaxAttempts, "session", "backoff", "max_attempts")
}

// overlay copies v into dst only when the file defined key.
func overlay[T any](meta toml.MetaData, dst *T, v T, key ...string) {
	if meta.IsDefined(key...) {
		*dst = v
	}
}

func setIf(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

// parseEnv reads the process environment, or environ when non-nil.
func parseEnv(target any, environ map[string]string) error {
	var err error
	if environ == nil {
		err = env.Parse(target)
	} else {
		err = env.ParseWithOptions(target, env.Options{Environment: environ})
	}
	if err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func validateEndpoint(network, addr string) error {
	switch network {
	case "unix", "tcp":
	default:
		return fmt.Errorf("%w: network %q (expected unix or tcp)", ErrInvalidConfig, network)
	}
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("%w: missing %s address", ErrInvalidConfig, network)
	}
	return nil
}
