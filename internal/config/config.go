// Package config manages gofvt configuration using koanf/v2.
//
// Supports YAML files and environment variables layered over defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/gofvt/internal/controlplane"
	"github.com/dantte-lp/gofvt/internal/exchange"
	"github.com/dantte-lp/gofvt/internal/fixture"
	"github.com/dantte-lp/gofvt/internal/relay"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gofvt configuration.
type Config struct {
	SUT        SUTConfig        `koanf:"sut" yaml:"sut"`
	Fixture    FixtureConfig    `koanf:"fixture" yaml:"fixture"`
	Log        LogConfig        `koanf:"log" yaml:"log"`
	Metrics    MetricsConfig    `koanf:"metrics" yaml:"metrics"`
	Transcript TranscriptConfig `koanf:"transcript" yaml:"transcript"`
	Relay      RelayConfig      `koanf:"relay" yaml:"relay"`
}

// SUTConfig locates the intermediary under test.
type SUTConfig struct {
	// Addr is the switch-facing OpenFlow address (e.g., "127.0.0.1:16633").
	Addr string `koanf:"addr" yaml:"addr"`

	// RPCURL is the JSON-RPC management endpoint.
	RPCURL string `koanf:"rpc_url" yaml:"rpc_url"`

	// RPCUser and RPCPassword are the basic-auth credentials.
	RPCUser     string `koanf:"rpc_user" yaml:"rpc_user"`
	RPCPassword string `koanf:"rpc_password" yaml:"rpc_password"`

	// RPCAttempts is how many times a rule is tried before giving up.
	RPCAttempts int `koanf:"rpc_attempts" yaml:"rpc_attempts"`

	// RPCInsecure accepts a self-signed management certificate.
	RPCInsecure bool `koanf:"rpc_insecure" yaml:"rpc_insecure"`
}

// FixtureConfig shapes the simulated peers.
type FixtureConfig struct {
	// ListenHost is where simulated controllers listen.
	ListenHost string `koanf:"listen_host" yaml:"listen_host"`

	// ControllerBasePort is the port of controller 0. Zero picks
	// ephemeral ports.
	ControllerBasePort int `koanf:"controller_base_port" yaml:"controller_base_port"`

	// Switches and Controllers are the default topology size.
	Switches    int `koanf:"switches" yaml:"switches"`
	Controllers int `koanf:"controllers" yaml:"controllers"`

	// Ports is the number of data ports per simulated switch.
	Ports int `koanf:"ports" yaml:"ports"`

	// Timeout is the per-expectation receive timeout. Zero means "no
	// timeout", which uses FallbackWait.
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`

	// FallbackWait bounds the wait when Timeout is zero.
	FallbackWait time.Duration `koanf:"fallback_wait" yaml:"fallback_wait"`

	// EchoResponder answers keepalives inside every endpoint.
	EchoResponder bool `koanf:"echo_responder" yaml:"echo_responder"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level" yaml:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format" yaml:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address. Empty disables the endpoint.
	Addr string `koanf:"addr" yaml:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path" yaml:"path"`
}

// TranscriptConfig controls exchange transcripts.
type TranscriptConfig struct {
	// Path is the CBOR transcript file. Empty disables recording.
	Path string `koanf:"path" yaml:"path"`
}

// RelayConfig configures the loopback intermediary.
type RelayConfig struct {
	// ListenAddr is the switch-facing listen address.
	ListenAddr string `koanf:"listen_addr" yaml:"listen_addr"`

	// Controllers are dialed for every switch that connects.
	Controllers []string `koanf:"controllers" yaml:"controllers"`

	// Timeout bounds handshakes and controller dials.
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`

	// Window is the number of outstanding rewritten xids per switch.
	Window int `koanf:"window" yaml:"window"`
}

// FixtureConfig converts the sut and fixture sections to fixture.Config.
func (c *Config) FixtureConfig() fixture.Config {
	return fixture.Config{
		SUTAddr:            c.SUT.Addr,
		ListenHost:         c.Fixture.ListenHost,
		ControllerBasePort: c.Fixture.ControllerBasePort,
		Ports:              c.Fixture.Ports,
		Timeout:            c.Fixture.Timeout,
		FallbackWait:       c.Fixture.FallbackWait,
		EchoResponder:      c.Fixture.EchoResponder,
	}
}

// ControlPlaneConfig converts the sut section to controlplane.Config.
func (c *Config) ControlPlaneConfig() controlplane.Config {
	return controlplane.Config{
		URL:                c.SUT.RPCURL,
		User:               c.SUT.RPCUser,
		Password:           c.SUT.RPCPassword,
		Attempts:           c.SUT.RPCAttempts,
		InsecureSkipVerify: c.SUT.RPCInsecure,
	}
}

// RelayConfig converts the relay section to relay.Config.
func (c *Config) RelayConfig() relay.Config {
	return relay.Config{
		ListenAddr:  c.Relay.ListenAddr,
		Controllers: append([]string(nil), c.Relay.Controllers...),
		Timeout:     c.Relay.Timeout,
		Window:      c.Relay.Window,
	}
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the conventional single
// host layout: intermediary on 16633, management API on 18080,
// controllers from 54321, one switch and two controllers.
func DefaultConfig() *Config {
	return &Config{
		SUT: SUTConfig{
			Addr:        fixture.DefaultSUTAddr,
			RPCURL:      controlplane.DefaultURL,
			RPCUser:     controlplane.DefaultUser,
			RPCAttempts: controlplane.DefaultAttempts,
		},
		Fixture: FixtureConfig{
			ListenHost:         fixture.DefaultListenHost,
			ControllerBasePort: fixture.DefaultControllerBasePort,
			Switches:           fixture.DefaultSwitches,
			Controllers:        fixture.DefaultControllers,
			Ports:              fixture.DefaultPorts,
			Timeout:            exchange.DefaultTimeout,
			FallbackWait:       exchange.DefaultFallbackWait,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Relay: RelayConfig{
			ListenAddr: relay.DefaultListenAddr,
			Timeout:    relay.DefaultTimeout,
			Window:     relay.DefaultWindow,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gofvt configuration.
const envPrefix = "GOFVT_"

// envSectionSep separates the section from the key in variable names, so
// keys may themselves contain underscores.
const envSectionSep = "__"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOFVT_ prefix), and merges on top of DefaultConfig().
// An empty path skips the file layer.
//
// Environment variable mapping:
//
//	GOFVT_SUT__ADDR                      -> sut.addr
//	GOFVT_SUT__RPC_PASSWORD              -> sut.rpc_password
//	GOFVT_FIXTURE__CONTROLLER_BASE_PORT  -> fixture.controller_base_port
//	GOFVT_LOG__LEVEL                     -> log.level
//	GOFVT_TRANSCRIPT__PATH               -> transcript.path
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOFVT_FIXTURE__CONTROLLER_BASE_PORT into
// fixture.controller_base_port.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, envSectionSep, ".")
}

// loadDefaults sets the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"sut.addr":                     d.SUT.Addr,
		"sut.rpc_url":                  d.SUT.RPCURL,
		"sut.rpc_user":                 d.SUT.RPCUser,
		"sut.rpc_password":             d.SUT.RPCPassword,
		"sut.rpc_attempts":             d.SUT.RPCAttempts,
		"sut.rpc_insecure":             d.SUT.RPCInsecure,
		"fixture.listen_host":          d.Fixture.ListenHost,
		"fixture.controller_base_port": d.Fixture.ControllerBasePort,
		"fixture.switches":             d.Fixture.Switches,
		"fixture.controllers":          d.Fixture.Controllers,
		"fixture.ports":                d.Fixture.Ports,
		"fixture.timeout":              d.Fixture.Timeout.String(),
		"fixture.fallback_wait":        d.Fixture.FallbackWait.String(),
		"fixture.echo_responder":       d.Fixture.EchoResponder,
		"log.level":                    d.Log.Level,
		"log.format":                   d.Log.Format,
		"metrics.addr":                 d.Metrics.Addr,
		"metrics.path":                 d.Metrics.Path,
		"transcript.path":              d.Transcript.Path,
		"relay.listen_addr":            d.Relay.ListenAddr,
		"relay.controllers":            d.Relay.Controllers,
		"relay.timeout":                d.Relay.Timeout.String(),
		"relay.window":                 d.Relay.Window,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// maxPort is the largest TCP port.
const maxPort = 65535

// Validation errors.
var (
	// ErrEmptySUTAddr indicates the intermediary address is empty.
	ErrEmptySUTAddr = errors.New("sut.addr must not be empty")

	// ErrInvalidRPCAttempts indicates a non-positive retry count.
	ErrInvalidRPCAttempts = errors.New("sut.rpc_attempts must be >= 1")

	// ErrInvalidBasePort indicates controller ports fall outside 0..65535.
	ErrInvalidBasePort = errors.New("fixture.controller_base_port + controllers must fit in a TCP port")

	// ErrInvalidTopology indicates a negative switch or controller count.
	ErrInvalidTopology = errors.New("fixture.switches and fixture.controllers must be >= 0")

	// ErrInvalidPorts indicates a switch with no data ports.
	ErrInvalidPorts = errors.New("fixture.ports must be >= 1")

	// ErrNegativeTimeout indicates a negative timeout or wait.
	ErrNegativeTimeout = errors.New("timeouts must be >= 0")

	// ErrInvalidLogFormat indicates an unknown log format.
	ErrInvalidLogFormat = errors.New("log.format must be json or text")

	// ErrInvalidRelayWindow indicates a non-positive xid window.
	ErrInvalidRelayWindow = errors.New("relay.window must be >= 1")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.SUT.Addr == "" {
		return ErrEmptySUTAddr
	}

	if cfg.SUT.RPCAttempts < 1 {
		return ErrInvalidRPCAttempts
	}

	f := cfg.Fixture
	if f.Switches < 0 || f.Controllers < 0 {
		return ErrInvalidTopology
	}

	if f.ControllerBasePort < 0 || (f.ControllerBasePort > 0 && f.ControllerBasePort+f.Controllers-1 > maxPort) {
		return fmt.Errorf("base port %d with %d controllers: %w", f.ControllerBasePort, f.Controllers, ErrInvalidBasePort)
	}

	if f.Ports < 1 {
		return ErrInvalidPorts
	}

	if f.Timeout < 0 || f.FallbackWait < 0 || cfg.Relay.Timeout < 0 {
		return ErrNegativeTimeout
	}

	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("log.format %q: %w", cfg.Log.Format, ErrInvalidLogFormat)
	}

	if cfg.Relay.Window < 1 {
		return ErrInvalidRelayWindow
	}

	return nil
}

// -------------------------------------------------------------------------
// Logging
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogHandler builds the slog handler the log section describes.
func NewLogHandler(cfg LogConfig, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
