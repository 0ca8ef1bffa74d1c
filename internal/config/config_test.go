package config_test

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dantte-lp/gofvt/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.SUT.Addr != "127.0.0.1:16633" {
		t.Errorf("SUT.Addr = %q, want %q", cfg.SUT.Addr, "127.0.0.1:16633")
	}

	if cfg.SUT.RPCURL != "https://localhost:18080" {
		t.Errorf("SUT.RPCURL = %q, want %q", cfg.SUT.RPCURL, "https://localhost:18080")
	}

	if cfg.SUT.RPCUser != "fvadmin" {
		t.Errorf("SUT.RPCUser = %q, want %q", cfg.SUT.RPCUser, "fvadmin")
	}

	if cfg.Fixture.ControllerBasePort != 54321 {
		t.Errorf("Fixture.ControllerBasePort = %d, want %d", cfg.Fixture.ControllerBasePort, 54321)
	}

	if cfg.Fixture.Switches != 1 || cfg.Fixture.Controllers != 2 {
		t.Errorf("topology = %d switches, %d controllers, want 1, 2", cfg.Fixture.Switches, cfg.Fixture.Controllers)
	}

	if cfg.Fixture.Ports != 4 {
		t.Errorf("Fixture.Ports = %d, want %d", cfg.Fixture.Ports, 4)
	}

	if cfg.Fixture.Timeout != 2*time.Second {
		t.Errorf("Fixture.Timeout = %v, want %v", cfg.Fixture.Timeout, 2*time.Second)
	}

	if cfg.Metrics.Addr != "" {
		t.Errorf("Metrics.Addr = %q, want disabled", cfg.Metrics.Addr)
	}

	if cfg.Transcript.Path != "" {
		t.Errorf("Transcript.Path = %q, want disabled", cfg.Transcript.Path)
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
sut:
  addr: "10.0.0.1:6633"
  rpc_url: "https://10.0.0.1:8443"
  rpc_password: "secret"
  rpc_attempts: 20
fixture:
  controller_base_port: 0
  switches: 3
  controllers: 4
  ports: 8
  timeout: "0s"
  fallback_wait: "250ms"
  echo_responder: true
log:
  level: "debug"
  format: "json"
transcript:
  path: "/tmp/run.cbor"
relay:
  controllers: ["127.0.0.1:7000", "127.0.0.1:7001"]
  window: 16
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.SUT.Addr != "10.0.0.1:6633" {
		t.Errorf("SUT.Addr = %q, want %q", cfg.SUT.Addr, "10.0.0.1:6633")
	}

	if cfg.SUT.RPCAttempts != 20 {
		t.Errorf("SUT.RPCAttempts = %d, want %d", cfg.SUT.RPCAttempts, 20)
	}

	if cfg.Fixture.ControllerBasePort != 0 {
		t.Errorf("Fixture.ControllerBasePort = %d, want ephemeral", cfg.Fixture.ControllerBasePort)
	}

	if cfg.Fixture.Switches != 3 || cfg.Fixture.Controllers != 4 || cfg.Fixture.Ports != 8 {
		t.Errorf("topology = %+v", cfg.Fixture)
	}

	if cfg.Fixture.Timeout != 0 {
		t.Errorf("Fixture.Timeout = %v, want 0", cfg.Fixture.Timeout)
	}

	if cfg.Fixture.FallbackWait != 250*time.Millisecond {
		t.Errorf("Fixture.FallbackWait = %v, want %v", cfg.Fixture.FallbackWait, 250*time.Millisecond)
	}

	if !cfg.Fixture.EchoResponder {
		t.Error("Fixture.EchoResponder = false, want true")
	}

	if cfg.Transcript.Path != "/tmp/run.cbor" {
		t.Errorf("Transcript.Path = %q", cfg.Transcript.Path)
	}

	if len(cfg.Relay.Controllers) != 2 || cfg.Relay.Controllers[1] != "127.0.0.1:7001" {
		t.Errorf("Relay.Controllers = %v", cfg.Relay.Controllers)
	}

	fc := cfg.FixtureConfig()
	if fc.SUTAddr != cfg.SUT.Addr || fc.Ports != 8 || !fc.EchoResponder {
		t.Errorf("FixtureConfig() = %+v", fc)
	}

	cp := cfg.ControlPlaneConfig()
	if cp.URL != "https://10.0.0.1:8443" || cp.Password != "secret" || cp.Attempts != 20 {
		t.Errorf("ControlPlaneConfig() = %+v", cp)
	}

	rc := cfg.RelayConfig()
	if rc.Window != 16 || len(rc.Controllers) != 2 {
		t.Errorf("RelayConfig() = %+v", rc)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: everything else inherits from defaults.
	yamlContent := `
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "text")
	}

	if cfg.SUT.Addr != "127.0.0.1:16633" {
		t.Errorf("SUT.Addr = %q, want default", cfg.SUT.Addr)
	}

	if cfg.Relay.Window != 4096 {
		t.Errorf("Relay.Window = %d, want default %d", cfg.Relay.Window, 4096)
	}
}

// Not parallel: t.Setenv.
func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GOFVT_SUT__ADDR", "192.0.2.1:6633")
	t.Setenv("GOFVT_SUT__RPC_PASSWORD", "from-env")
	t.Setenv("GOFVT_FIXTURE__CONTROLLER_BASE_PORT", "40000")
	t.Setenv("GOFVT_LOG__LEVEL", "error")

	path := writeTemp(t, "sut:\n  addr: \"10.0.0.1:6633\"\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.SUT.Addr != "192.0.2.1:6633" {
		t.Errorf("SUT.Addr = %q, env must override file", cfg.SUT.Addr)
	}

	if cfg.SUT.RPCPassword != "from-env" {
		t.Errorf("SUT.RPCPassword = %q, want %q", cfg.SUT.RPCPassword, "from-env")
	}

	if cfg.Fixture.ControllerBasePort != 40000 {
		t.Errorf("Fixture.ControllerBasePort = %d, want %d", cfg.Fixture.ControllerBasePort, 40000)
	}

	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "error")
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}

	if cfg.Fixture.Controllers != 2 {
		t.Errorf("Fixture.Controllers = %d, want default %d", cfg.Fixture.Controllers, 2)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name:    "empty sut addr",
			modify:  func(cfg *config.Config) { cfg.SUT.Addr = "" },
			wantErr: config.ErrEmptySUTAddr,
		},
		{
			name:    "zero rpc attempts",
			modify:  func(cfg *config.Config) { cfg.SUT.RPCAttempts = 0 },
			wantErr: config.ErrInvalidRPCAttempts,
		},
		{
			name:    "negative switches",
			modify:  func(cfg *config.Config) { cfg.Fixture.Switches = -1 },
			wantErr: config.ErrInvalidTopology,
		},
		{
			name: "controller ports overflow",
			modify: func(cfg *config.Config) {
				cfg.Fixture.ControllerBasePort = 65535
				cfg.Fixture.Controllers = 2
			},
			wantErr: config.ErrInvalidBasePort,
		},
		{
			name:    "negative base port",
			modify:  func(cfg *config.Config) { cfg.Fixture.ControllerBasePort = -1 },
			wantErr: config.ErrInvalidBasePort,
		},
		{
			name:    "no data ports",
			modify:  func(cfg *config.Config) { cfg.Fixture.Ports = 0 },
			wantErr: config.ErrInvalidPorts,
		},
		{
			name:    "negative timeout",
			modify:  func(cfg *config.Config) { cfg.Fixture.Timeout = -time.Second },
			wantErr: config.ErrNegativeTimeout,
		},
		{
			name:    "negative relay timeout",
			modify:  func(cfg *config.Config) { cfg.Relay.Timeout = -time.Second },
			wantErr: config.ErrNegativeTimeout,
		},
		{
			name:    "unknown log format",
			modify:  func(cfg *config.Config) { cfg.Log.Format = "xml" },
			wantErr: config.ErrInvalidLogFormat,
		},
		{
			name:    "zero relay window",
			modify:  func(cfg *config.Config) { cfg.Relay.Window = 0 },
			wantErr: config.ErrInvalidRelayWindow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAcceptsZeroTimeout(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Fixture.Timeout = 0
	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate() with no timeout: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewLogHandler(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(config.NewLogHandler(config.LogConfig{Level: "warn", Format: "json"}, &buf))
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record emitted at warn level: %s", out)
	}
	if !strings.HasPrefix(out, "{") || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("json handler output = %q", out)
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "gofvt.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
