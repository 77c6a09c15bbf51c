package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.NodeURL != DefaultNodeURL {
		t.Errorf("NodeURL = %q, want %q", cfg.NodeURL, DefaultNodeURL)
	}
	if !cfg.DevKeys {
		t.Error("DevKeys should default to true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"websocket url", func(c *Config) { c.NodeURL = "ws://localhost:8546" }, ""},
		{"empty node url", func(c *Config) { c.NodeURL = "" }, "node URL is required"},
		{"bad scheme", func(c *Config) { c.NodeURL = "ipc:///tmp/geth.ipc" }, "scheme"},
		{"empty artifacts", func(c *Config) { c.ArtifactsDir = "" }, "artifacts directory"},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }, "invalid log level"},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, "poll interval"},
		{"zero receipt timeout", func(c *Config) { c.ReceiptTimeout = 0 }, "receipt timeout"},
		{"zero dial timeout", func(c *Config) { c.DialTimeout = 0 }, "dial timeout"},
		{"zero ready timeout", func(c *Config) { c.ReadyTimeout = 0 }, "ready timeout"},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "max retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.in}
			got, err := cfg.SlogLevel()
			if err != nil {
				t.Fatalf("SlogLevel() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TOOLBOX_NODE_URL":        "http://node:8545",
		"TOOLBOX_JOURNAL_PATH":    "/tmp/journal.db",
		"TOOLBOX_POLL_INTERVAL":   "50ms",
		"TOOLBOX_RECEIPT_TIMEOUT": "2m",
		"TOOLBOX_MAX_RETRIES":     "7",
		"TOOLBOX_KEYS":            "aa, bb,,cc",
		"TOOLBOX_DEV_KEYS":        "false",
	}
	cfg := Default()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	if cfg.NodeURL != "http://node:8545" {
		t.Errorf("NodeURL = %q", cfg.NodeURL)
	}
	if cfg.JournalPath != "/tmp/journal.db" {
		t.Errorf("JournalPath = %q", cfg.JournalPath)
	}
	if cfg.PollInterval != 50*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.ReceiptTimeout != 2*time.Minute {
		t.Errorf("ReceiptTimeout = %v", cfg.ReceiptTimeout)
	}
	if cfg.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d", cfg.MaxRetries)
	}
	if len(cfg.Keys) != 3 || cfg.Keys[0] != "aa" || cfg.Keys[2] != "cc" {
		t.Errorf("Keys = %v, want [aa bb cc]", cfg.Keys)
	}
	if cfg.DevKeys {
		t.Error("DevKeys = true, want false")
	}
	// Untouched values keep their defaults.
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want default", cfg.ListenAddr)
	}
}

func TestApplyEnvInvalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"TOOLBOX_POLL_INTERVAL", "soon"},
		{"TOOLBOX_MAX_RETRIES", "many"},
		{"TOOLBOX_DEV_KEYS", "perhaps"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := Default()
			err := cfg.ApplyEnv(func(k string) string {
				if k == tt.key {
					return tt.value
				}
				return ""
			})
			if err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Errorf("ApplyEnv() error = %v, want mention of %s", err, tt.key)
			}
		})
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toolbox.yaml")
	yamlCfg := `
node_url: http://from-file:8545
listen_addr: ":4000"
log_level: debug
poll_interval: 250ms
keys:
  - deadbeef
`
	if err := os.WriteFile(path, []byte(yamlCfg), 0o644); err != nil {
		t.Fatal(err)
	}

	// Real-node runs export TOOLBOX_NODE_URL; keep it out of this test.
	t.Setenv("TOOLBOX_NODE_URL", "")
	t.Setenv("TOOLBOX_LISTEN_ADDR", ":5000")
	t.Setenv("TOOLBOX_LOG_LEVEL", "warn")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Parse([]string{"--config", path, "--log-level", "error"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// file beats default
	if cfg.NodeURL != "http://from-file:8545" {
		t.Errorf("NodeURL = %q, want value from file", cfg.NodeURL)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms from file", cfg.PollInterval)
	}
	if len(cfg.Keys) != 1 || cfg.Keys[0] != "deadbeef" {
		t.Errorf("Keys = %v, want [deadbeef]", cfg.Keys)
	}
	// env beats file
	if cfg.ListenAddr != ":5000" {
		t.Errorf("ListenAddr = %q, want :5000 from env", cfg.ListenAddr)
	}
	// explicit flag beats env
	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error from flag", cfg.LogLevel)
	}
	// default survives
	if cfg.ReceiptTimeout != DefaultReceiptTimeout {
		t.Errorf("ReceiptTimeout = %v, want default", cfg.ReceiptTimeout)
	}
}

func TestLoadUnchangedFlagsDoNotOverride(t *testing.T) {
	t.Setenv("TOOLBOX_NODE_URL", "ws://env:8546")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.NodeURL != "ws://env:8546" {
		t.Errorf("NodeURL = %q, want env value (flag default must not win)", cfg.NodeURL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(fs); err == nil {
		t.Fatal("Load() expected error for missing config file")
	}
}

func TestLoadRejectsInvalidResult(t *testing.T) {
	t.Setenv("TOOLBOX_NODE_URL", "ftp://nope")
	if _, err := Load(nil); err == nil {
		t.Fatal("Load() expected validation error")
	}
}
