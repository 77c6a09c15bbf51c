// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds toolbox configuration.
type Config struct {
	NodeURL        string        `yaml:"node_url"`
	ArtifactsDir   string        `yaml:"artifacts_dir"`
	JournalPath    string        `yaml:"journal_path"` // empty disables the journal
	ListenAddr     string        `yaml:"listen_addr"`
	LogLevel       string        `yaml:"log_level"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ReceiptTimeout time.Duration `yaml:"receipt_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	Keys           []string      `yaml:"keys"`     // hex private keys, listed as accounts
	DevKeys        bool          `yaml:"dev_keys"` // sign for anvil/ganache dev accounts
}

// Defaults
const (
	DefaultNodeURL        = "http://localhost:9545"
	DefaultArtifactsDir   = "artifacts"
	DefaultJournalPath    = ""
	DefaultListenAddr     = ":3002"
	DefaultLogLevel       = "info"
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultReceiptTimeout = 60 * time.Second
	DefaultDialTimeout    = 2 * time.Second
	DefaultReadyTimeout   = 10 * time.Second
	DefaultMaxRetries     = 3
	DefaultDevKeys        = true
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TOOLBOX_"

// Flag names registered by BindFlags.
const (
	FlagConfig         = "config"
	FlagNodeURL        = "node"
	FlagArtifactsDir   = "artifacts"
	FlagJournalPath    = "journal"
	FlagListenAddr     = "listen"
	FlagLogLevel       = "log-level"
	FlagPollInterval   = "poll-interval"
	FlagReceiptTimeout = "receipt-timeout"
	FlagDialTimeout    = "dial-timeout"
	FlagReadyTimeout   = "ready-timeout"
	FlagMaxRetries     = "max-retries"
	FlagKeys           = "key"
	FlagDevKeys        = "dev-keys"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		NodeURL:        DefaultNodeURL,
		ArtifactsDir:   DefaultArtifactsDir,
		JournalPath:    DefaultJournalPath,
		ListenAddr:     DefaultListenAddr,
		LogLevel:       DefaultLogLevel,
		PollInterval:   DefaultPollInterval,
		ReceiptTimeout: DefaultReceiptTimeout,
		DialTimeout:    DefaultDialTimeout,
		ReadyTimeout:   DefaultReadyTimeout,
		MaxRetries:     DefaultMaxRetries,
		DevKeys:        DefaultDevKeys,
	}
}

// BindFlags registers the configuration flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String(FlagConfig, "", "Path to a YAML config file")
	fs.String(FlagNodeURL, DefaultNodeURL, "Node JSON-RPC URL (http, https, ws, wss)")
	fs.String(FlagArtifactsDir, DefaultArtifactsDir, "Directory holding compiled contract artifacts")
	fs.String(FlagJournalPath, DefaultJournalPath, "SQLite deployment journal path (empty disables)")
	fs.String(FlagListenAddr, DefaultListenAddr, "HTTP listen address")
	fs.String(FlagLogLevel, DefaultLogLevel, "Log level (debug, info, warn, error)")
	fs.Duration(FlagPollInterval, DefaultPollInterval, "Receipt polling interval")
	fs.Duration(FlagReceiptTimeout, DefaultReceiptTimeout, "How long to wait for a receipt")
	fs.Duration(FlagDialTimeout, DefaultDialTimeout, "Per-request timeout while talking to the node")
	fs.Duration(FlagReadyTimeout, DefaultReadyTimeout, "How long to wait for the node to come up")
	fs.Int(FlagMaxRetries, DefaultMaxRetries, "Retries for transient node errors")
	fs.StringSlice(FlagKeys, nil, "Hex private key of an extra sender (repeatable)")
	fs.Bool(FlagDevKeys, DefaultDevKeys, "Sign for the well-known anvil and ganache dev accounts")
}

// Load builds the configuration. Precedence, lowest first: defaults, the YAML
// file named by --config, TOOLBOX_* environment variables, flags set on the
// command line. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	path := os.Getenv(EnvPrefix + "CONFIG")
	if fs != nil && fs.Changed(FlagConfig) {
		path, _ = fs.GetString(FlagConfig)
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if fs != nil {
		if err := cfg.ApplyFlags(fs); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays values from a YAML file. Keys absent from the file keep their value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays values from TOOLBOX_* variables looked up through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	env := func(name string) string { return getenv(EnvPrefix + name) }

	if v := env("NODE_URL"); v != "" {
		c.NodeURL = v
	}
	if v := env("ARTIFACTS_DIR"); v != "" {
		c.ArtifactsDir = v
	}
	if v := env("JOURNAL_PATH"); v != "" {
		c.JournalPath = v
	}
	if v := env("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := env("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"POLL_INTERVAL", &c.PollInterval},
		{"RECEIPT_TIMEOUT", &c.ReceiptTimeout},
		{"DIAL_TIMEOUT", &c.DialTimeout},
		{"READY_TIMEOUT", &c.ReadyTimeout},
	}
	for _, d := range durations {
		v := env(d.name)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, d.name, err)
		}
		*d.dst = parsed
	}

	if v := env("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_RETRIES: %w", EnvPrefix, err)
		}
		c.MaxRetries = n
	}
	if v := env("KEYS"); v != "" {
		c.Keys = splitList(v)
	}
	if v := env("DEV_KEYS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sDEV_KEYS: %w", EnvPrefix, err)
		}
		c.DevKeys = b
	}
	return nil
}

// ApplyFlags overlays flags that were explicitly set on fs.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var errs []error
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			v, err := fs.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if fs.Changed(name) {
			v, err := fs.GetDuration(name)
			errs = append(errs, err)
			*dst = v
		}
	}

	str(FlagNodeURL, &c.NodeURL)
	str(FlagArtifactsDir, &c.ArtifactsDir)
	str(FlagJournalPath, &c.JournalPath)
	str(FlagListenAddr, &c.ListenAddr)
	str(FlagLogLevel, &c.LogLevel)
	dur(FlagPollInterval, &c.PollInterval)
	dur(FlagReceiptTimeout, &c.ReceiptTimeout)
	dur(FlagDialTimeout, &c.DialTimeout)
	dur(FlagReadyTimeout, &c.ReadyTimeout)

	if fs.Changed(FlagMaxRetries) {
		v, err := fs.GetInt(FlagMaxRetries)
		errs = append(errs, err)
		c.MaxRetries = v
	}
	if fs.Changed(FlagKeys) {
		v, err := fs.GetStringSlice(FlagKeys)
		errs = append(errs, err)
		c.Keys = v
	}
	if fs.Changed(FlagDevKeys) {
		v, err := fs.GetBool(FlagDevKeys)
		errs = append(errs, err)
		c.DevKeys = v
	}
	return errors.Join(errs...)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.NodeURL == "" {
		return fmt.Errorf("node URL is required")
	}
	u, err := url.Parse(c.NodeURL)
	if err != nil {
		return fmt.Errorf("invalid node URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("node URL scheme must be http, https, ws or wss, got %q", u.Scheme)
	}
	if c.ArtifactsDir == "" {
		return fmt.Errorf("artifacts directory is required")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.ReceiptTimeout <= 0 {
		return fmt.Errorf("receipt timeout must be positive")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive")
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("ready timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", c.LogLevel)
	}
	return level, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
