package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for ixpanel.
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Listen   ListenConfig   `yaml:"listen"`
	Polling  PollingConfig  `yaml:"polling"`
	Grants   GrantsConfig   `yaml:"grants"`
	Health   HealthConfig   `yaml:"health"`
	Log      LogConfig      `yaml:"log"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// UpstreamConfig describes the ixctl REST API the panel drives.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url"`
	Org     string        `yaml:"org"`
	OrgID   int           `yaml:"org_id"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	// Preselect is the exchange id from ?ix= on startup, 0 for none.
	Preselect int `yaml:"preselect"`
}

// ListenConfig defines where the local panel API listens.
type ListenConfig struct {
	APIPort    int    `yaml:"api_port"`
	APIBind    string `yaml:"api_bind"`
	APIKeyHash string `yaml:"api_key_hash"`
}

// PollingConfig bounds route server config job polling.
type PollingConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxPolls int           `yaml:"max_polls"`
}

// GrantsConfig selects where the principal's permission grants come from.
type GrantsConfig struct {
	Source string `yaml:"source"` // remote or file
	File   string `yaml:"file"`
}

// HealthConfig controls the periodic upstream reachability check.
type HealthConfig struct {
	Interval         time.Duration `yaml:"interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// TracingConfig enables OTLP trace export when Collector is set.
type TracingConfig struct {
	Collector string `yaml:"collector"`
	Insecure  bool   `yaml:"insecure"`
}

// SlogLevel parses the configured level name.
func (lc LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(lc.Level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log.level %q (use: debug|info|warn|error)", lc.Level)
	}
}

// Enabled reports whether a trace collector is configured.
func (tc TracingConfig) Enabled() bool {
	return tc.Collector != ""
}

// AuthEnabled returns true if the panel API requires a key.
func (lc ListenConfig) AuthEnabled() bool {
	return lc.APIKeyHash != ""
}

// Redacted returns a copy of the UpstreamConfig with the API key masked.
func (u UpstreamConfig) Redacted() UpstreamConfig {
	c := u
	if c.APIKey != "" {
		c.APIKey = "***REDACTED***"
	}
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	cfg.Upstream.BaseURL = strings.TrimRight(cfg.Upstream.BaseURL, "/")
	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 15 * time.Second
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Polling.Interval == 0 {
		cfg.Polling.Interval = 5 * time.Second
	}
	if cfg.Polling.MaxPolls == 0 {
		cfg.Polling.MaxPolls = 120
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 30 * time.Second
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = 3
	}
	if cfg.Health.Timeout == 0 {
		cfg.Health.Timeout = 5 * time.Second
	}
	if cfg.Grants.Source == "" {
		cfg.Grants.Source = "remote"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func validate(cfg *Config) error {
	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream.base_url %q must be an absolute http(s) URL", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.Org == "" {
		return fmt.Errorf("upstream.org is required")
	}
	if cfg.Polling.Interval < 0 || cfg.Polling.MaxPolls < 0 {
		return fmt.Errorf("polling.interval and polling.max_polls must not be negative")
	}
	if cfg.Health.Interval < 0 || cfg.Health.FailureThreshold < 0 || cfg.Health.Timeout < 0 {
		return fmt.Errorf("health settings must not be negative")
	}
	if _, err := cfg.Log.SlogLevel(); err != nil {
		return err
	}
	switch cfg.Grants.Source {
	case "remote":
	case "file":
		if cfg.Grants.File == "" {
			return fmt.Errorf("grants.file is required when grants.source is file")
		}
	default:
		return fmt.Errorf("unsupported grants.source %q (must be remote or file)", cfg.Grants.Source)
	}
	return nil
}

// Watcher watches a file for changes and invokes a callback after a short debounce.
type Watcher struct {
	path     string
	onChange func()
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a config file watcher that reloads and validates the
// file before handing the new config to callback.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	return WatchFile(path, func() {
		cfg, err := Load(path)
		if err != nil {
			slog.Error("config hot-reload failed", "path", path, "err", err)
			return
		}
		slog.Info("configuration reloaded", "path", path)
		callback(cfg)
	})
}

// WatchFile calls onChange whenever path is written or re-created.
func WatchFile(path string, onChange func()) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}

	cw := &Watcher{
		path:     path,
		onChange: onChange,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.fire)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("file watcher error", "path", cw.path, "err", err)
		case <-cw.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func (cw *Watcher) fire() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	select {
	case <-cw.stopCh:
		return
	default:
	}
	cw.onChange()
}

// Stop stops the watcher. Safe to call multiple times.
func (cw *Watcher) Stop() error {
	var err error
	cw.stopOnce.Do(func() {
		close(cw.stopCh)
		err = cw.watcher.Close()
	})
	return err
}
