// Package config handles configuration loading and management for fleet.
// It supports XDG config paths, project-level files, FLEET_ environment
// variables and live reload of tenant quotas.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ProjectConfigName is the file searched for in the working directory and its parents.
const ProjectConfigName = "fleet.yaml"

// Config holds all configuration for the control plane.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Liveness LivenessConfig `mapstructure:"liveness" yaml:"liveness"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Tracker  TrackerConfig  `mapstructure:"tracker" yaml:"tracker"`
	Jobs     JobsConfig     `mapstructure:"jobs" yaml:"jobs"`
	Agents   AgentsConfig   `mapstructure:"agents" yaml:"agents"`
	Queue    QueueConfig    `mapstructure:"queue" yaml:"queue"`
	Tenants  TenantsConfig  `mapstructure:"tenants" yaml:"tenants"`
	Events   EventsConfig   `mapstructure:"events" yaml:"events"`
	Vault    VaultConfig    `mapstructure:"vault" yaml:"vault"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// AdminToken guards the operator API. Empty leaves it open.
	AdminToken string `mapstructure:"admin_token" yaml:"admin_token"`
}

// StorageConfig holds the database location.
type StorageConfig struct {
	// Path is the SQLite file. Empty uses the XDG data directory.
	Path string `mapstructure:"path" yaml:"path"`
}

// LivenessConfig holds heartbeat timings.
type LivenessConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	// HeartbeatTimeout of zero means three heartbeat intervals.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	// SweepInterval of zero means half the heartbeat interval.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// derive fills unset timings from the heartbeat interval so that changing
// the interval alone keeps the timeout and sweep in proportion.
func (l *LivenessConfig) derive() {
	if l.HeartbeatInterval <= 0 {
		return
	}
	if l.HeartbeatTimeout == 0 {
		l.HeartbeatTimeout = 3 * l.HeartbeatInterval
	}
	if l.SweepInterval == 0 {
		l.SweepInterval = l.HeartbeatInterval / 2
	}
}

// DispatchConfig holds matcher settings.
type DispatchConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	LeaseGrace      time.Duration `mapstructure:"lease_grace" yaml:"lease_grace"`
	CandidateWindow int           `mapstructure:"candidate_window" yaml:"candidate_window"`
}

// TrackerConfig holds reaper settings.
type TrackerConfig struct {
	ReaperInterval time.Duration `mapstructure:"reaper_interval" yaml:"reaper_interval"`
}

// JobsConfig holds defaults applied to submitted jobs.
type JobsConfig struct {
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts" yaml:"default_max_attempts"`
	DefaultTimeout     time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
}

// AgentsConfig holds defaults applied at registration.
type AgentsConfig struct {
	DefaultMaxConcurrentJobs int `mapstructure:"default_max_concurrent_jobs" yaml:"default_max_concurrent_jobs"`
}

// QueueConfig holds idempotency key settings.
type QueueConfig struct {
	IdempotencyRetention time.Duration `mapstructure:"idempotency_retention" yaml:"idempotency_retention"`
	IdempotencyCacheSize int           `mapstructure:"idempotency_cache_size" yaml:"idempotency_cache_size"`
}

// TenantsConfig holds per-tenant pending job limits. Zero means unlimited.
type TenantsConfig struct {
	DefaultMaxPending int            `mapstructure:"default_max_pending" yaml:"default_max_pending"`
	MaxPending        map[string]int `mapstructure:"max_pending" yaml:"max_pending"`
}

// EventsConfig selects where audit events are relayed.
type EventsConfig struct {
	// Sink is "log", "webhook" or "none".
	Sink          string        `mapstructure:"sink" yaml:"sink"`
	WebhookURL    string        `mapstructure:"webhook_url" yaml:"webhook_url"`
	RelayInterval time.Duration `mapstructure:"relay_interval" yaml:"relay_interval"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
}

// VaultConfig holds the credential vault client settings. An empty URL
// disables credential resolution.
type VaultConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Token   string        `mapstructure:"token" yaml:"token"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	// File receives logs instead of stderr when set.
	File string `mapstructure:"file" yaml:"file"`
}

// Validate reports settings the control plane cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Liveness.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("liveness.heartbeat_interval must be positive"))
	}
	if c.Liveness.HeartbeatTimeout != 0 && c.Liveness.HeartbeatTimeout < c.Liveness.HeartbeatInterval {
		errs = append(errs, errors.New("liveness.heartbeat_timeout must not be shorter than the heartbeat interval"))
	}
	if c.Dispatch.LeaseGrace < 0 {
		errs = append(errs, errors.New("dispatch.lease_grace must not be negative"))
	}
	if c.Jobs.DefaultMaxAttempts < 1 {
		errs = append(errs, errors.New("jobs.default_max_attempts must be at least 1"))
	}
	if c.Agents.DefaultMaxConcurrentJobs < 1 {
		errs = append(errs, errors.New("agents.default_max_concurrent_jobs must be at least 1"))
	}
	switch c.Events.Sink {
	case "log", "none":
	case "webhook":
		if c.Events.WebhookURL == "" {
			errs = append(errs, errors.New("events.webhook_url is required for the webhook sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("events.sink %q must be log, webhook or none", c.Events.Sink))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return l, nil
}

// Source is a loaded configuration file that can be watched for changes.
type Source struct {
	v *viper.Viper

	mu      sync.Mutex
	current *Config
}

// Open loads configuration.
// Precedence (highest to lowest):
// 1. Environment variables (FLEET_SERVER_ADDR, FLEET_VAULT_TOKEN, ...)
// 2. The file at path, when given
// 3. Project config (fleet.yaml in the current directory or a parent)
// 4. User config (~/.config/fleet/config.yaml)
// 5. Built-in defaults
func Open(path string) (*Source, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	switch {
	case path != "":
		v.SetConfigFile(path)
	case findProjectConfig() != "":
		v.SetConfigFile(findProjectConfig())
	default:
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(getUserConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Source{v: v, current: cfg}, nil
}

// Load is Open followed by Config.
func Load(path string) (*Config, error) {
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	return s.Config(), nil
}

// Config returns the most recently loaded configuration.
func (s *Source) Config() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// File returns the config file in use, or "" when running on defaults.
func (s *Source) File() string {
	return s.v.ConfigFileUsed()
}

// Watch reloads the file whenever it changes and passes each valid new
// configuration to onChange. Invalid edits are logged and ignored. Without a
// config file Watch does nothing.
func (s *Source) Watch(logger *slog.Logger, onChange func(*Config)) {
	if s.File() == "" {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(s.v)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			logger.Warn("ignoring config change", "file", e.Name, "error", err)
			return
		}
		s.mu.Lock()
		s.current = cfg
		s.mu.Unlock()
		logger.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	s.v.WatchConfig()
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Server.AdminToken = expandEnv(cfg.Server.AdminToken)
	cfg.Vault.Token = expandEnv(cfg.Vault.Token)
	cfg.Liveness.derive()
	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.admin_token", "")

	v.SetDefault("storage.path", "")

	v.SetDefault("liveness.heartbeat_interval", "15s")
	v.SetDefault("liveness.heartbeat_timeout", "0s")
	v.SetDefault("liveness.sweep_interval", "0s")

	v.SetDefault("dispatch.poll_interval", "2s")
	v.SetDefault("dispatch.lease_grace", "30s")
	v.SetDefault("dispatch.candidate_window", 100)

	v.SetDefault("tracker.reaper_interval", "5s")

	v.SetDefault("jobs.default_max_attempts", 3)
	v.SetDefault("jobs.default_timeout", "5m")

	v.SetDefault("agents.default_max_concurrent_jobs", 1)

	v.SetDefault("queue.idempotency_retention", "24h")
	v.SetDefault("queue.idempotency_cache_size", 4096)

	v.SetDefault("tenants.default_max_pending", 0)

	v.SetDefault("events.sink", "log")
	v.SetDefault("events.webhook_url", "")
	v.SetDefault("events.relay_interval", "1s")
	v.SetDefault("events.batch_size", 100)

	v.SetDefault("vault.url", "")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.timeout", "10s")
	v.SetDefault("vault.ttl", "15m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

// getUserConfigDir returns the XDG config directory for fleet.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "fleet")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "fleet")
	}
	return filepath.Join(home, ".config", "fleet")
}

// findProjectConfig searches for fleet.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return cfg
}

// Quotas answers per-tenant pending limits and can be updated while the
// queue is using it.
type Quotas struct {
	mu  sync.RWMutex
	cfg TenantsConfig
}

// NewQuotas creates Quotas from cfg.
func NewQuotas(cfg TenantsConfig) *Quotas {
	q := &Quotas{}
	q.Update(cfg)
	return q
}

// Update replaces the limits.
func (q *Quotas) Update(cfg TenantsConfig) {
	limits := make(map[string]int, len(cfg.MaxPending))
	for tenant, n := range cfg.MaxPending {
		limits[strings.ToLower(tenant)] = n
	}
	cfg.MaxPending = limits

	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
}

// Limit returns the pending job limit for a tenant. Tenant names match
// case-insensitively since config keys are case-folded.
func (q *Quotas) Limit(tenantID string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if n, ok := q.cfg.MaxPending[strings.ToLower(tenantID)]; ok {
		return n
	}
	return q.cfg.DefaultMaxPending
}
