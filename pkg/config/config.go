package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/keelhq/keel/pkg/policy"
	"github.com/keelhq/keel/pkg/telemetry"
)

// Environment variables that override the configuration file.
const (
	EnvDBPath   = "KEEL_DB_PATH"
	EnvLogLevel = "LOG_LEVEL"
)

// Config is the server configuration.
type Config struct {
	Database  DatabaseConfig    `yaml:"database"`
	Executor  ExecutorConfig    `yaml:"executor"`
	Policy    policy.Config     `yaml:"policy"`
	Catalog   CatalogConfig     `yaml:"catalog"`
	Plugins   PluginsConfig     `yaml:"plugins"`
	Audit     AuditConfig       `yaml:"audit"`
	SSH       SSHConfig         `yaml:"ssh"`
	Telemetry *telemetry.Config `yaml:"telemetry" validate:"required"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the database file.
	Path string `yaml:"path" validate:"required"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0,ltefield=MaxOpenConns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`

	// LeaseTTL is how long a graph taken by one server stays hidden from
	// other servers sharing the database.
	LeaseTTL time.Duration `yaml:"lease_ttl" validate:"gte=0"`
}

// ExecutorConfig configures the graph executor loop.
type ExecutorConfig struct {
	// Enabled turns execution on. With execution off the server only plans.
	Enabled bool `yaml:"enabled"`

	// Workers is the number of concurrent executor loops.
	Workers int `yaml:"workers" validate:"gte=1,lte=64"`

	// PollInterval is how long an idle worker waits before polling the queue.
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`

	// MaxPlanIterations bounds the planner's fixed point loop.
	MaxPlanIterations int `yaml:"max_plan_iterations" validate:"gte=1"`

	// InMemoryQueue keeps the execution queue in process instead of in SQLite.
	InMemoryQueue bool `yaml:"in_memory_queue"`
}

// CatalogConfig points at declarative resource type definitions.
type CatalogConfig struct {
	// Path is a YAML or CUE file, or a directory of them. Empty disables the catalog.
	Path string `yaml:"path"`

	// Watch reloads the catalog when files change.
	Watch bool `yaml:"watch"`
}

// PluginsConfig configures WASM task definitions.
type PluginsConfig struct {
	// Dir holds plugin manifests and modules. Empty disables plugins.
	Dir string `yaml:"dir"`

	// Timeout bounds each call into a module.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// MemoryLimitPages caps module memory in 64 KiB pages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages" validate:"gte=1"`

	// AllowedCapabilities limits what plugins may request. Empty allows all.
	AllowedCapabilities []string `yaml:"allowed_capabilities" validate:"dive,oneof=log env:read fs:temp"`
}

// AuditConfig configures where completed executions are recorded.
type AuditConfig struct {
	// File is an NDJSON file that receives one record per completed execution.
	File string `yaml:"file"`

	// Store also records audit entries in the database.
	Store bool `yaml:"store"`
}

// SSHConfig holds defaults for the SSH task definitions.
type SSHConfig struct {
	User           string        `yaml:"user"`
	KeyPath        string        `yaml:"key_path"`
	KnownHostsPath string        `yaml:"known_hosts_path"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gt=0"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:            "keel.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			LeaseTTL:        5 * time.Minute,
		},
		Executor: ExecutorConfig{
			Enabled:           true,
			Workers:           1,
			PollInterval:      time.Second,
			MaxPlanIterations: 100,
		},
		Policy: policy.Config{
			ProjectPattern: policy.DefaultProjectPattern,
		},
		Plugins: PluginsConfig{
			Timeout:             30 * time.Second,
			MemoryLimitPages:    256,
			AllowedCapabilities: []string{"log", "fs:temp"},
		},
		Audit: AuditConfig{
			Store: true,
		},
		SSH: SSHConfig{
			User:           "root",
			ConnectTimeout: 10 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides, and
// validates the result. An empty path loads only defaults and environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDBPath); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Telemetry.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks struct constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// formatValidationErrors flattens validator errors into one readable error.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s is %s", fe.Namespace(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
