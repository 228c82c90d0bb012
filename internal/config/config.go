package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "phasegate.yml"

// Config models phasegate.yml.
type Config struct {
	Store   Store   `yaml:"store"`
	Log     Log     `yaml:"log"`
	Server  Server  `yaml:"server"`
	Notify  Notify  `yaml:"notify"`
	Breaker Breaker `yaml:"breaker"`
	RBAC    struct {
		// Roles overrides the built-in capability table per role when non-empty.
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

type Store struct {
	Driver    string `yaml:"driver"`
	DSN       string `yaml:"dsn"`
	Database  string `yaml:"database"`
	Workspace string `yaml:"workspace"`
}

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

type Server struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
	// AllowHeaderAuth accepts X-Actor-Email / X-Actor-Role headers without a token.
	AllowHeaderAuth bool `yaml:"allow_header_auth"`
	// DevLogin exposes POST /auth/dev/login, which mints tokens for any identity.
	DevLogin bool `yaml:"dev_login"`
}

type Notify struct {
	NATSURL       string    `yaml:"nats_url"`
	SubjectPrefix string    `yaml:"subject_prefix"`
	Webhooks      []Webhook `yaml:"webhooks"`
}

// Webhook receives lifecycle events as JSON POSTs.
type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type Breaker struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

var drivers = map[string]bool{"memory": true, "sqlite": true, "postgres": true, "mongo": true}

var logLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with phasegate init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !drivers[c.Store.Driver] {
		return fmt.Errorf("config.store.driver must be one of memory, sqlite, postgres, mongo; got %q", c.Store.Driver)
	}
	if (c.Store.Driver == "postgres" || c.Store.Driver == "mongo") && c.Store.DSN == "" {
		return fmt.Errorf("config.store.dsn is required for driver %s", c.Store.Driver)
	}
	if c.Log.Level != "" && !logLevels[c.Log.Level] {
		return fmt.Errorf("config.log.level %q is not a valid level", c.Log.Level)
	}
	if c.Log.MaxSize < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAge < 0 {
		return fmt.Errorf("config.log rotation settings must not be negative")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.DevLogin && c.Server.JWTSecret == "" {
		return fmt.Errorf("config.server.jwt_secret is required when dev_login is enabled")
	}
	for i, hook := range c.Notify.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notify.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	if c.Breaker.OpenTimeout < 0 {
		return fmt.Errorf("config.breaker.open_timeout must not be negative")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return fmt.Sprintf(defaultTemplate, workspace)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config for a workspace.
func Default(workspace string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(workspace))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `store:
  driver: sqlite
  workspace: %s

log:
  level: info
  max_size: 10
  max_backups: 3
  max_age: 28
  compress: true

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allow_header_auth: false
  dev_login: false

notify:
  subject_prefix: phasegate

breaker:
  max_failures: 3
  open_timeout: 5s
`
