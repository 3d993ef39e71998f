package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"gocalsync/internal/utils"
)

//go:embed config.sample.yaml
var sampleConfig []byte

const (
	CONFIG_FILE_PATH = "config.yaml"
	CONFIG_DIR_PERM  = 0755
	CONFIG_FILE_PERM = 0600
	ENV_PREFIX       = "GOCALSYNC"
)

var customConfigPath string // set via --config

// Config represents the application configuration.
type Config struct {
	Calendar  string          `mapstructure:"calendar" yaml:"calendar"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Realtime  RealtimeConfig  `mapstructure:"realtime" yaml:"realtime"`
	Hydration HydrationConfig `mapstructure:"hydration" yaml:"hydration"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// ServerConfig addresses the calendar API.
type ServerConfig struct {
	URL       string        `mapstructure:"url" yaml:"url" validate:"required,url"`
	StreamURL string        `mapstructure:"stream_url" yaml:"stream_url" validate:"omitempty,url"`
	Token     string        `mapstructure:"token" yaml:"token,omitempty"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
}

// StorageConfig locates the local database.
type StorageConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	WatchExternal bool   `mapstructure:"watch_external" yaml:"watch_external"`
}

// SyncConfig tunes the drain loop and the reachability probe.
type SyncConfig struct {
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff" yaml:"base_backoff" validate:"gt=0"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" validate:"gtefield=BaseBackoff"`
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval" validate:"gt=0"`
	PingTimeout  time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout" validate:"gt=0"`
}

// RealtimeConfig tunes push-stream reconnection.
type RealtimeConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxAttempts uint64        `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay" validate:"gtefield=BaseDelay"`
}

// HydrationConfig bounds the window of a full sync.
type HydrationConfig struct {
	PastDays   int `mapstructure:"past_days" yaml:"past_days" validate:"gte=0"`
	FutureDays int `mapstructure:"future_days" yaml:"future_days" validate:"gte=0"`
}

// LogConfig controls the log file used by long-running commands.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	Verbose    bool   `mapstructure:"verbose" yaml:"verbose"`
}

// setDefaults registers every key so environment overrides apply even when
// the file leaves a key out.
func setDefaults(v *viper.Viper) {
	v.SetDefault("calendar", "")
	v.SetDefault("server.url", "")
	v.SetDefault("server.stream_url", "")
	v.SetDefault("server.token", "")
	v.SetDefault("server.timeout", 30*time.Second)
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.watch_external", true)
	v.SetDefault("sync.max_retries", 10)
	v.SetDefault("sync.base_backoff", time.Second)
	v.SetDefault("sync.max_backoff", 5*time.Minute)
	v.SetDefault("sync.ping_interval", 30*time.Second)
	v.SetDefault("sync.ping_timeout", 5*time.Second)
	v.SetDefault("realtime.enabled", true)
	v.SetDefault("realtime.max_attempts", 10)
	v.SetDefault("realtime.base_delay", time.Second)
	v.SetDefault("realtime.max_delay", 30*time.Second)
	v.SetDefault("hydration.past_days", 30)
	v.SetDefault("hydration.future_days", 90)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.verbose", false)
}

// Validate checks field rules and returns the first violation as a
// user-facing error.
func (c Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return utils.ErrInvalidConfig(configKey(fe.Namespace()), fmt.Sprintf("failed '%s' rule", fe.Tag()))
		}
		return err
	}
	return nil
}

// configKey turns a validator namespace like "Config.Sync.MaxRetries" into
// the YAML key "sync.max_retries".
func configKey(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 0 && parts[0] == "Config" {
		parts = parts[1:]
	}
	for i, p := range parts {
		var b strings.Builder
		for j, r := range p {
			if r >= 'A' && r <= 'Z' {
				if j > 0 && !(p[j-1] >= 'A' && p[j-1] <= 'Z') {
					b.WriteByte('_')
				}
				r += 'a' - 'A'
			}
			b.WriteRune(r)
		}
		parts[i] = b.String()
	}
	return strings.Join(parts, ".")
}

// StreamURL returns the push-stream base URL, derived from the API URL when
// not configured.
func (c *Config) StreamURL() string {
	if c.Server.StreamURL != "" {
		return c.Server.StreamURL
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return c.Server.URL
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String()
}

// DatabasePath returns the expanded database path.
func (c *Config) DatabasePath() (string, error) {
	if c.Storage.Path == "" {
		dir, err := utils.DataDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, "calendar.db"), nil
	}
	return utils.ExpandPath(c.Storage.Path)
}

// LogPath returns the expanded log file path.
func (c *Config) LogPath() (string, error) {
	if c.Log.File == "" {
		dir, err := utils.StateDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, "gocalsync.log"), nil
	}
	return utils.ExpandPath(c.Log.File)
}

// YAML renders the effective configuration with the token masked.
func (c Config) YAML() ([]byte, error) {
	if c.Server.Token != "" {
		c.Server.Token = "********"
	}
	return yaml.Marshal(c)
}

// SetCustomConfigPath sets a config path to use instead of the default.
// If path is a directory, config.yaml inside it is used.
func SetCustomConfigPath(path string) {
	if path == "" {
		customConfigPath = ""
		return
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		customConfigPath = filepath.Join(path, CONFIG_FILE_PATH)
		return
	}
	customConfigPath = path
}

// GetConfigPath returns the config file in use.
func GetConfigPath() (string, error) {
	if customConfigPath != "" {
		return utils.ExpandPath(customConfigPath)
	}
	dir, err := utils.ConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config dir: %w", err)
	}
	return filepath.Join(dir, CONFIG_FILE_PATH), nil
}

// Load reads the config file at path, applies GOCALSYNC_ environment
// overrides and validates the result. A missing file is not an error as
// long as the environment supplies what is required.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	missing := false
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			missing = true
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("invalid YAML in config file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		if missing && cfg.Server.URL == "" {
			return nil, utils.ErrConfigFileNotFound(path)
		}
		return nil, err
	}
	return &cfg, nil
}

// InitConfig writes the sample configuration to path, pointing it at
// serverURL when one is given. An existing file is only replaced with
// force.
func InitConfig(path, serverURL string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return utils.WrapWithSuggestion(
			fmt.Errorf("config file already exists at %s", path),
			"Use --force to overwrite it")
	}

	data := sampleConfig
	if serverURL != "" {
		var err error
		if data, err = setServerURL(sampleConfig, serverURL); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), CONFIG_DIR_PERM); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, CONFIG_FILE_PERM)
}

// setServerURL edits server.url in a YAML document while keeping its
// comments.
func setServerURL(doc []byte, serverURL string) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("failed to parse sample config: %w", err)
	}
	server := mappingValue(root.Content[0], "server")
	if server == nil {
		return nil, fmt.Errorf("sample config has no server section")
	}
	node := mappingValue(server, "url")
	if node == nil {
		return nil, fmt.Errorf("sample config has no server.url")
	}
	node.Value = serverURL

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return nil, fmt.Errorf("failed to write config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
