package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for VoxBridge Core.
// All configuration is loaded from YAML; secrets can be overridden by
// environment variables (see Load).
type Config struct {
	Bridge     BridgeConfig     `yaml:"bridge"`
	Controller ControllerConfig `yaml:"controller"`
	OAuth      OAuthConfig      `yaml:"oauth"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Sync       SyncConfig       `yaml:"sync"`
	Database   DatabaseConfig   `yaml:"database"`
	API        APIConfig        `yaml:"api"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	History    HistoryConfig    `yaml:"history"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// BridgeConfig contains assistant-facing bridge settings.
type BridgeConfig struct {
	// AgentUserID is the opaque user id reported in SYNC responses.
	AgentUserID string `yaml:"agent_user_id"`

	// MaxDevices caps the number of devices exposed in a SYNC response.
	MaxDevices int `yaml:"max_devices"`

	// AutoSelectLimit bounds the one-time bootstrap selection of
	// discovered entities when no selection exists yet.
	AutoSelectLimit int `yaml:"auto_select_limit"`
}

// ControllerConfig contains connection settings for the home-automation
// controller's REST API.
type ControllerConfig struct {
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Timeout int    `yaml:"timeout"` // seconds
}

// OAuthConfig contains the single configured OAuth client pair and token
// lifetimes. The client secret doubles as the token signing secret; it is
// shared with the assistant platform at provisioning time.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	AccessTokenTTL  int `yaml:"access_token_ttl"`  // seconds
	AuthCodeTTL     int `yaml:"auth_code_ttl"`     // seconds
	RefreshTokenTTL int `yaml:"refresh_token_ttl"` // seconds
	SaveThrottle    int `yaml:"save_throttle"`     // seconds
}

// ExecutionConfig contains command execution and verification settings.
type ExecutionConfig struct {
	// StrictVerification controls the outcome policy when post-command
	// verification disagrees: true reports deviceNotResponding, false
	// reports SUCCESS with the observed state.
	StrictVerification bool `yaml:"strict_verification"`

	MaxRetryAttempts int `yaml:"max_retry_attempts"`
	RetryDelayMS     int `yaml:"retry_delay_ms"`
	SettleDelayMS    int `yaml:"settle_delay_ms"`
	VerifyDelayMS    int `yaml:"verify_delay_ms"`

	// DefaultThermostatMode is used when the assistant requests a mode
	// the controller vocabulary does not map.
	DefaultThermostatMode string `yaml:"default_thermostat_mode"`

	FanModeCacheSeconds int `yaml:"fan_mode_cache_seconds"`
}

// SyncConfig contains SYNC projection cache settings.
type SyncConfig struct {
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
	DebounceMS      int `yaml:"debounce_ms"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`

	// AdminKey guards the device-selection endpoints. Empty disables
	// the admin surface entirely.
	AdminKey string `yaml:"admin_key"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// MQTTConfig contains settings for the optional local event announcer.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

// HistoryConfig contains settings for the optional InfluxDB execution
// history recorder.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default values applied when the YAML omits a field.
const (
	defaultAgentUserID     = "voxbridge-user"
	defaultMaxDevices      = 50
	defaultAutoSelect      = 50
	defaultCtrlTimeout     = 8
	defaultAccessTTL       = 3600
	defaultCodeTTL         = 600
	defaultRefreshTTL      = 86400 * 30
	defaultSaveThrottle    = 5
	defaultRetryAttempts   = 2
	defaultRetryDelayMS    = 1000
	defaultSettleDelayMS   = 1000
	defaultVerifyDelayMS   = 500
	defaultThermostatMode  = "auto"
	defaultFanCacheSeconds = 300
	defaultCacheTTL        = 5
	defaultDebounceMS      = 500
	defaultBusyTimeout     = 5
	defaultAPIPort         = 8099
	defaultReadTimeout     = 15
	defaultWriteTimeout    = 30
	defaultIdleTimeout     = 60
	defaultMQTTPort        = 1883
	defaultQoS             = 1
)

// Load reads configuration from a YAML file, applies defaults, then applies
// environment overrides for secrets:
//
//	VOXBRIDGE_CLIENT_ID, VOXBRIDGE_CLIENT_SECRET, VOXBRIDGE_CONTROLLER_TOKEN,
//	VOXBRIDGE_ADMIN_KEY
//
// The returned config has been validated; Load fails on any condition that
// would be crash-worthy at request time (missing client pair, missing
// controller URL).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator flags
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Bridge.AgentUserID == "" {
		c.Bridge.AgentUserID = defaultAgentUserID
	}
	if c.Bridge.MaxDevices <= 0 {
		c.Bridge.MaxDevices = defaultMaxDevices
	}
	if c.Bridge.AutoSelectLimit <= 0 {
		c.Bridge.AutoSelectLimit = defaultAutoSelect
	}
	if c.Controller.Timeout <= 0 {
		c.Controller.Timeout = defaultCtrlTimeout
	}
	if c.OAuth.AccessTokenTTL <= 0 {
		c.OAuth.AccessTokenTTL = defaultAccessTTL
	}
	if c.OAuth.AuthCodeTTL <= 0 {
		c.OAuth.AuthCodeTTL = defaultCodeTTL
	}
	if c.OAuth.RefreshTokenTTL <= 0 {
		c.OAuth.RefreshTokenTTL = defaultRefreshTTL
	}
	if c.OAuth.SaveThrottle <= 0 {
		c.OAuth.SaveThrottle = defaultSaveThrottle
	}
	if c.Execution.MaxRetryAttempts <= 0 {
		c.Execution.MaxRetryAttempts = defaultRetryAttempts
	}
	if c.Execution.RetryDelayMS <= 0 {
		c.Execution.RetryDelayMS = defaultRetryDelayMS
	}
	if c.Execution.SettleDelayMS <= 0 {
		c.Execution.SettleDelayMS = defaultSettleDelayMS
	}
	if c.Execution.VerifyDelayMS <= 0 {
		c.Execution.VerifyDelayMS = defaultVerifyDelayMS
	}
	if c.Execution.DefaultThermostatMode == "" {
		c.Execution.DefaultThermostatMode = defaultThermostatMode
	}
	if c.Execution.FanModeCacheSeconds <= 0 {
		c.Execution.FanModeCacheSeconds = defaultFanCacheSeconds
	}
	if c.Sync.CacheTTLSeconds <= 0 {
		c.Sync.CacheTTLSeconds = defaultCacheTTL
	}
	if c.Sync.DebounceMS <= 0 {
		c.Sync.DebounceMS = defaultDebounceMS
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/voxbridge.db"
	}
	if c.Database.BusyTimeout <= 0 {
		c.Database.BusyTimeout = defaultBusyTimeout
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port <= 0 {
		c.API.Port = defaultAPIPort
	}
	if c.API.Timeouts.Read <= 0 {
		c.API.Timeouts.Read = defaultReadTimeout
	}
	if c.API.Timeouts.Write <= 0 {
		c.API.Timeouts.Write = defaultWriteTimeout
	}
	if c.API.Timeouts.Idle <= 0 {
		c.API.Timeouts.Idle = defaultIdleTimeout
	}
	if c.MQTT.Port <= 0 {
		c.MQTT.Port = defaultMQTTPort
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "voxbridge-core"
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		c.MQTT.QoS = defaultQoS
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VOXBRIDGE_CLIENT_ID"); v != "" {
		c.OAuth.ClientID = v
	}
	if v := os.Getenv("VOXBRIDGE_CLIENT_SECRET"); v != "" {
		c.OAuth.ClientSecret = v
	}
	if v := os.Getenv("VOXBRIDGE_CONTROLLER_TOKEN"); v != "" {
		c.Controller.Token = v
	}
	if v := os.Getenv("VOXBRIDGE_ADMIN_KEY"); v != "" {
		c.API.AdminKey = v
	}
}

// Validate checks for configuration errors that must be caught at startup
// rather than per-request.
func (c *Config) Validate() error {
	if c.OAuth.ClientID == "" {
		return fmt.Errorf("oauth.client_id is required")
	}
	if c.OAuth.ClientSecret == "" {
		return fmt.Errorf("oauth.client_secret is required")
	}
	if c.Controller.URL == "" {
		return fmt.Errorf("controller.url is required")
	}
	if c.MQTT.Enabled && c.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host is required when mqtt.enabled is true")
	}
	if c.History.Enabled {
		if c.History.URL == "" || c.History.Token == "" {
			return fmt.Errorf("history.url and history.token are required when history.enabled is true")
		}
	}
	return nil
}

// ControllerTimeout returns the controller request timeout as a duration.
func (c *ControllerConfig) ControllerTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
