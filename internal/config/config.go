// Package config provides configuration management for bramble.
//
// This package handles loading configuration from multiple sources:
//   - YAML configuration files
//   - Environment variables (with BRM_ prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (hardcoded)
//  2. Configuration files (./config.yaml, ~/.bramble/config.yaml, /etc/bramble/config.yaml)
//  3. .env files
//  4. Environment variables (BRM_ prefix)
//
// # Usage Example
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("registry: %s\n", cfg.Registry.Path)
//
// # Environment Variables
//
// Environment variables override all other configuration sources.
// Use BRM_ prefix and underscores for nested keys:
//   - BRM_SERVER_PORT=8180
//   - BRM_SSH_CONNECT_ATTEMPTS=5
//   - BRM_DISCOVERY_PROBE_PORT=22
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure for bramble.
type Config struct {
	// Controller contains controller-device settings
	Controller ControllerConfig `mapstructure:"controller"`

	// Registry contains device registry persistence settings
	Registry RegistryConfig `mapstructure:"registry"`

	// SSH contains connection manager settings
	SSH SSHConfig `mapstructure:"ssh"`

	// Discovery contains LAN probing settings
	Discovery DiscoveryConfig `mapstructure:"discovery"`

	// Build contains container image build settings
	Build BuildConfig `mapstructure:"build"`

	// Telemetry contains telemetry store settings
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// Server contains the status API server configuration
	Server ServerConfig `mapstructure:"server"`

	// Security contains auth settings for the status API
	Security SecurityConfig `mapstructure:"security"`

	// Logging contains logging settings
	Logging LoggingConfig `mapstructure:"logging"`
}

// ControllerConfig contains settings for the controller device.
type ControllerConfig struct {
	// RepoPath is the local experiment repository root
	RepoPath string `mapstructure:"repo_path"`

	// DataDir is where run records and LAN configurations live
	DataDir string `mapstructure:"data_dir"`

	// Interface optionally pins the network interface used for
	// subnet auto-detection
	Interface string `mapstructure:"interface"`
}

// RegistryConfig contains device registry persistence settings.
type RegistryConfig struct {
	// Path is the LAN configuration file (JSON), rewritten on every
	// registry mutation
	Path string `mapstructure:"path"`
}

// SSHConfig contains connection manager settings.
type SSHConfig struct {
	// User is the default SSH login user for participant devices
	User string `mapstructure:"user"`

	// KeyPath is the default private key used when a device record
	// does not carry its own
	KeyPath string `mapstructure:"key_path"`

	// Port is the SSH port on participant devices
	Port int `mapstructure:"port"`

	// ConnectTimeout is the dial timeout per attempt
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// ConnectAttempts bounds the retry loop for transient failures
	ConnectAttempts int `mapstructure:"connect_attempts"`

	// CommandTimeout is the default timeout for remote commands
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// DiscoveryConfig contains LAN probe settings.
type DiscoveryConfig struct {
	// ProbePort is the TCP port probed during discovery (SSH by default)
	ProbePort int `mapstructure:"probe_port"`

	// ProbeTimeout is how long to wait per host before moving on
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`

	// RateLimit is the maximum probes per second across the sweep
	RateLimit int `mapstructure:"rate_limit"`

	// Concurrency bounds in-flight probes
	Concurrency int `mapstructure:"concurrency"`
}

// BuildConfig contains container image build settings.
type BuildConfig struct {
	// DockerHost is the controller-side Docker endpoint used to build
	// and export images (unix:///var/run/docker.sock by default)
	DockerHost string `mapstructure:"docker_host"`

	// BaseImages maps an architecture tag to its base runtime image
	BaseImages map[string]string `mapstructure:"base_images"`

	// RemoteStageDir is where image tars and scripts land on devices
	RemoteStageDir string `mapstructure:"remote_stage_dir"`
}

// TelemetryConfig contains telemetry store settings.
type TelemetryConfig struct {
	// StorePath is the badger database directory
	StorePath string `mapstructure:"store_path"`

	// PollInterval is how often running containers are polled
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// RawLogDir, when set, archives each stage's raw telemetry log
	// locally under <raw_log_dir>/<run-id>/ after ingest
	RawLogDir string `mapstructure:"raw_log_dir"`
}

// ServerConfig contains the status API server configuration.
type ServerConfig struct {
	// Host is the server bind address
	Host string `mapstructure:"host"`

	// Port is the server listen port
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug enables debug logging and additional endpoints
	Debug bool `mapstructure:"debug"`
}

// SecurityConfig contains auth settings for the status API.
type SecurityConfig struct {
	// AuthEnabled enables JWT bearer authentication
	AuthEnabled bool `mapstructure:"auth_enabled"`

	// JWTSecret is the secret key for signing tokens
	JWTSecret string `mapstructure:"jwt_secret"`

	// JWTExpiration is the token expiration duration
	JWTExpiration time.Duration `mapstructure:"jwt_expiration"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, console)
	Format string `mapstructure:"format"`
}

var cfg *Config

// Load reads configuration from a file and environment variables.
// If cfgFile is empty, it searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (BRM_ prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.bramble")
		v.AddConfigPath("/etc/bramble")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			if !isFileNotFoundError(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig() // Ignore error if .env file doesn't exist

	v.SetEnvPrefix("BRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("controller.repo_path", "./experiments")
	v.SetDefault("controller.data_dir", "./data")

	v.SetDefault("registry.path", "./data/lan.json")

	v.SetDefault("ssh.user", "pi")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.connect_timeout", "5s")
	v.SetDefault("ssh.connect_attempts", 3)
	v.SetDefault("ssh.command_timeout", "2m")

	v.SetDefault("discovery.probe_port", 22)
	v.SetDefault("discovery.probe_timeout", "300ms")
	v.SetDefault("discovery.rate_limit", 128)
	v.SetDefault("discovery.concurrency", 50)

	v.SetDefault("build.docker_host", "unix:///var/run/docker.sock")
	v.SetDefault("build.remote_stage_dir", "/tmp/bramble")
	v.SetDefault("build.base_images", map[string]string{
		"arm64": "bramble-base:arm64",
		"armv7": "bramble-base:armv7",
		"amd64": "bramble-base:amd64",
	})

	v.SetDefault("telemetry.store_path", "./data/telemetry")
	v.SetDefault("telemetry.poll_interval", "2s")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8180)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.debug", false)

	v.SetDefault("security.auth_enabled", false)
	v.SetDefault("security.jwt_secret", "change-me-in-production")
	v.SetDefault("security.jwt_expiration", "24h")
	v.SetDefault("security.allowed_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	if cfg.Registry.Path == "" {
		return fmt.Errorf("registry path is required")
	}

	if cfg.SSH.ConnectAttempts < 1 {
		return fmt.Errorf("ssh connect_attempts must be at least 1")
	}

	if cfg.SSH.Port < 1 || cfg.SSH.Port > 65535 {
		return fmt.Errorf("invalid ssh port: %d", cfg.SSH.Port)
	}

	if cfg.Discovery.ProbePort < 1 || cfg.Discovery.ProbePort > 65535 {
		return fmt.Errorf("invalid discovery probe port: %d", cfg.Discovery.ProbePort)
	}

	return nil
}

func Get() *Config {
	return cfg
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
