// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Bootstrap is the root configuration for the RelayGuard service.
type Bootstrap struct {
	Server     *Server
	Data       *Data
	Resilience *Resilience
	Log        *Log
}

// Server holds transport server configuration.
type Server struct {
	Http *ServerHTTP
}

// ServerHTTP holds the admin HTTP server configuration.
type ServerHTTP struct {
	Network string
	Addr    string
	Timeout time.Duration
}

// Data holds data layer configuration.
type Data struct {
	Redis *Redis
}

// Redis holds the broker (redis) client configuration.
type Redis struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Log holds logging configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string `mapstructure:"output_file"`
}

// Resilience holds the circuit breaker, timeout and monitoring configuration.
type Resilience struct {
	Enabled    bool
	Defaults   *BreakerDefaults
	Tiers      map[string]time.Duration
	Services   map[string]*ServiceOverride
	Operations map[string]*OperationOverride
	Recovery   map[string]*RecoverySettings
	Monitoring *Monitoring
	Scaling    *Scaling
}

// BreakerDefaults are the global circuit breaker parameters, applied when a
// service or operation defines no override.
type BreakerDefaults struct {
	Timeout                  time.Duration
	ErrorThresholdPercentage float64       `mapstructure:"error_threshold_percentage"`
	ResetTimeout             time.Duration `mapstructure:"reset_timeout"`
	VolumeThreshold          int           `mapstructure:"volume_threshold"`
	RollingCountTimeout      time.Duration `mapstructure:"rolling_count_timeout"`
	RollingCountBuckets      int           `mapstructure:"rolling_count_buckets"`
}

// ServiceOverride holds per-service breaker and timeout overrides.
type ServiceOverride struct {
	Tier                     string
	Timeout                  time.Duration
	ErrorThresholdPercentage float64       `mapstructure:"error_threshold_percentage"`
	ResetTimeout             time.Duration `mapstructure:"reset_timeout"`
	VolumeThreshold          int           `mapstructure:"volume_threshold"`
}

// OperationOverride holds per-operation timeout overrides
// (health-check, database-query, http-request).
type OperationOverride struct {
	Timeout time.Duration
}

// RecoverySettings selects and parameterizes the recovery strategy for a service.
type RecoverySettings struct {
	Type        string
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Multiplier  float64
	MaxAttempts int `mapstructure:"max_attempts"`
}

// Monitoring holds metrics collection and alerting configuration.
type Monitoring struct {
	Enabled             bool
	MetricsInterval     time.Duration `mapstructure:"metrics_interval"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	AlertThreshold      float64       `mapstructure:"alert_threshold"`
}

// Scaling holds environment-based timeout scaling configuration.
type Scaling struct {
	Enabled     bool
	Environment string
	Factors     map[string]float64
}

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with RELAYGUARD_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Enable environment variable support with RELAYGUARD_ prefix
	v.SetEnvPrefix("RELAYGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names (without RELAYGUARD_ prefix) for compatibility
	_ = v.BindEnv("data.redis.addr", "REDIS_ADDR", "RELAYGUARD_DATA_REDIS_ADDR")
	_ = v.BindEnv("resilience.scaling.enabled", "ENABLE_TIMEOUT_SCALING", "RELAYGUARD_RESILIENCE_SCALING_ENABLED")
	_ = v.BindEnv("resilience.scaling.environment", "RELAYGUARD_ENV")
	_ = v.BindEnv("log.env", "RELAYGUARD_ENV")

	// Load configuration file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// If config file is specified but not found, return error
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	// Parse configuration into Bootstrap structure
	bc := &Bootstrap{
		Server: &Server{
			Http: &ServerHTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: v.GetDuration("server.http.timeout"),
			},
		},
		Data: &Data{
			Redis: &Redis{
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  v.GetDuration("data.redis.read_timeout"),
				WriteTimeout: v.GetDuration("data.redis.write_timeout"),
			},
		},
		Resilience: &Resilience{
			Enabled: v.GetBool("resilience.enabled"),
			Defaults: &BreakerDefaults{
				Timeout:                  v.GetDuration("resilience.defaults.timeout"),
				ErrorThresholdPercentage: v.GetFloat64("resilience.defaults.error_threshold_percentage"),
				ResetTimeout:             v.GetDuration("resilience.defaults.reset_timeout"),
				VolumeThreshold:          v.GetInt("resilience.defaults.volume_threshold"),
				RollingCountTimeout:      v.GetDuration("resilience.defaults.rolling_count_timeout"),
				RollingCountBuckets:      v.GetInt("resilience.defaults.rolling_count_buckets"),
			},
			Monitoring: &Monitoring{
				Enabled:             v.GetBool("resilience.monitoring.enabled"),
				MetricsInterval:     v.GetDuration("resilience.monitoring.metrics_interval"),
				HealthCheckInterval: v.GetDuration("resilience.monitoring.health_check_interval"),
				AlertThreshold:      v.GetFloat64("resilience.monitoring.alert_threshold"),
			},
			Scaling: &Scaling{
				Enabled:     v.GetBool("resilience.scaling.enabled"),
				Environment: v.GetString("resilience.scaling.environment"),
			},
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	// Map-valued sections are decoded rather than read key by key
	if err := v.UnmarshalKey("resilience.tiers", &bc.Resilience.Tiers); err != nil {
		return nil, fmt.Errorf("failed to parse resilience.tiers: %w", err)
	}
	if err := v.UnmarshalKey("resilience.services", &bc.Resilience.Services); err != nil {
		return nil, fmt.Errorf("failed to parse resilience.services: %w", err)
	}
	if err := v.UnmarshalKey("resilience.operations", &bc.Resilience.Operations); err != nil {
		return nil, fmt.Errorf("failed to parse resilience.operations: %w", err)
	}
	if err := v.UnmarshalKey("resilience.recovery", &bc.Resilience.Recovery); err != nil {
		return nil, fmt.Errorf("failed to parse resilience.recovery: %w", err)
	}
	if err := v.UnmarshalKey("resilience.scaling.factors", &bc.Resilience.Scaling.Factors); err != nil {
		return nil, fmt.Errorf("failed to parse resilience.scaling.factors: %w", err)
	}

	// Validate configuration values
	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 30*time.Second)

	// Data defaults
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Resilience defaults
	v.SetDefault("resilience.enabled", true)
	v.SetDefault("resilience.defaults.timeout", 10*time.Second)
	v.SetDefault("resilience.defaults.error_threshold_percentage", 50.0)
	v.SetDefault("resilience.defaults.reset_timeout", 30*time.Second)
	v.SetDefault("resilience.defaults.volume_threshold", 10)
	v.SetDefault("resilience.defaults.rolling_count_timeout", 10*time.Second)
	v.SetDefault("resilience.defaults.rolling_count_buckets", 10)

	// Tier timeout defaults (critical > standard > non-critical)
	v.SetDefault("resilience.tiers.critical", 15*time.Second)
	v.SetDefault("resilience.tiers.standard", 10*time.Second)
	v.SetDefault("resilience.tiers.non-critical", 5*time.Second)

	// Operation timeout defaults
	v.SetDefault("resilience.operations.health-check.timeout", 5*time.Second)
	v.SetDefault("resilience.operations.database-query.timeout", 15*time.Second)
	v.SetDefault("resilience.operations.http-request.timeout", 30*time.Second)

	// Monitoring defaults
	v.SetDefault("resilience.monitoring.enabled", true)
	v.SetDefault("resilience.monitoring.metrics_interval", 30*time.Second)
	v.SetDefault("resilience.monitoring.health_check_interval", time.Minute)
	v.SetDefault("resilience.monitoring.alert_threshold", 50.0)

	// Scaling defaults
	v.SetDefault("resilience.scaling.enabled", false)
	v.SetDefault("resilience.scaling.environment", "production")
	v.SetDefault("resilience.scaling.factors.production", 1.5)
	v.SetDefault("resilience.scaling.factors.staging", 1.0)
	v.SetDefault("resilience.scaling.factors.development", 0.5)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all configuration values are within usable ranges.
// It returns an error listing all invalid fields.
func Validate(bc *Bootstrap) error {
	var invalid []string

	d := bc.Resilience.Defaults
	if d.ErrorThresholdPercentage <= 0 || d.ErrorThresholdPercentage > 100 {
		invalid = append(invalid, "resilience.defaults.error_threshold_percentage (must be in (0, 100])")
	}
	if d.VolumeThreshold < 0 {
		invalid = append(invalid, "resilience.defaults.volume_threshold (must be >= 0)")
	}
	if d.RollingCountBuckets <= 0 {
		invalid = append(invalid, "resilience.defaults.rolling_count_buckets (must be > 0)")
	}
	if d.Timeout <= 0 {
		invalid = append(invalid, "resilience.defaults.timeout (must be > 0)")
	}
	if d.ResetTimeout <= 0 {
		invalid = append(invalid, "resilience.defaults.reset_timeout (must be > 0)")
	}

	m := bc.Resilience.Monitoring
	if m.AlertThreshold <= 0 || m.AlertThreshold > 100 {
		invalid = append(invalid, "resilience.monitoring.alert_threshold (must be in (0, 100])")
	}
	if m.MetricsInterval <= 0 {
		invalid = append(invalid, "resilience.monitoring.metrics_interval (must be > 0)")
	}

	for name, svc := range bc.Resilience.Services {
		if svc.ErrorThresholdPercentage < 0 || svc.ErrorThresholdPercentage > 100 {
			invalid = append(invalid, fmt.Sprintf("resilience.services.%s.error_threshold_percentage (must be in [0, 100])", name))
		}
	}

	for name, rec := range bc.Resilience.Recovery {
		switch rec.Type {
		case "", "immediate", "linear_backoff", "exponential_backoff", "custom":
		default:
			invalid = append(invalid, fmt.Sprintf("resilience.recovery.%s.type (unknown strategy %q)", name, rec.Type))
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid configuration fields: %s", strings.Join(invalid, ", "))
	}

	return nil
}
