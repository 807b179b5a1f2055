// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for our application.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	ServiceName       string        `mapstructure:"service_name"`
	HttpListenAddr    string        `mapstructure:"http_listen_addr"`
	GrpcListenAddr    string        `mapstructure:"grpc_listen_addr"`
	BatchSize         int           `mapstructure:"batch_size"`
	RateLimitInterval time.Duration `mapstructure:"rate_limit_interval"`
	UnitDelay         time.Duration `mapstructure:"unit_delay"`
	DownstreamURL     string        `mapstructure:"downstream_url"`
	DownstreamTimeout time.Duration `mapstructure:"downstream_timeout"`
	DownstreamAddr    string        `mapstructure:"downstream_listen_addr"`
	EtcdEndpoints     []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout       time.Duration `mapstructure:"etcd_timeout"`
	LockName          string        `mapstructure:"lock_name"`
	LockSessionTTL    time.Duration `mapstructure:"lock_session_ttl"`
	AdmissionRPS      float64       `mapstructure:"admission_rps"`
	AdmissionBurst    int           `mapstructure:"admission_burst"`
	StatsSchedule     string        `mapstructure:"stats_schedule"`
	TracingEnabled    bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio  float64       `mapstructure:"trace_sample_ratio"`
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("service_name", "batch-ingest")
	v.SetDefault("http_listen_addr", ":5000")
	v.SetDefault("grpc_listen_addr", ":5001")
	v.SetDefault("batch_size", 3)
	v.SetDefault("rate_limit_interval", "5s")
	v.SetDefault("unit_delay", "1s")
	v.SetDefault("downstream_url", "")
	v.SetDefault("downstream_timeout", "15s")
	v.SetDefault("downstream_listen_addr", ":5002")
	v.SetDefault("etcd_endpoints", []string{})
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("lock_name", "dispatch-lane")
	v.SetDefault("lock_session_ttl", "15s")
	v.SetDefault("admission_rps", 0)
	v.SetDefault("admission_burst", 5)
	v.SetDefault("stats_schedule", "@every 30s")
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("trace_sample_ratio", 1.0)

	// Set config file details
	v.SetConfigName("config")    // name of config file (without extension)
	v.SetConfigType("yaml")      // or "json", "toml"
	v.AddConfigPath("./configs") // path to look for the config file in
	v.AddConfigPath(".")         // optionally look for config in the working directory

	// Read environment variables
	v.AutomaticEnv()

	// Read the config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, err
		}
		// No config file; defaults and env vars apply.
	}

	// PORT overrides the config file; an explicit HTTP_LISTEN_ADDR wins over both.
	if port := v.GetString("port"); port != "" {
		if _, explicit := os.LookupEnv("HTTP_LISTEN_ADDR"); !explicit {
			v.Set("http_listen_addr", ":"+strings.TrimPrefix(port, ":"))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.EtcdEndpoints = splitList(cfg.EtcdEndpoints)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the dispatcher cannot run with.
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.RateLimitInterval < 0 {
		return fmt.Errorf("rate_limit_interval must not be negative, got %s", c.RateLimitInterval)
	}
	if c.UnitDelay < 0 {
		return fmt.Errorf("unit_delay must not be negative, got %s", c.UnitDelay)
	}
	if c.AdmissionRPS < 0 {
		return fmt.Errorf("admission_rps must not be negative, got %v", c.AdmissionRPS)
	}
	if c.AdmissionRPS > 0 && c.AdmissionBurst < 1 {
		return fmt.Errorf("admission_burst must be at least 1 when admission_rps is set")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("trace_sample_ratio must be within [0, 1], got %v", c.TraceSampleRatio)
	}
	if c.HttpListenAddr == "" {
		return fmt.Errorf("http_listen_addr cannot be empty")
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
