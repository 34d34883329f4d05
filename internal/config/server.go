package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	commoncfg "github.com/gaspardpetit/plexchat/core/config"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the plexchat server.
type ServerConfig struct {
	Port           int                `yaml:"port"`
	MetricsAddr    string             `yaml:"metrics_addr"`
	APIKey         string             `yaml:"api_key"`
	RequestTimeout time.Duration      `yaml:"request_timeout"`
	DrainTimeout   time.Duration      `yaml:"drain_timeout"`
	AllowedOrigins []string           `yaml:"allowed_origins"`
	ConfigFile     string             `yaml:"-"`
	LogLevel       string             `yaml:"log_level"`
	RedisAddr      string             `yaml:"redis_addr"`
	StatusKey      string             `yaml:"status_key"`
	StatusInterval time.Duration      `yaml:"status_interval"`
	Packing        string             `yaml:"packing"`
	MaxRetry       int                `yaml:"max_retry"`
	TaskTimeout    time.Duration      `yaml:"task_timeout"`
	SweepInterval  time.Duration      `yaml:"sweep_interval"`
	Endpoints      []EndpointManifest `yaml:"endpoints"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Minute
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Minute
	}
	if c.StatusKey == "" {
		c.StatusKey = "plexchat:status"
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = 5 * time.Second
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath("server.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := commoncfg.GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := commoncfg.GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := commoncfg.GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := commoncfg.GetEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := commoncfg.GetEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := commoncfg.GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := commoncfg.GetEnv("PACKING", ""); v != "" {
		c.Packing = v
	}
	if v := commoncfg.GetEnv("MAX_RETRY", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetry = n
		}
	}
	for env, dst := range map[string]*time.Duration{
		"REQUEST_TIMEOUT": &c.RequestTimeout,
		"DRAIN_TIMEOUT":   &c.DrainTimeout,
		"STATUS_INTERVAL": &c.StatusInterval,
		"TASK_TIMEOUT":    &c.TaskTimeout,
		"SWEEP_INTERVAL":  &c.SweepInterval,
	} {
		if v := commoncfg.GetEnv(env, ""); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	if v := commoncfg.GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
}

// BindFlagsFromCurrent binds command line flags on fs using the current
// config values as defaults.
func (c *ServerConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public API")
	fs.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "client API key required for HTTP requests; leave empty to disable auth")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for status snapshots")
	fs.StringVar(&c.StatusKey, "status-key", c.StatusKey, "redis key holding the status snapshot")
	fs.DurationVar(&c.StatusInterval, "status-interval", c.StatusInterval, "interval between status snapshots")
	fs.StringVar(&c.Packing, "packing", c.Packing, "batch packing strategy (dfs, greedy, fifo); empty takes one task per poll")
	fs.IntVar(&c.MaxRetry, "max-retry", c.MaxRetry, "retries after the first attempt (0 uses the default, -1 disables)")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "maximum time an HTTP submission waits for its result")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight requests on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
	fs.DurationVar(&c.TaskTimeout, "task-timeout", c.TaskTimeout, "age after which a task is swept, retries included")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "interval between sweeps")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// LoadFile populates the config from a YAML file. Endpoint API keys may
// reference environment variables as $NAME or ${NAME}.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range c.Endpoints {
		c.Endpoints[i].APIKey = os.ExpandEnv(c.Endpoints[i].APIKey)
	}
	return nil
}

// Validate checks the endpoint manifests.
func (c *ServerConfig) Validate() error {
	for i := range c.Endpoints {
		if err := c.Endpoints[i].Validate(); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
	}
	return nil
}
