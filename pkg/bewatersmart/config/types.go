package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// Cache backends
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// Config holds all configuration for the water forecasting console
type Config struct {
	API     APIConfig     `yaml:"api"`
	Cache   CacheConfig   `yaml:"cache"`
	Display DisplayConfig `yaml:"display"`
	History HistoryConfig `yaml:"history"`
	Influx  InfluxConfig  `yaml:"influx"`
	Events  EventsConfig  `yaml:"events"`
	Server  ServerConfig  `yaml:"server"`
}

// APIConfig holds settings for the remote forecasting API
type APIConfig struct {
	URL          string        `yaml:"baseUrl"`
	Prefix       string        `yaml:"pathPrefix"` // path segment in front of every route, e.g. "bws"
	Timeout      time.Duration `yaml:"timeout"`
	TrainTimeout time.Duration `yaml:"trainTimeout"` // training blocks until the model is fitted
}

// BaseURL joins URL and Prefix
func (c APIConfig) BaseURL() string {
	base := strings.TrimRight(c.URL, "/")
	prefix := strings.Trim(c.Prefix, "/")
	if prefix == "" {
		return base
	}
	return base + "/" + prefix
}

// CacheConfig controls caching of list responses
type CacheConfig struct {
	Backend string        `yaml:"backend"` // "memory", "redis" or "none"
	TTL     time.Duration `yaml:"ttl"`
	MaxAge  time.Duration `yaml:"maxAge"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig holds the connection to a shared cache
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DisplayConfig holds view behavior
type DisplayConfig struct {
	TimeZone                 string `yaml:"timeZone"`
	ClearVirtualMeterOnTrain bool   `yaml:"clearVirtualMeterOnTrain"`
}

// Location resolves TimeZone. "Local" and "" mean the process zone.
func (c DisplayConfig) Location() (*time.Location, error) {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.TimeZone)
}

// HistoryConfig controls the local forecast history
type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"databasePath"`
	RetentionDays int    `yaml:"retentionDays"`
}

// InfluxConfig controls export of forecasts to InfluxDB
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// EventsConfig controls publishing of console actions to Kafka
type EventsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ServerConfig holds the listeners of the console
type ServerConfig struct {
	Port           int      `yaml:"port"`
	MetricsPort    int      `yaml:"metricsPort"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// Validate performs validation of the configuration and reports every problem found
func (c *Config) Validate() error {
	var errs []error

	if c.API.URL == "" {
		errs = append(errs, fmt.Errorf("api url is required"))
	} else if u, err := url.Parse(c.API.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("api url %q is not an absolute url", c.API.URL))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("api timeout must be positive"))
	}
	if c.API.TrainTimeout < c.API.Timeout {
		errs = append(errs, fmt.Errorf("train timeout must not be shorter than api timeout"))
	}

	switch c.Cache.Backend {
	case CacheMemory, CacheNone:
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("redis address is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}

	if _, err := c.Display.Location(); err != nil {
		errs = append(errs, fmt.Errorf("invalid time zone: %v", err))
	}

	if c.History.Enabled {
		if c.History.Path == "" {
			errs = append(errs, fmt.Errorf("history path is required when history is enabled"))
		}
		if c.History.RetentionDays <= 0 {
			errs = append(errs, fmt.Errorf("history retention must be positive"))
		}
	}

	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Bucket == "") {
		errs = append(errs, fmt.Errorf("influx url and bucket are required when influx export is enabled"))
	}

	if c.Events.Enabled && (len(c.Events.Brokers) == 0 || c.Events.Topic == "") {
		errs = append(errs, fmt.Errorf("kafka brokers and topic are required when events are enabled"))
	}

	for name, port := range map[string]int{"port": c.Server.Port, "metrics port": c.Server.MetricsPort} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, port))
		}
	}
	if c.Server.Port == c.Server.MetricsPort {
		errs = append(errs, fmt.Errorf("port and metrics port must differ"))
	}

	return utilerrors.NewAggregate(errs)
}
