package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		API: APIConfig{
			URL:          "http://localhost:8000",
			Prefix:       "bws",
			Timeout:      30 * time.Second,
			TrainTimeout: 15 * time.Minute,
		},
		Cache: CacheConfig{
			Backend: CacheMemory,
			TTL:     time.Minute,
			MaxAge:  time.Hour,
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Display: DisplayConfig{
			TimeZone: "Local",
		},
		History: HistoryConfig{
			Path:          "/var/lib/bws/history.db",
			RetentionDays: 30,
		},
		Influx: InfluxConfig{
			URL:    "http://localhost:8086",
			Bucket: "water-forecasts",
		},
		Events: EventsConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "bws-actions",
		},
		Server: ServerConfig{
			Port:           8080,
			MetricsPort:    9090,
			AllowedOrigins: []string{"*"},
		},
	}
}

// LoadFromEnv loads configuration from environment variables on top of the defaults
func LoadFromEnv() (*Config, error) {
	return Load("")
}

// Load reads the defaults, then the YAML file at path if one is given, then
// environment variables. Later sources win.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %v", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	klog.V(2).InfoS("Loaded configuration",
		"apiURL", cfg.API.BaseURL(),
		"cacheBackend", cfg.Cache.Backend,
		"timeZone", cfg.Display.TimeZone,
		"historyEnabled", cfg.History.Enabled,
		"influxEnabled", cfg.Influx.Enabled,
		"eventsEnabled", cfg.Events.Enabled)

	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %v", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.API.URL = strings.TrimRight(getEnvOrDefault("BWS_API_URL", cfg.API.URL), "/")
	cfg.API.Prefix = strings.Trim(getEnvOrDefault("BWS_API_PREFIX", cfg.API.Prefix), "/")
	cfg.API.Timeout = getDurationOrDefault("BWS_API_TIMEOUT", cfg.API.Timeout)
	cfg.API.TrainTimeout = getDurationOrDefault("BWS_API_TRAIN_TIMEOUT", cfg.API.TrainTimeout)

	cfg.Cache.Backend = getEnvOrDefault("BWS_CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.TTL = getDurationOrDefault("BWS_CACHE_TTL", cfg.Cache.TTL)
	cfg.Cache.MaxAge = getDurationOrDefault("BWS_CACHE_MAX_AGE", cfg.Cache.MaxAge)
	cfg.Cache.Redis.Addr = getEnvOrDefault("BWS_REDIS_ADDR", cfg.Cache.Redis.Addr)
	cfg.Cache.Redis.Password = getEnvOrDefault("BWS_REDIS_PASSWORD", cfg.Cache.Redis.Password)
	cfg.Cache.Redis.DB = getIntOrDefault("BWS_REDIS_DB", cfg.Cache.Redis.DB)

	cfg.Display.TimeZone = getEnvOrDefault("BWS_TIME_ZONE", cfg.Display.TimeZone)
	cfg.Display.ClearVirtualMeterOnTrain = getBoolOrDefault("BWS_CLEAR_VIRTUAL_METER_ON_TRAIN", cfg.Display.ClearVirtualMeterOnTrain)

	cfg.History.Enabled = getBoolOrDefault("BWS_HISTORY_ENABLED", cfg.History.Enabled)
	cfg.History.Path = getEnvOrDefault("BWS_HISTORY_DB", cfg.History.Path)
	cfg.History.RetentionDays = getIntOrDefault("BWS_HISTORY_RETENTION_DAYS", cfg.History.RetentionDays)

	cfg.Influx.Enabled = getBoolOrDefault("BWS_INFLUX_ENABLED", cfg.Influx.Enabled)
	cfg.Influx.URL = getEnvOrDefault("BWS_INFLUX_URL", cfg.Influx.URL)
	cfg.Influx.Token = getEnvOrDefault("BWS_INFLUX_TOKEN", cfg.Influx.Token)
	cfg.Influx.Org = getEnvOrDefault("BWS_INFLUX_ORG", cfg.Influx.Org)
	cfg.Influx.Bucket = getEnvOrDefault("BWS_INFLUX_BUCKET", cfg.Influx.Bucket)

	cfg.Events.Enabled = getBoolOrDefault("BWS_EVENTS_ENABLED", cfg.Events.Enabled)
	cfg.Events.Brokers = getListOrDefault("BWS_KAFKA_BROKERS", cfg.Events.Brokers)
	cfg.Events.Topic = getEnvOrDefault("BWS_EVENTS_TOPIC", cfg.Events.Topic)

	cfg.Server.Port = getIntOrDefault("BWS_PORT", cfg.Server.Port)
	cfg.Server.MetricsPort = getIntOrDefault("BWS_METRICS_PORT", cfg.Server.MetricsPort)
	cfg.Server.AllowedOrigins = getListOrDefault("BWS_ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.Atoi(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid integer value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if strValue := os.Getenv(key); strValue != "" {
		value, err := strconv.ParseBool(strValue)
		if err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid boolean value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := time.ParseDuration(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid duration value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

// getListOrDefault reads a comma separated list, dropping empty items
func getListOrDefault(key string, defaultValue []string) []string {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(strValue, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
