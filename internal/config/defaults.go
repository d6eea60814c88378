package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	logx "travistride/pkg/logx"
)

const (
	DefaultAddr       = ":8080"
	DefaultAuthURL    = "https://auth.atlassian.com/oauth/token"
	DefaultAPIURL     = "https://api.atlassian.com"
	DefaultAudience   = "api.atlassian.com"
	DefaultAppKey     = "Travis-CI-Stride"
	DefaultBlobKey    = "channels.json"
	DefaultOpsAddr    = "127.0.0.1:9090"
	DefaultKafkaTopic = "relay.events"
	DefaultMaxBody    = 1 << 20
)

// ApplyEnv overlays environment variables on cfg. Environment always wins over the file.
//
//	STRIDE_CLIENT_ID, STRIDE_CLIENT_SECRET, APP_URL
//	S3_BUCKET or STORAGE_CONTAINER, STORAGE_DRIVER, REDIS_ADDR
//	RELAY_ADDR, LOG_LEVEL, KAFKA_BROKERS (comma separated)
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}

	set(&cfg.Stride.ClientID, "STRIDE_CLIENT_ID")
	set(&cfg.Stride.ClientSecret, "STRIDE_CLIENT_SECRET")
	set(&cfg.Stride.AppURL, "APP_URL")
	set(&cfg.Storage.Container, "STORAGE_CONTAINER", "S3_BUCKET")
	set(&cfg.Storage.Driver, "STORAGE_DRIVER")
	set(&cfg.Storage.RedisAddr, "REDIS_ADDR")
	set(&cfg.Server.Addr, "RELAY_ADDR")
	set(&cfg.Logging.Level, "LOG_LEVEL")

	if v := strings.TrimSpace(getenv("KAFKA_BROKERS")); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Events.Kafka.Brokers = brokers
		cfg.Events.Kafka.Enabled = len(brokers) > 0
	}
	if v := strings.TrimSpace(getenv("REDIS_DB")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.RedisDB = n
		}
	}
}

// ApplyDefaults fills omitted fields with runtime defaults.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = DefaultMaxBody
	}
	if strings.TrimSpace(cfg.Stride.AuthURL) == "" {
		cfg.Stride.AuthURL = DefaultAuthURL
	}
	if strings.TrimSpace(cfg.Stride.APIURL) == "" {
		cfg.Stride.APIURL = DefaultAPIURL
	}
	if strings.TrimSpace(cfg.Stride.Audience) == "" {
		cfg.Stride.Audience = DefaultAudience
	}
	if strings.TrimSpace(cfg.Stride.AppKey) == "" {
		cfg.Stride.AppKey = DefaultAppKey
	}
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = "file"
	}
	if strings.TrimSpace(cfg.Storage.Container) == "" {
		cfg.Storage.Container = "./data"
	}
	if strings.TrimSpace(cfg.Storage.Key) == "" {
		cfg.Storage.Key = DefaultBlobKey
	}
	if strings.TrimSpace(cfg.Ops.Addr) == "" {
		cfg.Ops.Addr = DefaultOpsAddr
	}
	if strings.TrimSpace(cfg.Events.Kafka.Topic) == "" {
		cfg.Events.Kafka.Topic = DefaultKafkaTopic
	}
}

// Validate rejects configs the relay cannot run with.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Stride.ClientID) == "" {
		return errors.New("stride.client_id is required (or STRIDE_CLIENT_ID)")
	}
	if strings.TrimSpace(cfg.Stride.ClientSecret) == "" {
		return errors.New("stride.client_secret is required (or STRIDE_CLIENT_SECRET)")
	}
	for path, raw := range map[string]string{
		"server.read_timeout":  cfg.Server.ReadTimeout,
		"server.write_timeout": cfg.Server.WriteTimeout,
		"server.idle_timeout":  cfg.Server.IdleTimeout,
		"stride.timeout":       cfg.Stride.Timeout,
		"storage.busy_timeout": cfg.Storage.BusyTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if cfg.Server.RatePerSec < 0 {
		return fmt.Errorf("server.rate_per_sec must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3", "redis", "memory", "none":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: invalid %q", cfg.Logging.Level)
	}
	if cfg.Events.Kafka.Enabled && len(cfg.Events.Kafka.Brokers) == 0 {
		return errors.New("events.kafka.brokers is required when kafka export is enabled")
	}
	return nil
}

// Timeouts returns the parsed server timeouts. Call after Validate.
func (c ServerConfig) Timeouts() (read, write, idle time.Duration) {
	read, _ = ParseDurationOrDefault("server.read_timeout", c.ReadTimeout, 15*time.Second)
	write, _ = ParseDurationField("server.write_timeout", c.WriteTimeout)
	idle, _ = ParseDurationOrDefault("server.idle_timeout", c.IdleTimeout, 60*time.Second)
	return read, write, idle
}
