package config

// Config is the full relay configuration.
//
// It is read from a JSON or YAML file (optional) and then overlaid with
// environment variables; see ApplyEnv. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m").
type Config struct {
	Server  ServerConfig  `json:"server"`
	Stride  StrideConfig  `json:"stride"`
	Storage StorageConfig `json:"storage"`
	Logging LoggingConfig `json:"logging"`
	Ops     OpsConfig     `json:"ops,omitempty"`
	Events  EventsConfig  `json:"events,omitempty"`
}

// ServerConfig controls the public webhook listener.
//
// Defaults (when fields are omitted/zero):
//   - addr: ":8080"
//   - read_timeout: "15s"
//   - write_timeout: "0s" (disabled; a broadcast waits on every channel)
//   - idle_timeout: "60s"
//   - rate_per_sec: 0 (inbound rate limiting disabled)
//   - max_body_bytes: 1 MiB
type ServerConfig struct {
	Addr         string `json:"addr,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"`
}

// StrideConfig holds the messaging platform credentials and endpoints.
//
// Security note: ClientSecret is never logged. Prefer STRIDE_CLIENT_SECRET in the
// environment over putting it in the config file.
type StrideConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`

	AuthURL  string `json:"auth_url,omitempty"` // default: https://auth.atlassian.com/oauth/token
	APIURL   string `json:"api_url,omitempty"`  // default: https://api.atlassian.com
	Audience string `json:"audience,omitempty"` // default: api.atlassian.com

	// AppURL is the externally visible base URL advertised by the descriptor.
	AppURL string `json:"app_url"`
	AppKey string `json:"app_key,omitempty"` // default: Travis-CI-Stride

	// Timeout bounds each outbound HTTP call (token exchange and message send).
	Timeout string `json:"timeout,omitempty"` // default: "30s"
}

// StorageConfig selects the durable blob store holding the channel registry.
//
// Driver values:
//   - "file":   Container is a directory; the blob is <container>/<key>
//   - "sqlite": Container is a database file
//   - "redis":  Container is a key prefix; the blob is <container>:<key>
//
// Example:
//
//	"storage": { "driver": "file", "container": "./data" }
type StorageConfig struct {
	Driver    string `json:"driver"`
	Container string `json:"container"`
	Key       string `json:"key,omitempty"` // default: channels.json

	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// OpsConfig controls the optional operations HTTP server
// (liveness, readiness, prometheus metrics, broadcast status, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - Token, when set, is required as a bearer token on /debug/* endpoints.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
	Pprof   bool   `json:"pprof,omitempty"`
	Token   string `json:"token,omitempty"`
}

type EventsConfig struct {
	Kafka KafkaConfig `json:"kafka"`
}

// KafkaConfig exports relay events (installs, uninstalls, broadcast outcomes)
// as JSON messages to a Kafka topic.
type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic,omitempty"` // default: relay.events
}
