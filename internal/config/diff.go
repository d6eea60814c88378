package config

import (
	"reflect"
	"sort"
	"strings"

	logx "travistride/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured fields for logging. Secrets (client secret, redis password, ops token)
// are reported only as "_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Int("server.rate_per_sec", newCfg.Server.RatePerSec),
		)
	}

	o, n := oldCfg.Stride, newCfg.Stride
	if o.ClientID != n.ClientID || o.ClientSecret != n.ClientSecret ||
		o.AuthURL != n.AuthURL || o.APIURL != n.APIURL || o.Audience != n.Audience ||
		o.AppURL != n.AppURL || o.AppKey != n.AppKey || o.Timeout != n.Timeout {
		changed = append(changed, "stride")
		attrs = append(attrs,
			logx.Bool("stride.client_id_set", strings.TrimSpace(n.ClientID) != ""),
			logx.Bool("stride.client_secret_set", strings.TrimSpace(n.ClientSecret) != ""),
			logx.String("stride.app_url", n.AppURL),
			logx.String("stride.timeout", n.Timeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.container", newCfg.Storage.Container),
			logx.Bool("storage.redis_password_set", newCfg.Storage.RedisPassword != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Bool("events.kafka.enabled", newCfg.Events.Kafka.Enabled),
			logx.Int("events.kafka.brokers", len(newCfg.Events.Kafka.Brokers)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
