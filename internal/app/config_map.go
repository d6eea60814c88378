package app

import (
	"strings"
	"time"

	"travistride/internal/config"
	"travistride/internal/storage"
	"travistride/internal/transport/stride"
	logx "travistride/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig returns the store config and the blob key. Driver "none"
// keeps the registry in memory only.
func mapStorageConfig(cfg *config.Config) (storage.Config, string, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "none" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, "", err
	}
	key := strings.TrimSpace(sc.Key)
	if key == "" {
		key = config.DefaultBlobKey
	}
	return storage.Config{
		Driver:        driver,
		Container:     strings.TrimSpace(sc.Container),
		BusyTimeout:   busy,
		RedisAddr:     sc.RedisAddr,
		RedisPassword: sc.RedisPassword,
		RedisDB:       sc.RedisDB,
	}, key, nil
}

func mapStrideConfig(cfg *config.Config) (stride.Config, error) {
	sc := cfg.Stride
	timeout, err := config.ParseDurationOrDefault("stride.timeout", sc.Timeout, 30*time.Second)
	if err != nil {
		return stride.Config{}, err
	}
	return stride.Config{
		ClientID:     sc.ClientID,
		ClientSecret: sc.ClientSecret,
		AuthURL:      sc.AuthURL,
		APIURL:       sc.APIURL,
		Audience:     sc.Audience,
		Timeout:      timeout,
	}, nil
}
