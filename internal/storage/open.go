package storage

import (
	"context"
	"errors"
	"strings"

	logx "travistride/pkg/logx"
)

// Store is the persistence API used by the registry.
type Store interface {
	// Get returns the blob stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put overwrites the blob stored under key.
	Put(ctx context.Context, key string, data []byte) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	case "memory":
		return NewMemory(), nil
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func validKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("storage: empty key")
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return errors.New("storage: key must not contain path separators: " + key)
	}
	return nil
}
