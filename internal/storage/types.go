package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when no blob exists under the key.
	ErrNotFound = errors.New("storage: blob not found")
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage: store closed")
)

// Config configures storage.
//
// Container is driver specific: a directory (file), a database path (sqlite)
// or a key prefix (redis).
type Config struct {
	Driver      string
	Container   string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// AuditEntry records one lifecycle action against the registry.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At             time.Time `json:"at"`
	Action         string    `json:"action"`
	CloudID        string    `json:"cloud_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	OK             bool      `json:"ok"`
	Error          string    `json:"error,omitempty"`
}
