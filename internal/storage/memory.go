package storage

import (
	"context"
	"sync"
)

// Memory is an in-process Store. Blobs are copied on the way in and out.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
	audit []AuditEntry
}

func NewMemory() *Memory {
	return &Memory{blobs: map[string][]byte{}}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	m.blobs[key] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

// Audit returns a copy of the recorded audit entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error { return nil }
