// Package registry keeps the set of Stride conversations subscribed to build
// notifications.
//
// The mapping lives in memory and is hydrated once from the blob store. Every
// install or uninstall rewrites the whole blob. Hydration is fail-open: a
// missing or unreadable blob yields an empty registry.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"travistride/internal/eventbus"
	"travistride/internal/metrics"
	"travistride/internal/storage"
	kit "travistride/internal/transport"
	logx "travistride/pkg/logx"
)

// ResourceConversation is the only lifecycle resource type the registry tracks.
const ResourceConversation = "conversation"

// ErrNotReady is returned by Ready when ctx ends before hydration settles.
var ErrNotReady = errors.New("registry: not hydrated")

// Record is one subscribed conversation. JSON names match the persisted blob.
type Record struct {
	CloudID        string `json:"cloudId"`
	ConversationID string `json:"conversationId"`
}

// Key is the identity of a record inside the mapping.
func Key(cloudID, conversationID string) string { return cloudID + conversationID }

type Options struct {
	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	// LoadTimeout bounds the hydration read. Zero means 10s.
	LoadTimeout time.Duration
}

type Registry struct {
	store storage.Store
	key   string

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	loadTTL time.Duration

	// mu serializes mutate+persist so blobs land in mutation order.
	mu       sync.Mutex
	channels map[string]Record

	once     sync.Once
	hydrated chan struct{}
}

func New(store storage.Store, key string, opt Options) *Registry {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop{}
	}
	if opt.Metrics == nil {
		opt.Metrics = metrics.New()
	}
	if opt.LoadTimeout <= 0 {
		opt.LoadTimeout = 10 * time.Second
	}
	return &Registry{
		store:    store,
		key:      key,
		log:      opt.Log,
		bus:      opt.Bus,
		metrics:  opt.Metrics,
		loadTTL:  opt.LoadTimeout,
		channels: map[string]Record{},
		hydrated: make(chan struct{}),
	}
}

// Hydrate loads the persisted mapping. Only the first call does any work;
// every call returns once hydration has settled.
func (r *Registry) Hydrate(ctx context.Context) {
	r.once.Do(func() {
		defer close(r.hydrated)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.loadTTL)
		defer cancel()

		loaded, outcome, err := r.load(ctx)
		r.mu.Lock()
		r.channels = loaded
		n := len(loaded)
		r.mu.Unlock()

		r.metrics.Hydrations.WithLabelValues(outcome).Inc()
		r.metrics.Channels.Set(float64(n))
		if err != nil {
			r.log.Warn("registry hydration failed; starting empty", logx.String("key", r.key), logx.Err(err))
			return
		}
		r.log.Info("registry hydrated", logx.String("key", r.key), logx.String("outcome", outcome), logx.Int("channels", n))
	})
	<-r.hydrated
}

func (r *Registry) load(ctx context.Context) (map[string]Record, string, error) {
	empty := map[string]Record{}
	if r.store == nil {
		return empty, "empty", nil
	}
	b, err := r.store.Get(ctx, r.key)
	if errors.Is(err, storage.ErrNotFound) {
		return empty, "empty", nil
	}
	if err != nil {
		return empty, "fallback", err
	}
	var m map[string]Record
	if err := json.Unmarshal(b, &m); err != nil {
		return empty, "fallback", fmt.Errorf("registry: decode %s: %w", r.key, err)
	}
	if m == nil {
		m = empty
	}
	return m, "loaded", nil
}

// Ready blocks until hydration settles or ctx ends.
func (r *Registry) Ready(ctx context.Context) error {
	select {
	case <-r.hydrated:
		return nil
	default:
	}
	select {
	case <-r.hydrated:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
	}
}

func (r *Registry) Hydrated() bool {
	select {
	case <-r.hydrated:
		return true
	default:
		return false
	}
}

// Install registers the conversation when cloudID is set and resourceType is
// a conversation, then persists. The mapping is returned even when persist fails.
func (r *Registry) Install(ctx context.Context, cloudID, resourceType, conversationID string) (map[string]Record, error) {
	return r.mutate(ctx, "installed", cloudID, resourceType, conversationID, func(m map[string]Record) {
		m[Key(cloudID, conversationID)] = Record{CloudID: cloudID, ConversationID: conversationID}
	})
}

// Uninstall removes the conversation under the same conditions as Install.
// Removing an absent pair is a no-op that still persists.
func (r *Registry) Uninstall(ctx context.Context, cloudID, resourceType, conversationID string) (map[string]Record, error) {
	return r.mutate(ctx, "uninstalled", cloudID, resourceType, conversationID, func(m map[string]Record) {
		delete(m, Key(cloudID, conversationID))
	})
}

func (r *Registry) mutate(ctx context.Context, action, cloudID, resourceType, conversationID string, apply func(map[string]Record)) (map[string]Record, error) {
	applies := cloudID != "" && resourceType == ResourceConversation
	// A caller hanging up must not tear the blob write.
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	if applies {
		apply(r.channels)
	}
	snap := cloneMap(r.channels)
	err := r.persistLocked(ctx, snap)
	r.mu.Unlock()

	r.metrics.Lifecycle.WithLabelValues(action, fmt.Sprint(applies)).Inc()
	r.metrics.Channels.Set(float64(len(snap)))

	log := r.log.With(logx.String("action", action), logx.String("cloud_id", cloudID), logx.String("conversation_id", conversationID))
	if !applies {
		log.Debug("lifecycle event ignored", logx.String("resource_type", resourceType))
	}

	entry := storage.AuditEntry{
		At:             time.Now(),
		Action:         action,
		CloudID:        cloudID,
		ConversationID: conversationID,
		OK:             err == nil,
	}
	data := map[string]any{"cloud_id": cloudID, "conversation_id": conversationID, "applied": applies, "channels": len(snap)}
	if err != nil {
		entry.Error = err.Error()
		data["error"] = err.Error()
		log.Error("registry persist failed", logx.Err(err))
		r.bus.Publish(eventbus.Event{Type: eventbus.RegistryPersistFailed, Data: data})
	} else {
		log.Info("lifecycle event applied", logx.Bool("applied", applies), logx.Int("channels", len(snap)))
		r.bus.Publish(eventbus.Event{Type: "registry." + action, Data: data})
	}
	if r.store != nil {
		if aerr := r.store.AppendAudit(ctx, entry); aerr != nil {
			log.Warn("audit append failed", logx.Err(aerr))
		}
	}
	return snap, err
}

// Persist writes the full mapping to the blob store.
func (r *Registry) Persist(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistLocked(ctx, r.channels)
}

func (r *Registry) persistLocked(ctx context.Context, m map[string]Record) error {
	if r.store == nil {
		return storage.ErrDisabled
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	err = r.store.Put(ctx, r.key, b)
	r.metrics.Persists.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("registry: persist %s: %w", r.key, err)
	}
	return nil
}

// Snapshot returns a copy of the identity-keyed mapping.
func (r *Registry) Snapshot() map[string]Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneMap(r.channels)
}

// Records returns the registered channels sorted by identity key.
func (r *Registry) Records() []Record {
	snap := r.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, snap[k])
	}
	return out
}

// Targets returns the registered channels as chat targets.
func (r *Registry) Targets() []kit.ChatTarget {
	recs := r.Records()
	out := make([]kit.ChatTarget, len(recs))
	for i, rec := range recs {
		out[i] = kit.ChatTarget{CloudID: rec.CloudID, ConversationID: rec.ConversationID}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

func cloneMap(m map[string]Record) map[string]Record {
	out := make(map[string]Record, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
