package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"travistride/internal/eventbus"
	"travistride/internal/storage"
)

const blobKey = "channels.json"

type countingStore struct {
	*storage.Memory
	gets   atomic.Int32
	putErr error
}

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.gets.Add(1)
	return s.Memory.Get(ctx, key)
}

func (s *countingStore) Put(ctx context.Context, key string, data []byte) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.Memory.Put(ctx, key, data)
}

func newHydrated(t *testing.T, st storage.Store) *Registry {
	t.Helper()
	r := New(st, blobKey, Options{})
	r.Hydrate(context.Background())
	return r
}

func TestInstallUninstallConverges(t *testing.T) {
	ctx := context.Background()
	ops := []struct {
		name    string
		seq     []bool // true = install
		present bool
	}{
		{name: "install", seq: []bool{true}, present: true},
		{name: "install twice", seq: []bool{true, true}, present: true},
		{name: "uninstall absent", seq: []bool{false}, present: false},
		{name: "install then uninstall", seq: []bool{true, false}, present: false},
		{name: "uninstall then install", seq: []bool{false, true}, present: true},
		{name: "mixed", seq: []bool{true, false, false, true, true, false}, present: false},
	}
	for _, tt := range ops {
		t.Run(tt.name, func(t *testing.T) {
			st := storage.NewMemory()
			r := newHydrated(t, st)
			for _, install := range tt.seq {
				var err error
				if install {
					_, err = r.Install(ctx, "cloud", ResourceConversation, "conv")
				} else {
					_, err = r.Uninstall(ctx, "cloud", ResourceConversation, "conv")
				}
				require.NoError(t, err)
			}
			_, ok := r.Snapshot()[Key("cloud", "conv")]
			assert.Equal(t, tt.present, ok)

			// The persisted blob agrees with memory.
			again := newHydrated(t, st)
			assert.Equal(t, r.Snapshot(), again.Snapshot())
			assert.Len(t, st.Audit(), len(tt.seq))
		})
	}
}

func TestInstallIgnoresOtherResourcesButPersists(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	r := newHydrated(t, st)

	m, err := r.Install(ctx, "cloud", "user", "conv")
	require.NoError(t, err)
	assert.Empty(t, m)

	m, err = r.Install(ctx, "", ResourceConversation, "conv")
	require.NoError(t, err)
	assert.Empty(t, m)

	b, err := st.Get(ctx, blobKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(b))
}

func TestHydrateCorruptBlobStartsEmpty(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.Put(ctx, blobKey, []byte("{not json")))

	r := newHydrated(t, st)
	assert.Equal(t, 0, r.Len())

	m, err := r.Install(ctx, "c1", ResourceConversation, "r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]Record{"c1r1": {CloudID: "c1", ConversationID: "r1"}}, m)

	b, err := st.Get(ctx, blobKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"c1r1":{"cloudId":"c1","conversationId":"r1"}}`, string(b))
}

func TestPersistHydrateRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	r := newHydrated(t, st)
	for _, p := range [][2]string{{"a", "1"}, {"a", "2"}, {"b", "1"}} {
		_, err := r.Install(ctx, p[0], ResourceConversation, p[1])
		require.NoError(t, err)
	}
	require.NoError(t, r.Persist(ctx))

	again := newHydrated(t, st)
	assert.Equal(t, r.Snapshot(), again.Snapshot())
	assert.Equal(t, []Record{{"a", "1"}, {"a", "2"}, {"b", "1"}}, again.Records())
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{Memory: storage.NewMemory(), putErr: errors.New("disk full")}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, "registry.")
	defer unsub()

	r := New(st, blobKey, Options{Bus: bus})
	r.Hydrate(ctx)

	m, err := r.Install(ctx, "c", ResourceConversation, "r")
	require.Error(t, err)
	assert.Contains(t, m, "cr")
	assert.Equal(t, 1, r.Len())

	ev := <-events
	assert.Equal(t, eventbus.RegistryPersistFailed, ev.Type)

	audit := st.Audit()
	require.Len(t, audit, 1)
	assert.False(t, audit[0].OK)
	assert.Equal(t, "installed", audit[0].Action)
}

func TestHydrateRunsOnce(t *testing.T) {
	st := &countingStore{Memory: storage.NewMemory()}
	r := New(st, blobKey, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Hydrate(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), st.gets.Load())
	assert.True(t, r.Hydrated())
}

func TestReadyHonoursContext(t *testing.T) {
	r := New(storage.NewMemory(), blobKey, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Ready(ctx), ErrNotReady)

	r.Hydrate(context.Background())
	assert.NoError(t, r.Ready(context.Background()))
}
