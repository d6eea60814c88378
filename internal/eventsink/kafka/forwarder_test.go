package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"travistride/internal/eventbus"
	"travistride/internal/metrics"
	logx "travistride/pkg/logx"
)

type memWriter struct {
	mu   sync.Mutex
	msgs []kafkago.Message
	err  error
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error { return nil }

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func runForwarder(t *testing.T, w *memWriter, m *metrics.Metrics) (eventbus.Bus, func()) {
	t.Helper()
	if m == nil {
		m = metrics.New()
	}
	bus := eventbus.New()
	f := NewForwarder(Config{Topic: "relay.events"}, w, bus, logx.Nop(), m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.Run(ctx)
	}()
	// Run subscribes asynchronously; wait until it is listening.
	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: "probe"})
		failed := testutil.ToFloat64(m.EventsExported.WithLabelValues("error")) > 0
		if w.count() > 0 || failed || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return bus, func() { cancel(); <-done }
}

func TestForwarderWritesJSONKeyedByType(t *testing.T) {
	w := &memWriter{}
	bus, stop := runForwarder(t, w, nil)
	defer stop()

	bus.Publish(eventbus.Event{Type: eventbus.RegistryInstalled, Data: map[string]any{"cloud_id": "c"}})
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		for _, m := range w.msgs {
			if string(m.Key) == eventbus.RegistryInstalled {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range w.msgs {
		if string(m.Key) != eventbus.RegistryInstalled {
			continue
		}
		var ev eventbus.Event
		require.NoError(t, json.Unmarshal(m.Value, &ev))
		assert.Equal(t, "c", ev.Data["cloud_id"])
	}
}

func TestForwarderCountsFailures(t *testing.T) {
	m := metrics.New()
	w := &memWriter{err: errors.New("broker down")}
	bus, stop := runForwarder(t, w, m)
	defer stop()

	before := testutil.ToFloat64(m.EventsExported.WithLabelValues("error"))
	require.GreaterOrEqual(t, before, 1.0)

	bus.Publish(eventbus.Event{Type: eventbus.BroadcastFailed})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.EventsExported.WithLabelValues("error")) > before
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, w.count())
}

func TestRunRequiresWriter(t *testing.T) {
	f := NewForwarder(Config{}, nil, eventbus.New(), logx.Nop(), nil)
	assert.Error(t, f.Run(context.Background()))
}
