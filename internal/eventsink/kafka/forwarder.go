// Package kafka exports relay bus events to a Kafka topic as JSON.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"travistride/internal/eventbus"
	"travistride/internal/metrics"
	logx "travistride/pkg/logx"
)

type Config struct {
	Brokers []string
	Topic   string
	// WriteTimeout bounds one batch write. Zero means 5s.
	WriteTimeout time.Duration
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

func NewWriter(cfg Config) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafkago.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// Forwarder drains a bus subscription into a MessageWriter. Events are keyed
// by type so one type stays ordered within a partition.
type Forwarder struct {
	w       MessageWriter
	bus     eventbus.Bus
	log     logx.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

func NewForwarder(cfg Config, w MessageWriter, bus eventbus.Bus, log logx.Logger, m *metrics.Metrics) *Forwarder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if m == nil {
		m = metrics.New()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Forwarder{w: w, bus: bus, log: log, metrics: m, timeout: cfg.WriteTimeout}
}

// Run forwards events until ctx ends. Write failures are logged and counted;
// the event is dropped.
func (f *Forwarder) Run(ctx context.Context) error {
	if f.w == nil || f.bus == nil {
		return errors.New("kafka forwarder: writer and bus are required")
	}
	events, unsub := f.bus.Subscribe(256)
	defer unsub()

	f.log.Info("event export started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			batch := []eventbus.Event{ev}
			// Pick up whatever else is already queued.
		drain:
			for len(batch) < 64 {
				select {
				case more, ok := <-events:
					if !ok {
						break drain
					}
					batch = append(batch, more)
				default:
					break drain
				}
			}
			f.write(ctx, batch)
		}
	}
}

func (f *Forwarder) write(ctx context.Context, batch []eventbus.Event) {
	msgs := make([]kafkago.Message, 0, len(batch))
	for _, ev := range batch {
		b, err := json.Marshal(ev)
		if err != nil {
			f.metrics.EventsExported.WithLabelValues("error").Inc()
			f.log.Warn("event encode failed", logx.String("type", ev.Type), logx.Err(err))
			continue
		}
		msgs = append(msgs, kafkago.Message{Key: []byte(ev.Type), Value: b, Time: ev.Time})
	}
	if len(msgs) == 0 {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()
	err := f.w.WriteMessages(wctx, msgs...)
	f.metrics.EventsExported.WithLabelValues(metrics.Result(err)).Add(float64(len(msgs)))
	if err != nil {
		f.log.Warn("event export failed", logx.Int("events", len(msgs)), logx.Err(err))
	}
}

func (f *Forwarder) Close() error {
	if f.w == nil {
		return nil
	}
	return f.w.Close()
}
