package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"travistride/internal/eventbus"
	"travistride/internal/metrics"
	kit "travistride/internal/transport"
	logx "travistride/pkg/logx"
)

func New(cfg Config, sender kit.Sender, targets Targets, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if m == nil {
		m = metrics.New()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.StatusMax <= 0 {
		cfg.StatusMax = defaultStatusMax
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = defaultStatusTTL
	}
	return &Service{
		cfg:       cfg,
		sender:    sender,
		targets:   targets,
		log:       log,
		bus:       bus,
		metrics:   m,
		status:    map[string]*JobStatus{},
		statusMax: cfg.StatusMax,
		statusTTL: cfg.StatusTTL,
	}
}

type outcome struct {
	body json.RawMessage
	err  error
}

// Broadcast sends b to every registered channel concurrently and returns the
// response bodies in completion order. The first failure is returned as soon
// as it arrives; the other sends are not cancelled and finish in the
// background. With no channels the result is empty and nothing is sent.
//
// Sends run detached from ctx's cancellation, each bounded by the send timeout.
func (s *Service) Broadcast(ctx context.Context, b kit.Build) (string, []json.RawMessage, error) {
	if s.sender == nil {
		return "", nil, ErrNoSender
	}
	var targets []kit.ChatTarget
	if s.targets != nil {
		targets = s.targets.Targets()
	}
	sent := make([]json.RawMessage, 0, len(targets))

	id := s.newJob(b, len(targets))
	log := s.log.With(logx.String("job", id), logx.String("build", string(b.Number)))
	if len(targets) == 0 {
		s.finish(id, log)
		s.metrics.Broadcasts.WithLabelValues("ok").Inc()
		return id, sent, nil
	}
	log.Info("broadcast started", logx.Int("channels", len(targets)))

	// Buffered so late senders never block once the caller has returned.
	results := make(chan outcome, len(targets))
	pending := &atomic.Int32{}
	pending.Store(int32(len(targets)))
	detached := context.WithoutCancel(ctx)

	for _, t := range targets {
		s.inflight.Add(1)
		go func(t kit.ChatTarget) {
			defer s.inflight.Done()
			body, err := s.sendOne(detached, t, b)
			s.record(id, t, err, log)
			if pending.Add(-1) == 0 {
				s.finish(id, log)
			}
			results <- outcome{body: body, err: err}
		}(t)
	}

	for range targets {
		r := <-results
		if r.err != nil {
			s.metrics.Broadcasts.WithLabelValues("error").Inc()
			return id, nil, r.err
		}
		sent = append(sent, r.body)
	}
	s.metrics.Broadcasts.WithLabelValues("ok").Inc()
	return id, sent, nil
}

func (s *Service) sendOne(ctx context.Context, t kit.ChatTarget, b kit.Build) (body json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in broadcast send", logx.String("target", t.String()), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("broadcast: send to %s panicked: %v", t, r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return s.sender.SendMessage(ctx, t, b)
}

// Wait blocks until every send started by Broadcast has returned or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) newJob(b kit.Build, total int) string {
	now := time.Now()
	id := uuid.NewString()
	s.pruneStatus(now)
	s.statusMu.Lock()
	s.status[id] = &JobStatus{
		ID:        id,
		Build:     string(b.WithDefaults().Number),
		Total:     total,
		CreatedAt: now,
		StartedAt: now,
		Running:   total > 0,
	}
	s.statusMu.Unlock()
	return id
}

func (s *Service) record(id string, t kit.ChatTarget, err error, log logx.Logger) {
	s.statusMu.Lock()
	if st := s.status[id]; st != nil {
		st.Done++
		if err != nil {
			st.Failed++
			if st.FirstError == "" {
				st.FirstError = err.Error()
			}
			if len(st.Failures) < 200 {
				st.Failures = append(st.Failures, t)
			}
		}
	}
	s.statusMu.Unlock()

	data := map[string]any{"job": id, "cloud_id": t.CloudID, "conversation_id": t.ConversationID}
	if err != nil {
		data["error"] = err.Error()
		s.bus.Publish(eventbus.Event{Type: eventbus.BroadcastFailed, Data: data})
		log.Warn("broadcast send failed", logx.String("target", t.String()), logx.Err(err))
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.BroadcastSent, Data: data})
}

func (s *Service) finish(id string, log logx.Logger) {
	now := time.Now()
	var st JobStatus
	s.statusMu.Lock()
	if cur := s.status[id]; cur != nil {
		cur.DoneAt = now
		cur.Running = false
		st = *cur
	}
	s.statusMu.Unlock()

	s.bus.Publish(eventbus.Event{Type: eventbus.BroadcastFinished, Data: map[string]any{
		"job": id, "total": st.Total, "failed": st.Failed,
	}})
	fields := []logx.Field{logx.Int("total", st.Total), logx.Int("failed", st.Failed), logx.Duration("dur", now.Sub(st.CreatedAt))}
	if st.Failed > 0 {
		log.Warn("broadcast finished with failures", fields...)
	} else {
		log.Info("broadcast finished", fields...)
	}
	s.pruneStatus(now)
}
