package broadcast

import (
	"errors"
	"sync"
	"time"

	"travistride/internal/eventbus"
	"travistride/internal/metrics"
	kit "travistride/internal/transport"
	logx "travistride/pkg/logx"
)

var ErrNoSender = errors.New("broadcast: no sender configured")

type Config struct {
	// SendTimeout bounds each per-channel send. Zero means 30s.
	SendTimeout time.Duration
	StatusMax   int
	StatusTTL   time.Duration
}

// Targets lists the channels a build is delivered to.
type Targets interface {
	Targets() []kit.ChatTarget
}

// JobStatus tracks one broadcast after the caller has moved on: sends keep
// running after an early failure and keep updating their job.
type JobStatus struct {
	ID         string           `json:"id"`
	Build      string           `json:"build"`
	Total      int              `json:"total"`
	Done       int              `json:"done"`
	Failed     int              `json:"failed"`
	Failures   []kit.ChatTarget `json:"failures,omitempty"`
	FirstError string           `json:"first_error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  time.Time        `json:"started_at"`
	DoneAt     time.Time        `json:"done_at,omitempty"`
	Running    bool             `json:"running"`
}

type Service struct {
	cfg     Config
	sender  kit.Sender
	targets Targets
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	// inflight counts sends still running, including ones the caller stopped waiting for.
	inflight sync.WaitGroup

	statusMu  sync.RWMutex
	status    map[string]*JobStatus
	statusMax int
	statusTTL time.Duration
}
