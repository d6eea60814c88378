package broadcast

import (
	"sort"
	"time"

	kit "travistride/internal/transport"
)

const (
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
)

// pruneStatus drops finished jobs past the TTL, then the oldest jobs while
// the map is over its size bound.
func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	for id, st := range s.status {
		ref := st.DoneAt
		if ref.IsZero() {
			ref = st.CreatedAt
		}
		if now.Sub(ref) > s.statusTTL {
			delete(s.status, id)
		}
	}
	if len(s.status) <= s.statusMax {
		return
	}

	type aged struct {
		id string
		at time.Time
	}
	items := make([]aged, 0, len(s.status))
	for id, st := range s.status {
		at := st.DoneAt
		if at.IsZero() {
			at = st.CreatedAt
		}
		items = append(items, aged{id: id, at: at})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].at.Before(items[j].at) })
	for i := 0; i < len(items) && len(s.status) > s.statusMax; i++ {
		delete(s.status, items[i].id)
	}
}

// Status returns a copy of one job's status.
func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok {
		return JobStatus{}, false
	}
	return copyStatus(st), true
}

// Jobs returns every retained job, newest first.
func (s *Service) Jobs() []JobStatus {
	s.statusMu.RLock()
	out := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, copyStatus(st))
	}
	s.statusMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func copyStatus(st *JobStatus) JobStatus {
	cp := *st
	if len(st.Failures) > 0 {
		cp.Failures = append([]kit.ChatTarget(nil), st.Failures...)
	}
	return cp
}
