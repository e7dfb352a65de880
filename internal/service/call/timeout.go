package call

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimeoutSupervisor arms one ring timer per call. Cancel and a firing timer
// can race; the service re-checks call state under the registry lock before
// acting on a fired timer, so a late fire is harmless.
type TimeoutSupervisor struct {
	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

// NewTimeoutSupervisor creates an empty supervisor
func NewTimeoutSupervisor() *TimeoutSupervisor {
	return &TimeoutSupervisor{
		timers: make(map[uuid.UUID]*time.Timer),
	}
}

// Arm schedules fn to run after d unless the timer is cancelled first.
// Arming a call that already has a timer replaces the old one.
func (s *TimeoutSupervisor) Arm(callID uuid.UUID, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[callID]; ok {
		old.Stop()
	}
	s.timers[callID] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, callID)
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops the call's timer if it has not fired yet
func (s *TimeoutSupervisor) Cancel(callID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[callID]; ok {
		t.Stop()
		delete(s.timers, callID)
	}
}

// Stop cancels every outstanding timer, used on shutdown
func (s *TimeoutSupervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
