// Package nettimer implements a general purpose one-shot timer service.
//
// Timers are set and cancelled constantly — almost every packet sent or
// received arms or disarms a retransmit or delayed-ack timer — so this
// favors cheap insertion and cancellation over a sorted structure. A single
// goroutine wakes up on a fixed tick and scans the pending list; given the
// number of live timers in a single stack is small this is fine, though it
// would not scale to a system multiplexing many thousands of connections.
package nettimer

import (
	"sync"
	"time"
)

const tickInterval = 50 * time.Millisecond

// NoTimer is returned in place of a timer ID to mean "nothing pending".
// Valid timer IDs are always positive.
const NoTimer = -1

type pendingTimer struct {
	deadline time.Time
	callback func()
	id       int
}

// Service runs the tick loop and owns the set of pending timers. The zero
// value is not usable; construct one with New.
type Service struct {
	mu      sync.Mutex
	pending []*pendingTimer
	nextID  int

	stop chan struct{}
	once sync.Once
}

// New creates a timer service and starts its background tick goroutine.
func New() *Service {
	s := &Service{
		nextID: 1,
		stop:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Set arms a timer that invokes callback after timeout elapses, and returns
// an ID that can be passed to Cancel. The callback runs on the service's
// own goroutine with no locks held, so it may safely call Set or Cancel
// again, including re-arming itself.
func (s *Service) Set(timeout time.Duration, callback func()) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	s.pending = append(s.pending, &pendingTimer{
		deadline: time.Now().Add(timeout),
		callback: callback,
		id:       id,
	})
	return id
}

// Cancel removes a pending timer. It reports whether the timer was still
// pending; false means it had already fired (or never existed).
func (s *Service) Cancel(id int) bool {
	if id == NoTimer {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.pending {
		if t.id == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Stop halts the tick goroutine. Pending timers are discarded without
// firing.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Service) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Service) tick(now time.Time) {
	s.mu.Lock()
	i := 0
	for i < len(s.pending) {
		if now.Before(s.pending[i].deadline) {
			i++
			continue
		}

		t := s.pending[i]
		s.pending = append(s.pending[:i], s.pending[i+1:]...)

		// Drop the lock before invoking the callback: callbacks routinely
		// call Set/Cancel on this same service, which would deadlock if we
		// held it here. Re-scan from i rather than advancing, since the
		// callback may have inserted or removed entries.
		s.mu.Unlock()
		t.callback()
		s.mu.Lock()
	}
	s.mu.Unlock()
}
