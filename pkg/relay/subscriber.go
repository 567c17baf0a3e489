package relay

import (
	"sort"
	"sync"
)

// Subscriber is one observer. Its channel is buffered; when the buffer is
// full the oldest delivery is discarded to make room.
type Subscriber struct {
	relay  *Relay
	global bool
	ch     chan Delivery

	mu      sync.Mutex
	tasks   map[string]struct{}
	closed  bool
	dropped uint64
}

func newSubscriber(r *Relay, global bool, capacity int) *Subscriber {
	if capacity <= 0 {
		capacity = DefaultSubscriberBuffer
	}
	return &Subscriber{
		relay:  r,
		global: global,
		ch:     make(chan Delivery, capacity),
		tasks:  make(map[string]struct{}),
	}
}

// Events is closed when the subscriber or the relay is closed.
func (s *Subscriber) Events() <-chan Delivery {
	return s.ch
}

// Join adds the task channel. Only later events are delivered.
func (s *Subscriber) Join(taskID string) {
	if taskID == "" {
		return
	}
	s.mu.Lock()
	s.tasks[taskID] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) Leave(taskID string) {
	s.mu.Lock()
	delete(s.tasks, taskID)
	s.mu.Unlock()
}

// Tasks lists the joined task IDs, sorted.
func (s *Subscriber) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Dropped reports how many deliveries were discarded on overflow.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) Close() {
	s.relay.remove(s)
}

func (s *Subscriber) joined(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[taskID]
	return ok
}

// deliver never blocks. Sends happen under s.mu so they cannot race close.
func (s *Subscriber) deliver(d Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- d:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped++
		s.relay.metrics.EventDropped("slow_subscriber")
	default:
	}
	select {
	case s.ch <- d:
	default:
		s.dropped++
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
