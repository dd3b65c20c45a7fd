package events

import "sync"

// DefaultQueueSize bounds the outbound queue of one connection.
const DefaultQueueSize = 256

// Subscriber is the hub-side half of one client connection. It owns a
// bounded FIFO of pending events; when the queue is full the oldest event is
// dropped and the project is flagged for a resync hint.
type Subscriber struct {
	ID string

	mu       sync.Mutex
	queue    []Event
	limit    int
	dropped  map[string]int // project -> events dropped since last drain
	projects map[string]struct{}
	closed   bool

	notify chan struct{}
	done   chan struct{}
}

// NewSubscriber creates a subscriber with the given queue bound.
// A non-positive limit uses DefaultQueueSize.
func NewSubscriber(id string, limit int) *Subscriber {
	if limit <= 0 {
		limit = DefaultQueueSize
	}
	return &Subscriber{
		ID:       id,
		limit:    limit,
		dropped:  make(map[string]int),
		projects: make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Send queues an event for this subscriber only. It never blocks.
// Returns false if the subscriber is closed.
func (s *Subscriber) Send(ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.limit {
		oldest := s.queue[0]
		s.queue = s.queue[1:]
		s.dropped[oldest.ProjectID]++
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Drain returns every queued event in order. If events were dropped since
// the last drain, one resync event per affected project comes first.
func (s *Subscriber) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 && len(s.dropped) == 0 {
		return nil
	}
	out := make([]Event, 0, len(s.dropped)+len(s.queue))
	for project, n := range s.dropped {
		out = append(out, Resync(project, n))
		delete(s.dropped, project)
	}
	out = append(out, s.queue...)
	s.queue = nil
	return out
}

// Pending returns the number of queued events.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Notify fires (coalesced) whenever new events are queued.
func (s *Subscriber) Notify() <-chan struct{} {
	return s.notify
}

// Done closes when the subscriber is closed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close stops delivery. Safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}

// Projects returns the projects this subscriber is subscribed to.
func (s *Subscriber) Projects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.projects))
	for p := range s.projects {
		out = append(out, p)
	}
	return out
}

func (s *Subscriber) track(projectID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.projects[projectID] = struct{}{}
	} else {
		delete(s.projects, projectID)
	}
}
