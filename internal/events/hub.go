package events

import (
	"log/slog"
	"sync"
)

// Publisher is what producers (environment manager, task workers, terminal
// bridge) need from the hub.
type Publisher interface {
	Publish(projectID string, ev Event)
}

// topic is the subscriber set of one project. Its lock serializes publishes
// for the project so every subscriber sees them in the same order.
type topic struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// Hub fans events out to every subscriber of a project. It keeps no
// history: a subscriber that missed events recovers from the REST snapshot.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics: make(map[string]*topic),
		logger: logger.With("component", "events"),
	}
}

func (h *Hub) topic(projectID string) *topic {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.topics[projectID]
}

// Subscribe registers s for events of projectID. Subscribing twice is a no-op.
func (h *Hub) Subscribe(projectID string, s *Subscriber) {
	h.mu.Lock()
	t := h.topics[projectID]
	if t == nil {
		t = &topic{subs: make(map[*Subscriber]struct{})}
		h.topics[projectID] = t
	}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()
	h.mu.Unlock()

	s.track(projectID, true)
	h.logger.Debug("subscribed", "project_id", projectID, "subscriber", s.ID)
}

// Unsubscribe removes s from projectID. Unknown pairs are ignored.
func (h *Hub) Unsubscribe(projectID string, s *Subscriber) {
	s.track(projectID, false)
	t := h.topic(projectID)
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.subs, s)
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		h.mu.Lock()
		// Re-check under the map lock; a concurrent Subscribe may have
		// repopulated the topic.
		t.mu.Lock()
		if len(t.subs) == 0 && h.topics[projectID] == t {
			delete(h.topics, projectID)
		}
		t.mu.Unlock()
		h.mu.Unlock()
	}
	h.logger.Debug("unsubscribed", "project_id", projectID, "subscriber", s.ID)
}

// UnsubscribeAll removes s from every project it joined and returns them.
func (h *Hub) UnsubscribeAll(s *Subscriber) []string {
	projects := s.Projects()
	for _, p := range projects {
		h.Unsubscribe(p, s)
	}
	return projects
}

// Publish delivers ev to every current subscriber of projectID. It never
// blocks on a slow subscriber.
func (h *Hub) Publish(projectID string, ev Event) {
	if ev.ProjectID == "" {
		ev.ProjectID = projectID
	}
	t := h.topic(projectID)
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.subs {
		s.Send(ev)
	}
}

// SubscriberCount returns the number of subscribers of projectID.
func (h *Hub) SubscriberCount(projectID string) int {
	t := h.topic(projectID)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
