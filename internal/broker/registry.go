package broker

import (
	"sort"
	"sync"
)

// Registry holds the live consumer handles per topic. All mutations are
// atomic under one lock so the supervisor and the health checker cannot
// register or tear down the same consumer twice.
type Registry struct {
	mu      sync.Mutex
	byTopic map[string][]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byTopic: make(map[string][]*Handle)}
}

// TryAdd registers h under topic unless topic already has limit handles.
func (r *Registry) TryAdd(topic string, h *Handle, limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := r.byTopic[topic]
	if len(handles) >= limit {
		return false
	}
	for _, existing := range handles {
		if existing.id == h.id {
			return false
		}
	}
	r.byTopic[topic] = append(handles, h)
	return true
}

// Remove unregisters the handle with id. Only the first caller gets ok.
func (r *Registry) Remove(topic, id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := r.byTopic[topic]
	for i, h := range handles {
		if h.id != id {
			continue
		}
		rest := make([]*Handle, 0, len(handles)-1)
		rest = append(rest, handles[:i]...)
		rest = append(rest, handles[i+1:]...)
		if len(rest) == 0 {
			delete(r.byTopic, topic)
		} else {
			r.byTopic[topic] = rest
		}
		return h, true
	}
	return nil, false
}

// List returns a copy of the handles registered under topic.
func (r *Registry) List(topic string) []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Handle(nil), r.byTopic[topic]...)
}

// Count returns the number of handles under topic.
func (r *Registry) Count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byTopic[topic])
}

// Topics returns the topics with at least one handle, sorted.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make([]string, 0, len(r.byTopic))
	for t := range r.byTopic {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// HandleStatus is a point-in-time view of a registered handle.
type HandleStatus struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
	Kind  string `json:"kind"`
	State string `json:"state"`
}

// Snapshot returns the status of every handle, ordered by topic then
// registration.
func (r *Registry) Snapshot() []HandleStatus {
	var out []HandleStatus
	for _, topic := range r.Topics() {
		for _, h := range r.List(topic) {
			out = append(out, HandleStatus{
				ID:    h.ID(),
				Topic: topic,
				Kind:  h.Kind().String(),
				State: h.State().String(),
			})
		}
	}
	return out
}
