// Package topics keeps the many-to-many membership between live connections
// and the topics they listen to. Topics are opaque strings compared by
// equality.
package topics

import (
	"sort"
	"sync"
)

// Registry is safe for concurrent use. Readers receive copies, so a snapshot
// stays valid while other goroutines keep subscribing and unsubscribing.
type Registry struct {
	mu      sync.RWMutex
	byTopic map[string]map[string]struct{}
	byConn  map[string]map[string]struct{}
}

// Stats is a point-in-time size summary of a Registry.
type Stats struct {
	Connections   int `json:"connections"`
	Topics        int `json:"topics"`
	Subscriptions int `json:"subscriptions"`
}

func NewRegistry() *Registry {
	return &Registry{
		byTopic: make(map[string]map[string]struct{}),
		byConn:  make(map[string]map[string]struct{}),
	}
}

// Subscribe adds connID to topic. Subscribing twice is a no-op.
func (r *Registry) Subscribe(connID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	add(r.byTopic, topic, connID)
	add(r.byConn, connID, topic)
}

// Unsubscribe removes connID from topic. Unknown pairs are ignored.
func (r *Registry) Unsubscribe(connID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	remove(r.byTopic, topic, connID)
	remove(r.byConn, connID, topic)
}

// RemoveConnection drops every subscription held by connID.
func (r *Registry) RemoveConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for topic := range r.byConn[connID] {
		remove(r.byTopic, topic, connID)
	}
	delete(r.byConn, connID)
}

// SubscribersOf returns a sorted snapshot of the connections subscribed to
// topic.
func (r *Registry) SubscribersOf(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return keys(r.byTopic[topic])
}

// TopicsOf returns a sorted snapshot of the topics connID is subscribed to.
func (r *Registry) TopicsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return keys(r.byConn[connID])
}

// IsSubscribed reports whether connID currently listens to topic.
func (r *Registry) IsSubscribed(connID, topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byConn[connID][topic]
	return ok
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Connections: len(r.byConn), Topics: len(r.byTopic)}
	for _, set := range r.byConn {
		s.Subscriptions += len(set)
	}
	return s
}

func add(index map[string]map[string]struct{}, key, member string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[member] = struct{}{}
}

// remove deletes member and drops the set once it is empty so the index does
// not accumulate dead keys.
func remove(index map[string]map[string]struct{}, key, member string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(index, key)
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
