package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// HandlerFunc consumes the payload of one item. A nil return marks the item
// processed; any error schedules a retry.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// Registry maps topics to handlers. It is populated at startup, before the
// worker starts polling.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds handler to topic. A later registration for the same topic
// replaces the earlier one.
func (r *Registry) Register(topic string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[topic]; exists {
		slog.Warn("replacing outbox handler", "topic", topic)
	}
	r.handlers[topic] = handler
}

// Get returns the handler for topic.
func (r *Registry) Get(topic string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[topic]
	return h, ok
}

// Topics returns registered topics in sorted order.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}
