package pubsub

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/lawdesk/matterwatch/internal/metrics"
)

// Event is one live-update frame fanned out to a recipient's sessions.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"notification"`
}

// Subscription is an ephemeral binding between one recipient identity and
// one live connection. It never survives a process restart; reconnecting
// clients re-pull current state from the store instead of replaying.
type Subscription struct {
	id          uint64
	recipientID string
	ch          chan Event
	registry    *Registry
	closeOnce   sync.Once
}

// Events yields published events in publish order. The channel is closed
// when the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close deterministically unregisters the subscription. Safe to call
// more than once and from any goroutine.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.registry.remove(s)
	})
}

// Registry is the in-process fan-out hub. Purely in-memory: rebuilt from
// nothing on restart, no durability, no replay.
type Registry struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	buffer  int

	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]*Subscription
}

func NewRegistry(buffer int, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if buffer <= 0 {
		buffer = 16
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Registry{
		logger:  logger,
		metrics: m,
		buffer:  buffer,
		subs:    map[string]map[uint64]*Subscription{},
	}
}

// Subscribe registers a new live session for the recipient.
func (r *Registry) Subscribe(recipientID string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &Subscription{
		id:          r.nextID,
		recipientID: recipientID,
		ch:          make(chan Event, r.buffer),
		registry:    r,
	}
	perRecipient, ok := r.subs[recipientID]
	if !ok {
		perRecipient = map[uint64]*Subscription{}
		r.subs[recipientID] = perRecipient
	}
	perRecipient[sub.id] = sub
	r.metrics.LiveSubscribers.Inc()
	return sub
}

// Publish delivers the event to every live session for the recipient and
// reports how many received it. No subscriber is not an error. A session
// whose buffer is full has the event dropped rather than blocking the
// publisher; the durable record remains queryable on the next pull.
func (r *Registry) Publish(recipientID string, ev Event) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for _, sub := range r.subs[recipientID] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			r.logger.Warn("dropping live event, subscriber buffer full",
				zap.String("recipient_id", recipientID),
				zap.String("event_type", ev.Type))
		}
	}
	return delivered
}

// SubscriberCount reports live sessions for one recipient.
func (r *Registry) SubscriberCount(recipientID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[recipientID])
}

func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	perRecipient, ok := r.subs[sub.recipientID]
	if !ok {
		return
	}
	if _, ok := perRecipient[sub.id]; !ok {
		return
	}
	delete(perRecipient, sub.id)
	if len(perRecipient) == 0 {
		delete(r.subs, sub.recipientID)
	}
	close(sub.ch)
	r.metrics.LiveSubscribers.Dec()
}
