package broker

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/pubsub-ws/internal/metrics"
	"github.com/adred-codev/pubsub-ws/internal/protocol"
)

// Topic is a named fan-out channel with bounded history. One mutex
// serializes subscribe, unsubscribe, publish and history reads; per-message
// work inside the critical section is a non-blocking channel push per
// subscriber, so the section stays short.
type Topic struct {
	name    string
	ringCap int

	mu          sync.Mutex
	subscribers map[string]*Subscriber
	history     *ring
	published   uint64

	logger  zerolog.Logger
	metrics *metrics.Registry
}

// TopicInfo is the list_topics snapshot for one topic.
type TopicInfo struct {
	Name              string `json:"name"`
	Subscribers       int    `json:"subscribers"`
	RingBufferSize    int    `json:"ring_buffer_size"`
	MessagesInHistory int    `json:"messages_in_history"`
	TotalMessages     uint64 `json:"total_messages"`
}

// NewTopic creates a topic with a history ring of the given capacity.
// metricsReg may be nil in tests.
func NewTopic(name string, ringSize int, logger zerolog.Logger, metricsReg *metrics.Registry) *Topic {
	t := &Topic{
		name:        name,
		ringCap:     ringSize,
		subscribers: make(map[string]*Subscriber),
		history:     newRing(ringSize),
		logger:      logger.With().Str("topic", name).Logger(),
		metrics:     metricsReg,
	}
	return t
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Subscribe installs sub and atomically snapshots up to lastN historical
// messages (oldest first) under the same lock, so a publish that lands
// after this call can appear in the live queue but never in the snapshot:
// replay precedes live delivery with no gap and no duplicate.
//
// A subscriber with the same client id is replaced; its undelivered backlog
// is transferred into the new queue and its worker is stopped, so nothing
// is silently leaked.
func (t *Topic) Subscribe(sub *Subscriber, lastN int) []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.subscribers[sub.clientID]; ok {
		for _, m := range prev.drain() {
			sub.enqueue(m)
		}
		prev.terminate()
		t.logger.Debug().Str("client_id", sub.clientID).Msg("Replaced existing subscriber")
	} else if t.metrics != nil {
		t.metrics.SubscribersActive.Inc()
	}

	t.subscribers[sub.clientID] = sub
	t.logger.Debug().Str("client_id", sub.clientID).Msg("Subscriber added")

	if lastN > 0 {
		return t.history.recent(lastN)
	}
	return nil
}

// Unsubscribe removes the subscriber and stops its delivery worker.
// Returns whether it existed.
func (t *Topic) Unsubscribe(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.subscribers[clientID]
	if !ok {
		return false
	}
	t.removeLocked(sub)
	return true
}

// UnsubscribeOwned removes the subscriber only if it still belongs to the
// given sink. A session tearing down after its client id was taken over by
// another connection must not evict the replacement.
func (t *Topic) UnsubscribeOwned(clientID string, sink Sink) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.subscribers[clientID]
	if !ok || sub.sink != sink {
		return false
	}
	t.removeLocked(sub)
	return true
}

// removeLocked deletes and terminates one subscriber. Called under the
// topic lock.
func (t *Topic) removeLocked(sub *Subscriber) {
	delete(t.subscribers, sub.clientID)
	sub.terminate()
	if t.metrics != nil {
		t.metrics.SubscribersActive.Dec()
	}
	t.logger.Debug().Str("client_id", sub.clientID).Msg("Subscriber removed")
}

// Publish appends msg to history and fans it out to every current
// subscriber with a non-blocking drop-oldest enqueue. Subscribers whose
// strike count reaches the threshold are ejected before the lock is
// released, so a later publish on this topic cannot overtake the
// SLOW_CONSUMER notification.
func (t *Topic) Publish(msg *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.history.append(msg)
	t.published++
	if t.metrics != nil {
		t.metrics.MessagesPublished.Inc()
	}

	var slow []*Subscriber
	for _, sub := range t.subscribers {
		res, flagged := sub.enqueue(msg)
		switch res {
		case EnqueueDisplaced, EnqueueDropped:
			if t.metrics != nil {
				t.metrics.MessagesDisplaced.Inc()
			}
			t.logger.Warn().
				Str("client_id", sub.clientID).
				Int("drop_count", sub.dropCount).
				Msg("Queue full: dropped oldest message")
		}
		if flagged {
			slow = append(slow, sub)
		}
	}

	for _, sub := range slow {
		t.eject(sub)
	}
}

// eject removes a slow consumer and notifies its session. Side effects on
// the transport are best-effort; failures are logged and never interrupt
// publishing. Called under the topic lock.
func (t *Topic) eject(sub *Subscriber) {
	delete(t.subscribers, sub.clientID)
	sub.terminate()
	if t.metrics != nil {
		t.metrics.SubscribersActive.Dec()
		t.metrics.SlowConsumersEjected.Inc()
	}

	t.logger.Error().
		Str("client_id", sub.clientID).
		Int("threshold", sub.threshold).
		Msg("Disconnecting slow consumer")

	if err := sub.sink.SendError("", protocol.CodeSlowConsumer, "Consumer too slow, disconnecting"); err != nil {
		t.logger.Warn().Err(err).Str("client_id", sub.clientID).Msg("Error notifying slow consumer")
	}
	if err := sub.sink.Close(protocol.StatusPolicyViolation, "slow consumer"); err != nil {
		t.logger.Warn().Err(err).Str("client_id", sub.clientID).Msg("Error closing slow consumer")
	}
}

// Recent returns up to the n most recent messages, oldest first. n <= 0
// returns the full ring.
func (t *Topic) Recent(n int) []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.history.recent(n)
}

// SubscriberCount returns the current registry size.
func (t *Topic) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// Snapshot returns the list_topics view of this topic.
func (t *Topic) Snapshot() TopicInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TopicInfo{
		Name:              t.name,
		Subscribers:       len(t.subscribers),
		RingBufferSize:    t.ringCap,
		MessagesInHistory: t.history.len(),
		TotalMessages:     t.published,
	}
}

// totalPublished returns the monotonic publish counter.
func (t *Topic) totalPublished() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published
}

// notifyShutdown sends the shutdown notice to every subscriber.
// Best-effort: send errors are logged and ignored.
func (t *Topic) notifyShutdown(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subscribers {
		if err := sub.sink.SendInfo(msg, t.name); err != nil {
			t.logger.Warn().Err(err).Str("client_id", sub.clientID).Msg("Error notifying subscriber about shutdown")
		}
	}
}

// drained reports whether every subscriber queue is empty.
func (t *Topic) drained() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subscribers {
		if sub.Pending() > 0 {
			return false
		}
	}
	return true
}

// terminate stops every subscriber, clears the registry and returns the
// affected sinks so the caller can close transports outside the lock.
func (t *Topic) terminate() []Sink {
	t.mu.Lock()
	defer t.mu.Unlock()

	sinks := make([]Sink, 0, len(t.subscribers))
	for _, sub := range t.subscribers {
		sub.terminate()
		sinks = append(sinks, sub.sink)
	}
	if t.metrics != nil {
		t.metrics.SubscribersActive.Sub(float64(len(t.subscribers)))
	}
	t.subscribers = make(map[string]*Subscriber)
	return sinks
}
