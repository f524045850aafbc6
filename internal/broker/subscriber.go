package broker

import "sync"

// EnqueueResult describes the outcome of a non-blocking enqueue.
type EnqueueResult int

const (
	// EnqueueDelivered: the message was queued without displacing anything.
	EnqueueDelivered EnqueueResult = iota
	// EnqueueDisplaced: the queue was full; the oldest unread message was
	// evicted to admit this one.
	EnqueueDisplaced
	// EnqueueDropped: the message could not be queued at all. Only
	// reachable if the queue refills between eviction and re-push, which a
	// single producer under the topic lock never does.
	EnqueueDropped
)

// Subscriber is a session's sink on one topic. It owns a bounded FIFO of
// undelivered messages and the strike counter used for slow-consumer
// ejection. The queue is a buffered channel: the topic enqueues under its
// lock, the session's delivery worker dequeues concurrently.
type Subscriber struct {
	clientID  string
	sink      Sink
	queue     chan *Message
	threshold int

	// dropCount is only touched under the owning topic's lock.
	dropCount int

	done      chan struct{}
	closeOnce sync.Once
}

// NewSubscriber creates a subscriber with the given queue capacity and
// slow-consumer threshold.
func NewSubscriber(clientID string, sink Sink, queueSize, threshold int) *Subscriber {
	return &Subscriber{
		clientID:  clientID,
		sink:      sink,
		queue:     make(chan *Message, queueSize),
		threshold: threshold,
		done:      make(chan struct{}),
	}
}

// ClientID returns the caller-chosen id, unique within the topic.
func (s *Subscriber) ClientID() string { return s.clientID }

// Sink returns the session adapter that owns this subscriber.
func (s *Subscriber) Sink() Sink { return s.sink }

// Events is the delivery channel drained by the session's worker.
func (s *Subscriber) Events() <-chan *Message { return s.queue }

// Done is closed exactly once when the subscriber is removed from its
// topic, for any reason. The delivery worker exits on it.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Pending returns the number of undelivered messages.
func (s *Subscriber) Pending() int { return len(s.queue) }

// enqueue performs the drop-oldest push. Called only under the topic lock.
// The second return value reports whether this enqueue pushed the strike
// count to the ejection threshold.
func (s *Subscriber) enqueue(m *Message) (EnqueueResult, bool) {
	select {
	case s.queue <- m:
		s.dropCount = 0
		return EnqueueDelivered, false
	default:
	}

	// Full: evict the oldest unread message, then admit the new one.
	// Freshness beats completeness here, and the publisher never blocks.
	select {
	case <-s.queue:
	default:
		// The worker drained a slot between the failed push and now.
	}

	s.dropCount++
	slow := s.dropCount >= s.threshold

	select {
	case s.queue <- m:
		return EnqueueDisplaced, slow
	default:
		return EnqueueDropped, slow
	}
}

// terminate closes the done channel. Safe to call more than once.
func (s *Subscriber) terminate() {
	s.closeOnce.Do(func() { close(s.done) })
}

// drain empties the queue and returns the backlog in FIFO order. Used when
// a re-subscribe with the same client id transfers the old queue into the
// new subscriber. Called under the topic lock.
func (s *Subscriber) drain() []*Message {
	var out []*Message
	for {
		select {
		case m := <-s.queue:
			out = append(out, m)
		default:
			return out
		}
	}
}
