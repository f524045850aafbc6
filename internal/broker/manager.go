package broker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/pubsub-ws/internal/metrics"
	"github.com/adred-codev/pubsub-ws/internal/protocol"
)

// maxTopicNameLen bounds topic names at the API surface.
const maxTopicNameLen = 100

// Config holds the broker-wide defaults applied to new topics and
// subscribers.
type Config struct {
	DefaultRingSize       int
	MaxRingSize           int
	SubscriberQueueSize   int
	SlowConsumerThreshold int
}

// Health is the health() snapshot.
type Health struct {
	UptimeSec         int64 `json:"uptime_sec"`
	Topics            int   `json:"topics"`
	Subscribers       int   `json:"subscribers"`
	ShutdownInitiated bool  `json:"shutdown_initiated"`
}

// TopicStats is the stats() entry for one topic.
type TopicStats struct {
	Messages    uint64 `json:"messages"`
	Subscribers int    `json:"subscribers"`
}

// Manager is the process-wide topic registry. The registry mutex only
// covers map mutations; cascading transport closes always happen after it
// is released so one dying topic cannot stall the rest.
//
// Shutdown is a one-way latch: RUNNING -> DRAINING (InitiateShutdown) ->
// CLOSED (Shutdown). Once draining, no new topic is created and no new
// message is accepted; reads keep working so operators can watch the drain.
type Manager struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu        sync.Mutex
	topics    map[string]*Topic
	startTime time.Time

	shutdownInitiated atomic.Bool
	shutdownOnce      sync.Once
	shutdownCh        chan struct{}
}

// NewManager creates an empty registry. metricsReg may be nil in tests.
func NewManager(cfg Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Manager {
	return &Manager{
		cfg:        cfg,
		logger:     logger.With().Str("component", "manager").Logger(),
		metrics:    metricsReg,
		topics:     make(map[string]*Topic),
		startTime:  time.Now(),
		shutdownCh: make(chan struct{}),
	}
}

// QueueSize returns the configured per-subscriber queue capacity.
func (m *Manager) QueueSize() int { return m.cfg.SubscriberQueueSize }

// SlowConsumerThreshold returns the configured ejection bound.
func (m *Manager) SlowConsumerThreshold() int { return m.cfg.SlowConsumerThreshold }

// MaxRingSize returns the upper bound on history ring capacity.
func (m *Manager) MaxRingSize() int { return m.cfg.MaxRingSize }

// validateName rejects empty and over-long topic names.
func validateName(name string) error {
	if name == "" || len(name) > maxTopicNameLen {
		return ErrInvalidTopicName
	}
	return nil
}

// CreateTopic registers a new topic. ringSize <= 0 selects the configured
// default. Fails once shutdown is latched, on a duplicate name, or on a
// ring size outside 1..MaxRingSize.
func (m *Manager) CreateTopic(name string, ringSize int) error {
	if m.shutdownInitiated.Load() {
		m.logger.Warn().Str("topic", name).Msg("Cannot create topic during shutdown")
		return ErrShuttingDown
	}
	if err := validateName(name); err != nil {
		return err
	}
	if ringSize <= 0 {
		ringSize = m.cfg.DefaultRingSize
	}
	if ringSize < 1 || ringSize > m.cfg.MaxRingSize {
		return ErrInvalidRingSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.topics[name]; ok {
		return ErrTopicExists
	}
	m.topics[name] = NewTopic(name, ringSize, m.logger, m.metrics)
	if m.metrics != nil {
		m.metrics.TopicsActive.Inc()
	}
	m.logger.Info().Str("topic", name).Int("ring_size", ringSize).Msg("Created topic")
	return nil
}

// GetOrCreateTopic returns the named topic, creating it with the default
// ring size when absent. Used by the subscribe path.
func (m *Manager) GetOrCreateTopic(name string) (*Topic, error) {
	if t, ok := m.GetTopic(name); ok {
		return t, nil
	}
	if err := m.CreateTopic(name, 0); err != nil && !errors.Is(err, ErrTopicExists) {
		return nil, err
	}
	// ErrTopicExists means another session created it between the lookup
	// and the create; either way it is present now.
	t, ok := m.GetTopic(name)
	if !ok {
		return nil, ErrTopicNotFound
	}
	return t, nil
}

// GetTopic looks up a topic by name.
func (m *Manager) GetTopic(name string) (*Topic, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[name]
	return t, ok
}

// DeleteTopic removes the topic from the registry, then closes every
// subscriber's transport outside the registry lock. Returns whether the
// topic existed.
func (m *Manager) DeleteTopic(name string) bool {
	m.mu.Lock()
	t, ok := m.topics[name]
	if ok {
		delete(m.topics, name)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Warn().Str("topic", name).Msg("Topic not found for deletion")
		return false
	}
	if m.metrics != nil {
		m.metrics.TopicsActive.Dec()
	}

	sinks := t.terminate()
	m.logger.Info().Str("topic", name).Int("subscribers", len(sinks)).Msg("Deleting topic")
	for _, sink := range sinks {
		if err := sink.Close(protocol.StatusNormalClosure, "topic deleted"); err != nil {
			m.logger.Warn().Err(err).Str("topic", name).Msg("Error closing subscriber")
		}
	}
	return true
}

// ListTopics snapshots every topic for the control API.
func (m *Manager) ListTopics() []TopicInfo {
	topics := m.snapshotTopics()
	infos := make([]TopicInfo, 0, len(topics))
	for _, t := range topics {
		infos = append(infos, t.Snapshot())
	}
	return infos
}

// Health reports uptime and aggregate counts.
func (m *Manager) Health() Health {
	topics := m.snapshotTopics()
	subs := 0
	for _, t := range topics {
		subs += t.SubscriberCount()
	}
	return Health{
		UptimeSec:         int64(time.Since(m.startTime).Seconds()),
		Topics:            len(topics),
		Subscribers:       subs,
		ShutdownInitiated: m.shutdownInitiated.Load(),
	}
}

// Stats reports per-topic message and subscriber counts.
func (m *Manager) Stats() map[string]TopicStats {
	topics := m.snapshotTopics()
	stats := make(map[string]TopicStats, len(topics))
	for name, t := range topics {
		stats[name] = TopicStats{
			Messages:    t.totalPublished(),
			Subscribers: t.SubscriberCount(),
		}
	}
	return stats
}

// ShutdownInitiated reports whether the latch is set.
func (m *Manager) ShutdownInitiated() bool {
	return m.shutdownInitiated.Load()
}

// Done is closed when shutdown is initiated.
func (m *Manager) Done() <-chan struct{} {
	return m.shutdownCh
}

// InitiateShutdown sets the latch, notifies every subscriber on every
// topic, and signals the shutdown event. Idempotent.
func (m *Manager) InitiateShutdown() {
	m.shutdownOnce.Do(func() {
		m.logger.Info().Msg("Initiating graceful shutdown")
		m.shutdownInitiated.Store(true)

		for _, t := range m.snapshotTopics() {
			t.notifyShutdown("Server shutting down gracefully")
		}

		close(m.shutdownCh)
		m.logger.Info().Msg("Shutdown initiated - no new operations accepted")
	})
}

// Shutdown drives the broker to its terminal state: initiate if needed,
// wait up to timeout for every subscriber queue to drain, then close every
// transport with going-away and clear the registry.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.InitiateShutdown()

	m.logger.Info().Dur("timeout", timeout).Msg("Starting shutdown drain")
	if !m.waitDrained(timeout) {
		m.logger.Warn().Msg("Timeout during queue drain, proceeding with shutdown")
	}

	m.mu.Lock()
	topics := m.topics
	m.topics = make(map[string]*Topic)
	m.mu.Unlock()

	closed := 0
	for _, t := range topics {
		for _, sink := range t.terminate() {
			closed++
			if err := sink.Close(protocol.StatusGoingAway, "server shutting down"); err != nil {
				m.logger.Warn().Err(err).Str("topic", t.Name()).Msg("Error closing subscriber")
			}
		}
	}
	if m.metrics != nil {
		m.metrics.TopicsActive.Set(0)
	}

	m.logger.Info().Int("connections", closed).Msg("Graceful shutdown completed")
}

// waitDrained polls the all-queues-empty predicate until it holds or the
// budget expires.
func (m *Manager) waitDrained(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.allDrained() {
			return true
		}
		select {
		case <-deadline.C:
			return m.allDrained()
		case <-ticker.C:
		}
	}
}

func (m *Manager) allDrained() bool {
	for _, t := range m.snapshotTopics() {
		if !t.drained() {
			return false
		}
	}
	return true
}

// snapshotTopics copies the registry map under the lock.
func (m *Manager) snapshotTopics() map[string]*Topic {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Topic, len(m.topics))
	for name, t := range m.topics {
		out[name] = t
	}
	return out
}
