package bus

import (
	"sync"
	"sync/atomic"
)

// recentErrorCap bounds the per-topic ring of remembered handler errors.
const recentErrorCap = 10

// TopicStats is a point-in-time snapshot of one topic's counters.
type TopicStats struct {
	Topic string

	// Emitted counts Emit calls on the topic.
	Emitted uint64

	// Delivered counts successful handler invocations.
	Delivered uint64

	// Errors counts failed handler invocations (errors and panics).
	Errors uint64

	// RecentErrors holds up to the last ten handler error strings, oldest
	// first.
	RecentErrors []string
}

type topicStats struct {
	emitted   atomic.Uint64
	delivered atomic.Uint64
	errors    atomic.Uint64

	mu   sync.Mutex
	ring [recentErrorCap]string
	next int
	size int
}

func (s *topicStats) recordError(err error) {
	s.errors.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.next] = err.Error()
	s.next = (s.next + 1) % recentErrorCap
	if s.size < recentErrorCap {
		s.size++
	}
}

func (s *topicStats) snapshot(topic string) TopicStats {
	out := TopicStats{
		Topic:     topic,
		Emitted:   s.emitted.Load(),
		Delivered: s.delivered.Load(),
		Errors:    s.errors.Load(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size > 0 {
		out.RecentErrors = make([]string, 0, s.size)
		start := (s.next - s.size + recentErrorCap) % recentErrorCap
		for i := 0; i < s.size; i++ {
			out.RecentErrors = append(out.RecentErrors, s.ring[(start+i)%recentErrorCap])
		}
	}
	return out
}

// topicStats returns the counter record for topic, creating it on first use.
func (b *Bus) topicStats(topic string) *topicStats {
	b.mu.RLock()
	st, ok := b.stats[topic]
	b.mu.RUnlock()
	if ok {
		return st
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.stats[topic]; ok {
		return st
	}
	st = &topicStats{}
	b.stats[topic] = st
	return st
}

// Stats returns a snapshot of one topic's counters. Unknown topics yield a
// zero snapshot.
func (b *Bus) Stats(topic string) TopicStats {
	b.mu.RLock()
	st, ok := b.stats[topic]
	b.mu.RUnlock()
	if !ok {
		return TopicStats{Topic: topic}
	}
	return st.snapshot(topic)
}

// AllStats returns snapshots for every topic that has seen at least one emit
// or error.
func (b *Bus) AllStats() map[string]TopicStats {
	b.mu.RLock()
	topics := make([]string, 0, len(b.stats))
	for topic := range b.stats {
		topics = append(topics, topic)
	}
	b.mu.RUnlock()

	out := make(map[string]TopicStats, len(topics))
	for _, topic := range topics {
		out[topic] = b.Stats(topic)
	}
	return out
}
