// Package progress is a process-local pub/sub for long-running job events.
//
// Subscribers register for one job id or for every job. Delivery is
// best-effort: each subscriber owns a bounded buffer and events are dropped
// for that subscriber once it fills, so a slow consumer never blocks a
// publisher.
package progress

import (
	"sync"

	"github.com/claudelens/claudelens/internal/types"
)

// BufferSize is the per-subscriber event queue depth.
const BufferSize = 128

// AllJobs subscribes to every job's events.
const AllJobs = "*"

// Broadcaster fans progress events out to subscribers.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{} // Topic (job id or AllJobs) → subscribers
}

// Subscription is one subscriber's handle. Events arrive on C; Dropped
// counts events discarded because the buffer was full.
type Subscription struct {
	C       chan types.ProgressEvent
	topic   string
	b       *Broadcaster
	mu      sync.Mutex
	dropped int64
	closed  bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers for events about one job id, or AllJobs.
func (b *Broadcaster) Subscribe(topic string) *Subscription {
	s := &Subscription{
		C:     make(chan types.ProgressEvent, BufferSize),
		topic: topic,
		b:     b,
	}
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Subscription]struct{})
	}
	b.subs[topic][s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers an event to the job's subscribers and the all-jobs
// topic. Never blocks; full subscriber buffers drop the event.
func (b *Broadcaster) Publish(ev types.ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, topic := range []string{ev.JobID, AllJobs} {
		for s := range b.subs[topic] {
			s.deliver(ev)
		}
	}
}

// SubscriberCount returns the number of live subscriptions on a topic.
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (s *Subscription) deliver(ev types.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.C <- ev:
	default:
		s.dropped++
	}
}

// Dropped reports how many events this subscriber missed.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	if set, ok := s.b.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.b.subs, s.topic)
		}
	}
	s.b.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.C)
	}
}
