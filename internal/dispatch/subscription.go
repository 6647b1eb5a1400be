package dispatch

import (
	"context"
	"io"
	"sync"

	"github.com/vsharma2491/trading-algo/internal/contracts"
)

// Subscription is the consumer handle for a set of instruments. Each
// instrument gets its own bounded buffer; on overflow the OLDEST tick is
// dropped so the most recent price always wins.
type Subscription struct {
	keys     []string
	capacity int

	mu     sync.Mutex
	queues map[string][]contracts.Tick
	closed bool
	notify chan struct{}
}

func newSubscription(instruments []contracts.Instrument, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = 1
	}
	keys := make([]string, 0, len(instruments))
	queues := make(map[string][]contracts.Tick, len(instruments))
	for _, ins := range instruments {
		keys = append(keys, ins.Key())
		queues[ins.Key()] = nil
	}
	return &Subscription{
		keys:     keys,
		capacity: capacity,
		queues:   queues,
		notify:   make(chan struct{}, 1),
	}
}

// push enqueues a tick, reporting whether an older tick was evicted.
func (s *Subscription) push(tick contracts.Tick) (dropped bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	key := tick.Instrument.Key()
	q := s.queues[key]
	if len(q) >= s.capacity {
		q = q[1:]
		dropped = true
	}
	s.queues[key] = append(q, tick)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until a tick is available, the subscription is closed
// (io.EOF) or the context is cancelled. Ticks for one instrument come
// out in the order the dispatcher delivered them.
func (s *Subscription) Next(ctx context.Context) (contracts.Tick, error) {
	for {
		s.mu.Lock()
		for _, key := range s.keys {
			if q := s.queues[key]; len(q) > 0 {
				tick := q[0]
				s.queues[key] = q[1:]
				s.mu.Unlock()
				return tick, nil
			}
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return contracts.Tick{}, io.EOF
		}

		select {
		case <-ctx.Done():
			return contracts.Tick{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Pending reports the number of buffered, undelivered ticks.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
