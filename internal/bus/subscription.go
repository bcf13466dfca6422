package bus

import (
	"sync"

	"github.com/fentz26/trainctl/internal/events"
)

// Subscription receives envelopes on Events until the run finishes, the bus
// closes, or Close is called. Its queue is unbounded so a slow reader never
// stalls the publisher.
type Subscription struct {
	bus   *Bus
	runID string

	mu     sync.Mutex
	queue  []events.Envelope
	ended  bool
	notify chan struct{}

	out  chan events.Envelope
	done chan struct{}
	once sync.Once
}

func newSubscription(b *Bus, runID string) *Subscription {
	s := &Subscription{
		bus:    b,
		runID:  runID,
		notify: make(chan struct{}, 1),
		out:    make(chan events.Envelope),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// Events returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan events.Envelope {
	return s.out
}

// RunID returns the subscribed run, or "" for an all-runs subscription.
func (s *Subscription) RunID() string {
	return s.runID
}

// Close detaches the subscription and discards anything still queued.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.bus.unsubscribe(s)
	})
}

func (s *Subscription) push(env events.Envelope) {
	s.mu.Lock()
	if !s.ended {
		s.queue = append(s.queue, env)
	}
	s.mu.Unlock()
	s.wake()
}

// end stops intake; the pump closes the channel after draining.
func (s *Subscription) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		ended := s.ended
		s.mu.Unlock()

		for _, env := range batch {
			select {
			case s.out <- env:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if ended {
			return
		}

		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}
