// Package bus fans run events out to any number of subscribers without ever
// blocking the publisher.
package bus

import (
	"sync"

	"github.com/fentz26/trainctl/internal/events"
)

// DefaultBacklog is the number of recent events kept per run for late subscribers.
const DefaultBacklog = 256

// retainedRuns bounds how many finished runs keep their backlog around.
const retainedRuns = 64

// Bus is a per-run publish/subscribe hub. Events for one run are delivered to
// every subscriber in publish order, each stamped with a per-run sequence number.
type Bus struct {
	mu       sync.Mutex
	backlog  int
	runs     map[string]*runState
	finished []string
	global   map[*Subscription]struct{}
	closed   bool
}

type runState struct {
	seq     uint64
	history []events.Envelope
	subs    map[*Subscription]struct{}
	closed  bool
}

// New creates a bus keeping backlog events per run. A non-positive backlog
// uses DefaultBacklog.
func New(backlog int) *Bus {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Bus{
		backlog: backlog,
		runs:    make(map[string]*runState),
		global:  make(map[*Subscription]struct{}),
	}
}

// Publish stamps env with the next sequence number for its run and queues it
// for every subscriber. It returns the stamped envelope.
func (b *Bus) Publish(env events.Envelope) events.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return env
	}

	rs := b.runs[env.RunID]
	if rs == nil || rs.closed {
		// A finished id being reused starts a fresh stream.
		b.forget(env.RunID)
		rs = &runState{subs: make(map[*Subscription]struct{})}
		b.runs[env.RunID] = rs
	}

	rs.seq++
	env.Seq = rs.seq
	rs.history = append(rs.history, env)
	if len(rs.history) > b.backlog {
		rs.history = append(rs.history[:0:0], rs.history[len(rs.history)-b.backlog:]...)
	}

	for sub := range rs.subs {
		sub.push(env)
	}
	for sub := range b.global {
		sub.push(env)
	}
	return env
}

// Subscribe returns a subscription to one run, or to every run when runID is
// empty. Run subscriptions first receive the run's backlog. Subscribing to a
// finished run replays its backlog and then closes.
func (b *Bus) Subscribe(runID string) *Subscription {
	sub := newSubscription(b, runID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.end()
		return sub
	}

	if runID == "" {
		b.global[sub] = struct{}{}
		return sub
	}

	rs := b.runs[runID]
	if rs == nil {
		rs = &runState{subs: make(map[*Subscription]struct{})}
		b.runs[runID] = rs
	}
	for _, env := range rs.history {
		sub.push(env)
	}
	if rs.closed {
		sub.end()
		return sub
	}
	rs.subs[sub] = struct{}{}
	return sub
}

// CloseRun ends every subscription to runID once queued events are delivered.
// The run's backlog is retained for a bounded number of later subscribers.
func (b *Bus) CloseRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rs := b.runs[runID]
	if rs == nil || rs.closed {
		return
	}
	rs.closed = true
	for sub := range rs.subs {
		sub.end()
	}
	rs.subs = nil

	b.finished = append(b.finished, runID)
	for len(b.finished) > retainedRuns {
		old := b.finished[0]
		b.finished = b.finished[1:]
		if st := b.runs[old]; st != nil && st.closed {
			delete(b.runs, old)
		}
	}
}

// Close ends all subscriptions. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, rs := range b.runs {
		for sub := range rs.subs {
			sub.end()
		}
		rs.subs = nil
	}
	for sub := range b.global {
		sub.end()
	}
	b.global = make(map[*Subscription]struct{})
}

// forget drops a finished run from the retention list. Caller holds b.mu.
func (b *Bus) forget(runID string) {
	for i, id := range b.finished {
		if id == runID {
			b.finished = append(b.finished[:i], b.finished[i+1:]...)
			break
		}
	}
	delete(b.runs, runID)
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.runID == "" {
		delete(b.global, sub)
		return
	}
	rs := b.runs[sub.runID]
	if rs == nil || rs.subs == nil {
		return
	}
	delete(rs.subs, sub)
	// A run that was subscribed to but never published leaves nothing to keep.
	if len(rs.subs) == 0 && rs.seq == 0 && !rs.closed {
		delete(b.runs, sub.runID)
	}
}
