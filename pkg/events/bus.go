package events

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

const subscriberBuffer = 100

// Raw worker log lines can arrive far faster than any consumer renders
// them. Each subscriber gets this budget for log-type envelopes; typed
// events (progress, terminal notices) are never limited.
const (
	logEventsPerSecond = 50
	logEventBurst      = 100
)

// Bus fans envelopes out to per-job subscribers in process.
//
// Delivery is best effort: a subscriber whose channel is full misses the
// envelope rather than blocking the publishing supervisor. Within one
// subscription, delivered envelopes preserve publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch      chan *Envelope
	logRate *rate.Limiter
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]*subscriber)}
}

// Subscribe returns a channel of envelopes for one job id and an
// unsubscribe function. The channel is closed on unsubscribe or bus
// shutdown.
func (b *Bus) Subscribe(jobID string) (<-chan *Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{
		ch:      make(chan *Envelope, subscriberBuffer),
		logRate: rate.NewLimiter(rate.Limit(logEventsPerSecond), logEventBurst),
	}

	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := b.nextID
	b.nextID++
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[int]*subscriber)
	}
	b.subs[jobID][id] = sub

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if m, ok := b.subs[jobID]; ok {
				if s, ok := m[id]; ok {
					delete(m, id)
					close(s.ch)
				}
				if len(m) == 0 {
					delete(b.subs, jobID)
				}
			}
		})
	}
	return sub.ch, unsub
}

// Publish delivers an envelope to every subscriber of its job id.
func (b *Bus) Publish(env *Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs[env.JobID] {
		if env.IsWorkerLog() && !sub.logRate.Allow() {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Subscriber is not keeping up; drop rather than block the job.
		}
	}
}

// Emit makes the bus usable as a supervisor sink.
func (b *Bus) Emit(ctx context.Context, env *Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.Publish(env)
	return nil
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for jobID, m := range b.subs {
		for id, sub := range m {
			delete(m, id)
			close(sub.ch)
		}
		delete(b.subs, jobID)
	}
}

var _ Sink = (*Bus)(nil)
