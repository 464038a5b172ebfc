package metrics

import (
	"sync"

	"github.com/datify-sh/datify/internal/domain"
)

const subscriberBuffer = 50 // matches the teacher's pkg/events.Broker per-subscriber buffer

// subscriber is one WebSocket session's inbound channel pair: C delivers
// snapshots, Dropped is closed once the subscriber has been evicted for
// falling behind (spec.md §4.H's "LaggedTooFar", not allowed to stall the
// scraper).
type subscriber struct {
	databaseID string
	ch         chan *domain.MetricsSnapshot
	dropped    chan struct{}
}

// Subscription is the caller-facing handle returned by Broadcaster.Subscribe.
type Subscription struct {
	C       <-chan *domain.MetricsSnapshot
	Dropped <-chan struct{}

	sub *subscriber
}

// Broadcaster fans each instance's scraped snapshots out to every
// subscriber of that instance, without letting a slow subscriber block the
// scraper — the same non-blocking buffered-channel shape as the teacher's
// pkg/events.Broker, keyed per database instead of broadcasting everything
// to everyone.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]bool // databaseID -> set
}

// NewBroadcaster builds an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[string]map[*subscriber]bool)}
}

// Subscribe registers a new listener for databaseID's snapshots. Callers
// must call the returned cancel func when done (WS session close) to free
// the subscriber slot.
func (b *Broadcaster) Subscribe(databaseID string) (*Subscription, func()) {
	sub := &subscriber{
		databaseID: databaseID,
		ch:         make(chan *domain.MetricsSnapshot, subscriberBuffer),
		dropped:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.subscribers[databaseID] == nil {
		b.subscribers[databaseID] = make(map[*subscriber]bool)
	}
	b.subscribers[databaseID][sub] = true
	b.mu.Unlock()
	BroadcastSubscribersGauge.Inc()

	cancel := func() { b.remove(databaseID, sub, false) }
	return &Subscription{C: sub.ch, Dropped: sub.dropped, sub: sub}, cancel
}

// Publish fans snapshot out to every subscriber of its database, evicting
// (not blocking on) any subscriber whose buffer is already full.
func (b *Broadcaster) Publish(databaseID string, snapshot *domain.MetricsSnapshot) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers[databaseID]))
	for s := range b.subscribers[databaseID] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- snapshot:
		default:
			b.remove(databaseID, s, true)
		}
	}
}

func (b *Broadcaster) remove(databaseID string, sub *subscriber, lagged bool) {
	b.mu.Lock()
	set, ok := b.subscribers[databaseID]
	if !ok || !set[sub] {
		b.mu.Unlock()
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subscribers, databaseID)
	}
	b.mu.Unlock()

	if lagged {
		close(sub.dropped)
	}
	close(sub.ch)
	BroadcastSubscribersGauge.Dec()
}

// SubscriberCount reports the number of live subscribers for databaseID,
// for tests and diagnostics.
func (b *Broadcaster) SubscriberCount(databaseID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[databaseID])
}
