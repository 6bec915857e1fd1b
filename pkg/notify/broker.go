package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/qaexchange/qax-core/pkg/xerrors"
)

// Priority queue capacities. P0 is small and meant to drain essentially
// immediately; P2 is the largest because account/position bookkeeping
// volume dominates in practice.
const (
	QueueCapacityP0 = 10000
	QueueCapacityP1 = 50000
	QueueCapacityP2 = 100000
	QueueCapacityP3 = 50000
)

// dedupCacheSize bounds the deduplication window: a message_id seen more
// than this many distinct messages ago is treated as new again.
const dedupCacheSize = 10000

// processorTick is how often the broker drains its priority queues.
const processorTick = 100 * time.Microsecond

// subscriberBufferSize is the per-subscriber channel depth; a slow
// subscriber that can't keep up simply misses notifications rather than
// blocking the broker.
const subscriberBufferSize = 256

// Subscriber is a channel a gateway session reads delivered notifications
// from.
type Subscriber chan *Notification

// BrokerStats is a snapshot of broker-wide counters.
type BrokerStats struct {
	MessagesSent         uint64
	MessagesDeduplicated uint64
	MessagesDropped      uint64
	ActiveUsers          int
	ActiveGateways       int
	QueueSizes           [4]int
}

// Broker fans notifications out to per-user and global subscribers
// through four priority queues, deduplicating by message ID first.
type Broker struct {
	mu                sync.RWMutex
	userGateways      map[string][]Subscriber
	globalSubscribers map[Subscriber]bool

	dedup *lru.Cache[uint64, struct{}]

	queues [4]chan *Notification

	sent         uint64
	deduplicated uint64
	dropped      uint64

	stopCh chan struct{}
	logger zerolog.Logger
}

// NewBroker constructs a Broker. Call Start to begin draining queues.
func NewBroker(logger zerolog.Logger) *Broker {
	dedup, _ := lru.New[uint64, struct{}](dedupCacheSize)
	return &Broker{
		userGateways:      make(map[string][]Subscriber),
		globalSubscribers: make(map[Subscriber]bool),
		dedup:             dedup,
		queues: [4]chan *Notification{
			make(chan *Notification, QueueCapacityP0),
			make(chan *Notification, QueueCapacityP1),
			make(chan *Notification, QueueCapacityP2),
			make(chan *Notification, QueueCapacityP3),
		},
		stopCh: make(chan struct{}),
		logger: logger.With().Str("component", "notify.Broker").Logger(),
	}
}

// Start launches the priority processor goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts the processor goroutine. It does not drain remaining queued
// notifications; callers that need that should drain before calling Stop.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new per-user subscriber channel.
func (b *Broker) Subscribe(userID string) Subscriber {
	sub := make(Subscriber, subscriberBufferSize)
	b.mu.Lock()
	b.userGateways[userID] = append(b.userGateways[userID], sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub from userID's gateway list.
func (b *Broker) Unsubscribe(userID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.userGateways[userID]
	for i, s := range subs {
		if s == sub {
			b.userGateways[userID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.userGateways[userID]) == 0 {
		delete(b.userGateways, userID)
	}
}

// SubscribeGlobal registers a subscriber that receives every
// notification regardless of UserID, used by system-wide dashboards.
func (b *Broker) SubscribeGlobal() Subscriber {
	sub := make(Subscriber, subscriberBufferSize)
	b.mu.Lock()
	b.globalSubscribers[sub] = true
	b.mu.Unlock()
	return sub
}

// UnsubscribeGlobal removes a global subscriber.
func (b *Broker) UnsubscribeGlobal(sub Subscriber) {
	b.mu.Lock()
	delete(b.globalSubscribers, sub)
	b.mu.Unlock()
}

func messageIDFingerprint(messageID string) uint64 {
	return xxhash.Sum64String(messageID)
}

// Publish deduplicates n by MessageID and enqueues it on its priority
// queue. A duplicate is not an error; ErrQueueFull is returned only when
// the target queue is genuinely full.
func (b *Broker) Publish(n *Notification) error {
	fp := messageIDFingerprint(n.MessageID)
	if _, seen := b.dedup.Get(fp); seen {
		atomic.AddUint64(&b.deduplicated, 1)
		return nil
	}
	b.dedup.Add(fp, struct{}{})

	idx := n.Priority
	if idx > 3 {
		idx = 3
	}
	select {
	case b.queues[idx] <- n:
		return nil
	default:
		atomic.AddUint64(&b.dropped, 1)
		return xerrors.ErrQueueFull
	}
}

// run drains the priority queues once per processorTick: every P0 and
// every P1 message currently queued, then up to 100 P2 messages and up
// to 50 P3 messages, so low-priority volume can never starve the high
// priority queues even under sustained load.
func (b *Broker) run() {
	ticker := time.NewTicker(processorTick)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.drainAll(0)
			b.drainAll(1)
			b.drainUpTo(2, 100)
			b.drainUpTo(3, 50)
		}
	}
}

func (b *Broker) drainAll(idx int) {
	for {
		select {
		case n := <-b.queues[idx]:
			b.deliver(n)
		default:
			return
		}
	}
}

func (b *Broker) drainUpTo(idx, max int) {
	for i := 0; i < max; i++ {
		select {
		case n := <-b.queues[idx]:
			b.deliver(n)
		default:
			return
		}
	}
}

func (b *Broker) deliver(n *Notification) {
	b.mu.RLock()
	targets := append([]Subscriber{}, b.userGateways[n.UserID]...)
	for sub := range b.globalSubscribers {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub <- n:
		default:
			// slow subscriber; drop rather than block the broker.
		}
	}
	atomic.AddUint64(&b.sent, 1)
}

// GetStats returns a point-in-time snapshot of broker counters.
func (b *Broker) GetStats() BrokerStats {
	b.mu.RLock()
	users := len(b.userGateways)
	gateways := 0
	for _, subs := range b.userGateways {
		gateways += len(subs)
	}
	gateways += len(b.globalSubscribers)
	b.mu.RUnlock()

	return BrokerStats{
		MessagesSent:         atomic.LoadUint64(&b.sent),
		MessagesDeduplicated: atomic.LoadUint64(&b.deduplicated),
		MessagesDropped:      atomic.LoadUint64(&b.dropped),
		ActiveUsers:          users,
		ActiveGateways:       gateways,
		QueueSizes: [4]int{
			len(b.queues[0]), len(b.queues[1]), len(b.queues[2]), len(b.queues[3]),
		},
	}
}
