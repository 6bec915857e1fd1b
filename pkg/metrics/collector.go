package metrics

import (
	"time"

	"github.com/qaexchange/qax-core/pkg/gateway"
	"github.com/qaexchange/qax-core/pkg/instrument"
	"github.com/qaexchange/qax-core/pkg/notify"
)

var priorityNames = []string{"critical", "high", "normal", "low"}

// Collector periodically samples gauge-shaped state that isn't naturally
// updated on every write: open instrument shards, broker queue depth, and
// active gateway sessions. It also mirrors the broker's cumulative
// sent/dropped/deduplicated counters into Prometheus counters by adding
// only the delta observed since the previous poll.
type Collector struct {
	instruments *instrument.Manager
	broker      *notify.Broker
	gw          *gateway.Gateway
	interval    time.Duration
	stopCh      chan struct{}

	lastSent         uint64
	lastDropped      uint64
	lastDeduplicated uint64
}

// NewCollector creates a new metrics collector. broker and gw may be nil if
// this process runs no notification broker or gateway.
func NewCollector(instruments *instrument.Manager, broker *notify.Broker, gw *gateway.Gateway) *Collector {
	return &Collector{
		instruments: instruments,
		broker:      broker,
		gw:          gw,
		interval:    15 * time.Second,
		stopCh:      make(chan struct{}),
	}
}

// Start begins collecting metrics on a background ticker.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectInstrumentMetrics()
	c.collectBrokerMetrics()
	c.collectGatewayMetrics()
}

func (c *Collector) collectInstrumentMetrics() {
	if c.instruments == nil {
		return
	}
	ActiveInstrumentsTotal.Set(float64(len(c.instruments.ActiveInstruments())))
}

func (c *Collector) collectBrokerMetrics() {
	if c.broker == nil {
		return
	}

	stats := c.broker.GetStats()
	for i, depth := range stats.QueueSizes {
		name := "unknown"
		if i < len(priorityNames) {
			name = priorityNames[i]
		}
		NotificationQueueDepth.WithLabelValues(name).Set(float64(depth))
	}

	if stats.MessagesSent >= c.lastSent {
		NotificationsDeliveredTotal.Add(float64(stats.MessagesSent - c.lastSent))
	}
	c.lastSent = stats.MessagesSent

	if stats.MessagesDropped >= c.lastDropped {
		NotificationsDroppedTotal.Add(float64(stats.MessagesDropped - c.lastDropped))
	}
	c.lastDropped = stats.MessagesDropped

	if stats.MessagesDeduplicated >= c.lastDeduplicated {
		NotificationsDedupedTotal.Add(float64(stats.MessagesDeduplicated - c.lastDeduplicated))
	}
	c.lastDeduplicated = stats.MessagesDeduplicated
}

func (c *Collector) collectGatewayMetrics() {
	if c.gw == nil {
		return
	}
	GatewayConnectedSessions.Set(float64(len(c.gw.ActiveSessions())))
}
