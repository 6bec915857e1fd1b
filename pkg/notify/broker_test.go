package notify

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, sub Subscriber, timeout time.Duration) *Notification {
	t.Helper()
	select {
	case n := <-sub:
		return n
	case <-time.After(timeout):
		t.Fatal("timed out waiting for notification delivery")
		return nil
	}
}

func TestPublishDeliversToSubscribedUser(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	b.Start()
	defer b.Stop()

	sub := b.Subscribe("user-1")
	n := New(TypeOrderAccepted, "user-1", nil, "matching-engine")
	require.NoError(t, b.Publish(n))

	got := waitFor(t, sub, time.Second)
	assert.Equal(t, n.MessageID, got.MessageID)
}

func TestPublishDoesNotDeliverToOtherUsers(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	b.Start()
	defer b.Stop()

	sub := b.Subscribe("user-1")
	n := New(TypeOrderAccepted, "user-2", nil, "matching-engine")
	require.NoError(t, b.Publish(n))

	select {
	case <-sub:
		t.Fatal("received a notification addressed to a different user")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGlobalSubscriberReceivesEveryNotification(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	b.Start()
	defer b.Stop()

	global := b.SubscribeGlobal()
	n := New(TypeSystemNotice, "user-7", nil, "system")
	require.NoError(t, b.Publish(n))

	got := waitFor(t, global, time.Second)
	assert.Equal(t, n.MessageID, got.MessageID)
}

func TestDuplicateMessageIDIsDeduplicated(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	b.Start()
	defer b.Stop()

	sub := b.Subscribe("user-1")
	n := New(TypeOrderAccepted, "user-1", nil, "matching-engine")
	require.NoError(t, b.Publish(n))
	require.NoError(t, b.Publish(n))

	waitFor(t, sub, time.Second)

	select {
	case <-sub:
		t.Fatal("duplicate message id should not be delivered twice")
	case <-time.After(50 * time.Millisecond):
	}

	stats := b.GetStats()
	assert.Equal(t, uint64(1), stats.MessagesDeduplicated)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	b.Start()
	defer b.Stop()

	sub := b.Subscribe("user-1")
	b.Unsubscribe("user-1", sub)

	n := New(TypeOrderAccepted, "user-1", nil, "matching-engine")
	require.NoError(t, b.Publish(n))

	select {
	case <-sub:
		t.Fatal("unsubscribed channel should not receive further notifications")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishRejectsWhenQueueFull(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	// Processor not started: queue fills up and stays full.
	for i := 0; i < QueueCapacityP0; i++ {
		n := New(TypeRiskAlert, "user-1", nil, "risk-engine")
		n.MessageID = n.MessageID + "-" + time.Duration(i).String()
		require.NoError(t, b.Publish(n))
	}
	overflow := New(TypeRiskAlert, "user-1", nil, "risk-engine")
	err := b.Publish(overflow)
	assert.Error(t, err)

	stats := b.GetStats()
	assert.Equal(t, uint64(1), stats.MessagesDropped)
}

func TestGetStatsReportsActiveSubscribers(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	b.Subscribe("user-1")
	b.Subscribe("user-1")
	b.Subscribe("user-2")
	b.SubscribeGlobal()

	stats := b.GetStats()
	assert.Equal(t, 2, stats.ActiveUsers)
	assert.Equal(t, 4, stats.ActiveGateways)
}
