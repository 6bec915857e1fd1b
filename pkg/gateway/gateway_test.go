package gateway

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaexchange/qax-core/pkg/notify"
)

func TestRegisterGatewayReceivesNotificationForItsUser(t *testing.T) {
	b := notify.NewBroker(zerolog.Nop())
	b.Start()
	defer b.Stop()

	g := New(b, zerolog.Nop())
	g.Start()
	defer g.Stop()

	recv := g.RegisterGateway("sess-1", "user-1")
	n := notify.New(notify.TypeOrderAccepted, "user-1", nil, "matching-engine")
	require.NoError(t, b.Publish(n))

	select {
	case got := <-recv:
		assert.Equal(t, n.MessageID, got.MessageID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestUnregisterGatewayStopsDispatch(t *testing.T) {
	b := notify.NewBroker(zerolog.Nop())
	b.Start()
	defer b.Stop()

	g := New(b, zerolog.Nop())
	g.Start()
	defer g.Stop()

	g.RegisterGateway("sess-1", "user-1")
	g.UnregisterGateway("sess-1")
	assert.Empty(t, g.ActiveSessions())
}

func TestSlowSessionEvictedAfterConsecutiveDrops(t *testing.T) {
	b := notify.NewBroker(zerolog.Nop())
	// No Start(): publish directly dispatches are not involved here, we
	// drive Gateway.dispatch indirectly through a full session buffer.
	g := New(b, zerolog.Nop())
	recv := g.RegisterGateway("sess-1", "user-1")

	// Fill the session's send buffer so every further dispatch drops.
	for i := 0; i < sessionBufferSize; i++ {
		n := notify.New(notify.TypeOrderAccepted, "user-1", nil, "matching-engine")
		g.dispatch(n)
	}
	assert.Len(t, g.ActiveSessions(), 1)

	for i := 0; i < MaxConsecutiveDrops; i++ {
		n := notify.New(notify.TypeOrderAccepted, "user-1", nil, "matching-engine")
		g.dispatch(n)
	}

	assert.Empty(t, g.ActiveSessions())

	// Eviction closes the session channel; drain what is buffered until
	// the close is observed.
	for {
		select {
		case _, ok := <-recv:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
