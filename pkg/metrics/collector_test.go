package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/qaexchange/qax-core/pkg/gateway"
	"github.com/qaexchange/qax-core/pkg/instrument"
	"github.com/qaexchange/qax-core/pkg/notify"
)

func TestCollectorUpdatesActiveInstrumentsGauge(t *testing.T) {
	mgr := instrument.New(instrument.Config{RootDir: t.TempDir(), Logger: zerolog.Nop()})
	defer mgr.Close()

	_, err := mgr.Shard(instrument.AccountInstrumentID)
	assert.NoError(t, err)

	c := NewCollector(mgr, nil, nil)
	c.collect()

	assert.Equal(t, float64(1), testutil.ToFloat64(ActiveInstrumentsTotal))
}

func TestCollectorUpdatesBrokerQueueDepthGauge(t *testing.T) {
	broker := notify.NewBroker(zerolog.Nop())
	assert.NoError(t, broker.Publish(&notify.Notification{MessageID: "m1", UserID: "u1", Priority: 1}))

	c := NewCollector(nil, broker, nil)
	c.collect()

	assert.Equal(t, float64(1), testutil.ToFloat64(NotificationQueueDepth.WithLabelValues("high")))
}

func TestCollectorMirrorsBrokerCountersAsDeltas(t *testing.T) {
	broker := notify.NewBroker(zerolog.Nop())
	broker.Start()
	defer broker.Stop()

	c := NewCollector(nil, broker, nil)

	assert.NoError(t, broker.Publish(&notify.Notification{MessageID: "m1", UserID: "u1", Priority: 0}))
	assert.NoError(t, broker.Publish(&notify.Notification{MessageID: "m1", UserID: "u1", Priority: 0}))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if broker.GetStats().MessagesSent > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	before := testutil.ToFloat64(NotificationsDedupedTotal)
	c.collect()
	after := testutil.ToFloat64(NotificationsDedupedTotal)
	assert.Equal(t, before+1, after)

	c.collect()
	assert.Equal(t, after, testutil.ToFloat64(NotificationsDedupedTotal))
}

func TestCollectorUpdatesGatewayConnectedSessionsGauge(t *testing.T) {
	broker := notify.NewBroker(zerolog.Nop())
	gw := gateway.New(broker, zerolog.Nop())
	gw.RegisterGateway("session-1", "user-1")

	c := NewCollector(nil, nil, gw)
	c.collect()

	assert.Equal(t, float64(1), testutil.ToFloat64(GatewayConnectedSessions))
}

func TestCollectorToleratesNilDependencies(t *testing.T) {
	c := NewCollector(nil, nil, nil)
	assert.NotPanics(t, func() { c.collect() })
}
