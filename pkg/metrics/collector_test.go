package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-gg/catalyst/pkg/config"
	"github.com/catalyst-gg/catalyst/pkg/storage"
	"github.com/catalyst-gg/catalyst/pkg/types"
)

func newCollector(t *testing.T) (*Collector, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewCollector(config.Default(), store), store
}

func TestCollectNodeAndServerGauges(t *testing.T) {
	c, store := newCollector(t)

	require.NoError(t, store.CreateNode(&types.Node{ID: "node-1", Hostname: "a.test", IsOnline: true}))
	require.NoError(t, store.CreateNode(&types.Node{ID: "node-2", Hostname: "b.test", IsOnline: false}))

	for i, status := range []types.ServerStatus{types.StatusRunning, types.StatusRunning, types.StatusCrashed} {
		require.NoError(t, store.CreateServer(&types.Server{
			ID:     "srv-" + string(rune('1'+i)),
			UUID:   "uuid-" + string(rune('1'+i)),
			NodeID: "node-1",
			Status: status,
		}))
	}

	c.collect()

	assert.Equal(t, float64(2), testutil.ToFloat64(NodesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(NodesOnline))
	assert.Equal(t, float64(2), testutil.ToFloat64(ServersTotal.WithLabelValues(string(types.StatusRunning))))
	assert.Equal(t, float64(1), testutil.ToFloat64(ServersTotal.WithLabelValues(string(types.StatusCrashed))))
	assert.Equal(t, float64(0), testutil.ToFloat64(ServersTotal.WithLabelValues(string(types.StatusStopped))))
}

func TestEmptiedStatusDropsToZero(t *testing.T) {
	c, store := newCollector(t)

	server := &types.Server{ID: "srv-1", UUID: "uuid-1", NodeID: "node-1", Status: types.StatusCrashed}
	require.NoError(t, store.CreateServer(server))
	c.collect()
	require.Equal(t, float64(1), testutil.ToFloat64(ServersTotal.WithLabelValues(string(types.StatusCrashed))))

	server.Status = types.StatusRunning
	require.NoError(t, store.UpdateServer(server))
	c.collect()

	assert.Equal(t, float64(0), testutil.ToFloat64(ServersTotal.WithLabelValues(string(types.StatusCrashed))))
	assert.Equal(t, float64(1), testutil.ToFloat64(ServersTotal.WithLabelValues(string(types.StatusRunning))))
}

func TestDeliveryBacklogGauge(t *testing.T) {
	c, store := newCollector(t)
	attempted := time.Now().UTC().Add(-time.Minute)

	rows := []*types.AlertDelivery{
		{ID: "d-1", AlertID: "a-1", Status: types.DeliveryFailed, Attempts: 1, LastAttemptAt: &attempted},
		{ID: "d-2", AlertID: "a-1", Status: types.DeliveryFailed, Attempts: 2, LastAttemptAt: &attempted},
		// Exhausted rows are not pending anymore.
		{ID: "d-3", AlertID: "a-1", Status: types.DeliveryFailed, Attempts: 3, LastAttemptAt: &attempted},
		{ID: "d-4", AlertID: "a-1", Status: types.DeliverySent, Attempts: 1, LastAttemptAt: &attempted},
	}
	for _, d := range rows {
		d.Channel = types.ChannelWebhook
		d.Target = "https://hooks.test/alerts"
		d.CreatedAt = time.Now().UTC()
		require.NoError(t, store.CreateDelivery(d))
	}

	c.collect()

	assert.Equal(t, float64(2), testutil.ToFloat64(AlertDeliveriesPending))
}

func TestCollectorStartStop(t *testing.T) {
	c, _ := newCollector(t)

	c.Start()
	c.Stop()
	c.Stop()
}
