package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Registered(t *testing.T) {
	QueueOperations.WithLabelValues("enqueue").Inc()
	HubConnections.Set(3)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["wellsync_queue_operations_total"])
	assert.True(t, names["wellsync_hub_connections"])
}

func TestMetrics_Values(t *testing.T) {
	before := testutil.ToFloat64(SyncRecords.WithLabelValues("ok"))
	SyncRecords.WithLabelValues("ok").Add(2)
	assert.Equal(t, before+2, testutil.ToFloat64(SyncRecords.WithLabelValues("ok")))

	ChannelState.WithLabelValues("open").Set(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(ChannelState.WithLabelValues("open")))
}
