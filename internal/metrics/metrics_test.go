package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueGaugesReadOnScrape(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	length := 3
	m.QueueGauges(func() (int, int) { return length, 10 })

	n, err := testutil.GatherAndCount(reg, "otter_queue_depth", "otter_queue_capacity")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	length = 7
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "otter_queue_depth" {
			assert.Equal(t, 7.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
}

func TestSetStateIsOneHot(t *testing.T) {
	m := Discard()
	all := []string{"idle", "running", "terminated"}
	m.SetState("running", all)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SupervisorState.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SupervisorState.WithLabelValues("idle")))

	m.SetState("terminated", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SupervisorState.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SupervisorState.WithLabelValues("terminated")))
}
