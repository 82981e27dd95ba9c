package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotDerivesSuccessRateAndAverage(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.RecordSubmitted()
	c.RecordCompleted(10 * time.Millisecond)
	c.RecordSubmitted()
	c.RecordFailed(30 * time.Millisecond)

	snap := c.Snapshot()
	assert.EqualValues(t, 2, snap.Submitted)
	assert.EqualValues(t, 1, snap.Completed)
	assert.EqualValues(t, 1, snap.Failed)
	assert.InDelta(t, 0.5, snap.SuccessRate, 0.0001)
	assert.InDelta(t, 20, snap.AverageExecMs, 0.0001)
}

func TestSnapshotWithNoFinishedTasksHasZeroRate(t *testing.T) {
	c := New(prometheus.NewRegistry())
	snap := c.Snapshot()
	assert.Zero(t, snap.SuccessRate)
	assert.Zero(t, snap.AverageExecMs)
}

func TestWorkerUtilizationReflectsBusyTime(t *testing.T) {
	c := New(prometheus.NewRegistry())
	ws := c.RegisterWorker()

	ws.SetBusy(true)
	time.Sleep(20 * time.Millisecond)
	ws.SetBusy(false)
	time.Sleep(20 * time.Millisecond)

	snap := c.Snapshot()
	require.Len(t, snap.WorkerUtilization, 1)
	assert.Greater(t, snap.WorkerUtilization[0], 0.0)
	assert.Less(t, snap.WorkerUtilization[0], 1.0)
}

func TestForgetClearsWorkers(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.RegisterWorker()
	c.RegisterWorker()
	require.Len(t, c.Snapshot().WorkerUtilization, 2)

	c.Forget()
	assert.Len(t, c.Snapshot().WorkerUtilization, 0)
}
