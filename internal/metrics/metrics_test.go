package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.tasksSubmitted)
	assert.NotNil(t, collector.tasksDispatched)
	assert.NotNil(t, collector.tasksCompleted)
	assert.NotNil(t, collector.tasksFailed)
	assert.NotNil(t, collector.taskLatency)
	assert.NotNil(t, collector.poolReady)
	assert.NotNil(t, collector.poolReserved)
	assert.NotNil(t, collector.poolInFlight)
	assert.NotNil(t, collector.sessionsConnected)
}

func TestRecordSubmit(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		for i := 0; i < 5; i++ {
			collector.RecordSubmit()
		}
	})
}

func TestRecordDispatch(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		for i := 0; i < 10; i++ {
			collector.RecordDispatch()
		}
	})
}

func TestRecordCompleted(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	for _, d := range []time.Duration{time.Millisecond, 10 * time.Millisecond, time.Second} {
		dispatchedAt := time.Now().Add(-d)
		assert.NotPanics(t, func() {
			collector.RecordCompleted(dispatchedAt)
		})
	}
}

func TestRecordFailed(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		for i := 0; i < 3; i++ {
			collector.RecordFailed(time.Now())
		}
	})
}

func TestUpdatePoolStats(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	testCases := []struct {
		name               string
		ready, reserved, f int
	}{
		{"zero values", 0, 0, 0},
		{"normal values", 10, 5, 2},
		{"high ready", 100, 8, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				collector.UpdatePoolStats(tc.ready, tc.reserved, tc.f)
			})
		})
	}
}

func TestSetSessionsConnected(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.SetSessionsConnected(3)
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordSubmit()
			collector.RecordDispatch()
			collector.RecordCompleted(time.Now())
			collector.UpdatePoolStats(10, 5, 2)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestCollectorIsolation(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	// A second collector in the same registry panics on duplicate
	// registration; a process should have only one collector.
	assert.Panics(t, func() {
		NewCollector()
	})
}

func TestTaskLifecycleSequence(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordSubmit()
		collector.UpdatePoolStats(1, 0, 0)

		collector.RecordDispatch()
		collector.UpdatePoolStats(0, 0, 1)

		collector.RecordCompleted(time.Now().Add(-500 * time.Millisecond))
		collector.UpdatePoolStats(0, 0, 0)
	})
}

func TestTaskFailureSequence(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordSubmit()
		collector.RecordDispatch()
		collector.RecordFailed(time.Now())
	})
}
