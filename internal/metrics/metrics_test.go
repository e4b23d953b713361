package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/agentctl/internal/types"
)

func newTestCollectors(t *testing.T) (*Collectors, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(reg), reg
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestObserveStatusUpdatesGauges(t *testing.T) {
	c, _ := newTestCollectors(t)
	c.ObserveStatus(3, 2, 1)
	require.Equal(t, float64(3), gaugeValue(t, c.QueueDepth))
	require.Equal(t, float64(2), gaugeValue(t, c.WorkersBusy))
	require.Equal(t, float64(1), gaugeValue(t, c.WorkersIdle))
}

func TestRecordTerminalIncrementsByState(t *testing.T) {
	c, _ := newTestCollectors(t)
	c.RecordTerminal(types.TaskComplete)
	c.RecordTerminal(types.TaskComplete)
	c.RecordTerminal(types.TaskFailed)

	var m dto.Metric
	require.NoError(t, c.TasksTerminal.WithLabelValues("complete").Write(&m))
	require.Equal(t, float64(2), m.GetCounter().GetValue())

	var mf dto.Metric
	require.NoError(t, c.TasksTerminal.WithLabelValues("failed").Write(&mf))
	require.Equal(t, float64(1), mf.GetCounter().GetValue())
}

func TestRecordDetectionBySeverity(t *testing.T) {
	c, _ := newTestCollectors(t)
	c.RecordDetection(types.SeverityWarn)

	var m dto.Metric
	require.NoError(t, c.Detections.WithLabelValues("warn").Write(&m))
	require.Equal(t, float64(1), m.GetCounter().GetValue())
}

func TestRecordHeartbeatDriftObservesAbsoluteDeviation(t *testing.T) {
	c, _ := newTestCollectors(t)
	c.RecordHeartbeatDrift(180*time.Second, 175*time.Second)

	var m dto.Metric
	require.NoError(t, c.HeartbeatDrift.Write(&m))
	require.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}
