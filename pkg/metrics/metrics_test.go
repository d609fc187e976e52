package metrics

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestCronJobMetricsExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronJobMetrics(reg)
	job := "notification-aggregation"
	m.ObserveDuration(job, 250*time.Millisecond)
	m.IncSuccess(job)
	m.IncSuccess(job)
	m.IncFailure(job)
	m.IncSkipped("aggregation")

	mfs, err := reg.Gather()
	require.NoError(t, err)

	got, err := counterValue(mfs, "tabsplit_cron_job_runs_total", map[string]string{"job": job, "outcome": "success"})
	require.NoError(t, err)
	require.Equal(t, 2.0, got)

	got, err = counterValue(mfs, "tabsplit_cron_job_runs_total", map[string]string{"job": job, "outcome": "failure"})
	require.NoError(t, err)
	require.Equal(t, 1.0, got)

	got, err = counterValue(mfs, "tabsplit_cron_cycles_skipped_total", map[string]string{"service": "aggregation"})
	require.NoError(t, err)
	require.Equal(t, 1.0, got)

	mf := findMetricFamily(mfs, "tabsplit_cron_job_duration_seconds")
	require.NotNil(t, mf)
	require.Greater(t, mf.GetMetric()[0].GetHistogram().GetSampleSum(), 0.0)
}

func TestPipelineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics(reg)
	m.IncIntake("activity_summary", "merged")
	m.IncGroup("enqueued")
	m.IncDelivery("sent")
	m.ObserveSend(120 * time.Millisecond)
	m.SetPending(map[string]int64{"invitation": 3})
	m.SetQueueDepth(map[string]int64{"queued": 4})

	mfs, err := reg.Gather()
	require.NoError(t, err)

	got, err := counterValue(mfs, "tabsplit_intake_submissions_total", map[string]string{"kind": "activity_summary", "outcome": "merged"})
	require.NoError(t, err)
	require.Equal(t, 1.0, got)

	got, err = gaugeValue(mfs, "tabsplit_intake_pending_intents", map[string]string{"kind": "invitation"})
	require.NoError(t, err)
	require.Equal(t, 3.0, got)

	got, err = gaugeValue(mfs, "tabsplit_delivery_queue_depth", map[string]string{"state": "queued"})
	require.NoError(t, err)
	require.Equal(t, 4.0, got)
}

func TestNilRegistererIsNoop(t *testing.T) {
	var nilMetrics *PipelineMetrics
	nilMetrics.IncDelivery("sent")
	NewPipelineMetrics(nil).IncGroup("enqueued")
	NewCronJobMetrics(nil).IncSuccess("job")
}

func TestHTTPMetricsRecordsRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	done := m.Begin()
	done("POST", "/api/v1/notifications/intents", 202, 20*time.Millisecond)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	got, err := counterValue(mfs, "tabsplit_http_requests_total", map[string]string{
		"method": "POST",
		"path":   "/api/v1/notifications/intents",
		"status": "202",
	})
	require.NoError(t, err)
	require.Equal(t, 1.0, got)

	inflight := findMetricFamily(mfs, "tabsplit_http_requests_inflight")
	require.NotNil(t, inflight)
	require.Zero(t, inflight.GetMetric()[0].GetGauge().GetValue())
}

func TestHandlerServesGatheredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPipelineMetrics(reg).IncDelivery("sent")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), `tabsplit_delivery_attempts_total{outcome="sent"} 1`)
}

func counterValue(mfs []*dto.MetricFamily, name string, labels map[string]string) (float64, error) {
	metric, err := findMetric(mfs, name, labels)
	if err != nil {
		return 0, err
	}
	return metric.GetCounter().GetValue(), nil
}

func gaugeValue(mfs []*dto.MetricFamily, name string, labels map[string]string) (float64, error) {
	metric, err := findMetric(mfs, name, labels)
	if err != nil {
		return 0, err
	}
	return metric.GetGauge().GetValue(), nil
}

func findMetric(mfs []*dto.MetricFamily, name string, labels map[string]string) (*dto.Metric, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return nil, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabels(metric.GetLabel(), labels) {
			return metric, nil
		}
	}
	return nil, fmt.Errorf("metric %q missing labels %v", name, labels)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, pair := range pairs {
		if v, ok := want[pair.GetName()]; ok && v == pair.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", prometheus.NewRegistry()) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
