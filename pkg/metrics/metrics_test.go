package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/schedule"
)

func TestSchedulerObserver(t *testing.T) {
	m := NewMetrics()
	var _ schedule.Observer = m

	m.TaskRun(schedule.KindTimer, "pipeline-1", schedule.OutcomeContinue, 200*time.Microsecond)
	m.TaskRun(schedule.KindTimer, "pipeline-1", schedule.OutcomeContinue, 300*time.Microsecond)
	m.TaskRun(schedule.KindTimer, "pipeline-1", schedule.OutcomeStop, 100*time.Microsecond)
	m.TaskOverrun(schedule.KindDMA, "pipeline-2")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.taskRuns.WithLabelValues("timer", "pipeline-1", "continue")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskRuns.WithLabelValues("timer", "pipeline-1", "stop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskOverruns.WithLabelValues("dma", "pipeline-2")))
}

func TestPipelineObserver(t *testing.T) {
	m := NewMetrics()

	m.PipelineStatus(1, domain.StateReady)
	m.PipelineStatus(1, domain.StateActive)
	m.Xrun(1, 3, 128)
	m.Xrun(1, 3, 64)
	m.Xrun(1, 4, 0)

	assert.Equal(t, float64(domain.StateActive), testutil.ToFloat64(m.pipelineStatus.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pipelineTransitions.WithLabelValues("1", "active")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.xrunsTotal.WithLabelValues("1", "3")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.xrunsTotal.WithLabelValues("1", "4")))
	assert.Equal(t, 192.0, testutil.ToFloat64(m.xrunBytes.WithLabelValues("1")))

	m.ForgetPipeline(1)
	assert.Equal(t, 0, testutil.CollectAndCount(m.pipelineStatus))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := NewMetrics()
	m.RecordTopologyReload("success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `dsp_topology_reloads_total{status="success"} 1`))
}

func TestMetricsMiddleware(t *testing.T) {
	m := NewMetrics()
	h := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/debug/x", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "health", "418")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "unknown", "418")))
}
