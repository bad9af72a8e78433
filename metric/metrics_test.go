package metric

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueHooks(t *testing.T) {
	m := New()

	m.EventDispatched(5 * time.Millisecond)
	m.EventDispatched(10 * time.Millisecond)
	m.EventDropped()
	m.QueueLength(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsDispatched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueLen))
}

func TestQueryMatchesByName(t *testing.T) {
	m := New()
	m.QueryMatches.WithLabelValues("PoseQuery").Inc()
	m.QueryMatches.WithLabelValues("PoseQuery").Inc()
	m.QueryMatches.WithLabelValues("Other").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueryMatches.WithLabelValues("PoseQuery")))
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.SRGNodes.Set(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "utdataflow_srg_nodes 4")
}

func TestIndependentRegistries(t *testing.T) {
	// two instances must not collide on registration
	require.NotPanics(t, func() {
		_ = New()
		_ = New()
	})
}
