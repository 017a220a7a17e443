package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sifan077/quicklink/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Notification(OutcomeDelivered)
		m.NotificationN(OutcomeFailed, 3)
		m.ConnectionsPruned(1)
		m.ChangeRecord(OutcomeEmitted)
		m.ChangeBatch("OK")
		m.ClickIncrement(OutcomeApplied)
		m.AccessEventSuppressed()
		m.LocalConnections(1)
	})
}

func TestMetricsRecord(t *testing.T) {
	reg := prom.NewRegistry()
	m := NewMetrics(reg)

	m.NotificationN(OutcomeDelivered, 2)
	m.Notification(OutcomeDelivered)
	m.NotificationN(OutcomeFailed, 0)
	m.LocalConnections(1)
	m.LocalConnections(1)
	m.LocalConnections(-1)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.notifications.WithLabelValues(OutcomeDelivered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.liveConnections))
	assert.Equal(t, 1, testutil.CollectAndCount(m.notifications))
}

func TestServerExposesRegistry(t *testing.T) {
	reg := prom.NewRegistry()
	NewMetrics(reg).ChangeBatch("OK")

	srv := NewServer(config.PrometheusConfig{}, reg)
	assert.Equal(t, ":9090", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `quicklink_change_batches_total{result="OK"} 1`))
}
