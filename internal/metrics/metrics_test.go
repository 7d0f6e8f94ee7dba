package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := metrics.New(reg)
	require.NoError(t, err)

	m.IncQueries("udp")
	m.IncQueries("udp")
	m.IncDropped(metrics.ReasonAuth)
	m.SetSessions(3)
	m.SetCertExpiration(time.Unix(1_700_000_000, 0))
	m.ObserveUpstream("tcp", time.Millisecond)

	const want = `
# HELP dnscrypt_wrapper_queries_total The number of decrypted client queries.
# TYPE dnscrypt_wrapper_queries_total counter
dnscrypt_wrapper_queries_total{proto="udp"} 2
# HELP dnscrypt_wrapper_sessions The number of in-flight upstream queries.
# TYPE dnscrypt_wrapper_sessions gauge
dnscrypt_wrapper_sessions 3
`

	err = testutil.GatherAndCompare(
		reg,
		strings.NewReader(want),
		"dnscrypt_wrapper_queries_total",
		"dnscrypt_wrapper_sessions",
	)
	assert.NoError(t, err)

	_, err = metrics.New(reg)
	assert.Error(t, err)

	rw := httptest.NewRecorder()
	metrics.Handler(reg).ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), "dnscrypt_wrapper_certificate_expiry_timestamp_seconds 1.7e+09")
}

func TestMetrics_nil(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.IncQueries("udp")
		m.IncDropped(metrics.ReasonSpoof)
		m.SetSessions(1)
	})
}
