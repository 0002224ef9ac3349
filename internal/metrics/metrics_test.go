package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ExposesRelayCollectors(t *testing.T) {
	MessagesTotal.WithLabelValues("sent").Inc()
	FallbacksTotal.WithLabelValues("start-chat").Inc()
	BreakerState.WithLabelValues("backend").Set(2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, name := range []string{
		"relay_messages_total",
		"relay_fallbacks_total",
		"relay_breaker_state",
		"relay_connections_total",
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}

func TestBreakerState_Value(t *testing.T) {
	BreakerState.WithLabelValues("probe").Set(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(BreakerState.WithLabelValues("probe")))
}
