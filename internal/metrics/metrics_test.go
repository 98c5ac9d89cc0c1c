package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExposure(t *testing.T) {
	ObservePost("plain", "ok")
	ObserveIncrement("RETWEETS", "applied")
	ObserveUnit(time.Now().Add(-150 * time.Millisecond))
	SetBreakerOpen(false)
	IncCommandRun("load")
	IncCommandError("load")
	IncAPIRetry("/test")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, m := range []string{
		"tweetgraph_posts_total",
		"tweetgraph_counter_increments_total",
		"tweetgraph_unit_of_work_duration_seconds",
		"tweetgraph_store_breaker_open",
		"tweetgraph_command_runs_total",
		"tweetgraph_command_errors_total",
		"tweetgraph_api_retries_total",
	} {
		assert.Contains(t, body, m)
	}
}
