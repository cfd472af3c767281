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
)

func TestRecordHandleEventAdjustsGauge(t *testing.T) {
	before := testutil.ToFloat64(handlesOpen.WithLabelValues("test-gauge"))

	RecordHandleEvent("test-gauge", EventCreated)
	RecordHandleEvent("test-gauge", EventCreated)
	RecordHandleEvent("test-gauge", EventEvicted)
	RecordHandleEvent("test-gauge", EventKeepAlive)

	assert.Equal(t, before+1, testutil.ToFloat64(handlesOpen.WithLabelValues("test-gauge")))
	assert.Equal(t, float64(1), testutil.ToFloat64(handleEventsTotal.WithLabelValues("test-gauge", EventKeepAlive)))
}

func TestRecordRemoteOperation(t *testing.T) {
	RecordRemoteOperation("test-op", "head", 5*time.Millisecond, true)
	RecordRemoteOperation("test-op", "head", 5*time.Millisecond, false)
	RecordRemoteOperation("test-op", "head", 5*time.Millisecond, false)

	assert.Equal(t, float64(1), testutil.ToFloat64(remoteOperationsTotal.WithLabelValues("test-op", "head", "success")))
	assert.Equal(t, float64(2), testutil.ToFloat64(remoteOperationsTotal.WithLabelValues("test-op", "head", "error")))
}

func TestRecordBytesIgnoresNonPositive(t *testing.T) {
	RecordBytesRead("test-bytes", 0)
	RecordBytesRead("test-bytes", 10)
	RecordBytesUploaded("test-bytes", -1)
	RecordBytesUploaded("test-bytes", 4)

	assert.Equal(t, float64(10), testutil.ToFloat64(bytesRead.WithLabelValues("test-bytes")))
	assert.Equal(t, float64(4), testutil.ToFloat64(bytesUploaded.WithLabelValues("test-bytes")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordAttrCacheLookup(true)
	RecordAcquireWait("test-handler", time.Millisecond)
	RecordSweep(time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, name := range []string{
		"remotefs_attr_cache_lookups_total",
		"remotefs_pool_acquire_wait_seconds",
		"remotefs_pool_sweep_duration_seconds",
	} {
		assert.True(t, strings.Contains(body, name), name)
	}
}
