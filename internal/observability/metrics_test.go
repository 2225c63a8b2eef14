package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/umicp/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("node-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordConnectionOpened("tcp")
	RecordConnectionClosed("tcp", true)
	RecordConnectionRejected("tcp")
	RecordTransportError("decode")
	RecordMatrixOp("dot_product", time.Microsecond, nil)
	RecordMatrixOp("dot_product", time.Microsecond, errors.New("boom"))
}

func TestRecordFrameCounts(t *testing.T) {
	testlog.Start(t)
	frames := transportFrames.WithLabelValues("test-net", "out")
	bytes := transportBytes.WithLabelValues("test-net", "out")
	beforeFrames := testutil.ToFloat64(frames)
	beforeBytes := testutil.ToFloat64(bytes)

	RecordFrame("test-net", "out", 40)
	RecordFrame("test-net", "out", 2)

	assert.Equal(t, beforeFrames+2, testutil.ToFloat64(frames))
	assert.Equal(t, beforeBytes+42, testutil.ToFloat64(bytes))

	before := testutil.ToFloat64(transportBackpressure)
	RecordBackpressure()
	assert.Equal(t, before+1, testutil.ToFloat64(transportBackpressure))
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(zerolog.Nop()), RequestMetricsMiddleware("node-mw"))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	counter := httpRequests.WithLabelValues("node-mw", "GET", "/ping", "200")
	before := testutil.ToFloat64(counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
