package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{
		101: "1xx",
		200: "2xx",
		204: "2xx",
		302: "3xx",
		403: "4xx",
		429: "4xx",
		502: "5xx",
		503: "5xx",
	}
	for code, want := range tests {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %s, want %s", code, got, want)
		}
	}
}

func scrape(t *testing.T) string {
	t.Helper()
	r := gin.New()
	r.GET("/metrics", Handler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestHandler_ExposesCollectors(t *testing.T) {
	TuningReloadsTotal.WithLabelValues("applied").Inc()

	body := scrape(t)
	for _, name := range []string{
		"sentinel_realtime_watchers",
		"sentinel_http_in_flight_requests",
		"sentinel_tuning_reloads_total",
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}

func TestMiddleware_LabelsByRoute(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/users/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/users/:id", "2xx"))
	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/users/"+id, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, before+2, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/users/:id", "2xx")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")), 1.0)
	assert.Zero(t, testutil.ToFloat64(HTTPInFlight))
}

func TestRegisterDB(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, RegisterDB(db, "metrics_test"))
	require.NoError(t, RegisterDB(db, "metrics_test"), "second registration is a no-op")

	assert.Contains(t, scrape(t), `go_sql_open_connections{db_name="metrics_test"}`)
}
