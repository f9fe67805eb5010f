package metric

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/meshweb/internal/routetable"
	"github.com/rmacdonaldsmith/meshweb/pkg/web"
)

func responseEvent(channel string, code int) *web.Event {
	req := web.NewRequest("GET", "/x", "")
	req.Channel = channel
	req.Received = time.Now().Add(-10 * time.Millisecond)
	resp := web.NewResponse(req)
	resp.SetStatus(code, "")
	return &web.Event{Name: web.EventResponse, Request: req, Response: resp}
}

func TestObserve(t *testing.T) {
	m := New(nil)

	for _, ev := range []*web.Event{
		responseEvent("/users:GET", http.StatusOK),
		responseEvent("/users:GET", http.StatusOK),
		responseEvent("/users:GET", http.StatusInternalServerError),
		responseEvent("", http.StatusNotFound),
	} {
		v, err := m.Observe(context.Background(), ev)
		require.NoError(t, err)
		assert.Nil(t, v)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/users:GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/users:GET", "500")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(UnroutedChannel, "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerErrors.WithLabelValues("/users:GET")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.RequestDuration))
}

func TestRoutesGauge(t *testing.T) {
	table := routetable.NewInMemoryRouteTable()
	defer table.Close()

	m := New(table)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Routes))

	require.NoError(t, table.Add(context.Background(), "/a:index"))
	require.NoError(t, table.Add(context.Background(), "/b:GET"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Routes))
}

func TestHandler(t *testing.T) {
	m := New(nil)
	_, _ = m.Observe(context.Background(), responseEvent("/ping:index", http.StatusOK))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), `meshweb_requests_total{channel="/ping:index",code="200"} 1`))
	assert.Contains(t, string(body), "meshweb_routes 0")
}
