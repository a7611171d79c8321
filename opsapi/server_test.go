package opsapi

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthz_OkBeforeAnyCycle(t *testing.T) {
	status := NewStatus()
	srv := New(status, false, 0)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHealthz_DegradedAfterCycleError(t *testing.T) {
	status := NewStatus()
	status.Record(42, errors.New("boom"))
	srv := New(status, false, 0)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), `"cursor":42`)
}

func TestMetrics_OnlyRegisteredWhenEnabled(t *testing.T) {
	status := NewStatus()
	srv := New(status, false, 0)
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	assert.Equal(t, 404, rec.Code)

	srv2 := New(status, true, 0)
	req2 := httptest.NewRequest("GET", "/metrics", nil)
	rec2 := httptest.NewRecorder()
	srv2.echo.ServeHTTP(rec2, req2)
	require.NotEqual(t, 404, rec2.Code)
}

func TestVersion_ReportsGoVersionField(t *testing.T) {
	status := NewStatus()
	srv := New(status, false, 0)

	req := httptest.NewRequest("GET", "/version", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"goVersion"`)
}
