package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"satei-lead-relay/internal/config"
	"satei-lead-relay/internal/db/dbtest"
	"satei-lead-relay/internal/handler"
	"satei-lead-relay/internal/kv"
	"satei-lead-relay/internal/metrics"
	"satei-lead-relay/internal/repository"
)

func TestSetupRouter(t *testing.T) {
	gdb := dbtest.Open(t)
	reg := prometheus.NewRegistry()
	h := handler.NewHandlers(gdb, repository.New(gdb), nil, kv.NewMemoryStore(), metrics.NewMetrics(reg), reg,
		config.QueryConfig{DefaultCap: 100, DefaultPerPage: 100})
	r := SetupRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Paths without the trailing slash are redirected.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/check-new", nil))
	assert.Equal(t, http.StatusMovedPermanently, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
