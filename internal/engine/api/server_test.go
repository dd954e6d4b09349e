package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukleadgen/leadgen-backend/internal/engine"
	"github.com/ukleadgen/leadgen-backend/internal/engine/cache"
	"github.com/ukleadgen/leadgen-backend/internal/engine/campaign"
	"github.com/ukleadgen/leadgen-backend/internal/engine/monitor"
	"github.com/ukleadgen/leadgen-backend/internal/engine/retry"
	"github.com/ukleadgen/leadgen-backend/internal/engine/sink"
	"github.com/ukleadgen/leadgen-backend/pkg/logging"
)

func newTestServer(t *testing.T) (*Server, *engine.Engine, chan struct{}) {
	t.Helper()
	mon := monitor.New(monitor.DefaultConfig(), logging.NoopLogger{})
	eng := engine.New(
		engine.Config{
			MaxConcurrent:    2,
			CampaignTimeout:  time.Minute,
			StopOnErrorCount: 100,
			DefaultRetry:     retry.DefaultConfig(),
		},
		cache.New(cache.DefaultConfig(), logging.NoopLogger{}),
		mon,
		sink.NewMemorySink(),
		logging.NoopLogger{},
	)
	t.Cleanup(eng.Close)

	release := make(chan struct{})
	eng.RegisterHandler("gated", func(ctx context.Context, _ map[string]string) (interface{}, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	return NewServer(eng, mon, logging.NoopLogger{}), eng, release
}

func submitGated(t *testing.T, eng *engine.Engine) string {
	t.Helper()
	id, err := eng.Submit(&campaign.Campaign{
		Name:  "api-test",
		Tasks: []campaign.TaskSpec{{ID: "a", Type: "gated"}},
	})
	require.NoError(t, err)
	return id
}

func doRequest(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestEngineStatusRoute(t *testing.T) {
	s, eng, release := newTestServer(t)
	submitGated(t, eng)
	defer close(release)

	rec := doRequest(s, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var st engine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, engine.StateRunning, st.State)
	assert.Equal(t, "api-test", st.CampaignName)
}

func TestCampaignStatusRoute(t *testing.T) {
	s, eng, release := newTestServer(t)
	id := submitGated(t, eng)
	defer close(release)

	rec := doRequest(s, http.MethodGet, "/api/v1/campaigns/"+id+"/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var st engine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, id, st.CampaignID)

	rec = doRequest(s, http.MethodGet, "/api/v1/campaigns/no-such-id/status")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseResumeStopRoutes(t *testing.T) {
	s, eng, release := newTestServer(t)
	submitGated(t, eng)
	defer close(release)

	rec := doRequest(s, http.MethodPost, "/api/v1/engine/pause")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, engine.StatePaused, eng.Status().State)

	rec = doRequest(s, http.MethodPost, "/api/v1/engine/pause")
	assert.Equal(t, http.StatusConflict, rec.Code, "double pause rejected")

	rec = doRequest(s, http.MethodPost, "/api/v1/engine/resume")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, engine.StateRunning, eng.Status().State)

	rec = doRequest(s, http.MethodPost, "/api/v1/engine/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, engine.StateStopped, eng.Status().State)

	rec = doRequest(s, http.MethodPost, "/api/v1/engine/stop")
	assert.Equal(t, http.StatusConflict, rec.Code, "nothing left to stop")
}

func TestMonitorExportRoute(t *testing.T) {
	s, _, release := newTestServer(t)
	close(release)

	rec := doRequest(s, http.MethodGet, "/api/v1/monitor/export")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Contains(t, doc, "operation_stats")
}

func TestMetricsRoute(t *testing.T) {
	s, _, release := newTestServer(t)
	close(release)

	rec := doRequest(s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "leadgen_engine_uptime_seconds")
}
