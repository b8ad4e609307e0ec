package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenwatch/sentinel/internal/config"
	"github.com/havenwatch/sentinel/internal/core"
	"github.com/havenwatch/sentinel/internal/notification"
	"github.com/havenwatch/sentinel/internal/scheduler"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{
		Telemetry: config.TelemetryConfig{
			MaxSamplesPerMetric: 1000,
			TrimTo:              500,
			LockWait:            time.Second,
		},
		Alerting: config.AlertingConfig{
			Epsilon:               1e-3,
			DebounceWindow:        5 * time.Minute,
			BaselineCapacity:      100,
			BaselineTrimTo:        50,
			BaselineMinValues:     10,
			BlendFactor:           0.8,
			MaxAlertHistory:       100,
			IncidentSeverityFloor: "high",
			LockWait:              time.Second,
			Rules: []config.AlertRuleConfig{{
				ID:               "cpu-high",
				Metric:           "cpu",
				Comparator:       ">",
				Threshold:        80,
				Severity:         "high",
				CooldownSeconds:  300,
				MaxAlertsPerHour: 5,
			}},
		},
		Incidents: config.IncidentsConfig{LockWait: time.Second},
		Response: config.ResponseConfig{
			PerformedBy: "auto-responder",
			LockWait:    time.Second,
			Rules: []config.ResponseRuleConfig{{
				ID:            "anomaly-response",
				IncidentKind:  "telemetry-anomaly",
				SeverityFloor: "medium",
				Actions:       []string{"investigate"},
				Enabled:       true,
			}},
		},
		Notifications: config.NotificationsConfig{
			RatePerMinute:  600,
			Burst:          100,
			RequestTimeout: time.Second,
		},
	}

	c, err := core.New(cfg, logger, &notification.MemoryDispatcher{})
	require.NoError(t, err)

	router := mux.NewRouter()
	NewHTTPHandler(logger, c, scheduler.NewRunner(logger)).RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decodeBody(t, resp)["status"])
}

func TestSampleIngressAndAlertQuery(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/telemetry/samples", map[string]interface{}{
		"metric": "cpu", "value": 95.0,
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/v1/alerts/active")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["count"])

	t.Run("invalid sample", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/v1/telemetry/samples", map[string]interface{}{
			"metric": "", "value": 1.0,
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/v1/telemetry/samples", "application/json",
			bytes.NewReader([]byte("{broken")))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestIncidentEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/incidents", map[string]interface{}{
		"kind":       "telemetry-anomaly",
		"severity":   "high",
		"title":      "memory anomaly",
		"subject_id": "host-2",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := decodeBody(t, resp)["incident_id"].(string)
	require.NotEmpty(t, id)

	t.Run("get", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/incidents/" + id)
		require.NoError(t, err)
		body := decodeBody(t, resp)
		assert.Equal(t, "investigating", body["status"], "the response rule ran on creation")
	})

	t.Run("records", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/incidents/" + id + "/records")
		require.NoError(t, err)
		body := decodeBody(t, resp)
		assert.Equal(t, float64(1), body["count"])
	})

	t.Run("summary", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/incidents/summary?subject_id=host-2")
		require.NoError(t, err)
		body := decodeBody(t, resp)
		assert.Equal(t, float64(1), body["total"])
	})

	t.Run("resolve", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/v1/incidents/"+id+"/resolve", map[string]interface{}{
			"notes": "false positive", "resolved_by": "analyst-1",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/incidents/nope")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unknown severity is 400", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/v1/incidents", map[string]interface{}{
			"kind": "x", "severity": "terrible", "title": "t",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestConfigReloadEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/config/rules", bytes.NewReader(mustMarshal(t, map[string]interface{}{
		"alert_rules": []map[string]interface{}{{
			"id": "mem-high", "metric": "mem", "comparator": ">", "threshold": 90.0,
			"severity": "medium", "max_alerts_per_hour": 5,
		}},
		"response_rules": []map[string]interface{}{},
	})))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	t.Run("bad rule is rejected", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/config/rules", bytes.NewReader(mustMarshal(t, map[string]interface{}{
			"alert_rules": []map[string]interface{}{{
				"id": "bad", "metric": "m", "comparator": "~", "threshold": 1.0,
				"severity": "low", "max_alerts_per_hour": 5,
			}},
		})))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSnapshotEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/telemetry/samples", map[string]interface{}{
		"metric": "cpu", "value": 95.0,
	})
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/v1/snapshot")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	resp, err = http.Post(srv.URL+"/v1/snapshot", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	t.Run("malformed snapshot is 400", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/v1/snapshot", "application/json",
			bytes.NewReader([]byte(`{"version": 99}`)))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
