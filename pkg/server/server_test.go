package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perihelia/guildvault/pkg/jobs"
)

func TestCORSHeadersOnEveryResponse(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(t, srv, http.MethodGet, "/guilds", nil)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/scrape/start", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestHealthReportsDatasource(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status              string `json:"status"`
		UptimeSeconds       int64  `json:"uptime_seconds"`
		Datasource          string `json:"datasource"`
		DatasourceAvailable bool   `json:"datasource_available"`
	}
	decodeBody(t, w, &body)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "sqlite", body.Datasource)
	assert.True(t, body.DatasourceAvailable)
}

func TestMethodMismatchRejected(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/scrape/start", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = do(t, srv, http.MethodPost, "/scrape/status", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestJobsSocketPushesSnapshots(t *testing.T) {
	srv, _ := testServer(t)

	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer ws.Close()

	// The first snapshot arrives without waiting for a tick.
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var snap struct {
		Scrape   *jobs.ScrapeJob   `json:"scrape"`
		Download *jobs.DownloadJob `json:"download"`
		Transfer *jobs.TransferJob `json:"transfer"`
		SentAt   time.Time         `json:"sent_at"`
	}
	require.NoError(t, ws.ReadJSON(&snap))
	assert.Nil(t, snap.Scrape)
	assert.Nil(t, snap.Download)
	assert.Nil(t, snap.Transfer)
	assert.False(t, snap.SentAt.IsZero())

	// Subsequent frames follow roughly once per second.
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	require.NoError(t, ws.ReadJSON(&snap))
}

func TestServerStartAndStop(t *testing.T) {
	srv, _ := testServer(t)
	srv.config.Host = "127.0.0.1"
	srv.config.Port = 0 // pick a free port

	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.NoError(t, srv.Stop())
}
