package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tradesys/botkeeper/internal/ipc"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

type testServer struct {
	srv  *Server
	http *httptest.Server
}

// newTestServer builds a control plane over two long-sleeping stub bots. The
// script names carry a random-looking suffix so the orphan sweep in other
// tests can never match them.
func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	dir := t.TempDir()
	grid := writeScript(t, dir, "cp-grid-7a31f0.sh", "exec sleep 30")
	scalp := writeScript(t, dir, "cp-scalp-b82c44.sh", "exec sleep 30")
	yaml := fmt.Sprintf("bots:\n  - kind: grid\n    name: Grid Bot\n    script: %s\n  - kind: scalp\n    script: %s\n", grid, scalp)
	return newTestServerWithYAML(t, dir, yaml, mutate)
}

func newTestServerWithYAML(t *testing.T, dir, yaml string, mutate func(*Config)) *testServer {
	t.Helper()
	botsPath := filepath.Join(dir, "bots.yaml")
	require.NoError(t, os.WriteFile(botsPath, []byte(yaml), 0o644))

	cfg := Config{
		DBPath:         filepath.Join(dir, "db", "botkeeper.db"),
		BotsFile:       botsPath,
		DataDir:        filepath.Join(dir, "data"),
		LogsDir:        filepath.Join(dir, "logs"),
		LivenessWindow: 150 * time.Millisecond,
		StopGrace:      2 * time.Second,
		RestartSettle:  50 * time.Millisecond,
		DisableSweep:   true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		srv.Manager().StopAll(ctx)
		ts.Close()
		_ = srv.Close()
	})
	return &testServer{srv: srv, http: ts}
}

func (ts *testServer) request(t *testing.T, method, path, body string, hdr map[string]string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func TestLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	code, raw := ts.request(t, "POST", "/api/bots/grid/start", "", nil)
	require.Equal(t, 200, code, "start: %s", raw)
	assert.True(t, gjson.GetBytes(raw, "ok").Bool())
	assert.Greater(t, gjson.GetBytes(raw, "pid").Int(), int64(0))

	code, raw = ts.request(t, "POST", "/api/bots/grid/start", "", nil)
	assert.Equal(t, http.StatusConflict, code, "second start: %s", raw)

	code, raw = ts.request(t, "GET", "/api/bots/grid/status", "", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, "running", gjson.GetBytes(raw, "status").String())
	assert.NotEmpty(t, gjson.GetBytes(raw, "uptime").String())

	code, raw = ts.request(t, "POST", "/api/bots/grid/stop", "", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, "stopped", gjson.GetBytes(raw, "message").String())

	code, raw = ts.request(t, "POST", "/api/bots/grid/stop", "", nil)
	require.Equal(t, 200, code, "idempotent stop must stay a success")
	assert.Equal(t, "already stopped", gjson.GetBytes(raw, "message").String())

	code, raw = ts.request(t, "GET", "/api/bots/grid/status", "", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, "stopped", gjson.GetBytes(raw, "status").String())
}

func TestUnknownKind(t *testing.T) {
	ts := newTestServer(t, nil)

	code, _ := ts.request(t, "POST", "/api/bots/nope/start", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = ts.request(t, "GET", "/api/bots/nope/status", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestBatchEndpointsAndSummary(t *testing.T) {
	ts := newTestServer(t, nil)

	code, raw := ts.request(t, "POST", "/api/bots/start_all", "", nil)
	require.Equal(t, 200, code)
	assert.True(t, gjson.GetBytes(raw, "ok").Bool())
	assert.Equal(t, "started 2/2 bots", gjson.GetBytes(raw, "message").String())

	code, raw = ts.request(t, "GET", "/api/bots/", "", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, int64(2), gjson.GetBytes(raw, "summary.total").Int())
	assert.Equal(t, int64(2), gjson.GetBytes(raw, "summary.active").Int())
	assert.Equal(t, int64(0), gjson.GetBytes(raw, "summary.inactive").Int())

	// status_all also refreshes the shared status file
	statusPath := filepath.Join(ts.srv.cfg.DataDir, "bot_status.json")
	blob, err := os.ReadFile(statusPath)
	require.NoError(t, err)
	assert.Equal(t, "running", gjson.GetBytes(blob, "grid.status").String())

	code, raw = ts.request(t, "POST", "/api/bots/stop_all", "", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, "stopped 2/2 bots", gjson.GetBytes(raw, "message").String())

	code, raw = ts.request(t, "GET", "/api/bots/", "", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, int64(2), gjson.GetBytes(raw, "summary.inactive").Int())
}

func TestAPITokenAuth(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.APIToken = "sekret" })

	code, _ := ts.request(t, "GET", "/api/bots/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = ts.request(t, "GET", "/api/bots/", "", map[string]string{"Authorization": "Bearer sekret"})
	assert.Equal(t, 200, code)

	code, _ = ts.request(t, "GET", "/api/bots/", "", map[string]string{"X-API-Token": "sekret"})
	assert.Equal(t, 200, code)

	code, _ = ts.request(t, "GET", "/api/bots/?api_token=sekret", "", nil)
	assert.Equal(t, 200, code)

	code, _ = ts.request(t, "GET", "/api/bots/", "", map[string]string{"X-API-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)

	// probes stay open
	code, _ = ts.request(t, "GET", "/healthz", "", nil)
	assert.Equal(t, 200, code)
}

func TestOpRunsAudit(t *testing.T) {
	ts := newTestServer(t, nil)

	_, _ = ts.request(t, "POST", "/api/bots/grid/start", "", nil)
	_, _ = ts.request(t, "POST", "/api/bots/grid/stop", "", nil)

	code, raw := ts.request(t, "GET", "/api/ops/runs?limit=10", "", nil)
	require.Equal(t, 200, code)

	var runs []OpRun
	require.NoError(t, json.Unmarshal(raw, &runs))
	require.GreaterOrEqual(t, len(runs), 2)

	seen := map[string]bool{}
	for _, run := range runs {
		seen[run.Op] = true
		assert.Equal(t, "admin-override", run.Caller)
		require.NotNil(t, run.Kind)
		assert.Equal(t, "grid", *run.Kind)
		require.NotNil(t, run.OK)
		assert.True(t, *run.OK)
		assert.NotNil(t, run.FinishedAt)
	}
	assert.True(t, seen["start"])
	assert.True(t, seen["stop"])
}

func TestLogsTail(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "cp-logger-91fd02.sh", "echo hello-from-bot\nexec sleep 30")
	yaml := fmt.Sprintf("bots:\n  - kind: grid\n    script: %s\n", script)
	ts := newTestServerWithYAML(t, dir, yaml, nil)

	code, _ := ts.request(t, "POST", "/api/bots/grid/start", "", nil)
	require.Equal(t, 200, code)

	deadline := time.Now().Add(3 * time.Second)
	for {
		code, raw := ts.request(t, "GET", "/api/bots/grid/logs?tail=50", "", nil)
		require.Equal(t, 200, code)
		if strings.Contains(string(raw), "hello-from-bot") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("log line never showed up: %s", raw)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestBotGetIncludesMirrorRow(t *testing.T) {
	ts := newTestServer(t, nil)

	code, _ := ts.request(t, "POST", "/api/bots/grid/start", "", nil)
	require.Equal(t, 200, code)

	code, raw := ts.request(t, "GET", "/api/bots/grid/", "", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, "running", gjson.GetBytes(raw, "bot.status").String())
	assert.True(t, gjson.GetBytes(raw, "record.desired_running").Bool())

	code, _ = ts.request(t, "POST", "/api/bots/grid/stop", "", nil)
	require.Equal(t, 200, code)

	code, raw = ts.request(t, "GET", "/api/bots/grid/", "", nil)
	require.Equal(t, 200, code)
	assert.False(t, gjson.GetBytes(raw, "record.desired_running").Bool())
}

func TestDataChannelProxy(t *testing.T) {
	dataSrv := ipc.NewServer(0)
	require.NoError(t, dataSrv.Start())
	t.Cleanup(dataSrv.Stop)
	dataSrv.Set("mode", "test")

	port := dataSrv.Addr().(*net.TCPAddr).Port
	dir := t.TempDir()
	script := writeScript(t, dir, "cp-data-55ae17.sh", "exec sleep 30")
	yaml := fmt.Sprintf("bots:\n  - kind: grid\n    script: %s\n    ipc_port: %d\n", script, port)
	ts := newTestServerWithYAML(t, dir, yaml, nil)

	code, raw := ts.request(t, "GET", "/api/bots/grid/data", "", nil)
	require.Equal(t, 200, code, "proxy read: %s", raw)
	assert.Equal(t, "test", gjson.GetBytes(raw, "data.mode").String())
	assert.False(t, gjson.GetBytes(raw, "cached").Bool())

	code, raw = ts.request(t, "GET", "/api/bots/grid/data", "", nil)
	require.Equal(t, 200, code)
	assert.True(t, gjson.GetBytes(raw, "cached").Bool())

	code, _ = ts.request(t, "POST", "/api/bots/grid/data", `{"key":"regime","value":"calm"}`, nil)
	require.Equal(t, 200, code)

	// the write invalidated the cache, so this read goes to the socket
	code, raw = ts.request(t, "GET", "/api/bots/grid/data", "", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, "calm", gjson.GetBytes(raw, "data.regime").String())
	assert.False(t, gjson.GetBytes(raw, "cached").Bool())

	code, raw = ts.request(t, "GET", "/api/bots/grid/ping", "", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, "pong", gjson.GetBytes(raw, "message").String())

	code, _ = ts.request(t, "POST", "/api/bots/grid/data", `{"value":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, code, "key is required")
}

func TestAutoRestartOnCrash(t *testing.T) {
	t.Setenv("BOTKEEPER_AUTO_RESTART", "true")
	t.Setenv("BOTKEEPER_RESTART_FLAP_WINDOW", "5m")

	dir := t.TempDir()
	marker := filepath.Join(dir, "crashed-once")
	// first run survives the liveness window then crashes; the restarted run
	// stays up
	body := fmt.Sprintf("if [ ! -f %s ]; then\n  touch %s\n  sleep 0.4\n  exit 3\nfi\nexec sleep 30", marker, marker)
	script := writeScript(t, dir, "cp-crash-c3d9e8.sh", body)
	yaml := fmt.Sprintf("bots:\n  - kind: grid\n    script: %s\n", script)
	ts := newTestServerWithYAML(t, dir, yaml, nil)

	code, raw := ts.request(t, "POST", "/api/bots/grid/start", "", nil)
	require.Equal(t, 200, code, "start: %s", raw)
	firstPID := gjson.GetBytes(raw, "pid").Int()

	deadline := time.Now().Add(15 * time.Second)
	for {
		code, raw = ts.request(t, "GET", "/api/bots/grid/status", "", nil)
		require.Equal(t, 200, code)
		if gjson.GetBytes(raw, "status").String() == "running" && gjson.GetBytes(raw, "pid").Int() != firstPID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bot never came back after the crash: %s", raw)
		}
		time.Sleep(200 * time.Millisecond)
	}

	// the exit made it into the mirror row
	code, raw = ts.request(t, "GET", "/api/bots/grid/", "", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, int64(3), gjson.GetBytes(raw, "record.last_exit_code").Int())
}

func TestStatusWSPush(t *testing.T) {
	ts := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/status/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var report map[string]any
	require.NoError(t, conn.ReadJSON(&report))

	bots, ok := report["bots"].([]any)
	require.True(t, ok)
	assert.Len(t, bots, 2)
}
