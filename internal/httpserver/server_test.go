package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/skobkin/ethercomm/internal/api"
	"github.com/skobkin/ethercomm/internal/communicator"
	"github.com/skobkin/ethercomm/internal/config"
	"github.com/skobkin/ethercomm/internal/pdo"
	"github.com/skobkin/ethercomm/internal/publish"
	"github.com/skobkin/ethercomm/internal/transport"
	"github.com/skobkin/ethercomm/internal/version"
)

type fakeController struct {
	mu      sync.Mutex
	status  communicator.Status
	devices []pdo.Entry
	staged  map[uint16][]byte
}

func newFakeController(state communicator.State) *fakeController {
	return &fakeController{
		status: communicator.Status{State: state.String(), PeriodNS: int64(time.Millisecond), RunID: "run-1"},
		devices: []pdo.Entry{
			{Position: 0, Name: "io-a", Input: pdo.Segment{Offset: 0, Length: 2}, Output: pdo.Segment{Offset: 2, Length: 2}},
			{Position: 1, Name: "io-b", Input: pdo.Segment{Offset: 4, Length: 1}, Output: pdo.Segment{Offset: 5, Length: 1}},
		},
		staged: make(map[uint16][]byte),
	}
}

func (f *fakeController) Status() communicator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) setStatus(update func(*communicator.Status)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	update(&f.status)
}

func (f *fakeController) Devices() []pdo.Entry {
	return f.devices
}

func (f *fakeController) StageOutputs(position uint16, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.State != communicator.StateRunning.String() {
		return fmt.Errorf("%w: state %s", communicator.ErrNotRunning, f.status.State)
	}
	for _, entry := range f.devices {
		if entry.Position != position {
			continue
		}
		if len(data) != entry.Output.Length {
			return pdo.ErrSegmentBounds
		}
		f.staged[position] = append([]byte(nil), data...)
		return nil
	}
	return pdo.ErrUnknownDevice
}

func (f *fakeController) stagedFor(position uint16) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.staged[position]
}

func TestHealthzOK(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), newFakeController(communicator.StateRunning), nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if strings.TrimSpace(string(body)) != `{"status":"ok"}` {
		t.Fatalf("unexpected body %q", string(body))
	}

	respAPI, err := http.Get(ts.URL + "/api/healthz")
	if err != nil {
		t.Fatalf("GET /api/healthz failed: %v", err)
	}
	respAPI.Body.Close()
	if respAPI.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for /api/healthz, got %d", respAPI.StatusCode)
	}
}

func TestReadyzStates(t *testing.T) {
	t.Parallel()

	comm := newFakeController(communicator.StateInitialized)
	_, ts := newTestHTTPServer(t, defaultTestConfig(), comm, nil)

	assertReadyz(t, ts.URL+"/readyz", http.StatusServiceUnavailable, "initializing", "communicator_not_running")

	comm.setStatus(func(st *communicator.Status) { st.State = communicator.StateRunning.String() })
	assertReadyz(t, ts.URL+"/api/readyz", http.StatusOK, "ok", "")

	comm.setStatus(func(st *communicator.Status) {
		st.Domain = &communicator.DomainView{State: transport.DomainLost.String(), Expected: 6}
	})
	assertReadyz(t, ts.URL+"/readyz", http.StatusServiceUnavailable, "degraded", "domain_lost")

	comm.setStatus(func(st *communicator.Status) {
		st.Domain = nil
		st.Master = &transport.MasterStatus{RespondingDevices: 0, LinkUp: false}
	})
	assertReadyz(t, ts.URL+"/readyz", http.StatusServiceUnavailable, "degraded", "link_down")

	comm.setStatus(func(st *communicator.Status) { st.State = communicator.StateStopped.String() })
	assertReadyz(t, ts.URL+"/readyz", http.StatusServiceUnavailable, "stopped", "communicator_stopped")
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	version.Set(version.Info{Version: "v0.0.1", Commit: "abc123", BuildTime: "now"})

	_, ts := newTestHTTPServer(t, defaultTestConfig(), newFakeController(communicator.StateRunning), nil)

	resp, err := http.Get(ts.URL + "/api/version")
	if err != nil {
		t.Fatalf("GET /api/version failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var info version.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Version != "v0.0.1" || info.Commit != "abc123" || info.BuildTime != "now" {
		t.Fatalf("unexpected version payload %+v", info)
	}
	if info.GoVersion == "" {
		t.Fatalf("expected go version in payload")
	}
}

func TestAPIDevices(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), newFakeController(communicator.StateRunning), nil)

	resp, err := http.Get(ts.URL + "/api/devices")
	if err != nil {
		t.Fatalf("GET /api/devices failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var payload []pdo.Entry
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload) != 2 || payload[1].Name != "io-b" || payload[1].Output.Offset != 5 {
		t.Fatalf("unexpected device payload %+v", payload)
	}
}

func TestStageOutputs(t *testing.T) {
	t.Parallel()

	comm := newFakeController(communicator.StateRunning)
	_, ts := newTestHTTPServer(t, defaultTestConfig(), comm, nil)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"Accepted", http.MethodPut, "/api/devices/0/outputs", `{"data":"AQI="}`, http.StatusNoContent},
		{"UnknownDevice", http.MethodPut, "/api/devices/7/outputs", `{"data":"AQ=="}`, http.StatusNotFound},
		{"WrongLength", http.MethodPut, "/api/devices/1/outputs", `{"data":"AQI="}`, http.StatusBadRequest},
		{"InvalidBody", http.MethodPut, "/api/devices/0/outputs", `{"bytes":1}`, http.StatusBadRequest},
		{"WrongMethod", http.MethodGet, "/api/devices/0/outputs", "", http.StatusMethodNotAllowed},
		{"BadPosition", http.MethodPut, "/api/devices/first/outputs", `{"data":"AQI="}`, http.StatusNotFound},
		{"UnknownSubresource", http.MethodPut, "/api/devices/0/inputs", `{"data":"AQI="}`, http.StatusNotFound},
	}

	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, ts.URL+tc.path, strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("%s: build request: %v", tc.name, err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: request failed: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: expected status %d, got %d", tc.name, tc.status, resp.StatusCode)
		}
	}

	if got := comm.stagedFor(0); !bytes.Equal(got, []byte{1, 2}) {
		t.Fatalf("unexpected staged bytes %v", got)
	}

	comm.setStatus(func(st *communicator.Status) { st.State = communicator.StateStopped.String() })
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/devices/0/outputs", strings.NewReader(`{"data":"AQI="}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 once stopped, got %d", resp.StatusCode)
	}
}

func TestLatestPDO(t *testing.T) {
	t.Parallel()

	hub := publish.NewHub(4, discardLogger())
	_, ts := newTestHTTPServer(t, defaultTestConfig(), newFakeController(communicator.StateRunning), hub)

	resp, err := http.Get(ts.URL + "/api/pdo/latest")
	if err != nil {
		t.Fatalf("GET latest failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first cycle, got %d", resp.StatusCode)
	}

	hub.Deliver(publish.Message{Cycle: 9, Timestamp: time.Now(), Inputs: []byte{0xaa, 0xbb}, Outputs: []byte{0x01}})

	resp, err = http.Get(ts.URL + "/api/pdo/latest")
	if err != nil {
		t.Fatalf("GET latest failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var msg publish.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Cycle != 9 || !bytes.Equal(msg.Inputs, []byte{0xaa, 0xbb}) || !bytes.Equal(msg.Outputs, []byte{0x01}) {
		t.Fatalf("unexpected latest message %+v", msg)
	}
}

func TestStatusIncludesPublishStats(t *testing.T) {
	t.Parallel()

	comm := newFakeController(communicator.StateRunning)
	comm.setStatus(func(st *communicator.Status) {
		st.Cycles = 42
		st.Sends = 42
		st.Publishes = 42
	})
	hub := publish.NewHub(4, discardLogger())
	hub.Deliver(publish.Message{Cycle: 1})

	_, ts := newTestHTTPServer(t, defaultTestConfig(), comm, hub)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET status failed: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["state"] != "running" || payload["cycles"] != float64(42) || payload["run_id"] != "run-1" {
		t.Fatalf("unexpected status payload %+v", payload)
	}
	pub, ok := payload["publish"].(map[string]any)
	if !ok || pub["delivered"] != float64(1) {
		t.Fatalf("expected publish stats, got %+v", payload["publish"])
	}
}

func TestPrometheusMetrics(t *testing.T) {
	t.Parallel()

	comm := newFakeController(communicator.StateRunning)
	comm.setStatus(func(st *communicator.Status) {
		st.Cycles = 42
		st.Domain = &communicator.DomainView{State: "ok", WorkingCounter: 6, Expected: 6}
	})
	cfg := defaultTestConfig()
	cfg.EnablePrometheus = true

	_, ts := newTestHTTPServer(t, cfg, comm, publish.NewHub(4, discardLogger()))

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)
	for _, want := range []string{
		"ethercomm_cycle_iterations_total 42",
		"ethercomm_cycle_running 1",
		"ethercomm_domain_working_counter 6",
		"ethercomm_ws_active_connections 0",
		"ethercomm_publish_subscribers 0",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
	if strings.Contains(text, "ethercomm_dc_adjust_nanoseconds") {
		t.Fatalf("clock metrics must be absent before the first diagnostics snapshot")
	}
}

func TestWebSocketHelloAndPDO(t *testing.T) {
	t.Parallel()

	hub := publish.NewHub(8, discardLogger())
	_, ts := newTestHTTPServer(t, defaultTestConfig(), newFakeController(communicator.StateRunning), hub)

	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	conn, _, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var hello api.HelloMessage
	readJSON(t, cctx, conn, &hello)
	if hello.Type != "hello" || hello.PeriodNS != int64(time.Millisecond) || len(hello.Devices) != 2 || hello.Every != 1 {
		t.Fatalf("unexpected hello %+v", hello)
	}

	waitFor(t, 2*time.Second, func() bool { return hub.Stats().Subscribers == 1 })

	hub.Deliver(publish.Message{Cycle: 1, Timestamp: time.Now(), Inputs: []byte{1, 2, 3}, Outputs: []byte{4}})

	var msg api.PDOMessage
	readJSON(t, cctx, conn, &msg)
	if msg.Type != "pdo" || msg.Cycle != 1 || !bytes.Equal(msg.Inputs, []byte{1, 2, 3}) || !bytes.Equal(msg.Outputs, []byte{4}) {
		t.Fatalf("unexpected pdo message %+v", msg)
	}

	writeJSON(t, cctx, conn, api.SubscribeMessage{Type: "subscribe", Every: 2})
	writeJSON(t, cctx, conn, api.ClientMessage{Type: "ping"})

	var pong api.PongMessage
	readJSON(t, cctx, conn, &pong)
	if pong.Type != "pong" {
		t.Fatalf("expected pong, got %+v", pong)
	}

	hub.Deliver(publish.Message{Cycle: 3, Timestamp: time.Now()})
	hub.Deliver(publish.Message{Cycle: 4, Timestamp: time.Now()})

	readJSON(t, cctx, conn, &msg)
	if msg.Cycle != 4 {
		t.Fatalf("expected cycle 4 after decimation, got %d", msg.Cycle)
	}

	writeJSON(t, cctx, conn, api.SubscribeMessage{Type: "subscribe", Every: 0})
	var errMsg api.ErrorMessage
	readJSON(t, cctx, conn, &errMsg)
	if errMsg.Type != "error" {
		t.Fatalf("expected error for every=0, got %+v", errMsg)
	}
}

func TestWebSocketCapacity(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.WS.MaxClients = 1
	hub := publish.NewHub(8, discardLogger())
	_, ts := newTestHTTPServer(t, cfg, newFakeController(communicator.StateRunning), hub)

	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	first, _, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer first.Close(websocket.StatusNormalClosure, "")

	var hello api.HelloMessage
	readJSON(t, cctx, first, &hello)

	_, resp, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err == nil {
		t.Fatalf("expected second dial to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for second client, got %+v", resp)
	}
}

func TestDecimator(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	d := newDecimator(1, 100)

	accepted := 0
	for i := 0; i < 100; i++ {
		msg := publish.Message{Cycle: uint64(i), Timestamp: base.Add(time.Duration(i) * time.Millisecond)}
		if d.accept(msg) {
			accepted++
		}
	}
	if accepted != 10 {
		t.Fatalf("expected 10 messages at 100 Hz over 100 ms, got %d", accepted)
	}

	d = newDecimator(5, 0)
	accepted = 0
	for i := 0; i < 20; i++ {
		if d.accept(publish.Message{Cycle: uint64(i)}) {
			accepted++
		}
	}
	if accepted != 4 {
		t.Fatalf("expected every 5th cycle, got %d", accepted)
	}
}

func newTestHTTPServer(t *testing.T, cfg config.Config, comm Controller, hub *publish.Hub) (*Server, *httptest.Server) {
	t.Helper()

	srv := New(cfg, discardLogger(), comm, hub)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	if hub != nil {
		t.Cleanup(hub.Close)
	}
	return srv, ts
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func assertReadyz(t *testing.T, url string, expectedStatus int, expected string, reason string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		t.Fatalf("expected status %d for %s, got %d", expectedStatus, url, resp.StatusCode)
	}

	var payload readyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode readyz response: %v", err)
	}

	if payload.Status != expected {
		t.Fatalf("expected status %q, got %q", expected, payload.Status)
	}
	if reason == "" {
		if payload.Reason != "" {
			t.Fatalf("expected empty reason, got %q", payload.Reason)
		}
	} else if payload.Reason != reason {
		t.Fatalf("expected reason %q, got %q", reason, payload.Reason)
	}
}

func readJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, dst any) {
	t.Helper()
	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("unexpected message type %v", msgType)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		t.Fatalf("decode %s: %v", string(data), err)
	}
}

func writeJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("websocket write: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}

func defaultTestConfig() config.Config {
	return config.Config{
		ListenAddr:     ":0",
		AllowedOrigins: []string{"*"},
		WS: config.WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
	}
}

func toWebsocketURL(httpURL string) string {
	u, err := url.Parse(httpURL)
	if err != nil {
		return httpURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}
