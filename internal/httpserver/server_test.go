package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/skobkin/gpumon/internal/collector"
	"github.com/skobkin/gpumon/internal/config"
	"github.com/skobkin/gpumon/internal/gpu"
	"github.com/skobkin/gpumon/internal/record"
	"github.com/skobkin/gpumon/internal/store"
	"github.com/skobkin/gpumon/internal/version"
)

type stubCollector struct {
	mu     sync.Mutex
	latest *record.Tick
	stats  collector.Stats
	subs   []chan record.Tick
}

func (c *stubCollector) Latest() (record.Tick, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return record.Tick{}, false
	}
	return *c.latest, true
}

func (c *stubCollector) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest != nil
}

func (c *stubCollector) Stats() collector.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *stubCollector) Interval() time.Duration { return 2 * time.Minute }

func (c *stubCollector) Subscribe() (<-chan record.Tick, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan record.Tick, 4)
	if c.latest != nil {
		ch <- *c.latest
	}
	c.subs = append(c.subs, ch)
	return ch, func() {}
}

func (c *stubCollector) publish(tick record.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = &tick
	c.stats.Ticks++
	c.stats.LastError = ""
	for _, ch := range c.subs {
		select {
		case ch <- tick:
		default:
		}
	}
}

func (c *stubCollector) fail(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.DeviceErrors++
	c.stats.LastError = msg
}

func sampleTick() record.Tick {
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local)
	return record.Tick{
		ID:        "tick-1",
		Time:      now,
		Timestamp: record.FormatTimestamp(now),
		Hostname:  "node-1",
		GPUs: []record.Record{{
			"gpu-name":               "Tesla T4",
			"gpu-pci.bus_id":         "00000000:00:1E.0",
			"gpu-index":              "0",
			"gpu-utilization.gpu":    "37",
			"gpu-utilization.memory": "12",
			"gpu-memory.total":       "15360",
			"gpu-memory.used":        "1024",
			"gpu-memory.free":        "14336",
			"gpu-temperature.gpu":    "45",
			"gpu-fan.speed":          "[N/A]",
		}},
		Processes: []record.Record{{
			"gpu_bus_id":        "00000000:00:1E.0",
			"pid":               4242,
			"used_gpu_memory":   "1000",
			"gpu-name":          "Tesla T4",
			"user":              "alice",
			"name":              "python3",
			"system_memory_rss": uint64(2048),
			"system_memory_vms": "unknown",
		}},
	}
}

func TestHealthzOK(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, config.Config{}, nil, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
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

	post, err := http.Post(ts.URL+"/healthz", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /healthz failed: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST, got %d", post.StatusCode)
	}
}

func TestReadyzStates(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()

	_, ts := newTestHTTPServer(t, cfg, nil, nil)
	assertReadyz(t, ts.URL+"/readyz", http.StatusServiceUnavailable, "degraded", "collector_not_configured")

	coll := &stubCollector{}
	srv := newTestServer(cfg, coll, nil)
	tsColl := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(tsColl.Close)

	assertReadyz(t, tsColl.URL+"/readyz", http.StatusServiceUnavailable, "initializing", "waiting_for_first_tick")

	coll.fail("device query: exit status 9")
	assertReadyz(t, tsColl.URL+"/api/readyz", http.StatusServiceUnavailable, "degraded", "last_tick_failed")

	coll.publish(sampleTick())
	assertReadyz(t, tsColl.URL+"/readyz", http.StatusOK, "ok", "")
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	version.Set(version.Info{Version: "v0.0.1", Commit: "abc123", BuildTime: "now"})

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil, nil)

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
}

func TestAPIGPUs(t *testing.T) {
	t.Parallel()

	devices := []gpu.PCIDevice{
		{BusID: "0000:00:1e.0", VendorID: "10de", DeviceID: "1eb8", Driver: "nvidia"},
	}

	srv := New(defaultTestConfig(), testLogger(), devices, nil, nil)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/gpus")
	if err != nil {
		t.Fatalf("GET /api/gpus failed: %v", err)
	}
	defer resp.Body.Close()

	var payload []gpu.PCIDevice
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload) != 1 || payload[0].BusID != "0000:00:1e.0" {
		t.Fatalf("unexpected gpu payload %+v", payload)
	}
}

func TestAPILatestAndStats(t *testing.T) {
	t.Parallel()

	coll := &stubCollector{}
	srv := newTestServer(defaultTestConfig(), coll, nil)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/latest")
	if err != nil {
		t.Fatalf("GET /api/latest failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first tick, got %d", resp.StatusCode)
	}

	coll.publish(sampleTick())

	resp, err = http.Get(ts.URL + "/api/latest")
	if err != nil {
		t.Fatalf("GET /api/latest failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var tick record.Tick
	if err := json.NewDecoder(resp.Body).Decode(&tick); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tick.ID != "tick-1" || tick.Timestamp != "2024:03:09:14:05:07" {
		t.Fatalf("unexpected tick %+v", tick)
	}
	if len(tick.GPUs) != 1 || tick.GPUs[0]["gpu-name"] != "Tesla T4" {
		t.Fatalf("unexpected gpus %+v", tick.GPUs)
	}

	statsResp, err := http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatalf("GET /api/stats failed: %v", err)
	}
	defer statsResp.Body.Close()
	var stats collector.Stats
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Ticks != 1 {
		t.Fatalf("expected 1 tick, got %d", stats.Ticks)
	}
}

func TestAPIHistory(t *testing.T) {
	t.Parallel()

	hist, err := store.OpenBolt(t.TempDir(), "node-1")
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	t.Cleanup(func() { _ = hist.Close() })

	for i := 0; i < 3; i++ {
		if err := hist.Append(context.Background(), sampleTick()); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	srv := newTestServer(defaultTestConfig(), nil, hist)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/history?stream=process&limit=2")
	if err != nil {
		t.Fatalf("GET /api/history failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var entries []store.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Seq >= entries[1].Seq {
		t.Fatalf("expected ascending sequence, got %d then %d", entries[0].Seq, entries[1].Seq)
	}
	if entries[1].Record["user"] != "alice" {
		t.Fatalf("unexpected record %+v", entries[1].Record)
	}

	for _, query := range []string{"stream=bogus", "limit=0", "limit=abc"} {
		bad, err := http.Get(ts.URL + "/api/history?" + query)
		if err != nil {
			t.Fatalf("GET %s failed: %v", query, err)
		}
		bad.Body.Close()
		if bad.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", query, bad.StatusCode)
		}
	}
}

func TestMetricsExposeLatestTick(t *testing.T) {
	t.Parallel()

	coll := &stubCollector{}
	coll.publish(sampleTick())

	cfg := defaultTestConfig()
	cfg.EnablePrometheus = true
	srv := newTestServer(cfg, coll, nil)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

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
		`gpumon_gpu_utilization_percent{bus_id="00000000:00:1E.0",index="0",name="Tesla T4"} 37`,
		`gpumon_gpu_memory_used_bytes{bus_id="00000000:00:1E.0",index="0",name="Tesla T4"} 1.073741824e+09`,
		`gpumon_process_resident_memory_bytes{bus_id="00000000:00:1E.0",name="python3",pid="4242",user="alice"} 2048`,
		`gpumon_collector_ticks_total 1`,
		`gpumon_ws_active_connections 0`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
	if strings.Contains(text, "gpumon_gpu_fan_speed_percent") {
		t.Fatalf("expected non-numeric fan speed to be skipped")
	}
	if strings.Contains(text, "gpumon_process_virtual_memory_bytes") {
		t.Fatalf("expected unknown vms to be skipped")
	}
}

func TestWebSocketHelloAndTick(t *testing.T) {
	t.Parallel()

	coll := &stubCollector{}
	coll.publish(sampleTick())

	cfg := defaultTestConfig()
	cfg.Hostname = "node-1"
	srv := newTestServer(cfg, coll, nil)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	conn, _, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := readWSMessage(t, cctx, conn)
	if hello["type"] != "hello" {
		t.Fatalf("expected hello message, got %q", hello["type"])
	}
	if hello["hostname"] != "node-1" {
		t.Fatalf("unexpected hostname %v", hello["hostname"])
	}
	if hello["interval_ms"] != float64(120000) {
		t.Fatalf("unexpected interval %v", hello["interval_ms"])
	}

	tick := readWSMessage(t, cctx, conn)
	if tick["type"] != "tick" || tick["id"] != "tick-1" {
		t.Fatalf("expected tick message, got %v", tick)
	}

	if err := conn.Write(cctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pong := readWSMessage(t, cctx, conn)
	if pong["type"] != "pong" {
		t.Fatalf("expected pong, got %v", pong)
	}

	next := sampleTick()
	next.ID = "tick-2"
	coll.publish(next)
	pushed := readWSMessage(t, cctx, conn)
	if pushed["id"] != "tick-2" {
		t.Fatalf("expected pushed tick-2, got %v", pushed["id"])
	}
}

func TestWebSocketCapacity(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.WS.MaxClients = 1
	srv := newTestServer(cfg, &stubCollector{}, nil)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	first, _, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer first.Close(websocket.StatusNormalClosure, "")
	_ = readWSMessage(t, cctx, first)

	_, resp, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err == nil {
		t.Fatalf("expected second dial to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for second client, got %+v", resp)
	}
	if srv.wsRejected.Load() != 1 {
		t.Fatalf("expected one rejection, got %d", srv.wsRejected.Load())
	}
}

func TestOutboundDropsOldest(t *testing.T) {
	t.Parallel()

	var drops atomic.Uint64
	out := newWSOutbound(2, &drops)
	for _, msg := range []string{"a", "b", "c"} {
		if !out.enqueue([]byte(msg)) {
			t.Fatalf("enqueue %q failed", msg)
		}
	}
	if got := string(<-out.channel()); got != "b" {
		t.Fatalf("expected oldest message dropped, got %q first", got)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
	out.close()
	if out.enqueue([]byte("d")) {
		t.Fatalf("expected enqueue after close to fail")
	}
}

func readWSMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("unexpected message type %v", msgType)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(cfg config.Config, coll Collector, hist History) *Server {
	return New(cfg, testLogger(), nil, coll, hist)
}

func newTestHTTPServer(t *testing.T, cfg config.Config, devices []gpu.PCIDevice, coll Collector) (*Server, *httptest.Server) {
	t.Helper()

	if cfg.ListenAddr == "" {
		cfg = defaultTestConfig()
	}

	srv := New(cfg, testLogger(), devices, coll, nil)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
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

func defaultTestConfig() config.Config {
	return config.Config{
		ListenAddr:     ":0",
		Interval:       2 * time.Minute,
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
