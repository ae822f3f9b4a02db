package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crowd-flow/internal/api"
	"crowd-flow/internal/crowd"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

func startHubServer(t *testing.T, engine *MockEngine) (*httptest.Server, *api.Server) {
	t.Helper()
	return startHubServerWith(t, engine, api.ServerConfig{BroadcastRate: 50})
}

func startHubServerWith(t *testing.T, engine *MockEngine, cfg api.ServerConfig) (*httptest.Server, *api.Server) {
	t.Helper()
	server := api.NewServer(engine, cfg)
	go server.Hub().Run()
	server.Hub().StartBroadcastLoop(engine, 50)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		server.Hub().Stop()
		ts.Close()
	})
	return ts, server
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v (resp %v)", url, err, resp)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func TestWebSocketJSONFrames(t *testing.T) {
	engine := NewMockEngine(t)
	ts, _ := startHubServer(t, engine)
	conn := dial(t, ts, "")

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if kind != websocket.TextMessage {
			t.Fatalf("expected text frame, got %d", kind)
		}

		var msg struct {
			Event string              `json:"event"`
			Data  crowd.AgentSnapshot `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Event != api.EventAgentsState {
			continue
		}
		if msg.Data.TickNumber != 7 || len(msg.Data.Agents) != 2 {
			t.Errorf("unexpected frame %+v", msg.Data)
		}
		return
	}
}

func TestWebSocketMsgpackFrames(t *testing.T) {
	engine := NewMockEngine(t)
	ts, _ := startHubServer(t, engine)
	conn := dial(t, ts, "?encoding=msgpack")

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if kind != websocket.BinaryMessage {
			t.Fatalf("expected binary frame, got %d", kind)
		}

		event, snap, err := api.AgentFrame(data)
		if event != api.EventAgentsState {
			continue
		}
		if err != nil {
			t.Fatalf("AgentFrame: %v", err)
		}
		if snap.TickNumber != 7 || snap.AgentCount != 2 || len(snap.Agents) != 2 {
			t.Fatalf("unexpected frame %+v", snap)
		}
		if snap.Agents[0].ID != 1 || snap.Agents[0].X != -3 || snap.Agents[0].VX != 1 {
			t.Errorf("unexpected first agent %+v", snap.Agents[0])
		}
		return
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	engine := NewMockEngine(t)
	ts, _ := startHubServer(t, engine)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}

func TestWebSocketPerIPLimit(t *testing.T) {
	engine := NewMockEngine(t)
	ts, server := startHubServer(t, engine)

	for i := 0; i < api.MaxWSConnectionsPerIP; i++ {
		dial(t, ts, "")
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected the connection over the per-IP limit to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %v", resp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.Hub().ClientCount() != api.MaxWSConnectionsPerIP && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := server.Hub().ClientCount(); n != api.MaxWSConnectionsPerIP {
		t.Errorf("client count = %d, want %d", n, api.MaxWSConnectionsPerIP)
	}
}

// metricValue reads a single-series counter or gauge from reg.
func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		m := mf.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		return m.GetGauge().GetValue()
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestServerRateLimitFromConfig(t *testing.T) {
	engine := NewMockEngine(t)
	ts, server := startHubServerWith(t, engine, api.ServerConfig{
		BroadcastRate: 50,
		RateLimit:     api.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1},
	})
	reg := prometheus.NewRegistry()
	if err := server.RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		resp, err := http.Get(ts.URL + "/api/stats")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("request %d status = %d, want %d", i, resp.StatusCode, want)
		}
	}

	tests := []struct {
		name string
		want float64
	}{
		{"http_rate_limit_allowed_total", 1},
		{"http_rate_limit_rejected_total", 1},
		{"http_rate_limit_tracked_ips", 1},
		{"websocket_ip_limit_rejected_total", 0},
	}
	for _, tt := range tests {
		if got := metricValue(t, reg, tt.name); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestServerWebSocketCapFromConfig(t *testing.T) {
	engine := NewMockEngine(t)
	ts, server := startHubServerWith(t, engine, api.ServerConfig{
		BroadcastRate:         50,
		MaxWSConnectionsPerIP: 2,
	})
	reg := prometheus.NewRegistry()
	if err := server.RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}

	dial(t, ts, "")
	dial(t, ts, "")
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected the third connection to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %v", resp)
	}
	if got := metricValue(t, reg, "websocket_ip_limit_rejected_total"); got != 1 {
		t.Errorf("websocket_ip_limit_rejected_total = %v, want 1", got)
	}
}

func TestEncodeMessage(t *testing.T) {
	snap := crowd.AgentSnapshot{TickNumber: 3, AgentCount: 1, Agents: []crowd.AgentState{{ID: 9}}}

	data, err := api.EncodeMessage(api.EncodingMsgpack, api.EventAgentsState, &snap)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	event, got, err := api.AgentFrame(data)
	if err != nil || event != api.EventAgentsState {
		t.Fatalf("AgentFrame = %q, %v", event, err)
	}
	if got.TickNumber != 3 || len(got.Agents) != 1 || got.Agents[0].ID != 9 {
		t.Errorf("unexpected decode %+v", got)
	}

	text, err := api.EncodeMessage(api.EncodingJSON, "field:stats", map[string]int{"cells": 4})
	if err != nil {
		t.Fatalf("EncodeMessage json: %v", err)
	}
	if string(text) != `{"event":"field:stats","data":{"cells":4}}` {
		t.Errorf("unexpected json %s", text)
	}

	if api.ParseEncoding("msgpack") != api.EncodingMsgpack || api.ParseEncoding("xml") != api.EncodingJSON {
		t.Error("ParseEncoding mismatch")
	}
}
