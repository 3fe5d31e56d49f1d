package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/a2agate/a2agate/internal/config"
)

func TestLongestPrefixWins(t *testing.T) {
	g := New(config.GatewayConfig{Routes: []config.GatewayRoute{
		{Prefix: "/api/admin", UpstreamURL: "http://admin:9000"},
		{Prefix: "/api/admin/users", UpstreamURL: "http://users:9001"},
		{Prefix: "/api", UpstreamURL: "http://core:9002"},
	}}, 0)

	tests := []struct {
		path string
		want string
	}{
		{"/api/admin/users/5", "http://users:9001"},
		{"/api/admin/roles", "http://admin:9000"},
		{"/api/hub/chat", "http://core:9002"},
	}
	for _, tt := range tests {
		route, ok := g.Match(tt.path)
		if !ok || route.UpstreamURL != tt.want {
			t.Errorf("Match(%q) = %q, want %q", tt.path, route.UpstreamURL, tt.want)
		}
	}
	if _, ok := g.Match("/other"); ok {
		t.Error("Match(/other) matched, want miss")
	}
}

func TestProxyStripPrefix(t *testing.T) {
	var gotPath, gotQuery string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		w.Header().Set("X-Backend", "yes")
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	g := New(config.GatewayConfig{Routes: []config.GatewayRoute{
		{Prefix: "/api/admin", UpstreamURL: backend.URL, StripPrefix: true},
	}}, 0)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/users/5?active=true", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if gotPath != "/users/5" || gotQuery != "active=true" {
		t.Errorf("forwarded %q?%q, want /users/5?active=true", gotPath, gotQuery)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("response = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Backend") != "yes" {
		t.Error("backend header not forwarded")
	}
}

func TestProxyStripsHopByHopHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "identity")
		w.Write([]byte("payload"))
	}))
	defer backend.Close()

	g := New(config.GatewayConfig{Routes: []config.GatewayRoute{
		{Prefix: "/", UpstreamURL: backend.URL},
	}}, 0)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "" {
		t.Error("hop-by-hop Content-Encoding not stripped")
	}
}

func TestProxyUpstreamDownIs502(t *testing.T) {
	g := New(config.GatewayConfig{Routes: []config.GatewayRoute{
		{Prefix: "/", UpstreamURL: "http://127.0.0.1:1"},
	}}, 0)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestCacheServesOnly200(t *testing.T) {
	var hits int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&hits, 1)
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("hit-" + string(rune('0'+n))))
	}))
	defer backend.Close()

	g := New(config.GatewayConfig{Routes: []config.GatewayRoute{
		{Prefix: "/", UpstreamURL: backend.URL},
	}}, time.Minute)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	first := get("/data")
	second := get("/data")
	if first.Body.String() != second.Body.String() {
		t.Errorf("cached GET diverged: %q vs %q", first.Body.String(), second.Body.String())
	}
	if atomic.LoadInt64(&hits) != 1 {
		t.Errorf("backend hits = %d, want 1 (second served from cache)", hits)
	}

	// Non-200 responses are never cached.
	get("/missing")
	get("/missing")
	if atomic.LoadInt64(&hits) != 3 {
		t.Errorf("backend hits = %d, want 3 (404 not cached)", hits)
	}
}

func TestWebSocketBridge(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(msgType, append([]byte("echo: "), payload...))
		}
	}))
	defer upstream.Close()

	g := New(config.GatewayConfig{Routes: []config.GatewayRoute{
		{Prefix: "/ws", UpstreamURL: upstream.URL, StripPrefix: true, WebSocket: true},
	}}, 0)
	edge := httptest.NewServer(g)
	defer edge.Close()

	url := strings.Replace(edge.URL, "http://", "ws://", 1) + "/ws/"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(payload) != "echo: ping" {
		t.Errorf("payload = %q", payload)
	}
}

func TestHealthAggregation(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	g := New(config.GatewayConfig{Routes: []config.GatewayRoute{
		{Prefix: "/good", UpstreamURL: healthy.URL},
		{Prefix: "/bad", UpstreamURL: "http://127.0.0.1:1"},
	}}, 0)

	rec := httptest.NewRecorder()
	g.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp struct {
		Status    string           `json:"status"`
		Upstreams []upstreamHealth `json:"upstreams"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("aggregate = %q, want degraded", resp.Status)
	}
	if len(resp.Upstreams) != 2 {
		t.Errorf("upstreams = %d, want 2", len(resp.Upstreams))
	}
}
