package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/a2agate/a2agate/internal/platerr"
)

func TestDoJSONPostsBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["q"] != "ping" {
			t.Errorf("body q = %q, want ping", body["q"])
		}
		w.Write([]byte(`{"answer":"pong"}`))
	}))
	defer backend.Close()

	c := NewClient("")
	raw, err := c.DoJSON(context.Background(), &Request{
		URL:      backend.URL,
		JSONBody: map[string]string{"q": "ping"},
	})
	if err != nil {
		t.Fatalf("DoJSON() error = %v", err)
	}
	if !strings.Contains(string(raw), "pong") {
		t.Fatalf("DoJSON() = %s", raw)
	}
}

func TestDoJSONMultipartForm(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		if got := r.FormValue("message"); got != "2+2" {
			t.Errorf("message = %q, want 2+2", got)
		}
		w.Write([]byte(`{}`))
	}))
	defer backend.Close()

	c := NewClient("")
	_, err := c.DoJSON(context.Background(), &Request{
		URL:  backend.URL,
		Form: map[string]string{"message": "2+2", "stream": "false"},
	})
	if err != nil {
		t.Fatalf("DoJSON() error = %v", err)
	}
}

func TestDoJSONUpstreamStatus(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent exploded", http.StatusInternalServerError)
	}))
	defer backend.Close()

	c := NewClient("")
	_, err := c.DoJSON(context.Background(), &Request{URL: backend.URL, JSONBody: map[string]string{}})
	if err == nil {
		t.Fatal("DoJSON() error = nil, want upstream status error")
	}
	if platerr.KindOf(err) != platerr.KindUpstreamStatus {
		t.Fatalf("KindOf() = %v, want KindUpstreamStatus", platerr.KindOf(err))
	}
	if !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "agent exploded") {
		t.Fatalf("error = %q, want status and snippet", err.Error())
	}
}

func TestDoJSONUnreachable(t *testing.T) {
	c := NewClient("")
	_, err := c.DoJSON(context.Background(), &Request{URL: "http://127.0.0.1:1", JSONBody: map[string]string{}})
	if platerr.KindOf(err) != platerr.KindUpstreamUnreachable {
		t.Fatalf("KindOf() = %v, want KindUpstreamUnreachable", platerr.KindOf(err))
	}
}

func TestStreamForwardsEveryLine(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"n\":1}\n\ndata: {\"n\":2}\n\ndata: [DONE]\n\n"))
	}))
	defer backend.Close()

	c := NewClient("")
	var lines []string
	err := c.Stream(context.Background(), &Request{URL: backend.URL, JSONBody: map[string]string{}}, func(line []byte) error {
		lines = append(lines, string(line))
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	// Three data frames plus the blank separators between them.
	if len(lines) != 6 {
		t.Fatalf("Stream() lines = %d (%q), want 6", len(lines), lines)
	}
}

func TestStreamStopsOnCallbackError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("one\ntwo\nthree\n"))
	}))
	defer backend.Close()

	c := NewClient("")
	seen := 0
	err := c.Stream(context.Background(), &Request{URL: backend.URL, JSONBody: map[string]string{}}, func(line []byte) error {
		seen++
		if seen == 2 {
			return context.Canceled
		}
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("Stream() error = %v, want context.Canceled", err)
	}
	if seen != 2 {
		t.Fatalf("callback ran %d times, want 2", seen)
	}
}

func TestRewriteURL(t *testing.T) {
	tests := []struct {
		name  string
		alias string
		in    string
		want  string
	}{
		{"no alias", "", "http://localhost:9000/a2a", "http://localhost:9000/a2a"},
		{"localhost", "host.docker.internal", "http://localhost:9000/a2a", "http://host.docker.internal:9000/a2a"},
		{"loopback ip", "host.docker.internal", "http://127.0.0.1:8000", "http://host.docker.internal:8000"},
		{"no port", "host.docker.internal", "http://localhost/run", "http://host.docker.internal/run"},
		{"external host", "host.docker.internal", "https://agents.corp.example/run", "https://agents.corp.example/run"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.alias)
			got, err := c.RewriteURL(tt.in)
			if err != nil {
				t.Fatalf("RewriteURL() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("RewriteURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSSEHelpers(t *testing.T) {
	if data, ok := SSEData([]byte("data: {\"x\":1}")); !ok || string(data) != `{"x":1}` {
		t.Fatalf("SSEData() = %q, %v", data, ok)
	}
	if _, ok := SSEData([]byte(": comment")); ok {
		t.Fatal("SSEData(comment) ok = true, want false")
	}
	if _, ok := SSEData([]byte("")); ok {
		t.Fatal("SSEData(empty) ok = true, want false")
	}
	if !IsDone([]byte(" [DONE] ")) {
		t.Fatal("IsDone([DONE]) = false, want true")
	}
	if IsDone([]byte(`{"x":1}`)) {
		t.Fatal("IsDone(json) = true, want false")
	}
}
