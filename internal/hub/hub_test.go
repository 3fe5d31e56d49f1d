package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/a2agate/a2agate/internal/auth"
	"github.com/a2agate/a2agate/internal/registry"
	"github.com/a2agate/a2agate/internal/store"
	"github.com/a2agate/a2agate/internal/upstream"
	"github.com/a2agate/a2agate/pkg/models"
)

func newTestEngine(t *testing.T, mem *store.MemoryStore) http.Handler {
	t.Helper()
	client := upstream.NewClient("")
	reg := registry.NewService(mem, client)
	chain := auth.NewChain(auth.NewAPIKeyProvider(mem), auth.NewSSOProvider())
	e := NewEngine(mem, reg, client, chain)

	r := chi.NewRouter()
	r.Route("/api/hub", e.Routes)
	return r
}

func postChat(t *testing.T, router http.Handler, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/hub/chat", bytes.NewReader(raw))
	req.Header.Set("X-User-ID", userID)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// sseEvents parses the data: payloads of an SSE body.
func sseEvents(t *testing.T, body string) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var ev map[string]interface{}
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("malformed SSE payload %q: %v", payload, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestChatADKStreamsAndCommits(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env struct {
			Method string `json:"method"`
		}
		json.NewDecoder(r.Body).Decode(&env)
		if env.Method != "message/stream" {
			t.Errorf("backend method = %q, want message/stream", env.Method)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"he", "llo"} {
			last := chunk == "llo"
			fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"kind\":\"artifact-update\",\"lastChunk\":%v,\"artifact\":{\"parts\":[{\"kind\":\"text\",\"text\":%q}]}}}\n\n", last, chunk)
		}
	}))
	defer backend.Close()

	mem := store.NewMemoryStore()
	mem.PutAgent(&models.Agent{
		ID: 7, Name: "adkbot",
		Framework:        models.FrameworkADK,
		OriginalEndpoint: backend.URL,
		Status:           models.StatusProduction,
		Visibility:       models.VisibilityPublic,
		OwnerID:          "alice",
	})
	router := newTestEngine(t, mem)

	rec := postChat(t, router, "alice", map[string]interface{}{
		"agent_id": 7,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	events := sseEvents(t, rec.Body.String())
	if len(events) < 4 {
		t.Fatalf("got %d events, want stream_start, 2 tokens, stream_end: %v", len(events), events)
	}
	if events[0]["type"] != "stream_start" {
		t.Errorf("first event = %v", events[0])
	}
	sessionID, _ := events[0]["session_id"].(string)
	if sessionID == "" {
		t.Fatal("stream_start carries no session_id")
	}
	if events[1]["type"] != "text_token" || events[1]["content"] != "he" {
		t.Errorf("second event = %v", events[1])
	}
	if events[2]["type"] != "text_token" || events[2]["content"] != "llo" {
		t.Errorf("third event = %v", events[2])
	}
	if events[len(events)-1]["type"] != "stream_end" {
		t.Errorf("last event = %v", events[len(events)-1])
	}

	session, err := mem.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if len(session.Messages) != 2 {
		t.Fatalf("session has %d messages, want 2", len(session.Messages))
	}
	if session.Messages[0].Role != models.RoleUser || session.Messages[0].Content != "hi" {
		t.Errorf("user message = %+v", session.Messages[0])
	}
	if session.Messages[1].Role != models.RoleAssistant || session.Messages[1].Content != "hello" {
		t.Errorf("assistant message = %+v", session.Messages[1])
	}
	if session.SessionName != "hi" {
		t.Errorf("session name = %q, want derived from first user message", session.SessionName)
	}

	stats := mem.CallStatistics()
	if len(stats) != 1 || stats[0].CallType != models.CallTypeChat {
		t.Errorf("statistics = %+v, want one chat entry", stats)
	}
}

func TestChatAgnoForwardsVerbatimAndCapturesTeamContent(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/teams/math/runs" {
			t.Errorf("path = %q, want /teams/math/runs", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("expected multipart form: %v", err)
		}
		if got := r.FormValue("stream"); got != "true" {
			t.Errorf("form stream = %q, want true", got)
		}
		if got := r.FormValue("monitor"); got != "true" {
			t.Errorf("form monitor = %q, want true", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"TeamRunStarted\"}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"TeamRunContent\",\"content\":\"The answer \"}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"TeamRunContent\",\"content\":\"is 4.\"}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"TeamRunCompleted\"}\n\n")
	}))
	defer backend.Close()

	mem := store.NewMemoryStore()
	mem.PutAgent(&models.Agent{
		ID: 2, Name: "agnobot",
		Framework:        models.FrameworkAgno,
		OriginalEndpoint: backend.URL,
		Status:           models.StatusProduction,
		Visibility:       models.VisibilityPublic,
	})
	router := newTestEngine(t, mem)

	rec := postChat(t, router, "bob", map[string]interface{}{
		"agent_id": 2,
		"team_id":  "math",
		"messages": []map[string]string{{"role": "user", "content": "solve"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	body := rec.Body.String()
	if !strings.Contains(body, `{"event":"TeamRunStarted"}`) {
		t.Error("upstream SSE line was not forwarded verbatim")
	}

	events := sseEvents(t, body)
	sessionID, _ := events[0]["session_id"].(string)
	session, err := mem.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if len(session.Messages) != 2 || session.Messages[1].Content != "The answer is 4." {
		t.Errorf("session messages = %+v", session.Messages)
	}
}

func TestChatReusesOwnedSession(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"output": "second answer"})
	}))
	defer backend.Close()

	mem := store.NewMemoryStore()
	mem.PutAgent(&models.Agent{
		ID: 3, Name: "langbot",
		Framework:        models.FrameworkLangchain,
		OriginalEndpoint: backend.URL,
		Status:           models.StatusProduction,
		Visibility:       models.VisibilityPublic,
	})
	router := newTestEngine(t, mem)

	first := postChat(t, router, "carol", map[string]interface{}{
		"agent_id": 3,
		"messages": []map[string]string{{"role": "user", "content": "first question"}},
	})
	sessionID, _ := sseEvents(t, first.Body.String())[0]["session_id"].(string)

	second := postChat(t, router, "carol", map[string]interface{}{
		"agent_id":   3,
		"session_id": sessionID,
		"messages":   []map[string]string{{"role": "user", "content": "second question"}},
	})
	events := sseEvents(t, second.Body.String())
	if got, _ := events[0]["session_id"].(string); got != sessionID {
		t.Fatalf("second chat session = %q, want reuse of %q", got, sessionID)
	}

	session, _ := mem.GetSession(context.Background(), sessionID)
	if len(session.Messages) != 4 {
		t.Fatalf("session has %d messages, want 4", len(session.Messages))
	}
	if session.SessionName != "first question" {
		t.Errorf("session name = %q, want set from first message only", session.SessionName)
	}
}

func TestConcurrentChatsOnSameSessionKeepAllMessages(t *testing.T) {
	firstIn := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Hold the first chat mid-dispatch so the second one overlaps it.
		if atomic.AddInt32(&calls, 1) == 1 {
			close(firstIn)
			<-release
		}
		json.NewEncoder(w).Encode(map[string]string{"output": "answer"})
	}))
	defer backend.Close()

	mem := store.NewMemoryStore()
	mem.PutAgent(&models.Agent{
		ID: 3, Name: "langbot",
		Framework:        models.FrameworkLangchain,
		OriginalEndpoint: backend.URL,
		Status:           models.StatusProduction,
		Visibility:       models.VisibilityPublic,
	})
	now := time.Now()
	mem.CreateSession(context.Background(), &models.Session{
		ID: "s-race", UserID: "erin", AgentID: 3, CreatedAt: now, LastMessageAt: now,
	})
	router := newTestEngine(t, mem)

	done := make(chan struct{}, 2)
	post := func(content string) {
		postChat(t, router, "erin", map[string]interface{}{
			"agent_id":   3,
			"session_id": "s-race",
			"messages":   []map[string]string{{"role": "user", "content": content}},
		})
		done <- struct{}{}
	}
	go post("first question")
	<-firstIn
	go post("second question")
	// Give the second chat time to load its session before the first
	// commits.
	time.Sleep(50 * time.Millisecond)
	close(release)
	<-done
	<-done

	session, err := mem.GetSession(context.Background(), "s-race")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if len(session.Messages) != 4 {
		t.Fatalf("session has %d messages after two completed chats, want 4", len(session.Messages))
	}
}

func TestChatErrorAfterStartEmitsSingleErrorEvent(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer backend.Close()

	mem := store.NewMemoryStore()
	mem.PutAgent(&models.Agent{
		ID: 4, Name: "brokenbot",
		Framework:        models.FrameworkADK,
		OriginalEndpoint: backend.URL,
		Status:           models.StatusProduction,
		Visibility:       models.VisibilityPublic,
	})
	router := newTestEngine(t, mem)

	rec := postChat(t, router, "dave", map[string]interface{}{
		"agent_id": 4,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	events := sseEvents(t, rec.Body.String())
	if events[0]["type"] != "stream_start" {
		t.Fatalf("first event = %v", events[0])
	}
	last := events[len(events)-1]
	if last["type"] != "error" {
		t.Fatalf("last event = %v, want error", last)
	}

	sessionID, _ := events[0]["session_id"].(string)
	session, err := mem.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if len(session.Messages) != 0 {
		t.Errorf("session has %d messages after failed stream, want 0", len(session.Messages))
	}
}

func TestChatDeniesPrivateAgent(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.PutAgent(&models.Agent{
		ID: 5, Name: "secretbot",
		Framework:        models.FrameworkADK,
		OriginalEndpoint: "http://localhost:9999",
		Status:           models.StatusProduction,
		Visibility:       models.VisibilityPrivate,
		OwnerID:          "alice",
	})
	router := newTestEngine(t, mem)

	rec := postChat(t, router, "mallory", map[string]interface{}{
		"agent_id": 5,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestSessionOwnership(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.CreateSession(context.Background(), &models.Session{ID: "s-1", UserID: "alice", AgentID: 1})
	router := newTestEngine(t, mem)

	req := httptest.NewRequest(http.MethodGet, "/api/hub/sessions/s-1", nil)
	req.Header.Set("X-User-ID", "bob")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign session status = %d, want 404", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/hub/sessions/s-1", nil)
	req.Header.Set("X-User-ID", "alice")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner session status = %d, want 200", rec.Code)
	}
}

func TestDeleteSessionDropsLockEntry(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.CreateSession(context.Background(), &models.Session{ID: "s-3", UserID: "alice", AgentID: 1})

	client := upstream.NewClient("")
	reg := registry.NewService(mem, client)
	chain := auth.NewChain(auth.NewAPIKeyProvider(mem), auth.NewSSOProvider())
	e := NewEngine(mem, reg, client, chain)
	router := chi.NewRouter()
	router.Route("/api/hub", e.Routes)

	e.sessionLock("s-3")

	req := httptest.NewRequest(http.MethodDelete, "/api/hub/sessions/s-3", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	e.mu.Lock()
	_, ok := e.locks["s-3"]
	e.mu.Unlock()
	if ok {
		t.Error("lock entry survived session deletion")
	}
}

func TestDeleteSessionRemovesTraceMapping(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.CreateSession(context.Background(), &models.Session{ID: "s-2", UserID: "alice", AgentID: 1})
	mem.SetSessionTrace(context.Background(), "s-2", "trace-xyz", 0)
	router := newTestEngine(t, mem)

	req := httptest.NewRequest(http.MethodDelete, "/api/hub/sessions/s-2", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if _, err := mem.GetSessionTrace(context.Background(), "s-2"); !store.IsNotFound(err) {
		t.Errorf("GetSessionTrace() error = %v, want not found", err)
	}
}
