package adapter

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/a2agate/a2agate/internal/platerr"
	"github.com/a2agate/a2agate/pkg/a2a"
	"github.com/a2agate/a2agate/pkg/models"
)

func textParams(id, text string) *a2a.Params {
	return &a2a.Params{
		Message: a2a.Message{
			Kind:      "message",
			MessageID: id,
			Role:      "user",
			Parts:     []a2a.Part{a2a.TextPart(text)},
		},
	}
}

func resultText(t *testing.T, resp *a2a.Response) string {
	t.Helper()
	msg, err := resp.ResultMessage()
	if err != nil {
		t.Fatalf("ResultMessage() error = %v", err)
	}
	return msg.JoinedText()
}

// ── Registry ────────────────────────────────────────────────

func TestRegistryCoversAllFrameworks(t *testing.T) {
	reg := NewRegistry()
	for _, fw := range []models.Framework{models.FrameworkADK, models.FrameworkAgno, models.FrameworkLangchain} {
		a, err := reg.For(fw)
		if err != nil {
			t.Fatalf("For(%s) error = %v", fw, err)
		}
		if a.Framework() != fw {
			t.Errorf("For(%s).Framework() = %s", fw, a.Framework())
		}
	}
	if _, err := reg.For(models.Framework("crewai")); err == nil {
		t.Error("For(unknown) expected error")
	}
}

// ── ADK ─────────────────────────────────────────────────────

func TestADKRequestWrapsEnvelope(t *testing.T) {
	req, err := (&ADK{}).TranslateRequest("req-1", textParams("msg-1", "hello"), SubResource{})
	if err != nil {
		t.Fatalf("TranslateRequest() error = %v", err)
	}
	raw, err := json.Marshal(req.JSONBody)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	var env a2a.Request
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Jsonrpc != a2a.Version || env.Method != a2a.MethodMessageSend {
		t.Errorf("envelope = %s %s, want 2.0 message/send", env.Jsonrpc, env.Method)
	}
	// The upstream sees the same JSON-RPC id the caller sent.
	if env.ID != "req-1" {
		t.Errorf("envelope id = %v, want req-1", env.ID)
	}
}

func TestADKResponseKeepsCallerID(t *testing.T) {
	upstream := `{"jsonrpc":"2.0","id":"upstream-id","result":{"kind":"message","messageId":"m","role":"agent","parts":[{"kind":"text","text":"4"}]}}`
	resp, err := (&ADK{}).TranslateResponse(json.RawMessage(upstream), "caller-7", textParams("m", "q"))
	if err != nil {
		t.Fatalf("TranslateResponse() error = %v", err)
	}
	if resp.ID != "caller-7" {
		t.Errorf("id = %v, want caller-7", resp.ID)
	}
	if got := resultText(t, resp); got != "4" {
		t.Errorf("text = %q, want 4", got)
	}
}

func TestADKStreamForwardsFrames(t *testing.T) {
	s := (&ADK{}).NewStream("req-1", textParams("m", "q"))

	chunks := s.Feed([]byte(`data: {"jsonrpc":"2.0","id":"x","result":{"kind":"message","messageId":"m1","role":"agent","parts":[{"kind":"text","text":"hi"}]}}`))
	if len(chunks) != 1 {
		t.Fatalf("Feed() returned %d chunks, want 1", len(chunks))
	}
	if chunks[0].ID != "req-1" {
		t.Errorf("chunk id = %v, want req-1", chunks[0].ID)
	}
	if s.Done() {
		t.Error("Done() = true before [DONE]")
	}

	if got := s.Feed([]byte("not an sse line")); got != nil {
		t.Errorf("non-SSE line produced %d chunks, want 0", len(got))
	}
	if got := s.Feed([]byte("data: {malformed")); got != nil {
		t.Errorf("malformed frame produced %d chunks, want 0", len(got))
	}

	s.Feed([]byte("data: [DONE]"))
	if !s.Done() {
		t.Error("Done() = false after [DONE]")
	}
}

// ── Langchain ───────────────────────────────────────────────

func TestLangchainRequestShape(t *testing.T) {
	params := textParams("msg-9", "What is 2+2?")
	params.Message.ContextID = "ctx-1"

	req, err := (&Langchain{}).TranslateRequest(1, params, SubResource{})
	if err != nil {
		t.Fatalf("TranslateRequest() error = %v", err)
	}
	raw, _ := json.Marshal(req.JSONBody)
	var body struct {
		Input struct {
			Question string `json:"question"`
		} `json:"input"`
		Config struct {
			Metadata map[string]string `json:"metadata"`
		} `json:"config"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Input.Question != "What is 2+2?" {
		t.Errorf("question = %q", body.Input.Question)
	}
	if body.Config.Metadata["message_id"] != "msg-9" || body.Config.Metadata["context_id"] != "ctx-1" {
		t.Errorf("metadata = %v", body.Config.Metadata)
	}
}

func TestLangchainRequestRejectsEmptyText(t *testing.T) {
	params := &a2a.Params{Message: a2a.Message{MessageID: "m"}}
	_, err := (&Langchain{}).TranslateRequest(1, params, SubResource{})
	if platerr.KindOf(err) != platerr.KindTranslateRequest {
		t.Fatalf("error kind = %v, want KindTranslateRequest", platerr.KindOf(err))
	}
}

func TestLangchainResponseWrapsOutput(t *testing.T) {
	resp, err := (&Langchain{}).TranslateResponse(json.RawMessage(`{"output":"2+2 equals 4."}`), 1, textParams("msg-9", "q"))
	if err != nil {
		t.Fatalf("TranslateResponse() error = %v", err)
	}
	msg, err := resp.ResultMessage()
	if err != nil {
		t.Fatalf("ResultMessage() error = %v", err)
	}
	if msg.MessageID != "response-msg-9" {
		t.Errorf("messageId = %q, want response-msg-9", msg.MessageID)
	}
	if msg.Role != "agent" || msg.JoinedText() != "2+2 equals 4." {
		t.Errorf("message = %+v", msg)
	}
}

func TestLangchainResponseMissingOutput(t *testing.T) {
	_, err := (&Langchain{}).TranslateResponse(json.RawMessage(`{"metadata":{}}`), 1, textParams("m", "q"))
	if platerr.KindOf(err) != platerr.KindTranslateResponse {
		t.Fatalf("error kind = %v, want KindTranslateResponse", platerr.KindOf(err))
	}
}

func TestLangchainStreamChunks(t *testing.T) {
	s := (&Langchain{}).NewStream(5, textParams("msg-2", "q"))

	first := s.Feed([]byte(`{"output":"Hel"}`))
	second := s.Feed([]byte(`data: {"output":"lo"}`))
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("chunk counts = %d,%d, want 1,1", len(first), len(second))
	}

	msg1, _ := first[0].ResultMessage()
	msg2, _ := second[0].ResultMessage()
	if msg1.MessageID != "response-msg-2-chunk-0" || msg2.MessageID != "response-msg-2-chunk-1" {
		t.Errorf("chunk ids = %q, %q", msg1.MessageID, msg2.MessageID)
	}
	if got, ok := msg2.Metadata["accumulated_length"].(float64); !ok || got != 5 {
		t.Errorf("accumulated_length = %v, want 5", msg2.Metadata["accumulated_length"])
	}

	s.Feed([]byte("data: [DONE]"))
	if !s.Done() {
		t.Error("Done() = false after [DONE]")
	}
}

// ── Agno ────────────────────────────────────────────────────

func TestAgnoEndpointSuffix(t *testing.T) {
	tests := []struct {
		sub  SubResource
		want string
	}{
		{SubResource{Type: "team", ID: "math"}, "/teams/math/runs"},
		{SubResource{Type: "agent", ID: "solver"}, "/agents/solver/runs"},
		{SubResource{}, "/runs"},
	}
	for _, tt := range tests {
		if got := (&Agno{}).EndpointSuffix(tt.sub); got != tt.want {
			t.Errorf("EndpointSuffix(%+v) = %q, want %q", tt.sub, got, tt.want)
		}
	}
}

func TestAgnoRequestForm(t *testing.T) {
	params := textParams("msg-3", "solve it")
	params.Message.ContextID = "user-42"
	params.Configuration.Blocking = true

	req, err := (&Agno{}).TranslateRequest(1, params, SubResource{Type: "team", ID: "math"})
	if err != nil {
		t.Fatalf("TranslateRequest() error = %v", err)
	}
	want := map[string]string{
		"message": "solve it",
		"stream":  "false",
		"monitor": "false",
		"user_id": "user-42",
	}
	for k, v := range want {
		if req.Form[k] != v {
			t.Errorf("form[%s] = %q, want %q", k, req.Form[k], v)
		}
	}

	params.Configuration.Blocking = false
	req, _ = (&Agno{}).TranslateRequest(1, params, SubResource{})
	if req.Form["stream"] != "true" {
		t.Errorf("form[stream] = %q, want true for non-blocking", req.Form["stream"])
	}
}

func TestAgnoResponseCarriesRunMetadata(t *testing.T) {
	raw := json.RawMessage(`{"content":"done","run_id":"r-1","status":"COMPLETED","metrics":{"input_tokens":12}}`)
	resp, err := (&Agno{}).TranslateResponse(raw, "id-1", textParams("m", "q"))
	if err != nil {
		t.Fatalf("TranslateResponse() error = %v", err)
	}
	msg, _ := resp.ResultMessage()
	if msg.JoinedText() != "done" {
		t.Errorf("text = %q, want done", msg.JoinedText())
	}
	if msg.Metadata["agno_run_id"] != "r-1" || msg.Metadata["agno_status"] != "COMPLETED" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}

func TestAgnoStreamTerminatesOnDoneFlag(t *testing.T) {
	s := (&Agno{}).NewStream("id", textParams("m", "q"))

	chunks := s.Feed([]byte(`data: {"output":"partial"}`))
	if len(chunks) != 1 || s.Done() {
		t.Fatalf("chunks = %d, done = %v, want 1, false", len(chunks), s.Done())
	}
	s.Feed([]byte(`data: {"done":true}`))
	if !s.Done() {
		t.Error("Done() = false after done frame")
	}
}

// ── stringify ───────────────────────────────────────────────

func TestStringify(t *testing.T) {
	if got := stringify("plain"); got != "plain" {
		t.Errorf("stringify(string) = %q", got)
	}
	if got := stringify(float64(4)); got != "4" {
		t.Errorf("stringify(float64) = %q", got)
	}
	if got := stringify(map[string]interface{}{"a": 1}); !strings.Contains(got, `"a":1`) {
		t.Errorf("stringify(map) = %q", got)
	}
}
