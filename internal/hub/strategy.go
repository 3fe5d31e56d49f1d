package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/a2agate/a2agate/internal/adapter"
	"github.com/a2agate/a2agate/internal/platerr"
	"github.com/a2agate/a2agate/internal/upstream"
	"github.com/a2agate/a2agate/pkg/a2a"
	"github.com/a2agate/a2agate/pkg/models"
)

// emitter delivers one SSE event payload downstream. Raw lines are
// forwarded with emitRaw to preserve upstream framing byte for byte.
type emitter interface {
	emit(event interface{}) error
	emitRaw(line []byte) error
}

// dispatch is one strategy invocation: stream the agent's answer for
// userText, emitting intermediate frames, and return the final assistant
// content.
type dispatch struct {
	client  *upstream.Client
	agent   *models.Agent
	sub     adapter.SubResource
	session *models.Session
	userID  string
}

// run selects the streaming strategy by framework.
func (d *dispatch) run(ctx context.Context, userText string, out emitter) (string, error) {
	switch d.agent.Framework {
	case models.FrameworkADK:
		return d.runADK(ctx, userText, out)
	case models.FrameworkAgno:
		return d.runAgno(ctx, userText, out)
	case models.FrameworkLangchain:
		return d.runLangchain(ctx, userText, out)
	}
	return "", platerr.New(platerr.KindInternal, "no streaming strategy for framework %q", d.agent.Framework)
}

// ── ADK ─────────────────────────────────────────────────────

// adkStreamResult is the result object of one message/stream chunk.
type adkStreamResult struct {
	Kind      string `json:"kind"`
	LastChunk bool   `json:"lastChunk"`
	Artifact  struct {
		Parts []a2a.Part `json:"parts"`
	} `json:"artifact"`
	Parts []a2a.Part `json:"parts"`
}

// runADK issues a JSON-RPC message/stream call carrying the single new
// user message; history stays client-side.
func (d *dispatch) runADK(ctx context.Context, userText string, out emitter) (string, error) {
	body := map[string]interface{}{
		"jsonrpc": a2a.Version,
		"method":  a2a.MethodMessageStream,
		"id":      uuid.NewString(),
		"params": a2a.Params{
			Message: a2a.Message{
				Kind:      "message",
				MessageID: uuid.NewString(),
				Role:      "user",
				Parts:     []a2a.Part{a2a.TextPart(userText)},
			},
		},
	}

	var builder strings.Builder
	var final string
	err := d.client.Stream(ctx, &upstream.Request{
		Method:   http.MethodPost,
		URL:      strings.TrimRight(d.agent.EffectiveEndpoint(), "/"),
		JSONBody: body,
	}, func(line []byte) error {
		data, ok := upstream.SSEData(line)
		if !ok {
			data = line
		}
		if len(data) == 0 || upstream.IsDone(data) {
			return nil
		}
		var chunk struct {
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(data, &chunk); err != nil || chunk.Result == nil {
			return nil
		}
		var result adkStreamResult
		if err := json.Unmarshal(chunk.Result, &result); err != nil {
			log.Debug().Err(err).Msg("Skipping malformed ADK stream result")
			return nil
		}

		switch result.Kind {
		case "artifact-update":
			text := joinParts(result.Artifact.Parts)
			if text != "" {
				builder.WriteString(text)
				if err := out.emit(map[string]interface{}{"type": "text_token", "content": text}); err != nil {
					return err
				}
			}
			if result.LastChunk {
				final = builder.String()
			}
		case "message":
			content := joinParts(result.Parts)
			final = content
			if err := out.emit(map[string]interface{}{"type": "message", "content": content}); err != nil {
				return err
			}
		case "status-update":
			if err := out.emit(map[string]interface{}{"type": "task_status_update", "data": json.RawMessage(chunk.Result)}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if final == "" {
		final = builder.String()
	}
	return final, nil
}

func joinParts(parts []a2a.Part) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.Kind == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ── Agno ────────────────────────────────────────────────────

// agnoEvent is the subset of an Agno run frame the engine inspects.
type agnoEvent struct {
	Event   string `json:"event"`
	Content string `json:"content"`
}

// runAgno posts the run as multipart with streaming and monitoring on,
// forwarding every upstream SSE line verbatim while collecting the
// assistant content from the run-content events.
func (d *dispatch) runAgno(ctx context.Context, userText string, out emitter) (string, error) {
	contentEvent := "RunContent"
	if d.sub.Type == "team" {
		contentEvent = "TeamRunContent"
	}

	message := d.historyPrefix() + userText
	target := strings.TrimRight(d.agent.EffectiveEndpoint(), "/") + (&adapter.Agno{}).EndpointSuffix(d.sub)

	var builder strings.Builder
	err := d.client.Stream(ctx, &upstream.Request{
		Method: http.MethodPost,
		URL:    target,
		Form: map[string]string{
			"message": message,
			"stream":  "true",
			"monitor": "true",
			"user_id": d.userID,
		},
	}, func(line []byte) error {
		if len(line) == 0 {
			return nil
		}
		if err := out.emitRaw(line); err != nil {
			return err
		}
		data, ok := upstream.SSEData(line)
		if !ok {
			data = line
		}
		var ev agnoEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil
		}
		if ev.Event == contentEvent {
			builder.WriteString(ev.Content)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return builder.String(), nil
}

// historyPrefix renders the stored conversation as plain text so a
// stateless remote reconstructs context.
func (d *dispatch) historyPrefix() string {
	if len(d.session.Messages) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Previous conversation:\n")
	for _, m := range d.session.Messages {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("\nCurrent message: ")
	return sb.String()
}

// ── Langchain ───────────────────────────────────────────────

// runLangchain posts the question and consumes either an SSE stream or a
// one-shot JSON body, per the agent's configured response format.
func (d *dispatch) runLangchain(ctx context.Context, userText string, out emitter) (string, error) {
	req := &upstream.Request{
		Method: http.MethodPost,
		URL:    strings.TrimRight(d.agent.EffectiveEndpoint(), "/"),
		JSONBody: map[string]interface{}{
			"input": map[string]interface{}{"question": userText},
		},
	}

	switch strings.ToLower(d.agent.ResponseFormat) {
	case "sse", "stream", "streaming":
		return d.runLangchainSSE(ctx, req, out)
	}
	return d.runLangchainJSON(ctx, req, out)
}

func (d *dispatch) runLangchainSSE(ctx context.Context, req *upstream.Request, out emitter) (string, error) {
	var builder strings.Builder
	err := d.client.Stream(ctx, req, func(line []byte) error {
		data, ok := upstream.SSEData(line)
		if !ok {
			data = line
		}
		if len(data) == 0 || upstream.IsDone(data) {
			return nil
		}
		var frame map[string]interface{}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil
		}
		text := firstString(frame, "content", "output", "delta")
		if text == "" {
			return nil
		}
		builder.WriteString(text)
		return out.emit(map[string]interface{}{"type": "content_chunk", "content": text})
	})
	if err != nil {
		return "", err
	}
	return builder.String(), nil
}

func (d *dispatch) runLangchainJSON(ctx context.Context, req *upstream.Request, out emitter) (string, error) {
	raw, err := d.client.DoJSON(ctx, req)
	if err != nil {
		return "", err
	}
	content := string(raw)
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err == nil {
		if text := firstString(body, "output", "content"); text != "" {
			content = text
		}
	}
	if err := out.emit(map[string]interface{}{"type": "message", "content": content}); err != nil {
		return "", err
	}
	return content, nil
}

// firstString returns the first of the named keys holding a non-empty
// string or stringifiable scalar.
func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]interface{}:
			// LangServe nests delta content one level down.
			if s := firstString(v, "content", "output"); s != "" {
				return s
			}
		}
	}
	return ""
}
