package llmproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/a2agate/a2agate/internal/platerr"
	"github.com/a2agate/a2agate/internal/upstream"
)

// Provider names used in model configs and call records.
const (
	ProviderGoogle    = "google"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// selectProvider picks the upstream provider from the model name.
func selectProvider(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "gemini") || strings.Contains(m, "google"):
		return ProviderGoogle
	case strings.Contains(m, "gpt") || strings.Contains(m, "openai"):
		return ProviderOpenAI
	case strings.Contains(m, "claude") || strings.Contains(m, "anthropic"):
		return ProviderAnthropic
	}
	return ProviderGoogle
}

// ── OpenAI-shaped wire types ────────────────────────────────

// ChatMessage is one OpenAI-shaped chat message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the inbound OpenAI-compatible completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// Usage is the OpenAI-shaped token accounting block.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// completion is the downstream non-streaming result.
type completion struct {
	content string
	usage   Usage
}

func (c *completion) openAIResponse(model string) map[string]interface{} {
	return map[string]interface{}{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": c.content},
			"finish_reason": "stop",
		}},
		"usage": c.usage,
	}
}

// chunkEnvelope renders one OpenAI streaming chunk.
func chunkEnvelope(id, model, delta string) map[string]interface{} {
	return map[string]interface{}{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{{
			"index": 0,
			"delta": map[string]string{"content": delta},
		}},
	}
}

// streamSink receives converted OpenAI chunks. Implemented by the proxy
// handler's SSE writer.
type streamSink interface {
	chunk(payload []byte) error
}

// provider converts one upstream provider's wire formats.
type provider interface {
	// complete performs a non-streaming call.
	complete(ctx context.Context, req *ChatRequest) (*completion, error)

	// stream performs a streaming call, delivering OpenAI-shaped chunks
	// and returning the concatenated content plus any reported usage.
	stream(ctx context.Context, req *ChatRequest, sink streamSink) (*completion, error)
}

// target is the resolved upstream endpoint and credential for one call.
type target struct {
	endpoint string
	apiKey   string
}

// ── OpenAI ──────────────────────────────────────────────────

// openAIProvider forwards requests unchanged; the inbound contract is
// already OpenAI's.
type openAIProvider struct {
	client *upstream.Client
	target target
}

func (p *openAIProvider) url() string {
	return strings.TrimRight(p.target.endpoint, "/") + "/v1/chat/completions"
}

func (p *openAIProvider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.target.apiKey}
}

func (p *openAIProvider) complete(ctx context.Context, req *ChatRequest) (*completion, error) {
	raw, err := p.client.DoJSON(ctx, &upstream.Request{
		Method:   http.MethodPost,
		URL:      p.url(),
		Headers:  p.headers(),
		JSONBody: req,
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Choices []struct {
			Message ChatMessage `json:"message"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, platerr.Wrap(platerr.KindTranslateResponse, err, "decode OpenAI response")
	}
	if len(body.Choices) == 0 {
		return nil, platerr.New(platerr.KindTranslateResponse, "OpenAI response has no choices")
	}
	return &completion{content: body.Choices[0].Message.Content, usage: body.Usage}, nil
}

func (p *openAIProvider) stream(ctx context.Context, req *ChatRequest, sink streamSink) (*completion, error) {
	out := &completion{}
	err := p.client.Stream(ctx, &upstream.Request{
		Method:   http.MethodPost,
		URL:      p.url(),
		Headers:  p.headers(),
		JSONBody: req,
	}, func(line []byte) error {
		data, ok := upstream.SSEData(line)
		if !ok || len(data) == 0 || upstream.IsDone(data) {
			return nil
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *Usage `json:"usage"`
		}
		if err := json.Unmarshal(data, &chunk); err == nil {
			if len(chunk.Choices) > 0 {
				out.content += chunk.Choices[0].Delta.Content
			}
			if chunk.Usage != nil {
				out.usage = *chunk.Usage
			}
		}
		// OpenAI chunks pass through verbatim.
		return sink.chunk(data)
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

// ── Anthropic ───────────────────────────────────────────────

type anthropicProvider struct {
	client *upstream.Client
	target target
}

func (p *anthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.target.apiKey,
		"anthropic-version": "2023-06-01",
	}
}

// body converts the OpenAI shape to the Messages API: system prompts move
// into the top-level system field and max_tokens becomes mandatory.
func (p *anthropicProvider) body(req *ChatRequest, stream bool) map[string]interface{} {
	var system string
	messages := make([]ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		messages = append(messages, m)
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	body := map[string]interface{}{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if system != "" {
		body["system"] = system
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if stream {
		body["stream"] = true
	}
	return body
}

func (p *anthropicProvider) url() string {
	return strings.TrimRight(p.target.endpoint, "/") + "/v1/messages"
}

func (p *anthropicProvider) complete(ctx context.Context, req *ChatRequest) (*completion, error) {
	raw, err := p.client.DoJSON(ctx, &upstream.Request{
		Method:   http.MethodPost,
		URL:      p.url(),
		Headers:  p.headers(),
		JSONBody: p.body(req, false),
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, platerr.Wrap(platerr.KindTranslateResponse, err, "decode Anthropic response")
	}
	var content strings.Builder
	for _, block := range body.Content {
		content.WriteString(block.Text)
	}
	return &completion{
		content: content.String(),
		usage: Usage{
			PromptTokens:     body.Usage.InputTokens,
			CompletionTokens: body.Usage.OutputTokens,
			TotalTokens:      body.Usage.InputTokens + body.Usage.OutputTokens,
		},
	}, nil
}

func (p *anthropicProvider) stream(ctx context.Context, req *ChatRequest, sink streamSink) (*completion, error) {
	out := &completion{}
	chunkID := "chatcmpl-" + uuid.NewString()
	err := p.client.Stream(ctx, &upstream.Request{
		Method:   http.MethodPost,
		URL:      p.url(),
		Headers:  p.headers(),
		JSONBody: p.body(req, true),
	}, func(line []byte) error {
		data, ok := upstream.SSEData(line)
		if !ok || len(data) == 0 {
			return nil
		}
		var ev struct {
			Type  string `json:"type"`
			Delta struct {
				Text string `json:"text"`
			} `json:"delta"`
			Usage *struct {
				InputTokens  int64 `json:"input_tokens"`
				OutputTokens int64 `json:"output_tokens"`
			} `json:"usage"`
			Message *struct {
				Usage struct {
					InputTokens  int64 `json:"input_tokens"`
					OutputTokens int64 `json:"output_tokens"`
				} `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil
		}
		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				out.usage.PromptTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if ev.Delta.Text == "" {
				return nil
			}
			out.content += ev.Delta.Text
			payload, err := json.Marshal(chunkEnvelope(chunkID, req.Model, ev.Delta.Text))
			if err != nil {
				return nil
			}
			return sink.chunk(payload)
		case "message_delta":
			if ev.Usage != nil {
				out.usage.CompletionTokens = ev.Usage.OutputTokens
			}
		}
		return nil
	})
	out.usage.TotalTokens = out.usage.PromptTokens + out.usage.CompletionTokens
	if err != nil {
		return out, err
	}
	return out, nil
}

// ── Google ──────────────────────────────────────────────────

type googleProvider struct {
	client *upstream.Client
	target target
}

// body converts the OpenAI shape to generateContent: assistant turns
// become "model" roles and system prompts move to systemInstruction.
func (p *googleProvider) body(req *ChatRequest) map[string]interface{} {
	var system string
	var contents []map[string]interface{}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n"
			}
			system += m.Content
		case "assistant":
			contents = append(contents, map[string]interface{}{
				"role":  "model",
				"parts": []map[string]string{{"text": m.Content}},
			})
		default:
			contents = append(contents, map[string]interface{}{
				"role":  "user",
				"parts": []map[string]string{{"text": m.Content}},
			})
		}
	}
	body := map[string]interface{}{"contents": contents}
	if system != "" {
		body["systemInstruction"] = map[string]interface{}{
			"parts": []map[string]string{{"text": system}},
		}
	}
	genConfig := map[string]interface{}{}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}
	return body
}

func (p *googleProvider) url(model, verb string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s",
		strings.TrimRight(p.target.endpoint, "/"), model, verb, p.target.apiKey)
}

// googleResponse is the shared shape of generateContent results and
// stream frames.
type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (r *googleResponse) text() string {
	var sb strings.Builder
	for _, c := range r.Candidates {
		for _, part := range c.Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

func (p *googleProvider) complete(ctx context.Context, req *ChatRequest) (*completion, error) {
	raw, err := p.client.DoJSON(ctx, &upstream.Request{
		Method:   http.MethodPost,
		URL:      p.url(req.Model, "generateContent"),
		JSONBody: p.body(req),
	})
	if err != nil {
		return nil, err
	}
	var body googleResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, platerr.Wrap(platerr.KindTranslateResponse, err, "decode Google response")
	}
	out := &completion{content: body.text()}
	if body.UsageMetadata != nil {
		out.usage = Usage{
			PromptTokens:     body.UsageMetadata.PromptTokenCount,
			CompletionTokens: body.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      body.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

func (p *googleProvider) stream(ctx context.Context, req *ChatRequest, sink streamSink) (*completion, error) {
	out := &completion{}
	chunkID := "chatcmpl-" + uuid.NewString()
	err := p.client.Stream(ctx, &upstream.Request{
		Method:   http.MethodPost,
		URL:      p.url(req.Model, "streamGenerateContent") + "&alt=sse",
		JSONBody: p.body(req),
	}, func(line []byte) error {
		data, ok := upstream.SSEData(line)
		if !ok || len(data) == 0 || upstream.IsDone(data) {
			return nil
		}
		var frame googleResponse
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil
		}
		if frame.UsageMetadata != nil {
			out.usage = Usage{
				PromptTokens:     frame.UsageMetadata.PromptTokenCount,
				CompletionTokens: frame.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      frame.UsageMetadata.TotalTokenCount,
			}
		}
		text := frame.text()
		if text == "" {
			return nil
		}
		out.content += text
		payload, err := json.Marshal(chunkEnvelope(chunkID, req.Model, text))
		if err != nil {
			return nil
		}
		return sink.chunk(payload)
	})
	if err != nil {
		return out, err
	}
	return out, nil
}
