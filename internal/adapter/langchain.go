package adapter

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/a2agate/a2agate/internal/platerr"
	"github.com/a2agate/a2agate/internal/upstream"
	"github.com/a2agate/a2agate/pkg/a2a"
	"github.com/a2agate/a2agate/pkg/models"
)

// Langchain adapts LangServe-style runnables: the joined text of all
// inbound parts becomes {"input":{"question":…}} and the scalar "output"
// of the response is wrapped back into an A2A message.
type Langchain struct{}

func (*Langchain) Framework() models.Framework { return models.FrameworkLangchain }

func (*Langchain) EndpointSuffix(SubResource) string { return "" }

func (*Langchain) TranslateRequest(_ interface{}, params *a2a.Params, _ SubResource) (*Request, error) {
	text := params.Message.JoinedText()
	if text == "" {
		return nil, platerr.New(platerr.KindTranslateRequest, "message contains no text parts")
	}
	return &Request{JSONBody: map[string]interface{}{
		"input": map[string]interface{}{"question": text},
		"config": map[string]interface{}{
			"metadata": map[string]interface{}{
				"message_id": params.Message.MessageID,
				"context_id": params.Message.ContextID,
				"task_id":    params.Message.TaskID,
			},
		},
	}}, nil
}

// langchainResponse is the subset of a runnable response the platform
// consumes. Output may be any scalar; it is stringified.
type langchainResponse struct {
	Output   interface{}            `json:"output"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (*Langchain) TranslateResponse(raw json.RawMessage, id interface{}, params *a2a.Params) (*a2a.Response, error) {
	var lr langchainResponse
	if err := json.Unmarshal(raw, &lr); err != nil {
		return nil, platerr.Wrap(platerr.KindTranslateResponse, err, "decode Langchain response")
	}
	if lr.Output == nil {
		return nil, platerr.New(platerr.KindTranslateResponse, "Langchain response has no output field")
	}
	msg := &a2a.Message{
		Kind:      "message",
		MessageID: responseMessageID(params),
		Role:      "agent",
		Parts:     []a2a.Part{a2a.TextPart(stringify(lr.Output))},
		Metadata:  lr.Metadata,
	}
	return a2a.NewResult(id, msg), nil
}

func (*Langchain) NewStream(id interface{}, params *a2a.Params) Stream {
	return &langchainStream{id: id, params: params}
}

type langchainStream struct {
	id     interface{}
	params *a2a.Params
	seq    int
	accum  int
	done   bool
}

func (s *langchainStream) Done() bool { return s.done }

// Feed accepts both NDJSON lines and SSE data: frames; each carries one
// chunk whose output text is wrapped into its own envelope with the
// sequence counter appended to the message id.
func (s *langchainStream) Feed(line []byte) []*a2a.Response {
	data, ok := upstream.SSEData(line)
	if !ok {
		data = line
	}
	if len(data) == 0 {
		return nil
	}
	if upstream.IsDone(data) {
		s.done = true
		return nil
	}
	var lr langchainResponse
	if err := json.Unmarshal(data, &lr); err != nil {
		log.Debug().Err(err).Msg("Skipping malformed Langchain stream frame")
		return nil
	}
	if lr.Output == nil {
		return nil
	}
	text := stringify(lr.Output)
	s.accum += len(text)
	msg := &a2a.Message{
		Kind:      "message",
		MessageID: responseMessageID(s.params) + "-chunk-" + strconv.Itoa(s.seq),
		Role:      "agent",
		Parts:     []a2a.Part{a2a.TextPart(text)},
		Metadata: map[string]interface{}{
			"accumulated_length": s.accum,
		},
	}
	s.seq++
	return []*a2a.Response{a2a.NewResult(s.id, msg)}
}

// stringify renders a scalar output value as text.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
