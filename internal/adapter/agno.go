package adapter

import (
	"encoding/json"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/a2agate/a2agate/internal/platerr"
	"github.com/a2agate/a2agate/internal/upstream"
	"github.com/a2agate/a2agate/pkg/a2a"
	"github.com/a2agate/a2agate/pkg/models"
)

// Agno adapts Agno runtimes. One Agno base endpoint hosts many teams and
// agents, addressed by a path suffix; requests go out as multipart form
// fields because the runtime requires that encoding.
type Agno struct{}

func (*Agno) Framework() models.Framework { return models.FrameworkAgno }

func (*Agno) EndpointSuffix(sub SubResource) string {
	switch sub.Type {
	case "team":
		return "/teams/" + sub.ID + "/runs"
	case "agent":
		return "/agents/" + sub.ID + "/runs"
	}
	return "/runs"
}

func (*Agno) TranslateRequest(_ interface{}, params *a2a.Params, _ SubResource) (*Request, error) {
	text := params.Message.JoinedText()
	if text == "" {
		return nil, platerr.New(platerr.KindTranslateRequest, "message contains no text parts")
	}
	userID := params.Message.ContextID
	if userID == "" {
		userID = params.Message.MessageID
	}
	stream := "true"
	if params.Configuration.Blocking {
		stream = "false"
	}
	return &Request{Form: map[string]string{
		"message": text,
		"stream":  stream,
		"monitor": "false",
		"user_id": userID,
	}}, nil
}

// agnoResponse is the run result shape returned by Agno endpoints.
type agnoResponse struct {
	Content interface{}            `json:"content"`
	Metrics map[string]interface{} `json:"metrics"`
	RunID   string                 `json:"run_id"`
	Status  string                 `json:"status"`
}

func (*Agno) TranslateResponse(raw json.RawMessage, id interface{}, params *a2a.Params) (*a2a.Response, error) {
	var ar agnoResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return nil, platerr.Wrap(platerr.KindTranslateResponse, err, "decode Agno response")
	}
	metadata := map[string]interface{}{
		"agno_run_id": ar.RunID,
		"agno_status": ar.Status,
	}
	if ar.Metrics != nil {
		metadata["agno_metrics"] = ar.Metrics
	}
	msg := &a2a.Message{
		Kind:      "message",
		MessageID: responseMessageID(params),
		Role:      "agent",
		Parts:     []a2a.Part{a2a.TextPart(stringify(ar.Content))},
		Metadata:  metadata,
	}
	return a2a.NewResult(id, msg), nil
}

func (*Agno) NewStream(id interface{}, params *a2a.Params) Stream {
	return &agnoStream{id: id, params: params}
}

// agnoFrame is one SSE frame of an Agno run stream.
type agnoFrame struct {
	Output   interface{}            `json:"output"`
	Done     bool                   `json:"done"`
	Metadata map[string]interface{} `json:"metadata"`
}

type agnoStream struct {
	id     interface{}
	params *a2a.Params
	seq    int
	accum  int
	done   bool
}

func (s *agnoStream) Done() bool { return s.done }

func (s *agnoStream) Feed(line []byte) []*a2a.Response {
	data, ok := upstream.SSEData(line)
	if !ok {
		return nil
	}
	if upstream.IsDone(data) {
		s.done = true
		return nil
	}
	var frame agnoFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Debug().Err(err).Msg("Skipping malformed Agno stream frame")
		return nil
	}
	if frame.Done {
		s.done = true
	}
	if frame.Output == nil {
		return nil
	}
	text := stringify(frame.Output)
	s.accum += len(text)
	metadata := map[string]interface{}{
		"accumulated_length": s.accum,
	}
	for k, v := range frame.Metadata {
		metadata[k] = v
	}
	msg := &a2a.Message{
		Kind:      "message",
		MessageID: responseMessageID(s.params) + "-chunk-" + strconv.Itoa(s.seq),
		Role:      "agent",
		Parts:     []a2a.Part{a2a.TextPart(text)},
		Metadata:  metadata,
	}
	s.seq++
	return []*a2a.Response{a2a.NewResult(s.id, msg)}
}
