package adapter

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/a2agate/a2agate/internal/platerr"
	"github.com/a2agate/a2agate/internal/upstream"
	"github.com/a2agate/a2agate/pkg/a2a"
	"github.com/a2agate/a2agate/pkg/models"
)

// ADK adapts agents whose native protocol is already JSON-RPC A2A.
// Requests and responses pass through unchanged; streams are SSE frames
// carrying complete JSON-RPC envelopes.
type ADK struct{}

func (*ADK) Framework() models.Framework { return models.FrameworkADK }

func (*ADK) EndpointSuffix(SubResource) string { return "" }

func (*ADK) TranslateRequest(id interface{}, params *a2a.Params, _ SubResource) (*Request, error) {
	return &Request{JSONBody: map[string]interface{}{
		"jsonrpc": a2a.Version,
		"method":  a2a.MethodMessageSend,
		"id":      id,
		"params":  params,
	}}, nil
}

func (*ADK) TranslateResponse(raw json.RawMessage, id interface{}, _ *a2a.Params) (*a2a.Response, error) {
	var resp a2a.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, platerr.Wrap(platerr.KindTranslateResponse, err, "decode ADK response")
	}
	// Answer with the caller's request id, not the upstream's.
	resp.ID = id
	if resp.Jsonrpc == "" {
		resp.Jsonrpc = a2a.Version
	}
	return &resp, nil
}

func (*ADK) NewStream(id interface{}, _ *a2a.Params) Stream {
	return &adkStream{id: id}
}

type adkStream struct {
	id   interface{}
	done bool
}

func (s *adkStream) Done() bool { return s.done }

// Feed consumes SSE data: frames, terminating on [DONE], and forwards
// each parsed JSON-RPC object untouched.
func (s *adkStream) Feed(line []byte) []*a2a.Response {
	data, ok := upstream.SSEData(line)
	if !ok {
		return nil
	}
	if upstream.IsDone(data) {
		s.done = true
		return nil
	}
	var resp a2a.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		log.Debug().Err(err).Msg("Skipping malformed ADK stream frame")
		return nil
	}
	resp.ID = s.id
	if resp.Jsonrpc == "" {
		resp.Jsonrpc = a2a.Version
	}
	return []*a2a.Response{&resp}
}
