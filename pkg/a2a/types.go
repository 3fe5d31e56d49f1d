// Package a2a defines the JSON-RPC 2.0 wire types of the A2A protocol —
// the stable external envelope every registered agent is exposed through,
// regardless of its backend framework.
package a2a

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC version carried on every envelope.
const Version = "2.0"

// MethodMessageSend is the only method the platform router dispatches.
const MethodMessageSend = "message/send"

// MethodMessageStream is the streaming variant ADK backends expose.
const MethodMessageStream = "message/stream"

// ── Error codes ──────────────────────────────────────────────

// JSON-RPC error codes used by the A2A router. -32700/-32600/-32601 are
// the standard codes; the -3200x range is platform-defined.
const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeAgentNotFound     = -32002
	CodeAgentUnavailable  = -32003
	CodeTranslateRequest  = -32004
	CodeUpstreamTimeout   = -32005
	CodeUpstreamStatus    = -32006
	CodeInternal          = -32007
	CodeTranslateResponse = -32008
)

// ── Message parts ────────────────────────────────────────────

// Part is one content part of an A2A message. Only text parts are
// dispatched today; unknown kinds are carried through untouched.
//
// Inbound payloads tag parts with either "kind" or "type"; both are
// accepted. Outbound encoding always emits "kind".
type Part struct {
	Kind     string                 `json:"kind"`
	Text     string                 `json:"text,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// partWire mirrors Part with both tag keys for lenient decoding.
type partWire struct {
	Kind     string                 `json:"kind,omitempty"`
	Type     string                 `json:"type,omitempty"`
	Text     string                 `json:"text,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts "kind" or "type" as the part tag.
func (p *Part) UnmarshalJSON(data []byte) error {
	var w partWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind := w.Kind
	if kind == "" {
		kind = w.Type
	}
	if kind == "" {
		kind = "text"
	}
	p.Kind = kind
	p.Text = w.Text
	p.Metadata = w.Metadata
	return nil
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: "text", Text: text}
}

// ── Message ──────────────────────────────────────────────────

// Message is the A2A message payload carried in params and results.
type Message struct {
	Kind      string                 `json:"kind,omitempty"`
	MessageID string                 `json:"messageId"`
	Role      string                 `json:"role"`
	Parts     []Part                 `json:"parts"`
	ContextID string                 `json:"contextId,omitempty"`
	TaskID    string                 `json:"taskId,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// JoinedText concatenates all text parts separated by single spaces.
func (m *Message) JoinedText() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind != "text" || p.Text == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += p.Text
	}
	return out
}

// Configuration carries dispatch options from the caller.
type Configuration struct {
	Blocking            bool     `json:"blocking,omitempty"`
	AcceptedOutputModes []string `json:"acceptedOutputModes,omitempty"`
}

// Params is the params object of a message/send request.
type Params struct {
	Message       Message       `json:"message"`
	Configuration Configuration `json:"configuration,omitempty"`
}

// ── Request / Response envelopes ─────────────────────────────

// Request is an inbound JSON-RPC 2.0 request envelope.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      interface{}     `json:"id"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("a2a error %d: %s", e.Code, e.Message)
}

// Response is an outbound JSON-RPC 2.0 response envelope. Exactly one of
// Result or Err is set.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Err     *Error          `json:"error,omitempty"`
}

// NewResult builds a success envelope carrying a message result.
func NewResult(id interface{}, msg *Message) *Response {
	if msg.Kind == "" {
		msg.Kind = "message"
	}
	raw, _ := json.Marshal(msg)
	return &Response{Jsonrpc: Version, ID: id, Result: raw}
}

// NewRawResult builds a success envelope from an already-encoded result.
func NewRawResult(id interface{}, result json.RawMessage) *Response {
	return &Response{Jsonrpc: Version, ID: id, Result: result}
}

// NewError builds an error envelope.
func NewError(id interface{}, code int, message string) *Response {
	return &Response{Jsonrpc: Version, ID: id, Err: &Error{Code: code, Message: message}}
}

// ResultMessage decodes the result as an A2A message, if present.
func (r *Response) ResultMessage() (*Message, error) {
	if r.Result == nil {
		return nil, fmt.Errorf("response has no result")
	}
	var msg Message
	if err := json.Unmarshal(r.Result, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ── Agent Card ───────────────────────────────────────────────

// Capabilities describes the optional features an agent supports.
type Capabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications,omitempty"`
}

// Provider identifies the organization serving the agent.
type Provider struct {
	Organization string `json:"organization"`
	URL          string `json:"url"`
}

// Skill is one advertised capability on an Agent Card.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Card is the public description of an agent, served at
// /.well-known/agent-card.json under the agent's A2A path.
//
// Extra holds fields sourced from a stored card that the platform does
// not model; they are preserved verbatim on output.
type Card struct {
	Name               string                 `json:"name"`
	Description        string                 `json:"description"`
	URL                string                 `json:"url"`
	Version            string                 `json:"version"`
	ProtocolVersion    string                 `json:"protocolVersion"`
	Capabilities       Capabilities           `json:"capabilities"`
	PreferredTransport string                 `json:"preferredTransport"`
	Provider           *Provider              `json:"provider,omitempty"`
	Skills             []Skill                `json:"skills,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// cardKnownFields are the keys the typed Card struct already covers.
var cardKnownFields = map[string]bool{
	"name": true, "description": true, "url": true, "version": true,
	"protocolVersion": true, "capabilities": true, "preferredTransport": true,
	"provider": true, "skills": true, "metadata": true,
}

// UnmarshalJSON decodes a card while retaining unknown fields in Extra.
func (c *Card) UnmarshalJSON(data []byte) error {
	type alias Card
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = Card(a)

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k, v := range all {
		if cardKnownFields[k] {
			continue
		}
		if c.Extra == nil {
			c.Extra = make(map[string]json.RawMessage)
		}
		c.Extra[k] = v
	}
	return nil
}

// MarshalJSON encodes the card including preserved unknown fields.
func (c *Card) MarshalJSON() ([]byte, error) {
	type alias Card
	base, err := json.Marshal((*alias)(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
