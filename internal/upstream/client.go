// Package upstream implements the HTTP client the platform uses to reach
// external agent endpoints and LLM providers. It posts JSON or multipart
// form bodies and consumes line-oriented responses (newline-delimited
// JSON or SSE data: frames), forwarding each line to the caller.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/a2agate/a2agate/internal/platerr"
)

// Timeouts for the three interaction shapes.
const (
	ConnectTimeout = 5 * time.Second
	RequestTimeout = 30 * time.Second
	StreamTimeout  = 300 * time.Second
)

// Client is the process-wide upstream HTTP client. The underlying
// connection pool is safe for concurrent use; construct one at start-up
// and pass it by argument.
type Client struct {
	http *http.Client

	// hostAlias replaces localhost targets when running in a container.
	hostAlias string
}

// NewClient builds a pooled keep-alive client. hostAlias may be empty.
func NewClient(hostAlias string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: ConnectTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	// Per-request deadlines come from the context; the client itself
	// must not cap streaming responses.
	return &Client{
		http:      &http.Client{Transport: transport},
		hostAlias: hostAlias,
	}
}

// Request describes one upstream call. Exactly one of JSONBody and Form
// should be set for POSTs; both nil sends no body.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string

	// JSONBody is marshalled and posted as application/json.
	JSONBody interface{}

	// Form is posted as multipart/form-data with an empty file list.
	// Used by the Agno runtime, which requires that encoding.
	Form map[string]string
}

// DoJSON performs a non-streaming call, reads the whole response and
// returns the raw body. The request deadline is RequestTimeout unless
// the context carries a sooner one.
func (c *Client) DoJSON(ctx context.Context, req *Request) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	resp, err := c.open(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err)
	}
	return body, nil
}

// Stream performs a streaming call and invokes fn once per response
// line, including empty lines (SSE event separators). fn returning an
// error stops consumption and closes the upstream socket. The deadline
// is StreamTimeout.
func (c *Client) Stream(ctx context.Context, req *Request, fn func(line []byte) error) error {
	ctx, cancel := context.WithTimeout(ctx, StreamTimeout)
	defer cancel()

	resp, err := c.open(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := fn(scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return classify(err)
	}
	return nil
}

// open builds, rewrites and issues the request, returning the response
// when the status is 200 or 201.
func (c *Client) open(ctx context.Context, req *Request) (*http.Response, error) {
	target, err := c.RewriteURL(req.URL)
	if err != nil {
		return nil, platerr.Wrap(platerr.KindInvalidRequest, err, "invalid upstream url %q", req.URL)
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.Form != nil:
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		for k, v := range req.Form {
			if err := mw.WriteField(k, v); err != nil {
				return nil, platerr.Wrap(platerr.KindInternal, err, "encode form field %q", k)
			}
		}
		if err := mw.Close(); err != nil {
			return nil, platerr.Wrap(platerr.KindInternal, err, "finalize multipart body")
		}
		body = buf
		contentType = mw.FormDataContentType()
	case req.JSONBody != nil:
		raw, err := json.Marshal(req.JSONBody)
		if err != nil {
			return nil, platerr.Wrap(platerr.KindTranslateRequest, err, "encode request body")
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, platerr.Wrap(platerr.KindInternal, err, "build upstream request")
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, platerr.UpstreamStatus(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

// RewriteURL applies the container-host alias to localhost endpoints.
// Routing detail only; the wire contract is unchanged.
func (c *Client) RewriteURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if c.hostAlias == "" {
		return raw, nil
	}
	host := u.Hostname()
	if host != "localhost" && host != "127.0.0.1" {
		return raw, nil
	}
	port := u.Port()
	if port != "" {
		u.Host = net.JoinHostPort(c.hostAlias, port)
	} else {
		u.Host = c.hostAlias
	}
	log.Debug().Str("from", raw).Str("to", u.String()).Msg("Rewrote localhost endpoint to container host")
	return u.String(), nil
}

// classify maps transport errors onto platform error kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return platerr.Wrap(platerr.KindUpstreamTimeout, err, "upstream timed out")
	case errors.Is(err, context.Canceled):
		return platerr.Wrap(platerr.KindInternal, err, "request cancelled")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return platerr.Wrap(platerr.KindUpstreamTimeout, err, "upstream timed out")
	}
	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return platerr.Wrap(platerr.KindUpstreamUnreachable, err, "upstream TLS failure")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return platerr.Wrap(platerr.KindUpstreamUnreachable, err, "upstream unreachable")
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return platerr.Wrap(platerr.KindUpstreamUnreachable, err, "upstream unreachable")
	}
	return platerr.Wrap(platerr.KindInternal, err, "upstream request failed")
}

// ── SSE helpers ─────────────────────────────────────────────

// DoneSentinel is the terminal SSE frame body.
const DoneSentinel = "[DONE]"

// SSEData strips the "data:" prefix from an SSE line. The second return
// is false for non-data lines (comments, event names, empty separators).
func SSEData(line []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return nil, false
	}
	return bytes.TrimSpace(trimmed[len("data:"):]), true
}

// IsDone reports whether an SSE data payload is the [DONE] sentinel.
func IsDone(data []byte) bool {
	return string(bytes.TrimSpace(data)) == DoneSentinel
}
