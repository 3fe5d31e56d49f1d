// Package gateway is the edge reverse proxy: longest-prefix routing to
// internal upstreams, streaming HTTP proxying, WebSocket bridging, a
// small TTL cache for idempotent GETs, and upstream health aggregation.
package gateway

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/a2agate/a2agate/internal/config"
)

// hop-by-hop headers stripped from proxied responses.
var hopHeaders = []string{"Transfer-Encoding", "Connection", "Content-Length", "Content-Encoding"}

// Gateway proxies requests to configured upstreams.
type Gateway struct {
	routes []config.GatewayRoute
	http   *http.Client
	cache  *responseCache
}

// New builds a gateway over the routing table. Routes are kept sorted by
// descending prefix length so the first match is the longest.
func New(cfg config.GatewayConfig, cacheTTL time.Duration) *Gateway {
	routes := append([]config.GatewayRoute(nil), cfg.Routes...)
	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].Prefix) > len(routes[j].Prefix)
	})

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	var cache *responseCache
	if cacheTTL > 0 {
		cache = newResponseCache(cacheTTL)
	}
	return &Gateway{
		routes: routes,
		http:   &http.Client{Transport: transport},
		cache:  cache,
	}
}

// Match returns the longest-prefix route for a path.
func (g *Gateway) Match(path string) (config.GatewayRoute, bool) {
	for _, route := range g.routes {
		if strings.HasPrefix(path, route.Prefix) {
			return route, true
		}
	}
	return config.GatewayRoute{}, false
}

// ServeHTTP resolves the route and proxies. Unmatched paths get 404.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := g.Match(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if route.WebSocket && isWebSocketUpgrade(r) {
		g.proxyWebSocket(w, r, route)
		return
	}
	g.proxyHTTP(w, r, route)
}

// targetURL builds the forwarded URL, honouring the strip flag.
func targetURL(route config.GatewayRoute, r *http.Request) string {
	path := r.URL.Path
	if route.StripPrefix {
		path = strings.TrimPrefix(path, route.Prefix)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}
	target := strings.TrimRight(route.UpstreamURL, "/") + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

func (g *Gateway) proxyHTTP(w http.ResponseWriter, r *http.Request, route config.GatewayRoute) {
	cacheable := g.cache != nil && r.Method == http.MethodGet
	cacheKey := r.URL.Path + "?" + r.URL.RawQuery
	if cacheable {
		if entry, ok := g.cache.get(cacheKey); ok {
			copyHeader(w.Header(), entry.header)
			w.WriteHeader(http.StatusOK)
			w.Write(entry.body)
			return
		}
	}

	target := targetURL(route, r)
	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	copyHeader(upReq.Header, r.Header)
	upReq.Header.Del("Host")

	resp, err := g.http.Do(upReq)
	if err != nil {
		status := http.StatusBadGateway
		if isTimeout(err) {
			status = http.StatusGatewayTimeout
		}
		log.Warn().Err(err).Str("upstream", route.UpstreamURL).Msg("Upstream request failed")
		http.Error(w, "upstream unavailable", status)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	copyHeader(header, resp.Header)
	for _, h := range hopHeaders {
		header.Del(h)
	}

	if cacheable && resp.StatusCode == http.StatusOK {
		// Buffer small bodies so the entry can be replayed.
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody+1))
		if err == nil && len(body) <= maxCachedBody {
			g.cache.put(cacheKey, header.Clone(), body)
			w.WriteHeader(resp.StatusCode)
			w.Write(body)
			return
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(body)
		io.Copy(w, resp.Body)
		return
	}

	w.WriteHeader(resp.StatusCode)
	streamCopy(w, resp.Body)
}

// streamCopy forwards the body chunk by chunk, flushing as data arrives
// so SSE and long downloads pass through unbuffered.
func streamCopy(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		if k == "Host" {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
