package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

// healthTimeout caps each per-upstream probe.
const healthTimeout = 5 * time.Second

// upstreamHealth is one probe result.
type upstreamHealth struct {
	Prefix   string `json:"prefix"`
	Upstream string `json:"upstream"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// HealthHandler fans GET /health out to every distinct upstream and
// reports the aggregate.
func (g *Gateway) HealthHandler(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]bool)
	var targets []healthTarget
	for _, route := range g.routes {
		if seen[route.UpstreamURL] {
			continue
		}
		seen[route.UpstreamURL] = true
		targets = append(targets, healthTarget{prefix: route.Prefix, upstream: route.UpstreamURL})
	}

	results := make([]upstreamHealth, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t healthTarget) {
			defer wg.Done()
			results[i] = g.probe(r.Context(), t)
		}(i, t)
	}
	wg.Wait()

	aggregate := "healthy"
	for _, res := range results {
		if res.Status != "healthy" {
			aggregate = "degraded"
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    aggregate,
		"upstreams": results,
	})
}

type healthTarget struct {
	prefix   string
	upstream string
}

func (g *Gateway) probe(ctx context.Context, t healthTarget) upstreamHealth {
	out := upstreamHealth{Prefix: t.prefix, Upstream: t.upstream, Status: "unhealthy"}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(t.upstream, "/")+"/health", nil)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	resp, err := g.http.Do(req)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		out.Status = "healthy"
	} else {
		out.Error = resp.Status
	}
	return out
}
