// Package graphclient implements the internal/ports seam against the
// external compiler/config service over HTTP. The graph compiler,
// component-config store, and trigger dispatcher are all explicitly out of
// scope for the orchestrator core; this client is only the seam the
// scheduler and worker call through.
package graphclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lyzr/flowmesh/common/cache"
	"github.com/lyzr/flowmesh/common/clients"
	"github.com/lyzr/flowmesh/internal/topology"
)

// configCacheTTL bounds how long a resolved component config may be served
// from cache. Config ids are versioned pointers, so a short TTL only
// delays visibility of a re-pointed id, never serves a mutated config.
const configCacheTTL = 5 * time.Minute

// Client is an HTTP-backed implementation of ports.TopologyBuilder,
// ports.ConfigLoader, and ports.Dispatcher. Versioned component-config
// lookups are held in the process-local cache to keep the compiler service
// off every node's hot path; compiled topologies are fetched fresh on every
// Build.
type Client struct {
	baseURL string
	http    *clients.HTTPClient
	cache   cache.Cache
}

// New creates a Client against baseURL. cache may be nil, which disables
// response caching.
func New(baseURL string, logger clients.Logger, c cache.Cache) *Client {
	return &Client{
		baseURL: baseURL,
		http:    clients.NewHTTPClient(&http.Client{Timeout: 15 * time.Second}, logger),
		cache:   c,
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	raw, err := c.getRaw(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("graphclient: decode response: %w", err)
	}
	return nil
}

func (c *Client) getRaw(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.http.DoRequest(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("graphclient: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graphclient: unexpected status %d from %s", resp.StatusCode, path)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("graphclient: read response: %w", err)
	}
	return raw, nil
}

// getCached serves path from the cache when possible, fetching and filling
// on a miss. Cache errors fall back to a direct fetch.
func (c *Client) getCached(ctx context.Context, path string, ttl time.Duration, out interface{}) error {
	if c.cache == nil {
		return c.getJSON(ctx, path, out)
	}
	key := "graphclient:" + path
	if cached, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		return json.Unmarshal(cached, out)
	}
	raw, err := c.getRaw(ctx, path)
	if err != nil {
		return err
	}
	_ = c.cache.Set(ctx, key, raw, ttl)
	return json.Unmarshal(raw, out)
}

// Build compiles workflowID (optionally scoped to one trigger node) into a
// Topology (ports.TopologyBuilder). Not cached: the compiler owns
// workflow versioning, and each execution snapshots the result into the KV
// anyway, so a stale compile would outlive the cache by the whole run.
func (c *Client) Build(ctx context.Context, workflowID string, triggerNodeID *string) (*topology.Topology, error) {
	path := fmt.Sprintf("/api/v1/workflows/%s/compile", workflowID)
	if triggerNodeID != nil {
		path += "?trigger_node_id=" + *triggerNodeID
	}
	var topo topology.Topology
	if err := c.getJSON(ctx, path, &topo); err != nil {
		return nil, err
	}
	return &topo, nil
}

// LoadNodeConfig resolves a node's opaque component_config_id
// (ports.ConfigLoader). Versioned config ids are safe to cache briefly.
func (c *Client) LoadNodeConfig(ctx context.Context, workflowID, nodeID, componentConfigID string) (map[string]interface{}, error) {
	if componentConfigID == "" {
		return map[string]interface{}{}, nil
	}
	path := fmt.Sprintf("/api/v1/workflows/%s/nodes/%s/config/%s", workflowID, nodeID, componentConfigID)
	var config map[string]interface{}
	if err := c.getCached(ctx, path, configCacheTTL, &config); err != nil {
		return nil, err
	}
	return config, nil
}

// MatchTrigger resolves an inbound payload to a workflow's trigger node
// (ports.Dispatcher, explicit sub-workflow mode).
func (c *Client) MatchTrigger(ctx context.Context, workflowSlug string, payload interface{}) (string, error) {
	path := fmt.Sprintf("/api/v1/workflows/%s/match-trigger", workflowSlug)
	var result struct {
		TriggerNodeID string `json:"trigger_node_id"`
	}
	if err := c.getJSON(ctx, path, &result); err != nil {
		return "", err
	}
	return result.TriggerNodeID, nil
}
