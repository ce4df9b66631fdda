package component

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lyzr/flowmesh/common/clients"
	"github.com/lyzr/flowmesh/internal/component/urlguard"
	"github.com/lyzr/flowmesh/internal/state"
)

// HTTPConfig is the component_config for an "http" node.
type HTTPConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    interface{}       `json:"body,omitempty"`
	Timeout int               `json:"timeout_seconds,omitempty"`
}

// inlineBodyLimit caps how much of an HTTP response is inlined into the
// node's output port data before it's offloaded to CAS and replaced with a
// reference, keeping large payloads out of the Redis-cached execution state.
const inlineBodyLimit = 64 * 1024

// NewHTTPFactory builds the "http" component factory: a node that calls an
// external URL and returns its response as port data. URLs come from
// workflow-authored config, so every request goes through urlguard first.
// Responses larger than inlineBodyLimit are stored via cas and returned as
// a "body_ref" instead of inlining the full payload.
func NewHTTPFactory(cas clients.CASClient) Factory {
	return func() Func {
		guard := urlguard.New()
		client := &http.Client{}
		return func(ctx context.Context, s *state.State, rawConfig map[string]interface{}) (map[string]interface{}, error) {
			cfg, err := decodeHTTPConfig(rawConfig)
			if err != nil {
				return nil, err
			}
			if err := guard.Check(cfg.URL); err != nil {
				return nil, fmt.Errorf("http component: %w", err)
			}

			var bodyReader io.Reader
			if cfg.Body != nil {
				payload, err := json.Marshal(cfg.Body)
				if err != nil {
					return nil, fmt.Errorf("http component: marshal body: %w", err)
				}
				bodyReader = bytes.NewReader(payload)
			}

			method := cfg.Method
			if method == "" {
				method = http.MethodGet
			}
			timeout := time.Duration(cfg.Timeout) * time.Second
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			reqCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			req, err := http.NewRequestWithContext(reqCtx, method, cfg.URL, bodyReader)
			if err != nil {
				return nil, fmt.Errorf("http component: build request: %w", err)
			}
			for k, v := range cfg.Headers {
				req.Header.Set(k, v)
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("http component: request failed: %w", err)
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("http component: read response: %w", err)
			}

			return buildHTTPResult(ctx, cas, resp.StatusCode, resp.Header.Get("Content-Type"), raw)
		}
	}
}

// buildHTTPResult shapes the component's output port data, offloading the
// response body to cas once it exceeds inlineBodyLimit.
func buildHTTPResult(ctx context.Context, cas clients.CASClient, statusCode int, contentType string, raw []byte) (map[string]interface{}, error) {
	result := map[string]interface{}{
		"status_code": statusCode,
	}
	if cas != nil && len(raw) > inlineBodyLimit {
		ref, err := cas.Put(ctx, raw, contentType)
		if err != nil {
			return nil, fmt.Errorf("http component: store large response in cas: %w", err)
		}
		result["body_ref"] = ref
		result["body_size"] = len(raw)
		return result, nil
	}
	var decoded interface{}
	if json.Unmarshal(raw, &decoded) == nil {
		result["body"] = decoded
	} else {
		result["body"] = string(raw)
	}
	return result, nil
}

func decodeHTTPConfig(raw map[string]interface{}) (HTTPConfig, error) {
	var cfg HTTPConfig
	payload, err := json.Marshal(raw)
	if err != nil {
		return cfg, fmt.Errorf("http component: marshal config: %w", err)
	}
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return cfg, fmt.Errorf("http component: decode config: %w", err)
	}
	if cfg.URL == "" {
		return cfg, fmt.Errorf("http component: config missing url")
	}
	return cfg, nil
}
