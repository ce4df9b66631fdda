package clients

import (
	"context"
	"io"
	"net/http"
)

// Logger is the ambient logging interface shared by the client wrappers.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// HTTPClient wraps http.Client for calls to sibling services (the graph
// compiler/config service). Request metadata travels in the context and is
// turned into headers here, so call sites never hand-assemble auth headers.
type HTTPClient struct {
	client *http.Client
	logger Logger
}

// NewHTTPClient creates an HTTP client wrapper.
func NewHTTPClient(client *http.Client, logger Logger) *HTTPClient {
	return &HTTPClient{
		client: client,
		logger: logger,
	}
}

// DoRequest builds and executes a request, stamping headers from whatever
// identity the context carries.
func (c *HTTPClient) DoRequest(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	if userID, ok := GetUserID(ctx); ok {
		req.Header.Set("X-User-ID", userID)
		c.logger.Debug("added X-User-ID header from context", "user_id", userID)
	}

	return c.client.Do(req)
}
