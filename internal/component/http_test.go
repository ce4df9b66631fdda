package component

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowmesh/internal/state"
)

// mockCASClient is an in-memory stand-in, same shape as the teacher's
// compiler-test MockCASClient.
type mockCASClient struct {
	stored map[string][]byte
}

func newMockCASClient() *mockCASClient {
	return &mockCASClient{stored: map[string][]byte{}}
}

func (m *mockCASClient) Get(ctx context.Context, ref string) (interface{}, error) {
	return m.stored[ref], nil
}

func (m *mockCASClient) Put(ctx context.Context, data []byte, mediaType string) (string, error) {
	ref := "cas://test"
	m.stored[ref] = data
	return ref, nil
}

func (m *mockCASClient) Store(ctx context.Context, data interface{}) (string, error) {
	return m.Put(ctx, nil, "application/json")
}

func TestHTTPFactory_MissingURLErrors(t *testing.T) {
	fn := NewHTTPFactory(nil)()
	s := state.New("exec-1", nil, "user-1")

	_, err := fn(context.Background(), s, map[string]interface{}{})
	assert.Error(t, err)
}

func TestHTTPFactory_BlocksLoopbackURL(t *testing.T) {
	fn := NewHTTPFactory(nil)()
	s := state.New("exec-1", nil, "user-1")

	_, err := fn(context.Background(), s, map[string]interface{}{
		"url": "http://127.0.0.1:9/internal",
	})
	assert.Error(t, err, "SSRF protection should reject loopback targets")
}

func TestBuildHTTPResult_LargeBodyOffloadsToCAS(t *testing.T) {
	cas := newMockCASClient()
	raw := []byte(strings.Repeat("x", inlineBodyLimit+1))

	result, err := buildHTTPResult(context.Background(), cas, 200, "text/plain", raw)
	require.NoError(t, err)
	assert.Contains(t, result, "body_ref")
	assert.NotContains(t, result, "body")
	assert.Equal(t, len(raw), result["body_size"])
}

func TestBuildHTTPResult_SmallBodyInlinesDirectly(t *testing.T) {
	result, err := buildHTTPResult(context.Background(), newMockCASClient(), 200, "application/json", []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.NotContains(t, result, "body_ref")
	body, ok := result["body"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, body["ok"])
}

func TestDecodeHTTPConfig_DefaultsAndOverrides(t *testing.T) {
	cfg, err := decodeHTTPConfig(map[string]interface{}{
		"url":             "https://example.com/api",
		"method":          "POST",
		"timeout_seconds": float64(5),
	})
	assert := assert.New(t)
	assert.NoError(err)
	assert.Equal("https://example.com/api", cfg.URL)
	assert.Equal("POST", cfg.Method)
	assert.Equal(5, cfg.Timeout)
}
