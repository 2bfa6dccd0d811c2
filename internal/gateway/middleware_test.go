package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/compresr/relay-gateway/internal/adapters"
	"github.com/compresr/relay-gateway/internal/config"
)

func TestRequireAPIKey(t *testing.T) {
	h := newHarness(t, func(_ int, _ backendCall, w http.ResponseWriter) { streamOK(w) },
		func(c *config.Config) { c.Server.APIKey = "secret" },
		testAccounts("a"))

	tests := []struct {
		name    string
		path    string
		headers []string
		want    int
	}{
		{"missing key", "/v1/messages", nil, http.StatusUnauthorized},
		{"wrong key", "/v1/messages", []string{"x-api-key", "nope"}, http.StatusUnauthorized},
		{"x-api-key", "/v1/messages", []string{"x-api-key", "secret"}, http.StatusOK},
		{"bearer", "/v1/messages", []string{"Authorization", "Bearer secret"}, http.StatusOK},
		{"goog header", "/v1/messages", []string{"x-goog-api-key", "secret"}, http.StatusOK},
		{"query key", "/v1/messages?key=secret", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := h.post(t, tt.path, simpleMessage, tt.headers...)
			assert.Equal(t, tt.want, resp.StatusCode, string(body))
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, "authentication_error", gjson.GetBytes(body, "error.type").String())
			}
		})
	}

	// operational endpoints stay open
	resp, _ := h.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequireAPIKey_ErrorShapeFollowsRoute(t *testing.T) {
	h := newHarness(t, nil, func(c *config.Config) { c.Server.APIKey = "secret" }, testAccounts("a"))

	_, body := h.post(t, "/v1/chat/completions", `{}`)
	assert.Equal(t, "authentication_error", gjson.GetBytes(body, "error.type").String())
	assert.False(t, gjson.GetBytes(body, "type").Exists())

	_, body = h.post(t, "/v1beta/models/gemini-2.5-flash:generateContent", `{}`)
	assert.Equal(t, "UNAUTHENTICATED", gjson.GetBytes(body, "error.status").String())
}

func TestRequestID(t *testing.T) {
	h := newHarness(t, nil, nil, testAccounts("a"))

	resp, _ := h.get(t, "/health")
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, "client-id-1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "client-id-1", resp.Header.Get(HeaderRequestID))

	req.Header.Set(HeaderRequestID, strings.Repeat("x", 200))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Len(t, resp.Header.Get(HeaderRequestID), 36, "oversized ids are replaced")
}

func TestRecoverPanics(t *testing.T) {
	g := &Gateway{}
	handler := g.recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "server_error", gjson.GetBytes(rec.Body.Bytes(), "error.type").String())
}

func TestProtocolForPath(t *testing.T) {
	assert.Equal(t, adapters.ProviderAnthropic, protocolForPath("/v1/messages"))
	assert.Equal(t, adapters.ProviderAnthropic, protocolForPath("/v1/messages/count_tokens"))
	assert.Equal(t, adapters.ProviderOpenAI, protocolForPath("/v1/chat/completions"))
	assert.Equal(t, adapters.ProviderOpenAI, protocolForPath("/v1/models"))
	assert.Equal(t, adapters.ProviderGemini, protocolForPath("/v1beta/models"))
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("127.0.0.1:4000"))
	assert.True(t, isLoopback("[::1]:4000"))
	assert.False(t, isLoopback("203.0.113.7:4000"))
	assert.False(t, isLoopback("garbage"))
}

// =============================================================================
// SIGNATURE FALLBACK
// =============================================================================

func TestSignatureFallbackStore(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := newSignatureFallbackStoreWithClock(time.Hour, func() time.Time { return now })

	s.MarkSkipThinking("")
	assert.False(t, s.ShouldSkipThinking(""))
	assert.Zero(t, s.Len())

	s.MarkSkipThinking("sess-1")
	assert.True(t, s.ShouldSkipThinking("sess-1"))
	assert.False(t, s.ShouldSkipThinking("sess-2"))

	now = now.Add(61 * time.Minute)
	assert.False(t, s.ShouldSkipThinking("sess-1"), "entry expires after the ttl")
	assert.Zero(t, s.Len())
}

func TestSignatureFallbackStore_Cleanup(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := newSignatureFallbackStoreWithClock(time.Minute, func() time.Time { return now })

	s.MarkSkipThinking("old")
	now = now.Add(2 * time.Minute)
	s.MarkSkipThinking("fresh")
	s.cleanup()

	assert.Equal(t, 1, s.Len())
	assert.True(t, s.ShouldSkipThinking("fresh"))

	s.Stop()
	s.Stop()
}
