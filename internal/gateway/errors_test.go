package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"

	"github.com/compresr/relay-gateway/internal/accounts"
	"github.com/compresr/relay-gateway/internal/adapters"
	"github.com/compresr/relay-gateway/internal/compression"
	"github.com/compresr/relay-gateway/internal/transform"
	"github.com/compresr/relay-gateway/internal/upstream"
)

func statusErr(status int, body string) *upstream.StatusError {
	return &upstream.StatusError{Status: status, Body: []byte(body)}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   ErrorKind
		wantStatus int
	}{
		{"canceled", context.Canceled, KindClientCanceled, statusClientClosed},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindUpstreamServerError, http.StatusGatewayTimeout},
		{"transform", &transform.Error{Message: "bad block"}, KindInvalidRequest, http.StatusBadRequest},
		{"context too long", fmt.Errorf("summary: %w", compression.ErrContextTooLong), KindContextTooLong, http.StatusBadRequest},
		{"no accounts", accounts.ErrNoAvailableAccounts, KindNoAvailableAccounts, http.StatusServiceUnavailable},
		{"rate limited", statusErr(429, `{"error":{"message":"slow down"}}`), KindUpstreamRateLimited, http.StatusTooManyRequests},
		{"unauthorized", statusErr(401, `{"error":{"message":"bad token"}}`), KindUpstreamAuthError, http.StatusBadGateway},
		{"forbidden", statusErr(403, `{"error":{"message":"denied"}}`), KindUpstreamAuthError, http.StatusBadGateway},
		{"server error", statusErr(500, `{"error":{"message":"boom"}}`), KindUpstreamServerError, http.StatusInternalServerError},
		{"signature", statusErr(400, `{"error":{"message":"Invalid signature in thinking block"}}`), KindThinkingSignature, http.StatusBadRequest},
		{"other client error", statusErr(404, `{"error":{"message":"no such model"}}`), KindInvalidRequest, http.StatusNotFound},
		{"network", errors.New("dial tcp: connection refused"), KindUpstreamServerError, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantStatus, got.Status)
		})
	}
	assert.Nil(t, classify(nil))
}

func TestClassify_KeepsUpstreamMessage(t *testing.T) {
	got := classify(statusErr(429, `{"error":{"message":"Quota exceeded for model"}}`))
	assert.Equal(t, "Quota exceeded for model", got.Message)

	got = classify(statusErr(503, ``))
	assert.Equal(t, http.StatusText(503), got.Message)
}

func TestClassify_RetryAfter(t *testing.T) {
	serr := statusErr(429, `{}`)
	serr.RetryAfter = "7"
	assert.Equal(t, 7*time.Second, classify(serr).RetryAfter)

	serr.RetryAfter = "soon"
	assert.Zero(t, classify(serr).RetryAfter)
}

func TestWriteError_ProtocolShapes(t *testing.T) {
	gerr := &gatewayError{Kind: KindUpstreamRateLimited, Status: http.StatusTooManyRequests, Message: "slow down", RetryAfter: 1500 * time.Millisecond}

	tests := []struct {
		protocol adapters.Provider
		check    func(t *testing.T, body []byte)
	}{
		{adapters.ProviderAnthropic, func(t *testing.T, body []byte) {
			assert.Equal(t, "error", gjson.GetBytes(body, "type").String())
			assert.Equal(t, "rate_limit_error", gjson.GetBytes(body, "error.type").String())
			assert.Equal(t, "slow down", gjson.GetBytes(body, "error.message").String())
		}},
		{adapters.ProviderOpenAI, func(t *testing.T, body []byte) {
			assert.Equal(t, "rate_limit_error", gjson.GetBytes(body, "error.type").String())
			assert.Equal(t, "slow down", gjson.GetBytes(body, "error.message").String())
		}},
		{adapters.ProviderGemini, func(t *testing.T, body []byte) {
			assert.Equal(t, int64(429), gjson.GetBytes(body, "error.code").Int())
			assert.Equal(t, "RESOURCE_EXHAUSTED", gjson.GetBytes(body, "error.status").String())
		}},
	}
	for _, tt := range tests {
		t.Run(string(tt.protocol), func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, tt.protocol, gerr)
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
			assert.Equal(t, "2", rec.Header().Get("Retry-After"))
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			tt.check(t, rec.Body.Bytes())
		})
	}
}

func TestWriteError_ClientGoneHasNoBody(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, adapters.ProviderAnthropic, classify(context.Canceled))
	assert.Equal(t, statusClientClosed, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestIsSignatureError(t *testing.T) {
	assert.True(t, isSignatureError(statusErr(400, `{"error":{"message":"thinking.signature: Field required"}}`)))
	assert.False(t, isSignatureError(statusErr(400, `{"error":{"message":"max_tokens too large"}}`)))
	assert.False(t, isSignatureError(statusErr(500, `{"error":{"message":"signature"}}`)))
	assert.False(t, isSignatureError(nil))
}
