package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/compresr/relay-gateway/internal/accounts"
	"github.com/compresr/relay-gateway/internal/adapters"
	"github.com/compresr/relay-gateway/internal/compression"
	"github.com/compresr/relay-gateway/internal/config"
	"github.com/compresr/relay-gateway/internal/transform"
	"github.com/compresr/relay-gateway/internal/upstream"
	"github.com/compresr/relay-gateway/internal/utils"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrorKind classifies a failed request for clients, telemetry and metrics.
type ErrorKind string

const (
	KindNoAvailableAccounts ErrorKind = "no_available_accounts"
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindUpstreamRateLimited ErrorKind = "upstream_rate_limited"
	KindUpstreamServerError ErrorKind = "upstream_server_error"
	KindUpstreamAuthError   ErrorKind = "upstream_auth_error"
	KindContextTooLong      ErrorKind = "context_too_long"
	KindThinkingSignature   ErrorKind = "thinking_signature_error"

	// Gateway-side kinds outside the upstream taxonomy.
	KindAuthentication ErrorKind = "authentication_error"
	KindNotFound       ErrorKind = "not_found"
	KindClientCanceled ErrorKind = "client_canceled"
	KindInternal       ErrorKind = "internal_error"
)

// statusClientClosed is logged for requests the client abandoned.
const statusClientClosed = 499

const contextTooLongHint = "The conversation no longer fits the model's context window even after compression. " +
	"Start a new conversation or remove large tool outputs and attachments."

// gatewayError is a failure mapped onto the taxonomy.
type gatewayError struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *gatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *gatewayError) Unwrap() error { return e.Err }

func invalidRequest(format string, args ...any) *gatewayError {
	return &gatewayError{Kind: KindInvalidRequest, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// classify maps any error from the request pipeline onto the taxonomy.
func classify(err error) *gatewayError {
	if err == nil {
		return nil
	}
	var gerr *gatewayError
	if errors.As(err, &gerr) {
		return gerr
	}

	var terr *transform.Error
	var serr *upstream.StatusError
	switch {
	case errors.Is(err, context.Canceled):
		return &gatewayError{Kind: KindClientCanceled, Status: statusClientClosed, Message: "request canceled", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &gatewayError{Kind: KindUpstreamServerError, Status: http.StatusGatewayTimeout, Message: "backend timed out", Err: err}
	case errors.As(err, &terr):
		return &gatewayError{Kind: KindInvalidRequest, Status: http.StatusBadRequest, Message: terr.Message, Err: err}
	case errors.Is(err, compression.ErrContextTooLong):
		return &gatewayError{Kind: KindContextTooLong, Status: http.StatusBadRequest, Message: contextTooLongHint, Err: err}
	case errors.Is(err, accounts.ErrNoAvailableAccounts):
		return &gatewayError{Kind: KindNoAvailableAccounts, Status: http.StatusServiceUnavailable, Message: "no upstream account is available right now", Err: err}
	case errors.As(err, &serr):
		return classifyStatus(serr)
	default:
		return &gatewayError{Kind: KindUpstreamServerError, Status: http.StatusBadGateway, Message: "backend unreachable", Err: err}
	}
}

// classifyStatus keeps the backend's status and message so clients see the root cause.
func classifyStatus(serr *upstream.StatusError) *gatewayError {
	msg := upstreamMessage(serr.Body)
	if msg == "" {
		msg = http.StatusText(serr.Status)
	}
	gerr := &gatewayError{Status: serr.Status, Message: msg, Err: serr}
	switch {
	case isSignatureError(serr):
		gerr.Kind = KindThinkingSignature
	case serr.Status == http.StatusTooManyRequests:
		gerr.Kind = KindUpstreamRateLimited
		if d, err := strconv.Atoi(strings.TrimSpace(serr.RetryAfter)); err == nil && d > 0 {
			gerr.RetryAfter = time.Duration(d) * time.Second
		}
	case serr.Status == http.StatusUnauthorized || serr.Status == http.StatusForbidden:
		// Backend credential failures surface as 502, never 401/403.
		gerr.Kind = KindUpstreamAuthError
		gerr.Status = http.StatusBadGateway
		gerr.Message = fmt.Sprintf("backend rejected account credentials (%d): %s", serr.Status, msg)
	case serr.Status >= 500:
		gerr.Kind = KindUpstreamServerError
	default:
		gerr.Kind = KindInvalidRequest
	}
	return gerr
}

// isSignatureError reports a 400 caused by a rejected thinking signature.
func isSignatureError(serr *upstream.StatusError) bool {
	if serr == nil || serr.Status != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(upstreamMessage(serr.Body))
	return strings.Contains(msg, "signature") || strings.Contains(msg, "thinking block")
}

// upstreamMessage extracts the message of a Google-style error body.
func upstreamMessage(body []byte) string {
	for _, path := range []string{"error.message", "0.error.message", "message"} {
		if m := gjson.GetBytes(body, path); m.Type == gjson.String && m.String() != "" {
			return m.String()
		}
	}
	return utils.Truncate(strings.TrimSpace(string(body)), config.MaxErrorBodyLogLen)
}

// =============================================================================
// PROTOCOL-SHAPED ERROR BODIES
// =============================================================================

// writeError renders an error in the client's protocol.
func writeError(w http.ResponseWriter, protocol adapters.Provider, gerr *gatewayError) {
	if gerr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(max(1, int(gerr.RetryAfter.Round(time.Second).Seconds()))))
	}
	status := gerr.Status
	if status == statusClientClosed {
		// client is gone
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, err := utils.MarshalNoEscape(errorBody(protocol, gerr))
	if err != nil {
		return
	}
	_, _ = w.Write(body)
}

// errorBody builds the error envelope of a protocol.
func errorBody(protocol adapters.Provider, gerr *gatewayError) any {
	switch protocol {
	case adapters.ProviderOpenAI:
		return adapters.OpenAIError{Error: adapters.OpenAIErrorBody{
			Message: gerr.Message,
			Type:    openAIErrorType(gerr),
			Code:    string(gerr.Kind),
		}}
	case adapters.ProviderGemini:
		return adapters.GeminiError{Error: adapters.GeminiErrorBody{
			Code:    gerr.Status,
			Message: gerr.Message,
			Status:  googleStatus(gerr.Status),
		}}
	default:
		return adapters.ClaudeError{Type: "error", Error: adapters.ClaudeErrorBody{
			Type:    anthropicErrorType(gerr),
			Message: gerr.Message,
		}}
	}
}

func anthropicErrorType(gerr *gatewayError) string {
	switch gerr.Kind {
	case KindInvalidRequest, KindContextTooLong, KindThinkingSignature:
		return "invalid_request_error"
	case KindAuthentication:
		return "authentication_error"
	case KindNotFound:
		return "not_found_error"
	case KindUpstreamRateLimited:
		return "rate_limit_error"
	case KindNoAvailableAccounts:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

func openAIErrorType(gerr *gatewayError) string {
	switch gerr.Kind {
	case KindInvalidRequest, KindContextTooLong, KindThinkingSignature, KindNotFound:
		return "invalid_request_error"
	case KindAuthentication:
		return "authentication_error"
	case KindUpstreamRateLimited, KindNoAvailableAccounts:
		return "rate_limit_error"
	default:
		return "server_error"
	}
}

func googleStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusRequestEntityTooLarge:
		return "INVALID_ARGUMENT"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	default:
		return "INTERNAL"
	}
}
