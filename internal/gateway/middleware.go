package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/compresr/relay-gateway/internal/adapters"
)

type ctxKey int

const requestIDKey ctxKey = iota

// withRequestID assigns every request an id, echoing a client-provided one.
func (g *Gateway) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// getRequestID returns the id assigned by withRequestID.
func getRequestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.NewString()
}

// recoverPanics turns a handler panic into a 500 instead of a dropped connection.
func (g *Gateway) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			log.Error().
				Interface("panic", rec).
				Str("path", r.URL.Path).
				Str("request_id", getRequestID(r)).
				Bytes("stack", debug.Stack()).
				Msg("gateway: handler panic")
			writeError(w, protocolForPath(r.URL.Path), &gatewayError{
				Kind:    KindInternal,
				Status:  http.StatusInternalServerError,
				Message: "internal gateway error",
			})
		}()
		next.ServeHTTP(w, r)
	})
}

// requireAPIKey enforces server.api_key when one is configured.
func (g *Gateway) requireAPIKey(next http.Handler) http.Handler {
	want := g.config.Server.APIKey
	if want == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := inboundAPIKey(r)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			log.Warn().Str("path", r.URL.Path).Str("client_ip", clientIP(r)).Msg("gateway: rejected inbound API key")
			writeError(w, protocolForPath(r.URL.Path), &gatewayError{
				Kind:    KindAuthentication,
				Status:  http.StatusUnauthorized,
				Message: "invalid API key",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// inboundAPIKey reads the key from any header the three protocols use.
func inboundAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	for _, h := range []string{"x-api-key", "x-goog-api-key"} {
		if v := r.Header.Get(h); v != "" {
			return strings.TrimSpace(v)
		}
	}
	return r.URL.Query().Get("key")
}

// protocolForPath picks the error shape for a route.
func protocolForPath(path string) adapters.Provider {
	switch {
	case strings.HasPrefix(path, "/v1beta/"):
		return adapters.ProviderGemini
	case strings.HasPrefix(path, "/v1/chat/"), path == "/v1/models":
		return adapters.ProviderOpenAI
	default:
		return adapters.ProviderAnthropic
	}
}
