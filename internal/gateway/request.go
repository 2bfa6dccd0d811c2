// Request utilities - body limits and client address handling.
//
// DESIGN:
//   - readBody():   bounded body read with a protocol-shaped 413
//   - clientIP():   remote address without the port
//   - isLoopback(): guard for operator-only endpoints
package gateway

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/compresr/relay-gateway/internal/config"
)

// readBody reads at most MaxRequestBodySize bytes.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, *gatewayError) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &gatewayError{
				Kind:    KindInvalidRequest,
				Status:  http.StatusRequestEntityTooLarge,
				Message: "request body too large",
				Err:     err,
			}
		}
		return nil, invalidRequest("failed to read request body: %v", err)
	}
	if len(body) == 0 {
		return nil, invalidRequest("request body is empty")
	}
	return body, nil
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isLoopback reports whether a RemoteAddr is a local connection.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
