package transform

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// WrapNative wraps a Gemini-native generateContent body in the backend envelope.
// The body is passed through untouched except for the session id.
func WrapNative(body []byte, model, projectID, sessionID string) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, invalid("body is not valid JSON")
	}
	if !gjson.GetBytes(body, "contents").IsArray() {
		return nil, invalid("contents must be an array")
	}
	var err error
	if sessionID != "" && !gjson.GetBytes(body, "sessionId").Exists() {
		if body, err = sjson.SetBytes(body, "sessionId", sessionID); err != nil {
			return nil, fmt.Errorf("set sessionId: %w", err)
		}
	}

	out := []byte(`{}`)
	for _, kv := range []struct {
		path  string
		value any
	}{
		{"project", projectID},
		{"requestId", "agent-" + uuid.NewString()},
		{"model", model},
		{"userAgent", "antigravity"},
		{"requestType", "agent"},
	} {
		if out, err = sjson.SetBytes(out, kv.path, kv.value); err != nil {
			return nil, fmt.Errorf("set %s: %w", kv.path, err)
		}
	}
	if out, err = sjson.SetRawBytes(out, "request", body); err != nil {
		return nil, fmt.Errorf("set request: %w", err)
	}
	return out, nil
}

// UnwrapResponse strips the backend's {"response": ...} wrapper from a chunk or body.
func UnwrapResponse(data []byte) []byte {
	if r := gjson.GetBytes(data, "response"); r.Exists() && r.IsObject() {
		return []byte(r.Raw)
	}
	return data
}
