package ratelimit

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Reason classifies why the backend refused a request.
type Reason string

const (
	ReasonQuotaExhausted         Reason = "quota_exhausted"
	ReasonRateLimitExceeded      Reason = "rate_limit_exceeded"
	ReasonModelCapacityExhausted Reason = "model_capacity_exhausted"
	ReasonServerError            Reason = "server_error"
	ReasonUnknown                Reason = "unknown"
)

// Relevant reports whether a status participates in lockout tracking.
// Everything else is terminal for the caller.
func Relevant(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable, 529:
		return true
	}
	return false
}

// ParseReason classifies an error response. Structured reasons in
// error.details win over keyword matching on the message.
func ParseReason(status int, body []byte) Reason {
	errNode := errorNode(body)

	var structured string
	errNode.Get("details").ForEach(func(_, d gjson.Result) bool {
		if r := d.Get("reason").String(); r != "" {
			structured = r
			return false
		}
		return true
	})
	if r, ok := reasonFromCode(structured); ok {
		if status >= 500 && r != ReasonModelCapacityExhausted {
			return ReasonServerError
		}
		return r
	}

	if status >= 500 {
		if strings.Contains(string(body), "MODEL_CAPACITY_EXHAUSTED") {
			return ReasonModelCapacityExhausted
		}
		return ReasonServerError
	}

	msg := strings.ToLower(errNode.Get("message").String())
	if msg == "" {
		msg = strings.ToLower(string(body))
	}
	switch {
	case strings.Contains(msg, "capacity") || strings.Contains(msg, "overloaded"):
		return ReasonModelCapacityExhausted
	case strings.Contains(msg, "per minute") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return ReasonRateLimitExceeded
	case strings.Contains(msg, "quota") || strings.Contains(msg, "exhausted"):
		return ReasonQuotaExhausted
	}
	return ReasonUnknown
}

func reasonFromCode(code string) (Reason, bool) {
	switch strings.ToUpper(code) {
	case "QUOTA_EXHAUSTED":
		return ReasonQuotaExhausted, true
	case "RATE_LIMIT_EXCEEDED":
		return ReasonRateLimitExceeded, true
	case "MODEL_CAPACITY_EXHAUSTED":
		return ReasonModelCapacityExhausted, true
	}
	return "", false
}

// errorNode finds the error object whether the body is {"error":...} or [{"error":...}].
func errorNode(body []byte) gjson.Result {
	if n := gjson.GetBytes(body, "error"); n.Exists() {
		return n
	}
	return gjson.GetBytes(body, "0.error")
}

// ParseRetryAfter parses a Retry-After header in seconds or HTTP-date form.
func ParseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(header, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
	}
	return 0, false
}

var resetAfterPattern = regexp.MustCompile(`(?i)reset (?:after|in) ((?:[0-9.]+(?:h|ms|m|s))+)`)

// ParseRetryDelay extracts an explicit retry delay from a JSON error body.
// Looks at quotaResetDelay, retryDelay and quotaResetTimeStamp in error.details,
// then at "reset after 2h1m1s" style phrases in the message.
func ParseRetryDelay(body []byte, now time.Time) (time.Duration, bool) {
	if len(body) == 0 {
		return 0, false
	}
	errNode := errorNode(body)

	var found time.Duration
	var ok bool
	errNode.Get("details").ForEach(func(_, d gjson.Result) bool {
		for _, path := range []string{"metadata.quotaResetDelay", "retryDelay", "quotaResetDelay"} {
			if v := d.Get(path).String(); v != "" {
				if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
					found, ok = dur, true
					return false
				}
			}
		}
		if ts := d.Get("metadata.quotaResetTimeStamp").String(); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil && t.After(now) {
				found, ok = t.Sub(now), true
				return false
			}
		}
		return true
	})
	if ok {
		return found, true
	}

	if m := resetAfterPattern.FindStringSubmatch(errNode.Get("message").String()); m != nil {
		if dur, err := time.ParseDuration(m[1]); err == nil && dur > 0 {
			return dur, true
		}
	}
	return 0, false
}
