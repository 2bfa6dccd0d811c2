// Package monitoring - recent.go keeps recent failed requests in memory.
//
// DESIGN: Ring buffer of the latest failures for the /stats endpoint, so an
// operator can see which accounts and models are failing without tailing logs.
package monitoring

import (
	"sync"
	"time"
)

const maxRecentFailures = 50

// FailureEntry is one failed request.
type FailureEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	Model      string    `json:"model,omitempty"`
	Account    string    `json:"account,omitempty"`
	StatusCode int       `json:"status_code"`
	ErrorKind  string    `json:"error_kind"`
	Message    string    `json:"message,omitempty"`
}

// FailureLog keeps a ring buffer of recent failures.
type FailureLog struct {
	mu      sync.RWMutex
	entries []FailureEntry
	total   int
}

// NewFailureLog creates an empty failure log.
func NewFailureLog() *FailureLog {
	return &FailureLog{
		entries: make([]FailureEntry, 0, maxRecentFailures),
	}
}

// Record adds a failure, dropping the oldest when full.
func (l *FailureLog) Record(entry FailureEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total++
	if len(l.entries) >= maxRecentFailures {
		copy(l.entries, l.entries[1:])
		l.entries[len(l.entries)-1] = entry
	} else {
		l.entries = append(l.entries, entry)
	}
}

// Recent returns the most recent n entries, newest first.
func (l *FailureLog) Recent(n int) []FailureEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || len(l.entries) == 0 {
		return nil
	}
	n = min(n, len(l.entries))

	result := make([]FailureEntry, n)
	for i := range n {
		result[i] = l.entries[len(l.entries)-1-i]
	}
	return result
}

// Summary counts retained failures by error kind.
func (l *FailureLog) Summary() FailureSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := FailureSummary{Total: l.total, ByKind: make(map[string]int)}
	for _, e := range l.entries {
		s.ByKind[e.ErrorKind]++
	}
	return s
}

// FailureSummary is a brief summary of recent failures.
type FailureSummary struct {
	Total  int            `json:"total"`
	ByKind map[string]int `json:"by_kind"`
}
