package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// DuplicateTracker detects when a tool keeps producing the same result for
// the same (tool, arguments) pair, so the agent loop can stop instead of
// spinning. Unlike a raw call-history hash chain, this tracks the single
// last result per key and a running repeat count, matching the loop's own
// consecutive-duplicate budget.
type DuplicateTracker struct {
	mu      sync.Mutex
	last    map[string]string // sessionID+key -> last result hash
	repeats map[string]int    // sessionID+key -> consecutive repeat count
}

// NewDuplicateTracker creates an empty tracker.
func NewDuplicateTracker() *DuplicateTracker {
	return &DuplicateTracker{
		last:    make(map[string]string),
		repeats: make(map[string]int),
	}
}

// CanonicalKey hashes a tool name and its arguments into a stable cache key.
func CanonicalKey(toolName string, input any) string {
	data, _ := json.Marshal(map[string]any{"tool": toolName, "input": input})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Observe records a tool result for (sessionID, key) and returns the new
// consecutive-repeat count: 0 if this result differs from the last one
// seen for this key, otherwise the number of consecutive repeats so far.
func (d *DuplicateTracker) Observe(sessionID, key, result string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	mapKey := sessionID + "/" + key
	resultHash := sha256sum(result)

	if d.last[mapKey] == resultHash {
		d.repeats[mapKey]++
		return d.repeats[mapKey]
	}

	d.last[mapKey] = resultHash
	d.repeats[mapKey] = 0
	return 0
}

// Reset clears tracking for a session (called when a session ends).
func (d *DuplicateTracker) Reset(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := sessionID + "/"
	for k := range d.last {
		if hasPrefix(k, prefix) {
			delete(d.last, k)
			delete(d.repeats, k)
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func sha256sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
