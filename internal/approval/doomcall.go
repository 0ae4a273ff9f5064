package approval

import "sync"

// callLoopThreshold is how many identical consecutive tool+input calls in a
// row trigger a doom-loop ask, before any result is even known.
const callLoopThreshold = 3

// CallLoopDetector flags a session that is about to issue the same tool
// call (same name, same arguments) three times running, independent of
// whatever that call returns. It is the first off-ramp; DuplicateTracker
// is the second, checking results instead of calls.
type CallLoopDetector struct {
	mu      sync.Mutex
	history map[string][]string // sessionID -> recent call-key hashes
}

// NewCallLoopDetector creates an empty detector.
func NewCallLoopDetector() *CallLoopDetector {
	return &CallLoopDetector{history: make(map[string][]string)}
}

// Check records toolName+input for sessionID and reports whether the last
// callLoopThreshold calls (including this one) are identical.
func (d *CallLoopDetector) Check(sessionID, toolName string, input any) bool {
	key := CanonicalKey(toolName, input)

	d.mu.Lock()
	defer d.mu.Unlock()

	history := d.history[sessionID]
	isLoop := false
	if len(history) >= callLoopThreshold-1 {
		allSame := true
		start := len(history) - (callLoopThreshold - 1)
		for i := start; i < len(history); i++ {
			if history[i] != key {
				allSame = false
				break
			}
		}
		isLoop = allSame
	}

	history = append(history, key)
	if len(history) > 10 {
		history = history[len(history)-10:]
	}
	d.history[sessionID] = history

	return isLoop
}

// Clear drops history for a session.
func (d *CallLoopDetector) Clear(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.history, sessionID)
}
