package permission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// DoomLoopThreshold is the number of identical consecutive calls that count
// as a loop.
const DoomLoopThreshold = 3

const doomLoopHistory = 10

// DoomLoopDetector spots a backend repeating the same tool call. The turn
// processor escalates such calls to the reviewer even when the ruleset
// allows them.
type DoomLoopDetector struct {
	mu      sync.Mutex
	history map[string][]string // sessionID -> recent call hashes
}

// NewDoomLoopDetector creates a detector.
func NewDoomLoopDetector() *DoomLoopDetector {
	return &DoomLoopDetector{history: make(map[string][]string)}
}

// Check records a call and reports whether it completes a run of
// DoomLoopThreshold identical calls in a session.
func (d *DoomLoopDetector) Check(sessionID, tool string, input any) bool {
	hash := hashCall(tool, input)

	d.mu.Lock()
	defer d.mu.Unlock()

	history := append(d.history[sessionID], hash)
	if len(history) > doomLoopHistory {
		history = history[len(history)-doomLoopHistory:]
	}
	d.history[sessionID] = history

	if len(history) < DoomLoopThreshold {
		return false
	}
	for _, h := range history[len(history)-DoomLoopThreshold:] {
		if h != hash {
			return false
		}
	}
	return true
}

// Clear forgets a session's history.
func (d *DoomLoopDetector) Clear(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.history, sessionID)
}

func hashCall(tool string, input any) string {
	data, _ := json.Marshal(map[string]any{"tool": tool, "input": input})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
