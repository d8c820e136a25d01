// Package types provides the core data types shared by the codexhost packages.
package types

// Session status values published on session.status events.
const (
	SessionStatusBusy = "busy"
	SessionStatusIdle = "idle"
)

// FileDiff represents a diff summary for a single file.
type FileDiff struct {
	Path      string `json:"path"`
	Kind      string `json:"kind,omitempty"` // "add" | "delete" | "update"
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	MovePath  string `json:"movePath,omitempty"`
}
