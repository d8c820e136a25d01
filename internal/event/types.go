package event

import "github.com/opencode-ai/codexhost/pkg/types"

// MessageUpdatedData is the data for message.updated events.
type MessageUpdatedData struct {
	Info *types.Message `json:"info"`
}

// MessagePartUpdatedData is the data for message.part.updated events.
// Delta carries only the appended text for streaming updates.
type MessagePartUpdatedData struct {
	Part  types.Part `json:"part"`
	Delta string     `json:"delta,omitempty"`
}

// MessagePartRemovedData is the data for message.part.removed events.
type MessagePartRemovedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	PartID    string `json:"partID"`
}

// PermissionUpdatedData is the data for permission.updated events.
type PermissionUpdatedData struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"sessionID"`
	MessageID      string         `json:"messageID,omitempty"`
	CallID         string         `json:"callID,omitempty"`
	PermissionType string         `json:"permissionType"` // "bash" | "edit"
	Pattern        []string       `json:"pattern"`
	Title          string         `json:"title"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Time           int64          `json:"time"`
}

// PermissionRepliedData is the data for permission.replied events.
type PermissionRepliedData struct {
	PermissionID string `json:"permissionID"`
	SessionID    string `json:"sessionID"`
	Response     string `json:"response"` // "once" | "always" | "reject"
}

// SessionStatusData is the data for session.status events.
type SessionStatusData struct {
	SessionID string `json:"sessionID"`
	Status    string `json:"status"` // "busy" | "idle"
}

// SessionErrorData is the data for session.error events.
type SessionErrorData struct {
	SessionID string              `json:"sessionID,omitempty"`
	Error     *types.MessageError `json:"error,omitempty"`
}

// CodexExitedData is the data for codex.exited events.
type CodexExitedData struct {
	Pid      int    `json:"pid"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

// AccountLoginData is the data for account.login.completed events.
type AccountLoginData struct {
	LoginID string `json:"loginId,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
