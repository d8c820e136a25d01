package types

// Message represents an assistant message produced by one backend turn.
type Message struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"sessionID"`
	Role       string        `json:"role"` // "user" | "assistant"
	Time       MessageTime   `json:"time"`
	ParentID   string        `json:"parentID,omitempty"`
	ModelID    string        `json:"modelID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	Path       *MessagePath  `json:"path,omitempty"`
	Finish     *string       `json:"finish,omitempty"`
	Cost       float64       `json:"cost"`
	Tokens     *TokenUsage   `json:"tokens,omitempty"`
	Error      *MessageError `json:"error,omitempty"`
}

// MessagePath contains the current working directory and project root.
type MessagePath struct {
	Cwd  string `json:"cwd"`
	Root string `json:"root"`
}

// MessageTime contains timestamps for a message.
type MessageTime struct {
	Created   int64  `json:"created"`
	Completed *int64 `json:"completed,omitempty"`
}

// TokenUsage contains token usage statistics for a message.
// Note: All fields are required by TUI, do not use omitempty.
type TokenUsage struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning"`
	Cache     CacheUsage `json:"cache"`
}

// Add returns the field-wise sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		Input:     u.Input + o.Input,
		Output:    u.Output + o.Output,
		Reasoning: u.Reasoning + o.Reasoning,
		Cache: CacheUsage{
			Read:  u.Cache.Read + o.Cache.Read,
			Write: u.Cache.Write + o.Cache.Write,
		},
	}
}

// CacheUsage contains cache hit/write statistics.
type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// MessageError represents an error that occurred during message processing.
// Format: {"name": "UnknownError", "data": {"message": "..."}}
type MessageError struct {
	Name string           `json:"name"` // "UnknownError" | "ProviderAuthError" | "MessageAbortedError"
	Data MessageErrorData `json:"data"`
}

// MessageErrorData contains the error details.
type MessageErrorData struct {
	Message    string `json:"message"`
	ProviderID string `json:"providerID,omitempty"` // For ProviderAuthError
	Info       string `json:"info,omitempty"`       // upstream error classification
}

// NewUnknownError creates a new UnknownError.
func NewUnknownError(message string) *MessageError {
	return &MessageError{
		Name: "UnknownError",
		Data: MessageErrorData{Message: message},
	}
}

// NewProviderAuthError creates a new ProviderAuthError.
func NewProviderAuthError(providerID, message string) *MessageError {
	return &MessageError{
		Name: "ProviderAuthError",
		Data: MessageErrorData{Message: message, ProviderID: providerID},
	}
}

// NewAbortedError creates a new MessageAbortedError.
func NewAbortedError(message string) *MessageError {
	return &MessageError{
		Name: "MessageAbortedError",
		Data: MessageErrorData{Message: message},
	}
}
