package permission

import (
	"errors"
	"fmt"
)

// Action is the configured outcome of a permission check.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// restrictiveness orders actions so mixed results resolve to the strictest.
func (a Action) restrictiveness() int {
	switch a {
	case ActionAllow:
		return 0
	case ActionAsk:
		return 1
	case ActionDeny:
		return 2
	default:
		return 1
	}
}

// Stricter returns the more restrictive of a and b.
func Stricter(a, b Action) Action {
	if b.restrictiveness() > a.restrictiveness() {
		return b
	}
	return a
}

// Type is the kind of operation a request covers.
type Type string

const (
	PermBash     Type = "bash"
	PermEdit     Type = "edit"
	PermDoomLoop Type = "doom_loop"
)

// Response is the reviewer's answer to a request.
type Response string

const (
	ResponseOnce   Response = "once"
	ResponseAlways Response = "always"
	ResponseReject Response = "reject"
)

// Valid reports whether r is one of the three responses.
func (r Response) Valid() bool {
	return r == ResponseOnce || r == ResponseAlways || r == ResponseReject
}

// Request is a pending approval.
type Request struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Pattern   []string       `json:"pattern,omitempty"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID"`
	CallID    string         `json:"callID,omitempty"`
	Title     string         `json:"title"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Created   int64          `json:"time"`
}

// ErrRequestNotFound is returned by Respond for an unknown or already
// resolved request id.
var ErrRequestNotFound = errors.New("permission request not found")

// RejectedError is returned when a request is denied. Shutdown marks
// rejections caused by negotiator teardown rather than by the reviewer.
type RejectedError struct {
	SessionID    string
	PermissionID string
	Type         Type
	CallID       string
	Metadata     map[string]any
	Message      string
	Shutdown     bool
}

func (e *RejectedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permission %s rejected", e.Type)
}

// IsRejectedError reports whether err is, or wraps, a permission rejection.
func IsRejectedError(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

func rejection(req Request, message string, shutdown bool) *RejectedError {
	return &RejectedError{
		SessionID:    req.SessionID,
		PermissionID: req.ID,
		Type:         req.Type,
		CallID:       req.CallID,
		Metadata:     req.Metadata,
		Message:      message,
		Shutdown:     shutdown,
	}
}
