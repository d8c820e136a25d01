package turn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opencode-ai/codexhost/internal/codex"
)

// ErrAuthRequired is matched by every *AuthError.
var ErrAuthRequired = errors.New("codex authorization required")

// AuthError reports a turn refused because the backend is not logged in.
type AuthError struct {
	Message        string
	Classification string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return ErrAuthRequired.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAuthRequired, e.Message)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuthRequired }

// TurnError reports a failed turn. Err is the transport or protocol error
// behind it, if any.
type TurnError struct {
	Message        string
	Classification string
	Err            error
}

func (e *TurnError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Classification != "" {
		return fmt.Sprintf("turn failed (%s): %s", e.Classification, msg)
	}
	return "turn failed: " + msg
}

func (e *TurnError) Unwrap() error { return e.Err }

// ExitError returns the app-server exit behind the failure, if any.
func (e *TurnError) ExitError() *codex.ExitError {
	var exit *codex.ExitError
	if errors.As(e.Err, &exit) {
		return exit
	}
	return nil
}

const instructionsRejectedMarker = "instructions are not valid"

// instructionsRejected reports whether the backend refused the developer
// instructions sent with a thread.
func instructionsRejected(msg string) bool {
	return strings.Contains(strings.ToLower(msg), instructionsRejectedMarker)
}

func isUnauthorized(classification string) bool {
	return strings.Contains(strings.ToLower(classification), "unauthorized")
}
