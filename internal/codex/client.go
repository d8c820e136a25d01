package codex

import (
	"context"
	"fmt"
)

// Requester issues correlated requests. *Transport implements it.
type Requester interface {
	Request(ctx context.Context, method string, params, result any) error
}

// Subscriber delivers notifications. *Transport implements it.
type Subscriber interface {
	OnNotification(h NotificationHandler) func()
}

// maxModelPages bounds model/list pagination against a server that never
// stops returning cursors.
const maxModelPages = 100

// ListModels returns every model, following nextCursor until it is exhausted.
func ListModels(ctx context.Context, r Requester) ([]Model, error) {
	var (
		models []Model
		cursor *string
	)
	for page := 0; page < maxModelPages; page++ {
		var res ModelListResult
		if err := r.Request(ctx, MethodModelList, ModelListParams{Cursor: cursor}, &res); err != nil {
			return nil, fmt.Errorf("list models: %w", err)
		}
		models = append(models, res.Data...)

		if res.NextCursor == nil || *res.NextCursor == "" {
			return models, nil
		}
		if cursor != nil && *cursor == *res.NextCursor {
			return nil, fmt.Errorf("list models: cursor %q did not advance", *cursor)
		}
		cursor = res.NextCursor
	}
	return nil, fmt.Errorf("list models: more than %d pages", maxModelPages)
}

// StartLogin begins a login flow.
func StartLogin(ctx context.Context, r Requester, params LoginParams) (*LoginResult, error) {
	var res LoginResult
	if err := r.Request(ctx, MethodLoginStart, params, &res); err != nil {
		return nil, fmt.Errorf("start login: %w", err)
	}
	return &res, nil
}

// CancelLogin aborts a pending login flow.
func CancelLogin(ctx context.Context, r Requester, loginID string) error {
	if err := r.Request(ctx, MethodLoginCancel, CancelLoginParams{LoginID: loginID}, nil); err != nil {
		return fmt.Errorf("cancel login: %w", err)
	}
	return nil
}

// Logout clears the backend credentials.
func Logout(ctx context.Context, r Requester) error {
	if err := r.Request(ctx, MethodLogout, nil, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// ReadAccount returns the signed-in account, if any.
func ReadAccount(ctx context.Context, r Requester) (*AccountReadResult, error) {
	var res AccountReadResult
	if err := r.Request(ctx, MethodAccountRead, nil, &res); err != nil {
		return nil, fmt.Errorf("read account: %w", err)
	}
	return &res, nil
}

// LoginWatch collects account/login/completed notifications. Create it
// before StartLogin so a fast completion is not missed.
type LoginWatch struct {
	ch   chan LoginCompletedNotification
	stop func()
}

// WatchLogin subscribes to login completions on s.
func WatchLogin(s Subscriber) *LoginWatch {
	w := &LoginWatch{ch: make(chan LoginCompletedNotification, 8)}
	w.stop = s.OnNotification(func(n Notification) {
		if n.Method != NotifyLoginCompleted {
			return
		}
		var done LoginCompletedNotification
		if err := n.Decode(&done); err != nil {
			return
		}
		select {
		case w.ch <- done:
		default:
		}
	})
	return w
}

// Wait blocks until the login with loginID completes. An empty loginID, or a
// notification without one, matches any login.
func (w *LoginWatch) Wait(ctx context.Context, loginID string) (*LoginCompletedNotification, error) {
	for {
		select {
		case done := <-w.ch:
			if loginID != "" && done.LoginID != nil && *done.LoginID != loginID {
				continue
			}
			if !done.Success {
				msg := "login failed"
				if done.Error != nil {
					msg = *done.Error
				}
				return &done, fmt.Errorf("login: %s", msg)
			}
			return &done, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stop unsubscribes the watch.
func (w *LoginWatch) Stop() {
	w.stop()
}
