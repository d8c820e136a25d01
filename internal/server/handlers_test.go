package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/codexhost/internal/codex"
	"github.com/opencode-ai/codexhost/internal/codex/codextest"
	"github.com/opencode-ai/codexhost/internal/permission"
	"github.com/opencode-ai/codexhost/internal/session"
	"github.com/opencode-ai/codexhost/internal/storage"
	"github.com/opencode-ai/codexhost/pkg/types"
)

type stack struct {
	codex   *codextest.Server
	service *session.Service
	server  *Server
	http    *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	fake := codextest.NewServer()
	fake.Reply(codex.MethodThreadStart, codex.ThreadResult{Thread: codex.Thread{ID: "thr_1"}, Model: "gpt-test"})

	flushDelay := 10
	svc := session.New(session.Options{
		Storage:   storage.New(t.TempDir()),
		Directory: t.TempDir(),
		Config: &types.Config{
			Model:     "gpt-test",
			PartStore: &types.PartStoreConfig{FlushDelay: &flushDelay},
		},
		Spawner:        fake,
		InterruptGrace: 2 * time.Second,
	})

	cfg := DefaultConfig()
	cfg.LoginTimeout = 5 * time.Second
	srv := New(cfg, svc)
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = svc.Shutdown(ctx)
	})

	return &stack{codex: fake, service: svc, server: srv, http: ts}
}

func (st *stack) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, st.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// wireMessage is MessageResponse as it appears on the wire.
type wireMessage struct {
	Info  types.Message     `json:"info"`
	Parts []json.RawMessage `json:"parts"`
}

func (m wireMessage) partTypes(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, raw := range m.Parts {
		p, err := types.UnmarshalPart(raw)
		require.NoError(t, err)
		out = append(out, p.PartType())
	}
	return out
}

func (st *stack) replyWithText(text string) {
	st.codex.Handle(codex.MethodTurnStart, func(c *codextest.Conn, _ json.RawMessage) (any, *codex.RPCError) {
		go func() {
			_ = c.Notify(codex.NotifyItemStarted, codex.ItemNotification{
				ThreadID: "thr_1", TurnID: "turn_1",
				Item: codex.Item{Type: "agentMessage", ID: "m1"},
			})
			_ = c.Notify(codex.NotifyItemCompleted, codex.ItemNotification{
				ThreadID: "thr_1", TurnID: "turn_1",
				Item: codex.Item{Type: "agentMessage", ID: "m1", Text: text},
			})
			_ = c.Notify(codex.NotifyTurnCompleted, codex.TurnNotification{
				ThreadID: "thr_1",
				Turn:     codex.Turn{ID: "turn_1", Status: codex.TurnStatusCompleted},
			})
		}()
		return codex.TurnStartResult{Turn: codex.Turn{ID: "turn_1"}}, nil
	})
}

func TestSendMessage(t *testing.T) {
	st := newStack(t)
	st.replyWithText("done")

	resp := st.do(t, "POST", "/session/ses_a/message", SendMessageRequest{Text: "hello", Effort: "low"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msg := decode[wireMessage](t, resp)
	assert.Equal(t, "ses_a", msg.Info.SessionID)
	assert.Equal(t, "assistant", msg.Info.Role)
	assert.Nil(t, msg.Info.Error)
	assert.Equal(t, []string{types.PartTypeStepStart, types.PartTypeText, types.PartTypeStepFinish}, msg.partTypes(t))

	calls := st.codex.Calls(codex.MethodTurnStart)
	require.Len(t, calls, 1)
	var params codex.TurnStartParams
	require.NoError(t, calls[0].Decode(&params))
	assert.Equal(t, "low", params.Effort)

	// The stored copy is served by GET.
	resp = st.do(t, "GET", "/session/ses_a/message/"+msg.Info.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stored := decode[wireMessage](t, resp)
	assert.Equal(t, msg.Info.ID, stored.Info.ID)
	assert.Len(t, stored.Parts, 3)

	resp = st.do(t, "GET", "/session/ses_a/message", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]types.Message](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, msg.Info.ID, list[0].ID)
}

func TestSendMessageValidation(t *testing.T) {
	st := newStack(t)

	resp := st.do(t, "POST", "/session/ses_a/message", SendMessageRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeInvalidRequest, decode[ErrorResponse](t, resp).Error.Code)

	req, err := http.NewRequest("POST", st.http.URL+"/session/ses_a/message", bytes.NewBufferString("{"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	assert.Empty(t, st.codex.Calls(codex.MethodTurnStart))
}

func TestSendMessageAfterShutdown(t *testing.T) {
	st := newStack(t)
	require.NoError(t, st.service.Shutdown(context.Background()))

	resp := st.do(t, "POST", "/session/ses_a/message", SendMessageRequest{Text: "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetMessageNotFound(t *testing.T) {
	st := newStack(t)

	resp := st.do(t, "GET", "/session/ses_a/message/msg_missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ErrCodeNotFound, decode[ErrorResponse](t, resp).Error.Code)
}

func TestRejectsPathLikeIDs(t *testing.T) {
	st := newStack(t)

	for _, path := range []string{
		"/session/../message",
		"/session/ses_a/message/..",
		"/session/a%5C..%5Cb/message",
	} {
		w := httptest.NewRecorder()
		st.server.Router().ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		var body ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body), path)
		assert.Equal(t, ErrCodeInvalidRequest, body.Error.Code, path)
	}

	resp := st.do(t, "POST", "/session/a%5Cb/message", SendMessageRequest{Text: "hello"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, st.codex.Calls(codex.MethodTurnStart))
}

func TestAbortAndStatusIdle(t *testing.T) {
	st := newStack(t)

	resp := st.do(t, "POST", "/session/ses_a/abort", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[bool](t, resp))

	resp = st.do(t, "GET", "/session/ses_a/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, SessionStatusResponse{SessionID: "ses_a", Status: types.SessionStatusIdle}, decode[SessionStatusResponse](t, resp))
}

func TestAbortRunningTurn(t *testing.T) {
	st := newStack(t)
	st.codex.Reply(codex.MethodTurnStart, codex.TurnStartResult{Turn: codex.Turn{ID: "turn_1"}})
	st.codex.Handle(codex.MethodTurnInterrupt, func(c *codextest.Conn, _ json.RawMessage) (any, *codex.RPCError) {
		go func() {
			_ = c.Notify(codex.NotifyTurnCompleted, codex.TurnNotification{
				ThreadID: "thr_1",
				Turn:     codex.Turn{ID: "turn_1", Status: codex.TurnStatusInterrupted},
			})
		}()
		return struct{}{}, nil
	})

	done := make(chan *http.Response, 1)
	go func() {
		body, _ := json.Marshal(SendMessageRequest{Text: "long task"})
		resp, err := http.Post(st.http.URL+"/session/ses_a/message", "application/json", bytes.NewReader(body))
		if err == nil {
			done <- resp
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := st.codex.Await(ctx, codex.MethodTurnStart, 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return st.service.IsProcessing("ses_a") }, 5*time.Second, 10*time.Millisecond)

	busy := st.do(t, "GET", "/session/ses_a/status", nil)
	assert.Equal(t, types.SessionStatusBusy, decode[SessionStatusResponse](t, busy).Status)

	resp := st.do(t, "POST", "/session/ses_a/abort", nil)
	assert.True(t, decode[bool](t, resp))

	select {
	case resp := <-done:
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		msg := decode[wireMessage](t, resp)
		require.NotNil(t, msg.Info.Error)
		assert.Equal(t, "MessageAbortedError", msg.Info.Error.Name)
	case <-ctx.Done():
		t.Fatal("turn did not end")
	}
	assert.Len(t, st.codex.Calls(codex.MethodTurnInterrupt), 1)
}

func TestPermissionRoutes(t *testing.T) {
	st := newStack(t)
	decision := make(chan string, 1)
	st.codex.Handle(codex.MethodTurnStart, func(c *codextest.Conn, _ json.RawMessage) (any, *codex.RPCError) {
		go func() {
			_ = c.Notify(codex.NotifyItemStarted, codex.ItemNotification{
				ThreadID: "thr_1", TurnID: "turn_1",
				Item: codex.Item{Type: "commandExecution", ID: "call_1", Command: "go test ./..."},
			})
			msg, err := c.Request(context.Background(), codex.MethodCommandApproval, codex.ApprovalParams{
				ThreadID: "thr_1", TurnID: "turn_1", ItemID: "call_1",
			})
			if err == nil {
				var res codex.ApprovalResponse
				_ = json.Unmarshal(msg.Result, &res)
				decision <- res.Decision
			}
			_ = c.Notify(codex.NotifyTurnCompleted, codex.TurnNotification{
				ThreadID: "thr_1",
				Turn:     codex.Turn{ID: "turn_1", Status: codex.TurnStatusCompleted},
			})
		}()
		return codex.TurnStartResult{Turn: codex.Turn{ID: "turn_1"}}, nil
	})

	done := make(chan int, 1)
	go func() {
		body, _ := json.Marshal(SendMessageRequest{Text: "run tests"})
		resp, err := http.Post(st.http.URL+"/session/ses_e/message", "application/json", bytes.NewReader(body))
		if err == nil {
			resp.Body.Close()
			done <- resp.StatusCode
		}
	}()

	var pending []permission.Request
	require.Eventually(t, func() bool {
		resp, err := http.Get(st.http.URL + "/session/ses_e/permissions")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		pending = nil
		_ = json.NewDecoder(resp.Body).Decode(&pending)
		return len(pending) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, permission.PermBash, pending[0].Type)
	assert.Equal(t, "go test ./...", pending[0].Title)

	all := decode[[]permission.Request](t, st.do(t, "GET", "/permissions", nil))
	assert.Len(t, all, 1)
	assert.Empty(t, decode[[]permission.Request](t, st.do(t, "GET", "/session/ses_other/permissions", nil)))

	path := "/session/ses_e/permissions/" + pending[0].ID
	resp := st.do(t, "POST", "/session/ses_other/permissions/"+pending[0].ID, PermissionResponseRequest{Response: permission.ResponseOnce})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = st.do(t, "POST", path, PermissionResponseRequest{Response: "maybe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = st.do(t, "POST", path, PermissionResponseRequest{Response: permission.ResponseReject})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[bool](t, resp))

	select {
	case d := <-decision:
		assert.Equal(t, codex.DecisionDecline, d)
	case <-time.After(5 * time.Second):
		t.Fatal("no decision sent")
	}
	select {
	case code := <-done:
		assert.Equal(t, http.StatusOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not end")
	}
}

func TestListModels(t *testing.T) {
	st := newStack(t)
	st.codex.Reply(codex.MethodModelList, codex.ModelListResult{
		Data: []codex.Model{{ID: "gpt-5-codex", Model: "gpt-5-codex", DisplayName: "GPT-5 Codex", IsDefault: true}},
	})

	resp := st.do(t, "GET", "/model", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	models := decode[[]codex.Model](t, resp)
	require.Len(t, models, 1)
	assert.True(t, models[0].IsDefault)
}

func TestListModelsBackendError(t *testing.T) {
	st := newStack(t)
	st.codex.Fail(codex.MethodModelList, "boom")

	resp := st.do(t, "GET", "/model", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ErrCodeBackendError, decode[ErrorResponse](t, resp).Error.Code)
}

func TestLoginRoutes(t *testing.T) {
	st := newStack(t)
	st.codex.Reply(codex.MethodLoginStart, codex.LoginResult{Type: "chatgpt", LoginID: "login_1", AuthURL: "https://auth.example/login"})

	resp := st.do(t, "POST", "/auth/login", codex.LoginParams{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = st.do(t, "POST", "/auth/login", codex.LoginParams{Type: "chatgpt"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decode[codex.LoginResult](t, resp)
	assert.Equal(t, "login_1", login.LoginID)
	assert.Equal(t, "https://auth.example/login", login.AuthURL)

	resp = st.do(t, "POST", "/auth/login/login_1/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, st.codex.Calls(codex.MethodLoginCancel), 1)

	resp = st.do(t, "POST", "/auth/login/login_1/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = st.do(t, "POST", "/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, st.codex.Calls(codex.MethodLogout), 1)
}

func TestCORS(t *testing.T) {
	st := newStack(t)

	req, err := http.NewRequest("OPTIONS", st.http.URL+"/model", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
