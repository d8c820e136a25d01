package session_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/codexhost/internal/codex"
	"github.com/opencode-ai/codexhost/internal/codex/codextest"
	"github.com/opencode-ai/codexhost/internal/event"
	"github.com/opencode-ai/codexhost/internal/permission"
	"github.com/opencode-ai/codexhost/internal/session"
	"github.com/opencode-ai/codexhost/internal/storage"
	"github.com/opencode-ai/codexhost/pkg/types"
)

// recorder collects bus events by type.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) record(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t event.EventType) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) statuses(sessionID string) []string {
	var out []string
	for _, e := range r.ofType(event.SessionStatus) {
		data := e.Data.(event.SessionStatusData)
		if data.SessionID == sessionID {
			out = append(out, data.Status)
		}
	}
	return out
}

func turnDone(c *codextest.Conn, threadID, status string) {
	_ = c.Notify(codex.NotifyTurnCompleted, codex.TurnNotification{
		ThreadID: threadID,
		Turn:     codex.Turn{ID: "turn_1", Status: status},
	})
}

var _ = Describe("Service", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		srv    *codextest.Server
		svc    *session.Service
		events *recorder
		dir    string
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		dir = GinkgoT().TempDir()

		srv = codextest.NewServer()
		srv.Reply(codex.MethodThreadStart, codex.ThreadResult{Thread: codex.Thread{ID: "thr_1"}, Model: "gpt-test"})

		flushDelay := 10
		svc = session.New(session.Options{
			Storage:   storage.New(GinkgoT().TempDir()),
			Directory: dir,
			Config: &types.Config{
				Model:     "gpt-test",
				PartStore: &types.PartStoreConfig{FlushDelay: &flushDelay},
			},
			Spawner:        srv,
			InterruptGrace: 2 * time.Second,
		})

		events = &recorder{}
		svc.Bus().SubscribeAll(events.record)
	})

	AfterEach(func() {
		Expect(svc.Shutdown(ctx)).To(Succeed())
		cancel()
	})

	Describe("Prompt", func() {
		It("runs a turn and records the assistant message", func() {
			srv.Handle(codex.MethodTurnStart, func(c *codextest.Conn, _ json.RawMessage) (any, *codex.RPCError) {
				go func() {
					_ = c.Notify(codex.NotifyItemStarted, codex.ItemNotification{
						ThreadID: "thr_1", TurnID: "turn_1",
						Item: codex.Item{Type: "agentMessage", ID: "m1"},
					})
					_ = c.Notify(codex.NotifyItemCompleted, codex.ItemNotification{
						ThreadID: "thr_1", TurnID: "turn_1",
						Item: codex.Item{Type: "agentMessage", ID: "m1", Text: "done"},
					})
					turnDone(c, "thr_1", codex.TurnStatusCompleted)
				}()
				return codex.TurnStartResult{Turn: codex.Turn{ID: "turn_1"}}, nil
			})

			msg, parts, err := svc.Prompt(ctx, "ses_a", session.PromptInput{Text: "hello"})
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Role).To(Equal("assistant"))
			Expect(msg.ProviderID).To(Equal("codex"))
			Expect(msg.ModelID).To(Equal("gpt-test"))
			Expect(msg.Finish).NotTo(BeNil())
			Expect(*msg.Finish).To(Equal("stop"))
			Expect(msg.Error).To(BeNil())
			Expect(msg.Time.Completed).NotTo(BeNil())
			Expect(parts).To(HaveLen(3))
			Expect(parts[1]).To(BeAssignableToTypeOf(&types.TextPart{}))
			Expect(parts[1].(*types.TextPart).Text).To(Equal("done"))

			stored, err := svc.Message(ctx, "ses_a", msg.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(*stored.Finish).To(Equal("stop"))

			listed, err := svc.Messages(ctx, "ses_a")
			Expect(err).NotTo(HaveOccurred())
			Expect(listed).To(HaveLen(1))

			var params codex.TurnStartParams
			calls := srv.Calls(codex.MethodTurnStart)
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].Decode(&params)).To(Succeed())
			Expect(params.Input).To(Equal([]codex.UserInput{codex.TextInput("hello")}))
			Expect(params.Cwd).To(Equal(dir))

			Eventually(func() []string { return events.statuses("ses_a") }).
				Should(Equal([]string{types.SessionStatusBusy, types.SessionStatusIdle}))
			Expect(svc.IsProcessing("ses_a")).To(BeFalse())
		})

		It("runs one turn per session at a time", func() {
			release := make(chan struct{})
			srv.Handle(codex.MethodTurnStart, func(c *codextest.Conn, _ json.RawMessage) (any, *codex.RPCError) {
				go func() {
					<-release
					turnDone(c, "thr_1", codex.TurnStatusCompleted)
				}()
				return codex.TurnStartResult{Turn: codex.Turn{ID: "turn_1"}}, nil
			})

			first := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, _, err := svc.Prompt(ctx, "ses_b", session.PromptInput{Text: "one"})
				first <- err
			}()
			Eventually(func() bool { return svc.IsProcessing("ses_b") }).Should(BeTrue())
			_, err := srv.Await(ctx, codex.MethodTurnStart, 1)
			Expect(err).NotTo(HaveOccurred())

			second := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, _, err := svc.Prompt(ctx, "ses_b", session.PromptInput{Text: "two"})
				second <- err
			}()
			Consistently(func() int { return len(srv.Calls(codex.MethodTurnStart)) }, 100*time.Millisecond).Should(Equal(1))

			close(release)
			Eventually(first).Should(Receive(BeNil()))
			Eventually(second).Should(Receive(BeNil()))
			Expect(srv.Calls(codex.MethodTurnStart)).To(HaveLen(2))
		})

		It("gives up waiting when its context ends", func() {
			srv.Handle(codex.MethodTurnStart, func(*codextest.Conn, json.RawMessage) (any, *codex.RPCError) {
				return codex.TurnStartResult{Turn: codex.Turn{ID: "turn_1"}}, nil
			})
			srv.Handle(codex.MethodTurnInterrupt, func(c *codextest.Conn, _ json.RawMessage) (any, *codex.RPCError) {
				go turnDone(c, "thr_1", codex.TurnStatusInterrupted)
				return struct{}{}, nil
			})

			go func() {
				_, _, _ = svc.Prompt(ctx, "ses_c", session.PromptInput{Text: "busy"})
			}()
			Eventually(func() bool { return svc.IsProcessing("ses_c") }).Should(BeTrue())

			waitCtx, waitCancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer waitCancel()
			_, _, err := svc.Prompt(waitCtx, "ses_c", session.PromptInput{Text: "queued"})
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(svc.Abort("ses_c")).To(BeTrue())
		})
	})

	It("roots messages at the enclosing repository", func() {
		repo := GinkgoT().TempDir()
		Expect(os.Mkdir(filepath.Join(repo, ".git"), 0755)).To(Succeed())
		sub := filepath.Join(repo, "cmd", "tool")
		Expect(os.MkdirAll(sub, 0755)).To(Succeed())

		nested := session.New(session.Options{
			Storage:   storage.New(GinkgoT().TempDir()),
			Directory: sub,
			Spawner:   srv,
		})
		DeferCleanup(func() { Expect(nested.Shutdown(context.Background())).To(Succeed()) })

		srv.Handle(codex.MethodTurnStart, func(c *codextest.Conn, _ json.RawMessage) (any, *codex.RPCError) {
			go turnDone(c, "thr_1", codex.TurnStatusCompleted)
			return codex.TurnStartResult{Turn: codex.Turn{ID: "turn_1"}}, nil
		})

		msg, _, err := nested.Prompt(ctx, "ses_root", session.PromptInput{Text: "hi"})
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Path).To(Equal(&types.MessagePath{Cwd: sub, Root: repo}))
	})

	Describe("Abort", func() {
		It("interrupts the running turn once and keeps the app-server", func() {
			srv.Handle(codex.MethodTurnStart, func(*codextest.Conn, json.RawMessage) (any, *codex.RPCError) {
				return codex.TurnStartResult{Turn: codex.Turn{ID: "turn_1"}}, nil
			})
			srv.Handle(codex.MethodTurnInterrupt, func(c *codextest.Conn, _ json.RawMessage) (any, *codex.RPCError) {
				go turnDone(c, "thr_1", codex.TurnStatusInterrupted)
				return struct{}{}, nil
			})

			type outcome struct {
				msg *types.Message
				err error
			}
			done := make(chan outcome, 1)
			go func() {
				defer GinkgoRecover()
				msg, _, err := svc.Prompt(ctx, "ses_d", session.PromptInput{Text: "long task"})
				done <- outcome{msg, err}
			}()

			_, err := srv.Await(ctx, codex.MethodTurnStart, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(svc.Abort("ses_d")).To(BeTrue())

			var out outcome
			Eventually(done).Should(Receive(&out))
			Expect(out.err).NotTo(HaveOccurred())
			Expect(out.msg.Error).NotTo(BeNil())
			Expect(out.msg.Error.Name).To(Equal("MessageAbortedError"))
			Expect(*out.msg.Finish).To(Equal("aborted"))

			Expect(srv.Calls(codex.MethodTurnInterrupt)).To(HaveLen(1))
			Expect(srv.Conn().Done()).NotTo(BeClosed())
			Expect(events.ofType(event.SessionError)).To(BeEmpty())
		})

		It("reports when nothing is running", func() {
			Expect(svc.Abort("ses_idle")).To(BeFalse())
		})
	})

	Describe("Permissions", func() {
		It("routes approvals through the negotiator", func() {
			decision := make(chan string, 1)
			srv.Handle(codex.MethodTurnStart, func(c *codextest.Conn, _ json.RawMessage) (any, *codex.RPCError) {
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
					turnDone(c, "thr_1", codex.TurnStatusCompleted)
				}()
				return codex.TurnStartResult{Turn: codex.Turn{ID: "turn_1"}}, nil
			})

			done := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, _, err := svc.Prompt(ctx, "ses_e", session.PromptInput{Text: "run tests"})
				done <- err
			}()

			var pending []permission.Request
			Eventually(func() []permission.Request {
				pending = svc.PendingPermissions("ses_e")
				return pending
			}).Should(HaveLen(1))
			Expect(pending[0].Type).To(Equal(permission.PermBash))
			Expect(pending[0].Title).To(Equal("go test ./..."))
			Expect(svc.PendingPermissions("ses_other")).To(BeEmpty())

			Expect(svc.RespondPermission("ses_other", pending[0].ID, permission.ResponseOnce)).NotTo(Succeed())
			Expect(svc.RespondPermission("ses_e", pending[0].ID, permission.ResponseReject)).To(Succeed())

			Eventually(decision).Should(Receive(Equal(codex.DecisionDecline)))
			Eventually(done).Should(Receive(BeNil()))
		})
	})

	Describe("Account", func() {
		It("lists models across pages", func() {
			next := "page2"
			srv.Handle(codex.MethodModelList, func(_ *codextest.Conn, raw json.RawMessage) (any, *codex.RPCError) {
				var params codex.ModelListParams
				_ = json.Unmarshal(raw, &params)
				if params.Cursor == nil {
					return codex.ModelListResult{Data: []codex.Model{{ID: "a", Model: "gpt-a"}}, NextCursor: &next}, nil
				}
				return codex.ModelListResult{Data: []codex.Model{{ID: "b", Model: "gpt-b", IsDefault: true}}}, nil
			})

			models, err := svc.Models(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(models).To(HaveLen(2))
			Expect(models[1].IsDefault).To(BeTrue())
		})

		It("completes a login flow", func() {
			loginID := "login_1"
			srv.Handle(codex.MethodLoginStart, func(c *codextest.Conn, _ json.RawMessage) (any, *codex.RPCError) {
				go func() {
					time.Sleep(10 * time.Millisecond)
					_ = c.Notify(codex.NotifyLoginCompleted, codex.LoginCompletedNotification{LoginID: &loginID, Success: true})
				}()
				return codex.LoginResult{Type: "chatgpt", LoginID: loginID, AuthURL: "https://auth.example/login"}, nil
			})

			flow, err := svc.Login(ctx, codex.LoginParams{Type: "chatgpt"})
			Expect(err).NotTo(HaveOccurred())
			Expect(flow.AuthURL).To(Equal("https://auth.example/login"))
			Expect(flow.Wait(ctx)).To(Succeed())

			Eventually(func() []event.Event { return events.ofType(event.AccountLoginResult) }).Should(HaveLen(1))
		})

		It("logs out", func() {
			Expect(svc.Logout(ctx)).To(Succeed())
			Expect(srv.Calls(codex.MethodLogout)).To(HaveLen(1))
		})
	})

	Describe("Shutdown", func() {
		It("rejects pending approvals and stops the app-server", func() {
			decision := make(chan string, 1)
			srv.Handle(codex.MethodTurnStart, func(c *codextest.Conn, _ json.RawMessage) (any, *codex.RPCError) {
				go func() {
					_ = c.Notify(codex.NotifyItemStarted, codex.ItemNotification{
						ThreadID: "thr_1", TurnID: "turn_1",
						Item: codex.Item{Type: "commandExecution", ID: "call_1", Command: "make deploy"},
					})
					msg, err := c.Request(context.Background(), codex.MethodCommandApproval, codex.ApprovalParams{
						ThreadID: "thr_1", TurnID: "turn_1", ItemID: "call_1",
					})
					if err == nil {
						var res codex.ApprovalResponse
						_ = json.Unmarshal(msg.Result, &res)
						decision <- res.Decision
					}
				}()
				return codex.TurnStartResult{Turn: codex.Turn{ID: "turn_1"}}, nil
			})
			srv.Handle(codex.MethodTurnInterrupt, func(c *codextest.Conn, _ json.RawMessage) (any, *codex.RPCError) {
				go turnDone(c, "thr_1", codex.TurnStatusInterrupted)
				return struct{}{}, nil
			})

			done := make(chan *types.Message, 1)
			go func() {
				defer GinkgoRecover()
				msg, _, _ := svc.Prompt(ctx, "ses_f", session.PromptInput{Text: "deploy"})
				done <- msg
			}()
			Eventually(func() []permission.Request { return svc.PendingPermissions("ses_f") }).Should(HaveLen(1))

			Expect(svc.Shutdown(ctx)).To(Succeed())
			Eventually(decision).Should(Receive(Equal(codex.DecisionCancel)))

			var msg *types.Message
			Eventually(done).Should(Receive(&msg))
			Expect(msg.Error).NotTo(BeNil())
			Expect(svc.PendingPermissions("")).To(BeEmpty())
			Expect(srv.Conn().Done()).To(BeClosed())

			_, _, err := svc.Prompt(ctx, "ses_f", session.PromptInput{Text: "again"})
			Expect(err).To(MatchError(session.ErrShutdown))
		})
	})

	It("publishes app-server exits", func() {
		Expect(svc.Logout(ctx)).To(Succeed())
		srv.Conn().Exit(3)

		Eventually(func() []event.Event { return events.ofType(event.CodexExited) }).Should(HaveLen(1))
		data := events.ofType(event.CodexExited)[0].Data.(event.CodexExitedData)
		Expect(data.ExitCode).To(Equal(3))
	})
})
