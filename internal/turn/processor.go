package turn

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/codexhost/internal/codex"
	"github.com/opencode-ai/codexhost/internal/event"
	"github.com/opencode-ai/codexhost/internal/logging"
	"github.com/opencode-ai/codexhost/internal/permission"
	"github.com/opencode-ai/codexhost/pkg/types"
)

// Transport is the slice of *codex.Transport a turn needs.
type Transport interface {
	Request(ctx context.Context, method string, params, result any) error
	OnNotification(h codex.NotificationHandler) func()
	OnRequest(h codex.RequestHandler) func()
	OnExit(h codex.ExitHandler) func()
}

// PartStore persists streamed parts. *partstore.Store implements it.
type PartStore interface {
	UpdatePart(ctx context.Context, part types.Part) error
	RemovePart(ctx context.Context, sessionID, messageID, partID string) error
	Flush(ctx context.Context, sessionID, messageID string) error
}

// Approver resolves approval requests. *permission.Negotiator implements it.
type Approver interface {
	Check(ctx context.Context, req permission.Request, action permission.Action) error
}

// ThreadStore maps sessions to backend threads. *storage.ThreadStore implements it.
type ThreadStore interface {
	Get(ctx context.Context, sessionID string) (string, error)
	Set(ctx context.Context, sessionID, threadID string) error
	Delete(ctx context.Context, sessionID string) error
}

// Publisher delivers part events in order. *event.Bus implements it.
type Publisher interface {
	PublishSync(event.Event)
}

// CostFunc prices a turn's token usage.
type CostFunc func(model string, usage types.TokenUsage) float64

// Status is the terminal state of a turn.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

const (
	DefaultApprovalPolicy = "on-request"
	DefaultSandbox        = "workspace-write"
	// ProviderID names the backend in message records.
	ProviderID = "codex"

	defaultInterruptGrace   = 30 * time.Second
	defaultInterruptTimeout = 10 * time.Second
)

// Config wires a Processor. Transport, Parts, Approver and Threads are
// required.
type Config struct {
	Transport Transport
	Parts     PartStore
	Approver  Approver
	Threads   ThreadStore
	Bus       Publisher
	Cost      CostFunc
	// DoomLoop escalates repeated identical commands to the reviewer.
	DoomLoop *permission.DoomLoopDetector
	// InterruptGrace bounds how long an aborted turn waits for the backend
	// to confirm the interrupt.
	InterruptGrace time.Duration
}

// Processor runs turns against the app-server.
type Processor struct {
	transport      Transport
	parts          PartStore
	approver       Approver
	threads        ThreadStore
	bus            Publisher
	cost           CostFunc
	doomLoop       *permission.DoomLoopDetector
	interruptGrace time.Duration
	log            zerolog.Logger
}

// New creates a Processor.
func New(cfg Config) *Processor {
	if cfg.Cost == nil {
		cfg.Cost = func(string, types.TokenUsage) float64 { return 0 }
	}
	if cfg.InterruptGrace <= 0 {
		cfg.InterruptGrace = defaultInterruptGrace
	}
	return &Processor{
		transport:      cfg.Transport,
		parts:          cfg.Parts,
		approver:       cfg.Approver,
		threads:        cfg.Threads,
		bus:            cfg.Bus,
		cost:           cfg.Cost,
		doomLoop:       cfg.DoomLoop,
		interruptGrace: cfg.InterruptGrace,
		log:            logging.Component("turn"),
	}
}

// Request describes one turn.
type Request struct {
	SessionID string
	// MessageID is the assistant message the turn's parts belong to.
	MessageID    string
	Prompt       string
	Instructions string
	Model        string
	Effort       string
	// Cwd is the working directory of the turn; Root is the project root
	// edit paths are reported relative to, defaulting to Cwd.
	Cwd            string
	Root           string
	Ruleset        permission.Ruleset
	ApprovalPolicy string
	Sandbox        string
}

// Result summarizes a finished turn.
type Result struct {
	Status   Status
	ThreadID string
	TurnID   string
	Model    string
	Tokens   types.TokenUsage
	Cost     float64
	// Finish is the step-finish reason: stop, error or aborted.
	Finish string
	Error  *types.MessageError

	// partIDs lists the parts the turn wrote, in first-write order.
	partIDs []string
}

// Run executes a turn and blocks until it reaches a terminal state.
// Cancelling ctx aborts the turn: the backend is asked to interrupt and Run
// returns once it has, with StatusInterrupted and a nil error.
// A failed turn returns its Result together with a *TurnError or *AuthError.
func (p *Processor) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Root == "" {
		req.Root = req.Cwd
	}
	if req.ApprovalPolicy == "" {
		req.ApprovalPolicy = DefaultApprovalPolicy
	}
	if req.Sandbox == "" {
		req.Sandbox = DefaultSandbox
	}

	log := p.log.With().Str("sessionID", req.SessionID).Str("messageID", req.MessageID).Logger()

	res, err := p.attempt(ctx, req, req.Instructions, log)
	if req.Instructions != "" && rejectedInstructions(res, err) {
		log.Warn().Msg("developer instructions rejected, retrying without them")
		if derr := p.threads.Delete(context.WithoutCancel(ctx), req.SessionID); derr != nil {
			log.Warn().Err(derr).Msg("failed to clear stored thread")
		}
		p.discard(ctx, req, res)
		res, err = p.attempt(ctx, req, "", log)
	}
	return res, err
}

// discard removes the parts of a failed attempt from the message.
func (p *Processor) discard(ctx context.Context, req Request, res *Result) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range res.partIDs {
		if err := p.parts.RemovePart(ctx, req.SessionID, req.MessageID, id); err != nil {
			p.log.Warn().Err(err).Str("partID", id).Msg("failed to remove part")
			continue
		}
		if p.bus != nil {
			p.bus.PublishSync(event.Event{
				Type: event.PartRemoved,
				Data: event.MessagePartRemovedData{SessionID: req.SessionID, MessageID: req.MessageID, PartID: id},
			})
		}
	}
}

func rejectedInstructions(res *Result, err error) bool {
	if err == nil || res == nil || res.Status != StatusFailed {
		return false
	}
	return instructionsRejected(err.Error())
}

// attempt opens a thread and runs a single turn on it.
func (p *Processor) attempt(ctx context.Context, req Request, instructions string, log zerolog.Logger) (*Result, error) {
	threadID, model, err := p.openThread(ctx, req, instructions, log)
	if err != nil {
		if ctx.Err() != nil {
			return &Result{
				Status: StatusInterrupted,
				Finish: finishReason(StatusInterrupted),
				Error:  types.NewAbortedError("Turn aborted"),
			}, nil
		}
		te := &TurnError{Err: err}
		var rpcErr *codex.RPCError
		if errors.As(err, &rpcErr) {
			te.Message = rpcErr.Message
		}
		return &Result{
			Status: StatusFailed,
			Finish: finishReason(StatusFailed),
			Error:  types.NewUnknownError(te.Error()),
		}, te
	}
	if model == "" {
		model = req.Model
	}

	tc := newTurnContext(p, req, threadID, model, log)
	return tc.run(ctx)
}

// openThread resumes the session's stored thread or starts a new one.
func (p *Processor) openThread(ctx context.Context, req Request, instructions string, log zerolog.Logger) (string, string, error) {
	stored, err := p.threads.Get(ctx, req.SessionID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read stored thread")
	}

	var res codex.ThreadResult
	if stored != "" {
		err := p.request(ctx, codex.MethodThreadResume, codex.ThreadResumeParams{
			ThreadID:              stored,
			Model:                 req.Model,
			Cwd:                   req.Cwd,
			ApprovalPolicy:        req.ApprovalPolicy,
			Sandbox:               req.Sandbox,
			DeveloperInstructions: instructions,
		}, &res)
		switch {
		case err == nil && res.Thread.ID != "":
			if res.Thread.ID != stored {
				p.storeThread(ctx, req.SessionID, res.Thread.ID, log)
			}
			log.Debug().Str("threadID", res.Thread.ID).Msg("thread resumed")
			return res.Thread.ID, res.Model, nil
		case ctx.Err() != nil:
			return "", "", ctx.Err()
		case err != nil && instructionsRejected(err.Error()):
			return "", "", err
		}
		log.Warn().Err(err).Str("threadID", stored).Msg("resume failed, starting a new thread")
	}

	res = codex.ThreadResult{}
	err = p.request(ctx, codex.MethodThreadStart, codex.ThreadStartParams{
		Model:                 req.Model,
		Cwd:                   req.Cwd,
		ApprovalPolicy:        req.ApprovalPolicy,
		Sandbox:               req.Sandbox,
		DeveloperInstructions: instructions,
	}, &res)
	if err != nil {
		return "", "", err
	}
	if res.Thread.ID == "" {
		return "", "", errors.New("thread/start returned no thread id")
	}

	p.storeThread(ctx, req.SessionID, res.Thread.ID, log)
	log.Debug().Str("threadID", res.Thread.ID).Msg("thread started")
	return res.Thread.ID, res.Model, nil
}

func (p *Processor) storeThread(ctx context.Context, sessionID, threadID string, log zerolog.Logger) {
	if err := p.threads.Set(context.WithoutCancel(ctx), sessionID, threadID); err != nil {
		log.Warn().Err(err).Msg("failed to store thread")
	}
}

// request retries once when the app-server went away mid-call, which
// respawns it. Any other error is returned as is.
func (p *Processor) request(ctx context.Context, method string, params, result any) error {
	op := func() error {
		err := p.transport.Request(ctx, method, params, result)
		if err == nil || errors.Is(err, codex.ErrProcessExited) {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1), ctx)
	return backoff.RetryNotify(op, b, func(err error, _ time.Duration) {
		p.log.Info().Err(err).Str("method", method).Msg("app-server exited, retrying")
	})
}

func finishReason(s Status) string {
	switch s {
	case StatusCompleted:
		return "stop"
	case StatusInterrupted:
		return "aborted"
	default:
		return "error"
	}
}
