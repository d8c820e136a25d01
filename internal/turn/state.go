package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/codexhost/internal/codex"
	"github.com/opencode-ai/codexhost/internal/event"
	"github.com/opencode-ai/codexhost/pkg/types"
)

// turnContext is the state of one running turn. Notification handlers run
// on the transport read loop; approvals run on their own goroutines.
type turnContext struct {
	p     *Processor
	req   Request
	model string
	log   zerolog.Logger

	mu        sync.Mutex
	threadID  string
	turnID    string
	texts     map[string]*types.TextPart
	reasoning map[string]*types.ReasoningPart
	tools     map[string]*types.ToolPart
	buffers   map[string]*strings.Builder
	tokens    types.TokenUsage
	written   []string
	seen      map[string]bool

	status         Status
	errMessage     string
	classification string
	exitErr        *codex.ExitError
	finished       bool
	done           chan struct{}

	aborted       bool
	interruptSent bool

	// early holds notifications naming a turn that arrived before the turn
	// id was known.
	early []codex.Notification
	// turnKnown is closed once the turn id is adopted.
	turnKnown chan struct{}

	approvalCtx     context.Context
	cancelApprovals context.CancelFunc
	approvals       sync.WaitGroup
}

func newTurnContext(p *Processor, req Request, threadID, model string, log zerolog.Logger) *turnContext {
	tc := &turnContext{
		p:         p,
		req:       req,
		model:     model,
		log:       log.With().Str("threadID", threadID).Logger(),
		threadID:  threadID,
		texts:     make(map[string]*types.TextPart),
		reasoning: make(map[string]*types.ReasoningPart),
		tools:     make(map[string]*types.ToolPart),
		buffers:   make(map[string]*strings.Builder),
		seen:      make(map[string]bool),
		done:      make(chan struct{}),
		turnKnown: make(chan struct{}),
	}
	tc.approvalCtx, tc.cancelApprovals = context.WithCancel(context.Background())
	return tc
}

func (tc *turnContext) run(ctx context.Context) (*Result, error) {
	unsubs := []func(){
		tc.p.transport.OnNotification(tc.handleNotification),
		tc.p.transport.OnRequest(tc.handleRequest),
		tc.p.transport.OnExit(tc.handleExit),
	}

	tc.mu.Lock()
	tc.emit(&types.StepStartPart{
		ID:        newPartID(),
		SessionID: tc.req.SessionID,
		MessageID: tc.req.MessageID,
		Type:      types.PartTypeStepStart,
	}, "")
	tc.mu.Unlock()

	var started codex.TurnStartResult
	err := tc.p.transport.Request(context.WithoutCancel(ctx), codex.MethodTurnStart, codex.TurnStartParams{
		ThreadID:       tc.threadID,
		Input:          []codex.UserInput{codex.TextInput(tc.req.Prompt)},
		Cwd:            tc.req.Cwd,
		Model:          tc.req.Model,
		ApprovalPolicy: tc.req.ApprovalPolicy,
		Effort:         tc.req.Effort,
	}, &started)
	if err != nil {
		tc.failRequest(err)
	} else {
		tc.setTurnID(started.Turn.ID)
	}

	tc.wait(ctx)

	for _, unsub := range unsubs {
		unsub()
	}
	tc.cancelApprovals()
	tc.approvals.Wait()

	return tc.finalize(ctx)
}

// wait blocks until the turn is terminal. Cancelling ctx requests an
// interrupt; if the backend never confirms it the turn ends after the grace
// period.
func (tc *turnContext) wait(ctx context.Context) {
	abort := ctx.Done()
	var grace <-chan time.Time
	for {
		select {
		case <-tc.done:
			return
		case <-abort:
			abort = nil
			tc.requestAbort()
			timer := time.NewTimer(tc.p.interruptGrace)
			defer timer.Stop()
			grace = timer.C
		case <-grace:
			tc.log.Warn().Msg("interrupt not confirmed, abandoning turn")
			tc.finish(StatusInterrupted, "", "")
		}
	}
}

func (tc *turnContext) requestAbort() {
	tc.mu.Lock()
	tc.aborted = true
	threadID, turnID, send := tc.claimInterruptLocked()
	tc.mu.Unlock()

	tc.log.Info().Msg("abort requested")
	tc.cancelApprovals()
	if send {
		go tc.sendInterrupt(threadID, turnID)
	}
}

func (tc *turnContext) setTurnID(id string) {
	if id == "" {
		tc.log.Warn().Msg("turn/start returned no turn id, waiting for turn/started")
		return
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.adoptTurnLocked(id)
}

// claimInterruptLocked reports whether the caller must send the one
// turn/interrupt of this turn.
func (tc *turnContext) claimInterruptLocked() (threadID, turnID string, send bool) {
	if !tc.aborted || tc.interruptSent || tc.finished || tc.turnID == "" {
		return "", "", false
	}
	tc.interruptSent = true
	return tc.threadID, tc.turnID, true
}

func (tc *turnContext) sendInterrupt(threadID, turnID string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultInterruptTimeout)
	defer cancel()

	err := tc.p.transport.Request(ctx, codex.MethodTurnInterrupt, codex.TurnInterruptParams{
		ThreadID: threadID,
		TurnID:   turnID,
	}, nil)
	if err != nil {
		tc.log.Warn().Err(err).Str("turnID", turnID).Msg("turn/interrupt failed")
	}
}

// finish records the terminal status once.
func (tc *turnContext) finish(status Status, message, classification string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.finishLocked(status, message, classification)
}

func (tc *turnContext) finishLocked(status Status, message, classification string) {
	if tc.finished {
		return
	}
	tc.finished = true
	tc.status = status
	tc.errMessage = message
	tc.classification = classification
	close(tc.done)
}

func (tc *turnContext) failRequest(err error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if exit, ok := asExitError(err); ok {
		tc.exitErr = exit
	}
	msg := err.Error()
	var rpcErr *codex.RPCError
	if errors.As(err, &rpcErr) {
		msg = rpcErr.Message
	}
	if tc.aborted {
		tc.finishLocked(StatusInterrupted, "", "")
		return
	}
	tc.finishLocked(StatusFailed, msg, "")
}

func (tc *turnContext) handleExit(err *codex.ExitError) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.finished {
		return
	}
	tc.exitErr = err
	if tc.aborted {
		tc.finishLocked(StatusInterrupted, "", "")
		return
	}
	tc.log.Warn().Int("code", err.Code).Msg("app-server exited during turn")
	tc.finishLocked(StatusFailed, err.Error(), "")
}

// routing is the header shared by turn notifications. turn/started and
// turn/completed carry the turn id inside the turn object.
type routing struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Turn     *struct {
		ID string `json:"id"`
	} `json:"turn"`
}

func (r routing) turnID() string {
	if r.TurnID == "" && r.Turn != nil {
		return r.Turn.ID
	}
	return r.TurnID
}

// handleNotification routes a notification of this thread. Until the turn id
// is known, notifications naming a turn are parked and replayed once it is;
// those of other turns are then dropped.
func (tc *turnContext) handleNotification(n codex.Notification) {
	var r routing
	if !tc.decode(n, &r) {
		return
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if r.ThreadID != tc.threadID {
		return
	}
	id := r.turnID()
	if n.Method == codex.NotifyTurnStarted {
		tc.adoptTurnLocked(id)
		return
	}
	switch {
	case id == "":
	case tc.turnID == "":
		tc.early = append(tc.early, n)
		return
	case id != tc.turnID:
		return
	}
	tc.dispatchLocked(n)
}

// adoptTurnLocked records the turn id, replays parked notifications of that
// turn and sends a pending interrupt.
func (tc *turnContext) adoptTurnLocked(id string) {
	if id == "" || tc.turnID != "" {
		return
	}
	tc.turnID = id
	close(tc.turnKnown)

	early := tc.early
	tc.early = nil
	for _, n := range early {
		var r routing
		if tc.decode(n, &r) && r.turnID() == id {
			tc.dispatchLocked(n)
		} else {
			tc.log.Debug().Str("method", n.Method).Str("turnID", r.turnID()).Msg("dropping notification of another turn")
		}
	}

	if threadID, turnID, send := tc.claimInterruptLocked(); send {
		go tc.sendInterrupt(threadID, turnID)
	}
}

func (tc *turnContext) dispatchLocked(n codex.Notification) {
	switch n.Method {
	case codex.NotifyTurnCompleted:
		var msg codex.TurnNotification
		if tc.decode(n, &msg) {
			tc.completeLocked(msg.Turn)
		}

	case codex.NotifyError:
		var msg codex.ErrorNotification
		if !tc.decode(n, &msg) {
			return
		}
		if msg.WillRetry {
			tc.log.Info().Str("error", msg.Error.Message).Msg("backend retrying")
			return
		}
		if tc.aborted {
			tc.finishLocked(StatusInterrupted, "", "")
			return
		}
		tc.finishLocked(StatusFailed, msg.Error.Message, msg.Error.Classification())

	case codex.NotifyItemStarted, codex.NotifyItemCompleted:
		var msg codex.ItemNotification
		if tc.finished || !tc.decode(n, &msg) {
			return
		}
		tc.handleItemLocked(n.Method == codex.NotifyItemCompleted, &msg.Item)

	case codex.NotifyAgentMessageDelta, codex.NotifyReasoningSummary, codex.NotifyReasoningText,
		codex.NotifyCommandOutputDelta, codex.NotifyFileChangeDelta:
		var msg codex.DeltaNotification
		if tc.finished || !tc.decode(n, &msg) {
			return
		}
		tc.handleDeltaLocked(n.Method, msg.ItemID, msg.Delta)

	case codex.NotifyTokenUsageUpdated:
		var msg codex.TokenUsageNotification
		if tc.decode(n, &msg) {
			tc.tokens = tc.tokens.Add(tokenUsage(msg.TokenUsage.Last))
		}
	}
}

func (tc *turnContext) decode(n codex.Notification, v any) bool {
	if err := n.Decode(v); err != nil {
		tc.log.Debug().Err(err).Str("method", n.Method).Msg("dropping undecodable notification")
		return false
	}
	return true
}

// completeLocked finishes the turn on a terminal turn/completed. After an
// abort every terminal status counts as interrupted.
func (tc *turnContext) completeLocked(turn codex.Turn) {
	switch turn.Status {
	case codex.TurnStatusCompleted, codex.TurnStatusInterrupted, codex.TurnStatusFailed:
		if tc.aborted {
			tc.finishLocked(StatusInterrupted, "", "")
			return
		}
	}
	switch turn.Status {
	case codex.TurnStatusCompleted:
		tc.finishLocked(StatusCompleted, "", "")
	case codex.TurnStatusInterrupted:
		tc.finishLocked(StatusInterrupted, "", "")
	case codex.TurnStatusFailed:
		msg := "turn failed"
		classification := ""
		if turn.Error != nil {
			if turn.Error.Message != "" {
				msg = turn.Error.Message
			}
			classification = turn.Error.Classification()
		}
		tc.finishLocked(StatusFailed, msg, classification)
	default:
		tc.log.Debug().Str("status", turn.Status).Msg("ignoring non-terminal turn/completed")
	}
}

// tokenUsage converts a backend breakdown. Cached input is reported as a
// cache read and excluded from input.
func tokenUsage(b codex.TokenUsageBreakdown) types.TokenUsage {
	input := b.InputTokens - b.CachedInputTokens
	if input < 0 {
		input = 0
	}
	return types.TokenUsage{
		Input:     input,
		Output:    b.OutputTokens,
		Reasoning: b.ReasoningOutputTokens,
		Cache:     types.CacheUsage{Read: b.CachedInputTokens},
	}
}

// emit persists a part and publishes it. Callers hold tc.mu so updates of
// one turn are published in order.
func (tc *turnContext) emit(part types.Part, delta string) {
	if id := part.PartID(); !tc.seen[id] {
		tc.seen[id] = true
		tc.written = append(tc.written, id)
	}
	snapshot := part.Clone()
	if err := tc.p.parts.UpdatePart(context.Background(), snapshot); err != nil {
		tc.log.Warn().Err(err).Str("partID", part.PartID()).Msg("failed to store part")
	}
	if tc.p.bus != nil {
		tc.p.bus.PublishSync(event.Event{
			Type: event.PartUpdated,
			Data: event.MessagePartUpdatedData{Part: snapshot, Delta: delta},
		})
	}
}

// finalize closes open parts, writes the step-finish marker and flushes.
func (tc *turnContext) finalize(ctx context.Context) (*Result, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	now := time.Now().UnixMilli()
	for _, part := range tc.texts {
		if part.Time.End == nil {
			part.Time.End = &now
			tc.emit(part, "")
		}
	}
	for _, part := range tc.reasoning {
		if part.Time.End == nil {
			part.Time.End = &now
			tc.emit(part, "")
		}
	}
	for _, part := range tc.tools {
		if !part.State.Terminal() {
			part.State.Status = types.ToolStatusError
			part.State.Error = "Tool execution was interrupted"
			part.State.Time.End = &now
			tc.emit(part, "")
		}
	}

	res := &Result{
		Status:   tc.status,
		ThreadID: tc.threadID,
		TurnID:   tc.turnID,
		Model:    tc.model,
		Tokens:   tc.tokens,
		Cost:     tc.p.cost(tc.model, tc.tokens),
		Finish:   finishReason(tc.status),
	}

	tc.emit(&types.StepFinishPart{
		ID:        newPartID(),
		SessionID: tc.req.SessionID,
		MessageID: tc.req.MessageID,
		Type:      types.PartTypeStepFinish,
		Reason:    res.Finish,
		Cost:      res.Cost,
		Tokens:    res.Tokens,
	}, "")
	res.partIDs = append([]string(nil), tc.written...)

	if err := tc.p.parts.Flush(context.WithoutCancel(ctx), tc.req.SessionID, tc.req.MessageID); err != nil {
		tc.log.Warn().Err(err).Msg("failed to flush parts")
	}

	var err error
	switch tc.status {
	case StatusInterrupted:
		res.Error = types.NewAbortedError("Turn aborted")
	case StatusFailed:
		if isUnauthorized(tc.classification) {
			err = &AuthError{Message: tc.errMessage, Classification: tc.classification}
			res.Error = types.NewProviderAuthError(ProviderID, tc.errMessage)
		} else {
			te := &TurnError{Message: tc.errMessage, Classification: tc.classification}
			if tc.exitErr != nil {
				te.Err = tc.exitErr
			}
			err = te
			res.Error = types.NewUnknownError(te.Error())
		}
		res.Error.Data.Info = tc.classification
	}

	tc.log.Info().
		Str("status", string(res.Status)).
		Int("input", res.Tokens.Input).
		Int("output", res.Tokens.Output).
		Msg("turn finished")
	return res, err
}

func asExitError(err error) (*codex.ExitError, bool) {
	var exit *codex.ExitError
	ok := errors.As(err, &exit)
	return exit, ok
}

func newPartID() string {
	return ulid.Make().String()
}
