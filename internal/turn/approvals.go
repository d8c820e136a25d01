package turn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opencode-ai/codexhost/internal/codex"
	"github.com/opencode-ai/codexhost/internal/permission"
)

// handleRequest claims approval requests for this turn's thread. Each
// claimed request is answered exactly once from its own goroutine.
func (tc *turnContext) handleRequest(req *codex.InboundRequest) bool {
	if req.Method != codex.MethodCommandApproval && req.Method != codex.MethodFileChangeApproval {
		return false
	}
	var params codex.ApprovalParams
	if err := req.Decode(&params); err != nil {
		tc.log.Debug().Err(err).Str("method", req.Method).Msg("undecodable approval request")
		return false
	}

	tc.mu.Lock()
	if params.ThreadID != tc.threadID || tc.finished {
		tc.mu.Unlock()
		return false
	}
	tc.approvals.Add(1)
	tc.mu.Unlock()

	go func() {
		defer tc.approvals.Done()
		decision := tc.decide(req.Method, params)
		if err := req.Respond(codex.ApprovalResponse{Decision: decision}); err != nil {
			tc.log.Debug().Err(err).Str("itemID", params.ItemID).Msg("failed to answer approval")
		}
	}()
	return true
}

// decide brokers one approval and maps the outcome to a backend decision.
func (tc *turnContext) decide(method string, params codex.ApprovalParams) string {
	// Items of the turn are only known once its id is.
	select {
	case <-tc.turnKnown:
	case <-tc.approvalCtx.Done():
		return codex.DecisionCancel
	}
	tc.mu.Lock()
	current := tc.turnID
	tc.mu.Unlock()
	if params.TurnID != "" && params.TurnID != current {
		tc.log.Warn().Str("turnID", params.TurnID).Msg("approval for another turn, cancelling")
		return codex.DecisionCancel
	}

	preq, loopInput, ok := tc.permissionRequest(method, params)
	if !ok {
		tc.log.Warn().Str("itemID", params.ItemID).Msg("approval for unknown item, cancelling")
		return codex.DecisionCancel
	}

	tc.log.Debug().Str("permission", describe(preq)).Msg("approval requested")

	ctx := tc.approvalCtx
	if ctx.Err() != nil {
		return codex.DecisionCancel
	}
	if loopInput != nil && tc.p.doomLoop != nil && tc.p.doomLoop.Check(tc.req.SessionID, string(preq.Type), loopInput) {
		loop := preq
		loop.Type = permission.PermDoomLoop
		loop.Title = "Repeated call: " + preq.Title
		if err := tc.p.approver.Check(ctx, loop, permission.ActionAsk); err != nil {
			return decision(err)
		}
	}

	action := tc.req.Ruleset.Decide(preq)
	return decision(tc.p.approver.Check(ctx, preq, action))
}

func decision(err error) string {
	if err == nil {
		return codex.DecisionAccept
	}
	var rejected *permission.RejectedError
	if errors.As(err, &rejected) && !rejected.Shutdown {
		return codex.DecisionDecline
	}
	return codex.DecisionCancel
}

// permissionRequest builds the request for the tool part of params.ItemID.
func (tc *turnContext) permissionRequest(method string, params codex.ApprovalParams) (permission.Request, any, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	part, ok := tc.tools[params.ItemID]
	if !ok {
		return permission.Request{}, nil, false
	}

	req := permission.Request{
		SessionID: tc.req.SessionID,
		MessageID: tc.req.MessageID,
		CallID:    part.CallID,
		Metadata:  map[string]any{},
	}
	if params.Reason != "" {
		req.Metadata["reason"] = params.Reason
	}

	switch method {
	case codex.MethodCommandApproval:
		command, _ := part.State.Input["command"].(string)
		if command == "" {
			return permission.Request{}, nil, false
		}
		req.Type = permission.PermBash
		req.Pattern = []string{command}
		req.Title = command
		req.Metadata["command"] = command
		if cwd, ok := part.State.Input["cwd"].(string); ok {
			req.Metadata["cwd"] = cwd
		}
		if commands, err := permission.ParseBashCommand(command); err == nil {
			req.Metadata["patterns"] = permission.BuildPatterns(commands)
		}
		return req, command, true

	default:
		paths := tc.editPathsLocked(part.State.Input)
		req.Type = permission.PermEdit
		req.Pattern = paths
		req.Title = "Edit " + strings.Join(paths, ", ")
		if len(paths) == 0 {
			req.Title = "Edit files"
		}
		req.Metadata["files"] = paths
		return req, nil, true
	}
}

func (tc *turnContext) editPathsLocked(input map[string]any) []string {
	changes, _ := input["changes"].([]map[string]any)
	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		if p, ok := c["path"].(string); ok {
			paths = append(paths, p)
		}
		if p, ok := c["movePath"].(string); ok {
			paths = append(paths, p)
		}
	}
	return paths
}

// describe summarizes a permission request for logs.
func describe(req permission.Request) string {
	return fmt.Sprintf("%s %s", req.Type, strings.Join(req.Pattern, " "))
}
