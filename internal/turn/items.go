package turn

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opencode-ai/codexhost/internal/codex"
	"github.com/opencode-ai/codexhost/pkg/types"
)

// itemKind enumerates the upstream item types.
type itemKind int

const (
	kindUserMessage itemKind = iota
	kindAgentMessage
	kindReasoning
	kindCommandExecution
	kindFileChange
	kindMcpToolCall
	kindWebSearch
	kindImageView
	kindEnteredReviewMode
	kindExitedReviewMode
	numItemKinds
)

var itemKindNames = [...]string{
	kindUserMessage:       "userMessage",
	kindAgentMessage:      "agentMessage",
	kindReasoning:         "reasoning",
	kindCommandExecution:  "commandExecution",
	kindFileChange:        "fileChange",
	kindMcpToolCall:       "mcpToolCall",
	kindWebSearch:         "webSearch",
	kindImageView:         "imageView",
	kindEnteredReviewMode: "enteredReviewMode",
	kindExitedReviewMode:  "exitedReviewMode",
}

func (k itemKind) String() string {
	if k >= 0 && k < numItemKinds {
		return itemKindNames[k]
	}
	return fmt.Sprintf("itemKind(%d)", int(k))
}

func parseItemKind(s string) (itemKind, bool) {
	for k, name := range itemKindNames {
		if name == s {
			return itemKind(k), true
		}
	}
	return 0, false
}

type itemFunc func(tc *turnContext, it *codex.Item)

type itemHandler struct {
	started   itemFunc
	completed itemFunc
}

var itemHandlers = [...]itemHandler{
	kindUserMessage:       {ignoreItem, ignoreItem},
	kindAgentMessage:      {(*turnContext).startText, (*turnContext).completeText},
	kindReasoning:         {(*turnContext).startReasoning, (*turnContext).completeReasoning},
	kindCommandExecution:  {(*turnContext).startCommand, (*turnContext).completeCommand},
	kindFileChange:        {(*turnContext).startFileChange, (*turnContext).completeFileChange},
	kindMcpToolCall:       {(*turnContext).startMcpToolCall, (*turnContext).completeMcpToolCall},
	kindWebSearch:         {(*turnContext).startWebSearch, (*turnContext).completeWebSearch},
	kindImageView:         {(*turnContext).startImageView, (*turnContext).completeImageView},
	kindEnteredReviewMode: {ignoreItem, (*turnContext).completeReviewMode},
	kindExitedReviewMode:  {ignoreItem, (*turnContext).completeReviewMode},
}

// Both tables must have exactly one entry per kind.
var (
	_ [int(numItemKinds) - len(itemHandlers)]struct{}
	_ [len(itemHandlers) - int(numItemKinds)]struct{}
	_ [int(numItemKinds) - len(itemKindNames)]struct{}
	_ [len(itemKindNames) - int(numItemKinds)]struct{}
)

func ignoreItem(*turnContext, *codex.Item) {}

func (tc *turnContext) handleItemLocked(completed bool, it *codex.Item) {
	kind, ok := parseItemKind(it.Type)
	if !ok {
		tc.log.Debug().Str("type", it.Type).Msg("ignoring unknown item type")
		return
	}
	h := itemHandlers[kind]
	if completed {
		h.completed(tc, it)
	} else {
		h.started(tc, it)
	}
}

// rawReasoningKey keys the buffer of raw reasoning deltas, which stream
// alongside the summary deltas of the same item.
func rawReasoningKey(itemID string) string { return itemID + "\x00raw" }

func (tc *turnContext) handleDeltaLocked(method, itemID, delta string) {
	if delta == "" {
		return
	}
	key := itemID
	if method == codex.NotifyReasoningText {
		key = rawReasoningKey(itemID)
	}
	buf := tc.buffer(key)
	buf.WriteString(delta)

	switch method {
	case codex.NotifyAgentMessageDelta:
		part := tc.textPart(itemID)
		part.Text = buf.String()
		tc.emit(part, delta)

	case codex.NotifyReasoningSummary:
		part := tc.reasoningPart(itemID)
		part.Text = buf.String()
		tc.emit(part, delta)

	case codex.NotifyReasoningText:
		part := tc.reasoningPart(itemID)
		setReasoningContent(part, buf.String())
		tc.emit(part, "")

	case codex.NotifyCommandOutputDelta, codex.NotifyFileChangeDelta:
		part, ok := tc.tools[itemID]
		if !ok {
			return
		}
		if part.State.Metadata == nil {
			part.State.Metadata = make(map[string]any)
		}
		part.State.Metadata["output"] = buf.String()
		tc.emit(part, delta)
	}
}

func (tc *turnContext) buffer(key string) *strings.Builder {
	buf, ok := tc.buffers[key]
	if !ok {
		buf = &strings.Builder{}
		tc.buffers[key] = buf
	}
	return buf
}

func nowMillis() *int64 {
	t := time.Now().UnixMilli()
	return &t
}

// Text

func (tc *turnContext) textPart(itemID string) *types.TextPart {
	part, ok := tc.texts[itemID]
	if !ok {
		part = &types.TextPart{
			ID:        newPartID(),
			SessionID: tc.req.SessionID,
			MessageID: tc.req.MessageID,
			Type:      types.PartTypeText,
			Time:      types.PartTime{Start: nowMillis()},
		}
		tc.texts[itemID] = part
	}
	return part
}

func (tc *turnContext) startText(it *codex.Item) {
	part := tc.textPart(it.ID)
	if it.Text != "" {
		part.Text = it.Text
	}
	tc.emit(part, "")
}

func (tc *turnContext) completeText(it *codex.Item) {
	part := tc.textPart(it.ID)
	if it.Text != "" {
		part.Text = it.Text
	}
	part.Time.End = nowMillis()
	tc.emit(part, "")
}

func (tc *turnContext) completeReviewMode(it *codex.Item) {
	part := tc.textPart(it.ID)
	part.Text = it.Review
	part.Metadata = map[string]any{"reviewMode": strings.TrimSuffix(it.Type, "ReviewMode")}
	part.Time.End = nowMillis()
	tc.emit(part, "")
}

// Reasoning

func (tc *turnContext) reasoningPart(itemID string) *types.ReasoningPart {
	part, ok := tc.reasoning[itemID]
	if !ok {
		part = &types.ReasoningPart{
			ID:        newPartID(),
			SessionID: tc.req.SessionID,
			MessageID: tc.req.MessageID,
			Type:      types.PartTypeReasoning,
			Time:      types.PartTime{Start: nowMillis()},
		}
		tc.reasoning[itemID] = part
	}
	return part
}

func (tc *turnContext) startReasoning(it *codex.Item) {
	tc.emit(tc.reasoningPart(it.ID), "")
}

// completeReasoning keeps the summary as the part's text and the raw
// reasoning under metadata["text"].
func (tc *turnContext) completeReasoning(it *codex.Item) {
	part := tc.reasoningPart(it.ID)
	if summary := it.ReasoningSummary(); summary != "" {
		part.Text = summary
	}
	if content := it.ReasoningContent(); content != "" {
		setReasoningContent(part, content)
	}
	part.Time.End = nowMillis()
	tc.emit(part, "")
}

func setReasoningContent(part *types.ReasoningPart, text string) {
	if part.Metadata == nil {
		part.Metadata = make(map[string]any)
	}
	part.Metadata["text"] = text
}

// Tools

// toolPart returns the part of a tool item, creating it running.
func (tc *turnContext) toolPart(it *codex.Item, tool string, input map[string]any, title string) *types.ToolPart {
	part, ok := tc.tools[it.ID]
	if !ok {
		part = &types.ToolPart{
			ID:        newPartID(),
			SessionID: tc.req.SessionID,
			MessageID: tc.req.MessageID,
			Type:      types.PartTypeTool,
			CallID:    it.ID,
			Tool:      tool,
			State: types.ToolState{
				Status: types.ToolStatusRunning,
				Input:  input,
				Title:  title,
				Time:   types.PartTime{Start: nowMillis()},
			},
		}
		tc.tools[it.ID] = part
	}
	return part
}

// completeTool moves a tool part to its terminal state from the upstream
// item status.
func (tc *turnContext) completeTool(part *types.ToolPart, status, output, errMsg string) {
	if part.State.Terminal() {
		return
	}
	switch status {
	case codex.ItemStatusFailed, codex.ItemStatusDeclined:
		part.State.Status = types.ToolStatusError
		if errMsg == "" {
			errMsg = status
		}
		part.State.Error = errMsg
		part.State.Output = output
	default:
		part.State.Status = types.ToolStatusCompleted
		part.State.Output = output
	}
	part.State.Time.End = nowMillis()
	tc.emit(part, "")
}

func commandInput(it *codex.Item) map[string]any {
	input := map[string]any{"command": it.Command}
	if it.Cwd != "" {
		input["cwd"] = it.Cwd
	}
	return input
}

func (tc *turnContext) startCommand(it *codex.Item) {
	tc.emit(tc.toolPart(it, "bash", commandInput(it), it.Command), "")
}

func (tc *turnContext) completeCommand(it *codex.Item) {
	part := tc.toolPart(it, "bash", commandInput(it), it.Command)

	output := tc.buffer(it.ID).String()
	if it.AggregatedOutput != nil {
		output = *it.AggregatedOutput
	}
	if part.State.Metadata == nil {
		part.State.Metadata = make(map[string]any)
	}
	delete(part.State.Metadata, "output")
	if it.ExitCode != nil {
		part.State.Metadata["exitCode"] = *it.ExitCode
	}
	if it.DurationMs != nil {
		part.State.Metadata["durationMs"] = *it.DurationMs
	}

	status := it.Status
	var errMsg string
	switch {
	case status == codex.ItemStatusDeclined:
		errMsg = "Command was declined"
	case it.ExitCode != nil && *it.ExitCode != 0:
		status = codex.ItemStatusFailed
		errMsg = fmt.Sprintf("Command exited with code %d", *it.ExitCode)
	case status == codex.ItemStatusFailed:
		errMsg = "Command failed"
	}
	tc.completeTool(part, status, output, errMsg)
}

func (tc *turnContext) fileChangeInput(it *codex.Item) map[string]any {
	changes := make([]map[string]any, 0, len(it.Changes))
	for _, c := range it.Changes {
		change := map[string]any{"path": relPath(tc.req.Root, c.Path), "kind": c.Kind.Type}
		if c.Kind.MovePath != "" {
			change["movePath"] = relPath(tc.req.Root, c.Kind.MovePath)
		}
		changes = append(changes, change)
	}
	return map[string]any{"changes": changes}
}

func (tc *turnContext) fileChangeTitle(it *codex.Item) string {
	paths := changedPaths(tc.req.Root, it.Changes)
	switch len(paths) {
	case 0:
		return "Edit files"
	case 1:
		return paths[0]
	default:
		return fmt.Sprintf("%s and %d more", paths[0], len(paths)-1)
	}
}

func (tc *turnContext) startFileChange(it *codex.Item) {
	tc.emit(tc.toolPart(it, "patch", tc.fileChangeInput(it), tc.fileChangeTitle(it)), "")
}

func (tc *turnContext) completeFileChange(it *codex.Item) {
	part := tc.toolPart(it, "patch", tc.fileChangeInput(it), tc.fileChangeTitle(it))
	if len(it.Changes) > 0 {
		part.State.Input = tc.fileChangeInput(it)
		part.State.Title = tc.fileChangeTitle(it)
	}

	diffs := fileDiffs(tc.req.Root, it.Changes)
	if part.State.Metadata == nil {
		part.State.Metadata = make(map[string]any)
	}
	delete(part.State.Metadata, "output")
	part.State.Metadata["files"] = diffs

	var additions, deletions int
	for _, d := range diffs {
		additions += d.Additions
		deletions += d.Deletions
	}
	output := fmt.Sprintf("%d file(s) changed, +%d -%d", len(diffs), additions, deletions)

	var errMsg string
	if it.Status == codex.ItemStatusDeclined {
		errMsg = "Patch was declined"
	}
	tc.completeTool(part, it.Status, output, errMsg)

	if part.State.Status == types.ToolStatusCompleted && len(diffs) > 0 {
		tc.emit(&types.PatchPart{
			ID:        newPartID(),
			SessionID: tc.req.SessionID,
			MessageID: tc.req.MessageID,
			Type:      types.PartTypePatch,
			CallID:    part.CallID,
			Files:     changedPaths(tc.req.Root, it.Changes),
		}, "")
	}
}

func mcpInput(it *codex.Item) map[string]any {
	input := map[string]any{}
	if len(it.Arguments) > 0 {
		if err := json.Unmarshal(it.Arguments, &input); err != nil {
			input = map[string]any{"arguments": string(it.Arguments)}
		}
	}
	return input
}

func mcpToolName(it *codex.Item) string {
	if it.Server == "" {
		return it.Tool
	}
	return it.Server + "_" + it.Tool
}

func (tc *turnContext) startMcpToolCall(it *codex.Item) {
	tc.emit(tc.toolPart(it, mcpToolName(it), mcpInput(it), mcpToolName(it)), "")
}

func (tc *turnContext) completeMcpToolCall(it *codex.Item) {
	part := tc.toolPart(it, mcpToolName(it), mcpInput(it), mcpToolName(it))
	var errMsg string
	status := it.Status
	if it.Error != nil {
		errMsg = it.Error.Message
		status = codex.ItemStatusFailed
	}
	tc.completeTool(part, status, mcpOutput(it.Result), errMsg)
}

// mcpOutput flattens an MCP tool result to its text content.
func mcpOutput(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || len(result.Content) == 0 {
		return string(raw)
	}
	var texts []string
	for _, c := range result.Content {
		if c.Type == "text" {
			texts = append(texts, c.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func (tc *turnContext) startWebSearch(it *codex.Item) {
	tc.emit(tc.toolPart(it, "websearch", map[string]any{"query": it.Query}, it.Query), "")
}

func (tc *turnContext) completeWebSearch(it *codex.Item) {
	part := tc.toolPart(it, "websearch", map[string]any{"query": it.Query}, it.Query)
	if it.Query != "" {
		part.State.Input = map[string]any{"query": it.Query}
		part.State.Title = it.Query
	}
	tc.completeTool(part, codex.ItemStatusCompleted, "", "")
}

func (tc *turnContext) startImageView(it *codex.Item) {
	path := relPath(tc.req.Root, it.Path)
	tc.emit(tc.toolPart(it, "view_image", map[string]any{"path": path}, path), "")
}

func (tc *turnContext) completeImageView(it *codex.Item) {
	path := relPath(tc.req.Root, it.Path)
	tc.completeTool(tc.toolPart(it, "view_image", map[string]any{"path": path}, path), codex.ItemStatusCompleted, "", "")
}
