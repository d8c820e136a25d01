package codex

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Client → server requests.
const (
	MethodInitialize    = "initialize"
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
	MethodModelList     = "model/list"
	MethodLoginStart    = "account/login/start"
	MethodLoginCancel   = "account/login/cancel"
	MethodLogout        = "account/logout"
	MethodAccountRead   = "account/read"
)

// Client → server notifications.
const (
	MethodInitialized = "initialized"
)

// Server → client requests.
const (
	MethodCommandApproval    = "item/commandExecution/requestApproval"
	MethodFileChangeApproval = "item/fileChange/requestApproval"
)

// Server → client notifications.
const (
	NotifyTurnStarted         = "turn/started"
	NotifyTurnCompleted       = "turn/completed"
	NotifyError               = "error"
	NotifyItemStarted         = "item/started"
	NotifyItemCompleted       = "item/completed"
	NotifyAgentMessageDelta   = "item/agentMessage/delta"
	NotifyReasoningSummary    = "item/reasoning/summaryTextDelta"
	NotifyReasoningText       = "item/reasoning/textDelta"
	NotifyCommandOutputDelta  = "item/commandExecution/outputDelta"
	NotifyFileChangeDelta     = "item/fileChange/outputDelta"
	NotifyTokenUsageUpdated   = "thread/tokenUsage/updated"
	NotifyLoginCompleted      = "account/login/completed"
)

// Approval decisions sent back for server → client approval requests.
const (
	DecisionAccept  = "accept"
	DecisionDecline = "decline"
	DecisionCancel  = "cancel"
)

// Turn statuses reported on turn/completed.
const (
	TurnStatusCompleted   = "completed"
	TurnStatusFailed      = "failed"
	TurnStatusInterrupted = "interrupted"
	TurnStatusInProgress  = "inProgress"
)

// Item statuses for command executions, file changes and tool calls.
const (
	ItemStatusInProgress = "inProgress"
	ItemStatusCompleted  = "completed"
	ItemStatusFailed     = "failed"
	ItemStatusDeclined   = "declined"
)

// Kind classifies a decoded wire message.
type Kind int

const (
	KindInvalid Kind = iota
	KindResponse
	KindRequest
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Message is one decoded line of the wire protocol. Its shape decides whether
// it is a response, a request or a notification.
type Message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

func (m *Message) hasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// Kind reports how the message is routed.
func (m *Message) Kind() Kind {
	switch {
	case m.hasID() && m.Method == "":
		return KindResponse
	case m.hasID():
		return KindRequest
	case m.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// RPCError is an error object carried by a response.
type RPCError struct {
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("codex rpc error %d: %s", e.Code, e.Message)
	}
	return "codex rpc error: " + e.Message
}

// outgoing request frame.
type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// outgoing notification frame.
type notification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// outgoing response frame for a server → client request.
type response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// ClientInfo identifies the host during the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

type InitializeParams struct {
	ClientInfo ClientInfo `json:"clientInfo"`
}

type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// ThreadStartParams starts a new backend thread.
type ThreadStartParams struct {
	Model                 string `json:"model,omitempty"`
	Cwd                   string `json:"cwd,omitempty"`
	ApprovalPolicy        string `json:"approvalPolicy,omitempty"`
	Sandbox               string `json:"sandbox,omitempty"`
	DeveloperInstructions string `json:"developerInstructions,omitempty"`
}

// ThreadResumeParams resumes a stored thread.
type ThreadResumeParams struct {
	ThreadID              string `json:"threadId"`
	Model                 string `json:"model,omitempty"`
	Cwd                   string `json:"cwd,omitempty"`
	ApprovalPolicy        string `json:"approvalPolicy,omitempty"`
	Sandbox               string `json:"sandbox,omitempty"`
	DeveloperInstructions string `json:"developerInstructions,omitempty"`
}

type Thread struct {
	ID string `json:"id"`
}

// ThreadResult is returned by thread/start and thread/resume.
type ThreadResult struct {
	Thread Thread `json:"thread"`
	Model  string `json:"model,omitempty"`
}

// UserInput is one element of the turn/start input list.
type UserInput struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

// TextInput builds a text input element.
func TextInput(text string) UserInput {
	return UserInput{Type: "text", Text: text}
}

type TurnStartParams struct {
	ThreadID       string      `json:"threadId"`
	Input          []UserInput `json:"input"`
	Cwd            string      `json:"cwd,omitempty"`
	Model          string      `json:"model,omitempty"`
	ApprovalPolicy string      `json:"approvalPolicy,omitempty"`
	Effort         string      `json:"effort,omitempty"`
}

type TurnStartResult struct {
	Turn Turn `json:"turn"`
}

type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// Turn is the backend's view of one turn.
type Turn struct {
	ID     string         `json:"id"`
	Status string         `json:"status,omitempty"`
	Error  *TurnErrorInfo `json:"error,omitempty"`
}

// TurnErrorInfo describes why a turn failed. CodexErrorInfo is the
// machine-readable classification, either a bare string or an object keyed by
// the classification name.
type TurnErrorInfo struct {
	Message        string          `json:"message"`
	CodexErrorInfo json.RawMessage `json:"codexErrorInfo,omitempty"`
}

// Classification returns the error classification as a plain string.
func (e *TurnErrorInfo) Classification() string {
	if e == nil || len(e.CodexErrorInfo) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.CodexErrorInfo, &s); err == nil {
		return s
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(e.CodexErrorInfo, &obj); err == nil {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		return strings.Join(keys, ",")
	}
	return string(e.CodexErrorInfo)
}

// TurnNotification is the payload of turn/started and turn/completed.
type TurnNotification struct {
	ThreadID string `json:"threadId"`
	Turn     Turn   `json:"turn"`
}

// ErrorNotification is the payload of the error notification.
type ErrorNotification struct {
	Error     TurnErrorInfo `json:"error"`
	WillRetry bool          `json:"willRetry"`
	ThreadID  string        `json:"threadId"`
	TurnID    string        `json:"turnId"`
}

// ItemNotification is the payload of item/started and item/completed.
type ItemNotification struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     Item   `json:"item"`
}

// Item is the flattened union of every upstream item type. Only the fields
// of the item's Type are populated.
type Item struct {
	Type string `json:"type"`
	ID   string `json:"id"`

	// agentMessage
	Text string `json:"text,omitempty"`

	// reasoning
	Summary []string `json:"summary,omitempty"`
	// reasoning (list of strings) or userMessage (list of inputs)
	Content json.RawMessage `json:"content,omitempty"`

	// commandExecution
	Command          string  `json:"command,omitempty"`
	Cwd              string  `json:"cwd,omitempty"`
	AggregatedOutput *string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int    `json:"exitCode,omitempty"`
	DurationMs       *int64  `json:"durationMs,omitempty"`

	// fileChange
	Changes []FileUpdateChange `json:"changes,omitempty"`

	// commandExecution, fileChange, mcpToolCall
	Status string `json:"status,omitempty"`

	// mcpToolCall
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ItemError      `json:"error,omitempty"`

	// webSearch
	Query string `json:"query,omitempty"`

	// imageView
	Path string `json:"path,omitempty"`

	// enteredReviewMode, exitedReviewMode
	Review string `json:"review,omitempty"`
}

// ReasoningSummary returns the summary of a completed reasoning item.
func (it *Item) ReasoningSummary() string {
	return strings.Join(it.Summary, "\n")
}

// ReasoningContent returns the raw reasoning of a completed reasoning item.
func (it *Item) ReasoningContent() string {
	var content []string
	if len(it.Content) > 0 && json.Unmarshal(it.Content, &content) == nil {
		return strings.Join(content, "\n")
	}
	return ""
}

type ItemError struct {
	Message string `json:"message"`
}

// FileUpdateChange is one file touched by a fileChange item.
type FileUpdateChange struct {
	Path string          `json:"path"`
	Kind PatchChangeKind `json:"kind"`
	Diff string          `json:"diff"`
}

type PatchChangeKind struct {
	Type     string `json:"type"` // "add" | "delete" | "update"
	MovePath string `json:"move_path,omitempty"`
}

// DeltaNotification is the payload of every streamed item delta.
type DeltaNotification struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// TokenUsageNotification is the payload of thread/tokenUsage/updated.
type TokenUsageNotification struct {
	ThreadID   string           `json:"threadId"`
	TurnID     string           `json:"turnId"`
	TokenUsage ThreadTokenUsage `json:"tokenUsage"`
}

type ThreadTokenUsage struct {
	Total TokenUsageBreakdown `json:"total"`
	Last  TokenUsageBreakdown `json:"last"`
}

type TokenUsageBreakdown struct {
	TotalTokens           int `json:"totalTokens"`
	InputTokens           int `json:"inputTokens"`
	CachedInputTokens     int `json:"cachedInputTokens"`
	OutputTokens          int `json:"outputTokens"`
	ReasoningOutputTokens int `json:"reasoningOutputTokens"`
}

// ApprovalParams is the payload of both approval requests.
type ApprovalParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Reason   string `json:"reason,omitempty"`
}

type ApprovalResponse struct {
	Decision string `json:"decision"`
}

type ModelListParams struct {
	Cursor *string `json:"cursor,omitempty"`
	Limit  int     `json:"limit,omitempty"`
}

type ModelListResult struct {
	Data       []Model `json:"data"`
	NextCursor *string `json:"nextCursor,omitempty"`
}

// Model is one entry of model/list.
type Model struct {
	ID          string `json:"id"`
	Model       string `json:"model"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
	IsDefault   bool   `json:"isDefault,omitempty"`
}

// LoginParams starts a login flow. Type is "apiKey" or "chatgpt".
type LoginParams struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey,omitempty"`
}

type LoginResult struct {
	Type    string `json:"type"`
	LoginID string `json:"loginId,omitempty"`
	AuthURL string `json:"authUrl,omitempty"`
}

type CancelLoginParams struct {
	LoginID string `json:"loginId"`
}

type Account struct {
	Type     string `json:"type"`
	Email    string `json:"email,omitempty"`
	PlanType string `json:"planType,omitempty"`
}

type AccountReadResult struct {
	Account            *Account `json:"account,omitempty"`
	RequiresOpenaiAuth bool     `json:"requiresOpenaiAuth"`
}

// LoginCompletedNotification is the payload of account/login/completed.
type LoginCompletedNotification struct {
	LoginID *string `json:"loginId,omitempty"`
	Success bool    `json:"success"`
	Error   *string `json:"error,omitempty"`
}
