package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// Part type tags.
const (
	PartTypeText       = "text"
	PartTypeReasoning  = "reasoning"
	PartTypeTool       = "tool"
	PartTypeStepStart  = "step-start"
	PartTypeStepFinish = "step-finish"
	PartTypePatch      = "patch"
)

// Tool state statuses.
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// ErrUnknownPartType is returned when decoding a part with an unregistered type tag.
var ErrUnknownPartType = errors.New("unknown part type")

// Part represents a component of an assistant message.
type Part interface {
	PartType() string
	PartID() string
	PartSessionID() string
	PartMessageID() string
	// Clone returns a copy that shares no mutable maps with the receiver.
	Clone() Part
}

// PartTime contains timing information for a message part.
type PartTime struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// TextPart represents a text content part.
type TextPart struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID"`
	Type      string         `json:"type"` // always "text"
	Text      string         `json:"text"`
	Time      PartTime       `json:"time,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (p *TextPart) PartType() string      { return PartTypeText }
func (p *TextPart) PartID() string        { return p.ID }
func (p *TextPart) PartSessionID() string { return p.SessionID }
func (p *TextPart) PartMessageID() string { return p.MessageID }

func (p *TextPart) Clone() Part {
	c := *p
	c.Metadata = maps.Clone(p.Metadata)
	return &c
}

// ReasoningPart represents extended thinking/reasoning content.
type ReasoningPart struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID"`
	Type      string         `json:"type"` // always "reasoning"
	Text      string         `json:"text"`
	Time      PartTime       `json:"time,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (p *ReasoningPart) PartType() string      { return PartTypeReasoning }
func (p *ReasoningPart) PartID() string        { return p.ID }
func (p *ReasoningPart) PartSessionID() string { return p.SessionID }
func (p *ReasoningPart) PartMessageID() string { return p.MessageID }

func (p *ReasoningPart) Clone() Part {
	c := *p
	c.Metadata = maps.Clone(p.Metadata)
	return &c
}

// ToolState is the nested state machine of a tool call:
// pending -> running -> completed | error.
type ToolState struct {
	Status   string         `json:"status"`
	Input    map[string]any `json:"input"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Title    string         `json:"title,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Time     PartTime       `json:"time,omitempty"`
}

// Terminal reports whether the tool state can no longer change.
func (s ToolState) Terminal() bool {
	return s.Status == ToolStatusCompleted || s.Status == ToolStatusError
}

// ToolPart represents a tool call and its result.
type ToolPart struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID"`
	Type      string         `json:"type"` // always "tool"
	CallID    string         `json:"callID"`
	Tool      string         `json:"tool"`
	State     ToolState      `json:"state"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (p *ToolPart) PartType() string      { return PartTypeTool }
func (p *ToolPart) PartID() string        { return p.ID }
func (p *ToolPart) PartSessionID() string { return p.SessionID }
func (p *ToolPart) PartMessageID() string { return p.MessageID }

func (p *ToolPart) Clone() Part {
	c := *p
	c.Metadata = maps.Clone(p.Metadata)
	c.State.Input = maps.Clone(p.State.Input)
	c.State.Metadata = maps.Clone(p.State.Metadata)
	return &c
}

// StepStartPart marks the beginning of a backend turn.
type StepStartPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "step-start"
}

func (p *StepStartPart) PartType() string      { return PartTypeStepStart }
func (p *StepStartPart) PartID() string        { return p.ID }
func (p *StepStartPart) PartSessionID() string { return p.SessionID }
func (p *StepStartPart) PartMessageID() string { return p.MessageID }

func (p *StepStartPart) Clone() Part {
	c := *p
	return &c
}

// StepFinishPart marks the end of a backend turn with its accounting.
type StepFinishPart struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID"`
	MessageID string     `json:"messageID"`
	Type      string     `json:"type"` // always "step-finish"
	Reason    string     `json:"reason"`
	Cost      float64    `json:"cost"`
	Tokens    TokenUsage `json:"tokens"`
}

func (p *StepFinishPart) PartType() string      { return PartTypeStepFinish }
func (p *StepFinishPart) PartID() string        { return p.ID }
func (p *StepFinishPart) PartSessionID() string { return p.SessionID }
func (p *StepFinishPart) PartMessageID() string { return p.MessageID }

func (p *StepFinishPart) Clone() Part {
	c := *p
	return &c
}

// PatchPart records the files touched by a completed file change.
type PatchPart struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	MessageID string   `json:"messageID"`
	Type      string   `json:"type"` // always "patch"
	CallID    string   `json:"callID,omitempty"`
	Files     []string `json:"files"`
}

func (p *PatchPart) PartType() string      { return PartTypePatch }
func (p *PatchPart) PartID() string        { return p.ID }
func (p *PatchPart) PartSessionID() string { return p.SessionID }
func (p *PatchPart) PartMessageID() string { return p.MessageID }

func (p *PatchPart) Clone() Part {
	c := *p
	c.Files = append([]string(nil), p.Files...)
	return &c
}

// partDecoders maps every known type tag to a constructor of its concrete type.
var partDecoders = map[string]func() Part{
	PartTypeText:       func() Part { return &TextPart{} },
	PartTypeReasoning:  func() Part { return &ReasoningPart{} },
	PartTypeTool:       func() Part { return &ToolPart{} },
	PartTypeStepStart:  func() Part { return &StepStartPart{} },
	PartTypeStepFinish: func() Part { return &StepFinishPart{} },
	PartTypePatch:      func() Part { return &PatchPart{} },
}

// UnmarshalPart unmarshals a JSON part into the appropriate type.
func UnmarshalPart(data []byte) (Part, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	newPart, ok := partDecoders[head.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPartType, head.Type)
	}

	p := newPart()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

// PartList is an ordered list of heterogenous parts with JSON support.
type PartList []Part

// UnmarshalJSON decodes each element through UnmarshalPart.
func (l *PartList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}

	parts := make(PartList, 0, len(raws))
	for i, raw := range raws {
		p, err := UnmarshalPart(raw)
		if err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
		parts = append(parts, p)
	}
	*l = parts
	return nil
}

// Clone returns a deep copy of the list.
func (l PartList) Clone() PartList {
	if l == nil {
		return nil
	}
	out := make(PartList, len(l))
	for i, p := range l {
		out[i] = p.Clone()
	}
	return out
}
