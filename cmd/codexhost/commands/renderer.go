package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/opencode-ai/codexhost/internal/event"
	"github.com/opencode-ai/codexhost/pkg/types"
)

type rendererOptions struct {
	NoColor  bool
	JSON     bool
	Thinking bool
}

// renderer prints a turn's parts as they stream in.
type renderer struct {
	opts rendererOptions
	out  io.Writer
	err  io.Writer

	mu      sync.Mutex
	printed map[string]int  // text and reasoning parts: runes already shown
	tools   map[string]bool // tool parts already shown in a terminal state
	lastID  string
}

func newRenderer(out, errOut io.Writer, opts rendererOptions) *renderer {
	color.NoColor = opts.NoColor
	return &renderer{
		opts:    opts,
		out:     out,
		err:     errOut,
		printed: make(map[string]int),
		tools:   make(map[string]bool),
	}
}

// onEvent handles message.part.updated events.
func (r *renderer) onEvent(e event.Event) {
	data, ok := e.Data.(event.MessagePartUpdatedData)
	if !ok || data.Part == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opts.JSON {
		b, _ := json.Marshal(e)
		fmt.Fprintln(r.out, string(b))
		return
	}

	switch p := data.Part.(type) {
	case *types.TextPart:
		r.stream(p.ID, p.Text, data.Delta, color.New(color.Reset))
	case *types.ReasoningPart:
		if r.opts.Thinking {
			r.stream(p.ID, p.Text, data.Delta, color.New(color.FgHiBlack, color.Italic))
		}
	case *types.ToolPart:
		r.tool(p)
	case *types.PatchPart:
		r.breakLine(p.ID)
		fmt.Fprintln(r.out, color.New(color.FgYellow).Sprintf("→ patch %s", strings.Join(p.Files, ", ")))
	}
}

// stream prints the unseen tail of a text part.
func (r *renderer) stream(id, text, delta string, c *color.Color) {
	r.breakLine(id)
	shown := r.printed[id]
	runes := []rune(text)
	if text == "" && shown == 0 {
		runes = []rune(delta)
	}
	if shown >= len(runes) {
		return
	}
	fmt.Fprint(r.out, c.Sprint(string(runes[shown:])))
	r.printed[id] = len(runes)
}

func (r *renderer) tool(p *types.ToolPart) {
	if !p.State.Terminal() || r.tools[p.ID] {
		return
	}
	r.tools[p.ID] = true
	r.breakLine(p.ID)

	summary := p.State.Title
	if summary == "" {
		summary = p.Tool
	}
	fmt.Fprintln(r.out, color.New(color.FgYellow).Sprintf("→ %s (%s)", p.Tool, summary))
	switch p.State.Status {
	case types.ToolStatusCompleted:
		if out := strings.TrimRight(p.State.Output, "\n"); out != "" {
			fmt.Fprintln(r.out, color.New(color.FgHiBlack).Sprint(truncate(out, 2000)))
		}
	case types.ToolStatusError:
		fmt.Fprintln(r.err, color.New(color.FgRed).Sprintf("  error: %s", p.State.Error))
	}
}

// breakLine ends the previous part's line when output moves to another part.
func (r *renderer) breakLine(id string) {
	if r.lastID != "" && r.lastID != id && r.printed[r.lastID] > 0 {
		fmt.Fprintln(r.out)
	}
	r.lastID = id
}

// finish prints the turn outcome.
func (r *renderer) finish(msg *types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opts.JSON {
		b, _ := json.Marshal(msg)
		fmt.Fprintln(r.out, string(b))
		return
	}
	if r.lastID != "" && r.printed[r.lastID] > 0 {
		fmt.Fprintln(r.out)
	}
	if msg == nil {
		return
	}
	if msg.Error != nil {
		fmt.Fprintln(r.err, color.New(color.FgRed).Sprintf("%s: %s", msg.Error.Name, msg.Error.Data.Message))
	}
	if msg.Tokens != nil {
		t := msg.Tokens
		fmt.Fprintln(r.err, color.New(color.FgHiBlack).Sprintf(
			"%s · in %d (cached %d) · out %d · reasoning %d · $%.4f",
			msg.ModelID, t.Input, t.Cache.Read, t.Output, t.Reasoning, msg.Cost))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
