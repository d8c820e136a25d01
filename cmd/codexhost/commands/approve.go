package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/opencode-ai/codexhost/internal/event"
	"github.com/opencode-ai/codexhost/internal/permission"
)

// Responder answers approval requests.
type Responder interface {
	RespondPermission(sessionID, permissionID string, resp permission.Response) error
}

// approver answers permission.updated events from the terminal, one at a time.
type approver struct {
	svc  Responder
	in   *bufio.Reader
	out  io.Writer
	auto bool

	mu sync.Mutex
}

func newApprover(svc Responder, in io.Reader, out io.Writer, auto bool) *approver {
	return &approver{svc: svc, in: bufio.NewReader(in), out: out, auto: auto}
}

func (a *approver) onEvent(e event.Event) {
	req, ok := e.Data.(event.PermissionUpdatedData)
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	resp := permission.ResponseOnce
	if !a.auto {
		resp = a.ask(req)
	}
	if err := a.svc.RespondPermission(req.SessionID, req.ID, resp); err != nil {
		// Already resolved, e.g. aborted while prompting
		fmt.Fprintln(a.out, color.New(color.FgHiBlack).Sprintf("  (%v)", err))
	}
}

// ask prompts until it reads one of y, a, n. EOF rejects.
func (a *approver) ask(req event.PermissionUpdatedData) permission.Response {
	fmt.Fprintf(a.out, "\n%s %s\n", color.New(color.FgMagenta, color.Bold).Sprintf("allow %s?", req.PermissionType), req.Title)
	for {
		fmt.Fprint(a.out, "  [y]es once, [a]lways, [n]o: ")
		line, err := a.in.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return permission.ResponseOnce
		case "a", "always":
			return permission.ResponseAlways
		case "n", "no":
			return permission.ResponseReject
		}
		if err != nil {
			fmt.Fprintln(a.out)
			return permission.ResponseReject
		}
	}
}
