package permission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/codexhost/internal/event"
	"github.com/opencode-ai/codexhost/internal/logging"
)

// Publisher receives permission events. *event.Bus implements it.
type Publisher interface {
	Publish(event.Event)
}

type pendingRequest struct {
	req  Request
	done chan error
}

// Negotiator holds pending approval requests until they are answered and
// remembers "always" answers per session and type.
type Negotiator struct {
	bus Publisher

	mu       sync.Mutex
	approved map[string]map[Type]bool // sessionID -> type -> approved
	pending  map[string]*pendingRequest
	closed   bool
}

// NewNegotiator creates a Negotiator publishing on bus, which may be nil.
func NewNegotiator(bus Publisher) *Negotiator {
	return &Negotiator{
		bus:      bus,
		approved: make(map[string]map[Type]bool),
		pending:  make(map[string]*pendingRequest),
	}
}

// Check applies a configured action: allow passes, deny rejects, ask defers
// to the reviewer.
func (n *Negotiator) Check(ctx context.Context, req Request, action Action) error {
	switch action {
	case ActionAllow:
		return nil
	case ActionDeny:
		return rejection(req, "Permission denied by configuration", false)
	default:
		return n.Ask(ctx, req)
	}
}

// Ask waits for the reviewer to answer req. It returns nil when approved,
// a *RejectedError when rejected or torn down, and ctx.Err() when ctx ends
// first. Requests already covered by an "always" answer return nil at once.
func (n *Negotiator) Ask(ctx context.Context, req Request) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return rejection(req, "Permission negotiator is shut down", true)
	}
	if n.approved[req.SessionID][req.Type] {
		n.mu.Unlock()
		return nil
	}

	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	if req.Created == 0 {
		req.Created = time.Now().UnixMilli()
	}
	p := &pendingRequest{req: req, done: make(chan error, 1)}
	n.pending[req.ID] = p
	n.mu.Unlock()

	logging.Debug().
		Str("sessionID", req.SessionID).
		Str("permissionID", req.ID).
		Str("type", string(req.Type)).
		Strs("pattern", req.Pattern).
		Msg("permission requested")

	n.publish(event.Event{
		Type: event.PermissionUpdated,
		Data: event.PermissionUpdatedData{
			ID:             req.ID,
			SessionID:      req.SessionID,
			MessageID:      req.MessageID,
			CallID:         req.CallID,
			PermissionType: string(req.Type),
			Pattern:        req.Pattern,
			Title:          req.Title,
			Metadata:       req.Metadata,
			Time:           req.Created,
		},
	})

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		n.mu.Lock()
		if n.pending[req.ID] == p {
			delete(n.pending, req.ID)
		}
		n.mu.Unlock()
		return ctx.Err()
	}
}

// Respond answers a pending request. "always" also approves every other
// pending request of the same session and type, and all future ones.
func (n *Negotiator) Respond(sessionID, requestID string, resp Response) error {
	if !resp.Valid() {
		return ErrInvalidResponse{Response: resp}
	}

	n.mu.Lock()
	p, ok := n.pending[requestID]
	if !ok || p.req.SessionID != sessionID {
		n.mu.Unlock()
		return ErrRequestNotFound
	}
	delete(n.pending, requestID)

	resolved := []*pendingRequest{p}
	if resp == ResponseAlways {
		if n.approved[sessionID] == nil {
			n.approved[sessionID] = make(map[Type]bool)
		}
		n.approved[sessionID][p.req.Type] = true

		var siblings []*pendingRequest
		for id, other := range n.pending {
			if other.req.SessionID == sessionID && other.req.Type == p.req.Type {
				delete(n.pending, id)
				siblings = append(siblings, other)
			}
		}
		sort.Slice(siblings, func(i, j int) bool { return siblings[i].req.ID < siblings[j].req.ID })
		resolved = append(resolved, siblings...)
	}
	n.mu.Unlock()

	for _, r := range resolved {
		var err error
		if resp == ResponseReject {
			err = rejection(r.req, "Permission rejected by user", false)
		}
		r.done <- err
		n.publishReplied(r.req, resp)
	}
	return nil
}

// Teardown rejects every pending request and makes future asks fail.
func (n *Negotiator) Teardown() {
	n.mu.Lock()
	n.closed = true
	pending := make([]*pendingRequest, 0, len(n.pending))
	for _, p := range n.pending {
		pending = append(pending, p)
	}
	n.pending = make(map[string]*pendingRequest)
	n.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].req.ID < pending[j].req.ID })
	for _, p := range pending {
		p.done <- rejection(p.req, "Permission request cancelled by shutdown", true)
		n.publishReplied(p.req, ResponseReject)
	}
}

// Pending returns the outstanding requests of a session in creation order.
// An empty sessionID lists every session.
func (n *Negotiator) Pending(sessionID string) []Request {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]Request, 0, len(n.pending))
	for _, p := range n.pending {
		if sessionID == "" || p.req.SessionID == sessionID {
			out = append(out, p.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsApproved reports whether type is blanket-approved for a session.
func (n *Negotiator) IsApproved(sessionID string, t Type) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.approved[sessionID][t]
}

// ClearSession forgets the "always" answers of a session.
func (n *Negotiator) ClearSession(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.approved, sessionID)
}

func (n *Negotiator) publishReplied(req Request, resp Response) {
	n.publish(event.Event{
		Type: event.PermissionReplied,
		Data: event.PermissionRepliedData{
			PermissionID: req.ID,
			SessionID:    req.SessionID,
			Response:     string(resp),
		},
	})
}

func (n *Negotiator) publish(e event.Event) {
	if n.bus != nil {
		n.bus.Publish(e)
	}
}

// ErrInvalidResponse is returned by Respond for a response other than
// once, always or reject.
type ErrInvalidResponse struct {
	Response Response
}

func (e ErrInvalidResponse) Error() string {
	return "invalid permission response " + string(e.Response)
}
