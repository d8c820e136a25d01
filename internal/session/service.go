package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/codexhost/internal/codex"
	"github.com/opencode-ai/codexhost/internal/event"
	"github.com/opencode-ai/codexhost/internal/logging"
	"github.com/opencode-ai/codexhost/internal/partstore"
	"github.com/opencode-ai/codexhost/internal/permission"
	"github.com/opencode-ai/codexhost/internal/project"
	"github.com/opencode-ai/codexhost/internal/storage"
	"github.com/opencode-ai/codexhost/internal/turn"
	"github.com/opencode-ai/codexhost/pkg/types"
)

// ErrShutdown is returned by Prompt once the service is shutting down.
var ErrShutdown = errors.New("session service is shut down")

// Options wires a Service.
type Options struct {
	// Storage is the durable store; required.
	Storage *storage.Storage
	// Directory is the project root turns run in.
	Directory string
	Config    *types.Config
	// Spawner starts the app-server. Defaults to an ExecSpawner built from
	// Config.Codex.
	Spawner    codex.Spawner
	ClientInfo codex.ClientInfo
	Cost       turn.CostFunc
	// InterruptGrace overrides how long an aborted turn waits for the backend.
	InterruptGrace time.Duration
}

// Service owns one host instance: the app-server transport, the event bus,
// the permission negotiator, the part store and the turn processor.
type Service struct {
	directory string
	root      string
	config    *types.Config
	ruleset   permission.Ruleset

	bus        *event.Bus
	transport  *codex.Transport
	negotiator *permission.Negotiator
	parts      *partstore.Store
	messages   *storage.MessageStore
	threads    *storage.ThreadStore
	doomLoop   *permission.DoomLoopDetector
	processor  *turn.Processor
	log        zerolog.Logger

	mu       sync.Mutex
	locks    map[string]chan struct{}
	active   map[string]*activeTurn
	closed   bool
	turns    sync.WaitGroup
	teardown []func()
}

// activeTurn tracks the running turn of a session.
type activeTurn struct {
	messageID string
	cancel    context.CancelFunc
}

// PromptInput is one user prompt.
type PromptInput struct {
	Text string
	// Model and Effort override the configured model for this turn.
	Model  string
	Effort string
	// Instructions overrides the configured developer instructions when set.
	Instructions *string
}

// New creates a Service. No app-server is started until first use.
func New(opts Options) *Service {
	cfg := opts.Config
	if cfg == nil {
		cfg = &types.Config{}
	}

	spawner := opts.Spawner
	if spawner == nil {
		spawner = execSpawner(cfg.Codex, opts.Directory)
	}

	var handshake time.Duration
	if cfg.Codex != nil && cfg.Codex.HandshakeTimeout != nil {
		handshake = time.Duration(*cfg.Codex.HandshakeTimeout) * time.Millisecond
	}

	s := &Service{
		directory: opts.Directory,
		config:    cfg,
		ruleset:   permission.RulesetFromConfig(cfg.Permission),
		bus:       event.NewBus(),
		messages:  storage.NewMessageStore(opts.Storage),
		threads:   storage.NewThreadStore(opts.Storage),
		doomLoop:  permission.NewDoomLoopDetector(),
		log:       logging.Component("session"),
		locks:     make(map[string]chan struct{}),
		active:    make(map[string]*activeTurn),
	}
	if opts.Directory != "" {
		s.root = project.Root(opts.Directory)
	}
	s.transport = codex.New(codex.Config{
		Spawner:          spawner,
		ClientInfo:       opts.ClientInfo,
		HandshakeTimeout: handshake,
	})
	s.negotiator = permission.NewNegotiator(s.bus)
	s.parts = partstore.New(storage.NewPartBackend(opts.Storage), partstore.ConfigFrom(cfg.PartStore))
	s.processor = turn.New(turn.Config{
		Transport:      s.transport,
		Parts:          s.parts,
		Approver:       s.negotiator,
		Threads:        s.threads,
		Bus:            s.bus,
		Cost:           opts.Cost,
		DoomLoop:       s.doomLoop,
		InterruptGrace: opts.InterruptGrace,
	})

	s.teardown = append(s.teardown,
		s.transport.OnExit(s.handleExit),
		s.transport.OnNotification(s.handleNotification),
	)
	return s
}

func execSpawner(cfg *types.CodexConfig, dir string) *codex.ExecSpawner {
	sp := &codex.ExecSpawner{Dir: dir}
	if cfg != nil {
		sp.Command = cfg.Command
		sp.Args = cfg.Args
		sp.Env = cfg.Env
	}
	return sp
}

// Bus returns the instance event bus.
func (s *Service) Bus() *event.Bus {
	return s.bus
}

// Directory returns the directory turns run in.
func (s *Service) Directory() string {
	return s.directory
}

func (s *Service) handleExit(err *codex.ExitError) {
	data := event.CodexExitedData{Pid: err.Pid, ExitCode: err.Code}
	if err.Err != nil {
		data.Error = err.Err.Error()
	}
	s.bus.Publish(event.Event{Type: event.CodexExited, Data: data})
}

func (s *Service) handleNotification(n codex.Notification) {
	if n.Method != codex.NotifyLoginCompleted {
		return
	}
	var done codex.LoginCompletedNotification
	if err := n.Decode(&done); err != nil {
		return
	}
	data := event.AccountLoginData{Success: done.Success}
	if done.LoginID != nil {
		data.LoginID = *done.LoginID
	}
	if done.Error != nil {
		data.Error = *done.Error
	}
	s.bus.Publish(event.Event{Type: event.AccountLoginResult, Data: data})
}

// Prompt runs one turn for the session and returns the assistant message
// with its parts. A session runs one turn at a time; later callers wait for
// the running turn to finish or for their ctx to end.
//
// Cancelling ctx, or calling Abort, interrupts the turn. The message is then
// returned with a MessageAbortedError and a nil error.
func (s *Service) Prompt(ctx context.Context, sessionID string, in PromptInput) (*types.Message, []types.Part, error) {
	release, err := s.acquire(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msg := &types.Message{
		ID:         ulid.Make().String(),
		SessionID:  sessionID,
		Role:       "assistant",
		Time:       types.MessageTime{Created: time.Now().UnixMilli()},
		ModelID:    s.model(in),
		ProviderID: turn.ProviderID,
		Path:       &types.MessagePath{Cwd: s.directory, Root: s.root},
	}

	if !s.begin(sessionID, msg.ID, cancel) {
		return nil, nil, ErrShutdown
	}
	defer s.end(sessionID)

	log := s.log.With().Str("sessionID", sessionID).Str("messageID", msg.ID).Logger()
	s.publishStatus(sessionID, types.SessionStatusBusy)
	defer s.publishStatus(sessionID, types.SessionStatusIdle)
	s.saveMessage(ctx, msg, log)

	instructions := s.config.Instructions
	if in.Instructions != nil {
		instructions = *in.Instructions
	}

	res, runErr := s.processor.Run(runCtx, turn.Request{
		SessionID:    sessionID,
		MessageID:    msg.ID,
		Prompt:       in.Text,
		Instructions: instructions,
		Model:        msg.ModelID,
		Effort:       in.Effort,
		Cwd:          s.directory,
		Root:         s.root,
		Ruleset:      s.ruleset,
	})

	completed := time.Now().UnixMilli()
	msg.Time.Completed = &completed
	if res != nil {
		if res.Model != "" {
			msg.ModelID = res.Model
		}
		finish := res.Finish
		msg.Finish = &finish
		msg.Cost = res.Cost
		tokens := res.Tokens
		msg.Tokens = &tokens
		msg.Error = res.Error
	} else if runErr != nil {
		msg.Error = types.NewUnknownError(runErr.Error())
	}
	s.saveMessage(ctx, msg, log)

	if msg.Error != nil && msg.Error.Name != "MessageAbortedError" {
		s.bus.Publish(event.Event{
			Type: event.SessionError,
			Data: event.SessionErrorData{SessionID: sessionID, Error: msg.Error},
		})
	}

	parts, err := s.parts.GetParts(context.WithoutCancel(ctx), sessionID, msg.ID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read parts")
	}
	return msg, parts, runErr
}

func (s *Service) model(in PromptInput) string {
	if in.Model != "" {
		return in.Model
	}
	return s.config.Model
}

// acquire waits for the session's turn slot.
func (s *Service) acquire(ctx context.Context, sessionID string) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[sessionID] = lock
	}
	s.mu.Unlock()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) begin(sessionID, messageID string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.active[sessionID] = &activeTurn{messageID: messageID, cancel: cancel}
	s.turns.Add(1)
	return true
}

func (s *Service) end(sessionID string) {
	s.mu.Lock()
	delete(s.active, sessionID)
	s.mu.Unlock()
	s.turns.Done()
}

func (s *Service) saveMessage(ctx context.Context, msg *types.Message, log zerolog.Logger) {
	if err := s.messages.Put(context.WithoutCancel(ctx), msg); err != nil {
		log.Warn().Err(err).Msg("failed to save message")
	}
	snapshot := *msg
	s.bus.PublishSync(event.Event{Type: event.MessageUpdated, Data: event.MessageUpdatedData{Info: &snapshot}})
}

func (s *Service) publishStatus(sessionID, status string) {
	s.bus.PublishSync(event.Event{
		Type: event.SessionStatus,
		Data: event.SessionStatusData{SessionID: sessionID, Status: status},
	})
}

// Abort interrupts the running turn of a session. It reports whether a turn
// was running.
func (s *Service) Abort(sessionID string) bool {
	s.mu.Lock()
	at, ok := s.active[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.log.Info().Str("sessionID", sessionID).Str("messageID", at.messageID).Msg("aborting turn")
	at.cancel()
	return true
}

// IsProcessing reports whether a session has a running turn.
func (s *Service) IsProcessing(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[sessionID]
	return ok
}

// Parts returns the parts of a message, including writes not yet flushed.
func (s *Service) Parts(ctx context.Context, sessionID, messageID string) ([]types.Part, error) {
	return s.parts.GetParts(ctx, sessionID, messageID)
}

// Message returns a stored assistant message.
func (s *Service) Message(ctx context.Context, sessionID, messageID string) (*types.Message, error) {
	return s.messages.Get(ctx, sessionID, messageID)
}

// Messages lists the stored messages of a session.
func (s *Service) Messages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	return s.messages.List(ctx, sessionID)
}

// RespondPermission answers a pending approval request.
func (s *Service) RespondPermission(sessionID, permissionID string, resp permission.Response) error {
	return s.negotiator.Respond(sessionID, permissionID, resp)
}

// PendingPermissions lists the outstanding approval requests of a session.
// An empty sessionID lists every session.
func (s *Service) PendingPermissions(sessionID string) []permission.Request {
	return s.negotiator.Pending(sessionID)
}

// Models lists the models offered by the backend.
func (s *Service) Models(ctx context.Context) ([]codex.Model, error) {
	return codex.ListModels(ctx, s.transport)
}

// Account returns the backend account state.
func (s *Service) Account(ctx context.Context) (*codex.AccountReadResult, error) {
	return codex.ReadAccount(ctx, s.transport)
}

// LoginFlow is a started login.
type LoginFlow struct {
	*codex.LoginResult

	transport *codex.Transport
	watch     *codex.LoginWatch
}

// Wait blocks until the login completes.
func (f *LoginFlow) Wait(ctx context.Context) error {
	defer f.watch.Stop()
	_, err := f.watch.Wait(ctx, f.LoginID)
	return err
}

// Cancel aborts a login that has not completed.
func (f *LoginFlow) Cancel(ctx context.Context) error {
	defer f.watch.Stop()
	if f.LoginID == "" {
		return nil
	}
	return codex.CancelLogin(ctx, f.transport, f.LoginID)
}

// Login starts a login flow. For "chatgpt" logins AuthURL is where the user
// signs in; Wait reports the outcome.
func (s *Service) Login(ctx context.Context, params codex.LoginParams) (*LoginFlow, error) {
	if err := s.transport.Ensure(ctx); err != nil {
		return nil, err
	}
	watch := codex.WatchLogin(s.transport)
	res, err := codex.StartLogin(ctx, s.transport, params)
	if err != nil {
		watch.Stop()
		return nil, err
	}
	return &LoginFlow{LoginResult: res, transport: s.transport, watch: watch}, nil
}

// Logout clears the backend credentials.
func (s *Service) Logout(ctx context.Context) error {
	return codex.Logout(ctx, s.transport)
}

// Shutdown aborts running turns and waits for them until ctx ends. It then
// flushes every part, rejects pending approvals and stops the app-server.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, at := range s.active {
		at.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("shutdown deadline reached with turns still running")
	}

	var errs []error
	if err := s.parts.FlushAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush parts: %w", err))
	}
	s.negotiator.Teardown()
	for _, unsubscribe := range s.teardown {
		unsubscribe()
	}
	if err := s.transport.Close(ctx); err != nil && !errors.Is(err, codex.ErrClosed) {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if err := s.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
