/*
Package session runs prompts for the sessions of one host instance.

A Service owns everything a host instance shares across sessions: the codex
app-server transport, the event bus, the permission negotiator and the part
store. Each Prompt call runs one turn through the turn processor and writes
the assistant message record when the turn ends:

	svc := session.New(session.Options{
		Storage:   storage.New(paths.StoragePath()),
		Directory: dir,
		Config:    cfg,
	})
	defer svc.Shutdown(ctx)

	msg, parts, err := svc.Prompt(ctx, sessionID, session.PromptInput{Text: "fix the tests"})

A session runs one turn at a time. Prompt calls for a busy session wait for
the running turn. Abort interrupts the running turn; its message records a
MessageAbortedError.

# Events

The Service publishes on its bus:
  - session.status: busy when a turn starts, idle when it ends
  - message.updated: the assistant message record at turn start and end
  - session.error: a turn ended with an error other than an abort
  - codex.exited: the app-server exited
  - account.login.completed: a login flow finished

Part and permission events come from the turn processor and the negotiator.
*/
package session
