/*
Package event provides the pub/sub event bus of a codexhost instance.

Every host instance owns one Bus. Components publish typed events on it and
subscribers react without direct dependencies on each other.

# Event Types

Message Events:
  - message.updated: Assistant message record written
  - message.part.updated: Part created or changed (Delta set while streaming)
  - message.part.removed: Part removed

Permission Events:
  - permission.updated: Approval request waiting for a reply
  - permission.replied: Approval request resolved

Session Events:
  - session.status: Session became busy or idle
  - session.error: Turn ended with an error

Backend Events:
  - codex.exited: The app-server subprocess exited
  - account.login.completed: A login flow finished

# Delivery

Direct subscribers see events in publish order when PublishSync is used, which
is what the turn processor does for streaming deltas. Publish calls each
subscriber in its own goroutine.

Each event is additionally encoded as JSON ({"type":..., "properties":...})
and published to the watermill gochannel topic Topic. Stream returns a
subscription to that topic; consumers must Ack every message. Messages on the
stream carry no ordering guarantee relative to each other.

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.PartUpdated, func(e event.Event) {
		data := e.Data.(event.MessagePartUpdatedData)
		fmt.Print(data.Delta)
	})
	defer unsubscribe()

# Subscriber Safety

PublishSync runs subscribers on the publisher's goroutine, which for the turn
processor is the transport read loop. Subscribers must return quickly, must
not publish re-entrantly and must not block on channels without a default case.
*/
package event
