// Package event provides a pub/sub event system for the host using watermill.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/opencode-ai/codexhost/internal/logging"
)

// Topic is the watermill topic every event is mirrored to.
const Topic = "codexhost.events"

// ErrClosed is returned by Stream once the bus is closed.
var ErrClosed = errors.New("event bus closed")

// EventType represents the type of event.
type EventType string

const (
	MessageUpdated     EventType = "message.updated"
	PartUpdated        EventType = "message.part.updated"
	PartRemoved        EventType = "message.part.removed"
	PermissionUpdated  EventType = "permission.updated"
	PermissionReplied  EventType = "permission.replied"
	SessionStatus      EventType = "session.status"
	SessionError       EventType = "session.error"
	CodexExited        EventType = "codex.exited"
	AccountLoginResult EventType = "account.login.completed"
)

// Event represents an event to be published.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"properties"`
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

// subscriberEntry wraps a subscriber with an ID.
type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is the event bus that manages pub/sub using watermill.
// Direct subscribers receive typed events in publish order; every event is
// also mirrored as JSON onto the watermill topic for detached consumers,
// which see no ordering guarantee between messages.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry
	feeds       map[uint64]*feed

	nextID uint64
	closed bool
}

// NewBus creates a new event bus instance.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers: make(map[EventType][]subscriberEntry),
		feeds:       make(map[uint64]*feed),
	}
}

// newID generates a unique subscriber ID.
func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers a subscriber for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribe(eventType, id)
	}
}

// SubscribeAll registers a subscriber for all events.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribeGlobal(id)
	}
}

func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i:i], b.global[i+1:]...)
			break
		}
	}
}

// collect snapshots the subscribers for an event type. Returns nil once closed.
func (b *Bus) collect(t EventType) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	subs := make([]Subscriber, 0, len(b.subscribers[t])+len(b.global))
	for _, entry := range b.subscribers[t] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs
}

// Publish sends an event to all subscribers asynchronously.
// Each subscriber is called in its own goroutine to prevent blocking.
func (b *Bus) Publish(event Event) {
	subs := b.collect(event.Type)
	if subs == nil {
		return
	}
	b.mirror(event)
	for _, sub := range subs {
		go sub(event)
	}
}

// PublishSync sends an event to all subscribers synchronously, in
// subscription order, before returning. Subscribers must not block.
func (b *Bus) PublishSync(event Event) {
	subs := b.collect(event.Type)
	if subs == nil {
		return
	}
	b.mirror(event)
	for _, sub := range subs {
		sub(event)
	}
}

// mirror forwards the event to the watermill topic.
func (b *Bus) mirror(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		logging.Debug().Err(err).Str("type", string(event.Type)).Msg("event not mirrored")
		return
	}
	if err := b.pubsub.Publish(Topic, message.NewMessage(watermill.NewULID(), payload)); err != nil {
		logging.Debug().Err(err).Str("type", string(event.Type)).Msg("event not mirrored")
	}
}

// Stream subscribes to the watermill mirror. The channel closes when ctx is
// done or the bus is closed. Each message must be acked by the consumer.
func (b *Bus) Stream(ctx context.Context) (<-chan *message.Message, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return b.pubsub.Subscribe(ctx, Topic)
}

// Feed subscribes to every event through a channel with room for size
// events. Events published with PublishSync arrive in publish order. The
// channel is closed by cancel, by Close, or once the consumer falls size
// events behind.
func (b *Bus) Feed(size int) (<-chan Event, func(), error) {
	f := &feed{ch: make(chan Event, size)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	id := b.newID()
	b.feeds[id] = f
	b.global = append(b.global, subscriberEntry{id: id, fn: f.send})
	b.mu.Unlock()

	cancel := func() {
		b.unsubscribeGlobal(id)
		b.mu.Lock()
		delete(b.feeds, id)
		b.mu.Unlock()
		f.close()
	}
	return f.ch, cancel, nil
}

// feed is a channel subscriber that closes instead of dropping.
type feed struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (f *feed) send(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- e:
	default:
		logging.Warn().Str("type", string(e.Type)).Msg("event feed consumer fell behind, closing it")
		f.closed = true
		close(f.ch)
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

// Record writes every mirrored event to w as one JSON line until ctx is done or
// the bus is closed. Lines are not ordered across events.
func (b *Bus) Record(ctx context.Context, w io.Writer) error {
	messages, err := b.Stream(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		msg.Ack()
		line := make([]byte, 0, len(msg.Payload)+1)
		line = append(append(line, msg.Payload...), '\n')
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the bus and all its subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	feeds := b.feeds
	b.feeds = make(map[uint64]*feed)
	b.mu.Unlock()

	for _, f := range feeds {
		f.close()
	}

	return b.pubsub.Close()
}

