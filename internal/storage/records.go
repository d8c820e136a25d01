package storage

import (
	"context"
	"errors"
	"time"

	"github.com/opencode-ai/codexhost/pkg/types"
)

// PartBackend persists the ordered part list of each message at
// part/<session>/<message>.json.
type PartBackend struct {
	store *Storage
}

// NewPartBackend creates a PartBackend on store.
func NewPartBackend(store *Storage) *PartBackend {
	return &PartBackend{store: store}
}

// LoadParts returns the stored parts of a message, or nil when none were saved.
func (b *PartBackend) LoadParts(ctx context.Context, sessionID, messageID string) ([]types.Part, error) {
	var list types.PartList
	err := b.store.Get(ctx, []string{"part", sessionID, messageID}, &list)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return list, nil
}

// SaveParts replaces the stored parts of a message.
func (b *PartBackend) SaveParts(ctx context.Context, sessionID, messageID string, parts []types.Part) error {
	if parts == nil {
		parts = []types.Part{}
	}
	return b.store.Put(ctx, []string{"part", sessionID, messageID}, types.PartList(parts))
}

// threadRecord maps a host session to its backend thread.
type threadRecord struct {
	SessionID string `json:"sessionID"`
	ThreadID  string `json:"threadID"`
	Updated   int64  `json:"updated"`
}

// ThreadStore persists the session → backend thread id lookup at
// thread/<session>.json.
type ThreadStore struct {
	store *Storage
}

// NewThreadStore creates a ThreadStore on store.
func NewThreadStore(store *Storage) *ThreadStore {
	return &ThreadStore{store: store}
}

// Get returns the thread id of a session, or "" when none is stored.
func (t *ThreadStore) Get(ctx context.Context, sessionID string) (string, error) {
	var rec threadRecord
	err := t.store.Get(ctx, []string{"thread", sessionID}, &rec)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.ThreadID, nil
}

// Set stores the thread id of a session.
func (t *ThreadStore) Set(ctx context.Context, sessionID, threadID string) error {
	return t.store.Put(ctx, []string{"thread", sessionID}, threadRecord{
		SessionID: sessionID,
		ThreadID:  threadID,
		Updated:   time.Now().UnixMilli(),
	})
}

// Delete forgets the thread id of a session.
func (t *ThreadStore) Delete(ctx context.Context, sessionID string) error {
	return t.store.Delete(ctx, []string{"thread", sessionID})
}

// MessageStore persists assistant message records at
// message/<session>/<message>.json.
type MessageStore struct {
	store *Storage
}

// NewMessageStore creates a MessageStore on store.
func NewMessageStore(store *Storage) *MessageStore {
	return &MessageStore{store: store}
}

// Put writes msg.
func (m *MessageStore) Put(ctx context.Context, msg *types.Message) error {
	return m.store.Put(ctx, []string{"message", msg.SessionID, msg.ID}, msg)
}

// Get reads one message. Missing messages return ErrNotFound.
func (m *MessageStore) Get(ctx context.Context, sessionID, messageID string) (*types.Message, error) {
	var msg types.Message
	if err := m.store.Get(ctx, []string{"message", sessionID, messageID}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// List returns the messages of a session ordered by id.
func (m *MessageStore) List(ctx context.Context, sessionID string) ([]*types.Message, error) {
	ids, err := m.store.List(ctx, []string{"message", sessionID})
	if err != nil {
		return nil, err
	}

	msgs := make([]*types.Message, 0, len(ids))
	for _, id := range ids {
		msg, err := m.Get(ctx, sessionID, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
