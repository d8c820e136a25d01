package partstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/opencode-ai/codexhost/pkg/types"
)

type memBackend struct {
	mu        sync.Mutex
	data      map[string][]types.Part
	saves     map[string]int
	loads     int
	failSaves int
}

func newMemBackend() *memBackend {
	return &memBackend{
		data:  make(map[string][]types.Part),
		saves: make(map[string]int),
	}
}

func (b *memBackend) LoadParts(ctx context.Context, sessionID, messageID string) ([]types.Part, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loads++
	var out []types.Part
	for _, p := range b.data[sessionID+":"+messageID] {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (b *memBackend) SaveParts(ctx context.Context, sessionID, messageID string, parts []types.Part) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSaves > 0 {
		b.failSaves--
		return errors.New("disk full")
	}
	k := sessionID + ":" + messageID
	b.data[k] = parts
	b.saves[k]++
	return nil
}

func (b *memBackend) saveCount(k string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves[k]
}

func (b *memBackend) texts(k string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return texts(b.data[k])
}

func texts(parts []types.Part) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, p.(*types.TextPart).Text)
	}
	return out
}

func textPart(session, message, id, text string) *types.TextPart {
	return &types.TextPart{
		ID:        id,
		SessionID: session,
		MessageID: message,
		Type:      types.PartTypeText,
		Text:      text,
	}
}

func TestStore_ReadsSeeUnflushedWrites(t *testing.T) {
	backend := newMemBackend()
	store := New(backend, Config{FlushDelay: time.Hour})
	ctx := context.Background()

	require.NoError(t, store.UpdatePart(ctx, textPart("s1", "m1", "prt_2", "second")))
	require.NoError(t, store.UpdatePart(ctx, textPart("s1", "m1", "prt_1", "first")))
	require.NoError(t, store.UpdatePart(ctx, textPart("s1", "m1", "prt_2", "second, edited")))

	parts, err := store.GetParts(ctx, "s1", "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second, edited"}, texts(parts))
	assert.True(t, store.Dirty("s1", "m1"))
	assert.Zero(t, backend.saveCount("s1:m1"))
}

func TestStore_ReturnsCopies(t *testing.T) {
	store := New(newMemBackend(), Config{FlushDelay: time.Hour})
	ctx := context.Background()

	part := textPart("s1", "m1", "prt_1", "original")
	require.NoError(t, store.UpdatePart(ctx, part))
	part.Text = "mutated by caller"

	parts, err := store.GetParts(ctx, "s1", "m1")
	require.NoError(t, err)
	parts[0].(*types.TextPart).Text = "mutated by reader"

	again, err := store.GetParts(ctx, "s1", "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"original"}, texts(again))
}

func TestStore_DebouncedFlush(t *testing.T) {
	backend := newMemBackend()
	store := New(backend, Config{FlushDelay: 20 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.UpdatePart(ctx, textPart("s1", "m1", "prt_1", fmt.Sprintf("v%d", i))))
	}

	require.Eventually(t, func() bool {
		return backend.saveCount("s1:m1") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"v9"}, backend.texts("s1:m1"))
	assert.False(t, store.Dirty("s1", "m1"))

	// No further writes without further updates.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, backend.saveCount("s1:m1"))
}

func TestStore_LoadsAndSeeds(t *testing.T) {
	backend := newMemBackend()
	backend.data["s1:m1"] = []types.Part{
		textPart("s1", "m1", "prt_b", "b"),
		textPart("s1", "m1", "prt_a", "a"),
	}
	store := New(backend, Config{FlushDelay: time.Hour})
	ctx := context.Background()

	parts, err := store.GetParts(ctx, "s1", "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, texts(parts))

	_, err = store.GetParts(ctx, "s1", "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.loads)
	assert.False(t, store.Dirty("s1", "m1"))
}

func TestStore_RemovePart(t *testing.T) {
	backend := newMemBackend()
	store := New(backend, Config{FlushDelay: time.Hour})
	ctx := context.Background()

	require.NoError(t, store.UpdatePart(ctx, textPart("s1", "m1", "prt_1", "a")))
	require.NoError(t, store.UpdatePart(ctx, textPart("s1", "m1", "prt_2", "b")))
	require.NoError(t, store.Flush(ctx, "s1", "m1"))

	require.NoError(t, store.RemovePart(ctx, "s1", "m1", "prt_missing"))
	assert.False(t, store.Dirty("s1", "m1"))

	require.NoError(t, store.RemovePart(ctx, "s1", "m1", "prt_1"))
	assert.True(t, store.Dirty("s1", "m1"))
	require.NoError(t, store.Flush(ctx, "s1", "m1"))
	assert.Equal(t, []string{"b"}, backend.texts("s1:m1"))
}

func TestStore_DirtyEvictionFlushesBeforeReturn(t *testing.T) {
	backend := newMemBackend()
	store := New(backend, Config{FlushDelay: time.Hour, Size: 1})
	ctx := context.Background()

	require.NoError(t, store.UpdatePart(ctx, textPart("s1", "m1", "prt_1", "kept")))
	require.NoError(t, store.UpdatePart(ctx, textPart("s1", "m2", "prt_1", "other")))

	// m1 was evicted by the second update and written synchronously.
	assert.Equal(t, 1, backend.saveCount("s1:m1"))
	assert.Equal(t, []string{"kept"}, backend.texts("s1:m1"))
	assert.Equal(t, 1, store.Len())

	parts, err := store.GetParts(ctx, "s1", "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, texts(parts))
}

func TestStore_FailedFlushStaysDirty(t *testing.T) {
	backend := newMemBackend()
	backend.failSaves = 1
	store := New(backend, Config{FlushDelay: time.Hour, Size: 1})
	ctx := context.Background()

	require.NoError(t, store.UpdatePart(ctx, textPart("s1", "m1", "prt_1", "unsaved")))
	// Evicts m1; the eviction flush fails and m1 is parked.
	require.NoError(t, store.UpdatePart(ctx, textPart("s1", "m2", "prt_1", "other")))

	assert.Zero(t, backend.saveCount("s1:m1"))
	assert.True(t, store.Dirty("s1", "m1"))

	// Parked entries stay readable without touching the backend.
	loads := backend.loads
	parts, err := store.GetParts(ctx, "s1", "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"unsaved"}, texts(parts))
	assert.Equal(t, loads, backend.loads)

	require.NoError(t, store.FlushAll(ctx))
	assert.False(t, store.Dirty("s1", "m1"))
	assert.Equal(t, []string{"unsaved"}, backend.texts("s1:m1"))
	assert.Equal(t, []string{"other"}, backend.texts("s1:m2"))
}

func TestStore_FlushReportsError(t *testing.T) {
	backend := newMemBackend()
	backend.failSaves = 1
	store := New(backend, Config{FlushDelay: time.Hour})
	ctx := context.Background()

	require.NoError(t, store.UpdatePart(ctx, textPart("s1", "m1", "prt_1", "x")))
	assert.Error(t, store.Flush(ctx, "s1", "m1"))
	assert.True(t, store.Dirty("s1", "m1"))

	require.NoError(t, store.Flush(ctx, "s1", "m1"))
	assert.False(t, store.Dirty("s1", "m1"))
	assert.NoError(t, store.Flush(ctx, "s1", "unknown"))
}

func TestStore_ConfigFrom(t *testing.T) {
	delay, size := 50, 8
	cfg := ConfigFrom(&types.PartStoreConfig{FlushDelay: &delay, Size: &size})
	assert.Equal(t, 50*time.Millisecond, cfg.FlushDelay)
	assert.Equal(t, 8, cfg.Size)
	assert.Equal(t, Config{}, ConfigFrom(nil))
}

// A burst of updates on any set of keys coalesces into at most one write per
// key, and the written state equals the cached state.
func TestStore_CoalescingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		backend := newMemBackend()
		store := New(backend, Config{FlushDelay: time.Hour, Size: 64})
		ctx := context.Background()

		messages := rapid.SliceOfNDistinct(rapid.StringMatching(`m[0-9]`), 1, 4, rapid.ID[string]).Draw(t, "messages")
		model := make(map[string]map[string]string)

		ops := rapid.IntRange(1, 40).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			msg := rapid.SampledFrom(messages).Draw(t, "message")
			id := fmt.Sprintf("prt_%d", rapid.IntRange(0, 5).Draw(t, "part"))
			if model[msg] == nil {
				model[msg] = make(map[string]string)
			}

			if rapid.Bool().Draw(t, "remove") {
				if err := store.RemovePart(ctx, "s1", msg, id); err != nil {
					t.Fatalf("remove: %v", err)
				}
				delete(model[msg], id)
				continue
			}
			text := rapid.String().Draw(t, "text")
			if err := store.UpdatePart(ctx, textPart("s1", msg, id, text)); err != nil {
				t.Fatalf("update: %v", err)
			}
			model[msg][id] = text
		}

		if err := store.FlushAll(ctx); err != nil {
			t.Fatalf("flush all: %v", err)
		}

		for msg, parts := range model {
			key := "s1:" + msg
			if n := backend.saveCount(key); n > 1 {
				t.Fatalf("%s written %d times", key, n)
			}
			cached, err := store.GetParts(ctx, "s1", msg)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if len(cached) != len(parts) {
				t.Fatalf("%s: cached %d parts, want %d", key, len(cached), len(parts))
			}
			for i, p := range cached {
				if want := parts[p.PartID()]; p.(*types.TextPart).Text != want {
					t.Fatalf("%s: part %s = %q, want %q", key, p.PartID(), p.(*types.TextPart).Text, want)
				}
				if i > 0 && cached[i-1].PartID() >= p.PartID() {
					t.Fatalf("%s: parts out of order", key)
				}
			}
			if backend.saveCount(key) == 1 {
				stored := backend.texts(key)
				if got, want := len(stored), len(cached); got != want {
					t.Fatalf("%s: stored %d parts, cached %d", key, got, want)
				}
			}
		}
	})
}
