package partstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/codexhost/internal/logging"
	"github.com/opencode-ai/codexhost/pkg/types"
)

const (
	DefaultFlushDelay = 250 * time.Millisecond
	DefaultSize       = 256
)

// Backend is the durable storage behind the cache.
// *storage.PartBackend implements it.
type Backend interface {
	LoadParts(ctx context.Context, sessionID, messageID string) ([]types.Part, error)
	SaveParts(ctx context.Context, sessionID, messageID string, parts []types.Part) error
}

// Config tunes a Store. Zero values select the defaults.
type Config struct {
	FlushDelay time.Duration
	Size       int
}

type key struct {
	sessionID string
	messageID string
}

func (k key) String() string { return k.sessionID + ":" + k.messageID }

type entry struct {
	key key

	// Guarded by Store.mu.
	parts   []types.Part
	gen     uint64
	flushed uint64
	timer   *time.Timer

	// Serializes backend writes of this entry.
	flushMu sync.Mutex
}

func (e *entry) dirty() bool { return e.gen != e.flushed }

// Store is a bounded write-back cache of message parts. Reads always see the
// latest update; writes reach the backend after a short debounce, on Flush,
// or when a dirty entry is evicted.
type Store struct {
	backend Backend
	delay   time.Duration
	log     zerolog.Logger

	mu    sync.Mutex
	cache *simplelru.LRU[key, *entry]
	// parked holds dirty entries evicted from cache until they are written.
	parked map[key]*entry
	// evicting collects entries evicted during the current locked section.
	evicting []*entry
}

// New creates a Store over backend.
func New(backend Backend, cfg Config) *Store {
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = DefaultFlushDelay
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}

	s := &Store{
		backend: backend,
		delay:   cfg.FlushDelay,
		log:     logging.Component("partstore"),
		parked:  make(map[key]*entry),
	}
	// NewLRU only fails for a non-positive size.
	s.cache, _ = simplelru.NewLRU[key, *entry](cfg.Size, s.onEvict)
	return s
}

// ConfigFrom converts the partStore configuration block.
func ConfigFrom(cfg *types.PartStoreConfig) Config {
	var c Config
	if cfg == nil {
		return c
	}
	if cfg.FlushDelay != nil {
		c.FlushDelay = time.Duration(*cfg.FlushDelay) * time.Millisecond
	}
	if cfg.Size != nil {
		c.Size = *cfg.Size
	}
	return c
}

// onEvict runs under s.mu from inside cache.Add.
func (s *Store) onEvict(k key, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.dirty() {
		s.parked[k] = e
		s.evicting = append(s.evicting, e)
	}
}

// UpdatePart inserts or replaces part in its message's ordered list.
func (s *Store) UpdatePart(ctx context.Context, part types.Part) error {
	if part == nil {
		return errors.New("partstore: nil part")
	}
	k := key{part.PartSessionID(), part.PartMessageID()}

	return s.mutate(ctx, k, func(e *entry) bool {
		part = part.Clone()
		for i, existing := range e.parts {
			if existing.PartID() == part.PartID() {
				e.parts[i] = part
				return true
			}
		}
		e.parts = append(e.parts, part)
		sort.SliceStable(e.parts, func(i, j int) bool { return e.parts[i].PartID() < e.parts[j].PartID() })
		return true
	})
}

// RemovePart deletes a part. Removing an unknown part is a no-op.
func (s *Store) RemovePart(ctx context.Context, sessionID, messageID, partID string) error {
	return s.mutate(ctx, key{sessionID, messageID}, func(e *entry) bool {
		for i, existing := range e.parts {
			if existing.PartID() == partID {
				e.parts = append(e.parts[:i:i], e.parts[i+1:]...)
				return true
			}
		}
		return false
	})
}

func (s *Store) mutate(ctx context.Context, k key, apply func(*entry) bool) error {
	s.mu.Lock()
	e, err := s.entryLocked(ctx, k)
	if err != nil {
		evicted := s.takeEvictingLocked()
		s.mu.Unlock()
		s.flushEvicted(ctx, evicted)
		return err
	}
	if apply(e) {
		e.gen++
		s.scheduleLocked(e)
	}
	evicted := s.takeEvictingLocked()
	s.mu.Unlock()

	s.flushEvicted(ctx, evicted)
	return nil
}

// GetParts returns copies of a message's parts in id order, loading them
// from the backend on a miss.
func (s *Store) GetParts(ctx context.Context, sessionID, messageID string) ([]types.Part, error) {
	s.mu.Lock()
	e, err := s.entryLocked(ctx, key{sessionID, messageID})
	var out []types.Part
	if err == nil {
		out = make([]types.Part, len(e.parts))
		for i, p := range e.parts {
			out[i] = p.Clone()
		}
	}
	evicted := s.takeEvictingLocked()
	s.mu.Unlock()

	s.flushEvicted(ctx, evicted)
	return out, err
}

// entryLocked finds or loads the entry for k and marks it most recently
// used. A parked entry is moved back into the cache.
func (s *Store) entryLocked(ctx context.Context, k key) (*entry, error) {
	if e, ok := s.cache.Get(k); ok {
		return e, nil
	}
	if e, ok := s.parked[k]; ok {
		delete(s.parked, k)
		s.cache.Add(k, e)
		return e, nil
	}

	// Loading under the lock keeps a concurrent update from racing the seed.
	parts, err := s.backend.LoadParts(ctx, k.sessionID, k.messageID)
	if err != nil {
		return nil, fmt.Errorf("load parts %s: %w", k, err)
	}
	sort.SliceStable(parts, func(i, j int) bool { return parts[i].PartID() < parts[j].PartID() })
	e := &entry{key: k, parts: parts}
	s.cache.Add(k, e)
	return e, nil
}

func (s *Store) scheduleLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(s.delay, func() {
		_ = s.flushEntry(context.Background(), e)
	})
}

func (s *Store) takeEvictingLocked() []*entry {
	evicted := s.evicting
	s.evicting = nil
	return evicted
}

func (s *Store) flushEvicted(ctx context.Context, evicted []*entry) {
	for _, e := range evicted {
		_ = s.flushEntry(ctx, e)
	}
}

// flushEntry writes the current generation of e if it is dirty.
func (s *Store) flushEntry(ctx context.Context, e *entry) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	s.mu.Lock()
	if !e.dirty() {
		s.mu.Unlock()
		return nil
	}
	gen := e.gen
	snapshot := make([]types.Part, len(e.parts))
	for i, p := range e.parts {
		snapshot[i] = p.Clone()
	}
	s.mu.Unlock()

	if err := s.backend.SaveParts(ctx, e.key.sessionID, e.key.messageID, snapshot); err != nil {
		s.log.Warn().Err(err).
			Str("sessionID", e.key.sessionID).
			Str("messageID", e.key.messageID).
			Msg("flush failed")
		return fmt.Errorf("save parts %s: %w", e.key, err)
	}

	s.mu.Lock()
	if gen > e.flushed {
		e.flushed = gen
	}
	if !e.dirty() && s.parked[e.key] == e {
		delete(s.parked, e.key)
	}
	s.mu.Unlock()

	s.log.Debug().
		Str("sessionID", e.key.sessionID).
		Str("messageID", e.key.messageID).
		Int("parts", len(snapshot)).
		Msg("flushed")
	return nil
}

// Flush writes a message's pending changes now.
func (s *Store) Flush(ctx context.Context, sessionID, messageID string) error {
	k := key{sessionID, messageID}

	s.mu.Lock()
	e, ok := s.cache.Peek(k)
	if !ok {
		e, ok = s.parked[k]
	}
	if ok && e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return s.flushEntry(ctx, e)
}

// FlushAll writes every pending change now and returns the joined errors.
func (s *Store) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	entries := s.cache.Values()
	for _, e := range s.parked {
		entries = append(entries, e)
	}
	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := s.flushEntry(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dirty reports whether a message has changes not yet written.
func (s *Store) Dirty(sessionID, messageID string) bool {
	k := key{sessionID, messageID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cache.Peek(k); ok {
		return e.dirty()
	}
	if e, ok := s.parked[k]; ok {
		return e.dirty()
	}
	return false
}

// Len returns the number of cached messages, parked entries excluded.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
