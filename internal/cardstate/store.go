// Package cardstate keeps per-conversation card reply state and serializes
// updates to the same conversation.
package cardstate

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is the number of conversations kept before the least recently
// used one is evicted.
const DefaultSize = 500

// Conversation is the reply state of one inbound message. Sequence is the
// number the next streamed chunk will carry and starts at 1.
type Conversation struct {
	CardID         string
	ReplyMessageID string
	Sequence       int
}

// Store is a bounded map from inbound message id to Conversation. Callers
// mutate an entry only inside Do, which holds that entry's lock.
type Store struct {
	cache *lru.Cache[string, Conversation]

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// New creates a Store holding up to size conversations. onEvict, if non-nil,
// is called for every capacity eviction.
func New(size int, onEvict func(key string, c Conversation)) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	var (
		cache *lru.Cache[string, Conversation]
		err   error
	)
	if onEvict != nil {
		cache, err = lru.NewWithEvict[string, Conversation](size, onEvict)
	} else {
		cache, err = lru.New[string, Conversation](size)
	}
	if err != nil {
		return nil, fmt.Errorf("create card state cache: %w", err)
	}
	return &Store{cache: cache, locks: make(map[string]*keyLock)}, nil
}

// Txn gives access to a single entry while its lock is held.
type Txn struct {
	store *Store
	key   string
}

func (t *Txn) Key() string { return t.key }

func (t *Txn) Get() (Conversation, bool) {
	return t.store.cache.Get(t.key)
}

func (t *Txn) Put(c Conversation) {
	t.store.cache.Add(t.key, c)
}

func (t *Txn) Delete() {
	t.store.cache.Remove(t.key)
}

// Do runs fn with exclusive access to key. Calls for the same key run one at
// a time in lock acquisition order; calls for different keys do not block
// each other. Returns ctx.Err() if the lock cannot be taken before ctx ends.
func (s *Store) Do(ctx context.Context, key string, fn func(tx *Txn) error) error {
	kl := s.ref(key)
	defer s.unref(key, kl)

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-kl.ch }()

	return fn(&Txn{store: s, key: key})
}

func (s *Store) ref(key string) *keyLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		s.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (s *Store) unref(key string, kl *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(s.locks, key)
	}
}

// Peek returns the entry for key without touching its recency.
func (s *Store) Peek(key string) (Conversation, bool) {
	return s.cache.Peek(key)
}

func (s *Store) Len() int {
	return s.cache.Len()
}
