package cardstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStore_PutGet(t *testing.T) {
	s, err := New(10, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	err = s.Do(ctx, "om_1", func(tx *Txn) error {
		if _, ok := tx.Get(); ok {
			t.Error("expected empty entry")
		}
		tx.Put(Conversation{CardID: "c1", ReplyMessageID: "om_r", Sequence: 1})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	c, ok := s.Peek("om_1")
	if !ok || c.CardID != "c1" || c.Sequence != 1 {
		t.Errorf("unexpected entry %+v (ok=%v)", c, ok)
	}
}

func TestStore_ErrorPropagates(t *testing.T) {
	s, _ := New(10, nil)
	want := errors.New("fail")
	if err := s.Do(context.Background(), "k", func(*Txn) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestStore_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	s, _ := New(2, func(key string, _ Conversation) { evicted = append(evicted, key) })
	ctx := context.Background()
	put := func(key string) {
		_ = s.Do(ctx, key, func(tx *Txn) error {
			tx.Put(Conversation{CardID: key, Sequence: 1})
			return nil
		})
	}

	put("a")
	put("b")
	// Touch a so b becomes the eviction candidate.
	_ = s.Do(ctx, "a", func(tx *Txn) error { tx.Get(); return nil })
	put("c")

	if _, ok := s.Peek("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := s.Peek("a"); !ok {
		t.Error("a should still be present")
	}
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Errorf("evicted = %v", evicted)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d", s.Len())
	}
}

func TestStore_SerializesSameKey(t *testing.T) {
	s, _ := New(10, nil)
	ctx := context.Background()
	_ = s.Do(ctx, "k", func(tx *Txn) error {
		tx.Put(Conversation{Sequence: 1})
		return nil
	})

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	var seen []int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(ctx, "k", func(tx *Txn) error {
				c, _ := tx.Get()
				mu.Lock()
				seen = append(seen, c.Sequence)
				mu.Unlock()
				time.Sleep(time.Millisecond)
				c.Sequence++
				tx.Put(c)
				return nil
			})
		}()
	}
	wg.Wait()

	for i, seq := range seen {
		if seq != i+1 {
			t.Fatalf("sequence %d at position %d, want %d", seq, i, i+1)
		}
	}
	if c, _ := s.Peek("k"); c.Sequence != n+1 {
		t.Errorf("final sequence = %d, want %d", c.Sequence, n+1)
	}
}

func TestStore_DifferentKeysDoNotBlock(t *testing.T) {
	s, _ := New(10, nil)
	ctx := context.Background()

	hold := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = s.Do(ctx, "a", func(*Txn) error {
			close(entered)
			<-hold
			return nil
		})
	}()
	<-entered

	done := make(chan struct{})
	go func() {
		_ = s.Do(ctx, "b", func(*Txn) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("key b blocked behind key a")
	}
	close(hold)
}

func TestStore_ContextCancelWhileWaiting(t *testing.T) {
	s, _ := New(10, nil)

	hold := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = s.Do(context.Background(), "k", func(*Txn) error {
			close(entered)
			<-hold
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Do(ctx, "k", func(*Txn) error {
		t.Error("fn must not run")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	close(hold)
}
