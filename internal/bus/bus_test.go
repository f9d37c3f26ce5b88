package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatbridge/internal/domain"
)

func TestDispatcher_InvokesListener(t *testing.T) {
	r := NewRegistry(testLogger())
	d := NewDispatcher(r, 2, testLogger())

	got := make(chan domain.Event, 1)
	r.On(domain.KindFriendMessage, func(_ context.Context, ev domain.Event, _ domain.Adapter) {
		got <- ev
	})

	ev := domain.NewFriendMessage(domain.Sender{ID: "u1"}, domain.TextChain("hi"), time.Now())
	if out := d.Dispatch(context.Background(), ev, nil); out != Dispatched {
		t.Fatalf("expected Dispatched, got %s", out)
	}

	select {
	case e := <-got:
		if e.Sender.ID != "u1" {
			t.Errorf("unexpected sender %q", e.Sender.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener not invoked")
	}
}

func TestDispatcher_NoListener(t *testing.T) {
	d := NewDispatcher(NewRegistry(testLogger()), 1, testLogger())
	ev := domain.NewFriendMessage(domain.Sender{ID: "u1"}, domain.TextChain("hi"), time.Now())
	if out := d.Dispatch(context.Background(), ev, nil); out != NoListener {
		t.Fatalf("expected NoListener, got %s", out)
	}
}

func TestDispatcher_RecoversPanic(t *testing.T) {
	r := NewRegistry(testLogger())
	d := NewDispatcher(r, 1, testLogger())

	var calls int32
	r.On(domain.KindFriendMessage, func(context.Context, domain.Event, domain.Adapter) {
		atomic.AddInt32(&calls, 1)
		panic("boom")
	})

	ev := domain.NewFriendMessage(domain.Sender{ID: "u1"}, domain.TextChain("hi"), time.Now())
	d.Dispatch(context.Background(), ev, nil)
	d.Wait()
	// The slot must have been released despite the panic.
	d.Dispatch(context.Background(), ev, nil)
	d.Wait()

	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	r := NewRegistry(testLogger())
	d := NewDispatcher(r, 2, testLogger())

	var running, peak int32
	var mu sync.Mutex
	release := make(chan struct{})
	r.On(domain.KindGroupMessage, func(context.Context, domain.Event, domain.Adapter) {
		n := atomic.AddInt32(&running, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		<-release
		atomic.AddInt32(&running, -1)
	})

	ev := domain.NewGroupMessage(domain.Sender{ID: "u"}, domain.Group{ID: "g"}, domain.TextChain("x"), time.Now())
	d.Dispatch(context.Background(), ev, nil)
	d.Dispatch(context.Background(), ev, nil)

	third := make(chan Outcome, 1)
	go func() { third <- d.Dispatch(context.Background(), ev, nil) }()

	select {
	case <-third:
		t.Fatal("third dispatch should wait for a free slot")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	if out := <-third; out != Dispatched {
		t.Fatalf("expected Dispatched, got %s", out)
	}
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency %d exceeds limit", peak)
	}
}

func TestDispatcher_CloseRejectsNewEvents(t *testing.T) {
	r := NewRegistry(testLogger())
	d := NewDispatcher(r, 1, testLogger())
	r.On(domain.KindFriendMessage, func(context.Context, domain.Event, domain.Adapter) {})

	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	ev := domain.NewFriendMessage(domain.Sender{ID: "u1"}, domain.TextChain("hi"), time.Now())
	if out := d.Dispatch(context.Background(), ev, nil); out != Closed {
		t.Fatalf("expected Closed, got %s", out)
	}
}
