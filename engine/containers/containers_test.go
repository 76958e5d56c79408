package containers

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func TestRingQueueFIFO(t *testing.T) {
	rq := NewRingQueue[int](3)
	for i := 1; i <= 3; i++ {
		if err := rq.Enqueue(i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := rq.Enqueue(4); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if v, _ := rq.Peek(); v != 1 {
		t.Fatalf("peek = %d, want 1", v)
	}
	for want := 1; want <= 3; want++ {
		got, err := rq.Dequeue()
		if err != nil || got != want {
			t.Fatalf("dequeue = %d, %v; want %d", got, err, want)
		}
	}
	if _, err := rq.Dequeue(); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestRingQueueGrowKeepsOrder(t *testing.T) {
	rq := NewGrowableRingQueue[string](2)
	_ = rq.Enqueue("a")
	_ = rq.Enqueue("b")
	_, _ = rq.Dequeue()
	_ = rq.Enqueue("c")
	_ = rq.Enqueue("d")
	_ = rq.Enqueue("e")

	if rq.Len() != 4 {
		t.Fatalf("len = %d, want 4", rq.Len())
	}
	for _, want := range []string{"b", "c", "d", "e"} {
		got, err := rq.Dequeue()
		if err != nil || got != want {
			t.Fatalf("dequeue = %q, %v; want %q", got, err, want)
		}
	}
}

func TestArenaHandles(t *testing.T) {
	a := NewArena[string](4)
	h1 := a.Insert("one")
	h2 := a.Insert("two")
	if h1 == 0 || h2 == 0 || h1 == h2 {
		t.Fatalf("unexpected handles %d %d", h1, h2)
	}
	if v, ok := a.Get(h2); !ok || v != "two" {
		t.Fatalf("get h2 = %q, %v", v, ok)
	}

	if v, ok := a.Remove(h1); !ok || v != "one" {
		t.Fatalf("remove h1 = %q, %v", v, ok)
	}
	if _, ok := a.Get(h1); ok {
		t.Fatal("stale handle resolved after remove")
	}

	h3 := a.Insert("three")
	if h3 == h1 {
		t.Fatal("reused slot returned the stale handle")
	}
	if _, ok := a.Get(h1); ok {
		t.Fatal("stale handle resolved to the new occupant")
	}
	if v, ok := a.Get(h3); !ok || v != "three" {
		t.Fatalf("get h3 = %q, %v", v, ok)
	}
	if a.Len() != 2 {
		t.Fatalf("len = %d, want 2", a.Len())
	}
	if _, ok := a.Get(0); ok {
		t.Fatal("null handle resolved")
	}
}
