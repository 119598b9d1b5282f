package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func job(key string) Job {
	return Job{Key: key, Fn: func(context.Context) error { return nil }}
}

func TestInMemoryQueue_BasicOperations(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	if l := q.Len(ctx); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}

	if !q.Enqueue(ctx, job("wr-1")) {
		t.Error("expected enqueue to succeed")
	}
	if l := q.Len(ctx); l != 1 {
		t.Errorf("expected length 1, got %d", l)
	}

	got := <-q.Dequeue(ctx)
	if got.Key != "wr-1" {
		t.Errorf("expected wr-1, got %v", got.Key)
	}
	if l := q.Len(ctx); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}
}

func TestInMemoryQueue_Capacity(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	if !q.Enqueue(ctx, job("a")) || !q.Enqueue(ctx, job("b")) {
		t.Fatal("expected enqueue to succeed")
	}
	if q.Enqueue(ctx, job("c")) {
		t.Error("expected enqueue to fail when full")
	}
	if l := q.Len(ctx); l != 2 {
		t.Errorf("expected length 2, got %d", l)
	}
}

func TestInMemoryQueue_EnqueueWaitBlocksUntilRoom(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(1))
	ctx := context.Background()

	if err := q.EnqueueWait(ctx, job("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- q.EnqueueWait(ctx, job("b")) }()

	select {
	case <-done:
		t.Fatal("expected EnqueueWait to block on a full queue")
	case <-time.After(20 * time.Millisecond):
	}

	<-q.Dequeue(ctx)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("EnqueueWait did not resume after a dequeue")
	}
}

func TestInMemoryQueue_EnqueueWaitHonoursContext(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(1))
	_ = q.EnqueueWait(context.Background(), job("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.EnqueueWait(ctx, job("b")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestInMemoryQueue_EnqueueWaitRejectsCancelledContext(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(4))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 100; i++ {
		if err := q.EnqueueWait(ctx, job(fmt.Sprintf("j%d", i))); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	}
	if n := q.Len(context.Background()); n != 0 {
		t.Errorf("expected no buffered jobs, got %d", n)
	}
}

func TestInMemoryQueue_CloseReleasesBlockedProducers(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(1))
	ctx := context.Background()
	_ = q.EnqueueWait(ctx, job("a"))

	done := make(chan error, 1)
	go func() { done <- q.EnqueueWait(ctx, job("b")) }()
	time.Sleep(10 * time.Millisecond)

	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked producer was not released by Close")
	}
}

func TestInMemoryQueue_ConcurrentAccess(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(16))
	ctx := context.Background()
	const producers, perProducer = 8, 50

	var consumed sync.WaitGroup
	consumed.Add(producers * perProducer)
	seen := make(chan string, producers*perProducer)
	for i := 0; i < 4; i++ {
		go func() {
			for j := range q.Dequeue(ctx) {
				seen <- j.Key
				consumed.Done()
			}
		}()
	}

	var produced sync.WaitGroup
	for p := 0; p < producers; p++ {
		produced.Add(1)
		go func(p int) {
			defer produced.Done()
			for i := 0; i < perProducer; i++ {
				if err := q.EnqueueWait(ctx, job(fmt.Sprintf("%d-%d", p, i))); err != nil {
					t.Errorf("enqueue: %v", err)
				}
			}
		}(p)
	}
	produced.Wait()
	consumed.Wait()
	_ = q.Close()

	close(seen)
	unique := map[string]bool{}
	for k := range seen {
		unique[k] = true
	}
	if len(unique) != producers*perProducer {
		t.Errorf("expected %d distinct jobs, got %d", producers*perProducer, len(unique))
	}
}

func TestInMemoryQueue_GracefulShutdown(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(10))
	ctx := context.Background()

	_ = q.Enqueue(ctx, job("a"))
	_ = q.Enqueue(ctx, job("b"))
	if q.IsClosed() {
		t.Error("expected queue to be open initially")
	}

	if err := q.Close(); err != nil {
		t.Errorf("expected close to succeed, got error: %v", err)
	}
	if !q.IsClosed() {
		t.Error("expected queue to be closed after Close()")
	}
	if q.Enqueue(ctx, job("c")) {
		t.Error("expected enqueue to fail after closing")
	}
	if err := q.EnqueueWait(ctx, job("c")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}

	var drained int
	for range q.Dequeue(ctx) {
		drained++
	}
	if drained != 2 {
		t.Errorf("expected buffered jobs to remain readable, got %d", drained)
	}

	if err := q.Close(); err != nil {
		t.Errorf("expected second close to succeed, got error: %v", err)
	}
}

func TestJobFinish(t *testing.T) {
	var got error
	j := Job{Done: func(err error) { got = err }}
	want := errors.New("boom")
	j.Finish(want)
	if !errors.Is(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	Job{}.Finish(want) // no callback, no panic
}
