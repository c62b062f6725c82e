package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnqueueNextRoundTrip(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()
	done, err := q.Enqueue(ctx, []byte("frame-1"), time.Second)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(item.Frame) != "frame-1" {
		t.Fatalf("expected frame-1, got %q", item.Frame)
	}
	item.Done <- nil
	close(item.Done)
	if err := <-done; err != nil {
		t.Fatalf("expected nil outcome, got %v", err)
	}
}

func TestEnqueueBusyWhenFull(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, []byte("a"), time.Second); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, err := q.Enqueue(ctx, []byte("b"), 20*time.Millisecond)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestEnqueueZeroWaitFailsFastWhenFull(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, []byte("a"), time.Second); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, err := q.Enqueue(ctx, []byte("b"), 0)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestCloseResolvesBufferedItems(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()
	done1, _ := q.Enqueue(ctx, []byte("a"), time.Second)
	done2, _ := q.Enqueue(ctx, []byte("b"), time.Second)

	closeErr := errors.New("session disconnected")
	q.Close(closeErr)

	if err := <-done1; !errors.Is(err, closeErr) {
		t.Fatalf("expected %v, got %v", closeErr, err)
	}
	if err := <-done2; !errors.Is(err, closeErr) {
		t.Fatalf("expected %v, got %v", closeErr, err)
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	q := NewQueue(4)
	q.Close(nil)
	_, err := q.Enqueue(context.Background(), []byte("a"), time.Second)
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestNextAfterCloseFails(t *testing.T) {
	q := NewQueue(4)
	q.Close(nil)
	_, err := q.Next(context.Background())
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	q := NewQueue(4)
	q.Close(errors.New("first"))
	q.Close(errors.New("second"))
	_, err := q.Next(context.Background())
	if err.Error() != "first" {
		t.Fatalf("expected first close error to stick, got %v", err)
	}
}
