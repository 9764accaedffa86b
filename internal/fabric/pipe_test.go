package fabric

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPipe_TrySendDropsWhenFull(t *testing.T) {
	hooks := 0
	p := NewPipe[int](2, WithDropHook[int](func() { hooks++ }))

	if !p.TrySend(1) || !p.TrySend(2) {
		t.Fatalf("expected first two sends to succeed")
	}
	if p.TrySend(3) {
		t.Fatalf("expected third send to drop")
	}
	if p.Dropped() != 1 || hooks != 1 {
		t.Fatalf("Dropped = %d, hooks = %d, want 1, 1", p.Dropped(), hooks)
	}
	if got := <-p.C(); got != 1 {
		t.Fatalf("FIFO violated: got %d first", got)
	}
}

func TestPipe_SendBlocksUntilSpace(t *testing.T) {
	p := NewPipe[int](1)
	if err := p.Send(context.Background(), 1); err != nil {
		t.Fatalf("Send: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Send(context.Background(), 2) }()

	select {
	case err := <-done:
		t.Fatalf("Send returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	<-p.C()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Send did not unblock")
	}
	if p.Len() != 1 {
		t.Fatalf("Len = %d, want 1", p.Len())
	}
}

func TestPipe_SendHonoursContext(t *testing.T) {
	p := NewPipe[int](0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Send(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
