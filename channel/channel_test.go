package channel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPipeFIFO(t *testing.T) {
	ctx := context.Background()
	p := NewPipe[int](4)

	for i := 0; i < 4; i++ {
		if err := p.Send(ctx, i); err != nil {
			t.Fatalf("Failed to send %d: %v", i, err)
		}
	}
	for i := 0; i < 4; i++ {
		got, err := p.Receive(ctx)
		if err != nil {
			t.Fatalf("Failed to receive: %v", err)
		}
		if got != i {
			t.Errorf("Order mismatch: got %d, want %d", got, i)
		}
	}
}

func TestPipeSendSuspendsWhileFull(t *testing.T) {
	p := NewPipe[int](1)
	if err := p.Send(context.Background(), 1); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Send(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send on full pipe: got %v, want deadline exceeded", err)
	}

	sent := make(chan error, 1)
	go func() {
		sent <- p.Send(context.Background(), 3)
	}()
	if _, err := p.Receive(context.Background()); err != nil {
		t.Fatalf("Failed to receive: %v", err)
	}
	if err := <-sent; err != nil {
		t.Fatalf("Suspended send should complete once capacity exists: %v", err)
	}
}

func TestPipeCloseDrainsThenReportsClosed(t *testing.T) {
	ctx := context.Background()
	p := NewPipe[string](2)
	p.Send(ctx, "a")
	p.Close()
	p.Close()

	if err := p.Send(ctx, "b"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close: got %v, want %v", err, ErrClosed)
	}
	got, err := p.Receive(ctx)
	if err != nil || got != "a" {
		t.Fatalf("Queued item should survive close: got %q, %v", got, err)
	}
	if _, err := p.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Receive on drained pipe: got %v, want %v", err, ErrClosed)
	}
}

func TestPipeReceiveWakesOnClose(t *testing.T) {
	p := NewPipe[int](1)
	errs := make(chan error, 1)
	go func() {
		_, err := p.Receive(context.Background())
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.Close()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("got %v, want %v", err, ErrClosed)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not wake up on close")
	}
}

func TestNewPipeMinimumCapacity(t *testing.T) {
	if c := NewPipe[int](0).Cap(); c != 1 {
		t.Errorf("Capacity got %d, want 1", c)
	}
}
