package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "lunchbot/pkg/logx"
)

func TestFanoutOrderAndIsolation(t *testing.T) {
	t.Parallel()
	f := NewFanout(logx.Nop())
	var got []string
	f.AddConsumer("a", func(_ context.Context, msg []byte) error {
		got = append(got, "a:"+string(msg))
		return errors.New("boom")
	})
	f.AddConsumer("b", func(_ context.Context, _ []byte) error {
		panic("bad consumer")
	})
	f.AddConsumer("c", func(_ context.Context, msg []byte) error {
		got = append(got, "c:"+string(msg))
		return nil
	})

	if err := f.Send(context.Background(), []byte("m1")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got) != 2 || got[0] != "a:m1" || got[1] != "c:m1" {
		t.Fatalf("unexpected delivery: %v", got)
	}
}

func TestFanoutOnlyLaterMessages(t *testing.T) {
	t.Parallel()
	f := NewFanout(logx.Nop())
	ctx := context.Background()
	_ = f.Send(ctx, []byte("early"))

	var got []string
	f.AddConsumer("late", func(_ context.Context, msg []byte) error {
		got = append(got, string(msg))
		return nil
	})
	_ = f.Send(ctx, []byte("late"))
	if len(got) != 1 || got[0] != "late" {
		t.Fatalf("unexpected delivery: %v", got)
	}
}

func TestQueueDeliversInOrder(t *testing.T) {
	t.Parallel()
	q := NewQueue(logx.Nop())

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	q.AddConsumer("rec", func(_ context.Context, msg []byte) error {
		mu.Lock()
		got = append(got, string(msg))
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	})

	ctx := context.Background()
	for _, m := range []string{"1", "2", "3"} {
		if err := q.Send(ctx, []byte(m)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	runErr := make(chan error, 1)
	go func() { runErr <- q.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
	q.Stop()
	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Fatalf("out of order: %v", got)
	}
}

func TestQueueSendFromConsumerDoesNotBlock(t *testing.T) {
	t.Parallel()
	q := NewQueue(logx.Nop())
	ctx := context.Background()
	done := make(chan struct{})
	q.AddConsumer("echo", func(ctx context.Context, msg []byte) error {
		if string(msg) == "ping" {
			return q.Send(ctx, []byte("pong"))
		}
		close(done)
		return nil
	})
	go func() { _ = q.Run(ctx) }()
	defer q.Stop()

	_ = q.Send(ctx, []byte("ping"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("reply never delivered")
	}
}

func TestQueueSendAfterStop(t *testing.T) {
	t.Parallel()
	q := NewQueue(logx.Nop())
	q.Stop()
	q.Stop()
	if err := q.Send(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Stop = %v, want ErrClosed", err)
	}
	if err := q.Run(context.Background()); err != nil {
		t.Fatalf("Run after Stop = %v", err)
	}
}

func TestQueueCopiesPayload(t *testing.T) {
	t.Parallel()
	q := NewQueue(logx.Nop())
	buf := []byte("abc")
	_ = q.Send(context.Background(), buf)
	buf[0] = 'z'
	msg, ok := q.pop()
	if !ok || string(msg) != "abc" {
		t.Fatalf("payload = %q", msg)
	}
}
