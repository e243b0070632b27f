package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestTransport(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	t.Cleanup(func() { m.Close() })
	return m
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestPublishUnknownChannel(t *testing.T) {
	m := newTestTransport(t)

	_, err := m.Publish(context.Background(), "nope", "job.enqueued", nil, PublishOptions{})
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("err = %v, want ErrUnknownChannel", err)
	}
}

func TestConsumeUnknownChannel(t *testing.T) {
	m := newTestTransport(t)

	_, err := m.Consume("nope", ConsumerOptions{Handler: func(context.Context, Message) error { return nil }})
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("err = %v, want ErrUnknownChannel", err)
	}
}

func TestSecondConsumerRejected(t *testing.T) {
	m := newTestTransport(t)
	handler := func(context.Context, Message) error { return nil }

	first, err := m.Consume(ChannelJobs, ConsumerOptions{Handler: handler})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	defer first.Stop()

	_, err = m.Consume(ChannelJobs, ConsumerOptions{Handler: handler})
	if !errors.Is(err, ErrConsumerExists) {
		t.Fatalf("err = %v, want ErrConsumerExists", err)
	}
}

func TestDeliveryOrderIsFIFO(t *testing.T) {
	m := newTestTransport(t)
	ctx := context.Background()

	for _, id := range []string{"j1", "j2", "j3"} {
		if _, err := m.Publish(ctx, ChannelJobs, "job.enqueued", []byte(id), PublishOptions{IdempotencyKey: id}); err != nil {
			t.Fatalf("Publish(%s): %v", id, err)
		}
	}

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	consumer, err := m.Consume(ChannelJobs, ConsumerOptions{
		Concurrency: 1,
		Handler: func(_ context.Context, msg Message) error {
			mu.Lock()
			got = append(got, msg.ID)
			full := len(got) == 3
			mu.Unlock()
			if full {
				close(done)
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	defer consumer.Stop()

	waitFor(t, done, "all deliveries")
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "j1" || got[1] != "j2" || got[2] != "j3" {
		t.Fatalf("order = %v, want [j1 j2 j3]", got)
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	m := newTestTransport(t)
	ctx := context.Background()

	const total = 6
	for i := 0; i < total; i++ {
		if _, err := m.Publish(ctx, ChannelJobs, "job.enqueued", nil, PublishOptions{}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var inFlight, peak atomic.Int32
	gate := make(chan struct{})
	done := make(chan struct{})
	var handled atomic.Int32
	consumer, err := m.Consume(ChannelJobs, ConsumerOptions{
		Concurrency: 2,
		Handler: func(_ context.Context, msg Message) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-gate
			inFlight.Add(-1)
			if handled.Add(1) == total {
				close(done)
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	defer consumer.Stop()

	// Let the pool saturate before opening the gate.
	time.Sleep(100 * time.Millisecond)
	close(gate)

	waitFor(t, done, "all deliveries")
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak in-flight = %d, want <= 2", p)
	}
}

func TestDuplicateIdempotencyKey(t *testing.T) {
	m := newTestTransport(t)
	ctx := context.Background()

	gate := make(chan struct{})
	completed := make(chan struct{}, 2)
	consumer, err := m.Consume(ChannelJobs, ConsumerOptions{
		Handler: func(_ context.Context, msg Message) error {
			<-gate
			return nil
		},
		OnCompleted: func(Message) { completed <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	defer consumer.Stop()

	if _, err := m.Publish(ctx, ChannelJobs, "job.enqueued", nil, PublishOptions{IdempotencyKey: "impl-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Still in-flight (handler is gated): a re-publish must be rejected.
	_, err = m.Publish(ctx, ChannelJobs, "job.enqueued", nil, PublishOptions{IdempotencyKey: "impl-1"})
	if !errors.Is(err, ErrDuplicateMessageID) {
		t.Fatalf("err = %v, want ErrDuplicateMessageID", err)
	}

	close(gate)
	waitFor(t, completed, "first completion")

	// After completion the key is released.
	if _, err := m.Publish(ctx, ChannelJobs, "job.enqueued", nil, PublishOptions{IdempotencyKey: "impl-1"}); err != nil {
		t.Fatalf("Publish after completion: %v", err)
	}
	waitFor(t, completed, "second completion")
}

func TestPublishWithoutKeyNeverDedupes(t *testing.T) {
	m := newTestTransport(t)
	ctx := context.Background()

	first, err := m.Publish(ctx, ChannelBotEvents, "bot.notify", []byte("hi"), PublishOptions{})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if first.ID == "" {
		t.Fatal("handle.ID empty, want generated id")
	}
	second, err := m.Publish(ctx, ChannelBotEvents, "bot.notify", []byte("hi"), PublishOptions{})
	if err != nil {
		t.Fatalf("second Publish: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("generated ids collide")
	}
}

func TestHandlerErrorFiresOnFailed(t *testing.T) {
	m := newTestTransport(t)
	ctx := context.Background()

	handlerErr := errors.New("agent exploded")
	failed := make(chan error, 1)
	completedCalled := make(chan struct{}, 1)
	consumer, err := m.Consume(ChannelJobs, ConsumerOptions{
		Handler:     func(context.Context, Message) error { return handlerErr },
		OnFailed:    func(_ Message, err error) { failed <- err },
		OnCompleted: func(Message) { completedCalled <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	defer consumer.Stop()

	if _, err := m.Publish(ctx, ChannelJobs, "job.enqueued", nil, PublishOptions{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case err := <-failed:
		if !errors.Is(err, handlerErr) {
			t.Fatalf("OnFailed err = %v, want %v", err, handlerErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnFailed")
	}
	select {
	case <-completedCalled:
		t.Fatal("OnCompleted fired for a failed handler")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseRejectsPublish(t *testing.T) {
	m := NewMemory()
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := m.Publish(context.Background(), ChannelJobs, "job.enqueued", nil, PublishOptions{})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestStopWaitsForInFlight(t *testing.T) {
	m := newTestTransport(t)
	ctx := context.Background()

	started := make(chan struct{})
	var finished atomic.Bool
	consumer, err := m.Consume(ChannelJobs, ConsumerOptions{
		Handler: func(context.Context, Message) error {
			close(started)
			time.Sleep(100 * time.Millisecond)
			finished.Store(true)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if _, err := m.Publish(ctx, ChannelJobs, "job.enqueued", nil, PublishOptions{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, started, "handler start")

	consumer.Stop()
	if !finished.Load() {
		t.Fatal("Stop returned before the in-flight handler finished")
	}
}
