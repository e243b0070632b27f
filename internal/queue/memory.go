package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is the in-process Transport driver. It keeps a FIFO buffer per
// channel and delivers to at most one consumer per channel, mirroring the
// contract of the Redis driver so the coordinator never branches on driver.
type Memory struct {
	mu       sync.Mutex
	closed   bool
	channels map[string]*memoryChannel
}

type memoryChannel struct {
	mu      sync.Mutex
	pending []Message
	// keys tracks idempotency keys that are pending or in-flight.
	keys     map[string]struct{}
	consumer *memoryConsumer
	wake     chan struct{}
}

// NewMemory creates an in-process transport serving the standard channels.
func NewMemory() *Memory {
	m := &Memory{channels: make(map[string]*memoryChannel, len(Channels))}
	for _, name := range Channels {
		m.channels[name] = &memoryChannel{
			keys: make(map[string]struct{}),
			wake: make(chan struct{}, 1),
		}
	}
	return m
}

func (m *Memory) channel(name string) (*memoryChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	ch, ok := m.channels[name]
	if !ok {
		return nil, ErrUnknownChannel
	}
	return ch, nil
}

func (m *Memory) Publish(ctx context.Context, channel, name string, payload []byte, opts PublishOptions) (MessageHandle, error) {
	ch, err := m.channel(channel)
	if err != nil {
		return MessageHandle{}, err
	}

	id := opts.IdempotencyKey
	if id == "" {
		id = uuid.NewString()
	}

	ch.mu.Lock()
	if opts.IdempotencyKey != "" {
		if _, dup := ch.keys[opts.IdempotencyKey]; dup {
			ch.mu.Unlock()
			return MessageHandle{}, ErrDuplicateMessageID
		}
		ch.keys[opts.IdempotencyKey] = struct{}{}
	}
	ch.pending = append(ch.pending, Message{
		ID:         id,
		Channel:    channel,
		Name:       name,
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: time.Now().UTC(),
	})
	ch.mu.Unlock()

	ch.notify()
	return MessageHandle{ID: id, Channel: channel}, nil
}

func (c *memoryChannel) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

type memoryConsumer struct {
	ch     *memoryChannel
	opts   ConsumerOptions
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (m *Memory) Consume(channel string, opts ConsumerOptions) (ConsumerHandle, error) {
	ch, err := m.channel(channel)
	if err != nil {
		return nil, err
	}

	ch.mu.Lock()
	if ch.consumer != nil {
		ch.mu.Unlock()
		return nil, ErrConsumerExists
	}
	consumer := &memoryConsumer{ch: ch, opts: opts}
	ch.consumer = consumer
	ch.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	consumer.cancel = cancel
	consumer.wg.Add(1)
	go consumer.dispatch(ctx)

	// There may already be pending messages.
	ch.notify()
	return consumer, nil
}

// dispatch pops messages in FIFO order and hands each to a worker slot.
// The semaphore bounds in-flight handlers; dispatch order is preserved
// because only this goroutine pops the buffer.
func (c *memoryConsumer) dispatch(ctx context.Context) {
	defer c.wg.Done()

	slots := make(chan struct{}, c.opts.concurrency())
	for {
		msg, ok := c.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-c.ch.wake:
				continue
			}
		}

		select {
		case <-ctx.Done():
			// Drop back: the message stays completed-less but the transport
			// is shutting down; at-least-once permits this.
			c.release(msg)
			return
		case slots <- struct{}{}:
		}

		c.wg.Add(1)
		go func(msg Message) {
			defer c.wg.Done()
			defer func() { <-slots }()
			c.handle(ctx, msg)
		}(msg)
	}
}

func (c *memoryConsumer) pop() (Message, bool) {
	c.ch.mu.Lock()
	defer c.ch.mu.Unlock()
	if len(c.ch.pending) == 0 {
		return Message{}, false
	}
	msg := c.ch.pending[0]
	c.ch.pending = c.ch.pending[1:]
	return msg, true
}

// release returns a popped but unhandled message to the head of the buffer.
func (c *memoryConsumer) release(msg Message) {
	c.ch.mu.Lock()
	defer c.ch.mu.Unlock()
	c.ch.pending = append([]Message{msg}, c.ch.pending...)
}

func (c *memoryConsumer) handle(ctx context.Context, msg Message) {
	err := c.opts.Handler(ctx, msg)

	// The key stays reserved until the handler finishes, so a re-publish of
	// an in-flight id is still rejected.
	c.ch.mu.Lock()
	delete(c.ch.keys, msg.ID)
	c.ch.mu.Unlock()

	if err != nil {
		if c.opts.OnFailed != nil {
			c.opts.OnFailed(msg, err)
		}
		return
	}
	if c.opts.OnCompleted != nil {
		c.opts.OnCompleted(msg)
	}
}

func (c *memoryConsumer) Stop() {
	c.cancel()
	c.ch.notify()
	c.wg.Wait()

	c.ch.mu.Lock()
	if c.ch.consumer == c {
		c.ch.consumer = nil
	}
	c.ch.mu.Unlock()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	channels := make([]*memoryChannel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		ch.mu.Lock()
		consumer := ch.consumer
		ch.mu.Unlock()
		if consumer != nil {
			consumer.Stop()
		}
	}
	return nil
}
