package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	streamKeyPrefix = "sniptail:stream:"
	dedupeKeyPrefix = "sniptail:dedupe:"
	consumerGroup   = "sniptail"

	// dedupeTTL bounds how long an idempotency key blocks re-publishing
	// after its message is lost without completion (e.g. consumer crash).
	dedupeTTL = 24 * time.Hour

	readBlock = 2 * time.Second
)

// Redis is the durable Transport driver, backed by Redis Streams with one
// consumer group per channel. Messages are acknowledged only after the
// handler returns, so an unacked message survives consumer crashes
// (at-least-once). The transport itself never redelivers to a live consumer;
// pending-entry recovery is an operational concern.
type Redis struct {
	client    *redis.Client
	logger    *slog.Logger
	mu        sync.Mutex
	closed    bool
	consumers map[string]*redisConsumer
}

// NewRedis connects the transport and ensures the stream groups exist.
func NewRedis(ctx context.Context, addr string, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: connect redis %s: %w", addr, err)
	}

	r := &Redis{client: client, logger: logger, consumers: make(map[string]*redisConsumer)}
	for _, channel := range Channels {
		err := client.XGroupCreateMkStream(ctx, streamKey(channel), consumerGroup, "$").Err()
		if err != nil && !isBusyGroup(err) {
			client.Close()
			return nil, fmt.Errorf("queue: create group for %s: %w", channel, err)
		}
	}
	return r, nil
}

func streamKey(channel string) string { return streamKeyPrefix + channel }

func dedupeKey(channel, id string) string { return dedupeKeyPrefix + channel + ":" + id }

func isBusyGroup(err error) bool {
	// XGROUP CREATE on an existing group fails with BUSYGROUP.
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (r *Redis) Publish(ctx context.Context, channel, name string, payload []byte, opts PublishOptions) (MessageHandle, error) {
	if !validChannel(channel) {
		return MessageHandle{}, ErrUnknownChannel
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return MessageHandle{}, ErrClosed
	}
	r.mu.Unlock()

	id := opts.IdempotencyKey
	if id == "" {
		id = uuid.NewString()
	} else {
		// The dedupe key is held until the consumer completes the message,
		// which mirrors the in-process driver's pending/in-flight rejection.
		set, err := r.client.SetNX(ctx, dedupeKey(channel, id), "1", dedupeTTL).Result()
		if err != nil {
			return MessageHandle{}, fmt.Errorf("queue: dedupe check: %w", err)
		}
		if !set {
			return MessageHandle{}, ErrDuplicateMessageID
		}
	}

	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(channel),
		Values: map[string]any{
			"id":      id,
			"name":    name,
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		if opts.IdempotencyKey != "" {
			_ = r.client.Del(ctx, dedupeKey(channel, id)).Err()
		}
		return MessageHandle{}, fmt.Errorf("queue: xadd %s: %w", channel, err)
	}
	return MessageHandle{ID: id, Channel: channel}, nil
}

type redisConsumer struct {
	parent   *Redis
	channel  string
	opts     ConsumerOptions
	name     string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func (r *Redis) Consume(channel string, opts ConsumerOptions) (ConsumerHandle, error) {
	if !validChannel(channel) {
		return nil, ErrUnknownChannel
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, exists := r.consumers[channel]; exists {
		return nil, ErrConsumerExists
	}

	consumer := &redisConsumer{
		parent:  r,
		channel: channel,
		opts:    opts,
		name:    "consumer-" + uuid.NewString()[:8],
	}
	r.consumers[channel] = consumer

	ctx, cancel := context.WithCancel(context.Background())
	consumer.cancel = cancel
	consumer.wg.Add(1)
	go consumer.loop(ctx)
	return consumer, nil
}

// loop reads one entry at a time from the stream and hands it to a bounded
// worker pool. Reading with COUNT 1 from a single goroutine preserves FIFO
// dispatch order within the channel.
func (c *redisConsumer) loop(ctx context.Context) {
	defer c.wg.Done()

	slots := make(chan struct{}, c.opts.concurrency())
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := c.parent.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: c.name,
			Streams:  []string{streamKey(c.channel), ">"},
			Count:    1,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.parent.logger.Error("queue: read failed", "channel", c.channel, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				msg := decodeEntry(c.channel, entry)

				select {
				case <-ctx.Done():
					return
				case slots <- struct{}{}:
				}

				c.wg.Add(1)
				go func(entryID string, msg Message) {
					defer c.wg.Done()
					defer func() { <-slots }()
					c.handle(ctx, entryID, msg)
				}(entry.ID, msg)
			}
		}
	}
}

func decodeEntry(channel string, entry redis.XMessage) Message {
	msg := Message{Channel: channel, EnqueuedAt: time.Now().UTC()}
	if v, ok := entry.Values["id"].(string); ok {
		msg.ID = v
	}
	if v, ok := entry.Values["name"].(string); ok {
		msg.Name = v
	}
	if v, ok := entry.Values["payload"].(string); ok {
		msg.Payload = []byte(v)
	}
	return msg
}

func (c *redisConsumer) handle(ctx context.Context, entryID string, msg Message) {
	err := c.opts.Handler(ctx, msg)

	// Ack either way: the transport performs no automatic redelivery.
	// Failure handling belongs to OnFailed (the coordinator records the
	// job as failed there).
	ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ackErr := c.parent.client.XAck(ackCtx, streamKey(c.channel), consumerGroup, entryID).Err(); ackErr != nil {
		c.parent.logger.Error("queue: ack failed", "channel", c.channel, "entry", entryID, "error", ackErr)
	}
	if delErr := c.parent.client.Del(ackCtx, dedupeKey(c.channel, msg.ID)).Err(); delErr != nil {
		c.parent.logger.Warn("queue: dedupe release failed", "channel", c.channel, "id", msg.ID, "error", delErr)
	}

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

func (c *redisConsumer) Stop() {
	c.cancel()
	c.wg.Wait()

	c.parent.mu.Lock()
	if c.parent.consumers[c.channel] == c {
		delete(c.parent.consumers, c.channel)
	}
	c.parent.mu.Unlock()
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	consumers := make([]*redisConsumer, 0, len(r.consumers))
	for _, c := range r.consumers {
		consumers = append(consumers, c)
	}
	r.mu.Unlock()

	for _, c := range consumers {
		c.Stop()
	}
	return r.client.Close()
}
