// Package queue is the pluggable message transport between the intake side
// (chat adapters, approval engine) and the consumer side (job coordinator).
// Two drivers implement the same contract: an in-process driver for
// single-process deployments and tests, and a Redis Streams driver for
// multi-process deployments. Delivery is at-least-once; handlers are expected
// to be idempotent with respect to the message's idempotency key.
package queue

import (
	"context"
	"errors"
	"time"
)

// The four well-known channels. Both drivers serve exactly this set.
const (
	ChannelJobs         = "jobs"
	ChannelBootstrap    = "bootstrap"
	ChannelWorkerEvents = "worker-events"
	ChannelBotEvents    = "bot-events"
)

// Channels lists all valid channel names.
var Channels = []string{ChannelJobs, ChannelBootstrap, ChannelWorkerEvents, ChannelBotEvents}

var (
	// ErrDuplicateMessageID is returned by Publish when the idempotency key
	// is already pending or in-flight on the channel.
	ErrDuplicateMessageID = errors.New("queue: duplicate message id")
	// ErrUnknownChannel is returned for channel names outside the known set.
	ErrUnknownChannel = errors.New("queue: unknown channel")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue: transport closed")
	// ErrConsumerExists is returned when a channel already has an active consumer.
	ErrConsumerExists = errors.New("queue: channel already has a consumer")
)

// Message is the in-flight envelope. The transport owns only this envelope;
// durable job state lives in the registry.
type Message struct {
	ID         string
	Channel    string
	Name       string
	Payload    []byte
	EnqueuedAt time.Time
}

// MessageHandle identifies a published message.
type MessageHandle struct {
	ID      string
	Channel string
}

// PublishOptions carries per-publish settings.
type PublishOptions struct {
	// IdempotencyKey dedupes in-flight submissions; for job messages it is
	// the job id. Empty means no dedupe.
	IdempotencyKey string
}

// Handler processes one message. A message counts as completed only when the
// handler returns nil.
type Handler func(ctx context.Context, msg Message) error

// ConsumerOptions configures a channel consumer.
type ConsumerOptions struct {
	// Concurrency bounds the number of messages in-flight at once.
	// Values below 1 are treated as 1.
	Concurrency int
	Handler     Handler
	// OnFailed fires when the handler returns an error. The transport does
	// not retry; retry policy belongs to the caller.
	OnFailed func(msg Message, err error)
	// OnCompleted fires only on successful handler completion.
	OnCompleted func(msg Message)
}

func (o ConsumerOptions) concurrency() int {
	if o.Concurrency < 1 {
		return 1
	}
	return o.Concurrency
}

// ConsumerHandle controls an active consumer.
type ConsumerHandle interface {
	// Stop halts delivery and waits for in-flight handlers to finish.
	Stop()
}

// Transport publishes and delivers typed messages on named channels.
type Transport interface {
	Publish(ctx context.Context, channel, name string, payload []byte, opts PublishOptions) (MessageHandle, error)
	Consume(channel string, opts ConsumerOptions) (ConsumerHandle, error)
	Close() error
}

func validChannel(channel string) bool {
	for _, c := range Channels {
		if c == channel {
			return true
		}
	}
	return false
}
