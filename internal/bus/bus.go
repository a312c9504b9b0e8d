// Package bus is the in-process message bus between the chat front-end and
// the scheduler. Messages are opaque byte payloads (JSON envelopes); every
// consumer sees every message and decides for itself whether it applies.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logx "lunchbot/pkg/logx"
)

// Consumer handles one message. A returned error is logged and does not stop
// delivery to the other consumers.
type Consumer func(ctx context.Context, msg []byte) error

type Bus interface {
	AddConsumer(name string, c Consumer)
	Send(ctx context.Context, msg []byte) error
}

var ErrClosed = errors.New("bus closed")

type namedConsumer struct {
	name string
	fn   Consumer
}

// Fanout delivers each message to every consumer sequentially, in
// registration order, waiting for each before moving to the next.
// Consumers cannot be removed.
type Fanout struct {
	log logx.Logger

	mu        sync.RWMutex
	consumers []namedConsumer
}

var _ Bus = (*Fanout)(nil)

func NewFanout(log logx.Logger) *Fanout {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fanout{log: log}
}

// AddConsumer registers c for every message sent after this call returns.
func (f *Fanout) AddConsumer(name string, c Consumer) {
	if c == nil {
		return
	}
	f.mu.Lock()
	f.consumers = append(f.consumers, namedConsumer{name: name, fn: c})
	f.mu.Unlock()
}

func (f *Fanout) snapshot() []namedConsumer {
	f.mu.RLock()
	defer f.mu.RUnlock()
	// The slice is append-only, so a capped view is stable.
	return f.consumers[:len(f.consumers):len(f.consumers)]
}

// Send dispatches msg and returns once every consumer has run. It only
// fails when ctx is done before delivery completes.
func (f *Fanout) Send(ctx context.Context, msg []byte) error {
	for _, c := range f.snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.deliver(ctx, c, msg); err != nil {
			f.log.Warn("consumer failed", logx.String("consumer", c.name), logx.Err(err))
		}
	}
	return nil
}

func (f *Fanout) deliver(ctx context.Context, c namedConsumer, msg []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.fn(ctx, msg)
}
