package bus

import (
	"context"
	"sync"

	logx "lunchbot/pkg/logx"
)

const defaultWarnDepth = 1000

type QueueOption func(*Queue)

// WithWarnDepth sets the backlog length that triggers a warning.
func WithWarnDepth(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.warnDepth = n
		}
	}
}

// Queue puts an unbounded FIFO in front of a Fanout. Send never blocks; Run
// drains the FIFO one message at a time on a single goroutine.
type Queue struct {
	fan *Fanout
	log logx.Logger

	mu        sync.Mutex
	items     [][]byte
	closed    bool
	warnDepth int
	warned    bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

var _ Bus = (*Queue)(nil)

func NewQueue(log logx.Logger, opts ...QueueOption) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		fan:       NewFanout(log),
		log:       log,
		warnDepth: defaultWarnDepth,
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) AddConsumer(name string, c Consumer) { q.fan.AddConsumer(name, c) }

// Send enqueues a copy of msg and returns immediately.
func (q *Queue) Send(_ context.Context, msg []byte) error {
	cp := append([]byte(nil), msg...)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, cp)
	depth := len(q.items)
	warn := !q.warned && depth >= q.warnDepth
	if warn {
		q.warned = true
	}
	q.mu.Unlock()

	if warn {
		q.log.Warn("bus backlog is growing", logx.Int("depth", depth))
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len reports the number of undelivered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if q.warned && len(q.items) < q.warnDepth/2 {
		q.warned = false
	}
	return msg, true
}

// Run dispatches queued messages until Stop is called or ctx is done. Stop is
// observed between messages; a dispatch in progress runs to completion.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-q.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
			case <-q.stopCh:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		_ = q.fan.Send(ctx, msg)
	}
}

// Stop rejects further sends and ends Run after the current dispatch.
// Messages still queued are dropped.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		dropped := len(q.items)
		q.mu.Unlock()
		close(q.stopCh)
		if dropped > 0 {
			q.log.Info("bus stopped with pending messages", logx.Int("dropped", dropped))
		}
	})
}
