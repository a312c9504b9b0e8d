// Package notifier delivers outbound chat messages asynchronously.
//
// Messages are queued on a bounded channel and sent by a small worker pool
// through a transport.Adapter, under a shared token-bucket rate limit.
// Failed sends are retried with jittered exponential backoff. Notify never
// blocks: a full queue is reported as ErrQueueFull.
package notifier
