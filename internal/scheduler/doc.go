// Package scheduler owns every chat's schedule list and turns the clock into
// notifications.
//
// # Model
//
// Each configured chat has an ordered list of schedules and a notified set.
// A schedule's occurrence is the next point in time it refers to: the
// absolute time for OneTime, today's (or tomorrow's) clock for Daily, and the
// next matching weekday for Weekday. A sweep emits a Notify envelope when an
// occurrence is inside the lead window (default 30m) and records that
// occurrence in the notified set. Once the recorded occurrence has passed the
// entry is cleared; a OneTime schedule is dropped from the list instead and
// the list is persisted.
//
// # Concurrency
//
// The Service is an actor. Bus messages and sweep ticks arrive on one inbox
// channel and are handled by a single goroutine, which is the only code that
// reads or writes chat state. Feedback goes back out through the bus, whose
// Send must not block.
package scheduler
