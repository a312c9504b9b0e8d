package scheduler

import (
	"time"

	"lunchbot/internal/envelope"
)

const (
	DefaultLeadWindow = 30 * time.Minute
	DefaultSweepSpec  = "@every 30s"

	inboxSize = 256
)

type Config struct {
	// Chats are the chat ids served by this process. Commands for any other
	// chat are answered with a failure.
	Chats      []int64
	Location   *time.Location
	LeadWindow time.Duration
	// SweepSpec is a robfig/cron spec ("@every 30s", "*/1 * * * *").
	SweepSpec string
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.LeadWindow <= 0 {
		c.LeadWindow = DefaultLeadWindow
	}
	if c.SweepSpec == "" {
		c.SweepSpec = DefaultSweepSpec
	}
	return c
}

type chatState struct {
	list []envelope.Schedule
	// notified maps lunch_id to the occurrence it was notified (or skipped) for.
	notified map[string]time.Time
	// dirty is set when a sweep removal could not be persisted.
	dirty bool
}

func newChatState(list []envelope.Schedule) *chatState {
	return &chatState{list: list, notified: map[string]time.Time{}}
}

func (st *chatState) indexOf(id string) int {
	for i := range st.list {
		if st.list[i].LunchID == id {
			return i
		}
	}
	return -1
}

// event is one inbox item: a raw bus message or a sweep tick.
type event struct {
	msg  []byte
	tick bool
}

// Observer receives activity counters. Calls happen on the scheduler
// goroutine and must not block.
type Observer interface {
	CommandHandled(action string, ok bool, took time.Duration)
	NotifyEmitted(chatID int64)
	SweepDone(took time.Duration, chats int)
}

type nopObserver struct{}

func (nopObserver) CommandHandled(string, bool, time.Duration) {}
func (nopObserver) NotifyEmitted(int64)                        {}
func (nopObserver) SweepDone(time.Duration, int)               {}
