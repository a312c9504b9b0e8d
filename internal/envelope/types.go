// Package envelope defines the schedule model and the two JSON envelopes
// exchanged over the bus: command envelopes (requests) and feedback envelopes
// (results and notifications).
package envelope

import (
	"fmt"
	"time"
)

// Action is the envelope verb. Values are wire ordinals.
type Action int

const (
	ActionNotify Action = 0
	ActionSetup  Action = 1
	ActionModify Action = 2
	ActionSkip   Action = 3
	ActionCancel Action = 4
	ActionList   Action = 5
)

func (a Action) Valid() bool { return a >= ActionNotify && a <= ActionList }

func (a Action) String() string {
	switch a {
	case ActionNotify:
		return "notify"
	case ActionSetup:
		return "setup"
	case ActionModify:
		return "modify"
	case ActionSkip:
		return "skip"
	case ActionCancel:
		return "cancel"
	case ActionList:
		return "list"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ScheduleType selects how Schedule.Time is interpreted.
type ScheduleType int

const (
	// Weekday repeats every week on Time's weekday at Time's clock.
	Weekday ScheduleType = 1
	// OneTime fires once at the absolute Time.
	OneTime ScheduleType = 2
	// Daily repeats every day at Time's clock.
	Daily ScheduleType = 3
)

func (t ScheduleType) Valid() bool { return t >= Weekday && t <= Daily }

func (t ScheduleType) String() string {
	switch t {
	case Weekday:
		return "weekday"
	case OneTime:
		return "once"
	case Daily:
		return "daily"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseScheduleType accepts the names produced by String.
func ParseScheduleType(s string) (ScheduleType, error) {
	switch s {
	case "weekday", "weekly":
		return Weekday, nil
	case "once", "onetime":
		return OneTime, nil
	case "daily":
		return Daily, nil
	}
	return 0, fmt.Errorf("unknown schedule type %q", s)
}

// Schedule is one event definition. Time has minute resolution.
type Schedule struct {
	LunchID string
	OwnerID string
	Title   string
	Time    time.Time
	Type    ScheduleType
}

// ActionContext is a command envelope. Schedule is nil for List.
type ActionContext struct {
	Action   Action
	ChatID   int64
	Schedule *Schedule
}

// FeedbackContext is a command result or a Notify.
type FeedbackContext struct {
	Action    Action
	ChatID    int64
	Schedules []Schedule
	Success   bool
}
