package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimeLayout is the wire form of every timestamp: YYYYMMDDHHMM.
const TimeLayout = "200601021504"

// ErrMalformed marks a message that looks like an envelope but cannot be
// decoded: bad JSON, unknown ordinal, missing chat id or a bad timestamp.
var ErrMalformed = errors.New("malformed envelope")

// Codec converts envelopes to and from JSON. Timestamps carry no zone on the
// wire; they are read and written in Location.
type Codec struct {
	Location *time.Location
}

func NewCodec(loc *time.Location) Codec {
	if loc == nil {
		loc = time.Local
	}
	return Codec{Location: loc}
}

func (c Codec) loc() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

func (c Codec) FormatTime(t time.Time) string { return t.In(c.loc()).Format(TimeLayout) }

func (c Codec) ParseTime(s string) (time.Time, error) {
	if len(s) != len(TimeLayout) {
		return time.Time{}, fmt.Errorf("%w: timestamp %q is not YYYYMMDDHHMM", ErrMalformed, s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return time.Time{}, fmt.Errorf("%w: timestamp %q is not YYYYMMDDHHMM", ErrMalformed, s)
		}
	}
	t, err := time.ParseInLocation(TimeLayout, s, c.loc())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrMalformed, s, err)
	}
	return t, nil
}

type wireSchedule struct {
	LunchID string `json:"lunch_id"`
	OwnerID string `json:"owner_id"`
	Title   string `json:"title"`
	Time    string `json:"time"`
	Type    int    `json:"type"`
}

type wireCommand struct {
	Action   int           `json:"action"`
	ChatID   int64         `json:"chat_id"`
	Schedule *wireSchedule `json:"schedule,omitempty"`
}

type wireFeedback struct {
	Action    int            `json:"action"`
	ChatID    int64          `json:"chat_id"`
	Schedules []wireSchedule `json:"schedules"`
	Success   bool           `json:"success"`
}

func (c Codec) toWire(s Schedule) wireSchedule {
	return wireSchedule{
		LunchID: s.LunchID,
		OwnerID: s.OwnerID,
		Title:   s.Title,
		Time:    c.FormatTime(s.Time),
		Type:    int(s.Type),
	}
}

// EncodeCommand renders a command envelope. The schedule is omitted for List.
func (c Codec) EncodeCommand(ac ActionContext) ([]byte, error) {
	if !ac.Action.Valid() {
		return nil, fmt.Errorf("encode command: invalid action %d", int(ac.Action))
	}
	w := wireCommand{Action: int(ac.Action), ChatID: ac.ChatID}
	if ac.Action != ActionList {
		if ac.Schedule == nil {
			return nil, fmt.Errorf("encode command: %s requires a schedule", ac.Action)
		}
		ws := c.toWire(*ac.Schedule)
		w.Schedule = &ws
	}
	return json.Marshal(w)
}

// EncodeFeedback renders a feedback envelope; a nil list is written as [].
func (c Codec) EncodeFeedback(fb FeedbackContext) ([]byte, error) {
	if !fb.Action.Valid() {
		return nil, fmt.Errorf("encode feedback: invalid action %d", int(fb.Action))
	}
	w := wireFeedback{
		Action:    int(fb.Action),
		ChatID:    fb.ChatID,
		Schedules: make([]wireSchedule, 0, len(fb.Schedules)),
		Success:   fb.Success,
	}
	for _, s := range fb.Schedules {
		w.Schedules = append(w.Schedules, c.toWire(s))
	}
	return json.Marshal(w)
}

// ParseCommand decodes a command envelope.
//
// ok is false with a nil error when raw is not a schedule command: "action" is
// absent, "schedule" is absent for a non-List action, or raw is a feedback
// envelope (it carries "success"). Callers ignore such messages.
func (c Codec) ParseCommand(raw []byte) (ac ActionContext, ok bool, err error) {
	top, err := decodeObject(raw)
	if err != nil {
		return ActionContext{}, false, err
	}
	rawAction, hasAction := top["action"]
	if !hasAction {
		return ActionContext{}, false, nil
	}
	if _, isFeedback := top["success"]; isFeedback {
		return ActionContext{}, false, nil
	}
	action, err := decodeAction(rawAction)
	if err != nil {
		return ActionContext{}, false, err
	}
	rawSchedule, hasSchedule := top["schedule"]
	if action != ActionList && !hasSchedule {
		return ActionContext{}, false, nil
	}
	chatID, err := decodeChatID(top)
	if err != nil {
		return ActionContext{}, false, err
	}

	ac = ActionContext{Action: action, ChatID: chatID}
	if action == ActionList {
		return ac, true, nil
	}

	req := fieldRequirements(action)
	s, err := c.decodeSchedule(rawSchedule, req)
	if err != nil {
		return ActionContext{}, false, err
	}
	ac.Schedule = &s
	return ac, true, nil
}

// ParseFeedback decodes a feedback envelope. ok is false with a nil error when
// any of "action", "schedules" or "success" is absent.
func (c Codec) ParseFeedback(raw []byte) (fb FeedbackContext, ok bool, err error) {
	top, err := decodeObject(raw)
	if err != nil {
		return FeedbackContext{}, false, err
	}
	rawAction, hasAction := top["action"]
	rawSchedules, hasSchedules := top["schedules"]
	rawSuccess, hasSuccess := top["success"]
	if !hasAction || !hasSchedules || !hasSuccess {
		return FeedbackContext{}, false, nil
	}

	action, err := decodeAction(rawAction)
	if err != nil {
		return FeedbackContext{}, false, err
	}
	chatID, err := decodeChatID(top)
	if err != nil {
		return FeedbackContext{}, false, err
	}
	var success bool
	if err := json.Unmarshal(rawSuccess, &success); err != nil {
		return FeedbackContext{}, false, fmt.Errorf("%w: success: %v", ErrMalformed, err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(rawSchedules, &items); err != nil {
		return FeedbackContext{}, false, fmt.Errorf("%w: schedules: %v", ErrMalformed, err)
	}

	fb = FeedbackContext{Action: action, ChatID: chatID, Success: success, Schedules: make([]Schedule, 0, len(items))}
	for i, item := range items {
		s, err := c.decodeSchedule(item, requirements{time: true, kind: true})
		if err != nil {
			return FeedbackContext{}, false, fmt.Errorf("schedules[%d]: %w", i, err)
		}
		fb.Schedules = append(fb.Schedules, s)
	}
	return fb, true, nil
}

type requirements struct {
	id   bool
	time bool
	kind bool
}

// fieldRequirements lists the schedule fields a command cannot do without.
// Fields that are present are always validated.
func fieldRequirements(a Action) requirements {
	switch a {
	case ActionSetup:
		return requirements{time: true, kind: true}
	case ActionModify:
		return requirements{id: true, time: true, kind: true}
	case ActionSkip, ActionCancel:
		return requirements{id: true}
	case ActionNotify, ActionList:
		return requirements{}
	}
	return requirements{}
}

func (c Codec) decodeSchedule(raw json.RawMessage, req requirements) (Schedule, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return Schedule{}, fmt.Errorf("schedule: %w", err)
	}
	var s Schedule
	if s.LunchID, err = decodeText(obj, "lunch_id", req.id); err != nil {
		return Schedule{}, err
	}
	if s.OwnerID, err = decodeText(obj, "owner_id", false); err != nil {
		return Schedule{}, err
	}
	if s.Title, err = decodeText(obj, "title", false); err != nil {
		return Schedule{}, err
	}

	if rawTime, ok := obj["time"]; ok {
		var ts string
		if err := json.Unmarshal(rawTime, &ts); err != nil {
			return Schedule{}, fmt.Errorf("%w: time: %v", ErrMalformed, err)
		}
		if s.Time, err = c.ParseTime(ts); err != nil {
			return Schedule{}, err
		}
	} else if req.time {
		return Schedule{}, fmt.Errorf("%w: schedule.time is required", ErrMalformed)
	}

	if rawType, ok := obj["type"]; ok {
		n, err := decodeInt(rawType)
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: type: %v", ErrMalformed, err)
		}
		s.Type = ScheduleType(n)
		if !s.Type.Valid() {
			return Schedule{}, fmt.Errorf("%w: unknown schedule type %d", ErrMalformed, n)
		}
	} else if req.kind {
		return Schedule{}, fmt.Errorf("%w: schedule.type is required", ErrMalformed)
	}
	return s, nil
}

func decodeObject(raw []byte) (map[string]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return obj, nil
}

func decodeAction(raw json.RawMessage) (Action, error) {
	n, err := decodeInt(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: action: %v", ErrMalformed, err)
	}
	a := Action(n)
	if !a.Valid() {
		return 0, fmt.Errorf("%w: unknown action %d", ErrMalformed, n)
	}
	return a, nil
}

func decodeChatID(obj map[string]json.RawMessage) (int64, error) {
	raw, ok := obj["chat_id"]
	if !ok {
		return 0, fmt.Errorf("%w: chat_id is required", ErrMalformed)
	}
	n, err := decodeInt(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: chat_id: %v", ErrMalformed, err)
	}
	return n, nil
}

// decodeInt accepts a JSON number or a numeric string.
func decodeInt(raw json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n.Int64()
}

// decodeText accepts a JSON string or number (ids are often numeric upstream).
func decodeText(obj map[string]json.RawMessage, key string, required bool) (string, error) {
	raw, ok := obj[key]
	if !ok || string(raw) == "null" {
		if required {
			return "", fmt.Errorf("%w: schedule.%s is required", ErrMalformed, key)
		}
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if required && s == "" {
			return "", fmt.Errorf("%w: schedule.%s is empty", ErrMalformed, key)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: schedule.%s: %v", ErrMalformed, key, err)
	}
	return n.String(), nil
}
