package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lunchbot/internal/bus"
	"lunchbot/internal/envelope"
	"lunchbot/internal/storage"
	logx "lunchbot/pkg/logx"
)

var testLoc = time.FixedZone("test", 8*60*60)

// recBus records every message sent by the scheduler.
type recBus struct {
	mu   sync.Mutex
	sent [][]byte
}

func (b *recBus) AddConsumer(string, bus.Consumer) {}

func (b *recBus) Send(_ context.Context, msg []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, append([]byte(nil), msg...))
	return nil
}

func (b *recBus) drain(t *testing.T) []envelope.FeedbackContext {
	t.Helper()
	b.mu.Lock()
	sent := b.sent
	b.sent = nil
	b.mu.Unlock()
	out := make([]envelope.FeedbackContext, 0, len(sent))
	for _, raw := range sent {
		fb, ok, err := envelope.NewCodec(testLoc).ParseFeedback(raw)
		if err != nil || !ok {
			t.Fatalf("scheduler sent a non-feedback message %s: %v", raw, err)
		}
		out = append(out, fb)
	}
	return out
}

// flakyStore wraps the memory store with switchable save failures.
type flakyStore struct {
	*storage.Memory
	mu    sync.Mutex
	fail  bool
	saves int
}

func (f *flakyStore) SaveSchedules(ctx context.Context, chatID int64, list []envelope.Schedule) error {
	f.mu.Lock()
	fail := f.fail
	if !fail {
		f.saves++
	}
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Memory.SaveSchedules(ctx, chatID, list)
}

func (f *flakyStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

type fixture struct {
	t     *testing.T
	s     *Service
	bus   *recBus
	store *flakyStore
	now   time.Time
	codec envelope.Codec
}

func newFixture(t *testing.T, now time.Time, ids ...string) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		bus:   &recBus{},
		store: &flakyStore{Memory: storage.NewMemory()},
		now:   now,
		codec: envelope.NewCodec(testLoc),
	}
	seq := 0
	nextID := func() string {
		if seq < len(ids) {
			seq++
			return ids[seq-1]
		}
		seq++
		return fmt.Sprintf("gen-%d", seq)
	}
	f.s = New(Config{Chats: []int64{42}, Location: testLoc}, f.bus, f.store, logx.Nop(),
		WithClock(func() time.Time { return f.now }),
		WithIDGenerator(nextID),
	)
	f.s.loadChats(context.Background())
	return f
}

func (f *fixture) command(ac envelope.ActionContext) envelope.FeedbackContext {
	f.t.Helper()
	raw, err := f.codec.EncodeCommand(ac)
	if err != nil {
		f.t.Fatalf("EncodeCommand: %v", err)
	}
	f.s.handle(context.Background(), raw)
	fbs := f.bus.drain(f.t)
	if len(fbs) != 1 {
		f.t.Fatalf("expected one feedback, got %d", len(fbs))
	}
	return fbs[0]
}

func (f *fixture) setup(title string, typ envelope.ScheduleType, at time.Time) envelope.FeedbackContext {
	return f.command(envelope.ActionContext{
		Action:   envelope.ActionSetup,
		ChatID:   42,
		Schedule: &envelope.Schedule{OwnerID: "u1", Title: title, Time: at, Type: typ},
	})
}

func (f *fixture) byID(action envelope.Action, id string) envelope.FeedbackContext {
	return f.command(envelope.ActionContext{Action: action, ChatID: 42, Schedule: &envelope.Schedule{LunchID: id}})
}

func (f *fixture) sweepAt(now time.Time) []envelope.FeedbackContext {
	f.t.Helper()
	f.now = now
	f.s.sweep(context.Background())
	return f.bus.drain(f.t)
}

func at(day, hour, min, sec int) time.Time {
	return time.Date(2024, 3, day, hour, min, sec, 0, testLoc)
}

func TestSetupMintsUniqueIDsInOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 0, 0), "L1", "L1", "", "L2")

	fb1 := f.setup("Soup", envelope.Daily, at(1, 12, 0, 0))
	fb2 := f.setup("Salad", envelope.Weekday, at(1, 12, 30, 0))
	if !fb1.Success || !fb2.Success {
		t.Fatalf("setup failed: %+v %+v", fb1, fb2)
	}
	if fb1.Schedules[0].LunchID != "L1" || fb2.Schedules[0].LunchID != "L2" {
		t.Fatalf("ids = %s, %s", fb1.Schedules[0].LunchID, fb2.Schedules[0].LunchID)
	}

	list := f.command(envelope.ActionContext{Action: envelope.ActionList, ChatID: 42})
	if !list.Success || len(list.Schedules) != 2 {
		t.Fatalf("list = %+v", list)
	}
	if list.Schedules[0].Title != "Soup" || list.Schedules[1].Title != "Salad" {
		t.Fatalf("insertion order lost: %+v", list.Schedules)
	}
	if list.Schedules[0].OwnerID != "u1" {
		t.Fatalf("owner lost: %+v", list.Schedules[0])
	}
}

func TestSetupIgnoresCallerID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 0, 0), "minted")
	fb := f.command(envelope.ActionContext{
		Action:   envelope.ActionSetup,
		ChatID:   42,
		Schedule: &envelope.Schedule{LunchID: "mine", Title: "x", Time: at(1, 12, 0, 0), Type: envelope.Daily},
	})
	if fb.Schedules[0].LunchID != "minted" {
		t.Fatalf("caller-supplied id was kept: %+v", fb.Schedules[0])
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 0, 0), "L1")
	f.setup("Lunch", envelope.Daily, at(1, 12, 0, 0))

	first := f.sweepAt(at(1, 11, 40, 0))
	second := f.sweepAt(at(1, 11, 40, 0))
	if len(first) != 1 || first[0].Action != envelope.ActionNotify {
		t.Fatalf("first sweep = %+v", first)
	}
	if len(second) != 0 {
		t.Fatalf("second sweep emitted %d notifications", len(second))
	}
}

func TestOneTimeLeadWindowBoundary(t *testing.T) {
	t.Parallel()
	event := at(1, 12, 0, 0)
	f := newFixture(t, at(1, 9, 0, 0), "L1")
	f.setup("Offsite", envelope.OneTime, event)
	savesAfterSetup := f.store.saveCount()

	if got := f.sweepAt(event.Add(-(30*time.Minute + time.Second))); len(got) != 0 {
		t.Fatalf("fired at 30m01s before: %+v", got)
	}
	got := f.sweepAt(event.Add(-(29*time.Minute + 59*time.Second)))
	if len(got) != 1 || got[0].Schedules[0].LunchID != "L1" || !got[0].Success {
		t.Fatalf("expected one notify at 29m59s before, got %+v", got)
	}
	if got := f.sweepAt(event.Add(-time.Minute)); len(got) != 0 {
		t.Fatalf("fired twice: %+v", got)
	}
	if f.store.saveCount() != savesAfterSetup {
		t.Fatalf("sweep persisted without a removal")
	}

	if got := f.sweepAt(event.Add(time.Second)); len(got) != 0 {
		t.Fatalf("unexpected emission after passing: %+v", got)
	}
	if f.store.saveCount() != savesAfterSetup+1 {
		t.Fatalf("removal not persisted")
	}
	saved, err := f.store.LoadSchedules(context.Background(), 42)
	if err != nil || len(saved) != 0 {
		t.Fatalf("persisted list = %+v, %v", saved, err)
	}
	if list := f.command(envelope.ActionContext{Action: envelope.ActionList, ChatID: 42}); len(list.Schedules) != 0 {
		t.Fatalf("one-time schedule still listed: %+v", list.Schedules)
	}
}

func TestDailyScenarioChat42(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 0, 0), "L1")

	fb := f.setup("Lunch", envelope.Daily, at(1, 12, 0, 0))
	if !fb.Success || len(fb.Schedules) != 1 || fb.Schedules[0].LunchID != "L1" {
		t.Fatalf("setup = %+v", fb)
	}

	got := f.sweepAt(at(1, 11, 35, 0))
	if len(got) != 1 || got[0].Action != envelope.ActionNotify || got[0].Schedules[0].LunchID != "L1" {
		t.Fatalf("11:35 sweep = %+v", got)
	}
	if _, ok := f.s.chats[42].notified["L1"]; !ok {
		t.Fatalf("L1 not in notified set after firing")
	}

	if got := f.sweepAt(at(1, 12, 1, 0)); len(got) != 0 {
		t.Fatalf("12:01 sweep emitted %+v", got)
	}
	if _, ok := f.s.chats[42].notified["L1"]; ok {
		t.Fatalf("L1 still in notified set after 12:01")
	}

	got = f.sweepAt(at(2, 11, 35, 0))
	if len(got) != 1 || got[0].Schedules[0].LunchID != "L1" {
		t.Fatalf("next-day sweep = %+v", got)
	}
}

func TestDailyNotifiedAcrossMidnight(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 20, 0, 0), "late")
	f.setup("Midnight snack", envelope.Daily, at(1, 0, 10, 0))

	if got := f.sweepAt(at(1, 23, 50, 0)); len(got) != 1 {
		t.Fatalf("expected notify before midnight, got %+v", got)
	}
	if got := f.sweepAt(at(2, 0, 5, 0)); len(got) != 0 {
		t.Fatalf("fired again after midnight: %+v", got)
	}
	if got := f.sweepAt(at(2, 0, 11, 0)); len(got) != 0 {
		t.Fatalf("unexpected emission: %+v", got)
	}
	if _, ok := f.s.chats[42].notified["late"]; ok {
		t.Fatalf("entry not cleared after occurrence passed")
	}
}

func TestCancelScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 0, 0), "L1")
	f.setup("Lunch", envelope.Daily, at(1, 12, 0, 0))

	fb := f.byID(envelope.ActionCancel, "L1")
	if !fb.Success || len(fb.Schedules) != 1 || fb.Schedules[0].LunchID != "L1" {
		t.Fatalf("cancel = %+v", fb)
	}
	saved, err := f.store.LoadSchedules(context.Background(), 42)
	if err != nil || len(saved) != 0 {
		t.Fatalf("cancel not persisted: %+v %v", saved, err)
	}

	list := f.command(envelope.ActionContext{Action: envelope.ActionList, ChatID: 42})
	if !list.Success || len(list.Schedules) != 0 {
		t.Fatalf("list after cancel = %+v", list)
	}

	saves := f.store.saveCount()
	again := f.byID(envelope.ActionCancel, "L1")
	if again.Success || len(again.Schedules) != 0 {
		t.Fatalf("second cancel = %+v", again)
	}
	if f.store.saveCount() != saves {
		t.Fatalf("second cancel wrote the store")
	}
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 0, 0), "L1", "L2")
	f.setup("Keep", envelope.Daily, at(1, 12, 0, 0))

	f.store.setFail(true)
	if fb := f.setup("Lost", envelope.Daily, at(1, 13, 0, 0)); fb.Success || len(fb.Schedules) != 0 {
		t.Fatalf("setup with failing store = %+v", fb)
	}
	mod := f.command(envelope.ActionContext{
		Action:   envelope.ActionModify,
		ChatID:   42,
		Schedule: &envelope.Schedule{LunchID: "L1", Title: "Changed", Time: at(1, 14, 0, 0), Type: envelope.Daily},
	})
	if mod.Success {
		t.Fatalf("modify with failing store succeeded")
	}
	if fb := f.byID(envelope.ActionCancel, "L1"); fb.Success {
		t.Fatalf("cancel with failing store succeeded")
	}
	f.store.setFail(false)

	list := f.command(envelope.ActionContext{Action: envelope.ActionList, ChatID: 42})
	if len(list.Schedules) != 1 || list.Schedules[0].Title != "Keep" || list.Schedules[0].Time.Hour() != 12 {
		t.Fatalf("state not rolled back: %+v", list.Schedules)
	}
}

func TestModifySwapsRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 0, 0), "L1")
	f.setup("Lunch", envelope.Daily, at(1, 12, 0, 0))
	f.sweepAt(at(1, 11, 45, 0))

	fb := f.command(envelope.ActionContext{
		Action:   envelope.ActionModify,
		ChatID:   42,
		Schedule: &envelope.Schedule{LunchID: "L1", OwnerID: "intruder", Time: at(1, 12, 10, 0), Type: envelope.OneTime},
	})
	if !fb.Success {
		t.Fatalf("modify = %+v", fb)
	}
	got := fb.Schedules[0]
	if got.LunchID != "L1" || got.OwnerID != "u1" || got.Title != "Lunch" || got.Type != envelope.OneTime {
		t.Fatalf("replacement = %+v", got)
	}
	// The modified schedule is re-armed.
	if n := f.sweepAt(at(1, 11, 46, 0)); len(n) != 1 {
		t.Fatalf("modified schedule not notified: %+v", n)
	}

	missing := f.command(envelope.ActionContext{
		Action:   envelope.ActionModify,
		ChatID:   42,
		Schedule: &envelope.Schedule{LunchID: "nope", Time: at(1, 12, 0, 0), Type: envelope.Daily},
	})
	if missing.Success || len(missing.Schedules) != 0 {
		t.Fatalf("modify unknown = %+v", missing)
	}
}

func TestSkipSuppressesNextOccurrenceOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 0, 0), "L1")
	f.setup("Lunch", envelope.Daily, at(1, 12, 0, 0))

	if fb := f.byID(envelope.ActionSkip, "L1"); !fb.Success {
		t.Fatalf("skip = %+v", fb)
	}
	if got := f.sweepAt(at(1, 11, 35, 0)); len(got) != 0 {
		t.Fatalf("skipped occurrence notified: %+v", got)
	}
	f.sweepAt(at(1, 12, 1, 0))
	if got := f.sweepAt(at(2, 11, 35, 0)); len(got) != 1 {
		t.Fatalf("following occurrence not notified: %+v", got)
	}
}

func TestUnknownChatFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 0, 0))
	fb := f.command(envelope.ActionContext{Action: envelope.ActionList, ChatID: 7})
	if fb.Success || fb.ChatID != 7 || len(fb.Schedules) != 0 {
		t.Fatalf("unknown chat = %+v", fb)
	}
}

func TestNonCommandsProduceNoFeedback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 0, 0))
	ctx := context.Background()
	for _, raw := range []string{
		`garbage`,
		`{"action":1,"chat_id":42,"schedule":{"time":"tomorrow","type":3}}`,
		`{"action":0,"chat_id":42,"schedule":{"lunch_id":"x"}}`,
		`{"action":5,"chat_id":42,"schedules":[],"success":true}`,
		`{"text":"hello"}`,
	} {
		f.s.handle(ctx, []byte(raw))
	}
	if got := f.bus.drain(t); len(got) != 0 {
		t.Fatalf("unexpected feedback: %+v", got)
	}
}

func TestCommandsAreAudited(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 0, 0), "L1")
	f.setup("Lunch", envelope.Daily, at(1, 12, 0, 0))
	f.byID(envelope.ActionCancel, "missing")

	audit := f.store.Audit()
	if len(audit) != 2 {
		t.Fatalf("audit entries = %d", len(audit))
	}
	if audit[0].Action != "setup" || !audit[0].OK || audit[0].OwnerID != "u1" {
		t.Fatalf("setup audit = %+v", audit[0])
	}
	if audit[1].Action != "cancel" || audit[1].OK || audit[1].Error == "" {
		t.Fatalf("cancel audit = %+v", audit[1])
	}
}

func TestStartupLoadsPersistedChats(t *testing.T) {
	t.Parallel()
	st := &flakyStore{Memory: storage.NewMemory()}
	_ = st.Memory.SaveSchedules(context.Background(), 42, []envelope.Schedule{
		{LunchID: "old", Title: "Saved", Time: at(1, 12, 0, 0), Type: envelope.Daily},
	})
	s := New(Config{Chats: []int64{42, 43}, Location: testLoc}, &recBus{}, st, logx.Nop())
	s.loadChats(context.Background())

	if got := s.chats[42].list; len(got) != 1 || got[0].LunchID != "old" {
		t.Fatalf("chat 42 = %+v", got)
	}
	if got, ok := s.chats[43]; !ok || len(got.list) != 0 {
		t.Fatalf("chat 43 should start empty: %+v", got)
	}
}

func TestSweepRetriesFailedPersist(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 0, 0), "L1")
	f.setup("Once", envelope.OneTime, at(1, 12, 0, 0))
	f.sweepAt(at(1, 11, 45, 0))

	f.store.setFail(true)
	f.sweepAt(at(1, 12, 1, 0))
	if len(f.s.chats[42].list) != 0 || !f.s.chats[42].dirty {
		t.Fatalf("removal should be kept in memory and marked dirty")
	}

	f.store.setFail(false)
	f.sweepAt(at(1, 12, 2, 0))
	if f.s.chats[42].dirty {
		t.Fatalf("dirty flag not cleared after successful retry")
	}
	saved, _ := f.store.LoadSchedules(context.Background(), 42)
	if len(saved) != 0 {
		t.Fatalf("persisted list = %+v", saved)
	}
}

func TestServiceOverQueue(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := bus.NewQueue(logx.Nop())
	go func() { _ = q.Run(ctx) }()
	defer q.Stop()

	codec := envelope.NewCodec(testLoc)
	feedback := make(chan envelope.FeedbackContext, 4)
	q.AddConsumer("test", func(_ context.Context, msg []byte) error {
		if fb, ok, err := codec.ParseFeedback(msg); err == nil && ok {
			feedback <- fb
		}
		return nil
	})

	s := New(Config{Chats: []int64{42}, Location: testLoc, SweepSpec: "@every 1h"}, q, storage.NewMemory(), logx.Nop())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	raw, _ := codec.EncodeCommand(envelope.ActionContext{
		Action:   envelope.ActionSetup,
		ChatID:   42,
		Schedule: &envelope.Schedule{Title: "Queued", Time: at(1, 12, 0, 0), Type: envelope.Daily},
	})
	if err := q.Send(ctx, raw); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case fb := <-feedback:
		if fb.Action != envelope.ActionSetup || !fb.Success || fb.Schedules[0].LunchID == "" {
			t.Fatalf("feedback = %+v", fb)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no feedback")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNextOccurrence(t *testing.T) {
	t.Parallel()
	// 2024-03-01 is a Friday.
	now := at(1, 13, 0, 0)
	cases := []struct {
		name string
		sch  envelope.Schedule
		want time.Time
	}{
		{"daily later today", envelope.Schedule{Type: envelope.Daily, Time: at(20, 14, 0, 0)}, at(1, 14, 0, 0)},
		{"daily passed", envelope.Schedule{Type: envelope.Daily, Time: at(20, 12, 0, 0)}, at(2, 12, 0, 0)},
		{"daily now", envelope.Schedule{Type: envelope.Daily, Time: at(20, 13, 0, 0)}, at(1, 13, 0, 0)},
		{"weekday monday", envelope.Schedule{Type: envelope.Weekday, Time: at(4, 12, 0, 0)}, at(4, 12, 0, 0)},
		{"weekday friday later", envelope.Schedule{Type: envelope.Weekday, Time: at(8, 14, 0, 0)}, at(1, 14, 0, 0)},
		{"weekday friday passed", envelope.Schedule{Type: envelope.Weekday, Time: at(8, 12, 0, 0)}, at(8, 12, 0, 0)},
		{"one time past", envelope.Schedule{Type: envelope.OneTime, Time: at(1, 9, 0, 0)}, at(1, 9, 0, 0)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := nextOccurrence(tc.sch, now, testLoc); !got.Equal(tc.want) {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

type recObserver struct {
	commands []string
	notifies int
	sweeps   int
}

func (o *recObserver) CommandHandled(action string, ok bool, _ time.Duration) {
	o.commands = append(o.commands, fmt.Sprintf("%s:%v", action, ok))
}
func (o *recObserver) NotifyEmitted(int64)          { o.notifies++ }
func (o *recObserver) SweepDone(time.Duration, int) { o.sweeps++ }

func TestObserverSeesActivity(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 0, 0), "L1")
	obs := &recObserver{}
	WithObserver(obs)(f.s)

	f.setup("Lunch", envelope.Daily, at(1, 12, 0, 0))
	f.byID(envelope.ActionCancel, "missing")
	f.sweepAt(at(1, 11, 45, 0))
	f.sweepAt(at(1, 11, 46, 0))

	want := []string{"setup:true", "cancel:false"}
	if fmt.Sprint(obs.commands) != fmt.Sprint(want) {
		t.Fatalf("commands = %v, want %v", obs.commands, want)
	}
	if obs.notifies != 1 || obs.sweeps != 2 {
		t.Fatalf("notifies=%d sweeps=%d", obs.notifies, obs.sweeps)
	}
}
