package frontend

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"lunchbot/internal/bus"
	"lunchbot/internal/enrollment"
	"lunchbot/internal/envelope"
	kit "lunchbot/internal/transport"
	logx "lunchbot/pkg/logx"
)

var testLoc = time.FixedZone("test", 8*60*60)

// 2024-03-01 is a Friday.
var testNow = time.Date(2024, 3, 1, 9, 0, 0, 0, testLoc)

type recBus struct {
	mu   sync.Mutex
	sent [][]byte
}

func (b *recBus) AddConsumer(string, bus.Consumer) {}
func (b *recBus) Send(_ context.Context, msg []byte) error {
	b.mu.Lock()
	b.sent = append(b.sent, msg)
	b.mu.Unlock()
	return nil
}

type recNotifier struct {
	mu  sync.Mutex
	out []kit.Notification
}

func (n *recNotifier) Notify(_ context.Context, x kit.Notification) error {
	n.mu.Lock()
	n.out = append(n.out, x)
	n.mu.Unlock()
	return nil
}

type recAnswers struct{ ids []string }

func (a *recAnswers) AnswerCallback(_ context.Context, id, _ string) error {
	a.ids = append(a.ids, id)
	return nil
}

type fixture struct {
	s       *Service
	bus     *recBus
	notif   *recNotifier
	answers *recAnswers
	codec   envelope.Codec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	roster, err := enrollment.Open(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatalf("enrollment.Open: %v", err)
	}
	f := &fixture{bus: &recBus{}, notif: &recNotifier{}, answers: &recAnswers{}, codec: envelope.NewCodec(testLoc)}
	f.s = New(Deps{
		Bus:       f.bus,
		Roster:    roster,
		Notifier:  f.notif,
		Callbacks: f.answers,
		Location:  testLoc,
		Now:       func() time.Time { return testNow },
		Logger:    logx.Nop(),
	})
	return f
}

func (f *fixture) say(text string) {
	f.s.HandleUpdate(context.Background(), kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: 42, FromID: 7, FromName: "Ada", Text: text,
	}})
}

func (f *fixture) lastCommand(t *testing.T) envelope.ActionContext {
	t.Helper()
	if len(f.bus.sent) == 0 {
		t.Fatalf("nothing sent on the bus")
	}
	ac, ok, err := f.codec.ParseCommand(f.bus.sent[len(f.bus.sent)-1])
	if err != nil || !ok {
		t.Fatalf("bus message is not a command: ok=%v err=%v", ok, err)
	}
	return ac
}

func (f *fixture) lastText(t *testing.T) string {
	t.Helper()
	if len(f.notif.out) == 0 {
		t.Fatalf("no outbound message")
	}
	return f.notif.out[len(f.notif.out)-1].Text
}

func TestLunchCommands(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text  string
		typ   envelope.ScheduleType
		when  time.Time
		title string
	}{
		{"/lunch daily 12:00 Team lunch", envelope.Daily, time.Date(2024, 3, 1, 12, 0, 0, 0, testLoc), "Team lunch"},
		{"/lunch@LunchBot weekday mon 12:30 Ramen", envelope.Weekday, time.Date(2024, 3, 4, 12, 30, 0, 0, testLoc), "Ramen"},
		{"/lunch weekday 11:45 Friday pizza", envelope.Weekday, time.Date(2024, 3, 1, 11, 45, 0, 0, testLoc), "Friday pizza"},
		{`/lunch once 2024-03-05 11:30 "Offsite lunch"`, envelope.OneTime, time.Date(2024, 3, 5, 11, 30, 0, 0, testLoc), "Offsite lunch"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.text, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.say(tc.text)
			ac := f.lastCommand(t)
			if ac.Action != envelope.ActionSetup || ac.ChatID != 42 {
				t.Fatalf("envelope = %+v", ac)
			}
			s := ac.Schedule
			if s.Type != tc.typ || !s.Time.Equal(tc.when) || s.Title != tc.title || s.OwnerID != "7" {
				t.Fatalf("schedule = %+v", s)
			}
		})
	}
}

func TestLunchUsageErrors(t *testing.T) {
	t.Parallel()
	for _, text := range []string{
		"/lunch",
		"/lunch hourly 12:00 x",
		"/lunch daily noon x",
		"/lunch daily 12:00",
		"/lunch once 2024-03-05",
		"/lunch_cancel",
		"/lunch_skip a b",
	} {
		f := newFixture(t)
		f.say(text)
		if len(f.bus.sent) != 0 {
			t.Fatalf("%q: sent a command", text)
		}
		if got := f.lastText(t); !strings.Contains(got, "Usage:") {
			t.Fatalf("%q: reply = %q", text, got)
		}
	}
}

func TestByIDCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say("/lunch_cancel abc")
	if ac := f.lastCommand(t); ac.Action != envelope.ActionCancel || ac.Schedule.LunchID != "abc" {
		t.Fatalf("cancel = %+v", ac)
	}
	f.say("/lunch_skip abc")
	if ac := f.lastCommand(t); ac.Action != envelope.ActionSkip {
		t.Fatalf("skip = %+v", ac)
	}
	f.say("/lunch_modify abc daily 13:00")
	ac := f.lastCommand(t)
	if ac.Action != envelope.ActionModify || ac.Schedule.LunchID != "abc" || ac.Schedule.Time.Hour() != 13 {
		t.Fatalf("modify = %+v %+v", ac, ac.Schedule)
	}
	f.say("/list")
	if ac := f.lastCommand(t); ac.Action != envelope.ActionList || ac.Schedule != nil {
		t.Fatalf("list = %+v", ac)
	}
}

func TestPlainTextIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say("lunch at noon?")
	f.say("/unknown_command")
	if len(f.bus.sent) != 0 || len(f.notif.out) != 0 {
		t.Fatalf("unexpected output: %d bus, %d chat", len(f.bus.sent), len(f.notif.out))
	}
}

func TestEnrollmentReplies(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say("/add_me")
	if got := f.lastText(t); !strings.Contains(got, "added to the invite list") || !strings.Contains(got, "tg://user?id=7") {
		t.Fatalf("add_me = %q", got)
	}
	f.say("/add_me")
	if got := f.lastText(t); !strings.Contains(got, "already in the invite list") {
		t.Fatalf("second add_me = %q", got)
	}
	f.say("/remove_me")
	if got := f.lastText(t); !strings.Contains(got, "removed from the invite list") {
		t.Fatalf("remove_me = %q", got)
	}
	f.say("/remove_me")
	if got := f.lastText(t); !strings.Contains(got, "not in the invite list") {
		t.Fatalf("second remove_me = %q", got)
	}
}

func TestNotifyRendering(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say("/add_me")

	raw, _ := f.codec.EncodeFeedback(envelope.FeedbackContext{
		Action:  envelope.ActionNotify,
		ChatID:  42,
		Success: true,
		Schedules: []envelope.Schedule{{
			LunchID: "L1", Title: "Fish & chips", Time: time.Date(2024, 3, 1, 12, 0, 0, 0, testLoc), Type: envelope.Daily,
		}},
	})
	if err := f.s.consume(context.Background(), raw); err != nil {
		t.Fatalf("consume: %v", err)
	}
	n := f.notif.out[len(f.notif.out)-1]
	if !strings.HasPrefix(n.Text, "<b>Fish &amp; chips</b> is about to begin") {
		t.Fatalf("text = %q", n.Text)
	}
	if !strings.Contains(n.Text, `<a href="tg://user?id=7">Ada</a>`) {
		t.Fatalf("missing mention: %q", n.Text)
	}
	if n.Options == nil || len(n.Options.Buttons) != 1 || n.Options.Buttons[0][0].Data != "join" || n.Options.Buttons[0][1].Data != "pass" {
		t.Fatalf("buttons = %+v", n.Options)
	}
}

func TestFeedbackRendering(t *testing.T) {
	t.Parallel()
	sch := envelope.Schedule{LunchID: "L1", Title: "Soup", Time: time.Date(2024, 3, 4, 12, 0, 0, 0, testLoc), Type: envelope.Weekday}
	cases := []struct {
		fb   envelope.FeedbackContext
		want string
	}{
		{envelope.FeedbackContext{Action: envelope.ActionList, Success: true}, "No lunches scheduled."},
		{envelope.FeedbackContext{Action: envelope.ActionList, Success: true, Schedules: []envelope.Schedule{sch}}, "1. Soup, every Monday at 12:00"},
		{envelope.FeedbackContext{Action: envelope.ActionSetup, Success: true, Schedules: []envelope.Schedule{sch}}, "<code>L1</code>"},
		{envelope.FeedbackContext{Action: envelope.ActionSetup}, "Could not schedule"},
		{envelope.FeedbackContext{Action: envelope.ActionCancel}, "No lunch with that id."},
		{envelope.FeedbackContext{Action: envelope.ActionCancel, Success: true, Schedules: []envelope.Schedule{sch}}, "Cancelled <b>Soup</b>."},
		{envelope.FeedbackContext{Action: envelope.ActionSkip, Success: true, Schedules: []envelope.Schedule{sch}}, "Skipping the next"},
	}
	for _, tc := range cases {
		if got := renderFeedback(tc.fb, testLoc); !strings.Contains(got, tc.want) {
			t.Fatalf("%s: got %q, want it to contain %q", tc.fb.Action, got, tc.want)
		}
	}
}

func TestConsumeIgnoresCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	raw, _ := f.codec.EncodeCommand(envelope.ActionContext{Action: envelope.ActionList, ChatID: 42})
	_ = f.s.consume(context.Background(), raw)
	if len(f.notif.out) != 0 {
		t.Fatalf("command envelope was rendered")
	}
}

func TestCallbacks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.s.HandleUpdate(context.Background(), kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb1", ChatID: 42, FromID: 9, FromName: "Linus", Data: "join",
	}})
	if len(f.answers.ids) != 1 || f.answers.ids[0] != "cb1" {
		t.Fatalf("callback not answered: %v", f.answers.ids)
	}
	if got := f.lastText(t); !strings.Contains(got, "don't stand us up") {
		t.Fatalf("join reply = %q", got)
	}
	f.s.HandleUpdate(context.Background(), kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb2", ChatID: 42, FromID: 9, FromName: "Linus", Data: "pass",
	}})
	if got := f.lastText(t); !strings.HasPrefix(got, "Maybe next time") {
		t.Fatalf("pass reply = %q", got)
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	name, args, ok := splitCommand(`/Lunch@bot once 2024-03-05 11:30 'a b'`)
	if !ok || name != "lunch" || len(args) != 4 || args[3] != "a b" {
		t.Fatalf("got %q %q %v", name, args, ok)
	}
	if _, _, ok := splitCommand("hello"); ok {
		t.Fatalf("plain text parsed as command")
	}
}
