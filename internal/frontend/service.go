// Package frontend is the chat side of the bus: it turns chat commands into
// command envelopes and renders feedback envelopes back into chat messages.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lunchbot/internal/bus"
	"lunchbot/internal/enrollment"
	"lunchbot/internal/envelope"
	kit "lunchbot/internal/transport"
	logx "lunchbot/pkg/logx"
)

const (
	callbackJoin = "join"
	callbackPass = "pass"
)

// Roster is the enrollment store.
type Roster interface {
	Add(chatID int64, m enrollment.Member) (already bool, err error)
	Remove(chatID, userID int64) (was bool, err error)
	Members(chatID int64) ([]enrollment.Member, error)
}

type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

type CallbackAnswerer interface {
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type Deps struct {
	Bus       bus.Bus
	Roster    Roster
	Notifier  Notifier
	Callbacks CallbackAnswerer
	Location  *time.Location
	Now       func() time.Time
	Logger    logx.Logger
}

type command struct {
	name   string
	usage  string
	desc   string
	handle func(ctx context.Context, m *kit.Message, args []string) error
}

type Service struct {
	deps     Deps
	log      logx.Logger
	codec    envelope.Codec
	commands map[string]command
	order    []string
}

func New(deps Deps) *Service {
	if deps.Logger.IsZero() {
		deps.Logger = logx.Nop()
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Service{
		deps:     deps,
		log:      deps.Logger.With(logx.String("comp", "frontend")),
		codec:    envelope.NewCodec(deps.Location),
		commands: map[string]command{},
	}
	s.register(command{name: "add_me", usage: "/add_me", desc: "Add yourself to the lunch invite list", handle: s.cmdAddMe})
	s.register(command{name: "remove_me", usage: "/remove_me", desc: "Remove yourself from the invite list", handle: s.cmdRemoveMe})
	s.register(command{name: "list", usage: "/list", desc: "List scheduled lunches", handle: s.cmdList})
	s.register(command{name: "lunch", usage: "/lunch <daily|weekday|once> <when> <title>", desc: "Schedule a lunch", handle: s.cmdLunch})
	s.register(command{name: "lunch_modify", usage: "/lunch_modify <id> <daily|weekday|once> <when> [title]", desc: "Change a lunch", handle: s.cmdModify})
	s.register(command{name: "lunch_skip", usage: "/lunch_skip <id>", desc: "Skip the next occurrence", handle: s.byIDCommand(envelope.ActionSkip)})
	s.register(command{name: "lunch_cancel", usage: "/lunch_cancel <id>", desc: "Cancel a lunch", handle: s.byIDCommand(envelope.ActionCancel)})
	s.register(command{name: "help", usage: "/help", desc: "Show this help", handle: s.cmdHelp})
	return s
}

func (s *Service) register(c command) {
	s.commands[c.name] = c
	s.order = append(s.order, c.name)
}

// Attach subscribes the service to feedback envelopes on the bus.
func (s *Service) Attach() {
	if s.deps.Bus != nil {
		s.deps.Bus.AddConsumer("frontend", s.consume)
	}
}

// HandleUpdate dispatches one transport update.
func (s *Service) HandleUpdate(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			s.handleMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			s.handleCallback(ctx, up.Callback)
		}
	}
}

func (s *Service) handleMessage(ctx context.Context, m *kit.Message) {
	name, args, ok := splitCommand(m.Text)
	if !ok {
		return
	}
	c, ok := s.commands[name]
	if !ok {
		return
	}
	log := s.log.With(logx.String("cmd", name), logx.Int64("chat_id", m.ChatID), logx.Int64("from", m.FromID))
	err := c.handle(ctx, m, args)
	var ue usageError
	switch {
	case err == nil:
		log.Debug("command handled")
	case errors.As(err, &ue):
		s.reply(ctx, m, escape(ue.msg)+"\nUsage: <code>"+escape(c.usage)+"</code>")
	default:
		log.Error("command failed", logx.Err(err))
		s.reply(ctx, m, "Something went wrong, please try again.")
	}
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func (s *Service) cmdAddMe(ctx context.Context, m *kit.Message, _ []string) error {
	already, err := s.deps.Roster.Add(m.ChatID, enrollment.Member{UserID: m.FromID, Name: m.FromName})
	if err != nil {
		return err
	}
	who := mention(m.FromID, m.FromName)
	if already {
		s.reply(ctx, m, who+" is already in the invite list.")
	} else {
		s.reply(ctx, m, who+" added to the invite list.")
	}
	return nil
}

func (s *Service) cmdRemoveMe(ctx context.Context, m *kit.Message, _ []string) error {
	was, err := s.deps.Roster.Remove(m.ChatID, m.FromID)
	if err != nil {
		return err
	}
	who := mention(m.FromID, m.FromName)
	if was {
		s.reply(ctx, m, who+" removed from the invite list.")
	} else {
		s.reply(ctx, m, who+" is not in the invite list.")
	}
	return nil
}

func (s *Service) cmdList(ctx context.Context, m *kit.Message, _ []string) error {
	return s.send(ctx, envelope.ActionContext{Action: envelope.ActionList, ChatID: m.ChatID})
}

func (s *Service) cmdLunch(ctx context.Context, m *kit.Message, args []string) error {
	sch, rest, err := s.parseSchedule(args)
	if err != nil {
		return err
	}
	sch.Title = strings.Join(rest, " ")
	if sch.Title == "" {
		return usageError{"A title is required."}
	}
	sch.OwnerID = strconv.FormatInt(m.FromID, 10)
	return s.send(ctx, envelope.ActionContext{Action: envelope.ActionSetup, ChatID: m.ChatID, Schedule: &sch})
}

func (s *Service) cmdModify(ctx context.Context, m *kit.Message, args []string) error {
	if len(args) < 1 {
		return usageError{"A lunch id is required."}
	}
	sch, rest, err := s.parseSchedule(args[1:])
	if err != nil {
		return err
	}
	sch.LunchID = args[0]
	sch.Title = strings.Join(rest, " ")
	sch.OwnerID = strconv.FormatInt(m.FromID, 10)
	return s.send(ctx, envelope.ActionContext{Action: envelope.ActionModify, ChatID: m.ChatID, Schedule: &sch})
}

func (s *Service) byIDCommand(action envelope.Action) func(context.Context, *kit.Message, []string) error {
	return func(ctx context.Context, m *kit.Message, args []string) error {
		if len(args) != 1 {
			return usageError{"Exactly one lunch id is required."}
		}
		sch := &envelope.Schedule{LunchID: args[0], OwnerID: strconv.FormatInt(m.FromID, 10)}
		return s.send(ctx, envelope.ActionContext{Action: action, ChatID: m.ChatID, Schedule: sch})
	}
}

func (s *Service) cmdHelp(ctx context.Context, m *kit.Message, _ []string) error {
	var b strings.Builder
	b.WriteString("<b>Lunch bot</b>\n")
	for _, name := range s.order {
		c := s.commands[name]
		fmt.Fprintf(&b, "<code>%s</code> - %s\n", escape(c.usage), escape(c.desc))
	}
	b.WriteString("\n<i>when</i>: daily <code>HH:MM</code>, weekday <code>[mon..sun] HH:MM</code>, once <code>YYYY-MM-DD HH:MM</code>")
	s.reply(ctx, m, b.String())
	return nil
}

func (s *Service) parseSchedule(args []string) (envelope.Schedule, []string, error) {
	if len(args) < 1 {
		return envelope.Schedule{}, nil, usageError{"A schedule type is required."}
	}
	typ, err := envelope.ParseScheduleType(strings.ToLower(args[0]))
	if err != nil {
		return envelope.Schedule{}, nil, usageError{err.Error()}
	}
	at, rest, err := parseWhen(typ, args[1:], s.deps.Now().In(s.deps.Location))
	if err != nil {
		return envelope.Schedule{}, nil, usageError{err.Error()}
	}
	return envelope.Schedule{Type: typ, Time: at}, rest, nil
}

func (s *Service) send(ctx context.Context, ac envelope.ActionContext) error {
	raw, err := s.codec.EncodeCommand(ac)
	if err != nil {
		return err
	}
	if s.deps.Bus == nil {
		return bus.ErrClosed
	}
	return s.deps.Bus.Send(ctx, raw)
}

func (s *Service) handleCallback(ctx context.Context, cb *kit.Callback) {
	who := mention(cb.FromID, cb.FromName)
	var text string
	switch cb.Data {
	case callbackJoin:
		text = who + " don't stand us up!"
	case callbackPass:
		text = "Maybe next time, " + who + ". T^T"
	default:
		s.log.Debug("unknown callback", logx.String("data", cb.Data))
	}
	if s.deps.Callbacks != nil {
		if err := s.deps.Callbacks.AnswerCallback(ctx, cb.ID, ""); err != nil {
			s.log.Debug("answer callback failed", logx.Err(err))
		}
	}
	if text == "" {
		return
	}
	s.post(ctx, kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, text, nil)
}

func (s *Service) reply(ctx context.Context, m *kit.Message, text string) {
	s.post(ctx, kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}, text, nil)
}

func (s *Service) post(ctx context.Context, to kit.ChatTarget, text string, buttons [][]kit.Button) {
	n := kit.Notification{
		Target:  to,
		Text:    text,
		Options: &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Buttons: buttons},
	}
	if err := s.deps.Notifier.Notify(ctx, n); err != nil {
		s.log.Warn("message not queued", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

// consume renders feedback envelopes; everything else on the bus is ignored.
func (s *Service) consume(ctx context.Context, msg []byte) error {
	fb, ok, err := s.codec.ParseFeedback(msg)
	if err != nil {
		s.log.Warn("malformed feedback dropped", logx.Err(err))
		return nil
	}
	if !ok {
		return nil
	}
	to := kit.ChatTarget{ChatID: fb.ChatID}
	if fb.Action == envelope.ActionNotify {
		if !fb.Success || len(fb.Schedules) == 0 {
			return nil
		}
		members, err := s.deps.Roster.Members(fb.ChatID)
		if err != nil {
			s.log.Warn("enrollment unavailable; notifying without mentions", logx.Int64("chat_id", fb.ChatID), logx.Err(err))
		}
		s.post(ctx, to, renderNotify(fb.Schedules[0], members), [][]kit.Button{{
			{Text: "join", Data: callbackJoin},
			{Text: "pass", Data: callbackPass},
		}})
		return nil
	}
	s.post(ctx, to, renderFeedback(fb, s.deps.Location), nil)
	return nil
}
