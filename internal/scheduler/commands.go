package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lunchbot/internal/envelope"
	"lunchbot/internal/storage"
	logx "lunchbot/pkg/logx"
)

var (
	errUnknownChat     = errors.New("unknown chat")
	errUnknownSchedule = errors.New("unknown schedule")
)

// handle decodes one bus message and, if it is a command, applies it and
// answers with a feedback envelope.
func (s *Service) handle(ctx context.Context, raw []byte) {
	ac, ok, err := s.codec.ParseCommand(raw)
	if err != nil {
		s.log.Warn("malformed envelope dropped", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	if ac.Action == envelope.ActionNotify {
		s.log.Warn("notify is not a command; dropped", logx.Int64("chat_id", ac.ChatID))
		return
	}

	start := time.Now()
	fb, err := s.apply(ctx, ac)
	took := time.Since(start)
	s.audit(ctx, ac, err, took)
	s.obs.CommandHandled(ac.Action.String(), err == nil, took)
	if err != nil {
		lvl := s.log.Warn
		if !errors.Is(err, errUnknownSchedule) && !errors.Is(err, errUnknownChat) {
			lvl = s.log.Error
		}
		lvl("command failed",
			logx.String("action", ac.Action.String()),
			logx.Int64("chat_id", ac.ChatID),
			logx.Err(err),
		)
	}
	if err := s.emit(ctx, fb); err != nil {
		s.log.Error("send feedback failed", logx.Int64("chat_id", ac.ChatID), logx.Err(err))
	}
}

// apply routes a decoded command. The returned feedback is always sent; err
// describes why the command did not succeed.
func (s *Service) apply(ctx context.Context, ac envelope.ActionContext) (envelope.FeedbackContext, error) {
	st, ok := s.chats[ac.ChatID]
	if !ok {
		return failure(ac), fmt.Errorf("%w: %d", errUnknownChat, ac.ChatID)
	}

	switch ac.Action {
	case envelope.ActionSetup:
		return s.setup(ctx, ac, st)
	case envelope.ActionModify:
		return s.modify(ctx, ac, st)
	case envelope.ActionSkip:
		return s.skip(ac, st)
	case envelope.ActionCancel:
		return s.cancel(ctx, ac, st)
	case envelope.ActionList:
		return success(ac, st.list...), nil
	case envelope.ActionNotify:
		return failure(ac), errors.New("notify is not a command")
	}
	return failure(ac), fmt.Errorf("unhandled action %s", ac.Action)
}

func (s *Service) setup(ctx context.Context, ac envelope.ActionContext, st *chatState) (envelope.FeedbackContext, error) {
	sch := *ac.Schedule
	sch.LunchID = s.newID()
	for sch.LunchID == "" || st.indexOf(sch.LunchID) >= 0 {
		sch.LunchID = s.newID()
	}

	prev := st.list
	st.list = append(prev[:len(prev):len(prev)], sch)
	if err := s.persist(ctx, ac.ChatID, st.list); err != nil {
		st.list = prev
		return failure(ac), err
	}
	s.log.Info("schedule created",
		logx.Int64("chat_id", ac.ChatID),
		logx.String("lunch_id", sch.LunchID),
		logx.String("type", sch.Type.String()),
		logx.Time("time", sch.Time),
	)
	return success(ac, sch), nil
}

func (s *Service) modify(ctx context.Context, ac envelope.ActionContext, st *chatState) (envelope.FeedbackContext, error) {
	req := ac.Schedule
	idx := st.indexOf(req.LunchID)
	if idx < 0 {
		return failure(ac), fmt.Errorf("%w: %s", errUnknownSchedule, req.LunchID)
	}

	old := st.list[idx]
	repl := envelope.Schedule{
		LunchID: old.LunchID,
		OwnerID: old.OwnerID,
		Title:   req.Title,
		Time:    req.Time,
		Type:    req.Type,
	}
	if repl.Title == "" {
		repl.Title = old.Title
	}

	prev := st.list
	next := append([]envelope.Schedule(nil), prev...)
	next[idx] = repl
	prevMark, hadMark := st.notified[old.LunchID]

	st.list = next
	delete(st.notified, old.LunchID)
	if err := s.persist(ctx, ac.ChatID, st.list); err != nil {
		st.list = prev
		if hadMark {
			st.notified[old.LunchID] = prevMark
		}
		return failure(ac), err
	}
	return success(ac, repl), nil
}

// skip suppresses the next occurrence. Nothing is persisted: the notified
// set lives in memory only.
func (s *Service) skip(ac envelope.ActionContext, st *chatState) (envelope.FeedbackContext, error) {
	id := ac.Schedule.LunchID
	idx := st.indexOf(id)
	if idx < 0 {
		s.log.Debug("skip for unknown schedule", logx.Int64("chat_id", ac.ChatID), logx.String("lunch_id", id))
		return success(ac), nil
	}
	sch := st.list[idx]
	occ := nextOccurrence(sch, s.clock(), s.cfg.Location)
	st.notified[id] = occ
	s.log.Info("occurrence skipped", logx.Int64("chat_id", ac.ChatID), logx.String("lunch_id", id), logx.Time("occurrence", occ))
	return success(ac, sch), nil
}

func (s *Service) cancel(ctx context.Context, ac envelope.ActionContext, st *chatState) (envelope.FeedbackContext, error) {
	id := ac.Schedule.LunchID
	idx := st.indexOf(id)
	if idx < 0 {
		return failure(ac), fmt.Errorf("%w: %s", errUnknownSchedule, id)
	}

	prev := st.list
	removed := prev[idx]
	next := make([]envelope.Schedule, 0, len(prev)-1)
	next = append(next, prev[:idx]...)
	next = append(next, prev[idx+1:]...)
	prevMark, hadMark := st.notified[id]

	st.list = next
	delete(st.notified, id)
	if err := s.persist(ctx, ac.ChatID, st.list); err != nil {
		st.list = prev
		if hadMark {
			st.notified[id] = prevMark
		}
		return failure(ac), err
	}
	s.log.Info("schedule cancelled", logx.Int64("chat_id", ac.ChatID), logx.String("lunch_id", id))
	return success(ac, removed), nil
}

func (s *Service) audit(ctx context.Context, ac envelope.ActionContext, err error, took time.Duration) {
	e := storage.AuditEntry{
		At:     s.clock(),
		ChatID: ac.ChatID,
		Action: ac.Action.String(),
		OK:     err == nil,
		TookMS: took.Milliseconds(),
	}
	if ac.Schedule != nil {
		e.OwnerID = ac.Schedule.OwnerID
		e.LunchID = ac.Schedule.LunchID
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.store.AppendAudit(ctx, e); aerr != nil {
		s.log.Debug("audit append failed", logx.Err(aerr))
	}
}

func success(ac envelope.ActionContext, list ...envelope.Schedule) envelope.FeedbackContext {
	return envelope.FeedbackContext{
		Action:    ac.Action,
		ChatID:    ac.ChatID,
		Schedules: append([]envelope.Schedule{}, list...),
		Success:   true,
	}
}

func failure(ac envelope.ActionContext) envelope.FeedbackContext {
	return envelope.FeedbackContext{Action: ac.Action, ChatID: ac.ChatID, Schedules: []envelope.Schedule{}}
}
