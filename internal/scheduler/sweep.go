package scheduler

import (
	"context"
	"sort"
	"time"

	"lunchbot/internal/envelope"
	logx "lunchbot/pkg/logx"
)

// sweep evaluates every schedule of every chat against the current time.
// Failures are logged per item or per chat and never stop the pass.
func (s *Service) sweep(ctx context.Context) {
	start := time.Now()
	now := s.clock()
	ids := make([]int64, 0, len(s.chats))
	for id := range s.chats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, chatID := range ids {
		if ctx.Err() != nil {
			return
		}
		s.sweepChat(ctx, chatID, s.chats[chatID], now)
	}
	s.obs.SweepDone(time.Since(start), len(ids))
}

func (s *Service) sweepChat(ctx context.Context, chatID int64, st *chatState, now time.Time) {
	log := s.log.With(logx.Int64("chat_id", chatID))
	removed := map[string]bool{}

	for _, sch := range st.list {
		if ctx.Err() != nil {
			return
		}
		if covered, ok := st.notified[sch.LunchID]; ok {
			if !now.After(covered) {
				continue
			}
			delete(st.notified, sch.LunchID)
			if sch.Type == envelope.OneTime {
				removed[sch.LunchID] = true
				log.Info("one-time schedule passed", logx.String("lunch_id", sch.LunchID))
				continue
			}
			log.Debug("schedule re-armed", logx.String("lunch_id", sch.LunchID))
		}

		occ := nextOccurrence(sch, now, s.cfg.Location)
		if !inWindow(occ, now, s.cfg.LeadWindow) {
			continue
		}
		fb := envelope.FeedbackContext{
			Action:    envelope.ActionNotify,
			ChatID:    chatID,
			Schedules: []envelope.Schedule{sch},
			Success:   true,
		}
		if err := s.emit(ctx, fb); err != nil {
			log.Error("notify failed", logx.String("lunch_id", sch.LunchID), logx.Err(err))
			continue
		}
		st.notified[sch.LunchID] = occ
		s.obs.NotifyEmitted(chatID)
		log.Info("notify sent", logx.String("lunch_id", sch.LunchID), logx.Time("occurrence", occ))
	}

	if len(removed) > 0 {
		kept := make([]envelope.Schedule, 0, len(st.list)-len(removed))
		for _, sch := range st.list {
			if !removed[sch.LunchID] {
				kept = append(kept, sch)
			}
		}
		st.list = kept
		st.dirty = true
	}
	if !st.dirty {
		return
	}
	if err := s.persist(ctx, chatID, st.list); err != nil {
		log.Error("persist after sweep failed; will retry", logx.Err(err))
		return
	}
	st.dirty = false
}
