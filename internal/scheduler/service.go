package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"lunchbot/internal/bus"
	"lunchbot/internal/envelope"
	rtsup "lunchbot/internal/runtime/supervisor"
	"lunchbot/internal/storage"
	logx "lunchbot/pkg/logx"
)

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the lunch_id generator (uuid.NewString).
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithObserver reports command, notify and sweep activity to o.
func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.obs = o
		}
	}
}

type Service struct {
	cfg   Config
	log   logx.Logger
	bus   bus.Bus
	store storage.Store
	codec envelope.Codec
	now   func() time.Time
	newID func() string
	obs   Observer

	// chats is owned by the loop goroutine once Start has returned.
	chats map[int64]*chatState
	inbox chan event

	mu         sync.Mutex
	running    bool
	subscribed bool
	cron       *cron.Cron
	sup        *rtsup.Supervisor
	done       chan struct{}
}

func New(cfg Config, b bus.Bus, st storage.Store, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if st == nil {
		st = storage.NewMemory()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "scheduler")),
		bus:   b,
		store: st,
		codec: envelope.NewCodec(cfg.Location),
		now:   time.Now,
		newID: uuid.NewString,
		obs:   nopObserver{},
		chats: map[int64]*chatState{},
		inbox: make(chan event, inboxSize),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start loads every configured chat, subscribes to the bus and starts the
// loop and the sweep trigger.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(s.cfg.Location))
	if _, err := c.AddFunc(s.cfg.SweepSpec, s.tick); err != nil {
		return fmt.Errorf("sweep spec %q: %w", s.cfg.SweepSpec, err)
	}

	s.loadChats(ctx)

	if !s.subscribed && s.bus != nil {
		s.bus.AddConsumer("scheduler", s.consume)
		s.subscribed = true
	}

	s.done = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.Go0("scheduler.loop", s.loop)
	s.cron = c
	c.Start()
	s.running = true

	s.log.Info("service started",
		logx.Int("chats", len(s.chats)),
		logx.String("sweep", s.cfg.SweepSpec),
		logx.Duration("lead", s.cfg.LeadWindow),
		logx.String("tz", s.cfg.Location.String()),
	)
	return nil
}

// Stop halts the sweep trigger and the loop. An event being handled runs to
// completion; queued events are dropped.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c, sup, done := s.cron, s.sup, s.done
	s.cron, s.sup = nil, nil
	s.mu.Unlock()

	close(done)
	if c != nil {
		<-c.Stop().Done()
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("scheduler stop incomplete", logx.Err(err))
		return err
	}
	s.log.Info("service stopped")
	return nil
}

func (s *Service) loadChats(ctx context.Context) {
	for _, chatID := range s.cfg.Chats {
		if _, ok := s.chats[chatID]; ok {
			continue
		}
		list, err := s.store.LoadSchedules(ctx, chatID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			s.log.Debug("no saved schedules", logx.Int64("chat_id", chatID))
			list = nil
		case err != nil:
			s.log.Error("load schedules failed; starting empty", logx.Int64("chat_id", chatID), logx.Err(err))
			list = nil
		default:
			s.log.Debug("schedules loaded", logx.Int64("chat_id", chatID), logx.Int("count", len(list)))
		}
		s.chats[chatID] = newChatState(list)
	}
}

// consume is the bus consumer. It only forwards into the inbox.
func (s *Service) consume(ctx context.Context, msg []byte) error {
	s.mu.Lock()
	done := s.done
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}
	select {
	case s.inbox <- event{msg: msg}:
		return nil
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tick is called by cron. A pending tick already covers this one.
func (s *Service) tick() {
	select {
	case s.inbox <- event{tick: true}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.inbox:
			if ctx.Err() != nil {
				return
			}
			if ev.tick {
				s.sweep(ctx)
				continue
			}
			s.handle(ctx, ev.msg)
		}
	}
}

func (s *Service) clock() time.Time { return s.now().In(s.cfg.Location) }

func (s *Service) emit(ctx context.Context, fb envelope.FeedbackContext) error {
	raw, err := s.codec.EncodeFeedback(fb)
	if err != nil {
		return err
	}
	if s.bus == nil {
		return bus.ErrClosed
	}
	return s.bus.Send(ctx, raw)
}

func (s *Service) persist(ctx context.Context, chatID int64, list []envelope.Schedule) error {
	if err := s.store.SaveSchedules(ctx, chatID, list); err != nil {
		return fmt.Errorf("save schedules for chat %d: %w", chatID, err)
	}
	return nil
}
