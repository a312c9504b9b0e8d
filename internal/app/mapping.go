package app

import (
	"strings"
	"time"

	"lunchbot/internal/config"
	"lunchbot/internal/notifier"
	"lunchbot/internal/observability"
	"lunchbot/internal/scheduler"
	"lunchbot/internal/storage"
	"lunchbot/internal/transport/telegram"
	logx "lunchbot/pkg/logx"
)

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, nil
}

// mapLoggingConfig never fails: an unusable group_log only disables the chat sink.
func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	out := logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
	if out.Chat.Enabled {
		id, err := cfg.GroupLogChatID()
		if err != nil {
			out.Chat.Enabled = false
		}
		out.Chat.ChatID = id
	}
	return out
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return scheduler.Config{}, err
	}
	lead, err := config.ParseDurationOrDefault("scheduler.lead_window", cfg.Scheduler.LeadWindow, scheduler.DefaultLeadWindow)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Chats:      append([]int64(nil), cfg.Scheduler.Chats...),
		Location:   loc,
		LeadWindow: lead,
		SweepSpec:  strings.TrimSpace(cfg.Scheduler.Sweep),
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return storage.Config{}, err
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
		Location:    loc,
	}, nil
}

// mapNotifierConfig leaves zero values in place; notifier.New fills defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapObservabilityConfig(cfg *config.Config) (observability.ServerConfig, error) {
	o := cfg.Observability
	rt, err := config.ParseDurationOrDefault("observability.read_timeout", o.ReadTimeout, 5*time.Second)
	if err != nil {
		return observability.ServerConfig{}, err
	}
	wt, err := config.ParseDurationOrDefault("observability.write_timeout", o.WriteTimeout, 60*time.Second)
	if err != nil {
		return observability.ServerConfig{}, err
	}
	it, err := config.ParseDurationOrDefault("observability.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return observability.ServerConfig{}, err
	}
	return observability.ServerConfig{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

func enrollmentDir(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.Enrollment.Dir); d != "" {
		return d
	}
	return "./enrollment"
}
