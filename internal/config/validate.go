package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var sweepParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks everything that can be checked without touching the
// network or the disk.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is empty (set it or export TOKEN)"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)
	if cfg.Logging.Telegram.Enabled {
		if _, err := cfg.GroupLogChatID(); err != nil {
			add(err)
		}
	}

	_, err = cfg.Location()
	add(err)
	_, err = ParseDurationField("scheduler.lead_window", cfg.Scheduler.LeadWindow)
	add(err)
	if spec := strings.TrimSpace(cfg.Scheduler.Sweep); spec != "" {
		if _, err := sweepParser.Parse(spec); err != nil {
			add(fmt.Errorf("scheduler.sweep: %q: %w", spec, err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			add(errors.New("notifier: counts must be >= 0"))
		}
		_, err = ParseDurationField("notifier.retry_base", n.RetryBase)
		add(err)
		_, err = ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
		add(err)
	}

	o := cfg.Observability
	if a := strings.TrimSpace(o.Addr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			add(fmt.Errorf("observability.addr: %w", err))
		}
	}
	_, err = ParseDurationField("observability.read_timeout", o.ReadTimeout)
	add(err)
	_, err = ParseDurationField("observability.write_timeout", o.WriteTimeout)
	add(err)
	_, err = ParseDurationField("observability.idle_timeout", o.IdleTimeout)
	add(err)
	return errors.Join(errs...)
}

// Location resolves scheduler.timezone; empty means local time.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// GroupLogChatID parses telegram.group_log.
func (c *Config) GroupLogChatID() (int64, error) {
	s := strings.TrimSpace(c.Telegram.GroupLog)
	if s == "" {
		return 0, errors.New("telegram.group_log is required when logging.telegram is enabled")
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: %w", err)
	}
	return id, nil
}
