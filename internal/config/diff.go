package config

import (
	"slices"
	"strings"

	logx "lunchbot/pkg/logx"
)

// SummarizeConfigChange lists the top-level sections that differ and safe
// log fields describing the new values. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || !trimEq(ot.PollTimeout, nt.PollTimeout) || !trimEq(ot.GroupLog, nt.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	osch, ns := oldCfg.Scheduler, newCfg.Scheduler
	if osch.Enabled != ns.Enabled || !slices.Equal(osch.Chats, ns.Chats) ||
		!trimEq(osch.Timezone, ns.Timezone) || !trimEq(osch.LeadWindow, ns.LeadWindow) || !trimEq(osch.Sweep, ns.Sweep) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", ns.Enabled),
			logx.Int("scheduler.chats", len(ns.Chats)),
			logx.String("scheduler.timezone", strings.TrimSpace(ns.Timezone)),
			logx.String("scheduler.lead_window", strings.TrimSpace(ns.LeadWindow)),
			logx.String("scheduler.sweep", strings.TrimSpace(ns.Sweep)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Enrollment != newCfg.Enrollment {
		changed = append(changed, "enrollment")
	}

	on, nn := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if on != nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.workers", nn.Workers),
			logx.Int("notifier.queue_size", nn.QueueSize),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.Int("notifier.retry_max", nn.RetryMax),
		)
	}

	oo, no := oldCfg.Observability, newCfg.Observability
	if oo != no {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", no.Enabled),
			logx.String("observability.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("observability.pprof", no.Pprof),
			logx.Bool("observability.token_changed", oo.Token != no.Token),
		)
	}

	slices.Sort(changed)
	return changed, attrs
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func trimEq(a, b string) bool { return strings.TrimSpace(a) == strings.TrimSpace(b) }
