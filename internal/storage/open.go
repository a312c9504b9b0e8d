package storage

import (
	"fmt"
	"strings"

	"lunchbot/internal/envelope"
	logx "lunchbot/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	codec := envelope.NewCodec(cfg.Location)

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "memory":
		log.Warn("storage is in-memory; schedules will not survive a restart")
		return NewMemory(), nil
	case "file":
		return openFile(cfg, codec, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, codec, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
