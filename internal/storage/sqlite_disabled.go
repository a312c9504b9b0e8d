//go:build !sqlite

package storage

import (
	"errors"

	"lunchbot/internal/envelope"
	logx "lunchbot/pkg/logx"
)

func openSQLite(cfg Config, codec envelope.Codec, log logx.Logger) (Store, error) {
	_, _, _ = cfg, codec, log
	return nil, errors.New("sqlite storage not built: build with -tags sqlite")
}
