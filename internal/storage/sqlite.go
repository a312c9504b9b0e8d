//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"lunchbot/internal/envelope"
	logx "lunchbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db    *sql.DB
	codec envelope.Codec
	log   logx.Logger
}

func openSQLite(cfg Config, codec envelope.Codec, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &sqliteStore{db: db, codec: codec, log: log.With(logx.String("comp", "storage.sqlite"))}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadSchedules(ctx context.Context, chatID int64) ([]envelope.Schedule, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var updated string
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM chats WHERE chat_id = ?`, chatID).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT lunch_id, owner_id, title, time, sch_type FROM schedules WHERE chat_id = ? ORDER BY pos`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []envelope.Schedule{}
	for rows.Next() {
		var r scheduleRecord
		if err := rows.Scan(&r.LunchID, &r.OwnerID, &r.Title, &r.Time, &r.SchType); err != nil {
			return nil, err
		}
		sch, err := fromRecord(s.codec, r)
		if err != nil {
			s.log.Warn("skipping unreadable schedule",
				logx.Int64("chat_id", chatID), logx.String("lunch_id", r.LunchID), logx.Err(err))
			continue
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveSchedules(ctx context.Context, chatID int64, list []envelope.Schedule) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chats(chat_id, updated_at) VALUES(?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET updated_at = excluded.updated_at`,
		chatID, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	for pos, r := range toRecords(s.codec, list) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schedules(chat_id, pos, lunch_id, owner_id, title, time, sch_type) VALUES(?,?,?,?,?,?,?)`,
			chatID, pos, r.LunchID, r.OwnerID, r.Title, r.Time, r.SchType); err != nil {
			return fmt.Errorf("insert schedule %s: %w", r.LunchID, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, chat_id, owner_id, action, lunch_id, ok, err, took_ms) VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ChatID, nullStr(e.OwnerID), e.Action, nullStr(e.LunchID), ok, nullStr(e.Error), e.TookMS,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
