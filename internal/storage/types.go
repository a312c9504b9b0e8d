// Package storage persists per-chat schedule lists and the command audit log.
//
// Drivers:
//   - "file": one JSON document per chat plus an append-only audit.jsonl
//   - "sqlite": SQLite database file (build tag sqlite)
//   - "memory" (or empty): process-local, nothing survives a restart
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lunchbot/internal/envelope"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrNotFound reports a chat with no persisted state.
	ErrNotFound = errors.New("schedules not found")
)

// Store is the persistence API used by the scheduler.
//
// SaveSchedules replaces the chat's whole list; LoadSchedules returns it in
// the saved order.
type Store interface {
	LoadSchedules(ctx context.Context, chatID int64) ([]envelope.Schedule, error)
	SaveSchedules(ctx context.Context, chatID int64, list []envelope.Schedule) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Location is the zone schedule timestamps are written in.
	Location *time.Location
}

// AuditEntry records one handled command.
type AuditEntry struct {
	At      time.Time `json:"at"`
	ChatID  int64     `json:"chat_id"`
	OwnerID string    `json:"owner_id,omitempty"`
	Action  string    `json:"action"`
	LunchID string    `json:"lunch_id,omitempty"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms"`
}

// scheduleRecord is the persisted form of a schedule. The type key differs
// from the bus envelope ("schType" rather than "type").
type scheduleRecord struct {
	LunchID string `json:"lunch_id"`
	OwnerID string `json:"owner_id"`
	Title   string `json:"title"`
	Time    string `json:"time"`
	SchType int    `json:"schType"`
}

func toRecords(c envelope.Codec, list []envelope.Schedule) []scheduleRecord {
	out := make([]scheduleRecord, 0, len(list))
	for _, s := range list {
		out = append(out, scheduleRecord{
			LunchID: s.LunchID,
			OwnerID: s.OwnerID,
			Title:   s.Title,
			Time:    c.FormatTime(s.Time),
			SchType: int(s.Type),
		})
	}
	return out
}

func fromRecord(c envelope.Codec, r scheduleRecord) (envelope.Schedule, error) {
	t, err := c.ParseTime(r.Time)
	if err != nil {
		return envelope.Schedule{}, err
	}
	typ := envelope.ScheduleType(r.SchType)
	if !typ.Valid() {
		return envelope.Schedule{}, fmt.Errorf("unknown schedule type %d", r.SchType)
	}
	if r.LunchID == "" {
		return envelope.Schedule{}, errors.New("empty lunch_id")
	}
	return envelope.Schedule{LunchID: r.LunchID, OwnerID: r.OwnerID, Title: r.Title, Time: t, Type: typ}, nil
}
