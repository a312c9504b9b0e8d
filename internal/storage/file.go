package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"lunchbot/internal/envelope"
	logx "lunchbot/pkg/logx"
)

// fileStore keeps one document per chat under a directory.
//
// Files:
//   - <dir>/<chat_id>.json (whole list, replaced via tmp file + rename)
//   - <dir>/audit.jsonl    (append-only JSON Lines)
type fileStore struct {
	dir   string
	codec envelope.Codec
	log   logx.Logger

	mu        sync.Mutex
	auditFile *os.File
}

type chatDocument struct {
	Schedules []scheduleRecord `json:"schedules"`
}

func openFile(cfg Config, codec envelope.Codec, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	af, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &fileStore{
		dir:       dir,
		codec:     codec,
		log:       log.With(logx.String("comp", "storage.file")),
		auditFile: af,
	}, nil
}

func (s *fileStore) chatPath(chatID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(chatID, 10)+".json")
}

func (s *fileStore) LoadSchedules(_ context.Context, chatID int64) ([]envelope.Schedule, error) {
	b, err := os.ReadFile(s.chatPath(chatID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read schedules: %w", err)
	}
	var doc chatDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode schedules for chat %d: %w", chatID, err)
	}
	out := make([]envelope.Schedule, 0, len(doc.Schedules))
	for i, r := range doc.Schedules {
		sch, err := fromRecord(s.codec, r)
		if err != nil {
			s.log.Warn("skipping unreadable schedule",
				logx.Int64("chat_id", chatID), logx.Int("index", i), logx.Err(err))
			continue
		}
		out = append(out, sch)
	}
	return out, nil
}

func (s *fileStore) SaveSchedules(_ context.Context, chatID int64, list []envelope.Schedule) error {
	b, err := json.MarshalIndent(chatDocument{Schedules: toRecords(s.codec, list)}, "", "  ")
	if err != nil {
		return err
	}
	path := s.chatPath(chatID)
	tmp := path + ".tmp"

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write schedules: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace schedules: %w", err)
	}
	return nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}
