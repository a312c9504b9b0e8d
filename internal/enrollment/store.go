// Package enrollment keeps the per-chat list of users who asked to be
// mentioned when a lunch is about to begin.
package enrollment

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	logx "lunchbot/pkg/logx"
)

type Member struct {
	UserID int64
	Name   string
}

type userInfo struct {
	Name string `json:"name"`
}

// document is the on-disk form: {"invited":[ids], "user_info":{"id":{"name":..}}}.
type document struct {
	Invited  []int64             `json:"invited"`
	UserInfo map[string]userInfo `json:"user_info"`
}

// Store persists one document per chat under dir.
type Store struct {
	dir string
	log logx.Logger
	mu  sync.Mutex
}

func Open(dir string, log logx.Logger) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("enrollment dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create enrollment dir: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{dir: dir, log: log.With(logx.String("comp", "enrollment"))}, nil
}

func (s *Store) path(chatID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(chatID, 10)+".json")
}

func (s *Store) load(chatID int64) (document, error) {
	doc := document{UserInfo: map[string]userInfo{}}
	b, err := os.ReadFile(s.path(chatID))
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("decode enrollment for chat %d: %w", chatID, err)
	}
	if doc.UserInfo == nil {
		doc.UserInfo = map[string]userInfo{}
	}
	return doc, nil
}

func (s *Store) save(chatID int64, doc document) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	path := s.path(chatID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Add enrolls m in chatID, refreshing the cached name. already reports
// whether m was enrolled before.
func (s *Store) Add(chatID int64, m Member) (already bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(chatID)
	if err != nil {
		return false, err
	}
	for _, id := range doc.Invited {
		if id == m.UserID {
			already = true
			break
		}
	}
	if !already {
		doc.Invited = append(doc.Invited, m.UserID)
	}
	doc.UserInfo[strconv.FormatInt(m.UserID, 10)] = userInfo{Name: m.Name}
	if err := s.save(chatID, doc); err != nil {
		return already, fmt.Errorf("save enrollment: %w", err)
	}
	return already, nil
}

// Remove drops userID from chatID. was reports whether it was enrolled.
func (s *Store) Remove(chatID, userID int64) (was bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(chatID)
	if err != nil {
		return false, err
	}
	kept := doc.Invited[:0]
	for _, id := range doc.Invited {
		if id == userID {
			was = true
			continue
		}
		kept = append(kept, id)
	}
	if !was {
		return false, nil
	}
	doc.Invited = kept
	delete(doc.UserInfo, strconv.FormatInt(userID, 10))
	if err := s.save(chatID, doc); err != nil {
		return true, fmt.Errorf("save enrollment: %w", err)
	}
	return true, nil
}

// Members lists enrolled users in join order.
func (s *Store) Members(chatID int64) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(chatID)
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(doc.Invited))
	for _, id := range doc.Invited {
		out = append(out, Member{UserID: id, Name: doc.UserInfo[strconv.FormatInt(id, 10)].Name})
	}
	return out, nil
}
