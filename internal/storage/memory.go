package storage

import (
	"context"
	"sync"

	"lunchbot/internal/envelope"
)

// Memory is a process-local Store.
type Memory struct {
	mu    sync.Mutex
	chats map[int64][]envelope.Schedule
	audit []AuditEntry
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{chats: map[int64][]envelope.Schedule{}}
}

func (m *Memory) LoadSchedules(_ context.Context, chatID int64) ([]envelope.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, ok := m.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]envelope.Schedule(nil), list...), nil
}

func (m *Memory) SaveSchedules(_ context.Context, chatID int64, list []envelope.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[chatID] = append([]envelope.Schedule{}, list...)
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the recorded audit entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error { return nil }
