package calls

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a process-local call log for development and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*Record)}
}

func (s *InMemoryStore) SaveCall(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.records[record.CallSID]; ok {
		mergeRecord(existing, record)
		existing.UpdatedAt = now
		return nil
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	s.records[record.CallSID] = &record
	s.order = append(s.order, record.CallSID)
	return nil
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, callSID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[callSID]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) AttachStream(_ context.Context, callSID, streamSID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[callSID]
	if !ok {
		return ErrNotFound
	}
	r.StreamSID = streamSID
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) GetCall(_ context.Context, callSID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[callSID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *r, nil
}

// RecentCalls returns up to limit records, newest first.
func (s *InMemoryStore) RecentCalls(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]Record, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.records[s.order[i]])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func mergeRecord(dst *Record, src Record) {
	if src.Status != "" {
		dst.Status = src.Status
	}
	if src.From != "" {
		dst.From = src.From
	}
	if src.To != "" {
		dst.To = src.To
	}
	if src.Direction != "" {
		dst.Direction = src.Direction
	}
	if src.StreamSID != "" {
		dst.StreamSID = src.StreamSID
	}
}
