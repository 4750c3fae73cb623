package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/callrelay/internal/relay"
)

var ErrNotFound = errors.New("session not found")

type entry struct {
	snap     relay.Snapshot
	closedAt time.Time
}

// Manager tracks relay sessions by id. Closed sessions stay visible for the
// retention period and are purged by the janitor.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*entry
	retention time.Duration
	onChange  func(active int)
}

func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = 2 * time.Minute
	}
	return &Manager{
		sessions:  make(map[string]*entry),
		retention: retention,
	}
}

// SetChangeHook registers a callback fired with the live session count
// whenever a session is added or closes.
func (m *Manager) SetChangeHook(hook func(active int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = hook
}

// NewID allocates an id for a session about to start.
func (m *Manager) NewID() string {
	return uuid.NewString()
}

// Update records the latest snapshot. It is safe to use as relay.Options.OnChange.
func (m *Manager) Update(s relay.Snapshot) {
	m.mu.Lock()
	e, ok := m.sessions[s.ID]
	wasLive := ok && e.closedAt.IsZero()
	if !ok {
		e = &entry{}
		m.sessions[s.ID] = e
	}
	e.snap = s
	nowLive := s.State != relay.StateClosed
	if !nowLive && e.closedAt.IsZero() {
		e.closedAt = time.Now().UTC()
	}
	hook := m.onChange
	changed := wasLive != nowLive
	active := m.activeLocked()
	m.mu.Unlock()

	if hook != nil && changed {
		hook(active)
	}
}

func (m *Manager) Get(id string) (relay.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return relay.Snapshot{}, ErrNotFound
	}
	return e.snap, nil
}

// List returns all known sessions, oldest first.
func (m *Manager) List() []relay.Snapshot {
	m.mu.RLock()
	out := make([]relay.Snapshot, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.snap)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() int {
	count := 0
	for _, e := range m.sessions {
		if e.closedAt.IsZero() {
			count++
		}
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.purgeClosed()
			}
		}
	}()
}

func (m *Manager) purgeClosed() {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.sessions {
		if e.closedAt.IsZero() {
			continue
		}
		if now.Sub(e.closedAt) >= m.retention {
			delete(m.sessions, id)
		}
	}
}
