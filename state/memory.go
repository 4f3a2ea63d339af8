package state

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. States do not survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*Conversation
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*Conversation)}
}

func (m *MemoryStore) Load(_ context.Context, userID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.states[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, c *Conversation) error {
	if c == nil || c.UserID == "" {
		return errors.New("conversation state requires a user id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[c.UserID] = c.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, userID)
	return nil
}

func (m *MemoryStore) Expired(_ context.Context, now time.Time) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Conversation
	for _, c := range m.states {
		if c.Expired(now) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}
