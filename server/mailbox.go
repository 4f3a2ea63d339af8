package server

import (
	"context"
	"sync"

	"eduhelper/orchestrator"
)

// DefaultMailboxSize bounds queued notices per user.
const DefaultMailboxSize = 50

// Mailbox queues replies that are not tied to a request, such as expiry
// notices, until the client polls for them. Oldest entries are dropped
// when a user's queue is full.
type Mailbox struct {
	mu    sync.Mutex
	size  int
	queue map[string][]orchestrator.Reply
}

// NewMailbox creates a mailbox holding up to size replies per user.
func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Mailbox{size: size, queue: make(map[string][]orchestrator.Reply)}
}

// Send implements orchestrator.Outbox.
func (m *Mailbox) Send(_ context.Context, r orchestrator.Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := append(m.queue[r.UserID], r)
	if len(q) > m.size {
		q = q[len(q)-m.size:]
	}
	m.queue[r.UserID] = q
	return nil
}

// Drain returns and removes the user's queued replies.
func (m *Mailbox) Drain(userID string) []orchestrator.Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue[userID]
	delete(m.queue, userID)
	return q
}

// collector gathers the replies of one request.
type collector struct {
	mu      sync.Mutex
	replies []orchestrator.Reply
}

func (c *collector) Send(_ context.Context, r orchestrator.Reply) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, r)
	return nil
}

func (c *collector) all() []orchestrator.Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]orchestrator.Reply, len(c.replies))
	copy(out, c.replies)
	return out
}
