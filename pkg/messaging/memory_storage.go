package messaging

import (
	"sort"
	"sync"
	"time"
)

// PendingMessage is a report that could not be published yet
type PendingMessage struct {
	ID           string    `json:"id"`
	CallID       string    `json:"call_id"`
	Body         []byte    `json:"body"`
	CreatedAt    time.Time `json:"created_at"`
	LastAttempt  time.Time `json:"last_attempt"`
	AttemptCount int       `json:"attempt_count"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	LastError    string    `json:"last_error,omitempty"`
}

func (m *PendingMessage) message() Message {
	return Message{ID: m.ID, CallID: m.CallID, Body: m.Body}
}

// DueBefore orders pending messages by retry time, oldest report first on
// ties.
func DueBefore(a, b *PendingMessage) bool {
	if !a.NextRetryAt.Equal(b.NextRetryAt) {
		return a.NextRetryAt.Before(b.NextRetryAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// MessageStorage holds pending messages between retry attempts.
// Store replaces any message with the same ID.
type MessageStorage interface {
	Store(msg *PendingMessage) error
	Due(now time.Time, limit int) ([]*PendingMessage, error)
	Delete(id string) error
	Count() (int, error)
}

// MemoryMessageStorage is the default storage. Its messages do not survive
// a restart.
type MemoryMessageStorage struct {
	mu      sync.Mutex
	pending map[string]PendingMessage
}

func NewMemoryMessageStorage() *MemoryMessageStorage {
	return &MemoryMessageStorage{pending: make(map[string]PendingMessage)}
}

func (m *MemoryMessageStorage) Store(msg *PendingMessage) error {
	m.mu.Lock()
	m.pending[msg.ID] = *msg
	m.mu.Unlock()
	return nil
}

// Due returns copies of the messages whose retry time is at or before now,
// at most limit of them when limit is positive.
func (m *MemoryMessageStorage) Due(now time.Time, limit int) ([]*PendingMessage, error) {
	m.mu.Lock()
	due := make([]*PendingMessage, 0)
	for _, msg := range m.pending {
		if msg.NextRetryAt.After(now) {
			continue
		}
		msg := msg
		due = append(due, &msg)
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return DueBefore(due[i], due[j]) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryMessageStorage) Delete(id string) error {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryMessageStorage) Count() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending), nil
}
