// Package state keeps the conversation state of the multi-step /add
// dialog, one per user and chat.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HugeFrog24/sheetbot/internal/clock"
)

type Step string

const (
	StepIdle             Step = ""
	StepAwaitingAmount   Step = "awaiting_amount"
	StepAwaitingCategory Step = "awaiting_category"
	StepAwaitingNote     Step = "awaiting_note"
)

// Conversation is the dialog progress of one user in one chat.
type Conversation struct {
	Step      Step      `json:"step"`
	Amount    int64     `json:"amount,omitempty"`
	Category  string    `json:"category,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether a dialog is in progress.
func (c Conversation) Active() bool {
	return c.Step != StepIdle
}

// Store persists conversations. Get returns the idle conversation when
// nothing is stored or the stored value expired.
type Store interface {
	Get(ctx context.Context, botID string, chatID, userID int64) (Conversation, error)
	Set(ctx context.Context, botID string, chatID, userID int64, c Conversation) error
	Clear(ctx context.Context, botID string, chatID, userID int64) error
}

// key scopes state by sender as well as chat, so group members cannot
// answer each other's dialogs.
func key(botID string, chatID, userID int64) string {
	return fmt.Sprintf("sheetbot:state:%s:%d:%d", botID, chatID, userID)
}

type memoryItem struct {
	conv      Conversation
	expiresAt time.Time
}

// MemoryStore is an in-process Store. Expired items are dropped lazily.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	ttl   time.Duration
	clock clock.Clock
}

func NewMemoryStore(ttl time.Duration, c clock.Clock) *MemoryStore {
	return &MemoryStore{
		items: make(map[string]memoryItem),
		ttl:   ttl,
		clock: c,
	}
}

func (m *MemoryStore) Get(_ context.Context, botID string, chatID, userID int64) (Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(botID, chatID, userID)
	item, ok := m.items[k]
	if !ok {
		return Conversation{}, nil
	}
	if !m.clock.Now().Before(item.expiresAt) {
		delete(m.items, k)
		return Conversation{}, nil
	}
	return item.conv, nil
}

func (m *MemoryStore) Set(_ context.Context, botID string, chatID, userID int64, c Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	c.UpdatedAt = now
	m.items[key(botID, chatID, userID)] = memoryItem{conv: c, expiresAt: now.Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, botID string, chatID, userID int64) error {
	m.mu.Lock()
	delete(m.items, key(botID, chatID, userID))
	m.mu.Unlock()
	return nil
}
