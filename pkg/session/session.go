// Package session keeps the durable per-conversation message log.
package session

import (
	"sync"
	"time"
)

type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ToolsUsed []string  `json:"tools_used,omitempty"`
}

// Session is one conversation keyed by "channel:chat_id". LastConsolidated
// indexes the first message not yet folded into long-term memory and always
// stays within [0, len(Messages)].
type Session struct {
	Key              string
	Messages         []Message
	LastConsolidated int
	CreatedAt        time.Time
	UpdatedAt        time.Time

	// generation changes on every Clear so that work started against an
	// older snapshot can be recognised as stale.
	generation uint64

	mu sync.RWMutex
	// writeMu orders saves of this session so the file on disk always
	// holds the most recent state.
	writeMu sync.Mutex
}

// Snapshot is a point-in-time copy handed to background consolidation.
type Snapshot struct {
	Key              string
	Messages         []Message
	LastConsolidated int
	Generation       uint64
}

func newSession(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Session) AddMessage(role, content string, toolsUsed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: now,
		ToolsUsed: toolsUsed,
	})
	s.UpdatedAt = now
}

// History returns a copy of the last max messages (all when max <= 0).
func (s *Session) History(max int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if max > 0 && len(s.Messages) > max {
		start = len(s.Messages) - max
	}
	out := make([]Message, len(s.Messages)-start)
	copy(out, s.Messages[start:])
	return out
}

func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Messages)
}

func (s *Session) Cursor() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastConsolidated
}

func (s *Session) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Clear empties the session and resets the cursor.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = []Message{}
	s.LastConsolidated = 0
	s.generation++
	s.UpdatedAt = time.Now()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]Message, len(s.Messages))
	copy(msgs, s.Messages)
	return Snapshot{
		Key:              s.Key,
		Messages:         msgs,
		LastConsolidated: s.LastConsolidated,
		Generation:       s.generation,
	}
}

// advance moves the cursor forward for the given generation. It never moves
// backwards and never past the end of the log.
func (s *Session) advance(generation uint64, cursor int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return false
	}
	if cursor > len(s.Messages) {
		cursor = len(s.Messages)
	}
	if cursor <= s.LastConsolidated {
		return false
	}
	s.LastConsolidated = cursor
	return true
}
