// Package memory keeps the agent's long-term notes and the append-only
// history log, and folds old conversation turns into them.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store manages persistent memory for the agent.
//   - Long-term notes: memory/MEMORY.md
//   - History log:     memory/HISTORY.md
type Store struct {
	memoryDir   string
	memoryFile  string
	historyFile string

	mu sync.Mutex
}

func NewStore(workspace string) *Store {
	dir := filepath.Join(workspace, "memory")
	_ = os.MkdirAll(dir, 0o755)
	return &Store{
		memoryDir:   dir,
		memoryFile:  filepath.Join(dir, "MEMORY.md"),
		historyFile: filepath.Join(dir, "HISTORY.md"),
	}
}

// ReadLongTerm returns MEMORY.md, or "" if it does not exist.
func (s *Store) ReadLongTerm() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, err := os.ReadFile(s.memoryFile); err == nil {
		return string(data)
	}
	return ""
}

func (s *Store) WriteLongTerm(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.memoryDir, 0o755); err != nil {
		return err
	}
	tmp := s.memoryFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write long-term memory: %w", err)
	}
	return os.Rename(tmp, s.memoryFile)
}

// AppendHistory adds one entry to HISTORY.md, separated by a blank line.
func (s *Store) AppendHistory(entry string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.memoryDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.historyFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer f.Close()
	_, err = f.WriteString(strings.TrimRight(entry, "\n") + "\n\n")
	return err
}

func (s *Store) ReadHistory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _ := os.ReadFile(s.historyFile)
	return string(data)
}

// GetMemoryContext renders the long-term notes for the system prompt.
func (s *Store) GetMemoryContext() string {
	lt := strings.TrimSpace(s.ReadLongTerm())
	if lt == "" {
		return ""
	}
	return "## Long-term Memory\n\n" + lt
}
