package session

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(dir, 4)
	require.NoError(t, err)
	return m, dir
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", "simple"},
		{"telegram:123456", "telegram_123456"},
		{"cli:direct", "cli_direct"},
		{"multiple:colons:here", "multiple_colons_here"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeFilename(tt.input))
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	m, dir := newManager(t)
	s := m.GetOrCreate("telegram:42")
	s.AddMessage("user", "hello", nil)
	s.AddMessage("assistant", "hi", []string{"list_tasks"})
	require.NoError(t, m.Save(s))

	_, err := os.Stat(filepath.Join(dir, "telegram_42.json"))
	require.NoError(t, err)

	m2, err := NewManager(dir, 4)
	require.NoError(t, err)
	got := m2.GetOrCreate("telegram:42")
	require.Equal(t, 2, got.Len())
	assert.Equal(t, []string{"list_tasks"}, got.History(0)[1].ToolsUsed)
}

func TestSaveRejectsTraversal(t *testing.T) {
	m, _ := newManager(t)
	for _, key := range []string{"../escape", "a/b", `a\b`, ""} {
		err := m.Save(&Session{Key: key})
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestHistoryWindow(t *testing.T) {
	s := newSession("k")
	for i := 0; i < 5; i++ {
		s.AddMessage("user", string(rune('a'+i)), nil)
	}
	h := s.History(2)
	require.Len(t, h, 2)
	assert.Equal(t, "d", h[0].Content)
	assert.Len(t, s.History(0), 5)

	h[0].Content = "mutated"
	assert.Equal(t, "d", s.History(2)[0].Content, "History must return a copy")
}

func TestAdvanceConsolidatedIsForwardOnlyAndClamped(t *testing.T) {
	m, _ := newManager(t)
	s := m.GetOrCreate("cli:direct")
	for i := 0; i < 10; i++ {
		s.AddMessage("user", "m", nil)
	}
	gen := s.Generation()

	moved, err := m.AdvanceConsolidated("cli:direct", gen, 6)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, 6, s.Cursor())

	moved, _ = m.AdvanceConsolidated("cli:direct", gen, 3)
	assert.False(t, moved, "cursor never moves backwards")
	assert.Equal(t, 6, s.Cursor())

	moved, _ = m.AdvanceConsolidated("cli:direct", gen, 99)
	assert.True(t, moved)
	assert.Equal(t, 10, s.Cursor(), "cursor is clamped to len(messages)")
}

func TestClearInvalidatesOlderGenerations(t *testing.T) {
	m, _ := newManager(t)
	s := m.GetOrCreate("telegram:1")
	for i := 0; i < 8; i++ {
		s.AddMessage("user", "m", nil)
	}
	snap := s.Snapshot()

	s.Clear()
	require.NoError(t, m.Save(s))
	m.Invalidate("telegram:1")

	moved, err := m.AdvanceConsolidated("telegram:1", snap.Generation, 4)
	require.NoError(t, err)
	assert.False(t, moved)

	reloaded := m.GetOrCreate("telegram:1")
	assert.NotSame(t, s, reloaded)
	assert.Equal(t, 0, reloaded.Len())
	assert.Equal(t, 0, reloaded.Cursor())
	assert.Equal(t, s.Generation(), reloaded.Generation(), "generation survives a reload")
}

func TestSnapshotIsIndependent(t *testing.T) {
	s := newSession("k")
	s.AddMessage("user", "one", nil)
	snap := s.Snapshot()
	s.AddMessage("user", "two", nil)
	assert.Len(t, snap.Messages, 1)
}

func TestEvictionPersists(t *testing.T) {
	m, dir := newManager(t)
	first := m.GetOrCreate("telegram:first")
	first.AddMessage("user", "kept", nil)
	for _, k := range []string{"a:1", "a:2", "a:3", "a:4"} {
		m.GetOrCreate(k)
	}
	_, err := os.Stat(filepath.Join(dir, "telegram_first.json"))
	require.NoError(t, err, "evicted session should be written out")

	again := m.GetOrCreate("telegram:first")
	assert.Equal(t, 1, again.Len())
}

func TestListSessionsAndActive(t *testing.T) {
	m, _ := newManager(t)
	for _, k := range []string{"cli:direct", "telegram:7"} {
		s := m.GetOrCreate(k)
		s.AddMessage("user", "x", nil)
		require.NoError(t, m.Save(s))
	}

	infos := m.ListSessions()
	require.Len(t, infos, 2)
	assert.Equal(t, "telegram:7", infos[0].Key, "most recently updated first")
	assert.Len(t, m.ListActiveSessions(), 2)
}

func TestConcurrentAppendAndSnapshot(t *testing.T) {
	s := newSession("k")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.AddMessage("user", "m", nil)
		}()
		go func() {
			defer wg.Done()
			snap := s.Snapshot()
			assert.LessOrEqual(t, snap.LastConsolidated, len(snap.Messages))
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, s.Len())
}

func TestConcurrentSavesKeepLatestCursor(t *testing.T) {
	m, dir := newManager(t)
	s := m.GetOrCreate("telegram:5")
	for i := 0; i < 120; i++ {
		s.AddMessage("user", "m", nil)
	}
	gen := s.Snapshot().Generation

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			assert.NoError(t, m.Save(s))
		}
	}()
	go func() {
		defer wg.Done()
		for cursor := 1; cursor <= 100; cursor++ {
			_, err := m.AdvanceConsolidated("telegram:5", gen, cursor)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	m2, err := NewManager(dir, 4)
	require.NoError(t, err)
	assert.Equal(t, 100, m2.GetOrCreate("telegram:5").Snapshot().LastConsolidated)
}
