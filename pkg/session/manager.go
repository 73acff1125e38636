package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"

	"github.com/sipeed/digiclaw/pkg/logger"
)

var ErrInvalidKey = errors.New("session: invalid key")

const DefaultCacheSize = 128

// record is the on-disk layout of a session file.
type record struct {
	Key              string    `json:"key"`
	Messages         []Message `json:"messages"`
	LastConsolidated int       `json:"last_consolidated"`
	Generation       uint64    `json:"generation"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Info is the summary returned by ListSessions.
type Info struct {
	Key       string
	CreatedAt time.Time
	UpdatedAt time.Time
	Path      string
}

// Manager caches recently used sessions in memory and persists each one as
// sessions/<key>.json. Evicted sessions are written out and reloaded on the
// next GetOrCreate.
type Manager struct {
	dir   string
	cache *lru.Cache[string, *Session]
	mu    sync.Mutex
}

func NewManager(dir string, cacheSize int) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	m := &Manager{dir: dir}
	cache, err := lru.NewWithEvict[string, *Session](cacheSize, func(key string, s *Session) {
		if err := m.write(s); err != nil {
			logger.WarnCF("session", "Failed to persist evicted session", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	})
	if err != nil {
		return nil, err
	}
	m.cache = cache
	return m, nil
}

// sanitizeFilename converts a session key into a cross-platform safe filename.
func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}

func (m *Manager) path(key string) (string, error) {
	name := sanitizeFilename(key)
	if name == "" || name == "." || !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidKey
	}
	return filepath.Join(m.dir, name+".json"), nil
}

// GetOrCreate returns the cached session, loading it from disk or creating
// an empty one on first use.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.cache.Get(key); ok {
		return s
	}
	s, err := m.load(key)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.WarnCF("session", "Failed to load session, starting fresh", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		s = newSession(key)
	}
	m.cache.Add(key, s)
	return s
}

func (m *Manager) load(key string) (*Session, error) {
	if m.dir == "" {
		return nil, os.ErrNotExist
	}
	p, err := m.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Messages == nil {
		rec.Messages = []Message{}
	}
	if rec.LastConsolidated < 0 || rec.LastConsolidated > len(rec.Messages) {
		rec.LastConsolidated = len(rec.Messages)
	}
	return &Session{
		Key:              key,
		Messages:         rec.Messages,
		LastConsolidated: rec.LastConsolidated,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
		generation:       rec.Generation,
	}, nil
}

// Save persists the session atomically.
func (m *Manager) Save(s *Session) error {
	return m.write(s)
}

func (m *Manager) write(s *Session) error {
	if m.dir == "" {
		return nil
	}
	p, err := m.path(s.Key)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	rec := record{
		Key:              s.Key,
		Messages:         append([]Message(nil), s.Messages...),
		LastConsolidated: s.LastConsolidated,
		Generation:       s.generation,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
	s.mu.RUnlock()
	if rec.Messages == nil {
		rec.Messages = []Message{}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(m.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// Invalidate drops the cached reference; the next GetOrCreate reloads from
// disk.
func (m *Manager) Invalidate(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(key)
}

// AdvanceConsolidated moves the cursor of key forward to cursor, provided the
// session has not been cleared since the snapshot of generation was taken.
// The session is saved when the cursor moves.
func (m *Manager) AdvanceConsolidated(key string, generation uint64, cursor int) (bool, error) {
	s := m.GetOrCreate(key)
	if !s.advance(generation, cursor) {
		return false, nil
	}
	return true, m.Save(s)
}

// ListSessions reads every session file header, most recently updated first.
func (m *Manager) ListSessions() []Info {
	if m.dir == "" {
		return m.cachedInfo()
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		logger.WarnCF("session", "Failed to list sessions", map[string]interface{}{"error": err.Error()})
		return nil
	}

	var out []Info
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		p := filepath.Join(m.dir, e.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		doc := gjson.ParseBytes(data)
		key := doc.Get("key").String()
		if key == "" {
			continue
		}
		out = append(out, Info{
			Key:       key,
			CreatedAt: doc.Get("created_at").Time(),
			UpdatedAt: doc.Get("updated_at").Time(),
			Path:      p,
		})
	}
	sortInfo(out)
	return out
}

func (m *Manager) cachedInfo() []Info {
	var out []Info
	for _, s := range m.ListActiveSessions() {
		s.mu.RLock()
		out = append(out, Info{Key: s.Key, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt})
		s.mu.RUnlock()
	}
	sortInfo(out)
	return out
}

func sortInfo(out []Info) {
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Key < out[j].Key
	})
}

// ListActiveSessions returns the sessions currently held in memory.
func (m *Manager) ListActiveSessions() []*Session {
	return m.cache.Values()
}
