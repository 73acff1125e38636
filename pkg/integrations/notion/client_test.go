package notion

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/digiclaw/pkg/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig().Integrations.Notion
	cfg.APIKey = "secret_test"
	cfg.APIKeyFile = ""
	cfg.BaseURL = srv.URL
	cfg.DeadlinesDatabase = "db-deadlines"
	cfg.ResourcesDatabase = "db-resources"
	return New(cfg)
}

func TestInProgressTasksFiltersDone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Bearer secret_test", r.Header.Get("Authorization"))
		assert.Equal(t, notionVersion, r.Header.Get("Notion-Version"))
		_, _ = io.WriteString(w, `{"results": [
			{"id": "p1", "url": "https://notion.so/p1", "properties": {
				"Name": {"type": "title", "title": [{"plain_text": "Write essay"}]},
				"Status": {"type": "status", "status": {"name": "In progress"}}}},
			{"id": "p2", "properties": {
				"Name": {"type": "title", "title": [{"plain_text": "Old"}]},
				"Status": {"type": "select", "select": {"name": "Done"}}}},
			{"id": "p3", "properties": {
				"Name": {"type": "title", "title": [{"plain_text": "No status"}]}}}
		], "has_more": false}`)
	})

	tasks, err := c.InProgressTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Write essay", tasks[0].Title)
	assert.Equal(t, "In progress", tasks[0].Status)
}

func TestDeadlinesPaginates(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/databases/db-deadlines/query", r.URL.Path)
		var body map[string]interface{}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		calls++
		if calls == 1 {
			assert.Nil(t, body["start_cursor"])
			_, _ = io.WriteString(w, `{"results": [{"id": "d1", "properties": {
				"Name": {"title": [{"plain_text": "Calculus midterm"}]},
				"Type": {"select": {"name": "Exam"}},
				"Due": {"date": {"start": "2026-03-10"}}}}],
				"has_more": true, "next_cursor": "c2"}`)
			return
		}
		assert.Equal(t, "c2", body["start_cursor"])
		_, _ = io.WriteString(w, `{"results": [{"id": "d2", "properties": {
			"Name": {"title": [{"plain_text": "Lab report"}]},
			"Type": {"select": {"name": "Assignment"}},
			"Due": {"date": {"start": "2026-03-08T23:59:00Z"}}}}], "has_more": false}`)
	})

	deadlines, err := c.Deadlines(context.Background())
	require.NoError(t, err)
	require.Len(t, deadlines, 2)
	assert.Equal(t, Deadline{ID: "d1", Title: "Calculus midterm", Type: "Exam", Due: "2026-03-10"}, deadlines[0])
	assert.Equal(t, "Assignment", deadlines[1].Type)
	assert.Equal(t, 2, calls)
}

func TestStudyMaterialsGroupsByCourse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"results": [
			{"id": "r1", "url": "https://notion.so/r1", "properties": {
				"Name": {"title": [{"plain_text": "Lecture 3 slides"}]},
				"Course": {"select": {"name": "MAS 121"}},
				"URL": {"url": "https://example.edu/l3.pdf"}}},
			{"id": "r2", "url": "https://notion.so/r2", "properties": {
				"Name": {"title": [{"plain_text": "Problem set"}]},
				"Course": {"rich_text": [{"plain_text": "MAS 121"}]},
				"URL": {"url": null}}}
		]}`)
	})

	mats, err := c.StudyMaterials(context.Background())
	require.NoError(t, err)
	require.Len(t, mats["MAS 121"], 2)
	assert.Equal(t, "https://example.edu/l3.pdf", mats["MAS 121"][0].URL)
	assert.Equal(t, "https://notion.so/r2", mats["MAS 121"][1].URL)
}

func TestAPIErrorsAreWrapped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"object": "error", "message": "API token is invalid."}`)
	})

	_, err := c.Deadlines(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API token is invalid.")
}

func TestKeyFileAndUnauthenticated(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "api_key")
	require.NoError(t, os.WriteFile(keyPath, []byte("  from-file\n"), 0600))

	c := New(config.NotionConfig{APIKeyFile: keyPath})
	assert.True(t, c.Authenticated())

	empty := New(config.NotionConfig{})
	assert.False(t, empty.Authenticated())
	tasks, err := empty.InProgressTasks(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, tasks)
}
