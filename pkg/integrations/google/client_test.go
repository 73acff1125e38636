package google

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/digiclaw/pkg/config"
)

func TestUpcomingEvents(t *testing.T) {
	from := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calendars/primary/events", r.URL.Path)
		assert.Equal(t, "2026-03-01T09:00:00Z", r.URL.Query().Get("timeMin"))
		assert.Equal(t, "true", r.URL.Query().Get("singleEvents"))
		_, _ = io.WriteString(w, `{"items": [
			{"id": "e1", "summary": "MAS 121 Lecture", "start": {"dateTime": "2026-03-01T10:00:00+02:00"}},
			{"id": "e2", "summary": "Holiday", "start": {"date": "2026-03-02"}},
			{"id": "e3", "summary": "Broken", "start": {}}
		]}`)
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.Client(), config.GoogleConfig{BaseURL: srv.URL})
	events, err := c.UpcomingEvents(context.Background(), from)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "e1", events[0].ID)
	assert.False(t, events[0].AllDay)
	assert.True(t, events[0].Start.Equal(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)))
	assert.True(t, events[1].AllDay)
}

func TestOpenTasks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/@me/lists", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"items": [{"id": "L1", "title": "School"}]}`)
	})
	mux.HandleFunc("/lists/L1/tasks", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "false", r.URL.Query().Get("showCompleted"))
		_, _ = io.WriteString(w, `{"items": [
			{"id": "t1", "title": "Buy notebook", "status": "needsAction", "due": "2026-03-03T00:00:00.000Z"},
			{"id": "t2", "title": "Old", "status": "completed"}
		]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewWithHTTPClient(srv.Client(), config.GoogleConfig{TasksBaseURL: srv.URL})
	tasks, err := c.OpenTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, Task{ID: "t1", Title: "Buy notebook", Due: "2026-03-03T00:00:00.000Z", Status: "needsAction", List: "School"}, tasks[0])
}

func TestErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error": {"message": "insufficient scopes"}}`)
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.Client(), config.GoogleConfig{BaseURL: srv.URL})
	_, err := c.UpcomingEvents(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient scopes")
}

func TestParseTokenLayouts(t *testing.T) {
	tok, err := parseToken([]byte(`{"token": "ya29.x", "refresh_token": "r", "expiry": "2026-03-01T10:00:00.123456Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "ya29.x", tok.AccessToken)
	assert.Equal(t, 2026, tok.Expiry.Year())

	tok, err = parseToken([]byte(`{"access_token": "a", "token_type": "Bearer", "expiry": "2026-03-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)

	_, err = parseToken([]byte(`{}`))
	assert.Error(t, err)
}

func TestNewReadsFiles(t *testing.T) {
	dir := t.TempDir()
	credPath := filepath.Join(dir, "credentials.json")
	tokenPath := filepath.Join(dir, "token.json")
	require.NoError(t, os.WriteFile(credPath, []byte(`{"installed": {"client_id": "id", "client_secret": "s"}}`), 0600))
	require.NoError(t, os.WriteFile(tokenPath, []byte(`{"access_token": "a", "expiry": "2099-01-01T00:00:00Z"}`), 0600))

	c, err := New(context.Background(), config.GoogleConfig{CredentialsFile: credPath, TokenFile: tokenPath})
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = New(context.Background(), config.GoogleConfig{CredentialsFile: filepath.Join(dir, "missing.json"), TokenFile: tokenPath})
	assert.Error(t, err)

	cfg, err := parseCredentials([]byte(`{"web": {"client_id": "w"}}`))
	require.NoError(t, err)
	assert.Equal(t, "w", cfg.ClientID)
	_, err = parseCredentials([]byte(`{}`))
	assert.Error(t, err)
}
