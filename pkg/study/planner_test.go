package study

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/digiclaw/pkg/integrations/google"
	"github.com/sipeed/digiclaw/pkg/integrations/notion"
)

type fakeEvents struct {
	events []google.Event
	err    error
}

func (f fakeEvents) UpcomingEvents(context.Context, time.Time) ([]google.Event, error) {
	return f.events, f.err
}

type fakeMaterials map[string][]notion.StudyMaterial

func (f fakeMaterials) StudyMaterials(context.Context) (map[string][]notion.StudyMaterial, error) {
	return f, nil
}

func TestAnalyzeMatchesCoursesAndKeywords(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := fakeEvents{events: []google.Event{
		{ID: "past", Summary: "MAS 121 lecture", Start: now.Add(-time.Hour)},
		{ID: "code", Summary: "mas 121 tutorial", Start: now.Add(48 * time.Hour)},
		{ID: "soon", Summary: "Physics Lecture", Start: now.Add(3 * time.Hour)},
		{ID: "other", Summary: "Dentist", Start: now.Add(5 * time.Hour)},
	}}

	p := NewPlanner(t.TempDir(), events, nil)
	p.SetClock(func() time.Time { return now })
	require.NoError(t, p.SaveResources(Resources{
		"MAS 121 - Linear Algebra": {{Title: "Notes", URL: "https://example.edu/n"}},
	}))

	got, err := p.Analyze(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "MAS 121 - Linear Algebra", got[0].Course)
	assert.Equal(t, now.Add(24*time.Hour), got[0].SuggestedPrep)
	assert.Len(t, got[0].Materials, 1)

	assert.Equal(t, "Physics Lecture", got[1].Course)
	assert.Equal(t, now.Add(time.Hour), got[1].SuggestedPrep, "prep already passed moves to now+1h")
	assert.Empty(t, got[1].Materials)
}

func TestAnalyzeErrors(t *testing.T) {
	p := NewPlanner(t.TempDir(), nil, nil)
	_, err := p.Analyze(context.Background())
	assert.Error(t, err)

	p = NewPlanner(t.TempDir(), fakeEvents{err: errors.New("quota")}, nil)
	_, err = p.Analyze(context.Background())
	assert.ErrorContains(t, err, "quota")
}

func TestSyncMergesCourses(t *testing.T) {
	p := NewPlanner(t.TempDir(), nil, fakeMaterials{
		"CS 101": {{Title: "Slides", URL: "u1"}},
	})
	require.NoError(t, p.SaveResources(Resources{
		"CS 101":  {{Title: "Stale", URL: "old"}},
		"HIS 200": {{Title: "Reader", URL: "u2"}},
	}))

	res, err := p.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Slides", res["CS 101"][0].Title)
	assert.Contains(t, res, "HIS 200")

	loaded, err := p.LoadResources()
	require.NoError(t, err)
	assert.Equal(t, res, loaded)
}

func TestMatchCourse(t *testing.T) {
	courses := []string{"BIO 110: Cells", "Chemistry"}
	tests := []struct {
		summary string
		want    string
	}{
		{"BIO 110 LAB", "BIO 110: Cells"},
		{"CHEMISTRY REVIEW", "Chemistry"},
		{"CHEM", "Chemistry"},
		{"GYM", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.summary, func(t *testing.T) {
			assert.Equal(t, tt.want, matchCourse(tt.summary, courses))
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "No upcoming classes found.", Format(nil))
	out := Format([]Suggestion{{
		Course:    "CS 101",
		ClassTime: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Materials: []notion.StudyMaterial{{Title: "Slides", URL: "u"}},
	}})
	assert.Contains(t, out, "CS 101 at Mon Mar 2 09:00")
	assert.Contains(t, out, "* Slides u")
}
