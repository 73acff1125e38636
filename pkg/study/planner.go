// Package study suggests preparation windows for upcoming classes using the
// calendar and a per-course list of study materials.
package study

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/digiclaw/pkg/integrations/google"
	"github.com/sipeed/digiclaw/pkg/integrations/notion"
)

const ResourcesFile = "study_resources.json"

type EventSource interface {
	UpcomingEvents(ctx context.Context, from time.Time) ([]google.Event, error)
}

type MaterialSource interface {
	StudyMaterials(ctx context.Context) (map[string][]notion.StudyMaterial, error)
}

// Resources maps a course name to its study materials.
type Resources map[string][]notion.StudyMaterial

type Suggestion struct {
	Course        string                 `json:"course"`
	ClassTime     time.Time              `json:"class_time"`
	SuggestedPrep time.Time              `json:"suggested_prep"`
	Materials     []notion.StudyMaterial `json:"materials"`
	Reason        string                 `json:"reason"`
}

type Planner struct {
	events    EventSource
	materials MaterialSource
	path      string
	now       func() time.Time

	mu sync.Mutex
}

// NewPlanner keeps study_resources.json inside workspace. Either source may be
// nil when the integration is not configured.
func NewPlanner(workspace string, events EventSource, materials MaterialSource) *Planner {
	return &Planner{
		events:    events,
		materials: materials,
		path:      filepath.Join(workspace, ResourcesFile),
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (p *Planner) SetClock(now func() time.Time) {
	p.now = now
}

func (p *Planner) LoadResources() (Resources, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadLocked()
}

func (p *Planner) loadLocked() (Resources, error) {
	res := Resources{}
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read study resources: %w", err)
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parse study resources: %w", err)
	}
	return res, nil
}

func (p *Planner) SaveResources(res Resources) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveLocked(res)
}

func (p *Planner) saveLocked(res Resources) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}

// Sync merges the courses fetched from Notion over the saved resources.
// Courses missing from Notion are kept.
func (p *Planner) Sync(ctx context.Context) (Resources, error) {
	if p.materials == nil {
		return nil, fmt.Errorf("study materials source not configured")
	}
	fetched, err := p.materials.StudyMaterials(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch study materials: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	current, err := p.loadLocked()
	if err != nil {
		return nil, err
	}
	for course, mats := range fetched {
		current[course] = mats
	}
	if err := p.saveLocked(current); err != nil {
		return nil, fmt.Errorf("save study resources: %w", err)
	}
	return current, nil
}

// Analyze returns one suggestion per upcoming class. An event is a class
// when it names a known course or contains CLASS or LECTURE.
func (p *Planner) Analyze(ctx context.Context) ([]Suggestion, error) {
	if p.events == nil {
		return nil, fmt.Errorf("calendar not configured")
	}
	now := p.now()
	events, err := p.events.UpcomingEvents(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	res, err := p.LoadResources()
	if err != nil {
		return nil, err
	}

	courses := make([]string, 0, len(res))
	for c := range res {
		courses = append(courses, c)
	}
	sort.Strings(courses)

	var out []Suggestion
	for _, ev := range events {
		if ev.Start.Before(now) {
			continue
		}
		summary := strings.ToUpper(ev.Summary)
		course := matchCourse(summary, courses)
		if course == "" && !strings.Contains(summary, "CLASS") && !strings.Contains(summary, "LECTURE") {
			continue
		}

		prep := ev.Start.Add(-24 * time.Hour)
		if prep.Before(now) {
			prep = now.Add(time.Hour)
		}
		name := course
		if name == "" {
			name = ev.Summary
		}
		out = append(out, Suggestion{
			Course:        name,
			ClassTime:     ev.Start,
			SuggestedPrep: prep,
			Materials:     res[course],
			Reason:        fmt.Sprintf("Proactive Prep: You have %s coming up.", name),
		})
	}
	return out, nil
}

// matchCourse finds the first course whose code (text before "-" or ":"),
// full name, or containing name matches the upper-cased summary.
func matchCourse(summary string, courses []string) string {
	if summary == "" {
		return ""
	}
	for _, course := range courses {
		upper := strings.ToUpper(course)
		code := strings.TrimSpace(strings.SplitN(upper, "-", 2)[0])
		code = strings.TrimSpace(strings.SplitN(code, ":", 2)[0])
		if (code != "" && strings.Contains(summary, code)) ||
			strings.Contains(summary, upper) ||
			strings.Contains(upper, summary) {
			return course
		}
	}
	return ""
}

// Format renders suggestions as a short plain-text digest.
func Format(suggestions []Suggestion) string {
	if len(suggestions) == 0 {
		return "No upcoming classes found."
	}
	var sb strings.Builder
	for _, s := range suggestions {
		fmt.Fprintf(&sb, "- %s at %s (prep from %s)\n", s.Course,
			s.ClassTime.Format("Mon Jan 2 15:04"), s.SuggestedPrep.Format("Mon Jan 2 15:04"))
		for _, m := range s.Materials {
			fmt.Fprintf(&sb, "    * %s %s\n", m.Title, m.URL)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
