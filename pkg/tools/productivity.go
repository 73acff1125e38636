package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/digiclaw/pkg/integrations/google"
	"github.com/sipeed/digiclaw/pkg/integrations/notion"
	"github.com/sipeed/digiclaw/pkg/study"
)

type NotionTaskSource interface {
	InProgressTasks(ctx context.Context) ([]notion.Task, error)
}

type GoogleTaskSource interface {
	OpenTasks(ctx context.Context) ([]google.Task, error)
}

type CalendarSource interface {
	UpcomingEvents(ctx context.Context, from time.Time) ([]google.Event, error)
}

type StudyPlanner interface {
	Analyze(ctx context.Context) ([]study.Suggestion, error)
	Sync(ctx context.Context) (study.Resources, error)
}

var emptyParams = map[string]interface{}{
	"type":       "object",
	"properties": map[string]interface{}{},
}

// ListTasksTool merges open work from Notion and Google Tasks. A source that
// fails is reported inline so the other can still answer.
type ListTasksTool struct {
	notion NotionTaskSource
	google GoogleTaskSource
}

func NewListTasksTool(n NotionTaskSource, g GoogleTaskSource) *ListTasksTool {
	return &ListTasksTool{notion: n, google: g}
}

func (t *ListTasksTool) Name() string { return "list_tasks" }

func (t *ListTasksTool) Description() string {
	return "List the user's open tasks from Notion (in progress) and Google Tasks."
}

func (t *ListTasksTool) Parameters() map[string]interface{} { return emptyParams }

func (t *ListTasksTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	if t.notion == nil && t.google == nil {
		return ErrorResult("no task sources configured")
	}

	var sb strings.Builder
	if t.notion != nil {
		tasks, err := t.notion.InProgressTasks(ctx)
		switch {
		case err != nil:
			fmt.Fprintf(&sb, "Notion: error: %v\n", err)
		case len(tasks) == 0:
			sb.WriteString("Notion: no tasks in progress\n")
		default:
			sb.WriteString("Notion:\n")
			for _, task := range tasks {
				fmt.Fprintf(&sb, "- %s [%s]\n", task.Title, task.Status)
			}
		}
	}
	if t.google != nil {
		tasks, err := t.google.OpenTasks(ctx)
		switch {
		case err != nil:
			fmt.Fprintf(&sb, "Google Tasks: error: %v\n", err)
		case len(tasks) == 0:
			sb.WriteString("Google Tasks: nothing open\n")
		default:
			sb.WriteString("Google Tasks:\n")
			for _, task := range tasks {
				line := "- " + task.Title
				if task.Due != "" {
					line += " (due " + task.Due + ")"
				}
				sb.WriteString(line + "\n")
			}
		}
	}
	return NewToolResult(strings.TrimRight(sb.String(), "\n"))
}

type ListCalendarTool struct {
	calendar CalendarSource
	now      func() time.Time
}

func NewListCalendarTool(c CalendarSource) *ListCalendarTool {
	return &ListCalendarTool{calendar: c, now: time.Now}
}

func (t *ListCalendarTool) Name() string { return "list_calendar" }

func (t *ListCalendarTool) Description() string {
	return "List upcoming Google Calendar events."
}

func (t *ListCalendarTool) Parameters() map[string]interface{} { return emptyParams }

func (t *ListCalendarTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	if t.calendar == nil {
		return ErrorResult("calendar not configured")
	}
	events, err := t.calendar.UpcomingEvents(ctx, t.now())
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to fetch events: %v", err)).WithError(err)
	}
	if len(events) == 0 {
		return NewToolResult("No upcoming events.")
	}
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		when := ev.Start.Format("Mon Jan 2 15:04")
		if ev.AllDay {
			when = ev.Start.Format("Mon Jan 2") + " (all day)"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", when, ev.Summary))
	}
	return NewToolResult(strings.Join(lines, "\n"))
}

type AnalyzeStudyTool struct {
	planner StudyPlanner
}

func NewAnalyzeStudyTool(p StudyPlanner) *AnalyzeStudyTool {
	return &AnalyzeStudyTool{planner: p}
}

func (t *AnalyzeStudyTool) Name() string { return "analyze_study_schedule" }

func (t *AnalyzeStudyTool) Description() string {
	return "Find upcoming classes in the calendar and suggest when to prepare, with linked study materials."
}

func (t *AnalyzeStudyTool) Parameters() map[string]interface{} { return emptyParams }

func (t *AnalyzeStudyTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	suggestions, err := t.planner.Analyze(ctx)
	if err != nil {
		return ErrorResult(fmt.Sprintf("study analysis failed: %v", err)).WithError(err)
	}
	return NewToolResult(study.Format(suggestions))
}

type SyncStudyTool struct {
	planner StudyPlanner
}

func NewSyncStudyTool(p StudyPlanner) *SyncStudyTool {
	return &SyncStudyTool{planner: p}
}

func (t *SyncStudyTool) Name() string { return "sync_study_resources" }

func (t *SyncStudyTool) Description() string {
	return "Refresh the per-course study materials list from Notion."
}

func (t *SyncStudyTool) Parameters() map[string]interface{} { return emptyParams }

func (t *SyncStudyTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	res, err := t.planner.Sync(ctx)
	if err != nil {
		return ErrorResult(fmt.Sprintf("sync failed: %v", err)).WithError(err)
	}
	total := 0
	for _, mats := range res {
		total += len(mats)
	}
	return NewToolResult(fmt.Sprintf("Synced %d materials across %d courses.", total, len(res)))
}
