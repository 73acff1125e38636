package proactive

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sipeed/digiclaw/pkg/integrations/notion"
	"github.com/sipeed/digiclaw/pkg/logger"
	"github.com/sipeed/digiclaw/pkg/study"
)

// readOnlyCalendar ends every prompt that plans time. list_calendar is the
// only calendar tool registered.
const readOnlyCalendar = "You can read my calendar but cannot create events on it."

const dailyPlanPrompt = "DAILY PROACTIVE ROUTINE: It is time to plan the day. Use list_tasks and list_calendar. " +
	"Compare my unscheduled tasks and upcoming Notion deadlines against the free time on my calendar, " +
	"then suggest a time-blocked schedule for the next 24 to 48 hours that I can copy into my calendar. " + readOnlyCalendar

// checkDeadlines alerts about at most one urgent deadline per cycle.
func (s *Scheduler) checkDeadlines(ctx context.Context) (time.Duration, error) {
	channel, chatID, ok := s.destination()
	if !ok {
		logger.DebugCF("proactive", "No destination for deadline alerts yet", nil)
		return s.cfg.Deadlines.RetryDelay, nil
	}
	if !s.src.Deadlines.Authenticated() {
		return notConfiguredDelay, nil
	}

	items, err := s.src.Deadlines.Deadlines(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch deadlines: %w", err)
	}

	now := s.now().UTC()
	for _, d := range items {
		due, ok := parseDue(d.Due)
		if !ok {
			continue
		}
		days := daysUntil(now, due)
		if !s.urgent(d.Type, days) {
			continue
		}

		notify, err := s.markers.ShouldNotify(ctx, Marker{
			ID:     d.ID,
			Source: "notion",
			Title:  d.Title,
			Kind:   d.Type,
		}, now, s.cfg.DeadlineCooldown)
		if err != nil {
			return 0, err
		}
		if !notify {
			continue
		}
		s.publish("deadlines", channel, chatID, deadlineAlert(d, days))
		break
	}
	return 0, nil
}

func (s *Scheduler) urgent(kind string, days int) bool {
	if days < 0 {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "exam":
		return days <= s.cfg.ExamWindowDays
	case "assignment", "task":
		return days <= s.cfg.TaskWindowDays
	}
	return false
}

// daysUntil counts whole days, rounding toward the past.
func daysUntil(now, due time.Time) int {
	return int(math.Floor(due.Sub(now).Hours() / 24))
}

// parseDue accepts a Notion date (YYYY-MM-DD, read as UTC midnight) or an
// RFC 3339 timestamp.
func parseDue(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if len(s) == len("2006-01-02") {
		t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
		return t, err == nil
	}
	t, err := time.Parse(time.RFC3339, s)
	return t, err == nil
}

func deadlineAlert(d notion.Deadline, days int) string {
	return fmt.Sprintf("PROACTIVE SYSTEM ALERT: I have an upcoming %s called '%s' due on %s (in %d days). "+
		"Act as my study guide: break down what I need to do, ask which topics I am weak at, "+
		"and suggest free slots on my calendar where I could prepare. %s", d.Type, d.Title, d.Due, days, readOnlyCalendar)
}

// checkCalendar alerts once per event that is about to start.
func (s *Scheduler) checkCalendar(ctx context.Context) (time.Duration, error) {
	channel, chatID, ok := s.destination()
	if !ok {
		return 0, nil
	}

	now := s.now()
	events, err := s.src.Events.UpcomingEvents(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("fetch events: %w", err)
	}

	for _, e := range events {
		if e.AllDay {
			continue
		}
		until := e.Start.Sub(now)
		if until < 0 || until > s.cfg.AlertLeadTime {
			continue
		}

		fresh, err := s.markers.MarkOnce(ctx, Marker{
			ID:     "cal_alert_" + e.ID,
			Source: "calendar",
			Title:  e.Summary,
			Kind:   "event",
		}, now)
		if err != nil {
			return 0, err
		}
		if !fresh {
			continue
		}

		summary := e.Summary
		if summary == "" {
			summary = "Unknown"
		}
		s.publish("calendar", channel, chatID, fmt.Sprintf(
			"PROACTIVE SYSTEM ALERT: A time block called '%s' is starting in %d minutes. Tell me to drop everything and focus.",
			summary, int(until/time.Minute)))
		break
	}
	return 0, nil
}

// dailyPlan asks for a plan of the day in the destination conversation.
func (s *Scheduler) dailyPlan(context.Context) (time.Duration, error) {
	channel, chatID, ok := s.destination()
	if !ok {
		return s.cfg.Daily.RetryDelay, nil
	}
	s.publish("daily", channel, chatID, dailyPlanPrompt)
	return 0, nil
}

// studyNudge broadcasts the most imminent study suggestion to every active
// conversation under the destination prefix.
func (s *Scheduler) studyNudge(ctx context.Context) (time.Duration, error) {
	suggestions, err := s.src.Planner.Analyze(ctx)
	if err != nil {
		return 0, fmt.Errorf("analyze study schedule: %w", err)
	}
	if len(suggestions) == 0 {
		return 0, nil
	}

	text := studyMessage(suggestions[0])
	for _, dst := range s.activeDestinations() {
		s.publish("study", dst[0], dst[1], text)
	}
	return 0, nil
}

func studyMessage(sg study.Suggestion) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "PROACTIVE STUDY NUDGE: I have %s coming up at %s.\n",
		sg.Course, sg.ClassTime.Format("Mon Jan 2 15:04"))
	fmt.Fprintf(&sb, "Suggested study window: %s\n", sg.SuggestedPrep.Format("Mon Jan 2 15:04"))
	if len(sg.Materials) > 0 {
		sb.WriteString("Materials:\n")
		for _, m := range sg.Materials {
			fmt.Fprintf(&sb, "- %s: %s\n", m.Title, m.URL)
		}
	}
	sb.WriteString("Tell me about it and suggest I reserve this time for a focused session. " + readOnlyCalendar)
	return sb.String()
}
