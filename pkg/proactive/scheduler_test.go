package proactive

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/digiclaw/pkg/bus"
	"github.com/sipeed/digiclaw/pkg/config"
	"github.com/sipeed/digiclaw/pkg/integrations/google"
	"github.com/sipeed/digiclaw/pkg/integrations/notion"
	"github.com/sipeed/digiclaw/pkg/session"
	"github.com/sipeed/digiclaw/pkg/study"
)

type recorder struct {
	mu   sync.Mutex
	msgs []bus.InboundMessage
}

func (r *recorder) PublishInbound(msg bus.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) take() []bus.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.msgs
	r.msgs = nil
	return out
}

type lister struct {
	infos  []session.Info
	active []*session.Session
}

func (l *lister) ListSessions() []session.Info            { return l.infos }
func (l *lister) ListActiveSessions() []*session.Session { return l.active }

type deadlineStub struct {
	authed bool
	items  []notion.Deadline
	err    error
}

func (d *deadlineStub) Authenticated() bool { return d.authed }
func (d *deadlineStub) Deadlines(context.Context) ([]notion.Deadline, error) {
	return d.items, d.err
}

type eventStub struct {
	events []google.Event
}

func (e *eventStub) UpcomingEvents(context.Context, time.Time) ([]google.Event, error) {
	return e.events, nil
}

type plannerStub struct {
	suggestions []study.Suggestion
	err         error
}

func (p *plannerStub) Analyze(context.Context) ([]study.Suggestion, error) {
	return p.suggestions, p.err
}

var base = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func telegramSessions() *lister {
	return &lister{infos: []session.Info{
		{Key: "cli:default"},
		{Key: "telegram:200"},
		{Key: "telegram:100"},
	}}
}

func newTestScheduler(t *testing.T, sessions SessionLister, src Sources) (*Scheduler, *recorder, *time.Time) {
	t.Helper()
	rec := &recorder{}
	s := NewScheduler(config.DefaultConfig().Proactive, rec, sessions, openMarkers(t), src)
	now := base
	s.SetClock(func() time.Time { return now })
	return s, rec, &now
}

func TestDestinationPicksMostRecentMatchingSession(t *testing.T) {
	s, _, _ := newTestScheduler(t, telegramSessions(), Sources{})
	ch, id, ok := s.destination()
	require.True(t, ok)
	assert.Equal(t, "telegram", ch)
	assert.Equal(t, "200", id)

	s, _, _ = newTestScheduler(t, &lister{infos: []session.Info{{Key: "cli:x"}}}, Sources{})
	_, _, ok = s.destination()
	assert.False(t, ok)
}

func TestDeadlineAlertsOnePerCycleWithCooldown(t *testing.T) {
	src := &deadlineStub{authed: true, items: []notion.Deadline{
		{ID: "far", Title: "Essay", Type: "Assignment", Due: "2026-10-25"},
		{ID: "exam", Title: "Midterm", Type: "Exam", Due: "2026-10-20"},
		{ID: "bad", Title: "Broken", Type: "Task", Due: "next week"},
		{ID: "near", Title: "Lab 3", Type: "assignment", Due: "2026-10-17T10:00:00Z"},
	}}
	s, rec, now := newTestScheduler(t, telegramSessions(), Sources{Deadlines: src})
	ctx := context.Background()

	_, err := s.checkDeadlines(ctx)
	require.NoError(t, err)
	msgs := rec.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, "telegram", msgs[0].Channel)
	assert.Equal(t, "200", msgs[0].ChatID)
	assert.Equal(t, bus.SystemSender, msgs[0].SenderID)
	assert.Contains(t, msgs[0].Content, "'Midterm'")
	assert.Contains(t, msgs[0].Content, "(in 4 days)")

	_, err = s.checkDeadlines(ctx)
	require.NoError(t, err)
	msgs = rec.take()
	require.Len(t, msgs, 1, "the exam is cooling down, the next urgent item goes out")
	assert.Contains(t, msgs[0].Content, "'Lab 3'")
	assert.Contains(t, msgs[0].Content, "(in 1 days)")

	_, err = s.checkDeadlines(ctx)
	require.NoError(t, err)
	assert.Empty(t, rec.take())

	*now = base.Add(24 * time.Hour)
	_, err = s.checkDeadlines(ctx)
	require.NoError(t, err)
	msgs = rec.take()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "'Midterm'")
	assert.Contains(t, msgs[0].Content, "(in 3 days)")
}

func TestDeadlineLoopWaitsWithoutDestinationOrCredentials(t *testing.T) {
	src := &deadlineStub{authed: true}
	s, rec, _ := newTestScheduler(t, &lister{}, Sources{Deadlines: src})

	wait, err := s.checkDeadlines(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, wait)

	s, rec, _ = newTestScheduler(t, telegramSessions(), Sources{Deadlines: &deadlineStub{}})
	wait, err = s.checkDeadlines(context.Background())
	require.NoError(t, err)
	assert.Equal(t, notConfiguredDelay, wait)
	assert.Empty(t, rec.take())
}

func TestDeadlineFetchError(t *testing.T) {
	s, _, _ := newTestScheduler(t, telegramSessions(), Sources{Deadlines: &deadlineStub{authed: true, err: errors.New("503")}})
	_, err := s.checkDeadlines(context.Background())
	assert.ErrorContains(t, err, "503")
}

func TestUrgencyWindows(t *testing.T) {
	s, _, _ := newTestScheduler(t, &lister{}, Sources{})
	tests := []struct {
		kind string
		days int
		want bool
	}{
		{"Exam", 0, true},
		{"exam", 7, true},
		{"Exam", 8, false},
		{"Assignment", 3, true},
		{"task", 4, false},
		{"Task", -1, false},
		{"Reading", 1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.urgent(tt.kind, tt.days), "%s in %d days", tt.kind, tt.days)
	}
}

func TestDaysUntilFloors(t *testing.T) {
	assert.Equal(t, 0, daysUntil(base, base.Add(23*time.Hour)))
	assert.Equal(t, 1, daysUntil(base, base.Add(25*time.Hour)))
	assert.Equal(t, -1, daysUntil(base, base.Add(-time.Hour)))
}

func TestCalendarAlertsOnce(t *testing.T) {
	src := &eventStub{events: []google.Event{
		{ID: "allday", Summary: "Holiday", Start: base, AllDay: true},
		{ID: "past", Summary: "Standup", Start: base.Add(-time.Minute)},
		{ID: "soon", Summary: "Deep work", Start: base.Add(3 * time.Minute)},
		{ID: "later", Summary: "Gym", Start: base.Add(10 * time.Minute)},
	}}
	s, rec, now := newTestScheduler(t, telegramSessions(), Sources{Events: src})
	ctx := context.Background()

	_, err := s.checkCalendar(ctx)
	require.NoError(t, err)
	msgs := rec.take()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "'Deep work' is starting in 3 minutes")

	*now = base.Add(time.Minute)
	_, err = s.checkCalendar(ctx)
	require.NoError(t, err)
	assert.Empty(t, rec.take(), "one-shot per event")

	*now = base.Add(6 * time.Minute)
	_, err = s.checkCalendar(ctx)
	require.NoError(t, err)
	msgs = rec.take()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "'Gym'")
}

func TestDailyPlan(t *testing.T) {
	s, rec, _ := newTestScheduler(t, telegramSessions(), Sources{})
	wait, err := s.dailyPlan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, wait)
	msgs := rec.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, dailyPlanPrompt, msgs[0].Content)

	s, _, _ = newTestScheduler(t, &lister{}, Sources{})
	wait, err = s.dailyPlan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Hour, wait)
}

func TestDailyCronInterval(t *testing.T) {
	s, _, _ := newTestScheduler(t, &lister{}, Sources{})
	s.cfg.Daily.Cron = "0 8 * * *"
	at := time.Date(2026, 10, 15, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Hour, s.dailyInterval()(at))

	s.cfg.Daily.Cron = "not a cron"
	assert.Equal(t, 24*time.Hour, s.dailyInterval()(at))
}

func TestStudyNudgeBroadcasts(t *testing.T) {
	sessions := &lister{active: []*session.Session{{Key: "telegram:1"}, {Key: "cli:direct"}, {Key: "web:dashboard"}, {Key: "telegram:2"}, {Key: "broken"}}}
	planner := &plannerStub{suggestions: []study.Suggestion{{
		Course:        "CS101",
		ClassTime:     base.Add(30 * time.Hour),
		SuggestedPrep: base.Add(6 * time.Hour),
		Materials:     []notion.StudyMaterial{{Title: "Slides", URL: "https://example.com/s"}},
	}}}
	s, rec, _ := newTestScheduler(t, sessions, Sources{Planner: planner})

	_, err := s.studyNudge(context.Background())
	require.NoError(t, err)
	msgs := rec.take()
	require.Len(t, msgs, 2, "only sessions with a transport are nudged")
	assert.Equal(t, "telegram:1", msgs[0].Channel+":"+msgs[0].ChatID)
	assert.Equal(t, "telegram:2", msgs[1].Channel+":"+msgs[1].ChatID)
	assert.Contains(t, msgs[0].Content, "CS101")
	assert.Contains(t, msgs[0].Content, "- Slides: https://example.com/s")

	planner.suggestions = nil
	_, err = s.studyNudge(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rec.take())
}

func TestRunCycleFallsBackAfterFailure(t *testing.T) {
	s, _, _ := newTestScheduler(t, &lister{}, Sources{})
	interval := fixed(time.Hour)

	wait := s.runCycle(context.Background(), loop{name: "p", interval: interval, cycle: func(context.Context) (time.Duration, error) {
		panic("boom")
	}})
	assert.Equal(t, time.Hour, wait)

	wait = s.runCycle(context.Background(), loop{name: "e", interval: interval, cycle: func(context.Context) (time.Duration, error) {
		return 0, errors.New("down")
	}})
	assert.Equal(t, time.Hour, wait)

	wait = s.runCycle(context.Background(), loop{name: "r", interval: interval, errDelay: 5 * time.Minute, cycle: func(context.Context) (time.Duration, error) {
		return 0, errors.New("down")
	}})
	assert.Equal(t, 5*time.Minute, wait)

	wait = s.runCycle(context.Background(), loop{name: "o", interval: interval, cycle: func(context.Context) (time.Duration, error) {
		return time.Second, nil
	}})
	assert.Equal(t, time.Second, wait)
}

func TestStartStop(t *testing.T) {
	cfg := config.DefaultConfig().Proactive
	cfg.Daily = config.DailyConfig{LoopConfig: config.LoopConfig{Enabled: true, Interval: 5 * time.Millisecond}}
	rec := &recorder{}
	s := NewScheduler(cfg, rec, telegramSessions(), nil, Sources{})

	s.Start(context.Background())
	s.Start(context.Background())
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.msgs) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	n := len(rec.take())
	assert.GreaterOrEqual(t, n, 2)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.take(), "no cycles after Stop")
	s.Stop()
}

func TestDisabledSchedulerStartsNothing(t *testing.T) {
	cfg := config.DefaultConfig().Proactive
	cfg.Enabled = false
	cfg.Daily.InitialDelay = 0
	cfg.Daily.Interval = time.Millisecond
	rec := &recorder{}
	s := NewScheduler(cfg, rec, telegramSessions(), nil, Sources{})
	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	assert.Empty(t, rec.take())
}

func TestPlanningPromptsDoNotOfferCalendarWrites(t *testing.T) {
	prompts := map[string]string{
		"daily":    dailyPlanPrompt,
		"deadline": deadlineAlert(notion.Deadline{Title: "Midterm", Type: "Exam", Due: "2026-10-20"}, 5),
		"study":    studyMessage(study.Suggestion{Course: "CS101", ClassTime: base, SuggestedPrep: base}),
	}
	for name, prompt := range prompts {
		t.Run(name, func(t *testing.T) {
			assert.True(t, strings.HasSuffix(strings.TrimSpace(prompt), readOnlyCalendar))
			assert.NotContains(t, prompt, "offer to block")
			assert.NotContains(t, prompt, "want it on my calendar")
		})
	}
}
