// Package proactive runs background loops that watch deadlines, calendar
// events and the study schedule, and feed synthetic messages back into the
// agent through the bus.
package proactive

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/digiclaw/pkg/bus"
	"github.com/sipeed/digiclaw/pkg/config"
	"github.com/sipeed/digiclaw/pkg/integrations/google"
	"github.com/sipeed/digiclaw/pkg/integrations/notion"
	"github.com/sipeed/digiclaw/pkg/logger"
	"github.com/sipeed/digiclaw/pkg/session"
	"github.com/sipeed/digiclaw/pkg/study"
)

// notConfiguredDelay is how long the deadline loop waits when Notion has no
// credentials.
const notConfiguredDelay = time.Hour

type Publisher interface {
	PublishInbound(msg bus.InboundMessage)
}

type SessionLister interface {
	ListSessions() []session.Info
	ListActiveSessions() []*session.Session
}

type DeadlineSource interface {
	Authenticated() bool
	Deadlines(ctx context.Context) ([]notion.Deadline, error)
}

type EventSource interface {
	UpcomingEvents(ctx context.Context, from time.Time) ([]google.Event, error)
}

type StudyPlanner interface {
	Analyze(ctx context.Context) ([]study.Suggestion, error)
}

// Sources are the collaborators polled by the loops. A nil source disables
// the loop that needs it.
type Sources struct {
	Deadlines DeadlineSource
	Events    EventSource
	Planner   StudyPlanner
}

// loop is one supervised background routine. cycle returns an optional wait
// that replaces the normal interval for the next sleep.
type loop struct {
	name     string
	cfg      config.LoopConfig
	interval func(now time.Time) time.Duration
	cycle    func(ctx context.Context) (time.Duration, error)
	errDelay time.Duration
}

type Scheduler struct {
	cfg      config.ProactiveConfig
	pub      Publisher
	sessions SessionLister
	markers  *MarkerStore
	src      Sources
	now      func() time.Time

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(cfg config.ProactiveConfig, pub Publisher, sessions SessionLister, markers *MarkerStore, src Sources) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		pub:      pub,
		sessions: sessions,
		markers:  markers,
		src:      src,
		now:      time.Now,
	}
}

// SetClock replaces the time source used by the loops.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Scheduler) loops() []loop {
	var out []loop
	if s.src.Deadlines != nil && s.markers != nil {
		out = append(out, loop{
			name:     "deadlines",
			cfg:      s.cfg.Deadlines,
			interval: fixed(s.cfg.Deadlines.Interval),
			cycle:    s.checkDeadlines,
		})
	}
	if s.src.Events != nil && s.markers != nil {
		out = append(out, loop{
			name:     "calendar",
			cfg:      s.cfg.Calendar,
			interval: fixed(s.cfg.Calendar.Interval),
			cycle:    s.checkCalendar,
		})
	}
	out = append(out, loop{
		name:     "daily",
		cfg:      s.cfg.Daily.LoopConfig,
		interval: s.dailyInterval(),
		cycle:    s.dailyPlan,
	})
	if s.src.Planner != nil {
		out = append(out, loop{
			name:     "study",
			cfg:      s.cfg.Study,
			interval: fixed(s.cfg.Study.Interval),
			cycle:    s.studyNudge,
			errDelay: s.cfg.Study.RetryDelay,
		})
	}
	return out
}

// Start launches every enabled loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.cancels != nil {
		return
	}

	s.cancels = []context.CancelFunc{}
	for _, l := range s.loops() {
		if !l.cfg.Enabled {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		s.cancels = append(s.cancels, cancel)
		s.wg.Add(1)
		go func(l loop) {
			defer s.wg.Done()
			s.run(loopCtx, l)
		}(l)
		logger.InfoCF("proactive", "Loop started", map[string]interface{}{
			"loop":          l.name,
			"initial_delay": l.cfg.InitialDelay.String(),
		})
	}
}

// Stop cancels every loop and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, l loop) {
	if !sleep(ctx, l.cfg.InitialDelay) {
		return
	}
	for {
		if !sleep(ctx, s.runCycle(ctx, l)) {
			return
		}
	}
}

// runCycle executes one cycle and returns how long to sleep afterwards. A
// failing or panicking cycle falls back to the normal interval.
func (s *Scheduler) runCycle(ctx context.Context, l loop) (wait time.Duration) {
	wait = l.interval(s.now())
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("proactive", "Loop panicked", map[string]interface{}{
				"loop":  l.name,
				"panic": fmt.Sprint(r),
			})
		}
	}()

	override, err := l.cycle(ctx)
	if err != nil {
		logger.ErrorCF("proactive", "Loop cycle failed", map[string]interface{}{
			"loop":  l.name,
			"error": err.Error(),
		})
		if l.errDelay > 0 {
			return l.errDelay
		}
		return wait
	}
	if override > 0 {
		return override
	}
	return wait
}

func (s *Scheduler) dailyInterval() func(time.Time) time.Duration {
	expr := strings.TrimSpace(s.cfg.Daily.Cron)
	if expr == "" {
		return fixed(s.cfg.Daily.Interval)
	}
	if !gronx.New().IsValid(expr) {
		logger.WarnCF("proactive", "Invalid daily cron expression, using interval", map[string]interface{}{
			"cron": expr,
		})
		return fixed(s.cfg.Daily.Interval)
	}
	fallback := fixed(s.cfg.Daily.Interval)
	return func(now time.Time) time.Duration {
		next, err := gronx.NextTickAfter(expr, now, false)
		if err != nil {
			return fallback(now)
		}
		return next.Sub(now)
	}
}

func fixed(d time.Duration) func(time.Time) time.Duration {
	if d <= 0 {
		d = time.Minute
	}
	return func(time.Time) time.Duration { return d }
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) publish(source, channel, chatID, content string) {
	s.pub.PublishInbound(bus.InboundMessage{
		Channel:  channel,
		SenderID: bus.SystemSender,
		ChatID:   chatID,
		Content:  content,
		Metadata: map[string]string{"source": source},
	})
	logger.InfoCF("proactive", "Injected proactive message", map[string]interface{}{
		"loop":    source,
		"channel": channel,
		"chat_id": chatID,
	})
}
