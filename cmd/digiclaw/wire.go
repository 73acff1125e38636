package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sipeed/digiclaw/pkg/agent"
	"github.com/sipeed/digiclaw/pkg/bus"
	"github.com/sipeed/digiclaw/pkg/config"
	"github.com/sipeed/digiclaw/pkg/integrations/google"
	"github.com/sipeed/digiclaw/pkg/integrations/notion"
	"github.com/sipeed/digiclaw/pkg/logger"
	"github.com/sipeed/digiclaw/pkg/mcp"
	"github.com/sipeed/digiclaw/pkg/proactive"
	"github.com/sipeed/digiclaw/pkg/providers"
	"github.com/sipeed/digiclaw/pkg/session"
	"github.com/sipeed/digiclaw/pkg/study"
	"github.com/sipeed/digiclaw/pkg/tools"
)

const sessionsDir = "sessions"

// runtime is the wired agent and everything it owns.
type runtime struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	registry  *tools.ToolRegistry
	sessions  *session.Manager
	agent     *agent.AgentLoop
	connector *mcp.Connector
	markers   *proactive.MarkerStore
	scheduler *proactive.Scheduler
}

// newRuntime builds the agent loop. The proactive scheduler and its marker
// store are only created when proactiveLoops is set.
func newRuntime(cfg *config.Config, proactiveLoops bool) (*runtime, error) {
	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	rt := &runtime{
		cfg:      cfg,
		bus:      bus.NewMessageBus(),
		registry: tools.NewToolRegistry(),
	}

	restrict := cfg.Agents.Defaults.RestrictToWorkspace
	rt.registry.Register(tools.NewReadFileTool(workspace, restrict))
	rt.registry.Register(tools.NewWriteFileTool(workspace, restrict))
	rt.registry.Register(tools.NewEditFileTool(workspace, restrict))
	rt.registry.Register(tools.NewListDirTool(workspace, restrict))
	rt.registry.Register(tools.NewMessageTool(rt.bus.PublishOutbound))
	sources := registerProductivityTools(cfg, rt.registry, workspace)

	rt.sessions, err = session.NewManager(filepath.Join(workspace, sessionsDir), session.DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("open sessions: %w", err)
	}

	rt.agent = agent.NewAgentLoop(cfg, rt.bus, provider, rt.registry, rt.sessions)
	rt.connector = mcp.NewConnector(cfg.MCP.Servers, rt.registry, version)
	rt.agent.SetConnector(rt.connector)

	if proactiveLoops {
		rt.markers, err = proactive.OpenMarkerStore(filepath.Join(workspace, proactive.MarkerFile))
		if err != nil {
			return nil, err
		}
		rt.scheduler = proactive.NewScheduler(cfg.Proactive, rt.bus, rt.sessions, rt.markers, sources)
		rt.agent.SetScheduler(rt.scheduler)
	}

	logger.InfoCF("digiclaw", "Runtime ready", map[string]interface{}{
		"workspace": workspace,
		"model":     rt.agent.Model(),
		"tools":     rt.registry.List(),
		"proactive": proactiveLoops && cfg.Proactive.Enabled,
	})
	return rt, nil
}

// registerProductivityTools adds the Notion, Google and study tools that the
// configured credentials allow and returns the matching proactive sources.
// Interfaces are only assigned from non-nil clients.
func registerProductivityTools(cfg *config.Config, registry *tools.ToolRegistry, workspace string) proactive.Sources {
	var (
		src         proactive.Sources
		notionTasks tools.NotionTaskSource
		materials   study.MaterialSource
		googleTasks tools.GoogleTaskSource
		events      study.EventSource
	)

	nc := notion.New(cfg.Integrations.Notion)
	src.Deadlines = nc
	if nc.Authenticated() {
		notionTasks = nc
		materials = nc
	} else {
		logger.InfoC("digiclaw", "Notion not configured: task and deadline data unavailable")
	}

	gc, err := google.New(context.Background(), cfg.Integrations.Google)
	if err != nil {
		logger.InfoCF("digiclaw", "Google integration disabled", map[string]interface{}{"reason": err.Error()})
	} else {
		googleTasks = gc
		events = gc
		src.Events = gc
		registry.Register(tools.NewListCalendarTool(gc))
	}

	registry.Register(tools.NewListTasksTool(notionTasks, googleTasks))

	planner := study.NewPlanner(workspace, events, materials)
	registry.Register(tools.NewAnalyzeStudyTool(planner))
	registry.Register(tools.NewSyncStudyTool(planner))
	if events != nil {
		src.Planner = planner
	}
	return src
}

func (rt *runtime) Close() error {
	var errs []error
	if err := rt.connector.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close mcp: %w", err))
	}
	if rt.markers != nil {
		if err := rt.markers.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close markers: %w", err))
		}
	}
	rt.bus.Close()
	return errors.Join(errs...)
}
