package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/digiclaw/pkg/api"
	"github.com/sipeed/digiclaw/pkg/channels"
	"github.com/sipeed/digiclaw/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func newGatewayCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the agent with chat channels, proactive loops and the gateway API",
		Long: `Start the long-running agent.

The gateway will:
- connect the configured chat channels (Telegram)
- process inbound messages one at a time
- run the proactive deadline, calendar, daily plan and study loops
- serve the local status API when gateway.enabled is set

Press Ctrl+C to shut down.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGateway(cmd.Context(), a)
		},
	}
}

func runGateway(parent context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(a.cfg, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.WarnCF("gateway", "Shutdown error", map[string]interface{}{"error": err.Error()})
		}
	}()

	mgr := channels.NewManager(rt.bus)
	if tg := a.cfg.Channels.Telegram; tg.Enabled {
		ch, err := channels.NewTelegramChannel(tg, rt.bus, filepath.Join(a.cfg.WorkspacePath(), "media"))
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		mgr.Register(ch)
	}
	if err := mgr.StartAll(ctx); err != nil {
		return err
	}

	var server *api.Server
	if a.cfg.Gateway.Enabled {
		server = api.NewServer(a.cfg, rt.agent, rt.sessions, mgr, rt.markers, rt.bus)
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("start gateway api: %w", err)
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- rt.agent.Run(ctx)
	}()

	logger.InfoCF("gateway", "Gateway running", map[string]interface{}{
		"channels": mgr.Names(),
		"api":      a.cfg.Gateway.Enabled,
	})

	exited := false
	select {
	case <-ctx.Done():
	case err := <-done:
		exited = true
		if err != nil {
			logger.ErrorCF("gateway", "Agent loop exited", map[string]interface{}{"error": err.Error()})
		}
		stop()
	}
	logger.InfoC("gateway", "Shutting down")

	rt.agent.Stop()
	if !exited {
		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			logger.WarnC("gateway", "Agent loop did not stop in time")
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if server != nil {
		if err := server.Stop(); err != nil {
			logger.WarnCF("gateway", "API shutdown error", map[string]interface{}{"error": err.Error()})
		}
	}
	if err := mgr.StopAll(stopCtx); err != nil {
		logger.WarnCF("gateway", "Channel shutdown error", map[string]interface{}{"error": err.Error()})
	}
	rt.agent.WaitBackground()
	return nil
}
