package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sipeed/digiclaw/pkg/config"
	"github.com/sipeed/digiclaw/pkg/integrations/notion"
	"github.com/sipeed/digiclaw/pkg/proactive"
	"github.com/sipeed/digiclaw/pkg/providers"
	"github.com/sipeed/digiclaw/pkg/session"
)

type statusReport struct {
	ConfigPath    string         `json:"config_path"`
	Workspace     string         `json:"workspace"`
	Provider      string         `json:"provider"`
	Model         string         `json:"model"`
	ProviderError string         `json:"provider_error,omitempty"`
	Sessions      int            `json:"sessions"`
	LastSession   string         `json:"last_session,omitempty"`
	Alerts        map[string]int `json:"alerts,omitempty"`
	Telegram      bool           `json:"telegram"`
	Notion        bool           `json:"notion"`
	MCPServers    []string       `json:"mcp_servers"`
	Proactive     bool           `json:"proactive"`
	Gateway       string         `json:"gateway,omitempty"`
}

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration, provider and stored state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := collectStatus(cmd.Context(), a.configPath, a.cfg)
			if err != nil {
				return err
			}
			return writeStatus(cmd.OutOrStdout(), report, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func collectStatus(ctx context.Context, configPath string, cfg *config.Config) (statusReport, error) {
	workspace := cfg.WorkspacePath()
	report := statusReport{
		ConfigPath: config.ExpandHome(configPath),
		Workspace:  workspace,
		Provider:   cfg.Agents.Defaults.Provider,
		Model:      cfg.Agents.Defaults.Model,
		Telegram:   cfg.Channels.Telegram.Enabled,
		Notion:     notion.New(cfg.Integrations.Notion).Authenticated(),
		Proactive:  cfg.Proactive.Enabled,
	}
	if cfg.Gateway.Enabled {
		report.Gateway = fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	for name := range cfg.MCP.Servers {
		report.MCPServers = append(report.MCPServers, name)
	}
	sort.Strings(report.MCPServers)

	if provider, err := providers.CreateProvider(cfg); err != nil {
		report.ProviderError = err.Error()
	} else if report.Model == "" {
		report.Model = provider.GetDefaultModel()
	}

	sessions, err := session.NewManager(filepath.Join(workspace, sessionsDir), session.DefaultCacheSize)
	if err != nil {
		return report, fmt.Errorf("open sessions: %w", err)
	}
	infos := sessions.ListSessions()
	report.Sessions = len(infos)
	if len(infos) > 0 {
		report.LastSession = infos[0].Key
	}

	markerPath := filepath.Join(workspace, proactive.MarkerFile)
	if _, err := os.Stat(markerPath); err == nil {
		markers, err := proactive.OpenMarkerStore(markerPath)
		if err != nil {
			return report, err
		}
		defer markers.Close()
		if report.Alerts, err = markers.Count(ctx); err != nil {
			return report, fmt.Errorf("count alerts: %w", err)
		}
	}
	return report, nil
}

func writeStatus(out io.Writer, r statusReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	check := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}
	fmt.Fprintf(out, "Config:    %s\n", r.ConfigPath)
	fmt.Fprintf(out, "Workspace: %s\n", r.Workspace)
	if r.ProviderError != "" {
		fmt.Fprintf(out, "Provider:  %s ✗ (%s)\n", r.Provider, r.ProviderError)
	} else {
		fmt.Fprintf(out, "Provider:  %s ✓ model %s\n", r.Provider, r.Model)
	}
	fmt.Fprintf(out, "Sessions:  %d", r.Sessions)
	if r.LastSession != "" {
		fmt.Fprintf(out, " (latest %s)", r.LastSession)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Telegram:  %s\n", check(r.Telegram))
	fmt.Fprintf(out, "Notion:    %s\n", check(r.Notion))
	fmt.Fprintf(out, "Proactive: %s\n", check(r.Proactive))
	if len(r.Alerts) > 0 {
		sources := make([]string, 0, len(r.Alerts))
		for s := range r.Alerts {
			sources = append(sources, s)
		}
		sort.Strings(sources)
		for _, s := range sources {
			fmt.Fprintf(out, "  alerts %-10s %d\n", s, r.Alerts[s])
		}
	}
	if len(r.MCPServers) > 0 {
		fmt.Fprintf(out, "MCP:       %v\n", r.MCPServers)
	}
	if r.Gateway != "" {
		fmt.Fprintf(out, "Gateway:   http://%s\n", r.Gateway)
	}
	return nil
}
