// Package api serves the local gateway API: health and status endpoints, a
// direct chat endpoint and a WebSocket stream of outbound bus traffic.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sipeed/digiclaw/pkg/bus"
	"github.com/sipeed/digiclaw/pkg/config"
	"github.com/sipeed/digiclaw/pkg/logger"
	"github.com/sipeed/digiclaw/pkg/session"
	"github.com/sipeed/digiclaw/pkg/tools"
)

const (
	chatTimeout    = 120 * time.Second
	webChannel     = "web"
	defaultWebChat = "dashboard"
)

// Agent is the part of the agent loop the API exposes.
type Agent interface {
	IsRunning() bool
	Model() string
	Tools() *tools.ToolRegistry
	ProcessDirect(ctx context.Context, content, sessionKey, channel, chatID string, onProgress func(string)) (string, error)
}

type SessionLister interface {
	ListSessions() []session.Info
}

type ChannelStatus interface {
	Status() map[string]bool
}

// MarkerCounter reports how many proactive alerts were recorded per source.
type MarkerCounter interface {
	Count(ctx context.Context) (map[string]int, error)
}

// Server is the HTTP gateway API.
type Server struct {
	cfg       config.GatewayConfig
	workspace string
	agent     Agent
	sessions  SessionLister
	channels  ChannelStatus
	markers   MarkerCounter
	hub       *WSHub
	bridge    *EventBridge
	startTime time.Time
	server    *http.Server
}

func NewServer(cfg *config.Config, agent Agent, sessions SessionLister, channels ChannelStatus, markers MarkerCounter, msgBus *bus.MessageBus) *Server {
	gw := cfg.Gateway
	if gw.APIKey == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err == nil {
			gw.APIKey = hex.EncodeToString(raw)
			fmt.Printf("\nGateway API key (session token): %s\nSet gateway.api_key in the config file to make it permanent.\n\n", gw.APIKey)
		}
	}
	s := &Server{
		cfg:       gw,
		workspace: cfg.WorkspacePath(),
		agent:     agent,
		sessions:  sessions,
		channels:  channels,
		markers:   markers,
		startTime: time.Now(),
	}
	s.hub = NewWSHub(s)
	s.bridge = NewEventBridge(msgBus, s.hub)
	return s
}

// Handler returns the routed and authenticated API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/system/status", s.handleSystemStatus)
	mux.HandleFunc("/api/system/info", s.handleSystemInfo)
	mux.HandleFunc("/api/channels", s.handleChannels)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/tools", s.handleTools)
	mux.HandleFunc("/api/agent/chat", s.handleAgentChat)
	mux.HandleFunc("/api/ws", s.hub.HandleWebSocket)
	return corsMiddleware(authMiddleware(s.cfg.APIKey, mux))
}

// runBackground starts the WebSocket hub and the bus bridge.
func (s *Server) runBackground(ctx context.Context) {
	go s.hub.Run(ctx)
	s.bridge.Run(ctx)
}

// Start begins listening on the configured host:port.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: chatTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "Gateway API server starting", map[string]interface{}{
		"addr": addr,
	})

	s.runBackground(ctx)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) status(ctx context.Context) map[string]interface{} {
	uptime := time.Since(s.startTime)
	status := map[string]interface{}{
		"uptime_seconds": int(uptime.Seconds()),
		"uptime_human":   formatDuration(uptime),
	}
	if s.agent != nil {
		status["agent"] = map[string]interface{}{
			"running": s.agent.IsRunning(),
			"model":   s.agent.Model(),
			"tools":   s.agent.Tools().Count(),
		}
	}
	if s.channels != nil {
		status["channels"] = s.channels.Status()
	}
	if s.sessions != nil {
		status["sessions"] = len(s.sessions.ListSessions())
	}
	if s.markers != nil {
		if counts, err := s.markers.Count(ctx); err == nil {
			status["alerts"] = counts
		}
	}
	return status
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status(r.Context()))
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	hostname, _ := os.Hostname()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hostname":   hostname,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"goroutines": runtime.NumGoroutine(),
		"memory_mb":  float64(m.Alloc) / 1024 / 1024,
		"workspace":  s.workspace,
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if s.channels == nil {
		writeJSON(w, http.StatusOK, map[string]bool{})
		return
	}
	writeJSON(w, http.StatusOK, s.channels.Status())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	infos := s.sessions.ListSessions()
	result := make([]map[string]interface{}, 0, len(infos))
	for _, info := range infos {
		result = append(result, map[string]interface{}{
			"key":     info.Key,
			"created": info.CreatedAt,
			"updated": info.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.agent.Tools().Definitions())
}

func (s *Server) handleAgentChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}

	var req struct {
		Message string `json:"message"`
		Session string `json:"session"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message required"})
		return
	}
	if s.agent == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "agent not available"})
		return
	}

	chatID := strings.TrimPrefix(req.Session, webChannel+":")
	if chatID == "" {
		chatID = defaultWebChat
	}
	sessionKey := webChannel + ":" + chatID

	ctx, cancel := context.WithTimeout(r.Context(), chatTimeout)
	defer cancel()

	response, err := s.agent.ProcessDirect(ctx, req.Message, sessionKey, webChannel, chatID, nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"response": response,
		"session":  sessionKey,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
