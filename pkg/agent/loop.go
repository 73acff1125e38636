package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipeed/digiclaw/pkg/bus"
	"github.com/sipeed/digiclaw/pkg/config"
	"github.com/sipeed/digiclaw/pkg/logger"
	"github.com/sipeed/digiclaw/pkg/memory"
	"github.com/sipeed/digiclaw/pkg/providers"
	"github.com/sipeed/digiclaw/pkg/session"
	"github.com/sipeed/digiclaw/pkg/tools"
)

const (
	// iterationCap bounds model calls per message regardless of config.
	iterationCap = 5

	pollTimeout          = time.Second
	consolidationTimeout = 2 * time.Minute

	systemChannel = "system"

	fallbackReply       = "I've completed processing but have no response to give."
	backgroundDoneReply = "Background task completed."
)

// Connector is the lazily bootstrapped auxiliary tool connection.
type Connector interface {
	EnsureConnected(ctx context.Context) error
	Close() error
}

// Scheduler is a set of background loops tied to the agent's lifetime.
type Scheduler interface {
	Start(ctx context.Context)
	Stop()
}

type AgentLoop struct {
	bus          *bus.MessageBus
	provider     providers.LLMProvider
	tools        *tools.ToolRegistry
	sessions     *session.Manager
	context      *ContextBuilder
	consolidator *memory.Consolidator
	connector    Connector
	scheduler    Scheduler

	model         string
	maxIterations int
	memoryWindow  int
	temperature   float64
	maxTokens     int
	prefetch      config.PrefetchConfig

	running atomic.Bool

	// turnMu serializes turns from the bus and from ProcessDirect. The
	// message tool and tool routing context are shared by every turn.
	turnMu sync.Mutex

	// consolidating holds the keys of sessions with a consolidation in flight.
	consolidating sync.Map
	bg            sync.WaitGroup
}

func NewAgentLoop(cfg *config.Config, msgBus *bus.MessageBus, provider providers.LLMProvider, registry *tools.ToolRegistry, sessions *session.Manager) *AgentLoop {
	defaults := cfg.Agents.Defaults
	workspace := cfg.WorkspacePath()

	model := defaults.Model
	if model == "" {
		model = provider.GetDefaultModel()
	}
	memoryWindow := defaults.MemoryWindow
	if memoryWindow <= 0 {
		memoryWindow = 50
	}

	store := memory.NewStore(workspace)
	return &AgentLoop{
		bus:           msgBus,
		provider:      provider,
		tools:         registry,
		sessions:      sessions,
		context:       NewContextBuilder(workspace, store, registry),
		consolidator:  memory.NewConsolidator(provider, store, model, memoryWindow),
		model:         model,
		maxIterations: defaults.MaxToolIterations,
		memoryWindow:  memoryWindow,
		temperature:   defaults.Temperature,
		maxTokens:     defaults.MaxTokens,
		prefetch:      defaults.Prefetch,
	}
}

func (al *AgentLoop) SetConnector(c Connector) {
	al.connector = c
}

func (al *AgentLoop) SetScheduler(s Scheduler) {
	al.scheduler = s
}

// Run bootstraps the connector, starts the schedulers and then handles inbound
// messages one at a time until Stop is called or ctx ends.
func (al *AgentLoop) Run(ctx context.Context) error {
	al.running.Store(true)
	al.ensureConnected(ctx)
	defer al.closeConnector()

	if al.scheduler != nil {
		al.scheduler.Start(ctx)
		defer al.scheduler.Stop()
	}

	logger.InfoCF("agent", "Agent loop started", map[string]interface{}{
		"model":          al.model,
		"max_iterations": al.iterationLimit(),
		"memory_window":  al.memoryWindow,
		"tools":          al.tools.Count(),
	})

	for al.running.Load() {
		if ctx.Err() != nil {
			return nil
		}
		msg, ok := al.bus.ConsumeInboundTimeout(ctx, pollTimeout)
		if !ok {
			continue
		}
		al.handle(ctx, msg)
	}
	return nil
}

func (al *AgentLoop) Stop() {
	al.running.Store(false)
}

// WaitBackground blocks until every background consolidation has finished.
func (al *AgentLoop) WaitBackground() {
	al.bg.Wait()
}

func (al *AgentLoop) IsRunning() bool {
	return al.running.Load()
}

func (al *AgentLoop) Model() string {
	return al.model
}

func (al *AgentLoop) Tools() *tools.ToolRegistry {
	return al.tools
}

func (al *AgentLoop) ensureConnected(ctx context.Context) {
	if al.connector == nil {
		return
	}
	// failures are logged by the connector and retried on the next use
	_ = al.connector.EnsureConnected(ctx)
}

func (al *AgentLoop) closeConnector() {
	if al.connector == nil {
		return
	}
	if err := al.connector.Close(); err != nil {
		logger.WarnCF("agent", "Error closing MCP connections", map[string]interface{}{"error": err.Error()})
	}
}

func (al *AgentLoop) handle(ctx context.Context, msg bus.InboundMessage) {
	out, err := al.process(ctx, msg, nil)
	if err != nil {
		logger.ErrorCF("agent", "Error processing message", map[string]interface{}{
			"channel": msg.Channel,
			"chat_id": msg.ChatID,
			"error":   err.Error(),
		})
		channel, chatID := msg.Channel, msg.ChatID
		if channel == systemChannel {
			channel, chatID = parseOrigin(chatID)
		}
		al.bus.PublishOutbound(bus.OutboundMessage{
			Channel: channel,
			ChatID:  chatID,
			Content: "Sorry, I encountered an error: " + err.Error(),
		})
		return
	}
	if out != nil {
		al.bus.PublishOutbound(*out)
	}
}

// process runs one message to completion and converts a panic into an error.
func (al *AgentLoop) process(ctx context.Context, msg bus.InboundMessage, onProgress func(string)) (out *bus.OutboundMessage, err error) {
	al.turnMu.Lock()
	defer al.turnMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	if msg.Channel == systemChannel {
		return al.processSystemMessage(ctx, msg)
	}
	return al.processMessage(ctx, msg, onProgress)
}

// ProcessDirect handles content outside the bus, for the CLI and the gateway
// API. The reply is returned instead of published. It waits for any turn in
// progress to finish first.
func (al *AgentLoop) ProcessDirect(ctx context.Context, content, sessionKey, channel, chatID string, onProgress func(string)) (string, error) {
	al.ensureConnected(ctx)
	out, err := al.process(ctx, bus.InboundMessage{
		Channel:    channel,
		SenderID:   "user",
		ChatID:     chatID,
		Content:    content,
		SessionKey: sessionKey,
	}, onProgress)
	if err != nil || out == nil {
		return "", err
	}
	return out.Content, nil
}

func (al *AgentLoop) processMessage(ctx context.Context, msg bus.InboundMessage, onProgress func(string)) (*bus.OutboundMessage, error) {
	logger.InfoCF("agent", "Processing message", map[string]interface{}{
		"channel": msg.Channel,
		"sender":  msg.SenderID,
		"preview": preview(msg.Content, 80),
	})

	sess := al.sessions.GetOrCreate(msg.Key())
	if reply, ok := al.handleCommand(msg, sess); ok {
		return &bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: reply}, nil
	}

	al.maybeConsolidate(sess)

	mt := al.startTurn(msg.Channel, msg.ChatID)
	messages := al.context.BuildMessages(sess.History(al.memoryWindow), msg.Content, msg.Media, msg.Channel, msg.ChatID)
	al.injectPrefetch(ctx, msg.Content, messages)

	if onProgress == nil {
		onProgress = al.busProgress(msg)
	}
	final, used, err := al.runLLMIteration(ctx, messages, onProgress)
	if err != nil {
		return nil, err
	}
	if final == "" {
		final = fallbackReply
	}

	logger.InfoCF("agent", "Response ready", map[string]interface{}{
		"channel": msg.Channel,
		"tools":   len(used),
		"preview": preview(final, 120),
	})

	sess.AddMessage("user", msg.Content, nil)
	sess.AddMessage("assistant", final, used)
	al.save(sess)

	if mt != nil && mt.SentInTurn() {
		return nil, nil
	}
	return &bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  final,
		Metadata: copyMetadata(msg.Metadata),
	}, nil
}

// processSystemMessage answers a message injected by background work. Its
// chat id carries the destination as "channel:chat_id".
func (al *AgentLoop) processSystemMessage(ctx context.Context, msg bus.InboundMessage) (*bus.OutboundMessage, error) {
	channel, chatID := parseOrigin(msg.ChatID)
	logger.InfoCF("agent", "Processing system message", map[string]interface{}{
		"sender": msg.SenderID,
		"origin": channel + ":" + chatID,
	})

	sess := al.sessions.GetOrCreate(channel + ":" + chatID)
	mt := al.startTurn(channel, chatID)
	messages := al.context.BuildMessages(sess.History(al.memoryWindow), msg.Content, nil, channel, chatID)

	final, used, err := al.runLLMIteration(ctx, messages, nil)
	if err != nil {
		return nil, err
	}
	if final == "" {
		final = backgroundDoneReply
	}

	sess.AddMessage("user", fmt.Sprintf("[System: %s] %s", msg.SenderID, msg.Content), nil)
	sess.AddMessage("assistant", final, used)
	al.save(sess)

	if mt != nil && mt.SentInTurn() {
		return nil, nil
	}
	return &bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: final}, nil
}

func (al *AgentLoop) save(sess *session.Session) {
	if err := al.sessions.Save(sess); err != nil {
		logger.ErrorCF("agent", "Failed to save session", map[string]interface{}{
			"session": sess.Key,
			"error":   err.Error(),
		})
	}
}

// startTurn routes contextual tools to the conversation and resets the
// message tool's per-turn flag.
func (al *AgentLoop) startTurn(channel, chatID string) *tools.MessageTool {
	al.tools.SetContext(channel, chatID)
	t, ok := al.tools.Get("message")
	if !ok {
		return nil
	}
	mt, ok := t.(*tools.MessageTool)
	if !ok {
		return nil
	}
	mt.StartTurn()
	return mt
}

func (al *AgentLoop) busProgress(msg bus.InboundMessage) func(string) {
	return func(content string) {
		meta := copyMetadata(msg.Metadata)
		if meta == nil {
			meta = map[string]string{}
		}
		meta[bus.MetaProgress] = "true"
		al.bus.PublishOutbound(bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Content:  content,
			Metadata: meta,
		})
	}
}

func (al *AgentLoop) iterationLimit() int {
	if al.maxIterations <= 0 || al.maxIterations > iterationCap {
		return iterationCap
	}
	return al.maxIterations
}

// runLLMIteration drives the tool-calling loop and returns the final text
// (empty when none was produced) and the tools invoked in call order.
func (al *AgentLoop) runLLMIteration(ctx context.Context, messages []providers.Message, onProgress func(string)) (string, []string, error) {
	var (
		final   string
		used    []string
		retried bool
	)
	limit := al.iterationLimit()

	for iteration := 1; iteration <= limit; iteration++ {
		logger.DebugCF("agent", "LLM iteration", map[string]interface{}{
			"iteration": iteration,
			"max":       limit,
			"messages":  len(messages),
		})

		resp, err := al.provider.Chat(ctx, messages, al.tools.Definitions(), al.model, map[string]interface{}{
			"max_tokens":  al.maxTokens,
			"temperature": al.temperature,
		})
		if err != nil {
			return "", used, fmt.Errorf("LLM call failed: %w", err)
		}
		if resp == nil {
			resp = &providers.LLMResponse{}
		}

		if resp.HasToolCalls() {
			if onProgress != nil {
				if clean := stripThink(resp.Content); clean != "" {
					onProgress(clean)
				}
				onProgress(toolHint(resp.ToolCalls))
			}

			messages = al.context.AddAssistantMessage(messages, resp.Content, resp.ToolCalls, resp.ReasoningContent)
			for _, tc := range resp.ToolCalls {
				used = append(used, tc.Name)
				logger.InfoCF("agent", "Tool call", map[string]interface{}{
					"tool":      tc.Name,
					"iteration": iteration,
				})
				result := al.tools.Execute(ctx, tc.Name, tc.Arguments)
				messages = al.context.AddToolResult(messages, tc.ID, tc.Name, result)
			}
			continue
		}

		final = stripThink(resp.Content)
		if len(used) == 0 && !retried && final != "" {
			retried = true
			logger.DebugCF("agent", "Interim text before any tool use, retrying", map[string]interface{}{
				"preview": preview(final, 80),
			})
			final = ""
			continue
		}
		break
	}
	return final, used, nil
}

// maybeConsolidate starts a background consolidation when the session has
// outgrown the window and none is already running for it.
func (al *AgentLoop) maybeConsolidate(sess *session.Session) {
	if sess.Len() <= al.memoryWindow {
		return
	}
	key := sess.Key
	if _, busy := al.consolidating.LoadOrStore(key, struct{}{}); busy {
		return
	}
	snap := sess.Snapshot()

	al.bg.Add(1)
	go func() {
		defer al.bg.Done()
		defer al.consolidating.Delete(key)
		al.consolidate(snap, false)
	}()
}

func (al *AgentLoop) consolidate(snap session.Snapshot, archiveAll bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("agent", "Consolidation panicked", map[string]interface{}{
				"session": snap.Key,
				"panic":   fmt.Sprint(r),
			})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), consolidationTimeout)
	defer cancel()

	res, err := al.consolidator.Consolidate(ctx, snap, archiveAll)
	if err != nil {
		logger.WarnCF("agent", "Memory consolidation failed", map[string]interface{}{
			"session": snap.Key,
			"error":   err.Error(),
		})
		return
	}
	// a full archive runs against an already cleared session
	if !res.Applied || archiveAll {
		return
	}
	if _, err := al.sessions.AdvanceConsolidated(snap.Key, snap.Generation, res.Cursor); err != nil {
		logger.WarnCF("agent", "Failed to persist consolidation cursor", map[string]interface{}{
			"session": snap.Key,
			"error":   err.Error(),
		})
	}
}

// injectPrefetch runs the configured tool when content mentions one of the
// trigger phrases and appends its output to the system prompt.
func (al *AgentLoop) injectPrefetch(ctx context.Context, content string, messages []providers.Message) {
	p := al.prefetch
	if !p.Enabled || p.Tool == "" || len(messages) == 0 || messages[0].Role != "system" {
		return
	}
	if !matchesTrigger(content, p.Triggers) {
		return
	}
	if _, ok := al.tools.Get(p.Tool); !ok {
		return
	}

	result := al.tools.Execute(ctx, p.Tool, nil)
	if strings.HasPrefix(result, "Error") {
		logger.WarnCF("agent", "Pre-fetch failed", map[string]interface{}{
			"tool":  p.Tool,
			"error": result,
		})
		return
	}
	messages[0].Content += "\n\n--- PRE-FETCHED TASK DATA (use this data in your response!) ---\n" +
		result + "\n--- END TASK DATA ---\n" +
		"IMPORTANT: The data above was retrieved for you just now. Present it in your reply and do not claim you cannot see it."
	logger.InfoCF("agent", "Pre-fetched tool output into system prompt", map[string]interface{}{"tool": p.Tool})
}

func matchesTrigger(content string, triggers []string) bool {
	lower := strings.ToLower(content)
	for _, t := range triggers {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" && strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// parseOrigin splits "channel:chat_id"; without a separator the channel is cli.
func parseOrigin(chatID string) (string, string) {
	if i := strings.Index(chatID, ":"); i > 0 {
		return chatID[:i], chatID[i+1:]
	}
	return "cli", chatID
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
