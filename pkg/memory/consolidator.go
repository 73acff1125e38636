package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"

	"github.com/sipeed/digiclaw/pkg/logger"
	"github.com/sipeed/digiclaw/pkg/providers"
	"github.com/sipeed/digiclaw/pkg/session"
)

const systemPrompt = "You are a memory consolidation agent. Respond only with valid JSON."

var (
	ErrEmptyResponse  = errors.New("consolidation: empty model response")
	ErrInvalidPayload = errors.New("consolidation: response is not a JSON object")
)

// Result describes a consolidation run. Cursor is only meaningful when
// Applied is true.
type Result struct {
	Applied  bool
	Cursor   int
	Archived int
}

type Consolidator struct {
	provider     providers.LLMProvider
	store        *Store
	model        string
	memoryWindow int
}

func NewConsolidator(provider providers.LLMProvider, store *Store, model string, memoryWindow int) *Consolidator {
	return &Consolidator{
		provider:     provider,
		store:        store,
		model:        model,
		memoryWindow: memoryWindow,
	}
}

// Consolidate summarizes the unconsolidated part of snap. With archiveAll the
// whole snapshot is processed and the resulting cursor is 0; otherwise the
// newest memoryWindow/2 messages are kept out of the summary. On error the
// caller must leave the cursor unchanged.
func (c *Consolidator) Consolidate(ctx context.Context, snap session.Snapshot, archiveAll bool) (Result, error) {
	var (
		input  []session.Message
		cursor int
	)
	if archiveAll {
		input = snap.Messages
	} else {
		keep := c.memoryWindow / 2
		n := len(snap.Messages)
		if n <= keep {
			return Result{}, nil
		}
		start := snap.LastConsolidated
		if start < 0 {
			start = 0
		}
		if start >= n-keep {
			return Result{}, nil
		}
		input = snap.Messages[start : n-keep]
		cursor = n - keep
	}
	if len(input) == 0 {
		return Result{}, nil
	}

	logger.InfoCF("memory", "Consolidation started", map[string]interface{}{
		"session":     snap.Key,
		"total":       len(snap.Messages),
		"to_process":  len(input),
		"archive_all": archiveAll,
	})

	current := c.store.ReadLongTerm()
	resp, err := c.provider.Chat(ctx, []providers.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildPrompt(current, formatTranscript(input))},
	}, nil, c.model, nil)
	if err != nil {
		return Result{}, fmt.Errorf("consolidation call: %w", err)
	}
	if resp == nil {
		return Result{}, ErrEmptyResponse
	}

	historyEntry, memoryUpdate, err := parseResponse(resp.Content)
	if err != nil {
		return Result{}, err
	}

	// HISTORY.md is append-only, so it is written last. A failed memory
	// write leaves nothing behind for the retry to duplicate.
	if memoryUpdate != "" && memoryUpdate != current {
		if err := c.store.WriteLongTerm(memoryUpdate); err != nil {
			return Result{}, fmt.Errorf("write memory: %w", err)
		}
	}
	if historyEntry != "" {
		if err := c.store.AppendHistory(historyEntry); err != nil {
			return Result{}, fmt.Errorf("append history: %w", err)
		}
	}

	logger.InfoCF("memory", "Consolidation done", map[string]interface{}{
		"session": snap.Key,
		"cursor":  cursor,
	})
	return Result{Applied: true, Cursor: cursor, Archived: len(input)}, nil
}

// formatTranscript renders one line per non-empty message:
// [YYYY-MM-DD HH:MM] ROLE [tools: a, b]: content
func formatTranscript(msgs []session.Message) string {
	var lines []string
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		ts := "?"
		if !m.Timestamp.IsZero() {
			ts = m.Timestamp.Format("2006-01-02 15:04")
		}
		tools := ""
		if len(m.ToolsUsed) > 0 {
			tools = " [tools: " + strings.Join(m.ToolsUsed, ", ") + "]"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s%s: %s", ts, strings.ToUpper(m.Role), tools, m.Content))
	}
	return strings.Join(lines, "\n")
}

func buildPrompt(currentMemory, conversation string) string {
	if currentMemory == "" {
		currentMemory = "(empty)"
	}
	return `You are a memory consolidation agent. Process this conversation and return a JSON object with exactly two keys:

1. "history_entry": A paragraph (2-5 sentences) summarizing the key events/decisions/topics. Start with a timestamp like [YYYY-MM-DD HH:MM]. Include enough detail to be useful when found by grep search later.

2. "memory_update": The updated long-term memory content. Add any new facts: user location, preferences, personal info, habits, project context, technical decisions, tools/services used. If nothing new, return the existing content unchanged.

## Current Long-term Memory
` + currentMemory + `

## Conversation to Process
` + conversation + `

**IMPORTANT**: Both values MUST be strings, not objects or arrays.

Respond with ONLY valid JSON, no markdown fences.`
}

// parseResponse extracts the two fields from a model reply that may be wrapped
// in a code fence or be slightly malformed. Non-string values are returned as
// their raw JSON text.
func parseResponse(content string) (historyEntry, memoryUpdate string, err error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return "", "", ErrEmptyResponse
	}
	text = stripFence(text)

	if !gjson.Valid(text) {
		repaired, rerr := jsonrepair.JSONRepair(text)
		if rerr != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidPayload, rerr)
		}
		text = repaired
	}
	doc := gjson.Parse(text)
	if !doc.IsObject() {
		return "", "", ErrInvalidPayload
	}
	return coerce(doc.Get("history_entry")), coerce(doc.Get("memory_update")), nil
}

func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if i := strings.Index(text, "\n"); i >= 0 {
		text = text[i+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	if i := strings.LastIndex(text, "```"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

func coerce(v gjson.Result) string {
	switch v.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return v.String()
	default:
		return v.Raw
	}
}
