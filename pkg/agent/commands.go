package agent

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/sipeed/digiclaw/pkg/bus"
	"github.com/sipeed/digiclaw/pkg/logger"
	"github.com/sipeed/digiclaw/pkg/providers"
	"github.com/sipeed/digiclaw/pkg/session"
)

const (
	newSessionReply = "New session started. Memory consolidation in progress."
	helpReply       = "digiclaw commands:\n/new - Start a new conversation\n/help - Show available commands"

	hintMaxRunes = 40
)

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// handleCommand answers slash commands without calling the model.
func (al *AgentLoop) handleCommand(msg bus.InboundMessage, sess *session.Session) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(msg.Content)) {
	case "/new":
		al.resetSession(sess)
		return newSessionReply, true
	case "/help":
		return helpReply, true
	}
	return "", false
}

// resetSession clears sess and archives what it held in the background. The
// archive reads a copy taken before the clear.
func (al *AgentLoop) resetSession(sess *session.Session) {
	snap := sess.Snapshot()
	sess.Clear()
	al.save(sess)
	al.sessions.Invalidate(sess.Key)

	logger.InfoCF("agent", "Session reset", map[string]interface{}{
		"session":  sess.Key,
		"archived": len(snap.Messages),
	})
	if len(snap.Messages) == 0 {
		return
	}

	al.bg.Add(1)
	go func() {
		defer al.bg.Done()
		al.consolidate(snap, true)
	}()
}

// stripThink removes <think> blocks some models embed in their content.
func stripThink(text string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(text, ""))
}

// toolHint renders calls as a short progress line, e.g. web_search("query").
func toolHint(calls []providers.ToolCall) string {
	hints := make([]string, 0, len(calls))
	for _, tc := range calls {
		val, ok := firstArgument(tc)
		if !ok {
			hints = append(hints, tc.Name)
			continue
		}
		if utf8.RuneCountInString(val) > hintMaxRunes {
			val = string([]rune(val)[:hintMaxRunes]) + "…"
		}
		hints = append(hints, fmt.Sprintf(`%s("%s")`, tc.Name, val))
	}
	return strings.Join(hints, ", ")
}

// firstArgument returns the first argument as the model wrote it when the raw
// JSON is available, otherwise the value of the alphabetically first key.
func firstArgument(tc providers.ToolCall) (string, bool) {
	if tc.Function != nil && gjson.Valid(tc.Function.Arguments) {
		var (
			first gjson.Result
			found bool
		)
		gjson.Parse(tc.Function.Arguments).ForEach(func(_, v gjson.Result) bool {
			first, found = v, true
			return false
		})
		if !found || first.Type != gjson.String {
			return "", false
		}
		return first.Str, true
	}

	if len(tc.Arguments) == 0 {
		return "", false
	}
	keys := make([]string, 0, len(tc.Arguments))
	for k := range tc.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s, ok := tc.Arguments[keys[0]].(string)
	return s, ok
}
