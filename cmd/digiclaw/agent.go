package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sipeed/digiclaw/pkg/bus"
	"github.com/sipeed/digiclaw/pkg/logger"
)

const (
	cliChannel  = "cli"
	historyFile = ".agent_history"
	replPrompt  = "you> "
)

func newAgentCmd(a *app) *cobra.Command {
	var (
		message    string
		sessionKey string
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Chat with the agent from the terminal",
		Long: `Send one message with -m, or start an interactive session.

Without -s every invocation starts a fresh cli session. Type "exit" or press
Ctrl+D to leave the interactive session.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sessionKey == "" {
				sessionKey = cliChannel + ":" + uuid.NewString()[:8]
			}
			channel, chatID, ok := strings.Cut(sessionKey, ":")
			if !ok {
				channel, chatID = cliChannel, sessionKey
				sessionKey = channel + ":" + chatID
			}

			rt, err := newRuntime(a.cfg, false)
			if err != nil {
				return err
			}
			defer func() {
				rt.agent.WaitBackground()
				if err := rt.Close(); err != nil {
					logger.WarnCF("agent", "Shutdown error", map[string]interface{}{"error": err.Error()})
				}
			}()

			out := cmd.OutOrStdout()
			go printSentMessages(out, rt.bus.SubscribeOutboundTap("cli"), chatID)
			progress := func(text string) {
				fmt.Fprintf(out, "  … %s\n", text)
			}

			t := &turn{agent: rt.agent, key: sessionKey, channel: channel, chatID: chatID, progress: progress}
			if message != "" {
				reply, err := t.send(cmd.Context(), message)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, reply)
				return err
			}
			return repl(cmd.Context(), out, t, filepath.Join(a.cfg.WorkspacePath(), historyFile))
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "send a single message and exit")
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "session key, e.g. cli:notes")
	return cmd
}

type directAgent interface {
	ProcessDirect(ctx context.Context, content, sessionKey, channel, chatID string, onProgress func(string)) (string, error)
}

// turn sends one user line to the agent under a fixed session.
type turn struct {
	agent    directAgent
	key      string
	channel  string
	chatID   string
	progress func(string)
}

func (t *turn) send(ctx context.Context, content string) (string, error) {
	// Ctrl+C cancels the running request rather than the process
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	return t.agent.ProcessDirect(ctx, content, t.key, t.channel, t.chatID, t.progress)
}

func repl(ctx context.Context, out io.Writer, t *turn, history string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          replPrompt,
		HistoryFile:     history,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          out,
	})
	if err != nil {
		return fmt.Errorf("start readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(out, "digiclaw %s, session %s. Type /help for commands, exit to quit.\n", version, t.key)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		reply, err := t.send(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "digiclaw> %s\n\n", reply)
	}
}

// printSentMessages shows what the message tool sent to this chat, since the
// terminal has no channel consuming the bus.
func printSentMessages(out io.Writer, tap <-chan bus.OutboundMessage, chatID string) {
	for msg := range tap {
		if msg.Channel != cliChannel || msg.ChatID != chatID || msg.IsProgress() {
			continue
		}
		fmt.Fprintf(out, "digiclaw (message)> %s\n", msg.Content)
	}
}
