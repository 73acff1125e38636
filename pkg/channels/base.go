// Package channels connects chat transports to the message bus.
package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/sipeed/digiclaw/pkg/bus"
	"github.com/sipeed/digiclaw/pkg/logger"
)

// Channel is a chat transport. Inbound traffic is published on the bus by the
// channel itself; outbound traffic is delivered through Send by the Manager.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	// SendsProgress reports whether intermediate progress updates should be
	// delivered to this channel.
	SendsProgress() bool
}

// BaseChannel carries the state every transport shares: its name, the bus,
// the sender allowlist and the running flag.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowList []string
	progress  bool
	running   atomic.Bool
}

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string, sendProgress bool) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowList: allowList,
		progress:  sendProgress,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) setRunning(v bool) {
	c.running.Store(v)
}

func (c *BaseChannel) SendsProgress() bool {
	return c.progress
}

// IsAllowed checks senderID against the allowlist. An empty list allows
// everyone. Sender ids of the form "id|username" match on either part.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	id, username, _ := strings.Cut(senderID, "|")
	for _, allowed := range c.allowList {
		allowed = strings.TrimPrefix(strings.TrimSpace(allowed), "@")
		if allowed == "" {
			continue
		}
		if allowed == senderID || allowed == id || (username != "" && allowed == username) {
			return true
		}
	}
	return false
}

// HandleMessage publishes an inbound message from an allowed sender.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]string) {
	if !c.IsAllowed(senderID) {
		logger.DebugCF(c.name, "Message rejected by allowlist", map[string]interface{}{
			"sender_id": senderID,
		})
		return
	}
	c.bus.PublishInbound(bus.InboundMessage{
		Channel:  c.name,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Media:    media,
		Metadata: metadata,
	})
}
