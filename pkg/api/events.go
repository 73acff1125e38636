package api

import (
	"context"

	"github.com/sipeed/digiclaw/pkg/bus"
	"github.com/sipeed/digiclaw/pkg/logger"
)

const previewRunes = 200

// EventBridge forwards copies of outbound bus traffic to WebSocket clients.
type EventBridge struct {
	bus *bus.MessageBus
	hub *WSHub
}

func NewEventBridge(mb *bus.MessageBus, hub *WSHub) *EventBridge {
	return &EventBridge{bus: mb, hub: hub}
}

// Run subscribes to the outbound tap and forwards in the background until
// ctx ends or the bus closes.
func (eb *EventBridge) Run(ctx context.Context) {
	if eb.bus == nil {
		return
	}
	tap := eb.bus.SubscribeOutboundTap("event-bridge")
	go eb.forwardOutbound(ctx, tap)
}

func (eb *EventBridge) forwardOutbound(ctx context.Context, tap <-chan bus.OutboundMessage) {
	for {
		select {
		case <-ctx.Done():
			logger.DebugC("events", "Outbound event bridge stopped")
			return
		case msg, ok := <-tap:
			if !ok {
				return
			}
			eb.hub.Broadcast("message.outbound", map[string]interface{}{
				"channel":  msg.Channel,
				"chat_id":  msg.ChatID,
				"content":  truncate(msg.Content, previewRunes),
				"progress": msg.IsProgress(),
			})
		}
	}
}

func truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "…"
}
