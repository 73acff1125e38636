package bus

import (
	"context"
	"sync"
	"time"
)

const queueSize = 100

// Subscriber is a named tap on the outbound stream. Taps receive copies of
// every published message independently of the primary consumer.
type Subscriber struct {
	Name string
	ch   chan OutboundMessage
}

type MessageBus struct {
	inbound   chan InboundMessage
	outbound  chan OutboundMessage
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	outboundSubs []*Subscriber
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, queueSize),
		outbound: make(chan OutboundMessage, queueSize),
	}
}

// SubscribeOutboundTap creates a named subscriber for outbound messages.
// The returned channel is buffered; slow consumers drop.
func (mb *MessageBus) SubscribeOutboundTap(name string) <-chan OutboundMessage {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	sub := &Subscriber{Name: name, ch: make(chan OutboundMessage, 64)}
	mb.outboundSubs = append(mb.outboundSubs, sub)
	return sub.ch
}

func (mb *MessageBus) fanOutOutbound(msg OutboundMessage) {
	for _, sub := range mb.outboundSubs {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

// PublishInbound enqueues msg for the agent. When the queue is full the
// oldest message is dropped.
func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}

	select {
	case mb.inbound <- msg:
	default:
		select {
		case <-mb.inbound:
		default:
		}
		select {
		case mb.inbound <- msg:
		default:
		}
	}
}

// ConsumeInbound blocks until a message arrives, the bus closes, or ctx ends.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		return msg, ok
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// ConsumeInboundTimeout is ConsumeInbound bounded by timeout. A timeout is
// reported as ok=false with a nil context error so callers can re-check their
// shutdown flag and poll again.
func (mb *MessageBus) ConsumeInboundTimeout(ctx context.Context, timeout time.Duration) (InboundMessage, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-mb.inbound:
		return msg, ok
	case <-timer.C:
		return InboundMessage{}, false
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	mb.fanOutOutbound(msg)

	select {
	case mb.outbound <- msg:
	default:
		select {
		case <-mb.outbound:
		default:
		}
		select {
		case mb.outbound <- msg:
		default:
		}
	}
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-mb.outbound:
		return msg, ok
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		mb.mu.Lock()
		defer mb.mu.Unlock()
		mb.closed = true
		for _, sub := range mb.outboundSubs {
			close(sub.ch)
		}
		close(mb.inbound)
		close(mb.outbound)
	})
}
