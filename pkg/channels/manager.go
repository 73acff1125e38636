package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sipeed/digiclaw/pkg/bus"
	"github.com/sipeed/digiclaw/pkg/logger"
)

// Manager owns the registered transports and routes outbound messages to
// them.
type Manager struct {
	bus      *bus.MessageBus
	channels map[string]Channel
	mu       sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		bus:      msgBus,
		channels: make(map[string]Channel),
	}
}

func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names lists registered channels in name order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for n := range m.channels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every channel and the outbound dispatcher. A channel that
// fails to start is logged and skipped.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return errors.New("channels already started")
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	started := 0
	for _, name := range m.Names() {
		ch, _ := m.Get(name)
		if err := ch.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
			continue
		}
		started++
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatchOutbound(ctx)
	}()

	logger.InfoCF("channels", "Channels started", map[string]interface{}{
		"started":    started,
		"registered": len(m.Names()),
	})
	return nil
}

// StopAll stops the dispatcher and every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	var errs []error
	for _, name := range m.Names() {
		ch, _ := m.Get(name)
		if err := ch.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		m.deliver(ctx, msg)
	}
}

func (m *Manager) deliver(ctx context.Context, msg bus.OutboundMessage) {
	if msg.Content == "" {
		return
	}
	ch, ok := m.Get(msg.Channel)
	if !ok {
		logger.DebugCF("channels", "No channel for outbound message", map[string]interface{}{
			"channel": msg.Channel,
		})
		return
	}
	if msg.IsProgress() && !ch.SendsProgress() {
		return
	}
	if err := ch.Send(ctx, msg); err != nil {
		logger.ErrorCF("channels", "Failed to send message", map[string]interface{}{
			"channel": msg.Channel,
			"chat_id": msg.ChatID,
			"error":   err.Error(),
		})
	}
}

// Status reports which channels are running.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.IsRunning()
	}
	return out
}
