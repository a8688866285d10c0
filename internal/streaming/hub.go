package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Client is one connected SSE consumer of a run stream.
type Client struct {
	Events chan Event
}

// NewClient creates a client with a small delivery buffer.
func NewClient() *Client {
	return &Client{
		Events: make(chan Event, 10),
	}
}

// RunBroadcaster fans events of a single run out to its connected clients.
// Critical events get a bounded delivery wait; other events are dropped
// when a buffer is full.
type RunBroadcaster struct {
	mu       sync.RWMutex
	clients  map[*Client]bool
	events   chan Event
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopped  bool
}

// NewRunBroadcaster creates a broadcaster bound to ctx.
func NewRunBroadcaster(ctx context.Context) *RunBroadcaster {
	ctx, cancel := context.WithCancel(ctx)
	return &RunBroadcaster{
		clients: make(map[*Client]bool),
		events:  make(chan Event, 100),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a client to the broadcaster.
func (b *RunBroadcaster) Register(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = true
}

// Unregister removes a client and closes its channel. Safe to call after
// Stop, which already closed every client channel.
func (b *RunBroadcaster) Unregister(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		if !b.stopped {
			close(client.Events)
		}
	}
}

// ClientCount returns the number of connected clients.
func (b *RunBroadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast queues an event for delivery to all clients.
func (b *RunBroadcaster) Broadcast(event Event) {
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	if isCritical(event.Type) {
		select {
		case b.events <- event:
		case <-b.ctx.Done():
		case <-time.After(100 * time.Millisecond):
			logrus.WithField("eventType", event.Type).Error("RunBroadcaster.Broadcast.critical event not queued")
		}
		return
	}

	select {
	case b.events <- event:
	case <-b.ctx.Done():
	default:
		logrus.WithField("eventType", event.Type).Warn("RunBroadcaster.Broadcast.queue full, dropping event")
	}
}

// Stop tears the broadcaster down and closes all client channels. The
// events channel stays open, a Broadcast racing Stop may still be sending
// on it; stragglers land in the buffer and are collected with the
// broadcaster.
func (b *RunBroadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		for client := range b.clients {
			close(client.Events)
			delete(b.clients, client)
		}
		b.mu.Unlock()
		b.cancel()
	})
}

// Stopped reports whether the broadcaster has been torn down.
func (b *RunBroadcaster) Stopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// Start begins fanning queued events out to clients. The broadcaster stops
// itself shortly after the close event goes out.
func (b *RunBroadcaster) Start() {
	go func() {
		defer b.Stop()
		for {
			select {
			case <-b.ctx.Done():
				return
			case event := <-b.events:
				b.broadcastToClients(event)

				if event.Type == EventTypeClose {
					// Give client goroutines a moment to drain before the
					// channels close under them.
					time.Sleep(100 * time.Millisecond)
					return
				}
			}
		}
	}()
}

func (b *RunBroadcaster) broadcastToClients(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for client := range b.clients {
		if isCritical(event.Type) {
			select {
			case client.Events <- event:
			case <-time.After(50 * time.Millisecond):
				logrus.WithField("eventType", event.Type).Error("RunBroadcaster.broadcastToClients.client not draining critical event")
			}
			continue
		}

		select {
		case client.Events <- event:
		default:
			logrus.WithField("eventType", event.Type).Warn("RunBroadcaster.broadcastToClients.client buffer full, skipping event")
		}
	}
}

// Hub tracks the broadcasters of all live runs, keyed by run ID.
type Hub struct {
	mu           sync.RWMutex
	broadcasters map[string]*RunBroadcaster
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		broadcasters: make(map[string]*RunBroadcaster),
	}
}

// Register attaches a new client to the run's broadcaster, creating and
// starting the broadcaster if the run has no clients yet. A broadcaster
// that already stopped itself gets replaced, the new client must not land
// on a dead one.
func (h *Hub) Register(ctx context.Context, runID string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	client := NewClient()

	broadcaster, exists := h.broadcasters[runID]
	if !exists || broadcaster.Stopped() {
		broadcaster = NewRunBroadcaster(ctx)
		h.broadcasters[runID] = broadcaster
		broadcaster.Start()
		logrus.WithField("runId", runID).Debug("Hub.Register.broadcaster created")
	}

	broadcaster.Register(client)
	return client
}

// Unregister detaches a client. The last client leaving stops and removes
// the run's broadcaster.
func (h *Hub) Unregister(runID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	broadcaster, exists := h.broadcasters[runID]
	if !exists {
		return
	}

	broadcaster.Unregister(client)

	if broadcaster.ClientCount() == 0 {
		broadcaster.Stop()
		delete(h.broadcasters, runID)
		logrus.WithField("runId", runID).Debug("Hub.Unregister.broadcaster removed")
	}
}

// Broadcast sends an event to all clients of a run. Events for runs
// without clients are discarded.
func (h *Hub) Broadcast(runID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	broadcaster, exists := h.broadcasters[runID]
	if !exists {
		return
	}

	broadcaster.Broadcast(event)
}

// IsRunning reports whether the run currently has a broadcaster.
func (h *Hub) IsRunning(runID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, exists := h.broadcasters[runID]
	return exists
}
