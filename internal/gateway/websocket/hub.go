// Package websocket provides the supplementary websocket gateway. It mirrors
// committed session events from the event bus to subscribed clients. The
// NDJSON stream endpoint remains the contractual delivery path; the gateway
// is best-effort fan-out and drops slow clients.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/events"
	eventbus "github.com/atelier-ai/atelier/internal/events/bus"
)

// Hub manages all websocket client connections and routes mirrored session
// events to the clients subscribed to each session.
type Hub struct {
	bus eventbus.EventBus
	sub eventbus.Subscription

	clients            map[*Client]bool
	sessionSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu  sync.RWMutex
	log *logger.Logger
}

// NewHub creates a websocket hub over the given event bus.
func NewHub(bus eventbus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:                bus,
		clients:            make(map[*Client]bool),
		sessionSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		log:                log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run subscribes to the session event mirror and serves client registration
// until the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	sub, err := h.bus.Subscribe(events.SessionWildcardSubject(), h.onBusEvent)
	if err != nil {
		return err
	}
	h.sub = sub
	h.log.Info("websocket hub started")
	defer h.log.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			_ = h.sub.Unsubscribe()
			h.closeAllClients()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// onBusEvent routes one mirrored envelope to the session's subscribers.
// A client whose buffer is full is dropped rather than blocked on.
func (h *Hub) onBusEvent(_ context.Context, event *eventbus.Event) error {
	env, ok := event.Data.(events.Envelope)
	if !ok {
		h.log.Warn("unexpected mirror payload", zap.String("event_id", event.ID))
		return nil
	}

	h.mu.RLock()
	subscribers := make([]*Client, 0, len(h.sessionSubscribers[env.SessionID]))
	for client := range h.sessionSubscribers[env.SessionID] {
		subscribers = append(subscribers, client)
	}
	h.mu.RUnlock()

	for _, client := range subscribers {
		if !client.enqueue(env) {
			h.log.Warn("dropping slow websocket client",
				zap.String("client_id", client.ID),
				zap.String("session_id", env.SessionID))
			h.Unregister(client)
		}
	}
	return nil
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	default:
		// Run loop gone; clean up directly.
		h.removeClient(client)
	}
}

// Subscribe attaches a client to a session's event feed. The caller has
// already verified the client owns the session.
func (h *Hub) Subscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessionSubscribers[sessionID]; !ok {
		h.sessionSubscribers[sessionID] = make(map[*Client]bool)
	}
	h.sessionSubscribers[sessionID][client] = true
	client.subscriptions[sessionID] = true
}

// Unsubscribe detaches a client from a session's event feed.
func (h *Hub) Unsubscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.subscriptions, sessionID)
	if clients, ok := h.sessionSubscribers[sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessionSubscribers, sessionID)
		}
	}
}

// ClientCount reports connected clients, for metrics.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for sessionID := range client.subscriptions {
		if clients, ok := h.sessionSubscribers[sessionID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.sessionSubscribers, sessionID)
			}
		}
	}
	h.log.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.sessionSubscribers = make(map[string]map[*Client]bool)
}
