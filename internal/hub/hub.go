package hub

import (
	"context"
	"encoding/json"
	"sync"

	"qms/entry-queue/internal/events"

	"github.com/rs/zerolog"
)

// Subscription narrows which ticket changes a client receives. The zero value
// receives everything.
type Subscription struct {
	ScheduledTime string
	TicketID      string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

type SubscribeMessage struct {
	Action        string `json:"action"`
	ScheduledTime string `json:"scheduled_time"`
	TicketID      string `json:"ticket_id"`
}

func New(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish fans a committed ticket change out to matching clients. Slow
// clients lose messages instead of blocking the writer.
func (h *Hub) Publish(ctx context.Context, envelope events.Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	h.Broadcast(payload, Subscription{
		ScheduledTime: envelope.Ticket.ScheduledTime,
		TicketID:      envelope.Ticket.ID,
	})
	return nil
}

func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn().Str("client_id", client.ID).Msg("drop message for slow client")
		}
	}
}

func match(sub Subscription, meta Subscription) bool {
	if sub.ScheduledTime != "" && meta.ScheduledTime != sub.ScheduledTime {
		return false
	}
	if sub.TicketID != "" && meta.TicketID != sub.TicketID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
