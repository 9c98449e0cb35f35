package hub

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

const sendBuffer = 16

// Handler serves the sockjs push channel under prefix. Clients may send
// {"action":"subscribe","scheduled_time":"13:00"} to narrow the feed.
func (h *Hub) Handler(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, h.serveSession)
}

func (h *Hub) serveSession(session sockjs.Session) {
	client := &Client{ID: uuid.NewString(), Send: make(chan []byte, sendBuffer)}
	h.Register(client)
	defer h.Unregister(client)

	go func() {
		for msg := range client.Send {
			if err := session.Send(string(msg)); err != nil {
				return
			}
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		parsed, ok := ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		if parsed.Action == "unsubscribe" {
			h.UpdateSubscription(client, Subscription{})
			continue
		}
		h.UpdateSubscription(client, Subscription{
			ScheduledTime: parsed.ScheduledTime,
			TicketID:      parsed.TicketID,
		})
	}
}
