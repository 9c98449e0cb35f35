package hub

import (
	"context"
	"encoding/json"
	"testing"

	"qms/entry-queue/internal/events"
	"qms/entry-queue/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(id string, sub Subscription) *Client {
	return &Client{ID: id, Send: make(chan []byte, 4), Subscription: sub}
}

func TestPublishRespectsSubscriptions(t *testing.T) {
	h := New(zerolog.Nop())
	all := newClient("all", Subscription{})
	slot := newClient("slot", Subscription{ScheduledTime: "13:00"})
	other := newClient("other", Subscription{ScheduledTime: "14:00"})
	for _, c := range []*Client{all, slot, other} {
		h.Register(c)
	}
	assert.Equal(t, 3, h.Clients())

	env := events.Envelope{Type: "ticket.issued", Ticket: models.Ticket{ID: "t1", ScheduledTime: "13:00"}}
	require.NoError(t, h.Publish(context.Background(), env))

	assert.Len(t, all.Send, 1)
	assert.Len(t, slot.Send, 1)
	assert.Len(t, other.Send, 0)

	var got events.Envelope
	require.NoError(t, json.Unmarshal(<-slot.Send, &got))
	assert.Equal(t, "t1", got.Ticket.ID)
}

func TestBroadcastDropsForSlowClient(t *testing.T) {
	h := New(zerolog.Nop())
	slow := &Client{ID: "slow", Send: make(chan []byte, 1)}
	h.Register(slow)

	h.Broadcast([]byte("a"), Subscription{})
	h.Broadcast([]byte("b"), Subscription{})
	assert.Len(t, slow.Send, 1)
}

func TestUnregisterClosesOnce(t *testing.T) {
	h := New(zerolog.Nop())
	c := newClient("c", Subscription{})
	h.Register(c)
	h.Unregister(c)
	h.Unregister(c)

	_, open := <-c.Send
	assert.False(t, open)
	assert.Equal(t, 0, h.Clients())
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","scheduled_time":"13:30"}`))
	require.True(t, ok)
	assert.Equal(t, "13:30", msg.ScheduledTime)

	_, ok = ParseSubscribe([]byte(`{"action":"dance"}`))
	assert.False(t, ok)
	_, ok = ParseSubscribe([]byte(`not json`))
	assert.False(t, ok)
}
