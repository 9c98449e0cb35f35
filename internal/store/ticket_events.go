package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/entry-queue/internal/models"
)

const (
	EventTicketIssued  = "ticket.issued"
	EventTicketCalled  = "ticket.called"
	EventTicketEntered = "ticket.entered"
)

var ErrBrokenChain = errors.New("ticket event chain is broken")

type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	ID            string        `json:"id"`
	DisplayID     int64         `json:"display_id"`
	GuestName     string        `json:"guest_name"`
	AdultCount    int           `json:"adult_count"`
	ChildCount    int           `json:"child_count"`
	ScheduledTime string        `json:"scheduled_time"`
	Status        models.Status `json:"status"`
	CreatedAt     *time.Time    `json:"created_at"`
	CalledAt      *time.Time    `json:"called_at"`
	EnteredAt     *time.Time    `json:"entered_at"`
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

func EncodeTicketPayload(ticket models.Ticket) (json.RawMessage, error) {
	createdAt := ticket.CreatedAt
	return json.Marshal(eventPayload{
		ID:            ticket.ID,
		DisplayID:     ticket.DisplayID,
		GuestName:     ticket.GuestName,
		AdultCount:    ticket.AdultCount,
		ChildCount:    ticket.ChildCount,
		ScheduledTime: ticket.ScheduledTime,
		Status:        ticket.Status,
		CreatedAt:     &createdAt,
		CalledAt:      ticket.CalledAt,
		EnteredAt:     ticket.EnteredAt,
	})
}

// NextTicketEvent builds the event that follows prev in a ticket's chain.
// prev is nil for the first event.
func NextTicketEvent(prev *TicketEvent, ticket models.Ticket, eventType string, createdAt time.Time) (TicketEvent, error) {
	payload, err := EncodeTicketPayload(ticket)
	if err != nil {
		return TicketEvent{}, err
	}
	seq := 1
	prevHash := ""
	if prev != nil {
		seq = prev.TicketSeq + 1
		prevHash = prev.Hash
	}
	// postgres keeps microseconds; hash what survives a round trip.
	createdAt = createdAt.UTC().Truncate(time.Microsecond)
	return TicketEvent{
		TicketID:  ticket.ID,
		TicketSeq: seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prevHash,
		Hash:      ComputeTicketEventHash(prevHash, ticket.ID, eventType, payload, createdAt, seq),
	}, nil
}

func VerifyTicketEvents(events []TicketEvent) error {
	prev := ""
	for i, event := range events {
		if event.TicketSeq != i+1 || event.PrevHash != prev {
			return fmt.Errorf("%w at seq %d", ErrBrokenChain, event.TicketSeq)
		}
		want := ComputeTicketEventHash(prev, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if want != event.Hash {
			return fmt.Errorf("%w at seq %d", ErrBrokenChain, event.TicketSeq)
		}
		prev = event.Hash
	}
	return nil
}

func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.ID != "" {
			ticket.ID = payload.ID
		}
		if payload.DisplayID != 0 {
			ticket.DisplayID = payload.DisplayID
		}
		if payload.GuestName != "" {
			ticket.GuestName = payload.GuestName
		}
		if payload.ScheduledTime != "" {
			ticket.ScheduledTime = payload.ScheduledTime
		}
		ticket.AdultCount = payload.AdultCount
		ticket.ChildCount = payload.ChildCount
		if payload.Status != "" {
			ticket.Status = payload.Status
		}
		if payload.CreatedAt != nil {
			ticket.CreatedAt = *payload.CreatedAt
		}
		if payload.CalledAt != nil {
			ticket.CalledAt = payload.CalledAt
		}
		if payload.EnteredAt != nil {
			ticket.EnteredAt = payload.EnteredAt
		}
	}
	return ticket, nil
}

// CheckTicketEvents verifies the hash chain and that replaying some prefix of
// it reproduces current. current must be read before events: a write that
// lands between the two reads only extends the chain.
func CheckTicketEvents(events []TicketEvent, current models.Ticket) error {
	if err := VerifyTicketEvents(events); err != nil {
		return err
	}
	for i := range events {
		if events[i].TicketID != current.ID {
			return fmt.Errorf("%w: event %d belongs to ticket %s", ErrBrokenChain, events[i].TicketSeq, events[i].TicketID)
		}
		replayed, err := RehydrateTicket(events[:i+1])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBrokenChain, err)
		}
		if sameTicketState(replayed, current) {
			return nil
		}
	}
	return fmt.Errorf("%w: ticket %s does not match its events", ErrBrokenChain, current.ID)
}

func sameTicketState(a, b models.Ticket) bool {
	return a.ID == b.ID &&
		a.DisplayID == b.DisplayID &&
		a.GuestName == b.GuestName &&
		a.AdultCount == b.AdultCount &&
		a.ChildCount == b.ChildCount &&
		a.ScheduledTime == b.ScheduledTime &&
		a.Status == b.Status &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		sameTime(a.CalledAt, b.CalledAt) &&
		sameTime(a.EnteredAt, b.EnteredAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
