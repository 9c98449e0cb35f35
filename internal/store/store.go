package store

import (
	"context"
	"time"

	"qms/entry-queue/internal/models"
)

type CreateTicketInput struct {
	RequestID     string
	GuestName     string
	AdultCount    int
	ChildCount    int
	ScheduledTime string
	CreatedAt     time.Time
}

type StatusChangeInput struct {
	TicketID   string
	Status     models.Status
	OccurredAt time.Time
	// ExclusiveCalling refuses a move to calling while another ticket is
	// already calling.
	ExclusiveCalling bool
}

// AdmitFunc decides whether one more ticket may be issued into label given
// the slot's current active count. It runs inside the store's write section,
// so the count it sees cannot change before the ticket is persisted.
type AdmitFunc func(label string, active int) error

// Snapshot is a consistent view of the active queue at one revision.
type Snapshot struct {
	Revision int64           `json:"revision"`
	TakenAt  time.Time       `json:"taken_at"`
	Active   []models.Ticket `json:"active"`
}

type TicketStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput, admit AdmitFunc) (models.Ticket, bool, error)
	SetStatus(ctx context.Context, input StatusChangeInput) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListActive(ctx context.Context) ([]models.Ticket, error)
	CountActiveBySlot(ctx context.Context, label string) (int, error)
	FindCalling(ctx context.Context) (models.Ticket, bool, error)
	Snapshot(ctx context.Context) (Snapshot, error)
	ListTickets(ctx context.Context) ([]models.Ticket, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
	Ping(ctx context.Context) error
}

// LatestCalling picks the ticket the guest display should show when more
// than one ticket is calling: most recently called first, then highest
// display number.
func LatestCalling(tickets []models.Ticket) (models.Ticket, bool) {
	var best models.Ticket
	found := false
	for _, ticket := range tickets {
		if ticket.Status != models.StatusCalling {
			continue
		}
		if !found || calledAfter(ticket, best) {
			best = ticket
			found = true
		}
	}
	return best, found
}

func calledAfter(a, b models.Ticket) bool {
	var at, bt time.Time
	if a.CalledAt != nil {
		at = *a.CalledAt
	}
	if b.CalledAt != nil {
		bt = *b.CalledAt
	}
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.DisplayID > b.DisplayID
}
