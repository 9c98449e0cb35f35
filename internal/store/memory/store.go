package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"qms/entry-queue/internal/models"
	"qms/entry-queue/internal/store"

	"github.com/google/uuid"
)

// Store is the in-process authoritative ticket store. A single RWMutex is
// the serialization point: every write (including the capacity check) runs
// under the write lock, reads copy values out under the read lock.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	tickets       map[string]*models.Ticket
	order         []string
	active        []string
	activeBySlot  map[string]int
	byRequest     map[string]string
	events        map[string][]store.TicketEvent
	nextDisplayID int64
	revision      int64
}

type Options struct {
	// Now overrides the clock; tests use it to pin timestamps.
	Now func() time.Time
}

func NewStore(options Options) *Store {
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:          now,
		tickets:      make(map[string]*models.Ticket),
		activeBySlot: make(map[string]int),
		byRequest:    make(map[string]string),
		events:       make(map[string][]store.TicketEvent),
	}
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput, admit store.AdmitFunc) (models.Ticket, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, false, err
	}
	if err := store.ValidateCreateInput(input); err != nil {
		return models.Ticket{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if input.RequestID != "" {
		if id, ok := s.byRequest[input.RequestID]; ok {
			return *s.tickets[id], false, nil
		}
	}

	if admit != nil {
		if err := admit(input.ScheduledTime, s.activeBySlot[input.ScheduledTime]); err != nil {
			return models.Ticket{}, false, err
		}
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	createdAt = createdAt.UTC()

	ticket := models.Ticket{
		ID:            uuid.NewString(),
		DisplayID:     s.nextDisplayID + 1,
		GuestName:     input.GuestName,
		AdultCount:    input.AdultCount,
		ChildCount:    input.ChildCount,
		ScheduledTime: input.ScheduledTime,
		Status:        models.StatusWaiting,
		CreatedAt:     createdAt,
		RequestID:     input.RequestID,
		Revision:      s.revision + 1,
	}
	event, err := store.NextTicketEvent(nil, ticket, store.EventTicketIssued, createdAt)
	if err != nil {
		return models.Ticket{}, false, err
	}

	s.nextDisplayID = ticket.DisplayID
	s.tickets[ticket.ID] = &ticket
	s.order = append(s.order, ticket.ID)
	s.active = append(s.active, ticket.ID)
	s.activeBySlot[ticket.ScheduledTime]++
	if ticket.RequestID != "" {
		s.byRequest[ticket.RequestID] = ticket.ID
	}
	s.events[ticket.ID] = []store.TicketEvent{event}
	s.revision++

	return ticket, true, nil
}

func (s *Store) SetStatus(ctx context.Context, input store.StatusChangeInput) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tickets[input.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if !store.ValidTransition(current.Status, input.Status) {
		return models.Ticket{}, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, current.Status, input.Status)
	}
	if input.Status == models.StatusCalling && input.ExclusiveCalling {
		for _, id := range s.active {
			if id != current.ID && s.tickets[id].Status == models.StatusCalling {
				return models.Ticket{}, fmt.Errorf("%w: ticket %d", store.ErrCallInProgress, s.tickets[id].DisplayID)
			}
		}
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}
	occurredAt = occurredAt.UTC()

	updated := *current
	updated.Status = input.Status
	updated.Revision = s.revision + 1
	switch input.Status {
	case models.StatusCalling:
		updated.CalledAt = &occurredAt
	case models.StatusEntered:
		updated.EnteredAt = &occurredAt
	}

	history := s.events[updated.ID]
	var prev *store.TicketEvent
	if len(history) > 0 {
		prev = &history[len(history)-1]
	}
	event, err := store.NextTicketEvent(prev, updated, store.EventType(input.Status), occurredAt)
	if err != nil {
		return models.Ticket{}, err
	}

	*current = updated
	if !updated.Status.Active() {
		s.removeActive(updated.ID)
		s.activeBySlot[updated.ScheduledTime]--
	}
	s.events[updated.ID] = append(history, event)
	s.revision++

	return updated, nil
}

func (s *Store) removeActive(id string) {
	for i, activeID := range s.active {
		if activeID == id {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return
		}
	}
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return *ticket, nil
}

func (s *Store) ListActive(ctx context.Context) ([]models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLocked(), nil
}

func (s *Store) activeLocked() []models.Ticket {
	tickets := make([]models.Ticket, 0, len(s.active))
	for _, id := range s.active {
		tickets = append(tickets, *s.tickets[id])
	}
	sortByCreation(tickets)
	return tickets
}

func (s *Store) CountActiveBySlot(ctx context.Context, label string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeBySlot[label], nil
}

func (s *Store) FindCalling(ctx context.Context) (models.Ticket, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticket, found := store.LatestCalling(s.activeLocked())
	return ticket, found, nil
}

func (s *Store) Snapshot(ctx context.Context) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return store.Snapshot{
		Revision: s.revision,
		TakenAt:  s.now().UTC(),
		Active:   s.activeLocked(),
	}, nil
}

func (s *Store) ListTickets(ctx context.Context) ([]models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	tickets := make([]models.Ticket, 0, len(s.order))
	for _, id := range s.order {
		tickets = append(tickets, *s.tickets[id])
	}
	sort.SliceStable(tickets, func(i, j int) bool {
		return tickets[i].DisplayID < tickets[j].DisplayID
	})
	return tickets, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.events[ticketID]
	if !ok {
		return nil, store.ErrTicketNotFound
	}
	out := make([]store.TicketEvent, len(history))
	copy(out, history)
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func sortByCreation(tickets []models.Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		if !tickets[i].CreatedAt.Equal(tickets[j].CreatedAt) {
			return tickets[i].CreatedAt.Before(tickets[j].CreatedAt)
		}
		return tickets[i].DisplayID < tickets[j].DisplayID
	})
}
