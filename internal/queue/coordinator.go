package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"qms/entry-queue/internal/admission"
	"qms/entry-queue/internal/events"
	"qms/entry-queue/internal/ledger"
	"qms/entry-queue/internal/metrics"
	"qms/entry-queue/internal/models"
	"qms/entry-queue/internal/slots"
	"qms/entry-queue/internal/snapshot"
	"qms/entry-queue/internal/store"
	"qms/entry-queue/internal/telemetry"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	MaxGuestNameLength  = 64
	DefaultMaxPartySize = 20
	notifyTimeout       = 2 * time.Second
)

type IssueRequest struct {
	RequestID     string
	GuestName     string
	AdultCount    int
	ChildCount    int
	ScheduledTime string
	SecretWord    string
}

type Options struct {
	Validator        admission.Validator
	Notifiers        []events.Publisher
	View             *snapshot.View
	ExclusiveCalling bool
	MaxPartySize     int
	Now              func() time.Time
	Logger           zerolog.Logger
}

// Coordinator is the single entry point for queue writes and aggregate reads.
type Coordinator struct {
	store            store.TicketStore
	catalog          *slots.Catalog
	ledger           *ledger.Ledger
	view             *snapshot.View
	validator        admission.Validator
	notifiers        []events.Publisher
	exclusiveCalling bool
	maxPartySize     int
	now              func() time.Time
	logger           zerolog.Logger
}

func New(ticketStore store.TicketStore, catalog *slots.Catalog, options Options) *Coordinator {
	validator := options.Validator
	if validator == nil {
		validator = admission.AllowAll{}
	}
	view := options.View
	if view == nil {
		view = snapshot.NewView(ticketStore, snapshot.Options{Logger: options.Logger})
	}
	maxParty := options.MaxPartySize
	if maxParty <= 0 {
		maxParty = DefaultMaxPartySize
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:            ticketStore,
		catalog:          catalog,
		ledger:           ledger.New(catalog, ticketStore),
		view:             view,
		validator:        validator,
		notifiers:        options.Notifiers,
		exclusiveCalling: options.ExclusiveCalling,
		maxPartySize:     maxParty,
		now:              now,
		logger:           options.Logger.With().Str("component", "queue").Logger(),
	}
}

func (c *Coordinator) IssueTicket(ctx context.Context, req IssueRequest) (ticket models.Ticket, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "queue.IssueTicket")
	defer func() { endSpan(span, err) }()

	input, err := c.normalize(req)
	if err != nil {
		metrics.IncIssued("", "invalid")
		return models.Ticket{}, err
	}

	if err := c.validator.Validate(ctx, req.SecretWord); err != nil {
		switch {
		case errors.Is(err, store.ErrTokenRejected):
			metrics.IncIssued(input.ScheduledTime, "token_rejected")
			return models.Ticket{}, store.ErrTokenRejected
		case errors.Is(err, admission.ErrUnavailable):
			metrics.IncIssued(input.ScheduledTime, "admission_unavailable")
			c.logger.Error().Err(err).Msg("admission gate unavailable")
			return models.Ticket{}, err
		default:
			metrics.IncIssued(input.ScheduledTime, "admission_unavailable")
			return models.Ticket{}, fmt.Errorf("%w: %v", admission.ErrUnavailable, err)
		}
	}
	span.SetAttributes(attribute.String("queue.slot", input.ScheduledTime))

	ticket, created, err := c.store.CreateTicket(ctx, input, c.ledger.Admit)
	if err != nil {
		metrics.IncIssued(input.ScheduledTime, outcome(err))
		if errors.Is(err, store.ErrSlotFull) {
			c.logger.Info().Str("slot", input.ScheduledTime).Msg("slot full")
		}
		return models.Ticket{}, err
	}
	if !created {
		c.logger.Info().Str("ticket_id", ticket.ID).Str("request_id", input.RequestID).Msg("replayed ticket issue")
		return ticket, nil
	}

	metrics.IncIssued(ticket.ScheduledTime, "ok")
	c.logger.Info().
		Str("ticket_id", ticket.ID).
		Int64("display_id", ticket.DisplayID).
		Str("slot", ticket.ScheduledTime).
		Int("party", ticket.PartySize()).
		Msg("ticket issued")
	c.afterWrite(ctx, store.EventTicketIssued, ticket)
	return ticket, nil
}

func (c *Coordinator) CallTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return c.transition(ctx, ticketID, models.StatusCalling)
}

func (c *Coordinator) EnterTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return c.transition(ctx, ticketID, models.StatusEntered)
}

func (c *Coordinator) transition(ctx context.Context, ticketID string, status models.Status) (ticket models.Ticket, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "queue.SetStatus", trace.WithAttributes(
		attribute.String("queue.ticket_id", ticketID),
		attribute.String("queue.status", string(status)),
	))
	defer func() { endSpan(span, err) }()

	ticket, err = c.store.SetStatus(ctx, store.StatusChangeInput{
		TicketID:         strings.TrimSpace(ticketID),
		Status:           status,
		ExclusiveCalling: c.exclusiveCalling,
	})
	if err != nil {
		metrics.IncTransition(string(status), outcome(err))
		return models.Ticket{}, err
	}
	metrics.IncTransition(string(status), "ok")
	c.logger.Info().
		Str("ticket_id", ticket.ID).
		Int64("display_id", ticket.DisplayID).
		Str("status", string(ticket.Status)).
		Msg("ticket status changed")
	c.afterWrite(ctx, store.EventType(status), ticket)
	return ticket, nil
}

// afterWrite runs once the store has committed. Nothing here may fail the
// request.
func (c *Coordinator) afterWrite(ctx context.Context, eventType string, ticket models.Ticket) {
	c.view.Invalidate(ctx, ticket.Revision)
	if len(c.notifiers) == 0 {
		return
	}
	envelope := events.Envelope{Type: eventType, Revision: ticket.Revision, Ticket: ticket, CreatedAt: c.now().UTC()}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	for _, notifier := range c.notifiers {
		if err := notifier.Publish(notifyCtx, envelope); err != nil {
			c.logger.Warn().Err(err).Str("event", eventType).Str("ticket_id", ticket.ID).Msg("notify failed")
		}
	}
}

func (c *Coordinator) normalize(req IssueRequest) (store.CreateTicketInput, error) {
	input := store.CreateTicketInput{
		RequestID:     strings.TrimSpace(req.RequestID),
		GuestName:     strings.TrimSpace(req.GuestName),
		AdultCount:    req.AdultCount,
		ChildCount:    req.ChildCount,
		ScheduledTime: strings.TrimSpace(req.ScheduledTime),
	}
	if err := store.ValidateCreateInput(input); err != nil {
		return store.CreateTicketInput{}, err
	}
	if utf8.RuneCountInString(input.GuestName) > MaxGuestNameLength {
		return store.CreateTicketInput{}, fmt.Errorf("%w: guest_name must be at most %d characters", store.ErrValidation, MaxGuestNameLength)
	}
	if input.AdultCount+input.ChildCount > c.maxPartySize {
		return store.CreateTicketInput{}, fmt.Errorf("%w: party must not exceed %d guests", store.ErrValidation, c.maxPartySize)
	}
	if _, ok := c.catalog.Lookup(input.ScheduledTime); !ok {
		return store.CreateTicketInput{}, fmt.Errorf("%w: unknown scheduled_time %q", store.ErrValidation, input.ScheduledTime)
	}
	if input.RequestID != "" {
		if _, err := uuid.Parse(input.RequestID); err != nil {
			return store.CreateTicketInput{}, fmt.Errorf("%w: request_id must be a UUID", store.ErrValidation)
		}
	}
	return input, nil
}

// Snapshot returns the active queue, no older than role's staleness bound.
func (c *Coordinator) Snapshot(ctx context.Context, role snapshot.Role) (store.Snapshot, error) {
	snap, err := c.view.Get(ctx, role)
	if err != nil {
		return store.Snapshot{}, err
	}
	metrics.SetActive(c.ledger.Usage(snap))
	return snap, nil
}

// StalenessBound is how old a snapshot served to role may be.
func (c *Coordinator) StalenessBound(role snapshot.Role) time.Duration {
	return c.view.Bound(role)
}

func (c *Coordinator) WaitingCount(ctx context.Context, role snapshot.Role) (int, int64, error) {
	snap, err := c.Snapshot(ctx, role)
	if err != nil {
		return 0, 0, err
	}
	return WaitingCount(snap), snap.Revision, nil
}

func (c *Coordinator) CallingNow(ctx context.Context, role snapshot.Role) (models.CallingNow, int64, error) {
	snap, err := c.Snapshot(ctx, role)
	if err != nil {
		return models.CallingNow{}, 0, err
	}
	return CallingNow(snap), snap.Revision, nil
}

// SlotUsage reports active tickets for every capped slot.
func (c *Coordinator) SlotUsage(ctx context.Context, role snapshot.Role) (map[string]int, int64, error) {
	snap, err := c.Snapshot(ctx, role)
	if err != nil {
		return nil, 0, err
	}
	usage := c.ledger.Usage(snap)
	delete(usage, c.catalog.Immediate().Label)
	return usage, snap.Revision, nil
}

func (c *Coordinator) ListActive(ctx context.Context, role snapshot.Role) ([]models.Ticket, int64, error) {
	snap, err := c.Snapshot(ctx, role)
	if err != nil {
		return nil, 0, err
	}
	return snap.Active, snap.Revision, nil
}

func (c *Coordinator) Slots(ctx context.Context, role snapshot.Role) ([]models.SlotStatus, int64, error) {
	snap, err := c.Snapshot(ctx, role)
	if err != nil {
		return nil, 0, err
	}
	return c.ledger.Statuses(snap), snap.Revision, nil
}

func (c *Coordinator) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return c.store.GetTicket(ctx, strings.TrimSpace(ticketID))
}

// TicketEvents returns a ticket's audit chain after checking it against the
// stored ticket.
func (c *Coordinator) TicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	ticketID = strings.TrimSpace(ticketID)
	current, err := c.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	chain, err := c.store.ListTicketEvents(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if err := store.CheckTicketEvents(chain, current); err != nil {
		c.logger.Error().Err(err).Str("ticket_id", ticketID).Msg("ticket event chain failed verification")
		return nil, err
	}
	return chain, nil
}

// ExportTickets returns every ticket ever issued, entered ones included.
func (c *Coordinator) ExportTickets(ctx context.Context) ([]models.Ticket, error) {
	return c.store.ListTickets(ctx)
}

func (c *Coordinator) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

func WaitingCount(snap store.Snapshot) int {
	count := 0
	for _, ticket := range snap.Active {
		if ticket.Status == models.StatusWaiting {
			count++
		}
	}
	return count
}

func CallingNow(snap store.Snapshot) models.CallingNow {
	ticket, ok := store.LatestCalling(snap.Active)
	if !ok {
		return models.NoneCalling
	}
	return models.CallingNow{DisplayID: ticket.DisplayID, GuestName: ticket.GuestName}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome(err))
	}
	span.End()
}

func outcome(err error) string {
	switch {
	case errors.Is(err, store.ErrValidation):
		return "invalid"
	case errors.Is(err, store.ErrSlotFull):
		return "slot_full"
	case errors.Is(err, store.ErrTicketNotFound):
		return "not_found"
	case errors.Is(err, store.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, store.ErrCallInProgress):
		return "call_in_progress"
	default:
		return "error"
	}
}
