package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qms/entry-queue/internal/models"
	"qms/entry-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketColumns = `ticket_id, display_id, COALESCE(request_id, ''), guest_name, adult_count, child_count,
	scheduled_time, status, created_at, called_at, entered_at, revision`

// Store keeps tickets in postgres. Every write transaction starts by locking
// the single queue_state row, so writers are serialized and the capacity
// check, display number allocation and insert commit together.
type Store struct {
	pool         *pgxpool.Pool
	now          func() time.Time
	queryTimeout time.Duration
}

type Options struct {
	Now          func() time.Time
	QueryTimeout time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	now := options.Now
	if now == nil {
		now = time.Now
	}
	timeout := options.QueryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{
		pool:         pool,
		now:          now,
		queryTimeout: timeout,
	}
}

type queueState struct {
	Revision      int64
	NextDisplayID int64
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput, admit store.AdmitFunc) (models.Ticket, bool, error) {
	if err := store.ValidateCreateInput(input); err != nil {
		return models.Ticket{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	state, err := lockQueueState(ctx, tx)
	if err != nil {
		return models.Ticket{}, false, err
	}

	if input.RequestID != "" {
		existing, found, err := findTicketByRequestID(ctx, tx, input.RequestID)
		if err != nil {
			return models.Ticket{}, false, err
		}
		if found {
			if err := tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return existing, false, nil
		}
	}

	if admit != nil {
		active, err := countActive(ctx, tx, input.ScheduledTime)
		if err != nil {
			return models.Ticket{}, false, err
		}
		if err := admit(input.ScheduledTime, active); err != nil {
			return models.Ticket{}, false, err
		}
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	createdAt = createdAt.UTC().Truncate(time.Microsecond)

	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, display_id, request_id, guest_name, adult_count, child_count,
			scheduled_time, status, created_at, revision
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING `+ticketColumns,
		uuid.NewString(), state.NextDisplayID, nullIfEmpty(input.RequestID), input.GuestName,
		input.AdultCount, input.ChildCount, input.ScheduledTime, string(models.StatusWaiting), createdAt,
		state.Revision+1)
	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, false, err
	}

	if err := insertTicketEvent(ctx, tx, nil, ticket, store.EventTicketIssued, createdAt); err != nil {
		return models.Ticket{}, false, err
	}
	if err := bumpQueueState(ctx, tx, state.NextDisplayID+1); err != nil {
		return models.Ticket{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) SetStatus(ctx context.Context, input store.StatusChangeInput) (models.Ticket, error) {
	if _, err := uuid.Parse(input.TicketID); err != nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	state, err := lockQueueState(ctx, tx)
	if err != nil {
		return models.Ticket{}, err
	}

	current, err := getTicketByID(ctx, tx, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if !store.ValidTransition(current.Status, input.Status) {
		return models.Ticket{}, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, current.Status, input.Status)
	}
	if input.Status == models.StatusCalling && input.ExclusiveCalling {
		var other int64
		err := tx.QueryRow(ctx, `
			SELECT display_id FROM tickets
			WHERE status = 'calling' AND ticket_id <> $1
			LIMIT 1
		`, input.TicketID).Scan(&other)
		if err == nil {
			return models.Ticket{}, fmt.Errorf("%w: ticket %d", store.ErrCallInProgress, other)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, err
		}
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}
	occurredAt = occurredAt.UTC().Truncate(time.Microsecond)

	var calledAt, enteredAt interface{}
	switch input.Status {
	case models.StatusCalling:
		calledAt = occurredAt
	case models.StatusEntered:
		enteredAt = occurredAt
	}

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $1,
			called_at = COALESCE($2::timestamptz, called_at),
			entered_at = COALESCE($3::timestamptz, entered_at),
			revision = $4
		WHERE ticket_id = $5
		RETURNING `+ticketColumns,
		string(input.Status), calledAt, enteredAt, state.Revision+1, input.TicketID)
	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, err
	}

	prev, err := lastTicketEvent(ctx, tx, ticket.ID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err := insertTicketEvent(ctx, tx, prev, ticket, store.EventType(input.Status), occurredAt); err != nil {
		return models.Ticket{}, err
	}
	if err := bumpQueueState(ctx, tx, state.NextDisplayID); err != nil {
		return models.Ticket{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return getTicketByID(ctx, s.pool, ticketID)
}

func (s *Store) ListActive(ctx context.Context) ([]models.Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return listActive(ctx, s.pool)
}

func (s *Store) CountActiveBySlot(ctx context.Context, label string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return countActive(ctx, s.pool, label)
}

func (s *Store) FindCalling(ctx context.Context) (models.Ticket, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status = 'calling'
		ORDER BY called_at DESC NULLS LAST, display_id DESC
		LIMIT 1
	`)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) Snapshot(ctx context.Context) (store.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return store.Snapshot{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var revision int64
	if err := tx.QueryRow(ctx, `SELECT revision FROM queue_state WHERE id = 1`).Scan(&revision); err != nil {
		return store.Snapshot{}, err
	}
	active, err := listActive(ctx, tx)
	if err != nil {
		return store.Snapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{
		Revision: revision,
		TakenAt:  s.now().UTC(),
		Active:   active,
	}, nil
}

func (s *Store) ListTickets(ctx context.Context) ([]models.Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+ticketColumns+` FROM tickets ORDER BY display_id ASC`)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return nil, store.ErrTicketNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload []byte
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = payload
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, store.ErrTicketNotFound
	}
	return events, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func lockQueueState(ctx context.Context, tx pgx.Tx) (queueState, error) {
	var state queueState
	row := tx.QueryRow(ctx, `
		SELECT revision, next_display_id
		FROM queue_state
		WHERE id = 1
		FOR UPDATE
	`)
	if err := row.Scan(&state.Revision, &state.NextDisplayID); err != nil {
		return queueState{}, fmt.Errorf("lock queue state: %w", err)
	}
	return state, nil
}

func bumpQueueState(ctx context.Context, tx pgx.Tx, nextDisplayID int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE queue_state
		SET revision = revision + 1, next_display_id = $1
		WHERE id = 1
	`, nextDisplayID)
	return err
}

func countActive(ctx context.Context, q querier, label string) (int, error) {
	var count int
	row := q.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tickets
		WHERE scheduled_time = $1 AND status IN ('waiting', 'calling')
	`, label)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func listActive(ctx context.Context, q querier) ([]models.Ticket, error) {
	rows, err := q.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status IN ('waiting', 'calling')
		ORDER BY created_at ASC, display_id ASC
	`)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

func collectTickets(rows pgx.Rows) ([]models.Ticket, error) {
	defer rows.Close()
	tickets := []models.Ticket{}
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func getTicketByID(ctx context.Context, q querier, ticketID string) (models.Ticket, error) {
	row := q.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func findTicketByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE request_id = $1`, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func lastTicketEvent(ctx context.Context, tx pgx.Tx, ticketID string) (*store.TicketEvent, error) {
	var event store.TicketEvent
	var payload []byte
	row := tx.QueryRow(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticketID)
	if err := row.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	event.Payload = payload
	return &event, nil
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, prev *store.TicketEvent, ticket models.Ticket, eventType string, createdAt time.Time) error {
	event, err := store.NextTicketEvent(prev, ticket, eventType, createdAt)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.TicketID, event.TicketSeq, event.Type, []byte(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var status string
	var calledAtNull sql.NullTime
	var enteredAtNull sql.NullTime
	if err := row.Scan(
		&ticket.ID, &ticket.DisplayID, &ticket.RequestID, &ticket.GuestName, &ticket.AdultCount, &ticket.ChildCount,
		&ticket.ScheduledTime, &status, &ticket.CreatedAt, &calledAtNull, &enteredAtNull, &ticket.Revision,
	); err != nil {
		return models.Ticket{}, err
	}
	ticket.Status = models.Status(status)
	ticket.CreatedAt = ticket.CreatedAt.UTC()
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.EnteredAt = nullTimePtr(enteredAtNull)
	return ticket, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
