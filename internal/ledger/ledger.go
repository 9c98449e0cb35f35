package ledger

import (
	"context"
	"fmt"

	"qms/entry-queue/internal/models"
	"qms/entry-queue/internal/slots"
	"qms/entry-queue/internal/store"
)

// Ledger derives per-slot occupancy from the ticket store. It holds no
// counters of its own; Admit is handed to the store so the capacity check
// runs inside the same write section that persists the ticket.
type Ledger struct {
	catalog *slots.Catalog
	store   store.TicketStore
}

func New(catalog *slots.Catalog, ticketStore store.TicketStore) *Ledger {
	return &Ledger{catalog: catalog, store: ticketStore}
}

// Admit implements store.AdmitFunc.
func (l *Ledger) Admit(label string, active int) error {
	capacity, ok := l.catalog.CapacityOf(label)
	if !ok {
		return fmt.Errorf("%w: unknown scheduled_time %q", store.ErrValidation, label)
	}
	if capacity == slots.Unbounded {
		return nil
	}
	if active >= capacity {
		return fmt.Errorf("%w: %s has %d of %d places taken", store.ErrSlotFull, label, active, capacity)
	}
	return nil
}

// UsageBySlot counts active tickets for every catalog label, zero-filled,
// from a single store snapshot.
func (l *Ledger) UsageBySlot(ctx context.Context) (map[string]int, error) {
	snapshot, err := l.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return l.Usage(snapshot), nil
}

func (l *Ledger) IsFull(ctx context.Context, label string) (bool, error) {
	capacity, ok := l.catalog.CapacityOf(label)
	if !ok {
		return false, fmt.Errorf("%w: unknown scheduled_time %q", store.ErrValidation, label)
	}
	if capacity == slots.Unbounded {
		return false, nil
	}
	active, err := l.store.CountActiveBySlot(ctx, label)
	if err != nil {
		return false, err
	}
	return active >= capacity, nil
}

func (l *Ledger) Usage(snapshot store.Snapshot) map[string]int {
	usage := make(map[string]int, len(l.catalog.Labels()))
	for _, label := range l.catalog.Labels() {
		usage[label] = 0
	}
	for _, ticket := range snapshot.Active {
		if _, ok := usage[ticket.ScheduledTime]; ok {
			usage[ticket.ScheduledTime]++
		}
	}
	return usage
}

// Statuses joins the catalog with snapshot usage, in catalog order.
func (l *Ledger) Statuses(snapshot store.Snapshot) []models.SlotStatus {
	usage := l.Usage(snapshot)
	list := l.catalog.List()
	out := make([]models.SlotStatus, 0, len(list))
	for _, slot := range list {
		active := usage[slot.Label]
		out = append(out, models.SlotStatus{
			Slot:   slot,
			Active: active,
			Full:   !slot.IsImmediate && active >= slot.Capacity,
		})
	}
	return out
}
