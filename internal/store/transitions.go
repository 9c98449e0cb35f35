package store

import "qms/entry-queue/internal/models"

// transitionMap lists, per target status, the statuses a ticket may move
// from. Status only ever moves forward.
var transitionMap = map[models.Status][]models.Status{
	models.StatusCalling: {models.StatusWaiting},
	models.StatusEntered: {models.StatusWaiting, models.StatusCalling},
}

func ValidTransition(from, to models.Status) bool {
	allowed, ok := transitionMap[to]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}

// EventType names the audit event recorded for a transition into status.
func EventType(status models.Status) string {
	switch status {
	case models.StatusWaiting:
		return EventTicketIssued
	case models.StatusCalling:
		return EventTicketCalled
	case models.StatusEntered:
		return EventTicketEntered
	default:
		return "ticket." + string(status)
	}
}
