package store

import "errors"

var (
	ErrValidation        = errors.New("invalid ticket request")
	ErrSlotFull          = errors.New("slot is full")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCallInProgress    = errors.New("another ticket is already calling")
	ErrTokenRejected     = errors.New("admission token rejected")
)
