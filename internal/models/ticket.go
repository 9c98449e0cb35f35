package models

import "time"

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusCalling Status = "calling"
	StatusEntered Status = "entered"
)

// Active reports whether the ticket still occupies its slot.
func (s Status) Active() bool {
	return s == StatusWaiting || s == StatusCalling
}

type Ticket struct {
	ID            string     `json:"id"`
	DisplayID     int64      `json:"display_id"`
	GuestName     string     `json:"guest_name"`
	AdultCount    int        `json:"adult_count"`
	ChildCount    int        `json:"child_count"`
	ScheduledTime string     `json:"scheduled_time"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
	EnteredAt     *time.Time `json:"entered_at,omitempty"`
	RequestID     string     `json:"request_id,omitempty"`
	// Revision is the queue revision at which this version was written.
	Revision int64 `json:"revision"`
}

func (t Ticket) PartySize() int {
	return t.AdultCount + t.ChildCount
}

type CallingNow struct {
	DisplayID int64  `json:"calling_id"`
	GuestName string `json:"calling_name"`
}

// NoneCalling is returned when no ticket is in the calling state.
var NoneCalling = CallingNow{DisplayID: 0, GuestName: ""}
