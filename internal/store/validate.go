package store

import (
	"fmt"
	"strings"
)

// ValidateCreateInput enforces the record-level rules every backend applies
// before touching state. Slot membership is checked by the AdmitFunc.
func ValidateCreateInput(input CreateTicketInput) error {
	if strings.TrimSpace(input.GuestName) == "" {
		return fmt.Errorf("%w: guest_name is required", ErrValidation)
	}
	if strings.TrimSpace(input.ScheduledTime) == "" {
		return fmt.Errorf("%w: scheduled_time is required", ErrValidation)
	}
	if input.AdultCount < 0 || input.ChildCount < 0 {
		return fmt.Errorf("%w: adult_count and child_count must not be negative", ErrValidation)
	}
	if input.AdultCount+input.ChildCount < 1 {
		return fmt.Errorf("%w: party must include at least one guest", ErrValidation)
	}
	return nil
}
