package repository

import (
	"errors"

	"github.com/lib/pq"
)

// Sentinel errors surfaced by repositories. Services map these onto the
// user-facing error taxonomy.
var (
	ErrDuplicate             = errors.New("duplicate record")
	ErrDuplicateRegistration = errors.New("registration already exists for participant and event")
	ErrTicketIDConflict      = errors.New("ticket id already taken")
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrAlreadyAttended       = errors.New("attendance already recorded")
	ErrPaymentNotPending     = errors.New("payment review not pending")
)

// Constraint names enforced by the schema. The registration insert relies on
// them to tell a duplicate (participant, event) pair apart from a ticket ID
// collision, which callers retry with a fresh ID.
const (
	constraintRegistrationParticipant = "registrations_event_participant_key"
	constraintRegistrationTicket      = "registrations_ticket_id_key"
)

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation, optionally restricted to a named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
