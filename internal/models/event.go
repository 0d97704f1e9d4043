package models

import "time"

// EventType tags the behaviour of an event. Merchandise events carry variants
// and gate ticket issuance behind payment approval.
type EventType string

const (
	EventTypeNormal      EventType = "NORMAL"
	EventTypeTeam        EventType = "TEAM"
	EventTypeMerchandise EventType = "MERCHANDISE"
)

// Valid returns true when the type is a supported value.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeNormal, EventTypeTeam, EventTypeMerchandise:
		return true
	default:
		return false
	}
}

// Event represents a registrable event owned by an organizer.
// A nil Capacity means admission is unbounded.
type Event struct {
	ID          string     `db:"id" json:"id"`
	OrganizerID string     `db:"organizer_id" json:"organizer_id"`
	Name        string     `db:"name" json:"name"`
	Description string     `db:"description" json:"description"`
	Type        EventType  `db:"type" json:"type"`
	Capacity    *int       `db:"capacity" json:"capacity,omitempty"`
	Deadline    *time.Time `db:"deadline" json:"deadline,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// MerchandiseVariant is a purchasable line item attached to a merchandise
// event. Stock is authoritative and never goes negative.
type MerchandiseVariant struct {
	ID        string `db:"id" json:"id"`
	EventID   string `db:"event_id" json:"event_id"`
	Name      string `db:"name" json:"name"`
	UnitPrice int64  `db:"unit_price" json:"unit_price"`
	Stock     int    `db:"stock" json:"stock"`
	Position  int    `db:"position" json:"position"`
}

// EventDetail bundles an event with its variants for responses.
type EventDetail struct {
	Event
	Variants []MerchandiseVariant `json:"variants,omitempty"`
}

// EventFilter captures listing criteria.
type EventFilter struct {
	OrganizerID string
	Type        EventType
	Page        int
	PageSize    int
}
