package models

import "time"

// RegistrationStatus is the lifecycle status of a registration.
type RegistrationStatus string

const (
	RegistrationStatusRegistered RegistrationStatus = "REGISTERED"
	RegistrationStatusWaitlisted RegistrationStatus = "WAITLISTED"
	RegistrationStatusCompleted  RegistrationStatus = "COMPLETED"
	RegistrationStatusCancelled  RegistrationStatus = "CANCELLED"
	RegistrationStatusRejected   RegistrationStatus = "REJECTED"
)

// Terminal reports whether no further automatic transition applies.
func (s RegistrationStatus) Terminal() bool {
	switch s {
	case RegistrationStatusCompleted, RegistrationStatusCancelled, RegistrationStatusRejected:
		return true
	default:
		return false
	}
}

// PaymentStatus tracks the review state of a merchandise order. It is nil on
// registrations for non-merchandise events.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusApproved PaymentStatus = "APPROVED"
	PaymentStatusRejected PaymentStatus = "REJECTED"
)

// AttendanceMethod records how a participant was checked in.
type AttendanceMethod string

const (
	AttendanceMethodCameraScan  AttendanceMethod = "CAMERA_SCAN"
	AttendanceMethodImageUpload AttendanceMethod = "IMAGE_UPLOAD"
	AttendanceMethodManual      AttendanceMethod = "MANUAL"
)

// Valid returns true when the method is a supported value.
func (m AttendanceMethod) Valid() bool {
	switch m {
	case AttendanceMethodCameraScan, AttendanceMethodImageUpload, AttendanceMethodManual:
		return true
	default:
		return false
	}
}

// Registration is the central record binding a participant to an event.
// Registrations are never deleted; cancellation is a status.
type Registration struct {
	ID               string             `db:"id" json:"id"`
	EventID          string             `db:"event_id" json:"event_id"`
	ParticipantID    string             `db:"participant_id" json:"participant_id"`
	TicketID         string             `db:"ticket_id" json:"ticket_id"`
	Status           RegistrationStatus `db:"status" json:"status"`
	TeamName         *string            `db:"team_name" json:"team_name,omitempty"`
	CustomFields     []byte             `db:"custom_fields" json:"custom_fields,omitempty"`
	PaymentStatus    *PaymentStatus     `db:"payment_status" json:"payment_status,omitempty"`
	PaymentProofRef  *string            `db:"payment_proof_ref" json:"-"`
	PaymentRemarks   *string            `db:"payment_remarks" json:"payment_remarks,omitempty"`
	AmountPaid       int64              `db:"amount_paid" json:"amount_paid"`
	QRData           *string            `db:"qr_data" json:"qr_data,omitempty"`
	Attended         bool               `db:"attended" json:"attended"`
	AttendedAt       *time.Time         `db:"attended_at" json:"attended_at,omitempty"`
	AttendanceMethod *AttendanceMethod  `db:"attendance_method" json:"attendance_method,omitempty"`
	ScannedBy        *string            `db:"scanned_by" json:"scanned_by,omitempty"`
	AttendanceNotes  *string            `db:"attendance_notes" json:"attendance_notes,omitempty"`
	NotificationSent bool               `db:"notification_sent" json:"notification_sent"`
	CreatedAt        time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time          `db:"updated_at" json:"updated_at"`
}

// Issued reports whether a credential has been attached to the registration.
func (r *Registration) Issued() bool {
	return r.QRData != nil && *r.QRData != ""
}

// RegistrationItem is one merchandise selection line on a registration.
type RegistrationItem struct {
	ID             string `db:"id" json:"id"`
	RegistrationID string `db:"registration_id" json:"registration_id"`
	VariantID      string `db:"variant_id" json:"variant_id"`
	VariantName    string `db:"variant_name" json:"variant_name"`
	UnitPrice      int64  `db:"unit_price" json:"unit_price"`
	Quantity       int    `db:"quantity" json:"quantity"`
}

// RegistrationDetail extends the record with participant and event metadata.
type RegistrationDetail struct {
	Registration
	ParticipantName  string             `db:"participant_name" json:"participant_name"`
	ParticipantEmail string             `db:"participant_email" json:"participant_email"`
	EventName        string             `db:"event_name" json:"event_name"`
	EventType        EventType          `db:"event_type" json:"event_type"`
	Items            []RegistrationItem `json:"items,omitempty"`
}

// RegistrationFilter defines listing criteria.
type RegistrationFilter struct {
	EventID       string
	ParticipantID string
	Status        RegistrationStatus
	Attended      *bool
	Page          int
	PageSize      int
}

// ScanRecord summarises an attendance mark, returned on successful scans and
// echoed back on duplicate ones.
type ScanRecord struct {
	RegistrationID string            `json:"registration_id"`
	TicketID       string            `json:"ticket_id"`
	EventID        string            `json:"event_id"`
	Attended       bool              `json:"attended"`
	AttendedAt     *time.Time        `json:"attended_at,omitempty"`
	Method         *AttendanceMethod `json:"method,omitempty"`
	ScannedBy      *string           `json:"scanned_by,omitempty"`
	Notes          *string           `json:"notes,omitempty"`
}
