package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/event-reg-api/internal/models"
)

// RegistrationRepository handles persistence of registrations.
type RegistrationRepository struct {
	db *sqlx.DB
}

// NewRegistrationRepository constructs the repository.
func NewRegistrationRepository(db *sqlx.DB) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

// CreateAdmitted computes the admission decision and inserts the registration
// as one transaction. The event row is locked with SELECT ... FOR UPDATE so
// concurrent admissions serialize on the capacity check and an event can
// never exceed its configured limit. The unique constraint on
// (event_id, participant_id) closes the duplicate-registration race; a ticket
// ID collision comes back as ErrTicketIDConflict for the caller to retry
// with a fresh ID.
func (r *RegistrationRepository) CreateAdmitted(ctx context.Context, reg *models.Registration, items []models.RegistrationItem) error {
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	reg.CreatedAt = now
	reg.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin registration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var capacity sql.NullInt64
	if err := tx.QueryRowxContext(ctx, `SELECT capacity FROM events WHERE id = $1 FOR UPDATE`, reg.EventID).Scan(&capacity); err != nil {
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		return fmt.Errorf("lock event row: %w", err)
	}

	var occupied int
	const countQuery = `SELECT COUNT(*) FROM registrations WHERE event_id = $1 AND status IN ($2, $3)`
	if err := tx.QueryRowxContext(ctx, countQuery, reg.EventID, models.RegistrationStatusRegistered, models.RegistrationStatusCompleted).Scan(&occupied); err != nil {
		return fmt.Errorf("count occupancy: %w", err)
	}

	reg.Status = models.RegistrationStatusRegistered
	if capacity.Valid && int64(occupied) >= capacity.Int64 {
		reg.Status = models.RegistrationStatusWaitlisted
	}

	const insertQuery = `INSERT INTO registrations (id, event_id, participant_id, ticket_id, status, team_name, custom_fields,
        payment_status, amount_paid, attended, notification_sent, created_at, updated_at)
        VALUES (:id, :event_id, :participant_id, :ticket_id, :status, :team_name, :custom_fields,
        :payment_status, :amount_paid, :attended, :notification_sent, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, insertQuery, reg); err != nil {
		if isUniqueViolation(err, constraintRegistrationParticipant) {
			return ErrDuplicateRegistration
		}
		if isUniqueViolation(err, constraintRegistrationTicket) {
			return ErrTicketIDConflict
		}
		return fmt.Errorf("insert registration: %w", err)
	}

	const itemQuery = `INSERT INTO registration_items (id, registration_id, variant_id, quantity)
        VALUES ($1, $2, $3, $4)`
	for _, item := range items {
		id := item.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, itemQuery, id, reg.ID, item.VariantID, item.Quantity); err != nil {
			return fmt.Errorf("insert registration item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit registration: %w", err)
	}
	return nil
}

const registrationColumns = `id, event_id, participant_id, ticket_id, status, team_name, custom_fields,
        payment_status, payment_proof_ref, payment_remarks, amount_paid, qr_data, attended, attended_at,
        attendance_method, scanned_by, attendance_notes, notification_sent, created_at, updated_at`

// FindByID returns a registration by its ID.
func (r *RegistrationRepository) FindByID(ctx context.Context, id string) (*models.Registration, error) {
	query := fmt.Sprintf(`SELECT %s FROM registrations WHERE id = $1`, registrationColumns)
	var reg models.Registration
	if err := r.db.GetContext(ctx, &reg, query, id); err != nil {
		return nil, err
	}
	return &reg, nil
}

// FindByTicketID returns a registration by its ticket identifier.
func (r *RegistrationRepository) FindByTicketID(ctx context.Context, ticketID string) (*models.Registration, error) {
	query := fmt.Sprintf(`SELECT %s FROM registrations WHERE ticket_id = $1`, registrationColumns)
	var reg models.Registration
	if err := r.db.GetContext(ctx, &reg, query, ticketID); err != nil {
		return nil, err
	}
	return &reg, nil
}

// FindDetailByID returns a registration with participant and event metadata.
func (r *RegistrationRepository) FindDetailByID(ctx context.Context, id string) (*models.RegistrationDetail, error) {
	const query = `SELECT r.id, r.event_id, r.participant_id, r.ticket_id, r.status, r.team_name, r.custom_fields,
        r.payment_status, r.payment_proof_ref, r.payment_remarks, r.amount_paid, r.qr_data, r.attended, r.attended_at,
        r.attendance_method, r.scanned_by, r.attendance_notes, r.notification_sent, r.created_at, r.updated_at,
        u.full_name AS participant_name, u.email AS participant_email, e.name AS event_name, e.type AS event_type
        FROM registrations r
        JOIN users u ON u.id = r.participant_id
        JOIN events e ON e.id = r.event_id
        WHERE r.id = $1`
	var detail models.RegistrationDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns registrations filtered by the provided criteria.
func (r *RegistrationRepository) List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, int, error) {
	base := `FROM registrations r
JOIN users u ON u.id = r.participant_id
JOIN events e ON e.id = r.event_id`
	var conditions []string
	var args []interface{}

	if filter.EventID != "" {
		conditions = append(conditions, fmt.Sprintf("r.event_id = $%d", len(args)+1))
		args = append(args, filter.EventID)
	}
	if filter.ParticipantID != "" {
		conditions = append(conditions, fmt.Sprintf("r.participant_id = $%d", len(args)+1))
		args = append(args, filter.ParticipantID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("r.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.Attended != nil {
		conditions = append(conditions, fmt.Sprintf("r.attended = $%d", len(args)+1))
		args = append(args, *filter.Attended)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT r.id, r.event_id, r.participant_id, r.ticket_id, r.status, r.team_name, r.custom_fields,
        r.payment_status, r.payment_proof_ref, r.payment_remarks, r.amount_paid, r.qr_data, r.attended, r.attended_at,
        r.attendance_method, r.scanned_by, r.attendance_notes, r.notification_sent, r.created_at, r.updated_at,
        u.full_name AS participant_name, u.email AS participant_email, e.name AS event_name, e.type AS event_type
        %s ORDER BY r.created_at ASC LIMIT %d OFFSET %d`, base+clause, size, offset)

	var regs []models.RegistrationDetail
	if err := r.db.SelectContext(ctx, &regs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list registrations: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count registrations: %w", err)
	}
	return regs, total, nil
}

// Items returns the merchandise selections for a registration with variant
// metadata joined in.
func (r *RegistrationRepository) Items(ctx context.Context, registrationID string) ([]models.RegistrationItem, error) {
	const query = `SELECT i.id, i.registration_id, i.variant_id, i.quantity,
        v.name AS variant_name, v.unit_price
        FROM registration_items i
        JOIN merchandise_variants v ON v.id = i.variant_id
        WHERE i.registration_id = $1
        ORDER BY v.position ASC`
	var items []models.RegistrationItem
	if err := r.db.SelectContext(ctx, &items, query, registrationID); err != nil {
		return nil, fmt.Errorf("list registration items: %w", err)
	}
	return items, nil
}

// UpdateStatus updates the lifecycle status.
func (r *RegistrationRepository) UpdateStatus(ctx context.Context, id string, status models.RegistrationStatus) error {
	const query = `UPDATE registrations SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("update registration status: %w", err)
	}
	return nil
}

// SetCredential attaches the issued QR payload to the registration.
func (r *RegistrationRepository) SetCredential(ctx context.Context, id, qrData string) error {
	const query = `UPDATE registrations SET qr_data = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, qrData, time.Now().UTC()); err != nil {
		return fmt.Errorf("set credential: %w", err)
	}
	return nil
}

// MarkNotified flips the notification-sent flag.
func (r *RegistrationRepository) MarkNotified(ctx context.Context, id string) error {
	const query = `UPDATE registrations SET notification_sent = TRUE, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}

// SetPaymentProof stores the proof reference and moves the payment review to
// pending. Valid from the undefined and rejected states.
func (r *RegistrationRepository) SetPaymentProof(ctx context.Context, id, proofRef string) error {
	const query = `UPDATE registrations SET payment_proof_ref = $2, payment_status = $3, updated_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, proofRef, models.PaymentStatusPending, time.Now().UTC()); err != nil {
		return fmt.Errorf("set payment proof: %w", err)
	}
	return nil
}

// DecidePayment records a payment verdict that moves no stock (rejections).
// Approvals go through ApprovePayment so the stock commit shares the
// transaction. The update is conditional on the review still being pending so
// concurrent decisions cannot both succeed; a raced decision surfaces as
// ErrPaymentNotPending.
func (r *RegistrationRepository) DecidePayment(ctx context.Context, id string, payment models.PaymentStatus, status models.RegistrationStatus, remarks *string, amountPaid int64) error {
	const query = `UPDATE registrations SET payment_status = $2, status = $3, payment_remarks = $4, amount_paid = $5, updated_at = $6
        WHERE id = $1 AND payment_status = $7`
	res, err := r.db.ExecContext(ctx, query, id, payment, status, remarks, amountPaid, time.Now().UTC(), models.PaymentStatusPending)
	if err != nil {
		return fmt.Errorf("decide payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("decide payment result: %w", err)
	}
	if affected == 0 {
		return ErrPaymentNotPending
	}
	return nil
}

// ApprovePayment finalises a pending review and commits the merchandise
// stock in one transaction. The payment flip is conditional on the review
// still being pending, so a raced decision exits with ErrPaymentNotPending
// before any stock moves; each decrement is conditional on sufficient
// remaining stock, and a shortfall rolls the flip back, leaving the review
// pending and stock untouched.
func (r *RegistrationRepository) ApprovePayment(ctx context.Context, id string, items []models.RegistrationItem, remarks *string, amountPaid int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin payment approval: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const decideQuery = `UPDATE registrations SET payment_status = $2, status = $3, payment_remarks = $4, amount_paid = $5, updated_at = $6
        WHERE id = $1 AND payment_status = $7`
	res, err := tx.ExecContext(ctx, decideQuery, id, models.PaymentStatusApproved, models.RegistrationStatusCompleted, remarks, amountPaid, time.Now().UTC(), models.PaymentStatusPending)
	if err != nil {
		return fmt.Errorf("approve payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("approve payment result: %w", err)
	}
	if affected == 0 {
		return ErrPaymentNotPending
	}

	const stockQuery = `UPDATE merchandise_variants SET stock = stock - $2 WHERE id = $1 AND stock >= $2`
	for _, item := range items {
		res, err := tx.ExecContext(ctx, stockQuery, item.VariantID, item.Quantity)
		if err != nil {
			return fmt.Errorf("decrement stock for %s: %w", item.VariantID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("stock decrement result: %w", err)
		}
		if affected == 0 {
			return ErrInsufficientStock
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit payment approval: %w", err)
	}
	return nil
}

// MarkAttended records attendance atomically. The update is keyed on
// attended = FALSE so two near-simultaneous scans cannot both succeed; the
// loser observes ErrAlreadyAttended.
func (r *RegistrationRepository) MarkAttended(ctx context.Context, id string, method models.AttendanceMethod, actorID string, notes *string, at time.Time) error {
	const query = `UPDATE registrations SET attended = TRUE, attended_at = $2, attendance_method = $3,
        scanned_by = $4, attendance_notes = $5, status = $6, updated_at = $7
        WHERE id = $1 AND attended = FALSE`
	res, err := r.db.ExecContext(ctx, query, id, at, method, actorID, notes, models.RegistrationStatusCompleted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark attended: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark attended result: %w", err)
	}
	if affected == 0 {
		return ErrAlreadyAttended
	}
	return nil
}

// SetAttendance unconditionally overrides the attendance flag. This is the
// manual escape hatch: it bypasses the duplicate-scan guard and can unset a
// prior mark. Status moves to completed only when attendance is set.
func (r *RegistrationRepository) SetAttendance(ctx context.Context, id string, attended bool, actorID string, notes *string, at time.Time) error {
	const query = `UPDATE registrations SET attended = $2,
        attended_at = CASE WHEN $2 THEN $3 ELSE NULL END,
        attendance_method = $4, scanned_by = $5, attendance_notes = $6,
        status = CASE WHEN $2 THEN $7 ELSE status END,
        updated_at = $8
        WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, attended, at, models.AttendanceMethodManual, actorID, notes, models.RegistrationStatusCompleted, time.Now().UTC()); err != nil {
		return fmt.Errorf("override attendance: %w", err)
	}
	return nil
}

// CountActive returns the number of capacity-occupying registrations.
func (r *RegistrationRepository) CountActive(ctx context.Context, eventID string) (int, error) {
	const query = `SELECT COUNT(*) FROM registrations WHERE event_id = $1 AND status IN ($2, $3)`
	var count int
	if err := r.db.GetContext(ctx, &count, query, eventID, models.RegistrationStatusRegistered, models.RegistrationStatusCompleted); err != nil {
		return 0, fmt.Errorf("count active registrations: %w", err)
	}
	return count, nil
}
