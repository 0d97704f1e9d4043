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

// EventRepository handles persistence of events and merchandise variants.
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository constructs the repository.
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Create persists an event with its variants in one transaction.
func (r *EventRepository) Create(ctx context.Context, event *models.Event, variants []models.MerchandiseVariant) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	event.CreatedAt = now
	event.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const eventQuery = `INSERT INTO events (id, organizer_id, name, description, type, capacity, deadline, created_at, updated_at)
        VALUES (:id, :organizer_id, :name, :description, :type, :capacity, :deadline, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, eventQuery, event); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	const variantQuery = `INSERT INTO merchandise_variants (id, event_id, name, unit_price, stock, position)
        VALUES (:id, :event_id, :name, :unit_price, :stock, :position)`
	for i := range variants {
		if variants[i].ID == "" {
			variants[i].ID = uuid.NewString()
		}
		variants[i].EventID = event.ID
		variants[i].Position = i
		if _, err := tx.NamedExecContext(ctx, variantQuery, variants[i]); err != nil {
			return fmt.Errorf("insert variant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create event: %w", err)
	}
	return nil
}

// FindByID returns an event by its ID.
func (r *EventRepository) FindByID(ctx context.Context, id string) (*models.Event, error) {
	const query = `SELECT id, organizer_id, name, description, type, capacity, deadline, created_at, updated_at FROM events WHERE id = $1`
	var event models.Event
	if err := r.db.GetContext(ctx, &event, query, id); err != nil {
		return nil, err
	}
	return &event, nil
}

// List returns events filtered by the provided criteria.
func (r *EventRepository) List(ctx context.Context, filter models.EventFilter) ([]models.Event, int, error) {
	base := "FROM events"
	var conditions []string
	var args []interface{}

	if filter.OrganizerID != "" {
		conditions = append(conditions, fmt.Sprintf("organizer_id = $%d", len(args)+1))
		args = append(args, filter.OrganizerID)
	}
	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)+1))
		args = append(args, filter.Type)
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

	query := fmt.Sprintf(`SELECT id, organizer_id, name, description, type, capacity, deadline, created_at, updated_at
        %s ORDER BY created_at DESC LIMIT %d OFFSET %d`, base+clause, size, offset)

	var events []models.Event
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}
	return events, total, nil
}

// Variants returns the ordered variant list for an event.
func (r *EventRepository) Variants(ctx context.Context, eventID string) ([]models.MerchandiseVariant, error) {
	const query = `SELECT id, event_id, name, unit_price, stock, position FROM merchandise_variants WHERE event_id = $1 ORDER BY position ASC`
	var variants []models.MerchandiseVariant
	if err := r.db.SelectContext(ctx, &variants, query, eventID); err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	return variants, nil
}

// AddParticipant appends a participant to the event's denormalized roster.
// Idempotent; the roster is a convenience set, not the source of truth.
func (r *EventRepository) AddParticipant(ctx context.Context, eventID, userID string) error {
	const query = `INSERT INTO event_participants (event_id, user_id, added_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, eventID, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("add event participant: %w", err)
	}
	return nil
}

// OwnedBy reports whether the event belongs to the given organizer.
func (r *EventRepository) OwnedBy(ctx context.Context, eventID, organizerID string) (bool, error) {
	const query = `SELECT 1 FROM events WHERE id = $1 AND organizer_id = $2 LIMIT 1`
	var one int
	if err := r.db.GetContext(ctx, &one, query, eventID, organizerID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check event ownership: %w", err)
	}
	return true, nil
}
