package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/event-reg-api/internal/models"
	appErrors "github.com/noah-isme/event-reg-api/pkg/errors"
)

type eventRepository interface {
	Create(ctx context.Context, event *models.Event, variants []models.MerchandiseVariant) error
	FindByID(ctx context.Context, id string) (*models.Event, error)
	List(ctx context.Context, filter models.EventFilter) ([]models.Event, int, error)
	Variants(ctx context.Context, eventID string) ([]models.MerchandiseVariant, error)
	OwnedBy(ctx context.Context, eventID, organizerID string) (bool, error)
}

type registrationCounter interface {
	CountActive(ctx context.Context, eventID string) (int, error)
}

// VariantInput describes one merchandise line item on event creation.
type VariantInput struct {
	Name      string `json:"name" validate:"required"`
	UnitPrice int64  `json:"unit_price" validate:"gte=0"`
	Stock     int    `json:"stock" validate:"gte=0"`
}

// CreateEventRequest describes event creation.
type CreateEventRequest struct {
	Name        string         `json:"name" validate:"required"`
	Description string         `json:"description"`
	Type        string         `json:"type" validate:"required,oneof=NORMAL TEAM MERCHANDISE"`
	Capacity    *int           `json:"capacity" validate:"omitempty,gt=0"`
	Deadline    *time.Time     `json:"deadline"`
	Variants    []VariantInput `json:"variants" validate:"dive"`
}

// EventService manages events and their merchandise catalogues.
type EventService struct {
	repo          eventRepository
	registrations registrationCounter
	cache         *CacheService
	validator     *validator.Validate
	logger        *zap.Logger
}

// NewEventService constructs EventService.
func NewEventService(repo eventRepository, registrations registrationCounter, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *EventService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventService{repo: repo, registrations: registrations, cache: cache, validator: validate, logger: logger}
}

// Create persists a new event owned by the organizer.
func (s *EventService) Create(ctx context.Context, organizerID string, req CreateEventRequest) (*models.EventDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid event payload")
	}
	eventType := models.EventType(req.Type)
	if eventType == models.EventTypeMerchandise && len(req.Variants) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "merchandise events require at least one variant")
	}
	if eventType != models.EventTypeMerchandise && len(req.Variants) > 0 {
		return nil, appErrors.Clone(appErrors.ErrWrongEventType, "variants are only supported on merchandise events")
	}

	event := &models.Event{
		OrganizerID: organizerID,
		Name:        req.Name,
		Description: req.Description,
		Type:        eventType,
		Capacity:    req.Capacity,
		Deadline:    req.Deadline,
	}
	variants := make([]models.MerchandiseVariant, 0, len(req.Variants))
	for _, v := range req.Variants {
		variants = append(variants, models.MerchandiseVariant{Name: v.Name, UnitPrice: v.UnitPrice, Stock: v.Stock})
	}

	if err := s.repo.Create(ctx, event, variants); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create event")
	}
	if s.cache.Enabled() {
		_ = s.cache.Invalidate(ctx, "events:*")
	}
	s.logger.Info("event created", zap.String("event_id", event.ID), zap.String("type", string(eventType)))
	return s.Get(ctx, event.ID)
}

// Get returns an event with its variants, served from cache when possible.
func (s *EventService) Get(ctx context.Context, id string) (*models.EventDetail, error) {
	key := fmt.Sprintf("events:detail:%s", id)
	var detail models.EventDetail
	if hit, _ := s.cache.Get(ctx, key, &detail); hit {
		return &detail, nil
	}

	event, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "event not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load event")
	}

	detail = models.EventDetail{Event: *event}
	if event.Type == models.EventTypeMerchandise {
		variants, err := s.repo.Variants(ctx, id)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load variants")
		}
		detail.Variants = variants
	}
	_ = s.cache.Set(ctx, key, detail, 0)
	return &detail, nil
}

// List returns events filtered and paginated.
func (s *EventService) List(ctx context.Context, filter models.EventFilter) ([]models.Event, *models.Pagination, error) {
	events, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list events")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return events, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Occupancy returns the number of capacity-occupying registrations.
func (s *EventService) Occupancy(ctx context.Context, eventID string) (int, error) {
	count, err := s.registrations.CountActive(ctx, eventID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count registrations")
	}
	return count, nil
}

// RequireOwnership checks that the organizer owns the event. Admins pass.
func (s *EventService) RequireOwnership(ctx context.Context, eventID, userID string, role models.UserRole) error {
	if role == models.RoleAdmin {
		return nil
	}
	owned, err := s.repo.OwnedBy(ctx, eventID, userID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify event ownership")
	}
	if !owned {
		return appErrors.Clone(appErrors.ErrUnauthorizedEvent, "")
	}
	return nil
}
