package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/event-reg-api/internal/models"
	"github.com/noah-isme/event-reg-api/internal/repository"
	"github.com/noah-isme/event-reg-api/internal/ticket"
	appErrors "github.com/noah-isme/event-reg-api/pkg/errors"
)

type registrationRepository interface {
	CreateAdmitted(ctx context.Context, reg *models.Registration, items []models.RegistrationItem) error
	FindByID(ctx context.Context, id string) (*models.Registration, error)
	FindDetailByID(ctx context.Context, id string) (*models.RegistrationDetail, error)
	Items(ctx context.Context, registrationID string) ([]models.RegistrationItem, error)
	List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, int, error)
	UpdateStatus(ctx context.Context, id string, status models.RegistrationStatus) error
	SetCredential(ctx context.Context, id, qrData string) error
}

type registrationEventReader interface {
	FindByID(ctx context.Context, id string) (*models.Event, error)
	Variants(ctx context.Context, eventID string) ([]models.MerchandiseVariant, error)
	OwnedBy(ctx context.Context, eventID, organizerID string) (bool, error)
}

type registrationNotifier interface {
	EnqueueTicket(registrationID string)
	EnqueueRosterAdd(eventID, userID string)
}

// ItemSelection is one requested merchandise line.
type ItemSelection struct {
	VariantID string `json:"variant_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

// RegisterRequest describes a registration submission.
type RegisterRequest struct {
	EventID      string          `json:"event_id" validate:"required"`
	TeamName     *string         `json:"team_name"`
	CustomFields json.RawMessage `json:"custom_fields"`
	Items        []ItemSelection `json:"items" validate:"dive"`
}

// RegistrationConfig tunes registration behaviour.
type RegistrationConfig struct {
	TicketIDMaxRetries int
	QRSizePixels       int
}

// RegistrationService runs the admission pipeline.
type RegistrationService struct {
	repo      registrationRepository
	events    registrationEventReader
	notifier  registrationNotifier
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	config    RegistrationConfig
}

// NewRegistrationService constructs RegistrationService.
func NewRegistrationService(repo registrationRepository, events registrationEventReader, notifier registrationNotifier, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, config RegistrationConfig) *RegistrationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TicketIDMaxRetries <= 0 {
		config.TicketIDMaxRetries = 3
	}
	if config.QRSizePixels <= 0 {
		config.QRSizePixels = 256
	}
	return &RegistrationService{repo: repo, events: events, notifier: notifier, metrics: metrics, validator: validate, logger: logger, config: config}
}

// Register admits a participant to an event. The resulting status depends on
// remaining capacity; the credential is issued immediately for free events
// and deferred until payment approval for merchandise events.
func (s *RegistrationService) Register(ctx context.Context, participantID string, req RegisterRequest) (*models.RegistrationDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}

	event, err := s.events.FindByID(ctx, req.EventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "event not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load event")
	}

	if event.Deadline != nil && time.Now().UTC().After(*event.Deadline) {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "registration deadline has passed")
	}

	switch event.Type {
	case models.EventTypeTeam:
		if req.TeamName == nil || *req.TeamName == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "team events require a team name")
		}
	case models.EventTypeMerchandise:
		if len(req.Items) == 0 {
			return nil, appErrors.Clone(appErrors.ErrValidation, "merchandise events require at least one item")
		}
	default:
		if len(req.Items) > 0 {
			return nil, appErrors.Clone(appErrors.ErrWrongEventType, "items are only supported on merchandise events")
		}
	}

	items, err := s.resolveItems(ctx, event, req.Items)
	if err != nil {
		return nil, err
	}

	reg := &models.Registration{
		EventID:       event.ID,
		ParticipantID: participantID,
		TeamName:      req.TeamName,
		CustomFields:  req.CustomFields,
	}

	for attempt := 0; ; attempt++ {
		reg.TicketID = ticket.NewID()
		err = s.repo.CreateAdmitted(ctx, reg, items)
		if err == nil {
			break
		}
		if errors.Is(err, repository.ErrDuplicateRegistration) {
			return nil, appErrors.Clone(appErrors.ErrDuplicateRegistration, "")
		}
		if errors.Is(err, repository.ErrTicketIDConflict) && attempt < s.config.TicketIDMaxRetries {
			s.logger.Warn("ticket id collision, retrying", zap.Int("attempt", attempt+1))
			continue
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create registration")
	}

	s.metrics.RecordRegistration(string(reg.Status))
	s.notifier.EnqueueRosterAdd(event.ID, participantID)

	if event.Type != models.EventTypeMerchandise && reg.Status == models.RegistrationStatusRegistered {
		if err := s.issueCredential(ctx, reg); err != nil {
			s.logger.Error("credential issuance failed", zap.String("registration_id", reg.ID), zap.Error(err))
		} else {
			s.notifier.EnqueueTicket(reg.ID)
		}
	}

	s.logger.Info("registration created",
		zap.String("registration_id", reg.ID),
		zap.String("event_id", event.ID),
		zap.String("status", string(reg.Status)))
	return s.detail(ctx, reg.ID)
}

// resolveItems validates merchandise selections against the event catalogue.
// The stock check here is advisory; the authoritative decrement happens at
// payment approval.
func (s *RegistrationService) resolveItems(ctx context.Context, event *models.Event, selections []ItemSelection) ([]models.RegistrationItem, error) {
	if len(selections) == 0 {
		return nil, nil
	}
	variants, err := s.events.Variants(ctx, event.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load variants")
	}
	byID := make(map[string]models.MerchandiseVariant, len(variants))
	for _, v := range variants {
		byID[v.ID] = v
	}

	items := make([]models.RegistrationItem, 0, len(selections))
	seen := make(map[string]bool, len(selections))
	for _, sel := range selections {
		variant, ok := byID[sel.VariantID]
		if !ok {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "variant does not belong to this event")
		}
		if seen[sel.VariantID] {
			return nil, appErrors.Clone(appErrors.ErrValidation, "duplicate variant in selection")
		}
		seen[sel.VariantID] = true
		if sel.Quantity > variant.Stock {
			return nil, appErrors.Clone(appErrors.ErrInsufficientStock, "")
		}
		items = append(items, models.RegistrationItem{VariantID: sel.VariantID, Quantity: sel.Quantity})
	}
	return items, nil
}

func (s *RegistrationService) issueCredential(ctx context.Context, reg *models.Registration) error {
	payload, err := ticket.Encode(reg.TicketID, reg.EventID, reg.ParticipantID)
	if err != nil {
		return err
	}
	image, err := ticket.EncodeImage(payload, s.config.QRSizePixels)
	if err != nil {
		return err
	}
	if err := s.repo.SetCredential(ctx, reg.ID, image); err != nil {
		return err
	}
	reg.QRData = &image
	return nil
}

// Get returns a registration with access control: participants see their own,
// organizers see registrations for their events, admins see everything.
func (s *RegistrationService) Get(ctx context.Context, registrationID, userID string, role models.UserRole) (*models.RegistrationDetail, error) {
	detail, err := s.detail(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, &detail.Registration, userID, role); err != nil {
		return nil, err
	}
	return detail, nil
}

// List returns registrations matching the filter with pagination.
func (s *RegistrationService) List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, *models.Pagination, error) {
	regs, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list registrations")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return regs, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Cancel marks the registration cancelled. The record is retained.
func (s *RegistrationService) Cancel(ctx context.Context, registrationID, userID string, role models.UserRole) error {
	reg, err := s.repo.FindByID(ctx, registrationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "registration not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
	}
	if role != models.RoleAdmin && reg.ParticipantID != userID {
		return appErrors.Clone(appErrors.ErrForbidden, "registration belongs to another participant")
	}
	if reg.Status.Terminal() {
		return appErrors.Clone(appErrors.ErrInvalidStatus, "registration can no longer be cancelled")
	}
	if err := s.repo.UpdateStatus(ctx, registrationID, models.RegistrationStatusCancelled); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel registration")
	}
	s.logger.Info("registration cancelled", zap.String("registration_id", registrationID))
	return nil
}

func (s *RegistrationService) authorize(ctx context.Context, reg *models.Registration, userID string, role models.UserRole) error {
	switch role {
	case models.RoleAdmin:
		return nil
	case models.RoleParticipant:
		if reg.ParticipantID != userID {
			return appErrors.Clone(appErrors.ErrForbidden, "registration belongs to another participant")
		}
		return nil
	case models.RoleOrganizer:
		owned, err := s.events.OwnedBy(ctx, reg.EventID, userID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify event ownership")
		}
		if !owned {
			return appErrors.Clone(appErrors.ErrUnauthorizedEvent, "")
		}
		return nil
	default:
		return appErrors.Clone(appErrors.ErrForbidden, "")
	}
}

func (s *RegistrationService) detail(ctx context.Context, registrationID string) (*models.RegistrationDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, registrationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "registration not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
	}
	if detail.EventType == models.EventTypeMerchandise {
		items, err := s.repo.Items(ctx, registrationID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration items")
		}
		detail.Items = items
	}
	return detail, nil
}
