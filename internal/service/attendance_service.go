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
	"github.com/noah-isme/event-reg-api/internal/repository"
	"github.com/noah-isme/event-reg-api/internal/ticket"
	appErrors "github.com/noah-isme/event-reg-api/pkg/errors"
	"github.com/noah-isme/event-reg-api/pkg/export"
)

type attendanceRegistrationRepository interface {
	FindByTicketID(ctx context.Context, ticketID string) (*models.Registration, error)
	FindByID(ctx context.Context, id string) (*models.Registration, error)
	List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, int, error)
	MarkAttended(ctx context.Context, id string, method models.AttendanceMethod, actorID string, notes *string, at time.Time) error
	SetAttendance(ctx context.Context, id string, attended bool, actorID string, notes *string, at time.Time) error
}

type attendanceEventReader interface {
	FindByID(ctx context.Context, id string) (*models.Event, error)
	OwnedBy(ctx context.Context, eventID, organizerID string) (bool, error)
}

// ScanRequest carries a scanned credential payload.
type ScanRequest struct {
	EventID string  `json:"event_id" validate:"required"`
	Payload string  `json:"payload" validate:"required"`
	Method  string  `json:"method" validate:"required,oneof=CAMERA_SCAN IMAGE_UPLOAD"`
	Notes   *string `json:"notes"`
}

// OverrideRequest flips the attendance flag manually.
type OverrideRequest struct {
	Attended bool    `json:"attended"`
	Notes    *string `json:"notes"`
}

// AttendanceService validates scanned credentials and records check-ins.
type AttendanceService struct {
	repo      attendanceRegistrationRepository
	events    attendanceEventReader
	metrics   *MetricsService
	csv       *export.CSVExporter
	pdf       *export.PDFExporter
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAttendanceService constructs AttendanceService.
func NewAttendanceService(repo attendanceRegistrationRepository, events attendanceEventReader, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *AttendanceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttendanceService{
		repo:      repo,
		events:    events,
		metrics:   metrics,
		csv:       export.NewCSVExporter(),
		pdf:       export.NewPDFExporter(),
		validator: validate,
		logger:    logger,
	}
}

// Scan decodes a credential and marks the participant attended. A repeated
// scan does not fail silently: it returns a duplicate error carrying the
// prior check-in so staff can see when and how the ticket was first used.
func (s *AttendanceService) Scan(ctx context.Context, actorID string, role models.UserRole, req ScanRequest) (*models.ScanRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid scan payload")
	}

	cred, err := ticket.Decode(req.Payload)
	if err != nil {
		s.metrics.RecordScan("invalid_credential")
		return nil, appErrors.Clone(appErrors.ErrInvalidCredential, "")
	}

	reg, err := s.repo.FindByTicketID(ctx, cred.TicketID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordScan("ticket_not_found")
			return nil, appErrors.Clone(appErrors.ErrTicketNotFound, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
	}

	if reg.EventID != req.EventID || (cred.EventID != "" && cred.EventID != reg.EventID) {
		s.metrics.RecordScan("ticket_not_found")
		return nil, appErrors.Clone(appErrors.ErrTicketNotFound, "ticket does not match this event")
	}

	if role != models.RoleAdmin {
		owned, err := s.events.OwnedBy(ctx, reg.EventID, actorID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify event ownership")
		}
		if !owned {
			return nil, appErrors.Clone(appErrors.ErrUnauthorizedEvent, "")
		}
	}

	switch reg.Status {
	case models.RegistrationStatusRegistered, models.RegistrationStatusCompleted:
	default:
		s.metrics.RecordScan("invalid_status")
		return nil, appErrors.Clone(appErrors.ErrInvalidStatus, "registration is not eligible for check-in")
	}

	// duplicate guard runs before the payment gate so a re-scan of an already
	// attended registration always reports the prior mark; the conditional
	// update below still closes the race between simultaneous first scans
	if reg.Attended {
		s.metrics.RecordScan("duplicate")
		return scanRecord(reg), appErrors.Clone(appErrors.ErrDuplicateScan, "")
	}

	event, err := s.events.FindByID(ctx, reg.EventID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load event")
	}
	if event.Type == models.EventTypeMerchandise {
		if reg.PaymentStatus == nil || *reg.PaymentStatus != models.PaymentStatusApproved {
			s.metrics.RecordScan("payment_not_approved")
			return nil, appErrors.Clone(appErrors.ErrPaymentNotApproved, "")
		}
	}

	now := time.Now().UTC()
	method := models.AttendanceMethod(req.Method)
	if err := s.repo.MarkAttended(ctx, reg.ID, method, actorID, req.Notes, now); err != nil {
		if errors.Is(err, repository.ErrAlreadyAttended) {
			s.metrics.RecordScan("duplicate")
			prior, loadErr := s.repo.FindByID(ctx, reg.ID)
			if loadErr != nil {
				prior = reg
			}
			return scanRecord(prior), appErrors.Clone(appErrors.ErrDuplicateScan, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record attendance")
	}

	s.metrics.RecordScan("ok")
	s.logger.Info("attendance recorded",
		zap.String("registration_id", reg.ID),
		zap.String("ticket_id", reg.TicketID),
		zap.String("method", string(method)))

	reg.Attended = true
	reg.AttendedAt = &now
	reg.AttendanceMethod = &method
	reg.ScannedBy = &actorID
	reg.AttendanceNotes = req.Notes
	return scanRecord(reg), nil
}

// Override manually sets or clears the attendance flag.
func (s *AttendanceService) Override(ctx context.Context, registrationID, actorID string, role models.UserRole, req OverrideRequest) (*models.ScanRecord, error) {
	reg, err := s.repo.FindByID(ctx, registrationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "registration not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
	}

	if role != models.RoleAdmin {
		owned, err := s.events.OwnedBy(ctx, reg.EventID, actorID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify event ownership")
		}
		if !owned {
			return nil, appErrors.Clone(appErrors.ErrUnauthorizedEvent, "")
		}
	}

	notes := req.Notes
	if notes == nil {
		auto := fmt.Sprintf("attendance manually set to %t", req.Attended)
		notes = &auto
	}

	now := time.Now().UTC()
	if err := s.repo.SetAttendance(ctx, registrationID, req.Attended, actorID, notes, now); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to override attendance")
	}
	s.logger.Info("attendance overridden",
		zap.String("registration_id", registrationID),
		zap.Bool("attended", req.Attended),
		zap.String("actor", actorID))

	updated, err := s.repo.FindByID(ctx, registrationID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
	}
	return scanRecord(updated), nil
}

// Roster lists registrations for an event with attendance state.
func (s *AttendanceService) Roster(ctx context.Context, eventID, actorID string, role models.UserRole, filter models.RegistrationFilter) ([]models.RegistrationDetail, *models.Pagination, error) {
	if role != models.RoleAdmin {
		owned, err := s.events.OwnedBy(ctx, eventID, actorID)
		if err != nil {
			return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify event ownership")
		}
		if !owned {
			return nil, nil, appErrors.Clone(appErrors.ErrUnauthorizedEvent, "")
		}
	}

	filter.EventID = eventID
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

// ExportRoster renders the attendance roster as CSV or PDF bytes.
func (s *AttendanceService) ExportRoster(ctx context.Context, eventID, actorID string, role models.UserRole, format string) ([]byte, string, error) {
	regs, _, err := s.Roster(ctx, eventID, actorID, role, models.RegistrationFilter{PageSize: 100})
	if err != nil {
		return nil, "", err
	}

	var eventName string
	if event, err := s.events.FindByID(ctx, eventID); err == nil {
		eventName = event.Name
	}

	dataset := export.Dataset{
		Headers: []string{"Ticket ID", "Participant", "Email", "Status", "Attended", "Attended At", "Method"},
	}
	for _, reg := range regs {
		attended := "no"
		attendedAt := ""
		method := ""
		if reg.Attended {
			attended = "yes"
			if reg.AttendedAt != nil {
				attendedAt = reg.AttendedAt.Format(time.RFC3339)
			}
			if reg.AttendanceMethod != nil {
				method = string(*reg.AttendanceMethod)
			}
		}
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Ticket ID":   reg.TicketID,
			"Participant": reg.ParticipantName,
			"Email":       reg.ParticipantEmail,
			"Status":      string(reg.Status),
			"Attended":    attended,
			"Attended At": attendedAt,
			"Method":      method,
		})
	}

	switch format {
	case "pdf":
		data, err := s.pdf.Render(dataset, "Attendance "+eventName)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return data, "application/pdf", nil
	case "csv", "":
		data, err := s.csv.Render(dataset)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return data, "text/csv", nil
	default:
		return nil, "", appErrors.Clone(appErrors.ErrValidation, "unsupported export format")
	}
}

func scanRecord(reg *models.Registration) *models.ScanRecord {
	return &models.ScanRecord{
		RegistrationID: reg.ID,
		TicketID:       reg.TicketID,
		EventID:        reg.EventID,
		Attended:       reg.Attended,
		AttendedAt:     reg.AttendedAt,
		Method:         reg.AttendanceMethod,
		ScannedBy:      reg.ScannedBy,
		Notes:          reg.AttendanceNotes,
	}
}
