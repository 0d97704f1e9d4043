package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	gomail "gopkg.in/gomail.v2"

	"github.com/noah-isme/event-reg-api/internal/models"
	"github.com/noah-isme/event-reg-api/pkg/jobs"
)

const (
	jobTicketEmail   = "ticket_email"
	jobPurchaseEmail = "purchase_email"
	jobRosterAdd     = "roster_add"
)

type notificationRegistrationReader interface {
	FindDetailByID(ctx context.Context, id string) (*models.RegistrationDetail, error)
	Items(ctx context.Context, registrationID string) ([]models.RegistrationItem, error)
	MarkNotified(ctx context.Context, id string) error
}

type rosterWriter interface {
	AddParticipant(ctx context.Context, eventID, userID string) error
}

type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPConfig carries mail transport settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type rosterPayload struct {
	EventID string
	UserID  string
}

// NotificationService delivers ticket and purchase emails and maintains the
// per-event participant roster. All work runs on a background queue so a
// failed delivery never rolls back the operation that triggered it.
type NotificationService struct {
	registrations notificationRegistrationReader
	roster        rosterWriter
	dialer        mailDialer
	from          string
	metrics       *MetricsService
	logger        *zap.Logger
	queue         *jobs.Queue
	enabled       bool
}

// NewNotificationService constructs the service and its queue.
func NewNotificationService(registrations notificationRegistrationReader, roster rosterWriter, smtp SMTPConfig, queueCfg jobs.QueueConfig, metrics *MetricsService, logger *zap.Logger, enabled bool) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotificationService{
		registrations: registrations,
		roster:        roster,
		from:          smtp.From,
		metrics:       metrics,
		logger:        logger,
		enabled:       enabled,
	}
	if smtp.Host != "" {
		s.dialer = gomail.NewDialer(smtp.Host, smtp.Port, smtp.Username, smtp.Password)
	}
	queueCfg.Logger = logger
	s.queue = jobs.NewQueue("notifications", s.handle, queueCfg)
	return s
}

// Start launches the queue workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the queue workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// EnqueueTicket schedules delivery of a ticket email.
func (s *NotificationService) EnqueueTicket(registrationID string) {
	s.enqueue(jobTicketEmail, registrationID)
}

// EnqueuePurchaseConfirmation schedules delivery of a purchase confirmation.
func (s *NotificationService) EnqueuePurchaseConfirmation(registrationID string) {
	s.enqueue(jobPurchaseEmail, registrationID)
}

// EnqueueRosterAdd schedules maintenance of the event participant roster.
func (s *NotificationService) EnqueueRosterAdd(eventID, userID string) {
	if err := s.queue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: jobRosterAdd, Payload: rosterPayload{EventID: eventID, UserID: userID}}); err != nil {
		s.logger.Warn("failed to enqueue roster update", zap.String("event_id", eventID), zap.Error(err))
	}
}

func (s *NotificationService) enqueue(jobType, registrationID string) {
	if err := s.queue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: jobType, Payload: registrationID}); err != nil {
		s.logger.Warn("failed to enqueue notification", zap.String("type", jobType), zap.String("registration_id", registrationID), zap.Error(err))
	}
}

func (s *NotificationService) handle(ctx context.Context, job jobs.Job) error {
	switch job.Type {
	case jobRosterAdd:
		payload, ok := job.Payload.(rosterPayload)
		if !ok {
			return fmt.Errorf("unexpected payload for %s", job.Type)
		}
		return s.roster.AddParticipant(ctx, payload.EventID, payload.UserID)
	case jobTicketEmail, jobPurchaseEmail:
		registrationID, ok := job.Payload.(string)
		if !ok {
			return fmt.Errorf("unexpected payload for %s", job.Type)
		}
		return s.deliver(ctx, job.Type, registrationID)
	default:
		return fmt.Errorf("unknown job type %s", job.Type)
	}
}

func (s *NotificationService) deliver(ctx context.Context, kind, registrationID string) error {
	if !s.enabled || s.dialer == nil {
		s.logger.Debug("notifications disabled, skipping delivery", zap.String("registration_id", registrationID))
		return nil
	}

	detail, err := s.registrations.FindDetailByID(ctx, registrationID)
	if err != nil {
		return fmt.Errorf("load registration for notification: %w", err)
	}

	var msg *gomail.Message
	switch kind {
	case jobTicketEmail:
		msg = s.buildTicketMessage(detail)
	case jobPurchaseEmail:
		items, err := s.registrations.Items(ctx, registrationID)
		if err != nil {
			return fmt.Errorf("load items for notification: %w", err)
		}
		msg = s.buildPurchaseMessage(detail, items)
	}

	if err := s.dialer.DialAndSend(msg); err != nil {
		s.metrics.RecordEmail(kind, false)
		return fmt.Errorf("send notification mail: %w", err)
	}
	s.metrics.RecordEmail(kind, true)

	if err := s.registrations.MarkNotified(ctx, registrationID); err != nil {
		s.logger.Warn("failed to flag notification sent", zap.String("registration_id", registrationID), zap.Error(err))
	}
	s.logger.Info("notification delivered", zap.String("kind", kind), zap.String("registration_id", registrationID))
	return nil
}

func (s *NotificationService) buildTicketMessage(detail *models.RegistrationDetail) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", s.from)
	msg.SetHeader("To", detail.ParticipantEmail)
	msg.SetHeader("Subject", fmt.Sprintf("Your ticket for %s", detail.EventName))

	body := fmt.Sprintf(`<p>Hi %s,</p>
<p>Your registration for <strong>%s</strong> is confirmed.</p>
<p>Ticket ID: <strong>%s</strong></p>
<p>Present the attached QR code at the entrance.</p>`,
		detail.ParticipantName, detail.EventName, detail.TicketID)
	msg.SetBody("text/html", body)

	if png, ok := decodeQRAttachment(detail.QRData); ok {
		msg.Attach("ticket.png", gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(png)
			return err
		}))
	}
	return msg
}

func (s *NotificationService) buildPurchaseMessage(detail *models.RegistrationDetail, items []models.RegistrationItem) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", s.from)
	msg.SetHeader("To", detail.ParticipantEmail)
	msg.SetHeader("Subject", fmt.Sprintf("Order confirmed for %s", detail.EventName))

	var lines strings.Builder
	var total int64
	for _, item := range items {
		lines.WriteString(fmt.Sprintf("<li>%s x%d</li>", item.VariantName, item.Quantity))
		total += item.UnitPrice * int64(item.Quantity)
	}
	body := fmt.Sprintf(`<p>Hi %s,</p>
<p>Your payment for <strong>%s</strong> has been approved.</p>
<ul>%s</ul>
<p>Total: %d</p>
<p>Ticket ID: <strong>%s</strong></p>`,
		detail.ParticipantName, detail.EventName, lines.String(), total, detail.TicketID)
	msg.SetBody("text/html", body)

	if png, ok := decodeQRAttachment(detail.QRData); ok {
		msg.Attach("ticket.png", gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(png)
			return err
		}))
	}
	return msg
}

func decodeQRAttachment(qrData *string) ([]byte, bool) {
	if qrData == nil || *qrData == "" {
		return nil, false
	}
	payload := *qrData
	if idx := strings.Index(payload, ","); idx >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[idx+1:]
	}
	png, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, false
	}
	return png, true
}
