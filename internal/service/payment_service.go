package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/event-reg-api/internal/models"
	"github.com/noah-isme/event-reg-api/internal/repository"
	"github.com/noah-isme/event-reg-api/internal/ticket"
	appErrors "github.com/noah-isme/event-reg-api/pkg/errors"
)

type paymentRegistrationRepository interface {
	FindByID(ctx context.Context, id string) (*models.Registration, error)
	FindDetailByID(ctx context.Context, id string) (*models.RegistrationDetail, error)
	Items(ctx context.Context, registrationID string) ([]models.RegistrationItem, error)
	SetPaymentProof(ctx context.Context, id, proofRef string) error
	DecidePayment(ctx context.Context, id string, payment models.PaymentStatus, status models.RegistrationStatus, remarks *string, amountPaid int64) error
	ApprovePayment(ctx context.Context, id string, items []models.RegistrationItem, remarks *string, amountPaid int64) error
	SetCredential(ctx context.Context, id, qrData string) error
}

type paymentEventRepository interface {
	OwnedBy(ctx context.Context, eventID, organizerID string) (bool, error)
}

type proofStorage interface {
	SaveBase64(name, payload string) (string, error)
	Open(reference string) (*os.File, error)
	Delete(reference string) error
}

type proofSigner interface {
	Generate(reference string) (string, time.Time, error)
	Parse(token string) (string, time.Time, error)
}

type paymentNotifier interface {
	EnqueuePurchaseConfirmation(registrationID string)
}

// SubmitProofRequest carries an uploaded payment proof image.
type SubmitProofRequest struct {
	Proof string `json:"proof" validate:"required"`
}

// DecidePaymentRequest carries the organizer verdict for a pending review.
type DecidePaymentRequest struct {
	Approve bool    `json:"approve"`
	Remarks *string `json:"remarks"`
}

// ProofURLResponse is a time-limited download token for a stored proof.
type ProofURLResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PaymentService runs the payment review pipeline for merchandise orders.
type PaymentService struct {
	repo      paymentRegistrationRepository
	events    paymentEventRepository
	storage   proofStorage
	signer    proofSigner
	notifier  paymentNotifier
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	qrSize    int
}

// NewPaymentService constructs PaymentService.
func NewPaymentService(repo paymentRegistrationRepository, events paymentEventRepository, storage proofStorage, signer proofSigner, notifier paymentNotifier, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, qrSize int) *PaymentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if qrSize <= 0 {
		qrSize = 256
	}
	return &PaymentService{repo: repo, events: events, storage: storage, signer: signer, notifier: notifier, cache: cache, metrics: metrics, validator: validate, logger: logger, qrSize: qrSize}
}

// SubmitProof stores the uploaded proof and moves the review to pending.
// Resubmission after a rejection replaces the previous proof.
func (s *PaymentService) SubmitProof(ctx context.Context, registrationID, userID string, req SubmitProofRequest) (*models.RegistrationDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid proof payload")
	}

	detail, err := s.loadDetail(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if detail.ParticipantID != userID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "registration belongs to another participant")
	}
	if detail.EventType != models.EventTypeMerchandise {
		return nil, appErrors.Clone(appErrors.ErrWrongEventType, "payment proofs apply to merchandise events only")
	}
	if detail.Status.Terminal() && detail.Status != models.RegistrationStatusRejected {
		return nil, appErrors.Clone(appErrors.ErrInvalidStatus, "registration no longer accepts payment proofs")
	}
	if detail.PaymentStatus != nil {
		switch *detail.PaymentStatus {
		case models.PaymentStatusApproved:
			return nil, appErrors.Clone(appErrors.ErrInvalidStatus, "payment is already approved")
		case models.PaymentStatusPending:
			// resubmission while pending replaces the proof under review
		}
	}

	name := fmt.Sprintf("%s/%s.png", detail.EventID, uuid.NewString())
	ref, err := s.storage.SaveBase64(name, req.Proof)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "proof payload could not be decoded")
	}

	if detail.PaymentProofRef != nil && *detail.PaymentProofRef != "" {
		if err := s.storage.Delete(*detail.PaymentProofRef); err != nil {
			s.logger.Warn("failed to delete replaced proof", zap.String("reference", *detail.PaymentProofRef), zap.Error(err))
		}
	}

	if err := s.repo.SetPaymentProof(ctx, registrationID, ref); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record payment proof")
	}

	s.logger.Info("payment proof submitted", zap.String("registration_id", registrationID))
	return s.loadDetail(ctx, registrationID)
}

// Decide finalises a pending payment review. Approval flips the payment
// status and commits stock atomically; an oversold order surfaces as
// insufficient stock with the review left pending.
func (s *PaymentService) Decide(ctx context.Context, registrationID, reviewerID string, role models.UserRole, req DecidePaymentRequest) (*models.RegistrationDetail, error) {
	detail, err := s.loadDetail(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if detail.EventType != models.EventTypeMerchandise {
		return nil, appErrors.Clone(appErrors.ErrWrongEventType, "payment decisions apply to merchandise events only")
	}
	if role != models.RoleAdmin {
		owned, err := s.events.OwnedBy(ctx, detail.EventID, reviewerID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify event ownership")
		}
		if !owned {
			return nil, appErrors.Clone(appErrors.ErrUnauthorizedEvent, "")
		}
	}
	if detail.PaymentStatus == nil || *detail.PaymentStatus != models.PaymentStatusPending {
		return nil, appErrors.Clone(appErrors.ErrInvalidStatus, "payment review is not pending")
	}

	if !req.Approve {
		if err := s.repo.DecidePayment(ctx, registrationID, models.PaymentStatusRejected, models.RegistrationStatusRejected, req.Remarks, 0); err != nil {
			if errors.Is(err, repository.ErrPaymentNotPending) {
				return nil, appErrors.Clone(appErrors.ErrInvalidStatus, "payment review is not pending")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record payment decision")
		}
		s.metrics.RecordPaymentDecision("rejected")
		s.logger.Info("payment rejected", zap.String("registration_id", registrationID))
		return s.loadDetail(ctx, registrationID)
	}

	items, err := s.repo.Items(ctx, registrationID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration items")
	}

	var total int64
	for _, item := range items {
		total += item.UnitPrice * int64(item.Quantity)
	}

	// the payment flip and the stock decrements share one transaction, so a
	// raced duplicate decision cannot leak a decrement and an oversold order
	// leaves the review pending
	if err := s.repo.ApprovePayment(ctx, registrationID, items, req.Remarks, total); err != nil {
		if errors.Is(err, repository.ErrInsufficientStock) {
			return nil, appErrors.Clone(appErrors.ErrInsufficientStock, "")
		}
		if errors.Is(err, repository.ErrPaymentNotPending) {
			return nil, appErrors.Clone(appErrors.ErrInvalidStatus, "payment review is not pending")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record payment decision")
	}
	s.metrics.RecordPaymentDecision("approved")

	// committed stock changed the variant counts shown on the event detail
	if s.cache.Enabled() {
		_ = s.cache.Invalidate(ctx, fmt.Sprintf("events:detail:%s", detail.EventID))
	}

	if !detail.Issued() {
		if err := s.issueCredential(ctx, &detail.Registration); err != nil {
			s.logger.Error("credential issuance failed", zap.String("registration_id", registrationID), zap.Error(err))
		}
	}
	s.notifier.EnqueuePurchaseConfirmation(registrationID)

	s.logger.Info("payment approved", zap.String("registration_id", registrationID), zap.Int64("amount", total))
	return s.loadDetail(ctx, registrationID)
}

// ProofURL issues a signed download token for the stored proof.
func (s *PaymentService) ProofURL(ctx context.Context, registrationID, userID string, role models.UserRole) (*ProofURLResponse, error) {
	detail, err := s.loadDetail(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	switch role {
	case models.RoleAdmin:
	case models.RoleParticipant:
		if detail.ParticipantID != userID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "registration belongs to another participant")
		}
	case models.RoleOrganizer:
		owned, err := s.events.OwnedBy(ctx, detail.EventID, userID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify event ownership")
		}
		if !owned {
			return nil, appErrors.Clone(appErrors.ErrUnauthorizedEvent, "")
		}
	default:
		return nil, appErrors.Clone(appErrors.ErrForbidden, "")
	}

	if detail.PaymentProofRef == nil || *detail.PaymentProofRef == "" {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no payment proof on record")
	}
	token, expiresAt, err := s.signer.Generate(*detail.PaymentProofRef)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign proof url")
	}
	return &ProofURLResponse{Token: token, ExpiresAt: expiresAt}, nil
}

// OpenProof resolves a signed token to the stored file.
func (s *PaymentService) OpenProof(token string) (*os.File, error) {
	ref, _, err := s.signer.Parse(token)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired proof token")
	}
	file, err := s.storage.Open(ref)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "proof file not found")
	}
	return file, nil
}

func (s *PaymentService) issueCredential(ctx context.Context, reg *models.Registration) error {
	payload, err := ticket.Encode(reg.TicketID, reg.EventID, reg.ParticipantID)
	if err != nil {
		return err
	}
	image, err := ticket.EncodeImage(payload, s.qrSize)
	if err != nil {
		return err
	}
	return s.repo.SetCredential(ctx, reg.ID, image)
}

func (s *PaymentService) loadDetail(ctx context.Context, registrationID string) (*models.RegistrationDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, registrationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "registration not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
	}
	return detail, nil
}
