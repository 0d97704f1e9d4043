package service

import (
	"context"
	"encoding/base64"
	"os"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/event-reg-api/internal/models"
	"github.com/noah-isme/event-reg-api/internal/repository"
	appErrors "github.com/noah-isme/event-reg-api/pkg/errors"
	"github.com/noah-isme/event-reg-api/pkg/storage"
)

type paymentDecision struct {
	payment models.PaymentStatus
	status  models.RegistrationStatus
	remarks *string
	amount  int64
}

func (m *mockRegistrationRepo) SetPaymentProof(ctx context.Context, id, proofRef string) error {
	r := m.registrations[id]
	pending := models.PaymentStatusPending
	r.PaymentStatus = &pending
	r.PaymentProofRef = &proofRef
	m.registrations[id] = r
	return nil
}

func (m *mockRegistrationRepo) DecidePayment(ctx context.Context, id string, payment models.PaymentStatus, status models.RegistrationStatus, remarks *string, amountPaid int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.registrations[id]
	if !ok || r.PaymentStatus == nil || *r.PaymentStatus != models.PaymentStatusPending {
		return repository.ErrPaymentNotPending
	}
	r.PaymentStatus = &payment
	r.Status = status
	r.PaymentRemarks = remarks
	r.AmountPaid = amountPaid
	m.registrations[id] = r
	m.decisions = append(m.decisions, paymentDecision{payment: payment, status: status, remarks: remarks, amount: amountPaid})
	return nil
}

func (m *mockRegistrationRepo) ApprovePayment(ctx context.Context, id string, items []models.RegistrationItem, remarks *string, amountPaid int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.registrations[id]
	if !ok || r.PaymentStatus == nil || *r.PaymentStatus != models.PaymentStatusPending {
		return repository.ErrPaymentNotPending
	}
	if m.commitErr != nil {
		return m.commitErr
	}
	m.committed = append(m.committed, items...)
	approved := models.PaymentStatusApproved
	r.PaymentStatus = &approved
	r.Status = models.RegistrationStatusCompleted
	r.PaymentRemarks = remarks
	r.AmountPaid = amountPaid
	m.registrations[id] = r
	m.decisions = append(m.decisions, paymentDecision{payment: approved, status: r.Status, remarks: remarks, amount: amountPaid})
	return nil
}

func pendingMerchRegistration() *mockRegistrationRepo {
	pending := models.PaymentStatusPending
	proofRef := "e1/old.png"
	return &mockRegistrationRepo{
		registrations: map[string]models.Registration{
			"r1": {
				ID:              "r1",
				EventID:         "e1",
				ParticipantID:   "u1",
				TicketID:        "TKT-1700000000000-ABCDEF123",
				Status:          models.RegistrationStatusRegistered,
				PaymentStatus:   &pending,
				PaymentProofRef: &proofRef,
			},
		},
		items: map[string][]models.RegistrationItem{
			"r1": {{ID: "i1", RegistrationID: "r1", VariantID: "v1", VariantName: "Shirt", UnitPrice: 1500, Quantity: 2}},
		},
		eventNames: map[string]string{"e1": "Merch Drop"},
		eventTypes: map[string]models.EventType{"e1": models.EventTypeMerchandise},
	}
}

func newPaymentService(t *testing.T, repo *mockRegistrationRepo, events *mockEventReader, notifier *mockNotifier) *PaymentService {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("test-secret", 0)
	return NewPaymentService(repo, events, store, signer, notifier, nil, NewMetricsService(), validator.New(), zap.NewNop(), 0)
}

func TestPaymentServiceSubmitProofMovesToPending(t *testing.T) {
	repo := &mockRegistrationRepo{
		registrations: map[string]models.Registration{
			"r1": {ID: "r1", EventID: "e1", ParticipantID: "u1", Status: models.RegistrationStatusRegistered},
		},
		eventNames: map[string]string{"e1": "Merch Drop"},
		eventTypes: map[string]models.EventType{"e1": models.EventTypeMerchandise},
	}
	svc := newPaymentService(t, repo, &mockEventReader{}, &mockNotifier{})

	payload := base64.StdEncoding.EncodeToString([]byte("proof-bytes"))
	detail, err := svc.SubmitProof(context.Background(), "r1", "u1", SubmitProofRequest{Proof: payload})
	require.NoError(t, err)
	require.NotNil(t, detail.PaymentStatus)
	assert.Equal(t, models.PaymentStatusPending, *detail.PaymentStatus)
	assert.NotNil(t, detail.PaymentProofRef)
}

func TestPaymentServiceSubmitProofWrongEventType(t *testing.T) {
	repo := &mockRegistrationRepo{
		registrations: map[string]models.Registration{
			"r1": {ID: "r1", EventID: "e1", ParticipantID: "u1", Status: models.RegistrationStatusRegistered},
		},
		eventTypes: map[string]models.EventType{"e1": models.EventTypeNormal},
	}
	svc := newPaymentService(t, repo, &mockEventReader{}, &mockNotifier{})

	payload := base64.StdEncoding.EncodeToString([]byte("proof-bytes"))
	_, err := svc.SubmitProof(context.Background(), "r1", "u1", SubmitProofRequest{Proof: payload})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrWrongEventType.Code, appErr.Code)
}

func TestPaymentServiceSubmitProofRejectsWhenApproved(t *testing.T) {
	approved := models.PaymentStatusApproved
	repo := &mockRegistrationRepo{
		registrations: map[string]models.Registration{
			"r1": {ID: "r1", EventID: "e1", ParticipantID: "u1", Status: models.RegistrationStatusCompleted, PaymentStatus: &approved},
		},
		eventTypes: map[string]models.EventType{"e1": models.EventTypeMerchandise},
	}
	svc := newPaymentService(t, repo, &mockEventReader{}, &mockNotifier{})

	payload := base64.StdEncoding.EncodeToString([]byte("proof-bytes"))
	_, err := svc.SubmitProof(context.Background(), "r1", "u1", SubmitProofRequest{Proof: payload})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrInvalidStatus.Code, appErr.Code)
}

func TestPaymentServiceSubmitProofResubmissionAfterRejection(t *testing.T) {
	rejected := models.PaymentStatusRejected
	repo := &mockRegistrationRepo{
		registrations: map[string]models.Registration{
			"r1": {ID: "r1", EventID: "e1", ParticipantID: "u1", Status: models.RegistrationStatusRejected, PaymentStatus: &rejected},
		},
		eventTypes: map[string]models.EventType{"e1": models.EventTypeMerchandise},
	}
	svc := newPaymentService(t, repo, &mockEventReader{}, &mockNotifier{})

	payload := base64.StdEncoding.EncodeToString([]byte("proof-bytes"))
	detail, err := svc.SubmitProof(context.Background(), "r1", "u1", SubmitProofRequest{Proof: payload})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, *detail.PaymentStatus)
}

func TestPaymentServiceDecideApprove(t *testing.T) {
	repo := pendingMerchRegistration()
	events := &mockEventReader{owners: map[string]string{"e1": "org-1"}}
	notifier := &mockNotifier{}
	svc := newPaymentService(t, repo, events, notifier)

	detail, err := svc.Decide(context.Background(), "r1", "org-1", models.RoleOrganizer, DecidePaymentRequest{Approve: true})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusApproved, *detail.PaymentStatus)
	assert.Equal(t, models.RegistrationStatusCompleted, detail.Status)
	assert.Equal(t, int64(3000), detail.AmountPaid)
	assert.True(t, detail.Issued())
	assert.Len(t, repo.committed, 1)
	assert.Contains(t, notifier.purchases, "r1")
}

func TestPaymentServiceDecideApproveInsufficientStock(t *testing.T) {
	repo := pendingMerchRegistration()
	repo.commitErr = repository.ErrInsufficientStock
	events := &mockEventReader{owners: map[string]string{"e1": "org-1"}}
	notifier := &mockNotifier{}
	svc := newPaymentService(t, repo, events, notifier)

	_, err := svc.Decide(context.Background(), "r1", "org-1", models.RoleOrganizer, DecidePaymentRequest{Approve: true})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrInsufficientStock.Code, appErr.Code)
	assert.Empty(t, repo.decisions)
	assert.Empty(t, notifier.purchases)

	reg := repo.registrations["r1"]
	assert.Equal(t, models.PaymentStatusPending, *reg.PaymentStatus)
}

func TestPaymentServiceDecideConcurrentApprovalsCommitStockOnce(t *testing.T) {
	repo := pendingMerchRegistration()
	events := &mockEventReader{owners: map[string]string{"e1": "org-1"}}
	notifier := &mockNotifier{}
	svc := newPaymentService(t, repo, events, notifier)

	start := make(chan struct{})
	results := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = svc.Decide(context.Background(), "r1", "org-1", models.RoleOrganizer, DecidePaymentRequest{Approve: true})
		}(i)
	}
	close(start)
	wg.Wait()

	var successes, conflicts int
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		var appErr *appErrors.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, appErrors.ErrInvalidStatus.Code, appErr.Code)
		conflicts++
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
	assert.Len(t, repo.committed, 1)
	assert.Len(t, repo.decisions, 1)
}

func TestPaymentServiceDecideReject(t *testing.T) {
	repo := pendingMerchRegistration()
	events := &mockEventReader{owners: map[string]string{"e1": "org-1"}}
	svc := newPaymentService(t, repo, events, &mockNotifier{})

	remarks := "transfer amount mismatch"
	detail, err := svc.Decide(context.Background(), "r1", "org-1", models.RoleOrganizer, DecidePaymentRequest{Approve: false, Remarks: &remarks})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRejected, *detail.PaymentStatus)
	assert.Equal(t, models.RegistrationStatusRejected, detail.Status)
	require.NotNil(t, detail.PaymentRemarks)
	assert.Equal(t, remarks, *detail.PaymentRemarks)
	assert.Empty(t, repo.committed)
}

func TestPaymentServiceDecideRequiresPendingReview(t *testing.T) {
	repo := pendingMerchRegistration()
	reg := repo.registrations["r1"]
	approved := models.PaymentStatusApproved
	reg.PaymentStatus = &approved
	repo.registrations["r1"] = reg
	events := &mockEventReader{owners: map[string]string{"e1": "org-1"}}
	svc := newPaymentService(t, repo, events, &mockNotifier{})

	_, err := svc.Decide(context.Background(), "r1", "org-1", models.RoleOrganizer, DecidePaymentRequest{Approve: true})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrInvalidStatus.Code, appErr.Code)
}

func TestPaymentServiceDecideUnauthorizedOrganizer(t *testing.T) {
	repo := pendingMerchRegistration()
	events := &mockEventReader{owners: map[string]string{"e1": "org-1"}}
	svc := newPaymentService(t, repo, events, &mockNotifier{})

	_, err := svc.Decide(context.Background(), "r1", "org-2", models.RoleOrganizer, DecidePaymentRequest{Approve: true})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrUnauthorizedEvent.Code, appErr.Code)
}

func TestPaymentServiceProofURLRoundTrip(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ref, err := store.Save("e1/proof.png", []byte("proof-bytes"))
	require.NoError(t, err)

	repo := pendingMerchRegistration()
	reg := repo.registrations["r1"]
	reg.PaymentProofRef = &ref
	repo.registrations["r1"] = reg

	signer := storage.NewSignedURLSigner("test-secret", 0)
	svc := NewPaymentService(repo, &mockEventReader{owners: map[string]string{"e1": "org-1"}}, store, signer, &mockNotifier{}, nil, NewMetricsService(), validator.New(), zap.NewNop(), 0)

	resp, err := svc.ProofURL(context.Background(), "r1", "u1", models.RoleParticipant)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)

	file, err := svc.OpenProof(resp.Token)
	require.NoError(t, err)
	defer file.Close()
	data, err := os.ReadFile(file.Name())
	require.NoError(t, err)
	assert.Equal(t, []byte("proof-bytes"), data)
}

func TestPaymentServiceOpenProofRejectsTamperedToken(t *testing.T) {
	svc := newPaymentService(t, pendingMerchRegistration(), &mockEventReader{}, &mockNotifier{})

	_, err := svc.OpenProof("0.invalid.token")
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}
