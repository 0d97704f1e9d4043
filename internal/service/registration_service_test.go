package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/event-reg-api/internal/models"
	"github.com/noah-isme/event-reg-api/internal/repository"
	appErrors "github.com/noah-isme/event-reg-api/pkg/errors"
)

type mockRegistrationRepo struct {
	mu              sync.Mutex
	registrations   map[string]models.Registration
	items           map[string][]models.RegistrationItem
	eventNames      map[string]string
	eventTypes      map[string]models.EventType
	full            bool
	duplicate       bool
	ticketConflicts int
	credentials     map[string]string
	statusUpdates   map[string]models.RegistrationStatus
	decisions       []paymentDecision
	committed       []models.RegistrationItem
	commitErr       error
}

func (m *mockRegistrationRepo) CreateAdmitted(ctx context.Context, reg *models.Registration, items []models.RegistrationItem) error {
	if m.duplicate {
		return repository.ErrDuplicateRegistration
	}
	if m.ticketConflicts > 0 {
		m.ticketConflicts--
		return repository.ErrTicketIDConflict
	}
	if reg.ID == "" {
		reg.ID = "new-reg"
	}
	reg.Status = models.RegistrationStatusRegistered
	if m.full {
		reg.Status = models.RegistrationStatusWaitlisted
	}
	if m.registrations == nil {
		m.registrations = make(map[string]models.Registration)
	}
	m.registrations[reg.ID] = *reg
	if m.items == nil {
		m.items = make(map[string][]models.RegistrationItem)
	}
	m.items[reg.ID] = items
	return nil
}

func (m *mockRegistrationRepo) FindByID(ctx context.Context, id string) (*models.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.registrations[id]; ok {
		return &r, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockRegistrationRepo) FindDetailByID(ctx context.Context, id string) (*models.RegistrationDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.registrations[id]; ok {
		detail := &models.RegistrationDetail{Registration: r}
		detail.EventName = m.eventNames[r.EventID]
		detail.EventType = m.eventTypes[r.EventID]
		return detail, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockRegistrationRepo) Items(ctx context.Context, registrationID string) ([]models.RegistrationItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[registrationID], nil
}

func (m *mockRegistrationRepo) List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, int, error) {
	return nil, 0, nil
}

func (m *mockRegistrationRepo) UpdateStatus(ctx context.Context, id string, status models.RegistrationStatus) error {
	if m.statusUpdates == nil {
		m.statusUpdates = make(map[string]models.RegistrationStatus)
	}
	m.statusUpdates[id] = status
	if r, ok := m.registrations[id]; ok {
		r.Status = status
		m.registrations[id] = r
	}
	return nil
}

func (m *mockRegistrationRepo) SetCredential(ctx context.Context, id, qrData string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.credentials == nil {
		m.credentials = make(map[string]string)
	}
	m.credentials[id] = qrData
	if r, ok := m.registrations[id]; ok {
		r.QRData = &qrData
		m.registrations[id] = r
	}
	return nil
}

type mockEventReader struct {
	events   map[string]models.Event
	variants map[string][]models.MerchandiseVariant
	owners   map[string]string
}

func (m *mockEventReader) FindByID(ctx context.Context, id string) (*models.Event, error) {
	if e, ok := m.events[id]; ok {
		return &e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEventReader) Variants(ctx context.Context, eventID string) ([]models.MerchandiseVariant, error) {
	return m.variants[eventID], nil
}

func (m *mockEventReader) OwnedBy(ctx context.Context, eventID, organizerID string) (bool, error) {
	return m.owners[eventID] == organizerID, nil
}

type mockNotifier struct {
	tickets   []string
	purchases []string
	roster    []string
}

func (m *mockNotifier) EnqueueTicket(registrationID string) {
	m.tickets = append(m.tickets, registrationID)
}

func (m *mockNotifier) EnqueuePurchaseConfirmation(registrationID string) {
	m.purchases = append(m.purchases, registrationID)
}

func (m *mockNotifier) EnqueueRosterAdd(eventID, userID string) {
	m.roster = append(m.roster, eventID+":"+userID)
}

func newRegistrationService(repo *mockRegistrationRepo, events *mockEventReader, notifier *mockNotifier) *RegistrationService {
	return NewRegistrationService(repo, events, notifier, NewMetricsService(), validator.New(), zap.NewNop(), RegistrationConfig{})
}

func TestRegistrationServiceRegisterIssuesCredential(t *testing.T) {
	repo := &mockRegistrationRepo{
		eventNames: map[string]string{"e1": "Conference"},
		eventTypes: map[string]models.EventType{"e1": models.EventTypeNormal},
	}
	events := &mockEventReader{events: map[string]models.Event{"e1": {ID: "e1", Type: models.EventTypeNormal}}}
	notifier := &mockNotifier{}
	svc := newRegistrationService(repo, events, notifier)

	detail, err := svc.Register(context.Background(), "u1", RegisterRequest{EventID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationStatusRegistered, detail.Status)
	assert.NotEmpty(t, detail.TicketID)
	assert.True(t, detail.Issued())
	assert.Contains(t, notifier.tickets, detail.ID)
	assert.Contains(t, notifier.roster, "e1:u1")
}

func TestRegistrationServiceRegisterWaitlistsWithoutCredential(t *testing.T) {
	repo := &mockRegistrationRepo{
		full:       true,
		eventNames: map[string]string{"e1": "Conference"},
		eventTypes: map[string]models.EventType{"e1": models.EventTypeNormal},
	}
	events := &mockEventReader{events: map[string]models.Event{"e1": {ID: "e1", Type: models.EventTypeNormal}}}
	notifier := &mockNotifier{}
	svc := newRegistrationService(repo, events, notifier)

	detail, err := svc.Register(context.Background(), "u1", RegisterRequest{EventID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationStatusWaitlisted, detail.Status)
	assert.False(t, detail.Issued())
	assert.Empty(t, notifier.tickets)
}

func TestRegistrationServiceRegisterDuplicate(t *testing.T) {
	repo := &mockRegistrationRepo{duplicate: true}
	events := &mockEventReader{events: map[string]models.Event{"e1": {ID: "e1", Type: models.EventTypeNormal}}}
	svc := newRegistrationService(repo, events, &mockNotifier{})

	_, err := svc.Register(context.Background(), "u1", RegisterRequest{EventID: "e1"})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrDuplicateRegistration.Code, appErr.Code)
}

func TestRegistrationServiceRegisterRetriesTicketCollision(t *testing.T) {
	repo := &mockRegistrationRepo{
		ticketConflicts: 2,
		eventNames:      map[string]string{"e1": "Conference"},
		eventTypes:      map[string]models.EventType{"e1": models.EventTypeNormal},
	}
	events := &mockEventReader{events: map[string]models.Event{"e1": {ID: "e1", Type: models.EventTypeNormal}}}
	svc := newRegistrationService(repo, events, &mockNotifier{})

	detail, err := svc.Register(context.Background(), "u1", RegisterRequest{EventID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, 0, repo.ticketConflicts)
	assert.NotEmpty(t, detail.TicketID)
}

func TestRegistrationServiceRegisterDeadlinePassed(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	events := &mockEventReader{events: map[string]models.Event{"e1": {ID: "e1", Type: models.EventTypeNormal, Deadline: &past}}}
	svc := newRegistrationService(&mockRegistrationRepo{}, events, &mockNotifier{})

	_, err := svc.Register(context.Background(), "u1", RegisterRequest{EventID: "e1"})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErr.Code)
}

func TestRegistrationServiceRegisterTeamRequiresName(t *testing.T) {
	events := &mockEventReader{events: map[string]models.Event{"e1": {ID: "e1", Type: models.EventTypeTeam}}}
	svc := newRegistrationService(&mockRegistrationRepo{}, events, &mockNotifier{})

	_, err := svc.Register(context.Background(), "u1", RegisterRequest{EventID: "e1"})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestRegistrationServiceRegisterMerchandiseDefersCredential(t *testing.T) {
	repo := &mockRegistrationRepo{
		eventNames: map[string]string{"e1": "Merch Drop"},
		eventTypes: map[string]models.EventType{"e1": models.EventTypeMerchandise},
	}
	events := &mockEventReader{
		events:   map[string]models.Event{"e1": {ID: "e1", Type: models.EventTypeMerchandise}},
		variants: map[string][]models.MerchandiseVariant{"e1": {{ID: "v1", EventID: "e1", Name: "Shirt", UnitPrice: 1500, Stock: 10}}},
	}
	notifier := &mockNotifier{}
	svc := newRegistrationService(repo, events, notifier)

	detail, err := svc.Register(context.Background(), "u1", RegisterRequest{
		EventID: "e1",
		Items:   []ItemSelection{{VariantID: "v1", Quantity: 2}},
	})
	require.NoError(t, err)
	assert.False(t, detail.Issued())
	assert.Empty(t, notifier.tickets)
	assert.Len(t, repo.items[detail.ID], 1)
}

func TestRegistrationServiceRegisterMerchandiseStockGuard(t *testing.T) {
	events := &mockEventReader{
		events:   map[string]models.Event{"e1": {ID: "e1", Type: models.EventTypeMerchandise}},
		variants: map[string][]models.MerchandiseVariant{"e1": {{ID: "v1", EventID: "e1", Stock: 1}}},
	}
	svc := newRegistrationService(&mockRegistrationRepo{}, events, &mockNotifier{})

	_, err := svc.Register(context.Background(), "u1", RegisterRequest{
		EventID: "e1",
		Items:   []ItemSelection{{VariantID: "v1", Quantity: 5}},
	})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrInsufficientStock.Code, appErr.Code)
}

func TestRegistrationServiceRegisterUnknownVariant(t *testing.T) {
	events := &mockEventReader{
		events:   map[string]models.Event{"e1": {ID: "e1", Type: models.EventTypeMerchandise}},
		variants: map[string][]models.MerchandiseVariant{"e1": {{ID: "v1", EventID: "e1", Stock: 5}}},
	}
	svc := newRegistrationService(&mockRegistrationRepo{}, events, &mockNotifier{})

	_, err := svc.Register(context.Background(), "u1", RegisterRequest{
		EventID: "e1",
		Items:   []ItemSelection{{VariantID: "other", Quantity: 1}},
	})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestRegistrationServiceCancel(t *testing.T) {
	repo := &mockRegistrationRepo{
		registrations: map[string]models.Registration{"r1": {ID: "r1", EventID: "e1", ParticipantID: "u1", Status: models.RegistrationStatusRegistered}},
	}
	svc := newRegistrationService(repo, &mockEventReader{}, &mockNotifier{})

	require.NoError(t, svc.Cancel(context.Background(), "r1", "u1", models.RoleParticipant))
	assert.Equal(t, models.RegistrationStatusCancelled, repo.statusUpdates["r1"])
}

func TestRegistrationServiceCancelForbiddenForOthers(t *testing.T) {
	repo := &mockRegistrationRepo{
		registrations: map[string]models.Registration{"r1": {ID: "r1", EventID: "e1", ParticipantID: "u1", Status: models.RegistrationStatusRegistered}},
	}
	svc := newRegistrationService(repo, &mockEventReader{}, &mockNotifier{})

	err := svc.Cancel(context.Background(), "r1", "u2", models.RoleParticipant)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestRegistrationServiceCancelTerminalStatus(t *testing.T) {
	repo := &mockRegistrationRepo{
		registrations: map[string]models.Registration{"r1": {ID: "r1", EventID: "e1", ParticipantID: "u1", Status: models.RegistrationStatusCompleted}},
	}
	svc := newRegistrationService(repo, &mockEventReader{}, &mockNotifier{})

	err := svc.Cancel(context.Background(), "r1", "u1", models.RoleParticipant)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrInvalidStatus.Code, appErr.Code)
}
