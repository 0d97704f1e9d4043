package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/event-reg-api/internal/middleware"
	"github.com/noah-isme/event-reg-api/internal/models"
	"github.com/noah-isme/event-reg-api/internal/repository"
	"github.com/noah-isme/event-reg-api/internal/service"
	"github.com/noah-isme/event-reg-api/pkg/response"
)

type registrationRepoStub struct {
	registrations map[string]models.Registration
	duplicate     bool
}

func (s *registrationRepoStub) CreateAdmitted(ctx context.Context, reg *models.Registration, items []models.RegistrationItem) error {
	if s.duplicate {
		return repository.ErrDuplicateRegistration
	}
	reg.ID = "reg-1"
	reg.Status = models.RegistrationStatusRegistered
	if s.registrations == nil {
		s.registrations = make(map[string]models.Registration)
	}
	s.registrations[reg.ID] = *reg
	return nil
}

func (s *registrationRepoStub) FindByID(ctx context.Context, id string) (*models.Registration, error) {
	if r, ok := s.registrations[id]; ok {
		return &r, nil
	}
	return nil, sql.ErrNoRows
}

func (s *registrationRepoStub) FindDetailByID(ctx context.Context, id string) (*models.RegistrationDetail, error) {
	if r, ok := s.registrations[id]; ok {
		return &models.RegistrationDetail{Registration: r, EventName: "Conference", EventType: models.EventTypeNormal}, nil
	}
	return nil, sql.ErrNoRows
}

func (s *registrationRepoStub) Items(ctx context.Context, registrationID string) ([]models.RegistrationItem, error) {
	return nil, nil
}

func (s *registrationRepoStub) List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, int, error) {
	return nil, 0, nil
}

func (s *registrationRepoStub) UpdateStatus(ctx context.Context, id string, status models.RegistrationStatus) error {
	return nil
}

func (s *registrationRepoStub) SetCredential(ctx context.Context, id, qrData string) error {
	if r, ok := s.registrations[id]; ok {
		r.QRData = &qrData
		s.registrations[id] = r
	}
	return nil
}

type eventReaderStub struct{}

func (s *eventReaderStub) FindByID(ctx context.Context, id string) (*models.Event, error) {
	return &models.Event{ID: id, Type: models.EventTypeNormal}, nil
}

func (s *eventReaderStub) Variants(ctx context.Context, eventID string) ([]models.MerchandiseVariant, error) {
	return nil, nil
}

func (s *eventReaderStub) OwnedBy(ctx context.Context, eventID, organizerID string) (bool, error) {
	return false, nil
}

type notifierStub struct{}

func (s *notifierStub) EnqueueTicket(registrationID string)     {}
func (s *notifierStub) EnqueueRosterAdd(eventID, userID string) {}

func newRegistrationHandler(repo *registrationRepoStub) *RegistrationHandler {
	svc := service.NewRegistrationService(repo, &eventReaderStub{}, &notifierStub{}, nil, nil, nil, service.RegistrationConfig{})
	return NewRegistrationHandler(svc)
}

func TestRegistrationHandlerCreate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newRegistrationHandler(&registrationRepoStub{})

	payload, _ := json.Marshal(service.RegisterRequest{EventID: "e1"})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/registrations", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "u1", Role: models.RoleParticipant})

	handler.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)

	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Nil(t, envelope.Error)
	assert.NotNil(t, envelope.Data)
}

func TestRegistrationHandlerCreateDuplicate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newRegistrationHandler(&registrationRepoStub{duplicate: true})

	payload, _ := json.Marshal(service.RegisterRequest{EventID: "e1"})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/registrations", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "u1", Role: models.RoleParticipant})

	handler.Create(c)
	require.Equal(t, http.StatusConflict, w.Code)

	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "DUPLICATE_REGISTRATION", envelope.Error.Code)
}

func TestRegistrationHandlerCreateRequiresAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newRegistrationHandler(&registrationRepoStub{})

	payload, _ := json.Marshal(service.RegisterRequest{EventID: "e1"})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/registrations", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req

	handler.Create(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
