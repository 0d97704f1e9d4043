package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/event-reg-api/internal/models"
	"github.com/noah-isme/event-reg-api/internal/repository"
	"github.com/noah-isme/event-reg-api/internal/ticket"
	appErrors "github.com/noah-isme/event-reg-api/pkg/errors"
)

func (m *mockRegistrationRepo) FindByTicketID(ctx context.Context, ticketID string) (*models.Registration, error) {
	for _, r := range m.registrations {
		if r.TicketID == ticketID {
			reg := r
			return &reg, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockRegistrationRepo) MarkAttended(ctx context.Context, id string, method models.AttendanceMethod, actorID string, notes *string, at time.Time) error {
	r, ok := m.registrations[id]
	if !ok {
		return sql.ErrNoRows
	}
	if r.Attended {
		return repository.ErrAlreadyAttended
	}
	r.Attended = true
	r.AttendedAt = &at
	r.AttendanceMethod = &method
	r.ScannedBy = &actorID
	r.AttendanceNotes = notes
	r.Status = models.RegistrationStatusCompleted
	m.registrations[id] = r
	return nil
}

func (m *mockRegistrationRepo) SetAttendance(ctx context.Context, id string, attended bool, actorID string, notes *string, at time.Time) error {
	r, ok := m.registrations[id]
	if !ok {
		return sql.ErrNoRows
	}
	r.Attended = attended
	if attended {
		r.AttendedAt = &at
		r.Status = models.RegistrationStatusCompleted
	} else {
		r.AttendedAt = nil
	}
	method := models.AttendanceMethodManual
	r.AttendanceMethod = &method
	r.ScannedBy = &actorID
	r.AttendanceNotes = notes
	m.registrations[id] = r
	return nil
}

func scannableRegistration(t *testing.T, eventType models.EventType) (*mockRegistrationRepo, *mockEventReader, string) {
	t.Helper()
	reg := models.Registration{
		ID:            "r1",
		EventID:       "e1",
		ParticipantID: "u1",
		TicketID:      "TKT-1700000000000-ABCDEF123",
		Status:        models.RegistrationStatusRegistered,
	}
	if eventType == models.EventTypeMerchandise {
		approved := models.PaymentStatusApproved
		reg.PaymentStatus = &approved
		reg.Status = models.RegistrationStatusCompleted
	}
	repo := &mockRegistrationRepo{registrations: map[string]models.Registration{"r1": reg}}
	events := &mockEventReader{
		events: map[string]models.Event{"e1": {ID: "e1", Name: "Conference", Type: eventType}},
		owners: map[string]string{"e1": "org-1"},
	}
	payload, err := ticket.Encode(reg.TicketID, reg.EventID, reg.ParticipantID)
	require.NoError(t, err)
	return repo, events, payload
}

func newAttendanceService(repo *mockRegistrationRepo, events *mockEventReader) *AttendanceService {
	return NewAttendanceService(repo, events, NewMetricsService(), validator.New(), zap.NewNop())
}

func TestAttendanceServiceScan(t *testing.T) {
	repo, events, payload := scannableRegistration(t, models.EventTypeNormal)
	svc := newAttendanceService(repo, events)

	record, err := svc.Scan(context.Background(), "org-1", models.RoleOrganizer, ScanRequest{
		EventID: "e1",
		Payload: payload,
		Method:  string(models.AttendanceMethodCameraScan),
	})
	require.NoError(t, err)
	assert.True(t, record.Attended)
	assert.NotNil(t, record.AttendedAt)
	require.NotNil(t, record.Method)
	assert.Equal(t, models.AttendanceMethodCameraScan, *record.Method)
	assert.Equal(t, models.RegistrationStatusCompleted, repo.registrations["r1"].Status)
}

func TestAttendanceServiceScanLegacyPayload(t *testing.T) {
	repo, events, _ := scannableRegistration(t, models.EventTypeNormal)
	svc := newAttendanceService(repo, events)

	record, err := svc.Scan(context.Background(), "org-1", models.RoleOrganizer, ScanRequest{
		EventID: "e1",
		Payload: "e1|TKT-1700000000000-ABCDEF123",
		Method:  string(models.AttendanceMethodImageUpload),
	})
	require.NoError(t, err)
	assert.True(t, record.Attended)
}

func TestAttendanceServiceScanGarbagePayload(t *testing.T) {
	repo, events, _ := scannableRegistration(t, models.EventTypeNormal)
	svc := newAttendanceService(repo, events)

	_, err := svc.Scan(context.Background(), "org-1", models.RoleOrganizer, ScanRequest{
		EventID: "e1",
		Payload: "not a credential at all",
		Method:  string(models.AttendanceMethodCameraScan),
	})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrInvalidCredential.Code, appErr.Code)
}

func TestAttendanceServiceScanUnknownTicket(t *testing.T) {
	repo, events, _ := scannableRegistration(t, models.EventTypeNormal)
	svc := newAttendanceService(repo, events)

	payload, err := ticket.Encode("TKT-1700000000999-ZZZZZZZZZ", "e1", "u9")
	require.NoError(t, err)

	_, err = svc.Scan(context.Background(), "org-1", models.RoleOrganizer, ScanRequest{
		EventID: "e1",
		Payload: payload,
		Method:  string(models.AttendanceMethodCameraScan),
	})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrTicketNotFound.Code, appErr.Code)
}

func TestAttendanceServiceScanWrongEvent(t *testing.T) {
	repo, events, payload := scannableRegistration(t, models.EventTypeNormal)
	svc := newAttendanceService(repo, events)

	_, err := svc.Scan(context.Background(), "org-1", models.RoleOrganizer, ScanRequest{
		EventID: "e2",
		Payload: payload,
		Method:  string(models.AttendanceMethodCameraScan),
	})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrTicketNotFound.Code, appErr.Code)
}

func TestAttendanceServiceScanUnapprovedPayment(t *testing.T) {
	repo, events, payload := scannableRegistration(t, models.EventTypeMerchandise)
	reg := repo.registrations["r1"]
	pending := models.PaymentStatusPending
	reg.PaymentStatus = &pending
	reg.Status = models.RegistrationStatusRegistered
	repo.registrations["r1"] = reg
	svc := newAttendanceService(repo, events)

	_, err := svc.Scan(context.Background(), "org-1", models.RoleOrganizer, ScanRequest{
		EventID: "e1",
		Payload: payload,
		Method:  string(models.AttendanceMethodCameraScan),
	})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrPaymentNotApproved.Code, appErr.Code)
}

func TestAttendanceServiceScanCancelledRegistration(t *testing.T) {
	repo, events, payload := scannableRegistration(t, models.EventTypeNormal)
	reg := repo.registrations["r1"]
	reg.Status = models.RegistrationStatusCancelled
	repo.registrations["r1"] = reg
	svc := newAttendanceService(repo, events)

	_, err := svc.Scan(context.Background(), "org-1", models.RoleOrganizer, ScanRequest{
		EventID: "e1",
		Payload: payload,
		Method:  string(models.AttendanceMethodCameraScan),
	})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrInvalidStatus.Code, appErr.Code)
}

func TestAttendanceServiceScanDuplicateReturnsPriorRecord(t *testing.T) {
	repo, events, payload := scannableRegistration(t, models.EventTypeNormal)
	svc := newAttendanceService(repo, events)

	req := ScanRequest{EventID: "e1", Payload: payload, Method: string(models.AttendanceMethodCameraScan)}
	first, err := svc.Scan(context.Background(), "org-1", models.RoleOrganizer, req)
	require.NoError(t, err)

	record, err := svc.Scan(context.Background(), "org-1", models.RoleOrganizer, req)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrDuplicateScan.Code, appErr.Code)
	require.NotNil(t, record)
	assert.True(t, record.Attended)
	assert.Equal(t, first.AttendedAt.Unix(), record.AttendedAt.Unix())
}

func TestAttendanceServiceScanDuplicateWinsOverPaymentGate(t *testing.T) {
	repo, events, payload := scannableRegistration(t, models.EventTypeMerchandise)
	reg := repo.registrations["r1"]
	pending := models.PaymentStatusPending
	reg.PaymentStatus = &pending
	reg.Attended = true
	at := time.Now().UTC()
	reg.AttendedAt = &at
	method := models.AttendanceMethodManual
	reg.AttendanceMethod = &method
	repo.registrations["r1"] = reg
	svc := newAttendanceService(repo, events)

	record, err := svc.Scan(context.Background(), "org-1", models.RoleOrganizer, ScanRequest{
		EventID: "e1",
		Payload: payload,
		Method:  string(models.AttendanceMethodCameraScan),
	})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrDuplicateScan.Code, appErr.Code)
	require.NotNil(t, record)
	assert.True(t, record.Attended)
	require.NotNil(t, record.Method)
	assert.Equal(t, models.AttendanceMethodManual, *record.Method)
}

func TestAttendanceServiceScanUnauthorizedOrganizer(t *testing.T) {
	repo, events, payload := scannableRegistration(t, models.EventTypeNormal)
	svc := newAttendanceService(repo, events)

	_, err := svc.Scan(context.Background(), "org-2", models.RoleOrganizer, ScanRequest{
		EventID: "e1",
		Payload: payload,
		Method:  string(models.AttendanceMethodCameraScan),
	})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrUnauthorizedEvent.Code, appErr.Code)
}

func TestAttendanceServiceOverrideThenRescan(t *testing.T) {
	repo, events, payload := scannableRegistration(t, models.EventTypeNormal)
	svc := newAttendanceService(repo, events)

	req := ScanRequest{EventID: "e1", Payload: payload, Method: string(models.AttendanceMethodCameraScan)}
	_, err := svc.Scan(context.Background(), "org-1", models.RoleOrganizer, req)
	require.NoError(t, err)

	record, err := svc.Override(context.Background(), "r1", "org-1", models.RoleOrganizer, OverrideRequest{Attended: false})
	require.NoError(t, err)
	assert.False(t, record.Attended)
	assert.Nil(t, record.AttendedAt)

	rescan, err := svc.Scan(context.Background(), "org-1", models.RoleOrganizer, req)
	require.NoError(t, err)
	assert.True(t, rescan.Attended)
}

func TestAttendanceServiceExportRosterCSV(t *testing.T) {
	repo, events, _ := scannableRegistration(t, models.EventTypeNormal)
	svc := newAttendanceService(repo, events)

	data, contentType, err := svc.ExportRoster(context.Background(), "e1", "org-1", models.RoleOrganizer, "csv")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", contentType)
	assert.Contains(t, string(data), "Ticket ID")
}
