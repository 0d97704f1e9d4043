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
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/event-reg-api/internal/models"
	"github.com/noah-isme/event-reg-api/internal/repository"
	appErrors "github.com/noah-isme/event-reg-api/pkg/errors"
)

type mockUserRepo struct {
	users map[string]models.User
}

func (m *mockUserRepo) Create(ctx context.Context, user *models.User) error {
	if m.users == nil {
		m.users = make(map[string]models.User)
	}
	for _, existing := range m.users {
		if existing.Email == user.Email {
			return repository.ErrDuplicate
		}
	}
	if user.ID == "" {
		user.ID = "new-user"
	}
	m.users[user.ID] = *user
	return nil
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			user := u
			return &user, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := m.users[id]; ok {
		return &u, nil
	}
	return nil, sql.ErrNoRows
}

func newAuthService(repo *mockUserRepo) *AuthService {
	return NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{
		Secret:     "test-secret",
		Expiration: time.Hour,
		Issuer:     "event-reg-api",
	})
}

func TestAuthServiceSignupAndLogin(t *testing.T) {
	repo := &mockUserRepo{}
	svc := newAuthService(repo)

	info, err := svc.Signup(context.Background(), models.SignupRequest{
		Email:    "jane@example.com",
		Password: "secret123",
		FullName: "Jane Doe",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoleParticipant, info.Role)

	resp, err := svc.Login(context.Background(), models.LoginRequest{Email: "jane@example.com", Password: "secret123"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, info.ID, resp.User.ID)

	claims, err := svc.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, info.ID, claims.UserID)
	assert.Equal(t, models.RoleParticipant, claims.Role)
}

func TestAuthServiceSignupDuplicateEmail(t *testing.T) {
	repo := &mockUserRepo{}
	svc := newAuthService(repo)

	_, err := svc.Signup(context.Background(), models.SignupRequest{Email: "jane@example.com", Password: "secret123", FullName: "Jane"})
	require.NoError(t, err)

	_, err = svc.Signup(context.Background(), models.SignupRequest{Email: "jane@example.com", Password: "other456", FullName: "Impostor"})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
}

func TestAuthServiceLoginWrongPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct"), bcrypt.DefaultCost)
	require.NoError(t, err)
	repo := &mockUserRepo{users: map[string]models.User{
		"u1": {ID: "u1", Email: "jane@example.com", PasswordHash: string(hash), Role: models.RoleParticipant, Active: true},
	}}
	svc := newAuthService(repo)

	_, err = svc.Login(context.Background(), models.LoginRequest{Email: "jane@example.com", Password: "wrong"})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErr.Code)
}

func TestAuthServiceValidateTokenRejectsGarbage(t *testing.T) {
	svc := newAuthService(&mockUserRepo{})

	_, err := svc.ValidateToken("not.a.token")
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErr.Code)
}
