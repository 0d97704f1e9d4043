package repository

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newEventRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestEventRepositoryOwnedBy(t *testing.T) {
	db, mock, cleanup := newEventRepoMock(t)
	defer cleanup()

	repo := NewEventRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM events WHERE id = $1 AND organizer_id = $2")).
		WithArgs("event-1", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	owned, err := repo.OwnedBy(context.Background(), "event-1", "org-1")
	require.NoError(t, err)
	require.True(t, owned)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM events WHERE id = $1 AND organizer_id = $2")).
		WithArgs("event-1", "org-2").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	owned, err = repo.OwnedBy(context.Background(), "event-1", "org-2")
	require.NoError(t, err)
	require.False(t, owned)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositoryAddParticipantIdempotent(t *testing.T) {
	db, mock, cleanup := newEventRepoMock(t)
	defer cleanup()

	repo := NewEventRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_participants")).
		WithArgs("event-1", "user-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.AddParticipant(context.Background(), "event-1", "user-1"))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_participants")).
		WithArgs("event-1", "user-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, repo.AddParticipant(context.Background(), "event-1", "user-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
