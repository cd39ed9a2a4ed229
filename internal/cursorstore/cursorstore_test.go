package cursorstore

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreColdStartReturnsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT value FROM history_cursor`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	store := NewPostgresStore(db)
	_, found, err := store.Get(context.Background())
	require.NoError(t, err)
	require.False(t, found, "cold start must report no cursor, never a synthetic zero")
}

func TestPostgresStoreAdvanceUsesGreatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO history_cursor`).WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStore(db)
	err = store.Advance(context.Background(), 42)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
