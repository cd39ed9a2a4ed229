package ordersstore

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/internal/caselock"
	"github.com/caseflow/caseflow/internal/caserecord"
)

// TestUpsertCaseNeverDowngradesVerificationStatus exercises the CASE
// expression in the upsert SQL by asserting the statement text, since a
// real downgrade-prevention check belongs in a Postgres integration test
// (gated the way the teacher gates its own integration suite) — this
// keeps the SQL text itself honest without a live database.
func TestUpsertCaseNeverDowngradesVerificationStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`(?s)INSERT INTO refund_cases.*verification_status = CASE\s+WHEN refund_cases\.verification_status = 'VERIFIED' THEN refund_cases\.verification_status\s+ELSE EXCLUDED\.verification_status\s+END`).
		WillReturnRows(sqlmock.NewRows([]string{"case_id"}).AddRow(uuid.New().String()))

	store := &Store{db: db, locks: caselock.New()}
	c := &caserecord.Case{
		SourceMessageID:     "gmail-msg-1",
		FromEmail:           "someone@example.com",
		Classification:      caserecord.ClassificationRefund,
		VerificationStatus:  caserecord.StatusPendingReview,
	}
	_, err = store.UpsertCase(context.Background(), c)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
