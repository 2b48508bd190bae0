package ledger_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relieflane/caseledger/pkg/keyring"
	"github.com/relieflane/caseledger/pkg/ledger"
)

func newMockStore(t *testing.T) (*ledger.Store, *sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	keys, err := keyring.NewEphemeral()
	require.NoError(t, err)
	return ledger.NewStore(keys), db, mock
}

func TestAppend_PropagatesInsertError(t *testing.T) {
	store, db, mock := newMockStore(t)
	dbErr := errors.New("disk full")

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(ts\), 0\) FROM ledger_commits`).
		WithArgs("case-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(0)))
	mock.ExpectExec(`INSERT INTO ledger_commits`).
		WillReturnError(dbErr)

	_, err := store.Append(context.Background(), db, ledger.Commit{
		TenantID: "tenant-a", CaseID: "case-1",
		EventType: ledger.EventCaseCreated, TS: 1000,
		ActorKind: ledger.ActorSystem,
	})
	assert.ErrorIs(t, err, dbErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLastTimestamp_PropagatesQueryError(t *testing.T) {
	store, db, mock := newMockStore(t)
	dbErr := errors.New("connection reset")

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(ts\), 0\) FROM ledger_commits`).
		WithArgs("case-1").
		WillReturnError(dbErr)

	_, err := store.LastTimestamp(context.Background(), db, "case-1")
	assert.ErrorIs(t, err, dbErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}
