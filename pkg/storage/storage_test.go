package storage_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relieflane/caseledger/pkg/storage"
)

var errInjected = errors.New("injected failure")

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTestDB(t)
	// Running the migrations again must not fail.
	require.NoError(t, db.Migrate(context.Background()))
}

func TestCaseRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := storage.CreateCase(ctx, db, storage.Case{
		ID:            "case-1",
		TenantID:      "tenant-a",
		Lifecycle:     "INTAKE",
		Status:        "received",
		CurrentTask:   "awaiting routing",
		BeneficiaryID: "ben-1",
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	require.NoError(t, err)

	c, err := storage.GetCase(ctx, db, "tenant-a", "case-1")
	require.NoError(t, err)
	assert.Equal(t, "INTAKE", c.Lifecycle)
	assert.Equal(t, "ben-1", c.BeneficiaryID)
	assert.True(t, c.CreatedAt.Equal(now))

	// Tenant scoping: the same id under another tenant does not resolve.
	_, err = storage.GetCase(ctx, db, "tenant-b", "case-1")
	assert.ErrorIs(t, err, storage.ErrCaseNotFound)
}

func TestListCaseIDsAndTenants(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"c1", "c2"} {
		require.NoError(t, storage.CreateCase(ctx, db, storage.Case{
			ID: id, TenantID: "tenant-a", Lifecycle: "INTAKE",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, storage.CreateCase(ctx, db, storage.Case{
		ID: "c3", TenantID: "tenant-b", Lifecycle: "INTAKE",
		CreatedAt: base, UpdatedAt: base,
	}))

	ids, err := storage.ListCaseIDs(ctx, db, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)

	tenants, err := storage.ListTenants(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, tenants)
}

func TestCompareAndSwapLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, storage.CreateCase(ctx, db, storage.Case{
		ID: "case-1", TenantID: "tenant-a", Lifecycle: "INTAKE",
		CreatedAt: now, UpdatedAt: now,
	}))

	// Predicate holds: the swap applies.
	err := storage.CompareAndSwapLifecycle(ctx, db, "tenant-a", "case-1",
		"INTAKE", "ROUTED", "assigned", "awaiting acceptance", now)
	require.NoError(t, err)

	c, err := storage.GetCase(ctx, db, "tenant-a", "case-1")
	require.NoError(t, err)
	assert.Equal(t, "ROUTED", c.Lifecycle)
	assert.Equal(t, "assigned", c.Status)

	// Predicate stale: the row moved on since INTAKE was read.
	err = storage.CompareAndSwapLifecycle(ctx, db, "tenant-a", "case-1",
		"INTAKE", "ACCEPTED", "committed", "awaiting execution", now)
	assert.ErrorIs(t, err, storage.ErrCASConflict)

	// The failed swap left the row untouched.
	c, err = storage.GetCase(ctx, db, "tenant-a", "case-1")
	require.NoError(t, err)
	assert.Equal(t, "ROUTED", c.Lifecycle)
}

func TestExecutions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ok, err := storage.HasExecution(ctx, db, "tenant-a", "case-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, storage.CreateExecution(ctx, db, storage.Execution{
		ID: "exec-1", TenantID: "tenant-a", CaseID: "case-1",
		ExecutorID: "worker-7", StartedAt: now,
	}))

	ok, err = storage.HasExecution(ctx, db, "tenant-a", "case-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, storage.CompleteExecution(ctx, db, "tenant-a", "case-1", now.Add(time.Minute)))

	// Completing twice finds no open execution.
	err = storage.CompleteExecution(ctx, db, "tenant-a", "case-1", now.Add(2*time.Minute))
	assert.ErrorIs(t, err, storage.ErrExecutionNotFound)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := storage.CreateCase(ctx, tx, storage.Case{
			ID: "case-1", TenantID: "tenant-a", Lifecycle: "INTAKE",
			CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return errInjected
	})
	assert.ErrorIs(t, err, errInjected)

	_, err = storage.GetCase(ctx, db, "tenant-a", "case-1")
	assert.ErrorIs(t, err, storage.ErrCaseNotFound)
}
