package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relieflane/caseledger/pkg/keyring"
	"github.com/relieflane/caseledger/pkg/ledger"
	"github.com/relieflane/caseledger/pkg/storage"
)

func newTestStore(t *testing.T) (*ledger.Store, *storage.DB) {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	keys, err := keyring.NewEphemeral()
	require.NoError(t, err)
	return ledger.NewStore(keys), db
}

func TestAppendAndListByCase(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	id1, err := store.Append(ctx, db, ledger.Commit{
		TenantID:       "tenant-a",
		CaseID:         "case-1",
		EventType:      ledger.EventCaseCreated,
		TS:             1000,
		ActorKind:      ledger.ActorHuman,
		ActorUserID:    "user-1",
		AuthorityProof: "roles:intake",
		Payload:        map[string]any{"lifecycle": "INTAKE"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := store.Append(ctx, db, ledger.Commit{
		TenantID:       "tenant-a",
		CaseID:         "case-1",
		EventType:      ledger.EventRouted,
		TS:             1001,
		ActorKind:      ledger.ActorSystem,
		AuthorityProof: "router",
		Payload:        map[string]any{"from": "INTAKE", "to": "ROUTED"},
	})
	require.NoError(t, err)

	commits, err := store.ListByCase(ctx, db, "case-1")
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, id1, commits[0].ID)
	assert.Equal(t, id2, commits[1].ID)
	assert.Equal(t, ledger.EventCaseCreated, commits[0].EventType)
	assert.NotEmpty(t, commits[0].CommitmentHash)
	assert.NotEmpty(t, commits[0].Signature)
	assert.Less(t, commits[0].TS, commits[1].TS)
}

func TestAppend_RejectsUnknownEventType(t *testing.T) {
	store, db := newTestStore(t)

	_, err := store.Append(context.Background(), db, ledger.Commit{
		TenantID:  "tenant-a",
		CaseID:    "case-1",
		EventType: "CASE_UPDATED",
		TS:        1000,
		ActorKind: ledger.ActorSystem,
	})
	assert.ErrorIs(t, err, ledger.ErrUnknownEventType)
}

func TestAppend_RejectsNonMonotonicTimestamp(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, db, ledger.Commit{
		TenantID: "tenant-a", CaseID: "case-1",
		EventType: ledger.EventCaseCreated, TS: 2000,
		ActorKind: ledger.ActorSystem,
	})
	require.NoError(t, err)

	for _, ts := range []int64{2000, 1500} {
		_, err := store.Append(ctx, db, ledger.Commit{
			TenantID: "tenant-a", CaseID: "case-1",
			EventType: ledger.EventRouted, TS: ts,
			ActorKind: ledger.ActorSystem,
		})
		var nonMono *ledger.NonMonotonicTimestampError
		require.ErrorAs(t, err, &nonMono)
		assert.Equal(t, "case-1", nonMono.CaseID)
		assert.Equal(t, int64(2000), nonMono.LastTS)
	}
}

func TestNextTimestamp(t *testing.T) {
	now := time.UnixMilli(5000)
	store, db := newTestStore(t)
	store = store.WithClock(func() time.Time { return now })
	ctx := context.Background()

	// No commits yet: wall clock wins.
	ts, err := store.NextTimestamp(ctx, db, "case-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), ts)

	// A commit ahead of the clock forces last+1.
	_, err = store.Append(ctx, db, ledger.Commit{
		TenantID: "tenant-a", CaseID: "case-1",
		EventType: ledger.EventCaseCreated, TS: 9000,
		ActorKind: ledger.ActorSystem,
	})
	require.NoError(t, err)

	ts, err = store.NextTimestamp(ctx, db, "case-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9001), ts)
}

func TestGetCommit(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	id, err := store.Append(ctx, db, ledger.Commit{
		TenantID: "tenant-a", CaseID: "case-1",
		EventType: ledger.EventCaseCreated, TS: 1000,
		ActorKind: ledger.ActorHuman, ActorUserID: "user-1",
	})
	require.NoError(t, err)

	c, err := store.GetCommit(ctx, db, id)
	require.NoError(t, err)
	assert.Equal(t, "case-1", c.CaseID)
	assert.Equal(t, "user-1", c.ActorUserID)
}

func TestVerifyIntegrity(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i, ev := range []ledger.EventType{ledger.EventCaseCreated, ledger.EventRouted, ledger.EventAccepted} {
		id, err := store.Append(ctx, db, ledger.Commit{
			TenantID: "tenant-a", CaseID: "case-1",
			EventType: ev, TS: int64(1000 + i),
			ActorKind: ledger.ActorSystem,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	report, err := store.VerifyIntegrity(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, ledger.IntegrityHealthy, report.Status)
	assert.Equal(t, 3, report.RecordCount)

	// Tamper with the middle commit's payload behind the store's back.
	_, err = db.ExecContext(ctx,
		`UPDATE ledger_commits SET payload = '{"forged":true}' WHERE id = $1`, ids[1])
	require.NoError(t, err)

	report, err = store.VerifyIntegrity(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, ledger.IntegrityCorrupted, report.Status)
	assert.Equal(t, ids[1], report.CorruptedCommitID)
	assert.Equal(t, "commitment hash mismatch", report.Detail)
}

func TestVerifyIntegrity_DetectsForgedSignature(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	id, err := store.Append(ctx, db, ledger.Commit{
		TenantID: "tenant-a", CaseID: "case-1",
		EventType: ledger.EventCaseCreated, TS: 1000,
		ActorKind: ledger.ActorSystem,
	})
	require.NoError(t, err)

	// A hash-consistent commit signed by someone else must still fail.
	other, err := keyring.NewEphemeral()
	require.NoError(t, err)
	c, err := store.GetCommit(ctx, db, id)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`UPDATE ledger_commits SET signature = $1 WHERE id = $2`,
		other.Sign([]byte(c.CommitmentHash)), id)
	require.NoError(t, err)

	report, err := store.VerifyIntegrity(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, ledger.IntegrityCorrupted, report.Status)
	assert.Equal(t, id, report.CorruptedCommitID)
	assert.Equal(t, "signature verification failed", report.Detail)
}
