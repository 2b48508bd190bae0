package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relieflane/caseledger/pkg/keyring"
	"github.com/relieflane/caseledger/pkg/ledger"
	"github.com/relieflane/caseledger/pkg/lifecycle"
	"github.com/relieflane/caseledger/pkg/reconcile"
	"github.com/relieflane/caseledger/pkg/storage"
)

var caseworker = ledger.Actor{Kind: ledger.ActorHuman, UserID: "worker-1", AuthorityProof: "roles:caseworker"}

type fixture struct {
	db      *storage.DB
	ledger  *ledger.Store
	machine *lifecycle.Machine
	svc     *reconcile.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	keys, err := keyring.NewEphemeral()
	require.NoError(t, err)
	ls := ledger.NewStore(keys)
	return &fixture{
		db:      db,
		ledger:  ls,
		machine: lifecycle.NewMachine(db, ls),
		svc:     reconcile.NewService(db, ls).WithSweepRate(10000),
	}
}

func (f *fixture) routedCase(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	caseID, err := f.machine.Intake(ctx, lifecycle.IntakeRequest{TenantID: "tenant-a", Actor: caseworker})
	require.NoError(t, err)
	_, err = f.machine.Transition(ctx, lifecycle.Request{
		TenantID: "tenant-a", CaseID: caseID, Target: lifecycle.Routed, Actor: caseworker,
	})
	require.NoError(t, err)
	return caseID
}

// corrupt overwrites the stored lifecycle behind the machine's back,
// simulating an out-of-band write that bypassed the transition protocol.
func (f *fixture) corrupt(t *testing.T, caseID, state string) {
	t.Helper()
	_, err := f.db.ExecContext(context.Background(),
		`UPDATE cases SET lifecycle = $1 WHERE id = $2`, state, caseID)
	require.NoError(t, err)
}

func TestReconcileCase_NoDrift(t *testing.T) {
	f := newFixture(t)
	caseID := f.routedCase(t)

	res, err := f.svc.ReconcileCase(context.Background(), "tenant-a", caseID)
	require.NoError(t, err)
	assert.False(t, res.Drift)
	assert.False(t, res.Repaired)

	// A clean pass appends nothing.
	commits, err := f.ledger.ListByCase(context.Background(), f.db, caseID)
	require.NoError(t, err)
	assert.Len(t, commits, 2)
}

func TestReconcileCase_RepairsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caseID := f.routedCase(t)
	f.corrupt(t, caseID, "ACCEPTED")

	res, err := f.svc.ReconcileCase(ctx, "tenant-a", caseID)
	require.NoError(t, err)
	assert.True(t, res.Drift)
	assert.True(t, res.Repaired)
	assert.Equal(t, lifecycle.Accepted, res.Previous)
	assert.Equal(t, lifecycle.Routed, res.Derived)

	// The ledger wins: the stored row is back to the derived state.
	c, err := storage.GetCase(ctx, f.db, "tenant-a", caseID)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.Routed), c.Lifecycle)

	// The repair itself is an auditable commit.
	commits, err := f.ledger.ListByCase(ctx, f.db, caseID)
	require.NoError(t, err)
	last := commits[len(commits)-1]
	assert.Equal(t, ledger.EventLifecycleRepaired, last.EventType)
	assert.Equal(t, "ACCEPTED", last.Payload["previous"])
	assert.Equal(t, "ROUTED", last.Payload["repaired"])

	// Idempotent: a second pass sees no drift, because the repair event
	// is skipped by replay.
	res, err = f.svc.ReconcileCase(ctx, "tenant-a", caseID)
	require.NoError(t, err)
	assert.False(t, res.Drift)
}

func TestReconcileCase_UnknownCase(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ReconcileCase(context.Background(), "tenant-a", "missing")
	assert.ErrorIs(t, err, storage.ErrCaseNotFound)
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	clean := f.routedCase(t)
	drifted := f.routedCase(t)
	f.corrupt(t, drifted, "FLAGGED")

	report, err := f.svc.Sweep(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Cases)
	assert.Equal(t, 1, report.Drifted)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, 0, report.Failed)

	for _, id := range []string{clean, drifted} {
		c, err := storage.GetCase(ctx, f.db, "tenant-a", id)
		require.NoError(t, err)
		assert.Equal(t, string(lifecycle.Routed), c.Lifecycle)
	}
}

func TestSweep_TenantRateOverridesServiceRate(t *testing.T) {
	f := newFixture(t)

	clean := f.routedCase(t)
	drifted := f.routedCase(t)
	f.corrupt(t, drifted, "FLAGGED")

	// The service-wide throttle would park the second case for hours; the
	// tenant's own rate must carry the sweep instead.
	f.svc.WithSweepRate(0.0001).WithTenantSweepRates(map[string]float64{"tenant-a": 10000})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := f.svc.Sweep(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Cases)
	assert.Equal(t, 1, report.Repaired)

	c, err := storage.GetCase(ctx, f.db, "tenant-a", clean)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.Routed), c.Lifecycle)
}

func TestSweep_EmptyTenant(t *testing.T) {
	f := newFixture(t)
	report, err := f.svc.Sweep(context.Background(), "tenant-empty")
	require.NoError(t, err)
	assert.Equal(t, reconcile.SweepReport{}, report)
}
