package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relieflane/caseledger/pkg/ledger"
	"github.com/relieflane/caseledger/pkg/observability"
	"github.com/relieflane/caseledger/pkg/storage"
)

// ErrConcurrentModification is returned when the optimistic predicate on
// the case row fails: another transaction changed the lifecycle between
// the read and the write. Safe to retry after re-reading state.
var ErrConcurrentModification = storage.ErrCASConflict

// IllegalTransitionError reports an attempt to move a case outside the
// closed transition table.
type IllegalTransitionError struct {
	From Lifecycle
	To   Lifecycle
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// MissingPrerequisiteError reports a transition whose precondition beyond
// the table itself is not met (e.g. EXECUTING without an execution record).
type MissingPrerequisiteError struct {
	CaseID      string
	Requirement string
}

func (e *MissingPrerequisiteError) Error() string {
	return fmt.Sprintf("case %s: missing prerequisite: %s", e.CaseID, e.Requirement)
}

// Request describes one lifecycle transition command.
type Request struct {
	TenantID      string
	CaseID        string
	Target        Lifecycle
	Actor         ledger.Actor
	IntentContext map[string]any

	// SupersedesCommitID links the transition commit to a prior commit it
	// overrides (appeal resolutions).
	SupersedesCommitID string

	// Reassert permits a target equal to the current lifecycle: the commit
	// is appended and the row CAS-touched without a state change. Only
	// internal callers that re-project the current state (decision
	// supersession) set this; external transition commands keep strict
	// table semantics.
	Reassert bool
}

// Machine applies lifecycle transitions atomically: read, validate,
// compare-and-swap, ledger append — all in one transaction.
type Machine struct {
	db     *storage.DB
	ledger *ledger.Store
	clock  func() time.Time
	log    *slog.Logger
	obs    *observability.Provider
}

// NewMachine builds a state machine over the shared store and ledger.
func NewMachine(db *storage.DB, ls *ledger.Store) *Machine {
	return &Machine{db: db, ledger: ls, clock: time.Now, log: slog.Default()}
}

// WithClock overrides the clock. Intended for tests.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// WithObservability records transition and conflict counts on the
// provider's meters.
func (m *Machine) WithObservability(p *observability.Provider) *Machine {
	m.obs = p
	return m
}

// IntakeRequest creates a new case.
type IntakeRequest struct {
	TenantID      string
	CaseID        string // generated when empty
	BeneficiaryID string
	Actor         ledger.Actor
	IntentContext map[string]any
}

// Intake creates a case in the initial state and appends the creation
// commit, atomically.
func (m *Machine) Intake(ctx context.Context, req IntakeRequest) (string, error) {
	if req.CaseID == "" {
		req.CaseID = uuid.New().String()
	}
	now := m.clock()

	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := storage.CreateCase(ctx, tx, storage.Case{
			ID:            req.CaseID,
			TenantID:      req.TenantID,
			Lifecycle:     string(Intake),
			Status:        StatusFor(Intake),
			CurrentTask:   TaskFor(Intake),
			BeneficiaryID: req.BeneficiaryID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}); err != nil {
			return err
		}

		ts, err := m.ledger.NextTimestamp(ctx, tx, req.CaseID)
		if err != nil {
			return err
		}
		payload := map[string]any{"lifecycle": string(Intake)}
		if req.IntentContext != nil {
			payload["intentContext"] = req.IntentContext
		}
		_, err = m.ledger.Append(ctx, tx, ledger.Commit{
			TenantID:       req.TenantID,
			CaseID:         req.CaseID,
			EventType:      ledger.EventCaseCreated,
			TS:             ts,
			ActorKind:      req.Actor.Kind,
			ActorUserID:    req.Actor.UserID,
			AuthorityProof: req.Actor.AuthorityProof,
			Payload:        payload,
		})
		return err
	})
	if err != nil {
		return "", err
	}

	m.log.InfoContext(ctx, "case created",
		slog.String("tenant_id", req.TenantID), slog.String("case_id", req.CaseID))
	return req.CaseID, nil
}

// Transition runs the full transition protocol in its own transaction.
func (m *Machine) Transition(ctx context.Context, req Request) (Lifecycle, error) {
	var result Lifecycle
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		result, txErr = m.TransitionTx(ctx, tx, req)
		return txErr
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// TransitionTx applies a transition inside the caller's transaction, so
// composite operations (decision application, verification finalization)
// stay atomic with their own writes.
//
// A target equal to the current lifecycle is a re-assertion and allowed
// only when the request carries the Reassert flag: the commit is appended
// and the row is CAS-touched, but no state actually changes. Replay is
// unaffected because the event projects onto the same state. Without the
// flag, a same-state target is an illegal transition like any other pair
// outside the table.
func (m *Machine) TransitionTx(ctx context.Context, q storage.Querier, req Request) (Lifecycle, error) {
	if !req.Target.Valid() {
		return "", fmt.Errorf("invalid lifecycle target %q", req.Target)
	}

	c, err := storage.GetCase(ctx, q, req.TenantID, req.CaseID)
	if err != nil {
		return "", err
	}
	current := Lifecycle(c.Lifecycle)

	reassert := req.Reassert && req.Target == current
	if !reassert && !CanTransition(current, req.Target) {
		return "", &IllegalTransitionError{From: current, To: req.Target}
	}

	if req.Target == Executing && !reassert {
		ok, err := storage.HasExecution(ctx, q, req.TenantID, req.CaseID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", &MissingPrerequisiteError{CaseID: req.CaseID, Requirement: "execution record"}
		}
	}

	// Optimistic predicate: the row must still hold the lifecycle we read.
	err = storage.CompareAndSwapLifecycle(ctx, q, req.TenantID, req.CaseID,
		string(current), string(req.Target), StatusFor(req.Target), TaskFor(req.Target), m.clock())
	if err != nil {
		if m.obs != nil && errors.Is(err, storage.ErrCASConflict) {
			m.obs.Conflicts.Add(ctx, 1)
		}
		return "", err
	}

	event, err := EventFor(req.Target)
	if err != nil {
		return "", err
	}

	ts, err := m.ledger.NextTimestamp(ctx, q, req.CaseID)
	if err != nil {
		return "", err
	}

	payload := map[string]any{
		"from": string(current),
		"to":   string(req.Target),
	}
	if reassert {
		payload["reasserted"] = true
	}
	if req.IntentContext != nil {
		payload["intentContext"] = req.IntentContext
	}

	if _, err := m.ledger.Append(ctx, q, ledger.Commit{
		TenantID:           req.TenantID,
		CaseID:             req.CaseID,
		EventType:          event,
		TS:                 ts,
		ActorKind:          req.Actor.Kind,
		ActorUserID:        req.Actor.UserID,
		AuthorityProof:     req.Actor.AuthorityProof,
		Payload:            payload,
		SupersedesCommitID: req.SupersedesCommitID,
	}); err != nil {
		return "", err
	}

	if m.obs != nil {
		m.obs.Transitions.Add(ctx, 1)
	}
	m.log.InfoContext(ctx, "lifecycle transition",
		slog.String("tenant_id", req.TenantID),
		slog.String("case_id", req.CaseID),
		slog.String("from", string(current)),
		slog.String("to", string(req.Target)))
	return req.Target, nil
}

// StartExecution records that work on the case has begun: it creates the
// execution row required by the EXECUTING prerequisite and performs the
// transition in the same transaction.
func (m *Machine) StartExecution(ctx context.Context, tenantID, caseID, executorID string, actor ledger.Actor) error {
	return m.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := storage.CreateExecution(ctx, tx, storage.Execution{
			ID:         uuid.New().String(),
			TenantID:   tenantID,
			CaseID:     caseID,
			ExecutorID: executorID,
			StartedAt:  m.clock(),
		}); err != nil {
			return err
		}
		_, err := m.TransitionTx(ctx, tx, Request{
			TenantID: tenantID,
			CaseID:   caseID,
			Target:   Executing,
			Actor:    actor,
			IntentContext: map[string]any{
				"executorId": executorID,
			},
		})
		return err
	})
}
