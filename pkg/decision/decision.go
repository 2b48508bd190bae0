// Package decision implements the authority registry: supersedable,
// authoritative assertions of intent that project onto the case lifecycle.
//
// Invariant: for a given (tenant, case, decision type) at most one
// decision is active (supersededAt null). Applying a new decision of the
// same type supersedes all active ones atomically before the new one
// becomes active, and the projected lifecycle transition commits in the
// same transaction.
package decision

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relieflane/caseledger/pkg/ledger"
	"github.com/relieflane/caseledger/pkg/lifecycle"
	"github.com/relieflane/caseledger/pkg/storage"
)

// Type is the closed set of decision types.
type Type string

const (
	TypeRouting        Type = "ROUTING"
	TypeAcceptance     Type = "ACCEPTANCE"
	TypeExecution      Type = "EXECUTION"
	TypeHumanApproval  Type = "HUMAN_APPROVAL"
	TypeHumanRejection Type = "HUMAN_REJECTION"
)

// TargetFor maps a decision type onto the lifecycle it projects to. A
// decision type with no projection fails with ErrNotProjectable.
func TargetFor(t Type) (lifecycle.Lifecycle, error) {
	switch t {
	case TypeRouting:
		return lifecycle.Routed, nil
	case TypeAcceptance:
		return lifecycle.Accepted, nil
	case TypeExecution:
		return lifecycle.Executing, nil
	case TypeHumanApproval:
		return lifecycle.Verified, nil
	case TypeHumanRejection:
		return lifecycle.Flagged, nil
	}
	return "", fmt.Errorf("%w: %q", ErrNotProjectable, t)
}

// ErrNotProjectable is returned for decision types absent from the
// projection table.
var ErrNotProjectable = errors.New("decision not projectable onto lifecycle")

// SupersessionMismatchError is returned when the supplied supersession
// target does not match the single currently active decision.
type SupersessionMismatchError struct {
	Supplied string
	Active   string // empty when no decision is active
}

func (e *SupersessionMismatchError) Error() string {
	if e.Active == "" {
		return fmt.Sprintf("supersession mismatch: %s supplied but no decision is active", e.Supplied)
	}
	return fmt.Sprintf("supersession mismatch: %s supplied but active decision is %s", e.Supplied, e.Active)
}

// Decision is one authoritative assertion of intent.
type Decision struct {
	ID                   string
	TenantID             string
	CaseID               string
	Type                 Type
	ActorKind            ledger.ActorKind
	ActorUserID          string
	Reason               string
	IntentContext        map[string]any
	DecidedAt            time.Time
	SupersedesDecisionID string
	SupersededAt         time.Time // zero while active
}

// Active reports whether the decision has not been superseded.
func (d Decision) Active() bool {
	return d.SupersededAt.IsZero()
}

// ApplyInput is the command shape for Registry.Apply.
type ApplyInput struct {
	TenantID             string
	CaseID               string
	Type                 Type
	Actor                ledger.Actor
	Reason               string
	IntentContext        map[string]any
	SupersedesDecisionID string
}

// Registry owns activation and supersession of decisions.
type Registry struct {
	db      *storage.DB
	machine *lifecycle.Machine
	clock   func() time.Time
	log     *slog.Logger
}

// NewRegistry builds a decision registry over the shared store.
func NewRegistry(db *storage.DB, machine *lifecycle.Machine) *Registry {
	return &Registry{db: db, machine: machine, clock: time.Now, log: slog.Default()}
}

// WithClock overrides the clock. Intended for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Apply runs the full decision protocol in one transaction: resolve the
// lifecycle projection, supersede any active decision of the same type,
// insert the new decision, and invoke the lifecycle transition. Failure
// at any step rolls the whole decision back.
func (r *Registry) Apply(ctx context.Context, in ApplyInput) (string, error) {
	target, err := TargetFor(in.Type)
	if err != nil {
		return "", err
	}

	decisionID := uuid.New().String()
	now := r.clock()

	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		active, err := listActive(ctx, tx, in.TenantID, in.CaseID, in.Type)
		if err != nil {
			return err
		}

		if in.SupersedesDecisionID != "" {
			if len(active) != 1 || active[0].ID != in.SupersedesDecisionID {
				activeID := ""
				if len(active) == 1 {
					activeID = active[0].ID
				}
				return &SupersessionMismatchError{Supplied: in.SupersedesDecisionID, Active: activeID}
			}
		}

		if err := supersedeActive(ctx, tx, in.TenantID, in.CaseID, in.Type, now); err != nil {
			return err
		}

		if err := insert(ctx, tx, Decision{
			ID:                   decisionID,
			TenantID:             in.TenantID,
			CaseID:               in.CaseID,
			Type:                 in.Type,
			ActorKind:            in.Actor.Kind,
			ActorUserID:          in.Actor.UserID,
			Reason:               in.Reason,
			IntentContext:        in.IntentContext,
			DecidedAt:            now,
			SupersedesDecisionID: in.SupersedesDecisionID,
		}); err != nil {
			return err
		}

		intent := map[string]any{"decisionId": decisionID}
		if in.Reason != "" {
			intent["reason"] = in.Reason
		}
		for k, v := range in.IntentContext {
			intent[k] = v
		}

		// A superseding decision of the same type re-projects the state the
		// case is already in; the machine only honors that for this caller.
		_, err = r.machine.TransitionTx(ctx, tx, lifecycle.Request{
			TenantID:      in.TenantID,
			CaseID:        in.CaseID,
			Target:        target,
			Actor:         in.Actor,
			IntentContext: intent,
			Reassert:      in.SupersedesDecisionID != "",
		})
		return err
	})
	if err != nil {
		return "", err
	}

	r.log.InfoContext(ctx, "decision applied",
		slog.String("tenant_id", in.TenantID),
		slog.String("case_id", in.CaseID),
		slog.String("decision_type", string(in.Type)),
		slog.String("decision_id", decisionID))
	return decisionID, nil
}

// ListActive returns the active decisions of a type for a case. Under the
// registry invariant the result has at most one element.
func (r *Registry) ListActive(ctx context.Context, tenantID, caseID string, t Type) ([]Decision, error) {
	return listActive(ctx, r.db, tenantID, caseID, t)
}

func listActive(ctx context.Context, q storage.Querier, tenantID, caseID string, t Type) ([]Decision, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, tenant_id, case_id, decision_type, actor_kind, actor_user_id,
		       reason, intent_context, decided_at, supersedes_decision_id
		FROM decisions
		WHERE tenant_id = $1 AND case_id = $2 AND decision_type = $3 AND superseded_at IS NULL
		ORDER BY decided_at ASC`,
		tenantID, caseID, string(t),
	)
	if err != nil {
		return nil, fmt.Errorf("decision: list active: %w", err)
	}
	defer func() { _ = rows.Close() }()

	decisions := make([]Decision, 0)
	for rows.Next() {
		var (
			d                     Decision
			actorUserID, superID  sql.NullString
			decisionType, decided string
			intentJSON            string
		)
		err := rows.Scan(&d.ID, &d.TenantID, &d.CaseID, &decisionType, &d.ActorKind,
			&actorUserID, &d.Reason, &intentJSON, &decided, &superID)
		if err != nil {
			return nil, fmt.Errorf("decision: scan: %w", err)
		}
		d.Type = Type(decisionType)
		d.ActorUserID = actorUserID.String
		d.SupersedesDecisionID = superID.String
		d.DecidedAt, _ = time.Parse(time.RFC3339Nano, decided)
		if intentJSON != "" {
			_ = json.Unmarshal([]byte(intentJSON), &d.IntentContext)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

func supersedeActive(ctx context.Context, q storage.Querier, tenantID, caseID string, t Type, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE decisions SET superseded_at = $1
		WHERE tenant_id = $2 AND case_id = $3 AND decision_type = $4 AND superseded_at IS NULL`,
		at.UTC().Format(time.RFC3339Nano), tenantID, caseID, string(t),
	)
	if err != nil {
		return fmt.Errorf("decision: supersede active: %w", err)
	}
	return nil
}

func insert(ctx context.Context, q storage.Querier, d Decision) error {
	intentJSON, err := json.Marshal(d.IntentContext)
	if err != nil {
		return fmt.Errorf("decision: marshal intent: %w", err)
	}
	var superID any
	if d.SupersedesDecisionID != "" {
		superID = d.SupersedesDecisionID
	}
	var actorUserID any
	if d.ActorUserID != "" {
		actorUserID = d.ActorUserID
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO decisions
			(id, tenant_id, case_id, decision_type, actor_kind, actor_user_id,
			 reason, intent_context, decided_at, supersedes_decision_id, superseded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL)`,
		d.ID, d.TenantID, d.CaseID, string(d.Type), string(d.ActorKind), actorUserID,
		d.Reason, string(intentJSON), d.DecidedAt.UTC().Format(time.RFC3339Nano), superID,
	)
	if err != nil {
		return fmt.Errorf("decision: insert: %w", err)
	}
	return nil
}
