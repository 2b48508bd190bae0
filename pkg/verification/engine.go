package verification

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
	"github.com/relieflane/caseledger/pkg/observability"
	"github.com/relieflane/caseledger/pkg/storage"
)

// DefaultTimeout is how long a verification record may stay open before
// the timeout policy closes it without a lifecycle change.
const DefaultTimeout = 7 * 24 * time.Hour

var (
	// ErrSelfVerification is returned when the case beneficiary attempts
	// to verify their own case.
	ErrSelfVerification = errors.New("self-verification forbidden")

	// ErrConflictingVote is returned when a verifier re-votes with a
	// different status. An identical re-vote is a no-op, not an error.
	ErrConflictingVote = errors.New("verifier already voted with a different status")

	// ErrRecordNotFound is returned for unknown verification record ids.
	ErrRecordNotFound = errors.New("verification record not found")
)

// Record is a verification request over a completed execution.
type Record struct {
	ID                string
	TenantID          string
	CaseID            string
	RequiredVerifiers int
	RequiredRoleKeys  []string
	Consensus         Consensus
	CreatedAt         time.Time
	FinalizedAt       time.Time // zero while open
}

// Engine coordinates vote recording with the lifecycle machine.
type Engine struct {
	db             *storage.DB
	ledger         *ledger.Store
	machine        *lifecycle.Machine
	clock          func() time.Time
	timeout        time.Duration
	tenantTimeouts map[string]time.Duration
	log            *slog.Logger
	obs            *observability.Provider
}

// NewEngine builds a verification engine with the default timeout policy.
func NewEngine(db *storage.DB, ls *ledger.Store, machine *lifecycle.Machine) *Engine {
	return &Engine{
		db:      db,
		ledger:  ls,
		machine: machine,
		clock:   time.Now,
		timeout: DefaultTimeout,
		log:     slog.Default(),
	}
}

// WithClock overrides the clock. Intended for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithTimeout overrides the timeout policy duration.
func (e *Engine) WithTimeout(d time.Duration) *Engine {
	e.timeout = d
	return e
}

// WithTenantTimeouts overrides the timeout policy for specific tenants.
// Tenants without an entry keep the engine-wide timeout.
func (e *Engine) WithTenantTimeouts(timeouts map[string]time.Duration) *Engine {
	e.tenantTimeouts = timeouts
	return e
}

// WithObservability records vote counts on the provider's meters.
func (e *Engine) WithObservability(p *observability.Provider) *Engine {
	e.obs = p
	return e
}

func (e *Engine) timeoutFor(tenantID string) time.Duration {
	if d, ok := e.tenantTimeouts[tenantID]; ok && d > 0 {
		return d
	}
	return e.timeout
}

// RequestVerification marks the case's execution complete and opens a
// verification record, in one transaction. The case must be EXECUTING.
// The EXECUTION_COMPLETED commit is a ledger fact, not a lifecycle
// transition; the lifecycle moves only when quorum is reached.
func (e *Engine) RequestVerification(ctx context.Context, tenantID, caseID string, requiredVerifiers int, requiredRoleKeys []string, actor ledger.Actor) (string, error) {
	if requiredVerifiers < 1 {
		return "", fmt.Errorf("required verifiers must be >= 1, got %d", requiredVerifiers)
	}

	recordID := uuid.New().String()
	now := e.clock()

	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		c, err := storage.GetCase(ctx, tx, tenantID, caseID)
		if err != nil {
			return err
		}
		if lifecycle.Lifecycle(c.Lifecycle) != lifecycle.Executing {
			return &lifecycle.MissingPrerequisiteError{CaseID: caseID, Requirement: "case must be EXECUTING to complete execution"}
		}

		if err := storage.CompleteExecution(ctx, tx, tenantID, caseID, now); err != nil {
			return err
		}

		ts, err := e.ledger.NextTimestamp(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if _, err := e.ledger.Append(ctx, tx, ledger.Commit{
			TenantID:       tenantID,
			CaseID:         caseID,
			EventType:      ledger.EventExecutionCompleted,
			TS:             ts,
			ActorKind:      actor.Kind,
			ActorUserID:    actor.UserID,
			AuthorityProof: actor.AuthorityProof,
			Payload: map[string]any{
				"verificationRecordId": recordID,
				"requiredVerifiers":    fmt.Sprintf("%d", requiredVerifiers),
			},
		}); err != nil {
			return err
		}

		return insertRecord(ctx, tx, Record{
			ID:                recordID,
			TenantID:          tenantID,
			CaseID:            caseID,
			RequiredVerifiers: requiredVerifiers,
			RequiredRoleKeys:  requiredRoleKeys,
			Consensus:         ConsensusPending,
			CreatedAt:         now,
		})
	})
	if err != nil {
		return "", err
	}

	e.log.InfoContext(ctx, "verification requested",
		slog.String("tenant_id", tenantID), slog.String("case_id", caseID),
		slog.String("record_id", recordID))
	return recordID, nil
}

// RecordVote casts a verifier's vote and finalizes the record when quorum
// or timeout is reached, all in one transaction.
//
// Self-verification by the case beneficiary is forbidden. A second
// identical vote from the same verifier is a no-op. When the record has
// been open longer than the timeout, a VERIFICATION_TIMED_OUT fact is
// committed instead of any lifecycle change, regardless of the tally.
func (e *Engine) RecordVote(ctx context.Context, recordID, verifierID, roleKey string, status VoteStatus) (Consensus, error) {
	if status != VoteApprove && status != VoteReject {
		return "", fmt.Errorf("invalid vote status %q", status)
	}

	var (
		result       Consensus
		voteInserted bool
	)
	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecord(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if rec.Consensus.Terminal() {
			result = rec.Consensus
			return nil
		}

		c, err := storage.GetCase(ctx, tx, rec.TenantID, rec.CaseID)
		if err != nil {
			return err
		}
		if c.BeneficiaryID != "" && c.BeneficiaryID == verifierID {
			return fmt.Errorf("%w: verifier %s is the case beneficiary", ErrSelfVerification, verifierID)
		}

		now := e.clock()

		// Timeout policy, checked at finalization time. The tenant's
		// profile timeout takes precedence over the engine-wide one.
		if now.Sub(rec.CreatedAt) >= e.timeoutFor(rec.TenantID) {
			return e.timeOutTx(ctx, tx, rec, &result)
		}

		votes, err := listVotes(ctx, tx, recordID)
		if err != nil {
			return err
		}
		for _, v := range votes {
			if v.VerifierID == verifierID {
				if v.Status == status {
					result = Evaluate(rec.RequiredVerifiers, votes)
					return nil
				}
				return ErrConflictingVote
			}
		}

		vote := Vote{VerifierID: verifierID, RoleKey: roleKey, Status: status, CastAt: now}
		if err := insertVote(ctx, tx, recordID, vote); err != nil {
			return err
		}
		voteInserted = true
		votes = append(votes, vote)

		result = Evaluate(rec.RequiredVerifiers, votes)

		switch result {
		case ConsensusAccepted, ConsensusRejected:
			target := lifecycle.Verified
			if result == ConsensusRejected {
				target = lifecycle.Flagged
			}
			if _, err := e.machine.TransitionTx(ctx, tx, lifecycle.Request{
				TenantID: rec.TenantID,
				CaseID:   rec.CaseID,
				Target:   target,
				Actor:    ledger.Actor{Kind: ledger.ActorSystem, AuthorityProof: "verification-quorum"},
				IntentContext: map[string]any{
					"verificationRecordId": rec.ID,
					"consensus":            string(result),
				},
			}); err != nil {
				return err
			}
			return finalizeRecord(ctx, tx, rec.ID, result, now)
		default:
			return updateConsensus(ctx, tx, rec.ID, result)
		}
	})
	if err != nil {
		return "", err
	}

	if e.obs != nil && voteInserted {
		e.obs.Votes.Add(ctx, 1)
	}
	e.log.InfoContext(ctx, "verification vote recorded",
		slog.String("record_id", recordID),
		slog.String("verifier_id", verifierID),
		slog.String("consensus", string(result)))
	return result, nil
}

// timeOutTx closes an expired record: a TIMED_OUT fact is committed and
// the record finalized, but the lifecycle is left untouched. External
// escalation decides what happens to the case.
func (e *Engine) timeOutTx(ctx context.Context, tx *sql.Tx, rec Record, result *Consensus) error {
	now := e.clock()
	ts, err := e.ledger.NextTimestamp(ctx, tx, rec.CaseID)
	if err != nil {
		return err
	}
	if _, err := e.ledger.Append(ctx, tx, ledger.Commit{
		TenantID:       rec.TenantID,
		CaseID:         rec.CaseID,
		EventType:      ledger.EventVerificationTimedOut,
		TS:             ts,
		ActorKind:      ledger.ActorSystem,
		AuthorityProof: "verification-timeout-policy",
		Payload: map[string]any{
			"verificationRecordId": rec.ID,
			"openSince":            rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}); err != nil {
		return err
	}
	if err := finalizeRecord(ctx, tx, rec.ID, ConsensusTimedOut, now); err != nil {
		return err
	}
	*result = ConsensusTimedOut
	return nil
}

// GetRecord loads a verification record.
func (e *Engine) GetRecord(ctx context.Context, recordID string) (Record, error) {
	return getRecord(ctx, e.db, recordID)
}

// Votes lists the votes cast on a record, in cast order.
func (e *Engine) Votes(ctx context.Context, recordID string) ([]Vote, error) {
	return listVotes(ctx, e.db, recordID)
}

func insertRecord(ctx context.Context, q storage.Querier, r Record) error {
	roleKeys, err := json.Marshal(r.RequiredRoleKeys)
	if err != nil {
		return fmt.Errorf("verification: marshal role keys: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO verification_records
			(id, tenant_id, case_id, required_verifiers, required_role_keys, consensus, created_at, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)`,
		r.ID, r.TenantID, r.CaseID, r.RequiredVerifiers, string(roleKeys),
		string(r.Consensus), r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("verification: insert record: %w", err)
	}
	return nil
}

func getRecord(ctx context.Context, q storage.Querier, recordID string) (Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, tenant_id, case_id, required_verifiers, required_role_keys, consensus, created_at, finalized_at
		FROM verification_records WHERE id = $1`,
		recordID,
	)

	var (
		r                 Record
		roleKeys, created string
		consensus         string
		finalized         sql.NullString
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.CaseID, &r.RequiredVerifiers, &roleKeys, &consensus, &created, &finalized)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("verification: get record: %w", err)
	}
	r.Consensus = Consensus(consensus)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if finalized.Valid {
		r.FinalizedAt, _ = time.Parse(time.RFC3339Nano, finalized.String)
	}
	_ = json.Unmarshal([]byte(roleKeys), &r.RequiredRoleKeys)
	return r, nil
}

func listVotes(ctx context.Context, q storage.Querier, recordID string) ([]Vote, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT verifier_id, role_key, status, cast_at
		FROM verification_votes WHERE record_id = $1 ORDER BY cast_at ASC, verifier_id ASC`,
		recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("verification: list votes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	votes := make([]Vote, 0)
	for rows.Next() {
		var (
			v      Vote
			status string
			castAt string
		)
		if err := rows.Scan(&v.VerifierID, &v.RoleKey, &status, &castAt); err != nil {
			return nil, fmt.Errorf("verification: scan vote: %w", err)
		}
		v.Status = VoteStatus(status)
		v.CastAt, _ = time.Parse(time.RFC3339Nano, castAt)
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func insertVote(ctx context.Context, q storage.Querier, recordID string, v Vote) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO verification_votes (record_id, verifier_id, role_key, status, cast_at)
		VALUES ($1, $2, $3, $4, $5)`,
		recordID, v.VerifierID, v.RoleKey, string(v.Status), v.CastAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("verification: insert vote: %w", err)
	}
	return nil
}

func updateConsensus(ctx context.Context, q storage.Querier, recordID string, c Consensus) error {
	_, err := q.ExecContext(ctx,
		`UPDATE verification_records SET consensus = $1 WHERE id = $2`, string(c), recordID)
	if err != nil {
		return fmt.Errorf("verification: update consensus: %w", err)
	}
	return nil
}

func finalizeRecord(ctx context.Context, q storage.Querier, recordID string, c Consensus, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE verification_records SET consensus = $1, finalized_at = $2 WHERE id = $3`,
		string(c), at.UTC().Format(time.RFC3339Nano), recordID)
	if err != nil {
		return fmt.Errorf("verification: finalize record: %w", err)
	}
	return nil
}
