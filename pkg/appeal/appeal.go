// Package appeal implements post-verification overrides. Resolving an
// appeal moves a verified case back into human review and records which
// ledger commit the override supersedes, preserving lineage.
package appeal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relieflane/caseledger/pkg/ledger"
	"github.com/relieflane/caseledger/pkg/lifecycle"
	"github.com/relieflane/caseledger/pkg/storage"
)

// Status of an appeal.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
)

var (
	// ErrNotAppealable is returned when the case is not in a
	// post-verification state.
	ErrNotAppealable = errors.New("case lifecycle does not allow an appeal")

	// ErrAppealNotFound is returned for unknown appeal ids.
	ErrAppealNotFound = errors.New("appeal not found")

	// ErrAppealClosed is returned when resolving an already resolved appeal.
	ErrAppealClosed = errors.New("appeal already resolved")
)

// Appeal is a request to revisit a post-verification outcome.
type Appeal struct {
	ID                 string
	TenantID           string
	CaseID             string
	OpenedByUserID     string
	Reason             string
	Status             Status
	OpenedAt           time.Time
	ResolvedAt         time.Time // zero while open
	SupersededCommitID string    // set on resolution
}

// Service owns the appeal lifecycle.
type Service struct {
	db      *storage.DB
	ledger  *ledger.Store
	machine *lifecycle.Machine
	clock   func() time.Time
	log     *slog.Logger
}

// NewService builds an appeal service over the shared store.
func NewService(db *storage.DB, ls *ledger.Store, machine *lifecycle.Machine) *Service {
	return &Service{db: db, ledger: ls, machine: machine, clock: time.Now, log: slog.Default()}
}

// WithClock overrides the clock. Intended for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Open files an appeal against a post-verification outcome. Allowed only
// when the case is VERIFIED or FLAGGED. The APPEAL_OPENED commit is a
// fact, not a lifecycle transition.
func (s *Service) Open(ctx context.Context, tenantID, caseID, userID, reason string) (string, error) {
	appealID := uuid.New().String()
	now := s.clock()

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		c, err := storage.GetCase(ctx, tx, tenantID, caseID)
		if err != nil {
			return err
		}
		current := lifecycle.Lifecycle(c.Lifecycle)
		if current != lifecycle.Verified && current != lifecycle.Flagged {
			return fmt.Errorf("%w: case %s is %s", ErrNotAppealable, caseID, current)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO appeals (id, tenant_id, case_id, opened_by_user_id, reason, status, opened_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			appealID, tenantID, caseID, userID, reason, string(StatusOpen),
			now.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("appeal: insert: %w", err)
		}

		ts, err := s.ledger.NextTimestamp(ctx, tx, caseID)
		if err != nil {
			return err
		}
		_, err = s.ledger.Append(ctx, tx, ledger.Commit{
			TenantID:       tenantID,
			CaseID:         caseID,
			EventType:      ledger.EventAppealOpened,
			TS:             ts,
			ActorKind:      ledger.ActorHuman,
			ActorUserID:    userID,
			AuthorityProof: "appellant",
			Payload: map[string]any{
				"appealId": appealID,
				"reason":   reason,
			},
		})
		return err
	})
	if err != nil {
		return "", err
	}

	s.log.InfoContext(ctx, "appeal opened",
		slog.String("tenant_id", tenantID), slog.String("case_id", caseID),
		slog.String("appeal_id", appealID))
	return appealID, nil
}

// Resolve closes an open appeal by moving the case into HUMAN_REVIEW.
// supersededCommitID must reference the ledger commit whose outcome the
// appeal overrides; the transition commit links to it, forming an
// explicit override lineage.
func (s *Service) Resolve(ctx context.Context, tenantID, appealID, supersededCommitID string, actor ledger.Actor) error {
	now := s.clock()

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		a, err := get(ctx, tx, tenantID, appealID)
		if err != nil {
			return err
		}
		if a.Status != StatusOpen {
			return fmt.Errorf("%w: %s", ErrAppealClosed, appealID)
		}

		superseded, err := s.ledger.GetCommit(ctx, tx, supersededCommitID)
		if err != nil {
			return fmt.Errorf("appeal: superseded commit %s: %w", supersededCommitID, err)
		}
		if superseded.CaseID != a.CaseID {
			return fmt.Errorf("appeal: commit %s does not belong to case %s", supersededCommitID, a.CaseID)
		}

		if _, err := s.machine.TransitionTx(ctx, tx, lifecycle.Request{
			TenantID:           tenantID,
			CaseID:             a.CaseID,
			Target:             lifecycle.HumanReview,
			Actor:              actor,
			SupersedesCommitID: supersededCommitID,
			IntentContext: map[string]any{
				"appealId": appealID,
			},
		}); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE appeals SET status = $1, resolved_at = $2, superseded_commit_id = $3
			WHERE id = $4 AND tenant_id = $5`,
			string(StatusResolved), now.UTC().Format(time.RFC3339Nano), supersededCommitID,
			appealID, tenantID,
		)
		if err != nil {
			return fmt.Errorf("appeal: resolve: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.InfoContext(ctx, "appeal resolved",
		slog.String("tenant_id", tenantID), slog.String("appeal_id", appealID),
		slog.String("superseded_commit_id", supersededCommitID))
	return nil
}

// Get loads an appeal scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID, appealID string) (Appeal, error) {
	return get(ctx, s.db, tenantID, appealID)
}

func get(ctx context.Context, q storage.Querier, tenantID, appealID string) (Appeal, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, tenant_id, case_id, opened_by_user_id, reason, status, opened_at, resolved_at, superseded_commit_id
		FROM appeals WHERE id = $1 AND tenant_id = $2`,
		appealID, tenantID,
	)

	var (
		a                   Appeal
		status, openedAt    string
		resolvedAt, superID sql.NullString
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.CaseID, &a.OpenedByUserID, &a.Reason, &status, &openedAt, &resolvedAt, &superID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Appeal{}, ErrAppealNotFound
		}
		return Appeal{}, fmt.Errorf("appeal: get: %w", err)
	}
	a.Status = Status(status)
	a.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt)
	if resolvedAt.Valid {
		a.ResolvedAt, _ = time.Parse(time.RFC3339Nano, resolvedAt.String)
	}
	a.SupersededCommitID = superID.String
	return a, nil
}
