package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relieflane/caseledger/pkg/canonical"
	"github.com/relieflane/caseledger/pkg/keyring"
	"github.com/relieflane/caseledger/pkg/storage"
)

// Store appends and reads signed commits. It holds no connection of its
// own: every method takes a storage.Querier so appends participate in the
// caller's transaction.
type Store struct {
	keys  *keyring.Keyring
	clock func() time.Time
}

// NewStore builds a ledger store signing with the given keyring.
func NewStore(keys *keyring.Keyring) *Store {
	return &Store{keys: keys, clock: time.Now}
}

// WithClock overrides the clock. Intended for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// NextTimestamp returns a ts strictly greater than the case's last
// committed ts and no earlier than wall-clock milliseconds. Must be
// called inside the same transaction as the subsequent Append.
func (s *Store) NextTimestamp(ctx context.Context, q storage.Querier, caseID string) (int64, error) {
	last, err := s.LastTimestamp(ctx, q, caseID)
	if err != nil {
		return 0, err
	}
	now := s.clock().UnixMilli()
	if now <= last {
		return last + 1, nil
	}
	return now, nil
}

// LastTimestamp returns the ts of the case's most recent commit, or zero
// if the case has none.
func (s *Store) LastTimestamp(ctx context.Context, q storage.Querier, caseID string) (int64, error) {
	row := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ts), 0) FROM ledger_commits WHERE case_id = $1`, caseID)
	var last int64
	if err := row.Scan(&last); err != nil {
		return 0, fmt.Errorf("ledger: last timestamp: %w", err)
	}
	return last, nil
}

// Append computes the commitment hash and signature for c and persists it.
// The caller supplies TS; it must be strictly greater than the case's last
// committed ts. Append never mutates existing rows.
func (s *Store) Append(ctx context.Context, q storage.Querier, c Commit) (string, error) {
	if !c.EventType.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, c.EventType)
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Payload == nil {
		c.Payload = map[string]any{}
	}

	if c.CaseID != "" {
		last, err := s.LastTimestamp(ctx, q, c.CaseID)
		if err != nil {
			return "", err
		}
		if c.TS <= last {
			return "", &NonMonotonicTimestampError{CaseID: c.CaseID, TS: c.TS, LastTS: last}
		}
	}

	hash, err := canonical.Hash(bodyOf(c))
	if err != nil {
		return "", fmt.Errorf("ledger: commitment hash: %w", err)
	}
	c.CommitmentHash = hash
	c.Signature = s.keys.Sign([]byte(hash))

	payloadJSON, err := json.Marshal(c.Payload)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal payload: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO ledger_commits
			(id, tenant_id, case_id, event_type, ts, actor_kind, actor_user_id,
			 authority_proof, payload, supersedes_commit_id, commitment_hash, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.TenantID, nullable(c.CaseID), string(c.EventType), c.TS,
		string(c.ActorKind), nullable(c.ActorUserID), c.AuthorityProof,
		string(payloadJSON), nullable(c.SupersedesCommitID), c.CommitmentHash, c.Signature,
	)
	if err != nil {
		return "", fmt.Errorf("ledger: insert commit: %w", err)
	}
	return c.ID, nil
}

// ListByCase returns all commits for a case in ascending ts order.
func (s *Store) ListByCase(ctx context.Context, q storage.Querier, caseID string) ([]Commit, error) {
	rows, err := q.QueryContext(ctx, selectCommits+` WHERE case_id = $1 ORDER BY ts ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list by case: %w", err)
	}
	return scanCommits(rows)
}

// GetCommit loads a single commit by id.
func (s *Store) GetCommit(ctx context.Context, q storage.Querier, id string) (Commit, error) {
	rows, err := q.QueryContext(ctx, selectCommits+` WHERE id = $1`, id)
	if err != nil {
		return Commit{}, fmt.Errorf("ledger: get commit: %w", err)
	}
	commits, err := scanCommits(rows)
	if err != nil {
		return Commit{}, err
	}
	if len(commits) == 0 {
		return Commit{}, sql.ErrNoRows
	}
	return commits[0], nil
}

// VerifyIntegrity recomputes every commitment hash and signature in
// ascending order. Any mismatch reports CORRUPTED with the offending
// commit id. Intended for periodic health checks, not the request path.
func (s *Store) VerifyIntegrity(ctx context.Context, q storage.Querier) (IntegrityReport, error) {
	rows, err := q.QueryContext(ctx, selectCommits+` ORDER BY ts ASC, id ASC`)
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("ledger: verify: %w", err)
	}
	commits, err := scanCommits(rows)
	if err != nil {
		return IntegrityReport{}, err
	}

	report := IntegrityReport{
		Status:      IntegrityHealthy,
		RecordCount: len(commits),
		CheckedAt:   s.clock().UTC(),
	}

	for _, c := range commits {
		hash, err := canonical.Hash(bodyOf(c))
		if err != nil {
			return IntegrityReport{}, fmt.Errorf("ledger: rehash commit %s: %w", c.ID, err)
		}
		if hash != c.CommitmentHash {
			report.Status = IntegrityCorrupted
			report.CorruptedCommitID = c.ID
			report.Detail = "commitment hash mismatch"
			return report, nil
		}
		if !s.keys.Verify([]byte(c.CommitmentHash), c.Signature) {
			report.Status = IntegrityCorrupted
			report.CorruptedCommitID = c.ID
			report.Detail = "signature verification failed"
			return report, nil
		}
	}
	return report, nil
}

const selectCommits = `
	SELECT id, tenant_id, case_id, event_type, ts, actor_kind, actor_user_id,
	       authority_proof, payload, supersedes_commit_id, commitment_hash, signature
	FROM ledger_commits`

func scanCommits(rows *sql.Rows) ([]Commit, error) {
	defer func() { _ = rows.Close() }()

	commits := make([]Commit, 0)
	for rows.Next() {
		var (
			c                             Commit
			caseID, actorUserID, superID  sql.NullString
			eventType, actorKind, payload string
		)
		err := rows.Scan(&c.ID, &c.TenantID, &caseID, &eventType, &c.TS, &actorKind,
			&actorUserID, &c.AuthorityProof, &payload, &superID, &c.CommitmentHash, &c.Signature)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan commit: %w", err)
		}
		c.CaseID = caseID.String
		c.EventType = EventType(eventType)
		c.ActorKind = ActorKind(actorKind)
		c.ActorUserID = actorUserID.String
		c.SupersedesCommitID = superID.String
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &c.Payload); err != nil {
				return nil, fmt.Errorf("ledger: decode payload of %s: %w", c.ID, err)
			}
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
