package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relieflane/caseledger/pkg/canonical"
	"github.com/relieflane/caseledger/pkg/storage"
)

// Bundle is an exportable, hash-sealed extract of a case's ledger for
// audit handover. The bundle hash covers the canonical serialization of
// the commits so a recipient can detect truncation or reordering.
type Bundle struct {
	BundleID   string    `json:"bundleId"`
	CaseID     string    `json:"caseId"`
	CreatedAt  time.Time `json:"createdAt"`
	EntryCount int       `json:"entryCount"`
	Commits    []Commit  `json:"commits"`
	BundleHash string    `json:"bundleHash"`
}

// ExportBundle extracts the full ledger for a case as a sealed bundle.
func (s *Store) ExportBundle(ctx context.Context, q storage.Querier, caseID string) (*Bundle, error) {
	commits, err := s.ListByCase(ctx, q, caseID)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, fmt.Errorf("ledger: no commits for case %s", caseID)
	}

	hash, err := canonical.Hash(commits)
	if err != nil {
		return nil, fmt.Errorf("ledger: bundle hash: %w", err)
	}

	return &Bundle{
		BundleID:   uuid.New().String(),
		CaseID:     caseID,
		CreatedAt:  s.clock().UTC(),
		EntryCount: len(commits),
		Commits:    commits,
		BundleHash: hash,
	}, nil
}

// VerifyBundle checks a bundle's seal.
func VerifyBundle(b *Bundle) error {
	if len(b.Commits) == 0 {
		return fmt.Errorf("ledger: bundle is empty")
	}
	hash, err := canonical.Hash(b.Commits)
	if err != nil {
		return fmt.Errorf("ledger: bundle hash: %w", err)
	}
	if hash != b.BundleHash {
		return fmt.Errorf("ledger: bundle hash mismatch")
	}
	return nil
}
