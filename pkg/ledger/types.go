// Package ledger implements the append-only, signed commit log.
//
// Every accepted command in the system produces exactly one commit,
// appended in the same transaction as the state mutation it describes.
// Commits are never updated or deleted; their commitment hash is a SHA-256
// digest over the RFC 8785 canonical serialization of the commit body, and
// the signature is an Ed25519 signature over that hash.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// ActorKind distinguishes human-initiated commits from system-initiated ones.
type ActorKind string

const (
	ActorHuman  ActorKind = "HUMAN"
	ActorSystem ActorKind = "SYSTEM"
)

// Actor identifies who performed an action and why they were allowed to.
type Actor struct {
	Kind           ActorKind
	UserID         string // empty for SYSTEM actors
	AuthorityProof string // opaque assertion of the actor's authority
}

// EventType is the closed set of ledger event types. Adding a value here
// without updating every exhaustive switch over the set is a compile-time
// or test-time error, never a silent runtime fallback.
type EventType string

const (
	EventCaseCreated          EventType = "CASE_CREATED"
	EventRouted               EventType = "ROUTED"
	EventAccepted             EventType = "ACCEPTED"
	EventExecutionStarted     EventType = "EXECUTION_STARTED"
	EventExecutionCompleted   EventType = "EXECUTION_COMPLETED"
	EventVerified             EventType = "VERIFIED"
	EventFlagged              EventType = "FLAGGED"
	EventHumanReviewRequested EventType = "HUMAN_REVIEW_REQUESTED"
	EventVerificationTimedOut EventType = "VERIFICATION_TIMED_OUT"
	EventAppealOpened         EventType = "APPEAL_OPENED"
	EventLifecycleRepaired    EventType = "LIFECYCLE_REPAIRED"
)

// Valid reports whether e is a member of the closed event set.
func (e EventType) Valid() bool {
	switch e {
	case EventCaseCreated, EventRouted, EventAccepted, EventExecutionStarted,
		EventExecutionCompleted, EventVerified, EventFlagged,
		EventHumanReviewRequested, EventVerificationTimedOut,
		EventAppealOpened, EventLifecycleRepaired:
		return true
	}
	return false
}

// Commit is one immutable, signed record of a fact.
//
// CaseID is empty for tenant-scoped, non-case events. TS is strictly
// increasing per case. The JSON tags define the persisted/wire shape.
type Commit struct {
	ID                 string         `json:"id"`
	TenantID           string         `json:"tenantId"`
	CaseID             string         `json:"caseId,omitempty"`
	EventType          EventType      `json:"eventType"`
	TS                 int64          `json:"ts"`
	ActorKind          ActorKind      `json:"actorKind"`
	ActorUserID        string         `json:"actorUserId,omitempty"`
	AuthorityProof     string         `json:"authorityProof"`
	Payload            map[string]any `json:"payload"`
	SupersedesCommitID string         `json:"supersedesCommitId,omitempty"`
	CommitmentHash     string         `json:"commitmentHash"`
	Signature          string         `json:"signature"`
}

// commitBody is the hashable portion of a commit: every field except the
// id, commitment hash and signature, in fixed order.
type commitBody struct {
	TenantID           string         `json:"tenantId"`
	CaseID             string         `json:"caseId"`
	EventType          EventType      `json:"eventType"`
	TS                 int64          `json:"ts"`
	ActorKind          ActorKind      `json:"actorKind"`
	ActorUserID        string         `json:"actorUserId"`
	AuthorityProof     string         `json:"authorityProof"`
	Payload            map[string]any `json:"payload"`
	SupersedesCommitID string         `json:"supersedesCommitId"`
}

func bodyOf(c Commit) commitBody {
	return commitBody{
		TenantID:           c.TenantID,
		CaseID:             c.CaseID,
		EventType:          c.EventType,
		TS:                 c.TS,
		ActorKind:          c.ActorKind,
		ActorUserID:        c.ActorUserID,
		AuthorityProof:     c.AuthorityProof,
		Payload:            c.Payload,
		SupersedesCommitID: c.SupersedesCommitID,
	}
}

// ErrUnknownEventType is returned when an append carries an event type
// outside the closed set.
var ErrUnknownEventType = errors.New("unknown ledger event type")

// NonMonotonicTimestampError is returned when an appended commit's ts is
// not strictly greater than the case's last committed ts.
type NonMonotonicTimestampError struct {
	CaseID string
	TS     int64
	LastTS int64
}

func (e *NonMonotonicTimestampError) Error() string {
	return fmt.Sprintf("non-monotonic timestamp for case %s: %d <= last committed %d", e.CaseID, e.TS, e.LastTS)
}

// IntegrityStatus is the outcome of a full ledger verification pass.
type IntegrityStatus string

const (
	IntegrityHealthy   IntegrityStatus = "HEALTHY"
	IntegrityCorrupted IntegrityStatus = "CORRUPTED"
)

// IntegrityReport summarizes a verifyIntegrity run. Used by periodic
// health checks, never on the request hot path.
type IntegrityReport struct {
	Status            IntegrityStatus `json:"status"`
	RecordCount       int             `json:"recordCount"`
	CheckedAt         time.Time       `json:"checkedAt"`
	CorruptedCommitID string          `json:"corruptedCommitId,omitempty"`
	Detail            string          `json:"detail,omitempty"`
}
