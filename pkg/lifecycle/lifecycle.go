// Package lifecycle owns the authoritative case state and its closed
// transition table.
//
// The state set, the legal transitions, and the lifecycle↔event mapping
// are all exhaustive switches over closed enumerations: adding a state or
// event without updating every mapping is a visible compile/test failure,
// never a silent runtime fallback.
package lifecycle

import (
	"fmt"

	"github.com/relieflane/caseledger/pkg/ledger"
)

// Lifecycle is the single authoritative state of a case.
type Lifecycle string

const (
	Intake      Lifecycle = "INTAKE"
	Routed      Lifecycle = "ROUTED"
	Accepted    Lifecycle = "ACCEPTED"
	Executing   Lifecycle = "EXECUTING"
	Verified    Lifecycle = "VERIFIED"
	Flagged     Lifecycle = "FLAGGED"
	HumanReview Lifecycle = "HUMAN_REVIEW"
)

// Valid reports whether l is a member of the closed state set.
func (l Lifecycle) Valid() bool {
	switch l {
	case Intake, Routed, Accepted, Executing, Verified, Flagged, HumanReview:
		return true
	}
	return false
}

// Allowed returns the legal successor states of l. The table is closed:
// anything not listed is an illegal transition.
func Allowed(l Lifecycle) []Lifecycle {
	switch l {
	case Intake:
		return []Lifecycle{Routed}
	case Routed:
		return []Lifecycle{Accepted}
	case Accepted:
		return []Lifecycle{Executing}
	case Executing:
		return []Lifecycle{Verified, Flagged}
	case Flagged:
		return []Lifecycle{HumanReview}
	case HumanReview:
		return []Lifecycle{Verified, Flagged}
	case Verified:
		// Post-verification appeal path.
		return []Lifecycle{HumanReview}
	}
	return nil
}

// CanTransition reports whether from → to is in the closed table.
func CanTransition(from, to Lifecycle) bool {
	for _, next := range Allowed(from) {
		if next == to {
			return true
		}
	}
	return false
}

// EventFor maps a lifecycle value to the single ledger event type
// describing a transition into it. No generic "updated" fallback exists.
func EventFor(l Lifecycle) (ledger.EventType, error) {
	switch l {
	case Intake:
		return ledger.EventCaseCreated, nil
	case Routed:
		return ledger.EventRouted, nil
	case Accepted:
		return ledger.EventAccepted, nil
	case Executing:
		return ledger.EventExecutionStarted, nil
	case Verified:
		return ledger.EventVerified, nil
	case Flagged:
		return ledger.EventFlagged, nil
	case HumanReview:
		return ledger.EventHumanReviewRequested, nil
	}
	return "", fmt.Errorf("no ledger event for lifecycle %q", l)
}

// lifecycleFor is the inverse mapping used by replay. The second return
// is false for event types that do not describe a lifecycle transition
// (facts like EXECUTION_COMPLETED, and the repair event itself, which is
// skipped so that repairs never affect replay).
func lifecycleFor(e ledger.EventType) (Lifecycle, bool) {
	switch e {
	case ledger.EventCaseCreated:
		return Intake, true
	case ledger.EventRouted:
		return Routed, true
	case ledger.EventAccepted:
		return Accepted, true
	case ledger.EventExecutionStarted:
		return Executing, true
	case ledger.EventVerified:
		return Verified, true
	case ledger.EventFlagged:
		return Flagged, true
	case ledger.EventHumanReviewRequested:
		return HumanReview, true
	case ledger.EventExecutionCompleted,
		ledger.EventVerificationTimedOut,
		ledger.EventAppealOpened,
		ledger.EventLifecycleRepaired:
		return "", false
	}
	return "", false
}

// Derive is the pure projection function: it folds ledger events in
// ascending ts order into the current lifecycle. The creation event seeds
// INTAKE; non-lifecycle events are skipped. Given the same ordered events
// it always returns the same state, which is the basis for reconciliation.
func Derive(events []ledger.Commit) Lifecycle {
	current := Intake
	for _, e := range events {
		if l, ok := lifecycleFor(e.EventType); ok {
			current = l
		}
	}
	return current
}

// StatusFor derives the advisory status label from the authoritative
// lifecycle. It is never hand-written.
func StatusFor(l Lifecycle) string {
	switch l {
	case Intake:
		return "received"
	case Routed:
		return "assigned"
	case Accepted:
		return "committed"
	case Executing:
		return "in_progress"
	case Verified:
		return "closed_verified"
	case Flagged:
		return "needs_attention"
	case HumanReview:
		return "under_review"
	}
	return ""
}

// TaskFor derives the advisory current-task label for a lifecycle value.
func TaskFor(l Lifecycle) string {
	switch l {
	case Intake:
		return "awaiting routing"
	case Routed:
		return "awaiting acceptance"
	case Accepted:
		return "awaiting execution"
	case Executing:
		return "awaiting verification"
	case Verified:
		return ""
	case Flagged:
		return "awaiting escalation"
	case HumanReview:
		return "awaiting human decision"
	}
	return ""
}
