// Package verification implements multi-party verification of completed
// executions: quorum evaluation, dispute detection and timeout handling.
package verification

import "time"

// VoteStatus is a single verifier's judgment.
type VoteStatus string

const (
	VoteApprove VoteStatus = "APPROVE"
	VoteReject  VoteStatus = "REJECT"
)

// Consensus is the aggregate state of a verification record.
type Consensus string

const (
	ConsensusPending  Consensus = "PENDING"
	ConsensusInReview Consensus = "IN_REVIEW"
	ConsensusAccepted Consensus = "ACCEPTED"
	ConsensusRejected Consensus = "REJECTED"
	ConsensusDisputed Consensus = "DISPUTED"

	// ConsensusTimedOut marks a record closed by the timeout policy. It is
	// a record state, never an Evaluate outcome.
	ConsensusTimedOut Consensus = "TIMED_OUT"
)

// Terminal reports whether the consensus closes the record.
func (c Consensus) Terminal() bool {
	return c == ConsensusAccepted || c == ConsensusRejected || c == ConsensusTimedOut
}

// Vote is one verifier's cast judgment.
type Vote struct {
	VerifierID string     `json:"verifierId"`
	RoleKey    string     `json:"roleKey,omitempty"`
	Status     VoteStatus `json:"status"`
	CastAt     time.Time  `json:"castAt"`
}

// Evaluate is the pure quorum function.
//
//	ACCEPTED  iff approvals reach quorum.
//	REJECTED  iff rejections reach quorum (and approvals did not).
//	DISPUTED  iff both sides have votes and neither reached quorum.
//	IN_REVIEW iff votes exist with no quorum and no dispute.
//	PENDING   iff no votes.
func Evaluate(requiredVerifiers int, votes []Vote) Consensus {
	approvals, rejections := 0, 0
	for _, v := range votes {
		switch v.Status {
		case VoteApprove:
			approvals++
		case VoteReject:
			rejections++
		}
	}

	switch {
	case approvals >= requiredVerifiers:
		return ConsensusAccepted
	case rejections >= requiredVerifiers:
		return ConsensusRejected
	case approvals > 0 && rejections > 0:
		return ConsensusDisputed
	case approvals+rejections > 0:
		return ConsensusInReview
	default:
		return ConsensusPending
	}
}
