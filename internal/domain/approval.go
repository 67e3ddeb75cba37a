package domain

import "time"

// Approval records that one owner approved one proposal exactly once.
type Approval struct {
	ID         string
	ProposalID string
	ApproverID string
	ApprovedAt time.Time
}
