package domain

import "time"

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

const (
	StatusDraft    ProposalStatus = "draft"
	StatusActive   ProposalStatus = "active"
	StatusApproved ProposalStatus = "approved"
	StatusExecuted ProposalStatus = "executed"
	StatusExpired  ProposalStatus = "expired"
	StatusRejected ProposalStatus = "rejected"
)

// statusTransitions is the single source of truth for legal lifecycle moves.
// Terminal states map to an empty set.
var statusTransitions = map[ProposalStatus][]ProposalStatus{
	StatusDraft:    {StatusActive, StatusRejected},
	StatusActive:   {StatusApproved, StatusExpired, StatusRejected},
	StatusApproved: {StatusExecuted},
	StatusExecuted: {},
	StatusExpired:  {},
	StatusRejected: {},
}

// Valid reports whether s is a known status.
func (s ProposalStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// ValidTransitions returns the statuses reachable from s.
func (s ProposalStatus) ValidTransitions() []ProposalStatus {
	return append([]ProposalStatus(nil), statusTransitions[s]...)
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s ProposalStatus) CanTransitionTo(next ProposalStatus) bool {
	for _, candidate := range statusTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s ProposalStatus) Terminal() bool {
	return s.Valid() && len(statusTransitions[s]) == 0
}

// Proposal is a proposed action gated by owner quorum before execution.
type Proposal struct {
	ID              string
	MultisigID      string
	Title           string
	Description     string
	Status          ProposalStatus
	CreatedBy       string
	CreatedAt       time.Time
	ExecutedAt      *time.Time
	TransactionData string
}

// CanBeApproved reports whether the proposal accepts new approvals.
func (p *Proposal) CanBeApproved() bool {
	return p.Status == StatusActive
}

// IsTerminal reports whether the proposal reached a final state.
func (p *Proposal) IsTerminal() bool {
	return p.Status.Terminal()
}
