package repository

import (
	"context"
	"time"

	"github.com/sol-warrior/solana-multisig-server/internal/domain"
)

// UserRepository persists accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
}

// MultisigRepository persists owner groups and their thresholds.
type MultisigRepository interface {
	CreateMultisig(ctx context.Context, multisig *domain.Multisig) error
	GetMultisigByID(ctx context.Context, id string) (*domain.Multisig, error)
	ListMultisigsByOwner(ctx context.Context, userID string) ([]domain.Multisig, error)
}

// ProposalRepository persists proposals and their approval ledger.
type ProposalRepository interface {
	CreateProposal(ctx context.Context, proposal *domain.Proposal) error
	GetProposalByID(ctx context.Context, id string) (*domain.Proposal, error)
	ListProposalsByMultisig(ctx context.Context, multisigID string) ([]domain.Proposal, error)

	// TransitionProposal moves the proposal to the given status after
	// validating the move against the lifecycle table under a row lock.
	// executedAt must be non-nil exactly when to == StatusExecuted.
	// Returns *TransitionError when the table rejects the move.
	TransitionProposal(ctx context.Context, id string, to domain.ProposalStatus, executedAt *time.Time) (*domain.Proposal, error)

	// ApproveProposal atomically records an approval and promotes the
	// proposal to approved once the ledger reaches threshold. The whole
	// sequence (status check, duplicate check, insert, recount,
	// conditional promotion) is serialized per proposal; concurrent
	// approvals of unrelated proposals are unaffected. Returns
	// ErrConflict for a duplicate approver and *StateError when the
	// proposal is not active.
	ApproveProposal(ctx context.Context, proposalID, approvalID, approverID string, threshold int) (*domain.Approval, *domain.Proposal, error)

	ListApprovals(ctx context.Context, proposalID string) ([]domain.Approval, error)
	CountApprovals(ctx context.Context, proposalID string) (int, error)
}
