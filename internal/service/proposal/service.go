// Package proposal implements the proposal lifecycle: creation, explicit
// status transitions, and threshold-quorum approval accounting.
package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/sol-warrior/solana-multisig-server/internal/apperr"
	"github.com/sol-warrior/solana-multisig-server/internal/domain"
	"github.com/sol-warrior/solana-multisig-server/internal/repository"
	"github.com/sol-warrior/solana-multisig-server/internal/service/multisig"
)

// Broadcaster fans proposal lifecycle events out to multisig subscribers.
type Broadcaster interface {
	Broadcast(multisigID string, payload []byte)
}

// Event describes a proposal lifecycle change pushed to subscribers.
type Event struct {
	Type       string                `json:"type"`
	ProposalID string                `json:"proposal_id"`
	MultisigID string                `json:"multisig_id"`
	Status     domain.ProposalStatus `json:"status"`
	ActorID    string                `json:"actor_id,omitempty"`
	At         time.Time             `json:"at"`
}

// Service handles proposal workflows.
type Service struct {
	repo      repository.ProposalRepository
	multisigs multisig.Service
	events    Broadcaster
	logger    *slog.Logger
}

// New constructs a Service. events may be nil when no stream is wired.
func New(repo repository.ProposalRepository, multisigs multisig.Service, events Broadcaster, logger *slog.Logger) Service {
	return Service{repo: repo, multisigs: multisigs, events: events, logger: logger}
}

// Create registers a draft proposal for a multisig the creator owns.
func (s Service) Create(ctx context.Context, multisigID, createdBy, title, description, transactionData string) (*domain.Proposal, error) {
	if strings.TrimSpace(title) == "" {
		return nil, apperr.Validation("proposal title cannot be empty")
	}
	if _, err := s.multisigs.CheckOwner(ctx, multisigID, createdBy); err != nil {
		return nil, err
	}

	proposal := &domain.Proposal{
		ID:              uuid.NewString(),
		MultisigID:      multisigID,
		Title:           title,
		Description:     description,
		Status:          domain.StatusDraft,
		CreatedBy:       createdBy,
		CreatedAt:       time.Now().UTC(),
		TransactionData: transactionData,
	}
	if err := s.repo.CreateProposal(ctx, proposal); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("multisig not found")
		}
		return nil, apperr.Internal("create proposal", err)
	}
	s.logger.Info("proposal created", "proposal_id", proposal.ID, "multisig_id", multisigID, "created_by", createdBy)
	s.publish("proposal_created", proposal, createdBy)
	return proposal, nil
}

// Get returns a proposal the caller is allowed to see.
func (s Service) Get(ctx context.Context, proposalID, userID string) (*domain.Proposal, error) {
	proposal, err := s.get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if _, err := s.multisigs.CheckOwner(ctx, proposal.MultisigID, userID); err != nil {
		return nil, err
	}
	return proposal, nil
}

// ListForMultisig returns a multisig's proposals, newest first.
func (s Service) ListForMultisig(ctx context.Context, multisigID, userID string) ([]domain.Proposal, error) {
	if _, err := s.multisigs.CheckOwner(ctx, multisigID, userID); err != nil {
		return nil, err
	}
	proposals, err := s.repo.ListProposalsByMultisig(ctx, multisigID)
	if err != nil {
		return nil, apperr.Internal("list proposals", err)
	}
	return proposals, nil
}

// Activate opens a draft proposal for approvals.
func (s Service) Activate(ctx context.Context, proposalID, userID string) (*domain.Proposal, error) {
	return s.transition(ctx, proposalID, userID, domain.StatusActive, "proposal_activated")
}

// Reject finalizes a draft or active proposal as rejected.
func (s Service) Reject(ctx context.Context, proposalID, userID string) (*domain.Proposal, error) {
	return s.transition(ctx, proposalID, userID, domain.StatusRejected, "proposal_rejected")
}

// Expire finalizes an active proposal as expired.
func (s Service) Expire(ctx context.Context, proposalID, userID string) (*domain.Proposal, error) {
	return s.transition(ctx, proposalID, userID, domain.StatusExpired, "proposal_expired")
}

// Execute flips the commit point on an approved proposal. The payload's
// effects are the caller's concern; only the state transition is recorded.
func (s Service) Execute(ctx context.Context, proposalID, userID string) (*domain.Proposal, error) {
	return s.transition(ctx, proposalID, userID, domain.StatusExecuted, "proposal_executed")
}

// Approve records the caller's approval and promotes the proposal to
// approved once the ledger reaches the multisig threshold. The ledger
// insert, recount and promotion are one atomic unit per proposal.
func (s Service) Approve(ctx context.Context, proposalID, userID string) (*domain.Approval, *domain.Proposal, error) {
	proposal, err := s.get(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}
	ms, err := s.multisigs.CheckOwner(ctx, proposal.MultisigID, userID)
	if err != nil {
		return nil, nil, err
	}
	if !proposal.CanBeApproved() {
		return nil, nil, apperr.Validation("proposal with status %s cannot be approved", proposal.Status)
	}

	approval, updated, err := s.repo.ApproveProposal(ctx, proposalID, uuid.NewString(), userID, ms.Threshold)
	if err != nil {
		var stateErr *repository.StateError
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, nil, apperr.Conflict("user has already approved this proposal")
		case errors.As(err, &stateErr):
			return nil, nil, apperr.Validation("proposal with status %s cannot be approved", stateErr.Status)
		case errors.Is(err, repository.ErrNotFound):
			return nil, nil, apperr.NotFound("proposal not found")
		default:
			return nil, nil, apperr.Internal("approve proposal", err)
		}
	}

	s.logger.Info("approval recorded", "proposal_id", proposalID, "approver_id", userID, "status", updated.Status)
	s.publish("approval_recorded", updated, userID)
	if updated.Status == domain.StatusApproved {
		s.publish("proposal_approved", updated, userID)
	}
	return approval, updated, nil
}

// ListApprovals returns a proposal's approvals, oldest first.
func (s Service) ListApprovals(ctx context.Context, proposalID, userID string) ([]domain.Approval, error) {
	proposal, err := s.get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if _, err := s.multisigs.CheckOwner(ctx, proposal.MultisigID, userID); err != nil {
		return nil, err
	}
	approvals, err := s.repo.ListApprovals(ctx, proposalID)
	if err != nil {
		return nil, apperr.Internal("list approvals", err)
	}
	return approvals, nil
}

// CountApprovals derives the live approval count from the ledger.
func (s Service) CountApprovals(ctx context.Context, proposalID string) (int, error) {
	count, err := s.repo.CountApprovals(ctx, proposalID)
	if err != nil {
		return 0, apperr.Internal("count approvals", err)
	}
	return count, nil
}

// CanSubscribe reports whether userID may watch a multisig's event stream.
func (s Service) CanSubscribe(ctx context.Context, multisigID, userID string) error {
	_, err := s.multisigs.CheckOwner(ctx, multisigID, userID)
	return err
}

func (s Service) transition(ctx context.Context, proposalID, userID string, to domain.ProposalStatus, eventType string) (*domain.Proposal, error) {
	proposal, err := s.get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if _, err := s.multisigs.CheckOwner(ctx, proposal.MultisigID, userID); err != nil {
		return nil, err
	}

	var executedAt *time.Time
	if to == domain.StatusExecuted {
		now := time.Now().UTC()
		executedAt = &now
	}
	updated, err := s.repo.TransitionProposal(ctx, proposalID, to, executedAt)
	if err != nil {
		var transitionErr *repository.TransitionError
		switch {
		case errors.As(err, &transitionErr):
			return nil, apperr.Validation("%s", transitionErr.Error())
		case errors.Is(err, repository.ErrNotFound):
			return nil, apperr.NotFound("proposal not found")
		default:
			return nil, apperr.Internal("transition proposal", err)
		}
	}

	s.logger.Info("proposal transitioned", "proposal_id", proposalID, "status", updated.Status, "user_id", userID)
	s.publish(eventType, updated, userID)
	return updated, nil
}

func (s Service) get(ctx context.Context, proposalID string) (*domain.Proposal, error) {
	proposal, err := s.repo.GetProposalByID(ctx, proposalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("proposal not found")
		}
		return nil, apperr.Internal("get proposal", err)
	}
	return proposal, nil
}

func (s Service) publish(eventType string, proposal *domain.Proposal, actorID string) {
	if s.events == nil {
		return
	}
	payload, err := json.Marshal(Event{
		Type:       eventType,
		ProposalID: proposal.ID,
		MultisigID: proposal.MultisigID,
		Status:     proposal.Status,
		ActorID:    actorID,
		At:         time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("marshal proposal event", "error", err, "proposal_id", proposal.ID)
		return
	}
	s.events.Broadcast(proposal.MultisigID, payload)
}
