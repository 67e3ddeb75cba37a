// Package multisig implements the owner-group registry and the
// authorization guard shared by every proposal operation.
package multisig

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/sol-warrior/solana-multisig-server/internal/apperr"
	"github.com/sol-warrior/solana-multisig-server/internal/domain"
	"github.com/sol-warrior/solana-multisig-server/internal/repository"
)

// Service handles multisig workflows.
type Service struct {
	repo   repository.MultisigRepository
	logger *slog.Logger
}

// New constructs a Service.
func New(repo repository.MultisigRepository, logger *slog.Logger) Service {
	return Service{repo: repo, logger: logger}
}

// Create registers a multisig after validating its owner set and threshold.
// The creator must be part of the owner set.
func (s Service) Create(ctx context.Context, createdBy, name, description string, owners []string, threshold int) (*domain.Multisig, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.Validation("multisig name cannot be empty")
	}
	if len(owners) == 0 {
		return nil, apperr.Validation("multisig must have at least one owner")
	}
	multisig := &domain.Multisig{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedBy:   createdBy,
		Owners:      owners,
		Threshold:   threshold,
		CreatedAt:   time.Now().UTC(),
	}
	if !multisig.IsOwner(createdBy) {
		return nil, apperr.Validation("creator must be included in owners list")
	}
	if threshold <= 0 {
		return nil, apperr.Validation("threshold must be greater than 0")
	}
	if threshold > len(owners) {
		return nil, apperr.Validation("threshold cannot exceed number of owners")
	}

	if err := s.repo.CreateMultisig(ctx, multisig); err != nil {
		return nil, apperr.Internal("create multisig", err)
	}
	if !multisig.ValidThreshold() {
		return nil, apperr.Internal("created multisig has invalid threshold", nil)
	}
	s.logger.Info("multisig created", "multisig_id", multisig.ID, "owners", len(multisig.Owners), "threshold", multisig.Threshold)
	return multisig, nil
}

// Get returns a multisig by id.
func (s Service) Get(ctx context.Context, id string) (*domain.Multisig, error) {
	multisig, err := s.repo.GetMultisigByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("multisig not found")
		}
		return nil, apperr.Internal("get multisig", err)
	}
	return multisig, nil
}

// ListForUser returns multisigs the user owns, newest first.
func (s Service) ListForUser(ctx context.Context, userID string) ([]domain.Multisig, error) {
	multisigs, err := s.repo.ListMultisigsByOwner(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("list multisigs", err)
	}
	return multisigs, nil
}

// CheckOwner resolves the multisig and requires userID in its owner set.
// Every mutating proposal operation funnels through this guard.
func (s Service) CheckOwner(ctx context.Context, multisigID, userID string) (*domain.Multisig, error) {
	multisig, err := s.Get(ctx, multisigID)
	if err != nil {
		return nil, err
	}
	if !multisig.IsOwner(userID) {
		return nil, apperr.Authorization("user is not an owner of this multisig")
	}
	return multisig, nil
}
