package repository

import (
	"errors"
	"fmt"

	"github.com/sol-warrior/solana-multisig-server/internal/domain"
)

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a uniqueness constraint was violated.
var ErrConflict = errors.New("repository: conflict")

// ErrInvalidArgument indicates a malformed value was rejected by storage.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// TransitionError reports a status transition rejected by the lifecycle
// table. From holds the status observed under lock at rejection time.
type TransitionError struct {
	From domain.ProposalStatus
	To   domain.ProposalStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

// StateError reports an operation attempted against a proposal whose
// status does not admit it.
type StateError struct {
	Status domain.ProposalStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("proposal status %s does not permit this operation", e.Status)
}
