package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sol-warrior/solana-multisig-server/internal/domain"
	"github.com/sol-warrior/solana-multisig-server/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository     = (*Repository)(nil)
	_ repository.MultisigRepository = (*Repository)(nil)
	_ repository.ProposalRepository = (*Repository)(nil)
)

// translatePgError maps constraint violations to sentinel errors.
func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repository.ErrConflict
		case "23503":
			return repository.ErrNotFound
		case "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.PasswordHash, user.CreatedAt)
	if err != nil {
		return translatePgError(err)
	}
	return nil
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at, last_login_at FROM users WHERE email = $1`
	row := r.pool.QueryRow(ctx, query, email)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.LastLoginAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at, last_login_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.LastLoginAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// UpdateLastLogin stamps the most recent successful login.
func (r *Repository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE users SET last_login_at = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateMultisig creates a multisig record.
func (r *Repository) CreateMultisig(ctx context.Context, multisig *domain.Multisig) error {
	const query = `INSERT INTO multisigs (id, name, description, created_by, owners, threshold, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		multisig.ID,
		multisig.Name,
		nilIfEmpty(multisig.Description),
		multisig.CreatedBy,
		multisig.Owners,
		multisig.Threshold,
		multisig.CreatedAt,
	)
	if err != nil {
		return translatePgError(err)
	}
	return nil
}

// GetMultisigByID returns a multisig by identifier.
func (r *Repository) GetMultisigByID(ctx context.Context, id string) (*domain.Multisig, error) {
	const query = `SELECT id, name, description, created_by, owners, threshold, created_at
		FROM multisigs WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	return scanMultisig(row)
}

// ListMultisigsByOwner returns multisigs the user owns, newest first.
func (r *Repository) ListMultisigsByOwner(ctx context.Context, userID string) ([]domain.Multisig, error) {
	const query = `SELECT id, name, description, created_by, owners, threshold, created_at
		FROM multisigs
		WHERE $1 = ANY(owners)
		ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	multisigs := make([]domain.Multisig, 0)
	for rows.Next() {
		m, err := scanMultisig(rows)
		if err != nil {
			return nil, err
		}
		multisigs = append(multisigs, *m)
	}
	return multisigs, rows.Err()
}

// CreateProposal inserts a proposal.
func (r *Repository) CreateProposal(ctx context.Context, proposal *domain.Proposal) error {
	const query = `INSERT INTO proposals (id, multisig_id, title, description, status, created_by, created_at, transaction_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		proposal.ID,
		proposal.MultisigID,
		proposal.Title,
		nilIfEmpty(proposal.Description),
		string(proposal.Status),
		proposal.CreatedBy,
		proposal.CreatedAt,
		nilIfEmpty(proposal.TransactionData),
	)
	if err != nil {
		return translatePgError(err)
	}
	return nil
}

// GetProposalByID retrieves a proposal by identifier.
func (r *Repository) GetProposalByID(ctx context.Context, id string) (*domain.Proposal, error) {
	const query = `SELECT id, multisig_id, title, description, status, created_by, created_at, executed_at, transaction_data
		FROM proposals WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	return scanProposal(row)
}

// ListProposalsByMultisig returns a multisig's proposals, newest first.
func (r *Repository) ListProposalsByMultisig(ctx context.Context, multisigID string) ([]domain.Proposal, error) {
	const query = `SELECT id, multisig_id, title, description, status, created_by, created_at, executed_at, transaction_data
		FROM proposals
		WHERE multisig_id = $1
		ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, multisigID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	proposals := make([]domain.Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, *p)
	}
	return proposals, rows.Err()
}

// TransitionProposal validates and applies a lifecycle move under a row
// lock so racing transitions on the same proposal serialize.
func (r *Repository) TransitionProposal(ctx context.Context, id string, to domain.ProposalStatus, executedAt *time.Time) (*domain.Proposal, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	proposal, err := lockProposal(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !proposal.Status.CanTransitionTo(to) {
		return nil, &repository.TransitionError{From: proposal.Status, To: to}
	}

	const update = `UPDATE proposals SET status = $2, executed_at = $3 WHERE id = $1`
	if _, err := tx.Exec(ctx, update, id, string(to), executedAt); err != nil {
		return nil, translatePgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	proposal.Status = to
	proposal.ExecutedAt = executedAt
	return proposal, nil
}

// ApproveProposal records an approval and promotes the proposal once the
// ledger reaches threshold, all inside one transaction. The FOR UPDATE
// lock on the proposal row serializes racing approvals per proposal; the
// unique (proposal_id, approver_id) index backstops the duplicate check.
func (r *Repository) ApproveProposal(ctx context.Context, proposalID, approvalID, approverID string, threshold int) (*domain.Approval, *domain.Proposal, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	proposal, err := lockProposal(ctx, tx, proposalID)
	if err != nil {
		return nil, nil, err
	}
	if !proposal.CanBeApproved() {
		return nil, nil, &repository.StateError{Status: proposal.Status}
	}

	const dupCheck = `SELECT EXISTS (
		SELECT 1 FROM proposal_approvals WHERE proposal_id = $1 AND approver_id = $2)`
	var exists bool
	if err := tx.QueryRow(ctx, dupCheck, proposalID, approverID).Scan(&exists); err != nil {
		return nil, nil, err
	}
	if exists {
		return nil, nil, repository.ErrConflict
	}

	const insert = `INSERT INTO proposal_approvals (id, proposal_id, approver_id, approved_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING approved_at`
	approval := domain.Approval{ID: approvalID, ProposalID: proposalID, ApproverID: approverID}
	if err := tx.QueryRow(ctx, insert, approvalID, proposalID, approverID).Scan(&approval.ApprovedAt); err != nil {
		return nil, nil, translatePgError(err)
	}

	// Quorum is always recomputed from the ledger, never cached.
	const count = `SELECT COUNT(*) FROM proposal_approvals WHERE proposal_id = $1`
	var approvals int
	if err := tx.QueryRow(ctx, count, proposalID).Scan(&approvals); err != nil {
		return nil, nil, err
	}

	if approvals >= threshold {
		const promote = `UPDATE proposals SET status = $2 WHERE id = $1`
		if _, err := tx.Exec(ctx, promote, proposalID, string(domain.StatusApproved)); err != nil {
			return nil, nil, translatePgError(err)
		}
		proposal.Status = domain.StatusApproved
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return &approval, proposal, nil
}

// ListApprovals returns a proposal's approvals, oldest first.
func (r *Repository) ListApprovals(ctx context.Context, proposalID string) ([]domain.Approval, error) {
	const query = `SELECT id, proposal_id, approver_id, approved_at
		FROM proposal_approvals
		WHERE proposal_id = $1
		ORDER BY approved_at ASC`
	rows, err := r.pool.Query(ctx, query, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	approvals := make([]domain.Approval, 0)
	for rows.Next() {
		var a domain.Approval
		if err := rows.Scan(&a.ID, &a.ProposalID, &a.ApproverID, &a.ApprovedAt); err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// CountApprovals derives the live approval count from the ledger.
func (r *Repository) CountApprovals(ctx context.Context, proposalID string) (int, error) {
	const query = `SELECT COUNT(*) FROM proposal_approvals WHERE proposal_id = $1`
	var count int
	if err := r.pool.QueryRow(ctx, query, proposalID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func lockProposal(ctx context.Context, tx pgx.Tx, id string) (*domain.Proposal, error) {
	const query = `SELECT id, multisig_id, title, description, status, created_by, created_at, executed_at, transaction_data
		FROM proposals WHERE id = $1 FOR UPDATE`
	return scanProposal(tx.QueryRow(ctx, query, id))
}

func scanMultisig(row pgx.Row) (*domain.Multisig, error) {
	var m domain.Multisig
	var description *string
	if err := row.Scan(&m.ID, &m.Name, &description, &m.CreatedBy, &m.Owners, &m.Threshold, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if description != nil {
		m.Description = *description
	}
	return &m, nil
}

func scanProposal(row pgx.Row) (*domain.Proposal, error) {
	var p domain.Proposal
	var description, txData *string
	var status string
	if err := row.Scan(&p.ID, &p.MultisigID, &p.Title, &description, &status, &p.CreatedBy, &p.CreatedAt, &p.ExecutedAt, &txData); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	p.Status = domain.ProposalStatus(status)
	if description != nil {
		p.Description = *description
	}
	if txData != nil {
		p.TransactionData = *txData
	}
	return &p, nil
}

func nilIfEmpty(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
