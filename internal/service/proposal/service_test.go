package proposal

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sol-warrior/solana-multisig-server/internal/apperr"
	"github.com/sol-warrior/solana-multisig-server/internal/domain"
	"github.com/sol-warrior/solana-multisig-server/internal/repository"
	"github.com/sol-warrior/solana-multisig-server/internal/service/multisig"
)

type stubMultisigRepo struct {
	mu        sync.Mutex
	multisigs map[string]*domain.Multisig
}

func (r *stubMultisigRepo) CreateMultisig(_ context.Context, multisig *domain.Multisig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *multisig
	r.multisigs[multisig.ID] = &copied
	return nil
}

func (r *stubMultisigRepo) GetMultisigByID(_ context.Context, id string) (*domain.Multisig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	multisig, ok := r.multisigs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *multisig
	return &copied, nil
}

func (r *stubMultisigRepo) ListMultisigsByOwner(_ context.Context, userID string) ([]domain.Multisig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Multisig
	for _, multisig := range r.multisigs {
		if multisig.IsOwner(userID) {
			out = append(out, *multisig)
		}
	}
	return out, nil
}

// stubProposalRepo mirrors the row-lock semantics of the postgres
// implementation: every transition and approval of the same proposal is
// serialized behind one mutex.
type stubProposalRepo struct {
	mu        sync.Mutex
	proposals map[string]*domain.Proposal
	approvals map[string][]domain.Approval
}

func newStubProposalRepo() *stubProposalRepo {
	return &stubProposalRepo{
		proposals: make(map[string]*domain.Proposal),
		approvals: make(map[string][]domain.Approval),
	}
}

func (r *stubProposalRepo) CreateProposal(_ context.Context, proposal *domain.Proposal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *proposal
	r.proposals[proposal.ID] = &copied
	return nil
}

func (r *stubProposalRepo) GetProposalByID(_ context.Context, id string) (*domain.Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proposal, ok := r.proposals[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *proposal
	return &copied, nil
}

func (r *stubProposalRepo) ListProposalsByMultisig(_ context.Context, multisigID string) ([]domain.Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Proposal
	for _, proposal := range r.proposals {
		if proposal.MultisigID == multisigID {
			out = append(out, *proposal)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *stubProposalRepo) TransitionProposal(_ context.Context, id string, to domain.ProposalStatus, executedAt *time.Time) (*domain.Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proposal, ok := r.proposals[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !proposal.Status.CanTransitionTo(to) {
		return nil, &repository.TransitionError{From: proposal.Status, To: to}
	}
	proposal.Status = to
	proposal.ExecutedAt = executedAt
	copied := *proposal
	return &copied, nil
}

func (r *stubProposalRepo) ApproveProposal(_ context.Context, proposalID, approvalID, approverID string, threshold int) (*domain.Approval, *domain.Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proposal, ok := r.proposals[proposalID]
	if !ok {
		return nil, nil, repository.ErrNotFound
	}
	if !proposal.CanBeApproved() {
		return nil, nil, &repository.StateError{Status: proposal.Status}
	}
	for _, approval := range r.approvals[proposalID] {
		if approval.ApproverID == approverID {
			return nil, nil, repository.ErrConflict
		}
	}
	approval := domain.Approval{
		ID:         approvalID,
		ProposalID: proposalID,
		ApproverID: approverID,
		ApprovedAt: time.Now().UTC(),
	}
	r.approvals[proposalID] = append(r.approvals[proposalID], approval)
	if len(r.approvals[proposalID]) >= threshold {
		proposal.Status = domain.StatusApproved
	}
	copied := *proposal
	return &approval, &copied, nil
}

func (r *stubProposalRepo) ListApprovals(_ context.Context, proposalID string) ([]domain.Approval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Approval, len(r.approvals[proposalID]))
	copy(out, r.approvals[proposalID])
	return out, nil
}

func (r *stubProposalRepo) CountApprovals(_ context.Context, proposalID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.approvals[proposalID]), nil
}

type captureBroadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (b *captureBroadcaster) Broadcast(_ string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return
	}
	b.events = append(b.events, event)
}

func (b *captureBroadcaster) byType(eventType string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, event := range b.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type fixture struct {
	svc      Service
	repo     *stubProposalRepo
	events   *captureBroadcaster
	multisig *domain.Multisig
}

func newFixture(t *testing.T, owners []string, threshold int) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	msRepo := &stubMultisigRepo{multisigs: make(map[string]*domain.Multisig)}
	msSvc := multisig.New(msRepo, log)
	ms, err := msSvc.Create(context.Background(), owners[0], "treasury", "", owners, threshold)
	if err != nil {
		t.Fatalf("create multisig: %v", err)
	}
	repo := newStubProposalRepo()
	events := &captureBroadcaster{}
	return &fixture{
		svc:      New(repo, msSvc, events, log),
		repo:     repo,
		events:   events,
		multisig: ms,
	}
}

func (f *fixture) activeProposal(t *testing.T, creator string) *domain.Proposal {
	t.Helper()
	ctx := context.Background()
	created, err := f.svc.Create(ctx, f.multisig.ID, creator, "rotate signer", "", "")
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	activated, err := f.svc.Activate(ctx, created.ID, creator)
	if err != nil {
		t.Fatalf("activate proposal: %v", err)
	}
	return activated
}

func TestProposalLifecycle(t *testing.T) {
	f := newFixture(t, []string{"u1", "u2", "u3"}, 2)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, f.multisig.ID, "u1", "rotate signer", "swap compromised key", "payload")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != domain.StatusDraft {
		t.Fatalf("new proposal status = %s, want draft", created.Status)
	}
	if created.ExecutedAt != nil {
		t.Fatal("draft proposal should have no execution time")
	}

	activated, err := f.svc.Activate(ctx, created.ID, "u1")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if activated.Status != domain.StatusActive {
		t.Fatalf("status after activate = %s", activated.Status)
	}

	_, after1, err := f.svc.Approve(ctx, created.ID, "u1")
	if err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if after1.Status != domain.StatusActive {
		t.Fatalf("status after first approval = %s, want active", after1.Status)
	}

	_, after2, err := f.svc.Approve(ctx, created.ID, "u2")
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if after2.Status != domain.StatusApproved {
		t.Fatalf("status after reaching threshold = %s, want approved", after2.Status)
	}
	if after2.ExecutedAt != nil {
		t.Fatal("approved proposal should have no execution time")
	}

	executed, err := f.svc.Execute(ctx, created.ID, "u3")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if executed.Status != domain.StatusExecuted {
		t.Fatalf("status after execute = %s", executed.Status)
	}
	if executed.ExecutedAt == nil {
		t.Fatal("executed proposal must carry an execution time")
	}

	approvals, err := f.svc.ListApprovals(ctx, created.ID, "u3")
	if err != nil {
		t.Fatalf("list approvals: %v", err)
	}
	if len(approvals) != 2 {
		t.Fatalf("approval ledger has %d entries, want 2", len(approvals))
	}

	if got := f.events.byType("proposal_approved"); len(got) != 1 {
		t.Fatalf("proposal_approved events = %d, want 1", len(got))
	}
	if got := f.events.byType("approval_recorded"); len(got) != 2 {
		t.Fatalf("approval_recorded events = %d, want 2", len(got))
	}
}

func TestDuplicateApproval(t *testing.T) {
	f := newFixture(t, []string{"u1", "u2", "u3"}, 3)
	ctx := context.Background()
	p := f.activeProposal(t, "u1")

	if _, _, err := f.svc.Approve(ctx, p.ID, "u2"); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	_, _, err := f.svc.Approve(ctx, p.ID, "u2")
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err.Error() != "user has already approved this proposal" {
		t.Fatalf("error = %q", err.Error())
	}

	count, err := f.svc.CountApprovals(ctx, p.ID)
	if err != nil {
		t.Fatalf("count approvals: %v", err)
	}
	if count != 1 {
		t.Fatalf("ledger count = %d after duplicate, want 1", count)
	}
}

func TestNonOwnerRejected(t *testing.T) {
	f := newFixture(t, []string{"u1", "u2"}, 2)
	ctx := context.Background()
	p := f.activeProposal(t, "u1")

	ops := map[string]func() error{
		"create": func() error {
			_, err := f.svc.Create(ctx, f.multisig.ID, "intruder", "drain", "", "")
			return err
		},
		"approve": func() error {
			_, _, err := f.svc.Approve(ctx, p.ID, "intruder")
			return err
		},
		"activate": func() error {
			_, err := f.svc.Activate(ctx, p.ID, "intruder")
			return err
		},
		"reject": func() error {
			_, err := f.svc.Reject(ctx, p.ID, "intruder")
			return err
		},
		"execute": func() error {
			_, err := f.svc.Execute(ctx, p.ID, "intruder")
			return err
		},
		"get": func() error {
			_, err := f.svc.Get(ctx, p.ID, "intruder")
			return err
		},
		"list approvals": func() error {
			_, err := f.svc.ListApprovals(ctx, p.ID, "intruder")
			return err
		},
		"subscribe": func() error {
			return f.svc.CanSubscribe(ctx, f.multisig.ID, "intruder")
		},
	}
	for name, op := range ops {
		if err := op(); !apperr.IsKind(err, apperr.KindAuthorization) {
			t.Errorf("%s by non-owner: expected authorization error, got %v", name, err)
		}
	}
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t, []string{"u1", "u2"}, 2)
	ctx := context.Background()
	p := f.activeProposal(t, "u1")

	_, err := f.svc.Execute(ctx, p.ID, "u1")
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err.Error() != "invalid status transition from active to executed" {
		t.Fatalf("error = %q", err.Error())
	}

	_, err = f.svc.Activate(ctx, p.ID, "u1")
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("re-activate: expected validation error, got %v", err)
	}

	rejected, err := f.svc.Reject(ctx, p.ID, "u2")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.StatusRejected {
		t.Fatalf("status = %s, want rejected", rejected.Status)
	}

	_, err = f.svc.Activate(ctx, p.ID, "u1")
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("activate terminal: expected validation error, got %v", err)
	}
}

func TestApproveOutsideActive(t *testing.T) {
	f := newFixture(t, []string{"u1", "u2"}, 1)
	ctx := context.Background()

	draft, err := f.svc.Create(ctx, f.multisig.ID, "u1", "rotate signer", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, _, err = f.svc.Approve(ctx, draft.ID, "u1")
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("approve draft: expected validation error, got %v", err)
	}
	if err.Error() != "proposal with status draft cannot be approved" {
		t.Fatalf("error = %q", err.Error())
	}

	if _, err := f.svc.Activate(ctx, draft.ID, "u1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, _, err := f.svc.Approve(ctx, draft.ID, "u1"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// Threshold 1, so the proposal is now approved. Further approvals
	// must be refused instead of growing the ledger.
	_, _, err = f.svc.Approve(ctx, draft.ID, "u2")
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("approve approved: expected validation error, got %v", err)
	}
	if err.Error() != "proposal with status approved cannot be approved" {
		t.Fatalf("error = %q", err.Error())
	}
}

func TestExpire(t *testing.T) {
	f := newFixture(t, []string{"u1", "u2"}, 2)
	ctx := context.Background()
	p := f.activeProposal(t, "u1")

	expired, err := f.svc.Expire(ctx, p.ID, "u2")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired.Status != domain.StatusExpired {
		t.Fatalf("status = %s, want expired", expired.Status)
	}

	draft, err := f.svc.Create(ctx, f.multisig.ID, "u1", "second", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = f.svc.Expire(ctx, draft.ID, "u1")
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expire draft: expected validation error, got %v", err)
	}
}

func TestCreateProposalValidation(t *testing.T) {
	f := newFixture(t, []string{"u1"}, 1)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, f.multisig.ID, "u1", "   ", "", "")
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err.Error() != "proposal title cannot be empty" {
		t.Fatalf("error = %q", err.Error())
	}

	_, err = f.svc.Create(ctx, "missing", "u1", "title", "", "")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentDuplicateApprovals(t *testing.T) {
	f := newFixture(t, []string{"u1", "u2", "u3"}, 3)
	ctx := context.Background()
	p := f.activeProposal(t, "u1")

	const attempts = 16
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.svc.Approve(ctx, p.ID, "u2")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, conflicted int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case apperr.IsKind(err, apperr.KindConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("successes = %d, want exactly 1", succeeded)
	}
	if conflicted != attempts-1 {
		t.Fatalf("conflicts = %d, want %d", conflicted, attempts-1)
	}
	count, err := f.svc.CountApprovals(ctx, p.ID)
	if err != nil {
		t.Fatalf("count approvals: %v", err)
	}
	if count != 1 {
		t.Fatalf("ledger count = %d, want 1", count)
	}
}

func TestConcurrentApprovalsSinglePromotion(t *testing.T) {
	owners := []string{"u1", "u2", "u3", "u4", "u5"}
	f := newFixture(t, owners, 2)
	ctx := context.Background()
	p := f.activeProposal(t, "u1")

	var wg sync.WaitGroup
	for _, owner := range owners {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			_, _, err := f.svc.Approve(ctx, p.ID, owner)
			if err != nil && !apperr.IsKind(err, apperr.KindValidation) {
				t.Errorf("approve by %s: %v", owner, err)
			}
		}(owner)
	}
	wg.Wait()

	updated, err := f.svc.Get(ctx, p.ID, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.Status != domain.StatusApproved {
		t.Fatalf("status = %s, want approved", updated.Status)
	}
	if got := f.events.byType("proposal_approved"); len(got) != 1 {
		t.Fatalf("proposal_approved events = %d, want exactly 1", len(got))
	}
	count, err := f.svc.CountApprovals(ctx, p.ID)
	if err != nil {
		t.Fatalf("count approvals: %v", err)
	}
	if count != 2 {
		t.Fatalf("ledger count = %d, want threshold exactly", count)
	}
}
