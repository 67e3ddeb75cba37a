package multisig

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/sol-warrior/solana-multisig-server/internal/apperr"
	"github.com/sol-warrior/solana-multisig-server/internal/domain"
	"github.com/sol-warrior/solana-multisig-server/internal/repository"
)

type stubMultisigRepo struct {
	multisigs map[string]*domain.Multisig
	createErr error
}

func newStubMultisigRepo() *stubMultisigRepo {
	return &stubMultisigRepo{multisigs: make(map[string]*domain.Multisig)}
}

func (r *stubMultisigRepo) CreateMultisig(_ context.Context, multisig *domain.Multisig) error {
	if r.createErr != nil {
		return r.createErr
	}
	copied := *multisig
	r.multisigs[multisig.ID] = &copied
	return nil
}

func (r *stubMultisigRepo) GetMultisigByID(_ context.Context, id string) (*domain.Multisig, error) {
	multisig, ok := r.multisigs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *multisig
	return &copied, nil
}

func (r *stubMultisigRepo) ListMultisigsByOwner(_ context.Context, userID string) ([]domain.Multisig, error) {
	var out []domain.Multisig
	for _, multisig := range r.multisigs {
		if multisig.IsOwner(userID) {
			out = append(out, *multisig)
		}
	}
	return out, nil
}

func newTestService(repo repository.MultisigRepository) Service {
	return New(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCreateMultisig(t *testing.T) {
	repo := newStubMultisigRepo()
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), "u1", "treasury", "ops wallet", []string{"u1", "u2", "u3"}, 2)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated multisig id")
	}
	if created.Threshold != 2 || len(created.Owners) != 3 {
		t.Fatalf("unexpected multisig: %+v", created)
	}
	if _, ok := repo.multisigs[created.ID]; !ok {
		t.Fatal("multisig not persisted")
	}
}

func TestCreateMultisigValidation(t *testing.T) {
	svc := newTestService(newStubMultisigRepo())
	ctx := context.Background()

	cases := []struct {
		name      string
		creator   string
		msName    string
		owners    []string
		threshold int
		wantMsg   string
	}{
		{"empty name", "u1", "  ", []string{"u1"}, 1, "multisig name cannot be empty"},
		{"no owners", "u1", "treasury", nil, 1, "multisig must have at least one owner"},
		{"creator not owner", "u1", "treasury", []string{"u2", "u3"}, 1, "creator must be included in owners list"},
		{"zero threshold", "u1", "treasury", []string{"u1", "u2"}, 0, "threshold must be greater than 0"},
		{"threshold too high", "u1", "treasury", []string{"u1", "u2"}, 3, "threshold cannot exceed number of owners"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.creator, tc.msName, "", tc.owners, tc.threshold)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !apperr.IsKind(err, apperr.KindValidation) {
				t.Fatalf("expected validation kind, got %v", err)
			}
			if err.Error() != tc.wantMsg {
				t.Fatalf("error = %q, want %q", err.Error(), tc.wantMsg)
			}
		})
	}
}

func TestGetMultisigNotFound(t *testing.T) {
	svc := newTestService(newStubMultisigRepo())
	_, err := svc.Get(context.Background(), "missing")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err.Error() != "multisig not found" {
		t.Fatalf("error = %q", err.Error())
	}
}

func TestCheckOwner(t *testing.T) {
	repo := newStubMultisigRepo()
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), "u1", "treasury", "", []string{"u1", "u2"}, 2)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if _, err := svc.CheckOwner(context.Background(), created.ID, "u2"); err != nil {
		t.Fatalf("owner rejected: %v", err)
	}

	_, err = svc.CheckOwner(context.Background(), created.ID, "intruder")
	if !apperr.IsKind(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if err.Error() != "user is not an owner of this multisig" {
		t.Fatalf("error = %q", err.Error())
	}

	_, err = svc.CheckOwner(context.Background(), "missing", "u1")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for missing multisig, got %v", err)
	}
}

func TestListForUser(t *testing.T) {
	repo := newStubMultisigRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "u1", "a", "", []string{"u1"}, 1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(ctx, "u2", "b", "", []string{"u2", "u1"}, 1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(ctx, "u3", "c", "", []string{"u3"}, 1); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := svc.ListForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 multisigs for u1, got %d", len(got))
	}
}
