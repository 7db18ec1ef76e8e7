package profile_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	dbfs "github.com/garnizeh/chainlance/db"
	dbpkg "github.com/garnizeh/chainlance/internal/db"
	"github.com/garnizeh/chainlance/internal/profile"
	sqlite "github.com/garnizeh/chainlance/internal/repository/sqlite"
	"github.com/garnizeh/chainlance/pkg/models"
	"github.com/garnizeh/chainlance/pkg/repository"
	"github.com/garnizeh/chainlance/pkg/repository/mock"
)

const (
	wallet = "0x00000000000000000000000000000000000000aa"
	jobID  = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

func newService(t *testing.T) *profile.Service {
	t.Helper()
	ctx := context.Background()
	d, err := dbpkg.New(ctx, ":memory:", nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := dbpkg.Migrate(ctx, d, dbfs.Migrations, dbfs.SeedFiles); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := sqlite.New(d, nil)
	l, err := profile.NewLoader(ctx, repo)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return profile.NewService(repo, l, "", nil)
}

func TestUpsert_ValidatesAgainstSeededSchema(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		p    models.Profile
		want string
	}{
		{"bad wallet", models.Profile{WalletAddress: "alice"}, "walletAddress"},
		{"bad role", models.Profile{WalletAddress: wallet, Role: "Boss"}, "role"},
		{"bad job id", models.Profile{WalletAddress: wallet, PostedJobs: []string{"42"}}, "postedJobs"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Upsert(ctx, &tc.p)
			var ve *profile.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !strings.Contains(ve.Error(), tc.want) {
				t.Fatalf("expected problem about %s, got %v", tc.want, ve)
			}
		})
	}

	got, err := svc.Upsert(ctx, &models.Profile{WalletAddress: wallet, Username: "alice", Role: "Employer", PostedJobs: []string{jobID}})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if got.Username != "alice" || len(got.PostedJobs) != 1 {
		t.Fatalf("unexpected profile %#v", got)
	}
}

func TestValidate_SeededSchemaAcceptsMinimalProfiles(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	for _, p := range []models.Profile{
		{WalletAddress: wallet},
		{WalletAddress: wallet, Username: "alice"},
		{WalletAddress: wallet, Username: "alice", Role: "Employer"},
		{WalletAddress: wallet, AppliedJobs: []string{jobID}, PastMediations: []string{}},
	} {
		if err := svc.Validate(ctx, &p); err != nil {
			t.Fatalf("Validate(%+v): %v", p, err)
		}
	}

	bad := models.Profile{WalletAddress: wallet, CompletedJobs: []string{"0x12"}}
	var ve *profile.ValidationError
	if err := svc.Validate(ctx, &bad); !errors.As(err, &ve) || !strings.Contains(ve.Error(), "completedJobs") {
		t.Fatalf("expected completedJobs problem, got %v", err)
	}
}

func TestPatchAndAppend(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	role := "Middleman"
	if _, err := svc.Patch(ctx, wallet, models.ProfilePatch{Role: &role}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Get(ctx, wallet); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Get, got %v", err)
	}
	if _, err := svc.Upsert(ctx, &models.Profile{WalletAddress: wallet}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	bad := "Judge"
	var ve *profile.ValidationError
	if _, err := svc.Patch(ctx, wallet, models.ProfilePatch{Role: &bad}); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	got, err := svc.Patch(ctx, wallet, models.ProfilePatch{Role: &role})
	if err != nil || got.Role != role {
		t.Fatalf("Patch: %#v %v", got, err)
	}

	if _, err := svc.Append(ctx, wallet, models.ListPastMediations, "not-an-id"); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, err := svc.Append(ctx, wallet, models.ProfileList("friends"), jobID); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for unknown list, got %v", err)
	}
	got, err = svc.Append(ctx, wallet, models.ListPastMediations, jobID)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(got.PastMediations) != 1 || got.PastMediations[0] != jobID {
		t.Fatalf("unexpected mediations %v", got.PastMediations)
	}

	if err := svc.Delete(ctx, wallet); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	list, err := svc.List(ctx)
	if err != nil || len(list) != 0 {
		t.Fatalf("List after delete: %v %v", list, err)
	}
}

func TestLoader_ReloadPicksUpNewVersions(t *testing.T) {
	ctx := context.Background()
	d, err := dbpkg.New(ctx, ":memory:", nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer d.Close()
	if err := dbpkg.Migrate(ctx, d, dbfs.Migrations, dbfs.SeedFiles); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := sqlite.New(d, nil)

	l, err := profile.NewLoader(ctx, repo)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if _, ok := l.GetSchema("v2"); ok {
		t.Fatalf("v2 should not exist yet")
	}
	if _, err := repo.CreateSchema(ctx, "v2", "strict", `{"type":"object","properties":{"username":{"type":"string","minLength":1}}}`); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	if err := l.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := l.GetSchema("v2"); !ok {
		t.Fatalf("v2 missing after reload")
	}

	svc := profile.NewService(repo, l, "v2", nil)
	if _, err := svc.Upsert(ctx, &models.Profile{WalletAddress: wallet}); err == nil {
		t.Fatalf("expected v2 to require a username")
	}
	if err := svc.Validate(ctx, &models.Profile{WalletAddress: wallet, Username: "x"}); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	missing := profile.NewService(repo, l, "v9", nil)
	if err := missing.Validate(ctx, &models.Profile{WalletAddress: wallet}); !errors.Is(err, profile.ErrSchemaMissing) {
		t.Fatalf("expected ErrSchemaMissing, got %v", err)
	}
}

func TestService_WithMockRepos(t *testing.T) {
	ctx := context.Background()
	m := mock.NewMocks()

	l, err := profile.NewLoader(ctx, m.SchemaRepo)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	svc := profile.NewService(m.ProfRepo, l, "", nil)
	if _, err := svc.Upsert(ctx, &models.Profile{WalletAddress: wallet}); !errors.Is(err, profile.ErrSchemaMissing) {
		t.Fatalf("expected ErrSchemaMissing, got %v", err)
	}

	schema := `{"type":"object","required":["walletAddress"],"properties":{"walletAddress":{"type":"string","pattern":"^0x[0-9a-fA-F]{40}$"}}}`
	if _, err := m.SchemaRepo.CreateSchema(ctx, "v1", "test", schema); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	if err := l.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	// invalid documents never reach the repository
	if _, err := svc.Upsert(ctx, &models.Profile{WalletAddress: "nope"}); err == nil {
		t.Fatal("expected validation error")
	}
	if m.ProfRepo.Upserts != 0 {
		t.Fatalf("repository saw %d upserts, want 0", m.ProfRepo.Upserts)
	}

	m.ProfRepo.UpsertErr = errors.New("disk full")
	if _, err := svc.Upsert(ctx, &models.Profile{WalletAddress: wallet}); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected repository error, got %v", err)
	}
	m.ProfRepo.UpsertErr = nil

	out, err := svc.Upsert(ctx, &models.Profile{WalletAddress: wallet, Username: "ana"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if out.ID == 0 || out.Username != "ana" {
		t.Fatalf("unexpected profile %+v", out)
	}
	if _, err := svc.Get(ctx, "0x00000000000000000000000000000000000000bb"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
