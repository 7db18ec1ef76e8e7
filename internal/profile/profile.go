// Package profile guards the local preference store: every document written
// through the Service is checked against a stored JSON schema first.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/garnizeh/chainlance/pkg/models"
	"github.com/garnizeh/chainlance/pkg/repository"
)

// DefaultSchemaVersion is the version seeded by the migrations.
const DefaultSchemaVersion = "v1"

var ErrSchemaMissing = errors.New("profile schema not loaded")

// ValidationError lists why a profile document was refused.
type ValidationError struct {
	Version  string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("profile does not match schema %s: %s", e.Version, strings.Join(e.Problems, "; "))
}

type Service struct {
	repo    repository.ProfileRepo
	loader  *Loader
	version string
	logger  *slog.Logger
}

func NewService(repo repository.ProfileRepo, loader *Loader, version string, logger *slog.Logger) *Service {
	if version == "" {
		version = DefaultSchemaVersion
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, loader: loader, version: version, logger: logger}
}

// Loader exposes the schema cache so callers can reload it after a schema
// change.
func (s *Service) Loader() *Loader { return s.loader }

// Version is the schema version documents are validated against.
func (s *Service) Version() string { return s.version }

// Validate checks p against the configured schema version.
func (s *Service) Validate(ctx context.Context, p *models.Profile) error {
	schema, ok := s.loader.GetSchema(s.version)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSchemaMissing, s.version)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	verrs, err := schema.ValidateBytes(ctx, b)
	if err != nil {
		return fmt.Errorf("schema validate error: %w", err)
	}
	if len(verrs) > 0 {
		ve := &ValidationError{Version: s.version}
		for _, v := range verrs {
			if v.PropertyPath != "" && v.PropertyPath != "/" {
				ve.Problems = append(ve.Problems, v.PropertyPath+": "+v.Message)
				continue
			}
			ve.Problems = append(ve.Problems, v.Message)
		}
		return ve
	}
	return nil
}

func (s *Service) Get(ctx context.Context, wallet string) (*models.Profile, error) {
	p, err := s.repo.GetProfile(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

func (s *Service) List(ctx context.Context) ([]models.Profile, error) {
	return s.repo.ListProfiles(ctx)
}

// Upsert validates p and merges it into the stored record.
func (s *Service) Upsert(ctx context.Context, p *models.Profile) (*models.Profile, error) {
	if p == nil {
		return nil, &ValidationError{Version: s.version, Problems: []string{"profile is required"}}
	}
	if err := s.Validate(ctx, p); err != nil {
		return nil, err
	}
	out, err := s.repo.UpsertProfile(ctx, p)
	if err != nil {
		return nil, err
	}
	s.logger.Info("profile saved", slog.String("wallet", out.WalletAddress))
	return out, nil
}

// Patch validates the patched document before storing it.
func (s *Service) Patch(ctx context.Context, wallet string, patch models.ProfilePatch) (*models.Profile, error) {
	cur, err := s.Get(ctx, wallet)
	if err != nil {
		return nil, err
	}
	patch.Apply(cur)
	if err := s.Validate(ctx, cur); err != nil {
		return nil, err
	}
	return s.repo.PatchProfile(ctx, wallet, patch)
}

// Append adds item to one list of the profile.
func (s *Service) Append(ctx context.Context, wallet string, list models.ProfileList, item string) (*models.Profile, error) {
	if !list.Valid() {
		return nil, &ValidationError{Version: s.version, Problems: []string{fmt.Sprintf("unknown list %q", list)}}
	}
	cur, err := s.Get(ctx, wallet)
	if err != nil {
		return nil, err
	}
	dst := cur.List(list)
	*dst = append(*dst, item)
	if err := s.Validate(ctx, cur); err != nil {
		return nil, err
	}
	return s.repo.AppendToList(ctx, wallet, list, item)
}

func (s *Service) Delete(ctx context.Context, wallet string) error {
	return s.repo.DeleteProfile(ctx, wallet)
}
