package mock

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/garnizeh/chainlance/pkg/models"
	"github.com/garnizeh/chainlance/pkg/repository"
)

// Test helpers and mocks
type Mocks struct {
	ProfRepo   *ProfileRepo
	SchemaRepo *SchemaRepo
}

func NewMocks() *Mocks {
	return &Mocks{
		ProfRepo:   &ProfileRepo{stored: map[string]*models.Profile{}},
		SchemaRepo: &SchemaRepo{schemas: map[string]models.Schema{}},
	}
}

var (
	_ repository.ProfileRepo = (*ProfileRepo)(nil)
	_ repository.SchemaRepo  = (*SchemaRepo)(nil)
)

// ProfileRepo keeps profiles in memory. Setting UpsertErr makes every write
// fail.
type ProfileRepo struct {
	mu        sync.Mutex
	stored    map[string]*models.Profile
	nextID    int64
	UpsertErr error
	Upserts   int
}

func key(wallet string) string { return strings.ToLower(strings.TrimSpace(wallet)) }

func clone(p *models.Profile) *models.Profile {
	cp := *p
	cp.CompletedJobs = slices.Clone(p.CompletedJobs)
	cp.AppliedJobs = slices.Clone(p.AppliedJobs)
	cp.PostedJobs = slices.Clone(p.PostedJobs)
	cp.PastMediations = slices.Clone(p.PastMediations)
	return &cp
}

func (m *ProfileRepo) GetProfile(ctx context.Context, wallet string) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.stored[key(wallet)]; ok {
		return clone(p), nil
	}
	return nil, nil
}

func (m *ProfileRepo) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Profile{}
	for _, p := range m.stored {
		out = append(out, *clone(p))
	}
	slices.SortFunc(out, func(a, b models.Profile) int { return int(a.ID - b.ID) })
	return out, nil
}

func (m *ProfileRepo) UpsertProfile(ctx context.Context, p *models.Profile) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Upserts++
	if m.UpsertErr != nil {
		return nil, m.UpsertErr
	}
	if p == nil || key(p.WalletAddress) == "" {
		return nil, errors.New("profile wallet address is required")
	}
	cur, ok := m.stored[key(p.WalletAddress)]
	if !ok {
		m.nextID++
		cur = clone(p)
		cur.ID = m.nextID
		m.stored[key(p.WalletAddress)] = cur
		return clone(cur), nil
	}
	patch := models.ProfilePatch{}
	if p.Username != "" {
		patch.Username = &p.Username
	}
	if p.Role != "" {
		patch.Role = &p.Role
	}
	if p.PhotoURL != "" {
		patch.PhotoURL = &p.PhotoURL
	}
	for _, l := range []models.ProfileList{models.ListCompletedJobs, models.ListAppliedJobs, models.ListPostedJobs, models.ListPastMediations} {
		if src := p.List(l); *src != nil {
			*cur.List(l) = slices.Clone(*src)
		}
	}
	patch.Apply(cur)
	return clone(cur), nil
}

func (m *ProfileRepo) PatchProfile(ctx context.Context, wallet string, patch models.ProfilePatch) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertErr != nil {
		return nil, m.UpsertErr
	}
	cur, ok := m.stored[key(wallet)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	patch.Apply(cur)
	return clone(cur), nil
}

func (m *ProfileRepo) AppendToList(ctx context.Context, wallet string, list models.ProfileList, item string) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertErr != nil {
		return nil, m.UpsertErr
	}
	cur, ok := m.stored[key(wallet)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	dst := cur.List(list)
	if dst == nil {
		return nil, errors.New("unknown profile list")
	}
	if !slices.Contains(*dst, item) {
		*dst = append(*dst, item)
	}
	return clone(cur), nil
}

func (m *ProfileRepo) DeleteProfile(ctx context.Context, wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stored, key(wallet))
	return nil
}

// SchemaRepo is a small in-memory implementation of repository.SchemaRepo.
type SchemaRepo struct {
	mu      sync.Mutex
	schemas map[string]models.Schema
}

func (f *SchemaRepo) CreateSchema(ctx context.Context, version, description, schemaJSON string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := int64(len(f.schemas) + 1)
	if s, ok := f.schemas[version]; ok {
		id = s.ID
	}
	f.schemas[version] = models.Schema{ID: id, Version: version, Description: description, SchemaJSON: schemaJSON}
	return id, nil
}

func (f *SchemaRepo) GetSchemaByVersion(ctx context.Context, version string) (*models.Schema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.schemas[version]; ok {
		return &s, nil
	}
	return nil, nil
}

func (f *SchemaRepo) ListSchemas(ctx context.Context) ([]models.Schema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Schema, 0, len(f.schemas))
	for _, s := range f.schemas {
		out = append(out, s)
	}
	return out, nil
}

func (f *SchemaRepo) DeleteSchema(ctx context.Context, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.schemas[version]; !ok {
		return repository.ErrNotFound
	}
	delete(f.schemas, version)
	return nil
}
