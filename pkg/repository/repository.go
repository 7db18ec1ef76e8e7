package repository

import (
	"context"
	"errors"

	"github.com/garnizeh/chainlance/pkg/models"
)

// ErrNotFound is returned by operations that require an existing record.
var ErrNotFound = errors.New("not found")

// Repository interfaces for the local preference store. These are the public
// contracts consumers should depend on; concrete implementations live under
// internal/.

// ProfileRepo stores profiles keyed by wallet address. Lookups ignore the
// case of the address.
type ProfileRepo interface {
	// GetProfile returns nil, nil when no profile exists.
	GetProfile(ctx context.Context, wallet string) (*models.Profile, error)
	ListProfiles(ctx context.Context) ([]models.Profile, error)
	// UpsertProfile creates the profile or merges the set fields of p into
	// the existing one.
	UpsertProfile(ctx context.Context, p *models.Profile) (*models.Profile, error)
	// PatchProfile returns ErrNotFound when no profile exists.
	PatchProfile(ctx context.Context, wallet string, patch models.ProfilePatch) (*models.Profile, error)
	// AppendToList adds item to a list field unless already present.
	AppendToList(ctx context.Context, wallet string, list models.ProfileList, item string) (*models.Profile, error)
	DeleteProfile(ctx context.Context, wallet string) error
}

type SchemaRepo interface {
	CreateSchema(ctx context.Context, version, description, schemaJSON string) (int64, error)
	GetSchemaByVersion(ctx context.Context, version string) (*models.Schema, error)
	ListSchemas(ctx context.Context) ([]models.Schema, error)
	DeleteSchema(ctx context.Context, version string) error
}
