package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/qri-io/jsonschema"

	"github.com/garnizeh/chainlance/internal/apperr"
	"github.com/garnizeh/chainlance/internal/profile"
	"github.com/garnizeh/chainlance/pkg/repository"
)

// SchemaHandler manages the profile document schemas. Every change is
// followed by a reload so validation picks it up immediately.
type SchemaHandler struct {
	schemaRepo repository.SchemaRepo
	loader     *profile.Loader
	active     string
}

func NewSchemaHandler(schemaRepo repository.SchemaRepo, loader *profile.Loader, active string) *SchemaHandler {
	return &SchemaHandler{schemaRepo: schemaRepo, loader: loader, active: active}
}

func (h *SchemaHandler) ListSchemasHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := h.schemaRepo.ListSchemas(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("list schemas: %w", err))
		return
	}

	writeJSON(w, rows, http.StatusOK)
}

func (h *SchemaHandler) GetSchemaHandler(w http.ResponseWriter, r *http.Request) {
	s, err := h.schemaRepo.GetSchemaByVersion(r.Context(), mux.Vars(r)["version"])
	if err != nil {
		writeError(w, r, fmt.Errorf("get schema: %w", err))
		return
	}
	if s == nil {
		writeError(w, r, repository.ErrNotFound)
		return
	}

	writeJSON(w, s, http.StatusOK)
}

type schemaPayload struct {
	Version     string          `json:"version"`
	Description string          `json:"description,omitempty"`
	SchemaJSON  json.RawMessage `json:"schema_json"`
}

// CreateOrUpdateSchemaHandler compiles and stores a schema.
func (h *SchemaHandler) CreateOrUpdateSchemaHandler(w http.ResponseWriter, r *http.Request) {
	var p schemaPayload
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	if p.Version == "" {
		writeError(w, r, badRequestf("version required"))
		return
	}
	if len(p.SchemaJSON) == 0 {
		writeError(w, r, badRequestf("schema_json required"))
		return
	}

	// compile check using qri-io/jsonschema
	rs := &jsonschema.Schema{}
	if err := json.Unmarshal(p.SchemaJSON, rs); err != nil {
		writeError(w, r, badRequestf("invalid schema json: %v", err))
		return
	}

	ctx := r.Context()
	if _, err := h.schemaRepo.CreateSchema(ctx, p.Version, p.Description, string(p.SchemaJSON)); err != nil {
		writeError(w, r, fmt.Errorf("store schema: %w", err))
		return
	}
	if err := h.loader.Reload(ctx); err != nil {
		writeError(w, r, fmt.Errorf("reload schemas: %w", err))
		return
	}
	logger.Info("profile schema stored", slog.String("version", p.Version))

	w.WriteHeader(http.StatusNoContent)
}

// DeleteSchemaHandler removes a schema version. The version profiles are
// validated against cannot be deleted.
func (h *SchemaHandler) DeleteSchemaHandler(w http.ResponseWriter, r *http.Request) {
	version := mux.Vars(r)["version"]
	if version == h.active {
		writeError(w, r, apperr.Precondition("delete schema", "schema %s is in use", version))
		return
	}

	ctx := r.Context()
	if err := h.schemaRepo.DeleteSchema(ctx, version); err != nil {
		writeError(w, r, fmt.Errorf("delete schema: %w", err))
		return
	}
	if err := h.loader.Reload(ctx); err != nil {
		writeError(w, r, fmt.Errorf("reload schemas: %w", err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
