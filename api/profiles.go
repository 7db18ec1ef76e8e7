package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/garnizeh/chainlance/internal/profile"
	"github.com/garnizeh/chainlance/pkg/models"
)

// ProfileHandler serves the local profile records. Reads are public;
// writes only ever touch the profile of the authenticated wallet.
type ProfileHandler struct {
	profiles *profile.Service
}

func NewProfileHandler(p *profile.Service) *ProfileHandler {
	return &ProfileHandler{profiles: p}
}

func (h *ProfileHandler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	ps, err := h.profiles.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ps == nil {
		ps = []models.Profile{}
	}
	writeJSON(w, ps, http.StatusOK)
}

func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(mux.Vars(r)["wallet"], "wallet")
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.profiles.Get(r.Context(), addr.Hex())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, p, http.StatusOK)
}

func walletOf(r *http.Request) (string, error) {
	a, ok := WalletFromContext(r.Context())
	if !ok {
		return "", badRequestf("request is not bound to a wallet")
	}
	return a.Hex(), nil
}

// PutProfile creates the caller's profile or merges the given fields into it.
func (h *ProfileHandler) PutProfile(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var p models.Profile
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	p.WalletAddress = wallet
	out, err := h.profiles.Upsert(r.Context(), &p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, out, http.StatusOK)
}

func (h *ProfileHandler) PatchProfile(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var patch models.ProfilePatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.profiles.Patch(r.Context(), wallet, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, out, http.StatusOK)
}

type appendRequest struct {
	Item string `json:"item"`
}

func (h *ProfileHandler) AppendToList(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req appendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Item == "" {
		writeError(w, r, badRequestf("item is required"))
		return
	}
	out, err := h.profiles.Append(r.Context(), wallet, models.ProfileList(mux.Vars(r)["list"]), req.Item)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, out, http.StatusOK)
}

func (h *ProfileHandler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.profiles.Delete(r.Context(), wallet); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
