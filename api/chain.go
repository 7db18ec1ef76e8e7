package api

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"

	"github.com/garnizeh/chainlance/internal/apperr"
	"github.com/garnizeh/chainlance/internal/dashboard"
	"github.com/garnizeh/chainlance/pkg/binding"
	"github.com/garnizeh/chainlance/pkg/repository"
)

// ChainHandler serves the synchronized contract state. Every route reads
// through the read channel and works without a wallet.
type ChainHandler struct {
	dash *dashboard.Service
}

func NewChainHandler(d *dashboard.Service) *ChainHandler {
	return &ChainHandler{dash: d}
}

func hashVar(r *http.Request, name string) (common.Hash, error) {
	b, err := hexutil.Decode(mux.Vars(r)[name])
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, badRequestf("%s must be a 0x-prefixed 32-byte hex value", name)
	}
	return common.BytesToHash(b), nil
}

func addressParam(raw, name string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequestf("%s must be a hex address", name)
	}
	return common.HexToAddress(raw), nil
}

// account resolves the address a read is scoped to: the query parameter
// when present, the session account otherwise.
func (h *ChainHandler) account(r *http.Request, param, op string) (common.Address, error) {
	if raw := r.URL.Query().Get(param); raw != "" {
		return addressParam(raw, param)
	}
	cur := h.dash.Session()
	if !cur.Connected() {
		return common.Address{}, apperr.New(apperr.WalletUnavailable, op, "no wallet connected and no "+param+" given")
	}
	return cur.Address, nil
}

// View returns the published view, building it first when none exists.
func (h *ChainHandler) View(w http.ResponseWriter, r *http.Request) {
	v := h.dash.Sync().View()
	if v == nil {
		var err error
		if v, err = h.dash.Sync().Refresh(r.Context(), h.dash.Session().Address); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, dashboard.NewView(v), http.StatusOK)
}

func (h *ChainHandler) RefreshView(w http.ResponseWriter, r *http.Request) {
	v, err := h.dash.Sync().Refresh(r.Context(), h.dash.Session().Address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, dashboard.NewView(v), http.StatusOK)
}

func (h *ChainHandler) OpenOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.dash.Sync().OpenOffers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, dashboard.NewOffers(offers), http.StatusOK)
}

// MyOffers lists the offers of ?employer=, or of the session account.
func (h *ChainHandler) MyOffers(w http.ResponseWriter, r *http.Request) {
	who, err := h.account(r, "employer", "my offers")
	if err != nil {
		writeError(w, r, err)
		return
	}
	offers, err := h.dash.Sync().OffersBy(r.Context(), who)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, dashboard.NewOffers(offers), http.StatusOK)
}

func (h *ChainHandler) Offer(w http.ResponseWriter, r *http.Request) {
	id, err := hashVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, ok, err := h.dash.Sync().Offer(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, repository.ErrNotFound)
		return
	}
	writeJSON(w, dashboard.NewOffer(o), http.StatusOK)
}

type candidate struct {
	Index   int            `json:"index"`
	Address common.Address `json:"address"`
}

// Candidates lists applicants with the index recruit expects for each.
func (h *ChainHandler) Candidates(w http.ResponseWriter, r *http.Request) {
	id, err := hashVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	cands, err := h.dash.Sync().Candidates(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]candidate, 0, len(cands))
	for i, c := range cands {
		out = append(out, candidate{Index: i, Address: c})
	}
	writeJSON(w, out, http.StatusOK)
}

// Agreements lists the agreements visible to ?account=, or to the session
// account.
func (h *ChainHandler) Agreements(w http.ResponseWriter, r *http.Request) {
	who, err := h.account(r, "account", "agreements")
	if err != nil {
		writeError(w, r, err)
		return
	}
	as, err := h.dash.Sync().Agreements(r.Context(), who)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, dashboard.NewAgreements(as), http.StatusOK)
}

func (h *ChainHandler) Agreement(w http.ResponseWriter, r *http.Request) {
	id, err := hashVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, ok, err := h.dash.Sync().Agreement(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, repository.ErrNotFound)
		return
	}
	writeJSON(w, dashboard.NewAgreement(a), http.StatusOK)
}

func (h *ChainHandler) AskedMiddlemen(w http.ResponseWriter, r *http.Request) {
	id, err := hashVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	ms, err := h.dash.Sync().AskedMiddlemen(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]candidate, 0, len(ms))
	for i, m := range ms {
		out = append(out, candidate{Index: i, Address: m})
	}
	writeJSON(w, out, http.StatusOK)
}

type middlemanResponse struct {
	Middleman *common.Address `json:"middleman"`
}

func (h *ChainHandler) Middleman(w http.ResponseWriter, r *http.Request) {
	id, err := hashVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.dash.Sync().Middleman(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var resp middlemanResponse
	if m != (common.Address{}) {
		resp.Middleman = &m
	}
	writeJSON(w, resp, http.StatusOK)
}

func (h *ChainHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.dash.Sync().Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, dashboard.NewStats(st), http.StatusOK)
}

type capabilitiesResponse struct {
	Registered   bool            `json:"registered"`
	Capabilities binding.Account `json:"capabilities"`
}

func (h *ChainHandler) Capabilities(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(mux.Vars(r)["address"], "address")
	if err != nil {
		writeError(w, r, err)
		return
	}
	acct, ok, err := h.dash.Sync().Capabilities(r.Context(), addr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		acct = binding.Account{Address: addr}
	}
	writeJSON(w, capabilitiesResponse{Registered: ok, Capabilities: acct}, http.StatusOK)
}
