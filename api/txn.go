package api

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/garnizeh/chainlance/internal/dashboard"
	"github.com/garnizeh/chainlance/internal/txn"
)

// TxnHandler drives the mutating contract operations. A response is only
// written once the transaction confirmed or failed.
type TxnHandler struct {
	dash *dashboard.Service
}

func NewTxnHandler(d *dashboard.Service) *TxnHandler {
	return &TxnHandler{dash: d}
}

type opFunc = func(ctx context.Context, o *txn.Orchestrator) (*txn.Receipt, error)

func (h *TxnHandler) run(w http.ResponseWriter, r *http.Request, op opFunc) {
	// a client hanging up must not abandon a submitted transaction before
	// its confirmation and refresh; the orchestrator bounds the wait
	ctx := context.WithoutCancel(r.Context())
	rc, err := h.dash.Do(ctx, op)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, dashboard.NewReceipt(rc), http.StatusOK)
}

// Register creates the on-chain account of the session and its profile.
func (h *TxnHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req dashboard.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	reg, err := h.dash.Register(context.WithoutCancel(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, reg, http.StatusCreated)
}

type offerRequest struct {
	Stake string `json:"stake"`
}

func (h *TxnHandler) OfferWork(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	h.run(w, r, func(ctx context.Context, o *txn.Orchestrator) (*txn.Receipt, error) {
		return o.OfferWork(ctx, req.Stake)
	})
}

// idOp adapts an operation keyed only by the {id} path variable.
func (h *TxnHandler) idOp(fn func(o *txn.Orchestrator, ctx context.Context, id common.Hash) (*txn.Receipt, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := hashVar(r, "id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		h.run(w, r, func(ctx context.Context, o *txn.Orchestrator) (*txn.Receipt, error) {
			return fn(o, ctx, id)
		})
	}
}

func (h *TxnHandler) DeleteWork() http.HandlerFunc { return h.idOp((*txn.Orchestrator).DeleteWork) }

func (h *TxnHandler) ApplyToWork() http.HandlerFunc { return h.idOp((*txn.Orchestrator).ApplyToWork) }

func (h *TxnHandler) SetEmployeeDone() http.HandlerFunc {
	return h.idOp((*txn.Orchestrator).SetEmployeeDone)
}

func (h *TxnHandler) SetEmployerValidate() http.HandlerFunc {
	return h.idOp((*txn.Orchestrator).SetEmployerValidate)
}

func (h *TxnHandler) RaiseDispute() http.HandlerFunc { return h.idOp((*txn.Orchestrator).RaiseDispute) }

type recruitRequest struct {
	Candidate *uint64 `json:"candidate"`
}

// RecruitEmployee hires the candidate at the given index of the candidate list.
func (h *TxnHandler) RecruitEmployee(w http.ResponseWriter, r *http.Request) {
	id, err := hashVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req recruitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Candidate == nil {
		writeError(w, r, badRequestf("candidate index is required"))
		return
	}
	h.run(w, r, func(ctx context.Context, o *txn.Orchestrator) (*txn.Receipt, error) {
		return o.RecruitEmployee(ctx, id, *req.Candidate)
	})
}

type suggestRequest struct {
	Address string `json:"address"`
}

func (h *TxnHandler) SuggestMiddleman(w http.ResponseWriter, r *http.Request) {
	id, err := hashVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req suggestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := addressParam(req.Address, "address")
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.run(w, r, func(ctx context.Context, o *txn.Orchestrator) (*txn.Receipt, error) {
		return o.SuggestMiddleman(ctx, id, m)
	})
}

type acceptRequest struct {
	Index *uint64 `json:"index"`
}

func (h *TxnHandler) AcceptMiddleman(w http.ResponseWriter, r *http.Request) {
	id, err := hashVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req acceptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Index == nil {
		writeError(w, r, badRequestf("middleman index is required"))
		return
	}
	h.run(w, r, func(ctx context.Context, o *txn.Orchestrator) (*txn.Receipt, error) {
		return o.AcceptMiddleman(ctx, id, *req.Index)
	})
}

type resolveRequest struct {
	EmployeePercent uint64 `json:"employeePercent"`
	EmployerPercent uint64 `json:"employerPercent"`
}

func (h *TxnHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	id, err := hashVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	h.run(w, r, func(ctx context.Context, o *txn.Orchestrator) (*txn.Receipt, error) {
		return o.ResolveDispute(ctx, id, req.EmployeePercent, req.EmployerPercent)
	})
}
