package txn

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/garnizeh/chainlance/internal/apperr"
	"github.com/garnizeh/chainlance/pkg/binding"
	"github.com/garnizeh/chainlance/pkg/chain"
)

// Operation names used in errors, logs and metrics.
const (
	OpCreateAccount       = "create_account"
	OpOfferWork           = "offer_work"
	OpDeleteWork          = "delete_work"
	OpApplyToWork         = "apply_to_work"
	OpRecruitEmployee     = "recruit_employee"
	OpSetEmployeeDone     = "set_employee_done"
	OpSetEmployerValidate = "set_employer_validate"
	OpSuggestMiddleman    = "suggest_middleman"
	OpAcceptMiddleman     = "accept_middleman"
	OpRaiseDispute        = "raise_dispute"
	OpResolveDispute      = "resolve_dispute"
)

// DisputeTotal is what the two resolution percentages must add up to.
const DisputeTotal = 100

// CreateAccount registers the session address with exactly one role.
func (o *Orchestrator) CreateAccount(ctx context.Context, role binding.Role) (*Receipt, error) {
	emp, er, mid := role.Flags()
	return o.run(ctx, request{
		op:     OpCreateAccount,
		method: binding.MethodNewAccount,
		args:   []any{emp, er, mid},
		precheck: func(_ context.Context, s *chain.Session) error {
			if !role.Valid() {
				return apperr.Precondition(OpCreateAccount, "unknown role %q", role)
			}
			if s.Registered {
				return apperr.Precondition(OpCreateAccount, "account already registered")
			}
			return nil
		},
	})
}

// OfferWork funds a new offer with stake, a decimal ether amount such as "1.5".
func (o *Orchestrator) OfferWork(ctx context.Context, stake string) (*Receipt, error) {
	wei, err := binding.ParseEther(stake)
	if err != nil {
		return nil, o.fail(o.logger.With("op", OpOfferWork), OpOfferWork,
			apperr.Precondition(OpOfferWork, "invalid stake amount %q", stake))
	}
	return o.OfferWorkWei(ctx, wei)
}

// OfferWorkWei funds a new offer with stake in wei.
func (o *Orchestrator) OfferWorkWei(ctx context.Context, stake *big.Int) (*Receipt, error) {
	return o.run(ctx, request{
		op:     OpOfferWork,
		method: binding.MethodOfferWork,
		value:  stake,
		precheck: func(context.Context, *chain.Session) error {
			if stake == nil || stake.Sign() <= 0 {
				return apperr.Precondition(OpOfferWork, "stake must be positive")
			}
			return nil
		},
	})
}

func (o *Orchestrator) openOffer(ctx context.Context, op string, id common.Hash) (binding.OfferedWork, error) {
	w, ok, err := o.state.Offer(ctx, id)
	if err != nil {
		return w, err
	}
	if !ok {
		return w, apperr.Precondition(op, "offered work %s does not exist", id.Hex())
	}
	if w.Sealed {
		return w, apperr.Precondition(op, "offered work %s is sealed", id.Hex())
	}
	return w, nil
}

// DeleteWork closes an open offer and refunds its stake to the employer.
func (o *Orchestrator) DeleteWork(ctx context.Context, offerID common.Hash) (*Receipt, error) {
	return o.run(ctx, request{
		op:     OpDeleteWork,
		method: binding.MethodDeleteWork,
		args:   []any{[32]byte(offerID)},
		precheck: func(ctx context.Context, s *chain.Session) error {
			w, err := o.openOffer(ctx, OpDeleteWork, offerID)
			if err != nil {
				return err
			}
			if w.Employer != s.Address {
				return apperr.Precondition(OpDeleteWork, "only the employer can delete this offer")
			}
			return nil
		},
	})
}

// ApplyToWork adds the session address to an offer's candidates.
func (o *Orchestrator) ApplyToWork(ctx context.Context, offerID common.Hash) (*Receipt, error) {
	return o.run(ctx, request{
		op:     OpApplyToWork,
		method: binding.MethodApplyOfferedWork,
		args:   []any{[32]byte(offerID)},
		precheck: func(ctx context.Context, _ *chain.Session) error {
			_, err := o.openOffer(ctx, OpApplyToWork, offerID)
			return err
		},
	})
}

// RecruitEmployee hires the candidate at position which of the candidate
// list as the contract orders it. The offer is sealed and an agreement created.
func (o *Orchestrator) RecruitEmployee(ctx context.Context, offerID common.Hash, which uint64) (*Receipt, error) {
	return o.run(ctx, request{
		op:     OpRecruitEmployee,
		method: binding.MethodRecruitEmployee,
		args:   []any{[32]byte(offerID), new(big.Int).SetUint64(which)},
		precheck: func(ctx context.Context, _ *chain.Session) error {
			if _, err := o.openOffer(ctx, OpRecruitEmployee, offerID); err != nil {
				return err
			}
			cands, err := o.state.Candidates(ctx, offerID)
			if err != nil {
				return err
			}
			if which >= uint64(len(cands)) {
				return apperr.Precondition(OpRecruitEmployee, "candidate index %d out of range (%d candidates)", which, len(cands))
			}
			return nil
		},
	})
}

func (o *Orchestrator) agreement(ctx context.Context, op string, id common.Hash) (binding.Agreement, error) {
	a, ok, err := o.state.Agreement(ctx, id)
	if err != nil {
		return a, err
	}
	if !ok {
		return a, apperr.Precondition(op, "agreement %s does not exist", id.Hex())
	}
	return a, nil
}

func (o *Orchestrator) SetEmployeeDone(ctx context.Context, agreementID common.Hash) (*Receipt, error) {
	return o.run(ctx, request{
		op:     OpSetEmployeeDone,
		method: binding.MethodSetEmployeeDone,
		args:   []any{[32]byte(agreementID)},
		precheck: func(ctx context.Context, _ *chain.Session) error {
			a, err := o.agreement(ctx, OpSetEmployeeDone, agreementID)
			if err != nil {
				return err
			}
			if a.EmployeeDone {
				return apperr.Precondition(OpSetEmployeeDone, "agreement already marked done")
			}
			return nil
		},
	})
}

// SetEmployerValidate approves the work, which releases the escrow to the employee.
func (o *Orchestrator) SetEmployerValidate(ctx context.Context, agreementID common.Hash) (*Receipt, error) {
	return o.run(ctx, request{
		op:     OpSetEmployerValidate,
		method: binding.MethodSetEmployerValidate,
		args:   []any{[32]byte(agreementID)},
		precheck: func(ctx context.Context, _ *chain.Session) error {
			a, err := o.agreement(ctx, OpSetEmployerValidate, agreementID)
			if err != nil {
				return err
			}
			if a.EmployerValidated {
				return apperr.Precondition(OpSetEmployerValidate, "agreement already validated")
			}
			return nil
		},
	})
}

func (o *Orchestrator) SuggestMiddleman(ctx context.Context, agreementID common.Hash, middleman common.Address) (*Receipt, error) {
	return o.run(ctx, request{
		op:     OpSuggestMiddleman,
		method: binding.MethodSuggestMiddleman,
		args:   []any{[32]byte(agreementID), middleman},
		precheck: func(ctx context.Context, _ *chain.Session) error {
			if middleman == (common.Address{}) {
				return apperr.Precondition(OpSuggestMiddleman, "middleman address is required")
			}
			_, err := o.agreement(ctx, OpSuggestMiddleman, agreementID)
			return err
		},
	})
}

// AcceptMiddleman accepts the invitation at position which, as the invited
// middleman.
func (o *Orchestrator) AcceptMiddleman(ctx context.Context, agreementID common.Hash, which uint64) (*Receipt, error) {
	return o.run(ctx, request{
		op:     OpAcceptMiddleman,
		method: binding.MethodMiddlemanValidate,
		args:   []any{[32]byte(agreementID), new(big.Int).SetUint64(which)},
		precheck: func(ctx context.Context, _ *chain.Session) error {
			a, err := o.agreement(ctx, OpAcceptMiddleman, agreementID)
			if err != nil {
				return err
			}
			if which >= a.AskedMiddlemanCount {
				return apperr.Precondition(OpAcceptMiddleman, "middleman index %d out of range (%d asked)", which, a.AskedMiddlemanCount)
			}
			return nil
		},
	})
}

func (o *Orchestrator) RaiseDispute(ctx context.Context, agreementID common.Hash) (*Receipt, error) {
	return o.run(ctx, request{
		op:     OpRaiseDispute,
		method: binding.MethodRaiseDispute,
		args:   []any{[32]byte(agreementID)},
		precheck: func(ctx context.Context, _ *chain.Session) error {
			a, err := o.agreement(ctx, OpRaiseDispute, agreementID)
			if err != nil {
				return err
			}
			if a.DisputeRaised {
				return apperr.Precondition(OpRaiseDispute, "dispute already raised")
			}
			return nil
		},
	})
}

// ResolveDispute splits the escrow between the parties as the accepted
// middleman. The two percentages must add up to DisputeTotal.
func (o *Orchestrator) ResolveDispute(ctx context.Context, agreementID common.Hash, employeePercent, employerPercent uint64) (*Receipt, error) {
	return o.run(ctx, request{
		op:     OpResolveDispute,
		method: binding.MethodResolveDisputeMiddleman,
		args: []any{
			[32]byte(agreementID),
			new(big.Int).SetUint64(employeePercent),
			new(big.Int).SetUint64(employerPercent),
		},
		precheck: func(ctx context.Context, _ *chain.Session) error {
			if employeePercent > DisputeTotal || employerPercent > DisputeTotal || employeePercent+employerPercent != DisputeTotal {
				return apperr.Precondition(OpResolveDispute, "percentages must sum to %d, got %d and %d", DisputeTotal, employeePercent, employerPercent)
			}
			_, err := o.agreement(ctx, OpResolveDispute, agreementID)
			return err
		},
	})
}
