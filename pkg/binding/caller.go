package binding

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// ErrNoCode is returned when a view call comes back empty, which means no
// contract is deployed at the configured address on this network.
var ErrNoCode = errors.New("no contract code at address")

// ContractCaller is the read surface a view call needs.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// CallOpts tunes a view call. From matters for getters the contract scopes to
// msg.sender (getOfferedWorks, getAgreements, getCandidates).
type CallOpts struct {
	From        common.Address
	BlockNumber *big.Int
}

// Caller performs typed view calls against one deployed contract.
type Caller struct {
	b       *Binding
	address common.Address
	backend ContractCaller
}

func NewCaller(b *Binding, address common.Address, backend ContractCaller) *Caller {
	return &Caller{b: b, address: address, backend: backend}
}

// Address is the contract address this caller targets.
func (c *Caller) Address() common.Address { return c.address }

// Binding returns the binding used for encoding.
func (c *Caller) Binding() *Binding { return c.b }

func (c *Caller) call(ctx context.Context, opts CallOpts, method string, args ...any) ([]byte, error) {
	input, err := c.b.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	to := c.address
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: opts.From, To: &to, Data: input}, opts.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s at %s", ErrNoCode, method, c.address.Hex())
	}
	return out, nil
}

func (c *Caller) BalanceReceived(ctx context.Context, opts CallOpts) (*big.Int, error) {
	out, err := c.call(ctx, opts, MethodBalanceReceived)
	if err != nil {
		return nil, err
	}
	return c.b.DecodeUint(MethodBalanceReceived, out)
}

func (c *Caller) NumOfAgreements(ctx context.Context, opts CallOpts) (*big.Int, error) {
	out, err := c.call(ctx, opts, MethodNumOfAgreements)
	if err != nil {
		return nil, err
	}
	return c.b.DecodeUint(MethodNumOfAgreements, out)
}

func (c *Caller) NumOfOfferedWorks(ctx context.Context, opts CallOpts) (*big.Int, error) {
	out, err := c.call(ctx, opts, MethodNumOfOfferedWorks)
	if err != nil {
		return nil, err
	}
	return c.b.DecodeUint(MethodNumOfOfferedWorks, out)
}

// OfferedWork is the point read of one offer's current state.
func (c *Caller) OfferedWork(ctx context.Context, opts CallOpts, id common.Hash) (OfferedWork, error) {
	out, err := c.call(ctx, opts, MethodOfferedWorks, [32]byte(id))
	if err != nil {
		return OfferedWork{}, err
	}
	w, err := c.b.DecodeOfferedWork(out)
	if err != nil {
		return OfferedWork{}, err
	}
	// the mapping getter echoes the stored id, which is zero for unknown keys
	w.ID = id
	return w, nil
}

// Agreement is the point read through the agreements mapping getter.
func (c *Caller) Agreement(ctx context.Context, opts CallOpts, id common.Hash) (Agreement, error) {
	out, err := c.call(ctx, opts, MethodAgreements, [32]byte(id))
	if err != nil {
		return Agreement{}, err
	}
	a, err := c.b.DecodeAgreement(MethodAgreements, out)
	if err != nil {
		return Agreement{}, err
	}
	a.ID = id
	return a, nil
}

// GetAgreement reads one agreement through the struct-returning getter.
func (c *Caller) GetAgreement(ctx context.Context, opts CallOpts, id common.Hash) (Agreement, error) {
	out, err := c.call(ctx, opts, MethodGetAgreement, [32]byte(id))
	if err != nil {
		return Agreement{}, err
	}
	return c.b.DecodeAgreement(MethodGetAgreement, out)
}

func (c *Caller) OfferedWorkIDs(ctx context.Context, opts CallOpts) ([]common.Hash, error) {
	out, err := c.call(ctx, opts, MethodGetOfferedWorkIDs)
	if err != nil {
		return nil, err
	}
	return c.b.DecodeHashes(MethodGetOfferedWorkIDs, out)
}

// OfferedWorks returns what the contract reports as the caller's offers.
func (c *Caller) OfferedWorks(ctx context.Context, opts CallOpts) ([]OfferedWork, error) {
	out, err := c.call(ctx, opts, MethodGetOfferedWorks)
	if err != nil {
		return nil, err
	}
	return c.b.DecodeOfferedWorks(out)
}

func (c *Caller) AgreementIDs(ctx context.Context, opts CallOpts) ([]common.Hash, error) {
	out, err := c.call(ctx, opts, MethodGetAgreementIDs)
	if err != nil {
		return nil, err
	}
	return c.b.DecodeHashes(MethodGetAgreementIDs, out)
}

// Agreements returns every agreement the caller is a party to.
func (c *Caller) Agreements(ctx context.Context, opts CallOpts) ([]Agreement, error) {
	out, err := c.call(ctx, opts, MethodGetAgreements)
	if err != nil {
		return nil, err
	}
	return c.b.DecodeAgreements(out)
}

// Candidates returns the ordered applicant list of an offer.
func (c *Caller) Candidates(ctx context.Context, opts CallOpts, offerID common.Hash) ([]common.Address, error) {
	out, err := c.call(ctx, opts, MethodGetCandidates, [32]byte(offerID))
	if err != nil {
		return nil, err
	}
	return c.b.DecodeAddresses(MethodGetCandidates, out)
}

func (c *Caller) AskedMiddleman(ctx context.Context, opts CallOpts, agreementID common.Hash, which uint64) (common.Address, error) {
	out, err := c.call(ctx, opts, MethodGetAskedMiddleman, [32]byte(agreementID), new(big.Int).SetUint64(which))
	if err != nil {
		return common.Address{}, err
	}
	return c.b.DecodeAddress(MethodGetAskedMiddleman, out)
}

func (c *Caller) Middleman(ctx context.Context, opts CallOpts, agreementID common.Hash) (common.Address, error) {
	out, err := c.call(ctx, opts, MethodGetMiddleman, [32]byte(agreementID))
	if err != nil {
		return common.Address{}, err
	}
	return c.b.DecodeAddress(MethodGetMiddleman, out)
}
