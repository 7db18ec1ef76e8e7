package binding

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DecodeOfferedWork decodes the offeredWorks(bytes32) mapping getter.
func (b *Binding) DecodeOfferedWork(data []byte) (OfferedWork, error) {
	const m = MethodOfferedWorks
	vals, err := b.Unpack(m, data)
	if err != nil {
		return OfferedWork{}, err
	}
	id, err := at[[32]byte](m, vals, 0)
	if err != nil {
		return OfferedWork{}, err
	}
	employer, err := at[common.Address](m, vals, 1)
	if err != nil {
		return OfferedWork{}, err
	}
	stake, err := at[*big.Int](m, vals, 2)
	if err != nil {
		return OfferedWork{}, err
	}
	sealed, err := at[bool](m, vals, 3)
	if err != nil {
		return OfferedWork{}, err
	}
	return OfferedWork{ID: id, Employer: employer, StakedAmount: nonNil(stake), Sealed: sealed}, nil
}

// DecodeOfferedWorks decodes the getOfferedWorks tuple[] return.
func (b *Binding) DecodeOfferedWorks(data []byte) ([]OfferedWork, error) {
	const m = MethodGetOfferedWorks
	vals, err := b.Unpack(m, data)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("%w: %s: want 1 value, got %d", ErrDecode, m, len(vals))
	}
	tuples, err := convert[[]offeredWorkTuple](m, vals[0])
	if err != nil {
		return nil, err
	}
	out := make([]OfferedWork, 0, len(tuples))
	for _, t := range tuples {
		out = append(out, t.offer())
	}
	return out, nil
}

// DecodeAgreement decodes either the agreements(bytes32) mapping getter or
// the getAgreement(bytes32) tuple return.
func (b *Binding) DecodeAgreement(method string, data []byte) (Agreement, error) {
	vals, err := b.Unpack(method, data)
	if err != nil {
		return Agreement{}, err
	}
	switch method {
	case MethodGetAgreement:
		if len(vals) != 1 {
			return Agreement{}, fmt.Errorf("%w: %s: want 1 value, got %d", ErrDecode, method, len(vals))
		}
		t, err := convert[agreementTuple](method, vals[0])
		if err != nil {
			return Agreement{}, err
		}
		return t.agreement()
	case MethodAgreements:
		var t agreementTuple
		if t.AgreementId, err = at[[32]byte](method, vals, 0); err != nil {
			return Agreement{}, err
		}
		if t.Employer, err = at[common.Address](method, vals, 1); err != nil {
			return Agreement{}, err
		}
		if t.Employee, err = at[common.Address](method, vals, 2); err != nil {
			return Agreement{}, err
		}
		if t.Middleman, err = at[common.Address](method, vals, 3); err != nil {
			return Agreement{}, err
		}
		if t.AmountForEmployee, err = at[*big.Int](method, vals, 4); err != nil {
			return Agreement{}, err
		}
		if t.AskedMiddlemanNumber, err = at[*big.Int](method, vals, 5); err != nil {
			return Agreement{}, err
		}
		if t.EmployeeDone, err = at[bool](method, vals, 6); err != nil {
			return Agreement{}, err
		}
		if t.EmployerValidate, err = at[bool](method, vals, 7); err != nil {
			return Agreement{}, err
		}
		if t.DisputeRaised, err = at[bool](method, vals, 8); err != nil {
			return Agreement{}, err
		}
		if t.ResolveCheck, err = at[bool](method, vals, 9); err != nil {
			return Agreement{}, err
		}
		return t.agreement()
	}
	return Agreement{}, fmt.Errorf("%w: %s does not return an agreement", ErrUnknownOperation, method)
}

// DecodeAgreements decodes the getAgreements tuple[] return.
func (b *Binding) DecodeAgreements(data []byte) ([]Agreement, error) {
	const m = MethodGetAgreements
	vals, err := b.Unpack(m, data)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("%w: %s: want 1 value, got %d", ErrDecode, m, len(vals))
	}
	tuples, err := convert[[]agreementTuple](m, vals[0])
	if err != nil {
		return nil, err
	}
	out := make([]Agreement, 0, len(tuples))
	for _, t := range tuples {
		a, err := t.agreement()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// DecodeHashes decodes a single bytes32[] return.
func (b *Binding) DecodeHashes(method string, data []byte) ([]common.Hash, error) {
	vals, err := b.Unpack(method, data)
	if err != nil {
		return nil, err
	}
	raw, err := at[[][32]byte](method, vals, 0)
	if err != nil {
		return nil, err
	}
	out := make([]common.Hash, len(raw))
	for i, h := range raw {
		out[i] = h
	}
	return out, nil
}

// DecodeAddresses decodes a single address[] return.
func (b *Binding) DecodeAddresses(method string, data []byte) ([]common.Address, error) {
	vals, err := b.Unpack(method, data)
	if err != nil {
		return nil, err
	}
	out, err := at[[]common.Address](method, vals, 0)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []common.Address{}
	}
	return out, nil
}

// DecodeAddress decodes a single address return.
func (b *Binding) DecodeAddress(method string, data []byte) (common.Address, error) {
	vals, err := b.Unpack(method, data)
	if err != nil {
		return common.Address{}, err
	}
	return at[common.Address](method, vals, 0)
}

// DecodeUint decodes a single uint256 return.
func (b *Binding) DecodeUint(method string, data []byte) (*big.Int, error) {
	vals, err := b.Unpack(method, data)
	if err != nil {
		return nil, err
	}
	v, err := at[*big.Int](method, vals, 0)
	if err != nil {
		return nil, err
	}
	return nonNil(v), nil
}
