package binding

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Role is the capability an account registers with.
type Role string

const (
	RoleEmployee  Role = "Employee"
	RoleEmployer  Role = "Employer"
	RoleMiddleman Role = "Middleman"
)

// Valid reports whether r is one of the three registrable roles.
func (r Role) Valid() bool {
	switch r {
	case RoleEmployee, RoleEmployer, RoleMiddleman:
		return true
	}
	return false
}

// Flags returns the newAccount arguments for r: exactly one flag is true.
func (r Role) Flags() (isEmployee, isEmployer, isMiddleman bool) {
	return r == RoleEmployee, r == RoleEmployer, r == RoleMiddleman
}

// Account is the on-chain capability set of an address.
type Account struct {
	Address     common.Address `json:"address"`
	IsEmployee  bool           `json:"isEmployee"`
	IsEmployer  bool           `json:"isEmployer"`
	IsMiddleman bool           `json:"isMiddleman"`
}

// OfferedWork is a funded work offer.
type OfferedWork struct {
	ID           common.Hash    `json:"id"`
	Employer     common.Address `json:"employer"`
	StakedAmount *big.Int       `json:"stakedAmount"`
	Sealed       bool           `json:"sealed"`
}

// Exists reports whether the offer was ever created; unknown ids read back
// as the zero record.
func (w OfferedWork) Exists() bool {
	return w.Employer != (common.Address{})
}

// Agreement is the escrow agreement born from a recruited offer.
type Agreement struct {
	ID                  common.Hash    `json:"id"`
	Employer            common.Address `json:"employer"`
	Employee            common.Address `json:"employee"`
	Middleman           common.Address `json:"middleman"`
	AmountForEmployee   *big.Int       `json:"amountForEmployee"`
	AskedMiddlemanCount uint64         `json:"askedMiddlemanCount"`
	EmployeeDone        bool           `json:"employeeDone"`
	EmployerValidated   bool           `json:"employerValidated"`
	DisputeRaised       bool           `json:"disputeRaised"`
	Resolved            bool           `json:"resolved"`
}

// Exists reports whether the agreement was ever created.
func (a Agreement) Exists() bool {
	return a.Employer != (common.Address{})
}

// HasMiddleman reports whether an invited middleman has accepted.
func (a Agreement) HasMiddleman() bool {
	return a.Middleman != (common.Address{})
}

// Involves reports whether addr is a party to the agreement.
func (a Agreement) Involves(addr common.Address) bool {
	return addr == a.Employer || addr == a.Employee || (a.HasMiddleman() && addr == a.Middleman)
}

// Tuple shapes as the abi package materializes them. Field names and types
// must match the contract's struct components exactly.
type offeredWorkTuple struct {
	OfferedWorkId [32]byte
	Employer      common.Address
	AmountToStake *big.Int
	IsSealed      bool
}

type agreementTuple struct {
	AgreementId          [32]byte
	Employer             common.Address
	Employee             common.Address
	Middleman            common.Address
	AmountForEmployee    *big.Int
	AskedMiddlemanNumber *big.Int
	EmployeeDone         bool
	EmployerValidate     bool
	DisputeRaised        bool
	ResolveCheck         bool
}

func (t offeredWorkTuple) offer() OfferedWork {
	return OfferedWork{
		ID:           common.Hash(t.OfferedWorkId),
		Employer:     t.Employer,
		StakedAmount: nonNil(t.AmountToStake),
		Sealed:       t.IsSealed,
	}
}

func (t agreementTuple) agreement() (Agreement, error) {
	asked := nonNil(t.AskedMiddlemanNumber)
	if !asked.IsUint64() {
		return Agreement{}, fmt.Errorf("%w: askedMiddlemanNumber overflows uint64", ErrDecode)
	}
	return Agreement{
		ID:                  common.Hash(t.AgreementId),
		Employer:            t.Employer,
		Employee:            t.Employee,
		Middleman:           t.Middleman,
		AmountForEmployee:   nonNil(t.AmountForEmployee),
		AskedMiddlemanCount: asked.Uint64(),
		EmployeeDone:        t.EmployeeDone,
		EmployerValidated:   t.EmployerValidate,
		DisputeRaised:       t.DisputeRaised,
		Resolved:            t.ResolveCheck,
	}, nil
}

// OfferedWorkTuple and AgreementTuple expose the wire tuples to callers that
// encode return data, such as contract simulators.
func OfferedWorkTuple(w OfferedWork) any {
	return offeredWorkTuple{
		OfferedWorkId: w.ID,
		Employer:      w.Employer,
		AmountToStake: nonNil(w.StakedAmount),
		IsSealed:      w.Sealed,
	}
}

func AgreementTuple(a Agreement) any {
	return agreementTuple{
		AgreementId:          a.ID,
		Employer:             a.Employer,
		Employee:             a.Employee,
		Middleman:            a.Middleman,
		AmountForEmployee:    nonNil(a.AmountForEmployee),
		AskedMiddlemanNumber: new(big.Int).SetUint64(a.AskedMiddlemanCount),
		EmployeeDone:         a.EmployeeDone,
		EmployerValidate:     a.EmployerValidated,
		DisputeRaised:        a.DisputeRaised,
		ResolveCheck:         a.Resolved,
	}
}

// OfferedWorkTuples converts a list for packing a tuple[] return.
func OfferedWorkTuples(ws []OfferedWork) any {
	out := make([]offeredWorkTuple, 0, len(ws))
	for _, w := range ws {
		out = append(out, OfferedWorkTuple(w).(offeredWorkTuple))
	}
	return out
}

// AgreementTuples converts a list for packing a tuple[] return.
func AgreementTuples(as []Agreement) any {
	out := make([]agreementTuple, 0, len(as))
	for _, a := range as {
		out = append(out, AgreementTuple(a).(agreementTuple))
	}
	return out
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// convert wraps abi.ConvertType, which panics on a shape mismatch.
func convert[T any](method string, in any) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrDecode, method, r)
		}
	}()
	p, ok := abi.ConvertType(in, new(T)).(*T)
	if !ok {
		return out, fmt.Errorf("%w: %s: unexpected %T", ErrDecode, method, in)
	}
	return *p, nil
}

// at returns vals[i] as T or ErrDecode.
func at[T any](method string, vals []any, i int) (T, error) {
	var zero T
	if i >= len(vals) {
		return zero, fmt.Errorf("%w: %s: want at least %d values, got %d", ErrDecode, method, i+1, len(vals))
	}
	v, ok := vals[i].(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s: value %d is %T, want %T", ErrDecode, method, i, vals[i], zero)
	}
	return v, nil
}
