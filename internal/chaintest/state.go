package chaintest

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/garnizeh/chainlance/pkg/binding"
)

type emitted struct {
	event   string
	indexed []common.Hash
	data    []any
}

func (c *Contract) buildLog(e emitted) types.Log {
	ev := c.b.ABI().Events[e.event]
	data, err := ev.Inputs.NonIndexed().Pack(e.data...)
	if err != nil {
		panic("chaintest: pack " + e.event + ": " + err.Error())
	}
	topics := append([]common.Hash{ev.ID}, e.indexed...)
	return types.Log{Address: c.address, Topics: topics, Data: data}
}

func addrTopic(a common.Address) common.Hash { return common.BytesToHash(a.Bytes()) }

func (c *Contract) nextID(parts ...[]byte) common.Hash {
	c.seq++
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], c.seq)
	return common.BytesToHash(keccak(append(parts, n[:])...))
}

func (c *Contract) pay(to common.Address, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	if _, ok := c.paid[to]; !ok {
		c.paid[to] = new(big.Int)
	}
	c.paid[to].Add(c.paid[to], amount)
	c.escrow.Sub(c.escrow, amount)
}

func (c *Contract) agreement(id common.Hash) (*binding.Agreement, error) {
	a, ok := c.agreements[id]
	if !ok {
		return nil, revert("agreement does not exist")
	}
	return a, nil
}

func (c *Contract) openOffer(id common.Hash) (*binding.OfferedWork, error) {
	w, ok := c.offers[id]
	if !ok {
		return nil, revert("offered work does not exist")
	}
	if w.Sealed {
		return nil, revert("offered work is sealed")
	}
	return w, nil
}

// exec validates a mutating call and returns the function that commits it.
// Nothing changes until the returned function runs.
func (c *Contract) exec(from common.Address, value *big.Int, method string, args []any) (func() []emitted, error) {
	if value.Sign() > 0 && method != binding.MethodOfferWork {
		return nil, revert("function is not payable")
	}
	acct, registered := c.accounts[from]

	switch method {
	case binding.MethodNewAccount:
		if registered {
			return nil, revert("account already exists")
		}
		emp, er, mid := args[0].(bool), args[1].(bool), args[2].(bool)
		if !emp && !er && !mid {
			return nil, revert("account needs a role")
		}
		return func() []emitted {
			c.accounts[from] = binding.Account{Address: from, IsEmployee: emp, IsEmployer: er, IsMiddleman: mid}
			return []emitted{{event: binding.EventAccountCreated, indexed: []common.Hash{addrTopic(from)}, data: []any{emp, er, mid}}}
		}, nil

	case binding.MethodOfferWork:
		if !registered || !acct.IsEmployer {
			return nil, revert("caller is not an employer")
		}
		if value.Sign() <= 0 {
			return nil, revert("stake must be positive")
		}
		stake := new(big.Int).Set(value)
		return func() []emitted {
			id := c.nextID(from.Bytes())
			c.offers[id] = &binding.OfferedWork{ID: id, Employer: from, StakedAmount: stake}
			c.offerOrder = append(c.offerOrder, id)
			c.escrow.Add(c.escrow, stake)
			return []emitted{{event: binding.EventWorkOffered, indexed: []common.Hash{addrTopic(from)}, data: []any{[32]byte(id)}}}
		}, nil

	case binding.MethodDeleteWork:
		id := common.Hash(args[0].([32]byte))
		w, err := c.openOffer(id)
		if err != nil {
			return nil, err
		}
		if w.Employer != from {
			return nil, revert("caller is not the employer")
		}
		return func() []emitted {
			w.Sealed = true
			c.pay(from, w.StakedAmount)
			return []emitted{{event: binding.EventWorkDeleted, data: []any{[32]byte(id)}}}
		}, nil

	case binding.MethodApplyOfferedWork:
		id := common.Hash(args[0].([32]byte))
		if !registered || !acct.IsEmployee {
			return nil, revert("caller is not an employee")
		}
		w, err := c.openOffer(id)
		if err != nil {
			return nil, err
		}
		if w.Employer == from {
			return nil, revert("employer cannot apply to own work")
		}
		for _, a := range c.candidates[id] {
			if a == from {
				return nil, revert("already applied")
			}
		}
		return func() []emitted {
			c.candidates[id] = append(c.candidates[id], from)
			return []emitted{{event: binding.EventAppliedToWork, indexed: []common.Hash{addrTopic(from)}, data: []any{[32]byte(id)}}}
		}, nil

	case binding.MethodRecruitEmployee:
		id := common.Hash(args[0].([32]byte))
		which := args[1].(*big.Int)
		w, err := c.openOffer(id)
		if err != nil {
			return nil, err
		}
		if w.Employer != from {
			return nil, revert("caller is not the employer")
		}
		cands := c.candidates[id]
		if !which.IsUint64() || which.Uint64() >= uint64(len(cands)) {
			return nil, revert("candidate index out of range")
		}
		employee := cands[which.Uint64()]
		return func() []emitted {
			w.Sealed = true
			aid := c.nextID(id.Bytes(), employee.Bytes())
			c.agreements[aid] = &binding.Agreement{
				ID:                aid,
				Employer:          from,
				Employee:          employee,
				AmountForEmployee: new(big.Int).Set(w.StakedAmount),
			}
			c.agreementOrder = append(c.agreementOrder, aid)
			return []emitted{{event: binding.EventRecruitedEmployee, indexed: []common.Hash{addrTopic(employee)}, data: []any{[32]byte(aid)}}}
		}, nil

	case binding.MethodSetEmployeeDone:
		id := common.Hash(args[0].([32]byte))
		a, err := c.agreement(id)
		if err != nil {
			return nil, err
		}
		if a.Employee != from {
			return nil, revert("caller is not the employee")
		}
		if a.EmployeeDone {
			return nil, revert("already marked done")
		}
		if a.Resolved {
			return nil, revert("agreement resolved")
		}
		return func() []emitted {
			a.EmployeeDone = true
			return []emitted{{event: binding.EventEmployeeDone, data: []any{[32]byte(id)}}}
		}, nil

	case binding.MethodSetEmployerValidate:
		id := common.Hash(args[0].([32]byte))
		a, err := c.agreement(id)
		if err != nil {
			return nil, err
		}
		if a.Employer != from {
			return nil, revert("caller is not the employer")
		}
		if a.EmployerValidated {
			return nil, revert("already validated")
		}
		if a.Resolved {
			return nil, revert("agreement resolved")
		}
		if a.DisputeRaised {
			return nil, revert("dispute raised")
		}
		return func() []emitted {
			a.EmployerValidated = true
			a.Resolved = true
			c.pay(a.Employee, a.AmountForEmployee)
			return []emitted{{event: binding.EventEmployerValidated, data: []any{[32]byte(id)}}}
		}, nil

	case binding.MethodSuggestMiddleman:
		id := common.Hash(args[0].([32]byte))
		mid := args[1].(common.Address)
		a, err := c.agreement(id)
		if err != nil {
			return nil, err
		}
		if from != a.Employer && from != a.Employee {
			return nil, revert("caller is not a party")
		}
		if a.Resolved {
			return nil, revert("agreement resolved")
		}
		if a.HasMiddleman() {
			return nil, revert("middleman already set")
		}
		if m, ok := c.accounts[mid]; !ok || !m.IsMiddleman {
			return nil, revert("suggested address is not a middleman")
		}
		if mid == a.Employer || mid == a.Employee {
			return nil, revert("a party cannot be the middleman")
		}
		return func() []emitted {
			c.asked[id] = append(c.asked[id], mid)
			a.AskedMiddlemanCount++
			return []emitted{
				{event: binding.EventSuggestedMiddleman, data: []any{from, mid, [32]byte(id)}},
				{event: binding.EventAskedMiddleman, data: []any{[32]byte(id), mid}},
			}
		}, nil

	case binding.MethodMiddlemanValidate:
		id := common.Hash(args[0].([32]byte))
		which := args[1].(*big.Int)
		a, err := c.agreement(id)
		if err != nil {
			return nil, err
		}
		asked := c.asked[id]
		if !which.IsUint64() || which.Uint64() >= uint64(len(asked)) {
			return nil, revert("middleman index out of range")
		}
		if asked[which.Uint64()] != from {
			return nil, revert("caller was not asked")
		}
		if a.HasMiddleman() {
			return nil, revert("middleman already set")
		}
		return func() []emitted {
			a.Middleman = from
			return []emitted{{event: binding.EventMiddlemanValidated, data: []any{[32]byte(id)}}}
		}, nil

	case binding.MethodRaiseDispute:
		id := common.Hash(args[0].([32]byte))
		a, err := c.agreement(id)
		if err != nil {
			return nil, err
		}
		if from != a.Employer && from != a.Employee {
			return nil, revert("caller is not a party")
		}
		if a.DisputeRaised {
			return nil, revert("dispute already raised")
		}
		if a.Resolved {
			return nil, revert("agreement resolved")
		}
		return func() []emitted {
			a.DisputeRaised = true
			return []emitted{{event: binding.EventDisputeRaised, indexed: []common.Hash{addrTopic(from)}, data: []any{[32]byte(id)}}}
		}, nil

	case binding.MethodResolveDisputeMiddleman:
		id := common.Hash(args[0].([32]byte))
		empPct, erPct := args[1].(*big.Int), args[2].(*big.Int)
		a, err := c.agreement(id)
		if err != nil {
			return nil, err
		}
		if !a.HasMiddleman() || a.Middleman != from {
			return nil, revert("caller is not the middleman")
		}
		if !a.DisputeRaised {
			return nil, revert("no dispute raised")
		}
		if a.Resolved {
			return nil, revert("agreement resolved")
		}
		if new(big.Int).Add(empPct, erPct).Cmp(big.NewInt(100)) != 0 {
			return nil, revert("percentages must sum to 100")
		}
		return func() []emitted {
			a.Resolved = true
			toEmployee := new(big.Int).Mul(a.AmountForEmployee, empPct)
			toEmployee.Div(toEmployee, big.NewInt(100))
			c.pay(a.Employee, toEmployee)
			c.pay(a.Employer, new(big.Int).Sub(a.AmountForEmployee, toEmployee))
			return []emitted{{event: binding.EventDisputeResolved, data: []any{[32]byte(id)}}}
		}, nil
	}
	return nil, revert("%s is not a mutating operation", method)
}

// view answers read operations. getOfferedWorks deliberately returns every
// offer, as the deployed contract's scoping of it is not guaranteed.
func (c *Contract) view(from common.Address, method string, args []any) ([]any, error) {
	switch method {
	case binding.MethodBalanceReceived:
		return []any{new(big.Int).Set(c.escrow)}, nil
	case binding.MethodNumOfAgreements:
		return []any{big.NewInt(int64(len(c.agreementOrder)))}, nil
	case binding.MethodNumOfOfferedWorks:
		return []any{big.NewInt(int64(len(c.offerOrder)))}, nil
	case binding.MethodOfferedWorks:
		id := common.Hash(args[0].([32]byte))
		w := binding.OfferedWork{StakedAmount: new(big.Int)}
		if p, ok := c.offers[id]; ok {
			w = *p
		}
		return []any{[32]byte(w.ID), w.Employer, w.StakedAmount, w.Sealed}, nil
	case binding.MethodAgreements:
		a := c.agreementOrZero(common.Hash(args[0].([32]byte)))
		return []any{
			[32]byte(a.ID), a.Employer, a.Employee, a.Middleman, a.AmountForEmployee,
			new(big.Int).SetUint64(a.AskedMiddlemanCount),
			a.EmployeeDone, a.EmployerValidated, a.DisputeRaised, a.Resolved,
		}, nil
	case binding.MethodGetOfferedWorkIDs:
		ids := make([][32]byte, 0, len(c.offerOrder))
		for _, id := range c.offerOrder {
			ids = append(ids, [32]byte(id))
		}
		return []any{ids}, nil
	case binding.MethodGetOfferedWorks:
		out := make([]binding.OfferedWork, 0, len(c.offerOrder))
		for _, id := range c.offerOrder {
			out = append(out, *c.offers[id])
		}
		return []any{binding.OfferedWorkTuples(out)}, nil
	case binding.MethodGetAgreementIDs:
		ids := [][32]byte{}
		for _, id := range c.agreementOrder {
			if c.agreements[id].Involves(from) {
				ids = append(ids, [32]byte(id))
			}
		}
		return []any{ids}, nil
	case binding.MethodGetAgreements:
		out := []binding.Agreement{}
		for _, id := range c.agreementOrder {
			if a := c.agreements[id]; a.Involves(from) || containsAddr(c.asked[id], from) {
				out = append(out, *a)
			}
		}
		return []any{binding.AgreementTuples(out)}, nil
	case binding.MethodGetAgreement:
		return []any{binding.AgreementTuple(c.agreementOrZero(common.Hash(args[0].([32]byte))))}, nil
	case binding.MethodGetCandidates:
		cands := append([]common.Address{}, c.candidates[common.Hash(args[0].([32]byte))]...)
		return []any{cands}, nil
	case binding.MethodGetAskedMiddleman:
		asked := c.asked[common.Hash(args[0].([32]byte))]
		which := args[1].(*big.Int)
		if !which.IsUint64() || which.Uint64() >= uint64(len(asked)) {
			return nil, revert("middleman index out of range")
		}
		return []any{asked[which.Uint64()]}, nil
	case binding.MethodGetMiddleman:
		return []any{c.agreementOrZero(common.Hash(args[0].([32]byte))).Middleman}, nil
	}
	return nil, revert("%s is not a view", method)
}

func (c *Contract) agreementOrZero(id common.Hash) binding.Agreement {
	if a, ok := c.agreements[id]; ok {
		return *a
	}
	return binding.Agreement{AmountForEmployee: new(big.Int)}
}
