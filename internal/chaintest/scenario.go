package chaintest

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/garnizeh/chainlance/pkg/binding"
)

// Addr is the address of Key(i).
func Addr(i int) common.Address {
	return crypto.PubkeyToAddress(Key(i).PublicKey)
}

func (c *Contract) must(tb testing.TB, key *ecdsa.PrivateKey, value *big.Int, method string, args ...any) *types.Receipt {
	tb.Helper()
	r, err := c.Transact(key, value, method, args...)
	if err != nil {
		tb.Fatalf("%s: %v", method, err)
	}
	if r == nil {
		tb.Fatalf("%s: not mined", method)
	}
	if r.Status != types.ReceiptStatusSuccessful {
		tb.Fatalf("%s: reverted", method)
	}
	return r
}

func (c *Contract) event(tb testing.TB, r *types.Receipt, name string) binding.Event {
	tb.Helper()
	for _, l := range r.Logs {
		ev, err := c.b.DecodeLog(*l)
		if err != nil {
			tb.Fatalf("decode log: %v", err)
		}
		if ev.EventName() == name {
			return ev
		}
	}
	tb.Fatalf("no %s event in receipt", name)
	return nil
}

// Register creates an account for key with role through a transaction.
func (c *Contract) Register(tb testing.TB, key *ecdsa.PrivateKey, role binding.Role) {
	tb.Helper()
	emp, er, mid := role.Flags()
	c.must(tb, key, nil, binding.MethodNewAccount, emp, er, mid)
}

// Offer funds a new offer from key and returns its id.
func (c *Contract) Offer(tb testing.TB, key *ecdsa.PrivateKey, wei *big.Int) common.Hash {
	tb.Helper()
	r := c.must(tb, key, wei, binding.MethodOfferWork)
	return c.event(tb, r, binding.EventWorkOffered).(binding.WorkOffered).OfferedWorkID
}

func (c *Contract) Apply(tb testing.TB, key *ecdsa.PrivateKey, offerID common.Hash) {
	tb.Helper()
	c.must(tb, key, nil, binding.MethodApplyOfferedWork, [32]byte(offerID))
}

func (c *Contract) Delete(tb testing.TB, key *ecdsa.PrivateKey, offerID common.Hash) {
	tb.Helper()
	c.must(tb, key, nil, binding.MethodDeleteWork, [32]byte(offerID))
}

// Recruit hires the candidate at index which and returns the agreement id.
func (c *Contract) Recruit(tb testing.TB, key *ecdsa.PrivateKey, offerID common.Hash, which uint64) common.Hash {
	tb.Helper()
	r := c.must(tb, key, nil, binding.MethodRecruitEmployee, [32]byte(offerID), new(big.Int).SetUint64(which))
	return c.event(tb, r, binding.EventRecruitedEmployee).(binding.RecruitedEmployee).AgreementID
}

// Send runs any mutating method from key and fails the test unless it is
// mined successfully.
func (c *Contract) Send(tb testing.TB, key *ecdsa.PrivateKey, method string, args ...any) *types.Receipt {
	tb.Helper()
	return c.must(tb, key, nil, method, args...)
}
