package binding_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/garnizeh/chainlance/pkg/binding"
)

func mustBinding(t *testing.T) *binding.Binding {
	t.Helper()
	b, err := binding.New()
	if err != nil {
		t.Fatalf("binding.New: %v", err)
	}
	return b
}

func TestOperations_MutabilityAndValue(t *testing.T) {
	b := mustBinding(t)

	if got := len(b.Operations()); got != 24 {
		t.Fatalf("expected 24 operations, got %d", got)
	}

	offer, ok := b.Operation(binding.MethodOfferWork)
	if !ok || !offer.Mutates || !offer.Payable {
		t.Fatalf("offerWork should mutate and carry value: %#v", offer)
	}
	recruit, _ := b.Operation(binding.MethodRecruitEmployee)
	if !recruit.Mutates || recruit.Payable {
		t.Fatalf("recruitEmployee should mutate without value: %#v", recruit)
	}
	if len(recruit.Inputs) != 2 || recruit.Inputs[0].Type != "bytes32" || recruit.Inputs[1].Type != "uint256" {
		t.Fatalf("unexpected recruitEmployee inputs: %#v", recruit.Inputs)
	}
	cands, _ := b.Operation(binding.MethodGetCandidates)
	if cands.Mutates {
		t.Fatalf("getCandidates is a view")
	}
}

func TestTopic_MatchesEventSignature(t *testing.T) {
	b := mustBinding(t)
	got, err := b.Topic(binding.EventWorkOffered)
	if err != nil {
		t.Fatalf("Topic: %v", err)
	}
	want := crypto.Keccak256Hash([]byte("workOffered(address,bytes32)"))
	if got != want {
		t.Fatalf("topic mismatch: %s != %s", got.Hex(), want.Hex())
	}
	if _, err := b.Topic("nope"); !errors.Is(err, binding.ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestPack_UnknownMethodAndBadArgs(t *testing.T) {
	b := mustBinding(t)
	if _, err := b.Pack("withdrawAll"); !errors.Is(err, binding.ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
	if _, err := b.Pack(binding.MethodDeleteWork, "not-bytes32"); err == nil {
		t.Fatalf("expected error packing wrong argument type")
	}
}

func TestDecodeOfferedWork_ShapeMismatchIsDecodeError(t *testing.T) {
	b := mustBinding(t)
	method := b.ABI().Methods[binding.MethodOfferedWorks]
	id := crypto.Keccak256Hash([]byte("offer-1"))
	employer := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	data, err := method.Outputs.Pack([32]byte(id), employer, big.NewInt(42), true)
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}

	w, err := b.DecodeOfferedWork(data)
	if err != nil {
		t.Fatalf("DecodeOfferedWork: %v", err)
	}
	if w.ID != id || w.Employer != employer || w.StakedAmount.Int64() != 42 || !w.Sealed {
		t.Fatalf("unexpected offer: %#v", w)
	}

	if _, err := b.DecodeOfferedWork(data[:64]); !errors.Is(err, binding.ErrDecode) {
		t.Fatalf("expected ErrDecode for truncated data, got %v", err)
	}
}

func TestDecodeOfferedWorks_TupleArray(t *testing.T) {
	b := mustBinding(t)
	method := b.ABI().Methods[binding.MethodGetOfferedWorks]
	in := []binding.OfferedWork{
		{ID: common.HexToHash("0x01"), Employer: common.HexToAddress("0xe1"), StakedAmount: big.NewInt(7)},
		{ID: common.HexToHash("0x02"), Employer: common.HexToAddress("0xe1"), StakedAmount: big.NewInt(9), Sealed: true},
	}
	data, err := method.Outputs.Pack(binding.OfferedWorkTuples(in))
	if err != nil {
		t.Fatalf("pack tuple[]: %v", err)
	}
	got, err := b.DecodeOfferedWorks(data)
	if err != nil {
		t.Fatalf("DecodeOfferedWorks: %v", err)
	}
	if len(got) != 2 || got[0].ID != in[0].ID || got[1].StakedAmount.Int64() != 9 || !got[1].Sealed {
		t.Fatalf("unexpected decode: %#v", got)
	}
}

func TestDecodeAgreement_BothGetters(t *testing.T) {
	b := mustBinding(t)
	a := binding.Agreement{
		ID:                  common.HexToHash("0xa1"),
		Employer:            common.HexToAddress("0xe1"),
		Employee:            common.HexToAddress("0xe2"),
		AmountForEmployee:   big.NewInt(1000),
		AskedMiddlemanCount: 2,
		EmployeeDone:        true,
	}

	tupleData, err := b.ABI().Methods[binding.MethodGetAgreement].Outputs.Pack(binding.AgreementTuple(a))
	if err != nil {
		t.Fatalf("pack tuple: %v", err)
	}
	got, err := b.DecodeAgreement(binding.MethodGetAgreement, tupleData)
	if err != nil {
		t.Fatalf("DecodeAgreement(getAgreement): %v", err)
	}
	if got.ID != a.ID || got.Employee != a.Employee || got.AskedMiddlemanCount != 2 || !got.EmployeeDone || got.HasMiddleman() {
		t.Fatalf("unexpected agreement: %#v", got)
	}

	flat, err := b.ABI().Methods[binding.MethodAgreements].Outputs.Pack(
		[32]byte(a.ID), a.Employer, a.Employee, common.Address{}, a.AmountForEmployee, big.NewInt(2),
		true, false, false, false)
	if err != nil {
		t.Fatalf("pack flat: %v", err)
	}
	got2, err := b.DecodeAgreement(binding.MethodAgreements, flat)
	if err != nil {
		t.Fatalf("DecodeAgreement(agreements): %v", err)
	}
	if got2.Employer != a.Employer || got2.AmountForEmployee.Int64() != 1000 {
		t.Fatalf("unexpected flat agreement: %#v", got2)
	}

	if _, err := b.DecodeAgreement(binding.MethodGetCandidates, flat); err == nil {
		t.Fatalf("expected error decoding agreement from the wrong getter")
	}
}

func workOfferedLog(t *testing.T, b *binding.Binding, employer common.Address, id common.Hash) types.Log {
	t.Helper()
	ev := b.ABI().Events[binding.EventWorkOffered]
	data, err := ev.Inputs.NonIndexed().Pack([32]byte(id))
	if err != nil {
		t.Fatalf("pack event data: %v", err)
	}
	return types.Log{
		Topics:      []common.Hash{ev.ID, common.BytesToHash(employer.Bytes())},
		Data:        data,
		BlockNumber: 12,
		Index:       3,
	}
}

func TestDecodeLog_WorkOffered(t *testing.T) {
	b := mustBinding(t)
	employer := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	id := crypto.Keccak256Hash([]byte("offer"))

	ev, err := b.DecodeLog(workOfferedLog(t, b, employer, id))
	if err != nil {
		t.Fatalf("DecodeLog: %v", err)
	}
	wo, ok := ev.(binding.WorkOffered)
	if !ok {
		t.Fatalf("expected WorkOffered, got %T", ev)
	}
	if wo.OfferedBy != employer || wo.OfferedWorkID != id || wo.Log().BlockNumber != 12 {
		t.Fatalf("unexpected event: %#v", wo)
	}
}

func TestDecodeLog_Rejections(t *testing.T) {
	b := mustBinding(t)
	good := workOfferedLog(t, b, common.HexToAddress("0xe1"), common.HexToHash("0x01"))

	missingTopic := good
	missingTopic.Topics = good.Topics[:1]
	unknown := good
	unknown.Topics = []common.Hash{crypto.Keccak256Hash([]byte("other(uint256)")), good.Topics[1]}
	noData := good
	noData.Data = nil

	for name, l := range map[string]types.Log{
		"missing indexed topic": missingTopic,
		"unknown topic":         unknown,
		"empty data":            noData,
		"no topics":             {},
	} {
		if _, err := b.DecodeLog(l); !errors.Is(err, binding.ErrDecode) {
			t.Fatalf("%s: expected ErrDecode, got %v", name, err)
		}
	}
}

func TestParseAndFormatEther(t *testing.T) {
	wei, err := binding.ParseEther("1.5")
	if err != nil {
		t.Fatalf("ParseEther: %v", err)
	}
	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	if wei.Cmp(want) != 0 {
		t.Fatalf("1.5 ether = %s wei, want %s", wei, want)
	}
	if got := binding.FormatEther(want); got != "1.5" {
		t.Fatalf("FormatEther = %q", got)
	}

	for _, bad := range []string{"", "abc", "-1", "0.0000000000000000001"} {
		if _, err := binding.ParseEther(bad); !errors.Is(err, binding.ErrInvalidAmount) {
			t.Fatalf("ParseEther(%q): expected ErrInvalidAmount, got %v", bad, err)
		}
	}
}

type emptyCaller struct{}

func (emptyCaller) CallContract(ctx context.Context, call ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return nil, nil
}

func TestCaller_EmptyReturnMeansNoCode(t *testing.T) {
	b := mustBinding(t)
	c := binding.NewCaller(b, common.HexToAddress("0xc0"), emptyCaller{})
	if _, err := c.NumOfOfferedWorks(context.Background(), binding.CallOpts{}); !errors.Is(err, binding.ErrNoCode) {
		t.Fatalf("expected ErrNoCode, got %v", err)
	}
}
