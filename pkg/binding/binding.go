// Package binding is the typed description of the Chainlance escrow contract:
// which operations exist, their argument order and types, what they return,
// which of them mutate state or carry value, and the shape of every event.
// Every higher layer encodes calls and decodes results and logs through it,
// so a drift between this description and the deployed contract surfaces
// here as ErrDecode instead of a silently coerced value.
package binding

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

//go:embed chainlance.abi.json
var abiJSON []byte

// View operations.
const (
	MethodBalanceReceived   = "balanceRecieved"
	MethodNumOfAgreements   = "numOfAgreements"
	MethodNumOfOfferedWorks = "numOfOfferedWorks"
	MethodOfferedWorks      = "offeredWorks"
	MethodAgreements        = "agreements"
	MethodGetOfferedWorkIDs = "getOfferedWorkIds"
	MethodGetOfferedWorks   = "getOfferedWorks"
	MethodGetAgreementIDs   = "getAgreementIds"
	MethodGetAgreements     = "getAgreements"
	MethodGetAgreement      = "getAgreement"
	MethodGetCandidates     = "getCandidates"
	MethodGetAskedMiddleman = "getAskedMiddleman"
	MethodGetMiddleman      = "getMiddleman"
)

// Mutating operations.
const (
	MethodNewAccount              = "newAccount"
	MethodOfferWork               = "offerWork"
	MethodDeleteWork              = "deleteWork"
	MethodApplyOfferedWork        = "applyOfferedWork"
	MethodRecruitEmployee         = "recruitEmployee"
	MethodSetEmployeeDone         = "setEmployeeDone"
	MethodSetEmployerValidate     = "setEmployerValidate"
	MethodSuggestMiddleman        = "suggestMiddleman"
	MethodMiddlemanValidate       = "middleManValidate"
	MethodRaiseDispute            = "raiseDispute"
	MethodResolveDisputeMiddleman = "resolveDisputeMiddleman"
)

// Events.
const (
	EventAccountCreated     = "accountCreated"
	EventWorkOffered        = "workOffered"
	EventWorkDeleted        = "workDeleted"
	EventAppliedToWork      = "appliedToWork"
	EventRecruitedEmployee  = "recruitedEmployee"
	EventSuggestedMiddleman = "suggestedMiddleman"
	EventAskedMiddleman     = "askedMiddleman"
	EventMiddlemanValidated = "middlemanValidated"
	EventEmployeeDone       = "employeeDone"
	EventEmployerValidated  = "employerValidated"
	EventDisputeRaised      = "disputeRaised"
	EventDisputeResolved    = "disputeResolved"
)

var (
	// ErrDecode marks a return value or log whose shape does not match the binding.
	ErrDecode = errors.New("binding: decode")
	// ErrUnknownOperation is returned for a method or event the binding does not declare.
	ErrUnknownOperation = errors.New("binding: unknown operation")
)

var requiredMethods = []string{
	MethodBalanceReceived, MethodNumOfAgreements, MethodNumOfOfferedWorks,
	MethodOfferedWorks, MethodAgreements, MethodGetOfferedWorkIDs,
	MethodGetOfferedWorks, MethodGetAgreementIDs, MethodGetAgreements,
	MethodGetAgreement, MethodGetCandidates, MethodGetAskedMiddleman,
	MethodGetMiddleman, MethodNewAccount, MethodOfferWork, MethodDeleteWork,
	MethodApplyOfferedWork, MethodRecruitEmployee, MethodSetEmployeeDone,
	MethodSetEmployerValidate, MethodSuggestMiddleman, MethodMiddlemanValidate,
	MethodRaiseDispute, MethodResolveDisputeMiddleman,
}

var requiredEvents = []string{
	EventAccountCreated, EventWorkOffered, EventWorkDeleted, EventAppliedToWork,
	EventRecruitedEmployee, EventSuggestedMiddleman, EventAskedMiddleman,
	EventMiddlemanValidated, EventEmployeeDone, EventEmployerValidated,
	EventDisputeRaised, EventDisputeResolved,
}

// Param is one typed parameter or return slot.
type Param struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Indexed bool   `json:"indexed,omitempty"`
}

// Operation describes one callable contract function.
type Operation struct {
	Name    string  `json:"name"`
	Inputs  []Param `json:"inputs"`
	Outputs []Param `json:"outputs"`
	Mutates bool    `json:"mutates"`
	Payable bool    `json:"payable"`
}

// EventSpec describes one emitted event.
type EventSpec struct {
	Name   string      `json:"name"`
	Topic  common.Hash `json:"topic"`
	Fields []Param     `json:"fields"`
}

// Binding holds the parsed contract interface.
type Binding struct {
	abi    abi.ABI
	ops    map[string]Operation
	events map[string]EventSpec
}

// New parses the embedded contract interface and checks that every
// operation and event the dashboard relies on is declared.
func New() (*Binding, error) {
	return Parse(abiJSON)
}

// Parse builds a Binding from an ABI JSON document.
func Parse(doc []byte) (*Binding, error) {
	parsed, err := abi.JSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	b := &Binding{
		abi:    parsed,
		ops:    make(map[string]Operation, len(parsed.Methods)),
		events: make(map[string]EventSpec, len(parsed.Events)),
	}
	for name, m := range parsed.Methods {
		b.ops[name] = Operation{
			Name:    name,
			Inputs:  params(m.Inputs),
			Outputs: params(m.Outputs),
			Mutates: !m.IsConstant(),
			Payable: m.IsPayable(),
		}
	}
	for name, ev := range parsed.Events {
		b.events[name] = EventSpec{Name: name, Topic: ev.ID, Fields: params(ev.Inputs)}
	}

	for _, name := range requiredMethods {
		if _, ok := b.ops[name]; !ok {
			return nil, fmt.Errorf("%w: method %s missing from abi", ErrUnknownOperation, name)
		}
	}
	for _, name := range requiredEvents {
		if _, ok := b.events[name]; !ok {
			return nil, fmt.Errorf("%w: event %s missing from abi", ErrUnknownOperation, name)
		}
	}
	return b, nil
}

func params(args abi.Arguments) []Param {
	out := make([]Param, 0, len(args))
	for _, a := range args {
		out = append(out, Param{Name: a.Name, Type: a.Type.String(), Indexed: a.Indexed})
	}
	return out
}

// ABI exposes the parsed interface for callers that need raw access.
func (b *Binding) ABI() abi.ABI { return b.abi }

// Operation returns the description of a named function.
func (b *Binding) Operation(name string) (Operation, bool) {
	op, ok := b.ops[name]
	return op, ok
}

// Operations lists every function sorted by name.
func (b *Binding) Operations() []Operation {
	out := make([]Operation, 0, len(b.ops))
	for _, op := range b.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Event returns the description of a named event.
func (b *Binding) Event(name string) (EventSpec, bool) {
	ev, ok := b.events[name]
	return ev, ok
}

// Topic returns the identifying topic hash of an event.
func (b *Binding) Topic(event string) (common.Hash, error) {
	ev, ok := b.events[event]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: event %s", ErrUnknownOperation, event)
	}
	return ev.Topic, nil
}

// Pack encodes a call to method with its arguments in declared order.
func (b *Binding) Pack(method string, args ...any) ([]byte, error) {
	if _, ok := b.ops[method]; !ok {
		return nil, fmt.Errorf("%w: method %s", ErrUnknownOperation, method)
	}
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return data, nil
}

// Unpack decodes the raw return data of method into positional values.
func (b *Binding) Unpack(method string, data []byte) ([]any, error) {
	if _, ok := b.ops[method]; !ok {
		return nil, fmt.Errorf("%w: method %s", ErrUnknownOperation, method)
	}
	vals, err := b.abi.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, method, err)
	}
	return vals, nil
}
