package binding

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// LogMeta locates a decoded event in the chain.
type LogMeta struct {
	BlockNumber uint64      `json:"blockNumber"`
	TxHash      common.Hash `json:"txHash"`
	Index       uint        `json:"logIndex"`
	Removed     bool        `json:"removed,omitempty"`
}

// Event is any decoded contract event.
type Event interface {
	EventName() string
	Log() LogMeta
}

type AccountCreated struct {
	Account     common.Address
	IsEmployee  bool
	IsEmployer  bool
	IsMiddleman bool
	Meta        LogMeta
}

type WorkOffered struct {
	OfferedBy     common.Address
	OfferedWorkID common.Hash
	Meta          LogMeta
}

type WorkDeleted struct {
	OfferedWorkID common.Hash
	Meta          LogMeta
}

type AppliedToWork struct {
	Applicant     common.Address
	OfferedWorkID common.Hash
	Meta          LogMeta
}

type RecruitedEmployee struct {
	Employee    common.Address
	AgreementID common.Hash
	Meta        LogMeta
}

type SuggestedMiddleman struct {
	Suggested   common.Address
	Middleman   common.Address
	AgreementID common.Hash
	Meta        LogMeta
}

type AskedMiddleman struct {
	AgreementID common.Hash
	Middleman   common.Address
	Meta        LogMeta
}

type MiddlemanValidated struct {
	AgreementID common.Hash
	Meta        LogMeta
}

type EmployeeDone struct {
	AgreementID common.Hash
	Meta        LogMeta
}

type EmployerValidated struct {
	AgreementID common.Hash
	Meta        LogMeta
}

type DisputeRaised struct {
	RaisedBy    common.Address
	AgreementID common.Hash
	Meta        LogMeta
}

type DisputeResolved struct {
	AgreementID common.Hash
	Meta        LogMeta
}

func (e AccountCreated) EventName() string     { return EventAccountCreated }
func (e WorkOffered) EventName() string        { return EventWorkOffered }
func (e WorkDeleted) EventName() string        { return EventWorkDeleted }
func (e AppliedToWork) EventName() string      { return EventAppliedToWork }
func (e RecruitedEmployee) EventName() string  { return EventRecruitedEmployee }
func (e SuggestedMiddleman) EventName() string { return EventSuggestedMiddleman }
func (e AskedMiddleman) EventName() string     { return EventAskedMiddleman }
func (e MiddlemanValidated) EventName() string { return EventMiddlemanValidated }
func (e EmployeeDone) EventName() string       { return EventEmployeeDone }
func (e EmployerValidated) EventName() string  { return EventEmployerValidated }
func (e DisputeRaised) EventName() string      { return EventDisputeRaised }
func (e DisputeResolved) EventName() string    { return EventDisputeResolved }

func (e AccountCreated) Log() LogMeta     { return e.Meta }
func (e WorkOffered) Log() LogMeta        { return e.Meta }
func (e WorkDeleted) Log() LogMeta        { return e.Meta }
func (e AppliedToWork) Log() LogMeta      { return e.Meta }
func (e RecruitedEmployee) Log() LogMeta  { return e.Meta }
func (e SuggestedMiddleman) Log() LogMeta { return e.Meta }
func (e AskedMiddleman) Log() LogMeta     { return e.Meta }
func (e MiddlemanValidated) Log() LogMeta { return e.Meta }
func (e EmployeeDone) Log() LogMeta       { return e.Meta }
func (e EmployerValidated) Log() LogMeta  { return e.Meta }
func (e DisputeRaised) Log() LogMeta      { return e.Meta }
func (e DisputeResolved) Log() LogMeta    { return e.Meta }

// DecodeLog turns a raw log entry into its typed event. Logs whose topic is
// unknown, whose topic count disagrees with the indexed fields, or whose
// data does not decode all return ErrDecode.
func (b *Binding) DecodeLog(l types.Log) (Event, error) {
	if len(l.Topics) == 0 {
		return nil, fmt.Errorf("%w: log without topics", ErrDecode)
	}
	ev, err := b.abi.EventByID(l.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: unknown topic %s", ErrDecode, l.Topics[0].Hex())
	}

	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(l.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("%w: %s: %d topics for %d indexed fields", ErrDecode, ev.Name, len(l.Topics)-1, len(indexed))
	}

	fields := make(map[string]any, len(ev.Inputs))
	if err := ev.Inputs.NonIndexed().UnpackIntoMap(fields, l.Data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, ev.Name, err)
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, l.Topics[1:]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, ev.Name, err)
	}

	meta := LogMeta{BlockNumber: l.BlockNumber, TxHash: l.TxHash, Index: l.Index, Removed: l.Removed}
	d := fieldDecoder{event: ev.Name, fields: fields}

	var out Event
	switch ev.Name {
	case EventAccountCreated:
		out = AccountCreated{
			Account:     d.address("accountAddress"),
			IsEmployee:  d.flag("isEmployee_"),
			IsEmployer:  d.flag("isEmployer_"),
			IsMiddleman: d.flag("isMiddleman_"),
			Meta:        meta,
		}
	case EventWorkOffered:
		out = WorkOffered{OfferedBy: d.address("offeredBy"), OfferedWorkID: d.hash("offeredWorkId"), Meta: meta}
	case EventWorkDeleted:
		out = WorkDeleted{OfferedWorkID: d.hash("offeredWorkId"), Meta: meta}
	case EventAppliedToWork:
		out = AppliedToWork{Applicant: d.address("applicant"), OfferedWorkID: d.hash("offeredWorkId"), Meta: meta}
	case EventRecruitedEmployee:
		out = RecruitedEmployee{Employee: d.address("employee"), AgreementID: d.hash("agreementId"), Meta: meta}
	case EventSuggestedMiddleman:
		out = SuggestedMiddleman{
			Suggested:   d.address("suggested"),
			Middleman:   d.address("middleman"),
			AgreementID: d.hash("agreementId"),
			Meta:        meta,
		}
	case EventAskedMiddleman:
		out = AskedMiddleman{AgreementID: d.hash("agreementId"), Middleman: d.address("middleman"), Meta: meta}
	case EventMiddlemanValidated:
		out = MiddlemanValidated{AgreementID: d.hash("agreementId"), Meta: meta}
	case EventEmployeeDone:
		out = EmployeeDone{AgreementID: d.hash("agreementId"), Meta: meta}
	case EventEmployerValidated:
		out = EmployerValidated{AgreementID: d.hash("agreementId"), Meta: meta}
	case EventDisputeRaised:
		out = DisputeRaised{RaisedBy: d.address("raisedBy"), AgreementID: d.hash("agreementId"), Meta: meta}
	case EventDisputeResolved:
		out = DisputeResolved{AgreementID: d.hash("agreementId"), Meta: meta}
	default:
		return nil, fmt.Errorf("%w: event %s", ErrUnknownOperation, ev.Name)
	}
	if d.err != nil {
		return nil, d.err
	}
	return out, nil
}

// fieldDecoder extracts typed fields and keeps the first mismatch.
type fieldDecoder struct {
	event  string
	fields map[string]any
	err    error
}

func (d *fieldDecoder) get(name string) (any, bool) {
	v, ok := d.fields[name]
	if !ok && d.err == nil {
		d.err = fmt.Errorf("%w: %s: missing field %s", ErrDecode, d.event, name)
	}
	return v, ok
}

func (d *fieldDecoder) mismatch(name string, v any, want string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s: field %s is %T, want %s", ErrDecode, d.event, name, v, want)
	}
}

func (d *fieldDecoder) address(name string) common.Address {
	v, ok := d.get(name)
	if !ok {
		return common.Address{}
	}
	a, ok := v.(common.Address)
	if !ok {
		d.mismatch(name, v, "address")
	}
	return a
}

func (d *fieldDecoder) hash(name string) common.Hash {
	v, ok := d.get(name)
	if !ok {
		return common.Hash{}
	}
	h, ok := v.([32]byte)
	if !ok {
		d.mismatch(name, v, "bytes32")
	}
	return h
}

func (d *fieldDecoder) flag(name string) bool {
	v, ok := d.get(name)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		d.mismatch(name, v, "bool")
	}
	return b
}
